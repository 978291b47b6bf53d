package taskmesh

import (
	"encoding/json"
	"sync"
)

// ClockOrdering is the result of comparing two vector clocks.
type ClockOrdering int

const (
	// ClockEqual means both clocks hold identical counters.
	ClockEqual ClockOrdering = iota
	// ClockBefore means this clock causally precedes the other.
	ClockBefore
	// ClockAfter means this clock causally follows the other.
	ClockAfter
	// ClockConcurrent means the clocks are unequal and neither dominates.
	ClockConcurrent
)

func (o ClockOrdering) String() string {
	switch o {
	case ClockEqual:
		return "equal"
	case ClockBefore:
		return "before"
	case ClockAfter:
		return "after"
	case ClockConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock implements a per-node logical clock for detecting causal
// ordering between state reports from uncoordinated peers.
//
// A node only ever increments its own counter; merging takes the pointwise
// maximum across all keys.
type VectorClock struct {
	owner  string
	clocks map[string]uint64
	mu     sync.RWMutex
}

// NewVectorClock creates a clock owned by the given node id.
func NewVectorClock(owner string) *VectorClock {
	return &VectorClock{
		owner:  owner,
		clocks: make(map[string]uint64),
	}
}

// Owner returns the owning node id.
func (vc *VectorClock) Owner() string {
	return vc.owner
}

// Tick increments the owning node's counter.
func (vc *VectorClock) Tick() uint64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.clocks[vc.owner]++
	return vc.clocks[vc.owner]
}

// Get returns the counter for a node.
func (vc *VectorClock) Get(nodeID string) uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return vc.clocks[nodeID]
}

// Merge merges another clock into this one, taking the max per node.
// The owning node's own counter is never decreased.
func (vc *VectorClock) Merge(other *VectorClock) {
	other.mu.RLock()
	snapshot := make(map[string]uint64, len(other.clocks))
	for node, counter := range other.clocks {
		snapshot[node] = counter
	}
	other.mu.RUnlock()
	vc.MergeCounters(snapshot)
}

// MergeCounters merges a raw counter map, as received on the wire.
func (vc *VectorClock) MergeCounters(counters map[string]uint64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	for node, counter := range counters {
		if counter > vc.clocks[node] {
			vc.clocks[node] = counter
		}
	}
}

// Compare compares two clocks under the usual vector clock partial order.
// Identical clocks compare as ClockEqual, never as concurrent.
func (vc *VectorClock) Compare(other *VectorClock) ClockOrdering {
	other.mu.RLock()
	snapshot := make(map[string]uint64, len(other.clocks))
	for node, counter := range other.clocks {
		snapshot[node] = counter
	}
	other.mu.RUnlock()
	return vc.CompareCounters(snapshot)
}

// CompareCounters compares against a raw counter map.
func (vc *VectorClock) CompareCounters(counters map[string]uint64) ClockOrdering {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	less, greater := false, false
	allNodes := make(map[string]struct{}, len(vc.clocks)+len(counters))
	for node := range vc.clocks {
		allNodes[node] = struct{}{}
	}
	for node := range counters {
		allNodes[node] = struct{}{}
	}

	for node := range allNodes {
		a, b := vc.clocks[node], counters[node]
		if a < b {
			less = true
		} else if a > b {
			greater = true
		}
	}

	switch {
	case !less && !greater:
		return ClockEqual
	case less && !greater:
		return ClockBefore
	case greater && !less:
		return ClockAfter
	default:
		return ClockConcurrent
	}
}

// HappensBefore returns true if this clock causally precedes the other.
func (vc *VectorClock) HappensBefore(other *VectorClock) bool {
	return vc.Compare(other) == ClockBefore
}

// IsConcurrent returns true if the clocks are unequal and incomparable.
func (vc *VectorClock) IsConcurrent(other *VectorClock) bool {
	return vc.Compare(other) == ClockConcurrent
}

// Clone creates a deep copy that can be mutated independently.
func (vc *VectorClock) Clone() *VectorClock {
	vc.mu.RLock()
	defer vc.mu.RUnlock()

	clone := NewVectorClock(vc.owner)
	for node, counter := range vc.clocks {
		clone.clocks[node] = counter
	}
	return clone
}

// Counters returns a copy of the raw counter map, suitable for the wire.
func (vc *VectorClock) Counters() map[string]uint64 {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	out := make(map[string]uint64, len(vc.clocks))
	for node, counter := range vc.clocks {
		out[node] = counter
	}
	return out
}

// MarshalJSON serializes the clock as a flat counter map.
func (vc *VectorClock) MarshalJSON() ([]byte, error) {
	vc.mu.RLock()
	defer vc.mu.RUnlock()
	return json.Marshal(vc.clocks)
}

// UnmarshalJSON restores the counter map. The owner is not part of the wire
// format and must be set by the surrounding context.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.clocks == nil {
		vc.clocks = make(map[string]uint64)
	}
	return json.Unmarshal(data, &vc.clocks)
}
