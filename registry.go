package taskmesh

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RegistryConfig configures the device registry.
type RegistryConfig struct {
	// MaxDevices caps how many devices may be registered at once.
	// Default: 10000
	MaxDevices int `yaml:"max_devices"`

	// HeartbeatTimeout is how long a device may go silent before the
	// liveness sweep marks it offline.
	// Default: 90s
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// DefaultRegistryConfig returns production defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxDevices:       10000,
		HeartbeatTimeout: 90 * time.Second,
	}
}

// DeviceRegistry is the authoritative table of known devices. It is the only
// component that mutates a device's vector clock.
type DeviceRegistry struct {
	config RegistryConfig

	mu      sync.RWMutex
	devices map[string]*Device

	onStateChange func(deviceID string, old, new DeviceState)

	conflicts uint64
}

// NewDeviceRegistry creates a registry with the given configuration.
func NewDeviceRegistry(config RegistryConfig) *DeviceRegistry {
	if config.MaxDevices <= 0 {
		config.MaxDevices = 10000
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 90 * time.Second
	}
	return &DeviceRegistry{
		config:  config,
		devices: make(map[string]*Device),
	}
}

// OnDeviceStateChange registers a callback invoked after a device changes state.
// The callback runs outside the registry lock.
func (r *DeviceRegistry) OnDeviceStateChange(fn func(deviceID string, old, new DeviceState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

// Register admits a new device. A duplicate id is rejected; idempotent
// re-registration must go through Heartbeat instead.
func (r *DeviceRegistry) Register(d *Device) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("registry: device id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[d.ID]; ok {
		return fmt.Errorf("registry: %w: %s", ErrDeviceExists, d.ID)
	}
	if len(r.devices) >= r.config.MaxDevices {
		return fmt.Errorf("registry: max devices (%d) reached", r.config.MaxDevices)
	}
	if d.Clock == nil {
		d.Clock = NewVectorClock(d.ID)
	}
	r.devices[d.ID] = d
	return nil
}

// Unregister removes a device.
func (r *DeviceRegistry) Unregister(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[deviceID]; !ok {
		return fmt.Errorf("registry: %w: %s", ErrDeviceNotFound, deviceID)
	}
	delete(r.devices, deviceID)
	return nil
}

// Get returns a snapshot of a device.
func (r *DeviceRegistry) Get(deviceID string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return Device{}, fmt.Errorf("registry: %w: %s", ErrDeviceNotFound, deviceID)
	}
	return d.snapshot(), nil
}

// Has reports whether the device id is registered.
func (r *DeviceRegistry) Has(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[deviceID]
	return ok
}

// Devices returns snapshots of all devices, sorted by id.
func (r *DeviceRegistry) Devices() []Device {
	return r.filter(func(*Device) bool { return true })
}

// DevicesByType returns snapshots of devices of the given type.
func (r *DeviceRegistry) DevicesByType(typ DeviceType) []Device {
	return r.filter(func(d *Device) bool { return d.Type == typ })
}

// OnlineDevices returns every device whose state is not offline.
func (r *DeviceRegistry) OnlineDevices() []Device {
	return r.filter(func(d *Device) bool { return d.State != DeviceOffline })
}

// AvailableDevices returns every device that can accept a task right now.
func (r *DeviceRegistry) AvailableDevices() []Device {
	return r.filter(func(d *Device) bool { return d.CanAcceptTask() })
}

func (r *DeviceRegistry) filter(pred func(*Device) bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if pred(d) {
			out = append(out, d.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountByState returns how many devices are in the given state.
func (r *DeviceRegistry) CountByState(state DeviceState) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, d := range r.devices {
		if d.State == state {
			n++
		}
	}
	return n
}

// Count returns the number of registered devices.
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// AnyDeviceHasCapabilities reports whether some registered device advertises
// every named capability. Used for synchronous submission-time rejection.
func (r *DeviceRegistry) AnyDeviceHasCapabilities(names []string) bool {
	if len(names) == 0 {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.HasAllCapabilities(names) {
			return true
		}
	}
	return false
}

// Heartbeat records a heartbeat from a device: liveness, the device's own
// report of its state and load, and its vector clock. The self-reported state
// is kept for display; scheduling keeps reading the registry's own State, so
// a stale or wrong report can never steer dispatch. Heartbeats for unknown
// devices are dropped with a warning so a spoofed heartbeat can never create
// a device behind capability negotiation.
func (r *DeviceRegistry) Heartbeat(deviceID string, state DeviceState, load int, clock map[string]uint64) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		slog.Warn("heartbeat for unknown device dropped", "device", deviceID)
		return fmt.Errorf("registry: %w: %s", ErrDeviceNotFound, deviceID)
	}

	old := d.State
	d.UpdateHeartbeat(time.Now())
	switch state {
	case DeviceIdle, DeviceBusy, DeviceOffline, DeviceError:
		d.ReportedState = state
		d.ReportedLoad = load
	}
	r.mergeClockLocked(d, clock)
	cur := d.State
	cb := r.onStateChange
	r.mu.Unlock()

	if old != cur && cb != nil {
		cb(deviceID, old, cur)
	}
	return nil
}

// MergeClock merges a device's reported clock into its registry entry.
func (r *DeviceRegistry) MergeClock(deviceID string, clock map[string]uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("registry: %w: %s", ErrDeviceNotFound, deviceID)
	}
	r.mergeClockLocked(d, clock)
	return nil
}

// mergeClockLocked compares before merging so causal conflicts between two
// reports about the same device are surfaced. A conflict is logged, never
// auto-resolved: the merged (pointwise max) clock is kept and no task-state
// decision is based on clock ordering alone.
func (r *DeviceRegistry) mergeClockLocked(d *Device, clock map[string]uint64) {
	if len(clock) == 0 {
		return
	}
	if d.Clock.CompareCounters(clock) == ClockConcurrent {
		r.conflicts++
		slog.Warn("concurrent state reports for device",
			"device", d.ID, "known", d.Clock.Counters(), "reported", clock)
	}
	d.Clock.MergeCounters(clock)
}

// ClockConflicts returns how many concurrent-clock reports have been observed.
func (r *DeviceRegistry) ClockConflicts() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conflicts
}

// AssignTask appends a task to a device, enforcing the capacity invariant.
func (r *DeviceRegistry) AssignTask(deviceID, taskID string) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: %w: %s", ErrDeviceNotFound, deviceID)
	}
	old := d.State
	if err := d.assignTask(taskID); err != nil {
		r.mu.Unlock()
		return err
	}
	cur := d.State
	cb := r.onStateChange
	r.mu.Unlock()

	if old != cur && cb != nil {
		cb(deviceID, old, cur)
	}
	return nil
}

// ReleaseTask removes a task from a device. A failed task does not imply a
// failed device, so the device returns to the pool.
func (r *DeviceRegistry) ReleaseTask(deviceID, taskID string) {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	old := d.State
	d.unassignTask(taskID)
	cur := d.State
	cb := r.onStateChange
	r.mu.Unlock()

	if old != cur && cb != nil {
		cb(deviceID, old, cur)
	}
}

// SetState forces a device into the given state.
func (r *DeviceRegistry) SetState(deviceID string, state DeviceState) error {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: %w: %s", ErrDeviceNotFound, deviceID)
	}
	old := d.State
	d.State = state
	cb := r.onStateChange
	r.mu.Unlock()

	if old != state && cb != nil {
		cb(deviceID, old, state)
	}
	return nil
}

// CheckHeartbeats marks devices with stale heartbeats as offline and returns
// how many were marked.
func (r *DeviceRegistry) CheckHeartbeats() int {
	r.mu.Lock()
	cutoff := time.Now().Add(-r.config.HeartbeatTimeout)
	type change struct {
		id  string
		old DeviceState
	}
	var changes []change
	for _, d := range r.devices {
		if d.State != DeviceOffline && d.LastHeartbeat.Before(cutoff) {
			changes = append(changes, change{d.ID, d.State})
			d.State = DeviceOffline
		}
	}
	cb := r.onStateChange
	r.mu.Unlock()

	if cb != nil {
		for _, c := range changes {
			cb(c.id, c.old, DeviceOffline)
		}
	}
	return len(changes)
}
