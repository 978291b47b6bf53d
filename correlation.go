package taskmesh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PendingCall is one outstanding command awaiting its correlated response.
// It resolves exactly once: by the response, by timeout, or by cancellation.
type PendingCall struct {
	MessageID string
	DeviceID  string
	CreatedAt time.Time

	ch   chan *ResponsePayload
	once sync.Once
}

// Done returns the channel delivering the response. It is closed without a
// value when the call is dropped.
func (c *PendingCall) Done() <-chan *ResponsePayload {
	return c.ch
}

func (c *PendingCall) resolve(resp *ResponsePayload) bool {
	fired := false
	c.once.Do(func() {
		c.ch <- resp
		close(c.ch)
		fired = true
	})
	return fired
}

func (c *PendingCall) drop() {
	c.once.Do(func() { close(c.ch) })
}

// CorrelationTable matches outbound command message ids to their waiting
// callers. Entries resolve or time out, never both; responses for unknown or
// already-resolved ids are reported to the caller for warn-and-discard
// handling, which at-least-once delivery makes routine.
type CorrelationTable struct {
	mu    sync.Mutex
	calls map[string]*PendingCall
}

// NewCorrelationTable creates an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{calls: make(map[string]*PendingCall)}
}

// Register adds a pending call for the given message id.
func (t *CorrelationTable) Register(messageID, deviceID string) *PendingCall {
	call := &PendingCall{
		MessageID: messageID,
		DeviceID:  deviceID,
		CreatedAt: time.Now(),
		ch:        make(chan *ResponsePayload, 1),
	}
	t.mu.Lock()
	t.calls[messageID] = call
	t.mu.Unlock()
	return call
}

// Resolve delivers a response to the waiter for messageID. It returns false
// when the id is unknown or already resolved (a late or duplicate response).
func (t *CorrelationTable) Resolve(messageID string, resp *ResponsePayload) bool {
	t.mu.Lock()
	call, ok := t.calls[messageID]
	if ok {
		delete(t.calls, messageID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	return call.resolve(resp)
}

// Drop removes a pending call without resolving it. The waiter's channel is
// closed; any response arriving later is discarded as stale.
func (t *CorrelationTable) Drop(messageID string) {
	t.mu.Lock()
	call, ok := t.calls[messageID]
	if ok {
		delete(t.calls, messageID)
	}
	t.mu.Unlock()

	if ok {
		call.drop()
	}
}

// Await blocks until the call resolves, the timeout elapses, or ctx is done.
// On timeout or cancellation the entry is dropped so it cannot leak and a
// late response is discarded rather than double-resolved.
func (t *CorrelationTable) Await(ctx context.Context, call *PendingCall, timeout time.Duration) (*ResponsePayload, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-call.ch:
		if !ok {
			return nil, ErrCommandTimeout
		}
		return resp, nil
	case <-timer.C:
		t.Drop(call.MessageID)
		return nil, ErrCommandTimeout
	case <-ctx.Done():
		t.Drop(call.MessageID)
		return nil, ctx.Err()
	}
}

// Pending returns the number of outstanding calls.
func (t *CorrelationTable) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Reap drops calls older than maxAge, a backstop against responses that never
// arrive on connections the dispatcher is no longer awaiting.
func (t *CorrelationTable) Reap(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	t.mu.Lock()
	var stale []*PendingCall
	for id, call := range t.calls {
		if call.CreatedAt.Before(cutoff) {
			stale = append(stale, call)
			delete(t.calls, id)
		}
	}
	t.mu.Unlock()

	for _, call := range stale {
		call.drop()
		slog.Warn("reaped stale pending call", "message_id", call.MessageID, "device", call.DeviceID)
	}
	return len(stale)
}
