package taskmesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordConn captures sent envelopes for assertions.
type recordConn struct {
	mu     sync.Mutex
	sent   []*Envelope
	closed bool
}

func (c *recordConn) Send(env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordConn) envelopes() []*Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Envelope(nil), c.sent...)
}

func newTestGateway(t *testing.T) (*Gateway, *DeviceRegistry) {
	t.Helper()
	registry := NewDeviceRegistry(DefaultRegistryConfig())
	return NewGateway(DefaultGatewayConfig(), registry, nil), registry
}

func registerEnvelope(t *testing.T, deviceID string, typ DeviceType, caps ...string) *Envelope {
	t.Helper()
	var cs []Capability
	for _, name := range caps {
		cs = append(cs, Capability{Name: name})
	}
	env, err := NewEnvelope(ProtocolV1, deviceID, CoordinatorID, MessageRegister, &RegisterPayload{
		DeviceID:     deviceID,
		DeviceType:   typ,
		Capabilities: cs,
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	return env
}

func TestGateway_RegisterBindsAndReplies(t *testing.T) {
	g, registry := newTestGateway(t)
	conn := &recordConn{}

	reply, err := g.HandleEnvelope(context.Background(), conn, registerEnvelope(t, "d1", DeviceTypeMobile, "camera"))
	if err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}
	if reply == nil || reply.Type != MessageResponse {
		t.Fatalf("reply = %+v, want response envelope", reply)
	}
	var resp ResponsePayload
	if err := reply.DecodePayload(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Errorf("register response = %+v, want success", resp)
	}
	if !registry.Has("d1") {
		t.Error("device not in registry after register")
	}
	if !g.Connected("d1") {
		t.Error("connection not bound after register")
	}
}

func TestGateway_ReregisterRebindsConnection(t *testing.T) {
	g, registry := newTestGateway(t)
	conn1 := &recordConn{}
	if _, err := g.HandleEnvelope(context.Background(), conn1, registerEnvelope(t, "d1", DeviceTypeMobile, "camera")); err != nil {
		t.Fatal(err)
	}

	// The connection drops; the device comes back on a new one and registers
	// again.
	g.Unbind("d1", conn1)
	conn2 := &recordConn{}
	reply, err := g.HandleEnvelope(context.Background(), conn2, registerEnvelope(t, "d1", DeviceTypeMobile, "camera"))
	if err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}
	var resp ResponsePayload
	if err := reply.DecodePayload(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Fatalf("re-register rejected: %s", resp.Error)
	}
	if !g.Connected("d1") {
		t.Fatal("device not bound after re-register")
	}
	d, _ := registry.Get("d1")
	if d.State != DeviceIdle {
		t.Errorf("State after re-register = %v, want %v", d.State, DeviceIdle)
	}

	// The dead connection's late teardown must not touch the new binding.
	g.Unbind("d1", conn1)
	if !g.Connected("d1") {
		t.Error("stale unbind dropped the new binding")
	}
	d, _ = registry.Get("d1")
	if d.State != DeviceIdle {
		t.Errorf("State after stale unbind = %v, want %v", d.State, DeviceIdle)
	}

	// Commands flow over the new connection, not the outbox.
	if err := g.SendBestEffort("d1", MessageCommand, &CommandPayload{Action: "camera.capture"}); err != nil {
		t.Fatalf("SendBestEffort() error = %v", err)
	}
	if got := len(conn2.envelopes()); got != 1 {
		t.Errorf("new connection received %d envelopes, want 1", got)
	}
	if queued := g.DrainOutbox("d1"); len(queued) != 0 {
		t.Errorf("outbox held %d envelopes, want 0", len(queued))
	}
}

func TestGateway_RegisterSenderMismatchRejected(t *testing.T) {
	g, registry := newTestGateway(t)
	conn := &recordConn{}

	env, err := NewEnvelope(ProtocolV1, "imposter", CoordinatorID, MessageRegister, &RegisterPayload{
		DeviceID:   "d9",
		DeviceType: DeviceTypeMobile,
	})
	if err != nil {
		t.Fatal(err)
	}
	reply, err := g.HandleEnvelope(context.Background(), conn, env)
	if err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}
	var resp ResponsePayload
	if err := reply.DecodePayload(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Error("register with mismatched sender succeeded, want failure")
	}
	if registry.Has("d9") {
		t.Error("mismatched register created a device")
	}
	if g.Connected("d9") || g.Connected("imposter") {
		t.Error("mismatched register bound a connection")
	}
}

func TestGateway_RejectsInvalidEnvelope(t *testing.T) {
	g, _ := newTestGateway(t)
	env := &Envelope{Protocol: ProtocolV1, Type: MessageHeartbeat}
	_, err := g.HandleEnvelope(context.Background(), nil, env)
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("HandleEnvelope() error = %v, want ErrInvalidEnvelope", err)
	}
}

func TestGateway_HeartbeatUnknownDeviceRejected(t *testing.T) {
	g, registry := newTestGateway(t)
	env, _ := NewEnvelope(ProtocolV1, "ghost", CoordinatorID, MessageHeartbeat, &HeartbeatPayload{DeviceID: "ghost"})

	reply, err := g.HandleEnvelope(context.Background(), nil, env)
	if err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}
	var resp ResponsePayload
	if err := reply.DecodePayload(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Error("heartbeat for unknown device succeeded, want failure")
	}
	if registry.Count() != 0 {
		t.Errorf("heartbeat created a device: Count() = %d, want 0", registry.Count())
	}
}

func TestGateway_SendCommandCorrelatesResponse(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := &recordConn{}
	if _, err := g.HandleEnvelope(context.Background(), conn, registerEnvelope(t, "d1", DeviceTypeMobile)); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Wait for the command to land, then answer it echoing its id.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			for _, env := range conn.envelopes() {
				if env.Type != MessageCommand {
					continue
				}
				resp, _ := NewEnvelope(ProtocolV1, "d1", CoordinatorID, MessageResponse, &ResponsePayload{
					TaskID:  "t1",
					Success: true,
				})
				resp.MessageID = env.MessageID
				_, _ = g.HandleEnvelope(context.Background(), conn, resp)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	resp, err := g.SendCommand(context.Background(), "d1", &CommandPayload{TaskID: "t1", Action: "ping"}, time.Second)
	<-done
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if !resp.Success || resp.TaskID != "t1" {
		t.Errorf("response = %+v, want success for t1", resp)
	}
}

func TestGateway_SendCommandTimeout(t *testing.T) {
	g, _ := newTestGateway(t)
	conn := &recordConn{}
	if _, err := g.HandleEnvelope(context.Background(), conn, registerEnvelope(t, "d1", DeviceTypeMobile)); err != nil {
		t.Fatal(err)
	}

	_, err := g.SendCommand(context.Background(), "d1", &CommandPayload{Action: "ping"}, 20*time.Millisecond)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("SendCommand() error = %v, want ErrCommandTimeout", err)
	}
	if g.Calls().Pending() != 0 {
		t.Errorf("Pending() after timeout = %d, want 0", g.Calls().Pending())
	}
}

func TestGateway_UnknownDeviceDelivery(t *testing.T) {
	g, _ := newTestGateway(t)
	_, err := g.SendCommand(context.Background(), "ghost", &CommandPayload{Action: "ping"}, time.Second)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("SendCommand(ghost) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestGateway_OutboxForPollModeDevice(t *testing.T) {
	g, _ := newTestGateway(t)
	// Registered without a connection: HTTP poll mode.
	if _, err := g.HandleEnvelope(context.Background(), nil, registerEnvelope(t, "d1", DeviceTypeSensor)); err != nil {
		t.Fatal(err)
	}
	if g.Connected("d1") {
		t.Fatal("poll-mode device should not be bound")
	}

	if err := g.SendBestEffort("d1", MessageCommand, &CommandPayload{Action: "sensor.read"}); err != nil {
		t.Fatalf("SendBestEffort() error = %v", err)
	}
	queued := g.DrainOutbox("d1")
	if len(queued) != 1 || queued[0].Type != MessageCommand {
		t.Fatalf("DrainOutbox() = %v, want 1 command", queued)
	}
	if got := g.DrainOutbox("d1"); len(got) != 0 {
		t.Errorf("second DrainOutbox() = %d envelopes, want 0", len(got))
	}
}

func TestGateway_OutboxLimit(t *testing.T) {
	config := DefaultGatewayConfig()
	config.OutboxLimit = 2
	registry := NewDeviceRegistry(DefaultRegistryConfig())
	g := NewGateway(config, registry, nil)

	if _, err := g.HandleEnvelope(context.Background(), nil, registerEnvelope(t, "d1", DeviceTypeSensor)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := g.SendBestEffort("d1", MessageCommand, &CommandPayload{Action: "a"}); err != nil {
			t.Fatalf("SendBestEffort() #%d error = %v", i, err)
		}
	}
	if err := g.SendBestEffort("d1", MessageCommand, &CommandPayload{Action: "a"}); err == nil {
		t.Fatal("SendBestEffort() beyond outbox limit should fail")
	}
}

func TestGateway_UnbindMarksOffline(t *testing.T) {
	g, registry := newTestGateway(t)
	conn := &recordConn{}
	if _, err := g.HandleEnvelope(context.Background(), conn, registerEnvelope(t, "d1", DeviceTypeMobile)); err != nil {
		t.Fatal(err)
	}

	g.Unbind("d1", nil)
	if g.Connected("d1") {
		t.Error("Connected() after unbind = true, want false")
	}
	d, _ := registry.Get("d1")
	if d.State != DeviceOffline {
		t.Errorf("State after unbind = %v, want %v", d.State, DeviceOffline)
	}
}

func TestGateway_StaleResponseDiscarded(t *testing.T) {
	g, _ := newTestGateway(t)
	env, _ := NewEnvelope(ProtocolV1, "d1", CoordinatorID, MessageResponse, &ResponsePayload{Success: true})

	// No pending call for this id; the handler must swallow it.
	reply, err := g.HandleEnvelope(context.Background(), nil, env)
	if err != nil {
		t.Fatalf("HandleEnvelope() error = %v", err)
	}
	if reply != nil {
		t.Errorf("stale response produced a reply: %+v", reply)
	}
}
