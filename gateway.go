package taskmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Conn is one logical connection to a device. Implementations must preserve
// send order: the coordinator relies on a single writer per connection for
// per-device command ordering.
type Conn interface {
	Send(env *Envelope) error
	Close() error
}

// CommandSink is the coordinator-side target for device-initiated commands
// and status requests.
type CommandSink interface {
	// SubmitAndWait runs a task through the generic submission path and
	// blocks until it reaches a terminal state.
	SubmitAndWait(ctx context.Context, spec TaskSpec) (Task, error)

	// Snapshot reports the coordinator's device and task statistics.
	Snapshot() StatusPayload
}

// GatewayConfig configures the protocol gateway.
type GatewayConfig struct {
	// NodeID is the coordinator's envelope address.
	// Default: "coordinator"
	NodeID string `yaml:"node_id"`

	// Protocol is the envelope version spoken on outbound messages.
	// Default: "AIP/1.0"
	Protocol string `yaml:"protocol"`

	// CommandTimeout bounds the wait for a correlated response.
	// Default: 30s
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// OutboxLimit caps queued commands per poll-mode (HTTP) device.
	// Default: 256
	OutboxLimit int `yaml:"outbox_limit"`
}

// DefaultGatewayConfig returns production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		NodeID:         CoordinatorID,
		Protocol:       ProtocolV1,
		CommandTimeout: 30 * time.Second,
		OutboxLimit:    256,
	}
}

type envelopeHandler func(ctx context.Context, conn Conn, env *Envelope) (*Envelope, error)

// Gateway owns the wire level: envelope validation, connection lifecycle,
// message-kind dispatch through a handler table, and request-response
// correlation. Envelopes belong to the gateway for the duration of a
// connection; task and device objects belong to the dispatcher and registry.
type Gateway struct {
	config   GatewayConfig
	registry *DeviceRegistry
	sink     CommandSink
	calls    *CorrelationTable
	journal  *MessageJournal

	handlers map[MessageType]envelopeHandler

	mu     sync.Mutex
	conns  map[string]Conn
	outbox map[string][]*Envelope
}

// NewGateway creates a gateway over the given registry and sink.
func NewGateway(config GatewayConfig, registry *DeviceRegistry, sink CommandSink) *Gateway {
	if config.NodeID == "" {
		config.NodeID = CoordinatorID
	}
	if config.Protocol == "" {
		config.Protocol = ProtocolV1
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 30 * time.Second
	}
	if config.OutboxLimit <= 0 {
		config.OutboxLimit = 256
	}

	g := &Gateway{
		config:   config,
		registry: registry,
		sink:     sink,
		calls:    NewCorrelationTable(),
		conns:    make(map[string]Conn),
		outbox:   make(map[string][]*Envelope),
	}

	// One handler per message kind; adding a kind is a table entry.
	g.handlers = map[MessageType]envelopeHandler{
		MessageRegister:  g.handleRegister,
		MessageHeartbeat: g.handleHeartbeat,
		MessageCommand:   g.handleCommand,
		MessageResponse:  g.handleResponse,
		MessageStatus:    g.handleStatus,
	}
	return g
}

// SetJournal attaches an optional message journal.
func (g *Gateway) SetJournal(j *MessageJournal) {
	g.journal = j
}

// Calls exposes the correlation table to the dispatcher.
func (g *Gateway) Calls() *CorrelationTable {
	return g.calls
}

// Bind associates a device id with its live connection.
func (g *Gateway) Bind(deviceID string, conn Conn) {
	g.mu.Lock()
	g.conns[deviceID] = conn
	g.mu.Unlock()
}

// Unbind drops the connection binding and marks the device offline, but only
// while the binding still points at conn: a binding already replaced by a
// newer connection is left alone, so a dead connection's teardown cannot take
// down a reconnected device. A nil conn unbinds unconditionally. The liveness
// sweep remains the authority for poll-mode devices.
func (g *Gateway) Unbind(deviceID string, conn Conn) {
	g.mu.Lock()
	cur, bound := g.conns[deviceID]
	if bound && (conn == nil || cur == conn) {
		delete(g.conns, deviceID)
	} else {
		bound = false
	}
	g.mu.Unlock()

	if bound && g.registry.Has(deviceID) {
		_ = g.registry.SetState(deviceID, DeviceOffline)
	}
}

// Connected reports whether the device has a bound connection.
func (g *Gateway) Connected(deviceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.conns[deviceID]
	return ok
}

// HandleEnvelope validates an inbound envelope and dispatches it to the
// handler for its message kind. The returned envelope, when non-nil, is the
// reply the transport should deliver to the peer.
func (g *Gateway) HandleEnvelope(ctx context.Context, conn Conn, env *Envelope) (*Envelope, error) {
	if err := env.Validate(); err != nil {
		slog.Warn("rejected envelope", "err", err)
		return nil, err
	}
	g.record("in", env)

	handler, ok := g.handlers[env.Type]
	if !ok {
		return nil, newProtocolError("type", fmt.Sprintf("no handler for %q", env.Type))
	}
	return handler(ctx, conn, env)
}

func (g *Gateway) handleRegister(_ context.Context, conn Conn, env *Envelope) (*Envelope, error) {
	var p RegisterPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.DeviceID == "" {
		return g.reply(env, &ResponsePayload{Success: false, Error: "device_id is required"})
	}
	// The bind key and the unbind key must agree, so the payload id has to be
	// the envelope sender.
	if p.DeviceID != env.From {
		return g.reply(env, &ResponsePayload{Success: false,
			Error: fmt.Sprintf("device_id %q does not match sender %q", p.DeviceID, env.From)})
	}

	dev, err := NewDevice(p.DeviceID, p.DeviceType, p.Capabilities, p.Constraints)
	if err != nil {
		return g.reply(env, &ResponsePayload{Success: false, Error: err.Error()})
	}
	dev.Name = p.Name
	dev.Metadata = p.Metadata

	if err := g.registry.Register(dev); err != nil {
		if errors.Is(err, ErrDeviceExists) {
			// Reconnect: keep the registry record, bind the new connection,
			// and revive the device.
			if conn != nil {
				g.Bind(p.DeviceID, conn)
			}
			_ = g.registry.Heartbeat(p.DeviceID, "", 0, nil)
			slog.Info("device reconnected", "device", p.DeviceID)
			return g.reply(env, &ResponsePayload{Success: true})
		}
		return g.reply(env, &ResponsePayload{Success: false, Error: err.Error()})
	}
	if conn != nil {
		g.Bind(p.DeviceID, conn)
	}
	slog.Info("device registered", "device", p.DeviceID, "type", p.DeviceType, "capabilities", len(p.Capabilities))
	return g.reply(env, &ResponsePayload{Success: true})
}

func (g *Gateway) handleHeartbeat(_ context.Context, _ Conn, env *Envelope) (*Envelope, error) {
	var p HeartbeatPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	deviceID := p.DeviceID
	if deviceID == "" {
		deviceID = env.From
	}
	if err := g.registry.Heartbeat(deviceID, p.State, p.Load, p.Clock); err != nil {
		return g.reply(env, &ResponsePayload{Success: false, Error: err.Error()})
	}
	return g.reply(env, &ResponsePayload{Success: true})
}

// handleCommand serves device-initiated commands: an operator issuing
// instructions from a device rides the generic task-submission path and gets
// the execution result back, correlated by the inbound message id.
func (g *Gateway) handleCommand(ctx context.Context, conn Conn, env *Envelope) (*Envelope, error) {
	if g.sink == nil {
		return g.reply(env, &ResponsePayload{Success: false, Error: "no submission path"})
	}
	var p CommandPayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}

	spec := TaskSpec{
		Name:       p.Action,
		Action:     p.Action,
		Parameters: p.Parameters,
	}
	if p.TimeoutMs > 0 {
		spec.Timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	// Execution can outlive the read loop's patience; reply asynchronously so
	// one slow submission never stalls the connection. The submission is
	// detached from the request context: an HTTP handler returning must not
	// cancel the wait.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		task, err := g.sink.SubmitAndWait(runCtx, spec)
		resp := &ResponsePayload{TaskID: task.ID, Success: err == nil && task.State == TaskCompleted}
		if err != nil {
			resp.Error = err.Error()
		} else if task.State != TaskCompleted {
			resp.Error = task.Error
		}
		out, rerr := g.reply(env, resp)
		if rerr != nil {
			return
		}
		if conn != nil {
			g.record("out", out)
			if serr := conn.Send(out); serr != nil {
				slog.Warn("command reply send failed", "device", env.From, "err", serr)
			}
			return
		}
		// Poll-mode issuer: park the result in its outbox.
		if derr := g.deliver(env.From, out); derr != nil {
			slog.Warn("command reply delivery failed", "device", env.From, "err", derr)
		}
	}()
	return nil, nil
}

// handleResponse resolves the pending correlation for the original command's
// message id. Unknown or already-resolved ids are logged and discarded:
// at-least-once delivery makes duplicates expected, never fatal.
func (g *Gateway) handleResponse(_ context.Context, _ Conn, env *Envelope) (*Envelope, error) {
	var p ResponsePayload
	if err := env.DecodePayload(&p); err != nil {
		return nil, err
	}
	if !g.calls.Resolve(env.MessageID, &p) {
		slog.Warn("stale or unknown response discarded", "message_id", env.MessageID, "from", env.From)
	}
	return nil, nil
}

func (g *Gateway) handleStatus(_ context.Context, _ Conn, env *Envelope) (*Envelope, error) {
	if g.sink == nil {
		return g.reply(env, &ResponsePayload{Success: false, Error: "no status source"})
	}
	status := g.sink.Snapshot()
	out, err := NewEnvelope(g.config.Protocol, g.config.NodeID, env.From, MessageStatus, &status)
	if err != nil {
		return nil, err
	}
	out.MessageID = env.MessageID
	return out, nil
}

// reply builds a response envelope correlated to the inbound message id.
func (g *Gateway) reply(env *Envelope, resp *ResponsePayload) (*Envelope, error) {
	out, err := NewEnvelope(g.config.Protocol, g.config.NodeID, env.From, MessageResponse, resp)
	if err != nil {
		return nil, err
	}
	out.MessageID = env.MessageID
	return out, nil
}

// SendCommand sends a command envelope to a device and blocks for the
// correlated response, bounded by timeout (the gateway default when zero).
// Poll-mode devices without a live connection receive it via their outbox.
func (g *Gateway) SendCommand(ctx context.Context, deviceID string, payload *CommandPayload, timeout time.Duration) (*ResponsePayload, error) {
	if timeout <= 0 {
		timeout = g.config.CommandTimeout
	}
	env, err := NewEnvelope(g.config.Protocol, g.config.NodeID, deviceID, MessageCommand, payload)
	if err != nil {
		return nil, err
	}

	call := g.calls.Register(env.MessageID, deviceID)
	if err := g.deliver(deviceID, env); err != nil {
		g.calls.Drop(env.MessageID)
		return nil, err
	}
	return g.calls.Await(ctx, call, timeout)
}

// SendBestEffort delivers an envelope without registering a correlation.
// Used for cancel commands where the coordinator does not wait.
func (g *Gateway) SendBestEffort(deviceID string, typ MessageType, payload any) error {
	env, err := NewEnvelope(g.config.Protocol, g.config.NodeID, deviceID, typ, payload)
	if err != nil {
		return err
	}
	return g.deliver(deviceID, env)
}

func (g *Gateway) deliver(deviceID string, env *Envelope) error {
	g.mu.Lock()
	conn, ok := g.conns[deviceID]
	g.mu.Unlock()

	if ok {
		g.record("out", env)
		return conn.Send(env)
	}

	if !g.registry.Has(deviceID) {
		return fmt.Errorf("gateway: %w: %s", ErrDeviceNotFound, deviceID)
	}

	// Poll-mode fallback: queue for the next command poll.
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.outbox[deviceID]) >= g.config.OutboxLimit {
		return fmt.Errorf("gateway: outbox full for %s", deviceID)
	}
	g.outbox[deviceID] = append(g.outbox[deviceID], env)
	g.record("out", env)
	return nil
}

// DrainOutbox returns and clears the queued envelopes for a poll-mode device.
func (g *Gateway) DrainOutbox(deviceID string) []*Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	queued := g.outbox[deviceID]
	delete(g.outbox, deviceID)
	return queued
}

func (g *Gateway) record(direction string, env *Envelope) {
	if g.journal == nil {
		return
	}
	if err := g.journal.Append(direction, env); err != nil {
		slog.Warn("journal append failed", "err", err)
	}
}
