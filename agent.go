package taskmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// AgentConfig configures a device-side agent.
type AgentConfig struct {
	// ServerURL is the coordinator's websocket endpoint, e.g.
	// "ws://localhost:8080/aip/v1/ws".
	ServerURL string `yaml:"server_url"`

	// DeviceID is this device's identity. Generated when empty.
	DeviceID string `yaml:"device_id"`

	// DeviceType classifies the device for routing.
	DeviceType DeviceType `yaml:"device_type"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// Capabilities announced at registration.
	Capabilities []Capability `yaml:"capabilities"`

	// Constraints announced at registration.
	Constraints ResourceConstraints `yaml:"constraints"`

	// Metadata announced at registration.
	Metadata map[string]string `yaml:"metadata"`

	// Protocol is the AIP version to speak.
	// Default: "AIP/1.0"
	Protocol string `yaml:"protocol"`

	// HeartbeatInterval is the liveness reporting cadence.
	// Default: 30s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ReconnectDelay is the wait between dial attempts.
	// Default: 5s
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// WriteTimeout bounds each websocket write.
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CommandHandler executes one action on the device. The returned value is
// marshaled into the response; a non-nil error marks the command failed.
type CommandHandler func(ctx context.Context, cmd CommandPayload) (any, error)

// Agent is the device-side endpoint: it registers with a coordinator,
// heartbeats, executes commands through registered handlers, and answers
// each command with a response correlated by the command's message id.
type Agent struct {
	config AgentConfig
	clock  *VectorClock

	mu       sync.Mutex
	handlers map[string]CommandHandler
	running  map[string]context.CancelFunc
	ws       *websocket.Conn
	state    DeviceState
}

// NewAgent creates an agent. Call Handle to register actions, then Run.
func NewAgent(config AgentConfig) (*Agent, error) {
	if config.ServerURL == "" {
		return nil, fmt.Errorf("agent: server_url is required")
	}
	if config.DeviceID == "" {
		config.DeviceID = uuid.New().String()
	}
	if config.DeviceType == "" {
		config.DeviceType = DeviceTypeCompute
	}
	if !ValidDeviceType(config.DeviceType) {
		return nil, fmt.Errorf("agent: unknown device type %q", config.DeviceType)
	}
	if config.Protocol == "" {
		config.Protocol = ProtocolV1
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Agent{
		config:   config,
		clock:    NewVectorClock(config.DeviceID),
		handlers: make(map[string]CommandHandler),
		running:  make(map[string]context.CancelFunc),
		state:    DeviceIdle,
	}, nil
}

// DeviceID returns the agent's identity.
func (a *Agent) DeviceID() string {
	return a.config.DeviceID
}

// Clock returns the agent's vector clock.
func (a *Agent) Clock() *VectorClock {
	return a.clock
}

// Handle registers the handler for an action. Registering again replaces the
// previous handler.
func (a *Agent) Handle(action string, handler CommandHandler) {
	a.mu.Lock()
	a.handlers[action] = handler
	a.mu.Unlock()
}

// Run connects to the coordinator and serves commands until ctx is done,
// redialing after connection loss.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("agent connection lost, reconnecting", "device", a.config.DeviceID, "delay", a.config.ReconnectDelay, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.config.ReconnectDelay):
		}
	}
}

func (a *Agent) runOnce(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("agent: dial %s: %w", a.config.ServerURL, err)
	}
	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.ws = nil
		a.mu.Unlock()
		ws.Close()
	}()

	if err := a.register(); err != nil {
		return err
	}

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	go a.heartbeatLoop(connCtx)

	// Unblock ReadMessage on cancellation.
	go func() {
		<-connCtx.Done()
		ws.Close()
	}()

	for {
		frameType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		env, err := DecodeFrame(data, frameType == websocket.BinaryMessage)
		if err != nil {
			slog.Warn("agent frame rejected", "device", a.config.DeviceID, "err", err)
			continue
		}
		a.dispatch(ctx, env)
	}
}

func (a *Agent) register() error {
	a.clock.Tick()
	env, err := NewEnvelope(a.config.Protocol, a.config.DeviceID, CoordinatorID, MessageRegister, &RegisterPayload{
		DeviceID:     a.config.DeviceID,
		DeviceType:   a.config.DeviceType,
		Name:         a.config.Name,
		Capabilities: a.config.Capabilities,
		Constraints:  a.config.Constraints,
		Metadata:     a.config.Metadata,
	})
	if err != nil {
		return err
	}
	return a.send(env)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			state := a.state
			load := len(a.running)
			a.mu.Unlock()

			env, err := NewEnvelope(a.config.Protocol, a.config.DeviceID, CoordinatorID, MessageHeartbeat, &HeartbeatPayload{
				DeviceID: a.config.DeviceID,
				State:    state,
				Load:     load,
				Clock:    a.clock.Counters(),
			})
			if err != nil {
				continue
			}
			if err := a.send(env); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound envelope. Commands run on their own goroutine
// so a long handler never blocks heartbeats or further reads.
func (a *Agent) dispatch(ctx context.Context, env *Envelope) {
	switch env.Type {
	case MessageCommand:
		var cmd CommandPayload
		if err := env.DecodePayload(&cmd); err != nil {
			slog.Warn("agent command payload rejected", "message_id", env.MessageID, "err", err)
			return
		}
		go a.execute(ctx, env, cmd)

	case MessageResponse:
		// Acks for register/heartbeat; nothing to correlate on this side.
		var p ResponsePayload
		if err := env.DecodePayload(&p); err == nil && !p.Success {
			slog.Warn("agent request rejected by coordinator", "device", a.config.DeviceID, "err", p.Error)
		}

	default:
		slog.Debug("agent ignoring envelope", "type", env.Type)
	}
}

func (a *Agent) execute(ctx context.Context, env *Envelope, cmd CommandPayload) {
	if cmd.Action == "task.cancel" {
		a.cancelTask(cmd)
		return
	}

	a.mu.Lock()
	handler, ok := a.handlers[cmd.Action]
	a.mu.Unlock()
	if !ok {
		a.respond(env, &ResponsePayload{
			TaskID:  cmd.TaskID,
			Success: false,
			Error:   fmt.Sprintf("no handler for action %q", cmd.Action),
		})
		return
	}

	cmdCtx := ctx
	var cancel context.CancelFunc
	if cmd.TimeoutMs > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutMs)*time.Millisecond)
	} else {
		cmdCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if cmd.TaskID != "" {
		a.mu.Lock()
		a.running[cmd.TaskID] = cancel
		a.state = DeviceBusy
		a.mu.Unlock()
		defer func() {
			a.mu.Lock()
			delete(a.running, cmd.TaskID)
			if len(a.running) == 0 {
				a.state = DeviceIdle
			}
			a.mu.Unlock()
		}()
	}

	result, err := handler(cmdCtx, cmd)

	// Executing a command is a local event.
	a.clock.Tick()

	resp := &ResponsePayload{
		TaskID:  cmd.TaskID,
		Success: err == nil,
		Clock:   a.clock.Counters(),
	}
	if err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Success = false
			resp.Error = fmt.Sprintf("encode result: %v", merr)
		} else {
			resp.Result = raw
		}
	}
	a.respond(env, resp)
}

func (a *Agent) cancelTask(cmd CommandPayload) {
	taskID := cmd.TaskID
	if taskID == "" {
		if v, ok := cmd.Parameters["task_id"].(string); ok {
			taskID = v
		}
	}
	a.mu.Lock()
	cancel, ok := a.running[taskID]
	a.mu.Unlock()
	if ok {
		cancel()
		slog.Info("agent canceled task", "device", a.config.DeviceID, "task", taskID)
	}
}

// respond answers a command, echoing its message id so the coordinator can
// correlate.
func (a *Agent) respond(env *Envelope, resp *ResponsePayload) {
	out, err := NewEnvelope(a.config.Protocol, a.config.DeviceID, env.From, MessageResponse, resp)
	if err != nil {
		slog.Warn("agent response encode failed", "err", err)
		return
	}
	out.MessageID = env.MessageID
	if err := a.send(out); err != nil {
		slog.Warn("agent response send failed", "err", err)
	}
}

// send writes one envelope. The mutex is the connection's single-writer
// guarantee.
func (a *Agent) send(env *Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ws == nil {
		return ErrNotConnected
	}

	compress := a.config.Protocol == ProtocolV2
	data, err := EncodeFrame(env, compress)
	if err != nil {
		return err
	}
	frameType := websocket.TextMessage
	if compress {
		frameType = websocket.BinaryMessage
	}
	_ = a.ws.SetWriteDeadline(time.Now().Add(a.config.WriteTimeout))
	return a.ws.WriteMessage(frameType, data)
}
