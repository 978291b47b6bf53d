package taskmesh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startWSServer(t *testing.T, c *Coordinator) string {
	t.Helper()
	ts := httptest.NewServer(NewWSTransport(c.Gateway(), DefaultWSConfig()).Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestWSTransport_AgentEndToEnd(t *testing.T) {
	c := startTestCoordinator(t, nil)
	url := startWSServer(t, c)

	agent, err := NewAgent(AgentConfig{
		ServerURL:         url,
		DeviceID:          "agent-1",
		DeviceType:        DeviceTypeCompute,
		Capabilities:      []Capability{{Name: "echo"}},
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	agent.Handle("echo", func(ctx context.Context, cmd CommandPayload) (any, error) {
		return cmd.Parameters, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return c.Registry().Has("agent-1") })

	taskCtx, taskCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer taskCancel()
	task, err := c.SubmitAndWait(taskCtx, TaskSpec{
		Action:               "echo",
		Parameters:           map[string]any{"msg": "hello"},
		RequiredCapabilities: []string{"echo"},
	})
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if task.State != TaskCompleted {
		t.Fatalf("State = %v, want %v", task.State, TaskCompleted)
	}
	if task.AssignedDevice != "agent-1" {
		t.Errorf("AssignedDevice = %q, want agent-1", task.AssignedDevice)
	}

	// Register ticked the agent clock once, command execution once more; the
	// response clock merged into the registry.
	d, err := c.Registry().Get("agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Clock.Get("agent-1"); got != 2 {
		t.Errorf("registry clock counter = %d, want 2", got)
	}
}

func TestWSTransport_AgentUnknownAction(t *testing.T) {
	c := startTestCoordinator(t, nil)
	url := startWSServer(t, c)

	agent, err := NewAgent(AgentConfig{
		ServerURL:  url,
		DeviceID:   "agent-2",
		DeviceType: DeviceTypeCompute,
	})
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = agent.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return c.Registry().Has("agent-2") })

	taskCtx, taskCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer taskCancel()
	task, err := c.SubmitAndWait(taskCtx, TaskSpec{Action: "no.such.action"})
	if err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	if task.State != TaskFailed {
		t.Fatalf("State = %v, want %v", task.State, TaskFailed)
	}
	if !strings.Contains(task.Error, "no handler") {
		t.Errorf("Error = %q, want unknown-action reason", task.Error)
	}
}

func TestWSTransport_DisconnectMarksOffline(t *testing.T) {
	c := startTestCoordinator(t, nil)
	url := startWSServer(t, c)

	agent, err := NewAgent(AgentConfig{
		ServerURL:  url,
		DeviceID:   "agent-3",
		DeviceType: DeviceTypeMobile,
	})
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = agent.Run(ctx) }()
	waitFor(t, 2*time.Second, func() bool { return c.Registry().Has("agent-3") })

	// Drop the agent; the transport unbinds and the device goes offline.
	cancel()
	waitFor(t, 2*time.Second, func() bool {
		d, err := c.Registry().Get("agent-3")
		return err == nil && d.State == DeviceOffline
	})

	// With the only device gone, dispatch has nowhere to go.
	_, err = c.SubmitTask(context.Background(), TaskSpec{Action: "x"})
	if err != nil {
		t.Fatalf("SubmitTask() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	stats := c.Stats()
	if stats.QueuedTasks != 1 {
		t.Errorf("QueuedTasks = %d, want 1 (no eligible device)", stats.QueuedTasks)
	}
}

func TestWSTransport_AgentReconnectSameID(t *testing.T) {
	c := startTestCoordinator(t, nil)
	url := startWSServer(t, c)

	startAgent := func() context.CancelFunc {
		agent, err := NewAgent(AgentConfig{
			ServerURL:    url,
			DeviceID:     "agent-r",
			DeviceType:   DeviceTypeCompute,
			Capabilities: []Capability{{Name: "echo"}},
		})
		if err != nil {
			t.Fatalf("NewAgent() error = %v", err)
		}
		agent.Handle("echo", func(ctx context.Context, cmd CommandPayload) (any, error) {
			return cmd.Parameters, nil
		})
		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = agent.Run(ctx) }()
		return cancel
	}

	cancel1 := startAgent()
	waitFor(t, 2*time.Second, func() bool { return c.Registry().Has("agent-r") })
	cancel1()
	waitFor(t, 2*time.Second, func() bool {
		d, err := c.Registry().Get("agent-r")
		return err == nil && d.State == DeviceOffline
	})

	// The same device comes back on a fresh connection: it must be bound and
	// revived, not rejected as a duplicate.
	cancel2 := startAgent()
	defer cancel2()
	waitFor(t, 2*time.Second, func() bool {
		d, err := c.Registry().Get("agent-r")
		return err == nil && d.State == DeviceIdle
	})

	ctx, taskCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer taskCancel()
	task, err := c.SubmitAndWait(ctx, TaskSpec{
		Action:               "echo",
		RequiredCapabilities: []string{"echo"},
	})
	if err != nil {
		t.Fatalf("SubmitAndWait() after reconnect error = %v", err)
	}
	if task.State != TaskCompleted {
		t.Fatalf("State = %v, want %v", task.State, TaskCompleted)
	}
	if task.AssignedDevice != "agent-r" {
		t.Errorf("AssignedDevice = %q, want agent-r", task.AssignedDevice)
	}
}

func TestWSConn_SendAfterClose(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := newWSConn(ws, DefaultWSConfig())
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	env, err := NewEnvelope(ProtocolV1, CoordinatorID, "d1", MessageCommand, &CommandPayload{Action: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(env); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() after close error = %v, want ErrNotConnected", err)
	}
}

func TestNewAgent_Validation(t *testing.T) {
	if _, err := NewAgent(AgentConfig{}); err == nil {
		t.Fatal("NewAgent() without server url should fail")
	}
	if _, err := NewAgent(AgentConfig{ServerURL: "ws://x", DeviceType: DeviceType("toaster")}); err == nil {
		t.Fatal("NewAgent() with invalid device type should fail")
	}

	agent, err := NewAgent(AgentConfig{ServerURL: "ws://x"})
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	if agent.DeviceID() == "" {
		t.Error("device id not generated")
	}
	if agent.Clock().Owner() != agent.DeviceID() {
		t.Error("agent clock owner mismatch")
	}
}
