package taskmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CoordinatorStats provides an aggregate snapshot of the coordination layer.
type CoordinatorStats struct {
	TotalDevices     int       `json:"total_devices"`
	OnlineDevices    int       `json:"online_devices"`
	AvailableDevices int       `json:"available_devices"`
	QueuedTasks      int       `json:"queued_tasks"`
	TrackedTasks     int       `json:"tracked_tasks"`
	PendingCommands  int       `json:"pending_commands"`
	TasksSubmitted   uint64    `json:"tasks_submitted"`
	TasksCompleted   uint64    `json:"tasks_completed"`
	TasksFailed      uint64    `json:"tasks_failed"`
	TasksCanceled    uint64    `json:"tasks_canceled"`
	ClockConflicts   uint64    `json:"clock_conflicts"`
	LastUpdated      time.Time `json:"last_updated"`
}

// Coordinator is the composition root: it owns the registry and queue, runs
// the dispatch loop, and exposes submit/cancel/status operations to callers.
//
// The registry and queue are the only shared mutable state; each serializes
// its own mutations and no operation holds both locks at once.
type Coordinator struct {
	config     Config
	registry   *DeviceRegistry
	queue      *TaskQueue
	gateway    *Gateway
	dispatcher *Dispatcher
	journal    *MessageJournal

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	waiters   map[string][]chan Task
	submitted uint64
	completed uint64
	failed    uint64
	canceled  uint64
}

// New creates a coordinator from the given configuration.
func New(config Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		waiters: make(map[string][]chan Task),
	}

	c.registry = NewDeviceRegistry(config.Registry)
	c.queue = NewTaskQueue()
	c.gateway = NewGateway(config.Gateway, c.registry, c)
	c.dispatcher = NewDispatcher(config.Dispatch, c.registry, c.queue, c.gateway)
	c.dispatcher.SetHooks(c.notifyFinalized, c.Wake)

	// A device going idle can unblock a queued task.
	c.registry.OnDeviceStateChange(func(deviceID string, old, cur DeviceState) {
		slog.Debug("device state change", "device", deviceID, "from", old, "to", cur)
		if cur == DeviceIdle {
			c.Wake()
		}
	})

	if config.Journal.Enabled {
		j, err := OpenMessageJournal(config.Journal)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("coordinator: open journal: %w", err)
		}
		c.journal = j
		c.gateway.SetJournal(j)
	}
	return c, nil
}

// Gateway returns the protocol gateway, for wiring transports.
func (c *Coordinator) Gateway() *Gateway {
	return c.gateway
}

// Registry returns the device registry.
func (c *Coordinator) Registry() *DeviceRegistry {
	return c.registry
}

// Queue returns the task queue.
func (c *Coordinator) Queue() *TaskQueue {
	return c.queue
}

// Start launches the dispatch loop and the liveness sweep.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.runDispatchLoop()
	go c.runSweepLoop()
}

// Stop shuts the coordinator down and waits for in-flight work to settle.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.dispatcher.Stop()
	if c.journal != nil {
		_ = c.journal.Close()
	}
}

// Wake nudges the dispatch loop. Safe to call from any goroutine; a pending
// wake coalesces.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// runDispatchLoop drains the queue whenever a task is enqueued or a device
// turns idle. It never blocks on a device response.
func (c *Coordinator) runDispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
			c.drain()
		}
	}
}

// drain dispatches every ready task it can reach. A task with no eligible
// device is set aside for the rest of the pass so it cannot shadow
// lower-priority tasks that other devices could serve right now, and is
// restored to the pending order on the way out.
func (c *Coordinator) drain() {
	var blocked []string
	defer func() {
		for _, id := range blocked {
			if err := c.queue.Putback(id); err != nil {
				slog.Debug("putback after drain", "task", id, "err", err)
			}
		}
	}()

	for {
		task, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		err := c.dispatcher.Dispatch(c.ctx, task.ID)
		if errors.Is(err, ErrNoEligibleDevice) {
			// Dispatch put the task back; hold it out of the pending order
			// and keep draining.
			if herr := c.queue.Hold(task.ID); herr == nil {
				blocked = append(blocked, task.ID)
			}
			continue
		}
		if err != nil {
			slog.Warn("dispatch error", "task", task.ID, "err", err)
		}
	}
}

func (c *Coordinator) runSweepLoop() {
	defer c.wg.Done()
	interval := c.config.SweepInterval
	if interval <= 0 {
		interval = c.config.Registry.HeartbeatTimeout / 3
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.registry.CheckHeartbeats(); n > 0 {
				slog.Info("liveness sweep marked devices offline", "count", n)
			}
			c.gateway.Calls().Reap(5 * c.config.Dispatch.CommandTimeout)
		}
	}
}

// SubmitTask admits a task for dispatch and returns its id. A capability
// mismatch or an invalid dependency set is rejected synchronously, before
// anything is enqueued.
func (c *Coordinator) SubmitTask(_ context.Context, spec TaskSpec) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.mu.Unlock()

	if len(spec.RequiredCapabilities) > 0 && !c.registry.AnyDeviceHasCapabilities(spec.RequiredCapabilities) {
		return "", fmt.Errorf("submit: %w: %v", ErrCapabilityMismatch, spec.RequiredCapabilities)
	}

	task, err := NewTask(spec, c.config.Retry)
	if err != nil {
		return "", err
	}
	if err := c.queue.Enqueue(task); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()

	slog.Info("task submitted", "task", task.ID, "action", task.Action, "priority", task.Priority.String())
	c.Wake()
	return task.ID, nil
}

// CancelTask cancels a task. Pending, scheduled, and retrying tasks cancel
// synchronously and locally. A running task gets a best-effort cancel command
// and is marked failed without waiting; the device's eventual late response
// is discarded as stale.
func (c *Coordinator) CancelTask(taskID string) error {
	task, err := c.queue.Get(taskID)
	if err != nil {
		return err
	}
	if task.State.Terminal() {
		return fmt.Errorf("cancel %s: %w", taskID, ErrTaskNotCancelable)
	}

	if task.State == TaskRunning && task.AssignedDevice != "" {
		if err := c.gateway.SendBestEffort(task.AssignedDevice, MessageCommand, &CommandPayload{
			TaskID: taskID,
			Action: "task.cancel",
			Parameters: map[string]any{
				"task_id": taskID,
			},
		}); err != nil {
			slog.Warn("best-effort cancel send failed", "task", taskID, "device", task.AssignedDevice, "err", err)
		}
	}

	if err := c.queue.Fail(taskID, "canceled"); err != nil {
		return err
	}
	c.mu.Lock()
	c.canceled++
	c.mu.Unlock()
	c.notifyFinalized(taskID)
	return nil
}

// TaskStatus returns a snapshot of a task.
func (c *Coordinator) TaskStatus(taskID string) (Task, error) {
	return c.queue.Get(taskID)
}

// UpdateTaskProgress records subtask completion for a task.
func (c *Coordinator) UpdateTaskProgress(taskID string, completedSubtasks int) error {
	return c.queue.UpdateProgress(taskID, completedSubtasks)
}

// DeviceStatus returns a snapshot of every registered device.
func (c *Coordinator) DeviceStatus() []Device {
	return c.registry.Devices()
}

// Broadcast fans a task description out to every device matching the
// predicate and reports per-device results.
func (c *Coordinator) Broadcast(ctx context.Context, spec TaskSpec, predicate func(Device) bool) ([]BroadcastResult, error) {
	return c.dispatcher.Broadcast(ctx, spec, predicate)
}

// AwaitTask blocks until the task reaches a terminal state. The wait is fed
// by the correlation mechanism, never by polling.
func (c *Coordinator) AwaitTask(ctx context.Context, taskID string) (Task, error) {
	task, err := c.queue.Get(taskID)
	if err != nil {
		return Task{}, err
	}
	if task.State.Terminal() {
		return task, nil
	}

	ch := make(chan Task, 1)
	c.mu.Lock()
	c.waiters[taskID] = append(c.waiters[taskID], ch)
	c.mu.Unlock()

	// The task may have finalized between the check and registration.
	if task, err := c.queue.Get(taskID); err == nil && task.State.Terminal() {
		c.removeWaiter(taskID, ch)
		return task, nil
	}

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		c.removeWaiter(taskID, ch)
		return Task{}, ctx.Err()
	}
}

func (c *Coordinator) removeWaiter(taskID string, ch chan Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[taskID]
	for i, w := range list {
		if w == ch {
			c.waiters[taskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.waiters[taskID]) == 0 {
		delete(c.waiters, taskID)
	}
}

// SubmitAndWait submits a task and blocks for its terminal state.
func (c *Coordinator) SubmitAndWait(ctx context.Context, spec TaskSpec) (Task, error) {
	id, err := c.SubmitTask(ctx, spec)
	if err != nil {
		return Task{}, err
	}
	return c.AwaitTask(ctx, id)
}

// notifyFinalized releases waiters and updates counters for a task that
// reached a terminal state.
func (c *Coordinator) notifyFinalized(taskID string) {
	task, err := c.queue.Get(taskID)
	if err != nil {
		return
	}

	c.mu.Lock()
	switch task.State {
	case TaskCompleted:
		c.completed++
	case TaskFailed:
		c.failed++
	}
	waiters := c.waiters[taskID]
	delete(c.waiters, taskID)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- task
	}
}

// Stats assembles a point-in-time view of the coordinator.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	submitted, completed, failed, canceled := c.submitted, c.completed, c.failed, c.canceled
	c.mu.Unlock()

	return CoordinatorStats{
		TotalDevices:     c.registry.Count(),
		OnlineDevices:    len(c.registry.OnlineDevices()),
		AvailableDevices: len(c.registry.AvailableDevices()),
		QueuedTasks:      c.queue.Count(),
		TrackedTasks:     c.queue.Total(),
		PendingCommands:  c.gateway.Calls().Pending(),
		TasksSubmitted:   submitted,
		TasksCompleted:   completed,
		TasksFailed:      failed,
		TasksCanceled:    canceled,
		ClockConflicts:   c.registry.ClockConflicts(),
		LastUpdated:      time.Now(),
	}
}

// Snapshot implements CommandSink for status requests arriving on the wire.
func (c *Coordinator) Snapshot() StatusPayload {
	return StatusPayload{
		Devices: c.registry.Devices(),
		Stats:   c.Stats(),
	}
}
