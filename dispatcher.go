package taskmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DispatchConfig configures task routing.
type DispatchConfig struct {
	// CommandTimeout is the default per-command response timeout, used when
	// a task declares none.
	// Default: 30s
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// BroadcastTimeout bounds each device's reply during a broadcast.
	// Default: 10s
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout"`
}

// DefaultDispatchConfig returns production defaults.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		CommandTimeout:   30 * time.Second,
		BroadcastTimeout: 10 * time.Second,
	}
}

// Dispatcher selects devices for ready tasks and drives task state from
// gateway responses. It never blocks the dispatch loop on a device response;
// each dispatch awaits its correlation on its own goroutine.
type Dispatcher struct {
	config   DispatchConfig
	registry *DeviceRegistry
	queue    *TaskQueue
	gateway  *Gateway

	// onFinalized fires when a task reaches a terminal state; wake nudges
	// the dispatch loop (dependencies may have unblocked).
	onFinalized func(taskID string)
	wake        func()

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given structures.
func NewDispatcher(config DispatchConfig, registry *DeviceRegistry, queue *TaskQueue, gateway *Gateway) *Dispatcher {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 30 * time.Second
	}
	if config.BroadcastTimeout <= 0 {
		config.BroadcastTimeout = 10 * time.Second
	}
	return &Dispatcher{
		config:   config,
		registry: registry,
		queue:    queue,
		gateway:  gateway,
		timers:   make(map[string]*time.Timer),
	}
}

// SetHooks wires the coordinator's finalization and wake callbacks.
func (d *Dispatcher) SetHooks(onFinalized func(taskID string), wake func()) {
	d.onFinalized = onFinalized
	d.wake = wake
}

// Stop cancels pending retry timers and waits for in-flight dispatches.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// actionTypePreferences maps an action to the device types best suited to it,
// used when a task targets type auto and its preferred kind is unavailable.
func actionTypePreferences(action string) []DeviceType {
	prefix := action
	if i := strings.IndexByte(action, '.'); i > 0 {
		prefix = action[:i]
	}
	switch prefix {
	case "compute", "ml", "data", "train":
		return []DeviceType{DeviceTypeCloud, DeviceTypeCompute, DeviceTypeDesktop}
	case "camera", "location", "notify", "call":
		return []DeviceType{DeviceTypeMobile}
	case "sensor", "read":
		return []DeviceType{DeviceTypeSensor, DeviceTypeMobile}
	case "shell", "file", "ui", "screen":
		return []DeviceType{DeviceTypeDesktop, DeviceTypeCompute}
	default:
		return nil
	}
}

// SelectDevice picks the target for a ready task: available devices whose
// capabilities cover the task's requirements, least-loaded first. An exact
// target type is honored strictly; type auto walks the per-action heuristic
// ordering before settling for any available candidate.
func (d *Dispatcher) SelectDevice(task Task) (Device, error) {
	if task.TargetDevice != "" {
		dev, err := d.registry.Get(task.TargetDevice)
		if err != nil {
			return Device{}, err
		}
		if !dev.CanAcceptTask() || !dev.HasAllCapabilities(task.RequiredCapabilities) {
			return Device{}, ErrNoEligibleDevice
		}
		return dev, nil
	}

	available := d.registry.AvailableDevices()
	candidates := available[:0:0]
	for _, dev := range available {
		if dev.HasAllCapabilities(task.RequiredCapabilities) {
			candidates = append(candidates, dev)
		}
	}
	if len(candidates) == 0 {
		return Device{}, ErrNoEligibleDevice
	}

	if task.TargetType != DeviceTypeAuto {
		return leastLoaded(candidates, func(dev Device) bool { return dev.Type == task.TargetType })
	}
	for _, typ := range actionTypePreferences(task.Action) {
		if dev, err := leastLoaded(candidates, func(d Device) bool { return d.Type == typ }); err == nil {
			return dev, nil
		}
	}
	return leastLoaded(candidates, func(Device) bool { return true })
}

func leastLoaded(devices []Device, pred func(Device) bool) (Device, error) {
	best := -1
	for i, dev := range devices {
		if !pred(dev) {
			continue
		}
		if best < 0 || dev.Load() < devices[best].Load() {
			best = i
		}
	}
	if best < 0 {
		return Device{}, ErrNoEligibleDevice
	}
	return devices[best], nil
}

// Dispatch routes one dequeued task. It reserves a device and returns
// immediately; the correlated await runs on its own goroutine. When no device
// is eligible the task is put back and ErrNoEligibleDevice returned so the
// loop can wait for a device-idle wake.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) error {
	task, err := d.queue.Get(taskID)
	if err != nil {
		return err
	}

	dev, err := d.SelectDevice(task)
	if err != nil {
		if perr := d.queue.Putback(taskID); perr != nil {
			return perr
		}
		return err
	}

	if task.State == TaskPending {
		if err := d.queue.Transition(taskID, TaskScheduled); err != nil {
			return err
		}
	}
	if err := d.registry.AssignTask(dev.ID, taskID); err != nil {
		// Lost the race for the device; try again on the next wake.
		if perr := d.queue.Putback(taskID); perr != nil {
			return perr
		}
		return ErrNoEligibleDevice
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.execute(ctx, taskID, dev.ID)
	}()
	return nil
}

// execute sends the command and settles the task from the outcome.
func (d *Dispatcher) execute(ctx context.Context, taskID, deviceID string) {
	task, err := d.queue.Get(taskID)
	if err != nil {
		d.registry.ReleaseTask(deviceID, taskID)
		return
	}
	if err := d.queue.MarkRunning(taskID, deviceID); err != nil {
		d.registry.ReleaseTask(deviceID, taskID)
		return
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.config.CommandTimeout
	}
	payload := &CommandPayload{
		TaskID:     taskID,
		Action:     task.Action,
		Parameters: task.Parameters,
		TimeoutMs:  timeout.Milliseconds(),
	}

	resp, err := d.gateway.SendCommand(ctx, deviceID, payload, timeout)

	// The device returns to the pool either way: a failed task does not
	// imply a failed device.
	d.registry.ReleaseTask(deviceID, taskID)

	switch {
	case err == nil && resp.Success:
		if len(resp.Clock) > 0 {
			_ = d.registry.MergeClock(deviceID, resp.Clock)
		}
		if err := d.queue.Complete(taskID); err != nil {
			// Canceled while in flight; the late success is stale.
			slog.Warn("discarding response for finalized task", "task", taskID)
			return
		}
		d.finalize(taskID)

	default:
		reason := "command failed"
		if err != nil {
			reason = err.Error()
		} else if resp.Error != "" {
			reason = resp.Error
		}
		d.handleFailure(task, taskID, deviceID, reason)
	}
}

func (d *Dispatcher) handleFailure(task Task, taskID, deviceID, reason string) {
	derr := &DispatchError{TaskID: taskID, DeviceID: deviceID, Attempt: task.RetryCount + 1, Cause: errors.New(reason)}

	if !task.CanRetry() {
		slog.Warn("task failed, retries exhausted", "task", taskID, "attempts", task.RetryCount+1, "err", reason)
		if err := d.queue.Fail(taskID, derr.Error()); err != nil {
			return
		}
		d.finalize(taskID)
		return
	}

	count, err := d.queue.ScheduleRetry(taskID)
	if err != nil {
		// Already finalized (e.g. canceled mid-flight).
		return
	}
	delay := task.Retry.Delay(count - 1)
	slog.Info("task retry scheduled", "task", taskID, "retry", count, "delay", delay, "err", reason)

	d.mu.Lock()
	d.timers[taskID] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, taskID)
		d.mu.Unlock()

		if err := d.queue.RequeueRetry(taskID); err != nil {
			return
		}
		if d.wake != nil {
			d.wake()
		}
	})
	d.mu.Unlock()
}

func (d *Dispatcher) finalize(taskID string) {
	if d.onFinalized != nil {
		d.onFinalized(taskID)
	}
	if d.wake != nil {
		d.wake()
	}
}

// BroadcastResult is one device's outcome within a broadcast.
type BroadcastResult struct {
	DeviceID string `json:"device_id"`
	Acked    bool   `json:"acked"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// Broadcast fans the same command out to every online device matching the
// predicate, awaiting each independently within the broadcast timeout. The
// broadcast fails only when zero devices acknowledge.
func (d *Dispatcher) Broadcast(ctx context.Context, spec TaskSpec, predicate func(Device) bool) ([]BroadcastResult, error) {
	targets := d.registry.OnlineDevices()
	selected := targets[:0:0]
	for _, dev := range targets {
		if !dev.HasAllCapabilities(spec.RequiredCapabilities) {
			continue
		}
		if predicate != nil && !predicate(dev) {
			continue
		}
		selected = append(selected, dev)
	}
	if len(selected) == 0 {
		return nil, ErrNoEligibleDevice
	}

	results := make([]BroadcastResult, len(selected))
	var wg sync.WaitGroup
	for i, dev := range selected {
		wg.Add(1)
		go func(i int, deviceID string) {
			defer wg.Done()
			payload := &CommandPayload{
				Action:     spec.Action,
				Parameters: spec.Parameters,
				TimeoutMs:  d.config.BroadcastTimeout.Milliseconds(),
			}
			resp, err := d.gateway.SendCommand(ctx, deviceID, payload, d.config.BroadcastTimeout)
			res := BroadcastResult{DeviceID: deviceID}
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Acked = true
				res.Success = resp.Success
				res.Error = resp.Error
			}
			results[i] = res
		}(i, dev.ID)
	}
	wg.Wait()

	acked := 0
	for _, r := range results {
		if r.Acked {
			acked++
		}
	}
	if acked == 0 {
		return results, fmt.Errorf("broadcast: no device acknowledged (%d targeted)", len(selected))
	}
	return results, nil
}
