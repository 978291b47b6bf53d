package taskmesh

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskPriority orders tasks in the queue. Higher values dispatch first.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// TaskState tracks a task through its lifecycle.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskScheduled TaskState = "scheduled"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskRetrying  TaskState = "retrying"
)

// Terminal reports whether the state is final. Completed and failed are the
// only terminal states.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// validTaskTransition enforces the task state machine:
// pending -> scheduled -> running -> {completed|failed|retrying},
// retrying -> scheduled, and cancel (pending/scheduled -> failed).
func validTaskTransition(from, to TaskState) error {
	ok := false
	switch from {
	case TaskPending:
		ok = to == TaskScheduled || to == TaskFailed
	case TaskScheduled:
		ok = to == TaskRunning || to == TaskFailed
	case TaskRunning:
		ok = to == TaskCompleted || to == TaskFailed || to == TaskRetrying
	case TaskRetrying:
		ok = to == TaskScheduled || to == TaskFailed
	}
	if !ok {
		return fmt.Errorf("invalid task transition %s -> %s", from, to)
	}
	return nil
}

// RetryPolicy controls redispatch after transient failures.
type RetryPolicy struct {
	// MaxRetries is how many times a failed dispatch is retried after the
	// initial attempt.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// Exponential doubles the delay per retry when true; otherwise the
	// delay is constant BaseDelay.
	Exponential bool `json:"exponential" yaml:"exponential"`

	// MaxDelay caps the exponential delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		Exponential: true,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff before retry number retryCount (0-based):
// min(base * 2^retryCount, max) when exponential, else base.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if !p.Exponential {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Subtask is one step of a task, tracked for progress accounting.
type Subtask struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Completed  bool           `json:"completed"`
}

// ResourceRequirements declares what a task needs from its device.
type ResourceRequirements struct {
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemoryMB   int64   `json:"memory_mb,omitempty"`
}

// TaskSpec is the caller-facing description of work to submit.
type TaskSpec struct {
	Name                 string               `json:"name"`
	TargetType           DeviceType           `json:"target_type,omitempty"`
	TargetDevice         string               `json:"target_device,omitempty"`
	Action               string               `json:"action"`
	Parameters           map[string]any       `json:"parameters,omitempty"`
	Priority             TaskPriority         `json:"priority,omitempty"`
	Dependencies         []string             `json:"dependencies,omitempty"`
	RequiredCapabilities []string             `json:"required_capabilities,omitempty"`
	Resources            ResourceRequirements `json:"resources,omitempty"`
	Retry                *RetryPolicy         `json:"retry,omitempty"`
	Subtasks             []Subtask            `json:"subtasks,omitempty"`
	Timeout              time.Duration        `json:"timeout,omitempty"`
}

// Task is a unit of work flowing through the queue and dispatcher.
// Mutation is serialized by the TaskQueue that owns it.
type Task struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	TargetType           DeviceType           `json:"target_type"`
	TargetDevice         string               `json:"target_device,omitempty"`
	Action               string               `json:"action"`
	Parameters           map[string]any       `json:"parameters,omitempty"`
	Priority             TaskPriority         `json:"priority"`
	State                TaskState            `json:"state"`
	Dependencies         []string             `json:"dependencies,omitempty"`
	RequiredCapabilities []string             `json:"required_capabilities,omitempty"`
	Resources            ResourceRequirements `json:"resources,omitempty"`
	Retry                RetryPolicy          `json:"retry"`
	Subtasks             []Subtask            `json:"subtasks,omitempty"`
	Progress             float64              `json:"progress"`
	RetryCount           int                  `json:"retry_count"`
	AssignedDevice       string               `json:"assigned_device,omitempty"`
	Error                string               `json:"error,omitempty"`
	Timeout              time.Duration        `json:"timeout,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	StartedAt            *time.Time           `json:"started_at,omitempty"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`

	// seq is the queue insertion order, the FIFO tie-break within a
	// priority band. Preserved across requeues.
	seq uint64
}

// NewTask materializes a spec with defaults and a fresh id.
func NewTask(spec TaskSpec, defaults RetryPolicy) (*Task, error) {
	if spec.Action == "" {
		return nil, fmt.Errorf("task: action is required")
	}
	retry := defaults
	if spec.Retry != nil {
		retry = *spec.Retry
	}
	targetType := spec.TargetType
	if targetType == "" {
		targetType = DeviceTypeAuto
	}
	name := spec.Name
	if name == "" {
		name = spec.Action
	}
	return &Task{
		ID:                   uuid.New().String(),
		Name:                 name,
		TargetType:           targetType,
		TargetDevice:         spec.TargetDevice,
		Action:               spec.Action,
		Parameters:           spec.Parameters,
		Priority:             spec.Priority,
		State:                TaskPending,
		Dependencies:         append([]string(nil), spec.Dependencies...),
		RequiredCapabilities: append([]string(nil), spec.RequiredCapabilities...),
		Resources:            spec.Resources,
		Retry:                retry,
		Subtasks:             append([]Subtask(nil), spec.Subtasks...),
		Timeout:              spec.Timeout,
		CreatedAt:            time.Now(),
	}, nil
}

// CanRetry reports whether another retry is allowed before the task is
// finalized as failed.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.Retry.MaxRetries
}

// UpdateProgress sets progress to completed/len(subtasks). It never triggers
// a state transition by itself.
func (t *Task) UpdateProgress(completed int) {
	if len(t.Subtasks) == 0 {
		return
	}
	if completed < 0 {
		completed = 0
	}
	if completed > len(t.Subtasks) {
		completed = len(t.Subtasks)
	}
	for i := range t.Subtasks {
		t.Subtasks[i].Completed = i < completed
	}
	t.Progress = float64(completed) / float64(len(t.Subtasks))
}

// transition moves the task to a new state, validating the edge.
func (t *Task) transition(to TaskState) error {
	if err := validTaskTransition(t.State, to); err != nil {
		return err
	}
	t.State = to
	now := time.Now()
	switch to {
	case TaskRunning:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case TaskCompleted:
		t.Progress = 1.0
		t.CompletedAt = &now
	case TaskFailed:
		t.CompletedAt = &now
	}
	return nil
}

// snapshot returns a value copy safe to hand outside the queue lock.
func (t *Task) snapshot() Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	cp.Subtasks = append([]Subtask(nil), t.Subtasks...)
	return cp
}
