// Package dispatcher is the in-memory registry of tasks and their states.
// It applies the lifecycle events the worker reports and has no knowledge
// of the subprocess, the wire protocol, or restart policy — those belong to
// internal/supervisor.
package dispatcher

import (
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// terminal reports whether status is absorbing: once reached, no later
// event may change it.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the supervisor's view of one unit of work dispatched to the
// worker subprocess.
type Task struct {
	TaskID    string
	TaskType  string
	ProjectID string
	Status    Status
	Progress  float64
	Message   string
	Output    any
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Dispatcher holds the task_id -> Task mapping and the in-flight set.
// All methods are safe for concurrent use; the supervisor still serializes
// calls through its own mutex, but Dispatcher does not rely on that for
// correctness.
type Dispatcher struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	inFlight map[string]struct{}
	now      func() time.Time
}

// New constructs an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		tasks:    make(map[string]*Task),
		inFlight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// WithClock overrides the dispatcher's time source, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	if now != nil {
		d.now = now
	}
	return d
}

// RegisterSubmission inserts a fresh task in state pending with progress
// 0.0, marks it queued, and adds it to the in-flight set.
func (d *Dispatcher) RegisterSubmission(taskID, taskType, projectID string) Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().UTC()
	task := &Task{
		TaskID:    taskID,
		TaskType:  taskType,
		ProjectID: projectID,
		Status:    StatusPending,
		Progress:  0,
		Message:   "queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.tasks[taskID] = task
	d.inFlight[taskID] = struct{}{}
	return *task
}

// MarkStarted transitions a known task to running. It is a no-op if the
// task id is unknown or the task has already reached a terminal state.
func (d *Dispatcher) MarkStarted(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok || task.Status.terminal() {
		return
	}
	task.Status = StatusRunning
	task.Message = "started"
	task.UpdatedAt = d.now().UTC()
	d.inFlight[taskID] = struct{}{}
}

// ApplyProgress upserts progress for taskID. If the id is unknown, a
// placeholder task is created so the event is never silently dropped (the
// worker may reference ids the supervisor forgot or never minted, e.g. a
// race at shutdown). Progress is clamped to [0, 1]. A task that has already
// reached a terminal state absorbs the event without mutation.
func (d *Dispatcher) ApplyProgress(taskID string, progress float64, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok {
		task = d.placeholder(taskID)
	}
	if task.Status.terminal() {
		return
	}

	task.Status = StatusRunning
	task.Progress = clamp01(progress)
	task.Message = message
	task.UpdatedAt = d.now().UTC()
	d.inFlight[taskID] = struct{}{}
}

// ApplyResult upserts the terminal (or worker-reported) result for taskID.
// statusString is mapped via {completed, failed, cancelled, running,
// pending, * -> failed}. completed forces progress to 1.0. The task is
// removed from the in-flight set. A task already in a terminal state
// absorbs the event without mutation, preserving terminal-absorbing
// semantics across a stray duplicate or a race with cancellation.
func (d *Dispatcher) ApplyResult(taskID, statusString string, output any, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok {
		task = d.placeholder(taskID)
	}
	if task.Status.terminal() {
		delete(d.inFlight, taskID)
		return
	}

	task.Status = mapResultStatus(statusString)
	task.Output = output
	task.Error = errMsg
	task.Message = ""
	if task.Status == StatusCompleted {
		task.Progress = 1.0
		task.Error = ""
	}
	task.UpdatedAt = d.now().UTC()
	delete(d.inFlight, taskID)
}

// Cancel marks taskID cancelled and removes it from the in-flight set. It
// reports whether the task was present.
func (d *Dispatcher) Cancel(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, ok := d.tasks[taskID]
	if !ok {
		return false
	}
	if task.Status.terminal() {
		delete(d.inFlight, taskID)
		return true
	}
	task.Status = StatusCancelled
	task.Message = "cancelled"
	task.UpdatedAt = d.now().UTC()
	delete(d.inFlight, taskID)
	return true
}

// FailAllInFlight marks every task currently in flight as failed, for use
// when the supervisor stops or abandons a session. It clears the in-flight
// set.
func (d *Dispatcher) FailAllInFlight() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().UTC()
	for taskID := range d.inFlight {
		task, ok := d.tasks[taskID]
		if !ok {
			continue
		}
		task.Status = StatusFailed
		task.Error = "worker stopped while task was in-flight"
		task.Message = ""
		task.UpdatedAt = now
	}
	d.inFlight = make(map[string]struct{})
}

// InFlightCount reports the number of tasks currently in flight.
func (d *Dispatcher) InFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// Get returns a snapshot copy of one task.
func (d *Dispatcher) Get(taskID string) (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// ListTasks returns a snapshot copy of all tasks, sorted by UpdatedAt
// descending.
func (d *Dispatcher) ListTasks() []Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Task, 0, len(d.tasks))
	for _, task := range d.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// placeholder creates a synthetic task for an id the dispatcher has never
// seen. Caller must hold d.mu.
func (d *Dispatcher) placeholder(taskID string) *Task {
	now := d.now().UTC()
	task := &Task{
		TaskID:    taskID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d.tasks[taskID] = task
	return task
}

func mapResultStatus(raw string) Status {
	switch raw {
	case "completed":
		return StatusCompleted
	case "failed":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	case "running":
		return StatusRunning
	case "pending":
		return StatusPending
	default:
		return StatusFailed
	}
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
