package supervisor

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-run/worksupervisor/internal/bridge"
	"github.com/fenwick-run/worksupervisor/internal/dispatcher"
	"github.com/fenwick-run/worksupervisor/internal/envelope"
	"github.com/fenwick-run/worksupervisor/internal/heartbeat"
)

// WorkerState is the supervisor's own view of the worker's lifecycle, as
// distinct from a Task's status.
type WorkerState string

const (
	StateStopped       WorkerState = "stopped"
	StateStarting      WorkerState = "starting"
	StateReady         WorkerState = "ready"
	StateBusy          WorkerState = "busy"
	StateUnhealthy     WorkerState = "unhealthy"
	StateCircuitBroken WorkerState = "circuit_broken"
)

// WorkerStatus is the snapshot returned by GetStatus and published on
// bridge.TopicWorkerStatus.
type WorkerStatus struct {
	State           WorkerState `json:"state"`
	LastHeartbeat   *time.Time  `json:"last_heartbeat"`
	RestartCount10m int         `json:"restart_count_10m"`
	InFlightTasks   int         `json:"in_flight_tasks"`
}

// Supervisor owns one worker subprocess. All mutable state is guarded by mu;
// goroutines that outlive a session (the event listener, the heartbeat
// poller, a scheduled restart) re-check sessionID under the lock before
// acting, so a superseded goroutine exits silently instead of touching the
// state of a later session.
type Supervisor struct {
	cfg    Config
	launch Launcher
	now    func() time.Time
	bus    bridge.Bridge
	log    *slog.Logger

	dispatcher    *dispatcher.Dispatcher
	heartbeat     *heartbeat.Monitor
	tickerFactory func(time.Duration) ticker

	mu               sync.Mutex
	state            WorkerState
	child            *childProcess
	sessionID        int64
	restartHistory   []time.Time
	backoffStep      int
	restartScheduled bool
}

// New constructs a Supervisor for cfg, publishing status and task
// notifications on bus. bus may be nil to disable publication entirely.
func New(cfg Config, bus bridge.Bridge, opts ...Option) *Supervisor {
	cfg = applyDefaults(cfg)
	s := &Supervisor{
		cfg:        cfg,
		launch:     defaultLaunch,
		now:        time.Now,
		bus:        bus,
		log:        slog.Default(),
		dispatcher: dispatcher.New(),
		heartbeat:  heartbeat.New(cfg.HeartbeatInterval, cfg.MaxMisses),
		state:      StateStopped,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.heartbeat.WithClock(s.now)
	return s
}

// Start spawns the worker subprocess if one is not already running. It is
// idempotent: calling Start twice without an intervening Stop leaves the
// existing child and session untouched. Returns ErrCircuitOpen while the
// circuit breaker is tripped.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state == StateCircuitBroken {
		s.mu.Unlock()
		return ErrCircuitOpen
	}
	if s.child != nil {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.sessionID++
	sessionID := s.sessionID
	s.restartScheduled = false
	s.heartbeat.Reset()
	s.mu.Unlock()
	s.publishStatus()

	cmd, stdin, stdout, stderr, err := s.launch(s.cfg.Command, s.cfg.Args, s.cfg.Dir, s.cfg.Env)
	if err != nil {
		s.mu.Lock()
		if s.sessionID == sessionID {
			s.state = StateStopped
		}
		s.mu.Unlock()
		s.publishStatus()
		return fmt.Errorf("supervisor: spawn worker: %w", err)
	}
	child := &childProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}

	s.mu.Lock()
	if s.sessionID != sessionID {
		s.mu.Unlock()
		killProcess(cmd)
		_ = stdin.Close()
		return nil
	}
	s.child = child
	s.mu.Unlock()

	go s.runEventListener(sessionID, child)
	go s.runHeartbeatPoller(sessionID)
	go s.runStderrLogger(sessionID, child)

	return nil
}

// Stop tears down the current session: it bumps sessionID (so any in-flight
// listener/poller/restart goroutine exits silently), kills the child if one
// exists, and fails every in-flight task.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.sessionID++
	s.restartScheduled = false
	s.state = StateStopped
	s.heartbeat.Reset()
	child := s.child
	s.child = nil
	s.mu.Unlock()

	s.dispatcher.FailAllInFlight()

	if child != nil {
		killProcess(child.cmd)
		_ = child.stdin.Close()
	}
	s.publishStatus()
}

// restart is the internal stop-then-start used by the restart scheduler. It
// is not part of the upward interface: operators stop and start explicitly.
func (s *Supervisor) restart(reason string) error {
	s.mu.Lock()
	s.restartScheduled = false
	s.mu.Unlock()

	s.Stop()
	if err := s.Start(); err != nil {
		return fmt.Errorf("restart (%s): %w", reason, err)
	}
	return nil
}

// SubmitTask validates the request, starting the worker first if needed,
// writes a task.submit command, registers the submission in the dispatcher,
// and returns the minted task id.
func (s *Supervisor) SubmitTask(taskType, projectID string, taskConfig any) (string, error) {
	taskType = strings.TrimSpace(taskType)
	projectID = strings.TrimSpace(projectID)
	if taskType == "" {
		return "", &ValidationError{Field: "task_type", Message: "must not be empty"}
	}
	if projectID == "" {
		return "", &ValidationError{Field: "project_id", Message: "must not be empty"}
	}

	s.mu.Lock()
	needsStart := s.child == nil && s.state != StateStarting
	s.mu.Unlock()
	if needsStart {
		if err := s.Start(); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	sessionID := s.sessionID
	child := s.child
	s.mu.Unlock()
	if child == nil {
		return "", ErrNotRunning
	}

	taskID := uuid.NewString()
	env, err := envelope.New(envelope.KindCommand, "task.submit", map[string]any{
		"task_id":    taskID,
		"task_type":  taskType,
		"project_id": projectID,
		"config":     taskConfig,
	})
	if err != nil {
		return "", fmt.Errorf("supervisor: build task.submit envelope: %w", err)
	}
	if err := s.writeToChild(sessionID, child, env); err != nil {
		return "", fmt.Errorf("supervisor: write task.submit: %w", err)
	}

	s.dispatcher.RegisterSubmission(taskID, taskType, projectID)
	s.mu.Lock()
	s.state = StateBusy
	s.mu.Unlock()
	s.publishStatus()

	return taskID, nil
}

// CancelTask writes a best-effort task.cancel command (the worker may
// ignore it) and marks the task cancelled in the dispatcher regardless. It
// reports whether the task id was known.
func (s *Supervisor) CancelTask(taskID string) bool {
	if _, ok := s.dispatcher.Get(taskID); !ok {
		return false
	}

	s.mu.Lock()
	sessionID := s.sessionID
	child := s.child
	s.mu.Unlock()

	if child != nil {
		env, err := envelope.New(envelope.KindCommand, "task.cancel", map[string]string{"task_id": taskID})
		if err == nil {
			_ = s.writeToChild(sessionID, child, env)
		}
	}

	found := s.dispatcher.Cancel(taskID)
	if s.dispatcher.InFlightCount() == 0 {
		s.mu.Lock()
		s.state = StateReady
		s.mu.Unlock()
	}
	s.publishStatus()
	return found
}

// GetStatus returns a snapshot of the worker's current state.
func (s *Supervisor) GetStatus() WorkerStatus {
	s.mu.Lock()
	state := s.state
	restarts := len(s.trimRestartHistoryLocked())
	s.mu.Unlock()

	var lastHeartbeat *time.Time
	if t, ok := s.heartbeat.LastHeartbeatAt(); ok {
		lastHeartbeat = &t
	}

	return WorkerStatus{
		State:           state,
		LastHeartbeat:   lastHeartbeat,
		RestartCount10m: restarts,
		InFlightTasks:   s.dispatcher.InFlightCount(),
	}
}

// ListTasks returns every task the dispatcher currently knows about, most
// recently updated first.
func (s *Supervisor) ListTasks() []dispatcher.Task {
	return s.dispatcher.ListTasks()
}

// ResetBreaker clears a tripped circuit breaker, returning the worker to
// stopped so a subsequent Start is accepted. It is an error to call this
// while the breaker is not open.
func (s *Supervisor) ResetBreaker() error {
	s.mu.Lock()
	if s.state != StateCircuitBroken {
		s.mu.Unlock()
		return ErrBreakerNotOpen
	}
	s.restartHistory = nil
	s.backoffStep = 0
	s.state = StateStopped
	s.mu.Unlock()
	s.publishStatus()
	return nil
}

func (s *Supervisor) publishStatus() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bridge.TopicWorkerStatus, s.GetStatus())
}

func (s *Supervisor) publishTask(topic string, task dispatcher.Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, task)
}

// writeToChild writes env to child's stdin, but only if sessionID and child
// are still current; a superseded write is silently dropped rather than
// corrupting a later session's pipe.
func (s *Supervisor) writeToChild(sessionID int64, child *childProcess, env envelope.Envelope) error {
	s.mu.Lock()
	current := s.sessionID == sessionID && s.child == child
	s.mu.Unlock()
	if !current {
		return nil
	}

	line, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	_, err = child.stdin.Write(line)
	return err
}

// markReadyLocked moves the worker to ready or busy depending on whether any
// tasks are in flight, and clears the backoff/restart-scheduled bookkeeping
// since the worker has proven itself alive again. Caller must hold s.mu.
func (s *Supervisor) markReadyLocked() {
	s.backoffStep = 0
	s.restartScheduled = false
	if s.dispatcher.InFlightCount() > 0 {
		s.state = StateBusy
	} else {
		s.state = StateReady
	}
}

// trimRestartHistoryLocked drops restart timestamps older than the rolling
// window and returns the surviving slice. Caller must hold s.mu.
func (s *Supervisor) trimRestartHistoryLocked() []time.Time {
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.RestartWindow)
	out := s.restartHistory[:0]
	for _, t := range s.restartHistory {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	s.restartHistory = out
	return out
}
