package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fenwick-run/worksupervisor/internal/bridge"
	"github.com/fenwick-run/worksupervisor/internal/dispatcher"
	"github.com/fenwick-run/worksupervisor/internal/envelope"
)

const listenerReadChunk = 64 * 1024

// runEventListener reads NDJSON frames from child's stdout for the
// lifetime of one session and dispatches each to handleEnvelope. When the
// stream ends (worker exit, a malformed frame, or an oversized buffer
// without a newline) it reaps the process, classifies the fault, and hands
// off to scheduleRestart — unless sessionID has since been superseded, in
// which case it exits silently.
func (s *Supervisor) runEventListener(sessionID int64, child *childProcess) {
	buf := make([]byte, 0, listenerReadChunk)
	readBuf := make([]byte, listenerReadChunk)
	abortReason := ""

readLoop:
	for {
		n, rerr := child.stdout.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			var derr error
			buf, derr = drainLines(buf, func(line []byte) error {
				env, perr := decodeEnvelopeLine(line)
				if perr != nil {
					return perr
				}
				s.dispatchIfCurrent(sessionID, child, env)
				return nil
			})
			if derr != nil {
				abortReason = fmt.Sprintf("invalid NDJSON frame from worker: %v", derr)
				break readLoop
			}
			if len(buf) > s.cfg.BufferCap {
				abortReason = fmt.Sprintf("worker stdout exceeded %d bytes without a complete frame", s.cfg.BufferCap)
				break readLoop
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				abortReason = fmt.Sprintf("worker stdout read error: %v", rerr)
			}
			break readLoop
		}
	}

	// A trailing fragment with no newline is still worth one decode
	// attempt; a failure here only becomes the restart reason if nothing
	// earlier already explains the abort.
	if trimmed := bytes.TrimSpace(buf); len(trimmed) > 0 {
		if env, perr := decodeEnvelopeLine(trimmed); perr == nil {
			s.dispatchIfCurrent(sessionID, child, env)
		} else if abortReason == "" {
			abortReason = fmt.Sprintf("invalid NDJSON frame from worker: %v", perr)
		}
	}

	// An abort (malformed frame, overrun, read error) can leave the worker
	// running; kill it so Wait returns and the fault reaches scheduleRestart.
	if abortReason != "" {
		killProcess(child.cmd)
	}

	waitErr := child.cmd.Wait()
	if abortReason == "" {
		if waitErr != nil {
			abortReason = fmt.Sprintf("worker exited: %v", waitErr)
		} else {
			abortReason = "worker stdout closed"
		}
	}

	s.mu.Lock()
	superseded := s.sessionID != sessionID
	if !superseded && s.state != StateStopped && s.state != StateCircuitBroken {
		s.state = StateUnhealthy
	}
	if !superseded {
		s.child = nil
	}
	s.mu.Unlock()
	if superseded {
		return
	}

	s.publishStatus()
	s.scheduleRestart(abortReason)
}

// runStderrLogger copies child's stderr to the supervisor's logger for the
// lifetime of one session. Per §4.4.a, stderr is diagnostic only: it never
// triggers a session fault, it just gives an operator visibility into what
// the worker printed. The loop ends quietly once stderr closes (worker
// exit, or a superseded session whose child was already killed).
func (s *Supervisor) runStderrLogger(sessionID int64, child *childProcess) {
	scanner := bufio.NewScanner(child.stderr)
	scanner.Buffer(make([]byte, 0, listenerReadChunk), listenerReadChunk)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.log.Debug("worker stderr", "session_id", sessionID, "line", line)
	}
}

// drainLines extracts every complete '\n'-terminated line from buf, calling
// handle on each non-empty trimmed line, and returns the unconsumed
// remainder. It stops at the first error handle returns.
func drainLines(buf []byte, handle func(line []byte) error) ([]byte, error) {
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			return buf, nil
		}
		line := buf[:idx]
		buf = buf[idx+1:]
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if err := handle(trimmed); err != nil {
			return buf, err
		}
	}
}

func decodeEnvelopeLine(line []byte) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return envelope.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

// dispatchIfCurrent gates handleEnvelope behind a fresh session check: an
// envelope that arrives after the session has been superseded is dropped
// rather than mutating the next session's state.
func (s *Supervisor) dispatchIfCurrent(sessionID int64, child *childProcess, env envelope.Envelope) {
	s.mu.Lock()
	current := s.sessionID == sessionID
	s.mu.Unlock()
	if !current {
		return
	}
	s.handleEnvelope(sessionID, child, env)
}

// handleEnvelope is the envelope dispatch table: it rejects a version
// mismatch or an error-kind envelope as a session fault, and otherwise
// routes by event name.
func (s *Supervisor) handleEnvelope(sessionID int64, child *childProcess, env envelope.Envelope) {
	if env.V != envelope.ProtocolVersion {
		s.scheduleRestart(fmt.Sprintf("unsupported protocol version from worker: %q", env.V))
		return
	}
	if env.Kind == envelope.KindError {
		s.scheduleRestart(fmt.Sprintf("worker reported error event %q", env.Event))
		return
	}

	switch env.Event {
	case "worker.hello":
		s.heartbeat.MarkHeartbeat()
		s.mu.Lock()
		s.markReadyLocked()
		s.mu.Unlock()
		s.publishStatus()

		ack, err := envelope.NewWithTrace(envelope.KindAck, "worker.welcome", env.TraceID, map[string]bool{"accepted": true})
		if err == nil {
			_ = s.writeToChild(sessionID, child, ack)
		}

	case "worker.heartbeat":
		s.heartbeat.MarkHeartbeat()
		s.mu.Lock()
		s.markReadyLocked()
		s.mu.Unlock()
		s.publishStatus()

	case "task.started":
		var payload struct {
			TaskID string `json:"task_id"`
		}
		if err := env.Decode(&payload); err != nil {
			s.scheduleRestart(fmt.Sprintf("invalid task.started payload: %v", err))
			return
		}
		s.dispatcher.MarkStarted(payload.TaskID)
		s.mu.Lock()
		s.state = StateBusy
		s.mu.Unlock()
		s.publishStatus()
		if task, ok := s.dispatcher.Get(payload.TaskID); ok {
			s.publishTask(bridge.TopicTaskProgress, task)
		}

	case "task.progress":
		var payload struct {
			TaskID   string  `json:"task_id"`
			Progress float64 `json:"progress"`
			Message  string  `json:"message"`
		}
		if err := env.Decode(&payload); err != nil {
			s.scheduleRestart(fmt.Sprintf("invalid task.progress payload: %v", err))
			return
		}
		s.dispatcher.ApplyProgress(payload.TaskID, payload.Progress, payload.Message)
		s.mu.Lock()
		s.state = StateBusy
		s.mu.Unlock()
		s.publishStatus()
		if task, ok := s.dispatcher.Get(payload.TaskID); ok {
			s.publishTask(bridge.TopicTaskProgress, task)
		}

	case "task.completed", "task.failed":
		s.handleTaskResult(env)

	default:
		// Unrecognized event names are ignored rather than treated as a
		// fault: a worker ahead of this supervisor's protocol knowledge
		// should not be killed for it.
	}
}

func (s *Supervisor) handleTaskResult(env envelope.Envelope) {
	var payload struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
		Output any    `json:"output"`
		Error  string `json:"error"`
	}
	if err := env.Decode(&payload); err != nil {
		s.scheduleRestart(fmt.Sprintf("invalid %s payload: %v", env.Event, err))
		return
	}

	status := payload.Status
	if env.Event == "task.failed" || strings.TrimSpace(payload.Error) != "" {
		status = "failed"
	}
	s.dispatcher.ApplyResult(payload.TaskID, status, payload.Output, payload.Error)

	s.mu.Lock()
	s.markReadyLocked()
	s.mu.Unlock()
	s.publishStatus()

	task, ok := s.dispatcher.Get(payload.TaskID)
	if !ok {
		return
	}
	if task.Status == dispatcher.StatusFailed {
		s.publishTask(bridge.TopicTaskFailed, task)
	} else {
		s.publishTask(bridge.TopicTaskCompleted, task)
	}
}
