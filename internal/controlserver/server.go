// Package controlserver exposes the supervisor's upward interface
// (§6: start/stop/submit/cancel/status/list/reset-breaker) as a small JSON
// HTTP API, the control plane cmd/worksuperctl's subcommands talk to.
package controlserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fenwick-run/worksupervisor/internal/supervisor"
)

// errUnknownTask is classified as a 404; it never leaves this package.
var errUnknownTask = errors.New("task not found")

// apiError is the body of a non-2xx response. RequestID lets an operator
// correlate a failed HTTP call with the supervisor's own structured log
// line for the same request, the way msg_id/trace_id correlate envelopes
// on the worker wire protocol.
type apiError struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// classifyError maps a supervisor-originated error to the HTTP status and
// machine-readable code it gets reported as, so callers (start/submit/
// cancel/reset-breaker) don't each have to re-derive it. It distinguishes
// §7's error taxonomy: a rejected argument (Validation) and a tripped
// breaker or missing worker (Policy) are the caller's fault and reported as
// 4xx; anything else (spawn failure, a wrapped transport/process fault) is
// a 500, since the caller could not have prevented it.
func classifyError(err error) (status int, code string) {
	var verr *supervisor.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, supervisor.ErrCircuitOpen):
		return http.StatusConflict, "circuit_open"
	case errors.Is(err, supervisor.ErrBreakerNotOpen):
		return http.StatusConflict, "circuit_not_open"
	case errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict, "worker_not_running"
	case errors.Is(err, errUnknownTask):
		return http.StatusNotFound, "unknown_task"
	default:
		return http.StatusInternalServerError, "worker_error"
	}
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// respondError classifies err and writes the matching error envelope. A nil
// err still reports as an internal error rather than panicking, since this
// is only ever called from a handler that has already confirmed a failure.
func respondError(c *gin.Context, err error) {
	status, code := classifyError(err)
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, errorEnvelope{Error: apiError{Message: msg, Code: code, RequestID: uuid.NewString()}})
}

// respondBadRequest reports a malformed request body — a failure in
// decoding the HTTP request itself, not one classifyError's supervisor
// error types can describe.
func respondBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorEnvelope{Error: apiError{Message: err.Error(), Code: "invalid_request", RequestID: uuid.NewString()}})
}

// Server wraps a Supervisor in a gin.Engine implementing the HTTP control
// surface.
type Server struct {
	sup    *supervisor.Supervisor
	engine *gin.Engine
}

// New builds a Server for sup. The gin engine runs in release mode; callers
// drive logging through the supervisor's own logger instead.
func New(sup *supervisor.Supervisor) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{sup: sup, engine: engine}
	s.routes()
	return s
}

// Handler returns the http.Handler to mount on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/v1/status", s.handleStatus)
	s.engine.GET("/v1/tasks", s.handleListTasks)
	s.engine.POST("/v1/tasks", s.handleSubmitTask)
	s.engine.POST("/v1/tasks/:id/cancel", s.handleCancelTask)
	s.engine.POST("/v1/worker/start", s.handleStart)
	s.engine.POST("/v1/worker/stop", s.handleStop)
	s.engine.POST("/v1/worker/reset-breaker", s.handleResetBreaker)
}

func (s *Server) handleStatus(c *gin.Context) {
	respondOK(c, s.sup.GetStatus())
}

func (s *Server) handleListTasks(c *gin.Context) {
	respondOK(c, s.sup.ListTasks())
}

type submitTaskRequest struct {
	TaskType  string `json:"task_type"`
	ProjectID string `json:"project_id"`
	Config    any    `json:"config"`
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}

	taskID, err := s.sup.SubmitTask(req.TaskType, req.ProjectID, req.Config)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	taskID := c.Param("id")
	if !s.sup.CancelTask(taskID) {
		respondError(c, errUnknownTask)
		return
	}
	respondOK(c, gin.H{"cancelled": true})
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.sup.Start(); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, s.sup.GetStatus())
}

func (s *Server) handleStop(c *gin.Context) {
	s.sup.Stop()
	respondOK(c, s.sup.GetStatus())
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	if err := s.sup.ResetBreaker(); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, s.sup.GetStatus())
}
