// Package apiserver implements the external interfaces spec.md §6
// names: submit, get_job_result, cancel, an SSE progress stream, and
// an optional websocket live-tail.
package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	taskerrors "github.com/relaykit/taskrunner/pkg/errors"
	"github.com/relaykit/taskrunner/pkg/executor"
	"github.com/relaykit/taskrunner/pkg/health"
	"github.com/relaykit/taskrunner/pkg/job"
	"github.com/relaykit/taskrunner/pkg/monitor"
	"github.com/relaykit/taskrunner/pkg/notify"
)

// progressFanout implements job.ProgressPusher by fanning a progress
// mutation out to both live transports: the SSE notifier and the
// websocket hub. Constructed once during server wiring and attached
// via job.Registry.SetProgressPusher, keeping the registry itself
// ignorant of transport details.
type progressFanout struct {
	notifier *notify.Notifier
	wsHub    *notify.Hub
}

// NewProgressFanout builds the job.ProgressPusher handed to
// job.Registry.SetProgressPusher, so every status mutation is pushed
// to SSE and websocket subscribers alike.
func NewProgressFanout(notifier *notify.Notifier, wsHub *notify.Hub) job.ProgressPusher {
	return &progressFanout{notifier: notifier, wsHub: wsHub}
}

func (f *progressFanout) PushProgress(jobID string, status job.Status, message string, progress float64, pollIntervalMs int64) {
	frame := notify.Frame{
		JobID:        jobID,
		Status:       string(status),
		Message:      message,
		Progress:     progress,
		PollInterval: pollIntervalMs,
	}
	if f.notifier != nil {
		f.notifier.Broadcast(jobID, frame)
	}
	if f.wsHub != nil {
		f.wsHub.Broadcast(jobID, frame)
	}
}

// WorkDispatcher submits a job's tool+params to execution once it has
// been created in the registry. cmd/taskrunnerd wires this to the
// scheduler + adapter + a tool registry.
type WorkDispatcher func(jobID, tool string, params map[string]interface{}) error

// Server is the HTTP surface over the Job Registry.
type Server struct {
	engine    *gin.Engine
	registry  *job.Registry
	adapter   *executor.Adapter
	sched     executor.Scheduler
	dispatch  WorkDispatcher
	notifier  *notify.Notifier
	wsHub     *notify.Hub
	health    *health.Aggregator
	tracer    *monitor.Tracer
	jwtSecret []byte
	log       zerolog.Logger
}

// Config configures the Server.
type Config struct {
	JWTSecret   string
	CORSOrigins []string
}

// New wires a Server over its collaborators. adapter and its
// Scheduler must already be started by the caller.
func New(cfg Config, registry *job.Registry, adapter *executor.Adapter, sched executor.Scheduler, dispatch WorkDispatcher, notifier *notify.Notifier, wsHub *notify.Hub, healthAgg *health.Aggregator, tracer *monitor.Tracer, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}))

	s := &Server{
		engine:    engine,
		registry:  registry,
		adapter:   adapter,
		sched:     sched,
		dispatch:  dispatch,
		notifier:  notifier,
		wsHub:     wsHub,
		health:    healthAgg,
		tracer:    tracer,
		jwtSecret: []byte(cfg.JWTSecret),
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)

	v1 := s.engine.Group("/v1")
	v1.POST("/jobs", s.handleSubmit)
	v1.GET("/jobs/:id", s.handleGetResult)
	v1.GET("/jobs/:id/stream", s.handleStream)
	v1.GET("/jobs/:id/ws", s.handleWebSocket)

	authorized := v1.Group("/jobs")
	authorized.Use(s.requireJWT())
	authorized.DELETE("/:id", s.handleCancel)
}

// Run starts the HTTP listener on addr, blocking until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type submitRequest struct {
	Tool      string                 `json:"tool" binding:"required"`
	Params    map[string]interface{} `json:"params"`
	TimeoutMs int64                  `json:"timeout_ms"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, taskerrors.Validation("body", err.Error()))
		return
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	id, created := s.registry.CreateJob(req.Tool, req.Params, timeout)

	if s.tracer != nil {
		_, span := s.tracer.StartJobSpan(c.Request.Context(), "submit", id)
		span.End()
	}

	if created && s.dispatch != nil {
		if err := s.dispatch(id, req.Tool, req.Params); err != nil {
			writeError(c, taskerrors.Internal("failed to dispatch job", err))
			return
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "deduplicated": !created})
}

func (s *Server) handleGetResult(c *gin.Context) {
	hint, err := s.registry.GetJobWithRateLimit(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	body := gin.H{
		"job_id":       hint.ID,
		"status":       hint.Status,
		"message":      hint.ProgressMessage,
		"progress":     hint.ProgressPercentage,
		"created_at":   hint.CreatedAt,
		"next_poll_ms": hint.NextPollAfter.Milliseconds(),
		"wait_ms":      hint.Wait.Milliseconds(),
		"should_wait":  hint.ShouldWait,
	}
	if hint.Status.IsTerminal() {
		body["result"] = hint.Result
		if hint.Err != nil {
			body["error"] = hint.Err.Error()
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	reason := c.Query("reason")
	if reason == "" {
		reason = "cancelled by operator"
	}

	ok, err := s.adapter.CancelJobExecution(s.sched, id, reason)
	if err != nil {
		ok, err = s.registry.CancelJob(id, reason)
		if err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "ok": ok})
}

func (s *Server) handleStream(c *gin.Context) {
	jobID := c.Param("id")
	sessionID := jobID + ":" + c.ClientIP()
	frames := s.notifier.Register(sessionID)
	defer s.notifier.Unregister(sessionID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w gin.ResponseWriter) bool {
		select {
		case frame, ok := <-frames:
			if !ok {
				return false
			}
			data, err := notify.MarshalSSE(frame)
			if err != nil {
				return true
			}
			w.Write(data)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	jobID := c.Param("id")
	if err := s.wsHub.ServeWS(c.Writer, c.Request, jobID); err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.health.Check()
	status := http.StatusOK
	if report.Overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) requireJWT() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.jwtSecret) == 0 {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if len(header) < 8 || header[:7] != "Bearer " {
			writeError(c, taskerrors.NewError("UNAUTHORIZED", "missing bearer token").WithKind(taskerrors.KindValidation).WithHTTPStatus(401).Build())
			c.Abort()
			return
		}
		tokenStr := header[7:]
		_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		})
		if err != nil {
			writeError(c, taskerrors.NewError("UNAUTHORIZED", "invalid token").WithKind(taskerrors.KindValidation).WithHTTPStatus(401).Build())
			c.Abort()
			return
		}
		c.Next()
	}
}

func writeError(c *gin.Context, err error) {
	if te, ok := err.(*taskerrors.TaskError); ok {
		status := te.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": te.Code, "message": te.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": err.Error()})
}
