package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"cronkeeper/internal/core"
)

// Engine is the task engine surface the HTTP API is served from.
type Engine interface {
	CreateTask(ctx context.Context, in core.TaskInput) (*core.TaskDefinition, error)
	UpdateTask(ctx context.Context, id string, p core.TaskPatch) (*core.TaskDefinition, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*core.TaskDefinition, error)
	DeleteTask(ctx context.Context, id string) error
	GetTask(id string) (*core.TaskDefinition, error)
	ListTasks() []*core.TaskDefinition
	Running(taskID string) bool
	ListExecutions(ctx context.Context, taskID string, q core.ExecutionQuery) ([]*core.ExecutionRecord, error)
	GetExecution(ctx context.Context, id string) (*core.ExecutionRecord, error)
	RunNow(ctx context.Context, id string) (*core.ExecutionRecord, error)
	ValidateCronExpression(expr string, count int) core.CronValidation
	TaskTypes() []string
	Location() *time.Location
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	engine     Engine
	mcpHandler http.Handler
	limiter    *rate.Limiter
	logger     zerolog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server. mcpHandler is mounted at /mcp
// when non-nil; limiter throttles manual run requests when non-nil.
func NewServer(addr string, authToken string, engine Engine, mcpHandler http.Handler, limiter *rate.Limiter, logger zerolog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		engine:     engine,
		mcpHandler: mcpHandler,
		limiter:    limiter,
		logger:     logger.With().Str("component", "api").Logger(),
		authToken:  authToken,
	}
	router.Use(RequestLogger(s.logger))
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.mcpHandler != nil {
		s.router.Handle("/mcp", AuthMiddleware(s.authToken)(s.mcpHandler))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.authToken))

		r.Post("/cron/validate", s.handleCronValidate)
		r.Get("/task-types", s.handleTaskTypes)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/enable", s.handleSetEnabled(true))
				r.Post("/disable", s.handleSetEnabled(false))
				r.With(RateLimit(s.limiter)).Post("/run", s.handleRunTask)
				r.Get("/runs", s.handleListRuns)
			})
		})

		r.Get("/runs/{runID}", s.handleGetRun)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tasks":  len(s.engine.ListTasks()),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
