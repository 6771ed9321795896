package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/MimeLyc/annotation-session/internal/config"
	"github.com/MimeLyc/annotation-session/internal/service"
)

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type runtimeSettingsApplier func(next config.RuntimeSettings) error

type Server struct {
	svc      *service.Service
	settings runtimeSettingsStore
	apply    runtimeSettingsApplier
	validate *validator.Validate

	heartbeat time.Duration

	router *chi.Mux
	server *http.Server
}

type Option func(*Server)

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithRuntimeSettingsApplier(apply runtimeSettingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

// WithHeartbeat sets how often an idle event stream sends a keep-alive.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

func NewServer(svc *service.Service, opts ...Option) *Server {
	s := &Server{
		svc:       svc,
		validate:  validator.New(),
		heartbeat: 15 * time.Second,
		router:    chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	r := s.router
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(recovery)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.handleListTasks)

		r.Route("/session", func(r chi.Router) {
			r.Get("/state", s.handleState)
			r.Get("/stream", s.handleStream)
			r.Post("/job", s.handleOpenJob)
			r.Post("/frame", s.handleChangeFrame)
			r.Post("/play", s.handleSwitchPlay)
			r.Post("/save", s.handleSave)
			r.Put("/annotations/{frame}", s.handleUpdateAnnotations)
			r.Post("/canvas/{mode}", s.handleCanvas)
		})

		r.Get("/operations", s.handleListOperations)
		r.Get("/operations/{id}", s.handleGetOperation)
		r.Get("/actions", s.handleListActions)
		r.Get("/autosave", s.handleAutosave)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
	})
}
