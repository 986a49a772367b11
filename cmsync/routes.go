package cmsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/riandyrn/otelchi"
	"github.com/samber/slog-chi"

	"github.com/topvine/cmsync/internal/ezhttp"
	"github.com/topvine/cmsync/internal/httperr"
)

var (
	ErrIntegrationNotFound  = errors.New("integration not found")
	ErrSyncRunNotFound      = errors.New("sync run not found")
	ErrWebhookEventNotFound = errors.New("webhook event not found")
	ErrTypeImmutable        = errors.New("integration type cannot be changed")
	ErrUnknownConnectorType = errors.New("unknown connector type")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrSyncAlreadyRunning   = errors.New("a sync run is already in progress for this integration")
)

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	if s.cfg.Otel.Enabled {
		r.Use(otelchi.Middleware("cmsync", otelchi.WithChiRoutes(r)))
	}
	r.Use(middleware.CleanPath)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(slogchi.NewWithConfig(slog.Default(), slogchi.Config{
		DefaultLevel:     slog.LevelInfo,
		ClientErrorLevel: slog.LevelDebug,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
		WithSpanID:       s.cfg.Otel.Enabled,
		WithTraceID:      s.cfg.Otel.Enabled,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(middleware.GetHead)

	if s.debug {
		r.Mount("/debug", middleware.Profiler())
	}

	var fieldsCache func(http.Handler) http.Handler
	if s.cfg.Sync.FieldsCacheSize > 0 && s.cfg.Sync.FieldsCacheTTL > 0 {
		fieldsCache = stampede.HandlerWithKey(s.cfg.Sync.FieldsCacheSize, s.cfg.Sync.FieldsCacheTTL, s.fieldsCacheKeyFunc)
	}

	r.Get("/version", s.GetVersion)

	r.Route("/integrations", func(r chi.Router) {
		r.Get("/", s.GetIntegrations)
		r.Post("/", s.PostIntegration)

		r.Route("/{integrationID}", func(r chi.Router) {
			r.Get("/", s.GetIntegration)
			r.Patch("/", s.PatchIntegration)
			r.Delete("/", s.DeleteIntegration)

			r.Post("/test", s.TestIntegration)
			r.Route("/fields", func(r chi.Router) {
				if fieldsCache != nil {
					r.Use(fieldsCache)
				}
				r.Get("/", s.GetIntegrationFields)
			})

			r.Route("/sync", func(r chi.Router) {
				r.Post("/", s.PostSync)
				r.Post("/documents/{nativeID}", s.PostSyncDocument)
				r.Delete("/documents/{nativeID}", s.DeleteSyncedDocument)
			})

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.GetSyncRuns)
				r.Get("/{runID}", s.GetSyncRun)
			})

			r.Route("/webhook", func(r chi.Router) {
				r.Post("/", s.PostIntegrationWebhook)
				r.Delete("/", s.DeleteIntegrationWebhook)
			})
			r.Get("/events", s.GetWebhookEvents)
		})
	})

	r.Post("/webhooks", s.PostWebhookEvent)
	r.Post("/webhooks/{integrationID}", s.PostWebhookEvent)

	if s.cfg.HTTPTimeout > 0 {
		return http.TimeoutHandler(r, s.cfg.HTTPTimeout, "Request timed out")
	}
	return r
}

func (s *Server) fieldsCacheKeyFunc(r *http.Request) uint64 {
	return stampede.BytesToHash([]byte(chi.URLParam(r, "integrationID")))
}

func (s *Server) GetVersion(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(s.version))
}

func (s *Server) error(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, http.ErrHandlerTimeout) {
		return
	}

	status := http.StatusInternalServerError
	var httpErr *httperr.Error
	if errors.As(err, &httpErr) {
		status = httpErr.Status
	}

	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "internal server error", slog.Any("err", err))
	}
	s.json(w, r, ezhttp.ErrorResponse{
		Message:   err.Error(),
		Status:    status,
		Path:      r.URL.Path,
		RequestID: middleware.GetReqID(r.Context()),
	}, status)
}

func (s *Server) ok(w http.ResponseWriter, r *http.Request, v any) {
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.json(w, r, v, http.StatusOK)
}

func (s *Server) json(w http.ResponseWriter, r *http.Request, v any, status int) {
	w.Header().Set(ezhttp.HeaderContentType, ezhttp.ContentTypeJSON)
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		slog.ErrorContext(r.Context(), "failed to encode json", slog.Any("err", err))
	}
}
