package cmsync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/topvine/cmsync/cmsync/connector"
	"github.com/topvine/cmsync/cmsync/database"
)

// Store is the persistence surface the server needs. *database.DB satisfies
// it; tests substitute fakes.
type Store interface {
	CreateIntegration(ctx context.Context, integration database.Integration) (database.Integration, error)
	GetIntegration(ctx context.Context, id string) (database.Integration, error)
	GetIntegrations(ctx context.Context, tenantID string) ([]database.Integration, error)
	UpdateIntegration(ctx context.Context, integration database.Integration) (database.Integration, error)
	DeleteIntegration(ctx context.Context, id string) error
	SetIntegrationWebhook(ctx context.Context, id string, url string, secret string) error
	UpdateIntegrationLastSync(ctx context.Context, id string, status string, at time.Time, documents int) error
	GetDueIntegrations(ctx context.Context, now time.Time) ([]database.Integration, error)

	CreateSyncRun(ctx context.Context, integrationID string, mode string) (database.SyncRun, error)
	MarkSyncRunRunning(ctx context.Context, id string) error
	CompleteSyncRun(ctx context.Context, id string, status database.SyncStatus, counts database.SyncCounts, errMsg string, outcomes []database.SyncOutcome) error
	GetSyncRun(ctx context.Context, id string) (database.SyncRun, error)
	GetSyncRuns(ctx context.Context, integrationID string, limit int) ([]database.SyncRun, error)
	ReclaimStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error)

	CreateWebhookEvent(ctx context.Context, event database.WebhookEvent) (database.WebhookEvent, bool, error)
	MarkWebhookEventProcessed(ctx context.Context, id string, result string, processingError string) error
	GetWebhookEvent(ctx context.Context, id string) (database.WebhookEvent, error)
	GetWebhookEvents(ctx context.Context, integrationID string, limit int) ([]database.WebhookEvent, error)

	UpsertSyncedDocument(ctx context.Context, doc database.SyncedDocument) error
	DeleteSyncedDocument(ctx context.Context, integrationID string, nativeID string) error
	GetSyncedDocument(ctx context.Context, integrationID string, nativeID string) (database.SyncedDocument, error)
	DeleteSyncedDocuments(ctx context.Context, integrationID string) error
	CountSyncedDocuments(ctx context.Context, integrationID string) (int, error)

	Close() error
}

var _ Store = (*database.DB)(nil)

// Embedder turns the mapped text of a document into a vector that is attached
// to the indexed fields under "_vector". Optional; nil means documents are
// indexed without vectors.
type Embedder func(ctx context.Context, text string) ([]float32, error)

func NewServer(version string, debug bool, cfg Config, db Store, meter metric.Meter, tracer trace.Tracer) *Server {
	client := &http.Client{
		Timeout: cfg.Sync.UpstreamTimeout,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithClientTrace(func(ctx context.Context) *httptrace.ClientTrace {
				return otelhttptrace.NewClientTrace(ctx)
			}),
		),
	}

	s := &Server{
		version:  version,
		debug:    debug,
		cfg:      cfg,
		db:       db,
		client:   client,
		registry: connector.NewRegistry(client),
		meter:    meter,
		tracer:   tracer,
	}

	s.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.Routes(),
	}

	return s
}

type Server struct {
	version  string
	debug    bool
	cfg      Config
	db       Store
	server   *http.Server
	client   *http.Client
	registry *connector.Registry
	embedder Embedder
	meter    metric.Meter
	tracer   trace.Tracer

	syncWG          sync.WaitGroup
	schedulerCancel context.CancelFunc
}

// SetEmbedder installs the optional embedding hook. Must be called before
// Start.
func (s *Server) SetEmbedder(e Embedder) {
	s.embedder = e
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.schedulerCancel = cancel
	go s.runScheduler(ctx)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("error while listening", slog.Any("err", err))
	}
}

func (s *Server) Close() {
	if s.schedulerCancel != nil {
		s.schedulerCancel()
	}
	if err := s.server.Close(); err != nil {
		slog.Error("error while closing server", slog.Any("err", err))
	}

	s.syncWG.Wait()

	if err := s.db.Close(); err != nil {
		slog.Error("error while closing database", slog.Any("err", err))
	}
}
