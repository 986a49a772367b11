package cmsync

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/topvine/cmsync/cmsync/connector"
	"github.com/topvine/cmsync/cmsync/database"
)

func newTestServer(db Store) *Server {
	cfg := Config{
		ListenAddr: ":0",
		PublicURL:  "http://cmsync.test",
		Sync: SyncConfig{
			PageSize:          2,
			SchedulerInterval: time.Hour,
			RunTimeout:        time.Hour,
		},
	}
	return NewServer("test", false, cfg, db, otel.Meter("test"), otel.Tracer("test"))
}

// fakeConnector serves canned documents and records the fetch options it saw.
type fakeConnector struct {
	mu      sync.Mutex
	docs    []connector.RawDocument
	err     error
	fetches []connector.FetchOptions
}

func (f *fakeConnector) Type() string { return "fake" }

func (f *fakeConnector) TestConnection(ctx context.Context, cfg connector.Config) connector.TestResult {
	if f.err != nil {
		return connector.TestResult{Success: false, Message: f.err.Error()}
	}
	return connector.TestResult{Success: true}
}

func (f *fakeConnector) FetchDocuments(ctx context.Context, cfg connector.Config, opts connector.FetchOptions) ([]connector.RawDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, opts)
	if f.err != nil {
		return nil, f.err
	}
	if id, ok := opts.Filters["id"]; ok {
		for _, doc := range f.docs {
			if doc["id"] == id {
				return []connector.RawDocument{doc}, nil
			}
		}
		return nil, nil
	}
	if opts.Offset >= len(f.docs) {
		return nil, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(f.docs) {
		end = len(f.docs)
	}
	return f.docs[opts.Offset:end], nil
}

func (f *fakeConnector) AvailableFields(ctx context.Context, cfg connector.Config) ([]connector.Field, error) {
	return []connector.Field{{Name: "id", Type: "string", Label: "ID", Required: true}}, nil
}

func (f *fakeConnector) DocumentID(cfg connector.Config, raw connector.RawDocument) string {
	id, _ := raw["id"].(string)
	return id
}

// fakeStore is an in-memory Store; only what the handlers and orchestrator
// touch is modeled.
type fakeStore struct {
	mu           sync.Mutex
	integrations map[string]database.Integration
	runs         map[string]database.SyncRun
	runOrder     []string
	events       map[string]database.WebhookEvent
	eventOrder   []string
	documents    map[string]database.SyncedDocument
	upserts      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		integrations: map[string]database.Integration{},
		runs:         map[string]database.SyncRun{},
		events:       map[string]database.WebhookEvent{},
		documents:    map[string]database.SyncedDocument{},
	}
}

func (f *fakeStore) CreateIntegration(ctx context.Context, integration database.Integration) (database.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if integration.ID == "" {
		integration.ID = "i-" + time.Now().Format("150405.000000000")
	}
	integration.CreatedAt = time.Now()
	integration.UpdatedAt = integration.CreatedAt
	f.integrations[integration.ID] = integration
	return integration, nil
}

func (f *fakeStore) GetIntegration(ctx context.Context, id string) (database.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	integration, ok := f.integrations[id]
	if !ok {
		return database.Integration{}, sql.ErrNoRows
	}
	return integration, nil
}

func (f *fakeStore) GetIntegrations(ctx context.Context, tenantID string) ([]database.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var integrations []database.Integration
	for _, integration := range f.integrations {
		if integration.TenantID == tenantID {
			integrations = append(integrations, integration)
		}
	}
	return integrations, nil
}

func (f *fakeStore) UpdateIntegration(ctx context.Context, integration database.Integration) (database.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.integrations[integration.ID]; !ok {
		return database.Integration{}, sql.ErrNoRows
	}
	integration.UpdatedAt = time.Now()
	f.integrations[integration.ID] = integration
	return integration, nil
}

func (f *fakeStore) DeleteIntegration(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.integrations[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.integrations, id)
	return nil
}

func (f *fakeStore) SetIntegrationWebhook(ctx context.Context, id string, url string, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	integration, ok := f.integrations[id]
	if !ok {
		return sql.ErrNoRows
	}
	integration.WebhookURL = url
	integration.WebhookSecret = secret
	f.integrations[id] = integration
	return nil
}

func (f *fakeStore) UpdateIntegrationLastSync(ctx context.Context, id string, status string, at time.Time, documents int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	integration, ok := f.integrations[id]
	if !ok {
		return sql.ErrNoRows
	}
	integration.LastSyncStatus = status
	integration.LastSyncAt = database.NullTime{Time: at, Valid: true}
	integration.LastSyncDocuments = documents
	f.integrations[id] = integration
	return nil
}

func (f *fakeStore) GetDueIntegrations(ctx context.Context, now time.Time) ([]database.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []database.Integration
	for _, integration := range f.integrations {
		if !integration.Active || integration.SyncInterval <= 0 {
			continue
		}
		if integration.SyncMode != database.SyncModeScheduled && integration.SyncMode != database.SyncModeIncremental {
			continue
		}
		if !integration.LastSyncAt.Valid || now.Sub(integration.LastSyncAt.Time) >= time.Duration(integration.SyncInterval)*time.Second {
			due = append(due, integration)
		}
	}
	return due, nil
}

func (f *fakeStore) CreateSyncRun(ctx context.Context, integrationID string, mode string) (database.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := database.SyncRun{
		ID:            "r-" + time.Now().Format("150405.000000000"),
		IntegrationID: integrationID,
		Mode:          mode,
		Status:        database.SyncStatusPending,
		StartedAt:     time.Now(),
	}
	f.runs[run.ID] = run
	f.runOrder = append(f.runOrder, run.ID)
	return run, nil
}

func (f *fakeStore) MarkSyncRunRunning(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok || run.Status != database.SyncStatusPending {
		return sql.ErrNoRows
	}
	run.Status = database.SyncStatusRunning
	f.runs[id] = run
	return nil
}

func (f *fakeStore) CompleteSyncRun(ctx context.Context, id string, status database.SyncStatus, counts database.SyncCounts, errMsg string, outcomes []database.SyncOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok || (run.Status != database.SyncStatusPending && run.Status != database.SyncStatusRunning) {
		return sql.ErrNoRows
	}
	run.Status = status
	run.CompletedAt = database.NullTime{Time: time.Now(), Valid: true}
	run.DocumentsFetched = counts.Fetched
	run.DocumentsSynced = counts.Synced
	run.DocumentsFailed = counts.Failed
	run.Error = errMsg
	run.Outcomes = outcomes
	f.runs[id] = run
	return nil
}

func (f *fakeStore) GetSyncRun(ctx context.Context, id string) (database.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return database.SyncRun{}, sql.ErrNoRows
	}
	return run, nil
}

func (f *fakeStore) GetSyncRuns(ctx context.Context, integrationID string, limit int) ([]database.SyncRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var runs []database.SyncRun
	for i := len(f.runOrder) - 1; i >= 0; i-- {
		run := f.runs[f.runOrder[i]]
		if run.IntegrationID != integrationID {
			continue
		}
		runs = append(runs, run)
		if limit > 0 && len(runs) >= limit {
			break
		}
	}
	return runs, nil
}

func (f *fakeStore) ReclaimStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reclaimed int64
	for id, run := range f.runs {
		if (run.Status == database.SyncStatusPending || run.Status == database.SyncStatusRunning) && time.Since(run.StartedAt) > olderThan {
			run.Status = database.SyncStatusFailed
			run.Error = "run exceeded liveness timeout"
			run.CompletedAt = database.NullTime{Time: time.Now(), Valid: true}
			f.runs[id] = run
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (f *fakeStore) CreateWebhookEvent(ctx context.Context, event database.WebhookEvent) (database.WebhookEvent, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event.DeliveryID != "" {
		for _, id := range f.eventOrder {
			existing := f.events[id]
			if existing.IntegrationID == event.IntegrationID && existing.DeliveryID == event.DeliveryID {
				return existing, true, nil
			}
		}
	}
	event.ID = "e-" + time.Now().Format("150405.000000000")
	event.ReceivedAt = time.Now()
	f.events[event.ID] = event
	f.eventOrder = append(f.eventOrder, event.ID)
	return event, false, nil
}

func (f *fakeStore) MarkWebhookEventProcessed(ctx context.Context, id string, result string, processingError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[id]
	if !ok {
		return sql.ErrNoRows
	}
	event.Processed = true
	event.ProcessedAt = database.NullTime{Time: time.Now(), Valid: true}
	event.Result = result
	event.ProcessingError = processingError
	f.events[id] = event
	return nil
}

func (f *fakeStore) GetWebhookEvent(ctx context.Context, id string) (database.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[id]
	if !ok {
		return database.WebhookEvent{}, sql.ErrNoRows
	}
	return event, nil
}

func (f *fakeStore) GetWebhookEvents(ctx context.Context, integrationID string, limit int) ([]database.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var events []database.WebhookEvent
	for i := len(f.eventOrder) - 1; i >= 0; i-- {
		event := f.events[f.eventOrder[i]]
		if event.IntegrationID != integrationID {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (f *fakeStore) UpsertSyncedDocument(ctx context.Context, doc database.SyncedDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := doc.IntegrationID + "/" + doc.NativeID
	if existing, ok := f.documents[key]; ok && existing.ContentHash == doc.ContentHash {
		return nil
	}
	doc.LastSyncedAt = time.Now()
	f.documents[key] = doc
	f.upserts++
	return nil
}

func (f *fakeStore) DeleteSyncedDocument(ctx context.Context, integrationID string, nativeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.documents, integrationID+"/"+nativeID)
	return nil
}

func (f *fakeStore) GetSyncedDocument(ctx context.Context, integrationID string, nativeID string) (database.SyncedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[integrationID+"/"+nativeID]
	if !ok {
		return database.SyncedDocument{}, sql.ErrNoRows
	}
	return doc, nil
}

func (f *fakeStore) DeleteSyncedDocuments(ctx context.Context, integrationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, doc := range f.documents {
		if doc.IntegrationID == integrationID {
			delete(f.documents, key)
		}
	}
	return nil
}

func (f *fakeStore) CountSyncedDocuments(ctx context.Context, integrationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int
	for _, doc := range f.documents {
		if doc.IntegrationID == integrationID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) Close() error { return nil }

var _ Store = (*fakeStore)(nil)
var _ connector.Connector = (*fakeConnector)(nil)
