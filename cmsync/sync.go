package cmsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/topi314/tint"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/topvine/cmsync/cmsync/connector"
	"github.com/topvine/cmsync/cmsync/database"
	"github.com/topvine/cmsync/internal/httperr"
)

const defaultPageSize = 100

func (s *Server) PostSync(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.error(w, r, httperr.BadRequest(err))
		return
	}

	run, err := s.startSync(r.Context(), integration, "manual", req.Full)
	if err != nil {
		s.error(w, r, err)
		return
	}

	s.json(w, r, syncRunResponse(run), http.StatusAccepted)
}

// startSync creates the pending run and hands it to a background goroutine.
// One run per integration at a time; a pending or running run rejects the new
// one.
func (s *Server) startSync(ctx context.Context, integration database.Integration, mode string, full bool) (database.SyncRun, error) {
	latest, err := s.db.GetSyncRuns(ctx, integration.ID, 1)
	if err != nil {
		return database.SyncRun{}, err
	}
	if len(latest) > 0 && (latest[0].Status == database.SyncStatusPending || latest[0].Status == database.SyncStatusRunning) {
		return database.SyncRun{}, httperr.Conflict(ErrSyncAlreadyRunning)
	}

	var since time.Time
	if !full && integration.SyncMode == database.SyncModeIncremental && integration.LastSyncAt.Valid {
		since = integration.LastSyncAt.Time
	}

	run, err := s.db.CreateSyncRun(ctx, integration.ID, mode)
	if err != nil {
		return database.SyncRun{}, err
	}

	s.syncWG.Add(1)
	ctx, span := s.tracer.Start(context.WithoutCancel(ctx), "executeSync", trace.WithAttributes(
		attribute.String("integration_id", integration.ID),
		attribute.String("run_id", run.ID),
		attribute.String("mode", mode),
	))
	go func() {
		defer span.End()
		defer s.syncWG.Done()
		s.executeSync(ctx, span, integration, run, since)
	}()

	return run, nil
}

// executeSync pages through the upstream and reconciles every document into
// the index. Fetch failures abort the run; per-document failures are recorded
// and the run continues.
func (s *Server) executeSync(ctx context.Context, span trace.Span, integration database.Integration, run database.SyncRun, since time.Time) {
	logger := slog.Default().With(
		slog.String("integration_id", integration.ID),
		slog.String("run_id", run.ID),
	)

	if err := s.db.MarkSyncRunRunning(ctx, run.ID); err != nil {
		logger.ErrorContext(ctx, "failed to mark sync run running", tint.Err(err))
		return
	}

	conn, err := s.registry.Get(integration.Type)
	if err != nil {
		s.failSyncRun(ctx, logger, integration, run, database.SyncCounts{}, nil, err)
		return
	}

	pageSize := s.cfg.Sync.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	var (
		counts   database.SyncCounts
		outcomes []database.SyncOutcome
	)
	for offset := 0; ; offset += pageSize {
		docs, err := conn.FetchDocuments(ctx, connector.Config(integration.Config), connector.FetchOptions{
			Limit:  pageSize,
			Offset: offset,
			Since:  since,
		})
		if err != nil {
			span.SetStatus(codes.Error, "page fetch failed")
			span.RecordError(err)
			s.failSyncRun(ctx, logger, integration, run, counts, outcomes, err)
			return
		}
		if len(docs) == 0 {
			break
		}

		for _, raw := range docs {
			counts.Fetched++
			nativeID, err := s.syncOne(ctx, conn, integration, raw)
			if nativeID == "" {
				nativeID = "unknown"
			}
			outcome := database.SyncOutcome{DocumentID: nativeID, Success: err == nil}
			if err != nil {
				counts.Failed++
				outcome.Error = err.Error()
				logger.WarnContext(ctx, "failed to sync document", slog.String("native_id", nativeID), tint.Err(err))
			} else {
				counts.Synced++
			}
			outcomes = append(outcomes, outcome)
		}

		if len(docs) < pageSize {
			break
		}
	}

	status := counts.TerminalStatus()
	now := time.Now()
	if err = s.db.CompleteSyncRun(ctx, run.ID, status, counts, "", outcomes); err != nil {
		logger.ErrorContext(ctx, "failed to complete sync run", tint.Err(err))
		return
	}
	if err = s.db.UpdateIntegrationLastSync(ctx, integration.ID, string(status), now, counts.Synced); err != nil {
		logger.ErrorContext(ctx, "failed to update integration last sync", tint.Err(err))
	}

	span.SetAttributes(
		attribute.Int("documents_fetched", counts.Fetched),
		attribute.Int("documents_synced", counts.Synced),
		attribute.Int("documents_failed", counts.Failed),
	)
	logger.InfoContext(ctx, "sync run finished",
		slog.String("status", string(status)),
		slog.Int("fetched", counts.Fetched),
		slog.Int("synced", counts.Synced),
		slog.Int("failed", counts.Failed),
	)
}

func (s *Server) failSyncRun(ctx context.Context, logger *slog.Logger, integration database.Integration, run database.SyncRun, counts database.SyncCounts, outcomes []database.SyncOutcome, runErr error) {
	logger.ErrorContext(ctx, "sync run failed", tint.Err(runErr))
	if err := s.db.CompleteSyncRun(ctx, run.ID, database.SyncStatusFailed, counts, runErr.Error(), outcomes); err != nil {
		logger.ErrorContext(ctx, "failed to record sync run failure", tint.Err(err))
		return
	}
	if err := s.db.UpdateIntegrationLastSync(ctx, integration.ID, string(database.SyncStatusFailed), time.Now(), counts.Synced); err != nil {
		logger.ErrorContext(ctx, "failed to update integration last sync", tint.Err(err))
	}
}

// syncOne maps and upserts a single upstream document. Re-syncing unchanged
// content is a no-op thanks to the hash guard in the upsert.
func (s *Server) syncOne(ctx context.Context, conn connector.Connector, integration database.Integration, raw connector.RawDocument) (string, error) {
	nativeID := conn.DocumentID(connector.Config(integration.Config), raw)
	if nativeID == "" {
		return "", errors.New("document carries no native id")
	}

	fields, err := connector.MapFields(raw, integration.FieldMappings)
	if err != nil {
		return nativeID, err
	}

	hash, err := contentHash(fields)
	if err != nil {
		return nativeID, err
	}

	// The vector rides along with the fields but does not feed the content
	// hash, so unchanged content stays a no-op even with an embedder set.
	if s.embedder != nil {
		if text := embeddingText(fields); text != "" {
			vector, err := s.embedder(ctx, text)
			if err != nil {
				return nativeID, fmt.Errorf("embedding failed: %w", err)
			}
			fields["_vector"] = vector
		}
	}

	if err = s.db.UpsertSyncedDocument(ctx, database.SyncedDocument{
		IntegrationID: integration.ID,
		NativeID:      nativeID,
		IndexName:     integration.IndexName,
		Fields:        database.JSONMap(fields),
		ContentHash:   hash,
	}); err != nil {
		return nativeID, err
	}
	return nativeID, nil
}

// embeddingText joins the mapped title and content into the text handed to the
// embedder.
func embeddingText(fields map[string]any) string {
	var parts []string
	for _, target := range []string{connector.TargetTitle, connector.TargetContent} {
		if s, ok := fields[target].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// contentHash fingerprints the mapped fields. encoding/json sorts map keys, so
// equal content always hashes equal.
func contentHash(fields map[string]any) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16), nil
}

func (s *Server) PostSyncDocument(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}
	nativeID := chi.URLParam(r, "nativeID")

	var req SyncDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.error(w, r, httperr.BadRequest(err))
		return
	}

	response, err := s.syncSingleDocument(r.Context(), integration, nativeID, req.Document)
	if err != nil {
		s.error(w, r, err)
		return
	}
	s.ok(w, r, response)
}

// syncSingleDocument reconciles exactly one document: an inline payload is
// used as-is, otherwise the document is fetched by id. A document the
// upstream no longer has converges by deletion from the index.
func (s *Server) syncSingleDocument(ctx context.Context, integration database.Integration, nativeID string, inline connector.RawDocument) (SyncDocumentResponse, error) {
	conn, err := s.registry.Get(integration.Type)
	if err != nil {
		return SyncDocumentResponse{}, httperr.BadRequest(err)
	}

	raw := inline
	if raw == nil {
		docs, err := conn.FetchDocuments(ctx, connector.Config(integration.Config), connector.FetchOptions{
			Limit:   1,
			Filters: map[string]string{"id": nativeID},
		})
		if err != nil {
			return SyncDocumentResponse{}, upstreamError(err)
		}
		if len(docs) == 0 {
			if err = s.db.DeleteSyncedDocument(ctx, integration.ID, nativeID); err != nil {
				return SyncDocumentResponse{}, err
			}
			return SyncDocumentResponse{NativeID: nativeID, Deleted: true}, nil
		}
		raw = docs[0]
	}

	// The id check happens before syncOne writes anything: a rejected request
	// must not leave a document behind under the mismatched id.
	docID := conn.DocumentID(connector.Config(integration.Config), raw)
	if docID == "" {
		return SyncDocumentResponse{NativeID: nativeID, Error: "document carries no native id"}, nil
	}
	if docID != nativeID {
		return SyncDocumentResponse{}, httperr.BadRequest(fmt.Errorf("document id %q does not match %q", docID, nativeID))
	}

	if _, err = s.syncOne(ctx, conn, integration, raw); err != nil {
		return SyncDocumentResponse{NativeID: nativeID, Error: err.Error()}, nil
	}
	return SyncDocumentResponse{NativeID: nativeID, Synced: true}, nil
}

func (s *Server) DeleteSyncedDocument(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	if err := s.db.DeleteSyncedDocument(r.Context(), integration.ID, chi.URLParam(r, "nativeID")); err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) GetSyncRuns(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	runs, err := s.db.GetSyncRuns(r.Context(), integration.ID, queryLimit(r))
	if err != nil {
		s.error(w, r, err)
		return
	}

	response := make([]SyncRunResponse, 0, len(runs))
	for _, run := range runs {
		response = append(response, syncRunResponse(run))
	}
	s.ok(w, r, response)
}

func (s *Server) GetSyncRun(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	run, err := s.db.GetSyncRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.error(w, r, httperr.NotFound(ErrSyncRunNotFound))
			return
		}
		s.error(w, r, err)
		return
	}
	if run.IntegrationID != integration.ID {
		s.error(w, r, httperr.NotFound(ErrSyncRunNotFound))
		return
	}

	s.ok(w, r, syncRunResponse(run))
}
