package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncOutcome is one per-document result inside a run.
type SyncOutcome struct {
	DocumentID string `json:"document_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

type SyncOutcomes []SyncOutcome

func (o SyncOutcomes) Value() (driver.Value, error) {
	if o == nil {
		return "[]", nil
	}
	b, err := json.Marshal(o)
	return string(b), err
}

func (o *SyncOutcomes) Scan(src any) error {
	return scanJSON(src, o)
}

type SyncCounts struct {
	Fetched int
	Synced  int
	Failed  int
}

// TerminalStatus classifies finished counts: partial when some documents
// failed and some synced, failed when nothing synced despite attempts,
// success otherwise.
func (c SyncCounts) TerminalStatus() SyncStatus {
	switch {
	case c.Failed > 0 && c.Synced > 0:
		return SyncStatusPartial
	case c.Failed > 0:
		return SyncStatusFailed
	default:
		return SyncStatusSuccess
	}
}

type SyncRun struct {
	ID               string       `db:"id"`
	IntegrationID    string       `db:"integration_id"`
	Mode             string       `db:"mode"`
	Status           SyncStatus   `db:"status"`
	StartedAt        time.Time    `db:"started_at"`
	CompletedAt      NullTime     `db:"completed_at"`
	DocumentsFetched int          `db:"documents_fetched"`
	DocumentsSynced  int          `db:"documents_synced"`
	DocumentsFailed  int          `db:"documents_failed"`
	Error            string       `db:"error"`
	Outcomes         SyncOutcomes `db:"outcomes"`
}

func (d *DB) CreateSyncRun(ctx context.Context, integrationID string, mode string) (SyncRun, error) {
	run := SyncRun{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		Mode:          mode,
		Status:        SyncStatusPending,
		StartedAt:     time.Now(),
	}
	_, err := d.dbx.NamedExecContext(ctx, `
		INSERT INTO sync_runs (id, integration_id, mode, status, started_at, completed_at, documents_fetched, documents_synced, documents_failed, error, outcomes)
		VALUES (:id, :integration_id, :mode, :status, :started_at, :completed_at, :documents_fetched, :documents_synced, :documents_failed, :error, :outcomes)`,
		run)
	return run, err
}

func (d *DB) MarkSyncRunRunning(ctx context.Context, id string) error {
	res, err := d.dbx.ExecContext(ctx, "UPDATE sync_runs SET status = 'running' WHERE id = $1 AND status = 'pending'", id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CompleteSyncRun writes the terminal state. The status guard keeps terminal
// states immutable.
func (d *DB) CompleteSyncRun(ctx context.Context, id string, status SyncStatus, counts SyncCounts, errMsg string, outcomes []SyncOutcome) error {
	res, err := d.dbx.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = $1, completed_at = $2, documents_fetched = $3, documents_synced = $4, documents_failed = $5, error = $6, outcomes = $7
		WHERE id = $8 AND status IN ('pending', 'running')`,
		status, time.Now(), counts.Fetched, counts.Synced, counts.Failed, errMsg, SyncOutcomes(outcomes), id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (d *DB) GetSyncRun(ctx context.Context, id string) (SyncRun, error) {
	var run SyncRun
	err := d.dbx.GetContext(ctx, &run, "SELECT * FROM sync_runs WHERE id = $1", id)
	return run, err
}

func (d *DB) GetSyncRuns(ctx context.Context, integrationID string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []SyncRun
	err := d.dbx.SelectContext(ctx, &runs, "SELECT * FROM sync_runs WHERE integration_id = $1 ORDER BY started_at DESC LIMIT $2", integrationID, limit)
	return runs, err
}

// ReclaimStaleRuns fails runs stuck in running longer than olderThan; they are
// orphans of a terminated process.
func (d *DB) ReclaimStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := d.dbx.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = 'failed', completed_at = $1, error = 'run exceeded liveness timeout'
		WHERE status IN ('pending', 'running') AND started_at < $2`,
		time.Now(), time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
