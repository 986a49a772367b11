package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/topvine/cmsync/cmsync/connector"
)

type SyncMode string

const (
	SyncModeManual      SyncMode = "manual"
	SyncModeScheduled   SyncMode = "scheduled"
	SyncModeWebhook     SyncMode = "webhook"
	SyncModeIncremental SyncMode = "incremental"
)

// Mappings stores the ordered field mapping list as a JSON column.
type Mappings []connector.Mapping

func (m Mappings) Value() (driver.Value, error) {
	if m == nil {
		return "[]", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *Mappings) Scan(src any) error {
	return scanJSON(src, m)
}

type Integration struct {
	ID                string    `db:"id"`
	TenantID          string    `db:"tenant_id"`
	Type              string    `db:"type"`
	Name              string    `db:"name"`
	Config            JSONMap   `db:"config"`
	IndexName         string    `db:"index_name"`
	FieldMappings     Mappings  `db:"field_mappings"`
	SyncMode          SyncMode  `db:"sync_mode"`
	SyncInterval      int64     `db:"sync_interval"` // seconds, scheduled mode only
	Active            bool      `db:"active"`
	WebhookSecret     string    `db:"webhook_secret"`
	WebhookURL        string    `db:"webhook_url"`
	LastSyncStatus    string    `db:"last_sync_status"`
	LastSyncAt        NullTime  `db:"last_sync_at"`
	LastSyncDocuments int       `db:"last_sync_documents"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (d *DB) CreateIntegration(ctx context.Context, integration Integration) (Integration, error) {
	now := time.Now()
	integration.ID = uuid.NewString()
	integration.CreatedAt = now
	integration.UpdatedAt = now
	_, err := d.dbx.NamedExecContext(ctx, `
		INSERT INTO integrations (id, tenant_id, type, name, config, index_name, field_mappings, sync_mode, sync_interval, active, webhook_secret, webhook_url, last_sync_status, last_sync_at, last_sync_documents, created_at, updated_at)
		VALUES (:id, :tenant_id, :type, :name, :config, :index_name, :field_mappings, :sync_mode, :sync_interval, :active, :webhook_secret, :webhook_url, :last_sync_status, :last_sync_at, :last_sync_documents, :created_at, :updated_at)`,
		integration)
	return integration, err
}

func (d *DB) GetIntegration(ctx context.Context, id string) (Integration, error) {
	var integration Integration
	err := d.dbx.GetContext(ctx, &integration, "SELECT * FROM integrations WHERE id = $1", id)
	return integration, err
}

func (d *DB) GetIntegrations(ctx context.Context, tenantID string) ([]Integration, error) {
	var integrations []Integration
	err := d.dbx.SelectContext(ctx, &integrations, "SELECT * FROM integrations WHERE tenant_id = $1 ORDER BY created_at", tenantID)
	return integrations, err
}

func (d *DB) UpdateIntegration(ctx context.Context, integration Integration) (Integration, error) {
	integration.UpdatedAt = time.Now()
	res, err := d.dbx.NamedExecContext(ctx, `
		UPDATE integrations
		SET name = :name, config = :config, index_name = :index_name, field_mappings = :field_mappings, sync_mode = :sync_mode, sync_interval = :sync_interval, active = :active, updated_at = :updated_at
		WHERE id = :id`,
		integration)
	if err != nil {
		return Integration{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Integration{}, err
	}
	if rows == 0 {
		return Integration{}, sql.ErrNoRows
	}
	return integration, nil
}

func (d *DB) DeleteIntegration(ctx context.Context, id string) error {
	res, err := d.dbx.ExecContext(ctx, "DELETE FROM integrations WHERE id = $1", id)
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

// SetIntegrationWebhook stores the secret issued at webhook registration. The
// secret is write-only from the API's point of view.
func (d *DB) SetIntegrationWebhook(ctx context.Context, id string, url string, secret string) error {
	_, err := d.dbx.ExecContext(ctx, "UPDATE integrations SET webhook_url = $1, webhook_secret = $2, updated_at = $3 WHERE id = $4", url, secret, time.Now(), id)
	return err
}

// UpdateIntegrationLastSync denormalizes the latest run summary onto the
// integration for quick display.
func (d *DB) UpdateIntegrationLastSync(ctx context.Context, id string, status string, at time.Time, documents int) error {
	_, err := d.dbx.ExecContext(ctx, "UPDATE integrations SET last_sync_status = $1, last_sync_at = $2, last_sync_documents = $3 WHERE id = $4", status, at, documents, id)
	return err
}

// GetDueIntegrations returns active scheduled or incremental integrations
// whose interval has elapsed since their last sync.
func (d *DB) GetDueIntegrations(ctx context.Context, now time.Time) ([]Integration, error) {
	var integrations []Integration
	err := d.dbx.SelectContext(ctx, &integrations, `
		SELECT * FROM integrations
		WHERE active = TRUE
		  AND sync_mode IN ('scheduled', 'incremental')
		  AND sync_interval > 0
		  AND (last_sync_at IS NULL OR last_sync_at <= $1)`,
		now)
	if err != nil {
		return nil, err
	}

	due := integrations[:0]
	for _, integration := range integrations {
		if !integration.LastSyncAt.Valid || now.Sub(integration.LastSyncAt.Time) >= time.Duration(integration.SyncInterval)*time.Second {
			due = append(due, integration)
		}
	}
	return due, nil
}
