package database

import (
	"context"
	"time"
)

// SyncedDocument is the canonical representation written to the target index,
// keyed by (integration id, upstream native id).
type SyncedDocument struct {
	IntegrationID string    `db:"integration_id"`
	NativeID      string    `db:"native_id"`
	IndexName     string    `db:"index_name"`
	Fields        JSONMap   `db:"fields"`
	ContentHash   string    `db:"content_hash"`
	LastSyncedAt  time.Time `db:"last_synced_at"`
}

// UpsertSyncedDocument writes a document into the index. Re-syncing identical
// content is a no-op: the conflict update is guarded on the content hash so an
// unchanged document keeps its last_synced_at.
func (d *DB) UpsertSyncedDocument(ctx context.Context, doc SyncedDocument) error {
	doc.LastSyncedAt = time.Now()
	_, err := d.dbx.NamedExecContext(ctx, `
		INSERT INTO synced_documents (integration_id, native_id, index_name, fields, content_hash, last_synced_at)
		VALUES (:integration_id, :native_id, :index_name, :fields, :content_hash, :last_synced_at)
		ON CONFLICT (integration_id, native_id) DO UPDATE
		SET index_name = excluded.index_name, fields = excluded.fields, content_hash = excluded.content_hash, last_synced_at = excluded.last_synced_at
		WHERE synced_documents.content_hash <> excluded.content_hash`,
		doc)
	return err
}

// DeleteSyncedDocument removes exactly the document with the composite key.
// Deleting an absent document is not an error.
func (d *DB) DeleteSyncedDocument(ctx context.Context, integrationID string, nativeID string) error {
	_, err := d.dbx.ExecContext(ctx, "DELETE FROM synced_documents WHERE integration_id = $1 AND native_id = $2", integrationID, nativeID)
	return err
}

func (d *DB) GetSyncedDocument(ctx context.Context, integrationID string, nativeID string) (SyncedDocument, error) {
	var doc SyncedDocument
	err := d.dbx.GetContext(ctx, &doc, "SELECT * FROM synced_documents WHERE integration_id = $1 AND native_id = $2", integrationID, nativeID)
	return doc, err
}

// DeleteSyncedDocuments clears an integration's slice of the index, used when
// the integration itself is deleted.
func (d *DB) DeleteSyncedDocuments(ctx context.Context, integrationID string) error {
	_, err := d.dbx.ExecContext(ctx, "DELETE FROM synced_documents WHERE integration_id = $1", integrationID)
	return err
}

func (d *DB) CountSyncedDocuments(ctx context.Context, integrationID string) (int, error) {
	var count int
	err := d.dbx.GetContext(ctx, &count, "SELECT COUNT(*) FROM synced_documents WHERE integration_id = $1", integrationID)
	return count, err
}
