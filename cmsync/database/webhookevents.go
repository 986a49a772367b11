package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type WebhookEvent struct {
	ID              string    `db:"id"`
	IntegrationID   string    `db:"integration_id"`
	DeliveryID      string    `db:"delivery_id"`
	EventType       string    `db:"event_type"`
	Payload         JSONMap   `db:"payload"`
	ReceivedAt      time.Time `db:"received_at"`
	Processed       bool      `db:"processed"`
	ProcessedAt     NullTime  `db:"processed_at"`
	Result          string    `db:"result"`
	ProcessingError string    `db:"processing_error"`
}

// CreateWebhookEvent durably persists an inbound event before any processing
// happens. When the upstream supplies a delivery id, a redelivery of the same
// id returns the stored event with duplicate = true instead of a new row.
func (d *DB) CreateWebhookEvent(ctx context.Context, event WebhookEvent) (WebhookEvent, bool, error) {
	event.ID = uuid.NewString()
	event.ReceivedAt = time.Now()
	event.Processed = false

	res, err := d.dbx.NamedExecContext(ctx, `
		INSERT INTO webhook_events (id, integration_id, delivery_id, event_type, payload, received_at, processed, processed_at, result, processing_error)
		VALUES (:id, :integration_id, :delivery_id, :event_type, :payload, :received_at, :processed, :processed_at, :result, :processing_error)
		ON CONFLICT DO NOTHING`,
		event)
	if err != nil {
		return WebhookEvent{}, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return WebhookEvent{}, false, err
	}
	if rows == 0 {
		existing, err := d.getWebhookEventByDelivery(ctx, event.IntegrationID, event.DeliveryID)
		return existing, true, err
	}
	return event, false, nil
}

func (d *DB) getWebhookEventByDelivery(ctx context.Context, integrationID string, deliveryID string) (WebhookEvent, error) {
	var event WebhookEvent
	err := d.dbx.GetContext(ctx, &event, "SELECT * FROM webhook_events WHERE integration_id = $1 AND delivery_id = $2", integrationID, deliveryID)
	return event, err
}

// MarkWebhookEventProcessed records the single processing attempt. Events are
// marked processed even on failure; there is no automatic retry.
func (d *DB) MarkWebhookEventProcessed(ctx context.Context, id string, result string, processingError string) error {
	res, err := d.dbx.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = TRUE, processed_at = $1, result = $2, processing_error = $3
		WHERE id = $4`,
		time.Now(), result, processingError, id)
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

func (d *DB) GetWebhookEvent(ctx context.Context, id string) (WebhookEvent, error) {
	var event WebhookEvent
	err := d.dbx.GetContext(ctx, &event, "SELECT * FROM webhook_events WHERE id = $1", id)
	return event, err
}

func (d *DB) GetWebhookEvents(ctx context.Context, integrationID string, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []WebhookEvent
	err := d.dbx.SelectContext(ctx, &events, "SELECT * FROM webhook_events WHERE integration_id = $1 ORDER BY received_at DESC LIMIT $2", integrationID, limit)
	return events, err
}
