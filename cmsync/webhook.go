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

	"github.com/go-chi/chi/v5"
	"github.com/topi314/tint"

	"github.com/topvine/cmsync/cmsync/connector"
	"github.com/topvine/cmsync/cmsync/database"
	"github.com/topvine/cmsync/internal/ezhttp"
	"github.com/topvine/cmsync/internal/fieldpath"
	"github.com/topvine/cmsync/internal/httperr"
)

// Canonical webhook event types. CMS-specific raw types are normalized into
// these before dispatch; unrecognized types pass through and are processed
// with a warning result.
const (
	EventContentCreated     = "content.created"
	EventContentUpdated     = "content.updated"
	EventContentDeleted     = "content.deleted"
	EventContentPublished   = "content.published"
	EventContentUnpublished = "content.unpublished"
)

const (
	resultSynced  = "synced"
	resultDeleted = "deleted"
	resultNoop    = "no index mutation for event type"
	resultUnknown = "unknown event type, no mutation"
	resultNoDocID = "payload carries no document id, no mutation"
)

// PostWebhookEvent is the inbound push surface. Order matters: parse, look up,
// verify, persist, then process — a request rejected before the persist step
// leaves no event row behind.
func (s *Server) PostWebhookEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.error(w, r, err)
		return
	}

	var req WebhookRequest
	if err = json.Unmarshal(body, &req); err != nil {
		s.error(w, r, httperr.BadRequest(fmt.Errorf("malformed webhook body: %w", err)))
		return
	}

	integrationID := chi.URLParam(r, "integrationID")
	if integrationID == "" {
		integrationID = req.IntegrationID
	}
	if integrationID == "" {
		s.error(w, r, httperr.BadRequest(errors.New("integration_id is required")))
		return
	}

	integration, err := s.db.GetIntegration(r.Context(), integrationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.error(w, r, httperr.NotFound(ErrIntegrationNotFound))
			return
		}
		s.error(w, r, err)
		return
	}

	// Forged requests are rejected before persistence so they never show up
	// as real events in the audit trail.
	signature := r.Header.Get(ezhttp.HeaderWebhookSignature)
	if integration.WebhookSecret != "" {
		if !s.validSignature(integration, body, signature) {
			s.error(w, r, httperr.Unauthorized(ErrInvalidSignature))
			return
		}
	} else if signature == "" {
		slog.WarnContext(r.Context(), "accepting unverified webhook event, no secret configured",
			slog.String("integration_id", integration.ID))
	}

	var payload database.JSONMap
	if req.Payload != nil {
		payload = database.JSONMap(req.Payload)
	}
	event, duplicate, err := s.db.CreateWebhookEvent(r.Context(), database.WebhookEvent{
		IntegrationID: integration.ID,
		DeliveryID:    r.Header.Get(ezhttp.HeaderWebhookDelivery),
		EventType:     req.EventType,
		Payload:       payload,
	})
	if err != nil {
		s.error(w, r, err)
		return
	}
	if duplicate {
		s.ok(w, r, WebhookAckResponse{
			Success:        true,
			WebhookEventID: event.ID,
			Duplicate:      true,
			Result:         event.Result,
		})
		return
	}

	result, processErr := s.processWebhookEvent(r.Context(), integration, event)

	// The event is marked processed either way; there is no automatic retry.
	var processErrMsg string
	if processErr != nil {
		processErrMsg = processErr.Error()
	}
	if err = s.db.MarkWebhookEventProcessed(r.Context(), event.ID, result, processErrMsg); err != nil {
		slog.ErrorContext(r.Context(), "failed to mark webhook event processed", tint.Err(err))
	}

	if processErr != nil {
		s.error(w, r, processErr)
		return
	}
	s.ok(w, r, WebhookAckResponse{
		Success:        true,
		WebhookEventID: event.ID,
		Result:         result,
	})
}

// validSignature verifies the raw body against the stored secret, preferring
// the family's own scheme when it has one.
func (s *Server) validSignature(integration database.Integration, body []byte, signature string) bool {
	if conn, err := s.registry.Get(integration.Type); err == nil {
		if validator, ok := conn.(connector.SignatureValidator); ok {
			return validator.ValidateSignature(body, signature, integration.WebhookSecret)
		}
	}
	return connector.ValidateHMAC(body, signature, integration.WebhookSecret)
}

// processWebhookEvent dispatches one durably persisted event. Published and
// unpublished events are acknowledged without touching the index.
func (s *Server) processWebhookEvent(ctx context.Context, integration database.Integration, event database.WebhookEvent) (string, error) {
	logger := slog.Default().With(
		slog.String("integration_id", integration.ID),
		slog.String("event_id", event.ID),
		slog.String("event_type", event.EventType),
	)

	switch normalizeEventType(event.EventType) {
	case EventContentCreated, EventContentUpdated:
		nativeID := payloadDocumentID(event.Payload)
		if nativeID == "" {
			logger.WarnContext(ctx, "webhook payload carries no document id")
			return resultNoDocID, nil
		}
		response, err := s.syncSingleDocument(ctx, integration, nativeID, inlineDocument(event.Payload))
		if err != nil {
			return "", err
		}
		if response.Error != "" {
			return "", errors.New(response.Error)
		}
		if response.Deleted {
			return resultDeleted, nil
		}
		return resultSynced, nil

	case EventContentDeleted:
		nativeID := payloadDocumentID(event.Payload)
		if nativeID == "" {
			logger.WarnContext(ctx, "webhook payload carries no document id")
			return resultNoDocID, nil
		}
		if err := s.db.DeleteSyncedDocument(ctx, integration.ID, nativeID); err != nil {
			return "", err
		}
		return resultDeleted, nil

	case EventContentPublished, EventContentUnpublished:
		return resultNoop, nil

	default:
		logger.WarnContext(ctx, "unknown webhook event type")
		return resultUnknown, nil
	}
}

// normalizeEventType folds CMS-specific raw types (entry.create, post.updated,
// trash, ...) into the canonical vocabulary. Unmatched types are returned
// unchanged.
func normalizeEventType(eventType string) string {
	switch eventType {
	case EventContentCreated, EventContentUpdated, EventContentDeleted, EventContentPublished, EventContentUnpublished:
		return eventType
	}
	lower := strings.ToLower(eventType)
	switch {
	case strings.Contains(lower, "unpublish"):
		return EventContentUnpublished
	case strings.Contains(lower, "publish"):
		return EventContentPublished
	case strings.Contains(lower, "creat"):
		return EventContentCreated
	case strings.Contains(lower, "updat"), strings.Contains(lower, "edit"):
		return EventContentUpdated
	case strings.Contains(lower, "delet"), strings.Contains(lower, "trash"), strings.Contains(lower, "remov"):
		return EventContentDeleted
	}
	return eventType
}

// payloadDocumentID extracts the native id from the common payload shapes:
// top-level id/documentId, Strapi's entry.id and Contentful's sys.id.
func payloadDocumentID(payload database.JSONMap) string {
	for _, path := range []string{"id", "documentId", "document_id", "entry.id", "sys.id"} {
		if v, ok := fieldpath.Resolve(map[string]any(payload), path); ok {
			if id := stringValue(v); id != "" {
				return id
			}
		}
	}
	return ""
}

// inlineDocument returns the embedded document when the payload carries one,
// so the single-document path can skip the upstream fetch.
func inlineDocument(payload database.JSONMap) connector.RawDocument {
	for _, key := range []string{"entry", "document"} {
		if v, ok := payload[key]; ok {
			if doc, ok := v.(map[string]any); ok {
				return connector.RawDocument(doc)
			}
		}
	}
	return nil
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}
