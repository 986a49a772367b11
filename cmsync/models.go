package cmsync

import (
	"strings"
	"time"

	"github.com/topvine/cmsync/cmsync/connector"
	"github.com/topvine/cmsync/cmsync/database"
)

type (
	IntegrationRequest struct {
		TenantID      string              `json:"tenant_id"`
		Type          string              `json:"type"`
		Name          string              `json:"name"`
		Config        connector.Config    `json:"config"`
		IndexName     string              `json:"index_name"`
		FieldMappings []connector.Mapping `json:"field_mappings"`
		SyncMode      string              `json:"sync_mode"`
		SyncInterval  int64               `json:"sync_interval"`
		Active        *bool               `json:"active"`
	}

	IntegrationResponse struct {
		ID                string              `json:"id"`
		TenantID          string              `json:"tenant_id"`
		Type              string              `json:"type"`
		Name              string              `json:"name"`
		Config            connector.Config    `json:"config"`
		IndexName         string              `json:"index_name"`
		FieldMappings     []connector.Mapping `json:"field_mappings"`
		SyncMode          string              `json:"sync_mode"`
		SyncInterval      int64               `json:"sync_interval"`
		Active            bool                `json:"active"`
		WebhookURL        string              `json:"webhook_url,omitempty"`
		WebhookSecretSet  bool                `json:"webhook_secret_set"`
		LastSyncStatus    string              `json:"last_sync_status,omitempty"`
		LastSyncAt        *time.Time          `json:"last_sync_at,omitempty"`
		LastSyncDocuments int                 `json:"last_sync_documents"`
		DocumentCount     int                 `json:"document_count,omitempty"`
		CreatedAt         time.Time           `json:"created_at"`
		UpdatedAt         time.Time           `json:"updated_at"`
	}

	TestConnectionResponse struct {
		Success bool   `json:"success"`
		Message string `json:"message,omitempty"`
	}

	FieldsResponse struct {
		Fields []connector.Field `json:"fields"`
	}

	SyncRequest struct {
		// Full forces a full reconciliation even on incremental integrations.
		Full bool `json:"full"`
	}

	SyncRunResponse struct {
		ID               string                 `json:"id"`
		IntegrationID    string                 `json:"integration_id"`
		Mode             string                 `json:"mode"`
		Status           string                 `json:"status"`
		StartedAt        time.Time              `json:"started_at"`
		CompletedAt      *time.Time             `json:"completed_at,omitempty"`
		DocumentsFetched int                    `json:"documents_fetched"`
		DocumentsSynced  int                    `json:"documents_synced"`
		DocumentsFailed  int                    `json:"documents_failed"`
		Error            string                 `json:"error,omitempty"`
		Outcomes         []database.SyncOutcome `json:"outcomes,omitempty"`
	}

	SyncDocumentRequest struct {
		// Document inlines the upstream payload; when absent the document is
		// fetched from upstream by its native id.
		Document connector.RawDocument `json:"document,omitempty"`
	}

	SyncDocumentResponse struct {
		NativeID string `json:"native_id"`
		Synced   bool   `json:"synced"`
		Deleted  bool   `json:"deleted,omitempty"`
		Error    string `json:"error,omitempty"`
	}

	WebhookSetupResponse struct {
		URL string `json:"url"`
		// Secret is only ever returned here, at setup time.
		Secret string   `json:"secret"`
		Events []string `json:"events,omitempty"`
	}

	WebhookEventResponse struct {
		ID              string     `json:"id"`
		IntegrationID   string     `json:"integration_id"`
		DeliveryID      string     `json:"delivery_id,omitempty"`
		EventType       string     `json:"event_type"`
		ReceivedAt      time.Time  `json:"received_at"`
		Processed       bool       `json:"processed"`
		ProcessedAt     *time.Time `json:"processed_at,omitempty"`
		Result          string     `json:"result,omitempty"`
		ProcessingError string     `json:"processing_error,omitempty"`
	}

	WebhookRequest struct {
		IntegrationID string                `json:"integration_id"`
		EventType     string                `json:"event_type"`
		Payload       connector.RawDocument `json:"payload"`
	}

	WebhookAckResponse struct {
		Success        bool   `json:"success"`
		WebhookEventID string `json:"webhook_event_id"`
		Duplicate      bool   `json:"duplicate,omitempty"`
		Result         string `json:"result"`
	}
)

func integrationResponse(integration database.Integration, documentCount int) IntegrationResponse {
	var lastSyncAt *time.Time
	if integration.LastSyncAt.Valid {
		t := integration.LastSyncAt.Time
		lastSyncAt = &t
	}
	return IntegrationResponse{
		ID:                integration.ID,
		TenantID:          integration.TenantID,
		Type:              integration.Type,
		Name:              integration.Name,
		Config:            maskedConfig(connector.Config(integration.Config)),
		IndexName:         integration.IndexName,
		FieldMappings:     integration.FieldMappings,
		SyncMode:          string(integration.SyncMode),
		SyncInterval:      integration.SyncInterval,
		Active:            integration.Active,
		WebhookURL:        integration.WebhookURL,
		WebhookSecretSet:  integration.WebhookSecret != "",
		LastSyncStatus:    integration.LastSyncStatus,
		LastSyncAt:        lastSyncAt,
		LastSyncDocuments: integration.LastSyncDocuments,
		DocumentCount:     documentCount,
		CreatedAt:         integration.CreatedAt,
		UpdatedAt:         integration.UpdatedAt,
	}
}

// maskedConfig hides credential values on the read surface. Updates replace
// the config wholesale, so the masked echo never round-trips into storage.
func maskedConfig(cfg connector.Config) connector.Config {
	if cfg == nil {
		return nil
	}
	masked := make(connector.Config, len(cfg))
	for key, value := range cfg {
		if s, ok := value.(string); ok && credentialKey(key) {
			masked[key] = strings.Repeat("*", len(s))
			continue
		}
		masked[key] = value
	}
	return masked
}

func credentialKey(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range []string{"password", "token", "secret", "key"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func syncRunResponse(run database.SyncRun) SyncRunResponse {
	var completedAt *time.Time
	if run.CompletedAt.Valid {
		t := run.CompletedAt.Time
		completedAt = &t
	}
	return SyncRunResponse{
		ID:               run.ID,
		IntegrationID:    run.IntegrationID,
		Mode:             run.Mode,
		Status:           string(run.Status),
		StartedAt:        run.StartedAt,
		CompletedAt:      completedAt,
		DocumentsFetched: run.DocumentsFetched,
		DocumentsSynced:  run.DocumentsSynced,
		DocumentsFailed:  run.DocumentsFailed,
		Error:            run.Error,
		Outcomes:         run.Outcomes,
	}
}

func webhookEventResponse(event database.WebhookEvent) WebhookEventResponse {
	var processedAt *time.Time
	if event.ProcessedAt.Valid {
		t := event.ProcessedAt.Time
		processedAt = &t
	}
	return WebhookEventResponse{
		ID:              event.ID,
		IntegrationID:   event.IntegrationID,
		DeliveryID:      event.DeliveryID,
		EventType:       event.EventType,
		ReceivedAt:      event.ReceivedAt,
		Processed:       event.Processed,
		ProcessedAt:     processedAt,
		Result:          event.Result,
		ProcessingError: event.ProcessingError,
	}
}
