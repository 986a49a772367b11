package cmsync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/topvine/cmsync/cmsync/connector"
	"github.com/topvine/cmsync/cmsync/database"
	"github.com/topvine/cmsync/internal/httperr"
)

func (s *Server) GetIntegrations(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		s.error(w, r, httperr.BadRequest(errors.New("tenant_id is required")))
		return
	}
	integrations, err := s.db.GetIntegrations(r.Context(), tenantID)
	if err != nil {
		s.error(w, r, err)
		return
	}

	response := make([]IntegrationResponse, 0, len(integrations))
	for _, integration := range integrations {
		response = append(response, integrationResponse(integration, 0))
	}
	s.ok(w, r, response)
}

func (s *Server) GetIntegration(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	count, err := s.db.CountSyncedDocuments(r.Context(), integration.ID)
	if err != nil {
		s.error(w, r, err)
		return
	}

	s.ok(w, r, integrationResponse(integration, count))
}

func (s *Server) PostIntegration(w http.ResponseWriter, r *http.Request) {
	var req IntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, r, httperr.BadRequest(err))
		return
	}

	if _, err := s.registry.Get(req.Type); err != nil {
		s.error(w, r, httperr.BadRequest(fmt.Errorf("%w: %q", ErrUnknownConnectorType, req.Type)))
		return
	}
	if req.Name == "" {
		s.error(w, r, httperr.BadRequest(errors.New("name is required")))
		return
	}
	if req.IndexName == "" {
		s.error(w, r, httperr.BadRequest(errors.New("index_name is required")))
		return
	}
	syncMode, err := parseSyncMode(req.SyncMode)
	if err != nil {
		s.error(w, r, httperr.BadRequest(err))
		return
	}
	if err = validateMappings(req.FieldMappings); err != nil {
		s.error(w, r, httperr.BadRequest(err))
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	integration, err := s.db.CreateIntegration(r.Context(), database.Integration{
		TenantID:      req.TenantID,
		Type:          req.Type,
		Name:          req.Name,
		Config:        database.JSONMap(req.Config),
		IndexName:     req.IndexName,
		FieldMappings: req.FieldMappings,
		SyncMode:      syncMode,
		SyncInterval:  req.SyncInterval,
		Active:        active,
	})
	if err != nil {
		s.error(w, r, err)
		return
	}

	s.json(w, r, integrationResponse(integration, 0), http.StatusCreated)
}

func (s *Server) PatchIntegration(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	var req IntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, r, httperr.BadRequest(err))
		return
	}

	// The connector type is fixed at creation; everything downstream keys the
	// synced documents on it.
	if req.Type != "" && req.Type != integration.Type {
		s.error(w, r, httperr.Conflict(ErrTypeImmutable))
		return
	}

	if req.Name != "" {
		integration.Name = req.Name
	}
	if req.Config != nil {
		integration.Config = database.JSONMap(req.Config)
	}
	if req.IndexName != "" {
		integration.IndexName = req.IndexName
	}
	if req.FieldMappings != nil {
		if err := validateMappings(req.FieldMappings); err != nil {
			s.error(w, r, httperr.BadRequest(err))
			return
		}
		integration.FieldMappings = req.FieldMappings
	}
	if req.SyncMode != "" {
		syncMode, err := parseSyncMode(req.SyncMode)
		if err != nil {
			s.error(w, r, httperr.BadRequest(err))
			return
		}
		integration.SyncMode = syncMode
	}
	if req.SyncInterval > 0 {
		integration.SyncInterval = req.SyncInterval
	}
	if req.Active != nil {
		integration.Active = *req.Active
	}

	integration, err := s.db.UpdateIntegration(r.Context(), integration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.error(w, r, httperr.NotFound(ErrIntegrationNotFound))
			return
		}
		s.error(w, r, err)
		return
	}

	s.ok(w, r, integrationResponse(integration, 0))
}

func (s *Server) DeleteIntegration(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	// Unregistering the upstream webhook is best-effort; a dead upstream must
	// not block deletion.
	if integration.WebhookURL != "" {
		if registrar, err := s.webhookRegistrar(integration.Type); err == nil && registrar != nil {
			if err = registrar.RemoveWebhook(r.Context(), connector.Config(integration.Config)); err != nil {
				slog.WarnContext(r.Context(), "failed to remove upstream webhook",
					slog.String("integration_id", integration.ID), slog.Any("err", err))
			}
		}
	}

	if err := s.db.DeleteSyncedDocuments(r.Context(), integration.ID); err != nil {
		s.error(w, r, err)
		return
	}
	if err := s.db.DeleteIntegration(r.Context(), integration.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.error(w, r, httperr.NotFound(ErrIntegrationNotFound))
			return
		}
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) TestIntegration(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	conn, err := s.registry.Get(integration.Type)
	if err != nil {
		s.error(w, r, httperr.BadRequest(err))
		return
	}

	result := conn.TestConnection(r.Context(), connector.Config(integration.Config))
	s.ok(w, r, TestConnectionResponse{
		Success: result.Success,
		Message: result.Message,
	})
}

func (s *Server) GetIntegrationFields(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	conn, err := s.registry.Get(integration.Type)
	if err != nil {
		s.error(w, r, httperr.BadRequest(err))
		return
	}

	fields, err := conn.AvailableFields(r.Context(), connector.Config(integration.Config))
	if err != nil {
		s.error(w, r, upstreamError(err))
		return
	}

	s.ok(w, r, FieldsResponse{Fields: fields})
}

func (s *Server) PostIntegrationWebhook(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	webhookURL := strings.TrimSuffix(s.cfg.PublicURL, "/") + "/webhooks/" + integration.ID

	var webhookCfg connector.WebhookConfig
	registrar, err := s.webhookRegistrar(integration.Type)
	if err != nil {
		s.error(w, r, httperr.BadRequest(err))
		return
	}
	if registrar != nil {
		webhookCfg, err = registrar.SetupWebhook(r.Context(), connector.Config(integration.Config), webhookURL)
		if err != nil {
			s.error(w, r, upstreamError(err))
			return
		}
	} else {
		// The family has no registration API; the secret is issued here and
		// the upstream webhook is configured manually.
		secret, err := connector.NewWebhookSecret()
		if err != nil {
			s.error(w, r, err)
			return
		}
		webhookCfg = connector.WebhookConfig{URL: webhookURL, Secret: secret}
	}

	if err = s.db.SetIntegrationWebhook(r.Context(), integration.ID, webhookCfg.URL, webhookCfg.Secret); err != nil {
		s.error(w, r, err)
		return
	}

	s.json(w, r, WebhookSetupResponse{
		URL:    webhookCfg.URL,
		Secret: webhookCfg.Secret,
		Events: webhookCfg.Events,
	}, http.StatusCreated)
}

func (s *Server) DeleteIntegrationWebhook(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	if registrar, err := s.webhookRegistrar(integration.Type); err == nil && registrar != nil {
		if err = registrar.RemoveWebhook(r.Context(), connector.Config(integration.Config)); err != nil {
			slog.WarnContext(r.Context(), "failed to remove upstream webhook",
				slog.String("integration_id", integration.ID), slog.Any("err", err))
		}
	}

	if err := s.db.SetIntegrationWebhook(r.Context(), integration.ID, "", ""); err != nil {
		s.error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) GetWebhookEvents(w http.ResponseWriter, r *http.Request) {
	integration, ok := s.getIntegration(w, r)
	if !ok {
		return
	}

	events, err := s.db.GetWebhookEvents(r.Context(), integration.ID, queryLimit(r))
	if err != nil {
		s.error(w, r, err)
		return
	}

	response := make([]WebhookEventResponse, 0, len(events))
	for _, event := range events {
		response = append(response, webhookEventResponse(event))
	}
	s.ok(w, r, response)
}

func (s *Server) getIntegration(w http.ResponseWriter, r *http.Request) (database.Integration, bool) {
	integration, err := s.db.GetIntegration(r.Context(), chi.URLParam(r, "integrationID"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.error(w, r, httperr.NotFound(ErrIntegrationNotFound))
			return database.Integration{}, false
		}
		s.error(w, r, err)
		return database.Integration{}, false
	}
	return integration, true
}

// webhookRegistrar returns the family's registrar capability, or nil when the
// family does not support webhook registration.
func (s *Server) webhookRegistrar(connectorType string) (connector.WebhookRegistrar, error) {
	conn, err := s.registry.Get(connectorType)
	if err != nil {
		return nil, err
	}
	registrar, _ := conn.(connector.WebhookRegistrar)
	return registrar, nil
}

func parseSyncMode(mode string) (database.SyncMode, error) {
	if mode == "" {
		return database.SyncModeManual, nil
	}
	switch m := database.SyncMode(mode); m {
	case database.SyncModeManual, database.SyncModeScheduled, database.SyncModeWebhook, database.SyncModeIncremental:
		return m, nil
	default:
		return "", fmt.Errorf("invalid sync_mode %q", mode)
	}
}

func validateMappings(mappings []connector.Mapping) error {
	for i, mapping := range mappings {
		if mapping.Source == "" {
			return fmt.Errorf("field_mappings[%d]: source_field is required", i)
		}
		if mapping.Target == "" {
			return fmt.Errorf("field_mappings[%d]: target_field is required", i)
		}
	}
	return nil
}

// upstreamError maps a connector fetch failure to a 502 so callers can tell
// upstream trouble from our own.
func upstreamError(err error) error {
	var fetchErr *connector.FetchError
	if errors.As(err, &fetchErr) {
		return httperr.New(err, http.StatusBadGateway)
	}
	return err
}

func queryLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return limit
}
