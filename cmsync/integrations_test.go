package cmsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topvine/cmsync/cmsync/connector"
	"github.com/topvine/cmsync/cmsync/database"
)

func doJSON(t *testing.T, handler http.Handler, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPostIntegration(t *testing.T) {
	db := newFakeStore()
	s := newTestServer(db)
	s.registry.Register(&fakeConnector{})
	handler := s.Routes()

	t.Run("created with defaults", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/integrations", IntegrationRequest{
			Type:      "fake",
			Name:      "docs",
			IndexName: "docs-idx",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var response IntegrationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.NotEmpty(t, response.ID)
		assert.True(t, response.Active)
		assert.Equal(t, string(database.SyncModeManual), response.SyncMode)
		assert.False(t, response.WebhookSecretSet)
	})

	t.Run("unknown connector type", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/integrations", IntegrationRequest{
			Type:      "drupal",
			Name:      "docs",
			IndexName: "docs-idx",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing name", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/integrations", IntegrationRequest{
			Type:      "fake",
			IndexName: "docs-idx",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid sync mode", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/integrations", IntegrationRequest{
			Type:      "fake",
			Name:      "docs",
			IndexName: "docs-idx",
			SyncMode:  "sometimes",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("mapping without target", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/integrations", IntegrationRequest{
			Type:          "fake",
			Name:          "docs",
			IndexName:     "docs-idx",
			FieldMappings: database.Mappings{{Source: "title"}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetIntegrations(t *testing.T) {
	db := newFakeStore()
	s := newTestServer(db)
	s.registry.Register(&fakeConnector{})
	handler := s.Routes()

	for _, tenant := range []string{"acme", "acme", "globex"} {
		rec := doJSON(t, handler, http.MethodPost, "/integrations", IntegrationRequest{
			TenantID:  tenant,
			Type:      "fake",
			Name:      "docs",
			IndexName: "docs-idx",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	t.Run("tenant_id is required", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/integrations", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	})

	t.Run("scoped to the tenant", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/integrations?tenant_id=acme", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var response []IntegrationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		require.Len(t, response, 2)
		for _, integration := range response {
			assert.Equal(t, "acme", integration.TenantID)
		}
	})

	t.Run("unknown tenant yields an empty list", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/integrations?tenant_id=initech", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})
}

func TestIntegrationConfigMasking(t *testing.T) {
	db := newFakeStore()
	s := newTestServer(db)
	s.registry.Register(&fakeConnector{})
	handler := s.Routes()

	rec := doJSON(t, handler, http.MethodPost, "/integrations", IntegrationRequest{
		TenantID:  "acme",
		Type:      "fake",
		Name:      "docs",
		IndexName: "docs-idx",
		Config: connector.Config{
			"url":       "https://cms.example.com",
			"api_token": "tok-s3cret-value",
			"page_size": float64(50),
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created IntegrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	get := doJSON(t, handler, http.MethodGet, "/integrations/"+created.ID, nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.NotContains(t, get.Body.String(), "tok-s3cret-value")

	var read IntegrationResponse
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &read))
	assert.Equal(t, strings.Repeat("*", len("tok-s3cret-value")), read.Config["api_token"])
	assert.Equal(t, "https://cms.example.com", read.Config["url"], "non-credential values pass through")
	assert.Equal(t, float64(50), read.Config["page_size"])

	// the stored config keeps the real credential
	stored, err := db.GetIntegration(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-s3cret-value", stored.Config["api_token"])
}

func TestPatchIntegration(t *testing.T) {
	db := newFakeStore()
	s := newTestServer(db)
	s.registry.Register(&fakeConnector{})
	handler := s.Routes()
	integration := seedIntegration(t, db)

	t.Run("type is immutable", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPatch, "/integrations/"+integration.ID, IntegrationRequest{Type: "wordpress"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("partial update keeps the rest", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPatch, "/integrations/"+integration.ID, IntegrationRequest{Name: "renamed"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var response IntegrationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.Equal(t, "renamed", response.Name)
		assert.Equal(t, integration.IndexName, response.IndexName)
		assert.Equal(t, integration.Type, response.Type)
	})

	t.Run("deactivation via explicit false", func(t *testing.T) {
		inactive := false
		rec := doJSON(t, handler, http.MethodPatch, "/integrations/"+integration.ID, IntegrationRequest{Active: &inactive})
		require.Equal(t, http.StatusOK, rec.Code)

		var response IntegrationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
		assert.False(t, response.Active)
	})

	t.Run("unknown integration", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPatch, "/integrations/nope", IntegrationRequest{Name: "x"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDeleteIntegration(t *testing.T) {
	ctx := context.Background()
	db := newFakeStore()
	s := newTestServer(db)
	s.registry.Register(&fakeConnector{})
	handler := s.Routes()
	integration := seedIntegration(t, db)

	require.NoError(t, db.UpsertSyncedDocument(ctx, database.SyncedDocument{
		IntegrationID: integration.ID,
		NativeID:      "1",
		IndexName:     integration.IndexName,
		ContentHash:   "h",
	}))

	rec := doJSON(t, handler, http.MethodDelete, "/integrations/"+integration.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := db.GetIntegration(ctx, integration.ID)
	assert.Error(t, err, "integration gone")

	count, err := db.CountSyncedDocuments(ctx, integration.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "synced documents go with the integration")
}

func TestPostIntegrationWebhook(t *testing.T) {
	ctx := context.Background()
	db := newFakeStore()
	s := newTestServer(db)
	s.registry.Register(&fakeConnector{})
	handler := s.Routes()
	integration := seedIntegration(t, db)

	rec := doJSON(t, handler, http.MethodPost, "/integrations/"+integration.ID+"/webhook", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var response WebhookSetupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "http://cmsync.test/webhooks/"+integration.ID, response.URL)
	assert.Len(t, response.Secret, 64)

	stored, err := db.GetIntegration(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, response.Secret, stored.WebhookSecret)

	// the secret never leaks through the read surface
	get := doJSON(t, handler, http.MethodGet, "/integrations/"+integration.ID, nil)
	require.Equal(t, http.StatusOK, get.Code)
	var read IntegrationResponse
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &read))
	assert.True(t, read.WebhookSecretSet)
	assert.NotContains(t, get.Body.String(), response.Secret)

	t.Run("remove clears url and secret", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodDelete, "/integrations/"+integration.ID+"/webhook", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		stored, err := db.GetIntegration(ctx, integration.ID)
		require.NoError(t, err)
		assert.Empty(t, stored.WebhookSecret)
		assert.Empty(t, stored.WebhookURL)
	})
}

func TestGetIntegrationNotFound(t *testing.T) {
	db := newFakeStore()
	s := newTestServer(db)
	handler := s.Routes()

	rec := doJSON(t, handler, http.MethodGet, "/integrations/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
