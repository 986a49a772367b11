package connector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/topvine/cmsync/internal/ezhttp"
	"github.com/topvine/cmsync/internal/fieldpath"
)

// Strapi talks to the Strapi v4 REST API. Pagination is page/pageSize, entries
// come wrapped as {data: [{id, attributes}]}.
type Strapi struct {
	client *http.Client
}

type strapiConfig struct {
	BaseURL    string `cfg:"base_url"`
	Token      string `cfg:"token"`
	Collection string `cfg:"collection"`
	// AdminToken enables webhook registration via the admin API.
	AdminToken string `cfg:"admin_token"`
}

func (c strapiConfig) collectionURL() string {
	return fmt.Sprintf("%s/api/%s", strings.TrimSuffix(c.BaseURL, "/"), c.Collection)
}

func (s *Strapi) Type() string {
	return "strapi"
}

func (s *Strapi) TestConnection(ctx context.Context, cfg Config) TestResult {
	var stCfg strapiConfig
	if err := decodeConfig(cfg, &stCfg); err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}
	if stCfg.BaseURL == "" || stCfg.Collection == "" {
		return TestResult{Success: false, Message: "base_url and collection are required"}
	}

	rs, err := s.get(ctx, stCfg, stCfg.collectionURL()+"?pagination[pageSize]=1")
	if err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}
	defer func() {
		_ = rs.Body.Close()
	}()

	if rs.StatusCode < 200 || rs.StatusCode >= 300 {
		return TestResult{Success: false, Message: fmt.Sprintf("upstream returned %d", rs.StatusCode)}
	}
	return TestResult{Success: true, Message: "connected"}
}

func (s *Strapi) FetchDocuments(ctx context.Context, cfg Config, opts FetchOptions) ([]RawDocument, error) {
	var stCfg strapiConfig
	if err := decodeConfig(cfg, &stCfg); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := url.Values{}
	query.Set("pagination[pageSize]", strconv.Itoa(limit))
	query.Set("pagination[page]", strconv.Itoa(opts.Offset/limit+1))
	if !opts.Since.IsZero() {
		query.Set("filters[updatedAt][$gte]", opts.Since.UTC().Format(time.RFC3339))
		query.Set("sort", "updatedAt:desc")
	}
	if id, ok := opts.Filters["id"]; ok {
		query.Set("filters[id][$eq]", id)
	}

	rs, err := s.get(ctx, stCfg, stCfg.collectionURL()+"?"+query.Encode())
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rs.Body.Close()
	}()

	if rs.StatusCode < 200 || rs.StatusCode >= 300 {
		body, _ := io.ReadAll(rs.Body)
		return nil, &FetchError{Status: rs.StatusCode, Message: upstreamMessage(body)}
	}

	var page struct {
		Data []RawDocument `json:"data"`
	}
	if err = json.NewDecoder(rs.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}
	return page.Data, nil
}

func (s *Strapi) AvailableFields(ctx context.Context, cfg Config) ([]Field, error) {
	var stCfg strapiConfig
	if err := decodeConfig(cfg, &stCfg); err != nil {
		return nil, err
	}

	static := []Field{
		{Name: "id", Type: "number", Label: "ID", Required: true},
		{Name: "attributes.title", Type: "string", Label: "Title"},
		{Name: "attributes.content", Type: "string", Label: "Content"},
		{Name: "attributes.createdAt", Type: "string", Label: "Created At"},
		{Name: "attributes.updatedAt", Type: "string", Label: "Updated At"},
	}

	// The content-type builder needs admin access, so schema introspection is
	// derived from one sample entry instead.
	docs, err := s.FetchDocuments(ctx, cfg, FetchOptions{Limit: 1})
	if err != nil || len(docs) == 0 {
		return static, nil
	}
	attrs, ok := fieldpath.Resolve(map[string]any(docs[0]), "attributes")
	attrsMap, isMap := attrs.(map[string]any)
	if !ok || !isMap {
		return static, nil
	}

	fields := []Field{{Name: "id", Type: "number", Label: "ID", Required: true}}
	names := make([]string, 0, len(attrsMap))
	for name := range attrsMap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields, Field{
			Name:  "attributes." + name,
			Type:  jsonTypeName(attrsMap[name]),
			Label: name,
		})
	}
	return fields, nil
}

func (s *Strapi) DocumentID(cfg Config, raw RawDocument) string {
	return stringifyID(raw["id"])
}

// SetupWebhook registers a push subscription via the Strapi admin API. Strapi
// does not issue a signing secret, so one is generated locally and sent as a
// header the upstream echoes back on every delivery.
func (s *Strapi) SetupWebhook(ctx context.Context, cfg Config, webhookURL string) (WebhookConfig, error) {
	var stCfg strapiConfig
	if err := decodeConfig(cfg, &stCfg); err != nil {
		return WebhookConfig{}, err
	}
	if stCfg.AdminToken == "" {
		return WebhookConfig{}, fmt.Errorf("admin_token is required for webhook registration")
	}

	secret, err := NewWebhookSecret()
	if err != nil {
		return WebhookConfig{}, err
	}

	events := []string{"entry.create", "entry.update", "entry.delete", "entry.publish", "entry.unpublish"}
	body, err := json.Marshal(map[string]any{
		"name":    "cmsync",
		"url":     webhookURL,
		"events":  events,
		"headers": map[string]string{ezhttp.HeaderWebhookSignature: secret},
	})
	if err != nil {
		return WebhookConfig{}, err
	}

	endpoint := strings.TrimSuffix(stCfg.BaseURL, "/") + "/admin/webhooks"
	rq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return WebhookConfig{}, err
	}
	rq.Header.Set(ezhttp.HeaderContentType, ezhttp.ContentTypeJSON)
	rq.Header.Set(ezhttp.HeaderAuthorization, "Bearer "+stCfg.AdminToken)

	rs, err := s.client.Do(rq)
	if err != nil {
		return WebhookConfig{}, err
	}
	defer func() {
		_ = rs.Body.Close()
	}()
	if rs.StatusCode < 200 || rs.StatusCode >= 300 {
		respBody, _ := io.ReadAll(rs.Body)
		return WebhookConfig{}, &FetchError{Status: rs.StatusCode, Message: upstreamMessage(respBody)}
	}

	return WebhookConfig{URL: webhookURL, Secret: secret, Events: events}, nil
}

// RemoveWebhook is best-effort: Strapi identifies webhooks by name, so the
// subscription named cmsync is looked up and deleted.
func (s *Strapi) RemoveWebhook(ctx context.Context, cfg Config) error {
	var stCfg strapiConfig
	if err := decodeConfig(cfg, &stCfg); err != nil {
		return err
	}
	if stCfg.AdminToken == "" {
		return nil
	}

	endpoint := strings.TrimSuffix(stCfg.BaseURL, "/") + "/admin/webhooks"
	rq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	rq.Header.Set(ezhttp.HeaderAuthorization, "Bearer "+stCfg.AdminToken)
	rs, err := s.client.Do(rq)
	if err != nil {
		return err
	}
	defer func() {
		_ = rs.Body.Close()
	}()

	var webhooks struct {
		Data []struct {
			ID   any    `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err = json.NewDecoder(rs.Body).Decode(&webhooks); err != nil {
		return err
	}
	for _, hook := range webhooks.Data {
		if hook.Name != "cmsync" {
			continue
		}
		deleteRq, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/%s", endpoint, stringifyID(hook.ID)), nil)
		if err != nil {
			return err
		}
		deleteRq.Header.Set(ezhttp.HeaderAuthorization, "Bearer "+stCfg.AdminToken)
		deleteRs, err := s.client.Do(deleteRq)
		if err != nil {
			return err
		}
		_ = deleteRs.Body.Close()
	}
	return nil
}

// ValidateSignature matches the literal secret header set at registration
// time. Strapi replays custom headers verbatim; there is no payload HMAC.
// The comparison is constant-time like ValidateHMAC's.
func (s *Strapi) ValidateSignature(payload []byte, signature string, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(secret))
}

func (s *Strapi) get(ctx context.Context, cfg strapiConfig, endpoint string) (*http.Response, error) {
	rq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Token != "" {
		rq.Header.Set(ezhttp.HeaderAuthorization, "Bearer "+cfg.Token)
	}
	return s.client.Do(rq)
}

// NewWebhookSecret generates a random hex secret for signing webhook deliveries.
func NewWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}
