package connector

import (
	"bytes"
	"context"
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

// Custom is the fully generic REST connector: every endpoint shape, parameter
// name and payload path comes from the stored configuration.
type Custom struct {
	client *http.Client
}

type customConfig struct {
	BaseURL       string            `cfg:"base_url"`
	DocumentsPath string            `cfg:"documents_path"`
	Headers       map[string]string `cfg:"headers"`
	Token         string            `cfg:"token"`

	// ItemsPath points at the document array inside the response body; empty
	// means the body is the array itself.
	ItemsPath string `cfg:"items_path"`
	IDField   string `cfg:"id_field"`

	LimitParam  string `cfg:"limit_param"`
	OffsetParam string `cfg:"offset_param"`
	// UpdatedParam enables incremental sync; without it the connector cannot
	// filter by modification time and Since is ignored.
	UpdatedParam string `cfg:"updated_param"`

	// WebhookPath enables webhook registration via POST {base_url}{webhook_path}.
	WebhookPath string `cfg:"webhook_path"`
}

func (c customConfig) documentsPath() string {
	if c.DocumentsPath == "" {
		return "/documents"
	}
	return c.DocumentsPath
}

func (c customConfig) idField() string {
	if c.IDField == "" {
		return "id"
	}
	return c.IDField
}

func (c customConfig) limitParam() string {
	if c.LimitParam == "" {
		return "limit"
	}
	return c.LimitParam
}

func (c customConfig) offsetParam() string {
	if c.OffsetParam == "" {
		return "offset"
	}
	return c.OffsetParam
}

func (c *Custom) Type() string {
	return "custom"
}

// SupportsIncremental reports whether the stored configuration names a
// modified-since parameter.
func (c *Custom) SupportsIncremental(cfg Config) bool {
	var cuCfg customConfig
	if err := decodeConfig(cfg, &cuCfg); err != nil {
		return false
	}
	return cuCfg.UpdatedParam != ""
}

func (c *Custom) TestConnection(ctx context.Context, cfg Config) TestResult {
	var cuCfg customConfig
	if err := decodeConfig(cfg, &cuCfg); err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}
	if cuCfg.BaseURL == "" {
		return TestResult{Success: false, Message: "base_url is required"}
	}

	endpoint := strings.TrimSuffix(cuCfg.BaseURL, "/") + cuCfg.documentsPath()
	rs, err := c.get(ctx, cuCfg, endpoint+"?"+cuCfg.limitParam()+"=1")
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

func (c *Custom) FetchDocuments(ctx context.Context, cfg Config, opts FetchOptions) ([]RawDocument, error) {
	var cuCfg customConfig
	if err := decodeConfig(cfg, &cuCfg); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := url.Values{}
	query.Set(cuCfg.limitParam(), strconv.Itoa(limit))
	query.Set(cuCfg.offsetParam(), strconv.Itoa(opts.Offset))
	if !opts.Since.IsZero() && cuCfg.UpdatedParam != "" {
		query.Set(cuCfg.UpdatedParam, opts.Since.UTC().Format(time.RFC3339))
	}
	if id, ok := opts.Filters["id"]; ok {
		query.Set(cuCfg.idField(), id)
	}

	endpoint := strings.TrimSuffix(cuCfg.BaseURL, "/") + cuCfg.documentsPath() + "?" + query.Encode()
	rs, err := c.get(ctx, cuCfg, endpoint)
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

	var body any
	if err = json.NewDecoder(rs.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode documents: %w", err)
	}

	items := body
	if cuCfg.ItemsPath != "" {
		var ok bool
		items, ok = fieldpath.Resolve(body, cuCfg.ItemsPath)
		if !ok {
			return nil, fmt.Errorf("items_path %q not found in response", cuCfg.ItemsPath)
		}
	}
	list, ok := items.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a document array, got %T", items)
	}

	docs := make([]RawDocument, 0, len(list))
	for _, item := range list {
		doc, isMap := item.(map[string]any)
		if !isMap {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (c *Custom) AvailableFields(ctx context.Context, cfg Config) ([]Field, error) {
	docs, err := c.FetchDocuments(ctx, cfg, FetchOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return []Field{{Name: "id", Type: "string", Label: "ID", Required: true}}, nil
	}

	names := make([]string, 0, len(docs[0]))
	for name := range docs[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, Field{
			Name:  name,
			Type:  jsonTypeName(docs[0][name]),
			Label: name,
		})
	}
	return fields, nil
}

func (c *Custom) DocumentID(cfg Config, raw RawDocument) string {
	var cuCfg customConfig
	if err := decodeConfig(cfg, &cuCfg); err != nil {
		return ""
	}
	// The id field may itself be a nested path.
	id, ok := fieldpath.Resolve(map[string]any(raw), cuCfg.idField())
	if !ok {
		return ""
	}
	return stringifyID(id)
}

// SetupWebhook posts a subscription request to the configured webhook path and
// signs future deliveries with a locally generated secret.
func (c *Custom) SetupWebhook(ctx context.Context, cfg Config, webhookURL string) (WebhookConfig, error) {
	var cuCfg customConfig
	if err := decodeConfig(cfg, &cuCfg); err != nil {
		return WebhookConfig{}, err
	}
	if cuCfg.WebhookPath == "" {
		return WebhookConfig{}, fmt.Errorf("webhook_path is required for webhook registration")
	}

	secret, err := NewWebhookSecret()
	if err != nil {
		return WebhookConfig{}, err
	}

	events := []string{"content.created", "content.updated", "content.deleted"}
	body, err := json.Marshal(map[string]any{
		"url":    webhookURL,
		"secret": secret,
		"events": events,
	})
	if err != nil {
		return WebhookConfig{}, err
	}

	endpoint := strings.TrimSuffix(cuCfg.BaseURL, "/") + cuCfg.WebhookPath
	rq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return WebhookConfig{}, err
	}
	rq.Header.Set(ezhttp.HeaderContentType, ezhttp.ContentTypeJSON)
	c.applyAuth(rq, cuCfg)

	rs, err := c.client.Do(rq)
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

	// The upstream may override the secret with its own.
	var registered struct {
		Secret string `json:"secret"`
	}
	if err = json.NewDecoder(rs.Body).Decode(&registered); err == nil && registered.Secret != "" {
		secret = registered.Secret
	}

	return WebhookConfig{URL: webhookURL, Secret: secret, Events: events}, nil
}

// RemoveWebhook issues a best-effort DELETE against the webhook path.
func (c *Custom) RemoveWebhook(ctx context.Context, cfg Config) error {
	var cuCfg customConfig
	if err := decodeConfig(cfg, &cuCfg); err != nil {
		return err
	}
	if cuCfg.WebhookPath == "" {
		return nil
	}

	endpoint := strings.TrimSuffix(cuCfg.BaseURL, "/") + cuCfg.WebhookPath
	rq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	c.applyAuth(rq, cuCfg)

	rs, err := c.client.Do(rq)
	if err != nil {
		return err
	}
	_ = rs.Body.Close()
	return nil
}

func (c *Custom) get(ctx context.Context, cfg customConfig, endpoint string) (*http.Response, error) {
	rq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	c.applyAuth(rq, cfg)
	return c.client.Do(rq)
}

func (c *Custom) applyAuth(rq *http.Request, cfg customConfig) {
	if cfg.Token != "" {
		rq.Header.Set(ezhttp.HeaderAuthorization, "Bearer "+cfg.Token)
	}
	for name, value := range cfg.Headers {
		rq.Header.Set(name, value)
	}
}
