package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/topvine/cmsync/internal/ezhttp"
	"github.com/topvine/cmsync/internal/fieldpath"
)

// Contentful talks to the Contentful CDN API. Pagination is skip/limit, so the
// generic offset maps straight onto skip.
type Contentful struct {
	client *http.Client
}

type contentfulConfig struct {
	SpaceID     string `cfg:"space_id"`
	Environment string `cfg:"environment"`
	AccessToken string `cfg:"access_token"`
	ContentType string `cfg:"content_type"`
	// BaseURL overrides the CDN host, mainly for tests.
	BaseURL string `cfg:"base_url"`
}

func (c contentfulConfig) environment() string {
	if c.Environment == "" {
		return "master"
	}
	return c.Environment
}

func (c contentfulConfig) baseURL() string {
	if c.BaseURL == "" {
		return "https://cdn.contentful.com"
	}
	return strings.TrimSuffix(c.BaseURL, "/")
}

func (c contentfulConfig) entriesURL() string {
	return fmt.Sprintf("%s/spaces/%s/environments/%s/entries", c.baseURL(), c.SpaceID, c.environment())
}

func (c *Contentful) Type() string {
	return "contentful"
}

func (c *Contentful) TestConnection(ctx context.Context, cfg Config) TestResult {
	var cfCfg contentfulConfig
	if err := decodeConfig(cfg, &cfCfg); err != nil {
		return TestResult{Success: false, Message: err.Error()}
	}
	if cfCfg.SpaceID == "" || cfCfg.AccessToken == "" {
		return TestResult{Success: false, Message: "space_id and access_token are required"}
	}

	rs, err := c.get(ctx, cfCfg, cfCfg.entriesURL()+"?limit=1")
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

func (c *Contentful) FetchDocuments(ctx context.Context, cfg Config, opts FetchOptions) ([]RawDocument, error) {
	var cfCfg contentfulConfig
	if err := decodeConfig(cfg, &cfCfg); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("skip", strconv.Itoa(opts.Offset))
	if cfCfg.ContentType != "" {
		query.Set("content_type", cfCfg.ContentType)
	}
	if !opts.Since.IsZero() {
		query.Set("sys.updatedAt[gte]", opts.Since.UTC().Format(time.RFC3339))
	}
	if id, ok := opts.Filters["id"]; ok {
		query.Set("sys.id", id)
	}

	rs, err := c.get(ctx, cfCfg, cfCfg.entriesURL()+"?"+query.Encode())
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
		Items []RawDocument `json:"items"`
	}
	if err = json.NewDecoder(rs.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}
	return page.Items, nil
}

func (c *Contentful) AvailableFields(ctx context.Context, cfg Config) ([]Field, error) {
	var cfCfg contentfulConfig
	if err := decodeConfig(cfg, &cfCfg); err != nil {
		return nil, err
	}

	static := []Field{
		{Name: "sys.id", Type: "string", Label: "ID", Required: true},
		{Name: "sys.createdAt", Type: "string", Label: "Created At"},
		{Name: "sys.updatedAt", Type: "string", Label: "Updated At"},
		{Name: "fields.title", Type: "string", Label: "Title"},
		{Name: "fields.body", Type: "string", Label: "Body"},
	}
	if cfCfg.ContentType == "" {
		return static, nil
	}

	endpoint := fmt.Sprintf("%s/spaces/%s/environments/%s/content_types/%s", cfCfg.baseURL(), cfCfg.SpaceID, cfCfg.environment(), cfCfg.ContentType)
	rs, err := c.get(ctx, cfCfg, endpoint)
	if err != nil {
		return static, nil
	}
	defer func() {
		_ = rs.Body.Close()
	}()
	if rs.StatusCode < 200 || rs.StatusCode >= 300 {
		return static, nil
	}

	var contentType struct {
		Fields []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Type     string `json:"type"`
			Required bool   `json:"required"`
		} `json:"fields"`
	}
	if err = json.NewDecoder(rs.Body).Decode(&contentType); err != nil {
		return static, nil
	}

	fields := []Field{
		{Name: "sys.id", Type: "string", Label: "ID", Required: true},
		{Name: "sys.updatedAt", Type: "string", Label: "Updated At"},
	}
	for _, f := range contentType.Fields {
		fields = append(fields, Field{
			Name:     "fields." + f.ID,
			Type:     strings.ToLower(f.Type),
			Label:    f.Name,
			Required: f.Required,
		})
	}
	return fields, nil
}

func (c *Contentful) DocumentID(cfg Config, raw RawDocument) string {
	id, ok := fieldpath.Resolve(map[string]any(raw), "sys.id")
	if !ok {
		return ""
	}
	return stringifyID(id)
}

func (c *Contentful) get(ctx context.Context, cfg contentfulConfig, endpoint string) (*http.Response, error) {
	rq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	rq.Header.Set(ezhttp.HeaderAuthorization, "Bearer "+cfg.AccessToken)
	return c.client.Do(rq)
}
