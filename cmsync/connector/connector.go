// Package connector implements the upstream CMS contract: one implementation
// per CMS family, each translating the generic fetch options into the family's
// native pagination and filter idioms.
package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Config is the opaque per-integration configuration bag. Only the matching
// connector interprets it; everything else passes it through unexamined.
type Config map[string]any

// RawDocument is one upstream document as decoded JSON.
type RawDocument map[string]any

type FetchOptions struct {
	Limit   int
	Offset  int
	Filters map[string]string
	// Since enables the family's native modified-since filter when non-zero.
	Since time.Time
}

type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Label    string `json:"label"`
	Required bool   `json:"required,omitempty"`
}

type WebhookConfig struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// Connector is implemented once per CMS family. Implementations must be
// stateless; all per-integration state travels in the Config bag.
type Connector interface {
	Type() string

	// TestConnection issues one lightweight read against the upstream API.
	// Failures are captured in the result, never returned as an error.
	TestConnection(ctx context.Context, cfg Config) TestResult

	// FetchDocuments performs one page fetch, translating Limit/Offset into
	// the family's native pagination. Non-2xx responses fail with *FetchError.
	FetchDocuments(ctx context.Context, cfg Config, opts FetchOptions) ([]RawDocument, error)

	// AvailableFields introspects the upstream schema or returns a static
	// fallback. Side-effect-free, single request.
	AvailableFields(ctx context.Context, cfg Config) ([]Field, error)

	// DocumentID extracts the upstream native id from a raw document.
	// Returns "" if the document carries none.
	DocumentID(cfg Config, raw RawDocument) string
}

// WebhookRegistrar is an optional capability for families that support push
// subscriptions.
type WebhookRegistrar interface {
	SetupWebhook(ctx context.Context, cfg Config, webhookURL string) (WebhookConfig, error)
	// RemoveWebhook unregisters the subscription. Best-effort on integration
	// deletion.
	RemoveWebhook(ctx context.Context, cfg Config) error
}

// SignatureValidator is an optional capability for families with their own
// signature scheme. Families without it get ValidateHMAC.
type SignatureValidator interface {
	ValidateSignature(payload []byte, signature string, secret string) bool
}

// FetchError carries the upstream status and message of a failed page fetch.
type FetchError struct {
	Status  int
	Message string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
}

// ValidateHMAC checks a hex encoded HMAC-SHA256 signature over the raw payload.
// A "sha256=" prefix on the signature is tolerated.
func ValidateHMAC(payload []byte, signature string, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignHMAC produces the hex encoded HMAC-SHA256 signature for payload.
func SignHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// decodeConfig unpacks the opaque bag into a family-specific struct.
func decodeConfig(cfg Config, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "cfg",
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err = dec.Decode(map[string]any(cfg)); err != nil {
		return fmt.Errorf("invalid connector config: %w", err)
	}
	return nil
}

type Registry struct {
	connectors map[string]Connector
}

// NewRegistry builds the closed set of built-in connectors. New families are
// added here, never by branching in the orchestrator.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	r := &Registry{connectors: map[string]Connector{}}
	r.Register(&WordPress{client: client})
	r.Register(&Contentful{client: client})
	r.Register(&Strapi{client: client})
	r.Register(&Custom{client: client})
	return r
}

func (r *Registry) Register(c Connector) {
	r.connectors[c.Type()] = c
}

func (r *Registry) Get(typ string) (Connector, error) {
	c, ok := r.connectors[typ]
	if !ok {
		return nil, fmt.Errorf("unknown integration type: %s", typ)
	}
	return c, nil
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.connectors))
	for typ := range r.connectors {
		types = append(types, typ)
	}
	return types
}
