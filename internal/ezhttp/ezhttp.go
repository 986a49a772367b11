package ezhttp

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/spf13/viper"
)

const (
	HeaderContentType      = "Content-Type"
	HeaderAuthorization    = "Authorization"
	HeaderUserAgent        = "User-Agent"
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookDelivery  = "X-Webhook-Delivery"
)

const (
	ContentTypeJSON = "application/json"
)

type ErrorResponse struct {
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Path      string `json:"path"`
	RequestID string `json:"request_id"`
}

var defaultClient = &http.Client{
	Timeout: 10 * time.Second,
}

// Do issues a request against the configured cmsync server.
func Do(method string, path string, body io.Reader) (*http.Response, error) {
	server := viper.GetString("server")
	rq, err := http.NewRequest(method, server+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		rq.Header.Set(HeaderContentType, ContentTypeJSON)
	}
	rq.Header.Set(HeaderUserAgent, "cmsync-cli")

	return defaultClient.Do(rq)
}

func Get(path string) (*http.Response, error) {
	return Do(http.MethodGet, path, nil)
}

func Post(path string, body io.Reader) (*http.Response, error) {
	return Do(http.MethodPost, path, body)
}

func Delete(path string) (*http.Response, error) {
	return Do(http.MethodDelete, path, nil)
}

// ProcessBody decodes a JSON response into v, translating non-2xx responses
// into the server's error message.
func ProcessBody(rs *http.Response, v any) error {
	defer func() {
		_ = rs.Body.Close()
	}()
	if rs.StatusCode < 200 || rs.StatusCode >= 300 {
		var errRs ErrorResponse
		if err := json.NewDecoder(rs.Body).Decode(&errRs); err != nil {
			return err
		}
		return &ResponseError{Message: errRs.Message, Status: errRs.Status}
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(rs.Body).Decode(v)
}

type ResponseError struct {
	Message string
	Status  int
}

func (e *ResponseError) Error() string {
	return e.Message
}
