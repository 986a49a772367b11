package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordPressFetchDocuments(t *testing.T) {
	t.Run("translates offset into page numbers", func(t *testing.T) {
		var gotQuery map[string][]string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query()
			_, _ = w.Write([]byte(`[{"id":1,"title":{"rendered":"One"}}]`))
		}))
		defer upstream.Close()

		wp := &WordPress{client: upstream.Client()}
		docs, err := wp.FetchDocuments(context.Background(), Config{"base_url": upstream.URL}, FetchOptions{Limit: 10, Offset: 20})

		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, []string{"10"}, gotQuery["per_page"])
		assert.Equal(t, []string{"3"}, gotQuery["page"])
	})

	t.Run("passes modified_after for incremental fetches", func(t *testing.T) {
		var gotQuery map[string][]string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query()
			_, _ = w.Write([]byte(`[]`))
		}))
		defer upstream.Close()

		since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		wp := &WordPress{client: upstream.Client()}
		_, err := wp.FetchDocuments(context.Background(), Config{"base_url": upstream.URL}, FetchOptions{Limit: 10, Since: since})

		require.NoError(t, err)
		assert.Equal(t, []string{"2026-03-01T12:00:00Z"}, gotQuery["modified_after"])
	})

	t.Run("translates the id filter into include", func(t *testing.T) {
		var gotQuery map[string][]string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query()
			_, _ = w.Write([]byte(`[{"id":7}]`))
		}))
		defer upstream.Close()

		wp := &WordPress{client: upstream.Client()}
		_, err := wp.FetchDocuments(context.Background(), Config{"base_url": upstream.URL}, FetchOptions{Limit: 1, Filters: map[string]string{"id": "7"}})

		require.NoError(t, err)
		assert.Equal(t, []string{"7"}, gotQuery["include"])
	})

	t.Run("treats past-the-end page as empty", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"rest_post_invalid_page_number","message":"The page number requested is larger than the number of pages available."}`))
		}))
		defer upstream.Close()

		wp := &WordPress{client: upstream.Client()}
		docs, err := wp.FetchDocuments(context.Background(), Config{"base_url": upstream.URL}, FetchOptions{Limit: 10, Offset: 100})

		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("wraps upstream failures in FetchError", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Sorry, you are not allowed to do that."}`))
		}))
		defer upstream.Close()

		wp := &WordPress{client: upstream.Client()}
		_, err := wp.FetchDocuments(context.Background(), Config{"base_url": upstream.URL}, FetchOptions{Limit: 10})

		var fetchErr *FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, http.StatusUnauthorized, fetchErr.Status)
		assert.Contains(t, fetchErr.Message, "not allowed")
	})

	t.Run("sends bearer auth when a token is configured", func(t *testing.T) {
		var gotAuth string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`[]`))
		}))
		defer upstream.Close()

		wp := &WordPress{client: upstream.Client()}
		_, err := wp.FetchDocuments(context.Background(), Config{"base_url": upstream.URL, "token": "tok123", "username": "ignored"}, FetchOptions{Limit: 10})

		require.NoError(t, err)
		assert.Equal(t, "Bearer tok123", gotAuth)
	})
}

func TestWordPressTestConnection(t *testing.T) {
	t.Run("reachable upstream succeeds", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/wp-json/", r.URL.Path)
			_, _ = w.Write([]byte(`{"name":"Test Site"}`))
		}))
		defer upstream.Close()

		wp := &WordPress{client: upstream.Client()}
		result := wp.TestConnection(context.Background(), Config{"base_url": upstream.URL})

		assert.True(t, result.Success)
	})

	t.Run("unreachable upstream fails with a message, never panics", func(t *testing.T) {
		wp := &WordPress{client: &http.Client{Timeout: 100 * time.Millisecond}}
		result := wp.TestConnection(context.Background(), Config{"base_url": "http://127.0.0.1:1"})

		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Message)
	})

	t.Run("missing base_url fails", func(t *testing.T) {
		wp := &WordPress{client: http.DefaultClient}
		result := wp.TestConnection(context.Background(), Config{})

		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Message)
	})
}

func TestWordPressDocumentID(t *testing.T) {
	wp := &WordPress{}
	assert.Equal(t, "42", wp.DocumentID(Config{}, RawDocument{"id": float64(42)}))
	assert.Equal(t, "abc", wp.DocumentID(Config{}, RawDocument{"id": "abc"}))
	assert.Equal(t, "", wp.DocumentID(Config{}, RawDocument{}))
}
