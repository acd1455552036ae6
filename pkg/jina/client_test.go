package jina

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/biotech-recon/internal/resilience"
)

func fastRetry() Option {
	return WithRetryPolicy(resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond})
}

func TestRead_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "markdown", r.Header.Get("X-Return-Format"))
		assert.Equal(t, "/https://acmebio.in", r.URL.Path)
		json.NewEncoder(w).Encode(ReadResponse{ //nolint:errcheck
			Code: 200,
			Data: ReadData{Title: "Acme Bio", URL: "https://acmebio.in", Content: "# Acme Bio\nFounded 2016."},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL), fastRetry())
	got, err := client.Read(context.Background(), "https://acmebio.in")
	require.NoError(t, err)
	assert.Equal(t, "Acme Bio", got.Data.Title)
	assert.Contains(t, got.Data.Content, "Founded 2016")
}

func TestRead_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ReadResponse{Code: 200, Data: ReadData{Content: "ok"}}) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL), fastRetry())
	got, err := client.Read(context.Background(), "https://x.in")
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Data.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRead_PermanentStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL), fastRetry())
	_, err := client.Read(context.Background(), "https://x.in")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSearch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Acme+Bio+funding", r.URL.Path)
		json.NewEncoder(w).Encode(SearchResponse{ //nolint:errcheck
			Code: 200,
			Data: []SearchResult{{Title: "Acme raises", URL: "https://news.in/a", Content: "Acme raised INR 5 crore"}},
		})
	}))
	defer srv.Close()

	client := NewClient("k", WithSearchBaseURL(srv.URL), fastRetry())
	got, err := client.Search(context.Background(), "Acme Bio funding")
	require.NoError(t, err)
	require.Len(t, got.Data, 1)
	assert.Equal(t, "https://news.in/a", got.Data[0].URL)
}

func TestSearch_BadJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json")) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("k", WithSearchBaseURL(srv.URL), fastRetry())
	_, err := client.Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}
