package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchURL(t *testing.T) {
	url := SearchURL(41.0, 29.0, 15)
	assert.Equal(t, "https://www.google.com/maps/search/restoran/@41.000000,29.000000,15z?hl=tr", url)
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<html><div role="feed"></div></html>`))
	}))
	defer srv.Close()

	f := New(nil)
	res, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(res.Body), "feed")
	assert.Greater(t, res.ResponseTime, time.Duration(0))
}

func TestFetchHostileStatusStillReturnsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	f := New(nil)
	res, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err, "an HTTP response, however hostile, is a fact not an error")
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, 2*time.Minute, res.RetryAfter)
}

func TestFetchTransportFailure(t *testing.T) {
	f := New(&Config{Timeout: 500 * time.Millisecond})
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1", "")
	assert.Error(t, err)
}

func TestFetchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(nil)
	_, err := f.Fetch(ctx, "http://example.invalid", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "30", 30 * time.Second},
		{"http date", now.Add(45 * time.Second).UTC().Format(http.TimeFormat), 45 * time.Second},
		{"past date", now.Add(-time.Hour).UTC().Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.in, now))
		})
	}
}
