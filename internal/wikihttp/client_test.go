package wikihttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSendsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "test-agent/1.0"}, nil, nil)
	body, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "test-agent/1.0", gotUA)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestGetStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{}, nil, nil)
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsTransport(err))
}

func TestGetTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	c := New(Config{}, nil, nil)
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.False(t, IsNotFound(err))
}

func TestGetTimeoutIsRetryableKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()

	c := New(Config{Timeout: 20 * time.Millisecond}, nil, nil)
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestGetJSONEncodesParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "query", r.URL.Query().Get("action"))
		_, _ = w.Write([]byte(`{"n": 3}`))
	}))
	defer srv.Close()

	c := New(Config{}, nil, nil)
	var out struct {
		N int `json:"n"`
	}
	params := url.Values{"action": []string{"query"}}
	require.NoError(t, c.GetJSON(context.Background(), srv.URL, params, &out))
	assert.Equal(t, 3, out.N)
}

func TestGetJSONMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := New(Config{}, nil, nil)
	var out map[string]any
	err := c.GetJSON(context.Background(), srv.URL, nil, &out)
	require.Error(t, err)
	assert.False(t, IsTransport(err))
}
