package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","response":"ok"}`))
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	resp, err := c.PostJSON(context.Background(), srv.URL, map[string]string{"prompt": "hi"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Status   string `json:"status"`
		Response string `json:"response"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "success", out.Status)
}

func TestServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	_, err := c.PostJSON(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestClientErrorIsNotTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","error":"invalid"}`))
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	resp, err := c.PostJSON(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, IsTransport(err))
}

func TestDeadlineIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetJSON(ctx, srv.URL)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestConnectionRefusedIsTransport(t *testing.T) {
	c := New(time.Second)
	_, err := c.GetJSON(context.Background(), "http://127.0.0.1:1/none")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}
