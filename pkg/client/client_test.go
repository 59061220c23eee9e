package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Call(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/challenge", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"backend":"host","devices":[]}`))
	}))
	defer srv.Close()

	var out struct {
		Backend string `json:"backend"`
	}
	err := New(srv.URL+"/", srv.Client()).Call(context.Background(), "DEVICE_INFO", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "host", out.Backend)
	assert.Equal(t, "DEVICE_INFO", got["type"])
	assert.Nil(t, got["payload"])
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown challenge type: NOPE", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).SendChallenge(context.Background(), "NOPE", map[string]int{"x": 1})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "request failed with status 400: unknown challenge type: NOPE", err.Error())
}

func TestClient_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New("http://127.0.0.1:1", nil).SendChallenge(ctx, "DEVICE_INFO", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
