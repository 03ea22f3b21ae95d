package pdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckReturnsAllowOnExplicitAllow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(checkResponse{
			Results: []struct {
				Actions map[string]string `json:"actions"`
			}{
				{Actions: map[string]string{"allow": "EFFECT_ALLOW"}},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	decision, err := c.Check(context.Background(), "alice", []string{"admin"}, "dns_query", "example.com", "allow")
	require.NoError(t, err)
	require.Equal(t, Allow, decision)
}

func TestCheckDefaultsToDenyWithNoExplicitAllow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(checkResponse{})
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	decision, err := c.Check(context.Background(), "alice", []string{"guest"}, "dns_query", "example.com", "allow")
	require.NoError(t, err)
	require.Equal(t, Deny, decision)
}

func TestCheckReturnsTransportOnUnreachable(t *testing.T) {
	c := New(Config{Endpoint: "http://127.0.0.1:1"})
	decision, err := c.Check(context.Background(), "alice", nil, "dns_query", "example.com", "allow")
	require.Error(t, err)
	require.Equal(t, Transport, decision)
}

func TestHealthReturnsFalseOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	require.False(t, c.Health(context.Background()))
}

func TestHealthReturnsTrueOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL})
	require.True(t, c.Health(context.Background()))
}
