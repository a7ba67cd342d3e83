package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"github.com/stretchr/testify/assert"
)

func newTestBroker(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewHTTPClient(server.URL)
	client.RetryTimeout = 2 * time.Second
	return client
}

func TestRegisterBinding(t *testing.T) {
	var got bindingRequest
	client := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/bindings", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	upstreams := []Upstream{{Host: "graph.microsoft.com", Scopes: []string{"User.Read"}}}
	err := client.RegisterBinding(context.Background(), "sbx-executor-aaaaa", "alice", upstreams)
	assert.NoError(t, err)
	assert.Equal(t, "sbx-executor-aaaaa", got.SandboxID)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, upstreams, got.AllowedUpstreams)
}

func TestRegisterBindingConflict(t *testing.T) {
	var calls atomic.Int32
	client := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	})

	err := client.RegisterBinding(context.Background(), "sbx-executor-aaaaa", "alice", nil)
	assert.Equal(t, fleeterrors.ErrorConflict, fleeterrors.GetErrCode(err))
	// Conflicts are terminal, not retried.
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeregisterBinding(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "deleted", status: http.StatusNoContent},
		{name: "already gone", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/api/bindings/sbx-executor-aaaaa", r.URL.Path)
				w.WriteHeader(tt.status)
			})
			assert.NoError(t, client.DeregisterBinding(context.Background(), "sbx-executor-aaaaa"))
		})
	}
}

func TestIssueToken(t *testing.T) {
	expiry := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)
	client := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "graph.microsoft.com", req.UpstreamHost)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "t",
			TokenType:   "Bearer",
			ExpiresAt:   expiry.Format(time.RFC3339),
		})
	})

	token, err := client.IssueToken(context.Background(), "sbx-executor-aaaaa", "graph.microsoft.com", []string{"User.Read"})
	assert.NoError(t, err)
	assert.Equal(t, "t", token.Value)
	assert.Equal(t, "Bearer", token.Type)
	assert.True(t, token.ExpiresAt.Equal(expiry))
}

func TestIssueTokenDeniedIsTerminal(t *testing.T) {
	var calls atomic.Int32
	client := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.IssueToken(context.Background(), "sbx-executor-aaaaa", "example.com", nil)
	assert.Equal(t, fleeterrors.ErrorBrokerDenied, fleeterrors.GetErrCode(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIssueTokenRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "t",
			ExpiresAt:   time.Now().Add(time.Minute).Format(time.RFC3339),
		})
	})

	token, err := client.IssueToken(context.Background(), "sbx-executor-aaaaa", "example.com", nil)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	// Missing token_type defaults to Bearer.
	assert.Equal(t, "Bearer", token.Type)
}

func TestIssueTokenHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	start := time.Now()
	client := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "t",
			ExpiresAt:   time.Now().Add(time.Minute).Format(time.RFC3339),
		})
	})
	client.RetryTimeout = 5 * time.Second

	_, err := client.IssueToken(context.Background(), "sbx-executor-aaaaa", "example.com", nil)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestIssueTokenUnreachableBroker(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	client := NewHTTPClient(server.URL)
	client.RetryTimeout = 200 * time.Millisecond
	server.Close()

	_, err := client.IssueToken(context.Background(), "sbx-executor-aaaaa", "example.com", nil)
	assert.Equal(t, fleeterrors.ErrorTransient, fleeterrors.GetErrCode(err))
}

func TestGetGitCredential(t *testing.T) {
	client := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		var req gitCredentialRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "github.com", req.Host)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(gitCredentialResponse{
			Username: "x-access-token",
			Password: "secret",
		})
	})

	cred, err := client.GetGitCredential(context.Background(), "sbx-executor-aaaaa", "github.com")
	assert.NoError(t, err)
	assert.Equal(t, "x-access-token", cred.Username)
	assert.Equal(t, "secret", cred.Password)
}
