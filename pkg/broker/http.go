package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"github.com/sandbox-fleet/fleetd/pkg/manager/metrics"
	"k8s.io/klog/v2"
)

const maxResponseBytes = 1 << 20

// HTTPClient talks to a credential broker over its JSON API. Transient
// failures and 429s are retried with exponential backoff until RetryTimeout
// elapses; a Retry-After header overrides the next interval.
type HTTPClient struct {
	BaseURL      string
	Client       *http.Client
	RetryTimeout time.Duration
}

var _ Broker = &HTTPClient{}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Client:       &http.Client{Timeout: 10 * time.Second},
		RetryTimeout: 15 * time.Second,
	}
}

type bindingRequest struct {
	SandboxID        string     `json:"sandbox_id"`
	UserID           string     `json:"user_id"`
	AllowedUpstreams []Upstream `json:"allowed_upstreams"`
}

type tokenRequest struct {
	SandboxID    string   `json:"sandbox_id"`
	UpstreamHost string   `json:"upstream_host"`
	Scopes       []string `json:"scopes,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"`
}

type gitCredentialRequest struct {
	SandboxID string `json:"sandbox_id"`
	Host      string `json:"host"`
}

type gitCredentialResponse struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	ExpiresAt string `json:"expires_at"`
}

func (c *HTTPClient) RegisterBinding(ctx context.Context, sandboxID, userID string, upstreams []Upstream) error {
	req := bindingRequest{
		SandboxID:        sandboxID,
		UserID:           userID,
		AllowedUpstreams: upstreams,
	}
	return c.call(ctx, "register-binding", http.MethodPost, "/api/bindings", req, func(status int, body []byte) error {
		switch status {
		case http.StatusCreated, http.StatusOK:
			return nil
		case http.StatusConflict:
			return fleeterrors.NewErrorf(fleeterrors.ErrorConflict, "sandbox %s is already bound", sandboxID)
		default:
			return fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "unexpected broker status %d registering binding", status)
		}
	})
}

// DeregisterBinding treats an unknown sandbox as already deregistered.
func (c *HTTPClient) DeregisterBinding(ctx context.Context, sandboxID string) error {
	path := "/api/bindings/" + sandboxID
	return c.call(ctx, "deregister-binding", http.MethodDelete, path, nil, func(status int, body []byte) error {
		switch status {
		case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
			return nil
		default:
			return fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "unexpected broker status %d deregistering binding", status)
		}
	})
}

func (c *HTTPClient) IssueToken(ctx context.Context, sandboxID, host string, scopes []string) (*Token, error) {
	req := tokenRequest{
		SandboxID:    sandboxID,
		UpstreamHost: host,
		Scopes:       scopes,
	}
	var token *Token
	err := c.call(ctx, "issue-token", http.MethodPost, "/api/token", req, func(status int, body []byte) error {
		switch status {
		case http.StatusOK:
			var resp tokenResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "malformed broker token response: %v", err)
			}
			expiresAt, err := time.Parse(time.RFC3339, resp.ExpiresAt)
			if err != nil {
				return fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "malformed broker token expiry %q: %v", resp.ExpiresAt, err)
			}
			tokenType := resp.TokenType
			if tokenType == "" {
				tokenType = "Bearer"
			}
			token = &Token{
				Value:     resp.AccessToken,
				Type:      tokenType,
				ExpiresAt: expiresAt,
			}
			return nil
		case http.StatusForbidden:
			return fleeterrors.NewErrorf(fleeterrors.ErrorBrokerDenied, "broker denied token for sandbox %s host %s", sandboxID, host)
		default:
			return fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "unexpected broker status %d issuing token", status)
		}
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (c *HTTPClient) GetGitCredential(ctx context.Context, sandboxID, host string) (*GitCredential, error) {
	req := gitCredentialRequest{
		SandboxID: sandboxID,
		Host:      host,
	}
	var cred *GitCredential
	err := c.call(ctx, "git-credential", http.MethodPost, "/api/git-credential", req, func(status int, body []byte) error {
		switch status {
		case http.StatusOK:
			var resp gitCredentialResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "malformed broker git credential response: %v", err)
			}
			cred = &GitCredential{
				Username: resp.Username,
				Password: resp.Password,
			}
			if resp.ExpiresAt != "" {
				if expiresAt, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil {
					cred.ExpiresAt = expiresAt
				}
			}
			return nil
		case http.StatusForbidden, http.StatusNotFound:
			return fleeterrors.NewErrorf(fleeterrors.ErrorBrokerDenied, "broker denied git credential for sandbox %s host %s", sandboxID, host)
		default:
			return fleeterrors.NewErrorf(fleeterrors.ErrorInternal, "unexpected broker status %d fetching git credential", status)
		}
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// call performs one JSON request with retries. accept classifies terminal
// statuses; 429 and 5xx never reach it. Token and credential values must not
// appear in returned errors.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, reqBody any, accept func(status int, body []byte) error) error {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode broker request: %w", err)
		}
	}

	bo := &retryAfterBackOff{BackOff: c.newBackOff()}
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.Client.Do(req)
		if err != nil {
			return fleeterrors.NewErrorf(fleeterrors.ErrorTransient, "broker unreachable: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
				bo.hint = time.Duration(secs) * time.Second
			}
			return fleeterrors.NewErrorf(fleeterrors.ErrorTransient, "broker rate limited %s", op)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fleeterrors.NewErrorf(fleeterrors.ErrorTransient, "broker returned %d for %s", resp.StatusCode, op)
		}
		if err := accept(resp.StatusCode, body); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(bo, ctx))
	result := "success"
	if err != nil {
		result = string(fleeterrors.GetErrCode(err))
		klog.FromContext(ctx).V(1).Info("broker call failed", "operation", op, "result", result)
	}
	metrics.BrokerRequests.WithLabelValues(op, result).Inc()
	return err
}

func (c *HTTPClient) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      c.RetryTimeout,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// retryAfterBackOff lets a 429 response override the next retry interval
// with the server's Retry-After hint.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if b.hint > 0 {
		d := b.hint
		b.hint = 0
		return d
	}
	return b.BackOff.NextBackOff()
}
