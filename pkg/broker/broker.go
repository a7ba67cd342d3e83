// Package broker is the client side of the credential broker contract. The
// broker itself runs elsewhere; the control plane registers sandbox bindings
// with it and the egress proxy exchanges sandbox identity for short-lived
// upstream tokens.
package broker

import (
	"context"
	"time"
)

// Upstream is one host a sandbox is allowed to reach, together with the
// scopes it may request tokens for.
type Upstream struct {
	Host      string   `json:"host"`
	TokenType string   `json:"token_type,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

// Token is a short-lived upstream credential. The value is opaque and must
// never be written to any log sink.
type Token struct {
	Value     string
	Type      string
	ExpiresAt time.Time
}

// TTL returns the remaining lifetime of the token.
func (t *Token) TTL(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// GitCredential is the answer to a Git credential helper query. The password
// is as sensitive as a token value.
type GitCredential struct {
	Username  string
	Password  string
	ExpiresAt time.Time
}

// Broker issues credentials against sandbox identity.
//
// RegisterBinding returns ErrorConflict when the sandbox is already bound
// with a different payload; an identical payload is accepted silently.
// DeregisterBinding of an unknown sandbox is a success. IssueToken returns
// ErrorBrokerDenied when the binding is missing, the host is not in the
// binding, or the scopes exceed the grant; transient broker failures are
// retried internally and surface as ErrorTransient once retries are spent.
type Broker interface {
	RegisterBinding(ctx context.Context, sandboxID, userID string, upstreams []Upstream) error
	DeregisterBinding(ctx context.Context, sandboxID string) error
	IssueToken(ctx context.Context, sandboxID, host string, scopes []string) (*Token, error)
	GetGitCredential(ctx context.Context, sandboxID, host string) (*GitCredential, error)
}
