// Package proxy is the egress sidecar of a sandbox pod: a forward proxy
// that the sandbox workload's HTTPS proxy variables point at. Allowlisted
// hosts are either tunneled verbatim or TLS-intercepted to inject
// broker-issued credentials; everything else is denied.
package proxy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/sandbox-fleet/fleetd/pkg/broker"
	fleeterrors "github.com/sandbox-fleet/fleetd/pkg/manager/errors"
	"k8s.io/apimachinery/pkg/util/yaml"
)

// Mode is the policy action for one upstream host.
type Mode string

const (
	// ModeMITM intercepts TLS and injects an Authorization header per request.
	ModeMITM = Mode("mitm")
	// ModePassthrough tunnels bytes verbatim; auth stays provider-native.
	ModePassthrough = Mode("passthrough")
	// ModeDeny refuses the CONNECT.
	ModeDeny = Mode("deny")
)

// Rule is the policy entry for one host.
type Rule struct {
	Mode Mode `json:"mode"`
	// Scopes are requested from the broker for mitm hosts.
	Scopes []string `json:"scopes,omitempty"`
	// TokenType overrides the broker-reported type when set.
	TokenType string `json:"tokenType,omitempty"`
}

// Policy maps upstream hosts to rules. Matching is exact and
// case-insensitive; there are no wildcards. Immutable after construction.
type Policy struct {
	rules map[string]Rule
}

// NewPolicy validates and lowercases the given rules.
func NewPolicy(rules map[string]Rule) (*Policy, error) {
	p := &Policy{rules: make(map[string]Rule, len(rules))}
	for host, rule := range rules {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			return nil, fleeterrors.NewError(fleeterrors.ErrorFatal, "policy entry with empty host")
		}
		switch rule.Mode {
		case ModeMITM, ModePassthrough, ModeDeny:
		default:
			return nil, fleeterrors.NewErrorf(fleeterrors.ErrorFatal,
				"policy for host %s: invalid mode %q", host, rule.Mode)
		}
		if _, dup := p.rules[host]; dup {
			return nil, fleeterrors.NewErrorf(fleeterrors.ErrorFatal, "duplicate policy entry for host %s", host)
		}
		p.rules[host] = rule
	}
	return p, nil
}

// LoadPolicy reads a YAML or JSON file mapping host to rule.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	var rules map[string]Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fleeterrors.NewErrorf(fleeterrors.ErrorFatal, "malformed policy file %s: %v", path, err)
	}
	return NewPolicy(rules)
}

// Lookup returns the rule for host. An unlisted host is denied.
func (p *Policy) Lookup(host string) Rule {
	if rule, ok := p.rules[strings.ToLower(host)]; ok {
		return rule
	}
	return Rule{Mode: ModeDeny}
}

// Rules returns a copy for read-only display.
func (p *Policy) Rules() map[string]Rule {
	out := make(map[string]Rule, len(p.rules))
	for host, rule := range p.rules {
		out[host] = rule
	}
	return out
}

// MITMUpstreams lists the intercepted hosts with their scopes, in the shape
// the broker binding registration expects. Sorted for stable payloads so
// re-registration stays idempotent.
func (p *Policy) MITMUpstreams() []broker.Upstream {
	var upstreams []broker.Upstream
	for host, rule := range p.rules {
		if rule.Mode != ModeMITM {
			continue
		}
		upstreams = append(upstreams, broker.Upstream{
			Host:      host,
			TokenType: rule.TokenType,
			Scopes:    rule.Scopes,
		})
	}
	sort.Slice(upstreams, func(i, j int) bool { return upstreams[i].Host < upstreams[j].Host })
	return upstreams
}
