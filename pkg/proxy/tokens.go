package proxy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sandbox-fleet/fleetd/pkg/broker"
	"github.com/sandbox-fleet/fleetd/pkg/manager/logs"
	"github.com/sandbox-fleet/fleetd/pkg/manager/metrics"
	"k8s.io/klog/v2"
)

const (
	tokenCacheSize = 256
	// refreshFraction is the share of a token's lifetime after which the
	// cache starts refreshing in the background.
	refreshFraction = 0.8
	refreshTimeout  = 30 * time.Second
)

type cachedToken struct {
	token     *broker.Token
	fetchedAt time.Time
}

// expired reports whether the token may no longer be presented upstream.
func (c *cachedToken) expired(now time.Time) bool {
	return !now.Before(c.token.ExpiresAt)
}

// needsRefresh reports whether the token has consumed refreshFraction of
// its lifetime.
func (c *cachedToken) needsRefresh(now time.Time) bool {
	lifetime := c.token.ExpiresAt.Sub(c.fetchedAt)
	if lifetime <= 0 {
		return true
	}
	return now.Sub(c.fetchedAt) >= time.Duration(float64(lifetime)*refreshFraction)
}

// tokenCache keeps broker-issued tokens keyed by (host, scopes). Shared by
// every proxied connection; hard-expired entries are replaced synchronously,
// aging ones proactively in the background so requests rarely wait on the
// broker.
type tokenCache struct {
	sandboxID string
	broker    broker.Broker
	cache     *lru.Cache[string, *cachedToken]

	mu         sync.Mutex
	refreshing map[string]bool

	now func() time.Time
}

func newTokenCache(sandboxID string, brk broker.Broker) *tokenCache {
	cache, _ := lru.New[string, *cachedToken](tokenCacheSize)
	return &tokenCache{
		sandboxID:  sandboxID,
		broker:     brk,
		cache:      cache,
		refreshing: map[string]bool{},
		now:        time.Now,
	}
}

func tokenKey(host string, scopes []string) string {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	return strings.ToLower(host) + "|" + strings.Join(sorted, ",")
}

// get returns a live token for (host, scopes), asking the broker on a miss
// or hard expiry.
func (c *tokenCache) get(ctx context.Context, host string, scopes []string) (*broker.Token, error) {
	key := tokenKey(host, scopes)
	now := c.now()

	if entry, ok := c.cache.Get(key); ok && !entry.expired(now) {
		if entry.needsRefresh(now) {
			c.refreshAsync(key, host, scopes)
		}
		metrics.TokenCacheEvents.WithLabelValues("hit").Inc()
		return entry.token, nil
	}

	metrics.TokenCacheEvents.WithLabelValues("miss").Inc()
	return c.fetch(ctx, key, host, scopes)
}

func (c *tokenCache) fetch(ctx context.Context, key, host string, scopes []string) (*broker.Token, error) {
	token, err := c.broker.IssueToken(ctx, c.sandboxID, host, scopes)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, &cachedToken{token: token, fetchedAt: c.now()})
	return token, nil
}

// refreshAsync replaces an aging entry in the background. At most one
// refresh runs per key; requests keep using the current token meanwhile.
func (c *tokenCache) refreshAsync(key, host string, scopes []string) {
	c.mu.Lock()
	if c.refreshing[key] {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = true
	c.mu.Unlock()

	metrics.TokenCacheEvents.WithLabelValues("refresh").Inc()
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(logs.NewContext("host", host), refreshTimeout)
		defer cancel()
		if _, err := c.fetch(ctx, key, host, scopes); err != nil {
			// The stale entry stays; the next request past expiry fetches
			// synchronously and surfaces the error.
			klog.FromContext(ctx).Error(err, "proactive token refresh failed")
		}
	}()
}
