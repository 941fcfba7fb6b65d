// Package auth implements the token→principal authorization cache of
// spec.md §4.C5: a freshness-windowed cache in front of an external REST
// authorizer, with single-flight refresh and a short-lived negative cache
// for failed authorizations.
package auth

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ground-x/blmsg/errs"
	"github.com/ground-x/blmsg/log"
)

var logger = log.NewModuleLogger(log.Auth)

// Principal is the resolved identity a token maps to. Copies its own token
// bytes rather than referencing the caller's buffer (spec.md §4.C5).
type Principal struct {
	Token   string
	Subject string
	Claims  map[string]string
}

// Task, when executed, contacts the external authorizer and resolves a
// fresh Principal for a token.
type Task func(ctx context.Context, token string) (*Principal, error)

// Cache is the AuthorizationCache contract of spec.md §4.C5.
type Cache interface {
	TokenType() string
	TryGetAuthorizedPrincipal(token string) (*Principal, bool)
	CreateAuthorizationTask(token string) Task
	Update(ctx context.Context, token string, task Task) (*Principal, error)
	TryUpdate(ctx context.Context, token string, task Task) (*Principal, bool)
	Evict(token string)
}

type entry struct {
	principal   *Principal
	lastRefresh time.Time
	failed      bool
}

// inflight tracks a single in-progress refresh for single-flight dedup.
type inflight struct {
	done      chan struct{}
	principal *Principal
	err       error
}

// RestCache is the Cache implementation backed by an external REST
// authorizer, grounded on the teacher's common/cache.go lruCache wrapper.
type RestCache struct {
	tokenType       string
	authorize       Task
	freshnessWindow time.Duration
	negativeTTL     time.Duration

	lru *lru.Cache

	mu       sync.Mutex
	inflight map[string]*inflight
}

// DefaultFreshnessWindow and DefaultNegativeTTL are spec.md §4.C5's stated
// defaults.
const (
	DefaultFreshnessWindow = 10 * time.Minute
	DefaultNegativeTTL     = 30 * time.Second
)

// NewRestCache builds a RestCache of the given capacity, calling authorize
// to resolve tokens the cache does not already hold fresh.
func NewRestCache(tokenType string, capacity int, authorize Task, freshnessWindow, negativeTTL time.Duration) *RestCache {
	if freshnessWindow <= 0 {
		freshnessWindow = DefaultFreshnessWindow
	}
	if negativeTTL <= 0 {
		negativeTTL = DefaultNegativeTTL
	}
	c, err := lru.New(capacity)
	if err != nil {
		// lru.New only fails for capacity <= 0, which New.Lru callers
		// never pass from a correctly configured broker; mirror the
		// teacher's common/cache.go panic-on-misconfiguration behavior.
		panic(err)
	}
	return &RestCache{
		tokenType:       tokenType,
		authorize:       authorize,
		freshnessWindow: freshnessWindow,
		negativeTTL:     negativeTTL,
		lru:             c,
		inflight:        make(map[string]*inflight),
	}
}

// TokenType identifies the token format this cache resolves.
func (c *RestCache) TokenType() string { return c.tokenType }

// TryGetAuthorizedPrincipal returns a cached principal if present and
// still within the freshness window.
func (c *RestCache) TryGetAuthorizedPrincipal(token string) (*Principal, bool) {
	v, ok := c.lru.Get(token)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	ttl := c.freshnessWindow
	if e.failed {
		ttl = c.negativeTTL
	}
	if time.Since(e.lastRefresh) > ttl {
		return nil, false
	}
	if e.failed {
		return nil, false
	}
	return e.principal, true
}

// CreateAuthorizationTask returns the default task wired at construction
// (the same Task for every token) — satisfies callers that want a Task value
// to pass to Update/TryUpdate explicitly (e.g. to substitute a test double).
func (c *RestCache) CreateAuthorizationTask(token string) Task {
	return c.authorize
}

// Update resolves token's principal, running task (or the default
// authorizer) at most once even under concurrent callers for the same
// token, and returns an AuthorizationFailed ServerError on authorization
// failure. A token whose last authorization failed within negativeTTL fails
// immediately without calling the authorizer again.
func (c *RestCache) Update(ctx context.Context, token string, task Task) (*Principal, error) {
	if p, ok := c.TryGetAuthorizedPrincipal(token); ok {
		return p, nil
	}
	if v, ok := c.lru.Get(token); ok {
		if e := v.(*entry); e.failed && time.Since(e.lastRefresh) <= c.negativeTTL {
			return nil, errs.New(errs.CodeAuthorizationFailed, "auth: authorization recently failed for token")
		}
	}
	if task == nil {
		task = c.authorize
	}

	f, leader := c.joinOrLead(token)
	if leader {
		p, err := task(ctx, token)
		c.complete(token, f, p, err)
	}
	<-f.done
	if f.err != nil {
		return nil, errs.Wrap(f.err, errs.CodeAuthorizationFailed, "auth: authorization failed for token")
	}
	return f.principal, nil
}

// TryUpdate behaves like Update but returns (nil, false) instead of an
// error on authorization failure.
func (c *RestCache) TryUpdate(ctx context.Context, token string, task Task) (*Principal, bool) {
	p, err := c.Update(ctx, token, task)
	if err != nil {
		return nil, false
	}
	return p, true
}

// Evict removes token's entry immediately.
func (c *RestCache) Evict(token string) {
	c.lru.Remove(token)
}

// joinOrLead returns the in-flight refresh for token, creating (and
// becoming the leader of) one if none exists yet.
func (c *RestCache) joinOrLead(token string) (*inflight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.inflight[token]; ok {
		return f, false
	}
	f := &inflight{done: make(chan struct{})}
	c.inflight[token] = f
	return f, true
}

// complete installs the refresh result into the cache and wakes every
// caller joined on f.
func (c *RestCache) complete(token string, f *inflight, p *Principal, err error) {
	now := time.Now()
	if err != nil {
		logger.Warn("authorization refresh failed", "tokenType", c.tokenType, "err", err)
		c.lru.Add(token, &entry{lastRefresh: now, failed: true})
	} else {
		cp := *p
		cp.Token = token
		c.lru.Add(token, &entry{principal: &cp, lastRefresh: now})
	}

	f.principal, f.err = p, err

	c.mu.Lock()
	delete(c.inflight, token)
	c.mu.Unlock()

	close(f.done)
}
