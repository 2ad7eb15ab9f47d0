// Package tokencache holds short-lived OAuth access tokens keyed by account.
//
// Reads are concurrent. A refresh for a given key runs at most once at a time;
// every caller that needs the key while it is in flight waits on the same result.
package tokencache

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin is how long before expiry a token is treated as stale.
const DefaultRefreshMargin = 5 * time.Minute

// ErrEmptyToken is returned when a fetch succeeds without a usable token.
var ErrEmptyToken = errors.New("tokencache: fetch returned empty access token")

// Token is an access token and the moment it stops being accepted.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// FetchFunc obtains a fresh token for one key.
type FetchFunc func(ctx context.Context) (Token, error)

// RefreshObserver is told about every fetch outcome ("ok" or "error").
type RefreshObserver interface {
	TokenRefresh(result string)
}

// Cache is safe for concurrent use. The zero value is not usable; call New.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]Token
	group    singleflight.Group
	margin   time.Duration
	now      func() time.Time
	observer RefreshObserver
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithObserver reports refresh outcomes.
func WithObserver(o RefreshObserver) Option {
	return func(c *Cache) { c.observer = o }
}

// New creates a cache that refreshes tokens margin before they expire.
func New(margin time.Duration, opts ...Option) *Cache {
	if margin < 0 {
		margin = DefaultRefreshMargin
	}
	c := &Cache{
		entries: make(map[string]Token),
		margin:  margin,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a valid access token for key, calling fetch when the cached one
// is missing or inside the refresh margin. The fetch runs detached from ctx so
// one caller giving up does not fail the others; ctx only bounds this caller's wait.
func (c *Cache) Get(ctx context.Context, key string, fetch FetchFunc) (string, error) {
	if tok, ok := c.lookup(key); ok {
		return tok, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if tok, ok := c.lookup(key); ok {
			return tok, nil
		}
		fresh, err := fetch(context.WithoutCancel(ctx))
		if err == nil && fresh.AccessToken == "" {
			err = ErrEmptyToken
		}
		if err != nil {
			c.observe("error")
			return "", err
		}
		c.observe("ok")

		c.mu.Lock()
		c.entries[key] = fresh
		c.mu.Unlock()
		return fresh.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token for key, e.g. after the destination rejects it.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.group.Forget(key)
}

func (c *Cache) lookup(key string) (string, bool) {
	c.mu.RLock()
	tok, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || tok.AccessToken == "" {
		return "", false
	}
	if !c.now().Add(c.margin).Before(tok.ExpiresAt) {
		return "", false
	}
	return tok.AccessToken, true
}

func (c *Cache) observe(result string) {
	if c.observer != nil {
		c.observer.TokenRefresh(result)
	}
}
