// Package auth holds the process-wide credential cache: an auth token and a
// username, lazily hydrated from the persistent store and written through on
// update.
package auth

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"lifeline/internal/logging"
	"lifeline/internal/store"
)

// ErrEmptyToken is returned by Store when no token is given.
var ErrEmptyToken = errors.New("auth: token must not be empty")

// Credentials is a snapshot of the cached identity. Nil fields are absent.
type Credentials struct {
	Token    *string `json:"token"`
	Username *string `json:"username"`
}

// SignedIn reports whether a token is present.
func (c Credentials) SignedIn() bool {
	return c.Token != nil && *c.Token != ""
}

// TokenValue returns the token or "".
func (c Credentials) TokenValue() string {
	if c.Token == nil {
		return ""
	}
	return *c.Token
}

// UsernameValue returns the username or "".
func (c Credentials) UsernameValue() string {
	if c.Username == nil {
		return ""
	}
	return *c.Username
}

// Cache is the in-memory credential record backed by the store adapter.
// Memory is authoritative once hydrated; persistence trails it.
type Cache struct {
	store *store.Adapter

	mu       sync.RWMutex
	token    *string
	username *string
	hydrated bool
	gen      uint64 // bumped by every Store/Clear

	hydrateGroup singleflight.Group
	persistMu    sync.Mutex
}

// NewCache creates a cache over s. A nil adapter means no persistence.
func NewCache(s *store.Adapter) *Cache {
	return &Cache{store: s}
}

// Hydrate loads the persisted pair into memory once. Concurrent first calls
// share one load, and a load that finishes after a Store or Clear is dropped.
func (c *Cache) Hydrate(ctx context.Context) {
	c.mu.RLock()
	done := c.hydrated
	c.mu.RUnlock()
	if done {
		return
	}

	// The load outlives a cancelled caller so it cannot hydrate as empty.
	loadCtx := context.WithoutCancel(ctx)
	_, _, _ = c.hydrateGroup.Do("hydrate", func() (interface{}, error) {
		c.mu.RLock()
		if c.hydrated {
			c.mu.RUnlock()
			return nil, nil
		}
		gen := c.gen
		c.mu.RUnlock()

		token, hasToken := c.store.GetString(loadCtx, store.KeyToken)
		username, hasUsername := c.store.GetString(loadCtx, store.KeyUsername)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.hydrated || c.gen != gen {
			return nil, nil
		}
		if hasToken {
			c.token = &token
		}
		if hasUsername {
			c.username = &username
		}
		c.hydrated = true
		logging.AuthDebug("hydrated credentials: token=%v username=%v", hasToken, hasUsername)
		return nil, nil
	})
}

// Read returns the cached pair, hydrating first if needed.
func (c *Cache) Read(ctx context.Context) Credentials {
	c.Hydrate(ctx)

	c.mu.RLock()
	defer c.mu.RUnlock()
	return Credentials{Token: clone(c.token), Username: clone(c.username)}
}

func clone(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Store replaces the pair. Memory is updated before the store write so the
// caller's next Read sees it immediately.
func (c *Cache) Store(ctx context.Context, token, username string) error {
	if token == "" {
		return ErrEmptyToken
	}

	c.mu.Lock()
	c.token = &token
	c.username = &username
	c.hydrated = true
	c.gen++
	c.mu.Unlock()

	logging.Auth("stored credentials for %q", username)
	c.persist(ctx)
	return nil
}

// Clear drops the pair from memory and storage. Safe before hydration.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.token = nil
	c.username = nil
	c.hydrated = true
	c.gen++
	c.mu.Unlock()

	logging.Auth("cleared credentials")
	c.persist(ctx)
}

// persist writes the current memory state, so racing writers converge on
// whatever memory holds last.
func (c *Cache) persist(ctx context.Context) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.RLock()
	token, username := clone(c.token), clone(c.username)
	c.mu.RUnlock()

	if token == nil {
		c.store.Remove(ctx, store.KeyToken)
	} else {
		c.store.Set(ctx, store.KeyToken, *token)
	}
	if username == nil {
		c.store.Remove(ctx, store.KeyUsername)
	} else {
		c.store.Set(ctx, store.KeyUsername, *username)
	}
}

// StashLoginEmail records the email of a sign-in that may be deferred, so a
// later replay that returns only a token can still name the user.
func (c *Cache) StashLoginEmail(ctx context.Context, email string) {
	c.store.Set(ctx, store.KeyPendingLoginEmail, email)
}

// PendingLoginEmail returns the stashed sign-in email, if any.
func (c *Cache) PendingLoginEmail(ctx context.Context) (string, bool) {
	email, ok := c.store.GetString(ctx, store.KeyPendingLoginEmail)
	if !ok || email == "" {
		return "", false
	}
	return email, true
}

// ClearPendingLoginEmail removes the stashed sign-in email.
func (c *Cache) ClearPendingLoginEmail(ctx context.Context) {
	c.store.Remove(ctx, store.KeyPendingLoginEmail)
}
