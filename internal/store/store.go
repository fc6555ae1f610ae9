// Package store provides the persistent key-value adapter shared by the
// credential cache and the offline action queue.
//
// The adapter never fails observably: a backend error is logged and the
// operation is redirected to an in-process memory store. A nil *Adapter
// behaves as "no storage at all" (Get returns nil, Set and Remove do nothing).
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"lifeline/internal/logging"
)

// Well-known keys.
const (
	KeyToken             = "token"
	KeyUsername          = "username"
	KeyPendingActions    = "pending_actions"
	KeyPendingLoginEmail = "pending_login_email"
)

// Backend driver names.
const (
	DriverPreferences = "preferences"
	DriverLocal       = "local"
	DriverMemory      = "memory"
)

// ErrNotFound is returned by backends when a key is absent.
var ErrNotFound = errors.New("store: key not found")

// Backend is a raw byte store keyed by string.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// Options selects and configures the primary backend.
type Options struct {
	Driver       string
	Path         string
	SQLiteDriver string
	InMemory     bool
}

// Adapter exposes JSON get/set/remove over a primary backend with a memory
// fallback.
type Adapter struct {
	primary  Backend
	fallback *MemoryBackend
}

// NewAdapter wraps primary. A nil primary leaves only the memory store.
func NewAdapter(primary Backend) *Adapter {
	return &Adapter{primary: primary, fallback: NewMemoryBackend()}
}

// Open selects the backend named by opts.Driver. Open errors are logged and
// the adapter runs on the memory store alone.
func Open(opts Options) *Adapter {
	primary, err := openBackend(opts)
	if err != nil {
		logging.StoreWarn("backend %q unavailable, using memory store: %v", opts.Driver, err)
		return NewAdapter(nil)
	}
	if primary != nil {
		logging.Store("opened %s backend", primary.Name())
	}
	return NewAdapter(primary)
}

func openBackend(opts Options) (Backend, error) {
	switch strings.ToLower(opts.Driver) {
	case DriverPreferences:
		b, err := OpenSQLite(opts.SQLiteDriver, opts.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverLocal:
		b, err := OpenBadger(opts.Path, opts.InMemory)
		if err != nil {
			return nil, err
		}
		return b, nil
	case DriverMemory, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", opts.Driver)
	}
}

// BackendName reports which backend serves reads.
func (a *Adapter) BackendName() string {
	if a == nil {
		return "none"
	}
	if a.primary == nil {
		return a.fallback.Name()
	}
	return a.primary.Name()
}

// Set stores value as JSON under key.
func (a *Adapter) Set(ctx context.Context, key string, value interface{}) {
	if a == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		logging.StoreWarn("encode %s: %v", key, err)
		return
	}

	if a.primary != nil {
		err := a.primary.Set(ctx, key, data)
		if err == nil {
			// Primary is authoritative again for this key.
			_ = a.fallback.Remove(ctx, key)
			logging.StoreDebug("set %s (%d bytes) on %s", key, len(data), a.primary.Name())
			return
		}
		logging.StoreWarn("%s set %s failed, falling back to memory: %v", a.primary.Name(), key, err)
	}
	_ = a.fallback.Set(ctx, key, data)
}

// Get returns the raw JSON stored under key, or nil when absent.
func (a *Adapter) Get(ctx context.Context, key string) json.RawMessage {
	if a == nil {
		return nil
	}

	// A value in the fallback means the last write could not reach the
	// primary. A tombstone there reads as absent.
	if data, err := a.fallback.Get(ctx, key); err == nil {
		return normalize(data)
	}
	if a.primary == nil {
		return nil
	}

	data, err := a.primary.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logging.StoreWarn("%s get %s failed: %v", a.primary.Name(), key, err)
		}
		return nil
	}
	return normalize(data)
}

func normalize(data []byte) json.RawMessage {
	if len(data) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return json.RawMessage(data)
}

// tombstone marks a key removed while the primary still holds a value.
var tombstone = []byte("null")

// Remove deletes key from every store. If the primary cannot delete it, a
// tombstone in the fallback keeps the key absent until the primary catches up.
func (a *Adapter) Remove(ctx context.Context, key string) {
	if a == nil {
		return
	}
	if a.primary != nil {
		if err := a.primary.Remove(ctx, key); err != nil {
			logging.StoreWarn("%s remove %s failed, keeping tombstone in memory: %v", a.primary.Name(), key, err)
			_ = a.fallback.Set(ctx, key, tombstone)
			return
		}
	}
	_ = a.fallback.Remove(ctx, key)
}

// GetString decodes a string value. Non-string values report false.
func (a *Adapter) GetString(ctx context.Context, key string) (string, bool) {
	return Load[string](ctx, a, key)
}

// Load decodes the value under key into T.
func Load[T any](ctx context.Context, a *Adapter, key string) (T, bool) {
	var v T
	raw := a.Get(ctx, key)
	if raw == nil {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		logging.StoreWarn("decode %s: %v", key, err)
		var zero T
		return zero, false
	}
	return v, true
}

// Close releases the primary backend.
func (a *Adapter) Close() error {
	if a == nil || a.primary == nil {
		return nil
	}
	return a.primary.Close()
}
