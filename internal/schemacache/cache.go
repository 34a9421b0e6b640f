// Package schemacache implements the two-tier schema cache: an
// in-process LRU in front of a persisted store. A schema fetch costs a
// full upstream round trip (and a process spawn for subprocess servers);
// a cache hit under an unchanged configuration fingerprint skips that
// cost entirely.
package schemacache

import (
	"context"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jkaninda/mcpbox/internal/schema"
)

// Entry is one cached schema snapshot for a (server, fingerprint) pair.
type Entry struct {
	Tools         []schema.ToolDescriptor   `json:"tools"`
	Prompts       []schema.PromptDescriptor `json:"prompts,omitempty"`
	InterfaceText string                    `json:"interface_text"`
	Fingerprint   string                    `json:"fingerprint"`
	CachedAt      time.Time                 `json:"cached_at"`
}

// Store is the persisted cache tier. Implementations survive process
// restarts; the in-process tier does not.
type Store interface {
	Get(ctx context.Context, name, fingerprint string) (*Entry, bool, error)
	Put(ctx context.Context, name string, entry *Entry) error
	// Invalidate removes every entry recorded for the server name,
	// across all historical fingerprints. Returns the purge count.
	Invalidate(ctx context.Context, name string) (int, error)
	// Sweep removes persisted entries cached before the cutoff.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Cache is the two-tier schema cache. Safe for concurrent use.
type Cache struct {
	mem    *lru.Cache[string, *Entry]
	store  Store // nil = memory-only (tests, ephemeral runs).
	logger *slog.Logger
}

// New creates a Cache with the given in-process capacity over an
// optional persisted store.
func New(memEntries int, store Store, logger *slog.Logger) (*Cache, error) {
	mem, err := lru.New[string, *Entry](memEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{mem: mem, store: store, logger: logger}, nil
}

func key(name, fingerprint string) string {
	return name + "\x00" + fingerprint
}

// Get looks up an entry, checking the in-process tier first. A persisted
// hit is promoted into memory. An entry is trusted only when its stored
// fingerprint equals the one recomputed from the current configuration,
// which the key encodes.
func (c *Cache) Get(ctx context.Context, name, fingerprint string) (*Entry, bool) {
	k := key(name, fingerprint)
	if e, ok := c.mem.Get(k); ok {
		return e, true
	}
	if c.store == nil {
		return nil, false
	}

	e, ok, err := c.store.Get(ctx, name, fingerprint)
	if err != nil {
		c.logger.Warn("persisted schema cache lookup failed",
			slog.String("server", name),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	c.mem.Add(k, e)
	return e, true
}

// Put stores an entry in both tiers.
func (c *Cache) Put(ctx context.Context, name string, entry *Entry) {
	c.mem.Add(key(name, entry.Fingerprint), entry)
	if c.store == nil {
		return
	}
	if err := c.store.Put(ctx, name, entry); err != nil {
		c.logger.Warn("persisting schema cache entry failed",
			slog.String("server", name),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate purges every entry for the server name from both tiers.
// A server can have multiple fingerprints recorded historically; all go.
func (c *Cache) Invalidate(ctx context.Context, name string) int {
	prefix := name + "\x00"
	for _, k := range c.mem.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.mem.Remove(k)
		}
	}

	if c.store == nil {
		return 0
	}
	n, err := c.store.Invalidate(ctx, name)
	if err != nil {
		c.logger.Warn("persisted schema cache invalidation failed",
			slog.String("server", name),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return n
}

// Sweep removes persisted entries older than the TTL. The in-process
// tier is left alone: it is already bounded by the LRU and cleared on
// restart.
func (c *Cache) Sweep(ctx context.Context, ttl time.Duration) int {
	if c.store == nil {
		return 0
	}
	n, err := c.store.Sweep(ctx, time.Now().Add(-ttl))
	if err != nil {
		c.logger.Warn("schema cache sweep failed", slog.String("error", err.Error()))
		return 0
	}
	if n > 0 {
		c.logger.Info("schema cache swept", slog.Int("purged", n))
	}
	return n
}

// Close releases the persisted store.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}
