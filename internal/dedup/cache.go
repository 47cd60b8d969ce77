// Package dedup suppresses findings that were remediated recently, so a fix
// observed by the next scan is not applied again.
package dedup

import (
	"sync"
	"time"

	"github.com/picnotebook/configwatch/internal/finding"
)

// Mode selects how handled entries expire.
type Mode string

const (
	// ModeWindow purges every entry at once when TTL has elapsed since the
	// most recent MarkHandled.
	ModeWindow Mode = "window"
	// ModePerEntry expires each entry individually, honouring per-kind TTLs.
	ModePerEntry Mode = "per_entry"

	DefaultTTL = 30 * time.Second
)

// Options configure a Cache.
type Options struct {
	Mode     Mode
	TTL      time.Duration
	KindTTLs map[finding.Kind]time.Duration
	Now      func() time.Time
}

// Cache is the set of structural keys of findings already remediated.
type Cache struct {
	mu       sync.Mutex
	mode     Mode
	ttl      time.Duration
	kindTTLs map[finding.Kind]time.Duration
	now      func() time.Time

	// entries maps key to expiry in per-entry mode and to mark time in window mode.
	entries  map[string]time.Time
	lastMark time.Time
}

// New creates a Cache. Zero options give the 30 second window cache.
func New(opts Options) *Cache {
	if opts.Mode == "" {
		opts.Mode = ModeWindow
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	kindTTLs := make(map[finding.Kind]time.Duration, len(opts.KindTTLs))
	for k, v := range opts.KindTTLs {
		if v > 0 {
			kindTTLs[k] = v
		}
	}
	return &Cache{
		mode:     opts.Mode,
		ttl:      opts.TTL,
		kindTTLs: kindTTLs,
		now:      opts.Now,
		entries:  make(map[string]time.Time),
	}
}

// Mode reports the expiry mode.
func (c *Cache) Mode() Mode { return c.mode }

// TTLFor returns the time-to-live applied to kind.
func (c *Cache) TTLFor(kind finding.Kind) time.Duration {
	if c.mode == ModePerEntry {
		if ttl, ok := c.kindTTLs[kind]; ok {
			return ttl
		}
	}
	return c.ttl
}

// Filter drops findings whose key is handled, preserving order.
func (c *Cache) Filter(findings []finding.Finding) (kept, suppressed []finding.Finding) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked(c.now())
	for _, f := range findings {
		if _, ok := c.entries[f.Key()]; ok {
			suppressed = append(suppressed, f)
			continue
		}
		kept = append(kept, f)
	}
	return kept, suppressed
}

// Contains reports whether f is currently handled.
func (c *Cache) Contains(f finding.Finding) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked(c.now())
	_, ok := c.entries[f.Key()]
	return ok
}

// MarkHandled records f after a successful remediation. In window mode this
// also restarts the window for every entry.
func (c *Cache) MarkHandled(f finding.Finding) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeLocked(now)
	if c.mode == ModePerEntry {
		c.entries[f.Key()] = now.Add(c.TTLFor(f.Kind))
		return
	}
	c.entries[f.Key()] = now
	c.lastMark = now
}

// Purge removes expired entries and returns how many were dropped.
func (c *Cache) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(now)
}

func (c *Cache) purgeLocked(now time.Time) int {
	if len(c.entries) == 0 {
		return 0
	}
	if c.mode == ModePerEntry {
		dropped := 0
		for key, expiry := range c.entries {
			if !now.Before(expiry) {
				delete(c.entries, key)
				dropped++
			}
		}
		return dropped
	}

	if now.Sub(c.lastMark) < c.ttl {
		return 0
	}
	dropped := len(c.entries)
	c.entries = make(map[string]time.Time)
	return dropped
}

// Len returns the number of handled entries, expired ones included until the
// next purge.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
