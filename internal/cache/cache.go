// Package cache implements the destination→strategy cache: a TTL-gated
// mapping from an address key to the strategy index that last worked there.
// Grounded on proxy/cache.go's get/put TTL-expiry shape from the teacher
// repo, generalized from "DNS question → answer" to "address key → strategy
// index" and backed by a concurrent map since flows now run one goroutine
// each (SPEC_FULL.md §5) rather than sharing a single event-loop thread.
package cache

import (
	"context"
	"time"

	"github.com/alphadose/haxmap"
	log "github.com/sirupsen/logrus"

	"github.com/parhelion/desyncproxy/internal/addrkey"
)

// Status reports the outcome of a Lookup.
type Status int

const (
	Miss Status = iota
	Hit
	Stale
)

// Entry is the cached decision for one destination.
type Entry struct {
	Index    int
	LastUsed time.Time
}

// Cache maps addrkey.Key to Entry, gated by a configured TTL. The backing
// map is alphadose/haxmap, a lock-free concurrent hash map (grounded on
// gchux-pcap-sidecar's go.mod), chosen because Lookup/Insert/Delete are now
// called from arbitrary flow goroutines rather than a single event-loop
// thread.
type Cache struct {
	m   *haxmap.Map[string, *Entry]
	ttl time.Duration
}

// New constructs a Cache with the given TTL. A zero TTL means every read is
// immediately stale (degenerates to "no cache").
func New(ttl time.Duration) *Cache {
	return &Cache{
		m:   haxmap.New[string, *Entry](),
		ttl: ttl,
	}
}

// Lookup returns the cached strategy index for dst, or Miss/Stale if absent
// or expired. A Stale entry is left in place (deleted only by Insert,
// Delete, or the sweep goroutine) per SPEC_FULL.md §4.1.
func (c *Cache) Lookup(dst addrkey.Key) (index int, status Status) {
	e, ok := c.m.Get(string(dst))
	if !ok {
		return 0, Miss
	}
	if time.Since(e.LastUsed) > c.ttl {
		log.WithField("dst", dst.Port()).Debug("cache: stale entry treated as miss")
		return 0, Stale
	}
	return e.Index, Hit
}

// Insert upserts dst's strategy index and resets its last-used timestamp.
func (c *Cache) Insert(dst addrkey.Key, index int) {
	c.m.Set(string(dst), &Entry{Index: index, LastUsed: time.Now()})
}

// Delete removes dst's entry, if any.
func (c *Cache) Delete(dst addrkey.Key) {
	c.m.Del(string(dst))
}

// Len reports the number of entries currently stored, stale or not —
// used by the admin /debug/cache endpoint and tests.
func (c *Cache) Len() int {
	return int(c.m.Len())
}

// Snapshot copies out every entry for the admin /debug/cache endpoint.
func (c *Cache) Snapshot() map[string]Entry {
	out := make(map[string]Entry, c.m.Len())
	c.m.ForEach(func(k string, e *Entry) bool {
		out[k] = *e
		return true
	})
	return out
}

// RunEvictionSweep purges entries older than ttl*graceFactor on every tick
// until ctx is canceled. This stands in for the spec's "eviction is the
// external mempool's responsibility" (§4.1): in this rework the mempool is
// this package, so something has to sweep it.
func (c *Cache) RunEvictionSweep(ctx context.Context, tick time.Duration, graceFactor float64) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweep(graceFactor)
		}
	}
}

func (c *Cache) sweep(graceFactor float64) {
	cutoff := time.Duration(float64(c.ttl) * graceFactor)
	var toDelete []string
	c.m.ForEach(func(k string, e *Entry) bool {
		if time.Since(e.LastUsed) > cutoff {
			toDelete = append(toDelete, k)
		}
		return true
	})
	for _, k := range toDelete {
		c.m.Del(k)
	}
	if len(toDelete) > 0 {
		log.WithField("count", len(toDelete)).Debug("cache: swept expired entries")
	}
}
