// Package hotcache keeps a short-lived in-memory view of per-ticket scan
// state so status checks on the hot path never wait on the database. Writes
// go through to the persistent cache; misses backfill from it.
package hotcache

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/scanpoint/backend/internal/store"
)

// DefaultTTL is how long an entry stays hot after its last scan.
const DefaultTTL = 5 * time.Minute

// Entry is the in-memory view of one ticket's scan state.
type Entry struct {
	TicketID      string    `json:"ticketId"`
	ScanCount     int       `json:"scanCount"`
	ScanLocations []string  `json:"scanLocations"`
	LastScan      time.Time `json:"lastScan"`
	IsBlocked     bool      `json:"isBlocked"`
	BlockReason   string    `json:"blockReason,omitempty"`
}

// Replica mirrors hot entries to an external cache shared across instances.
type Replica interface {
	Publish(ctx context.Context, e *Entry, ttl time.Duration) error
	Fetch(ctx context.Context, ticketID string) (*Entry, error)
	Invalidate(ctx context.Context, ticketID string) error
}

// Cache is the hot per-ticket cache in front of the scan store.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	backing store.ScanStore
	replica Replica
	ttl     time.Duration
	logger  *log.Logger
	stop    chan struct{}
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithReplica mirrors entries to a shared external cache.
func WithReplica(r Replica) Option {
	return func(c *Cache) { c.replica = r }
}

// New creates a hot cache backed by the given store.
func New(backing store.ScanStore, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		backing: backing,
		ttl:     DefaultTTL,
		logger:  log.New(log.Writer(), "[HOTCACHE] ", log.LstdFlags),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the periodic TTL sweep.
func (c *Cache) Start() {
	go c.sweepLoop()
}

// Stop terminates the TTL sweep.
func (c *Cache) Stop() {
	close(c.stop)
}

// RecordScan applies one scan to both the hot cache and the backing store,
// returning the fresh per-ticket state including any block decision.
func (c *Cache) RecordScan(ctx context.Context, ticketID, location string, maxScansPerTicket int) (*Entry, error) {
	row, err := c.backing.UpsertTicketCache(ctx, ticketID, location, maxScansPerTicket)
	if err != nil {
		return nil, err
	}

	entry := entryFromRow(row)
	c.mu.Lock()
	c.entries[ticketID] = entry
	c.mu.Unlock()

	c.replicate(ctx, entry)
	return copyEntry(entry), nil
}

// Get answers a ticket status query. Hot hit, then replica, then backing
// store with backfill. Returns store.ErrNotFound for never-scanned tickets.
func (c *Cache) Get(ctx context.Context, ticketID string) (*Entry, error) {
	c.mu.RLock()
	entry, ok := c.entries[ticketID]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.LastScan) <= c.ttl {
		return copyEntry(entry), nil
	}

	if c.replica != nil {
		if entry, err := c.replica.Fetch(ctx, ticketID); err == nil && entry != nil {
			c.backfill(entry)
			return copyEntry(entry), nil
		}
	}

	row, err := c.backing.GetTicketCache(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	entry = entryFromRow(row)
	c.backfill(entry)
	return copyEntry(entry), nil
}

// IsBlocked reports whether a ticket is currently blocked. Unknown tickets
// are not blocked.
func (c *Cache) IsBlocked(ctx context.Context, ticketID string) (bool, string) {
	entry, err := c.Get(ctx, ticketID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Printf("block lookup for %s failed: %v", ticketID, err)
		}
		return false, ""
	}
	return entry.IsBlocked, entry.BlockReason
}

// Invalidate drops a ticket from the hot tier and the replica. The backing
// store row is untouched.
func (c *Cache) Invalidate(ctx context.Context, ticketID string) {
	c.mu.Lock()
	delete(c.entries, ticketID)
	c.mu.Unlock()

	if c.replica != nil {
		if err := c.replica.Invalidate(ctx, ticketID); err != nil {
			c.logger.Printf("replica invalidate for %s failed: %v", ticketID, err)
		}
	}
}

// Size returns the number of hot entries.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) backfill(entry *Entry) {
	c.mu.Lock()
	c.entries[entry.TicketID] = entry
	c.mu.Unlock()
}

func (c *Cache) replicate(ctx context.Context, entry *Entry) {
	if c.replica == nil {
		return
	}
	if err := c.replica.Publish(ctx, entry, c.ttl); err != nil {
		c.logger.Printf("replica publish for %s failed: %v", entry.TicketID, err)
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	cutoff := c.now().Add(-c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	for ticketID, entry := range c.entries {
		if entry.LastScan.Before(cutoff) {
			delete(c.entries, ticketID)
		}
	}
}

func entryFromRow(row *store.TicketCacheRow) *Entry {
	return &Entry{
		TicketID:      row.TicketID,
		ScanCount:     row.ScanCount,
		ScanLocations: append([]string(nil), row.ScanLocations...),
		LastScan:      row.LastScanAt,
		IsBlocked:     row.IsBlocked,
		BlockReason:   row.BlockReason,
	}
}

func copyEntry(e *Entry) *Entry {
	out := *e
	out.ScanLocations = append([]string(nil), e.ScanLocations...)
	return &out
}
