// Package cache implements the two-tier response cache: an in-process LRU
// with TTL and byte-budget eviction (doubly-linked list, O(1) operations)
// in front of a durable persistent tier. Lookups consult memory first, then
// the persistent tier, backfilling memory on a persistent hit. The
// persistent tier is internal/store rather than a bare *redis.Client, so
// bbolt and redis are interchangeable behind one interface.
package cache

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/RobLe3/claudette/internal/clock"
	"github.com/RobLe3/claudette/internal/domain"
	"github.com/RobLe3/claudette/internal/errs"
	"github.com/RobLe3/claudette/internal/fingerprint"
	"github.com/RobLe3/claudette/internal/store"
)

const bucketName = "cache_entries"

// Entry is one cache record.
type Entry struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Response    domain.Response         `json:"response"`
	CreatedAt   time.Time               `json:"created_at"`
	ExpiresAt   time.Time               `json:"expires_at"`
	SizeBytes   int                     `json:"size_bytes"`
}

// Config tunes the cache.
type Config struct {
	TTL                time.Duration
	MaxEntries          int
	MaxBytes            int64
	MaxSingleEntryBytes int64
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10_000
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 64 << 20
	}
	if c.MaxSingleEntryBytes <= 0 {
		c.MaxSingleEntryBytes = 1 << 20
	}
	return c
}

// Stats is the result of Stats().
type Stats struct {
	TotalRequests int64
	TotalHits     int64
	EntryCount    int
	MemoryBytes   int64
}

// Cache is the two-tier response cache.
type Cache struct {
	cfg    Config
	clk    clock.Clock
	durable store.Store
	logger *zap.Logger

	// OnDegrade, if set, is invoked when the persistent tier fails twice in
	// a row and the cache degrades to memory-only for that operation. The
	// router wires this to append a ledger warning event.
	OnDegrade func(err error)

	mu          sync.Mutex
	items       map[fingerprint.Fingerprint]*node
	head, tail  *node
	memoryBytes int64

	totalRequests atomic.Int64
	totalHits     atomic.Int64
}

type node struct {
	entry      Entry
	prev, next *node
}

// New constructs a Cache. durable may be nil to run memory-only.
func New(cfg Config, clk clock.Clock, durable store.Store, logger *zap.Logger) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{
		cfg:     cfg.withDefaults(),
		clk:     clk,
		durable: durable,
		logger:  logger,
		items:   make(map[fingerprint.Fingerprint]*node),
	}
}

// Get consults memory then the persistent tier, promoting a persistent hit
// to memory. A miss (including TTL expiry) returns ok=false.
func (c *Cache) Get(fp fingerprint.Fingerprint) (domain.Response, bool) {
	c.totalRequests.Add(1)

	if resp, ok := c.getMemory(fp); ok {
		c.totalHits.Add(1)
		return resp, true
	}

	if c.durable == nil {
		return domain.Response{}, false
	}

	entry, err := c.getPersistent(fp)
	if err != nil {
		return domain.Response{}, false
	}
	if c.clk.Now().After(entry.ExpiresAt) {
		return domain.Response{}, false
	}

	c.putMemory(entry)
	c.totalHits.Add(1)
	return entry.Response, true
}

func (c *Cache) getMemory(fp fingerprint.Fingerprint) (domain.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[fp]
	if !ok {
		return domain.Response{}, false
	}
	if c.clk.Now().After(n.entry.ExpiresAt) {
		c.removeLocked(n)
		return domain.Response{}, false
	}
	c.moveToFrontLocked(n)
	return n.entry.Response, true
}

func (c *Cache) getPersistent(fp fingerprint.Fingerprint) (Entry, error) {
	raw, err := withRetryOnce(func() ([]byte, error) {
		return c.durable.Get(bucketName, fp[:])
	})
	if err != nil {
		if err != store.ErrNotFound && c.OnDegrade != nil {
			c.OnDegrade(errs.Wrap(errs.KindInternal, err))
		}
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Set inserts a response into both tiers with expires_at = now + ttl.
// ttl of 0 disables caching for this call. An empty-content response is
// rejected with invalid_entry.
func (c *Cache) Set(fp fingerprint.Fingerprint, resp domain.Response, ttl time.Duration) error {
	if resp.Content == "" {
		return errs.New(errs.KindInvalidRequest, "invalid_entry: cannot cache empty-content response")
	}
	if ttl == 0 {
		return nil
	}
	if ttl < 0 {
		ttl = c.cfg.TTL
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err)
	}
	size := len(data)
	if int64(size) > c.cfg.MaxSingleEntryBytes {
		return nil // too large to cache, not an error
	}

	entry := Entry{
		Fingerprint: fp,
		Response:    resp,
		CreatedAt:   c.clk.Now(),
		ExpiresAt:   c.clk.Now().Add(ttl),
		SizeBytes:   size,
	}

	c.putMemory(entry)

	if c.durable != nil {
		encoded, _ := json.Marshal(entry)
		_, err := withRetryOnce(func() ([]byte, error) {
			return nil, c.durable.Put(bucketName, fp[:], encoded)
		})
		if err != nil && c.OnDegrade != nil {
			c.OnDegrade(errs.Wrap(errs.KindInternal, err))
		}
	}
	return nil
}

func (c *Cache) putMemory(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[entry.Fingerprint]; ok {
		c.memoryBytes -= int64(n.entry.SizeBytes)
		n.entry = entry
		c.memoryBytes += int64(entry.SizeBytes)
		c.moveToFrontLocked(n)
	} else {
		n := &node{entry: entry}
		c.items[entry.Fingerprint] = n
		c.addFrontLocked(n)
		c.memoryBytes += int64(entry.SizeBytes)
	}

	for (len(c.items) > c.cfg.MaxEntries || c.memoryBytes > c.cfg.MaxBytes) && c.tail != nil {
		c.evictLocked(c.tail)
	}
}

// Invalidate removes every entry (in both tiers) matching predicate.
func (c *Cache) Invalidate(predicate func(Entry) bool) {
	c.mu.Lock()
	var toRemove []*node
	for n := c.head; n != nil; n = n.next {
		if predicate(n.entry) {
			toRemove = append(toRemove, n)
		}
	}
	for _, n := range toRemove {
		c.removeLocked(n)
	}
	c.mu.Unlock()

	if c.durable == nil {
		return
	}
	var keys [][]byte
	_ = c.durable.Scan(bucketName, nil, nil, false, func(k, v []byte) bool {
		var e Entry
		if json.Unmarshal(v, &e) == nil && predicate(e) {
			keys = append(keys, append([]byte(nil), k...))
		}
		return true
	})
	for _, k := range keys {
		_ = c.durable.Delete(bucketName, k)
	}
}

// Stats reports cache-wide counters. Hit-rate counters are
// eventually consistent but never regress.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.items)
	bytes := c.memoryBytes
	c.mu.Unlock()

	return Stats{
		TotalRequests: c.totalRequests.Load(),
		TotalHits:     c.totalHits.Load(),
		EntryCount:    entries,
		MemoryBytes:   bytes,
	}
}

func (c *Cache) addFrontLocked(n *node) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *Cache) moveToFrontLocked(n *node) {
	if n == c.head {
		return
	}
	c.unlinkLocked(n)
	c.addFrontLocked(n)
}

func (c *Cache) unlinkLocked(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
}

func (c *Cache) removeLocked(n *node) {
	c.unlinkLocked(n)
	delete(c.items, n.entry.Fingerprint)
	c.memoryBytes -= int64(n.entry.SizeBytes)
}

func (c *Cache) evictLocked(n *node) {
	c.removeLocked(n)
}

// withRetryOnce retries a persistent-store op once after 50ms; a second
// failure degrades the operation to memory-only at the call site.
func withRetryOnce[T any](op func() (T, error)) (T, error) {
	v, err := op()
	if err == nil || err == store.ErrNotFound {
		return v, err
	}
	time.Sleep(50 * time.Millisecond)
	return op()
}
