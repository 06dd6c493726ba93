// Package cache stores previously computed completions, bounded by a byte
// budget with LRU eviction and a separate age-based cleanup pass.
package cache

import (
	"container/heap"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	codelet "github.com/Paranoid-AF/codelet"
)

// DefaultStaleAfter is the age after which Cleanup may drop an entry.
const DefaultStaleAfter = 5 * time.Minute

// entryOverhead approximates per-entry bookkeeping in bytes.
const entryOverhead = 64

// Key identifies a cached completion. Document scopes invalidation on edit;
// Fingerprint summarizes the request state (see Fingerprint).
type Key struct {
	Document    string
	Fingerprint string
}

func (k Key) storeKey() string {
	return documentPrefix(k.Document) + k.Fingerprint
}

func documentPrefix(document string) string {
	return document + "\x00"
}

// Fingerprint hashes the document content, the cursor position and a tag
// describing the configuration that influences the output.
func Fingerprint(text string, pos codelet.Position, configTag string) string {
	h := sha256.New()
	content := sha256.Sum256([]byte(text))
	h.Write(content[:])
	fmt.Fprintf(h, "\x00%d:%d\x00%s", pos.Line, pos.Column, configTag)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Stats is a snapshot of cache counters.
type Stats struct {
	TotalRequests int64   `json:"total_requests"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Size          int64   `json:"size"`
	Entries       int     `json:"entries"`
	Evictions     int64   `json:"evictions"`
}

type entry struct {
	key        Key
	value      codelet.Result
	size       int64
	lastAccess time.Time
	seq        uint64 // tie-breaker for equal timestamps
	elem       *list.Element
	heapIdx    int
}

// ageHeap is a min-heap of entries ordered by last access.
type ageHeap []*entry

func (h ageHeap) Len() int { return len(h) }

func (h ageHeap) Less(i, j int) bool {
	if h[i].lastAccess.Equal(h[j].lastAccess) {
		return h[i].seq < h[j].seq
	}
	return h[i].lastAccess.Before(h[j].lastAccess)
}

func (h ageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *ageHeap) Push(x any) {
	e := x.(*entry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *ageHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

// Cache is safe for concurrent use. All mutations of the entry set and the
// aggregate size happen under one mutex; store I/O happens outside it.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
	lru     *list.List // front = most recently used
	ages    ageHeap
	size    int64
	seq     uint64

	total     int64
	hits      int64
	misses    int64
	evictions int64

	maxSize    int64
	budget     func() int64
	staleAfter time.Duration
	store      Store
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxSize caps the aggregate size in bytes. 0 means no fixed cap.
func WithMaxSize(n int64) Option {
	return func(c *Cache) { c.maxSize = n }
}

// WithBudget supplies a dynamic size budget, typically the resource
// monitor's cache allocation. The effective budget is the smaller of this
// and WithMaxSize.
func WithBudget(fn func() int64) Option {
	return func(c *Cache) { c.budget = fn }
}

// WithStaleAfter sets the age threshold used by Cleanup.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithStore enables persistence through a blob store.
func WithStore(s Store) Option {
	return func(c *Cache) { c.store = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger for store failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[Key]*entry),
		lru:        list.New(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get looks up key, counting a hit or a miss. On a memory miss the store is
// consulted; store failures count as misses.
func (c *Cache) Get(ctx context.Context, key Key) (codelet.Result, bool) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.total++
		c.hits++
		c.touchLocked(e)
		v := e.value
		c.mu.Unlock()
		cacheHits.Inc()
		return v, true
	}
	if c.store == nil {
		c.total++
		c.misses++
		c.mu.Unlock()
		cacheMisses.Inc()
		return codelet.Result{}, false
	}
	c.mu.Unlock()

	v, err := c.load(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("cache store read failed", "document", key.Document, "error", err)
		}
		c.mu.Lock()
		c.total++
		c.misses++
		c.mu.Unlock()
		cacheMisses.Inc()
		return codelet.Result{}, false
	}

	budget := c.currentBudget()
	c.mu.Lock()
	c.total++
	c.hits++
	if e, ok := c.entries[key]; ok {
		c.touchLocked(e)
		v = e.value
	} else {
		c.insertLocked(key, v)
		c.evictLocked(budget)
	}
	c.mu.Unlock()
	cacheHits.Inc()
	return v, true
}

// Set inserts or overwrites key, then evicts least recently used entries
// until the aggregate size fits the budget.
func (c *Cache) Set(ctx context.Context, key Key, value codelet.Result) {
	budget := c.currentBudget()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.size -= e.size
		e.value = value
		e.size = estimateSize(key, value)
		c.size += e.size
		c.touchLocked(e)
	} else {
		c.insertLocked(key, value)
	}
	c.evictLocked(budget)
	_, kept := c.entries[key]
	c.mu.Unlock()

	if kept && c.store != nil {
		if err := c.save(ctx, key, value); err != nil {
			c.logger.Warn("cache store write failed", "document", key.Document, "error", err)
		}
	}
}

// Delete removes key from memory and from the store.
func (c *Cache) Delete(ctx context.Context, key Key) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	c.deleteStored(ctx, []Key{key})
}

// InvalidateDocument drops every entry for a document, in memory and in the
// store, and returns how many in-memory entries were removed.
func (c *Cache) InvalidateDocument(ctx context.Context, document string) int {
	removed := 0
	c.mu.Lock()
	for k, e := range c.entries {
		if k.Document == document {
			c.removeLocked(e)
			removed++
		}
	}
	c.mu.Unlock()
	c.dropStored(ctx, documentPrefix(document))
	return removed
}

// Cleanup removes entries that are older than the staleness threshold and
// fall in the older half of the cache by last access. A cache made only of
// stale entries loses half of them; recently used entries are never touched.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.staleAfter)
	quota := len(c.entries) / 2
	removed := 0
	for removed < quota && c.ages.Len() > 0 {
		oldest := c.ages[0]
		if !oldest.lastAccess.Before(cutoff) {
			break
		}
		c.removeLocked(oldest)
		removed++
	}
	if removed > 0 {
		c.logger.Debug("cache cleanup", "removed", removed, "remaining", len(c.entries))
	}
	return removed
}

// Clear removes all entries, including every persisted copy, and resets
// statistics.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[Key]*entry)
	c.lru.Init()
	c.ages = nil
	c.size = 0
	c.total, c.hits, c.misses, c.evictions = 0, 0, 0, 0
	c.mu.Unlock()

	cacheSize.Set(0)
	c.dropStored(ctx, "")
}

// GetStats returns a snapshot of the counters.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rate float64
	if c.total > 0 {
		rate = float64(c.hits) / float64(c.total)
	}
	return Stats{
		TotalRequests: c.total,
		Hits:          c.hits,
		Misses:        c.misses,
		HitRate:       rate,
		Size:          c.size,
		Entries:       len(c.entries),
		Evictions:     c.evictions,
	}
}

// currentBudget returns the effective byte budget, or -1 for unbounded.
// Called without the lock held: the budget function may sample memory.
func (c *Cache) currentBudget() int64 {
	budget := int64(-1)
	if c.maxSize > 0 {
		budget = c.maxSize
	}
	if c.budget != nil {
		if b := c.budget(); b >= 0 && (budget < 0 || b < budget) {
			budget = b
		}
	}
	return budget
}

func (c *Cache) insertLocked(key Key, value codelet.Result) {
	c.seq++
	e := &entry{
		key:        key,
		value:      value,
		size:       estimateSize(key, value),
		lastAccess: c.now(),
		seq:        c.seq,
	}
	e.elem = c.lru.PushFront(e)
	heap.Push(&c.ages, e)
	c.entries[key] = e
	c.size += e.size
	cacheSize.Set(float64(c.size))
}

func (c *Cache) touchLocked(e *entry) {
	c.seq++
	e.lastAccess = c.now()
	e.seq = c.seq
	c.lru.MoveToFront(e.elem)
	heap.Fix(&c.ages, e.heapIdx)
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	if e.heapIdx >= 0 {
		heap.Remove(&c.ages, e.heapIdx)
	}
	delete(c.entries, e.key)
	c.size -= e.size
	cacheSize.Set(float64(c.size))
}

// evictLocked trims memory only. Persisted copies stay behind as a second
// tier, bounded by the store TTL and removed by Clear and InvalidateDocument.
func (c *Cache) evictLocked(budget int64) {
	if budget < 0 {
		return
	}
	for c.size > budget && c.lru.Len() > 0 {
		e := c.lru.Back().Value.(*entry)
		c.removeLocked(e)
		c.evictions++
		cacheEvictions.Inc()
	}
}

func (c *Cache) load(ctx context.Context, key Key) (codelet.Result, error) {
	data, err := c.store.Get(ctx, key.storeKey())
	if err != nil {
		return codelet.Result{}, err
	}
	var v codelet.Result
	if err := json.Unmarshal(data, &v); err != nil {
		return codelet.Result{}, fmt.Errorf("decode cached result: %w", err)
	}
	return v, nil
}

func (c *Cache) save(ctx context.Context, key Key, value codelet.Result) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key.storeKey(), data)
}

func (c *Cache) deleteStored(ctx context.Context, keys []Key) {
	if c.store == nil {
		return
	}
	for _, k := range keys {
		if err := c.store.Delete(ctx, k.storeKey()); err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Warn("cache store delete failed", "document", k.Document, "error", err)
		}
	}
}

// dropStored removes persisted entries under prefix, including ones that
// were evicted from memory or written by an earlier process.
func (c *Cache) dropStored(ctx context.Context, prefix string) {
	if c.store == nil {
		return
	}
	if err := c.store.DeletePrefix(ctx, prefix); err != nil {
		c.logger.Warn("cache store drop failed", "prefix", strings.TrimSuffix(prefix, "\x00"), "error", err)
	}
}

func estimateSize(key Key, value codelet.Result) int64 {
	return int64(len(key.Document)+len(key.Fingerprint)+len(value.Text)+len(value.Source)) + entryOverhead
}
