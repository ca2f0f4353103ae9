// Package cache implements the in-process multi-tier response cache.
// Entries live in one of three tiers (hot, warm, cold) ordered by access
// frequency and compression effort. Values are stored as opaque serialized
// blobs keyed by a stable fingerprint of the typed payload.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conclave-ai/conclave/core"
	"github.com/conclave-ai/conclave/telemetry"
)

// Tier identifies a cache tier
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// tierOrder is the lookup order, hottest first
var tierOrder = [3]Tier{TierHot, TierWarm, TierCold}

// entryOverhead approximates per-entry bookkeeping bytes for the memory
// footprint estimate
const entryOverhead = 96

// promoteToHotAccesses and promoteToWarmAccesses are the access counts that
// trigger tier promotion
const (
	promoteToHotAccesses  = 3
	promoteToWarmAccesses = 2
)

// staleAfter is how long an untouched entry stays before demotion
const staleAfter = 10 * time.Minute

// memoryPressureRatio is the footprint share of MaxMemory that triggers
// aggressive cleanup
const memoryPressureRatio = 0.8

type entry struct {
	key         string
	data        []byte
	compressed  bool
	createdAt   time.Time
	expiresAt   time.Time
	accessCount int
	lastAccess  time.Time
}

func (e *entry) size() int64 {
	return int64(len(e.data) + len(e.key) + entryOverhead)
}

type tierData struct {
	entries  map[string]*entry
	capacity int
	ttl      time.Duration
}

// Stats provides cache performance counters.
// Hits + Misses always equals GetCalls.
type Stats struct {
	GetCalls    int64   `json:"get_calls"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Promotions  int64   `json:"promotions"`
	Demotions   int64   `json:"demotions"`
	HitRate     float64 `json:"hit_rate"`
	SizeHot     int     `json:"size_hot"`
	SizeWarm    int     `json:"size_warm"`
	SizeCold    int     `json:"size_cold"`
	MemoryUsage int64   `json:"memory_bytes"`
}

// Options configures a MultiTierCache
type Options struct {
	MaxMemoryBytes    int64
	CompressThreshold int
	MaxHot            int
	MaxWarm           int
	MaxCold           int
	TTLHot            time.Duration
	TTLWarm           time.Duration
	TTLCold           time.Duration
	CleanupInterval   time.Duration
	Logger            core.Logger
}

// DefaultOptions returns production cache defaults
func DefaultOptions() Options {
	return Options{
		MaxMemoryBytes:    200 * 1024 * 1024,
		CompressThreshold: 512,
		MaxHot:            1000,
		MaxWarm:           5000,
		MaxCold:           44000,
		TTLHot:            10 * time.Minute,
		TTLWarm:           time.Hour,
		TTLCold:           4 * time.Hour,
		CleanupInterval:   2 * time.Minute,
	}
}

// FromConfig builds cache options from engine configuration
func FromConfig(cfg core.CacheConfig, logger core.Logger) Options {
	return Options{
		MaxMemoryBytes:    int64(cfg.MaxMemoryMB) * 1024 * 1024,
		CompressThreshold: cfg.CompressThresholdBytes,
		MaxHot:            cfg.TierMaxHot,
		MaxWarm:           cfg.TierMaxWarm,
		MaxCold:           cfg.TierMaxCold,
		TTLHot:            cfg.TTLHot,
		TTLWarm:           cfg.TTLWarm,
		TTLCold:           cfg.TTLCold,
		CleanupInterval:   2 * time.Minute,
		Logger:            logger,
	}
}

// MultiTierCache is the process-wide hot/warm/cold cache.
// A key exists in at most one tier at any time. The map mutations hold the
// cache lock; serialization and compression run outside it.
type MultiTierCache struct {
	mu        sync.Mutex
	tiers     map[Tier]*tierData
	footprint int64

	compressThreshold int
	maxMemory         int64
	cleanupInterval   time.Duration
	logger            core.Logger

	getCalls    atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	promotions  atomic.Int64
	demotions   atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a multi-tier cache and starts its maintenance loop
func New(opts Options) *MultiTierCache {
	def := DefaultOptions()
	if opts.MaxMemoryBytes <= 0 {
		opts.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if opts.CompressThreshold <= 0 {
		opts.CompressThreshold = def.CompressThreshold
	}
	if opts.MaxHot <= 0 {
		opts.MaxHot = def.MaxHot
	}
	if opts.MaxWarm <= 0 {
		opts.MaxWarm = def.MaxWarm
	}
	if opts.MaxCold <= 0 {
		opts.MaxCold = def.MaxCold
	}
	if opts.TTLHot <= 0 {
		opts.TTLHot = def.TTLHot
	}
	if opts.TTLWarm <= 0 {
		opts.TTLWarm = def.TTLWarm
	}
	if opts.TTLCold <= 0 {
		opts.TTLCold = def.TTLCold
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = def.CleanupInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("conclave/cache")
	}

	c := &MultiTierCache{
		tiers: map[Tier]*tierData{
			TierHot:  {entries: make(map[string]*entry), capacity: opts.MaxHot, ttl: opts.TTLHot},
			TierWarm: {entries: make(map[string]*entry), capacity: opts.MaxWarm, ttl: opts.TTLWarm},
			TierCold: {entries: make(map[string]*entry), capacity: opts.MaxCold, ttl: opts.TTLCold},
		},
		compressThreshold: opts.CompressThreshold,
		maxMemory:         opts.MaxMemoryBytes,
		cleanupInterval:   opts.CleanupInterval,
		logger:            logger,
		stopCh:            make(chan struct{}),
	}

	go c.maintenanceLoop()

	return c
}

// Set stores a value with the given TTL (ttl <= 0 uses the target tier's
// default). The value round-trips through JSON serialization, optionally
// compressed for warm and cold entries over the threshold.
func (c *MultiTierCache) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize cache value: %w", err)
	}

	tier := c.targetTier(key, len(data))

	compressed := false
	if tier != TierHot && len(data) > c.compressThreshold {
		compressedData, err := Compress(data)
		if err != nil {
			return fmt.Errorf("failed to compress cache value: %w", err)
		}
		data = compressedData
		compressed = true
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// A key lives in exactly one tier; drop any previous entry first
	c.removeLocked(key)

	td := c.tiers[tier]
	if len(td.entries) >= td.capacity {
		c.evictLRULocked(tier)
	}

	if ttl <= 0 {
		ttl = td.ttl
	}

	e := &entry{
		key:        key,
		data:       data,
		compressed: compressed,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
	td.entries[key] = e
	c.footprint += e.size()

	c.logger.Debug("Cache entry stored", map[string]interface{}{
		"operation":  "cache_set",
		"key":        key,
		"tier":       string(tier),
		"compressed": compressed,
		"value_size": len(data),
		"ttl_ms":     ttl.Milliseconds(),
	})

	return nil
}

// Get retrieves a value into dest, returning whether the key was found.
// Expired entries are removed and count as misses. Hits update the access
// pattern and may promote the entry to a hotter tier.
func (c *MultiTierCache) Get(key string, dest interface{}) (bool, error) {
	c.getCalls.Add(1)

	data, compressed, found := c.lookup(key)
	if !found {
		c.misses.Add(1)
		telemetry.Counter("cache.lookups", "result", "miss")
		return false, nil
	}

	if compressed {
		raw, err := Decompress(data)
		if err != nil {
			c.misses.Add(1)
			c.Delete(key)
			return false, fmt.Errorf("failed to decompress cache value: %w", err)
		}
		data = raw
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.misses.Add(1)
		c.Delete(key)
		return false, fmt.Errorf("failed to deserialize cache value: %w", err)
	}

	c.hits.Add(1)
	telemetry.Counter("cache.lookups", "result", "hit")
	return true, nil
}

// lookup finds a live entry, updates its access pattern, and applies
// promotion. Returns a copy of the stored bytes so decompression and
// deserialization run outside the lock.
func (c *MultiTierCache) lookup(key string) (data []byte, compressed bool, found bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tier := range tierOrder {
		td := c.tiers[tier]
		e, ok := td.entries[key]
		if !ok {
			continue
		}

		if !e.expiresAt.After(now) {
			delete(td.entries, key)
			c.footprint -= e.size()
			c.expirations.Add(1)
			return nil, false, false
		}

		e.accessCount++
		e.lastAccess = now
		c.maybePromoteLocked(tier, e)

		buf := make([]byte, len(e.data))
		copy(buf, e.data)
		return buf, e.compressed, true
	}

	return nil, false, false
}

// maybePromoteLocked moves a frequently accessed entry up one or two tiers.
// Promotion to hot stores the value uncompressed.
func (c *MultiTierCache) maybePromoteLocked(tier Tier, e *entry) {
	var target Tier
	switch {
	case tier != TierHot && e.accessCount >= promoteToHotAccesses:
		target = TierHot
	case tier == TierCold && e.accessCount >= promoteToWarmAccesses:
		target = TierWarm
	default:
		return
	}

	if target == TierHot && e.compressed {
		raw, err := Decompress(e.data)
		if err != nil {
			return
		}
		c.footprint += int64(len(raw) - len(e.data))
		e.data = raw
		e.compressed = false
	}

	c.moveLocked(tier, target, e)
	c.promotions.Add(1)

	c.logger.Debug("Cache entry promoted", map[string]interface{}{
		"operation":    "cache_promote",
		"key":          e.key,
		"from":         string(tier),
		"to":           string(target),
		"access_count": e.accessCount,
	})
}

// moveLocked relocates an entry between tiers, evicting from the target if
// it is at capacity
func (c *MultiTierCache) moveLocked(from, to Tier, e *entry) {
	delete(c.tiers[from].entries, e.key)

	target := c.tiers[to]
	if len(target.entries) >= target.capacity {
		c.evictLRULocked(to)
	}
	target.entries[e.key] = e
}

// Delete removes a key from every tier
func (c *MultiTierCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *MultiTierCache) removeLocked(key string) {
	for _, tier := range tierOrder {
		if e, ok := c.tiers[tier].entries[key]; ok {
			delete(c.tiers[tier].entries, key)
			c.footprint -= e.size()
			return
		}
	}
}

// evictLRULocked drops the least recently accessed entry from a tier
func (c *MultiTierCache) evictLRULocked(tier Tier) {
	td := c.tiers[tier]

	var victim *entry
	for _, e := range td.entries {
		if victim == nil || e.lastAccess.Before(victim.lastAccess) {
			victim = e
		}
	}
	if victim == nil {
		return
	}

	delete(td.entries, victim.key)
	c.footprint -= victim.size()
	c.evictions.Add(1)

	c.logger.Debug("Cache entry evicted", map[string]interface{}{
		"operation": "cache_evict",
		"key":       victim.key,
		"tier":      string(tier),
		"reason":    "lru",
	})
}

// targetTier picks the tier for a new entry: oversized values go cold,
// otherwise the key prefix decides
func (c *MultiTierCache) targetTier(key string, serializedSize int) Tier {
	if serializedSize > 4*c.compressThreshold {
		return TierCold
	}
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			if key[:i] == PrefixEnsemble {
				return TierHot
			}
			break
		}
	}
	return TierWarm
}

// Stats returns a snapshot of cache counters
func (c *MultiTierCache) Stats() Stats {
	c.mu.Lock()
	sizeHot := len(c.tiers[TierHot].entries)
	sizeWarm := len(c.tiers[TierWarm].entries)
	sizeCold := len(c.tiers[TierCold].entries)
	memory := c.footprint
	c.mu.Unlock()

	stats := Stats{
		GetCalls:    c.getCalls.Load(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
		Promotions:  c.promotions.Load(),
		Demotions:   c.demotions.Load(),
		SizeHot:     sizeHot,
		SizeWarm:    sizeWarm,
		SizeCold:    sizeCold,
		MemoryUsage: memory,
	}
	if stats.GetCalls > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.GetCalls)
	}
	return stats
}

// Stop terminates the maintenance loop
func (c *MultiTierCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *MultiTierCache) maintenanceLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Maintain()
		case <-c.stopCh:
			return
		}
	}
}

// Maintain runs one maintenance pass: purge expired entries, demote stale
// ones, and, under memory pressure, LRU-evict from cold until the footprint
// is back under the limit.
func (c *MultiTierCache) Maintain() {
	c.mu.Lock()

	c.purgeExpiredLocked()
	c.demoteStaleLocked()

	pressureLimit := int64(float64(c.maxMemory) * memoryPressureRatio)
	evicted := 0
	for c.footprint > pressureLimit && len(c.tiers[TierCold].entries) > 0 {
		c.evictLRULocked(TierCold)
		evicted++
	}

	footprint := c.footprint
	c.mu.Unlock()

	telemetry.Gauge("cache.memory_bytes", float64(footprint))

	if evicted > 0 {
		c.logger.Warn("Cache memory pressure cleanup", map[string]interface{}{
			"operation":       "cache_pressure_cleanup",
			"evicted":         evicted,
			"footprint_bytes": footprint,
			"limit_bytes":     pressureLimit,
		})
	}
}

func (c *MultiTierCache) purgeExpiredLocked() {
	now := time.Now()
	for _, tier := range tierOrder {
		td := c.tiers[tier]
		for key, e := range td.entries {
			if !e.expiresAt.After(now) {
				delete(td.entries, key)
				c.footprint -= e.size()
				c.expirations.Add(1)
			}
		}
	}
}

// demoteStaleLocked pushes untouched entries down one tier, compressing
// values that cross the threshold on the way down
func (c *MultiTierCache) demoteStaleLocked() {
	now := time.Now()

	demote := func(from, to Tier) {
		td := c.tiers[from]
		for _, e := range td.entries {
			if now.Sub(e.lastAccess) <= staleAfter {
				continue
			}
			if !e.compressed && len(e.data) > c.compressThreshold {
				if compressedData, err := Compress(e.data); err == nil {
					c.footprint += int64(len(compressedData) - len(e.data))
					e.data = compressedData
					e.compressed = true
				}
			}
			c.moveLocked(from, to, e)
			e.accessCount = 0
			c.demotions.Add(1)
		}
	}

	demote(TierWarm, TierCold)
	demote(TierHot, TierWarm)
}
