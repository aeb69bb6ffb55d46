package cache

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tesseradb/tessera/lib/keylock"
	"github.com/tesseradb/tessera/lib/pubsub"
	"github.com/tesseradb/tessera/rpc/protocol"
)

var Logger = logger.GetLogger("cache")

// --------------------------------------------------------------------------
// Entry
// --------------------------------------------------------------------------

// entry is a stored value plus its insertion time and TTL. A zero ttl never
// expires.
type entry struct {
	val        Value
	insertedAt time.Time
	ttl        time.Duration
}

// expiredAt reports whether the entry is expired at the given instant.
func (e *entry) expiredAt(now time.Time) bool {
	return e.ttl != 0 && now.Sub(e.insertedAt) >= e.ttl
}

// remainingTTL returns the TTL left at the given instant. Zero means
// infinite and is preserved as such.
func (e *entry) remainingTTL(now time.Time) time.Duration {
	if e.ttl == 0 {
		return 0
	}
	remaining := e.ttl - now.Sub(e.insertedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// --------------------------------------------------------------------------
// Cache
// --------------------------------------------------------------------------

// Options configures the cache during initialization.
type Options struct {
	// ExpireCheckInterval is the period of the background sweeper.
	// Zero disables the sweeper; lazy expiry on reads still runs.
	ExpireCheckInterval time.Duration

	// Events receives key expiration events on the reserved channel.
	// If nil a private service is created.
	Events *pubsub.Service
}

// Cache is a typed in-memory key-value store with per-key TTL, per-key
// mutual exclusion, lazy plus periodic expiry, and hit/miss statistics.
//
// Thread-safety: all methods are safe for concurrent use. Every operation
// takes the key's lock (unless the caller passes take=false because it
// already serializes mutations, e.g. the replication apply path) and runs
// atomically under it.
type Cache struct {
	entries *xsync.MapOf[string, *entry]
	locks   *keylock.Table
	events  *pubsub.Service

	set     *metrics.Set
	hits    *metrics.Counter
	misses  *metrics.Counter
	expired *metrics.Counter

	sweepInterval time.Duration
	stopSweep     chan struct{}
	closeOnce     sync.Once
}

// New creates a cache and starts its sweeper when an interval is configured.
func New(opts *Options) *Cache {
	if opts == nil {
		opts = &Options{}
	}
	events := opts.Events
	if events == nil {
		events = pubsub.NewService()
	}

	set := metrics.NewSet()
	c := &Cache{
		entries:       xsync.NewMapOf[string, *entry](),
		locks:         keylock.NewTable(),
		events:        events,
		set:           set,
		hits:          set.NewCounter("tessera_cache_hits_total"),
		misses:        set.NewCounter("tessera_cache_misses_total"),
		expired:       set.NewCounter("tessera_cache_expired_keys_total"),
		sweepInterval: opts.ExpireCheckInterval,
		stopSweep:     make(chan struct{}),
	}

	if c.sweepInterval > 0 {
		go c.sweeper()
	}
	return c
}

// Events returns the pub/sub service carrying this cache's expiration
// events.
func (c *Cache) Events() *pubsub.Service { return c.events }

// Close stops the sweeper and drops all entries.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopSweep)
		c.entries.Clear()
	})
}

// --------------------------------------------------------------------------
// Lazy Expiry
// --------------------------------------------------------------------------

// loadValid returns the live entry for key, treating an expired one as
// missing. Discovery of an expired entry removes it, increments
// expired_keys and publishes the key expiration event. The caller must hold
// the key's lock, which guarantees at-most-once emission per key generation.
//
// Miss accounting is left to the caller: only read operations count misses.
func (c *Cache) loadValid(key string) (*entry, bool) {
	e, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	if e.expiredAt(time.Now()) {
		c.entries.Delete(key)
		c.expired.Inc()
		c.events.PublishKeyExpiration(key)
		return nil, false
	}
	return e, true
}

// --------------------------------------------------------------------------
// String Operations
// --------------------------------------------------------------------------

// GetString returns the text stored under key, or nil when the key is
// missing, expired, or holds a null string.
func (c *Cache) GetString(ctx context.Context, key string, take bool) (*string, error) {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return nil, err
	}
	defer release()

	e, ok := c.loadValid(key)
	if !ok {
		c.misses.Inc()
		return nil, nil
	}
	if e.val.Kind != KindString {
		return nil, newShapeError(key, KindString, e.val.Kind)
	}
	c.hits.Inc()
	if e.val.Str == nil {
		return nil, nil
	}
	s := *e.val.Str
	return &s, nil
}

// SetString inserts or replaces key with a text value, resetting the insert
// time. A different stored shape is replaced.
func (c *Cache) SetString(ctx context.Context, key string, val *string, ttl time.Duration, take bool) error {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return err
	}
	defer release()

	c.loadValid(key)
	c.entries.Store(key, &entry{val: StringValue(val), insertedAt: time.Now(), ttl: ttl})
	return nil
}

// --------------------------------------------------------------------------
// Bytes Operations
// --------------------------------------------------------------------------

// GetBytes returns the byte vector stored under key, or nil when the key is
// missing, expired, or holds a null vector.
func (c *Cache) GetBytes(ctx context.Context, key string, take bool) ([]byte, error) {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return nil, err
	}
	defer release()

	e, ok := c.loadValid(key)
	if !ok {
		c.misses.Inc()
		return nil, nil
	}
	if e.val.Kind != KindBytes {
		return nil, newShapeError(key, KindBytes, e.val.Kind)
	}
	c.hits.Inc()
	if e.val.Raw == nil {
		return nil, nil
	}
	out := make([]byte, len(e.val.Raw))
	copy(out, e.val.Raw)
	return out, nil
}

// SetBytes inserts or replaces key with a byte vector, resetting the insert
// time. A different stored shape is replaced.
func (c *Cache) SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration, take bool) error {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return err
	}
	defer release()

	var stored []byte
	if val != nil {
		stored = make([]byte, len(val))
		copy(stored, val)
	}
	c.loadValid(key)
	c.entries.Store(key, &entry{val: BytesValue(stored), insertedAt: time.Now(), ttl: ttl})
	return nil
}

// --------------------------------------------------------------------------
// List Operations
// --------------------------------------------------------------------------

// GetList returns a snapshot of the list stored under key. A missing or
// expired key yields an empty list.
func (c *Cache) GetList(ctx context.Context, key string, take bool) ([]string, error) {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return nil, err
	}
	defer release()

	e, ok := c.loadValid(key)
	if !ok {
		c.misses.Inc()
		return []string{}, nil
	}
	if e.val.Kind != KindList {
		return nil, newShapeError(key, KindList, e.val.Kind)
	}
	c.hits.Inc()
	out := make([]string, len(e.val.List))
	copy(out, e.val.List)
	return out, nil
}

// AddList appends val to the list under key, creating the list when the key
// is missing or expired. Appending to an existing list mutates it in place
// and does not refresh the TTL.
func (c *Cache) AddList(ctx context.Context, key, val string, ttl time.Duration, take bool) error {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return err
	}
	defer release()

	e, ok := c.loadValid(key)
	if !ok {
		c.entries.Store(key, &entry{val: ListValue([]string{val}), insertedAt: time.Now(), ttl: ttl})
		return nil
	}
	if e.val.Kind != KindList {
		return newShapeError(key, KindList, e.val.Kind)
	}
	e.val.List = append(e.val.List, val)
	return nil
}

// RemoveList deletes the first occurrence of val from the list under key.
// When the removal empties the list the key is deleted. A missing or expired
// key is a no-op.
func (c *Cache) RemoveList(ctx context.Context, key, val string, take bool) error {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return err
	}
	defer release()

	e, ok := c.loadValid(key)
	if !ok {
		return nil
	}
	if e.val.Kind != KindList {
		return newShapeError(key, KindList, e.val.Kind)
	}
	for i, item := range e.val.List {
		if item == val {
			e.val.List = append(e.val.List[:i], e.val.List[i+1:]...)
			break
		}
	}
	if len(e.val.List) == 0 {
		c.entries.Delete(key)
	}
	return nil
}

// ContainsList reports whether val is an element of the list under key.
func (c *Cache) ContainsList(ctx context.Context, key, val string, take bool) (bool, error) {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return false, err
	}
	defer release()

	e, ok := c.loadValid(key)
	if !ok {
		c.misses.Inc()
		return false, nil
	}
	if e.val.Kind != KindList {
		return false, newShapeError(key, KindList, e.val.Kind)
	}
	c.hits.Inc()
	for _, item := range e.val.List {
		if item == val {
			return true, nil
		}
	}
	return false, nil
}

// --------------------------------------------------------------------------
// Counter Operations
// --------------------------------------------------------------------------

// SetCounter inserts or replaces key with a counter. Counters always carry
// an infinite TTL; a different stored shape is replaced.
func (c *Cache) SetCounter(ctx context.Context, key string, n int64, take bool) error {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return err
	}
	defer release()

	c.loadValid(key)
	c.entries.Store(key, &entry{val: CounterValue(n), insertedAt: time.Now()})
	return nil
}

// IncrementCounter adds delta to the counter under key and returns the new
// value. A missing or expired key creates the counter with delta.
func (c *Cache) IncrementCounter(ctx context.Context, key string, delta int64, take bool) (int64, error) {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return 0, err
	}
	defer release()

	e, ok := c.loadValid(key)
	if !ok {
		c.misses.Inc()
		c.entries.Store(key, &entry{val: CounterValue(delta), insertedAt: time.Now()})
		return delta, nil
	}
	if e.val.Kind != KindCounter {
		return 0, newShapeError(key, KindCounter, e.val.Kind)
	}
	c.hits.Inc()
	e.val.Counter += delta
	return e.val.Counter, nil
}

// --------------------------------------------------------------------------
// Map Operations
// --------------------------------------------------------------------------

// GetMapValue returns the tagged value stored under key's sub-key, or null
// when the key or sub-key is absent.
func (c *Cache) GetMapValue(ctx context.Context, key, sub string, take bool) (protocol.TaggedValue, error) {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return protocol.Null(), err
	}
	defer release()

	e, ok := c.loadValid(key)
	if !ok {
		c.misses.Inc()
		return protocol.Null(), nil
	}
	if e.val.Kind != KindMap {
		return protocol.Null(), newShapeError(key, KindMap, e.val.Kind)
	}
	c.hits.Inc()
	v, ok := e.val.Map[sub]
	if !ok {
		return protocol.Null(), nil
	}
	return v, nil
}

// SetMapValue sets one sub-key of the map under key, creating the map with
// an infinite TTL when the key is missing or expired. Sub-key mutation never
// affects the container's TTL; only whole-map SetMap accepts one, so the ttl
// argument is ignored.
func (c *Cache) SetMapValue(ctx context.Context, key, sub string, val protocol.TaggedValue, ttl time.Duration, take bool) error {
	_ = ttl

	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return err
	}
	defer release()

	e, ok := c.loadValid(key)
	if !ok {
		c.entries.Store(key, &entry{
			val:        MapValue(map[string]protocol.TaggedValue{sub: val}),
			insertedAt: time.Now(),
		})
		return nil
	}
	if e.val.Kind != KindMap {
		return newShapeError(key, KindMap, e.val.Kind)
	}
	e.val.Map[sub] = val
	return nil
}

// GetMap returns a snapshot of the full mapping under key. A missing or
// expired key yields an empty mapping.
func (c *Cache) GetMap(ctx context.Context, key string, take bool) (map[string]protocol.TaggedValue, error) {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return nil, err
	}
	defer release()

	e, ok := c.loadValid(key)
	if !ok {
		c.misses.Inc()
		return map[string]protocol.TaggedValue{}, nil
	}
	if e.val.Kind != KindMap {
		return nil, newShapeError(key, KindMap, e.val.Kind)
	}
	c.hits.Inc()
	out := make(map[string]protocol.TaggedValue, len(e.val.Map))
	for k, v := range e.val.Map {
		out[k] = v
	}
	return out, nil
}

// SetMap inserts or replaces key with a full mapping, resetting the insert
// time. A different stored shape is replaced.
func (c *Cache) SetMap(ctx context.Context, key string, m map[string]protocol.TaggedValue, ttl time.Duration, take bool) error {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return err
	}
	defer release()

	stored := make(map[string]protocol.TaggedValue, len(m))
	for k, v := range m {
		stored[k] = v
	}
	c.loadValid(key)
	c.entries.Store(key, &entry{val: MapValue(stored), insertedAt: time.Now(), ttl: ttl})
	return nil
}

// --------------------------------------------------------------------------
// Key Operations
// --------------------------------------------------------------------------

// Exists reports whether key is present and not expired. It never counts a
// hit or miss.
func (c *Cache) Exists(ctx context.Context, key string, take bool) (bool, error) {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return false, err
	}
	defer release()

	_, ok := c.loadValid(key)
	return ok, nil
}

// Delete removes key. A missing key is a no-op.
func (c *Cache) Delete(ctx context.Context, key string, take bool) error {
	release, err := c.locks.Acquire(ctx, key, take)
	if err != nil {
		return err
	}
	defer release()

	c.loadValid(key)
	c.entries.Delete(key)
	return nil
}

// --------------------------------------------------------------------------
// Snapshot and Restore (cluster resync)
// --------------------------------------------------------------------------

// Snapshot iterates a snapshot of all live entries under their key locks,
// handing fn a deep copy of each value and the remaining TTL (zero meaning
// infinite). Iteration stops when fn returns false.
func (c *Cache) Snapshot(ctx context.Context, fn func(key string, val Value, remaining time.Duration) bool) error {
	keys := c.keySnapshot()
	for _, key := range keys {
		release, err := c.locks.Acquire(ctx, key, true)
		if err != nil {
			return err
		}
		e, ok := c.loadValid(key)
		if !ok {
			release()
			continue
		}
		val := e.val.Clone()
		remaining := e.remainingTTL(time.Now())
		release()

		if !fn(key, val, remaining) {
			return nil
		}
	}
	return nil
}

// Restore stores a value with the given TTL, bypassing the key lock. Used
// when applying a resync snapshot, where the sender already serialized all
// state.
func (c *Cache) Restore(key string, val Value, ttl time.Duration) {
	c.entries.Store(key, &entry{val: val, insertedAt: time.Now(), ttl: ttl})
}

// Clear drops every entry. Used before applying a resync snapshot.
func (c *Cache) Clear() {
	c.entries.Clear()
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	ExpiredKeys uint64
	Size        uint64
	HitRatio    float32
}

// Size returns the number of present keys, counting expired-but-not-reaped
// entries as present.
func (c *Cache) Size() int { return c.entries.Size() }

// Stats returns the current counters and the derived hit ratio, rounded to
// two decimals and zero when no reads happened yet.
func (c *Cache) Stats() Stats {
	hits := c.hits.Get()
	misses := c.misses.Get()

	var ratio float32
	if total := hits + misses; total > 0 {
		ratio = float32(math.Round(float64(hits)/float64(total)*100) / 100)
	}

	return Stats{
		Hits:        hits,
		Misses:      misses,
		ExpiredKeys: c.expired.Get(),
		Size:        uint64(c.entries.Size()),
		HitRatio:    ratio,
	}
}

// --------------------------------------------------------------------------
// Background Sweeper
// --------------------------------------------------------------------------

// keySnapshot collects the current key set. Keys inserted after the snapshot
// are picked up on the next cycle.
func (c *Cache) keySnapshot() []string {
	keys := make([]string, 0, c.entries.Size())
	c.entries.Range(func(key string, _ *entry) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// sweeper proactively removes expired entries every sweep interval. Each key
// is re-checked under its own lock so the sweeper never races a writer
// mid-update. Errors are logged and the loop continues on the next tick.
func (c *Cache) sweeper() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep runs one sweeper cycle over a snapshot of the current keys.
func (c *Cache) sweep() {
	keys := c.keySnapshot()
	removed := 0

	for _, key := range keys {
		release, err := c.locks.Acquire(context.Background(), key, true)
		if err != nil {
			Logger.Errorf("sweep: failed to lock key %q: %v", key, err)
			continue
		}

		if e, ok := c.entries.Load(key); ok && e.expiredAt(time.Now()) {
			c.entries.Delete(key)
			c.expired.Inc()
			c.events.PublishKeyExpiration(key)
			removed++
		}
		release()
	}

	if removed > 0 {
		Logger.Debugf("sweep removed %d of %d keys", removed, len(keys))
	}
}
