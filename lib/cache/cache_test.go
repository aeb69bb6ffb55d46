package cache

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tesseradb/tessera/lib/pubsub"
	"github.com/tesseradb/tessera/rpc/protocol"
)

var ctx = context.Background()

func str(s string) *string { return &s }

// --------------------------------------------------------------------------
// String and Bytes
// --------------------------------------------------------------------------

func TestSetGetString(t *testing.T) {
	c := New(nil)
	defer c.Close()

	if err := c.SetString(ctx, "key", str("Mimoria"), 0, true); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}

	got, err := c.GetString(ctx, "key", true)
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if got == nil || *got != "Mimoria" {
		t.Errorf("GetString = %v, want Mimoria", got)
	}

	if got, _ := c.GetString(ctx, "missing", true); got != nil {
		t.Errorf("GetString on missing key = %v, want nil", got)
	}
}

func TestNullStringUnderPresentKey(t *testing.T) {
	c := New(nil)
	defer c.Close()

	if err := c.SetString(ctx, "key", nil, 0, true); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}

	exists, _ := c.Exists(ctx, "key", true)
	if !exists {
		t.Error("key holding a null string should exist")
	}

	got, err := c.GetString(ctx, "key", true)
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if got != nil {
		t.Errorf("GetString = %v, want nil for null value", got)
	}

	// The null read counts as a hit because the key is present.
	if stats := c.Stats(); stats.Hits != 1 {
		t.Errorf("hits = %d, want 1", stats.Hits)
	}
}

func TestStringExpiry(t *testing.T) {
	c := New(nil)
	defer c.Close()

	if err := c.SetString(ctx, "key", str("Mimoria"), 100*time.Millisecond, true); err != nil {
		t.Fatalf("SetString failed: %v", err)
	}

	got, err := c.GetString(ctx, "key", true)
	if err != nil || got == nil || *got != "Mimoria" {
		t.Fatalf("GetString within TTL = %v, %v", got, err)
	}

	time.Sleep(250 * time.Millisecond)

	got, err = c.GetString(ctx, "key", true)
	if err != nil {
		t.Fatalf("GetString after TTL failed: %v", err)
	}
	if got != nil {
		t.Errorf("GetString after TTL = %q, want absent", *got)
	}

	stats := c.Stats()
	if stats.ExpiredKeys != 1 {
		t.Errorf("expired_keys = %d, want 1", stats.ExpiredKeys)
	}
	if stats.Size != 0 {
		t.Errorf("size = %d after expiry, want 0", stats.Size)
	}
}

func TestSetResetsInsertTime(t *testing.T) {
	c := New(nil)
	defer c.Close()

	c.SetString(ctx, "key", str("v1"), 120*time.Millisecond, true)
	time.Sleep(80 * time.Millisecond)
	c.SetString(ctx, "key", str("v2"), 120*time.Millisecond, true)
	time.Sleep(80 * time.Millisecond)

	// 160ms after the first set, but only 80ms after the refresh.
	got, err := c.GetString(ctx, "key", true)
	if err != nil || got == nil || *got != "v2" {
		t.Errorf("GetString = %v, %v, want v2 (insert time refreshed)", got, err)
	}
}

func TestSetGetBytes(t *testing.T) {
	c := New(nil)
	defer c.Close()

	if err := c.SetBytes(ctx, "key", []byte{1, 2, 3, 4}, 0, true); err != nil {
		t.Fatalf("SetBytes failed: %v", err)
	}

	got, err := c.GetBytes(ctx, "key", true)
	if err != nil {
		t.Fatalf("GetBytes failed: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("GetBytes = %v, want [1 2 3 4]", got)
	}

	// The returned slice must be a copy.
	got[0] = 99
	again, _ := c.GetBytes(ctx, "key", true)
	if again[0] != 1 {
		t.Error("GetBytes returned a reference to the stored value")
	}
}

// --------------------------------------------------------------------------
// Shape Mismatch
// --------------------------------------------------------------------------

func TestShapeMismatchLeavesValueUntouched(t *testing.T) {
	c := New(nil)
	defer c.Close()

	c.SetString(ctx, "key", str("text"), 0, true)

	if _, err := c.GetList(ctx, "key", true); !IsShapeMismatch(err) {
		t.Errorf("GetList on string = %v, want shape mismatch", err)
	}
	if err := c.AddList(ctx, "key", "x", 0, true); !IsShapeMismatch(err) {
		t.Errorf("AddList on string = %v, want shape mismatch", err)
	}
	if _, err := c.IncrementCounter(ctx, "key", 1, true); !IsShapeMismatch(err) {
		t.Errorf("IncrementCounter on string = %v, want shape mismatch", err)
	}
	if _, err := c.GetMap(ctx, "key", true); !IsShapeMismatch(err) {
		t.Errorf("GetMap on string = %v, want shape mismatch", err)
	}
	if _, err := c.GetBytes(ctx, "key", true); !IsShapeMismatch(err) {
		t.Errorf("GetBytes on string = %v, want shape mismatch", err)
	}

	got, err := c.GetString(ctx, "key", true)
	if err != nil || got == nil || *got != "text" {
		t.Errorf("value changed by failed operations: %v, %v", got, err)
	}
}

func TestSetReplacesShape(t *testing.T) {
	c := New(nil)
	defer c.Close()

	c.SetString(ctx, "key", str("text"), 0, true)

	// Whole-value sets replace the stored shape instead of failing.
	if err := c.SetCounter(ctx, "key", 5, true); err != nil {
		t.Fatalf("SetCounter over string failed: %v", err)
	}
	n, err := c.IncrementCounter(ctx, "key", 0, true)
	if err != nil || n != 5 {
		t.Errorf("counter after shape replace = %d, %v", n, err)
	}

	if err := c.SetMap(ctx, "key", map[string]protocol.TaggedValue{"a": protocol.BoolValue(true)}, 0, true); err != nil {
		t.Fatalf("SetMap over counter failed: %v", err)
	}
}

// --------------------------------------------------------------------------
// Lists
// --------------------------------------------------------------------------

func TestListOperations(t *testing.T) {
	c := New(nil)
	defer c.Close()

	c.AddList(ctx, "key", "a", 0, true)
	c.AddList(ctx, "key", "b", 0, true)
	c.AddList(ctx, "key", "a", 0, true)

	items, err := c.GetList(ctx, "key", true)
	if err != nil {
		t.Fatalf("GetList failed: %v", err)
	}
	if len(items) != 3 || items[0] != "a" || items[1] != "b" || items[2] != "a" {
		t.Errorf("GetList = %v, want [a b a]", items)
	}

	contains, _ := c.ContainsList(ctx, "key", "b", true)
	if !contains {
		t.Error("ContainsList(b) = false, want true")
	}
	contains, _ = c.ContainsList(ctx, "key", "z", true)
	if contains {
		t.Error("ContainsList(z) = true, want false")
	}

	// Removal deletes the first occurrence only.
	c.RemoveList(ctx, "key", "a", true)
	items, _ = c.GetList(ctx, "key", true)
	if len(items) != 2 || items[0] != "b" || items[1] != "a" {
		t.Errorf("GetList after remove = %v, want [b a]", items)
	}
}

func TestListEmptyingDeletesKey(t *testing.T) {
	c := New(nil)
	defer c.Close()

	c.AddList(ctx, "key", "only", 0, true)
	c.RemoveList(ctx, "key", "only", true)

	exists, _ := c.Exists(ctx, "key", true)
	if exists {
		t.Error("key should be deleted when its list empties")
	}
	if c.Size() != 0 {
		t.Errorf("size = %d, want 0", c.Size())
	}
}

func TestRemoveListOnMissingKeyIsNoop(t *testing.T) {
	c := New(nil)
	defer c.Close()

	if err := c.RemoveList(ctx, "missing", "x", true); err != nil {
		t.Errorf("RemoveList on missing key = %v, want nil", err)
	}
}

func TestGetListOnMissingKeyIsEmpty(t *testing.T) {
	c := New(nil)
	defer c.Close()

	items, err := c.GetList(ctx, "missing", true)
	if err != nil {
		t.Fatalf("GetList failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("GetList = %v, want empty", items)
	}
	if stats := c.Stats(); stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
}

func TestAddListDoesNotRefreshTTL(t *testing.T) {
	c := New(nil)
	defer c.Close()

	c.AddList(ctx, "key", "a", 150*time.Millisecond, true)
	time.Sleep(90 * time.Millisecond)

	// The in-place append must not push the expiry out.
	c.AddList(ctx, "key", "b", 150*time.Millisecond, true)
	time.Sleep(90 * time.Millisecond)

	exists, _ := c.Exists(ctx, "key", true)
	if exists {
		t.Error("list TTL was refreshed by append")
	}
}

// --------------------------------------------------------------------------
// Counters
// --------------------------------------------------------------------------

func TestIncrementCounter(t *testing.T) {
	c := New(nil)
	defer c.Close()

	n, err := c.IncrementCounter(ctx, "key", 5, true)
	if err != nil || n != 5 {
		t.Fatalf("first increment = %d, %v, want 5", n, err)
	}
	n, err = c.IncrementCounter(ctx, "key", -2, true)
	if err != nil || n != 3 {
		t.Errorf("second increment = %d, %v, want 3", n, err)
	}

	stats := c.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
}

func TestCounterHasInfiniteTTL(t *testing.T) {
	c := New(nil)
	defer c.Close()

	c.SetCounter(ctx, "key", 1, true)

	found := false
	c.Snapshot(ctx, func(key string, val Value, remaining time.Duration) bool {
		if key == "key" {
			found = true
			if val.Kind != KindCounter {
				t.Errorf("kind = %s, want counter", val.Kind)
			}
			if remaining != 0 {
				t.Errorf("counter remaining TTL = %v, want 0 (infinite)", remaining)
			}
		}
		return true
	})
	if !found {
		t.Error("counter not found in snapshot")
	}
}

// --------------------------------------------------------------------------
// Maps
// --------------------------------------------------------------------------

func TestSetGetMap(t *testing.T) {
	c := New(nil)
	defer c.Close()

	want := map[string]protocol.TaggedValue{
		"one":   protocol.Float32Value(2.4),
		"two":   protocol.Float64Value(2.4),
		"three": protocol.StringValue("value"),
		"four":  protocol.BoolValue(true),
		"five":  protocol.BytesValue([]byte{1, 2, 3, 4}),
	}

	if err := c.SetMap(ctx, "key", want, 0, true); err != nil {
		t.Fatalf("SetMap failed: %v", err)
	}

	got, err := c.GetMap(ctx, "key", true)
	if err != nil {
		t.Fatalf("GetMap failed: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("GetMap returned %d entries, want %d", len(got), len(want))
	}
	for sub, v := range want {
		if !got[sub].Equal(v) {
			t.Errorf("map[%q] = %s, want %s", sub, got[sub], v)
		}
	}
}

func TestMapValueOperations(t *testing.T) {
	c := New(nil)
	defer c.Close()

	// First sub-key write creates the map.
	if err := c.SetMapValue(ctx, "key", "sub", protocol.Int64Value(7), 0, true); err != nil {
		t.Fatalf("SetMapValue failed: %v", err)
	}

	got, err := c.GetMapValue(ctx, "key", "sub", true)
	if err != nil || !got.Equal(protocol.Int64Value(7)) {
		t.Errorf("GetMapValue = %s, %v", got, err)
	}

	// A missing sub-key reads as null but still counts as a hit.
	got, err = c.GetMapValue(ctx, "key", "other", true)
	if err != nil || !got.IsNull() {
		t.Errorf("GetMapValue on missing sub = %s, %v, want null", got, err)
	}

	// A missing key reads as null and counts as a miss.
	got, err = c.GetMapValue(ctx, "missing", "sub", true)
	if err != nil || !got.IsNull() {
		t.Errorf("GetMapValue on missing key = %s, %v, want null", got, err)
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", stats.Hits, stats.Misses)
	}
}

func TestMapSubWriteIgnoresTTL(t *testing.T) {
	c := New(nil)
	defer c.Close()

	// The TTL argument on a sub-key write never applies to the container.
	c.SetMapValue(ctx, "key", "sub", protocol.BoolValue(true), 50*time.Millisecond, true)

	c.Snapshot(ctx, func(key string, _ Value, remaining time.Duration) bool {
		if key == "key" && remaining != 0 {
			t.Errorf("map container remaining TTL = %v, want 0 (infinite)", remaining)
		}
		return true
	})

	time.Sleep(100 * time.Millisecond)
	exists, _ := c.Exists(ctx, "key", true)
	if !exists {
		t.Error("map expired although sub-key TTLs are ignored")
	}
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

func TestHitRatio(t *testing.T) {
	c := New(nil)
	defer c.Close()

	if ratio := c.Stats().HitRatio; ratio != 0 {
		t.Errorf("hit ratio with no reads = %v, want 0", ratio)
	}

	c.SetString(ctx, "key", str("v"), 0, true)
	c.GetString(ctx, "key", true)     // hit
	c.GetString(ctx, "missing", true) // miss
	c.GetString(ctx, "missing", true) // miss

	if ratio := c.Stats().HitRatio; ratio != 0.33 {
		t.Errorf("hit ratio = %v, want 0.33", ratio)
	}
}

// --------------------------------------------------------------------------
// Expiration Events
// --------------------------------------------------------------------------

// eventRecorder collects key expiration events.
type eventRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *eventRecorder) ID() uint64 { return 999 }

func (r *eventRecorder) Deliver(_ string, payload protocol.TaggedValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, payload.Str)
	return nil
}

func (r *eventRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.keys {
		if k == key {
			n++
		}
	}
	return n
}

func TestLazyExpiryEmitsEventOnce(t *testing.T) {
	events := pubsub.NewService()
	recorder := &eventRecorder{}
	events.Subscribe(pubsub.KeyExpirationChannel, recorder)

	c := New(&Options{Events: events})
	defer c.Close()

	c.SetString(ctx, "key", str("v"), 30*time.Millisecond, true)
	time.Sleep(80 * time.Millisecond)

	// Several reads after expiry; only the first discovers the entry.
	for i := 0; i < 5; i++ {
		c.GetString(ctx, "key", true)
	}

	if got := recorder.count("key"); got != 1 {
		t.Errorf("expiration events for key = %d, want exactly 1", got)
	}
	if stats := c.Stats(); stats.ExpiredKeys != 1 {
		t.Errorf("expired_keys = %d, want 1", stats.ExpiredKeys)
	}
}

func TestSweeperRemovesExpiredKeys(t *testing.T) {
	events := pubsub.NewService()
	recorder := &eventRecorder{}
	events.Subscribe(pubsub.KeyExpirationChannel, recorder)

	c := New(&Options{ExpireCheckInterval: 25 * time.Millisecond, Events: events})
	defer c.Close()

	c.SetString(ctx, "gone", str("v"), 30*time.Millisecond, true)
	c.SetString(ctx, "stays", str("v"), 0, true)

	// No reads at all: the sweeper alone must reap the expired key.
	time.Sleep(200 * time.Millisecond)

	if c.Size() != 1 {
		t.Errorf("size = %d after sweep, want 1", c.Size())
	}
	if got := recorder.count("gone"); got != 1 {
		t.Errorf("expiration events = %d, want exactly 1", got)
	}
	if stats := c.Stats(); stats.ExpiredKeys != 1 {
		t.Errorf("expired_keys = %d, want 1", stats.ExpiredKeys)
	}
}

// --------------------------------------------------------------------------
// Concurrency
// --------------------------------------------------------------------------

func TestConcurrentSetDeleteGet(t *testing.T) {
	c := New(nil)
	defer c.Close()

	const tasks = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(tasks)
	for i := 0; i < tasks; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				c.SetString(ctx, "key", str("v"), 0, true)
				c.Delete(ctx, "key", true)
				c.GetString(ctx, "key", true)
			}
		}()
	}
	wg.Wait()

	stats := c.Stats()
	if total := stats.Hits + stats.Misses; total != tasks*iterations {
		t.Errorf("hits+misses = %d, want %d", total, tasks*iterations)
	}
	if c.Size() != 0 {
		t.Errorf("size = %d, want 0", c.Size())
	}
}

func TestConcurrentCounterIncrements(t *testing.T) {
	c := New(nil)
	defer c.Close()

	const tasks = 10
	const iterations = 10000

	var wg sync.WaitGroup
	wg.Add(tasks)
	for i := 0; i < tasks; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if _, err := c.IncrementCounter(ctx, "key", 1, true); err != nil {
					t.Errorf("IncrementCounter failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	final, err := c.IncrementCounter(ctx, "key", 0, true)
	if err != nil {
		t.Fatalf("final read failed: %v", err)
	}
	if final != tasks*iterations {
		t.Errorf("counter = %d, want %d", final, tasks*iterations)
	}
	if c.Size() != 1 {
		t.Errorf("size = %d, want 1", c.Size())
	}

	stats := c.Stats()
	if total := stats.Hits + stats.Misses; total != tasks*iterations+1 {
		t.Errorf("hits+misses = %d, want %d", total, tasks*iterations+1)
	}
}

func TestConcurrentListAddRemove(t *testing.T) {
	c := New(nil)
	defer c.Close()

	const tasks = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(tasks)
	for i := 0; i < tasks; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				c.AddList(ctx, "key", "v", 0, true)
				c.RemoveList(ctx, "key", "v", true)
				c.GetList(ctx, "key", true)
			}
		}()
	}
	wg.Wait()

	// Removals equal adds, so the key must be gone.
	exists, _ := c.Exists(ctx, "key", true)
	if exists {
		items, _ := c.GetList(ctx, "key", true)
		t.Errorf("key still exists with %d items, want deleted", len(items))
	}
	if c.Size() != 0 {
		t.Errorf("size = %d, want 0", c.Size())
	}
}

// --------------------------------------------------------------------------
// Snapshot and Restore
// --------------------------------------------------------------------------

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src := New(nil)
	defer src.Close()

	src.SetString(ctx, "s", str("text"), 0, true)
	src.SetBytes(ctx, "b", []byte{9, 8}, 0, true)
	src.AddList(ctx, "l", "item", 0, true)
	src.SetCounter(ctx, "c", 42, true)
	src.SetMap(ctx, "m", map[string]protocol.TaggedValue{"k": protocol.Int64Value(1)}, 0, true)

	dst := New(nil)
	defer dst.Close()

	err := src.Snapshot(ctx, func(key string, val Value, remaining time.Duration) bool {
		dst.Restore(key, val, remaining)
		return true
	})
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if dst.Size() != 5 {
		t.Fatalf("restored size = %d, want 5", dst.Size())
	}

	got, _ := dst.GetString(ctx, "s", true)
	if got == nil || *got != "text" {
		t.Errorf("restored string = %v", got)
	}
	n, _ := dst.IncrementCounter(ctx, "c", 0, true)
	if n != 42 {
		t.Errorf("restored counter = %d, want 42", n)
	}
	items, _ := dst.GetList(ctx, "l", true)
	if len(items) != 1 || items[0] != "item" {
		t.Errorf("restored list = %v", items)
	}
}

func TestClear(t *testing.T) {
	c := New(nil)
	defer c.Close()

	c.SetString(ctx, "a", str("1"), 0, true)
	c.SetString(ctx, "b", str("2"), 0, true)
	c.Clear()

	if c.Size() != 0 {
		t.Errorf("size after Clear = %d, want 0", c.Size())
	}
}
