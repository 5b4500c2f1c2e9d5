package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/luoyjx/tidesync/proto"
	"github.com/luoyjx/tidesync/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stage struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

func newTestStore(t *testing.T, dev storage.Device) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := NewStoreWithConfig(dev, Config{
		Now:           clock.Now,
		NamespaceTTLs: map[string]time.Duration{"games": time.Hour},
		Logger:        log.New(io.Discard, "", 0),
	})
	return store, clock
}

func TestPutGetExpire(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t, storage.NewMemoryDevice())
	key := NewKey("stages")
	stages := []stage{{ID: 1, Title: "Stage A"}}

	if err := store.Put(ctx, key, stages, 10*time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var got []stage
	meta, ok, err := store.Get(ctx, key, &got)
	if err != nil || !ok {
		t.Fatalf("Get right after Put = ok %v, err %v", ok, err)
	}
	if !reflect.DeepEqual(got, stages) {
		t.Errorf("Get returned %v, want %v", got, stages)
	}
	if !meta.WrittenAt.Equal(clock.Now()) {
		t.Errorf("WrittenAt = %v, want %v", meta.WrittenAt, clock.Now())
	}
	if meta.TTL != 10*time.Minute {
		t.Errorf("TTL = %v, want 10m", meta.TTL)
	}

	// exactly at the ttl boundary the entry is still live
	clock.Advance(10 * time.Minute)
	if _, ok, _ := store.Get(ctx, key, nil); !ok {
		t.Error("Entry should still be live at now - writtenAt == ttl")
	}

	clock.Advance(time.Millisecond)
	got = nil
	if _, ok, err := store.Get(ctx, key, &got); err != nil || ok {
		t.Fatalf("Get after expiry = ok %v, err %v; want miss", ok, err)
	}
	if got != nil {
		t.Errorf("Expired read leaked data: %v", got)
	}
}

func TestExpiredEntryIsEvicted(t *testing.T) {
	ctx := context.Background()
	dev := storage.NewMemoryDevice()
	store, clock := newTestStore(t, dev)
	key := NewEntityKey("stages", "stage_42")

	if err := store.Put(ctx, key, stage{ID: 42}, time.Second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	clock.Advance(2 * time.Second)
	store.Get(ctx, key, nil)

	if _, ok, _ := dev.GetString(ctx, key.String()); ok {
		t.Error("Expired entry should be removed from the device on read")
	}
}

func TestDefaultAndNamespaceTTL(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t, storage.NewMemoryDevice())

	store.Put(ctx, NewKey("stages"), []stage{}, 0)
	store.Put(ctx, NewKey("games"), []string{"tag"}, 0)

	clock.Advance(2 * time.Hour)
	if _, ok, _ := store.Get(ctx, NewKey("games"), nil); ok {
		t.Error("games should expire after its 1h namespace TTL")
	}
	if _, ok, _ := store.Get(ctx, NewKey("stages"), nil); !ok {
		t.Error("stages should use the 24h default TTL")
	}

	clock.Advance(DefaultTTL)
	if _, ok, _ := store.Get(ctx, NewKey("stages"), nil); ok {
		t.Error("stages should expire after the default TTL")
	}
}

func TestPutOverwritesWholeValue(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t, storage.NewMemoryDevice())
	key := NewKey("stages")

	store.Put(ctx, key, []stage{{ID: 1}, {ID: 2}}, time.Minute)
	clock.Advance(50 * time.Second)
	store.Put(ctx, key, []stage{{ID: 3}}, time.Minute)
	clock.Advance(50 * time.Second)

	var got []stage
	meta, ok, _ := store.Get(ctx, key, &got)
	if !ok {
		t.Fatal("Refreshed entry should restart its ttl")
	}
	if len(got) != 1 || got[0].ID != 3 {
		t.Errorf("Expected only the new value, got %v", got)
	}
	if !meta.WrittenAt.Equal(clock.Now().Add(-50 * time.Second)) {
		t.Errorf("WrittenAt not refreshed: %v", meta.WrittenAt)
	}
}

func TestPutReportsPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, storage.NewMemoryDeviceWithQuota(32))

	err := store.Put(ctx, NewKey("stages"), []stage{{ID: 1, Title: "a title long enough to overflow"}}, 0)
	if !errors.Is(err, proto.ErrPersistence) {
		t.Fatalf("Expected ErrPersistence, got %v", err)
	}
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Errorf("Expected the device error to stay in the chain, got %v", err)
	}
}

func TestUndecodableEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	dev := storage.NewMemoryDevice()
	store, _ := newTestStore(t, dev)
	key := NewKey("stages")

	dev.SetString(ctx, key.String(), "{not json")
	if _, ok, err := store.Get(ctx, key, nil); ok || err != nil {
		t.Errorf("Corrupt entry should read as a miss, got ok %v err %v", ok, err)
	}
	if _, ok, _ := dev.GetString(ctx, key.String()); ok {
		t.Error("Corrupt entry should be evicted")
	}
}

func TestEntryEncoding(t *testing.T) {
	ctx := context.Background()
	dev := storage.NewMemoryDevice()
	store, clock := newTestStore(t, dev)

	store.Put(ctx, NewKey("stages"), []int{1}, time.Minute)
	raw, _, _ := dev.GetString(ctx, "cache:stages")

	want := `{"data":[1],"timestamp":` + strconv.FormatInt(clock.Now().UnixMilli(), 10) + `,"expiry":60000}`
	if raw != want {
		t.Errorf("Persisted entry = %s, want %s", raw, want)
	}
}

func TestFractionalTTLRoundsUp(t *testing.T) {
	ctx := context.Background()
	dev := storage.NewMemoryDevice()
	store, clock := newTestStore(t, dev)
	key := NewKey("stages")

	cases := []struct {
		ttl  time.Duration
		want int64
	}{
		{1900 * time.Microsecond, 2},
		{time.Microsecond, 1},
		{2 * time.Millisecond, 2},
		{1500*time.Millisecond + time.Nanosecond, 1501},
	}
	for _, tc := range cases {
		if err := store.Put(ctx, key, []int{1}, tc.ttl); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		raw, _, _ := dev.GetString(ctx, "cache:stages")
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			t.Fatalf("Bad entry %s: %v", raw, err)
		}
		if entry.Expiry != tc.want {
			t.Errorf("ttl %v stored as %dms, want %dms", tc.ttl, entry.Expiry, tc.want)
		}
	}

	// written late in a millisecond: timestamps are truncated, so a
	// truncated ttl would expire this entry after 1.2ms of its 1.9ms
	clock.Advance(900 * time.Microsecond)
	store.Put(ctx, key, []int{1}, 1900*time.Microsecond)
	clock.Advance(1200 * time.Microsecond)
	var got []int
	if _, ok, _ := store.Get(ctx, key, &got); !ok {
		t.Error("Entry expired before its ttl")
	}
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	dev := storage.NewMemoryDevice()
	store, _ := newTestStore(t, dev)

	store.Put(ctx, NewKey("games"), []int{1}, 0)
	store.Put(ctx, NewEntityKey("games", "7"), 7, 0)
	store.Put(ctx, NewKey("game_cards"), []int{2}, 0)
	store.Put(ctx, NewKey("stages"), []int{3}, 0)
	dev.SetString(ctx, "offline:pending_actions", "[]")

	if err := store.Remove(ctx, NewKey("stages")); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, NewKey("stages"), nil); ok {
		t.Error("stages should be removed")
	}

	n, err := store.Clear(ctx, "games")
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Clear(games) removed %d entries, want 2", n)
	}
	if _, ok, _ := store.Get(ctx, NewKey("game_cards"), nil); !ok {
		t.Error("Clear(games) must not touch game_cards")
	}

	if _, err := store.Clear(ctx, ""); err != nil {
		t.Fatalf("Clear all failed: %v", err)
	}
	keys, _ := store.Keys(ctx, "")
	if len(keys) != 0 {
		t.Errorf("Expected empty cache, got %v", keys)
	}
	if _, ok, _ := dev.GetString(ctx, "offline:pending_actions"); !ok {
		t.Error("Clearing the cache must not touch the queue")
	}
}

func TestKeyValidation(t *testing.T) {
	bad := []Key{{}, {Namespace: "a:b"}, {Namespace: "stages", ID: "x:y"}}
	for _, k := range bad {
		if err := k.Validate(); err == nil {
			t.Errorf("Expected %+v to be rejected", k)
		}
	}
	if got := NewEntityKey("stages", "stage_42").String(); got != "cache:stages:stage_42" {
		t.Errorf("Unexpected key string %s", got)
	}
}
