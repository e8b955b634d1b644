package cache_test

import (
	"testing"
	"time"

	"github.com/pasturehq/pasture/pkg/cache"
)

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	c, err := cache.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := cache.BuildKey("llama3", "hello", map[string]any{"temperature": 0.7})
	c.Set(key, map[string]any{"response": "hi"}, time.Hour)

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit immediately after Set")
	}
	m, ok := got.(map[string]any)
	if !ok || m["response"] != "hi" {
		t.Fatalf("unexpected value: %#v", got)
	}
}

func TestGetMissOnUnknownKey(t *testing.T) {
	t.Parallel()
	c, err := cache.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.Get("no-such-key"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestKeyDeterministicAcrossOptionOrder(t *testing.T) {
	t.Parallel()
	opts1 := map[string]any{"temperature": 0.7, "top_p": 0.9}
	opts2 := map[string]any{"top_p": 0.9, "temperature": 0.7}
	k1 := cache.BuildKey("llama3", "hello", opts1)
	k2 := cache.BuildKey("llama3", "hello", opts2)
	if k1 != k2 {
		t.Fatalf("expected identical keys regardless of map order, got %q vs %q", k1, k2)
	}
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	t.Parallel()
	c, err := cache.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := cache.BuildKey("llama3", "hello", nil)
	c.Set(key, "cached-value", time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(key); ok {
		t.Fatal("expected expired entry to be reported as a miss")
	}
}

func TestClearSingleEntry(t *testing.T) {
	t.Parallel()
	c, err := cache.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := cache.BuildKey("llama3", "hello", nil)
	c.Set(key, "v", 0)
	if err := c.Clear(key); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("expected entry to be gone after Clear")
	}
}

func TestStatsCountsActiveAndExpired(t *testing.T) {
	t.Parallel()
	c, err := cache.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set(cache.BuildKey("m", "a", nil), "1", time.Hour)
	c.Set(cache.BuildKey("m", "b", nil), "2", time.Nanosecond)
	time.Sleep(5 * time.Millisecond)

	stats, err := c.GetStats()
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalEntries != 2 {
		t.Fatalf("expected 2 total entries, got %d", stats.TotalEntries)
	}
	if stats.ActiveEntries != 1 || stats.ExpiredEntries != 1 {
		t.Fatalf("expected 1 active and 1 expired, got active=%d expired=%d", stats.ActiveEntries, stats.ExpiredEntries)
	}
}
