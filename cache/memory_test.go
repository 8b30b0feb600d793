package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("set then get", func(t *testing.T) {
		m := NewMemoryStore(10)
		if err := m.Set(ctx, "k", []byte("v"), 0); err != nil {
			t.Fatalf("Set() = %v", err)
		}
		val, found, err := m.Get(ctx, "k")
		if err != nil || !found || string(val) != "v" {
			t.Fatalf("Get() = %q, %v, %v", val, found, err)
		}
	})

	t.Run("expired entries are misses", func(t *testing.T) {
		m := NewMemoryStore(10)
		base := time.Now()
		m.now = func() time.Time { return base }
		if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set() = %v", err)
		}
		m.now = func() time.Time { return base.Add(2 * time.Minute) }
		if _, found, _ := m.Get(ctx, "k"); found {
			t.Error("Get() found expired entry")
		}
	})

	t.Run("evicts least recently used at capacity", func(t *testing.T) {
		m := NewMemoryStore(2)
		m.Set(ctx, "a", []byte("1"), 0)
		m.Set(ctx, "b", []byte("2"), 0)
		m.Get(ctx, "a") // a is now most recent
		m.Set(ctx, "c", []byte("3"), 0)
		if _, found, _ := m.Get(ctx, "b"); found {
			t.Error("b survived eviction, want it dropped")
		}
		if _, found, _ := m.Get(ctx, "a"); !found {
			t.Error("a evicted, want it kept")
		}
	})

	t.Run("setnx only writes once", func(t *testing.T) {
		m := NewMemoryStore(10)
		ok, _ := m.SetNX(ctx, "k", []byte("first"), 0)
		if !ok {
			t.Fatal("first SetNX = false, want true")
		}
		ok, _ = m.SetNX(ctx, "k", []byte("second"), 0)
		if ok {
			t.Fatal("second SetNX = true, want false")
		}
		val, _, _ := m.Get(ctx, "k")
		if string(val) != "first" {
			t.Errorf("value = %q, want first", val)
		}
	})

	t.Run("incr creates and accumulates", func(t *testing.T) {
		m := NewMemoryStore(10)
		if v, _ := m.Incr(ctx, "n", 2, time.Minute); v != 2 {
			t.Errorf("Incr = %d, want 2", v)
		}
		if v, _ := m.Incr(ctx, "n", 3, time.Minute); v != 5 {
			t.Errorf("Incr = %d, want 5", v)
		}
	})

	t.Run("decr bounded respects floor", func(t *testing.T) {
		m := NewMemoryStore(10)
		m.IncrFloat(ctx, "budget", 10)
		v, ok, err := m.DecrBounded(ctx, "budget", 4, 0)
		if err != nil || !ok || v != 6 {
			t.Fatalf("DecrBounded = %v, %v, %v; want 6, true", v, ok, err)
		}
		v, ok, err = m.DecrBounded(ctx, "budget", 7, 0)
		if err != nil || ok {
			t.Fatalf("DecrBounded past floor = %v, %v, %v; want refused", v, ok, err)
		}
		if v != 6 {
			t.Errorf("refused decrement changed value to %v, want 6", v)
		}
	})
}

func TestContentKey(t *testing.T) {
	t.Run("normalizes case and whitespace", func(t *testing.T) {
		a := ContentKey("What   is GO?")
		b := ContentKey("what is go?")
		if a != b {
			t.Errorf("keys differ: %s vs %s", a, b)
		}
	})
	t.Run("discriminating parts change the key", func(t *testing.T) {
		a := ContentKey("query", "balanced")
		b := ContentKey("query", "premium")
		if a == b {
			t.Error("keys equal across tiers, want distinct")
		}
	})
	t.Run("length is 32 hex chars", func(t *testing.T) {
		if k := ContentKey("x"); len(k) != 32 {
			t.Errorf("len = %d, want 32", len(k))
		}
	})
}
