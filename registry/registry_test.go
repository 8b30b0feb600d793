package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testDescriptor(id string, kind Kind, caps ...string) Descriptor {
	return Descriptor{
		ID:           id,
		Kind:         kind,
		Capabilities: caps,
		Warmth:       WarmthWarm,
		Health:       HealthReady,
	}
}

func TestRegistry(t *testing.T) {
	t.Run("list filters by kind and capability", func(t *testing.T) {
		r := New()
		r.Register(testDescriptor("small", KindLocalInference, "chat"))
		r.Register(testDescriptor("coder", KindLocalInference, "code"))
		r.Register(testDescriptor("searx", KindWebSearch, "search"))

		got := r.List(KindLocalInference, "chat")
		if len(got) != 1 || got[0].ID != "small" {
			t.Fatalf("List = %v, want [small]", got)
		}
		if all := r.List(KindLocalInference, ""); len(all) != 2 {
			t.Fatalf("List(all caps) = %d workers, want 2", len(all))
		}
	})

	t.Run("ema stats smooth over calls", func(t *testing.T) {
		r := New()
		r.Register(testDescriptor("w", KindLocalInference, "chat"))
		r.RecordCall("w", 100*time.Millisecond, true)
		d, _ := r.Get("w")
		if d.Stats.EMALatency != 100*time.Millisecond {
			t.Fatalf("first EMALatency = %v, want seed value", d.Stats.EMALatency)
		}
		if d.Stats.EMASuccess != 1.0 {
			t.Fatalf("first EMASuccess = %v, want 1.0", d.Stats.EMASuccess)
		}
		r.RecordCall("w", 200*time.Millisecond, false)
		d, _ = r.Get("w")
		// alpha 0.2: 0.2*200 + 0.8*100 = 120ms; success 0.8
		if d.Stats.EMALatency != 120*time.Millisecond {
			t.Errorf("EMALatency = %v, want 120ms", d.Stats.EMALatency)
		}
		if d.Stats.EMASuccess < 0.79 || d.Stats.EMASuccess > 0.81 {
			t.Errorf("EMASuccess = %v, want 0.8", d.Stats.EMASuccess)
		}
	})

	t.Run("selection ordering prefers warm then success then latency", func(t *testing.T) {
		cold := testDescriptor("cold", KindLocalInference, "chat")
		cold.Warmth = WarmthCold
		cold.Stats = Stats{EMASuccess: 0.99, EMALatency: time.Millisecond}

		warmSlow := testDescriptor("warm-slow", KindLocalInference, "chat")
		warmSlow.Stats = Stats{EMASuccess: 0.9, EMALatency: 500 * time.Millisecond}

		warmFast := testDescriptor("warm-fast", KindLocalInference, "chat")
		warmFast.Stats = Stats{EMASuccess: 0.9, EMALatency: 100 * time.Millisecond}

		pinned := testDescriptor("pinned", KindLocalInference, "chat")
		pinned.Warmth = WarmthPinned
		pinned.Stats = Stats{EMASuccess: 0.5, EMALatency: time.Second}

		cands := []Descriptor{cold, warmSlow, warmFast, pinned}
		SortForSelection(cands)
		want := []string{"pinned", "warm-fast", "warm-slow", "cold"}
		for i, w := range want {
			if cands[i].ID != w {
				t.Fatalf("order[%d] = %s, want %s (full: %v)", i, cands[i].ID, w, ids(cands))
			}
		}
	})
}

func ids(ds []Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func TestProber(t *testing.T) {
	log := zerolog.Nop()

	t.Run("three consecutive failures mark unavailable", func(t *testing.T) {
		r := New()
		r.Register(testDescriptor("w", KindLocalInference, "chat"))
		probe := func(ctx context.Context, id string) error { return errors.New("down") }
		p := NewProber(r, probe, time.Minute, log)

		for i := 0; i < 2; i++ {
			p.Sweep(context.Background())
		}
		if d, _ := r.Get("w"); d.Health != HealthReady {
			t.Fatalf("health after 2 failures = %s, want ready", d.Health)
		}
		p.Sweep(context.Background())
		if d, _ := r.Get("w"); d.Health != HealthUnavailable {
			t.Fatalf("health after 3 failures = %s, want unavailable", d.Health)
		}
	})

	t.Run("successful probe restores ready", func(t *testing.T) {
		r := New()
		d := testDescriptor("w", KindLocalInference, "chat")
		d.Health = HealthUnavailable
		r.Register(d)
		probe := func(ctx context.Context, id string) error { return nil }
		p := NewProber(r, probe, time.Minute, log)
		p.Sweep(context.Background())
		if got, _ := r.Get("w"); got.Health != HealthReady {
			t.Fatalf("health = %s, want ready", got.Health)
		}
	})

	t.Run("low windowed success marks degraded", func(t *testing.T) {
		r := New()
		r.Register(testDescriptor("w", KindLocalInference, "chat"))
		// Fill the window with mostly failures.
		for i := 0; i < windowSize; i++ {
			r.RecordCall("w", time.Millisecond, i%4 == 0)
		}
		probe := func(ctx context.Context, id string) error { return nil }
		p := NewProber(r, probe, time.Minute, log)
		p.Sweep(context.Background())
		if d, _ := r.Get("w"); d.Health != HealthDegraded {
			t.Fatalf("health = %s, want degraded", d.Health)
		}
	})

	t.Run("partial window never degrades", func(t *testing.T) {
		r := New()
		r.Register(testDescriptor("w", KindLocalInference, "chat"))
		for i := 0; i < 5; i++ {
			r.RecordCall("w", time.Millisecond, false)
		}
		probe := func(ctx context.Context, id string) error { return nil }
		p := NewProber(r, probe, time.Minute, log)
		p.Sweep(context.Background())
		if d, _ := r.Get("w"); d.Health != HealthReady {
			t.Fatalf("health = %s, want ready on partial window", d.Health)
		}
	})
}
