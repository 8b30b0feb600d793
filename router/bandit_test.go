package router

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kettleworks/maestro/cache"
)

func testArms() map[string]string {
	return map[string]string{
		"local-first":  "prefer local workers",
		"remote-first": "prefer hosted workers",
		"hybrid":       "local with remote escalation",
	}
}

func TestBanditPosteriorAccounting(t *testing.T) {
	b := NewBandit(testArms(), WithRandSource(rand.NewSource(1)))

	rewards := []struct {
		r       float64
		success bool
	}{
		{0.9, true}, {0.2, false}, {1.0, true}, {0.0, false}, {0.5, true},
	}
	for _, o := range rewards {
		b.Observe("hybrid", o.r, o.success, false)
	}

	for _, snap := range b.Snapshot() {
		// Uniform prior plus one unit of mass per observation.
		if got := snap.Alpha + snap.Beta - 2; math.Abs(got-float64(snap.N)) > 1e-9 {
			t.Errorf("arm %s: alpha+beta-2 = %v, want n = %d", snap.ID, got, snap.N)
		}
	}

	var hybrid ArmSnapshot
	for _, snap := range b.Snapshot() {
		if snap.ID == "hybrid" {
			hybrid = snap
		}
	}
	if hybrid.N != int64(len(rewards)) {
		t.Errorf("n = %d, want %d", hybrid.N, len(rewards))
	}
	if math.Abs(hybrid.TotalReward-2.6) > 1e-9 {
		t.Errorf("TotalReward = %v, want 2.6", hybrid.TotalReward)
	}
}

func TestBanditConvergence(t *testing.T) {
	b := NewBandit(testArms(), WithRandSource(rand.NewSource(42)))

	// hybrid pays 0.9, the others 0.3. After enough observations Thompson
	// sampling should overwhelmingly prefer hybrid.
	for i := 0; i < 300; i++ {
		arm := b.Select()
		reward := 0.3
		if arm == "hybrid" {
			reward = 0.9
		}
		b.Observe(arm, reward, true, false)
	}

	picks := make(map[string]int)
	for i := 0; i < 200; i++ {
		picks[b.Select()]++
	}
	if picks["hybrid"] < 140 {
		t.Errorf("hybrid picked %d/200 times, want a strong majority (%v)", picks["hybrid"], picks)
	}
}

func TestBanditQuarantine(t *testing.T) {
	t.Run("collapsing arm is quarantined after a full window", func(t *testing.T) {
		b := NewBandit(testArms(), WithRandSource(rand.NewSource(7)))
		for i := 0; i < outcomeWindow; i++ {
			b.Observe("remote-first", 0.1, i%5 == 0, false) // 20% success
		}
		if !b.armByID("remote-first").isQuarantined() {
			t.Fatal("arm not quarantined at 20% windowed success")
		}

		// Quarantined arms never serve production selections.
		for i := 0; i < 100; i++ {
			if b.Select() == "remote-first" {
				t.Fatal("quarantined arm selected for production")
			}
		}
	})

	t.Run("shadow successes release quarantine", func(t *testing.T) {
		b := NewBandit(testArms(), WithRandSource(rand.NewSource(7)))
		for i := 0; i < outcomeWindow; i++ {
			b.Observe("remote-first", 0.0, false, false)
		}
		if !b.armByID("remote-first").isQuarantined() {
			t.Fatal("arm not quarantined")
		}

		// Shadow traffic prefers the quarantined arm.
		if got := b.SelectShadow(); got != "remote-first" {
			t.Fatalf("SelectShadow() = %s, want remote-first", got)
		}

		// Recovery demands a full shadow window above the release threshold.
		for i := 0; i < outcomeWindow-1; i++ {
			b.Observe("remote-first", 0.8, true, true)
		}
		if !b.armByID("remote-first").isQuarantined() {
			t.Fatal("arm released before the shadow window filled")
		}
		b.Observe("remote-first", 0.8, true, true)
		if b.armByID("remote-first").isQuarantined() {
			t.Fatal("arm still quarantined after sustained shadow success")
		}
	})

	t.Run("shadow observations update the posterior", func(t *testing.T) {
		b := NewBandit(testArms(), WithRandSource(rand.NewSource(7)))
		b.Observe("hybrid", 1.0, true, true)
		for _, snap := range b.Snapshot() {
			if snap.ID == "hybrid" && (snap.N != 1 || snap.Alpha != 2 || snap.Beta != 1) {
				t.Errorf("shadow observation did not feed posterior: %+v", snap)
			}
		}
	})
}

func (b *Bandit) armByID(id string) *Arm {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.arms[id]
}

func TestRewardCalculator(t *testing.T) {
	r := NewRewardCalculator()

	t.Run("instant cheap success scores one", func(t *testing.T) {
		got := r.Compute(Outcome{Success: true, Duration: 0, CostUSD: 0})
		if got != 1.0 {
			t.Errorf("Compute = %v, want 1.0", got)
		}
	})

	t.Run("response component is linear in duration", func(t *testing.T) {
		// 1s against the 5s target: response = 1 - 1/5 = 0.8.
		got := r.Compute(Outcome{Success: true, Duration: time.Second, CostUSD: 0})
		if math.Abs(got-0.92) > 1e-9 {
			t.Errorf("Compute = %v, want 0.92", got)
		}
	})

	t.Run("failure loses the success component", func(t *testing.T) {
		ok := r.Compute(Outcome{Success: true, Duration: time.Second, CostUSD: 0})
		failed := r.Compute(Outcome{Success: false, Duration: time.Second, CostUSD: 0})
		if math.Abs((ok-failed)-weightSuccess) > 1e-9 {
			t.Errorf("success gap = %v, want %v", ok-failed, weightSuccess)
		}
	})

	t.Run("slow response decays", func(t *testing.T) {
		fast := r.Compute(Outcome{Success: true, Duration: 2 * time.Second})
		slow := r.Compute(Outcome{Success: true, Duration: 20 * time.Second})
		if slow >= fast {
			t.Errorf("slow %v >= fast %v", slow, fast)
		}
	})

	t.Run("expensive call loses the cost component", func(t *testing.T) {
		cheap := r.Compute(Outcome{Success: true, Duration: time.Second, CostUSD: 0})
		costly := r.Compute(Outcome{Success: true, Duration: time.Second, CostUSD: 0.05})
		if math.Abs((cheap-costly)-weightCost) > 1e-9 {
			t.Errorf("cost gap = %v, want %v", cheap-costly, weightCost)
		}
	})

	t.Run("streaming ttft adjustment stays clamped", func(t *testing.T) {
		bonus := r.Compute(Outcome{Success: true, Duration: time.Second, Streamed: true, TTFT: 200 * time.Millisecond})
		if bonus > 1 {
			t.Errorf("Compute = %v, want clamped to 1", bonus)
		}
		penalty := r.Compute(Outcome{Success: false, Duration: 30 * time.Second, CostUSD: 1, Streamed: true, TTFT: 5 * time.Second})
		if penalty < 0 {
			t.Errorf("Compute = %v, want clamped to 0", penalty)
		}
	})
}

func TestCheckpointRoundtrip(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.Options{FallbackSize: 100})

	b := NewBandit(testArms(), WithRandSource(rand.NewSource(3)))
	for i := 0; i < 50; i++ {
		b.Observe("hybrid", 0.8, true, false)
	}
	cp := NewCheckpointer(b, c, zerolog.Nop())
	cp.Save(ctx)

	restored := NewBandit(testArms(), WithRandSource(rand.NewSource(3)))
	NewCheckpointer(restored, c, zerolog.Nop()).Restore(ctx)

	want := b.Snapshot()
	got := restored.Snapshot()
	for i := range want {
		if got[i].Alpha != want[i].Alpha || got[i].Beta != want[i].Beta || got[i].N != want[i].N {
			t.Errorf("arm %s restored as %+v, want %+v", want[i].ID, got[i], want[i])
		}
	}
}
