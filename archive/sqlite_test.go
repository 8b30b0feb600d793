package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()

	t.Run("execution roundtrip", func(t *testing.T) {
		s := newTestSQLite(t)
		rec := ExecutionRecord{
			QueryID:       "q-1",
			CorrelationID: "c-1",
			PrincipalID:   "alice",
			SessionID:     "sess",
			Workflow:      "search",
			ArmID:         "quality-first",
			Quality:       "balanced",
			Path:          []string{"router", "provider_search", "synthesiser", "finalise"},
			WorkerUsed:    "gpt-4o-mini",
			CostUSD:       0.004,
			DurationMS:    1820,
			Success:       true,
			CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := s.RecordExecution(ctx, rec); err != nil {
			t.Fatalf("RecordExecution() error: %v", err)
		}

		got, err := s.RecentExecutions(ctx, "alice", 10)
		if err != nil {
			t.Fatalf("RecentExecutions() error: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("got %d records, want 1", len(got))
		}
		if got[0].QueryID != rec.QueryID || got[0].Workflow != rec.Workflow ||
			got[0].CostUSD != rec.CostUSD || !got[0].Success {
			t.Errorf("record = %+v", got[0])
		}
		if len(got[0].Path) != 4 || got[0].Path[0] != "router" {
			t.Errorf("path = %v", got[0].Path)
		}
		if !got[0].CreatedAt.Equal(rec.CreatedAt) {
			t.Errorf("created_at = %v, want %v", got[0].CreatedAt, rec.CreatedAt)
		}
	})

	t.Run("arm rewards aggregate across inserts", func(t *testing.T) {
		s := newTestSQLite(t)
		for i := 0; i < 4; i++ {
			obs := Observation{
				QueryID:   "q",
				ArmID:     "cost-first",
				Reward:    0.5,
				Success:   i%2 == 0,
				CreatedAt: time.Now(),
			}
			if err := s.RecordObservation(ctx, obs); err != nil {
				t.Fatalf("RecordObservation() error: %v", err)
			}
		}

		rewards, err := s.ArmRewards(ctx)
		if err != nil {
			t.Fatalf("ArmRewards() error: %v", err)
		}
		agg := rewards["cost-first"]
		if agg.Count != 4 || agg.Successes != 2 {
			t.Errorf("aggregate = %+v", agg)
		}
		if agg.TotalReward < 1.99 || agg.TotalReward > 2.01 {
			t.Errorf("total reward = %v, want 2.0", agg.TotalReward)
		}
	})

	t.Run("empty principal yields nothing", func(t *testing.T) {
		s := newTestSQLite(t)
		got, err := s.RecentExecutions(ctx, "nobody", 10)
		if err != nil {
			t.Fatalf("RecentExecutions() error: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("got %d records, want 0", len(got))
		}
	})
}
