package archive

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("recent executions filter by principal, newest first", func(t *testing.T) {
		s := NewMemoryStore(0)
		for i, principal := range []string{"alice", "bob", "alice", "alice"} {
			err := s.RecordExecution(ctx, ExecutionRecord{
				QueryID:     string(rune('a' + i)),
				PrincipalID: principal,
				Workflow:    "chat",
				CreatedAt:   time.Now(),
			})
			if err != nil {
				t.Fatalf("RecordExecution() error: %v", err)
			}
		}

		got, err := s.RecentExecutions(ctx, "alice", 2)
		if err != nil {
			t.Fatalf("RecentExecutions() error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d records, want 2", len(got))
		}
		if got[0].QueryID != "d" || got[1].QueryID != "c" {
			t.Errorf("order = %s, %s; want d, c", got[0].QueryID, got[1].QueryID)
		}
	})

	t.Run("cap drops oldest", func(t *testing.T) {
		s := NewMemoryStore(3)
		for i := 0; i < 5; i++ {
			_ = s.RecordExecution(ctx, ExecutionRecord{
				QueryID:     string(rune('a' + i)),
				PrincipalID: "p",
			})
		}
		execs, _ := s.Len()
		if execs != 3 {
			t.Errorf("stored %d executions, want 3", execs)
		}
		got, _ := s.RecentExecutions(ctx, "p", 0)
		if got[len(got)-1].QueryID != "c" {
			t.Errorf("oldest surviving record = %s, want c", got[len(got)-1].QueryID)
		}
	})

	t.Run("arm rewards aggregate", func(t *testing.T) {
		s := NewMemoryStore(0)
		obs := []Observation{
			{ArmID: "fast", Reward: 0.9, Success: true},
			{ArmID: "fast", Reward: 0.7, Success: true},
			{ArmID: "slow", Reward: 0.2, Success: false},
		}
		for _, o := range obs {
			if err := s.RecordObservation(ctx, o); err != nil {
				t.Fatalf("RecordObservation() error: %v", err)
			}
		}

		rewards, err := s.ArmRewards(ctx)
		if err != nil {
			t.Fatalf("ArmRewards() error: %v", err)
		}
		fast := rewards["fast"]
		if fast.Count != 2 || fast.Successes != 2 {
			t.Errorf("fast aggregate = %+v", fast)
		}
		if mean := fast.MeanReward(); mean < 0.79 || mean > 0.81 {
			t.Errorf("fast mean reward = %v, want 0.8", mean)
		}
		if slow := rewards["slow"]; slow.Successes != 0 {
			t.Errorf("slow aggregate = %+v", slow)
		}
	})

	t.Run("closed store refuses writes", func(t *testing.T) {
		s := NewMemoryStore(0)
		if err := s.Close(); err != nil {
			t.Fatalf("Close() error: %v", err)
		}
		if err := s.RecordExecution(ctx, ExecutionRecord{}); err == nil {
			t.Error("RecordExecution() after Close = nil, want error")
		}
		if err := s.Ping(ctx); err == nil {
			t.Error("Ping() after Close = nil, want error")
		}
	})
}
