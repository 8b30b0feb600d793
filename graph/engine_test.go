package graph

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEngine(opts ...Option) *Engine {
	base := []Option{WithDefaultNodeTimeout(2 * time.Second), WithCancelGrace(100 * time.Millisecond)}
	return NewEngine(append(base, opts...)...)
}

func TestEngineRun(t *testing.T) {
	t.Run("executes nodes in order and records path", func(t *testing.T) {
		g := New("wf").
			Add("first", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				return NodeResult{Success: true, Data: map[string]any{"v": 1}, Confidence: 0.9, Cost: 0.001}
			})).
			Add("second", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				if _, ok := s.Get("first"); !ok {
					t.Error("second ran before first's data was merged")
				}
				return Ok(nil)
			})).
			StartAt("first").
			Connect("first", "second").
			Terminal("second")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}

		state := NewExecutionState("q1", "c1")
		state.BudgetRemaining = 1.0
		out, err := eng.Run(context.Background(), "wf", state)
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
		if len(out.Path) != 2 || out.Path[0] != "first" || out.Path[1] != "second" {
			t.Errorf("Path = %v, want [first second]", out.Path)
		}
		if out.Confidences["first"] != 0.9 {
			t.Errorf("Confidences[first] = %v, want 0.9", out.Confidences["first"])
		}
		if out.Costs["first"] != 0.001 {
			t.Errorf("Costs[first] = %v, want 0.001", out.Costs["first"])
		}
	})

	t.Run("conditional routing follows predicate label", func(t *testing.T) {
		g := New("route").
			Add("decide", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				return Ok(map[string]any{"label": "right"})
			})).
			Add("left", passNode()).
			Add("right", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				return Ok(map[string]any{"took": "right"})
			})).
			StartAt("decide").
			ConnectCond("decide", func(s *ExecutionState) string {
				m := s.GetMap("decide")
				label, _ := m["label"].(string)
				return label
			}, []string{"left", "right"},
				map[string]string{"left": "left", "right": "right"}).
			Terminal("left").
			Terminal("right")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		out, err := eng.Run(context.Background(), "route", NewExecutionState("q", "c"))
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
		if out.Path[len(out.Path)-1] != "right" {
			t.Errorf("final node = %s, want right", out.Path[len(out.Path)-1])
		}
	})

	t.Run("unmapped label routes to error handler", func(t *testing.T) {
		handled := false
		g := New("unmapped").
			Add("decide", passNode()).
			Add("next", passNode()).
			Add("rescue", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				handled = true
				if len(s.Errors) == 0 || s.Errors[0].Kind != KindGraphRouting {
					t.Errorf("handler saw errors %v, want graph_routing_error", s.Errors)
				}
				return Ok(nil)
			}), WithErrorsHandled()).
			StartAt("decide").
			ConnectCond("decide", func(s *ExecutionState) string { return "nonsense" },
				[]string{"ok"}, map[string]string{"ok": "next"}).
			Terminal("next").
			Terminal("rescue").
			ErrorHandler("rescue")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		_, err := eng.Run(context.Background(), "unmapped", NewExecutionState("q", "c"))
		if err != nil {
			t.Fatalf("Run() = %v, want handled", err)
		}
		if !handled {
			t.Error("error handler never ran")
		}
	})

	t.Run("node failure routes to error handler", func(t *testing.T) {
		g := New("fail").
			Add("boom", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				return Fail(Errf(KindNoEligibleWorker, "nothing fits"))
			})).
			Add("done", passNode()).
			Add("rescue", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				return NodeResult{Success: true, Data: map[string]any{"fallback": true}}
			}), WithErrorsHandled()).
			StartAt("boom").
			Connect("boom", "done").
			Terminal("done").
			Terminal("rescue").
			ErrorHandler("rescue")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		out, err := eng.Run(context.Background(), "fail", NewExecutionState("q", "c"))
		if err != nil {
			t.Fatalf("Run() = %v, want nil after handler", err)
		}
		if out.Path[len(out.Path)-1] != "rescue" {
			t.Errorf("Path = %v, want rescue last", out.Path)
		}
		if len(out.Errors) != 1 || out.Errors[0].Kind != KindNoEligibleWorker {
			t.Errorf("Errors = %v, want one no_eligible_worker", out.Errors)
		}
	})

	t.Run("error handler failure surfaces with empty response", func(t *testing.T) {
		g := New("double").
			Add("boom", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				return Fail(Errf(KindUnknown, "first"))
			})).
			Add("done", passNode()).
			Add("rescue", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				return Fail(Errf(KindUnknown, "second"))
			}), WithErrorsHandled()).
			StartAt("boom").
			Connect("boom", "done").
			Terminal("done").
			Terminal("rescue").
			ErrorHandler("rescue")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		out, err := eng.Run(context.Background(), "double", NewExecutionState("q", "c"))
		if err == nil {
			t.Fatal("Run() = nil, want error")
		}
		if out.FinalResponse != "" {
			t.Errorf("FinalResponse = %q, want empty", out.FinalResponse)
		}
	})

	t.Run("per-node timeout yields worker_timeout", func(t *testing.T) {
		g := New("slow").
			Add("stall", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				select {
				case <-time.After(5 * time.Second):
					return Ok(nil)
				case <-ctx.Done():
					// Ignore cancellation to exercise the grace window.
					time.Sleep(5 * time.Second)
					return Ok(nil)
				}
			}), WithTimeout(50*time.Millisecond)).
			Add("done", passNode()).
			StartAt("stall").
			Connect("stall", "done").
			Terminal("done")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		_, err := eng.Run(context.Background(), "slow", NewExecutionState("q", "c"))
		var ge *Error
		if !errors.As(err, &ge) || ge.Kind != KindWorkerTimeout {
			t.Fatalf("Run() = %v, want worker_timeout", err)
		}
	})

	t.Run("deadline passed mid-run goes to handler", func(t *testing.T) {
		g := New("deadline").
			Add("a", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				s.Deadline = time.Now().Add(-time.Millisecond)
				return Ok(nil)
			})).
			Add("b", passNode()).
			Add("rescue", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				if len(s.Errors) == 0 || s.Errors[0].Kind != KindDeadlineExceeded {
					t.Errorf("handler saw %v, want deadline_exceeded", s.Errors)
				}
				return Ok(nil)
			}), WithErrorsHandled()).
			StartAt("a").
			Connect("a", "b").
			Terminal("b").
			Terminal("rescue").
			ErrorHandler("rescue")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		out, err := eng.Run(context.Background(), "deadline", NewExecutionState("q", "c"))
		if err != nil {
			t.Fatalf("Run() = %v, want handled", err)
		}
		if out.Path[len(out.Path)-1] != "rescue" {
			t.Errorf("Path = %v, want rescue last", out.Path)
		}
	})

	t.Run("request deadline caps a node mid-execution", func(t *testing.T) {
		g := New("cutover").
			Add("sleepy", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				time.Sleep(1500 * time.Millisecond)
				return Ok(nil)
			}), WithTimeout(2*time.Second)).
			Add("done", passNode()).
			Add("rescue", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				if len(s.Errors) == 0 || s.Errors[0].Kind != KindDeadlineExceeded {
					t.Errorf("handler saw %v, want deadline_exceeded", s.Errors)
				}
				return Ok(nil)
			}), WithErrorsHandled()).
			StartAt("sleepy").
			Connect("sleepy", "done").
			Terminal("done").
			Terminal("rescue").
			ErrorHandler("rescue")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		state := NewExecutionState("q", "c")
		state.Deadline = time.Now().Add(200 * time.Millisecond)
		started := time.Now()
		out, err := eng.Run(context.Background(), "cutover", state)
		elapsed := time.Since(started)
		if err != nil {
			t.Fatalf("Run() = %v, want handled", err)
		}
		if out.Path[len(out.Path)-1] != "rescue" {
			t.Errorf("Path = %v, want rescue last", out.Path)
		}
		// 200ms deadline + 100ms cancel grace, with slack; well under the
		// node's own 1.5s sleep.
		if elapsed > time.Second {
			t.Errorf("run took %v, want cut off near the deadline", elapsed)
		}
	})

	t.Run("retry policy retries transient failures", func(t *testing.T) {
		calls := 0
		g := New("retry").
			Add("flaky", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				calls++
				if calls < 3 {
					return Fail(Errf(KindWorkerTimeout, "transient"))
				}
				return Ok(nil)
			}), WithRetry(&RetryPolicy{
				MaxAttempts: 3,
				BaseDelay:   time.Millisecond,
				MaxDelay:    5 * time.Millisecond,
				RetryOn:     map[ErrorKind]bool{KindWorkerTimeout: true},
			})).
			StartAt("flaky").
			Terminal("flaky")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		if _, err := eng.Run(context.Background(), "retry", NewExecutionState("q", "c")); err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("non-retryable kind fails immediately", func(t *testing.T) {
		calls := 0
		g := New("noretry").
			Add("broke", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				calls++
				return Fail(Errf(KindBudgetExceeded, "over"))
			}), WithRetry(DefaultRetryPolicy())).
			StartAt("broke").
			Terminal("broke")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		_, err := eng.Run(context.Background(), "noretry", NewExecutionState("q", "c"))
		if err == nil {
			t.Fatal("Run() = nil, want error")
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("panic recovered as unknown", func(t *testing.T) {
		g := New("panics").
			Add("bad", NodeFunc(func(ctx context.Context, s *ExecutionState) NodeResult {
				panic("nil map write")
			})).
			StartAt("bad").
			Terminal("bad")

		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		_, err := eng.Run(context.Background(), "panics", NewExecutionState("q", "c"))
		var ge *Error
		if !errors.As(err, &ge) || ge.Kind != KindUnknown {
			t.Fatalf("Run() = %v, want unknown kind", err)
		}
	})

	t.Run("stats track executions", func(t *testing.T) {
		g := New("stats").
			Add("a", passNode()).
			StartAt("a").
			Terminal("a")
		eng := newTestEngine()
		if err := eng.Register(g); err != nil {
			t.Fatalf("Register() = %v", err)
		}
		for i := 0; i < 3; i++ {
			if _, err := eng.Run(context.Background(), "stats", NewExecutionState("q", "c")); err != nil {
				t.Fatalf("Run() = %v", err)
			}
		}
		st := eng.Stats("stats")
		if st.TotalExecutions != 3 || st.SuccessCount != 3 {
			t.Errorf("Stats = %+v, want 3/3", st)
		}
	})
}

func TestComputeBackoff(t *testing.T) {
	p := &RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt, wantFloor := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		d := computeBackoff(p, attempt)
		if d < wantFloor || d > wantFloor+p.BaseDelay {
			t.Errorf("computeBackoff(attempt=%d) = %v, want in [%v, %v)", attempt, d, wantFloor, wantFloor+p.BaseDelay)
		}
	}
	if d := computeBackoff(p, 10); d > p.MaxDelay+p.BaseDelay {
		t.Errorf("computeBackoff(10) = %v, want capped near %v", d, p.MaxDelay)
	}
}
