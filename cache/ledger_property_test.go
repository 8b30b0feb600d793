package cache

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// The ledger invariant: no sequence of bounded decrements can drive the
// balance below the floor, and the applied spends sum to at most the initial
// balance.
func TestDecrBoundedProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("balance never drops below floor", prop.ForAll(
		func(initial float64, spends []float64) bool {
			ctx := context.Background()
			m := NewMemoryStore(100)
			if _, err := m.IncrFloat(ctx, "ledger", initial); err != nil {
				return false
			}
			var applied float64
			for _, s := range spends {
				v, ok, err := m.DecrBounded(ctx, "ledger", s, 0)
				if err != nil {
					return false
				}
				if v < 0 {
					return false
				}
				if ok {
					applied += s
				}
			}
			return applied <= initial+1e-9
		},
		gen.Float64Range(0, 1000),
		gen.SliceOf(gen.Float64Range(0, 50)),
	))

	properties.Property("refused decrement leaves balance unchanged", prop.ForAll(
		func(initial, spend float64) bool {
			if spend <= initial {
				spend = initial + 1
			}
			ctx := context.Background()
			m := NewMemoryStore(100)
			if _, err := m.IncrFloat(ctx, "ledger", initial); err != nil {
				return false
			}
			v, ok, err := m.DecrBounded(ctx, "ledger", spend, 0)
			return err == nil && !ok && v == initial
		},
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}
