package router

import (
	"math"
	"time"
)

// Reward weights. Changing them redefines what the posteriors mean, so the
// bandit's checkpoint key incorporates their hash.
const (
	weightSuccess  = 0.4
	weightResponse = 0.4
	weightCost     = 0.2
)

// RewardCalculator turns an execution outcome into a reward in [0, 1].
type RewardCalculator struct {
	// TTarget is the response-time target; at or under it the response
	// component is full.
	TTarget time.Duration

	// CTarget is the cost above which the cost component reaches zero.
	CTarget float64

	// TTFTTarget is the first-token target used for the streaming bonus.
	TTFTTarget time.Duration
}

// NewRewardCalculator returns a calculator with the standard targets: 5s
// response, one cent per request, 1s to first token.
func NewRewardCalculator() *RewardCalculator {
	return &RewardCalculator{
		TTarget:    5 * time.Second,
		CTarget:    0.01,
		TTFTTarget: time.Second,
	}
}

// Outcome captures what the reward function needs from one execution.
type Outcome struct {
	Success  bool
	Duration time.Duration
	CostUSD  float64

	// Streamed and TTFT apply only to streaming responses: a fast first
	// token earns a small bonus, a slow one a penalty.
	Streamed bool
	TTFT     time.Duration
}

// Compute maps an outcome to reward = 0.4·success + 0.4·response + 0.2·cost,
// plus the streaming adjustment, clamped to [0, 1]. The response and cost
// components are each 1 − min(1, observed/target).
func (r *RewardCalculator) Compute(o Outcome) float64 {
	var success float64
	if o.Success {
		success = 1
	}

	response := 1.0
	if r.TTarget > 0 {
		response = 1 - math.Min(1, float64(o.Duration)/float64(r.TTarget))
	}

	cost := 1.0
	if r.CTarget > 0 {
		cost = 1 - math.Min(1, o.CostUSD/r.CTarget)
	}

	reward := weightSuccess*success + weightResponse*response + weightCost*cost

	// Streaming responses earn up to ±0.05 on time to first token, centered
	// on half the target.
	if o.Streamed && o.TTFT > 0 && r.TTFTTarget > 0 {
		streaming := 1 - math.Min(1, float64(o.TTFT)/float64(r.TTFTTarget))
		reward += 0.1 * (streaming - 0.5)
	}

	return math.Max(0, math.Min(1, reward))
}
