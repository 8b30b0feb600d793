// Package archive persists execution history: one record per workflow run
// and one observation per bandit reward. The archive is written off the
// request path; a failed write is logged and dropped, never surfaced to the
// caller.
package archive

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ExecutionRecord captures one completed workflow run.
type ExecutionRecord struct {
	QueryID       string    `json:"query_id"`
	CorrelationID string    `json:"correlation_id"`
	PrincipalID   string    `json:"principal_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Workflow      string    `json:"workflow"`
	ArmID         string    `json:"arm_id"`
	Quality       string    `json:"quality"`
	Path          []string  `json:"path"`
	WorkerUsed    string    `json:"worker_used,omitempty"`
	CostUSD       float64   `json:"cost_usd"`
	DurationMS    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Shadow        bool      `json:"shadow"`
	CreatedAt     time.Time `json:"created_at"`
}

// Observation captures one reward fed to the bandit.
type Observation struct {
	QueryID   string    `json:"query_id"`
	ArmID     string    `json:"arm_id"`
	Reward    float64   `json:"reward"`
	Success   bool      `json:"success"`
	Shadow    bool      `json:"shadow"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists execution history.
//
// Implementations:
//   - MemoryStore: tests and single-process development
//   - SQLiteStore: single-node deployments, zero setup
//   - MySQLStore: shared deployments
type Store interface {
	// RecordExecution appends one run record.
	RecordExecution(ctx context.Context, rec ExecutionRecord) error

	// RecordObservation appends one bandit reward observation.
	RecordObservation(ctx context.Context, obs Observation) error

	// RecentExecutions returns a principal's newest records, newest first.
	RecentExecutions(ctx context.Context, principalID string, limit int) ([]ExecutionRecord, error)

	// ArmRewards aggregates observed reward by arm.
	ArmRewards(ctx context.Context) (map[string]ArmReward, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources. Safe to call more than once.
	Close() error
}

// ArmReward is the aggregate of all observations for one arm.
type ArmReward struct {
	Count       int64   `json:"count"`
	TotalReward float64 `json:"total_reward"`
	Successes   int64   `json:"successes"`
}

// MeanReward is TotalReward / Count, zero when empty.
func (a ArmReward) MeanReward() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.TotalReward / float64(a.Count)
}
