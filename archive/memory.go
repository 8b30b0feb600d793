package archive

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and development. Records are
// kept in insertion order with an optional cap; when full, the oldest
// records are dropped.
type MemoryStore struct {
	mu           sync.RWMutex
	executions   []ExecutionRecord
	observations []Observation
	cap          int
	closed       bool
}

// NewMemoryStore creates a MemoryStore keeping at most maxRecords per table.
// Zero or negative means unbounded.
func NewMemoryStore(maxRecords int) *MemoryStore {
	return &MemoryStore{cap: maxRecords}
}

// RecordExecution implements Store.
func (s *MemoryStore) RecordExecution(_ context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("archive store is closed")
	}
	s.executions = append(s.executions, rec)
	if s.cap > 0 && len(s.executions) > s.cap {
		s.executions = s.executions[len(s.executions)-s.cap:]
	}
	return nil
}

// RecordObservation implements Store.
func (s *MemoryStore) RecordObservation(_ context.Context, obs Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("archive store is closed")
	}
	s.observations = append(s.observations, obs)
	if s.cap > 0 && len(s.observations) > s.cap {
		s.observations = s.observations[len(s.observations)-s.cap:]
	}
	return nil
}

// RecentExecutions implements Store.
func (s *MemoryStore) RecentExecutions(_ context.Context, principalID string, limit int) ([]ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("archive store is closed")
	}
	var out []ExecutionRecord
	for i := len(s.executions) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.executions[i].PrincipalID == principalID {
			out = append(out, s.executions[i])
		}
	}
	return out, nil
}

// ArmRewards implements Store.
func (s *MemoryStore) ArmRewards(_ context.Context) (map[string]ArmReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("archive store is closed")
	}
	out := make(map[string]ArmReward)
	for _, obs := range s.observations {
		agg := out[obs.ArmID]
		agg.Count++
		agg.TotalReward += obs.Reward
		if obs.Success {
			agg.Successes++
		}
		out[obs.ArmID] = agg
	}
	return out, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("archive store is closed")
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len reports stored execution and observation counts, for tests.
func (s *MemoryStore) Len() (executions, observations int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions), len(s.observations)
}
