package workflow

import (
	"hash/fnv"
	"sync"
)

// lockShards is the stripe count for session locks. Collisions only cost
// unnecessary serialization between unrelated sessions.
const lockShards = 64

// SessionLocks serializes concurrent requests into the same conversation so
// interleaved turns cannot corrupt the session log.
type SessionLocks struct {
	shards [lockShards]sync.Mutex
}

// NewSessionLocks creates the striped lock set.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{}
}

func (s *SessionLocks) shard(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &s.shards[h.Sum32()%lockShards]
}

// Lock acquires the session's stripe.
func (s *SessionLocks) Lock(sessionID string) {
	s.shard(sessionID).Lock()
}

// Unlock releases the session's stripe.
func (s *SessionLocks) Unlock(sessionID string) {
	s.shard(sessionID).Unlock()
}
