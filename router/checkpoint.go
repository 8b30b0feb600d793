package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kettleworks/maestro/cache"
)

// checkpointInterval is how often learned arm state is persisted.
const checkpointInterval = time.Minute

// armCheckpoint is the persisted form of one arm's learned state.
type armCheckpoint struct {
	Alpha       float64   `json:"alpha"`
	Beta        float64   `json:"beta"`
	TotalReward float64   `json:"total_reward"`
	N           int64     `json:"n"`
	LastUpdated time.Time `json:"last_updated"`
	Quarantined bool      `json:"quarantined"`
}

// weightsHash fingerprints the reward weighting. Posteriors learned under
// one weighting are meaningless under another, so the hash partitions
// checkpoint keys: changing weights starts a fresh bandit.
func weightsHash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v:%v:%v", weightSuccess, weightResponse, weightCost)))
	return hex.EncodeToString(sum[:4])
}

// Checkpointer persists bandit arm state to the pattern namespace on a
// ticker and restores it at startup.
type Checkpointer struct {
	bandit   *Bandit
	cache    *cache.Cache
	log      zerolog.Logger
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewCheckpointer creates a checkpointer; call Restore before serving and
// Start to begin periodic saves.
func NewCheckpointer(b *Bandit, c *cache.Cache, log zerolog.Logger) *Checkpointer {
	return &Checkpointer{
		bandit:   b,
		cache:    c,
		log:      log,
		interval: checkpointInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetInterval overrides the save cadence. Call before Start.
func (c *Checkpointer) SetInterval(d time.Duration) {
	if d > 0 {
		c.interval = d
	}
}

func checkpointKey(armID string) string {
	return "bandit:" + weightsHash() + ":" + armID
}

// Restore loads persisted arm state. Missing or undecodable checkpoints
// leave the arm at its uniform prior.
func (c *Checkpointer) Restore(ctx context.Context) {
	for _, snap := range c.bandit.Snapshot() {
		raw, ok := c.cache.Get(ctx, cache.NSPattern, checkpointKey(snap.ID))
		if !ok {
			continue
		}
		var cp armCheckpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			c.log.Warn().Err(err).Str("arm", snap.ID).Msg("discarding bad bandit checkpoint")
			continue
		}
		c.bandit.restoreArm(snap.ID, cp)
	}
}

// Start launches the periodic save loop. Call Stop on shutdown; a final save
// runs before it returns.
func (c *Checkpointer) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Save(ctx)
			case <-c.stop:
				c.Save(ctx)
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop after a final save.
func (c *Checkpointer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Save writes every arm's state. Best effort: a degraded cache drops the
// write and the bandit keeps its in-memory state.
func (c *Checkpointer) Save(ctx context.Context) {
	for _, snap := range c.bandit.Snapshot() {
		cp := armCheckpoint{
			Alpha:       snap.Alpha,
			Beta:        snap.Beta,
			TotalReward: snap.TotalReward,
			N:           snap.N,
			LastUpdated: snap.LastUpdated,
			Quarantined: snap.Quarantined,
		}
		raw, err := json.Marshal(cp)
		if err != nil {
			continue
		}
		c.cache.SetTTL(ctx, cache.NSPattern, checkpointKey(snap.ID), raw, 0)
	}
}

// restoreArm overwrites an arm's learned state from a checkpoint.
func (b *Bandit) restoreArm(armID string, cp armCheckpoint) {
	b.mu.RLock()
	a, ok := b.arms[armID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alpha = cp.Alpha
	a.beta = cp.Beta
	a.totalReward = cp.TotalReward
	a.n = cp.N
	a.lastUpdated = cp.LastUpdated
	a.quarantined = cp.Quarantined
}
