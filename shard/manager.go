// Package shard tracks this node's shard id, the observed per-shard
// leader and load table, and the advisory rebalance signal.
package shard

import (
	"math/rand"
	"sync"
	"time"

	"github.com/latticebft/lattice/internal/utils"
)

// DefaultAdjustInterval is the minimum spacing between rebalance checks.
const DefaultAdjustInterval = 30 * time.Second

// LoadThreshold is the mean-load trigger for allocating a new shard.
const LoadThreshold = 100

// Manager holds this node's shard id and the leader/load table observed
// across shard_leader and shard_load announcements. It never migrates
// blocks between shards — rebalance is purely an advisory broadcast.
type Manager struct {
	mu sync.Mutex

	selfShard      uint32
	leaders        map[uint32]string
	load           map[uint32]uint64
	lastAdjust     time.Time
	adjustInterval time.Duration
	rng            *rand.Rand
}

// NewManager returns a Manager for the given shard id.
func NewManager(selfShard uint32, adjustInterval time.Duration, seed int64) *Manager {
	if adjustInterval <= 0 {
		adjustInterval = DefaultAdjustInterval
	}
	return &Manager{
		selfShard:      selfShard,
		leaders:        make(map[uint32]string),
		load:           make(map[uint32]uint64),
		adjustInterval: adjustInterval,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// SetAdjustInterval retunes the minimum spacing between rebalance checks,
// taking effect on the next MaybeRebalance call — the
// shard_adjust_interval liveness knob a config hot-reload can adjust
// without a restart.
func (m *Manager) SetAdjustInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustInterval = d
}

// ShardID returns this node's own shard id.
func (m *Manager) ShardID() uint32 {
	return m.selfShard
}

// IncrementLocalLoad records that this node locally started a round in
// its own shard. Call once per round start.
func (m *Manager) IncrementLocalLoad() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load[m.selfShard]++
}

// SetLeader records a shard_leader announcement from a peer.
func (m *Manager) SetLeader(shardID uint32, leaderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaders[shardID] = leaderID
}

// SetLoad records a shard_load announcement from a peer.
func (m *Manager) SetLoad(shardID uint32, load uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load[shardID] = load
}

// LeaderFor resolves the leader for shardID in round: the announced
// shard_leader if known, otherwise active[round % len(active)]. active
// must be non-empty; callers are responsible for failing the round when
// it is not.
func (m *Manager) LeaderFor(shardID uint32, round uint64, active []string) string {
	m.mu.Lock()
	leader, ok := m.leaders[shardID]
	m.mu.Unlock()
	if ok {
		return leader
	}
	return active[round%uint64(len(active))]
}

// RebalanceSignal is the advisory shard_leader announcement to broadcast
// when a rebalance trigger fires.
type RebalanceSignal struct {
	ShardID  uint32
	LeaderID string
}

// MaybeRebalance checks, no more often than adjustInterval, whether mean
// load across known shards exceeds LoadThreshold; if so it allocates a
// new shard id (max known + 1), picks a random entry from candidates as
// its leader, records the announcement locally, and returns it for the
// caller to broadcast. Returns ok=false if the interval hasn't elapsed,
// there's nothing to average, or the mean is at or below the threshold.
func (m *Manager) MaybeRebalance(now time.Time, candidates []string) (RebalanceSignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastAdjust.IsZero() && now.Sub(m.lastAdjust) < m.adjustInterval {
		return RebalanceSignal{}, false
	}
	m.lastAdjust = now

	if len(m.load) == 0 || len(candidates) == 0 {
		return RebalanceSignal{}, false
	}
	var sum uint64
	var maxShard uint32
	for shardID, load := range m.load {
		sum += load
		if shardID > maxShard {
			maxShard = shardID
		}
	}
	mean := float64(sum) / float64(len(m.load))
	if mean <= LoadThreshold {
		return RebalanceSignal{}, false
	}

	newShard := maxShard + 1
	leader := candidates[m.rng.Intn(len(candidates))]
	m.leaders[newShard] = leader
	utils.Logger().Info().Uint32("new_shard", newShard).Str("leader", leader).
		Float64("mean_load", mean).Msg("[MaybeRebalance] allocating new shard")
	return RebalanceSignal{ShardID: newShard, LeaderID: leader}, true
}
