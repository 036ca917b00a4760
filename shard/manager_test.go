package shard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeaderForFallsBackToRoundRobin(t *testing.T) {
	m := NewManager(0, time.Minute, 1)
	active := []string{"n0", "n1", "n2", "n3"}
	assert.Equal(t, "n1", m.LeaderFor(0, 1, active))
	assert.Equal(t, "n2", m.LeaderFor(0, 2, active))
}

func TestLeaderForPrefersAnnouncedLeader(t *testing.T) {
	m := NewManager(0, time.Minute, 1)
	m.SetLeader(0, "n9")
	assert.Equal(t, "n9", m.LeaderFor(0, 5, []string{"n0", "n1"}))
}

func TestMaybeRebalanceRespectsIntervalAndThreshold(t *testing.T) {
	m := NewManager(0, time.Minute, 1)
	now := time.Now()
	m.SetLoad(0, 50)
	_, ok := m.MaybeRebalance(now, []string{"n0"})
	assert.False(t, ok, "mean load below threshold")

	m.SetLoad(0, 200)
	sig, ok := m.MaybeRebalance(now.Add(time.Minute), []string{"n0"})
	assert.True(t, ok)
	assert.Equal(t, uint32(1), sig.ShardID)
	assert.Equal(t, "n0", sig.LeaderID)

	m.SetLoad(0, 500)
	_, ok = m.MaybeRebalance(now.Add(time.Minute+time.Second), []string{"n0"})
	assert.False(t, ok, "interval not yet elapsed")

	_, ok = m.MaybeRebalance(now.Add(2*time.Minute), []string{"n0"})
	assert.True(t, ok)
}
