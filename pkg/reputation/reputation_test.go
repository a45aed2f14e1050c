package reputation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

func TestEffectiveScore_Dampening(t *testing.T) {
	assert.Equal(t, 50.0, EffectiveScore(0, 0))
	assert.InDelta(t, 41.67, EffectiveScore(0, 1), 0.01, "one failure must not zero a new peer")
	assert.InDelta(t, 97.62, EffectiveScore(100, 0), 0.01)
	assert.Equal(t, 70.0, EffectiveScore(8, 2))
	assert.InDelta(t, 56.67, EffectiveScore(6, 4), 0.01)
	assert.Equal(t, EffectiveScore(0, 0), EffectiveScore(-3, -1))
}

func TestEffectiveScore_BoundedAndMonotone(t *testing.T) {
	for s := int64(0); s < 60; s++ {
		for f := int64(0); f < 60; f++ {
			score := EffectiveScore(s, f)
			require.GreaterOrEqual(t, score, 0.0)
			require.LessOrEqual(t, score, 100.0)
			require.GreaterOrEqual(t, EffectiveScore(s+1, f), score, "s=%d f=%d", s, f)
			require.LessOrEqual(t, EffectiveScore(s, f+1), score, "s=%d f=%d", s, f)
		}
	}
}

func TestStore_CountersAndVersion(t *testing.T) {
	s := NewStore()
	v0 := s.Version()

	s.RecordSuccess("p1")
	s.RecordSuccess("p1")
	s.RecordFailure("p1")
	s.RecordFailure("p2")

	r, ok := s.Get("p1")
	require.True(t, ok)
	assert.Equal(t, int64(2), r.SuccessfulJobs)
	assert.Equal(t, int64(1), r.FailedJobs)
	assert.False(t, r.LastUpdated.IsZero())
	assert.Equal(t, v0+4, s.Version())

	assert.Equal(t, 50.0, s.Score("unknown"))

	s.Reset("p1")
	_, ok = s.Get("p1")
	assert.False(t, ok)

	records := s.Records()
	require.Len(t, records, 1)
	assert.Equal(t, mesh.PeerID("p2"), records[0].PeerID)

	fresh := NewStore()
	fresh.Load(records)
	assert.Equal(t, s.Score("p2"), fresh.Score("p2"))
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, TierElite, TierFor(90))
	assert.Equal(t, TierGood, TierFor(89.9))
	assert.Equal(t, TierAcceptable, TierFor(50))
	assert.Equal(t, TierNone, TierFor(49.9))

	lower, ok := TierElite.Lower()
	assert.True(t, ok)
	assert.Equal(t, TierGood, lower)
	_, ok = TierAcceptable.Lower()
	assert.False(t, ok)

	_, err := ParseTier("platinum")
	assert.Error(t, err)
}
