package latency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		in   time.Duration
		want Zone
	}{
		{0, ZoneLocal},
		{74 * time.Millisecond, ZoneLocal},
		{75 * time.Millisecond, ZoneRegional},
		{199 * time.Millisecond, ZoneRegional},
		{200 * time.Millisecond, ZoneContinental},
		{349 * time.Millisecond, ZoneContinental},
		{350 * time.Millisecond, ZoneGlobal},
		{3 * time.Second, ZoneGlobal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Classify(tt.in), tt.in)
	}
}

func TestUpdatePeerZone_LastWriteWins(t *testing.T) {
	c := NewClassifier(DefaultThresholds())
	assert.Equal(t, ZoneLocal, c.UpdatePeerZone("p1", 20*time.Millisecond))
	assert.Equal(t, ZoneGlobal, c.UpdatePeerZone("p1", 900*time.Millisecond))

	z, ok := c.Zone("p1")
	require.True(t, ok)
	assert.Equal(t, ZoneGlobal, z)
	assert.Equal(t, 0, c.ZoneStats(ZoneLocal).PeerCount)

	z, ok = c.Zone("never-seen")
	assert.False(t, ok)
	assert.Equal(t, ZoneGlobal, z)
}

func TestZoneStats(t *testing.T) {
	c := NewClassifier(DefaultThresholds())
	c.UpdatePeerZone("a", 10*time.Millisecond)
	c.UpdatePeerZone("b", 30*time.Millisecond)
	c.UpdatePeerZone("c", 100*time.Millisecond)

	st := c.ZoneStats(ZoneLocal)
	assert.Equal(t, 2, st.PeerCount)
	assert.Equal(t, 20*time.Millisecond, st.AvgLatency)
	assert.Equal(t, Stats{}, c.ZoneStats(ZoneContinental))
}

func TestSnapshotLoad(t *testing.T) {
	c := NewClassifier(DefaultThresholds())
	c.UpdatePeerZone("b", 100*time.Millisecond)
	c.UpdatePeerZone("a", 10*time.Millisecond)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", string(snap[0].PeerID))

	restored := NewClassifier(DefaultThresholds())
	restored.Load(snap)
	assert.Equal(t, c.Zones(), restored.Zones())
}

func TestInvalidThresholdsFallBack(t *testing.T) {
	require.Error(t, Thresholds{Local: time.Second, Regional: time.Millisecond, Continental: time.Minute}.Validate())
	c := NewClassifier(Thresholds{})
	assert.Equal(t, ZoneLocal, c.UpdatePeerZone("x", time.Millisecond))
}

func TestZoneWeightsOrdered(t *testing.T) {
	for i := 1; i < len(Zones); i++ {
		assert.Greater(t, Zones[i-1].Weight(), Zones[i].Weight())
	}
}
