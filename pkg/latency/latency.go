// Package latency buckets peers into zones by measured round-trip time.
package latency

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

// Zone is a latency bucket.
type Zone string

const (
	ZoneLocal       Zone = "local"
	ZoneRegional    Zone = "regional"
	ZoneContinental Zone = "continental"
	ZoneGlobal      Zone = "global"
)

// Zones lists zones from nearest to farthest.
var Zones = []Zone{ZoneLocal, ZoneRegional, ZoneContinental, ZoneGlobal}

// Weight is the matcher's inverse-distance factor for the zone.
func (z Zone) Weight() float64 {
	switch z {
	case ZoneLocal:
		return 1.0
	case ZoneRegional:
		return 0.75
	case ZoneContinental:
		return 0.5
	default:
		return 0.25
	}
}

// Thresholds are exclusive upper bounds for the first three zones.
type Thresholds struct {
	Local       time.Duration `yaml:"local"`
	Regional    time.Duration `yaml:"regional"`
	Continental time.Duration `yaml:"continental"`
}

// DefaultThresholds: <75ms local, <200ms regional, <350ms continental.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Local:       75 * time.Millisecond,
		Regional:    200 * time.Millisecond,
		Continental: 350 * time.Millisecond,
	}
}

func (t Thresholds) Validate() error {
	if t.Local <= 0 || t.Regional <= t.Local || t.Continental <= t.Regional {
		return fmt.Errorf("latency thresholds must be positive and increasing: %v/%v/%v", t.Local, t.Regional, t.Continental)
	}
	return nil
}

// Classify maps a latency to its zone.
func (t Thresholds) Classify(d time.Duration) Zone {
	switch {
	case d < t.Local:
		return ZoneLocal
	case d < t.Regional:
		return ZoneRegional
	case d < t.Continental:
		return ZoneContinental
	default:
		return ZoneGlobal
	}
}

// Measurement is the latest observation for a peer.
type Measurement struct {
	PeerID  mesh.PeerID   `json:"peer_id"`
	Zone    Zone          `json:"zone"`
	Latency time.Duration `json:"latency"`
}

// Stats aggregates one zone.
type Stats struct {
	PeerCount  int
	AvgLatency time.Duration
}

// Classifier holds the peer to zone map. A new measurement always
// replaces the previous one for that peer.
type Classifier struct {
	thresholds Thresholds

	mu    sync.RWMutex
	peers map[mesh.PeerID]Measurement
}

func NewClassifier(t Thresholds) *Classifier {
	if t.Validate() != nil {
		t = DefaultThresholds()
	}
	return &Classifier{thresholds: t, peers: make(map[mesh.PeerID]Measurement)}
}

// UpdatePeerZone records a measurement and returns the peer's new zone.
func (c *Classifier) UpdatePeerZone(peer mesh.PeerID, latency time.Duration) Zone {
	z := c.thresholds.Classify(latency)
	c.mu.Lock()
	c.peers[peer] = Measurement{PeerID: peer, Zone: z, Latency: latency}
	c.mu.Unlock()
	return z
}

// Zone returns the peer's zone. Unmeasured peers are global.
func (c *Classifier) Zone(peer mesh.PeerID) (Zone, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.peers[peer]
	if !ok {
		return ZoneGlobal, false
	}
	return m.Zone, true
}

// ZoneStats recomputes count and mean latency of the zone's members.
func (c *Classifier) ZoneStats(z Zone) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var st Stats
	var total time.Duration
	for _, m := range c.peers {
		if m.Zone != z {
			continue
		}
		st.PeerCount++
		total += m.Latency
	}
	if st.PeerCount > 0 {
		st.AvgLatency = total / time.Duration(st.PeerCount)
	}
	return st
}

// Zones returns a copy of the peer to zone map.
func (c *Classifier) Zones() map[mesh.PeerID]Zone {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[mesh.PeerID]Zone, len(c.peers))
	for id, m := range c.peers {
		out[id] = m.Zone
	}
	return out
}

// Snapshot returns all measurements ordered by peer id.
func (c *Classifier) Snapshot() []Measurement {
	c.mu.RLock()
	out := make([]Measurement, 0, len(c.peers))
	for _, m := range c.peers {
		out = append(out, m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Load replaces the map with persisted measurements, reclassifying each
// under the current thresholds.
func (c *Classifier) Load(ms []Measurement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = make(map[mesh.PeerID]Measurement, len(ms))
	for _, m := range ms {
		m.Zone = c.thresholds.Classify(m.Latency)
		c.peers[m.PeerID] = m
	}
}
