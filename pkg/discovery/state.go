package discovery

import (
	"github.com/dileet/ecco-sub003/pkg/latency"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/reputation"
)

// NodeState is an immutable snapshot of everything the matcher reads.
// FindPeers returns a new value instead of modifying the one it was given.
type NodeState struct {
	Version           uint64
	ReputationVersion uint64
	PeerFingerprint   uint64
	Self              mesh.PeerID
	Scores            map[mesh.PeerID]float64
	Zones             map[mesh.PeerID]latency.Zone
	Bloom             *reputation.BloomIndex
}

// Clone copies the maps. The bloom index is shared since it is never
// modified after construction.
func (s *NodeState) Clone() *NodeState {
	if s == nil {
		return &NodeState{}
	}
	c := *s
	c.Scores = make(map[mesh.PeerID]float64, len(s.Scores))
	for k, v := range s.Scores {
		c.Scores[k] = v
	}
	c.Zones = make(map[mesh.PeerID]latency.Zone, len(s.Zones))
	for k, v := range s.Zones {
		c.Zones[k] = v
	}
	return &c
}

// Score returns the effective score captured in the snapshot, or the prior
// for peers with no history.
func (s *NodeState) Score(id mesh.PeerID) float64 {
	if s != nil {
		if v, ok := s.Scores[id]; ok {
			return v
		}
	}
	return reputation.EffectiveScore(0, 0)
}

// Zone returns the peer's zone; unmeasured peers are global.
func (s *NodeState) Zone(id mesh.PeerID) latency.Zone {
	if s != nil {
		if z, ok := s.Zones[id]; ok {
			return z
		}
	}
	return latency.ZoneGlobal
}

// screen keeps the matches of the preferred tier, walking down to the first
// lower tier that still has a match once bloom false positives are dropped.
func (s *NodeState) screen(matches []CapabilityMatch, reqs []compiledRequirement, preferred reputation.Tier) []CapabilityMatch {
	if len(matches) == 0 {
		return matches
	}
	if s == nil || s.Bloom == nil {
		return s.screenExact(matches, preferred)
	}

	tier := preferred
	if tier == reputation.TierNone {
		tier = reputation.TierAcceptable
	}
	for ok := true; ok; tier, ok = tier.Lower() {
		var out []CapabilityMatch
		for _, m := range matches {
			if !s.inTier(m.Peer.ID, reqs, tier) {
				continue
			}
			m.Tier = tier
			out = append(out, m)
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// inTier reports whether id sits in the tier filter of every requirement
// and its current score still admits it there. Bloom hits can be false
// positives or built from older scores.
func (s *NodeState) inTier(id mesh.PeerID, reqs []compiledRequirement, tier reputation.Tier) bool {
	for _, r := range reqs {
		if !s.Bloom.Filter(r.Name, tier).Contains(id) {
			return false
		}
	}
	return id == s.Self || tier.Admits(s.Score(id))
}

func (s *NodeState) screenExact(matches []CapabilityMatch, preferred reputation.Tier) []CapabilityMatch {
	for tier, ok := preferred, true; ok; tier, ok = tier.Lower() {
		var out []CapabilityMatch
		for _, m := range matches {
			if tier.Admits(s.Score(m.Peer.ID)) {
				m.Tier = tier
				out = append(out, m)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
