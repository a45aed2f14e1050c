package reputation

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

// BloomConfig sizes the per-tier filters.
type BloomConfig struct {
	FalsePositiveRate float64 `yaml:"false_positive_rate"` // default 0.01
	MinCapacity       uint64  `yaml:"min_capacity"`        // default 64
}

func (c BloomConfig) withDefaults() BloomConfig {
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		c.FalsePositiveRate = 0.01
	}
	if c.MinCapacity == 0 {
		c.MinCapacity = 64
	}
	return c
}

// peerHash feeds a precomputed xxhash of the peer id to the filter, which
// only ever calls Sum64.
type peerHash uint64

func (h peerHash) Write(p []byte) (int, error) { panic("not implemented") }
func (h peerHash) Sum(b []byte) []byte         { panic("not implemented") }
func (h peerHash) Reset()                      { panic("not implemented") }
func (h peerHash) BlockSize() int              { panic("not implemented") }
func (h peerHash) Size() int                   { return 8 }
func (h peerHash) Sum64() uint64               { return uint64(h) }

func hashPeer(id mesh.PeerID) peerHash { return peerHash(xxhash.Sum64String(string(id))) }

// TierFilter is one capability:tier bucket.
type TierFilter struct {
	filter    *bloomfilter.Filter
	PeerCount int
}

// Contains may report false positives, never false negatives.
func (f *TierFilter) Contains(id mesh.PeerID) bool {
	return f != nil && f.filter.Contains(hashPeer(id))
}

// Candidate is a peer found in a tier filter.
type Candidate struct {
	Peer mesh.PeerID
	Tier Tier
}

// BloomIndex maps "capabilityName:tier" to a filter. It is immutable once
// built; rebuild it when reputation or the peer set changes.
type BloomIndex struct {
	filters map[string]*TierFilter
}

func bloomKey(capability string, tier Tier) string { return capability + ":" + string(tier) }

// Filter returns the bucket for a capability and tier, or nil.
func (b *BloomIndex) Filter(capability string, tier Tier) *TierFilter {
	if b == nil {
		return nil
	}
	return b.filters[bloomKey(capability, tier)]
}

// PeerCounts returns the exact number of insertions per key.
func (b *BloomIndex) PeerCounts() map[string]int {
	out := make(map[string]int, len(b.filters))
	for k, f := range b.filters {
		out[k] = f.PeerCount
	}
	return out
}

// BuildLocalFilters indexes, for each capability name, every peer advertising
// it into each tier whose threshold its score meets. Self is inserted into
// every tier of every listed capability. A nil capabilities list indexes
// every name the peers advertise.
func BuildLocalFilters(peers []mesh.PeerInfo, score func(mesh.PeerID) float64, capabilities []string, self mesh.PeerID, cfg BloomConfig) (*BloomIndex, error) {
	cfg = cfg.withDefaults()

	members := make(map[string][]mesh.PeerID)
	wanted := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		wanted[c] = true
		members[c] = nil
	}
	for _, p := range peers {
		seen := make(map[string]bool)
		for _, c := range p.Capabilities {
			if seen[c.Name] || (capabilities != nil && !wanted[c.Name]) {
				continue
			}
			seen[c.Name] = true
			members[c.Name] = append(members[c.Name], p.ID)
		}
	}

	idx := &BloomIndex{filters: make(map[string]*TierFilter)}
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ids := members[name]
		capacity := uint64(len(ids) + 1)
		if capacity < cfg.MinCapacity {
			capacity = cfg.MinCapacity
		}
		for _, tier := range Tiers {
			f, err := bloomfilter.NewOptimal(capacity, cfg.FalsePositiveRate)
			if err != nil {
				return nil, fmt.Errorf("bloom filter %s: %w", bloomKey(name, tier), err)
			}
			tf := &TierFilter{filter: f}
			for _, id := range ids {
				if id == self || !tier.Admits(score(id)) {
					continue
				}
				f.Add(hashPeer(id))
				tf.PeerCount++
			}
			if self != "" && (capabilities == nil || wanted[name]) {
				f.Add(hashPeer(self))
				tf.PeerCount++
			}
			idx.filters[bloomKey(name, tier)] = tf
		}
	}
	return idx, nil
}

// FindCandidates intersects peerIDs with the preferred tier's filter,
// falling back one tier at a time until something matches. Each candidate
// is tagged with the tier it was found at. An empty preferred tier starts
// at acceptable.
func (b *BloomIndex) FindCandidates(capability string, peerIDs []mesh.PeerID, preferred Tier) []Candidate {
	tier := preferred
	if tier == TierNone {
		tier = TierAcceptable
	}
	for {
		f := b.Filter(capability, tier)
		var out []Candidate
		for _, id := range peerIDs {
			if f.Contains(id) {
				out = append(out, Candidate{Peer: id, Tier: tier})
			}
		}
		if len(out) > 0 {
			return out
		}
		next, ok := tier.Lower()
		if !ok {
			return nil
		}
		tier = next
	}
}
