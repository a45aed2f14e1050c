// Package discovery ranks peers against a capability query using declared
// capability metadata, reputation, latency zone and stake.
package discovery

import (
	"fmt"
	"math"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/dileet/ecco-sub003/pkg/latency"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/reputation"
)

// Weights combine the match score components:
//
//	score = Capability*fit + Reputation*(effectiveScore/100) + Latency*zoneWeight
//
// multiplied by (1 + StakeBoost) when the peer declares a qualifying stake.
type Weights struct {
	Capability float64 `yaml:"capability"`
	Reputation float64 `yaml:"reputation"`
	Latency    float64 `yaml:"latency"`
	StakeBoost float64 `yaml:"stake_boost"`
	// MinStake is the smallest numeric "stake" metadata value that qualifies.
	// A boolean "staked: true" always qualifies.
	MinStake float64 `yaml:"min_stake"`
}

// DefaultWeights: 0.4 capability, 0.4 reputation, 0.2 latency, +10% stake.
func DefaultWeights() Weights {
	return Weights{Capability: 0.4, Reputation: 0.4, Latency: 0.2, StakeBoost: 0.10}
}

func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"capability": w.Capability, "reputation": w.Reputation, "latency": w.Latency,
		"stake_boost": w.StakeBoost, "min_stake": w.MinStake,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %s must be non-negative, got %v", name, v)
		}
	}
	if w.Capability+w.Reputation+w.Latency == 0 {
		return fmt.Errorf("at least one of capability, reputation, latency weights must be positive")
	}
	return nil
}

// Requirement is one capability a peer must declare. Version is an optional
// semver constraint such as ">=1.2.0, <2". Metadata entries are soft: they
// raise the fit score when the capability declares equal values.
type Requirement struct {
	Type     string         `json:"type" yaml:"type"`
	Name     string         `json:"name" yaml:"name"`
	Version  string         `json:"version,omitempty" yaml:"version,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Query selects peers. PreferredTier screens candidates through the bloom
// index, falling back to lower tiers when the preferred one is empty.
type Query struct {
	Required      []Requirement   `json:"required_capabilities" yaml:"required_capabilities"`
	PreferredTier reputation.Tier `json:"preferred_tier,omitempty" yaml:"preferred_tier,omitempty"`
	// Where is an optional CEL predicate applied to every matched capability.
	Where string `json:"where,omitempty" yaml:"where,omitempty"`
	// Limit caps the number of matches; zero means no cap.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Describe names the query's first capability for error messages.
func (q Query) Describe() string {
	if len(q.Required) == 0 {
		return "<none>"
	}
	return q.Required[0].Type + ":" + q.Required[0].Name
}

// CapabilityMatch is a ranked peer.
type CapabilityMatch struct {
	Peer   mesh.PeerInfo
	Score  float64
	Tier   reputation.Tier
	Zone   latency.Zone
	Staked bool
}

// Matcher ranks peers. It holds configuration and compiled predicates only
// and never mutates the state it is given.
type Matcher struct {
	weights Weights
	preds   *Predicates
}

func NewMatcher(w Weights) (*Matcher, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	preds, err := NewPredicates()
	if err != nil {
		return nil, err
	}
	return &Matcher{weights: w, preds: preds}, nil
}

func (m *Matcher) Weights() Weights { return m.weights }

type compiledRequirement struct {
	Requirement
	constraint *semver.Constraints
}

// Match filters, scores and sorts peers for q against the state snapshot.
func (m *Matcher) Match(q Query, peers []mesh.PeerInfo, st *NodeState) ([]CapabilityMatch, error) {
	if len(q.Required) == 0 {
		return nil, fmt.Errorf("query has no required capabilities")
	}
	reqs := make([]compiledRequirement, len(q.Required))
	for i, r := range q.Required {
		reqs[i].Requirement = r
		if r.Version == "" {
			continue
		}
		c, err := semver.NewConstraint(r.Version)
		if err != nil {
			return nil, fmt.Errorf("requirement %s:%s: invalid version constraint %q: %w", r.Type, r.Name, r.Version, err)
		}
		reqs[i].constraint = c
	}
	if q.Where != "" {
		if _, err := m.preds.Compile(q.Where); err != nil {
			return nil, err
		}
	}

	var out []CapabilityMatch
	for _, p := range peers {
		caps, fit, ok := m.satisfies(p, reqs, q.Where)
		if !ok {
			continue
		}
		score := st.Score(p.ID)
		zone := st.Zone(p.ID)
		staked := m.staked(caps)

		total := m.weights.Capability*fit + m.weights.Reputation*(score/100) + m.weights.Latency*zone.Weight()
		if staked {
			total *= 1 + m.weights.StakeBoost
		}
		out = append(out, CapabilityMatch{
			Peer:   p,
			Score:  total,
			Tier:   reputation.TierFor(score),
			Zone:   zone,
			Staked: staked,
		})
	}

	if q.PreferredTier != reputation.TierNone {
		out = st.screen(out, reqs, q.PreferredTier)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Peer.ID < out[j].Peer.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// satisfies returns the peer's capability for each requirement and the mean
// metadata fit, or false if any requirement is unmet.
func (m *Matcher) satisfies(p mesh.PeerInfo, reqs []compiledRequirement, where string) ([]mesh.Capability, float64, bool) {
	caps := make([]mesh.Capability, 0, len(reqs))
	var fit float64
	for _, r := range reqs {
		c, ok := p.Capability(r.Type, r.Name)
		if !ok {
			return nil, 0, false
		}
		if r.constraint != nil {
			v, err := semver.NewVersion(c.Version)
			if err != nil || !r.constraint.Check(v) {
				return nil, 0, false
			}
		}
		if where != "" {
			pass, err := m.preds.Evaluate(where, p.ID, c)
			if err != nil || !pass {
				return nil, 0, false
			}
		}
		caps = append(caps, c)
		fit += metadataFit(r.Metadata, c.Metadata)
	}
	return caps, fit / float64(len(reqs)), true
}

// metadataFit is the fraction of requested keys the capability declares
// with an equal value; 1 when nothing is requested.
func metadataFit(want, have map[string]any) float64 {
	if len(want) == 0 {
		return 1
	}
	hits := 0
	for k, v := range want {
		if hv, ok := have[k]; ok && fmt.Sprint(hv) == fmt.Sprint(v) {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

func (m *Matcher) staked(caps []mesh.Capability) bool {
	for _, c := range caps {
		if b, ok := c.Metadata["staked"].(bool); ok && b {
			return true
		}
		if m.weights.MinStake > 0 {
			if v, ok := toFloat(c.Metadata["stake"]); ok && v >= m.weights.MinStake {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
