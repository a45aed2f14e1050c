package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/latency"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/reputation"
)

// Finder is the stateful entry point: it pulls live peers from the
// discovery collaborator, refreshes the snapshot when reputation or the peer
// set changed, and runs the matcher.
type Finder struct {
	discovery  mesh.Discovery
	reputation *reputation.Store
	zones      *latency.Classifier
	matcher    *Matcher
	self       mesh.PeerID
	bloom      reputation.BloomConfig
	logger     *slog.Logger
}

// FinderConfig wires a Finder.
type FinderConfig struct {
	Discovery  mesh.Discovery
	Reputation *reputation.Store
	Zones      *latency.Classifier
	Matcher    *Matcher
	Self       mesh.PeerID
	Bloom      reputation.BloomConfig
	Logger     *slog.Logger
}

func NewFinder(cfg FinderConfig) (*Finder, error) {
	if cfg.Discovery == nil || cfg.Reputation == nil || cfg.Zones == nil {
		return nil, fmt.Errorf("discovery finder: discovery, reputation and zones are required")
	}
	if cfg.Matcher == nil {
		m, err := NewMatcher(DefaultWeights())
		if err != nil {
			return nil, err
		}
		cfg.Matcher = m
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "discovery")
	}
	return &Finder{
		discovery:  cfg.Discovery,
		reputation: cfg.Reputation,
		zones:      cfg.Zones,
		matcher:    cfg.Matcher,
		self:       cfg.Self,
		bloom:      cfg.Bloom,
		logger:     cfg.Logger,
	}, nil
}

// FindPeers returns ranked matches for q and the state they were computed
// against. prev may be nil; it is never modified.
func (f *Finder) FindPeers(ctx context.Context, q Query, prev *NodeState) ([]CapabilityMatch, *NodeState, error) {
	peers, err := f.discovery.Peers(ctx)
	if err != nil {
		return nil, prev, fmt.Errorf("list peers: %w", err)
	}

	st, err := f.refresh(prev, peers)
	if err != nil {
		return nil, prev, err
	}

	matches, err := f.matcher.Match(q, peers, st)
	if err != nil {
		return nil, st, errorir.Wrap(errorir.ErrMalformed, err, "query %s", q.Describe())
	}
	f.logger.DebugContext(ctx, "peers matched",
		"capability", q.Describe(),
		"known", len(peers),
		"matched", len(matches),
		"state_version", st.Version,
	)
	return matches, st, nil
}

func (f *Finder) refresh(prev *NodeState, peers []mesh.PeerInfo) (*NodeState, error) {
	repVersion := f.reputation.Version()
	fp := fingerprint(peers)

	st := prev.Clone()
	st.Version++
	st.Self = f.self
	st.Zones = f.zones.Zones()

	if prev != nil && prev.Bloom != nil && prev.ReputationVersion == repVersion && prev.PeerFingerprint == fp {
		return st, nil
	}

	records := f.reputation.Snapshot()
	st.Scores = make(map[mesh.PeerID]float64, len(records))
	for id, r := range records {
		st.Scores[id] = r.EffectiveScore()
	}
	bloom, err := reputation.BuildLocalFilters(peers, st.Score, nil, f.self, f.bloom)
	if err != nil {
		return nil, fmt.Errorf("build bloom index: %w", err)
	}
	st.Bloom = bloom
	st.ReputationVersion = repVersion
	st.PeerFingerprint = fp
	return st, nil
}

// fingerprint hashes peer ids and capability identities so a changed peer
// set triggers a bloom rebuild.
func fingerprint(peers []mesh.PeerInfo) uint64 {
	keys := make([]string, 0, len(peers))
	for _, p := range peers {
		for _, c := range p.Capabilities {
			keys = append(keys, string(p.ID)+"|"+c.Key()+"|"+c.Version)
		}
		keys = append(keys, string(p.ID))
	}
	sort.Strings(keys)
	d := xxhash.New()
	for _, k := range keys {
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
