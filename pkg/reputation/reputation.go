// Package reputation tracks per-peer job outcomes and derives the effective
// score and tier used to screen candidates.
package reputation

import (
	"sort"
	"sync"
	"time"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

// Prior parameters for the effective score. A peer with no history scores
// priorScore, and each observed job moves it by 1/(n+priorWeight).
const (
	priorScore  = 50.0
	priorWeight = 5.0
)

// Record holds append-only job counters for one peer.
type Record struct {
	PeerID         mesh.PeerID `json:"peer_id"`
	SuccessfulJobs int64       `json:"successful_jobs"`
	FailedJobs     int64       `json:"failed_jobs"`
	LastUpdated    time.Time   `json:"last_updated"`
}

// EffectiveScore is the record's score in [0,100].
func (r Record) EffectiveScore() float64 {
	return EffectiveScore(r.SuccessfulJobs, r.FailedJobs)
}

// EffectiveScore returns the success rate dampened toward 50 for small
// sample sizes: 100 * (s + 2.5) / (s + f + 5). One failure on a new peer
// yields ~41.7 rather than 0.
func EffectiveScore(successes, failures int64) float64 {
	if successes < 0 {
		successes = 0
	}
	if failures < 0 {
		failures = 0
	}
	s := float64(successes)
	n := s + float64(failures)
	score := 100 * (s + priorScore/100*priorWeight) / (n + priorWeight)
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

// Store is the mutex-guarded, single-writer reputation table. Every
// mutation bumps Version so derived indexes know when to rebuild.
type Store struct {
	mu      sync.RWMutex
	records map[mesh.PeerID]Record
	version uint64
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		records: make(map[mesh.PeerID]Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RecordSuccess increments the peer's success counter, creating the record if absent.
func (s *Store) RecordSuccess(peer mesh.PeerID) {
	s.update(peer, func(r *Record) { r.SuccessfulJobs++ })
}

// RecordFailure increments the peer's failure counter, creating the record if absent.
func (s *Store) RecordFailure(peer mesh.PeerID) {
	s.update(peer, func(r *Record) { r.FailedJobs++ })
}

func (s *Store) update(peer mesh.PeerID, fn func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[peer]
	r.PeerID = peer
	fn(&r)
	r.LastUpdated = s.now()
	s.records[peer] = r
	s.version++
}

// Reset clears a peer's counters. It is the only way counters go down.
func (s *Store) Reset(peer mesh.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[peer]; !ok {
		return
	}
	delete(s.records, peer)
	s.version++
}

func (s *Store) Get(peer mesh.PeerID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[peer]
	return r, ok
}

// Score returns the peer's effective score; unknown peers get the prior.
func (s *Store) Score(peer mesh.PeerID) float64 {
	r, ok := s.Get(peer)
	if !ok {
		return EffectiveScore(0, 0)
	}
	return r.EffectiveScore()
}

// Version increases on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns a copy of all records keyed by peer.
func (s *Store) Snapshot() map[mesh.PeerID]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[mesh.PeerID]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Records returns all records ordered by peer id, for persistence.
func (s *Store) Records() []Record {
	snap := s.Snapshot()
	out := make([]Record, 0, len(snap))
	for _, r := range snap {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Load replaces the table with persisted records.
func (s *Store) Load(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[mesh.PeerID]Record, len(records))
	for _, r := range records {
		s.records[r.PeerID] = r
	}
	s.version++
}
