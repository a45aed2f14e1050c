package orchestrator

import (
	"sync"
	"time"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

// PeerLoad counts dispatches to one peer and its running mean latency over
// answered requests.
type PeerLoad struct {
	Dispatches     int64         `json:"dispatches"`
	Responses      int64         `json:"responses"`
	AverageLatency time.Duration `json:"average_latency"`
}

type loadTracker struct {
	mu    sync.Mutex
	peers map[mesh.PeerID]PeerLoad
}

func newLoadTracker() *loadTracker {
	return &loadTracker{peers: make(map[mesh.PeerID]PeerLoad)}
}

func (l *loadTracker) dispatched(peer mesh.PeerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.peers[peer]
	p.Dispatches++
	l.peers[peer] = p
}

func (l *loadTracker) answered(peer mesh.PeerID, latency time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.peers[peer]
	p.Responses++
	p.AverageLatency += (latency - p.AverageLatency) / time.Duration(p.Responses)
	l.peers[peer] = p
}

func (l *loadTracker) snapshot() map[mesh.PeerID]PeerLoad {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[mesh.PeerID]PeerLoad, len(l.peers))
	for k, v := range l.peers {
		out[k] = v
	}
	return out
}

func (l *loadTracker) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peers = make(map[mesh.PeerID]PeerLoad)
}
