package orchestrator

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

const retiredCacheSize = 1024

// inbound is a reply routed to a waiting Execute call.
type inbound struct {
	peer    mesh.PeerID
	reply   AgentReply
	arrived time.Time
}

type pendingRequest struct {
	ch       chan inbound
	expected map[mesh.PeerID]bool
	received map[mesh.PeerID]bool
	deadline time.Time
}

// deliveryOutcome says what happened to an incoming reply.
type deliveryOutcome int

const (
	delivered deliveryOutcome = iota
	lateReply                 // correlation id already retired
	unknownReply
	duplicateReply // peer already answered, or was never asked
)

// correlationTable routes agent-response messages to the Execute call that
// minted their correlation id.
type correlationTable struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	retired *lru.ARCCache
}

func newCorrelationTable() *correlationTable {
	retired, err := lru.NewARC(retiredCacheSize)
	if err != nil {
		panic(err)
	}
	return &correlationTable{
		pending: make(map[string]*pendingRequest),
		retired: retired,
	}
}

// open registers id for the given peers. The channel holds one reply per
// peer so delivery never blocks.
func (t *correlationTable) open(id string, peers []mesh.PeerID, deadline time.Time) <-chan inbound {
	p := &pendingRequest{
		ch:       make(chan inbound, len(peers)),
		expected: make(map[mesh.PeerID]bool, len(peers)),
		received: make(map[mesh.PeerID]bool, len(peers)),
		deadline: deadline,
	}
	for _, peer := range peers {
		p.expected[peer] = true
	}
	t.mu.Lock()
	t.pending[id] = p
	t.mu.Unlock()
	return p.ch
}

// forget drops a peer whose request could not be sent, so it is not
// waited on.
func (t *correlationTable) forget(id string, peer mesh.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.pending[id]; ok {
		delete(p.expected, peer)
	}
}

func (t *correlationTable) deliver(from mesh.PeerID, reply AgentReply, now time.Time) deliveryOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[reply.CorrelationID]
	if !ok {
		if t.retired.Contains(reply.CorrelationID) {
			return lateReply
		}
		return unknownReply
	}
	if now.After(p.deadline) {
		return lateReply
	}
	if !p.expected[from] || p.received[from] {
		return duplicateReply
	}
	p.received[from] = true
	p.ch <- inbound{peer: from, reply: reply, arrived: now}
	return delivered
}

// retire closes id; later replies are reported as late and discarded.
func (t *correlationTable) retire(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
	t.retired.Add(id, struct{}{})
}

func (t *correlationTable) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
