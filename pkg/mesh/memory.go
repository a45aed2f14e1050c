package mesh

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Hub is an in-process transport. Every node joined to the same Hub can
// message every other node; announced PeerInfo is served as Discovery.
type Hub struct {
	mu    sync.RWMutex
	subs  map[string]map[uint64]subscription
	next  uint64
	peers map[PeerID]PeerInfo
}

type subscription struct {
	ctx context.Context
	h   Handler
}

func NewHub() *Hub {
	return &Hub{
		subs:  make(map[string]map[uint64]subscription),
		peers: make(map[PeerID]PeerInfo),
	}
}

// Join returns a Messenger bound to id.
func (h *Hub) Join(id PeerID) *MemoryMessenger {
	return &MemoryMessenger{hub: h, id: id}
}

// Announce registers or replaces a peer's advertised capabilities.
func (h *Hub) Announce(info PeerInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[info.ID] = info
}

// Forget removes a peer from discovery.
func (h *Hub) Forget(id PeerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
}

// Peers returns announced peers ordered by id.
func (h *Hub) Peers(ctx context.Context) ([]PeerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (h *Hub) subscribe(ctx context.Context, topic string, fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]subscription)
	}
	h.subs[topic][id] = subscription{ctx: ctx, h: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[topic], id)
			if len(h.subs[topic]) == 0 {
				delete(h.subs, topic)
			}
		})
	}
}

// deliver fans msg out asynchronously and reports how many handlers were live.
func (h *Hub) deliver(topic string, msg Message) int {
	h.mu.RLock()
	targets := make([]subscription, 0, len(h.subs[topic]))
	for _, s := range h.subs[topic] {
		if s.ctx.Err() == nil {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		go s.h(s.ctx, msg)
	}
	return len(targets)
}

// MemoryMessenger is a Hub participant.
type MemoryMessenger struct {
	hub *Hub
	id  PeerID
}

func (m *MemoryMessenger) ID() PeerID { return m.id }

func (m *MemoryMessenger) SendMessage(ctx context.Context, to PeerID, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.To = to
	if msg.From == "" {
		msg.From = m.id
	}
	if m.hub.deliver(InboxTopic(to), msg) == 0 {
		return fmt.Errorf("peer %s unreachable", to)
	}
	return nil
}

func (m *MemoryMessenger) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.hub.subscribe(ctx, topic, h), nil
}

func (m *MemoryMessenger) Publish(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.From == "" {
		msg.From = m.id
	}
	m.hub.deliver(topic, msg)
	return nil
}
