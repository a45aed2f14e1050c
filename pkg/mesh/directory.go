package mesh

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Directory is a Discovery built from KindAnnounce messages on
// CapabilityTopic. It lets transports without their own peer tracking,
// such as a Redis bus, serve FindPeers.
type Directory struct {
	m      Messenger
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	peers map[PeerID]PeerInfo
	unsub func()
}

// NewDirectory tracks announcements seen within ttl (default 2m).
func NewDirectory(m Messenger, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Directory{
		m:      m,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default().With("component", "directory"),
		peers:  make(map[PeerID]PeerInfo),
	}
}

func (d *Directory) Start(ctx context.Context) error {
	unsub, err := d.m.Subscribe(ctx, CapabilityTopic, d.onAnnounce)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.unsub = unsub
	d.mu.Unlock()
	return nil
}

func (d *Directory) Stop() {
	d.mu.Lock()
	unsub := d.unsub
	d.unsub = nil
	d.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (d *Directory) onAnnounce(ctx context.Context, msg Message) {
	if msg.From == d.m.ID() {
		return
	}
	var info PeerInfo
	if err := msg.DecodePayload(KindAnnounce, &info); err != nil {
		d.logger.DebugContext(ctx, "ignoring announcement", "from", msg.From.String(), "error", err)
		return
	}
	if info.ID != msg.From {
		return
	}
	info.LastSeen = d.now().UTC()
	d.mu.Lock()
	d.peers[info.ID] = info
	d.mu.Unlock()
}

// Peers returns peers announced within the TTL, ordered by id.
func (d *Directory) Peers(ctx context.Context) ([]PeerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := d.now().Add(-d.ttl)
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PeerInfo, 0, len(d.peers))
	for id, p := range d.peers {
		if p.LastSeen.Before(cutoff) {
			delete(d.peers, id)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Announce publishes caps for m's identity every interval until ctx ends.
func Announce(ctx context.Context, m Messenger, caps []Capability, interval time.Duration) {
	logger := slog.Default().With("component", "directory")
	send := func() {
		msg, err := NewMessage(m.ID(), "", KindAnnounce, PeerInfo{ID: m.ID(), Capabilities: caps, LastSeen: time.Now().UTC()})
		if err == nil {
			err = m.Publish(ctx, CapabilityTopic, msg)
		}
		if err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "capability announcement failed", "error", err)
		}
	}
	send()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			send()
		}
	}
}
