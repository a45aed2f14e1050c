// Package p2p implements mesh.Messenger and mesh.Discovery on libp2p.
// Topics are GossipSub topics; direct messages travel on the recipient's
// inbox topic. Peers announce their capabilities on mesh.CapabilityTopic and
// find each other through a Kademlia rendezvous.
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

// Config configures the libp2p node.
type Config struct {
	ListenAddrs    []string      `yaml:"listen_addrs"`    // default /ip4/0.0.0.0/tcp/0
	BootstrapPeers []string      `yaml:"bootstrap_peers"` // full multiaddrs including /p2p/<id>
	Rendezvous     string        `yaml:"rendezvous"`      // default "swarm/default"
	ProtocolPrefix string        `yaml:"protocol_prefix"` // default "/swarm"
	AnnounceEvery  time.Duration `yaml:"announce_every"`  // default 30s
	PeerTTL        time.Duration `yaml:"peer_ttl"`        // announcements older than this are dropped; default 2m
	EnableDHT      bool          `yaml:"enable_dht"`
}

func (c *Config) withDefaults() {
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if c.Rendezvous == "" {
		c.Rendezvous = "swarm/default"
	}
	if c.ProtocolPrefix == "" {
		c.ProtocolPrefix = "/swarm"
	}
	if c.AnnounceEvery <= 0 {
		c.AnnounceEvery = 30 * time.Second
	}
	if c.PeerTTL <= 0 {
		c.PeerTTL = 2 * time.Minute
	}
}

// Node is a libp2p host with GossipSub attached.
type Node struct {
	cfg    Config
	host   host.Host
	ps     *pubsub.PubSub
	kad    *dht.IpfsDHT
	disc   *drouting.RoutingDiscovery
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	peers  map[mesh.PeerID]mesh.PeerInfo

	cancel context.CancelFunc
}

// New starts the host and pubsub router. Background loops run until Close.
func New(ctx context.Context, cfg Config) (*Node, error) {
	cfg.withDefaults()
	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	n := &Node{
		cfg:    cfg,
		host:   h,
		logger: slog.Default().With("component", "p2p", "peer", h.ID().String()),
		topics: make(map[string]*pubsub.Topic),
		peers:  make(map[mesh.PeerID]mesh.PeerInfo),
		cancel: cancel,
	}

	if cfg.EnableDHT {
		n.kad, err = dht.New(ctx, h,
			dht.ProtocolPrefix(protocol.ID(cfg.ProtocolPrefix+"/kad")),
			dht.Mode(dht.ModeAuto),
		)
		if err != nil {
			cancel()
			_ = h.Close()
			return nil, fmt.Errorf("dht: %w", err)
		}
		n.disc = drouting.NewRoutingDiscovery(n.kad)
	}

	n.ps, err = pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	if err := n.bootstrap(ctx); err != nil {
		n.logger.WarnContext(ctx, "bootstrap incomplete", "error", err)
	}
	if n.kad != nil {
		if err := n.kad.Bootstrap(ctx); err != nil {
			n.logger.WarnContext(ctx, "dht bootstrap failed", "error", err)
		}
		go n.rendezvousLoop(ctx)
	}

	if _, err := n.Subscribe(ctx, mesh.CapabilityTopic, n.onAnnounce); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) ID() mesh.PeerID { return mesh.PeerID(n.host.ID().String()) }

// Addrs returns dialable multiaddrs including the /p2p component.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	info := peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

// Connect dials a peer by full multiaddr.
func (n *Node) Connect(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr %s: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("peer info from %s: %w", addr, err)
	}
	return n.host.Connect(ctx, *info)
}

func (n *Node) bootstrap(ctx context.Context) error {
	var errs []error
	for _, addr := range n.cfg.BootstrapPeers {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := n.Connect(dialCtx, addr)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n.logger.InfoContext(ctx, "connected to bootstrap peer", "addr", addr)
	}
	return errors.Join(errs...)
}

func (n *Node) rendezvousLoop(ctx context.Context) {
	dutil.Advertise(ctx, n.disc, n.cfg.Rendezvous)
	t := time.NewTicker(n.cfg.AnnounceEvery)
	defer t.Stop()
	for {
		peerCh, err := n.disc.FindPeers(ctx, n.cfg.Rendezvous)
		if err != nil {
			n.logger.WarnContext(ctx, "rendezvous lookup failed", "error", err)
		} else {
			for info := range peerCh {
				if info.ID == n.host.ID() || len(info.Addrs) == 0 {
					continue
				}
				if err := n.host.Connect(ctx, info); err != nil {
					n.logger.DebugContext(ctx, "rendezvous dial failed", "peer", info.ID.String(), "error", err)
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (n *Node) topic(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	n.topics[name] = t
	return t, nil
}

func (n *Node) publish(ctx context.Context, topic string, msg mesh.Message) error {
	t, err := n.topic(topic)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return t.Publish(ctx, data)
}

// SendMessage publishes on the recipient's inbox topic. GossipSub gives no
// delivery receipt, so the orchestrator's deadline covers lost messages.
func (n *Node) SendMessage(ctx context.Context, to mesh.PeerID, msg mesh.Message) error {
	msg.To = to
	if msg.From == "" {
		msg.From = n.ID()
	}
	return n.publish(ctx, mesh.InboxTopic(to), msg)
}

func (n *Node) Publish(ctx context.Context, topic string, msg mesh.Message) error {
	if msg.From == "" {
		msg.From = n.ID()
	}
	return n.publish(ctx, topic, msg)
}

func (n *Node) Subscribe(ctx context.Context, topic string, h mesh.Handler) (func(), error) {
	t, err := n.topic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	go n.consume(subCtx, topic, sub, h)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			sub.Cancel()
		})
	}, nil
}

func (n *Node) consume(ctx context.Context, topic string, sub *pubsub.Subscription, h mesh.Handler) {
	dedup := mesh.NewDeduper(mesh.DefaultDedupSize)
	for {
		raw, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				n.logger.WarnContext(ctx, "topic consumer stopped", "topic", topic, "error", err)
			}
			return
		}
		if len(raw.Data) == 0 {
			continue
		}
		var msg mesh.Message
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			n.logger.WarnContext(ctx, "dropping undecodable message", "topic", topic, "from", raw.ReceivedFrom.String(), "error", err)
			continue
		}
		if dedup.Seen(msg.ID) {
			continue
		}
		h(ctx, msg)
	}
}

// Announce publishes this node's capabilities until ctx ends.
func (n *Node) Announce(ctx context.Context, caps []mesh.Capability) {
	send := func() {
		msg, err := mesh.NewMessage(n.ID(), "", mesh.KindAnnounce, mesh.PeerInfo{
			ID:           n.ID(),
			Capabilities: caps,
			LastSeen:     time.Now().UTC(),
		})
		if err == nil {
			err = n.Publish(ctx, mesh.CapabilityTopic, msg)
		}
		if err != nil {
			n.logger.WarnContext(ctx, "capability announcement failed", "error", err)
		}
	}
	send()
	t := time.NewTicker(n.cfg.AnnounceEvery)
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

func (n *Node) onAnnounce(ctx context.Context, msg mesh.Message) {
	if msg.From == n.ID() {
		return
	}
	var info mesh.PeerInfo
	if err := msg.DecodePayload(mesh.KindAnnounce, &info); err != nil {
		n.logger.DebugContext(ctx, "ignoring announcement", "from", msg.From.String(), "error", err)
		return
	}
	if info.ID != msg.From {
		return
	}
	info.LastSeen = time.Now().UTC()
	n.mu.Lock()
	n.peers[info.ID] = info
	n.mu.Unlock()
}

// Peers returns announced peers seen within PeerTTL, ordered by id.
func (n *Node) Peers(ctx context.Context) ([]mesh.PeerInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-n.cfg.PeerTTL)
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]mesh.PeerInfo, 0, len(n.peers))
	for id, p := range n.peers {
		if p.LastSeen.Before(cutoff) {
			delete(n.peers, id)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (n *Node) Close() error {
	n.cancel()
	n.mu.Lock()
	for name, t := range n.topics {
		_ = t.Close()
		delete(n.topics, name)
	}
	n.mu.Unlock()
	var errs []error
	if n.kad != nil {
		errs = append(errs, n.kad.Close())
	}
	errs = append(errs, n.host.Close())
	return errors.Join(errs...)
}
