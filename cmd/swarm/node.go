package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dileet/ecco-sub003/pkg/billing"
	"github.com/dileet/ecco-sub003/pkg/config"
	"github.com/dileet/ecco-sub003/pkg/discovery"
	"github.com/dileet/ecco-sub003/pkg/latency"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/mesh/p2p"
	"github.com/dileet/ecco-sub003/pkg/mesh/redisbus"
	"github.com/dileet/ecco-sub003/pkg/observability"
	"github.com/dileet/ecco-sub003/pkg/orchestrator"
	"github.com/dileet/ecco-sub003/pkg/reputation"
	"github.com/dileet/ecco-sub003/pkg/settlement"
	"github.com/dileet/ecco-sub003/pkg/store"
)

// node is one fully wired swarm participant.
type node struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *observability.Provider
	store     *store.SQLStore

	messenger mesh.Messenger
	discovery mesh.Discovery
	directory *mesh.Directory // nil on libp2p, which tracks peers itself
	p2p       *p2p.Node
	closers   []func() error

	reputation   *reputation.Store
	zones        *latency.Classifier
	wallet       *settlement.DevnetWallet
	engine       *settlement.Engine
	orchestrator *orchestrator.Orchestrator
	responder    *orchestrator.Responder
	cashier      *billing.Cashier
	payer        *billing.Payer
}

type nodeOption func(*nodeDeps)

// nodeDeps are components a node normally builds itself.
type nodeDeps struct {
	hub    *mesh.Hub
	wallet *settlement.DevnetWallet
}

// withHub joins the in-memory transport to hub instead of a private one.
func withHub(h *mesh.Hub) nodeOption { return func(d *nodeDeps) { d.hub = h } }

// withWallet settles through w, so several nodes can share one devnet chain.
func withWallet(w *settlement.DevnetWallet) nodeOption { return func(d *nodeDeps) { d.wallet = w } }

// openStore opens the configured store, creating the sqlite directory first.
func openStore(ctx context.Context, cfg config.StoreConfig) (*store.SQLStore, error) {
	d, err := store.DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if d == store.SQLite && cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:") {
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			//nolint:gosec // G301: data directory is shared with operators
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("ensure store dir: %w", err)
			}
		}
	}
	return store.Open(ctx, cfg.Driver, cfg.DSN)
}

func newTelemetry(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	oc := observability.DefaultConfig()
	oc.Enabled = cfg.Telemetry.Enabled
	oc.Insecure = cfg.Telemetry.Insecure
	oc.ServiceVersion = version
	oc.NodeID = cfg.Node.ID
	if cfg.Telemetry.ServiceName != "" {
		oc.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.Endpoint != "" {
		oc.OTLPEndpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.SampleRate > 0 {
		oc.SampleRate = cfg.Telemetry.SampleRate
	}
	return observability.New(ctx, oc)
}

// newNode restores persisted state and wires every component. Nothing is
// subscribed until run.
func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...nodeOption) (_ *node, err error) {
	var deps nodeDeps
	for _, opt := range opts {
		opt(&deps)
	}
	n := &node{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			n.close(context.WithoutCancel(ctx))
		}
	}()

	if n.telemetry, err = newTelemetry(ctx, cfg); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if n.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	state, err := n.store.LoadState(ctx)
	if err != nil {
		return nil, err
	}

	n.reputation = reputation.NewStore()
	n.reputation.Load(state.Reputation)
	n.zones = latency.NewClassifier(cfg.Discovery.Thresholds)
	n.zones.Load(state.Zones)

	n.wallet = deps.wallet
	if n.wallet == nil {
		n.wallet = settlement.NewDevnetWallet(cfg.Settlement.WalletAddress)
	}
	n.engine, err = settlement.NewEngine(n.wallet, cfg.Settlement.Config,
		settlement.WithStore(n.store),
		settlement.WithMeter(n.telemetry.Meter()),
		settlement.WithLogger(logger.With("component", "settlement")),
	)
	if err != nil {
		return nil, err
	}
	n.engine.Restore(state.Ledger, state.Intents)

	if err = n.dialMessenger(ctx, deps.hub); err != nil {
		return nil, err
	}

	matcher, err := discovery.NewMatcher(cfg.Discovery.Weights)
	if err != nil {
		return nil, err
	}
	finder, err := discovery.NewFinder(discovery.FinderConfig{
		Discovery:  n.discovery,
		Reputation: n.reputation,
		Zones:      n.zones,
		Matcher:    matcher,
		Self:       n.messenger.ID(),
		Bloom:      cfg.Discovery.Bloom,
		Logger:     logger.With("component", "discovery"),
	})
	if err != nil {
		return nil, err
	}

	limits, err := cfg.Billing.SpendLimits()
	if err != nil {
		return nil, err
	}
	n.payer = billing.NewPayer(n.messenger, n.wallet, limits,
		billing.WithSettler(n.engine),
		billing.WithChainID(cfg.Billing.ChainID),
		billing.WithPayerAgreements(n.store),
		billing.WithQuoteTimeout(cfg.Billing.QuoteTimeout),
		billing.WithPayerLogger(logger.With("component", "payer")),
	)

	provider := localProvider(n.messenger.ID())
	n.orchestrator, err = orchestrator.New(orchestrator.Options{
		Messenger:  n.messenger,
		Finder:     finder,
		Reputation: n.reputation,
		Zones:      n.zones,
		Fallback:   provider,
		Purchaser:  n.payer,
		Logger:     logger.With("component", "orchestrator"),
		Tracer:     n.telemetry.Tracer(),
		Meter:      n.telemetry.Meter(),
	})
	if err != nil {
		return nil, err
	}

	n.cashier, err = billing.NewCashier(n.messenger, n.wallet, billing.CashierConfig{
		Recipient:    cfg.Settlement.WalletAddress,
		ChainID:      cfg.Billing.ChainID,
		Capabilities: cfg.Node.Capabilities,
		InvoiceTTL:   cfg.Settlement.InvoiceTTL,
		TickTokens:   cfg.Billing.TickTokens,
	},
		billing.WithInvoiceSink(n.store),
		billing.WithCashierAgreements(n.store),
		billing.WithCashierLogger(logger.With("component", "cashier")),
	)
	if err != nil {
		return nil, err
	}
	n.cashier.Book().Load(state.Invoices)
	escrows := n.cashier.Restore(state.Escrows)

	n.responder = orchestrator.NewResponder(n.messenger, provider,
		orchestrator.WithRateLimit(cfg.Node.InboundPerSecond, cfg.Node.InboundBurst),
		orchestrator.WithResponderLogger(logger.With("component", "responder")),
		orchestrator.WithCompletionHook(n.cashier.CompletionHook()),
	)

	logger.InfoContext(ctx, "node restored",
		"peer", n.messenger.ID().String(),
		"transport", cfg.Messenger.Transport,
		"reputation_records", len(state.Reputation),
		"pending_settlements", len(state.Intents),
		"invoices", len(state.Invoices),
		"open_escrows", escrows,
	)
	return n, nil
}

func (n *node) dialMessenger(ctx context.Context, hub *mesh.Hub) error {
	mc := n.cfg.Messenger
	id := mesh.PeerID(n.cfg.Node.ID)
	switch mc.Transport {
	case config.TransportRedis:
		m, err := redisbus.Dial(ctx, mc.Redis.Addr, mc.Redis.Password, mc.Redis.DB, id,
			redisbus.WithPrefix(mc.Redis.Prefix),
			redisbus.WithLogger(n.logger.With("component", "redisbus")),
		)
		if err != nil {
			return err
		}
		n.messenger = m
		n.closers = append(n.closers, m.Close)
		n.directory = mesh.NewDirectory(m, mc.PeerTTL)
		n.discovery = n.directory
	case config.TransportLibp2p:
		pc := mc.P2P
		if pc.AnnounceEvery <= 0 {
			pc.AnnounceEvery = n.cfg.Node.AnnounceEvery
		}
		if pc.PeerTTL <= 0 {
			pc.PeerTTL = mc.PeerTTL
		}
		p, err := p2p.New(ctx, pc)
		if err != nil {
			return err
		}
		n.p2p = p
		n.messenger = p
		n.discovery = p
		n.closers = append(n.closers, p.Close)
		for _, a := range p.Addrs() {
			n.logger.InfoContext(ctx, "listening", "addr", a.String())
		}
	default:
		// A single process: peers are whatever else joins this hub, so
		// execute falls back to the local provider.
		if hub == nil {
			hub = mesh.NewHub()
		}
		m := hub.Join(id)
		n.messenger = m
		n.directory = mesh.NewDirectory(m, mc.PeerTTL)
		n.discovery = n.directory
	}
	return nil
}

// localProvider answers requests this node serves itself. It echoes the
// input, which makes a fresh mesh observable end to end.
func localProvider(self mesh.PeerID) orchestrator.Provider {
	return orchestrator.ProviderFunc(func(ctx context.Context, req orchestrator.AgentRequest) (json.RawMessage, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(req.Input) == 0 {
			return json.Marshal(map[string]string{"peer": self.String()})
		}
		return req.Input, nil
	})
}

// start subscribes every component to the messenger.
func (n *node) start(ctx context.Context) error {
	if n.directory != nil {
		if err := n.directory.Start(ctx); err != nil {
			return err
		}
	}
	if err := n.orchestrator.Start(ctx); err != nil {
		return err
	}
	if err := n.responder.Start(ctx); err != nil {
		return err
	}
	if err := n.cashier.Start(ctx); err != nil {
		return err
	}
	return n.payer.Start(ctx)
}

// announce publishes this node's capabilities until ctx ends.
func (n *node) announce(ctx context.Context) {
	caps := n.cfg.Node.Capabilities
	if n.p2p != nil {
		n.p2p.Announce(ctx, caps)
		return
	}
	mesh.Announce(ctx, n.messenger, caps, n.cfg.Node.AnnounceEvery)
}

// run serves until ctx ends.
func (n *node) run(ctx context.Context) error {
	if err := n.start(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.announce(ctx)
		return nil
	})
	g.Go(func() error {
		return n.engine.Run(ctx, n.cfg.Settlement.Interval)
	})
	n.logger.InfoContext(ctx, "serving", "capabilities", len(n.cfg.Node.Capabilities))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// persist saves the in-memory state that is not written through.
func (n *node) persist(ctx context.Context) error {
	return n.store.SaveState(ctx, store.State{
		Reputation: n.reputation.Records(),
		Zones:      n.zones.Snapshot(),
		Invoices:   n.cashier.Book().Snapshot(),
	})
}

func (n *node) close(ctx context.Context) {
	if n.payer != nil {
		n.payer.Stop()
	}
	if n.cashier != nil {
		n.cashier.Stop()
	}
	if n.responder != nil {
		n.responder.Stop()
	}
	if n.orchestrator != nil {
		n.orchestrator.Stop()
	}
	if n.directory != nil {
		n.directory.Stop()
	}
	if n.store != nil && n.reputation != nil && n.cashier != nil {
		if err := n.persist(ctx); err != nil {
			n.logger.ErrorContext(ctx, "persist state", "error", err)
		}
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			n.logger.WarnContext(ctx, "close transport", "error", err)
		}
	}
	if n.store != nil {
		_ = n.store.Close()
	}
	if n.telemetry != nil {
		if err := n.telemetry.Shutdown(ctx); err != nil {
			n.logger.WarnContext(ctx, "telemetry shutdown", "error", err)
		}
	}
}
