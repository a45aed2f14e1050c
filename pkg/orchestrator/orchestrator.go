// Package orchestrator fans a task out to several matched peers, collects
// their answers under a deadline and aggregates them into one result.
//
// A request moves through idle → dispatched → collecting and ends as
// aggregated, timed-out or failed. Replies are routed back through a
// correlation table keyed by a per-request id; replies that arrive after
// the id is retired are discarded.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dileet/ecco-sub003/pkg/discovery"
	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/latency"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/reputation"
)

const instrumentationName = "github.com/dileet/ecco-sub003/pkg/orchestrator"

// Provider produces an answer for an agent request. It backs both the peer
// side (Responder) and the local fallback.
type Provider interface {
	Handle(ctx context.Context, req AgentRequest) (json.RawMessage, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req AgentRequest) (json.RawMessage, error)

func (f ProviderFunc) Handle(ctx context.Context, req AgentRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// Purchaser agrees terms with a peer before a request is dispatched to it and
// hears back once that peer has answered. A Purchase error keeps the request
// from being sent to the peer.
type Purchaser interface {
	Purchase(ctx context.Context, peer mesh.PeerID, c mesh.Capability, req AgentRequest) error
	Delivered(ctx context.Context, peer mesh.PeerID, req AgentRequest, success bool)
}

// Options wires an Orchestrator. Messenger, Finder, Reputation and Zones
// are required.
type Options struct {
	Messenger  mesh.Messenger
	Finder     *discovery.Finder
	Reputation *reputation.Store
	Zones      *latency.Classifier
	// Fallback answers locally when no peer matches.
	Fallback    Provider
	Synthesizer Synthesizer
	Purchaser   Purchaser
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Meter       metric.Meter
}

type Orchestrator struct {
	messenger  mesh.Messenger
	finder     *discovery.Finder
	reputation *reputation.Store
	zones      *latency.Classifier
	fallback   Provider
	synth      Synthesizer
	purchaser  Purchaser
	logger     *slog.Logger
	tracer     trace.Tracer

	table *correlationTable
	load  *loadTracker

	stateMu sync.Mutex
	state   *discovery.NodeState

	subMu       sync.Mutex
	unsubscribe func()

	dispatches metric.Int64Counter
	outcomes   metric.Int64Counter
	latencies  metric.Float64Histogram
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Messenger == nil || opts.Finder == nil || opts.Reputation == nil || opts.Zones == nil {
		return nil, fmt.Errorf("orchestrator: messenger, finder, reputation and zones are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "orchestrator")
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(instrumentationName)
	}
	if opts.Synthesizer == nil {
		opts.Synthesizer = JoinSynthesizer
	}

	o := &Orchestrator{
		messenger:  opts.Messenger,
		finder:     opts.Finder,
		reputation: opts.Reputation,
		zones:      opts.Zones,
		fallback:   opts.Fallback,
		synth:      opts.Synthesizer,
		purchaser:  opts.Purchaser,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		table:      newCorrelationTable(),
		load:       newLoadTracker(),
	}

	var err error
	if o.dispatches, err = opts.Meter.Int64Counter("swarm.orchestrator.dispatches",
		metric.WithDescription("Agent requests sent to peers"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if o.outcomes, err = opts.Meter.Int64Counter("swarm.orchestrator.executions",
		metric.WithDescription("Completed executions by outcome"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if o.latencies, err = opts.Meter.Float64Histogram("swarm.orchestrator.response.duration",
		metric.WithDescription("Peer response latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return o, nil
}

// Start subscribes to this node's inbox for agent-response messages.
// Calling it again is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if o.unsubscribe != nil {
		return nil
	}
	unsub, err := o.messenger.Subscribe(ctx, mesh.InboxTopic(o.messenger.ID()), o.onMessage)
	if err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	o.unsubscribe = unsub
	return nil
}

// Stop releases the inbox subscription.
func (o *Orchestrator) Stop() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
}

func (o *Orchestrator) onMessage(ctx context.Context, msg mesh.Message) {
	if msg.Type != mesh.KindAgentResponse {
		return
	}
	var reply AgentReply
	if err := msg.DecodePayload(mesh.KindAgentResponse, &reply); err != nil || reply.CorrelationID == "" {
		o.logger.WarnContext(ctx, "malformed agent response", "from", msg.From.String(), "message_id", msg.ID, "error", err)
		return
	}
	switch o.table.deliver(msg.From, reply, time.Now()) {
	case lateReply:
		o.logger.DebugContext(ctx, "discarding late response", "from", msg.From.String(), "correlation_id", reply.CorrelationID)
	case duplicateReply:
		o.logger.DebugContext(ctx, "discarding duplicate response", "from", msg.From.String(), "correlation_id", reply.CorrelationID)
	case unknownReply:
		o.logger.DebugContext(ctx, "discarding response for unknown request", "from", msg.From.String(), "correlation_id", reply.CorrelationID)
	}
}

// State returns the latest discovery snapshot used by Execute.
func (o *Orchestrator) State() *discovery.NodeState {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

func (o *Orchestrator) adoptState(st *discovery.NodeState) {
	if st == nil {
		return
	}
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.state == nil || st.Version > o.state.Version {
		o.state = st
	}
}

// GetLoadStatistics returns per-peer dispatch counts and mean latency.
func (o *Orchestrator) GetLoadStatistics() map[mesh.PeerID]PeerLoad { return o.load.snapshot() }

// ResetLoadStatistics clears load counters. Reputation is untouched.
func (o *Orchestrator) ResetLoadStatistics() { o.load.reset() }

// Execute runs one multi-agent request. input is marshaled to JSON and
// delivered to every selected peer.
func (o *Orchestrator) Execute(ctx context.Context, cfg Config, input any) (*AggregatedResult, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errorir.Wrap(errorir.ErrMalformed, err, "orchestration config")
	}
	rawInput, err := json.Marshal(input)
	if err != nil {
		return nil, errorir.Wrap(errorir.ErrMalformed, err, "encode input")
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("swarm.capability", cfg.Query.Describe()),
		attribute.String("swarm.aggregation", string(cfg.Aggregation)),
		attribute.String("swarm.selection", string(cfg.Selection)),
	))
	defer span.End()

	res, err := o.execute(ctx, cfg, rawInput)
	outcome := "aggregated"
	if err != nil {
		outcome = "failed"
		if errors.Is(err, errorir.ErrTimeout) {
			outcome = "timed-out"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("aggregation", string(cfg.Aggregation)),
	))
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, cfg Config, input json.RawMessage) (*AggregatedResult, error) {
	matches, st, err := o.finder.FindPeers(ctx, cfg.Query, o.State())
	o.adoptState(st)
	if err != nil {
		return nil, err
	}

	req := AgentRequest{
		CorrelationID: uuid.NewString(),
		Capability:    cfg.Query.Required[0],
		Requirements:  cfg.Query.Required,
		Input:         input,
	}

	if len(matches) == 0 {
		if o.fallback == nil {
			return nil, errorir.NotFound("no peers for capability %s", cfg.Query.Describe())
		}
		return o.runFallback(ctx, req)
	}

	selected := selectPeers(cfg, matches)
	peers := make([]mesh.PeerID, len(selected))
	scores := make(map[mesh.PeerID]float64, len(selected))
	caps := make(map[mesh.PeerID]mesh.Capability, len(selected))
	for i, m := range selected {
		peers[i] = m.Peer.ID
		scores[m.Peer.ID] = m.Score
		caps[m.Peer.ID], _ = m.Peer.Capability(req.Capability.Type, req.Capability.Name)
	}

	start := time.Now()
	deadline := start.Add(cfg.Timeout)
	req.DeadlineMs = deadlineMillis(deadline)
	replies := o.table.open(req.CorrelationID, peers, deadline)
	defer o.table.retire(req.CorrelationID)

	trace.SpanFromContext(ctx).AddEvent("dispatched", trace.WithAttributes(
		attribute.String("swarm.correlation_id", req.CorrelationID),
		attribute.Int("swarm.agents", len(peers)),
		attribute.Int("swarm.requests_in_flight", o.table.inFlight()),
	))

	responses, unsent := o.dispatch(ctx, req, peers, scores, caps, deadline)
	sent := len(peers) - len(unsent)

	received := 0
	answered := make(map[mesh.PeerID]bool, len(peers))
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	timedOut := false
collect:
	for received < sent {
		select {
		case in := <-replies:
			received++
			answered[in.peer] = true
			elapsed := in.arrived.Sub(start)
			responses = append(responses, AgentResponse{
				Peer:       in.peer,
				Success:    in.reply.Success,
				Output:     in.reply.Output,
				Error:      in.reply.Error,
				Latency:    elapsed,
				MatchScore: scores[in.peer],
			})
			o.observe(ctx, in.peer, in.reply.Success, elapsed)
			if o.purchaser != nil {
				o.purchaser.Delivered(ctx, in.peer, req, in.reply.Success)
			}
		case <-timer.C:
			timedOut = true
			break collect
		case <-ctx.Done():
			return nil, errorir.Wrap(errorir.ErrTimeout, ctx.Err(), "request %s canceled", req.CorrelationID)
		}
	}

	if timedOut {
		missing := 0
		for _, p := range peers {
			if !answered[p] && !unsent[p] {
				missing++
				o.reputation.RecordFailure(p)
			}
		}
		o.logger.WarnContext(ctx, "orchestration deadline elapsed",
			"correlation_id", req.CorrelationID,
			"received", received,
			"missing", missing,
			"allow_partial", cfg.AllowPartialResults,
			"in_flight", o.table.inFlight(),
		)
		if received == 0 || !cfg.AllowPartialResults {
			return nil, errorir.Timeout("%d of %d agents answered %s within %s", received, sent, cfg.Query.Describe(), cfg.Timeout)
		}
	}

	res, err := Aggregate(cfg.Aggregation, responses, len(peers), o.synth)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// deadlineMillis rounds up so a responder never gives up before the
// requester stops collecting.
func deadlineMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if time.UnixMilli(ms).Before(t) {
		ms++
	}
	return ms
}

// dispatch sends req to every peer concurrently. Peers that cannot be
// reached, or whose terms the Purchaser declines, are recorded as failed
// responses and not waited on.
func (o *Orchestrator) dispatch(ctx context.Context, req AgentRequest, peers []mesh.PeerID, scores map[mesh.PeerID]float64, caps map[mesh.PeerID]mesh.Capability, deadline time.Time) ([]AgentResponse, map[mesh.PeerID]bool) {
	var (
		mu     sync.Mutex
		failed []AgentResponse
		unsent = make(map[mesh.PeerID]bool)
		g      errgroup.Group
	)
	skip := func(p mesh.PeerID, reason string) {
		o.table.forget(req.CorrelationID, p)
		mu.Lock()
		failed = append(failed, AgentResponse{Peer: p, Error: reason, MatchScore: scores[p]})
		unsent[p] = true
		mu.Unlock()
	}
	for _, p := range peers {
		g.Go(func() error {
			if o.purchaser != nil {
				pctx, cancel := context.WithDeadline(ctx, deadline)
				err := o.purchaser.Purchase(pctx, p, caps[p], req)
				cancel()
				if err != nil {
					o.logger.InfoContext(ctx, "peer terms declined", "peer", p.String(), "correlation_id", req.CorrelationID, "error", err)
					skip(p, "terms declined: "+err.Error())
					return nil
				}
			}
			msg, err := mesh.NewMessage(o.messenger.ID(), p, mesh.KindAgentRequest, req)
			if err == nil {
				err = o.messenger.SendMessage(ctx, p, msg)
			}
			if err != nil {
				o.reputation.RecordFailure(p)
				o.logger.WarnContext(ctx, "agent request not delivered", "peer", p.String(), "error", err)
				skip(p, err.Error())
				return nil
			}
			o.load.dispatched(p)
			o.dispatches.Add(ctx, 1)
			return nil
		})
	}
	_ = g.Wait()
	return failed, unsent
}

// observe feeds one reply back into reputation, latency zones and load.
func (o *Orchestrator) observe(ctx context.Context, peer mesh.PeerID, success bool, elapsed time.Duration) {
	if success {
		o.reputation.RecordSuccess(peer)
	} else {
		o.reputation.RecordFailure(peer)
	}
	o.zones.UpdatePeerZone(peer, elapsed)
	o.load.answered(peer, elapsed)
	o.latencies.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
}

func (o *Orchestrator) runFallback(ctx context.Context, req AgentRequest) (*AggregatedResult, error) {
	o.logger.InfoContext(ctx, "no peers matched, using fallback provider", "capability", req.Capability.Type+":"+req.Capability.Name)
	start := time.Now()
	out, err := o.fallback.Handle(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fallback provider: %w", err)
	}
	resp := AgentResponse{Peer: o.messenger.ID(), Success: true, Output: out, Latency: time.Since(start)}
	return &AggregatedResult{
		Result:    out,
		Consensus: Consensus{Achieved: true, Confidence: 1, Agreement: 1},
		Metrics:   Metrics{TotalAgents: 1, SuccessfulAgents: 1, AverageLatency: resp.Latency},
		Rankings:  []Ranking{{Peer: resp.Peer, Latency: resp.Latency, Success: true}},
		Responses: []AgentResponse{resp},
	}, nil
}
