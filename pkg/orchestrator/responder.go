package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dileet/ecco-sub003/pkg/mesh"
)

// Responder serves agent-request messages arriving on this node's inbox
// and replies with agent-response.
type Responder struct {
	messenger mesh.Messenger
	provider  Provider
	limit     rate.Limit
	burst     int
	logger    *slog.Logger
	completed CompletionHook

	mu          sync.Mutex
	limiters    map[mesh.PeerID]*rate.Limiter
	unsubscribe func()
}

// CompletionHook runs after a successful agent-response was delivered to from.
type CompletionHook func(ctx context.Context, from mesh.PeerID, req AgentRequest, output json.RawMessage)

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithRateLimit caps requests per second accepted from any single sender.
func WithRateLimit(perSecond float64, burst int) ResponderOption {
	return func(r *Responder) {
		r.limit = rate.Limit(perSecond)
		r.burst = burst
	}
}

func WithResponderLogger(l *slog.Logger) ResponderOption {
	return func(r *Responder) { r.logger = l }
}

// WithCompletionHook installs h, for example to bill the requester.
func WithCompletionHook(h CompletionHook) ResponderOption {
	return func(r *Responder) { r.completed = h }
}

func NewResponder(m mesh.Messenger, p Provider, opts ...ResponderOption) *Responder {
	r := &Responder{
		messenger: m,
		provider:  p,
		limit:     rate.Inf,
		burst:     1,
		logger:    slog.Default().With("component", "responder"),
		limiters:  make(map[mesh.PeerID]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		return nil
	}
	unsub, err := r.messenger.Subscribe(ctx, mesh.InboxTopic(r.messenger.ID()), r.onMessage)
	if err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	r.unsubscribe = unsub
	return nil
}

func (r *Responder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

func (r *Responder) limiter(peer mesh.PeerID) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[peer]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[peer] = l
	}
	return l
}

func (r *Responder) onMessage(ctx context.Context, msg mesh.Message) {
	if msg.Type != mesh.KindAgentRequest {
		return
	}
	var req AgentRequest
	if err := msg.DecodePayload(mesh.KindAgentRequest, &req); err != nil || req.CorrelationID == "" {
		r.logger.WarnContext(ctx, "malformed agent request", "from", msg.From.String(), "message_id", msg.ID, "error", err)
		return
	}

	reply := AgentReply{CorrelationID: req.CorrelationID}
	if !r.limiter(msg.From).Allow() {
		reply.Error = "rate limited"
	} else {
		reqCtx := ctx
		if req.DeadlineMs > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithDeadline(ctx, time.UnixMilli(req.DeadlineMs))
			defer cancel()
		}
		out, err := r.provider.Handle(reqCtx, req)
		switch {
		case err != nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded):
			// The requester has stopped collecting and counts this peer as missing.
			r.logger.DebugContext(ctx, "request deadline elapsed", "from", msg.From.String(), "correlation_id", req.CorrelationID)
			return
		case err != nil:
			reply.Error = err.Error()
		default:
			reply.Success = true
			reply.Output = out
		}
	}

	resp, err := mesh.NewMessage(r.messenger.ID(), msg.From, mesh.KindAgentResponse, reply)
	if err == nil {
		err = r.messenger.SendMessage(ctx, msg.From, resp)
	}
	if err != nil {
		r.logger.WarnContext(ctx, "agent response not delivered", "to", msg.From.String(), "correlation_id", req.CorrelationID, "error", err)
		return
	}
	if reply.Success && r.completed != nil {
		r.completed(ctx, msg.From, req, reply.Output)
	}
}
