// Package settlement reconciles off-chain ledger entries with on-chain
// payments made through a Wallet.
//
// Intents are processed FIFO. Distinct entries are paid in parallel by a
// bounded worker pool, but their outcomes are applied in queue order. An
// intent leaves the queue only when its entry is settled or has exhausted
// its retries or hit a non-retryable error, in which case the entry is
// marked failed. An entry is paid at most once: retries reuse the invoice id
// and a transfer already made is verified rather than repeated.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/observability"
	"github.com/dileet/ecco-sub003/pkg/payment"
)

const instrumentationName = "github.com/dileet/ecco-sub003/pkg/settlement"

// DefaultMaxRetries applies when Enqueue is given a non-positive bound.
const DefaultMaxRetries = 5

// Intent is a queued attempt to settle one ledger entry.
type Intent struct {
	ID            string          `json:"id"`
	LedgerEntryID string          `json:"ledger_entry_id"`
	Invoice       payment.Invoice `json:"invoice"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Payee         string          `json:"payee,omitempty"` // peer told once the entry settles

	// Proof is set once a transfer for Invoice is known to exist.
	Proof *payment.PaymentProof `json:"proof,omitempty"`
}

// EnqueueOption adjusts a new intent.
type EnqueueOption func(*Intent)

// ForPayee records the peer that receives the proof after settlement.
func ForPayee(peer string) EnqueueOption { return func(in *Intent) { in.Payee = peer } }

// SettledHook runs after an entry settles. in.Proof holds the transfer.
type SettledHook func(ctx context.Context, in Intent, entry payment.LedgerEntry)

// Store persists every transition. SaveIntent upserts by intent id.
type Store interface {
	SaveLedgerEntry(ctx context.Context, e payment.LedgerEntry) error
	SaveIntent(ctx context.Context, in Intent) error
	DeleteIntent(ctx context.Context, id string) error
}

type Config struct {
	MaxRetries     int           `yaml:"max_retries"`
	Workers        int           `yaml:"workers"`
	CallsPerSecond float64       `yaml:"calls_per_second"`
	InvoiceTTL     time.Duration `yaml:"invoice_ttl"`
	Backoff        BackoffPolicy `yaml:"backoff"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:     DefaultMaxRetries,
		Workers:        4,
		CallsPerSecond: 10,
		InvoiceTTL:     payment.DefaultInvoiceTTL,
		Backoff:        DefaultBackoff(),
	}
}

type Option func(*Engine)

func WithStore(s Store) Option             { return func(e *Engine) { e.store = s } }
func WithLogger(l *slog.Logger) Option     { return func(e *Engine) { e.logger = l } }
func WithMeter(m metric.Meter) Option      { return func(e *Engine) { e.meter = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type Engine struct {
	wallet  Wallet
	store   Store
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	meter   metric.Meter
	tracer  trace.Tracer
	now     func() time.Time

	// pass serializes ProcessSettlements calls.
	pass sync.Mutex

	mu        sync.Mutex
	onSettled SettledHook
	ledger    map[string]payment.LedgerEntry
	intents   map[string]*Intent // by ledger entry id
	queue     []string           // ledger entry ids, FIFO

	settledCount metric.Int64Counter
	failedCount  metric.Int64Counter
	retryCount   metric.Int64Counter
}

func NewEngine(w Wallet, cfg Config, opts ...Option) (*Engine, error) {
	if w == nil {
		return nil, fmt.Errorf("settlement: wallet is required")
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = def.InvoiceTTL
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = def.Backoff
	}
	limit := rate.Inf
	if cfg.CallsPerSecond > 0 {
		limit = rate.Limit(cfg.CallsPerSecond)
	}

	e := &Engine{
		wallet:  w,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Workers),
		logger:  slog.Default().With("component", "settlement"),
		meter:   otel.Meter(instrumentationName),
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
		ledger:  make(map[string]payment.LedgerEntry),
		intents: make(map[string]*Intent),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	if e.settledCount, err = e.meter.Int64Counter("swarm.settlement.settled",
		metric.WithDescription("Ledger entries settled on chain"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if e.failedCount, err = e.meter.Int64Counter("swarm.settlement.failed",
		metric.WithDescription("Ledger entries that exhausted their retries"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if e.retryCount, err = e.meter.Int64Counter("swarm.settlement.retries",
		metric.WithDescription("Failed settlement attempts that will be retried"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	return e, nil
}

// Enqueue records entry as pending and queues an intent to pay inv. An empty
// invoice is minted from the entry. Re-enqueuing a known ledger entry id is a
// no-op and reports false.
func (e *Engine) Enqueue(ctx context.Context, entry payment.LedgerEntry, inv payment.Invoice, maxRetries int, opts ...EnqueueOption) (Intent, bool, error) {
	if entry.ID == "" {
		return Intent{}, false, errorir.Malformed("ledger entry has no id")
	}
	now := e.now()

	e.mu.Lock()
	if in, ok := e.intents[entry.ID]; ok {
		e.mu.Unlock()
		return *in, false, nil
	}
	if prev, ok := e.ledger[entry.ID]; ok && prev.Status.Terminal() {
		e.mu.Unlock()
		return Intent{}, false, nil
	}
	e.mu.Unlock()

	if inv.ID == "" {
		var err error
		if inv, err = entry.Invoice(e.cfg.InvoiceTTL, now); err != nil {
			return Intent{}, false, err
		}
	}
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}
	entry.Status = payment.StatusPending
	in := Intent{
		ID:            "settle-" + entry.ID,
		LedgerEntryID: entry.ID,
		Invoice:       inv,
		MaxRetries:    maxRetries,
		NextAttemptAt: now,
		CreatedAt:     now.UTC(),
	}
	for _, opt := range opts {
		opt(&in)
	}

	e.mu.Lock()
	if existing, ok := e.intents[entry.ID]; ok {
		e.mu.Unlock()
		return *existing, false, nil
	}
	e.ledger[entry.ID] = entry
	e.intents[entry.ID] = &in
	e.queue = append(e.queue, entry.ID)
	e.mu.Unlock()

	if err := e.persist(ctx, entry, &in, false); err != nil {
		return in, true, err
	}
	return in, true, nil
}

// attempt is one worker's outcome for a queued intent.
type attempt struct {
	entryID string
	invoice payment.Invoice
	proof   payment.PaymentProof
	err     error
	skipped bool
}

// ProcessSettlements pays every due intent and returns how many entries
// were settled. Calls are serialized; it is safe to invoke repeatedly.
func (e *Engine) ProcessSettlements(ctx context.Context) (int, error) {
	e.pass.Lock()
	defer e.pass.Unlock()

	now := e.now()
	due := e.due(now)
	if len(due) == 0 {
		return 0, nil
	}

	results := make([]attempt, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, in := range due {
		results[i] = attempt{entryID: in.LedgerEntryID, invoice: in.Invoice}
		g.Go(func() error {
			results[i] = e.pay(gctx, in, now)
			return nil
		})
	}
	_ = g.Wait()

	settled := 0
	var errs []error
	for _, r := range results {
		ok, err := e.apply(ctx, r)
		if ok {
			settled++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return settled, errors.Join(errs...)
}

func (e *Engine) due(now time.Time) []Intent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Intent
	for _, id := range e.queue {
		in := e.intents[id]
		if !in.NextAttemptAt.After(now) {
			out = append(out, *in)
		}
	}
	return out
}

func (e *Engine) pay(ctx context.Context, in Intent, now time.Time) attempt {
	r := attempt{entryID: in.LedgerEntryID, invoice: in.Invoice}
	if err := e.limiter.Wait(ctx); err != nil {
		r.skipped = true
		return r
	}
	ctx, span := e.tracer.Start(ctx, "settlement.pay", trace.WithAttributes(
		observability.AttrLedgerEntry.String(in.LedgerEntryID),
		attribute.Int("retry", in.RetryCount),
	))
	defer span.End()

	proof, err := e.transfer(ctx, in, &r, now)
	if err != nil {
		r.err = err
		span.SetStatus(codes.Error, err.Error())
		return r
	}
	r.proof = proof
	ok, err := e.wallet.VerifyPayment(ctx, proof, r.invoice)
	switch {
	case err != nil:
		r.err = errorir.Wrap(errorir.ErrVerificationFailed, err, "verify %s", proof.TxHash)
	case !ok:
		r.err = errorir.VerificationFailed("wallet could not verify " + proof.TxHash)
	}
	if r.err != nil {
		span.SetStatus(codes.Error, r.err.Error())
	}
	return r
}

// transfer returns the proof of the transfer paying in. A held proof means
// funds already moved and only verification is outstanding. Otherwise the
// invoice is paid, renewed under the same id if it expired, so the wallet's
// duplicate check still guards against paying the entry twice.
func (e *Engine) transfer(ctx context.Context, in Intent, r *attempt, now time.Time) (payment.PaymentProof, error) {
	if in.Proof != nil {
		return *in.Proof, nil
	}
	if payment.ValidateInvoice(r.invoice, now) != nil {
		r.invoice = r.invoice.Renewed(e.cfg.InvoiceTTL, now)
	}
	proof, err := e.wallet.Pay(ctx, r.invoice)
	if !errors.Is(err, errorir.ErrAlreadyProcessed) {
		return proof, err
	}
	// An earlier attempt paid but its reply was lost.
	proof, found, err := e.wallet.Lookup(ctx, r.invoice.ID)
	switch {
	case err != nil:
		return payment.PaymentProof{}, fmt.Errorf("lookup transfer for invoice %s: %w", r.invoice.ID, err)
	case !found:
		return payment.PaymentProof{}, errorir.VerificationFailed("wallet reports invoice " + r.invoice.ID + " paid but holds no transfer")
	}
	return proof, nil
}

// apply records one attempt's outcome and reports whether it settled.
// Retryable errors back off until the intent's bound is reached; any other
// error fails the entry at once.
func (e *Engine) apply(ctx context.Context, r attempt) (bool, error) {
	if r.skipped {
		return false, nil
	}
	now := e.now()

	e.mu.Lock()
	in, ok := e.intents[r.entryID]
	if !ok {
		e.mu.Unlock()
		return false, nil
	}
	entry := e.ledger[r.entryID]
	in.Invoice = r.invoice
	if r.proof.TxHash != "" {
		proof := r.proof
		in.Proof = &proof
	}

	var terminal, settled, rejected bool
	switch {
	case r.err == nil:
		entry = entry.Settled(r.proof.TxHash, now)
		terminal, settled = true, true
	default:
		in.RetryCount++
		in.LastError = r.err.Error()
		entry.RetryCount = in.RetryCount
		entry.UpdatedAt = now.UTC()
		rejected = !errorir.IsRetryable(r.err)
		if rejected || in.RetryCount >= in.MaxRetries {
			entry = entry.Failed(in.RetryCount, now)
			if in.Proof != nil {
				entry.TxHash = in.Proof.TxHash
			}
			terminal = true
		} else {
			in.NextAttemptAt = e.cfg.Backoff.NextAttemptAt(r.entryID, in.RetryCount-1, now)
		}
	}
	e.ledger[r.entryID] = entry
	snapshot := *in
	if terminal {
		delete(e.intents, r.entryID)
		e.dropFromQueue(r.entryID)
	}
	hook := e.onSettled
	e.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("kind", string(entry.Kind)))
	logger := e.logger.With(string(observability.AttrLedgerEntry), r.entryID)
	switch {
	case settled:
		e.settledCount.Add(ctx, 1, attrs)
		logger.InfoContext(ctx, "ledger entry settled", "tx_hash", r.proof.TxHash)
	case rejected:
		e.failedCount.Add(ctx, 1, attrs)
		logger.WarnContext(ctx, "settlement rejected", "error_code", observability.ErrorType(r.err), "error", r.err)
	case terminal:
		e.failedCount.Add(ctx, 1, attrs)
		logger.WarnContext(ctx, "settlement retries exhausted", "retries", snapshot.RetryCount, "error", r.err)
	default:
		e.retryCount.Add(ctx, 1, attrs)
		logger.WarnContext(ctx, "settlement attempt failed", "retry", snapshot.RetryCount, "next_attempt_at", snapshot.NextAttemptAt, "error", r.err)
	}
	err := e.persist(ctx, entry, &snapshot, terminal)
	if settled && hook != nil {
		hook(ctx, snapshot, entry)
	}
	return settled, err
}

// OnSettled installs h, replacing any earlier hook.
func (e *Engine) OnSettled(h SettledHook) {
	e.mu.Lock()
	e.onSettled = h
	e.mu.Unlock()
}

func (e *Engine) dropFromQueue(id string) {
	for i, q := range e.queue {
		if q == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

func (e *Engine) persist(ctx context.Context, entry payment.LedgerEntry, in *Intent, remove bool) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveLedgerEntry(ctx, entry); err != nil {
		return fmt.Errorf("persist ledger entry %s: %w", entry.ID, err)
	}
	if remove {
		if err := e.store.DeleteIntent(ctx, in.ID); err != nil {
			return fmt.Errorf("delete intent %s: %w", in.ID, err)
		}
		return nil
	}
	if err := e.store.SaveIntent(ctx, *in); err != nil {
		return fmt.Errorf("persist intent %s: %w", in.ID, err)
	}
	return nil
}

// Run processes settlements every interval until ctx ends.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := e.ProcessSettlements(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.ErrorContext(ctx, "settlement pass failed", "error", err)
		} else if n > 0 {
			e.logger.InfoContext(ctx, "settlement pass", "settled", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pending returns queued intents in FIFO order.
func (e *Engine) Pending() []Intent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Intent, 0, len(e.queue))
	for _, id := range e.queue {
		out = append(out, *e.intents[id])
	}
	return out
}

func (e *Engine) Entry(id string) (payment.LedgerEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.ledger[id]
	return entry, ok
}

// Entries returns the ledger ordered by creation time.
func (e *Engine) Entries() []payment.LedgerEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]payment.LedgerEntry, 0, len(e.ledger))
	for _, entry := range e.ledger {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore loads persisted state. Intents whose entry is unknown or already
// terminal are dropped; the rest are queued by creation time.
func (e *Engine) Restore(entries []payment.LedgerEntry, intents []Intent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger = make(map[string]payment.LedgerEntry, len(entries))
	e.intents = make(map[string]*Intent, len(intents))
	e.queue = e.queue[:0]
	for _, entry := range entries {
		e.ledger[entry.ID] = entry
	}
	sorted := append([]Intent(nil), intents...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for i := range sorted {
		in := sorted[i]
		entry, ok := e.ledger[in.LedgerEntryID]
		if !ok || entry.Status.Terminal() {
			continue
		}
		if _, dup := e.intents[in.LedgerEntryID]; dup {
			continue
		}
		e.intents[in.LedgerEntryID] = &in
		e.queue = append(e.queue, in.LedgerEntryID)
	}
}
