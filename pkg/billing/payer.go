package billing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/orchestrator"
	"github.com/dileet/ecco-sub003/pkg/payment"
	"github.com/dileet/ecco-sub003/pkg/settlement"
)

// Wallet is the part of settlement.Wallet a Payer needs.
type Wallet interface {
	Address() string
	Pay(ctx context.Context, inv payment.Invoice) (payment.PaymentProof, error)
}

// Settler queues ledger entries for settlement and reports each one that
// settles. *settlement.Engine implements it.
type Settler interface {
	Enqueue(ctx context.Context, entry payment.LedgerEntry, inv payment.Invoice, maxRetries int, opts ...settlement.EnqueueOption) (settlement.Intent, bool, error)
	OnSettled(h settlement.SettledHook)
}

// Receipt records the outcome of one invoice this node paid.
type Receipt struct {
	Invoice  payment.Invoice
	Proof    payment.PaymentProof
	Verified bool
	Reason   string // set when the payee rejected the proof
}

// purchase is the agreed terms for one job on one peer.
type purchase struct {
	quote    payment.Quote
	stream   *payment.StreamingAgreement // local mirror of the provider's meter
	remoteID string                      // provider's streaming agreement id
	ticks    map[int64]payment.StreamingTick
	held     *payment.Invoice // streaming invoice waiting for its ticks
	escrow   *payment.EscrowAgreement
	disputed error
}

// Payer is the requester side. It agrees terms with priced peers before a
// job is dispatched, checks streamed charges against its own meter, signs
// escrow approvals once a job is delivered and pays invoices within the
// per-token cap.
type Payer struct {
	messenger    mesh.Messenger
	wallet       Wallet
	settler      Settler
	agreements   AgreementSink
	limits       map[string]payment.Money
	chainID      int64
	approvalKey  ed25519.PrivateKey
	quoteTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	receipts    map[string]*Receipt
	purchases   map[string]*purchase // by job key
	waiters     map[string]chan payment.Payload
	unsubscribe func()
}

type PayerOption func(*Payer)

// WithSettler routes metered and escrowed invoices through s. Without it
// every invoice is paid directly.
func WithSettler(s Settler) PayerOption { return func(p *Payer) { p.settler = s } }

func WithPayerAgreements(s AgreementSink) PayerOption {
	return func(p *Payer) { p.agreements = s }
}

func WithChainID(id int64) PayerOption { return func(p *Payer) { p.chainID = id } }

// WithApprovalKey sets the key escrow approvals are signed with. A fresh
// key is generated otherwise.
func WithApprovalKey(k ed25519.PrivateKey) PayerOption { return func(p *Payer) { p.approvalKey = k } }

// WithQuoteTimeout bounds the wait for a quote. Non-positive values keep
// the default of two seconds.
func WithQuoteTimeout(d time.Duration) PayerOption {
	return func(p *Payer) {
		if d > 0 {
			p.quoteTimeout = d
		}
	}
}

func WithPayerLogger(l *slog.Logger) PayerOption { return func(p *Payer) { p.logger = l } }

// NewPayer pays invoices up to limits[token]. Tokens without a limit are never paid.
func NewPayer(m mesh.Messenger, w Wallet, limits []payment.Money, opts ...PayerOption) *Payer {
	p := &Payer{
		messenger:    m,
		wallet:       w,
		limits:       make(map[string]payment.Money, len(limits)),
		quoteTimeout: 2 * time.Second,
		logger:       slog.Default().With("component", "payer"),
		now:          time.Now,
		receipts:     make(map[string]*Receipt),
		purchases:    make(map[string]*purchase),
		waiters:      make(map[string]chan payment.Payload),
	}
	for _, l := range limits {
		p.limits[l.Currency] = l
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.approvalKey == nil {
		_, p.approvalKey, _ = ed25519.GenerateKey(rand.Reader)
	}
	if p.settler != nil {
		p.settler.OnSettled(p.settled)
	}
	return p
}

func (p *Payer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribe != nil {
		return nil
	}
	unsub, err := p.messenger.Subscribe(ctx, mesh.InboxTopic(p.messenger.ID()), p.onMessage)
	if err != nil {
		return fmt.Errorf("payer subscribe: %w", err)
	}
	p.unsubscribe = unsub
	return nil
}

func (p *Payer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
}

func (p *Payer) onMessage(ctx context.Context, msg mesh.Message) {
	switch msg.Type {
	case mesh.KindQuote, mesh.KindStreamingTick, mesh.KindInvoice, mesh.KindPaymentVerified, mesh.KindPaymentFailed:
	default:
		return
	}
	body, err := payment.Decode(msg)
	if err != nil {
		p.logger.WarnContext(ctx, "rejected payment message", "from", msg.From.String(), "error", err)
		return
	}
	switch b := body.(type) {
	case payment.Quote:
		p.answer(b.RequestID, b)
	case payment.StreamingTick:
		p.onTick(ctx, msg.From, b)
	case payment.Invoice:
		if err := p.onInvoice(ctx, msg.From, b); err != nil {
			p.logger.WarnContext(ctx, "invoice not paid", "invoice_id", b.ID, "from", msg.From.String(), "error", err)
		}
	case payment.PaymentVerified:
		p.resolve(b.InvoiceID, true, "")
	case payment.PaymentFailed:
		if !p.answer(b.InvoiceID, b) {
			p.resolve(b.InvoiceID, false, b.Reason)
		}
	}
}

// answer hands a reply to the RequestQuote call waiting on id.
func (p *Payer) answer(id string, reply payment.Payload) bool {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- reply:
	default:
	}
	return true
}

// RequestQuote asks peer to price a job on c. A peer that does not sell c
// answers with ErrNotFound.
func (p *Payer) RequestQuote(ctx context.Context, peer mesh.PeerID, jobID string, c mesh.Capability, token string, estimate int64) (payment.Quote, error) {
	qr, err := payment.CreateQuoteRequest(jobID, c.Type, c.Name, p.chainID, token, estimate)
	if err != nil {
		return payment.Quote{}, err
	}
	qr.Payer = p.wallet.Address()
	qr.ApproverKey = payment.EncodeApproverKey(p.approvalKey.Public().(ed25519.PublicKey))

	ch := make(chan payment.Payload, 1)
	p.mu.Lock()
	p.waiters[qr.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, qr.ID)
		p.mu.Unlock()
	}()

	msg, err := payment.CreateQuoteRequestMessage(p.messenger.ID(), peer, qr)
	if err != nil {
		return payment.Quote{}, err
	}
	if err := p.messenger.SendMessage(ctx, peer, msg); err != nil {
		return payment.Quote{}, fmt.Errorf("request quote from %s: %w", peer, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.quoteTimeout)
	defer cancel()
	select {
	case reply := <-ch:
		switch r := reply.(type) {
		case payment.Quote:
			if r.JobID != jobID {
				return payment.Quote{}, errorir.Malformed("quote is for job %s, not %s", r.JobID, jobID)
			}
			if r.Expired(p.now()) {
				return payment.Quote{}, errorir.Expired("quote %s expired at %s", r.ID, r.ValidUntil.Format(time.RFC3339))
			}
			return r, nil
		case payment.PaymentFailed:
			if r.Code == errorir.CodeNotFound {
				return payment.Quote{}, errorir.NotFound("%s", r.Reason)
			}
			return payment.Quote{}, fmt.Errorf("quote refused by %s: %s", peer, r.Reason)
		}
		return payment.Quote{}, errorir.Malformed("unexpected quote reply %T", reply)
	case <-ctx.Done():
		return payment.Quote{}, errorir.Wrap(errorir.ErrTimeout, ctx.Err(), "quote from %s", peer)
	}
}

func purchaseKey(jobID string, peer mesh.PeerID) string { return jobID + "|" + peer.String() }

// Purchase agrees terms with peer before req is dispatched to it. Free
// capabilities pass without a quote. A quote above the spending cap is
// declined.
func (p *Payer) Purchase(ctx context.Context, peer mesh.PeerID, c mesh.Capability, req orchestrator.AgentRequest) error {
	price, priced, err := PriceOf(c)
	if err != nil || !priced {
		return err
	}
	q, err := p.RequestQuote(ctx, peer, req.CorrelationID, c, price.Amount.Currency, OutputUnits(req.Input))
	if errors.Is(err, errorir.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.withinLimit(q.ID, q.Amount); err != nil {
		return err
	}

	pu := &purchase{quote: q}
	switch q.Model {
	case payment.PricingStreaming:
		if q.RatePerToken == nil {
			return errorir.Malformed("streaming quote %s has no rate", q.ID)
		}
		a, err := payment.CreateStreamingAgreement(req.CorrelationID, p.wallet.Address(), q.Recipient, p.chainID, *q.RatePerToken, p.now())
		if err != nil {
			return err
		}
		pu.stream = &a
		pu.ticks = make(map[int64]payment.StreamingTick)
	case payment.PricingEscrow:
		a := q.Escrow
		switch {
		case a == nil:
			return errorir.Malformed("escrow quote %s carries no agreement", q.ID)
		case a.Payer != p.wallet.Address() || a.Approver != p.wallet.Address():
			return errorir.Unauthorized("escrow %s does not name this wallet as payer and approver", a.ID)
		case a.Recipient != q.Recipient || !a.TotalAmount.Equal(q.Amount):
			return errorir.Malformed("escrow %s does not match quote %s", a.ID, q.ID)
		}
		held := *a
		pu.escrow = &held
		p.saveEscrow(ctx, held)
	}

	p.mu.Lock()
	p.purchases[purchaseKey(req.CorrelationID, peer)] = pu
	p.mu.Unlock()
	p.logger.DebugContext(ctx, "terms agreed", "peer", peer.String(), "job_id", req.CorrelationID, "model", string(q.Model), "amount", q.Amount.String())
	return nil
}

// Delivered signs approvals for every pending escrow milestone once peer
// has answered successfully. A failed job drops its terms.
func (p *Payer) Delivered(ctx context.Context, peer mesh.PeerID, req orchestrator.AgentRequest, success bool) {
	key := purchaseKey(req.CorrelationID, peer)
	p.mu.Lock()
	pu, ok := p.purchases[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	if !success {
		delete(p.purchases, key)
		p.mu.Unlock()
		return
	}
	if pu.escrow == nil {
		p.mu.Unlock()
		return
	}
	a := *pu.escrow
	var approvals []payment.EscrowApproval
	for _, m := range a.Milestones {
		if m.Released || m.Approved {
			continue
		}
		ap, err := payment.SignEscrowApproval(a, m.ID, p.approvalKey, p.now())
		if err != nil {
			p.logger.ErrorContext(ctx, "sign escrow approval", "escrow_id", a.ID, "milestone_id", m.ID, "error", err)
			continue
		}
		if a, err = a.Approve(m.ID); err != nil {
			continue
		}
		approvals = append(approvals, ap)
	}
	pu.escrow = &a
	p.mu.Unlock()

	p.saveEscrow(ctx, a)
	for _, ap := range approvals {
		msg, err := payment.CreateEscrowApprovalMessage(p.messenger.ID(), peer, ap)
		if err == nil {
			err = p.messenger.SendMessage(ctx, peer, msg)
		}
		if err != nil {
			p.logger.WarnContext(ctx, "escrow approval not sent", "escrow_id", a.ID, "milestone_id", ap.MilestoneID, "error", err)
		}
	}
}

// onTick applies provider ticks to the local meter in sequence order.
// Ticks may arrive out of order; gaps are held until filled.
func (p *Payer) onTick(ctx context.Context, from mesh.PeerID, tick payment.StreamingTick) {
	p.mu.Lock()
	pu, ok := p.purchases[purchaseKey(tick.JobID, from)]
	if !ok || pu.stream == nil {
		p.mu.Unlock()
		p.logger.DebugContext(ctx, "tick for unknown stream", "from", from.String(), "agreement_id", tick.AgreementID)
		return
	}
	if pu.remoteID == "" {
		pu.remoteID = tick.AgreementID
	}
	switch {
	case pu.disputed != nil:
	case tick.AgreementID != pu.remoteID:
		pu.disputed = errorir.Unauthorized("tick for agreement %s, metering %s", tick.AgreementID, pu.remoteID)
	case tick.Recipient != "" && tick.Recipient != pu.quote.Recipient:
		pu.disputed = errorir.Unauthorized("tick pays %s, quote pays %s", tick.Recipient, pu.quote.Recipient)
	default:
		pu.ticks[tick.Sequence] = tick
	}
	entry, inv, ready := p.advance(pu)
	disputed := pu.disputed
	p.mu.Unlock()

	if disputed != nil {
		p.logger.WarnContext(ctx, "streaming charge disputed", "from", from.String(), "job_id", tick.JobID, "error", disputed)
		return
	}
	if ready {
		p.finishStream(ctx, from, entry, inv)
	}
}

// advance replays buffered ticks on the mirror and, once the mirror has
// caught up with a held invoice, closes it. p.mu must be held.
func (p *Payer) advance(pu *purchase) (payment.LedgerEntry, payment.Invoice, bool) {
	for pu.disputed == nil {
		t, ok := pu.ticks[pu.stream.Ticks+1]
		if !ok {
			break
		}
		delete(pu.ticks, t.Sequence)
		next, mine, err := payment.RecordStreamingTick(*pu.stream, t.TokensGenerated, t.Timestamp)
		switch {
		case err != nil:
			pu.disputed = err
		case !mine.AmountOwed.Equal(t.AmountOwed) || !mine.Accumulated.Equal(t.Accumulated):
			pu.disputed = errorir.VerificationFailed(fmt.Sprintf("tick %d claims %s (total %s), meter says %s (total %s)",
				t.Sequence, t.AmountOwed, t.Accumulated, mine.AmountOwed, mine.Accumulated))
		default:
			pu.disputed = p.withinLimit(pu.quote.ID, next.AccumulatedAmount)
			pu.stream = &next
		}
	}
	if pu.disputed != nil || pu.held == nil {
		return payment.LedgerEntry{}, payment.Invoice{}, false
	}
	inv := *pu.held
	cmp, err := pu.stream.AccumulatedAmount.Cmp(inv.Amount)
	switch {
	case err != nil || cmp > 0:
		pu.disputed = errorir.VerificationFailed(fmt.Sprintf("invoice %s for %s, meter says %s", inv.ID, inv.Amount, pu.stream.AccumulatedAmount))
		return payment.LedgerEntry{}, payment.Invoice{}, false
	case cmp < 0:
		return payment.LedgerEntry{}, payment.Invoice{}, false
	}
	closed, entry, owed, err := payment.CloseStreamingAgreement(*pu.stream, p.now())
	if err != nil || !owed {
		pu.disputed = errorir.VerificationFailed(fmt.Sprintf("invoice %s for an empty stream", inv.ID))
		return payment.LedgerEntry{}, payment.Invoice{}, false
	}
	pu.stream = &closed
	pu.held = nil
	return entry, inv, true
}

// finishStream persists the closed mirror and settles its entry.
func (p *Payer) finishStream(ctx context.Context, payee mesh.PeerID, entry payment.LedgerEntry, inv payment.Invoice) {
	p.mu.Lock()
	key := purchaseKey(inv.JobID, payee)
	var closed *payment.StreamingAgreement
	if pu, ok := p.purchases[key]; ok {
		closed = pu.stream
		delete(p.purchases, key)
	}
	p.mu.Unlock()
	if closed != nil {
		p.saveStream(ctx, *closed)
	}
	if err := p.settle(ctx, payee, entry, inv); err != nil {
		p.logger.WarnContext(ctx, "streaming invoice not settled", "invoice_id", inv.ID, "error", err)
	}
}

func (p *Payer) onInvoice(ctx context.Context, from mesh.PeerID, inv payment.Invoice) error {
	key := purchaseKey(inv.JobID, from)
	p.mu.Lock()
	pu, ok := p.purchases[key]
	if !ok {
		p.mu.Unlock()
		_, err := p.Pay(ctx, from, inv)
		return err
	}
	if inv.Recipient != pu.quote.Recipient {
		p.mu.Unlock()
		return errorir.Unauthorized("invoice %s pays %s, quote pays %s", inv.ID, inv.Recipient, pu.quote.Recipient)
	}

	switch {
	case pu.stream != nil:
		if pu.disputed != nil {
			err := pu.disputed
			p.mu.Unlock()
			return err
		}
		pu.held = &inv
		entry, held, ready := p.advance(pu)
		err := pu.disputed
		p.mu.Unlock()
		if err != nil {
			return err
		}
		if ready {
			p.finishStream(ctx, from, entry, held)
		}
		return nil

	case pu.escrow != nil:
		a := *pu.escrow
		milestone := ""
		for _, m := range a.Milestones {
			if m.Approved && !m.Released && m.Amount.Equal(inv.Amount) {
				milestone = m.ID
				break
			}
		}
		if milestone == "" {
			p.mu.Unlock()
			return errorir.Unauthorized("invoice %s matches no approved milestone of escrow %s", inv.ID, a.ID)
		}
		now := p.now()
		next, err := a.Release(milestone, p.wallet.Address(), now)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if next.Outstanding() {
			pu.escrow = &next
		} else {
			delete(p.purchases, key)
		}
		p.saveEscrow(ctx, next)
		p.mu.Unlock()
		entry, err := next.LedgerEntry(milestone, now)
		if err != nil {
			return err
		}
		return p.settle(ctx, from, entry, inv)

	default:
		delete(p.purchases, key)
		p.mu.Unlock()
		if cmp, err := inv.Amount.Cmp(pu.quote.Amount); err != nil || cmp > 0 {
			return errorir.Unauthorized("invoice %s for %s exceeds quote %s", inv.ID, inv.Amount, pu.quote.Amount)
		}
		_, err := p.Pay(ctx, from, inv)
		return err
	}
}

// settle hands a metered or escrowed obligation to the settlement engine,
// or pays it directly when no engine is wired.
func (p *Payer) settle(ctx context.Context, payee mesh.PeerID, entry payment.LedgerEntry, inv payment.Invoice) error {
	if p.settler == nil {
		_, err := p.Pay(ctx, payee, inv)
		return err
	}
	if err := p.withinLimit(inv.ID, inv.Amount); err != nil {
		return err
	}
	p.mu.Lock()
	if _, seen := p.receipts[inv.ID]; seen {
		p.mu.Unlock()
		return errorir.AlreadyProcessed("invoice %s already queued", inv.ID)
	}
	p.receipts[inv.ID] = &Receipt{Invoice: inv}
	p.mu.Unlock()

	if _, _, err := p.settler.Enqueue(ctx, entry, inv, 0, settlement.ForPayee(payee.String())); err != nil {
		p.mu.Lock()
		delete(p.receipts, inv.ID)
		p.mu.Unlock()
		return fmt.Errorf("queue settlement of %s: %w", inv.ID, err)
	}
	p.logger.InfoContext(ctx, "settlement queued", "invoice_id", inv.ID, "kind", string(entry.Kind), "amount", inv.Amount.String())
	return nil
}

// settled forwards the proof of a settled entry to the payee.
func (p *Payer) settled(ctx context.Context, in settlement.Intent, entry payment.LedgerEntry) {
	if in.Proof == nil || in.Payee == "" {
		return
	}
	proof := *in.Proof
	p.mu.Lock()
	if r, ok := p.receipts[in.Invoice.ID]; ok {
		r.Proof = proof
	}
	p.mu.Unlock()

	payee := mesh.PeerID(in.Payee)
	msg, err := payment.CreatePaymentProofMessage(p.messenger.ID(), payee, proof)
	if err == nil {
		err = p.messenger.SendMessage(ctx, payee, msg)
	}
	if err != nil {
		p.logger.WarnContext(ctx, "proof not delivered", "invoice_id", in.Invoice.ID, "ledger_entry", entry.ID, "error", err)
	}
}

func (p *Payer) withinLimit(ref string, amount payment.Money) error {
	limit, ok := p.limits[amount.Currency]
	if !ok {
		return errorir.Unauthorized("no spending limit for %s", amount.Currency)
	}
	cmp, err := amount.Cmp(limit)
	if err != nil {
		return err
	}
	if cmp > 0 {
		return errorir.Unauthorized("%s for %s exceeds limit %s", ref, amount, limit)
	}
	return nil
}

// Pay settles inv through the wallet and sends the proof to payee.
func (p *Payer) Pay(ctx context.Context, payee mesh.PeerID, inv payment.Invoice) (payment.PaymentProof, error) {
	if err := payment.ValidateInvoice(inv, p.now()); err != nil {
		return payment.PaymentProof{}, err
	}
	if err := p.withinLimit("invoice "+inv.ID, inv.Amount); err != nil {
		return payment.PaymentProof{}, err
	}

	p.mu.Lock()
	if _, seen := p.receipts[inv.ID]; seen {
		p.mu.Unlock()
		return payment.PaymentProof{}, errorir.AlreadyProcessed("invoice %s already paid", inv.ID)
	}
	p.receipts[inv.ID] = &Receipt{Invoice: inv}
	p.mu.Unlock()

	proof, err := p.wallet.Pay(ctx, inv)
	if err != nil {
		p.mu.Lock()
		delete(p.receipts, inv.ID)
		p.mu.Unlock()
		return payment.PaymentProof{}, fmt.Errorf("pay invoice %s: %w", inv.ID, err)
	}
	p.mu.Lock()
	p.receipts[inv.ID].Proof = proof
	p.mu.Unlock()

	msg, err := payment.CreatePaymentProofMessage(p.messenger.ID(), payee, proof)
	if err != nil {
		return proof, err
	}
	if err := p.messenger.SendMessage(ctx, payee, msg); err != nil {
		return proof, fmt.Errorf("deliver proof for %s: %w", inv.ID, err)
	}
	return proof, nil
}

func (p *Payer) resolve(invoiceID string, verified bool, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.receipts[invoiceID]; ok {
		r.Verified = verified
		r.Reason = reason
	}
}

// Receipt returns a copy of the receipt for invoiceID.
func (p *Payer) Receipt(invoiceID string) (Receipt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.receipts[invoiceID]
	if !ok {
		return Receipt{}, false
	}
	return *r, true
}

func (p *Payer) saveEscrow(ctx context.Context, a payment.EscrowAgreement) {
	if p.agreements == nil {
		return
	}
	if err := p.agreements.SaveEscrow(ctx, a); err != nil {
		p.logger.ErrorContext(ctx, "persist escrow", "escrow_id", a.ID, "error", err)
	}
}

func (p *Payer) saveStream(ctx context.Context, a payment.StreamingAgreement) {
	if p.agreements == nil {
		return
	}
	if err := p.agreements.SaveStream(ctx, a); err != nil {
		p.logger.ErrorContext(ctx, "persist streaming agreement", "agreement_id", a.ID, "error", err)
	}
}
