package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/orchestrator"
	"github.com/dileet/ecco-sub003/pkg/payment"
)

// InvoiceSink persists issued invoices and their paid flag.
type InvoiceSink interface {
	SaveInvoice(ctx context.Context, r payment.InvoiceRecord) error
}

// AgreementSink persists escrow and streaming agreements as they change.
type AgreementSink interface {
	SaveEscrow(ctx context.Context, a payment.EscrowAgreement) error
	SaveStream(ctx context.Context, a payment.StreamingAgreement) error
}

type CashierConfig struct {
	Recipient    string
	ChainID      int64
	Capabilities []mesh.Capability
	QuoteTTL     time.Duration // default 5m
	InvoiceTTL   time.Duration // default payment.DefaultInvoiceTTL
	TickTokens   int64         // tokens per streaming tick, default 32
}

// Cashier is the payee side: it answers quote requests, meters and invoices
// served jobs, releases escrow milestones on signed approval and accepts
// payment proofs.
type Cashier struct {
	messenger  mesh.Messenger
	verifier   payment.Verifier
	book       *payment.InvoiceBook
	sink       InvoiceSink
	agreements AgreementSink
	cfg        CashierConfig
	prices     map[string]Price
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	unsubscribe func()

	termsMu sync.Mutex
	escrows map[string]payment.EscrowAgreement // by agreement id
	payers  map[string]string                  // wallet address by job key
}

type CashierOption func(*Cashier)

func WithInvoiceSink(s InvoiceSink) CashierOption { return func(c *Cashier) { c.sink = s } }

func WithCashierAgreements(s AgreementSink) CashierOption {
	return func(c *Cashier) { c.agreements = s }
}

func WithInvoiceBook(b *payment.InvoiceBook) CashierOption { return func(c *Cashier) { c.book = b } }

func WithCashierLogger(l *slog.Logger) CashierOption { return func(c *Cashier) { c.logger = l } }

// NewCashier prices every capability in cfg up front so a bad price
// fails at startup instead of on the first job.
func NewCashier(m mesh.Messenger, v payment.Verifier, cfg CashierConfig, opts ...CashierOption) (*Cashier, error) {
	if cfg.Recipient == "" {
		return nil, errorir.Malformed("cashier requires a recipient address")
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 5 * time.Minute
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = payment.DefaultInvoiceTTL
	}
	if cfg.TickTokens <= 0 {
		cfg.TickTokens = 32
	}
	c := &Cashier{
		messenger: m,
		verifier:  v,
		book:      payment.NewInvoiceBook(),
		cfg:       cfg,
		prices:    make(map[string]Price),
		logger:    slog.Default().With("component", "cashier"),
		now:       time.Now,
		escrows:   make(map[string]payment.EscrowAgreement),
		payers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, capability := range cfg.Capabilities {
		p, ok, err := PriceOf(capability)
		if err != nil {
			return nil, err
		}
		if ok {
			c.prices[capability.Key()] = p
		}
	}
	return c, nil
}

// Book exposes the invoices issued so far.
func (c *Cashier) Book() *payment.InvoiceBook { return c.book }

// Restore reloads escrows this node is paid through that still have
// milestones to release.
func (c *Cashier) Restore(escrows []payment.EscrowAgreement) int {
	c.termsMu.Lock()
	defer c.termsMu.Unlock()
	n := 0
	for _, a := range escrows {
		if a.Recipient != c.cfg.Recipient || !a.Outstanding() {
			continue
		}
		c.escrows[a.ID] = a
		n++
	}
	return n
}

// Escrow returns the agreement with id, if this cashier holds it.
func (c *Cashier) Escrow(id string) (payment.EscrowAgreement, bool) {
	c.termsMu.Lock()
	defer c.termsMu.Unlock()
	a, ok := c.escrows[id]
	return a, ok
}

func (c *Cashier) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		return nil
	}
	unsub, err := c.messenger.Subscribe(ctx, mesh.InboxTopic(c.messenger.ID()), c.onMessage)
	if err != nil {
		return fmt.Errorf("cashier subscribe: %w", err)
	}
	c.unsubscribe = unsub
	return nil
}

func (c *Cashier) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

func (c *Cashier) onMessage(ctx context.Context, msg mesh.Message) {
	switch msg.Type {
	case mesh.KindRequestQuote, mesh.KindPaymentProof, mesh.KindEscrowApproval:
	default:
		return
	}
	p, err := payment.Decode(msg)
	if err != nil {
		c.logger.WarnContext(ctx, "rejected payment message", "from", msg.From.String(), "type", string(msg.Type), "error", err)
		return
	}
	var reply mesh.Message
	switch p := p.(type) {
	case payment.QuoteRequest:
		reply, err = c.quote(ctx, msg.From, p)
	case payment.PaymentProof:
		reply, err = c.settle(ctx, msg.From, p)
	case payment.EscrowApproval:
		reply, err = c.release(ctx, msg.From, p)
	default:
		return
	}
	if err == nil {
		err = c.messenger.SendMessage(ctx, msg.From, reply)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "payment reply not sent", "to", msg.From.String(), "type", string(msg.Type), "error", err)
	}
}

// refuse answers a request with a payment-failed message carrying the
// errorir code of err.
func (c *Cashier) refuse(to mesh.PeerID, id string, err error) (mesh.Message, error) {
	failed := payment.PaymentFailed{InvoiceID: id, Reason: err.Error()}
	var e *errorir.Error
	if errors.As(err, &e) {
		failed.Code = e.Code
	}
	return payment.NewMessage(c.messenger.ID(), to, failed)
}

func jobKey(jobID string, peer mesh.PeerID) string { return jobID + "|" + peer.String() }

func (c *Cashier) quote(ctx context.Context, from mesh.PeerID, req payment.QuoteRequest) (mesh.Message, error) {
	price, ok := c.prices[req.CapabilityType+":"+req.CapabilityName]
	if !ok {
		return c.refuse(from, req.ID, errorir.NotFound("capability %s:%s is not offered for sale", req.CapabilityType, req.CapabilityName))
	}
	now := c.now()
	q, err := payment.CreateQuote(req, price.Model, price.Amount, c.cfg.Recipient, c.cfg.QuoteTTL, now)
	if err != nil {
		return c.refuse(from, req.ID, err)
	}
	payer := req.Payer
	if payer == "" {
		payer = from.String()
	}
	if price.Model == payment.PricingEscrow {
		if _, err := payment.DecodeApproverKey(req.ApproverKey); err != nil {
			return c.refuse(from, req.ID, err)
		}
		a, err := payment.CreateEscrowAgreement(payment.EscrowParams{
			JobID:            req.JobID,
			Payer:            payer,
			Recipient:        c.cfg.Recipient,
			ChainID:          c.cfg.ChainID,
			Total:            price.Amount,
			Milestones:       price.Milestones,
			RequiresApproval: true,
			Approver:         payer,
			ApproverKey:      req.ApproverKey,
			Now:              now,
		})
		if err != nil {
			return c.refuse(from, req.ID, err)
		}
		c.termsMu.Lock()
		c.escrows[a.ID] = a
		c.termsMu.Unlock()
		c.saveEscrow(ctx, a)
		q.Escrow = &a
	}
	c.termsMu.Lock()
	c.payers[jobKey(req.JobID, from)] = payer
	c.termsMu.Unlock()
	return payment.CreateQuoteMessage(c.messenger.ID(), from, q)
}

// payerOf is the wallet address the requester quoted under, or its peer id
// when the job was never quoted.
func (c *Cashier) payerOf(jobID string, peer mesh.PeerID) string {
	c.termsMu.Lock()
	defer c.termsMu.Unlock()
	if p, ok := c.payers[jobKey(jobID, peer)]; ok {
		return p
	}
	return peer.String()
}

func (c *Cashier) forgetJob(jobID string, peer mesh.PeerID) {
	c.termsMu.Lock()
	delete(c.payers, jobKey(jobID, peer))
	c.termsMu.Unlock()
}

func (c *Cashier) settle(ctx context.Context, from mesh.PeerID, proof payment.PaymentProof) (mesh.Message, error) {
	inv, err := c.book.AcceptProof(ctx, proof, c.verifier)
	if err != nil {
		c.logger.WarnContext(ctx, "payment proof rejected", "invoice_id", proof.InvoiceID, "from", from.String(), "error", err)
		return c.refuse(from, proof.InvoiceID, err)
	}
	c.persist(ctx, payment.InvoiceRecord{Invoice: inv, Paid: true})
	c.logger.InfoContext(ctx, "invoice paid", "invoice_id", inv.ID, "job_id", inv.JobID, "amount", inv.Amount.String(), "tx_hash", proof.TxHash)
	return payment.NewMessage(c.messenger.ID(), from, payment.PaymentVerified{InvoiceID: inv.ID, TxHash: proof.TxHash})
}

// release checks a signed approval against the escrow's approver key and
// invoices the approved milestone. A replayed approval is refused with
// ErrAlreadyProcessed.
func (c *Cashier) release(ctx context.Context, from mesh.PeerID, ap payment.EscrowApproval) (mesh.Message, error) {
	ref := ap.AgreementID + "/" + ap.MilestoneID
	a, ok := c.Escrow(ap.AgreementID)
	if !ok {
		return c.refuse(from, ref, errorir.NotFound("escrow %s", ap.AgreementID))
	}
	pub, err := payment.DecodeApproverKey(a.ApproverKey)
	if err != nil {
		return c.refuse(from, ref, err)
	}
	now := c.now()
	caller, err := payment.VerifyEscrowApproval(a, ap, pub, now)
	if err != nil {
		c.logger.WarnContext(ctx, "escrow approval rejected", "escrow_id", a.ID, "from", from.String(), "error", err)
		return c.refuse(from, ref, err)
	}

	// Held across the save so concurrent releases persist in order.
	c.termsMu.Lock()
	next, inv, err := payment.ReleaseEscrowMilestone(c.escrows[a.ID], ap.MilestoneID, caller, now)
	if err != nil {
		c.termsMu.Unlock()
		return c.refuse(from, ref, err)
	}
	if next.Outstanding() {
		c.escrows[a.ID] = next
	} else {
		delete(c.escrows, a.ID)
	}
	c.saveEscrow(ctx, next)
	c.termsMu.Unlock()
	c.logger.InfoContext(ctx, "escrow milestone released", "escrow_id", a.ID, "milestone_id", ap.MilestoneID, "amount", inv.Amount.String())

	if err := c.book.Add(inv); err != nil {
		return mesh.Message{}, err
	}
	c.persist(ctx, payment.InvoiceRecord{Invoice: inv})
	return payment.CreateInvoiceMessage(c.messenger.ID(), from, inv)
}

// Bill invoices payer for one job on capability key (type:name). It returns
// ok=false without error when nothing is owed yet: the capability is free,
// escrowed (milestones bill on approval) or streamed no output.
func (c *Cashier) Bill(ctx context.Context, payer mesh.PeerID, jobID, key string, units int64) (payment.Invoice, bool, error) {
	price, ok := c.prices[key]
	if !ok {
		return payment.Invoice{}, false, nil
	}
	defer c.forgetJob(jobID, payer)

	var (
		inv payment.Invoice
		err error
	)
	switch price.Model {
	case payment.PricingEscrow:
		return payment.Invoice{}, false, nil
	case payment.PricingStreaming:
		var owed bool
		if inv, owed, err = c.meter(ctx, payer, jobID, price.Amount, units); err != nil || !owed {
			return payment.Invoice{}, false, err
		}
	default:
		inv, err = payment.CreateInvoice(payment.InvoiceParams{
			JobID:     jobID,
			ChainID:   c.cfg.ChainID,
			Amount:    price.Charge(units),
			Recipient: c.cfg.Recipient,
			TTL:       c.cfg.InvoiceTTL,
			Now:       c.now(),
		})
		if err != nil {
			return payment.Invoice{}, false, err
		}
	}
	return c.issue(ctx, payer, inv)
}

// meter streams units through a StreamingAgreement in TickTokens batches,
// sending each tick to the payer, then closes it and invoices the total.
func (c *Cashier) meter(ctx context.Context, to mesh.PeerID, jobID string, rate payment.Money, units int64) (payment.Invoice, bool, error) {
	a, err := payment.CreateStreamingAgreement(jobID, c.payerOf(jobID, to), c.cfg.Recipient, c.cfg.ChainID, rate, c.now())
	if err != nil {
		return payment.Invoice{}, false, err
	}
	for sent := int64(0); sent < units; {
		batch := min(c.cfg.TickTokens, units-sent)
		var tick payment.StreamingTick
		if a, tick, err = payment.RecordStreamingTick(a, batch, c.now()); err != nil {
			return payment.Invoice{}, false, err
		}
		sent += batch
		msg, err := payment.CreateStreamingTickMessage(c.messenger.ID(), to, tick)
		if err == nil {
			err = c.messenger.SendMessage(ctx, to, msg)
		}
		if err != nil {
			return payment.Invoice{}, false, fmt.Errorf("deliver tick %d of %s: %w", tick.Sequence, a.ID, err)
		}
	}
	a, entry, owed, err := payment.CloseStreamingAgreement(a, c.now())
	if err != nil {
		return payment.Invoice{}, false, err
	}
	c.saveStream(ctx, a)
	if !owed {
		return payment.Invoice{}, false, nil
	}
	inv, err := entry.Invoice(c.cfg.InvoiceTTL, c.now())
	if err != nil {
		return payment.Invoice{}, false, err
	}
	return inv, true, nil
}

func (c *Cashier) issue(ctx context.Context, payer mesh.PeerID, inv payment.Invoice) (payment.Invoice, bool, error) {
	if err := c.book.Add(inv); err != nil {
		return payment.Invoice{}, false, err
	}
	c.persist(ctx, payment.InvoiceRecord{Invoice: inv})

	msg, err := payment.CreateInvoiceMessage(c.messenger.ID(), payer, inv)
	if err != nil {
		return inv, true, err
	}
	if err := c.messenger.SendMessage(ctx, payer, msg); err != nil {
		return inv, true, fmt.Errorf("deliver invoice %s: %w", inv.ID, err)
	}
	return inv, true, nil
}

// CompletionHook bills the requester of every served job.
func (c *Cashier) CompletionHook() orchestrator.CompletionHook {
	return func(ctx context.Context, from mesh.PeerID, req orchestrator.AgentRequest, output json.RawMessage) {
		key := req.Capability.Type + ":" + req.Capability.Name
		if _, _, err := c.Bill(ctx, from, req.CorrelationID, key, OutputUnits(output)); err != nil {
			c.logger.WarnContext(ctx, "billing failed", "to", from.String(), "job_id", req.CorrelationID, "error", err)
		}
	}
}

func (c *Cashier) persist(ctx context.Context, r payment.InvoiceRecord) {
	if c.sink == nil {
		return
	}
	if err := c.sink.SaveInvoice(ctx, r); err != nil {
		c.logger.ErrorContext(ctx, "persist invoice", "invoice_id", r.Invoice.ID, "error", err)
	}
}

func (c *Cashier) saveEscrow(ctx context.Context, a payment.EscrowAgreement) {
	if c.agreements == nil {
		return
	}
	if err := c.agreements.SaveEscrow(ctx, a); err != nil {
		c.logger.ErrorContext(ctx, "persist escrow", "escrow_id", a.ID, "error", err)
	}
}

func (c *Cashier) saveStream(ctx context.Context, a payment.StreamingAgreement) {
	if c.agreements == nil {
		return
	}
	if err := c.agreements.SaveStream(ctx, a); err != nil {
		c.logger.ErrorContext(ctx, "persist streaming agreement", "agreement_id", a.ID, "error", err)
	}
}
