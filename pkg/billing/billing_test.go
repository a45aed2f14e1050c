package billing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dileet/ecco-sub003/pkg/discovery"
	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/orchestrator"
	"github.com/dileet/ecco-sub003/pkg/payment"
	"github.com/dileet/ecco-sub003/pkg/settlement"
)

var assistant = mesh.Capability{
	Type: "agent", Name: "assistant", Version: "1.0.0",
	Metadata: map[string]any{MetaPrice: "0.001", MetaToken: "eth", MetaPricing: "streaming"},
}

var escrowed = mesh.Capability{
	Type: "agent", Name: "auditor", Version: "1.0.0",
	Metadata: map[string]any{MetaPrice: "0.3", MetaToken: "ETH", MetaPricing: "escrow", MetaMilestones: "0.1, 0.2"},
}

type memSink struct {
	mu      sync.Mutex
	records map[string]payment.InvoiceRecord
	escrows map[string]payment.EscrowAgreement
	streams map[string]payment.StreamingAgreement
}

func newMemSink() *memSink {
	return &memSink{
		records: map[string]payment.InvoiceRecord{},
		escrows: map[string]payment.EscrowAgreement{},
		streams: map[string]payment.StreamingAgreement{},
	}
}

func (s *memSink) SaveInvoice(_ context.Context, r payment.InvoiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Invoice.ID] = r
	return nil
}

func (s *memSink) SaveEscrow(_ context.Context, a payment.EscrowAgreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrows[a.ID] = a
	return nil
}

func (s *memSink) SaveStream(_ context.Context, a payment.StreamingAgreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[a.ID] = a
	return nil
}

func (s *memSink) record(id string) payment.InvoiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id]
}

// inbox collects messages of the given kinds delivered to id.
func inbox(t *testing.T, hub *mesh.Hub, id mesh.PeerID, kinds ...mesh.Kind) <-chan mesh.Message {
	t.Helper()
	out := make(chan mesh.Message, 8)
	_, err := hub.Join(id).Subscribe(context.Background(), mesh.InboxTopic(id), func(_ context.Context, msg mesh.Message) {
		for _, k := range kinds {
			if msg.Type == k {
				out <- msg
			}
		}
	})
	require.NoError(t, err)
	return out
}

func next(t *testing.T, ch <-chan mesh.Message) mesh.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return mesh.Message{}
	}
}

func TestPriceOf(t *testing.T) {
	p, ok, err := PriceOf(assistant)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payment.PricingStreaming, p.Model)
	assert.Equal(t, "0.004 ETH", p.Charge(4).String())

	fixed := mesh.Capability{Type: "agent", Name: "x", Metadata: map[string]any{MetaPrice: 2, MetaToken: "USDC"}}
	p, ok, err = PriceOf(fixed)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2 USDC", p.Charge(1000).String())

	_, ok, err = PriceOf(mesh.Capability{Type: "agent", Name: "free"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = PriceOf(mesh.Capability{Type: "agent", Name: "bad", Metadata: map[string]any{MetaPrice: "1"}})
	assert.True(t, errors.Is(err, errorir.ErrMalformed))

	_, _, err = PriceOf(mesh.Capability{Type: "agent", Name: "bad", Metadata: map[string]any{MetaPrice: "1", MetaToken: "ETH", MetaPricing: "auction"}})
	assert.True(t, errors.Is(err, errorir.ErrMalformed))

	p, ok, err = PriceOf(escrowed)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payment.PricingEscrow, p.Model)
	require.Len(t, p.Milestones, 2)
	assert.Equal(t, "0.1 ETH", p.Milestones[0].String())
	assert.Equal(t, "0.3 ETH", p.Charge(50).String())

	p, _, err = PriceOf(mesh.Capability{Type: "agent", Name: "one", Metadata: map[string]any{MetaPrice: "1", MetaToken: "ETH", MetaPricing: "escrow"}})
	require.NoError(t, err)
	assert.Len(t, p.Milestones, 1)

	_, _, err = PriceOf(mesh.Capability{Type: "agent", Name: "bad", Metadata: map[string]any{
		MetaPrice: "1", MetaToken: "ETH", MetaPricing: "escrow", MetaMilestones: "0.5,0.4",
	}})
	assert.True(t, errors.Is(err, errorir.ErrMalformed))
}

func TestOutputUnits(t *testing.T) {
	assert.Equal(t, int64(4), OutputUnits([]byte(`"four score and seven"`)))
	assert.Equal(t, int64(1), OutputUnits([]byte(`42`)))
	assert.Equal(t, int64(0), OutputUnits(nil))
}

func TestServedJobIsBilledPaidAndVerified(t *testing.T) {
	hub := mesh.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wallet := settlement.NewDevnetWallet("0xrequester")
	sink := newMemSink()

	prov := hub.Join("provider")
	cashier, err := NewCashier(prov, wallet, CashierConfig{
		Recipient: "0xprovider", ChainID: 31337, Capabilities: []mesh.Capability{assistant},
	}, WithInvoiceSink(sink))
	require.NoError(t, err)
	require.NoError(t, cashier.Start(ctx))
	defer cashier.Stop()

	responder := orchestrator.NewResponder(prov, orchestrator.ProviderFunc(func(context.Context, orchestrator.AgentRequest) (json.RawMessage, error) {
		return json.RawMessage(`"four score and seven"`), nil
	}), orchestrator.WithCompletionHook(cashier.CompletionHook()))
	require.NoError(t, responder.Start(ctx))
	defer responder.Stop()

	payer := NewPayer(hub.Join("requester"), wallet, []payment.Money{payment.MustParseMoney("1", "ETH")})
	require.NoError(t, payer.Start(ctx))
	defer payer.Stop()

	req, err := mesh.NewMessage("requester", "provider", mesh.KindAgentRequest, orchestrator.AgentRequest{
		CorrelationID: "job-1",
		Capability:    discovery.Requirement{Type: "agent", Name: "assistant"},
	})
	require.NoError(t, err)
	require.NoError(t, hub.Join("requester").SendMessage(ctx, "provider", req))

	require.Eventually(t, func() bool {
		for _, inv := range cashier.Book().Snapshot() {
			if r, ok := payer.Receipt(inv.Invoice.ID); ok && r.Verified {
				return inv.Paid
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	records := cashier.Book().Snapshot()
	require.Len(t, records, 1)
	inv := records[0].Invoice
	assert.Equal(t, "job-1", inv.JobID)
	assert.Equal(t, "0.004 ETH", inv.Amount.String())
	assert.True(t, sink.record(inv.ID).Paid)
	assert.Equal(t, 1, wallet.Transfers())
}

func TestCashier_Quotes(t *testing.T) {
	hub := mesh.NewHub()
	ctx := context.Background()
	replies := inbox(t, hub, "requester", mesh.KindQuote, mesh.KindPaymentFailed)

	cashier, err := NewCashier(hub.Join("provider"), settlement.NewDevnetWallet("0x1"), CashierConfig{
		Recipient: "0xprovider", ChainID: 1, Capabilities: []mesh.Capability{assistant},
	})
	require.NoError(t, err)

	qr, err := payment.CreateQuoteRequest("job-9", "agent", "assistant", 1, "ETH", 250)
	require.NoError(t, err)
	msg, err := payment.CreateQuoteRequestMessage("requester", "provider", qr)
	require.NoError(t, err)
	cashier.onMessage(ctx, msg)

	got, err := payment.Decode(next(t, replies))
	require.NoError(t, err)
	q, ok := got.(payment.Quote)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, "0.25 ETH", q.Amount.String())
	assert.Equal(t, "0xprovider", q.Recipient)

	qr, err = payment.CreateQuoteRequest("job-9", "agent", "painter", 1, "ETH", 1)
	require.NoError(t, err)
	msg, err = payment.CreateQuoteRequestMessage("requester", "provider", qr)
	require.NoError(t, err)
	cashier.onMessage(ctx, msg)

	got, err = payment.Decode(next(t, replies))
	require.NoError(t, err)
	failed, ok := got.(payment.PaymentFailed)
	require.True(t, ok, "got %T", got)
	assert.Equal(t, errorir.CodeNotFound, failed.Code)
}

func TestCashier_RejectsForgedProof(t *testing.T) {
	hub := mesh.NewHub()
	ctx := context.Background()
	replies := inbox(t, hub, "requester", mesh.KindInvoice, mesh.KindPaymentFailed)

	cashier, err := NewCashier(hub.Join("provider"), settlement.NewDevnetWallet("0x1"), CashierConfig{
		Recipient: "0xprovider", ChainID: 1, Capabilities: []mesh.Capability{assistant},
	})
	require.NoError(t, err)

	inv, billed, err := cashier.Bill(ctx, "requester", "job-2", "agent:assistant", 10)
	require.NoError(t, err)
	require.True(t, billed)
	assert.Equal(t, mesh.KindInvoice, next(t, replies).Type)

	msg, err := payment.CreatePaymentProofMessage("requester", "provider", payment.PaymentProof{InvoiceID: inv.ID, TxHash: "0xdead", ChainID: 1})
	require.NoError(t, err)
	cashier.onMessage(ctx, msg)

	got, err := payment.Decode(next(t, replies))
	require.NoError(t, err)
	failed := got.(payment.PaymentFailed)
	assert.Equal(t, inv.ID, failed.InvoiceID)
	assert.Equal(t, errorir.CodeVerificationFailed, failed.Code)
	assert.False(t, cashier.Book().Paid(inv.ID))

	_, billed, err = cashier.Bill(ctx, "requester", "job-3", "agent:free", 10)
	require.NoError(t, err)
	assert.False(t, billed)
}

func TestPayer_Limits(t *testing.T) {
	hub := mesh.NewHub()
	ctx := context.Background()
	proofs := inbox(t, hub, "provider", mesh.KindPaymentProof)
	wallet := settlement.NewDevnetWallet("0xrequester")
	payer := NewPayer(hub.Join("requester"), wallet, []payment.Money{payment.MustParseMoney("0.01", "ETH")})

	mk := func(amount, token string) payment.Invoice {
		inv, err := payment.CreateInvoice(payment.InvoiceParams{
			JobID: "job", ChainID: 1, Amount: payment.MustParseMoney(amount, token), Recipient: "0xprovider",
		})
		require.NoError(t, err)
		return inv
	}

	_, err := payer.Pay(ctx, "provider", mk("0.5", "ETH"))
	assert.True(t, errors.Is(err, errorir.ErrUnauthorized))
	_, err = payer.Pay(ctx, "provider", mk("1", "USDC"))
	assert.True(t, errors.Is(err, errorir.ErrUnauthorized))

	expired := mk("0.001", "ETH")
	expired.Expiry = time.Now().Add(-time.Second)
	_, err = payer.Pay(ctx, "provider", expired)
	assert.True(t, errors.Is(err, errorir.ErrExpired))

	ok := mk("0.01", "ETH")
	proof, err := payer.Pay(ctx, "provider", ok)
	require.NoError(t, err)
	assert.Equal(t, ok.ID, proof.InvoiceID)
	assert.Equal(t, mesh.KindPaymentProof, next(t, proofs).Type)

	_, err = payer.Pay(ctx, "provider", ok)
	assert.True(t, errors.Is(err, errorir.ErrAlreadyProcessed))
	assert.Equal(t, 1, wallet.Transfers())

	wallet.FailNext(1)
	retry := mk("0.002", "ETH")
	_, err = payer.Pay(ctx, "provider", retry)
	require.Error(t, err)
	_, known := payer.Receipt(retry.ID)
	assert.False(t, known, "a failed payment can be retried")
	_, err = payer.Pay(ctx, "provider", retry)
	assert.NoError(t, err)
}

// market is a provider cashier and a requester payer sharing one devnet
// chain, with the payer settling through an engine.
type market struct {
	hub     *mesh.Hub
	wallet  *settlement.DevnetWallet
	engine  *settlement.Engine
	sink    *memSink
	cashier *Cashier
	payer   *Payer
}

func newMarket(t *testing.T, caps ...mesh.Capability) *market {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := &market{hub: mesh.NewHub(), wallet: settlement.NewDevnetWallet("0xrequester"), sink: newMemSink()}

	var err error
	m.engine, err = settlement.NewEngine(m.wallet, settlement.DefaultConfig())
	require.NoError(t, err)

	m.cashier, err = NewCashier(m.hub.Join("provider"), m.wallet, CashierConfig{
		Recipient: "0xprovider", ChainID: 31337, Capabilities: caps, TickTokens: 2,
	}, WithInvoiceSink(m.sink), WithCashierAgreements(m.sink))
	require.NoError(t, err)
	require.NoError(t, m.cashier.Start(ctx))
	t.Cleanup(m.cashier.Stop)

	m.payer = NewPayer(m.hub.Join("requester"), m.wallet, []payment.Money{payment.MustParseMoney("1", "ETH")},
		WithSettler(m.engine), WithChainID(31337), WithPayerAgreements(m.sink), WithQuoteTimeout(time.Second))
	require.NoError(t, m.payer.Start(ctx))
	t.Cleanup(m.payer.Stop)
	return m
}

func job(id string, c mesh.Capability, input string) orchestrator.AgentRequest {
	return orchestrator.AgentRequest{
		CorrelationID: id,
		Capability:    discovery.Requirement{Type: c.Type, Name: c.Name},
		Input:         json.RawMessage(input),
	}
}

// settleAll runs settlement once an obligation is queued and waits for the
// cashier to accept every proof.
func (m *market) settleAll(t *testing.T, entries int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.engine.Pending()) == entries }, 2*time.Second, 10*time.Millisecond)
	n, err := m.engine.ProcessSettlements(context.Background())
	require.NoError(t, err)
	require.Equal(t, entries, n)
	require.Eventually(t, func() bool {
		for _, r := range m.cashier.Book().Snapshot() {
			if !r.Paid {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPayer_PurchaseQuotesPricedPeers(t *testing.T) {
	fixed := mesh.Capability{Type: "agent", Name: "translator", Metadata: map[string]any{MetaPrice: "0.5", MetaToken: "ETH"}}
	pricey := mesh.Capability{Type: "agent", Name: "oracle", Metadata: map[string]any{MetaPrice: "2", MetaToken: "ETH"}}
	m := newMarket(t, fixed, pricey)
	ctx := context.Background()

	require.NoError(t, m.payer.Purchase(ctx, "provider", fixed, job("job-f", fixed, `"hi"`)))

	err := m.payer.Purchase(ctx, "provider", pricey, job("job-p", pricey, `"hi"`))
	assert.True(t, errors.Is(err, errorir.ErrUnauthorized), "got %v", err)

	// Free capabilities are never quoted, and a provider that does not sell a
	// capability it announces with a price costs nothing.
	require.NoError(t, m.payer.Purchase(ctx, "provider", mesh.Capability{Type: "agent", Name: "free"}, job("job-0", fixed, `"hi"`)))
	unsold := mesh.Capability{Type: "agent", Name: "painter", Metadata: map[string]any{MetaPrice: "0.1", MetaToken: "ETH"}}
	require.NoError(t, m.payer.Purchase(ctx, "provider", unsold, job("job-u", unsold, `"hi"`)))

	// A peer without a cashier never answers.
	inbox(t, m.hub, "silent", mesh.KindRequestQuote)
	err = m.payer.Purchase(ctx, "silent", fixed, job("job-s", fixed, `"hi"`))
	assert.True(t, errors.Is(err, errorir.ErrTimeout), "got %v", err)

	inv, billed, err := m.cashier.Bill(ctx, "requester", "job-f", fixed.Key(), 1)
	require.NoError(t, err)
	require.True(t, billed)
	require.Eventually(t, func() bool { r, ok := m.payer.Receipt(inv.ID); return ok && r.Verified }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, m.engine.Pending(), "fixed prices are paid directly")
}

func TestStreamingJobSettlesThroughEngine(t *testing.T) {
	m := newMarket(t, assistant)
	ctx := context.Background()
	req := job("job-s", assistant, `"one two three four five"`)

	require.NoError(t, m.payer.Purchase(ctx, "provider", assistant, req))
	inv, billed, err := m.cashier.Bill(ctx, "requester", req.CorrelationID, assistant.Key(), 5)
	require.NoError(t, err)
	require.True(t, billed)
	assert.Equal(t, "0.005 ETH", inv.Amount.String())

	m.settleAll(t, 1)
	entries := m.engine.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, payment.LedgerStreaming, entries[0].Kind)
	assert.Equal(t, payment.StatusSettled, entries[0].Status)
	assert.Equal(t, "0xrequester", entries[0].Payer)
	assert.Equal(t, "0xprovider", entries[0].Recipient)
	assert.Equal(t, 1, m.wallet.Transfers())

	require.Eventually(t, func() bool { r, ok := m.payer.Receipt(inv.ID); return ok && r.Verified }, 2*time.Second, 10*time.Millisecond)

	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	require.Len(t, m.sink.streams, 2, "both meters persist their agreement")
	for _, a := range m.sink.streams {
		assert.True(t, a.Closed())
		assert.Equal(t, int64(3), a.Ticks)
		assert.Equal(t, "0.005", a.AccumulatedAmount.Decimal())
	}
}

func TestStreamingOvercountIsDisputed(t *testing.T) {
	m := newMarket(t, assistant)
	ctx := context.Background()
	req := job("job-x", assistant, `"a b"`)
	require.NoError(t, m.payer.Purchase(ctx, "provider", assistant, req))

	rate := payment.MustParseMoney("0.001", "ETH")
	tick := payment.StreamingTick{
		AgreementID: "meter-1", JobID: "job-x", Recipient: "0xprovider", Sequence: 1,
		TokensGenerated: 2, AmountOwed: rate.MulInt(2), Accumulated: rate.MulInt(3), Timestamp: time.Now(),
	}
	msg, err := payment.CreateStreamingTickMessage("provider", "requester", tick)
	require.NoError(t, err)
	m.payer.onMessage(ctx, msg)

	inv, err := payment.CreateInvoice(payment.InvoiceParams{JobID: "job-x", ChainID: 31337, Amount: rate.MulInt(3), Recipient: "0xprovider"})
	require.NoError(t, err)
	err = m.payer.onInvoice(ctx, "provider", inv)
	assert.True(t, errors.Is(err, errorir.ErrVerificationFailed), "got %v", err)
	assert.Empty(t, m.engine.Pending())
	assert.Zero(t, m.wallet.Transfers())
}

func TestStreamingInvoiceWaitsForLateTicks(t *testing.T) {
	m := newMarket(t, assistant)
	ctx := context.Background()
	require.NoError(t, m.payer.Purchase(ctx, "provider", assistant, job("job-l", assistant, `"a b c"`)))

	rate := payment.MustParseMoney("0.001", "ETH")
	ticks := []payment.StreamingTick{
		{AgreementID: "meter-2", JobID: "job-l", Sequence: 1, TokensGenerated: 2, AmountOwed: rate.MulInt(2), Accumulated: rate.MulInt(2), Timestamp: time.Now()},
		{AgreementID: "meter-2", JobID: "job-l", Sequence: 2, TokensGenerated: 1, AmountOwed: rate, Accumulated: rate.MulInt(3), Timestamp: time.Now()},
	}
	inv, err := payment.CreateInvoice(payment.InvoiceParams{JobID: "job-l", ChainID: 31337, Amount: rate.MulInt(3), Recipient: "0xprovider"})
	require.NoError(t, err)

	// Invoice and ticks arrive in reverse order.
	require.NoError(t, m.payer.onInvoice(ctx, "provider", inv))
	m.payer.onTick(ctx, "provider", ticks[1])
	assert.Empty(t, m.engine.Pending())
	m.payer.onTick(ctx, "provider", ticks[0])

	pending := m.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, inv.ID, pending[0].Invoice.ID)
	assert.Equal(t, "provider", pending[0].Payee)
}

func TestEscrowMilestonesReleaseOnApproval(t *testing.T) {
	m := newMarket(t, escrowed)
	ctx := context.Background()
	req := job("job-e", escrowed, `"audit this"`)

	require.NoError(t, m.payer.Purchase(ctx, "provider", escrowed, req))
	_, billed, err := m.cashier.Bill(ctx, "requester", req.CorrelationID, escrowed.Key(), 9)
	require.NoError(t, err)
	assert.False(t, billed, "escrow bills per approved milestone")

	m.sink.mu.Lock()
	require.Len(t, m.sink.escrows, 1)
	var escrowID string
	for id := range m.sink.escrows {
		escrowID = id
	}
	m.sink.mu.Unlock()
	held, ok := m.cashier.Escrow(escrowID)
	require.True(t, ok)
	assert.Equal(t, "0xrequester", held.Approver)

	m.payer.Delivered(ctx, "provider", req, true)
	m.settleAll(t, 2)

	records := m.cashier.Book().Snapshot()
	require.Len(t, records, 2)
	for _, e := range m.engine.Entries() {
		assert.Equal(t, payment.LedgerEscrow, e.Kind)
		assert.Equal(t, payment.StatusSettled, e.Status)
	}
	_, open := m.cashier.Escrow(escrowID)
	assert.False(t, open, "a fully released escrow is closed")

	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	assert.False(t, m.sink.escrows[escrowID].Outstanding())
}

func TestCashier_EscrowApprovalChecks(t *testing.T) {
	hub := mesh.NewHub()
	ctx := context.Background()
	replies := inbox(t, hub, "requester", mesh.KindQuote, mesh.KindInvoice, mesh.KindPaymentFailed)
	cashier, err := NewCashier(hub.Join("provider"), settlement.NewDevnetWallet("0x1"), CashierConfig{
		Recipient: "0xprovider", ChainID: 1, Capabilities: []mesh.Capability{escrowed},
	})
	require.NoError(t, err)

	pub, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	qr, err := payment.CreateQuoteRequest("job-a", "agent", "auditor", 1, "ETH", 0)
	require.NoError(t, err)
	qr.Payer = "0xrequester"

	// Escrow terms need the requester's approval key.
	msg, err := payment.CreateQuoteRequestMessage("requester", "provider", qr)
	require.NoError(t, err)
	cashier.onMessage(ctx, msg)
	got, err := payment.Decode(next(t, replies))
	require.NoError(t, err)
	assert.Equal(t, errorir.CodeMalformed, got.(payment.PaymentFailed).Code)

	qr.ApproverKey = payment.EncodeApproverKey(pub)
	msg, err = payment.CreateQuoteRequestMessage("requester", "provider", qr)
	require.NoError(t, err)
	cashier.onMessage(ctx, msg)
	got, err = payment.Decode(next(t, replies))
	require.NoError(t, err)
	q := got.(payment.Quote)
	require.NotNil(t, q.Escrow)
	a := *q.Escrow

	send := func(ap payment.EscrowApproval) payment.Payload {
		msg, err := payment.CreateEscrowApprovalMessage("requester", "provider", ap)
		require.NoError(t, err)
		cashier.onMessage(ctx, msg)
		got, err := payment.Decode(next(t, replies))
		require.NoError(t, err)
		return got
	}

	_, stranger, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	forged, err := payment.SignEscrowApproval(a, a.Milestones[0].ID, stranger, time.Now())
	require.NoError(t, err)
	assert.Equal(t, errorir.CodeUnauthorized, send(forged).(payment.PaymentFailed).Code)

	ap, err := payment.SignEscrowApproval(a, a.Milestones[0].ID, key, time.Now())
	require.NoError(t, err)
	inv, ok := send(ap).(payment.Invoice)
	require.True(t, ok)
	assert.Equal(t, "0.1 ETH", inv.Amount.String())
	assert.Equal(t, errorir.CodeAlreadyProcessed, send(ap).(payment.PaymentFailed).Code)

	held, ok := cashier.Escrow(a.ID)
	require.True(t, ok)
	assert.True(t, held.Outstanding())

	// A restarted cashier picks up where it left off.
	restarted, err := NewCashier(hub.Join("provider"), settlement.NewDevnetWallet("0x1"), CashierConfig{
		Recipient: "0xprovider", ChainID: 1, Capabilities: []mesh.Capability{escrowed},
	})
	require.NoError(t, err)
	other := a
	other.ID, other.Recipient = "someone-elses", "0xelse"
	assert.Equal(t, 1, restarted.Restore([]payment.EscrowAgreement{held, other}))
}
