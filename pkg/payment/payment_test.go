package payment

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dileet/ecco-sub003/pkg/errorir"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testInvoice(t *testing.T, ttl time.Duration) Invoice {
	t.Helper()
	inv, err := CreateInvoice(InvoiceParams{
		JobID:     "job-1",
		ChainID:   31337,
		Amount:    MustParseMoney("0.5", "ETH"),
		Recipient: "0xprovider",
		TTL:       ttl,
		Now:       t0,
	})
	require.NoError(t, err)
	return inv
}

func TestCreateInvoice(t *testing.T) {
	inv := testInvoice(t, 0)
	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, "ETH", inv.Token)
	assert.Equal(t, t0.Add(DefaultInvoiceTTL), inv.Expiry)

	_, err := CreateInvoice(InvoiceParams{JobID: "j", Recipient: "r", Amount: Zero("ETH")})
	assert.True(t, errors.Is(err, errorir.ErrMalformed))
	_, err = CreateInvoice(InvoiceParams{Recipient: "r", Amount: MustParseMoney("1", "ETH")})
	assert.True(t, errors.Is(err, errorir.ErrMalformed))
}

func TestValidateInvoice_Expiry(t *testing.T) {
	inv := testInvoice(t, time.Minute)
	assert.NoError(t, ValidateInvoice(inv, t0))
	assert.NoError(t, ValidateInvoice(inv, inv.Expiry))

	inv.Expiry = t0.Add(-time.Millisecond)
	err := ValidateInvoice(inv, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorir.ErrExpired))
}

type verifierFunc func(ctx context.Context, p PaymentProof, inv Invoice) (bool, error)

func (f verifierFunc) VerifyPayment(ctx context.Context, p PaymentProof, inv Invoice) (bool, error) {
	return f(ctx, p, inv)
}

func TestInvoiceBook_AcceptProof(t *testing.T) {
	book := NewInvoiceBook()
	book.now = func() time.Time { return t0 }
	inv := testInvoice(t, time.Minute)
	require.NoError(t, book.Add(inv))
	assert.True(t, errors.Is(book.Add(inv), errorir.ErrAlreadyProcessed))

	accept := verifierFunc(func(context.Context, PaymentProof, Invoice) (bool, error) { return true, nil })
	reject := verifierFunc(func(context.Context, PaymentProof, Invoice) (bool, error) { return false, nil })
	broken := verifierFunc(func(context.Context, PaymentProof, Invoice) (bool, error) { return false, errors.New("rpc down") })
	proof := PaymentProof{InvoiceID: inv.ID, TxHash: "0xabc", ChainID: 31337}

	_, err := book.AcceptProof(context.Background(), PaymentProof{InvoiceID: "missing"}, accept)
	assert.True(t, errors.Is(err, errorir.ErrNotFound))

	_, err = book.AcceptProof(context.Background(), proof, reject)
	assert.True(t, errors.Is(err, errorir.ErrVerificationFailed))
	assert.Contains(t, err.Error(), "0xabc")

	_, err = book.AcceptProof(context.Background(), proof, broken)
	assert.True(t, errors.Is(err, errorir.ErrVerificationFailed))
	assert.False(t, book.Paid(inv.ID))

	got, err := book.AcceptProof(context.Background(), proof, accept)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
	assert.True(t, book.Paid(inv.ID))
	assert.Empty(t, book.Pending())

	_, err = book.AcceptProof(context.Background(), proof, accept)
	assert.True(t, errors.Is(err, errorir.ErrAlreadyProcessed))
}

func TestInvoiceBook_ExpiredAndConcurrent(t *testing.T) {
	book := NewInvoiceBook()
	book.now = func() time.Time { return t0.Add(time.Hour) }
	stale := testInvoice(t, time.Minute)
	require.NoError(t, book.Add(stale))
	_, err := book.AcceptProof(context.Background(), PaymentProof{InvoiceID: stale.ID}, verifierFunc(
		func(context.Context, PaymentProof, Invoice) (bool, error) { return true, nil }))
	assert.True(t, errors.Is(err, errorir.ErrExpired))

	book.now = func() time.Time { return t0 }
	fresh := testInvoice(t, time.Minute)
	require.NoError(t, book.Add(fresh))
	release := make(chan struct{})
	slow := verifierFunc(func(context.Context, PaymentProof, Invoice) (bool, error) {
		<-release
		return true, nil
	})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := book.AcceptProof(context.Background(), PaymentProof{InvoiceID: fresh.ID, TxHash: "0x1"}, slow)
			results <- err
		}()
	}
	// One proof is parked in the verifier; the other must be turned away.
	first := <-results
	assert.True(t, errors.Is(first, errorir.ErrAlreadyProcessed))
	close(release)
	second := <-results
	require.NoError(t, second)
	assert.True(t, book.Paid(fresh.ID))
}

func TestInvoiceBook_SnapshotLoad(t *testing.T) {
	book := NewInvoiceBook()
	a, b := testInvoice(t, 0), testInvoice(t, 0)
	require.NoError(t, book.Add(a))
	require.NoError(t, book.Add(b))
	book.now = func() time.Time { return t0 }
	_, err := book.AcceptProof(context.Background(), PaymentProof{InvoiceID: a.ID}, verifierFunc(
		func(context.Context, PaymentProof, Invoice) (bool, error) { return true, nil }))
	require.NoError(t, err)

	restored := NewInvoiceBook()
	restored.Load(book.Snapshot())
	assert.True(t, restored.Paid(a.ID))
	assert.False(t, restored.Paid(b.ID))
	require.Len(t, restored.Pending(), 1)
	assert.Equal(t, b.ID, restored.Pending()[0].ID)
}

func testEscrow(t *testing.T, requiresApproval bool) EscrowAgreement {
	t.Helper()
	a, err := CreateEscrowAgreement(EscrowParams{
		JobID:            "job-9",
		Payer:            "0xpayer",
		Recipient:        "0xprovider",
		ChainID:          31337,
		Total:            MustParseMoney("1", "ETH"),
		Milestones:       []Money{MustParseMoney("0.25", "ETH"), MustParseMoney("0.75", "ETH")},
		RequiresApproval: requiresApproval,
		Approver:         "0xarbiter",
		Now:              t0,
	})
	require.NoError(t, err)
	return a
}

func TestCreateEscrowAgreement_MilestonesMustSum(t *testing.T) {
	_, err := CreateEscrowAgreement(EscrowParams{
		JobID: "j", Payer: "p", Recipient: "r",
		Total:      MustParseMoney("1", "ETH"),
		Milestones: []Money{MustParseMoney("0.5", "ETH")},
	})
	assert.True(t, errors.Is(err, errorir.ErrMalformed))

	_, err = CreateEscrowAgreement(EscrowParams{
		JobID: "j", Payer: "p", Recipient: "r", RequiresApproval: true,
		Total:      MustParseMoney("1", "ETH"),
		Milestones: []Money{MustParseMoney("1", "ETH")},
	})
	assert.True(t, errors.Is(err, errorir.ErrMalformed))

	a := testEscrow(t, false)
	assert.Len(t, a.Milestones, 2)
	assert.True(t, a.Released().IsZero())
}

func TestReleaseEscrowMilestone(t *testing.T) {
	a := testEscrow(t, false)
	first := a.Milestones[0]

	next, inv, err := ReleaseEscrowMilestone(a, first.ID, "0xpayer", t0)
	require.NoError(t, err)
	assert.True(t, inv.Amount.Equal(first.Amount))
	assert.Equal(t, "0xprovider", inv.Recipient)
	assert.True(t, next.Milestones[0].Released)
	assert.False(t, next.Milestones[1].Released, "releasing one milestone leaves the others alone")
	assert.False(t, a.Milestones[0].Released, "input agreement is not mutated")
	assert.Equal(t, "0.25", next.Released().Decimal())

	_, _, err = ReleaseEscrowMilestone(next, first.ID, "0xpayer", t0)
	assert.True(t, errors.Is(err, errorir.ErrAlreadyProcessed))

	_, _, err = ReleaseEscrowMilestone(next, "nope", "0xpayer", t0)
	assert.True(t, errors.Is(err, errorir.ErrNotFound))

	_, _, err = ReleaseEscrowMilestone(next, next.Milestones[1].ID, "0xprovider", t0)
	assert.True(t, errors.Is(err, errorir.ErrUnauthorized))

	entry, err := next.LedgerEntry(first.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, LedgerEscrow, entry.Kind)
	assert.Equal(t, StatusPending, entry.Status)
	assert.True(t, entry.Amount.Equal(first.Amount))

	_, err = next.LedgerEntry(next.Milestones[1].ID, t0)
	assert.True(t, errors.Is(err, errorir.ErrMalformed))
}

func TestEscrowApproval(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a := testEscrow(t, true)
	ms := a.Milestones[1].ID

	ap, err := SignEscrowApproval(a, ms, priv, t0)
	require.NoError(t, err)
	assert.Equal(t, "0xarbiter", ap.Approver)

	caller, err := VerifyEscrowApproval(a, ap, pub, t0.Add(time.Minute))
	require.NoError(t, err)
	next, inv, err := ReleaseEscrowMilestone(a, ms, caller, t0)
	require.NoError(t, err)
	assert.True(t, next.Milestones[1].Released)
	assert.Equal(t, "0.75", inv.Amount.Decimal())

	_, err = VerifyEscrowApproval(a, ap, pub, t0.Add(ApprovalTTL+time.Minute))
	assert.True(t, errors.Is(err, errorir.ErrUnauthorized), "expired approval")

	forged, err := SignEscrowApproval(a, ms, otherPriv, t0)
	require.NoError(t, err)
	_, err = VerifyEscrowApproval(a, forged, pub, t0)
	assert.True(t, errors.Is(err, errorir.ErrUnauthorized), "wrong key")

	swapped := ap
	swapped.MilestoneID = a.Milestones[0].ID
	_, err = VerifyEscrowApproval(a, swapped, pub, t0)
	assert.True(t, errors.Is(err, errorir.ErrUnauthorized), "milestone mismatch")

	other := testEscrow(t, true)
	_, err = VerifyEscrowApproval(other, ap, pub, t0)
	assert.True(t, errors.Is(err, errorir.ErrUnauthorized), "different agreement")
}

func TestStreamingTicks(t *testing.T) {
	rate := MustParseMoney("0.0001", "ETH")
	a, err := CreateStreamingAgreement("job-s", "0xpayer", "0xprovider", 31337, rate, t0)
	require.NoError(t, err)

	for _, n := range []int64{10, 15, 20, 25, 30} {
		var tick StreamingTick
		a, tick, err = RecordStreamingTick(a, n, t0)
		require.NoError(t, err)
		assert.True(t, tick.AmountOwed.Equal(rate.MulInt(n)), "tick owes only its own tokens")
		assert.True(t, tick.Accumulated.Equal(a.AccumulatedAmount))
		assert.Equal(t, "job-s", tick.JobID)
		assert.Equal(t, "0xprovider", tick.Recipient)
	}
	assert.Equal(t, int64(100), a.TokensGenerated)
	assert.Equal(t, int64(5), a.Ticks)
	assert.True(t, a.AccumulatedAmount.Equal(MustParseMoney("0.01", "ETH")))
	assert.True(t, a.AccumulatedAmount.Equal(rate.MulInt(100)))

	_, _, err = RecordStreamingTick(a, -1, t0)
	assert.True(t, errors.Is(err, errorir.ErrMalformed))

	closed, entry, ok, err := CloseStreamingAgreement(a, t0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, closed.Closed())
	assert.Equal(t, LedgerStreaming, entry.Kind)
	assert.Equal(t, "0.01", entry.Amount.Decimal())
	assert.Equal(t, a.ID, entry.SourceID)

	_, _, err = RecordStreamingTick(closed, 1, t0)
	assert.True(t, errors.Is(err, errorir.ErrAlreadyProcessed))
	_, _, _, err = CloseStreamingAgreement(closed, t0)
	assert.True(t, errors.Is(err, errorir.ErrAlreadyProcessed))

	idle, err := CreateStreamingAgreement("job-idle", "0xpayer", "0xprovider", 1, rate, t0)
	require.NoError(t, err)
	_, _, ok, err = CloseStreamingAgreement(idle, t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateQuote(t *testing.T) {
	req, err := CreateQuoteRequest("job-q", "agent", "assistant", 1, "USDC", 2000)
	require.NoError(t, err)

	q, err := CreateQuote(req, PricingStreaming, MustParseMoney("0.001", "USDC"), "0xprovider", time.Minute, t0)
	require.NoError(t, err)
	assert.Equal(t, "2", q.Amount.Decimal())
	require.NotNil(t, q.RatePerToken)
	assert.False(t, q.Expired(t0))
	assert.True(t, q.Expired(t0.Add(2*time.Minute)))

	_, err = CreateQuote(req, PricingFixed, MustParseMoney("1", "ETH"), "0xprovider", time.Minute, t0)
	assert.True(t, errors.Is(err, errorir.ErrMalformed))
	_, err = CreateQuote(req, "auction", MustParseMoney("1", "USDC"), "0xprovider", time.Minute, t0)
	assert.True(t, errors.Is(err, errorir.ErrMalformed))
	_, err = CreateQuoteRequest("", "agent", "assistant", 1, "USDC", 0)
	assert.True(t, errors.Is(err, errorir.ErrMalformed))
}

func TestEscrowApproveThenRelease(t *testing.T) {
	a := testEscrow(t, false)
	first, second := a.Milestones[0].ID, a.Milestones[1].ID
	assert.True(t, a.Outstanding())

	approved, err := a.Approve(first)
	require.NoError(t, err)
	assert.True(t, approved.Milestones[0].Approved)
	assert.False(t, a.Milestones[0].Approved, "input agreement is not mutated")
	assert.False(t, approved.Milestones[0].Released, "approval alone moves no funds")

	released, err := approved.Release(first, "0xpayer", t0)
	require.NoError(t, err)
	require.NotNil(t, released.Milestones[0].ReleasedAt)
	_, err = released.Approve(first)
	assert.True(t, errors.Is(err, errorir.ErrAlreadyProcessed))
	_, err = released.Approve("nope")
	assert.True(t, errors.Is(err, errorir.ErrNotFound))

	released, err = released.Release(second, "0xpayer", t0)
	require.NoError(t, err)
	assert.False(t, released.Outstanding())
}

func TestApproverKeyEncoding(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	got, err := DecodeApproverKey(EncodeApproverKey(pub))
	require.NoError(t, err)
	assert.True(t, pub.Equal(got))

	_, err = DecodeApproverKey("not base64!")
	assert.True(t, errors.Is(err, errorir.ErrMalformed))
	_, err = DecodeApproverKey(EncodeApproverKey(pub[:16]))
	assert.True(t, errors.Is(err, errorir.ErrMalformed))
}

func TestRenewedInvoiceKeepsID(t *testing.T) {
	inv := testInvoice(t, time.Minute)
	later := t0.Add(time.Hour)
	require.Error(t, ValidateInvoice(inv, later))

	renewed := inv.Renewed(time.Minute, later)
	assert.Equal(t, inv.ID, renewed.ID)
	assert.NoError(t, ValidateInvoice(renewed, later))
	assert.True(t, renewed.Amount.Equal(inv.Amount))
}
