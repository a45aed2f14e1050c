package payment

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/mesh"
)

func TestDecode_RoundTripsEveryKind(t *testing.T) {
	inv := testInvoice(t, 0)
	req, err := CreateQuoteRequest("job", "agent", "assistant", 1, "ETH", 10)
	require.NoError(t, err)
	quote, err := CreateQuote(req, PricingStreaming, MustParseMoney("0.001", "ETH"), "0xprovider", 0, t0)
	require.NoError(t, err)
	stream, err := CreateStreamingAgreement("job", "0xpayer", "0xprovider", 1, MustParseMoney("0.0001", "ETH"), t0)
	require.NoError(t, err)
	_, tick, err := RecordStreamingTick(stream, 42, t0)
	require.NoError(t, err)

	payloads := []Payload{
		req,
		quote,
		inv,
		PaymentProof{InvoiceID: inv.ID, TxHash: "0xdeadbeef", ChainID: 1},
		PaymentVerified{InvoiceID: inv.ID, TxHash: "0xdeadbeef"},
		PaymentFailed{InvoiceID: inv.ID, Reason: "insufficient funds", Code: errorir.CodeVerificationFailed},
		EscrowApproval{AgreementID: "a", MilestoneID: "m", Approver: "0xarbiter", Token: "aaa.bbb.ccc"},
		tick,
	}
	for _, p := range payloads {
		t.Run(string(p.Kind()), func(t *testing.T) {
			msg, err := NewMessage("buyer", "seller", p)
			require.NoError(t, err)
			assert.Equal(t, p.Kind(), msg.Type)

			got, err := Decode(msg)
			require.NoError(t, err)
			assert.Equal(t, p.Kind(), got.Kind())
			assert.IsType(t, p, got)
		})
	}
}

func TestDecode_TypedSwitch(t *testing.T) {
	inv := testInvoice(t, 0)
	msg, err := CreateInvoiceMessage("seller", "buyer", inv)
	require.NoError(t, err)

	p, err := Decode(msg)
	require.NoError(t, err)
	switch v := p.(type) {
	case Invoice:
		assert.Equal(t, inv.ID, v.ID)
		assert.True(t, v.Amount.Equal(inv.Amount))
		assert.True(t, v.Expiry.Equal(inv.Expiry))
	default:
		t.Fatalf("decoded %T", p)
	}
}

func TestPredicates_RejectIncompletePayloads(t *testing.T) {
	inv := testInvoice(t, 0)
	good, err := CreateInvoiceMessage("seller", "buyer", inv)
	require.NoError(t, err)
	assert.True(t, IsInvoiceMessage(good))
	assert.False(t, IsPaymentProofMessage(good), "discriminant must match")

	missing := good
	missing.Payload = json.RawMessage(`{"id":"x","job_id":"j","chain_id":1,"token":"ETH","recipient":"r","expiry":"2026-01-01T00:00:00Z"}`)
	assert.False(t, IsInvoiceMessage(missing))
	_, err = Decode(missing)
	assert.True(t, errors.Is(err, errorir.ErrMalformed))

	proof, err := CreatePaymentProofMessage("buyer", "seller", PaymentProof{InvoiceID: inv.ID, TxHash: "not-hex", ChainID: 1})
	require.NoError(t, err)
	assert.False(t, IsPaymentProofMessage(proof))

	badJWT, err := CreateEscrowApprovalMessage("a", "b", EscrowApproval{AgreementID: "a", MilestoneID: "m", Approver: "x", Token: "nope"})
	require.NoError(t, err)
	assert.False(t, IsEscrowApprovalMessage(badJWT))

	empty := mesh.Message{Type: mesh.KindStreamingTick}
	assert.False(t, IsStreamingTickMessage(empty))

	agent := mesh.Message{Type: mesh.KindAgentRequest, Payload: json.RawMessage(`{}`)}
	_, err = Decode(agent)
	assert.True(t, errors.Is(err, errorir.ErrMalformed))
}
