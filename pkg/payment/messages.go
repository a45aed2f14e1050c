package payment

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/mesh"
)

// PaymentProof claims that TxHash pays InvoiceID on ChainID.
type PaymentProof struct {
	InvoiceID string `json:"invoice_id"`
	TxHash    string `json:"tx_hash"`
	ChainID   int64  `json:"chain_id"`
	Payer     string `json:"payer,omitempty"`
}

// PaymentVerified acknowledges an accepted proof.
type PaymentVerified struct {
	InvoiceID string `json:"invoice_id"`
	TxHash    string `json:"tx_hash"`
}

// PaymentFailed reports a rejected proof. Code is the errorir code when known.
type PaymentFailed struct {
	InvoiceID string `json:"invoice_id"`
	Reason    string `json:"reason"`
	Code      string `json:"code,omitempty"`
}

// Payload is the closed set of payment protocol bodies. Decode returns one of
// QuoteRequest, Quote, Invoice, PaymentProof, PaymentVerified, PaymentFailed,
// EscrowApproval or StreamingTick.
type Payload interface {
	Kind() mesh.Kind
	payload()
}

func (QuoteRequest) Kind() mesh.Kind    { return mesh.KindRequestQuote }
func (Quote) Kind() mesh.Kind           { return mesh.KindQuote }
func (Invoice) Kind() mesh.Kind         { return mesh.KindInvoice }
func (PaymentProof) Kind() mesh.Kind    { return mesh.KindPaymentProof }
func (PaymentVerified) Kind() mesh.Kind { return mesh.KindPaymentVerified }
func (PaymentFailed) Kind() mesh.Kind   { return mesh.KindPaymentFailed }
func (EscrowApproval) Kind() mesh.Kind  { return mesh.KindEscrowApproval }
func (StreamingTick) Kind() mesh.Kind   { return mesh.KindStreamingTick }

func (QuoteRequest) payload()    {}
func (Quote) payload()           {}
func (Invoice) payload()         {}
func (PaymentProof) payload()    {}
func (PaymentVerified) payload() {}
func (PaymentFailed) payload()   {}
func (EscrowApproval) payload()  {}
func (StreamingTick) payload()   {}

// NewMessage wraps a payload in the wire envelope under its own kind.
func NewMessage(from, to mesh.PeerID, p Payload) (mesh.Message, error) {
	return mesh.NewMessage(from, to, p.Kind(), p)
}

func CreateQuoteRequestMessage(from, to mesh.PeerID, r QuoteRequest) (mesh.Message, error) {
	return NewMessage(from, to, r)
}

func CreateQuoteMessage(from, to mesh.PeerID, q Quote) (mesh.Message, error) {
	return NewMessage(from, to, q)
}

func CreateInvoiceMessage(from, to mesh.PeerID, inv Invoice) (mesh.Message, error) {
	return NewMessage(from, to, inv)
}

func CreatePaymentProofMessage(from, to mesh.PeerID, p PaymentProof) (mesh.Message, error) {
	return NewMessage(from, to, p)
}

func CreateEscrowApprovalMessage(from, to mesh.PeerID, a EscrowApproval) (mesh.Message, error) {
	return NewMessage(from, to, a)
}

func CreateStreamingTickMessage(from, to mesh.PeerID, t StreamingTick) (mesh.Message, error) {
	return NewMessage(from, to, t)
}

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://swarm.schemas.local/payment/"

var (
	schemasOnce sync.Once
	schemas     map[mesh.Kind]*jsonschema.Schema
	schemasErr  error
)

var payloadKinds = []mesh.Kind{
	mesh.KindRequestQuote, mesh.KindQuote, mesh.KindInvoice, mesh.KindPaymentProof,
	mesh.KindPaymentVerified, mesh.KindPaymentFailed, mesh.KindEscrowApproval, mesh.KindStreamingTick,
}

func loadSchemas() (map[mesh.Kind]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = err
			return
		}
		for _, e := range entries {
			data, err := schemaFS.ReadFile("schemas/" + e.Name())
			if err != nil {
				schemasErr = err
				return
			}
			if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("payment schema load failed: %w", err)
				return
			}
		}
		out := make(map[mesh.Kind]*jsonschema.Schema, len(payloadKinds))
		for _, k := range payloadKinds {
			s, err := c.Compile(schemaBase + string(k) + ".schema.json")
			if err != nil {
				schemasErr = fmt.Errorf("payment schema compile failed: %w", err)
				return
			}
			out[k] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// validate checks the message payload against the schema for its kind.
func validate(msg mesh.Message) error {
	all, err := loadSchemas()
	if err != nil {
		return err
	}
	s, ok := all[msg.Type]
	if !ok {
		return errorir.Malformed("%q is not a payment message", msg.Type)
	}
	if len(msg.Payload) == 0 {
		return errorir.Malformed("%s message has no payload", msg.Type)
	}
	var doc any
	if err := json.Unmarshal(msg.Payload, &doc); err != nil {
		return errorir.Wrap(errorir.ErrMalformed, err, "%s payload is not JSON", msg.Type)
	}
	if err := s.Validate(doc); err != nil {
		return errorir.Wrap(errorir.ErrMalformed, err, "%s payload: %v", msg.Type, err)
	}
	return nil
}

// Decode validates msg and returns its typed payload. Callers switch on the
// concrete type; any message that fails structural validation is rejected.
func Decode(msg mesh.Message) (Payload, error) {
	if err := validate(msg); err != nil {
		return nil, err
	}
	var p Payload
	var err error
	switch msg.Type {
	case mesh.KindRequestQuote:
		p, err = decodeAs[QuoteRequest](msg)
	case mesh.KindQuote:
		p, err = decodeAs[Quote](msg)
	case mesh.KindInvoice:
		p, err = decodeAs[Invoice](msg)
	case mesh.KindPaymentProof:
		p, err = decodeAs[PaymentProof](msg)
	case mesh.KindPaymentVerified:
		p, err = decodeAs[PaymentVerified](msg)
	case mesh.KindPaymentFailed:
		p, err = decodeAs[PaymentFailed](msg)
	case mesh.KindEscrowApproval:
		p, err = decodeAs[EscrowApproval](msg)
	case mesh.KindStreamingTick:
		p, err = decodeAs[StreamingTick](msg)
	default:
		return nil, errorir.Malformed("%q is not a payment message", msg.Type)
	}
	if err != nil {
		return nil, errorir.Wrap(errorir.ErrMalformed, err, "%s payload", msg.Type)
	}
	return p, nil
}

func decodeAs[T Payload](msg mesh.Message) (T, error) {
	var v T
	err := msg.DecodePayload(msg.Type, &v)
	return v, err
}

func is(msg mesh.Message, kind mesh.Kind) bool {
	return msg.Type == kind && validate(msg) == nil
}

func IsQuoteRequestMessage(msg mesh.Message) bool    { return is(msg, mesh.KindRequestQuote) }
func IsQuoteMessage(msg mesh.Message) bool           { return is(msg, mesh.KindQuote) }
func IsInvoiceMessage(msg mesh.Message) bool         { return is(msg, mesh.KindInvoice) }
func IsPaymentProofMessage(msg mesh.Message) bool    { return is(msg, mesh.KindPaymentProof) }
func IsPaymentVerifiedMessage(msg mesh.Message) bool { return is(msg, mesh.KindPaymentVerified) }
func IsPaymentFailedMessage(msg mesh.Message) bool   { return is(msg, mesh.KindPaymentFailed) }
func IsEscrowApprovalMessage(msg mesh.Message) bool  { return is(msg, mesh.KindEscrowApproval) }
func IsStreamingTickMessage(msg mesh.Message) bool   { return is(msg, mesh.KindStreamingTick) }
