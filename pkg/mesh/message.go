package mesh

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates protocol messages on the wire.
type Kind string

const (
	KindAgentRequest    Kind = "agent-request"
	KindAgentResponse   Kind = "agent-response"
	KindRequestQuote    Kind = "request-quote"
	KindQuote           Kind = "quote"
	KindInvoice         Kind = "invoice"
	KindPaymentProof    Kind = "payment-proof"
	KindPaymentVerified Kind = "payment-verified"
	KindPaymentFailed   Kind = "payment-failed"
	KindEscrowApproval  Kind = "escrow-approval"
	KindStreamingTick   Kind = "streaming-tick"
	KindAnnounce        Kind = "announce"
)

// Message is the stable wire envelope.
type Message struct {
	ID        string          `json:"id"`
	From      PeerID          `json:"from"`
	To        PeerID          `json:"to,omitempty"`
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage marshals payload into a fresh envelope stamped with the current
// time in milliseconds.
func NewMessage(from, to PeerID, kind Kind, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      kind,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// DecodePayload unmarshals the payload after checking the discriminant.
func (m Message) DecodePayload(want Kind, v any) error {
	if m.Type != want {
		return fmt.Errorf("message %s: type %q, want %q", m.ID, m.Type, want)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s: empty payload", m.ID)
	}
	return json.Unmarshal(m.Payload, v)
}
