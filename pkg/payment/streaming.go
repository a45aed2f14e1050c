package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/dileet/ecco-sub003/pkg/errorir"
)

// StreamingAgreement accrues a per-token fee as a provider generates output.
// AccumulatedAmount only grows and always equals the sum of recorded ticks.
type StreamingAgreement struct {
	ID                string     `json:"id"`
	JobID             string     `json:"job_id"`
	Payer             string     `json:"payer"`
	Recipient         string     `json:"recipient"`
	ChainID           int64      `json:"chain_id"`
	Token             string     `json:"token"`
	RatePerToken      Money      `json:"rate_per_token"`
	AccumulatedAmount Money      `json:"accumulated_amount"`
	TokensGenerated   int64      `json:"tokens_generated"`
	Ticks             int64      `json:"ticks"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// StreamingTick is the charge for one batch of generated tokens.
type StreamingTick struct {
	AgreementID     string    `json:"agreement_id"`
	JobID           string    `json:"job_id,omitempty"`
	Recipient       string    `json:"recipient,omitempty"`
	Sequence        int64     `json:"sequence"`
	TokensGenerated int64     `json:"tokens_generated"`
	AmountOwed      Money     `json:"amount_owed"`
	Accumulated     Money     `json:"accumulated"`
	Timestamp       time.Time `json:"timestamp"`
}

func CreateStreamingAgreement(jobID, payer, recipient string, chainID int64, ratePerToken Money, now time.Time) (StreamingAgreement, error) {
	if jobID == "" || payer == "" || recipient == "" {
		return StreamingAgreement{}, errorir.Malformed("streaming agreement requires job id, payer and recipient")
	}
	if !ratePerToken.IsPositive() {
		return StreamingAgreement{}, errorir.Malformed("rate per token must be positive")
	}
	return StreamingAgreement{
		ID:                uuid.NewString(),
		JobID:             jobID,
		Payer:             payer,
		Recipient:         recipient,
		ChainID:           chainID,
		Token:             ratePerToken.Currency,
		RatePerToken:      ratePerToken,
		AccumulatedAmount: Zero(ratePerToken.Currency),
		CreatedAt:         now.UTC(),
	}, nil
}

func (a StreamingAgreement) Closed() bool { return a.ClosedAt != nil }

// RecordStreamingTick charges tokens at the agreement rate. The returned
// tick owes only this batch; the agreement carries the running total.
func RecordStreamingTick(a StreamingAgreement, tokens int64, now time.Time) (StreamingAgreement, StreamingTick, error) {
	if a.Closed() {
		return a, StreamingTick{}, errorir.AlreadyProcessed("streaming agreement %s is closed", a.ID)
	}
	if tokens < 0 {
		return a, StreamingTick{}, errorir.Malformed("tick token count must not be negative, got %d", tokens)
	}
	owed := a.RatePerToken.MulInt(tokens)
	acc, err := a.AccumulatedAmount.Add(owed)
	if err != nil {
		return a, StreamingTick{}, errorir.Wrap(errorir.ErrMalformed, err, "streaming agreement %s", a.ID)
	}
	next := a
	next.AccumulatedAmount = acc
	next.TokensGenerated += tokens
	next.Ticks++
	return next, StreamingTick{
		AgreementID:     a.ID,
		JobID:           a.JobID,
		Recipient:       a.Recipient,
		Sequence:        next.Ticks,
		TokensGenerated: tokens,
		AmountOwed:      owed,
		Accumulated:     acc,
		Timestamp:       now.UTC(),
	}, nil
}

// CloseStreamingAgreement stops accrual and returns the ledger entry for
// the accumulated amount. An agreement with nothing owed closes without an
// entry (ok is false).
func CloseStreamingAgreement(a StreamingAgreement, now time.Time) (closed StreamingAgreement, entry LedgerEntry, ok bool, err error) {
	if a.Closed() {
		return a, LedgerEntry{}, false, errorir.AlreadyProcessed("streaming agreement %s is closed", a.ID)
	}
	at := now.UTC()
	closed = a
	closed.ClosedAt = &at
	if a.AccumulatedAmount.IsZero() {
		return closed, LedgerEntry{}, false, nil
	}
	entry = newLedgerEntry(LedgerStreaming, a.ID, a.JobID, a.Payer, a.Recipient, a.ChainID, a.AccumulatedAmount, now)
	return closed, entry, true, nil
}
