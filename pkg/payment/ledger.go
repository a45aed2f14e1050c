package payment

import (
	"time"

	"github.com/google/uuid"
)

// LedgerKind names the agreement an obligation came from.
type LedgerKind string

const (
	LedgerStreaming LedgerKind = "streaming"
	LedgerEscrow    LedgerKind = "escrow"
)

// LedgerStatus is the settlement state of an entry. Settled and failed are terminal.
type LedgerStatus string

const (
	StatusPending LedgerStatus = "pending"
	StatusSettled LedgerStatus = "settled"
	StatusFailed  LedgerStatus = "failed"
)

func (s LedgerStatus) Terminal() bool { return s == StatusSettled || s == StatusFailed }

// LedgerEntry records an off-chain obligation awaiting settlement.
type LedgerEntry struct {
	ID         string       `json:"id"`
	Kind       LedgerKind   `json:"kind"`
	ChainID    int64        `json:"chain_id"`
	Token      string       `json:"token"`
	Amount     Money        `json:"amount"`
	Recipient  string       `json:"recipient"`
	Payer      string       `json:"payer"`
	JobID      string       `json:"job_id"`
	SourceID   string       `json:"source_id"`
	Status     LedgerStatus `json:"status"`
	TxHash     string       `json:"tx_hash,omitempty"`
	RetryCount int          `json:"retry_count"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func newLedgerEntry(kind LedgerKind, sourceID, jobID, payer, recipient string, chainID int64, amount Money, now time.Time) LedgerEntry {
	return LedgerEntry{
		ID:        uuid.NewString(),
		Kind:      kind,
		ChainID:   chainID,
		Token:     amount.Currency,
		Amount:    amount,
		Recipient: recipient,
		Payer:     payer,
		JobID:     jobID,
		SourceID:  sourceID,
		Status:    StatusPending,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

// Settled returns the entry marked settled by txHash.
func (e LedgerEntry) Settled(txHash string, now time.Time) LedgerEntry {
	e.Status = StatusSettled
	e.TxHash = txHash
	e.UpdatedAt = now.UTC()
	return e
}

// Failed returns the entry marked terminally failed after retries attempts.
func (e LedgerEntry) Failed(retries int, now time.Time) LedgerEntry {
	e.Status = StatusFailed
	e.RetryCount = retries
	e.UpdatedAt = now.UTC()
	return e
}

// Invoice builds the invoice a settlement of this entry pays.
func (e LedgerEntry) Invoice(ttl time.Duration, now time.Time) (Invoice, error) {
	return CreateInvoice(InvoiceParams{
		JobID:     e.JobID,
		ChainID:   e.ChainID,
		Amount:    e.Amount,
		Recipient: e.Recipient,
		TTL:       ttl,
		Now:       now,
	})
}
