package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dileet/ecco-sub003/pkg/errorir"
)

// DefaultInvoiceTTL bounds how long an invoice may be paid after issue.
const DefaultInvoiceTTL = 15 * time.Minute

// Invoice is an immutable request for payment, valid until Expiry.
type Invoice struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	ChainID   int64     `json:"chain_id"`
	Amount    Money     `json:"amount"`
	Token     string    `json:"token"`
	Recipient string    `json:"recipient"`
	Expiry    time.Time `json:"expiry"`
	CreatedAt time.Time `json:"created_at"`
}

// InvoiceParams describes a new invoice. TTL defaults to DefaultInvoiceTTL.
type InvoiceParams struct {
	JobID     string
	ChainID   int64
	Amount    Money
	Recipient string
	TTL       time.Duration
	Now       time.Time
}

// CreateInvoice validates params and mints an invoice with a fresh id.
func CreateInvoice(p InvoiceParams) (Invoice, error) {
	switch {
	case p.JobID == "":
		return Invoice{}, errorir.Malformed("invoice requires a job id")
	case p.Recipient == "":
		return Invoice{}, errorir.Malformed("invoice requires a recipient")
	case p.Amount.Currency == "":
		return Invoice{}, errorir.Malformed("invoice requires a token")
	case !p.Amount.IsPositive():
		return Invoice{}, errorir.Malformed("invoice amount must be positive, got %s", p.Amount)
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultInvoiceTTL
	}
	return Invoice{
		ID:        uuid.NewString(),
		JobID:     p.JobID,
		ChainID:   p.ChainID,
		Amount:    p.Amount,
		Token:     p.Amount.Currency,
		Recipient: p.Recipient,
		Expiry:    now.Add(ttl).UTC(),
		CreatedAt: now.UTC(),
	}, nil
}

// ValidateInvoice fails with ErrExpired once now is past the invoice expiry.
func ValidateInvoice(inv Invoice, now time.Time) error {
	if now.After(inv.Expiry) {
		return errorir.Expired("invoice %s expired at %s", inv.ID, inv.Expiry.Format(time.RFC3339))
	}
	return nil
}

// Renewed returns inv with its expiry moved to now+ttl. The id is kept, so a
// wallet still rejects paying the renewed invoice twice.
func (inv Invoice) Renewed(ttl time.Duration, now time.Time) Invoice {
	if ttl <= 0 {
		ttl = DefaultInvoiceTTL
	}
	inv.Expiry = now.Add(ttl).UTC()
	return inv
}

// Verifier confirms that a proof pays an invoice. It is usually the Wallet.
type Verifier interface {
	VerifyPayment(ctx context.Context, proof PaymentProof, inv Invoice) (bool, error)
}

type invoiceState int

const (
	invoicePending invoiceState = iota
	invoiceVerifying
	invoicePaid
)

type bookEntry struct {
	invoice Invoice
	state   invoiceState
}

// InvoiceBook holds the invoices this node has issued and enforces that
// each one is honored at most once.
type InvoiceBook struct {
	mu      sync.Mutex
	entries map[string]*bookEntry
	now     func() time.Time
}

func NewInvoiceBook() *InvoiceBook {
	return &InvoiceBook{entries: make(map[string]*bookEntry), now: time.Now}
}

// Add registers an issued invoice. Re-adding a known id is rejected.
func (b *InvoiceBook) Add(inv Invoice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[inv.ID]; ok {
		return errorir.AlreadyProcessed("invoice %s already issued", inv.ID)
	}
	b.entries[inv.ID] = &bookEntry{invoice: inv}
	return nil
}

func (b *InvoiceBook) Get(id string) (Invoice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return Invoice{}, false
	}
	return e.invoice, true
}

// Paid reports whether a proof for id has been accepted.
func (b *InvoiceBook) Paid(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	return ok && e.state == invoicePaid
}

// AcceptProof checks proof against the pending invoice it names and, if the
// verifier agrees, marks the invoice paid. The invoice is reserved while the
// verifier runs so a concurrent duplicate proof is rejected.
func (b *InvoiceBook) AcceptProof(ctx context.Context, proof PaymentProof, v Verifier) (Invoice, error) {
	b.mu.Lock()
	e, ok := b.entries[proof.InvoiceID]
	if !ok {
		b.mu.Unlock()
		return Invoice{}, errorir.NotFound("invoice %s", proof.InvoiceID)
	}
	if e.state != invoicePending {
		b.mu.Unlock()
		return Invoice{}, errorir.AlreadyProcessed("invoice %s already paid", proof.InvoiceID)
	}
	if err := ValidateInvoice(e.invoice, b.now()); err != nil {
		b.mu.Unlock()
		return Invoice{}, err
	}
	e.state = invoiceVerifying
	inv := e.invoice
	b.mu.Unlock()

	ok, err := v.VerifyPayment(ctx, proof, inv)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil || !ok {
		e.state = invoicePending
		if err != nil {
			return Invoice{}, errorir.Wrap(errorir.ErrVerificationFailed, err, "payment proof for invoice %s", inv.ID)
		}
		return Invoice{}, errorir.VerificationFailed("wallet rejected transaction " + proof.TxHash)
	}
	e.state = invoicePaid
	return inv, nil
}

// Pending lists unpaid invoices ordered by creation time.
func (b *InvoiceBook) Pending() []Invoice {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Invoice
	for _, e := range b.entries {
		if e.state != invoicePaid {
			out = append(out, e.invoice)
		}
	}
	sortInvoices(out)
	return out
}

// InvoiceRecord is the persisted form of a book entry.
type InvoiceRecord struct {
	Invoice Invoice `json:"invoice"`
	Paid    bool    `json:"paid"`
}

func (b *InvoiceBook) Snapshot() []InvoiceRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]InvoiceRecord, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, InvoiceRecord{Invoice: e.invoice, Paid: e.state == invoicePaid})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Invoice.CreatedAt.Equal(out[j].Invoice.CreatedAt) {
			return out[i].Invoice.CreatedAt.Before(out[j].Invoice.CreatedAt)
		}
		return out[i].Invoice.ID < out[j].Invoice.ID
	})
	return out
}

// Load replaces the book contents with persisted records.
func (b *InvoiceBook) Load(records []InvoiceRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*bookEntry, len(records))
	for _, r := range records {
		st := invoicePending
		if r.Paid {
			st = invoicePaid
		}
		b.entries[r.Invoice.ID] = &bookEntry{invoice: r.Invoice, state: st}
	}
}

func sortInvoices(in []Invoice) {
	sort.Slice(in, func(i, j int) bool {
		if !in[i].CreatedAt.Equal(in[j].CreatedAt) {
			return in[i].CreatedAt.Before(in[j].CreatedAt)
		}
		return in[i].ID < in[j].ID
	})
}
