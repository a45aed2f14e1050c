package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/dileet/ecco-sub003/pkg/errorir"
	"github.com/dileet/ecco-sub003/pkg/payment"
)

// Wallet is the sole mutator of on-chain state. Implementations must reject
// a second payment of the same invoice id with errorir.ErrAlreadyProcessed.
type Wallet interface {
	Address() string
	Pay(ctx context.Context, inv payment.Invoice) (payment.PaymentProof, error)
	VerifyPayment(ctx context.Context, proof payment.PaymentProof, inv payment.Invoice) (bool, error)
	// Lookup returns the transfer recorded for invoiceID, if any.
	Lookup(ctx context.Context, invoiceID string) (payment.PaymentProof, bool, error)
}

type transfer struct {
	invoice payment.Invoice
	txHash  string
	at      time.Time
}

// DevnetWallet settles in process. Transaction hashes are Keccak-256 over
// the payer, invoice and chain, so the same invoice always hashes the same.
type DevnetWallet struct {
	address string

	mu        sync.Mutex
	transfers map[string]transfer
	// failNext counts upcoming Pay calls that fail.
	failNext int
}

func NewDevnetWallet(address string) *DevnetWallet {
	return &DevnetWallet{address: address, transfers: make(map[string]transfer)}
}

func (w *DevnetWallet) Address() string { return w.address }

// FailNext makes the next n payments fail as if the RPC endpoint were down.
func (w *DevnetWallet) FailNext(n int) {
	w.mu.Lock()
	w.failNext = n
	w.mu.Unlock()
}

func (w *DevnetWallet) Pay(ctx context.Context, inv payment.Invoice) (payment.PaymentProof, error) {
	if err := ctx.Err(); err != nil {
		return payment.PaymentProof{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext > 0 {
		w.failNext--
		return payment.PaymentProof{}, fmt.Errorf("devnet rpc unavailable")
	}
	if _, ok := w.transfers[inv.ID]; ok {
		return payment.PaymentProof{}, errorir.AlreadyProcessed("invoice %s already paid", inv.ID)
	}
	if err := payment.ValidateInvoice(inv, time.Now()); err != nil {
		return payment.PaymentProof{}, err
	}
	tx := txHash(w.address, inv)
	w.transfers[inv.ID] = transfer{invoice: inv, txHash: tx, at: time.Now()}
	return payment.PaymentProof{InvoiceID: inv.ID, TxHash: tx, ChainID: inv.ChainID, Payer: w.address}, nil
}

// VerifyPayment accepts a proof only if this wallet recorded the same
// transfer for the same invoice.
func (w *DevnetWallet) VerifyPayment(_ context.Context, proof payment.PaymentProof, inv payment.Invoice) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.transfers[proof.InvoiceID]
	if !ok {
		return false, nil
	}
	return proof.InvoiceID == inv.ID &&
		proof.TxHash == t.txHash &&
		proof.ChainID == inv.ChainID &&
		t.invoice.Amount.Equal(inv.Amount) &&
		t.invoice.Recipient == inv.Recipient, nil
}

func (w *DevnetWallet) Lookup(_ context.Context, invoiceID string) (payment.PaymentProof, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.transfers[invoiceID]
	if !ok {
		return payment.PaymentProof{}, false, nil
	}
	return payment.PaymentProof{InvoiceID: invoiceID, TxHash: t.txHash, ChainID: t.invoice.ChainID, Payer: w.address}, true, nil
}

// Transfers counts recorded payments.
func (w *DevnetWallet) Transfers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.transfers)
}

func txHash(payer string, inv payment.Invoice) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s", payer, inv.ID, inv.ChainID, inv.Recipient, inv.Amount.Minor(), inv.Token)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
