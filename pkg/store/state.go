package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dileet/ecco-sub003/pkg/latency"
	"github.com/dileet/ecco-sub003/pkg/payment"
	"github.com/dileet/ecco-sub003/pkg/reputation"
	"github.com/dileet/ecco-sub003/pkg/settlement"
)

// State is everything a node needs to resume after restart. Bloom filters
// are rebuilt from Reputation and are not stored.
type State struct {
	Reputation []reputation.Record          `json:"reputation"`
	Zones      []latency.Measurement        `json:"zones"`
	Ledger     []payment.LedgerEntry        `json:"ledger"`
	Intents    []settlement.Intent          `json:"intents"`
	Escrows    []payment.EscrowAgreement    `json:"escrows"`
	Streams    []payment.StreamingAgreement `json:"streams"`
	Invoices   []payment.InvoiceRecord      `json:"invoices"`
}

// SaveState writes state in one transaction. Rows not present in state are kept,
// except latency zones which are replaced wholesale.
func (s *SQLStore) SaveState(ctx context.Context, state State) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.saveReputation(ctx, tx, state.Reputation); err != nil {
			return err
		}
		if err := s.saveZones(ctx, tx, state.Zones); err != nil {
			return err
		}
		for _, e := range state.Ledger {
			if err := s.saveLedgerEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, in := range state.Intents {
			if err := s.saveIntent(ctx, tx, in); err != nil {
				return err
			}
		}
		for _, a := range state.Escrows {
			if err := s.saveDoc(ctx, tx, "escrow_agreements", a.ID, a.JobID, a.CreatedAt, a); err != nil {
				return err
			}
		}
		for _, a := range state.Streams {
			if err := s.saveDoc(ctx, tx, "streaming_agreements", a.ID, a.JobID, a.CreatedAt, a); err != nil {
				return err
			}
		}
		for _, r := range state.Invoices {
			if err := s.saveInvoice(ctx, tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) LoadState(ctx context.Context) (State, error) {
	var (
		state State
		err   error
	)
	if state.Reputation, err = s.LoadReputation(ctx); err != nil {
		return State{}, err
	}
	if state.Zones, err = s.LoadZones(ctx); err != nil {
		return State{}, err
	}
	if state.Ledger, err = loadDocs[payment.LedgerEntry](ctx, s.db, "ledger_entries"); err != nil {
		return State{}, err
	}
	if state.Intents, err = loadDocs[settlement.Intent](ctx, s.db, "settlement_intents"); err != nil {
		return State{}, err
	}
	if state.Escrows, err = loadDocs[payment.EscrowAgreement](ctx, s.db, "escrow_agreements"); err != nil {
		return State{}, err
	}
	if state.Streams, err = loadDocs[payment.StreamingAgreement](ctx, s.db, "streaming_agreements"); err != nil {
		return State{}, err
	}
	if state.Invoices, err = s.loadInvoices(ctx); err != nil {
		return State{}, err
	}
	return state, nil
}

func (s *SQLStore) loadInvoices(ctx context.Context) ([]payment.InvoiceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT paid, doc FROM invoices ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load invoices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []payment.InvoiceRecord
	for rows.Next() {
		var (
			paid int64
			doc  string
		)
		if err := rows.Scan(&paid, &doc); err != nil {
			return nil, err
		}
		var inv payment.Invoice
		if err := json.Unmarshal([]byte(doc), &inv); err != nil {
			return nil, fmt.Errorf("decode invoice row: %w", err)
		}
		out = append(out, payment.InvoiceRecord{Invoice: inv, Paid: paid != 0})
	}
	return out, rows.Err()
}
