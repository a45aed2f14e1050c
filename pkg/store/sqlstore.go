// Package store persists node state: reputation, latency zones, the payment
// ledger, pending settlements, agreements and issued invoices.
//
// SQLite is the default backend; Postgres is selected by driver name. Every
// write is an id-keyed upsert, so replaying a save is harmless.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/dileet/ecco-sub003/pkg/latency"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/payment"
	"github.com/dileet/ecco-sub003/pkg/reputation"
	"github.com/dileet/ecco-sub003/pkg/settlement"
)

// Dialect selects placeholder style.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	}
	return 0, fmt.Errorf("unsupported database driver %q", driver)
}

// rebind rewrites ? placeholders as $1, $2 ... for Postgres.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS reputation (
	peer_id TEXT PRIMARY KEY,
	successful_jobs BIGINT NOT NULL,
	failed_jobs BIGINT NOT NULL,
	last_updated TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS latency_zones (
	peer_id TEXT PRIMARY KEY,
	zone TEXT NOT NULL,
	latency_ns BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	job_id TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	retry_count BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settlement_intents (
	id TEXT PRIMARY KEY,
	ledger_entry_id TEXT NOT NULL,
	retry_count BIGINT NOT NULL,
	next_attempt_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS escrow_agreements (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS streaming_agreements (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	paid BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	doc TEXT NOT NULL
);`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLStore is the durable node state backend. It implements settlement.Store.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ settlement.Store = (*SQLStore)(nil)

// Open connects with driver and dsn and migrates the schema.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	if driver == "postgresql" || driver == "pq" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d == SQLite {
		// :memory: databases are private to a connection.
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, d)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle and migrates the schema.
func New(ctx context.Context, db *sql.DB, d Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (s *SQLStore) exec(ctx context.Context, x execer, query string, args ...any) error {
	_, err := x.ExecContext(ctx, s.dialect.rebind(query), args...)
	return err
}

func (s *SQLStore) SaveReputation(ctx context.Context, records []reputation.Record) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return s.saveReputation(ctx, tx, records) })
}

func (s *SQLStore) saveReputation(ctx context.Context, x execer, records []reputation.Record) error {
	const q = `INSERT INTO reputation (peer_id, successful_jobs, failed_jobs, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (peer_id) DO UPDATE SET
			successful_jobs = excluded.successful_jobs,
			failed_jobs = excluded.failed_jobs,
			last_updated = excluded.last_updated`
	for _, r := range records {
		if err := s.exec(ctx, x, q, string(r.PeerID), r.SuccessfulJobs, r.FailedJobs, ts(r.LastUpdated)); err != nil {
			return fmt.Errorf("save reputation %s: %w", r.PeerID, err)
		}
	}
	return nil
}

func (s *SQLStore) LoadReputation(ctx context.Context) ([]reputation.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, successful_jobs, failed_jobs, last_updated FROM reputation ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("load reputation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []reputation.Record
	for rows.Next() {
		var (
			r       reputation.Record
			peer    string
			updated string
		)
		if err := rows.Scan(&peer, &r.SuccessfulJobs, &r.FailedJobs, &updated); err != nil {
			return nil, err
		}
		r.PeerID = mesh.PeerID(peer)
		if r.LastUpdated, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, fmt.Errorf("reputation %s: %w", peer, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveZones replaces the stored zone map; peers absent from ms are removed.
func (s *SQLStore) SaveZones(ctx context.Context, ms []latency.Measurement) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return s.saveZones(ctx, tx, ms) })
}

func (s *SQLStore) saveZones(ctx context.Context, x execer, ms []latency.Measurement) error {
	if err := s.exec(ctx, x, `DELETE FROM latency_zones`); err != nil {
		return fmt.Errorf("clear zones: %w", err)
	}
	for _, m := range ms {
		if err := s.exec(ctx, x, `INSERT INTO latency_zones (peer_id, zone, latency_ns) VALUES (?, ?, ?)`,
			string(m.PeerID), string(m.Zone), int64(m.Latency)); err != nil {
			return fmt.Errorf("save zone %s: %w", m.PeerID, err)
		}
	}
	return nil
}

func (s *SQLStore) LoadZones(ctx context.Context) ([]latency.Measurement, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_id, zone, latency_ns FROM latency_zones ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("load zones: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []latency.Measurement
	for rows.Next() {
		var (
			peer, zone string
			ns         int64
		)
		if err := rows.Scan(&peer, &zone, &ns); err != nil {
			return nil, err
		}
		out = append(out, latency.Measurement{PeerID: mesh.PeerID(peer), Zone: latency.Zone(zone), Latency: time.Duration(ns)})
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveLedgerEntry(ctx context.Context, e payment.LedgerEntry) error {
	return s.saveLedgerEntry(ctx, s.db, e)
}

func (s *SQLStore) saveLedgerEntry(ctx context.Context, x execer, e payment.LedgerEntry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	const q = `INSERT INTO ledger_entries (id, kind, status, job_id, tx_hash, retry_count, created_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			tx_hash = excluded.tx_hash,
			retry_count = excluded.retry_count,
			doc = excluded.doc`
	if err := s.exec(ctx, x, q, e.ID, string(e.Kind), string(e.Status), e.JobID, e.TxHash, e.RetryCount, ts(e.CreatedAt), string(doc)); err != nil {
		return fmt.Errorf("save ledger entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLStore) SaveIntent(ctx context.Context, in settlement.Intent) error {
	return s.saveIntent(ctx, s.db, in)
}

func (s *SQLStore) saveIntent(ctx context.Context, x execer, in settlement.Intent) error {
	doc, err := json.Marshal(in)
	if err != nil {
		return err
	}
	const q = `INSERT INTO settlement_intents (id, ledger_entry_id, retry_count, next_attempt_at, created_at, doc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			retry_count = excluded.retry_count,
			next_attempt_at = excluded.next_attempt_at,
			doc = excluded.doc`
	if err := s.exec(ctx, x, q, in.ID, in.LedgerEntryID, in.RetryCount, ts(in.NextAttemptAt), ts(in.CreatedAt), string(doc)); err != nil {
		return fmt.Errorf("save intent %s: %w", in.ID, err)
	}
	return nil
}

func (s *SQLStore) DeleteIntent(ctx context.Context, id string) error {
	if err := s.exec(ctx, s.db, `DELETE FROM settlement_intents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete intent %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) SaveEscrow(ctx context.Context, a payment.EscrowAgreement) error {
	return s.saveDoc(ctx, s.db, "escrow_agreements", a.ID, a.JobID, a.CreatedAt, a)
}

func (s *SQLStore) SaveStream(ctx context.Context, a payment.StreamingAgreement) error {
	return s.saveDoc(ctx, s.db, "streaming_agreements", a.ID, a.JobID, a.CreatedAt, a)
}

// saveDoc upserts a JSON document into one of the agreement tables.
func (s *SQLStore) saveDoc(ctx context.Context, x execer, table, id, jobID string, created time.Time, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q := `INSERT INTO ` + table + ` (id, job_id, created_at, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`
	if err := s.exec(ctx, x, q, id, jobID, ts(created), string(doc)); err != nil {
		return fmt.Errorf("save %s %s: %w", table, id, err)
	}
	return nil
}

func (s *SQLStore) SaveInvoice(ctx context.Context, r payment.InvoiceRecord) error {
	return s.saveInvoice(ctx, s.db, r)
}

func (s *SQLStore) saveInvoice(ctx context.Context, x execer, r payment.InvoiceRecord) error {
	doc, err := json.Marshal(r.Invoice)
	if err != nil {
		return err
	}
	paid := 0
	if r.Paid {
		paid = 1
	}
	const q = `INSERT INTO invoices (id, job_id, paid, created_at, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET paid = excluded.paid, doc = excluded.doc`
	if err := s.exec(ctx, x, q, r.Invoice.ID, r.Invoice.JobID, paid, ts(r.Invoice.CreatedAt), string(doc)); err != nil {
		return fmt.Errorf("save invoice %s: %w", r.Invoice.ID, err)
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// loadDocs decodes the doc column of table, oldest first.
func loadDocs[T any](ctx context.Context, db *sql.DB, table string) ([]T, error) {
	rows, err := db.QueryContext(ctx, `SELECT doc FROM `+table+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
