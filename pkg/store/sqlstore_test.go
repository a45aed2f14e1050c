package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dileet/ecco-sub003/pkg/latency"
	"github.com/dileet/ecco-sub003/pkg/payment"
	"github.com/dileet/ecco-sub003/pkg/reputation"
	"github.com/dileet/ecco-sub003/pkg/settlement"
)

func openMemory(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleState(t *testing.T) State {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	stream, err := payment.CreateStreamingAgreement("job-s", "0xpayer", "0xprovider", 31337, payment.MustParseMoney("0.0001", "ETH"), now)
	require.NoError(t, err)
	stream, _, err = payment.RecordStreamingTick(stream, 250, now)
	require.NoError(t, err)

	escrow, err := payment.CreateEscrowAgreement(payment.EscrowParams{
		JobID: "job-e", Payer: "0xpayer", Recipient: "0xprovider", ChainID: 31337,
		Total:      payment.MustParseMoney("3", "USDC"),
		Milestones: []payment.Money{payment.MustParseMoney("1", "USDC"), payment.MustParseMoney("2", "USDC")},
		Now:        now,
	})
	require.NoError(t, err)
	escrow, inv, err := payment.ReleaseEscrowMilestone(escrow, escrow.Milestones[0].ID, "0xpayer", now)
	require.NoError(t, err)
	entry, err := escrow.LedgerEntry(escrow.Milestones[0].ID, now)
	require.NoError(t, err)

	return State{
		Reputation: []reputation.Record{
			{PeerID: "alpha", SuccessfulJobs: 9, FailedJobs: 1, LastUpdated: now},
			{PeerID: "beta", SuccessfulJobs: 2, FailedJobs: 3, LastUpdated: now},
		},
		Zones: []latency.Measurement{
			{PeerID: "alpha", Zone: latency.ZoneLocal, Latency: 40 * time.Millisecond},
			{PeerID: "beta", Zone: latency.ZoneGlobal, Latency: 900 * time.Millisecond},
		},
		Ledger: []payment.LedgerEntry{entry},
		Intents: []settlement.Intent{{
			ID: "settle-" + entry.ID, LedgerEntryID: entry.ID, Invoice: inv,
			RetryCount: 1, MaxRetries: 5, NextAttemptAt: now.Add(time.Minute), CreatedAt: now,
		}},
		Escrows:  []payment.EscrowAgreement{escrow},
		Streams:  []payment.StreamingAgreement{stream},
		Invoices: []payment.InvoiceRecord{{Invoice: inv, Paid: true}},
	}
}

func TestSQLStore_StateRoundTrip(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	want := sampleState(t)
	require.NoError(t, s.SaveState(ctx, want))

	got, err := s.LoadState(ctx)
	require.NoError(t, err)

	assert.Equal(t, want.Reputation, got.Reputation)
	assert.Equal(t, want.Zones, got.Zones)

	require.Len(t, got.Ledger, 1)
	assert.Equal(t, want.Ledger[0].ID, got.Ledger[0].ID)
	assert.True(t, want.Ledger[0].Amount.Equal(got.Ledger[0].Amount))

	require.Len(t, got.Intents, 1)
	assert.Equal(t, 1, got.Intents[0].RetryCount)
	assert.True(t, want.Intents[0].NextAttemptAt.Equal(got.Intents[0].NextAttemptAt))

	require.Len(t, got.Escrows, 1)
	assert.True(t, got.Escrows[0].Milestones[0].Released)
	assert.False(t, got.Escrows[0].Milestones[1].Released)

	require.Len(t, got.Streams, 1)
	assert.Equal(t, "0.025", got.Streams[0].AccumulatedAmount.Decimal())

	require.Len(t, got.Invoices, 1)
	assert.True(t, got.Invoices[0].Paid)
}

func TestSQLStore_UpsertsAndSettlementStore(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	state := sampleState(t)
	require.NoError(t, s.SaveState(ctx, state))

	entry := state.Ledger[0].Settled("0xfeed", time.Now())
	require.NoError(t, s.SaveLedgerEntry(ctx, entry))
	require.NoError(t, s.DeleteIntent(ctx, state.Intents[0].ID))

	require.NoError(t, s.SaveZones(ctx, state.Zones[:1]))
	require.NoError(t, s.SaveReputation(ctx, []reputation.Record{{PeerID: "alpha", SuccessfulJobs: 10, FailedJobs: 1, LastUpdated: time.Now()}}))

	got, err := s.LoadState(ctx)
	require.NoError(t, err)
	require.Len(t, got.Ledger, 1)
	assert.Equal(t, payment.StatusSettled, got.Ledger[0].Status)
	assert.Equal(t, "0xfeed", got.Ledger[0].TxHash)
	assert.Empty(t, got.Intents)
	assert.Len(t, got.Zones, 1)
	require.Len(t, got.Reputation, 2)
	assert.Equal(t, int64(10), got.Reputation[0].SuccessfulJobs)
}

func TestSQLStore_BacksSettlementEngine(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	eng, err := settlement.NewEngine(settlement.NewDevnetWallet("0xpayer"), settlement.DefaultConfig(), settlement.WithStore(s))
	require.NoError(t, err)

	stream, err := payment.CreateStreamingAgreement("job", "0xpayer", "0xprovider", 1, payment.MustParseMoney("1", "USDC"), time.Now())
	require.NoError(t, err)
	stream, _, err = payment.RecordStreamingTick(stream, 3, time.Now())
	require.NoError(t, err)
	_, entry, _, err := payment.CloseStreamingAgreement(stream, time.Now())
	require.NoError(t, err)

	_, _, err = eng.Enqueue(ctx, entry, payment.Invoice{}, 0)
	require.NoError(t, err)
	mid, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Len(t, mid.Intents, 1)

	n, err := eng.ProcessSettlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Empty(t, after.Intents)
	require.Len(t, after.Ledger, 1)
	assert.Equal(t, payment.StatusSettled, after.Ledger[0].Status)
}

func expectMigrate(mock sqlmock.Sqlmock) {
	for i := 0; i < 7; i++ {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func TestSQLStore_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	expectMigrate(mock)

	s, err := New(context.Background(), db, Postgres)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM settlement_intents WHERE id = $1")).
		WithArgs("settle-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.DeleteIntent(context.Background(), "settle-1"))

	e := payment.LedgerEntry{ID: "e1", Kind: payment.LedgerEscrow, Status: payment.StatusPending, JobID: "j", Amount: payment.Zero("ETH")}
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8)")).
		WithArgs("e1", "escrow", "pending", "j", "", 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	err = s.SaveLedgerEntry(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save ledger entry e1")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SaveStateRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	expectMigrate(mock)
	s, err := New(context.Background(), db, SQLite)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO reputation").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = s.SaveState(context.Background(), State{Reputation: []reputation.Record{{PeerID: "p"}}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS reputation").WillReturnError(errors.New("read-only"))

	_, err = New(context.Background(), db, SQLite)
	assert.ErrorContains(t, err, "migrate")
}

func TestRebindAndDialect(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", Postgres.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", SQLite.rebind("a = ?"))
	d, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)
	_, err = DialectFor("mysql")
	assert.Error(t, err)
}
