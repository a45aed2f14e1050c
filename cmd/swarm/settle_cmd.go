package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dileet/ecco-sub003/pkg/observability"
	"github.com/dileet/ecco-sub003/pkg/settlement"
)

// runSettleCmd drains whatever is due in the stored settlement queue once.
func runSettleCmd(args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("settle", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, ok := loadConfig(*path, stderr)
	if !ok {
		return 1
	}
	logger := newLogger(cfg.Log, stderr, cfg.Node.ID)
	ctx := context.Background()

	tel, err := newTelemetry(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 1
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	state, err := st.LoadState(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	engine, err := settlement.NewEngine(settlement.NewDevnetWallet(cfg.Settlement.WalletAddress), cfg.Settlement.Config,
		settlement.WithStore(st),
		settlement.WithMeter(tel.Meter()),
		settlement.WithLogger(logger.With("component", "settlement")),
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	engine.Restore(state.Ledger, state.Intents)

	opCtx, done := tel.TrackOperation(ctx, "settle", observability.AttrNode.String(cfg.Node.ID))
	settled, err := engine.ProcessSettlements(opCtx)
	done(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "settled %d, pending %d\n", settled, len(engine.Pending()))
	return 0
}
