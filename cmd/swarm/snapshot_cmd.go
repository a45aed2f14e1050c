package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dileet/ecco-sub003/pkg/observability"
	"github.com/dileet/ecco-sub003/pkg/snapshot"
)

func runSnapshotCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: swarm snapshot <export|import <ref>> [--config file]")
		return 2
	}
	sub := args[0]
	fs, path := newFlagSet("snapshot "+sub, stderr)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	var ref string
	switch sub {
	case "export":
	case "import":
		if fs.NArg() != 1 {
			_, _ = fmt.Fprintln(stderr, "Usage: swarm snapshot import <sha256:...>")
			return 2
		}
		ref = fs.Arg(0)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown snapshot command: %s\n", sub)
		return 2
	}

	cfg, ok := loadConfig(*path, stderr)
	if !ok {
		return 1
	}
	_ = newLogger(cfg.Log, stderr, cfg.Node.ID)
	ctx := context.Background()

	tel, err := newTelemetry(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: telemetry: %v\n", err)
		return 1
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	sink, err := snapshot.NewSink(ctx, cfg.Snapshot)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	opCtx, done := tel.TrackOperation(ctx, "snapshot."+sub,
		observability.AttrNode.String(cfg.Node.ID),
		observability.AttrSink.String(string(cfg.Snapshot.Type)))
	if sub == "export" {
		ref, err = snapshot.Export(opCtx, st, sink, cfg.Node.ID, time.Now())
		done(err)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, ref)
		return 0
	}

	env, err := snapshot.Import(opCtx, st, sink, ref)
	done(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "imported %s from node %s taken %s\n", ref, env.Node, env.CreatedAt.Format(time.RFC3339))
	return 0
}
