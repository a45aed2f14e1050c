package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dileet/ecco-sub003/pkg/config"
)

// shutdownGrace bounds persisting state and flushing telemetry on exit.
const shutdownGrace = 10 * time.Second

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", os.Getenv("SWARM_CONFIG"), "path to YAML config file")
	return fs, path
}

func loadConfig(path string, stderr io.Writer) (*config.Config, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("serve", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, ok := loadConfig(*path, stderr)
	if !ok {
		return 1
	}
	logger := newLogger(cfg.Log, stderr, cfg.Node.ID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("node startup failed", "error", err)
		return 1
	}
	runErr := n.run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	n.close(closeCtx)

	if runErr != nil {
		logger.Error("node stopped", "error", runErr)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "swarm node stopped")
	return 0
}
