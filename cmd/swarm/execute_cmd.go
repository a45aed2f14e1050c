package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dileet/ecco-sub003/pkg/discovery"
	"github.com/dileet/ecco-sub003/pkg/observability"
	"github.com/dileet/ecco-sub003/pkg/orchestrator"
	"github.com/dileet/ecco-sub003/pkg/reputation"
)

// parseCapability reads "type:name[:version-constraint]".
func parseCapability(s string) (discovery.Requirement, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return discovery.Requirement{}, fmt.Errorf("capability %q: want type:name[:version]", s)
	}
	r := discovery.Requirement{Type: parts[0], Name: parts[1]}
	if len(parts) == 3 {
		r.Version = parts[2]
	}
	return r, nil
}

func runExecuteCmd(args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("execute", stderr)
	capability := fs.String("capability", "", "required capability as type:name[:version]")
	input := fs.String("input", "null", "JSON input delivered to every selected peer")
	selection := fs.String("selection", "", "top-k or all (default from config)")
	aggregation := fs.String("aggregation", "", "majority-vote, synthesized-consensus, first-response or ensemble")
	tier := fs.String("tier", "", "preferred reputation tier")
	where := fs.String("where", "", "CEL predicate over matched capabilities")
	wait := fs.Duration("wait", 3*time.Second, "time to collect peer announcements before dispatch")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	req, err := parseCapability(*capability)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var payload json.RawMessage
	if err := json.Unmarshal([]byte(*input), &payload); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --input is not JSON: %v\n", err)
		return 2
	}
	cfg, ok := loadConfig(*path, stderr)
	if !ok {
		return 1
	}
	logger := newLogger(cfg.Log, stderr, cfg.Node.ID)

	oc := cfg.Orchestrator
	oc.Query = discovery.Query{Required: []discovery.Requirement{req}, Where: *where}
	if *tier != "" {
		t, err := reputation.ParseTier(*tier)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		oc.Query.PreferredTier = t
	}
	if *selection != "" {
		oc.Selection = orchestrator.SelectionStrategy(*selection)
	}
	if *aggregation != "" {
		oc.Aggregation = orchestrator.AggregationStrategy(*aggregation)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("node startup failed", "error", err)
		return 1
	}
	defer func() {
		closeCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
		defer stop()
		n.close(closeCtx)
	}()
	if err := n.start(ctx); err != nil {
		logger.Error("node start failed", "error", err)
		return 1
	}
	go n.announce(ctx)

	select {
	case <-time.After(*wait):
	case <-ctx.Done():
	}

	opCtx, done := n.telemetry.TrackOperation(ctx, "execute",
		observability.AttrNode.String(cfg.Node.ID),
		observability.AttrTransport.String(cfg.Messenger.Transport))
	res, err := n.orchestrator.Execute(opCtx, oc, payload)
	done(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
