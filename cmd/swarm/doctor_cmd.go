package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dileet/ecco-sub003/pkg/billing"
	"github.com/dileet/ecco-sub003/pkg/config"
)

type checkResult struct {
	Name   string
	Status string // "ok", "warn", "fail"
	Detail string
}

// runDoctorCmd validates configuration and the store. With --print it also
// writes the resolved configuration as YAML.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	fs, path := newFlagSet("doctor", stderr)
	printCfg := fs.Bool("print", false, "print the resolved configuration")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	cfg, err := config.Load(*path)
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		return report(stdout, results)
	}
	results = append(results, checkResult{Name: "config", Status: "ok", Detail: "valid"})
	results = append(results, checkStore(cfg), checkPricing(cfg), checkTelemetry(cfg))

	code := report(stdout, results)
	if *printCfg {
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_ = enc.Close()
	}
	return code
}

func checkStore(cfg *config.Config) checkResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return checkResult{Name: "store", Status: "fail", Detail: err.Error()}
	}
	defer func() { _ = st.Close() }()
	if err := st.Ping(ctx); err != nil {
		return checkResult{Name: "store", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "store", Status: "ok", Detail: cfg.Store.Driver}
}

func checkPricing(cfg *config.Config) checkResult {
	priced := 0
	for _, c := range cfg.Node.Capabilities {
		_, ok, err := billing.PriceOf(c)
		if err != nil {
			return checkResult{Name: "pricing", Status: "fail", Detail: err.Error()}
		}
		if ok {
			priced++
		}
	}
	if len(cfg.Node.Capabilities) == 0 {
		return checkResult{Name: "pricing", Status: "warn", Detail: "node advertises no capabilities"}
	}
	return checkResult{Name: "pricing", Status: "ok", Detail: fmt.Sprintf("%d of %d capabilities priced", priced, len(cfg.Node.Capabilities))}
}

func checkTelemetry(cfg *config.Config) checkResult {
	if !cfg.Telemetry.Enabled {
		return checkResult{Name: "telemetry", Status: "warn", Detail: "disabled (set OTEL_EXPORTER_OTLP_ENDPOINT)"}
	}
	return checkResult{Name: "telemetry", Status: "ok", Detail: cfg.Telemetry.Endpoint}
}

func report(w io.Writer, results []checkResult) int {
	code := 0
	_, _ = fmt.Fprintln(w, "swarm doctor")
	for _, r := range results {
		if r.Status == "fail" {
			code = 1
		}
		_, _ = fmt.Fprintf(w, "  %-4s  %-12s %s\n", r.Status, r.Name, r.Detail)
	}
	return code
}
