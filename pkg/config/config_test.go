package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dileet/ecco-sub003/pkg/orchestrator"
	"github.com/dileet/ecco-sub003/pkg/snapshot"
)

func env(vars map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

// A node must boot with safe defaults and no configuration at all.
func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Orchestrator.Timeout)
	assert.Equal(t, 3, cfg.Orchestrator.AgentCount)
	assert.Equal(t, orchestrator.MajorityVote, cfg.Orchestrator.Aggregation)
	assert.Equal(t, 5, cfg.Settlement.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.Settlement.Interval)
	assert.InDelta(t, 10.0, cfg.Settlement.CallsPerSecond, 1e-9)
	assert.Equal(t, 75*time.Millisecond, cfg.Discovery.Thresholds.Local)
	assert.Equal(t, 350*time.Millisecond, cfg.Discovery.Thresholds.Continental)
	assert.InDelta(t, 0.4, cfg.Discovery.Weights.Reputation, 1e-9)
	assert.InDelta(t, 0.1, cfg.Discovery.Weights.StakeBoost, 1e-9)
	assert.InDelta(t, 0.01, cfg.Discovery.Bloom.FalsePositiveRate, 1e-9)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, TransportMemory, cfg.Messenger.Transport)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  id: node-7
  capabilities:
    - type: agent
      name: assistant
      version: 1.2.0
      metadata:
        staked: true
orchestrator:
  timeout: 5s
  aggregation_strategy: first-response
  allow_partial_results: true
settlement:
  max_retries: 8
  workers: 2
  backoff:
    base: 1s
    max: 1m
discovery:
  zone_thresholds:
    local: 50ms
    regional: 150ms
    continental: 300ms
snapshot:
  type: s3
  s3:
    bucket: snaps
`), 0o600))

	t.Setenv("SWARM_AGENT_COUNT", "5")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("SWARM_SNAPSHOT_SINK", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.Node.ID)
	require.Len(t, cfg.Node.Capabilities, 1)
	assert.Equal(t, true, cfg.Node.Capabilities[0].Metadata["staked"])
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.Timeout)
	assert.Equal(t, orchestrator.FirstResponse, cfg.Orchestrator.Aggregation)
	assert.True(t, cfg.Orchestrator.AllowPartialResults)
	assert.Equal(t, 5, cfg.Orchestrator.AgentCount)
	assert.Equal(t, 8, cfg.Settlement.MaxRetries)
	assert.Equal(t, 2, cfg.Settlement.Workers)
	assert.Equal(t, time.Minute, cfg.Settlement.Backoff.Max)
	assert.Equal(t, 15*time.Second, cfg.Settlement.Interval, "unset keys keep defaults")
	assert.Equal(t, 50*time.Millisecond, cfg.Discovery.Thresholds.Local)
	assert.Equal(t, snapshot.SinkS3, cfg.Snapshot.Type)
	assert.Equal(t, "snaps", cfg.Snapshot.S3.Bucket)
	assert.Equal(t, "DEBUG", cfg.Log.Level)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  timout: 5s\n"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "timout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "load config")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"SWARM_TRANSPORT":             "libp2p",
		"SWARM_P2P_BOOTSTRAP":         "/ip4/10.0.0.1/tcp/4001/p2p/QmA,/ip4/10.0.0.2/tcp/4001/p2p/QmB",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317",
		"DATABASE_URL":                "postgres://swarm@db/swarm",
		"SWARM_STORE_DRIVER":          "postgres",
		"SWARM_SETTLEMENT_INTERVAL":   "1m",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, TransportLibp2p, cfg.Messenger.Transport)
	assert.Len(t, cfg.Messenger.P2P.BootstrapPeers, 2)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, time.Minute, cfg.Settlement.Interval)
}

func TestApplyEnv_BadValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"SWARM_ORCHESTRATION_TIMEOUT": "soon",
		"SWARM_AGENT_COUNT":           "three",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SWARM_ORCHESTRATION_TIMEOUT")
	assert.Contains(t, err.Error(), "SWARM_AGENT_COUNT")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = ""
	cfg.Log.Format = "xml"
	cfg.Store.Driver = "mysql"
	cfg.Messenger.Transport = "carrier-pigeon"
	cfg.Discovery.Thresholds.Regional = time.Millisecond
	cfg.Settlement.MaxRetries = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"node.id", "log.format", "mysql", "carrier-pigeon", "latency thresholds", "max_retries"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestBilling_SpendLimits(t *testing.T) {
	limits, err := Default().Billing.SpendLimits()
	require.NoError(t, err)
	require.Len(t, limits, 2)
	assert.Equal(t, "0.01 ETH", limits[0].String())
	assert.Equal(t, "10 USDC", limits[1].String())

	cfg := Default()
	cfg.Billing.Limits = map[string]string{"usdc": "0.0000001"}
	assert.ErrorContains(t, cfg.Validate(), "billing.limits.usdc")

	cfg = Default()
	require.NoError(t, cfg.applyEnv(env(map[string]string{"SWARM_CHAIN_ID": "8453"})))
	assert.Equal(t, int64(8453), cfg.Billing.ChainID)
	assert.Error(t, cfg.applyEnv(env(map[string]string{"SWARM_CHAIN_ID": "base"})))

	cfg = Default()
	assert.Equal(t, 2*time.Second, cfg.Billing.QuoteTimeout)
	cfg.Billing.TickTokens = -1
	assert.ErrorContains(t, cfg.Validate(), "billing.tick_tokens")
}
