package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig points a node at a private sqlite file and snapshot dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"SWARM_CONFIG", "SWARM_TRANSPORT", "SWARM_STORE_DRIVER", "DATABASE_URL", "SWARM_SNAPSHOT_SINK", "SWARM_SNAPSHOT_DIR", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	body := fmt.Sprintf(`node:
  id: test-node
  capabilities:
    - type: agent
      name: assistant
      version: 1.0.0
      metadata: {price: "0.001", token: ETH, pricing: streaming}
log:
  level: ERROR
store:
  driver: sqlite
  dsn: %s
snapshot:
  type: file
  dir: %s
`, filepath.Join(dir, "swarm.db"), filepath.Join(dir, "snapshots"))
	path := filepath.Join(dir, "swarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"swarm"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "snapshot")

	code, _, stderr = run("launch")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: launch")

	code, stdout, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Equal(t, "dev\n", stdout)
}

func TestDoctor(t *testing.T) {
	cfg := writeConfig(t)
	code, stdout, _ := run("doctor", "--config", cfg, "--print")
	assert.Equal(t, 0, code, stdout)
	assert.Contains(t, stdout, "ok    store")
	assert.Contains(t, stdout, "1 of 1 capabilities priced")
	assert.Contains(t, stdout, "transport: memory")
}

func TestDoctor_InvalidConfig(t *testing.T) {
	cfg := writeConfig(t)
	require.NoError(t, os.WriteFile(cfg, []byte("orchestrator:\n  timout: 5s\n"), 0o600))
	code, stdout, _ := run("doctor", "--config", cfg)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "fail  config")
}

func TestExecute_FallsBackToLocalProvider(t *testing.T) {
	cfg := writeConfig(t)
	code, stdout, stderr := run("execute", "--config", cfg, "--wait", "0s",
		"--capability", "agent:assistant", "--input", `"hello swarm"`)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"result": "hello swarm"`)
	assert.Contains(t, stdout, `"achieved": true`)
}

func TestExecute_BadFlags(t *testing.T) {
	code, _, stderr := run("execute", "--capability", "assistant")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "type:name")

	code, _, stderr = run("execute", "--capability", "agent:assistant", "--input", "{nope")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "not JSON")
}

func TestSnapshot_ExportThenImport(t *testing.T) {
	cfg := writeConfig(t)
	code, stdout, stderr := run("snapshot", "export", "--config", cfg)
	require.Equal(t, 0, code, stderr)
	ref := strings.TrimSpace(stdout)
	require.True(t, strings.HasPrefix(ref, "sha256:"), ref)

	code, stdout, stderr = run("snapshot", "import", "--config", cfg, ref)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "from node test-node")

	code, _, stderr = run("snapshot", "import", "--config", cfg, "sha256:nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "invalid snapshot reference")

	code, _, _ = run("snapshot", "restore")
	assert.Equal(t, 2, code)
}

func TestSettle_EmptyQueue(t *testing.T) {
	cfg := writeConfig(t)
	code, stdout, stderr := run("settle", "--config", cfg)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "settled 0, pending 0\n", stdout)
}

func TestParseCapability(t *testing.T) {
	r, err := parseCapability("agent:assistant:^1.0")
	require.NoError(t, err)
	assert.Equal(t, "agent", r.Type)
	assert.Equal(t, "assistant", r.Name)
	assert.Equal(t, "^1.0", r.Version)

	_, err = parseCapability(":assistant")
	assert.Error(t, err)
}
