// Package config loads node configuration from an optional YAML file and
// then applies environment overrides, so a node boots with safe defaults and
// operators can adjust it with 12-factor variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dileet/ecco-sub003/pkg/discovery"
	"github.com/dileet/ecco-sub003/pkg/latency"
	"github.com/dileet/ecco-sub003/pkg/mesh"
	"github.com/dileet/ecco-sub003/pkg/mesh/p2p"
	"github.com/dileet/ecco-sub003/pkg/orchestrator"
	"github.com/dileet/ecco-sub003/pkg/payment"
	"github.com/dileet/ecco-sub003/pkg/reputation"
	"github.com/dileet/ecco-sub003/pkg/settlement"
	"github.com/dileet/ecco-sub003/pkg/snapshot"
	"github.com/dileet/ecco-sub003/pkg/store"
)

// Transport names for MessengerConfig.Transport.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportLibp2p = "libp2p"
)

// Config holds node configuration.
type Config struct {
	Node         NodeConfig          `yaml:"node"`
	Log          LogConfig           `yaml:"log"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
	Store        StoreConfig         `yaml:"store"`
	Messenger    MessengerConfig     `yaml:"messenger"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Discovery    DiscoveryConfig     `yaml:"discovery"`
	Settlement   SettlementConfig    `yaml:"settlement"`
	Billing      BillingConfig       `yaml:"billing"`
	Snapshot     snapshot.Config     `yaml:"snapshot"`
}

type NodeConfig struct {
	ID           string            `yaml:"id"`
	Capabilities []mesh.Capability `yaml:"capabilities"`
	// AnnounceEvery is how often capabilities are re-published.
	AnnounceEvery time.Duration `yaml:"announce_every"`
	// InboundPerSecond limits agent requests accepted per sender.
	InboundPerSecond float64 `yaml:"inbound_per_second"`
	InboundBurst     int     `yaml:"inbound_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
	Format string `yaml:"format"` // json or text
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type MessengerConfig struct {
	Transport string      `yaml:"transport"`
	Redis     RedisConfig `yaml:"redis"`
	P2P       p2p.Config  `yaml:"p2p"`
	// PeerTTL bounds how long an announcement is trusted on the redis transport.
	PeerTTL time.Duration `yaml:"peer_ttl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type DiscoveryConfig struct {
	Weights    discovery.Weights      `yaml:"weights"`
	Thresholds latency.Thresholds     `yaml:"zone_thresholds"`
	Bloom      reputation.BloomConfig `yaml:"bloom"`
}

type SettlementConfig struct {
	settlement.Config `yaml:",inline"`
	Interval          time.Duration `yaml:"interval"`
	WalletAddress     string        `yaml:"wallet_address"`
}

// BillingConfig drives both sides of per-job payment. Limits caps what this
// node pays per invoice, keyed by token ("ETH": "0.01"); tokens without a
// limit are never paid.
type BillingConfig struct {
	ChainID int64             `yaml:"chain_id"`
	Limits  map[string]string `yaml:"limits"`
	// QuoteTimeout bounds the wait for a provider's quote before dispatch.
	QuoteTimeout time.Duration `yaml:"quote_timeout"`
	// TickTokens is how many generated tokens one streaming tick charges.
	TickTokens int64 `yaml:"tick_tokens"`
}

// SpendLimits parses Limits.
func (b BillingConfig) SpendLimits() ([]payment.Money, error) {
	tokens := make([]string, 0, len(b.Limits))
	for t := range b.Limits {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	out := make([]payment.Money, 0, len(tokens))
	for _, t := range tokens {
		m, err := payment.ParseMoney(b.Limits[t], strings.ToUpper(t))
		if err != nil {
			return nil, fmt.Errorf("billing.limits.%s: %w", t, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Default returns the configuration a node runs with when nothing is set.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:               "swarm-node",
			AnnounceEvery:    30 * time.Second,
			InboundPerSecond: 5,
			InboundBurst:     10,
		},
		Log:       LogConfig{Level: "INFO", Format: "json"},
		Telemetry: TelemetryConfig{ServiceName: "swarm", SampleRate: 1},
		Store:     StoreConfig{Driver: "sqlite", DSN: "data/swarm.db"},
		Messenger: MessengerConfig{
			Transport: TransportMemory,
			Redis:     RedisConfig{Addr: "localhost:6379", Prefix: "swarm:"},
			PeerTTL:   2 * time.Minute,
		},
		Orchestrator: orchestrator.Config{}.WithDefaults(),
		Discovery: DiscoveryConfig{
			Weights:    discovery.DefaultWeights(),
			Thresholds: latency.DefaultThresholds(),
			Bloom:      reputation.BloomConfig{FalsePositiveRate: 0.01, MinCapacity: 64},
		},
		Settlement: SettlementConfig{
			Config:        settlement.DefaultConfig(),
			Interval:      15 * time.Second,
			WalletAddress: "0x0000000000000000000000000000000000000001",
		},
		Billing: BillingConfig{
			ChainID:      31337,
			Limits:       map[string]string{"ETH": "0.01", "USDC": "10"},
			QuoteTimeout: 2 * time.Second,
			TickTokens:   32,
		},
		Snapshot: snapshot.Config{Type: snapshot.SinkFile, Dir: "data/snapshots"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode rejects unknown keys so typos do not silently fall back to defaults.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.Split(v, ",")
		}
	}

	str("SWARM_NODE_ID", &c.Node.ID)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
	str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)

	str("SWARM_STORE_DRIVER", &c.Store.Driver)
	str("DATABASE_URL", &c.Store.DSN)

	str("SWARM_TRANSPORT", &c.Messenger.Transport)
	str("REDIS_ADDR", &c.Messenger.Redis.Addr)
	str("REDIS_PASSWORD", &c.Messenger.Redis.Password)
	list("SWARM_P2P_LISTEN", &c.Messenger.P2P.ListenAddrs)
	list("SWARM_P2P_BOOTSTRAP", &c.Messenger.P2P.BootstrapPeers)

	dur("SWARM_ORCHESTRATION_TIMEOUT", &c.Orchestrator.Timeout)
	num("SWARM_AGENT_COUNT", &c.Orchestrator.AgentCount)

	num("SWARM_SETTLEMENT_MAX_RETRIES", &c.Settlement.MaxRetries)
	dur("SWARM_SETTLEMENT_INTERVAL", &c.Settlement.Interval)
	str("SWARM_WALLET_ADDRESS", &c.Settlement.WalletAddress)
	if v, ok := lookup("SWARM_CHAIN_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SWARM_CHAIN_ID: %w", err))
		} else {
			c.Billing.ChainID = id
		}
	}

	if v, ok := lookup("SWARM_SNAPSHOT_SINK"); ok && v != "" {
		c.Snapshot.Type = snapshot.SinkType(v)
	}
	str("SWARM_SNAPSHOT_DIR", &c.Snapshot.Dir)
	str("SWARM_SNAPSHOT_BUCKET", &c.Snapshot.S3.Bucket)
	str("SWARM_SNAPSHOT_BUCKET", &c.Snapshot.GCS.Bucket)
	str("AWS_REGION", &c.Snapshot.S3.Region)
	str("SWARM_SNAPSHOT_S3_ENDPOINT", &c.Snapshot.S3.Endpoint)

	return errors.Join(errs...)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, fmt.Errorf("node.id is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if _, err := store.DialectFor(c.Store.Driver); err != nil {
		errs = append(errs, err)
	}
	switch c.Messenger.Transport {
	case TransportMemory, TransportRedis, TransportLibp2p:
	default:
		errs = append(errs, fmt.Errorf("messenger.transport must be memory, redis or libp2p, got %q", c.Messenger.Transport))
	}
	if err := c.Discovery.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Discovery.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Settlement.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("settlement.max_retries must be positive"))
	}
	if c.Settlement.Interval <= 0 {
		errs = append(errs, fmt.Errorf("settlement.interval must be positive"))
	}
	if _, err := c.Billing.SpendLimits(); err != nil {
		errs = append(errs, err)
	}
	if c.Billing.QuoteTimeout < 0 || c.Billing.TickTokens < 0 {
		errs = append(errs, fmt.Errorf("billing.quote_timeout and billing.tick_tokens must not be negative"))
	}
	return errors.Join(errs...)
}
