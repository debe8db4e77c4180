// Package config loads the engine's nested configuration document and layers
// secret values from the environment on top of it.
//
// Configuration Loading Order:
//  1. Load the YAML document from disk (dotted sections: trading, risk,
//     execution, venues.<name>, streaming).
//  2. Load .env (if present) via godotenv.
//  3. Overlay secret fields (RPC auth tokens, relay auth, submitter keypair
//     path) from environment variables, env taking precedence over whatever
//     the YAML document sets for those fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TradingConfig holds profit-floor and sizing thresholds.
type TradingConfig struct {
	MinProfitUSD        float64            `yaml:"min_profit_usd"`
	MinProfitBPS        float64            `yaml:"min_profit_bps"`
	MaxSlippageBPS      float64            `yaml:"max_slippage_bps"`
	MaxPositionUSD      float64            `yaml:"max_position_usd"`
	MinNotionalUSD      float64            `yaml:"min_notional_usd"`
	ConfidenceWeights   ConfidenceWeights  `yaml:"confidence_weights"`
	ReferencePriceUSD   map[string]float64 `yaml:"reference_price_usd"`
}

// ConfidenceWeights are the weights applied in the route solver's confidence
// scoring function (volatility, route length, degradation).
type ConfidenceWeights struct {
	Volatility  float64 `yaml:"volatility"`
	Length      float64 `yaml:"length"`
	Degradation float64 `yaml:"degradation"`
}

// RiskConfig holds risk-gate thresholds and the circuit-breaker schedule.
type RiskConfig struct {
	DailyLossLimitUSD           float64 `yaml:"daily_loss_limit_usd"`
	MaxConcurrentPlans          int     `yaml:"max_concurrent_plans"`
	ConsecutiveFailureThreshold int     `yaml:"consecutive_failure_threshold"`
	CooldownSeconds             int     `yaml:"cooldown_seconds"`
	KellyFraction               float64 `yaml:"kelly_fraction"`
	MinConfidence                float64 `yaml:"min_confidence"`
	DiscardOnDegradedVenue       bool    `yaml:"discard_on_degraded_venue"`
	StateDBPath                  string  `yaml:"state_db_path"`
}

// ExecutionConfig holds deadline, priority-fee, and relay settings.
type ExecutionConfig struct {
	OpportunityTTLMs        int      `yaml:"opportunity_ttl_ms"`
	SlotBudget              int      `yaml:"slot_budget"`
	ExpectedSlotDurationMs  int      `yaml:"expected_slot_duration_ms"`
	PriorityFeeBase         uint64   `yaml:"priority_fee_base"`
	PriorityFeeMultiplier   float64  `yaml:"priority_fee_multiplier"`
	LookupTableThreshold    int      `yaml:"lookup_table_threshold"`
	FlashLoanProviders      []string `yaml:"flash_loan_providers"`
	RPCTimeoutSeconds       int      `yaml:"rpc_timeout_seconds"`
}

// VenueConfig describes one liquidity venue's adapter wiring.
type VenueConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Priority int    `yaml:"priority"`
	Curve    string `yaml:"curve"` // constant_product | concentrated_liquidity | bin_based
	ProgramID string `yaml:"program_id"`
}

// StreamingConfig holds the push-stream collaborator's connection settings.
type StreamingConfig struct {
	Endpoint       string `yaml:"endpoint"`
	ReconnectMaxMs int    `yaml:"reconnect_max_ms"`
	// MaxConsecutiveFailures bounds reconnect attempts at the backoff ceiling
	// before the engine exits with its unrecoverable-streaming-failure code.
	// 0 means retry forever.
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
	AuthToken              string `yaml:"-"` // overlaid from STREAMING_AUTH_TOKEN, never in YAML
}

// MarketConfig holds market-state-store tuning.
type MarketConfig struct {
	ShardCount      int `yaml:"shard_count"`
	SnapshotRingSize int `yaml:"snapshot_ring_size"`
}

// RelayConfig holds the protected-relay submission settings.
type RelayConfig struct {
	Kind      string `yaml:"kind"` // jito | noop
	Endpoint  string `yaml:"endpoint"`
	AuthToken string `yaml:"-"` // overlaid from RELAY_AUTH_TOKEN
}

// ArchiveConfig holds the outcome sink's object-storage archival settings.
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

// ServerConfig holds the control surface's HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Config is the engine's fully merged configuration.
type Config struct {
	LogLevel   string                 `yaml:"log_level"`
	SubmitterKeypairPath string       `yaml:"submitter_keypair_path"`
	Server     ServerConfig           `yaml:"server"`
	Trading    TradingConfig          `yaml:"trading"`
	Risk       RiskConfig             `yaml:"risk"`
	Execution  ExecutionConfig        `yaml:"execution"`
	Venues     map[string]VenueConfig `yaml:"venues"`
	Streaming  StreamingConfig        `yaml:"streaming"`
	Market     MarketConfig           `yaml:"market"`
	Relay      RelayConfig            `yaml:"relay"`
	Archive    ArchiveConfig          `yaml:"archive"`
}

// Load reads the YAML document at path, applies defaults for anything the
// document omits, then overlays secrets from the environment (.env loaded
// first if present).
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.Streaming.AuthToken = getEnv("STREAMING_AUTH_TOKEN", cfg.Streaming.AuthToken)
	cfg.Relay.AuthToken = getEnv("RELAY_AUTH_TOKEN", cfg.Relay.AuthToken)
	cfg.SubmitterKeypairPath = getEnv("SUBMITTER_KEYPAIR_PATH", cfg.SubmitterKeypairPath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Server.Port = getEnvAsInt("SERVER_PORT", cfg.Server.Port)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the baseline configuration applied before the YAML
// document and environment overlay are merged in.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server:   ServerConfig{Port: 8080},
		Trading: TradingConfig{
			MinProfitUSD:   1.0,
			MinProfitBPS:   5,
			MaxSlippageBPS: 50,
			MaxPositionUSD: 5000,
			MinNotionalUSD: 10,
			ConfidenceWeights: ConfidenceWeights{
				Volatility:  0.4,
				Length:      0.2,
				Degradation: 0.4,
			},
		},
		Risk: RiskConfig{
			DailyLossLimitUSD:           500,
			MaxConcurrentPlans:          32,
			ConsecutiveFailureThreshold: 3,
			CooldownSeconds:             60,
			KellyFraction:               0.25,
			MinConfidence:               0.3,
			DiscardOnDegradedVenue:      true,
			StateDBPath:                 "arbiter_risk_state.db",
		},
		Execution: ExecutionConfig{
			OpportunityTTLMs:       400,
			SlotBudget:             2,
			ExpectedSlotDurationMs: 400,
			PriorityFeeBase:        1000,
			PriorityFeeMultiplier:  1.5,
			LookupTableThreshold:   32,
			RPCTimeoutSeconds:      2,
		},
		Market: MarketConfig{
			ShardCount:       16,
			SnapshotRingSize: 8,
		},
		Streaming: StreamingConfig{
			ReconnectMaxMs: 30000,
		},
		Relay: RelayConfig{
			Kind: "noop",
		},
		Venues: map[string]VenueConfig{},
	}
}

// Validate enforces the fatal/exit-code-4 precondition: at least one venue
// enabled, and sane numeric ranges.
func (c *Config) Validate() error {
	any := false
	for _, v := range c.Venues {
		if v.Enabled {
			any = true
		}
	}
	if !any {
		return fmt.Errorf("config: no venues enabled")
	}
	if c.Market.ShardCount <= 0 || c.Market.ShardCount&(c.Market.ShardCount-1) != 0 {
		return fmt.Errorf("config: market.shard_count must be a positive power of two")
	}
	if c.Execution.OpportunityTTLMs <= 0 {
		return fmt.Errorf("config: execution.opportunity_ttl_ms must be positive")
	}
	return nil
}

// Redacted returns a copy with secret fields blanked, suitable for the
// GET /config diagnostic endpoint.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Streaming.AuthToken = ""
	cp.Relay.AuthToken = ""
	cp.SubmitterKeypairPath = ""
	return &cp
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
