package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known mints used as defaults.
const (
	USDCMint        = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	WrappedSOLMint  = "So11111111111111111111111111111111111111112"
	DefaultRPCURL   = "https://api.mainnet-beta.solana.com"
	DefaultAPIURL   = "https://quote-api.jup.ag/v6"
	DefaultLogLevel = "info"
)

// ErrNoKeypair is returned by Signer when neither keypair variable is set.
var ErrNoKeypair = errors.New("BS58_KEYPAIR or KEYPAIR is required")

// Config holds all application configuration loaded from environment variables.
// All fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	LogLevel    string
	MetricsAddr string // empty disables the metrics listener
	NATSURL     string // empty disables outcome publishing

	// RPC endpoints; one is picked at random per run
	RPCURLs    []string
	APIBaseURL string

	// Signing key, one of the two encodings
	BS58Keypair string
	JSONKeypair string

	// Swap selection
	InputMint          solana.PublicKey
	OutputMint         solana.PublicKey
	InputAmount        uint64
	SlippageBps        uint16
	DynamicSlippageMin uint16
	DynamicSlippageMax uint16

	// Compute budget
	ComputeUnitPrice      uint64
	ProbeComputeUnitLimit uint32
	BudgetMargin          uint32

	// Submission
	Commitment       rpc.CommitmentType
	RefreshInterval  time.Duration
	StartupTimeout   time.Duration
	AcceptanceWindow time.Duration
	PollInterval     time.Duration
	SubmitDeadline   time.Duration // bounds the whole swap, reassemblies included
	MaxRetries       int
	MaxReassemblies  int
}

// Load reads configuration from environment variables and validates all fields.
// Every invalid value is reported, not just the first.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", DefaultLogLevel)
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.RPCURLs = splitList(getEnvOrDefault("RPC_URL", DefaultRPCURL))
	if len(cfg.RPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("RPC_URL must name at least one endpoint"))
	}
	cfg.APIBaseURL = strings.TrimRight(getEnvOrDefault("API_BASE_URL", DefaultAPIURL), "/")

	cfg.BS58Keypair = os.Getenv("BS58_KEYPAIR")
	cfg.JSONKeypair = os.Getenv("KEYPAIR")

	var err error
	if cfg.InputMint, err = parsePublicKey("INPUT_MINT", USDCMint); err != nil {
		errs = append(errs, err)
	}
	if cfg.OutputMint, err = parsePublicKey("OUTPUT_MINT", WrappedSOLMint); err != nil {
		errs = append(errs, err)
	}
	if !cfg.InputMint.IsZero() && cfg.InputMint.Equals(cfg.OutputMint) {
		errs = append(errs, fmt.Errorf("INPUT_MINT and OUTPUT_MINT must be different"))
	}

	if cfg.InputAmount, err = parseUint("INPUT_AMOUNT", 2_000_000, 64); err != nil {
		errs = append(errs, err)
	} else if cfg.InputAmount == 0 {
		errs = append(errs, fmt.Errorf("INPUT_AMOUNT must be positive"))
	}

	slippage, err := parseUint("SLIPPAGE_BPS", 50, 16)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.SlippageBps = uint16(slippage)

	minSlippage, err := parseUint("DYNAMIC_SLIPPAGE_MIN_BPS", 50, 16)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.DynamicSlippageMin = uint16(minSlippage)

	maxSlippage, err := parseUint("DYNAMIC_SLIPPAGE_MAX_BPS", 1000, 16)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.DynamicSlippageMax = uint16(maxSlippage)

	if cfg.DynamicSlippageMin > cfg.DynamicSlippageMax {
		errs = append(errs, fmt.Errorf("DYNAMIC_SLIPPAGE_MIN_BPS (%d) cannot be greater than DYNAMIC_SLIPPAGE_MAX_BPS (%d)",
			cfg.DynamicSlippageMin, cfg.DynamicSlippageMax))
	}

	if cfg.ComputeUnitPrice, err = parseUint("COMPUTE_UNIT_PRICE", 200_000, 64); err != nil {
		errs = append(errs, err)
	}

	probeLimit, err := parseUint("PROBE_COMPUTE_UNIT_LIMIT", 1_400_000, 32)
	if err != nil {
		errs = append(errs, err)
	} else if probeLimit == 0 || probeLimit > 1_400_000 {
		errs = append(errs, fmt.Errorf("PROBE_COMPUTE_UNIT_LIMIT must be between 1 and 1400000"))
	}
	cfg.ProbeComputeUnitLimit = uint32(probeLimit)

	margin, err := parseUint("BUDGET_MARGIN", 10_000, 32)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.BudgetMargin = uint32(margin)

	cfg.Commitment = rpc.CommitmentType(getEnvOrDefault("COMMITMENT", string(rpc.CommitmentConfirmed)))
	switch cfg.Commitment {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		errs = append(errs, fmt.Errorf("COMMITMENT must be processed, confirmed or finalized, got %q", cfg.Commitment))
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"REFRESH_INTERVAL", "500ms", &cfg.RefreshInterval},
		{"STARTUP_TIMEOUT", "10s", &cfg.StartupTimeout},
		{"ACCEPTANCE_WINDOW", "60s", &cfg.AcceptanceWindow},
		{"POLL_INTERVAL", "500ms", &cfg.PollInterval},
		{"SUBMIT_DEADLINE", "3m", &cfg.SubmitDeadline},
	}
	for _, d := range durations {
		value, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
			continue
		}
		*d.dst = value
	}

	if cfg.MaxRetries, err = parseInt("MAX_RETRIES", 8); err != nil {
		errs = append(errs, err)
	} else if cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES cannot be negative"))
	}

	if cfg.MaxReassemblies, err = parseInt("MAX_REASSEMBLIES", 2); err != nil {
		errs = append(errs, err)
	} else if cfg.MaxReassemblies < 0 {
		errs = append(errs, fmt.Errorf("MAX_REASSEMBLIES cannot be negative"))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Signer decodes the configured keypair. BS58_KEYPAIR takes precedence over
// KEYPAIR, which holds the JSON byte array written by solana-keygen.
func (c *Config) Signer() (solana.PrivateKey, error) {
	switch {
	case c.BS58Keypair != "":
		key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(c.BS58Keypair))
		if err != nil {
			return nil, fmt.Errorf("BS58_KEYPAIR: %w", err)
		}
		return key, nil
	case c.JSONKeypair != "":
		key, err := solana.PrivateKeyFromSolanaKeygenFileBytes([]byte(c.JSONKeypair))
		if err != nil {
			return nil, fmt.Errorf("KEYPAIR: %w", err)
		}
		return key, nil
	default:
		return nil, ErrNoKeypair
	}
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseUint parses an unsigned integer of the given bit size. Underscores are
// accepted as digit separators.
func parseUint(key string, defaultValue uint64, bitSize int) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(strings.ReplaceAll(value, "_", ""), 10, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned integer %q: %w", key, value, err)
	}
	return result, nil
}

func parsePublicKey(key, defaultValue string) (solana.PublicKey, error) {
	value := getEnvOrDefault(key, defaultValue)
	pubkey, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%s: invalid address %q: %w", key, value, err)
	}
	return pubkey, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
