// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the SQLite database (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Scanner    ScannerConfig
	Gate       GateConfig
	Costs      CostConfig
	Risk       RiskConfig
	Strategy   StrategyConfig
	Executor   ExecutorConfig
	Controller ControllerConfig
	Archive    ArchiveConfig
	Paper      PaperConfig
}

// ScannerConfig controls the concurrent yield scan
type ScannerConfig struct {
	VenueTimeout     time.Duration
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
}

// GateConfig holds the profitability thresholds
type GateConfig struct {
	MinAnnualGainUSD   decimal.Decimal
	MaxBreakEvenDays   decimal.Decimal
	MaxCostFraction    decimal.Decimal // 0.01 = 1% of position size
	ProtocolFeePercent decimal.Decimal
}

// CostConfig is the static execution cost model, in USD per step
type CostConfig struct {
	GasWithdrawUSD decimal.Decimal
	GasApproveUSD  decimal.Decimal
	GasSwapUSD     decimal.Decimal
	GasDepositUSD  decimal.Decimal
	SlippageBps    decimal.Decimal
}

// RiskConfig tunes the risk assessor
type RiskConfig struct {
	VenueRatings     map[string]int // venue -> safety rating 1..10
	DefaultRating    int
	TVLFloorUSD      decimal.Decimal
	TVLComfortUSD    decimal.Decimal
	HighUtilization  decimal.Decimal
	SwapPenalty      float64
	TargetVenueCount int
	AllowHighRisk    bool
}

// StrategyConfig selects and tunes the allocation strategy
type StrategyConfig struct {
	Name              string // "yield_max" or "risk_adjusted"
	MinAPYImprovement decimal.Decimal
	MinRebalanceUSD   decimal.Decimal
	MaxConcentration  decimal.Decimal // max fraction of new capital per venue
	NewCapitalVenues  int
}

// ExecutorConfig bounds the rebalance executor
type ExecutorConfig struct {
	MaxTxValueUSD   decimal.Decimal
	VerifyTolerance decimal.Decimal // fraction of amount
	StepTimeout     time.Duration
	ReadRetries     int
	ReadRetryDelay  time.Duration
}

// ControllerConfig drives the scheduled control loop
type ControllerConfig struct {
	ScanInterval        time.Duration
	ErrorBackoff        time.Duration
	RunDuration         time.Duration // 0 = run until stopped
	ExecutionTimeout    time.Duration
	MaxRebalancesPerDay int
	MaxGasUSDPerDay     decimal.Decimal
	DailyResetSpec      string // cron spec of the daily budget boundary
	RecentErrorCapacity int
	ExtraTokens         []string
	AutoStart           bool
}

// ArchiveConfig enables the S3/R2 audit archive when Bucket is set
type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Enabled reports whether the archive sink should be wired
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// PaperConfig seeds the in-memory paper-trading venues
type PaperConfig struct {
	Venues         string // name:token:apy:tvl:utilization, comma separated
	WalletBalances string // token:amount, comma separated
	GasUSD         decimal.Decimal
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("YIELDROUTER_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ratings, err := parseRatings(getEnv("VENUE_RATINGS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("PORT", 8010),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Scanner: ScannerConfig{
			VenueTimeout:     getEnvAsDuration("SCAN_VENUE_TIMEOUT", 45*time.Second),
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 3),
			FailureWindow:    getEnvAsDuration("BREAKER_FAILURE_WINDOW", 15*time.Minute),
			Cooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 10*time.Minute),
		},
		Gate: GateConfig{
			MinAnnualGainUSD:   getEnvAsDecimal("GATE_MIN_ANNUAL_GAIN_USD", "10"),
			MaxBreakEvenDays:   getEnvAsDecimal("GATE_MAX_BREAK_EVEN_DAYS", "30"),
			MaxCostFraction:    getEnvAsDecimal("GATE_MAX_COST_FRACTION", "0.01"),
			ProtocolFeePercent: getEnvAsDecimal("GATE_PROTOCOL_FEE_PERCENT", "0"),
		},
		Costs: CostConfig{
			GasWithdrawUSD: getEnvAsDecimal("COST_GAS_WITHDRAW_USD", "0.05"),
			GasApproveUSD:  getEnvAsDecimal("COST_GAS_APPROVE_USD", "0.02"),
			GasSwapUSD:     getEnvAsDecimal("COST_GAS_SWAP_USD", "0.10"),
			GasDepositUSD:  getEnvAsDecimal("COST_GAS_DEPOSIT_USD", "0.05"),
			SlippageBps:    getEnvAsDecimal("COST_SLIPPAGE_BPS", "0"),
		},
		Risk: RiskConfig{
			VenueRatings:     ratings,
			DefaultRating:    getEnvAsInt("RISK_DEFAULT_RATING", 5),
			TVLFloorUSD:      getEnvAsDecimal("RISK_TVL_FLOOR_USD", "1000000"),
			TVLComfortUSD:    getEnvAsDecimal("RISK_TVL_COMFORT_USD", "500000000"),
			HighUtilization:  getEnvAsDecimal("RISK_HIGH_UTILIZATION", "0.95"),
			SwapPenalty:      getEnvAsFloat("RISK_SWAP_PENALTY", 15),
			TargetVenueCount: getEnvAsInt("RISK_TARGET_VENUE_COUNT", 3),
			AllowHighRisk:    getEnvAsBool("RISK_ALLOW_HIGH", false),
		},
		Strategy: StrategyConfig{
			Name:              getEnv("STRATEGY", "risk_adjusted"),
			MinAPYImprovement: getEnvAsDecimal("STRATEGY_MIN_APY_IMPROVEMENT", "0.25"),
			MinRebalanceUSD:   getEnvAsDecimal("STRATEGY_MIN_REBALANCE_USD", "100"),
			MaxConcentration:  getEnvAsDecimal("STRATEGY_MAX_CONCENTRATION", "0.5"),
			NewCapitalVenues:  getEnvAsInt("STRATEGY_NEW_CAPITAL_VENUES", 3),
		},
		Executor: ExecutorConfig{
			MaxTxValueUSD:   getEnvAsDecimal("EXEC_MAX_TX_VALUE_USD", "50000"),
			VerifyTolerance: getEnvAsDecimal("EXEC_VERIFY_TOLERANCE", "0.005"),
			StepTimeout:     getEnvAsDuration("EXEC_STEP_TIMEOUT", 2*time.Minute),
			ReadRetries:     getEnvAsInt("EXEC_READ_RETRIES", 3),
			ReadRetryDelay:  getEnvAsDuration("EXEC_READ_RETRY_DELAY", 2*time.Second),
		},
		Controller: ControllerConfig{
			ScanInterval:        getEnvAsDuration("SCAN_INTERVAL", 15*time.Minute),
			ErrorBackoff:        getEnvAsDuration("ERROR_BACKOFF", 5*time.Minute),
			RunDuration:         getEnvAsDuration("RUN_DURATION", 0),
			ExecutionTimeout:    getEnvAsDuration("EXECUTION_TIMEOUT", 15*time.Minute),
			MaxRebalancesPerDay: getEnvAsInt("MAX_REBALANCES_PER_DAY", 4),
			MaxGasUSDPerDay:     getEnvAsDecimal("MAX_GAS_USD_PER_DAY", "25"),
			DailyResetSpec:      getEnv("DAILY_RESET_CRON", "0 0 * * *"),
			RecentErrorCapacity: getEnvAsInt("RECENT_ERROR_CAPACITY", 50),
			ExtraTokens:         getEnvAsList("SCAN_TOKENS"),
			AutoStart:           getEnvAsBool("AUTO_START", true),
		},
		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_S3_BUCKET", ""),
			Region:          getEnv("ARCHIVE_S3_REGION", "auto"),
			Endpoint:        getEnv("ARCHIVE_S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnv("ARCHIVE_S3_PREFIX", "yieldrouter"),
		},
		Paper: PaperConfig{
			Venues:         getEnv("PAPER_VENUES", "aave:USDC:3.27:900000000:0.72,compound:USDC:5.00:400000000:0.81"),
			WalletBalances: getEnv("PAPER_WALLET", "USDC:0"),
			GasUSD:         getEnvAsDecimal("PAPER_GAS_USD", "0.01"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.Scanner.VenueTimeout <= 0 {
		return fmt.Errorf("SCAN_VENUE_TIMEOUT must be positive")
	}
	if c.Scanner.FailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be at least 1")
	}
	if c.Controller.ScanInterval <= 0 {
		return fmt.Errorf("SCAN_INTERVAL must be positive")
	}
	if c.Controller.MaxRebalancesPerDay < 0 {
		return fmt.Errorf("MAX_REBALANCES_PER_DAY cannot be negative")
	}
	if c.Controller.MaxGasUSDPerDay.IsNegative() {
		return fmt.Errorf("MAX_GAS_USD_PER_DAY cannot be negative")
	}
	if _, err := cron.ParseStandard(c.Controller.DailyResetSpec); err != nil {
		return fmt.Errorf("invalid DAILY_RESET_CRON %q: %w", c.Controller.DailyResetSpec, err)
	}
	if c.Strategy.Name != "yield_max" && c.Strategy.Name != "risk_adjusted" {
		return fmt.Errorf("unknown STRATEGY %q", c.Strategy.Name)
	}
	if !c.Strategy.MaxConcentration.IsPositive() || c.Strategy.MaxConcentration.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("STRATEGY_MAX_CONCENTRATION must be in (0, 1]")
	}
	if c.Gate.MaxCostFraction.IsNegative() {
		return fmt.Errorf("GATE_MAX_COST_FRACTION cannot be negative")
	}
	if c.Executor.VerifyTolerance.IsNegative() {
		return fmt.Errorf("EXEC_VERIFY_TOLERANCE cannot be negative")
	}
	if c.Executor.ReadRetries < 0 {
		return fmt.Errorf("EXEC_READ_RETRIES cannot be negative")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsDecimal panics only if the hardcoded default is invalid
func getEnvAsDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseRatings parses "aave:9,compound:8"
func parseRatings(value string) (map[string]int, error) {
	ratings := make(map[string]int)
	if strings.TrimSpace(value) == "" {
		return ratings, nil
	}
	for _, pair := range strings.Split(value, ",") {
		name, raw, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid VENUE_RATINGS entry %q", pair)
		}
		rating, err := strconv.Atoi(raw)
		if err != nil || rating < 1 || rating > 10 {
			return nil, fmt.Errorf("invalid rating for venue %s: %q (want 1-10)", name, raw)
		}
		ratings[name] = rating
	}
	return ratings, nil
}
