// Package config loads the process configuration from environment
// variables (a .env file is loaded by main before this runs).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Spacing policies for the take-profit ladder.
const (
	SpacingEqualR   = "equal_r"   // rung i at entry ± (RStart + i*RStep) * |entry-stop|
	SpacingFixedBps = "fixed_bps" // fixed basis-point step between rungs
	SpacingATR      = "atr"       // span = ATR * ATRMult divided across rungs
)

// Quantity split policies.
const (
	SplitEqual     = "equal"
	SplitLinear    = "linear"    // small near, larger later
	SplitFrontload = "frontload" // larger near, smaller later
)

// Config is the full process configuration.
type Config struct {
	// Venue credentials
	BybitAPIKey    string
	BybitAPISecret string
	Category       string // contract category, "linear" for USDT perps
	AccountScope   string // label for multi-account setups; also the tag scope

	// Controller loop
	Enabled      bool
	DryRun       bool
	PollInterval time.Duration
	StartupGrace time.Duration

	// Ladder
	RungCount      int
	QtySplit       string
	SpacingMode    string
	RStart         float64
	RStep          float64
	FixedStepBps   int
	ATRLen         int
	ATRInterval    string
	ATRMult        float64
	PriceTolBps    int
	PostOnly       bool
	MaxOpenOrders  int // per-symbol cap on working orders
	TagPrefix      string
	Strategy       string
	AdoptExisting  bool
	CancelStrays   bool
	IncludeLongs   bool
	IncludeShorts  bool
	SymbolAllow    []string // empty = all symbols

	// Protective stop
	SafeMode    bool // ensure a protective stop exists
	SLOffsetBps int  // fallback stop distance from entry
	TightenStop bool // allow moving the stop closer, never farther

	// Risk guard
	BaseAsset        string
	RiskPct          float64 // per-trade risk as percent of equity
	DailyLossCapPct  float64
	MaxConcurrent    int // distinct open symbols
	MaxSymbolTrades  int // per-symbol position cap
	EquityCacheTTL   time.Duration
	SessionResetHour int // UTC hour for the daily session boundary

	// Breaker
	BreakerNotifyCooldown time.Duration

	// Approval service (empty URL = approvals disabled)
	ApprovalURL     string
	ApprovalSecret  string
	ApprovalTimeout time.Duration

	// Notifications
	TelegramToken  string
	TelegramChatID int64

	// Control API
	APIPort int

	// Storage
	DBPath string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		BybitAPIKey:    envStr("BYBIT_API_KEY", ""),
		BybitAPISecret: envStr("BYBIT_API_SECRET", ""),
		Category:       envStr("BYBIT_CATEGORY", "linear"),
		AccountScope:   envStr("ACCOUNT_SCOPE", "MAIN"),

		Enabled:      envBool("RECON_ENABLED", true),
		DryRun:       envBool("RECON_DRY_RUN", false),
		PollInterval: envDuration("RECON_POLL_INTERVAL", 8*time.Second),
		StartupGrace: envDuration("RECON_STARTUP_GRACE", 10*time.Second),

		RungCount:     envInt("RECON_RUNG_COUNT", 5),
		QtySplit:      envStr("RECON_QTY_SPLIT", SplitEqual),
		SpacingMode:   envStr("RECON_SPACING", SpacingEqualR),
		RStart:        envFloat("RECON_R_START", 0.5),
		RStep:         envFloat("RECON_R_STEP", 0.5),
		FixedStepBps:  envInt("RECON_FIXED_STEP_BPS", 35),
		ATRLen:        envInt("RECON_ATR_LEN", 14),
		ATRInterval:   envStr("RECON_ATR_INTERVAL", "5"),
		ATRMult:       envFloat("RECON_ATR_MULT", 3.0),
		PriceTolBps:   envInt("RECON_PRICE_TOL_BPS", 6),
		PostOnly:      envBool("RECON_POST_ONLY", true),
		MaxOpenOrders: envInt("RECON_MAX_OPEN_ORDERS", 20),
		TagPrefix:     envStr("RECON_TAG_PREFIX", "XG"),
		Strategy:      envStr("RECON_STRATEGY", "exit"),
		AdoptExisting: envBool("RECON_ADOPT_EXISTING", true),
		CancelStrays:  envBool("RECON_CANCEL_STRAYS", false),
		IncludeLongs:  envBool("RECON_INCLUDE_LONGS", true),
		IncludeShorts: envBool("RECON_INCLUDE_SHORTS", true),
		SymbolAllow:   envCSV("RECON_SYMBOL_WHITELIST"),

		SafeMode:    envBool("RECON_SAFE_MODE", true),
		SLOffsetBps: envInt("SL_OFFSET_BPS", 180),
		TightenStop: envBool("SL_TIGHTEN", false),

		BaseAsset:        envStr("BASE_ASSET", "USDT"),
		RiskPct:          envFloat("RISK_PCT", 0.20),
		DailyLossCapPct:  envFloat("DAILY_LOSS_CAP_PCT", 1.0),
		MaxConcurrent:    envInt("MAX_CONCURRENT", 3),
		MaxSymbolTrades:  envInt("MAX_SYMBOL_TRADES", 1),
		EquityCacheTTL:   envDuration("EQUITY_CACHE_TTL", 15*time.Second),
		SessionResetHour: envInt("SESSION_RESET_HOUR", 0),

		BreakerNotifyCooldown: envDuration("BREAKER_NOTIFY_COOLDOWN", 5*time.Minute),

		ApprovalURL:     envStr("APPROVAL_SERVICE_URL", ""),
		ApprovalSecret:  envStr("APPROVAL_SHARED_SECRET", ""),
		ApprovalTimeout: envDuration("APPROVAL_TIMEOUT", 2*time.Minute),

		TelegramToken:  envStr("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: envInt64("TELEGRAM_CHAT_ID", 0),

		APIPort: envInt("API_SERVER_PORT", 8080),

		DBPath: envStr("DB_PATH", "data/exitguard.db"),

		LogLevel: envStr("LOG_LEVEL", "info"),
		LogFile:  envStr("LOG_FILE", ""),
	}
}

// Validate checks settings that must be correct before the controller
// loop starts. Errors here are fatal at startup.
func (c *Config) Validate() error {
	if c.BybitAPIKey == "" || c.BybitAPISecret == "" {
		return fmt.Errorf("BYBIT_API_KEY / BYBIT_API_SECRET must be set")
	}
	if c.RungCount < 1 {
		return fmt.Errorf("RECON_RUNG_COUNT must be >= 1, got %d", c.RungCount)
	}
	switch c.QtySplit {
	case SplitEqual, SplitLinear, SplitFrontload:
	default:
		return fmt.Errorf("unknown RECON_QTY_SPLIT %q", c.QtySplit)
	}
	switch c.SpacingMode {
	case SpacingEqualR, SpacingFixedBps, SpacingATR:
	default:
		return fmt.Errorf("unknown RECON_SPACING %q", c.SpacingMode)
	}
	if c.SpacingMode == SpacingEqualR && (c.RStart <= 0 || c.RStep <= 0) {
		return fmt.Errorf("RECON_R_START and RECON_R_STEP must be > 0")
	}
	if c.SpacingMode == SpacingFixedBps && c.FixedStepBps <= 0 {
		return fmt.Errorf("RECON_FIXED_STEP_BPS must be > 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("RECON_POLL_INTERVAL must be > 0")
	}
	if c.TagPrefix == "" || strings.ContainsAny(c.TagPrefix, ": ") {
		return fmt.Errorf("RECON_TAG_PREFIX must be non-empty and contain no ':' or spaces")
	}
	if c.SessionResetHour < 0 || c.SessionResetHour > 23 {
		return fmt.Errorf("SESSION_RESET_HOUR must be 0..23, got %d", c.SessionResetHour)
	}
	if c.ApprovalURL != "" && c.ApprovalSecret == "" {
		return fmt.Errorf("APPROVAL_SHARED_SECRET required when APPROVAL_SERVICE_URL is set")
	}
	return nil
}

func envStr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envInt64(name string, def int64) int64 {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(name string, def float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		// plain integers are seconds, matching the original env files
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func envCSV(name string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.ToUpper(strings.TrimSpace(part)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
