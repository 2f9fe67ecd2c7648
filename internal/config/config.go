package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every threshold the engine reads. Loaded once from the
// environment at startup; the hot-reloadable subset can be swapped at
// runtime through ApplyUpdate.
type Config struct {
	mu sync.RWMutex

	// Mode
	DryRun  bool
	Testnet bool
	Debug   bool

	// Exchange
	APIKey       string
	APISecret    string
	RESTBaseURL  string
	WSBaseURL    string
	WeightPerMin int // venue request-weight budget

	// Scanner
	TopNByVolume         int
	MaxSymbols           int
	MinQuoteVolume       decimal.Decimal
	Whitelist            []string
	TestnetWhitelist     []string
	Blacklist            []string
	DynamicWhitelistTopK int

	// Signals
	MinScoreTrend float64
	MinScoreRange float64
	MinRRTrend    float64
	MinRRRange    float64
	RSIOversold   float64
	RSIOverbought float64
	MIHardBlock   float64 // |sentiment| beyond which entries are blocked
	SignalTimeout time.Duration

	// Risk
	RiskPerTrade      decimal.Decimal // fraction of balance risked per trade
	MaxPositions      int
	ReversalExtraPct  decimal.Decimal
	MaxMarginPerPos   decimal.Decimal // fraction of wallet
	MaxPortfolioRisk  decimal.Decimal
	DCAReservePct     decimal.Decimal
	HighPriorityScore float64 // YELLOW zone admits only above this
	CrossMarginScore  float64 // score at or above uses cross margin
	DefaultLeverage   int
	ATRStopMult       float64
	ATRStopMinPct     float64
	ATRStopMaxPct     float64

	// Circuit breakers
	MaxDailyLossPct   decimal.Decimal
	MaxConsecStopOuts int
	BreakerCooldown   time.Duration
	HeartbeatTimeout  time.Duration

	// Executor
	OrderTimeout     time.Duration
	EntryAttempts    int
	PriceBufferPct   decimal.Decimal
	PostOnly         bool
	AllowMarketEntry bool
	DepthFloorUSD    decimal.Decimal
	HeadroomMinPct   decimal.Decimal
	ReduceStepPct    decimal.Decimal
	MarginRetries    int
	DynamicTP        bool

	// Monitor
	MonitorInterval       time.Duration
	EmergencyLossPct      decimal.Decimal
	FundingExitWindow     time.Duration
	FundingExitRate       decimal.Decimal
	FundingExitMinProfit  decimal.Decimal
	BreakevenThresholdPct decimal.Decimal
	TrailingActivationPct decimal.Decimal
	TimeExitAfter         time.Duration
	TakerFeePct           decimal.Decimal

	// Orchestrator
	CycleInterval   time.Duration
	StopGraceFactor int // stop deadline = factor * cycle interval

	// Persistence
	DatabaseDSN string
	MetadataTTL time.Duration

	// Telemetry
	TelegramToken  string
	TelegramChatID int64
}

// Load builds a Config from environment variables with defaults for every knob.
func Load() (*Config, error) {
	cfg := &Config{
		DryRun:  getEnvBool("DRY_RUN", true),
		Testnet: getEnvBool("TESTNET", false),
		Debug:   getEnvBool("DEBUG", false),

		APIKey:       os.Getenv("EXCHANGE_API_KEY"),
		APISecret:    os.Getenv("EXCHANGE_API_SECRET"),
		RESTBaseURL:  getEnv("EXCHANGE_REST_URL", "https://fapi.binance.com"),
		WSBaseURL:    getEnv("EXCHANGE_WS_URL", "wss://fstream.binance.com/ws"),
		WeightPerMin: getEnvInt("EXCHANGE_WEIGHT_PER_MIN", 1200),

		TopNByVolume:         getEnvInt("SCANNER_TOP_N", 800),
		MaxSymbols:           getEnvInt("MAX_SYMBOLS", 80),
		MinQuoteVolume:       getEnvDecimal("MIN_QUOTE_VOLUME", decimal.NewFromInt(5_000_000)),
		Whitelist:            getEnvList("SYMBOL_WHITELIST"),
		TestnetWhitelist:     getEnvList("TESTNET_WHITELIST"),
		Blacklist:            getEnvList("SYMBOL_BLACKLIST"),
		DynamicWhitelistTopK: getEnvInt("DYNAMIC_WHITELIST_TOP_K", 5),

		MinScoreTrend: getEnvFloat("MIN_SCORE_TREND", 72),
		MinScoreRange: getEnvFloat("MIN_SCORE_RANGE", 78),
		MinRRTrend:    getEnvFloat("MIN_RR_TREND", 1.5),
		MinRRRange:    getEnvFloat("MIN_RR_RANGE", 2.0),
		RSIOversold:   getEnvFloat("RSI_OVERSOLD", 30),
		RSIOverbought: getEnvFloat("RSI_OVERBOUGHT", 70),
		MIHardBlock:   getEnvFloat("MI_HARD_BLOCK", 40),
		SignalTimeout: getEnvDuration("SIGNAL_TIMEOUT", 8*time.Second),

		RiskPerTrade:      getEnvDecimal("RISK_PER_TRADE", decimal.NewFromFloat(0.014)),
		MaxPositions:      getEnvInt("MAX_POSITIONS", 6),
		ReversalExtraPct:  getEnvDecimal("REVERSAL_EXTRA_PCT", decimal.NewFromFloat(0.5)),
		MaxMarginPerPos:   getEnvDecimal("MAX_MARGIN_PER_POSITION", decimal.NewFromFloat(0.15)),
		MaxPortfolioRisk:  getEnvDecimal("MAX_PORTFOLIO_RISK", decimal.NewFromFloat(0.10)),
		DCAReservePct:     getEnvDecimal("DCA_RESERVE_PCT", decimal.NewFromFloat(0.20)),
		HighPriorityScore: getEnvFloat("HIGH_PRIORITY_SCORE", 85),
		CrossMarginScore:  getEnvFloat("CROSS_MARGIN_SCORE", 85),
		DefaultLeverage:   getEnvInt("DEFAULT_LEVERAGE", 5),
		ATRStopMult:       getEnvFloat("ATR_STOP_MULT", 1.5),
		ATRStopMinPct:     getEnvFloat("ATR_STOP_MIN_PCT", 0.5),
		ATRStopMaxPct:     getEnvFloat("ATR_STOP_MAX_PCT", 3.0),

		MaxDailyLossPct:   getEnvDecimal("MAX_DAILY_LOSS_PCT", decimal.NewFromFloat(0.05)),
		MaxConsecStopOuts: getEnvInt("MAX_CONSECUTIVE_STOPOUTS", 3),
		BreakerCooldown:   getEnvDuration("BREAKER_COOLDOWN", 4*time.Hour),
		HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 90*time.Second),

		OrderTimeout:     getEnvDuration("ORDER_TIMEOUT", 10*time.Second),
		EntryAttempts:    getEnvInt("ENTRY_ATTEMPTS", 3),
		PriceBufferPct:   getEnvDecimal("PRICE_BUFFER_PCT", decimal.NewFromFloat(0.0005)),
		PostOnly:         getEnvBool("POST_ONLY", true),
		AllowMarketEntry: getEnvBool("ALLOW_MARKET_ENTRY", true),
		DepthFloorUSD:    getEnvDecimal("DEPTH_FLOOR_USD", decimal.NewFromInt(100_000)),
		HeadroomMinPct:   getEnvDecimal("HEADROOM_MIN_PCT", decimal.NewFromFloat(15)),
		ReduceStepPct:    getEnvDecimal("REDUCE_STEP_PCT", decimal.NewFromFloat(0.25)),
		MarginRetries:    getEnvInt("MARGIN_RETRIES", 3),
		DynamicTP:        getEnvBool("DYNAMIC_TP", true),

		MonitorInterval:       getEnvDuration("MONITOR_INTERVAL", 3*time.Second),
		EmergencyLossPct:      getEnvDecimal("EMERGENCY_LOSS_PCT", decimal.NewFromFloat(15)),
		FundingExitWindow:     getEnvDuration("FUNDING_EXIT_WINDOW", 30*time.Minute),
		FundingExitRate:       getEnvDecimal("FUNDING_EXIT_RATE", decimal.NewFromFloat(0.0008)),
		FundingExitMinProfit:  getEnvDecimal("FUNDING_EXIT_MIN_PROFIT", decimal.NewFromFloat(0.5)),
		BreakevenThresholdPct: getEnvDecimal("BREAKEVEN_THRESHOLD_PCT", decimal.NewFromFloat(8)),
		TrailingActivationPct: getEnvDecimal("TRAILING_ACTIVATION_PCT", decimal.NewFromFloat(15)),
		TimeExitAfter:         getEnvDuration("TIME_EXIT_AFTER", 6*time.Hour),
		TakerFeePct:           getEnvDecimal("TAKER_FEE_PCT", decimal.NewFromFloat(0.05)),

		CycleInterval:   getEnvDuration("CYCLE_INTERVAL", 3*time.Minute),
		StopGraceFactor: getEnvInt("STOP_GRACE_FACTOR", 2),

		DatabaseDSN: getEnv("DATABASE_DSN", "data/perpbot.db"),
		MetadataTTL: getEnvDuration("METADATA_TTL", 7*24*time.Hour),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.Testnet {
		cfg.RESTBaseURL = getEnv("EXCHANGE_REST_URL", "https://testnet.binancefuture.com")
		cfg.WSBaseURL = getEnv("EXCHANGE_WS_URL", "wss://stream.binancefuture.com/ws")
	}

	if !cfg.DryRun && (cfg.APIKey == "" || cfg.APISecret == "") {
		return nil, fmt.Errorf("EXCHANGE_API_KEY and EXCHANGE_API_SECRET are required for live trading")
	}

	return cfg, nil
}

// Update carries the hot-reloadable subset accepted by update_config.
// Knobs affecting protection orders are applied by the monitor on its
// next tick; nothing here requires a restart.
type Update struct {
	CycleInterval *time.Duration
	MinScoreTrend *float64
	MinScoreRange *float64
	MaxPositions  *int
	MaxSymbols    *int
	Whitelist     []string
}

// ApplyUpdate swaps the hot-reloadable knobs under lock.
func (c *Config) ApplyUpdate(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if u.CycleInterval != nil && *u.CycleInterval > 0 {
		c.CycleInterval = *u.CycleInterval
	}
	if u.MinScoreTrend != nil {
		c.MinScoreTrend = *u.MinScoreTrend
	}
	if u.MinScoreRange != nil {
		c.MinScoreRange = *u.MinScoreRange
	}
	if u.MaxPositions != nil && *u.MaxPositions > 0 {
		c.MaxPositions = *u.MaxPositions
	}
	if u.MaxSymbols != nil && *u.MaxSymbols > 0 {
		c.MaxSymbols = *u.MaxSymbols
	}
	if u.Whitelist != nil {
		c.Whitelist = u.Whitelist
	}
}

// Hot is a point-in-time copy of the hot-reloadable knobs. Components
// take one snapshot per pass and read only the copy, so ApplyUpdate
// never changes thresholds under a running pass and never races a
// lock-free field read.
type Hot struct {
	CycleInterval time.Duration
	MinScoreTrend float64
	MinScoreRange float64
	MaxPositions  int
	MaxSymbols    int
	Whitelist     []string
}

// Snapshot copies the hot-reloadable knobs under lock.
func (c *Config) Snapshot() Hot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Hot{
		CycleInterval: c.CycleInterval,
		MinScoreTrend: c.MinScoreTrend,
		MinScoreRange: c.MinScoreRange,
		MaxPositions:  c.MaxPositions,
		MaxSymbols:    c.MaxSymbols,
		Whitelist:     append([]string(nil), c.Whitelist...),
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.ToUpper(strings.TrimSpace(p)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
