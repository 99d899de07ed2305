// Package config loads the engine's startup configuration from the
// environment. All knobs are fixed for the lifetime of the process;
// there is no live reconfiguration.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arenex/exchange-core/internal/fixed"
	"github.com/arenex/exchange-core/internal/model"
)

// Config is the full set of startup knobs.
type Config struct {
	// Infra.
	Port        string
	DatabaseURL string // empty: in-memory store
	RedisURL    string // empty: no read-through cache
	CacheTTL    time.Duration
	JournalPath string
	AdminToken  string // empty: admin endpoints disabled
	LogLevel    slog.Level

	// Risk and matching.
	TickSize               fixed.Amount // in fixed-point units
	PriceCollarPct         fixed.Amount // fraction of the reference price
	MaxOrderQty            uint32
	MaxOrderNotional       fixed.Amount
	RateTokensPerSec       int64 // 0 disables rate limiting
	RateBurst              int64
	StartingCapital        fixed.Amount
	BookDepth              int
	MarginMode             model.MarginMode
	InitialMarginRate      fixed.Amount
	MaintenanceMarginRate  fixed.Amount
	LiquidationMaxAttempts int
	SelfMatchPolicy        model.SelfMatchPolicy
	QueueCapacity          int
}

// Load reads every knob from the environment, applying defaults for
// unset variables. It fails on the first malformed or out-of-range
// value rather than starting an engine with guessed limits.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        envStr("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JournalPath: envStr("JOURNAL_PATH", "exchange.journal"),
		AdminToken:  os.Getenv("ADMIN_TOKEN"),
	}

	lvl, err := parseLogLevel(envStr("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = lvl

	ttl, err := envInt("CACHE_TTL_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, fmt.Errorf("config: CACHE_TTL_SECONDS must be >= 0, got %d", ttl)
	}
	cfg.CacheTTL = time.Duration(ttl) * time.Second

	tick, err := envInt("TICK_SIZE", 1)
	if err != nil {
		return nil, err
	}
	if tick <= 0 {
		return nil, fmt.Errorf("config: TICK_SIZE must be positive, got %d", tick)
	}
	cfg.TickSize = fixed.Amount(tick)

	collar, err := envAmount("PRICE_COLLAR_PCT", "0.05")
	if err != nil {
		return nil, err
	}
	if collar < 0 || collar >= fixed.Amount(fixed.Scale) {
		return nil, fmt.Errorf("config: PRICE_COLLAR_PCT must be in [0, 1), got %s", collar)
	}
	cfg.PriceCollarPct = collar

	qty, err := envInt("MAX_ORDER_QTY", 10_000)
	if err != nil {
		return nil, err
	}
	if qty <= 0 || qty > math.MaxUint32 {
		return nil, fmt.Errorf("config: MAX_ORDER_QTY out of range: %d", qty)
	}
	cfg.MaxOrderQty = uint32(qty)

	notional, err := envInt("MAX_ORDER_NOTIONAL", 1_000_000_000_000)
	if err != nil {
		return nil, err
	}
	if notional <= 0 {
		return nil, fmt.Errorf("config: MAX_ORDER_NOTIONAL must be positive, got %d", notional)
	}
	cfg.MaxOrderNotional = fixed.Amount(notional)

	rate, err := envInt("RATE_LIMIT_TOKENS_PER_SEC", 1000)
	if err != nil {
		return nil, err
	}
	burst, err := envInt("RATE_LIMIT_BURST", 1000)
	if err != nil {
		return nil, err
	}
	if rate < 0 || burst < 0 {
		return nil, fmt.Errorf("config: rate limit values must be >= 0, got %d/%d", rate, burst)
	}
	if rate > 0 && burst == 0 {
		return nil, fmt.Errorf("config: RATE_LIMIT_BURST must be positive when rate limiting is on")
	}
	cfg.RateTokensPerSec = rate
	cfg.RateBurst = burst

	capital, err := envInt("STARTING_CAPITAL", 1_000_000_000_000)
	if err != nil {
		return nil, err
	}
	if capital < 0 {
		return nil, fmt.Errorf("config: STARTING_CAPITAL must be >= 0, got %d", capital)
	}
	cfg.StartingCapital = fixed.Amount(capital)

	depth, err := envInt("BOOK_DEPTH", 10)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		return nil, fmt.Errorf("config: BOOK_DEPTH must be positive, got %d", depth)
	}
	cfg.BookDepth = int(depth)

	cfg.MarginMode = model.MarginMode(envStr("MARGIN_MODE", string(model.MarginFull)))
	if !cfg.MarginMode.Valid() {
		return nil, fmt.Errorf("config: unknown MARGIN_MODE %q", cfg.MarginMode)
	}

	initial, err := envAmount("INITIAL_MARGIN_RATE", "0.20")
	if err != nil {
		return nil, err
	}
	maint, err := envAmount("MAINTENANCE_MARGIN_RATE", "0.10")
	if err != nil {
		return nil, err
	}
	if initial < 0 || initial >= fixed.Amount(fixed.Scale) {
		return nil, fmt.Errorf("config: INITIAL_MARGIN_RATE must be in [0, 1), got %s", initial)
	}
	if maint < 0 || maint > initial {
		return nil, fmt.Errorf("config: MAINTENANCE_MARGIN_RATE must be in [0, INITIAL_MARGIN_RATE], got %s", maint)
	}
	cfg.InitialMarginRate = initial
	cfg.MaintenanceMarginRate = maint

	attempts, err := envInt("LIQUIDATION_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	if attempts < 1 {
		return nil, fmt.Errorf("config: LIQUIDATION_MAX_ATTEMPTS must be >= 1, got %d", attempts)
	}
	cfg.LiquidationMaxAttempts = int(attempts)

	cfg.SelfMatchPolicy = model.SelfMatchPolicy(envStr("SELF_MATCH_POLICY", string(model.SkipResting)))
	if !cfg.SelfMatchPolicy.Valid() {
		return nil, fmt.Errorf("config: unknown SELF_MATCH_POLICY %q", cfg.SelfMatchPolicy)
	}

	queue, err := envInt("QUEUE_CAPACITY", 1024)
	if err != nil {
		return nil, err
	}
	if queue <= 0 {
		return nil, fmt.Errorf("config: QUEUE_CAPACITY must be positive, got %d", queue)
	}
	cfg.QueueCapacity = int(queue)

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

// envAmount parses a decimal-valued knob exactly, with no float step.
func envAmount(key, def string) (fixed.Amount, error) {
	v := envStr(key, def)
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	a, err := fixed.FromDecimal(d)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return a, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown LOG_LEVEL %q", s)
}
