package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/arenex/exchange-core/internal/config"
	"github.com/arenex/exchange-core/internal/engine"
	"github.com/arenex/exchange-core/internal/gateway"
	"github.com/arenex/exchange-core/internal/journal"
	"github.com/arenex/exchange-core/internal/model"
	"github.com/arenex/exchange-core/internal/risk"
	"github.com/arenex/exchange-core/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// --- Audit store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			slog.Error("schema provisioning failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (audit data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Recovery journal ---
	recs, err := journal.ReadAll(cfg.JournalPath)
	if err != nil {
		slog.Error("journal unreadable, refusing to start", "path", cfg.JournalPath, "err", err)
		os.Exit(1)
	}
	jw, err := journal.OpenWriter(cfg.JournalPath)
	if err != nil {
		slog.Error("journal open failed", "path", cfg.JournalPath, "err", err)
		os.Exit(1)
	}

	// --- Engine ---
	eng := engine.New(engine.Options{
		Risk: risk.Params{
			TickSize:              cfg.TickSize,
			PriceCollarPct:        cfg.PriceCollarPct,
			MaxOrderQty:           cfg.MaxOrderQty,
			MaxOrderNotional:      cfg.MaxOrderNotional,
			RateTokensPerSec:      cfg.RateTokensPerSec,
			RateBurst:             cfg.RateBurst,
			MarginMode:            cfg.MarginMode,
			InitialMarginRate:     cfg.InitialMarginRate,
			MaintenanceMarginRate: cfg.MaintenanceMarginRate,
		},
		StartingCapital:        cfg.StartingCapital,
		BookDepth:              cfg.BookDepth,
		SelfMatchPolicy:        cfg.SelfMatchPolicy,
		LiquidationMaxAttempts: cfg.LiquidationMaxAttempts,
		Journal:                jw,
	})
	if len(recs) > 0 {
		slog.Info("replaying journal", "path", cfg.JournalPath, "frames", len(recs))
		if err := eng.Replay(recs); err != nil {
			slog.Error("journal replay failed, refusing to start", "err", err)
			os.Exit(1)
		}
		slog.Info("replay complete", "orders_resting", len(eng.State().Orders))
	}

	inbound := make(chan engine.Inbound, cfg.QueueCapacity)
	outbound := make(chan model.Event, cfg.QueueCapacity)

	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineErr := make(chan error, 1)
	go func() { engineErr <- eng.Run(engineCtx, inbound, outbound) }()

	// --- Event fan-out and audit recorder ---
	hub := gateway.NewHub()
	go hub.Run()

	rec := store.NewRecorder(st, logger, 0)
	recCtx, stopRecorder := context.WithCancel(context.Background())
	recDone := make(chan struct{})
	go func() {
		rec.Run(recCtx)
		close(recDone)
	}()

	dispatchDone := make(chan struct{})
	go func() {
		gateway.Dispatch(outbound, hub, rec)
		close(dispatchDone)
	}()

	// --- HTTP server ---
	gw := gateway.New(st, hub, inbound, cfg.AdminToken)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-core listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// --- Shutdown ---
	// Either an OS signal or an engine fault takes the process down;
	// only a signal counts as a clean shutdown.
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-sigCtx.Done():
		slog.Info("shutting down exchange-core")
	case runErr = <-engineErr:
		slog.Error("engine stopped", "err", runErr)
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
	}
	cancel()

	stopEngine()
	if runErr == nil {
		runErr = <-engineErr
	}
	close(outbound)
	<-dispatchDone

	stopRecorder()
	<-recDone

	if err := jw.Close(); err != nil {
		slog.Error("journal close error", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		// A faulted engine leaves its journal in place for inspection
		// and replay.
		slog.Error("exchange-core stopped after engine fault", "err", runErr)
		os.Exit(1)
	}

	if archived, err := journal.Archive(cfg.JournalPath); err != nil {
		slog.Error("journal archive error", "err", err)
	} else if archived != "" {
		slog.Info("journal archived", "path", archived)
	}
	slog.Info("exchange-core stopped")
}
