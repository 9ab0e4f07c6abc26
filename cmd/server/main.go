package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/api"
	"github.com/atmx/paper-engine/internal/config"
	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/events"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/pending"
	"github.com/atmx/paper-engine/internal/quote"
	"github.com/atmx/paper-engine/internal/risk"
	"github.com/atmx/paper-engine/internal/scheduler"
	"github.com/atmx/paper-engine/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := cfg.Logging.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Price oracle ---
	var upstream quote.Oracle
	if alpaca, err := quote.NewAlpacaOracle(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL); err == nil {
		upstream = alpaca
		slog.Info("using Alpaca market data")
	} else {
		slog.Warn("Alpaca credentials not set, using static seed prices", "symbols", len(cfg.Quotes.Seed))
		upstream = quote.NewStaticOracle(cfg.SeedPrices())
	}

	var cache quote.Cache = quote.NewMemoryCache()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cache = quote.NewRedisCache(rdb)
		slog.Info("Redis quote cache enabled")
	}
	oracle := quote.NewCachedOracle(upstream, cache, cfg.Quotes.CacheTTL, cfg.Quotes.Timeout)

	// --- Event sinks ---
	hub := events.NewHub(logger)
	sinks := []events.Sink{hub}

	var journal api.TradeHistory
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pj := store.NewPostgresJournal(pool)
		if err := pj.EnsureSchema(ctx); err != nil {
			slog.Error("trade journal schema failed", "err", err)
			os.Exit(1)
		}
		journal = pj
		sinks = append(sinks, events.NewJournalSink(pj))
		slog.Info("connected to PostgreSQL trade journal")
	} else {
		slog.Warn("DATABASE_URL not set, trades are kept in memory only")
	}

	var kafkaPub *events.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPub = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		sinks = append(sinks, kafkaPub)
		slog.Info("Kafka event publishing enabled", "topic", cfg.Kafka.Topic)
	}

	dispatcher := events.NewDispatcher(cfg.Events.Buffer, logger, sinks...)
	go dispatcher.Run(ctx)
	go hub.Run(ctx)

	// --- Engine ---
	repo := store.NewMemoryRepository()
	eng := engine.New(repo, oracle, cfg.Engine(),
		engine.WithPublisher(dispatcher),
		engine.WithLogger(logger),
	)

	// --- Background sweeps ---
	sched := scheduler.New(logger)
	if err := sched.Every(cfg.Scheduler.PendingInterval, pending.New(eng, oracle, logger)); err != nil {
		slog.Error("failed to schedule pending-order sweep", "err", err)
		os.Exit(1)
	}
	if err := sched.Every(cfg.Scheduler.RiskInterval, risk.New(eng, oracle, dispatcher, logger)); err != nil {
		slog.Error("failed to schedule risk monitor", "err", err)
		os.Exit(1)
	}
	sched.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for browser clients.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"paper-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	svc := api.NewService(eng, oracle, journal)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of fills and stop-loss triggers.
		r.Get("/ws", hub.HandleWS)
		svc.Register(r)
	})

	// --- Server ---
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("paper-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down paper-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	// Sweeps stop before the dispatcher so their last events are delivered.
	sched.Stop()
	dispatcher.Close()
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			slog.Error("kafka writer close failed", "err", err)
		}
	}
	stop()
	fmt.Println("paper-engine stopped")
}
