package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veridoc/internal/analytics"
	"veridoc/internal/document"
	"veridoc/internal/platform/config"
	"veridoc/internal/platform/httpserver"
	"veridoc/internal/platform/logger"
	"veridoc/internal/platform/postgres"
	platformredis "veridoc/internal/platform/redis"
	"veridoc/internal/verification"
	"veridoc/internal/verification/adapters"
	"veridoc/internal/verification/cache"
	"veridoc/internal/verification/events"
	"veridoc/internal/verification/handler"
	"veridoc/internal/verification/metrics"
	"veridoc/internal/verification/service"
	verificationstore "veridoc/internal/verification/store"
	"veridoc/pkg/platform/httputil"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	db, err := postgres.Open(cfg.Postgres)
	if err != nil {
		log.Error("postgres connect failed", "error", err.Error())
		os.Exit(1)
	}
	var store verificationstore.Store
	if db != nil {
		store = verificationstore.NewPostgresStore(db)
		defer db.Close()
	} else {
		log.Warn("DATABASE_URL not set, using in-memory record store")
		store = verificationstore.NewMemoryStore()
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connect failed", "error", err.Error())
		os.Exit(1)
	}
	var statusCache cache.StatusCache = cache.NoopCache{}
	if redisClient != nil {
		statusCache = cache.NewRedisCache(redisClient.Client, cfg.Orchestrator.StatusCacheTTL)
		defer redisClient.Close()
	}

	bus := events.NewBus()
	publisher := events.Fanout{bus}
	kafkaPublisher, err := events.NewKafkaPublisher(cfg.Kafka)
	if err != nil {
		log.Error("kafka connect failed", "error", err.Error())
		os.Exit(1)
	}
	if kafkaPublisher != nil {
		publisher = append(publisher, kafkaPublisher)
	}
	defer func() { _ = publisher.Close() }()

	backendAdapters := service.Adapters{
		verification.SubsystemForensics: adapters.NewForensicsAdapter(
			cfg.Backends.ForensicsURL, cfg.Backends.ForensicsPollInterval, cfg.Backends.MaxPollAttempts),
		verification.SubsystemLedger: adapters.NewLedgerAdapter(
			cfg.Backends.LedgerURL, cfg.Backends.LedgerPollInterval, cfg.Backends.MaxPollAttempts),
		verification.SubsystemContentStore: adapters.NewContentStoreAdapter(
			cfg.Backends.ContentStoreURL, cfg.Backends.ContentStorePollInterval, cfg.Backends.MaxPollAttempts),
	}

	// The document subsystem proper is out of process; this shim satisfies the
	// narrow contract the orchestrator consumes.
	documents := document.NewMemoryStore()

	orchestrator := service.New(service.Params{
		Store:     store,
		Cache:     statusCache,
		Documents: documents,
		Adapters:  backendAdapters,
		Publisher: publisher,
		Notifier:  events.NewCallbackNotifier(log),
		Logger:    log,
		Metrics:   metrics.New(),
		Config: service.Config{
			MaxActive:  cfg.Orchestrator.MaxActive,
			DefaultTTL: cfg.Orchestrator.VerificationTTL,
		},
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go orchestrator.RunExpirySweep(sweepCtx, cfg.Orchestrator.SweepInterval)

	// The verification handler mounts its own middleware chain; health and
	// metrics stay outside it so probes never hit the request log.
	router := chi.NewRouter()
	router.Get("/healthz", healthHandler(db, redisClient, kafkaPublisher != nil))
	router.Handle("/metrics", promhttp.Handler())
	handler.New(orchestrator, analytics.New(store), log, cfg.WebhookSigningKey).Register(router)

	srv := httpserver.New(cfg.Addr, router)
	log.Info("starting veridoc", "addr", cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err.Error())
	}
	if err := orchestrator.Shutdown(ctx); err != nil {
		log.Error("orchestrator shutdown incomplete", "error", err.Error())
	}
}

func healthHandler(db *sql.DB, redisClient *platformredis.Client, hasKafka bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"server": "ok"}
		healthy := true

		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				checks["postgres"] = err.Error()
				healthy = false
			} else {
				checks["postgres"] = "ok"
			}
		} else {
			checks["postgres"] = "not configured"
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		} else {
			checks["redis"] = "not configured"
		}
		if hasKafka {
			checks["kafka"] = "ok"
		} else {
			checks["kafka"] = "not configured"
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, checks)
	}
}
