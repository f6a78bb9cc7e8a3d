// Command resolver runs the flag-resolution engine as a long-lived process:
// it keeps per-account catalogs warm (Redis-backed, NATS-pushed, poll-
// refreshed), drains telemetry to ClickHouse on a fixed cadence, and serves
// a liveness/readiness surface. The resolve/apply API itself is served over
// the embedding boundary this repository's transport and WASM-host
// collaborators own, not plain HTTP — see pkg/resolver.Service for that
// entry point; this process's job is to keep Service's dependencies (a
// catalog, a cipher, the telemetry aggregators) alive and healthy.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/confidence-resolver/resolver/cmd/resolver/internal/cache"
	"github.com/confidence-resolver/resolver/cmd/resolver/internal/catalogsync"
	"github.com/confidence-resolver/resolver/cmd/resolver/internal/health"
	"github.com/confidence-resolver/resolver/cmd/resolver/internal/telemetrysink"
	"github.com/confidence-resolver/resolver/pkg/config"
	"github.com/confidence-resolver/resolver/pkg/rbac"
	"github.com/confidence-resolver/resolver/pkg/telemetry"
	"github.com/confidence-resolver/resolver/pkg/token"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg.Observability.Logging)
	logger.Info().Str("environment", cfg.Server.Environment).Msg("starting resolver")

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.Database,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer redisClient.Close()

	natsConn, err := nats.Connect(cfg.NATS.URL,
		nats.Name("resolver"),
		nats.MaxReconnects(cfg.NATS.MaxReconnect),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.Timeout),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer natsConn.Close()

	acl, err := rbac.NewRBAC()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize RBAC")
	}
	if err := acl.AssignRole(rbac.Subject{ID: "catalogsync", Type: "service"}, rbac.RoleService, "*"); err != nil {
		logger.Fatal().Err(err).Msg("failed to assign catalogsync service role")
	}

	catalogCache := cache.NewCatalogCache(redisClient, logger)
	syncer := catalogsync.NewSyncer(catalogCache, natsConn, cfg, acl, logger)
	if err := syncer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start catalog syncer")
	}
	defer syncer.Close()

	// clientInstanceID is this process's stable identity for the resolve
	// counters it reports; a fresh one each start matches the reference
	// behavior of treating instance identity as ephemeral to the process.
	clientInstanceID := uuid.NewString()
	resolveLogger := telemetry.NewResolveLogger(clientInstanceID)
	assignLogger := telemetry.NewAssignLogger()

	sink, err := telemetrysink.New(cfg.ClickHouse, resolveLogger, assignLogger,
		cfg.Resolver.ResolveCheckpoint, cfg.Resolver.AssignCheckpoint, cfg.Resolver.AssignBatchLimit, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry sink")
	}
	sink.Start()
	defer sink.Close()

	tokenKey, err := cfg.TokenEncryptionKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid token encryption key")
	}
	// Fail fast on a bad or missing key rather than letting the embedding
	// transport discover it on the first resolve; transport constructs its
	// own per-account resolver.Service using the same key material.
	if _, err := token.NewCipher(tokenKey, cfg.Resolver.RequireNonZeroKey); err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize token cipher")
	}

	healthHandler := health.New(catalogCache, version, logger)
	router := chi.NewRouter()
	healthHandler.Mount(router)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("health server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("health server failed")
		}
	}()

	waitForShutdown(logger, srv, cfg.Server.ShutdownTimeout)
}

func waitForShutdown(logger zerolog.Logger, srv *http.Server, timeout time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}
	logger.Info().Msg("resolver shut down")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
