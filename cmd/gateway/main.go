// Command gateway serves the rate-limited chat completion API.
//
// Configuration comes from the YAML file named by CHATGATE_CONFIG (optional)
// and environment overrides; see package config.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/yourusername/chatgate/clock"
	"github.com/yourusername/chatgate/completion"
	"github.com/yourusername/chatgate/config"
	"github.com/yourusername/chatgate/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CHATGATE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real{}

	// Choose storage backend
	var bucketStore store.Store
	if cfg.Redis.Addr != "" {
		client := store.NewRedisClient(cfg.RedisClientConfig())
		redisStore, err := store.NewRedisStore(client, cfg.RedisOptions()...)
		if err != nil {
			log.Fatal().Err(err).Msg("redis store config error")
		}
		defer redisStore.Close()

		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		if err := redisStore.Ping(pingCtx); err != nil {
			// Requests are admitted unmetered until Redis answers.
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at start, rate limiting will fail open")
		} else {
			log.Info().Str("addr", cfg.Redis.Addr).Str("mode", redisStore.Mode()).Msg("connected to redis")
		}
		cancelPing()
		bucketStore = redisStore
	} else {
		log.Warn().Msg("REDIS_ADDR not set, using in-memory bucket store (single instance only)")
		memoryStore := store.NewMemoryStore(clk.Now)
		stopCleanup := memoryStore.StartBackgroundCleanup(time.Minute)
		defer stopCleanup()
		bucketStore = memoryStore
	}

	if len(cfg.APIKeys) == 0 {
		log.Warn().Msg("no api_keys configured, every /v1/ request will be rejected")
	}

	meterProvider, err := newMeterProvider(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry setup error")
	}
	otel.SetMeterProvider(meterProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("meter provider shutdown")
		}
	}()

	gw, err := newGateway(cfg, bucketStore, clk, completion.MockBackend{Delay: 500 * time.Millisecond}, meterProvider)
	if err != nil {
		log.Fatal().Err(err).Msg("gateway setup error")
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("listen", cfg.Listen).Str("default_tier", cfg.Limits.DefaultTier).Msg("chatgate listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("shut down")
}

func setupLogging(cfg *config.Config) {
	zerolog.SetGlobalLevel(cfg.LogLevel())
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
