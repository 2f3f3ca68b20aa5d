package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"

	"github.com/yourusername/chatgate/api"
	"github.com/yourusername/chatgate/auth"
	"github.com/yourusername/chatgate/clock"
	"github.com/yourusername/chatgate/completion"
	"github.com/yourusername/chatgate/config"
	"github.com/yourusername/chatgate/degrade"
	"github.com/yourusername/chatgate/metrics"
	"github.com/yourusername/chatgate/middleware"
	"github.com/yourusername/chatgate/store"
)

// gateway holds the wired request pipeline
type gateway struct {
	handler http.Handler
	metrics *metrics.Metrics
}

// newGateway wires the rate limiter and routes on top of bucketStore.
//
// /health, /metrics and / are served without authentication or rate
// limiting. Everything under /v1/ is authenticated, then rate limited,
// except /v1/ratelimit/check which spends the caller's tokens itself.
func newGateway(cfg *config.Config, bucketStore store.Store, clk clock.Clock, backend completion.Backend, meters metric.MeterProvider) (*gateway, error) {
	table, err := cfg.PolicyTable()
	if err != nil {
		return nil, err
	}
	log.Info().Strs("tiers", table.Tiers()).Str("default_tier", cfg.Limits.DefaultTier).Msg("rate limit policies loaded")

	// Create metrics tracker
	m := metrics.NewMetrics(metrics.WithClock(clk.Now))
	if err := m.Instrument(meters.Meter(meterName)); err != nil {
		return nil, err
	}

	degradeCfg := cfg.DegradeConfig()
	degradeCfg.Sink = m
	ttl := cfg.IdleTTL()

	limiter, err := middleware.NewRateLimiter(middleware.Config{
		Policies:   table,
		Controller: degrade.New(bucketStore, degradeCfg),
		Clock:      clk,
		Recorder:   m,
		TTL:        &ttl,
	})
	if err != nil {
		return nil, err
	}

	authenticate := auth.Middleware(cfg.Authenticator())

	v1 := http.NewServeMux()
	v1.HandleFunc("/v1/auth/me", api.Me)
	v1.Handle("/v1/chat/completions", completion.NewHandler(backend, clk))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.Health)
	mux.Handle("/metrics", api.NewMetricsHandler(m))
	mux.Handle("/v1/ratelimit/check", authenticate(http.HandlerFunc(api.NewHandler(limiter).CheckRateLimit)))
	mux.Handle("/v1/", authenticate(limiter.Middleware(v1)))
	mux.HandleFunc("/", rootHandler)

	return &gateway{
		handler: middleware.RequestID(mux),
		metrics: m,
	}, nil
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "chatgate",
		"endpoints": map[string]string{
			"POST /v1/chat/completions": "Chat completion (authenticated, rate limited)",
			"GET /v1/auth/me":           "Authenticated caller",
			"POST /v1/ratelimit/check":  "Spend one of the caller's tokens and report the verdict",
			"GET /metrics":              "Rate limiting metrics (JSON)",
			"GET /health":               "Health check",
		},
	})
}
