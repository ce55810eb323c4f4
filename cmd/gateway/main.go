package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/basislabs/basis-gateway/internal/api"
	"github.com/basislabs/basis-gateway/internal/circuit"
	"github.com/basislabs/basis-gateway/internal/config"
	"github.com/basislabs/basis-gateway/internal/critic"
	"github.com/basislabs/basis-gateway/internal/events"
	"github.com/basislabs/basis-gateway/internal/gateway"
	"github.com/basislabs/basis-gateway/internal/ledger"
	"github.com/basislabs/basis-gateway/internal/monitoring"
	"github.com/basislabs/basis-gateway/internal/planner"
	"github.com/basislabs/basis-gateway/internal/policy"
	"github.com/basislabs/basis-gateway/internal/stream"
	"github.com/basislabs/basis-gateway/internal/tripwire"
	"github.com/basislabs/basis-gateway/internal/trust"
	"github.com/basislabs/basis-gateway/internal/velocity"
	"github.com/basislabs/basis-gateway/internal/webhooks"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Pipeline state
	registry := trust.NewRegistry(cfg.Trust.DefaultScore, trust.VelocityCaps{
		MaxPerUpdate: cfg.Trust.MaxPerUpdate,
		MaxPerHour:   cfg.Trust.MaxPerHour,
		MaxPerDay:    cfg.Trust.MaxPerDay,
	})
	limiter := velocity.NewLimiter()
	breaker := circuit.NewBreaker(circuit.Config{
		MetricsWindow:      time.Duration(cfg.Circuit.WindowSeconds) * time.Second,
		ResetTimeout:       time.Duration(cfg.Circuit.ResetSeconds) * time.Second,
		MinRequests:        cfg.Circuit.MinRequests,
		HighRiskRatio:      cfg.Circuit.HighRiskRatio,
		HighRiskThreshold:  cfg.Circuit.HighRiskThreshold,
		TripwireThreshold:  cfg.Circuit.TripwireThreshold,
		InjectionThreshold: cfg.Circuit.InjectionThreshold,
		CriticBlockLimit:   cfg.Circuit.CriticThreshold,
		ProbeSuccesses:     cfg.Circuit.ProbeSuccesses,
		ViolationHaltLimit: cfg.Circuit.ViolationHalt,
	})
	evaluator := policy.NewEvaluator(policy.NewCatalog())
	chain := ledger.NewLedger()
	bus := events.NewBus()
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	// Verdict cache
	var cache *policy.VerdictCache
	if cfg.Cache.Enabled {
		var backend policy.Backend
		switch cfg.Cache.Backend {
		case "redis":
			redisBackend := policy.NewRedisBackend(
				cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.CacheTTL())
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := redisBackend.Ping(pingCtx); err != nil {
				log.Fatalf("Redis cache backend unreachable at %s: %v", cfg.Cache.RedisAddr, err)
			}
			cancel()
			defer redisBackend.Close()
			backend = redisBackend
		default:
			backend = policy.NewMemoryBackend(cfg.Cache.MaxEntries, cfg.CacheTTL())
		}
		cache = policy.NewVerdictCache(backend)
	}

	// Adversarial critic
	var reviewer *critic.Critic
	if cfg.Critic.Enabled && cfg.Critic.APIKey != "" {
		provider, err := critic.NewProvider(critic.ProviderConfig{
			Name:        cfg.Critic.Provider,
			APIKey:      cfg.Critic.APIKey,
			Model:       cfg.Critic.Model,
			Temperature: cfg.Critic.Temperature,
		})
		if err != nil {
			log.Fatalf("Failed to build critic provider: %v", err)
		}
		reviewer = critic.New(provider, cfg.CriticTimeout())
		slog.Info("critic enabled", "provider", cfg.Critic.Provider, "model", provider.ModelName())
	} else {
		slog.Warn("critic disabled; plans proceed on planner risk alone")
	}

	// Webhook delivery
	hookRegistry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(hookRegistry, cfg.Webhooks.Workers)
	defer dispatcher.Shutdown()

	g := gateway.New(gateway.Options{
		Tripwire:  tripwire.NewMatcher(),
		Planner:   planner.New(),
		Critic:    reviewer,
		Trust:     registry,
		Velocity:  limiter,
		Breaker:   breaker,
		Evaluator: evaluator,
		Cache:     cache,
		Ledger:    chain,
		Bus:       bus,
		Hooks:     dispatcher,
		Metrics:   metrics,
	})

	// Background trust decay
	stopDecay := registry.StartDecay(cfg.Trust.DecayRate, cfg.DecayInterval())
	defer stopDecay()

	// Live event feed
	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	streamer := stream.NewStreamer(bus)
	go streamer.Run(streamCtx)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewServer(g, hookRegistry, streamer).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, draining")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("gateway listening", "port", cfg.Server.Port, "env", cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
