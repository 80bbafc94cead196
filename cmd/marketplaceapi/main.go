package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentic-marketplace/core/internal/apierr"
	"github.com/agentic-marketplace/core/internal/authn"
	"github.com/agentic-marketplace/core/internal/config"
	"github.com/agentic-marketplace/core/internal/discovery"
	"github.com/agentic-marketplace/core/internal/hire"
	"github.com/agentic-marketplace/core/internal/httpapi"
	"github.com/agentic-marketplace/core/internal/idempotency"
	"github.com/agentic-marketplace/core/internal/identity"
	"github.com/agentic-marketplace/core/internal/metrics"
	"github.com/agentic-marketplace/core/internal/model"
	"github.com/agentic-marketplace/core/internal/ratelimit"
	"github.com/agentic-marketplace/core/internal/registry"
	"github.com/agentic-marketplace/core/internal/run"
	"github.com/agentic-marketplace/core/internal/spendauth"
	"github.com/agentic-marketplace/core/internal/telemetry"
	"github.com/agentic-marketplace/core/internal/x402"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── On-chain identity checker ────────────────────────────────────────
	checker, err := identity.NewOnchainChecker(cfg.Chain.RPCURL, cfg.Chain.IdentityRegistryAddress, log)
	if err != nil {
		log.Fatal("identity checker init failed", zap.Error(err))
	}
	onchainEnforced := func() bool { return cfg.Marketplace.OnchainEnforced }
	spendAuthRequired := func() bool { return cfg.Marketplace.SpendAuthRequired }

	// ── Registry / discovery / hire ──────────────────────────────────────
	m := metrics.New()
	reg := registry.New(registry.NewMemRepo(), checker, nil, m, onchainEnforced)
	disc := discovery.New(reg, m)
	hires := hire.New(checker, onchainEnforced)

	// ── x402 paywall / spend authorization ───────────────────────────────
	facilitator := x402.NewFacilitator(
		cfg.Facilitator.URL, "",
		time.Duration(cfg.Facilitator.TimeoutMs)*time.Millisecond,
	)
	paywall := x402.New(
		rdb, facilitator,
		time.Duration(cfg.Marketplace.ChallengeTTLSec)*time.Second,
		time.Duration(cfg.Facilitator.PollIntervalMs)*time.Millisecond,
		time.Duration(cfg.Facilitator.TimeoutMs)*time.Millisecond,
		cfg.Facilitator.MaxAttempts,
	)
	spendAuth := spendauth.New(rdb, spendauth.NoopChainWriter{})

	// ── Run executor ──────────────────────────────────────────────────────
	funnel := telemetry.NewFunnel(log)
	profileLookup := func(ctx context.Context, agentID string) (*model.AgentProfile, *apierr.Error) {
		return reg.Get(ctx, agentID, false)
	}

	runSvc := run.New(
		hires.Get,
		profileLookup,
		checker, onchainEnforced, spendAuthRequired,
		registeredExecutors(),
		paywall, spendAuth, funnel, log,
	)

	// ── HTTP server ───────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	keyStore := authn.NewStaticKeyStore(cfg.Auth.APIKeys)
	limiter := ratelimit.New(rdb)
	idempo := idempotency.New(rdb)

	handler := httpapi.NewHandler(reg, disc, hires, runSvc, m, limiter, idempo, rateLimitRules(cfg.RateLimits.Rules), funnel, log)
	api := r.Group("/marketplace", authn.Middleware(keyStore))
	handler.Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// rateLimitRules adapts config.RateLimitRule to ratelimit.Rule so the
// ratelimit package never needs to import config.
func rateLimitRules(rules map[string]config.RateLimitRule) map[string]ratelimit.Rule {
	out := make(map[string]ratelimit.Rule, len(rules))
	for scope, rule := range rules {
		out[scope] = ratelimit.Rule{Limit: rule.Limit, WindowMs: rule.WindowMs}
	}
	return out
}

// registeredExecutors is the AgentExecutor table for this deployment.
// Out of the box no external agent runtime is wired — operators register
// their own executors here per agent_type as they come online.
func registeredExecutors() map[model.AgentType]run.AgentExecutor {
	return map[model.AgentType]run.AgentExecutor{}
}
