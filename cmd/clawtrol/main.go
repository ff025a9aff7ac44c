// Clawtrol is the control plane that turns a kanban board into an agent
// dispatcher: task status changes evaluate automation rules, spawn remote
// agent sessions through the gateway, and enrich completed work with commit
// and cost metadata.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	ctgateway "github.com/clawtrol/clawtrol/internal/adapter/gateway"
	cthttp "github.com/clawtrol/clawtrol/internal/adapter/http"
	ctnats "github.com/clawtrol/clawtrol/internal/adapter/nats"
	ctotel "github.com/clawtrol/clawtrol/internal/adapter/otel"
	"github.com/clawtrol/clawtrol/internal/adapter/postgres"
	"github.com/clawtrol/clawtrol/internal/adapter/ristretto"
	"github.com/clawtrol/clawtrol/internal/adapter/ws"
	"github.com/clawtrol/clawtrol/internal/config"
	"github.com/clawtrol/clawtrol/internal/logger"
	gw "github.com/clawtrol/clawtrol/internal/port/gateway"
	"github.com/clawtrol/clawtrol/internal/resilience"
	"github.com/clawtrol/clawtrol/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"gateway_url", cfg.Gateway.URL,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := ctnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	otelShutdown, err := ctotel.Setup(ctx, cfg.Otel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(sctx)
	}()

	metrics, err := ctotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	ruleCache, err := ristretto.NewRuleCache(cfg.Cache.RuleTTL)
	if err != nil {
		return fmt.Errorf("rule cache: %w", err)
	}
	defer ruleCache.Close()

	// Gateway. A failed first connection is not fatal; the board and rule API
	// keep working, spawns fail until the link comes up.
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	gatewayClient := ctgateway.New(cfg.Gateway, breaker)
	defer func() { _ = gatewayClient.Close() }()

	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.Gateway.ConnectTimeout)
	if err := gatewayClient.Connect(connectCtx); err != nil {
		slog.Warn("gateway unavailable, continuing degraded", "error", err)
	}
	cancelConnect()

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)

	conflicts := service.NewConflictDetector(store, hub)
	dispatcher := service.NewDispatcher(store, gatewayClient, hub, queue, metrics, cfg.Dispatch)
	dispatcher.SetConflictDetector(conflicts)
	engine := service.NewRulesEngine(store, ruleCache, dispatcher, conflicts, metrics)
	dispatcher.SetContextSource(engine)
	enricher := service.NewEnricher(store, metrics)
	taskSvc := service.NewTaskService(store, hub, queue, engine, dispatcher, enricher, conflicts)
	ruleSvc := service.NewRuleService(store, engine)
	sessionSvc := service.NewSessionService(store, gatewayClient, dispatcher)

	if err := engine.SeedBuiltinRules(ctx); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}

	registerGatewayHandlers(gatewayClient, taskSvc, hub)

	// --- HTTP ---

	handlers := cthttp.NewHandlers(taskSvc, ruleSvc, sessionSvc, store, gatewayClient, queue, hub)

	r := chi.NewRouter()
	r.Use(cthttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cthttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(ctotel.HTTPMiddleware(cfg.Logging.Service))

	r.Get("/health", handlers.Health)
	r.Get("/ws", hub.HandleWS)
	cthttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// registerGatewayHandlers wires inbound gateway events: session completions
// link back to their task, and agent output streams re-broadcast to dashboard
// clients. Handlers run on the gateway read loop, so anything slow is
// detached.
func registerGatewayHandlers(client *ctgateway.Client, tasks *service.TaskService, hub *ws.Hub) {
	client.On(gw.EventSpawnCompleted, func(ev gw.Event) {
		var data gw.SpawnStartedData
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.SessionKey == "" {
			slog.Warn("unparseable spawn completed event", "error", err)
			return
		}
		success := data.Success == nil || *data.Success
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			tasks.HandleSpawnCompleted(ctx, data.SessionKey, success, data.Result, data.RuntimeMS)
		}()
	})

	client.On(gw.EventAgentStream, func(ev gw.Event) {
		var data gw.StreamData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return
		}
		hub.BroadcastEvent(context.Background(), ws.EventAgentStream, data)
	})
}
