package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loopsymphony/server/internal/adapter/claude"
	"github.com/loopsymphony/server/internal/adapter/discord"
	lshttp "github.com/loopsymphony/server/internal/adapter/http"
	lsnats "github.com/loopsymphony/server/internal/adapter/nats"
	"github.com/loopsymphony/server/internal/adapter/natskv"
	"github.com/loopsymphony/server/internal/adapter/otel"
	"github.com/loopsymphony/server/internal/adapter/postgres"
	"github.com/loopsymphony/server/internal/adapter/ristretto"
	roomclient "github.com/loopsymphony/server/internal/adapter/room"
	"github.com/loopsymphony/server/internal/adapter/slack"
	"github.com/loopsymphony/server/internal/adapter/tavily"
	"github.com/loopsymphony/server/internal/adapter/telegram"
	"github.com/loopsymphony/server/internal/adapter/tiered"
	"github.com/loopsymphony/server/internal/adapter/ws"
	"github.com/loopsymphony/server/internal/config"
	"github.com/loopsymphony/server/internal/logger"
	"github.com/loopsymphony/server/internal/middleware"
	"github.com/loopsymphony/server/internal/port/cache"
	"github.com/loopsymphony/server/internal/port/messagequeue"
	"github.com/loopsymphony/server/internal/port/notifier"
	"github.com/loopsymphony/server/internal/port/tool"
	"github.com/loopsymphony/server/internal/resilience"
	"github.com/loopsymphony/server/internal/service"
	"github.com/loopsymphony/server/internal/workpool"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

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
		"autonomic", cfg.Autonomic.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownTelemetry, err := otel.InitTelemetry(ctx, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- PostgreSQL ---
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

	store := postgres.NewStore(pool)

	// --- Caches ---
	l1, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()
	var authCache cache.Cache = l1

	// --- NATS (optional) ---
	var queue messagequeue.Queue
	if cfg.NATS.URL != "" {
		q, err := lsnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = q.Close() }()
		queue = q

		// With NATS present the API key cache gains a shared L2, so
		// rotations invalidate across replicas.
		if kv, err := q.KeyValue(ctx, "symphony-auth"); err == nil {
			authCache = tiered.New(l1, natskv.New(kv), cfg.Cache.APIKeyTTL)
		} else {
			slog.Warn("nats kv unavailable, auth cache stays in-process", "error", err)
		}
	}

	// --- Tools ---
	tools := tool.NewRegistry()
	tools.Register(claude.New(cfg.Claude, resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)))
	if cfg.Tavily.APIKey != "" {
		tools.Register(tavily.New(cfg.Tavily, resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)))
	}

	// --- Services ---
	instruments, err := service.NewInstrumentSet(tools, service.InstrumentOptions{
		ResearchIterations:  cfg.Loops.ResearchIterations,
		ConfidenceThreshold: cfg.Loops.ConfidenceThreshold,
		DeltaThreshold:      cfg.Loops.DeltaThreshold,
	})
	if err != nil {
		return fmt.Errorf("instruments: %w", err)
	}

	manager := service.NewTaskManager(cfg.Loops.TaskRetention)
	approvals := service.NewApprovalStore(manager, cfg.Loops.ApprovalTimeout)
	bus := service.NewEventBus(0, 0)
	tracker := service.NewTrustTracker(store)
	rooms := service.NewRoomRegistry(store, cfg.Rooms.StaleAfter, serverCapabilities(tools))
	hub := ws.NewHub()

	conductor := service.NewConductor(service.ConductorDeps{
		Store:         store,
		Instruments:   instruments,
		Manager:       manager,
		Approvals:     approvals,
		Bus:           bus,
		Trust:         tracker,
		Rooms:         rooms,
		Delegator:     roomclient.NewClient(cfg.Rooms.RequestTimeout),
		Queue:         queue,
		Broadcaster:   hub,
		Notifier:      buildNotifier(cfg),
		Metrics:       metrics,
		Pool:          workpool.NewPool(cfg.Loops.MaxConcurrent),
		MaxSpawnDepth: cfg.Loops.MaxSpawnDepth,
	})

	authSvc := service.NewAuthService(store, authCache, cfg.Cache.APIKeyTTL)

	scheduler := service.NewScheduler(service.SchedulerDeps{
		Store:          store,
		Conductor:      conductor,
		Bus:            bus,
		Rooms:          rooms,
		Tools:          tools,
		Queue:          queue,
		Interval:       cfg.Autonomic.HeartbeatInterval,
		HealthInterval: cfg.Autonomic.HealthInterval,
		WebhookTimeout: cfg.Rooms.WebhookTimeout,
	})
	if cfg.Autonomic.Enabled {
		scheduler.Start(ctx)
		slog.Info("autonomic scheduler started", "interval", cfg.Autonomic.HeartbeatInterval)
	}

	// Background maintenance
	bus.StartCleanup(ctx, time.Minute)
	manager.StartCleanup(ctx, time.Minute)
	approvals.StartCleanup(ctx, time.Minute)
	rooms.StartSweeper(ctx, 30*time.Second)

	// --- HTTP ---
	handlers := &lshttp.Handlers{
		Conductor:   conductor,
		Manager:     manager,
		Approvals:   approvals,
		Bus:         bus,
		Trust:       tracker,
		Rooms:       rooms,
		Scheduler:   scheduler,
		Instruments: instruments,
		Tools:       tools,
		Store:       store,
		InstrumentOptions: service.InstrumentOptions{
			ResearchIterations:  cfg.Loops.ResearchIterations,
			ConfidenceThreshold: cfg.Loops.ConfidenceThreshold,
			DeltaThreshold:      cfg.Loops.DeltaThreshold,
		},
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(lshttp.RequestID)
	r.Use(lshttp.CORS(cfg.Server.CORSOrigin))
	r.Use(lshttp.SecurityHeaders)
	r.Use(lshttp.Logger)
	r.Use(middleware.Auth(authSvc))

	// No request timeout middleware: /task/{id}/stream and /ws are
	// long-lived connections.
	r.Get("/ws", hub.HandleWS)
	lshttp.MountRoutes(r, handlers)

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(r, "http.server"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	// Running tasks finish (or observe their cancel flags) before the
	// pool and connections are torn down.
	manager.Wait()
	return nil
}

// serverCapabilities reports the capability union of the registered
// tools, which becomes the server room's advertisement.
func serverCapabilities(tools *tool.Registry) []string {
	all := []tool.Capability{tool.CapReasoning, tool.CapWebSearch, tool.CapVision, tool.CapSynthesis}
	var out []string
	for _, c := range all {
		if len(tools.GetByCapability(c)) > 0 {
			out = append(out, string(c))
		}
	}
	return out
}

// buildNotifier picks the completion notifier from config. First
// configured transport wins; nil disables notifications.
func buildNotifier(cfg *config.Config) notifier.Notifier {
	switch {
	case cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "":
		return telegram.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	case cfg.Slack.WebhookURL != "":
		return slack.NewNotifier(cfg.Slack.WebhookURL)
	case cfg.Discord.WebhookURL != "":
		return discord.NewNotifier(cfg.Discord.WebhookURL)
	default:
		return nil
	}
}
