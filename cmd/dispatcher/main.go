// Command dispatcher is the single deployable binary: one process hosts the
// Lifecycle Engine, the Dispatcher, the Presence Index, the Timer Engine and
// the Delivery Fabric behind one HTTP server. Every instance is identical;
// horizontal scale is just running more of them against the same shared
// store and durable database.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	jwtauth "github.com/weelo/dispatch-core/pkg/auth/adapters/jwt"
	sessionmemory "github.com/weelo/dispatch-core/pkg/auth/session/adapters/memory"
	cachememory "github.com/weelo/dispatch-core/pkg/cache/adapters/memory"
	"github.com/weelo/dispatch-core/pkg/config"
	"github.com/weelo/dispatch-core/pkg/database"
	"github.com/weelo/dispatch-core/pkg/database/sql"
	"github.com/weelo/dispatch-core/pkg/database/sql/adapters/postgres"
	"github.com/weelo/dispatch-core/pkg/database/sql/adapters/sqlite"
	applogger "github.com/weelo/dispatch-core/pkg/logger"
	"github.com/weelo/dispatch-core/pkg/messaging"
	kafkabroker "github.com/weelo/dispatch-core/pkg/messaging/adapters/kafka"
	memorybroker "github.com/weelo/dispatch-core/pkg/messaging/adapters/memory"
	"github.com/weelo/dispatch-core/pkg/servicemesh/discovery"
	discoverymemory "github.com/weelo/dispatch-core/pkg/servicemesh/discovery/adapters/memory"
	"github.com/weelo/dispatch-core/pkg/sharedstore"
	storememory "github.com/weelo/dispatch-core/pkg/sharedstore/adapters/memory"
	redisstore "github.com/weelo/dispatch-core/pkg/sharedstore/adapters/redis"
	"github.com/weelo/dispatch-core/pkg/telemetry"

	appconfig "github.com/weelo/dispatch-core/internal/config"
	"github.com/weelo/dispatch-core/internal/delivery"
	"github.com/weelo/dispatch-core/internal/dispatcher"
	"github.com/weelo/dispatch-core/internal/domain"
	"github.com/weelo/dispatch-core/internal/durable"
	"github.com/weelo/dispatch-core/internal/httpapi"
	"github.com/weelo/dispatch-core/internal/lifecycle"
	"github.com/weelo/dispatch-core/internal/presence"
	"github.com/weelo/dispatch-core/internal/timer"
)

const serviceName = "dispatch-core"

func main() {
	var cfg appconfig.AppConfig
	if err := config.Load(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	applogger.Init(cfg.Logger)
	log := applogger.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := telemetry.Init(cfg.Telemetry)
		if err != nil {
			log.WarnContext(ctx, "telemetry init failed, continuing without tracing", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.WarnContext(ctx, "telemetry shutdown failed", "error", err)
				}
			}()
		}
	}

	store := buildSharedStore(ctx, cfg, log)
	defer store.Close()
	resilientStore := sharedstore.NewResilientStore(store, cfg.Resilience)

	db := buildDatabase(cfg)
	durableStore, err := durable.New(db)
	if err != nil {
		log.ErrorContext(ctx, "durable store init failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := discoverymemory.New()
	instanceID := fmt.Sprintf("%s-%d", serviceName, os.Getpid())
	if _, err := registry.Register(ctx, discovery.RegisterOptions{
		ID:   instanceID,
		Name: serviceName,
		Port: cfg.HTTPPort,
	}); err != nil {
		log.WarnContext(ctx, "service registration failed, continuing unregistered", "error", err)
	}
	defer func() {
		if err := registry.Deregister(context.Background(), instanceID); err != nil {
			log.WarnContext(ctx, "service deregistration failed", "error", err)
		}
	}()

	audit := buildAuditProducer(cfg, log)

	timerEngine := timer.New(resilientStore, cfg.Timer)

	presenceIdx := presence.New(resilientStore, cachememory.New(), durableStore, cfg.Presence)

	sessionMgr := sessionmemory.New(cfg.Session)
	jwtVerifier := jwtauth.New(cfg.JWT)

	hub := delivery.New(cfg.Delivery, jwtVerifier, sessionMgr, resilientStore, presenceIdx, durableStore, instanceID)

	disp := dispatcher.New(resilientStore, presenceIdx, durableStore, timerEngine, hub, cfg.Dispatcher)
	presenceIdx.SetOnlineHook(func(ctx context.Context, transporterID string) {
		truckType, err := durableStore.GetTransporterVehicleType(ctx, transporterID)
		if err != nil {
			log.WarnContext(ctx, "online hook: vehicle type lookup failed", "transporter_id", transporterID, "error", err)
			return
		}
		disp.RebroadcastToTransporter(ctx, transporterID, truckType)
	})

	lifecycleEngine := lifecycle.New(resilientStore, durableStore, disp, timerEngine, hub, audit, cfg.Lifecycle)

	timerEngine.RegisterHandler(domain.RadiusTimerPrefix, disp.HandleRadiusTimer)
	timerEngine.RegisterHandler(domain.BookingTimerPrefix, lifecycleEngine.HandleExpiry)

	if err := lifecycleEngine.StartupSweep(ctx); err != nil {
		log.ErrorContext(ctx, "startup sweep failed", "error", err)
	}

	var wg sync.WaitGroup
	runBackground(ctx, &wg, "timer engine", timerEngine.Run)
	runBackground(ctx, &wg, "presence sweep", presenceIdx.RunSweepLoop)
	runBackground(ctx, &wg, "delivery relay", hub.RunRelay)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(authMiddleware(jwtVerifier))

	api := httpapi.New(lifecycleEngine, durableStore)
	api.RegisterRoutes(e.Group("/api/v1"))
	e.GET("/ws", echo.WrapHandler(http.HandlerFunc(hub.ServeHTTP)))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: e}
	go func() {
		log.InfoContext(ctx, "dispatcher listening", "addr", srv.Addr, "instance_id", instanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorContext(ctx, "http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.InfoContext(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.ErrorContext(shutdownCtx, "http server shutdown failed", "error", err)
	}
	wg.Wait()
}

// buildSharedStore wires the memory or redis adapter per Driver. In
// production a redis connection that fails the initial Ping refuses to
// start the process; in development it falls back to the memory adapter
// with a logged warning so a laptop run doesn't need a local redis.
func buildSharedStore(ctx context.Context, cfg appconfig.AppConfig, log *slog.Logger) sharedstore.Store {
	if cfg.SharedStore.Driver != "redis" {
		return storememory.New()
	}

	adapter, err := redisstore.New(cfg.SharedStore)
	if err != nil {
		if cfg.IsProduction() {
			log.Error("shared store unreachable in production, refusing to start", "error", err)
			os.Exit(1)
		}
		log.Warn("shared store unreachable, falling back to in-memory adapter for this run", "error", err)
		return storememory.New()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := adapter.Ping(pingCtx); err != nil {
		if cfg.IsProduction() {
			log.Error("shared store ping failed in production, refusing to start", "error", err)
			os.Exit(1)
		}
		log.Warn("shared store ping failed, falling back to in-memory adapter for this run", "error", err)
		return storememory.New()
	}
	return adapter
}

func buildDatabase(cfg appconfig.AppConfig) sql.SQL {
	var (
		db  sql.SQL
		err error
	)
	switch cfg.Database.Driver {
	case database.DriverPostgres:
		db, err = postgres.New(cfg.Database)
	case database.DriverSQLite:
		db, err = sqlite.New(cfg.Database)
	default:
		err = fmt.Errorf("unsupported db driver %q", cfg.Database.Driver)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "database init failed:", err)
		os.Exit(1)
	}
	return db
}

func buildAuditProducer(cfg appconfig.AppConfig, log *slog.Logger) messaging.Producer {
	if !cfg.AuditLogEnabled {
		return nil
	}
	var broker messaging.Broker
	var err error
	if len(cfg.Kafka.Brokers) > 0 {
		broker, err = kafkabroker.New(cfg.Kafka)
	} else {
		broker = memorybroker.New(memorybroker.Config{})
	}
	if err != nil {
		log.Warn("audit broker init failed, audit trail disabled for this run", "error", err)
		return nil
	}
	producer, err := broker.Producer("dispatch.audit")
	if err != nil {
		log.Warn("audit producer init failed, audit trail disabled for this run", "error", err)
		return nil
	}
	return producer
}

func runBackground(ctx context.Context, wg *sync.WaitGroup, name string, run func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(ctx)
	}()
}

func authMiddleware(verifier *jwtauth.Adapter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/ws" || c.Path() == "/healthz" {
				return next(c)
			}
			token := bearerToken(c.Request())
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			claims, err := verifier.Verify(c.Request().Context(), token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			httpapi.WithPrincipal(c, httpapi.Principal{UserID: claims.Subject, Roles: claims.Roles})
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}
