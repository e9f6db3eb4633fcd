package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"dex_aggregator/aggregator"
	"dex_aggregator/api"
	"dex_aggregator/broadcast"
	"dex_aggregator/cache"
	"dex_aggregator/config"
	"dex_aggregator/db"
	"dex_aggregator/dex"
	"dex_aggregator/metrics"
	"dex_aggregator/middleware"
	"dex_aggregator/monitoring"
	"dex_aggregator/parser"
	"dex_aggregator/registry"
	"dex_aggregator/scheduler"
	"dex_aggregator/utils"
	"dex_aggregator/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	if err := utils.InitLogger(cfg.App.LogLevel, cfg.App.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer utils.Sync()
	logger := utils.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		utils.Error(err, "Service stopped with error")
		utils.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	monitor := monitoring.NewMonitor()

	// Cache
	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()
	tokenCache := cache.NewTokenCache(store, cfg.Redis.CacheTTL, logger.Named("cache"))
	monitor.RegisterHealthCheck("cache", store.Ping)

	// Providers
	providers, err := dex.NewFromConfig(cfg, parser.NewNormalizer(), logger.Named("dex"))
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	monitor.RegisterHealthCheck("providers", func(context.Context) error {
		for _, s := range providers.Stats() {
			if s.BreakerState != "open" {
				return nil
			}
		}
		return errors.New("every provider breaker is open")
	})

	// Live channel
	subs := registry.New()
	hub := ws.NewHub(subs, cfg.Broadcast.ClientSendBuf, logger.Named("ws"))
	router := broadcast.NewRouter(subs, hub, cfg.Broadcast.QueueSize, logger.Named("broadcast"))
	router.OnError(func(e broadcast.ErrorOccurred) {
		monitor.SetLastError(e.Err)
		metrics.IncrementErrors()
	})
	middleware.Go(logger, "broadcast-router", func() { router.Run(ctx) })
	middleware.Go(logger, "ws-sweeper", func() { hub.RunSweeper(ctx, time.Minute, 2*ws.PongWait) })

	// Aggregation pipeline
	svc := aggregator.New(providers, tokenCache, router, subs, aggregator.Config{
		StaleSourceAfter: cfg.Refresh.StaleSourceAfter,
		WatchWindow:      cfg.Refresh.WatchWindow,
		SpikeThreshold:   cfg.Refresh.SpikeThreshold,
	}, logger.Named("aggregator"))
	hub.OnTokenSubscribe(svc.Watch)

	var history *db.HistoryWriter
	if cfg.ClickHouse.Enabled {
		history, err = openHistory(ctx, cfg, logger, monitor)
		if err != nil {
			return err
		}
		svc.WithHistory(history)
	}

	refresher := scheduler.New("token-refresh", logger.Named("scheduler"))
	if err := refresher.Start(cfg.Refresh.Interval, func(ctx context.Context) error {
		err := svc.Refresh(ctx)
		if err != nil {
			monitor.SetLastError(err)
		}
		return err
	}); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	probes := []monitoring.Probe{
		{Name: "broadcast_queue", Size: router.QueueLen},
		{Name: "ws_clients", Size: hub.Count},
		{Name: "subscriptions", Size: subs.Count},
	}
	if mem, ok := store.(*cache.MemoryStore); ok {
		probes = append(probes, monitoring.Probe{Name: "cache_entries", Size: mem.Len})
	}
	monitoring.StartMetricsCollection(ctx, 5*time.Second, probes...)

	// HTTP
	mux := http.NewServeMux()
	limiter := api.NewRateLimiter(cfg.App.APIRatePerSecond, cfg.App.APIRateBurst)
	apiMux := http.NewServeMux()
	api.NewHandler(svc, logger.Named("api")).Register(apiMux)
	mux.Handle("/api/", limiter.Middleware(apiMux))
	wsServer := ws.NewServer(ctx, hub, logger.Named("ws"))
	wsServer.Upgrader.CheckOrigin = ws.AllowOrigins(cfg.Broadcast.AllowedOrigins)
	mux.HandleFunc("GET /ws", wsServer.ServeWS)
	mux.HandleFunc("GET /health", monitor.HealthCheckHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /stats", statsHandler(svc, providers, hub, router, refresher, history))

	server := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           utils.RequestLogger(middleware.RecoverHandler(logger, mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening",
			"addr", cfg.App.HTTPAddr,
			"providers", providers.Names(),
			"refresh_interval", cfg.Refresh.Interval)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	middleware.Go(logger, "limiter-evict", func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Evict(10 * time.Minute)
			}
		}
	})

	select {
	case <-ctx.Done():
		logger.Infow("Shutdown signal received")
	case err := <-serverErr:
		refresher.Stop()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	refresher.Stop()
	hub.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		utils.Error(err, "HTTP server shutdown failed")
	}
	if history != nil {
		history.Wait()
	}
	runs, skipped, failed := refresher.Stats()
	logger.Infow("Shutdown complete", "refresh_runs", runs, "refresh_skipped", skipped, "refresh_failed", failed)
	return nil
}

// openStore prefers Redis and falls back to an in-process store when Redis is
// disabled or unreachable at startup.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (cache.Store, func()) {
	if cfg.Redis.Enabled {
		client := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs := cache.NewRedisStore(client)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err == nil {
			logger.Infow("Using Redis cache", "addr", cfg.RedisAddr(), "db", cfg.Redis.DB)
			return rs, func() { _ = rs.Close() }
		}
		logger.Warnw("Redis unreachable, using in-memory cache", "addr", cfg.RedisAddr(), "error", err)
		_ = rs.Close()
	}

	mem := cache.NewMemoryStore()
	middleware.Go(logger, "cache-sweep", func() {
		ticker := time.NewTicker(cfg.Redis.CacheTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mem.Sweep()
			}
		}
	})
	return mem, func() {}
}

func openHistory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, monitor *monitoring.Monitor) (*db.HistoryWriter, error) {
	ch, err := db.NewClickHouseDB(ctx, db.Options{
		Host:     cfg.ClickHouse.Host,
		Port:     cfg.ClickHouse.Port,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.User,
		Password: cfg.ClickHouse.Password,
	}, logger.Named("clickhouse"))
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	monitor.RegisterHealthCheck("clickhouse", ch.Ping)

	w := db.NewHistoryWriter(ch, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval, logger.Named("history"))
	go func() {
		w.Run(ctx)
		if err := ch.Close(); err != nil {
			utils.Error(err, "Failed to close ClickHouse")
		}
	}()
	return w, nil
}

func statsHandler(svc *aggregator.Service, providers *dex.Registry, hub *ws.Hub, router *broadcast.Router,
	refresher *scheduler.Scheduler, history *db.HistoryWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		merged, errCount, lastMerge, uptime := metrics.GetStats()
		delivered, dropped := router.Stats()
		runs, skipped, failed := refresher.Stats()

		body := map[string]any{
			"merged_total":   merged,
			"errors_total":   errCount,
			"last_merge":     lastMerge,
			"uptime_seconds": uptime.Seconds(),
			"connections":    hub.Count(),
			"providers":      providers.Stats(),
			"last_cycle":     svc.LastCycle(),
			"broadcast": map[string]any{
				"delivered": delivered,
				"dropped":   dropped,
				"queued":    router.QueueLen(),
			},
			"scheduler": map[string]any{
				"state":   refresher.State().String(),
				"runs":    runs,
				"skipped": skipped,
				"failed":  failed,
			},
		}
		if history != nil {
			written, hDropped, hFailed := history.Stats()
			body["history"] = map[string]any{"written": written, "dropped": hDropped, "failed": hFailed}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
