package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/karst-storage/karst/internal/cluster"
	"github.com/karst-storage/karst/internal/config"
	"github.com/karst-storage/karst/internal/eventbus"
	"github.com/karst-storage/karst/internal/health"
	"github.com/karst-storage/karst/internal/metrics"
	"github.com/karst-storage/karst/internal/nodemanager"
	"github.com/karst-storage/karst/internal/observer"
	"github.com/karst-storage/karst/internal/server"
	"github.com/karst-storage/karst/internal/store"
)

func main() {
	// Load configuration before the logger so log level and format apply
	// from the first line.
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting Karst membership control plane",
		zap.String("cluster_id", cfg.Server.ClusterID),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("observer_mode", cfg.Observer.Enabled))

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)
	logger.Info("Metrics initialized")

	// Initialize node table (PostgreSQL, or in-memory when no database is
	// configured)
	var nodeTable store.NodeTable
	if cfg.Database.Host != "" {
		nodeTable, err = store.NewPostgresNodeTable(
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.MaxConnections,
			cfg.Database.MinConnections,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize node table", zap.Error(err))
		}
		logger.Info("Node table initialized",
			zap.String("database_host", cfg.Database.Host),
			zap.String("database_name", cfg.Database.Database))
	} else {
		nodeTable = store.NewMemoryNodeTable()
		logger.Warn("No database configured, node table is in-memory only")
	}
	defer nodeTable.Close()

	clusterCtx := cluster.NewContext(cfg.Server.ClusterID)
	layout := nodemanager.NewLayoutManager(
		nodemanager.CurrentSoftwareLayoutVersion,
		nodemanager.CurrentMetadataLayoutVersion,
	)

	manager, err := nodemanager.NewManager(nodemanager.Params{
		Config: nodemanager.Config{
			ClusterID:     cfg.Server.ClusterID,
			StaleInterval: cfg.Heartbeat.StaleInterval,
			DeadInterval:  cfg.Heartbeat.DeadInterval,
		},
		Layout:  layout,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Failed to initialize node manager", zap.Error(err))
	}

	// In observer mode the manager is wrapped so heartbeat responses are
	// filtered and the node table is replayed into memory on startup.
	nodeService := nodemanager.NodeManager(manager)
	if cfg.Observer.Enabled {
		obs, err := observer.New(observer.Params{
			Config: observer.Config{
				HeartbeatInterval:            cfg.Heartbeat.Interval,
				StaleMultiplier:              cfg.Observer.StaleMultiplier,
				PreserveCommandsOnReregister: cfg.Observer.PreserveCommandsOnReregister,
			},
			Inner:      manager,
			NodeTable:  nodeTable,
			ClusterCtx: clusterCtx,
			Layout:     layout,
			Metrics:    m,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal("Failed to initialize observer", zap.Error(err))
		}
		// Reload failure is not fatal: the observer serves whatever was
		// loaded and reconciles the rest as nodes reregister.
		if err := obs.LoadExistingNodes(context.Background()); err != nil {
			logger.Error("Failed to load existing nodes", zap.Error(err))
		}
		nodeService = obs
		logger.Info("Observer mode enabled",
			zap.Int("stale_multiplier", cfg.Observer.StaleMultiplier))
	}

	// Initialize command event bus (Redis, or in-process when no Redis is
	// configured)
	var bus eventbus.Bus
	if cfg.Redis.Host != "" {
		bus, err = eventbus.NewRedisBus(
			fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.Channel,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize command bus", zap.Error(err))
		}
		logger.Info("Command bus initialized",
			zap.String("redis_host", cfg.Redis.Host),
			zap.String("channel", cfg.Redis.Channel))
	} else {
		bus = eventbus.NewInProcBus()
		logger.Info("Command bus initialized (in-process)")
	}
	defer bus.Close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.SubscribeCommands(rootCtx, nodeService.OnCommandEvent); err != nil {
		logger.Fatal("Failed to subscribe to command events", zap.Error(err))
	}

	if err := nodeService.Start(rootCtx); err != nil {
		logger.Fatal("Failed to start node manager", zap.Error(err))
	}

	// HTTP endpoints: datanode/admin, health, metrics.
	apiServer := server.NewServer(
		server.NewHandler(nodeService, logger),
		cfg.Server.Host,
		cfg.Server.Port,
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
	)
	healthServer := health.NewHealthServer(
		health.NewHealthChecker(nodeTable, clusterCtx, logger),
		cfg.Server.HealthPort,
	)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
	}

	g, gCtx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("Starting API server", zap.String("address", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("Starting health check server", zap.String("address", healthServer.Addr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("Starting metrics server", zap.String("address", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	case <-gCtx.Done():
		logger.Error("Server error", zap.Error(gCtx.Err()))
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", zap.Error(err))
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown error", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error", zap.Error(err))
		}
	}

	if err := nodeService.Stop(shutdownCtx); err != nil {
		logger.Warn("Node manager stop error", zap.Error(err))
	}
	cancel()
	if err := g.Wait(); err != nil {
		logger.Error("Server error", zap.Error(err))
	}

	logger.Info("Control plane stopped")
}

// buildLogger maps logging config onto a zap production logger.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zc.Build()
}
