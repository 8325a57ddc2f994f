// cmd/taxistream/main.go

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

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"taxistream/internal/adapter/relay"
	"taxistream/internal/adapter/storage"
	"taxistream/internal/config"
	"taxistream/internal/domain/geo"
	"taxistream/internal/logger"
	"taxistream/internal/server"
	"taxistream/internal/service/broadcast"
	geoService "taxistream/internal/service/geo"
	"taxistream/internal/service/pipeline"
	"taxistream/internal/service/source"
)

func main() {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl, err := logger.New(cfg.Log.Level, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("taxistream failed", zap.Error(err))
	}
}

func run(cfg config.Config, zl *zap.Logger) error {
	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	region := geo.Region{
		Origin: geo.Coordinate{
			Latitude:  cfg.Grid.OriginLatitude,
			Longitude: cfg.Grid.OriginLongitude,
		},
		WidthMeters:       cfg.Grid.WidthMeters,
		HeightMeters:      cfg.Grid.HeightMeters,
		ReferenceLatitude: cfg.Grid.ReferenceLatitude,
	}
	grids, err := geoService.NewGridRegistry(region, cfg.Grid.RouteCellMeters, cfg.Grid.AreaCellMeters)
	if err != nil {
		return fmt.Errorf("create grids: %w", err)
	}
	routeGrid, _ := grids.Get(cfg.Grid.RouteCellMeters)
	areaGrid, _ := grids.Get(cfg.Grid.AreaCellMeters)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broadcaster := broadcast.NewBroadcaster(
		broadcast.Config{
			QueueCapacity:    cfg.Stream.QueueCapacity,
			RecordsPerSecond: cfg.Stream.RecordsPerSecond,
			Burst:            cfg.Stream.Burst,
		},
		zl.Named("broadcast"),
		broadcast.NewMetrics(registry),
	)

	// Optional route store
	var routeStore *storage.RouteStore
	if cfg.Database.Enabled {
		db, err := initDatabase(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		defer db.Close()

		routeStore = storage.NewRouteStore(db)
		if err := routeStore.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	// Query pipelines
	var saver pipeline.RouteStore
	if routeStore != nil {
		saver = routeStore
	}
	routeCounter := pipeline.NewRouteCounter(routeGrid, saver, zl.Named("routes"))
	profitableAreas := pipeline.NewProfitableAreas(areaGrid, zl.Named("areas"))

	manager := pipeline.NewManager(broadcaster, cfg.Stream.PipelineQueueCapacity, zl.Named("pipeline"))
	if err := manager.Register("routes", routeCounter); err != nil {
		return err
	}
	if err := manager.Register("areas", profitableAreas); err != nil {
		return err
	}

	// Optional NATS relay
	if cfg.NATS.Enabled {
		natsConn, err := initNATS(cfg.NATS, zl.Named("nats"))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsConn.Close()

		natsRelay := relay.NewNATSRelay(natsConn, cfg.NATS.Subject, zl.Named("relay"))
		if err := manager.Register("nats", natsRelay); err != nil {
			return err
		}
	}

	src, err := source.OpenFile(cfg.Stream.File, source.Options{SkipHeader: cfg.Stream.SkipHeader})
	if err != nil {
		return fmt.Errorf("open trip source: %w", err)
	}
	defer src.Close()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start pipelines: %w", err)
	}

	// Initialize HTTP server
	deps := server.Dependencies{
		Broadcast:   broadcaster,
		Grids:       grids,
		Region:      region,
		DefaultEdge: cfg.Grid.RouteCellMeters,
		Routes:      routeCounter,
		Areas:       profitableAreas,
		TopN:        cfg.Routes.TopN,
		Gatherer:    registry,
	}
	if routeStore != nil {
		deps.StoredRoutes = routeStore
	}
	httpServer := server.NewServer(cfg.Server, deps, zl.Named("http"))

	// Start HTTP server
	go func() {
		zl.Info("Starting HTTP server", zap.String("addr", httpServer.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Error("HTTP server error", zap.Error(err))
			cancel()
		}
	}()

	// Start the stream once subscribers had a chance to attach
	go func() {
		if cfg.Stream.StartDelay > 0 {
			zl.Info("Waiting before streaming", zap.Duration("delay", cfg.Stream.StartDelay))
			select {
			case <-time.After(cfg.Stream.StartDelay):
			case <-ctx.Done():
			}
		}

		start := time.Now()
		zl.Info("Streaming trips", zap.String("file", cfg.Stream.File))
		if err := broadcaster.Run(ctx, src); err != nil {
			zl.Error("Stream stopped", zap.Error(err), zap.Uint64("records", src.Count()))
			return
		}
		zl.Info("Stream completed",
			zap.Uint64("records", src.Count()),
			zap.Duration("elapsed", time.Since(start)))
	}()

	// Wait for shutdown signal
	select {
	case <-shutdown:
		zl.Info("Shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	zl.Info("Shutting down services...")

	// Shutdown HTTP server
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop pipelines
	if err := manager.Stop(shutdownCtx); err != nil {
		zl.Error("Pipeline shutdown error", zap.Error(err))
	}

	select {
	case <-broadcaster.Done():
		stats := broadcaster.Stats()
		zl.Info("Stream closed",
			zap.String("state", string(stats.State)),
			zap.Uint64("published", stats.Published),
			zap.Uint64("slow_dropped", stats.SlowDropped),
			zap.NamedError("cause", broadcaster.Err()))
	case <-shutdownCtx.Done():
		zl.Warn("Stream did not stop in time")
	}

	zl.Info("Shutdown complete")
	return nil
}

// Initialize database connection
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.MaxLifetime

	db, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	// Test connection
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return db, nil
}

// Initialize NATS connection
func initNATS(cfg config.NATSConfig, zl *zap.Logger) (*nats.Conn, error) {
	options := []nats.Option{
		nats.Name("taxistream"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			zl.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zl.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			zl.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to NATS: %w", err)
	}

	return nc, nil
}
