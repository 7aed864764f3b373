// Package main serves the backtest engine over HTTP, with a gRPC health endpoint
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"backtest-engine/services/clickhouse"
	"backtest-engine/services/config"
	"backtest-engine/services/engine"
	"backtest-engine/services/postgres"
	"backtest-engine/services/runner"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Environment == "dev" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

// stores holds the connections shared by every run.
type stores struct {
	ch driver.Conn
	pg *sql.DB
}

func (s *stores) Close() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	st := &stores{}
	if cfg.Engine.DataSource == "clickhouse" || cfg.HasSink("clickhouse") {
		conn, err := clickhouse.Open(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, err
		}
		st.ch = conn
		if cfg.HasSink("clickhouse") {
			if err := clickhouse.EnsureSchema(ctx, conn, cfg.ClickHouse.Database); err != nil {
				st.Close()
				return nil, err
			}
		}
		logger.Info("Connected to ClickHouse", zap.Strings("addr", cfg.ClickHouse.Addr))
	}
	if cfg.HasSink("postgres") {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.pg = db
		if err := postgres.Migrate(ctx, db, cfg.Postgres.Schema); err != nil {
			st.Close()
			return nil, err
		}
		logger.Info("Connected to Postgres", zap.String("schema", cfg.Postgres.Schema))
	}
	return st, nil
}

// sinks builds the per-run tee of the configured result stores. Memory is
// always present so the run result is kept even without a store.
func (s *stores) sinks(cfg *config.Config, logger *zap.Logger) sinkFactory {
	return func(string) engine.ResultsSink {
		tee := engine.TeeSink{engine.NewMemorySink()}
		if s.ch != nil && cfg.HasSink("clickhouse") {
			tee = append(tee, clickhouse.NewResultsSink(s.ch, cfg.ClickHouse, logger))
		}
		if s.pg != nil {
			tee = append(tee, postgres.NewResultsSink(s.pg, cfg.Postgres, logger))
		}
		return tee
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("BACKTEST_CONFIG"), "YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting backtesting service",
		zap.String("version", engine.EngineVersion),
		zap.String("environment", cfg.Environment),
		zap.String("data_source", cfg.Engine.DataSource),
		zap.Strings("sinks", cfg.Engine.Sinks),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := openStores(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("Failed to open result stores", zap.Error(err))
	}
	defer st.Close()

	perf := engine.NewPerformanceMonitor(engine.SLOConfig{
		MaxRunDuration: cfg.Monitoring.MaxRunDuration,
		MinBarsPerSec:  cfg.Monitoring.MinBarsPerSec,
	})
	bt := engine.NewBacktester(
		engine.WithLogger(logger),
		engine.WithProgressInterval(cfg.Engine.ProgressInterval),
		engine.WithPerformanceMonitor(perf),
	)
	pool := runner.NewPool(bt, cfg.Engine.MaxWorkers, logger)
	pool.Retain(cfg.Engine.RetainRuns)
	service := NewBacktestService(pool, perf, cfg.Engine.Defaults, openerFor(cfg, st.ch, logger), st.sinks(cfg, logger), logger)

	// Setup gRPC server
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	// Setup HTTP server
	if cfg.Environment != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpRouter := gin.New()
	httpRouter.Use(gin.Recovery(), requestID(), requestLogger(logger), newIPLimiter(rate.Limit(20), 50).middleware())
	service.setupHTTPRoutes(httpRouter)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			logger.Fatal("Failed to listen on gRPC port", zap.Error(err))
		}

		logger.Info("Starting gRPC server", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers")
	healthServer.Shutdown()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Backtest runs still running at shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	logger.Info("Servers stopped")
}
