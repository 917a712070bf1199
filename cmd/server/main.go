package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/adapter/messaging"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/pkg/logger"
	"github.com/rl1809/stock-reservation/internal/pkg/telemetry"
	"github.com/rl1809/stock-reservation/internal/port"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}

	// Initialize the stock store
	var repo port.StockRepository
	if cfg.StoreDriver == "memory" {
		repo = storage.NewMemoryStore()
		log.Warn("using in-memory store, state is lost on restart")
	} else {
		store, err := storage.OpenSQLStore(ctx, cfg.StoreDriver, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		repo = store
		log.Info("connected to database", zap.String("driver", cfg.StoreDriver))
	}

	// Initialize the cache
	var cache port.CacheRepository
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		cache = storage.NewRedisAdapter(rdb)
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	} else {
		cache = storage.NewMemoryCache(24 * time.Hour)
	}

	// Initialize the event publisher
	var publisher port.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = messaging.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		log.Info("publishing events to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	} else {
		publisher = messaging.NewLogPublisher(log)
	}

	dispatcher := service.NewEventDispatcher(publisher, cfg.EventQueueSize, log)
	dispatcher.Start(cfg.EventWorkers)

	// Initialize services
	locks := service.NewVariantLocks(cfg.LockTimeout)
	ledger := service.NewLedger(repo, cache, locks, log)
	manager := service.NewReservationManager(ledger, repo, cache, dispatcher, service.Options{
		DefaultTTL: cfg.ReservationTTL,
		MaxTTL:     cfg.ReservationMaxTTL,
	}, log)
	sweeper := service.NewSweeper(manager, repo, service.SweeperConfig{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatch,
		Retention: cfg.ReservationRetention,
	}, log)

	sweeperCtx, stopSweeper := context.WithCancel(ctx)
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(sweeperCtx)
	}()

	// Initialize gRPC server
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(handler.UnaryLoggingInterceptor(log)),
	)
	handler.RegisterReservationServer(grpcServer, handler.NewGRPCHandler(ledger, manager))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	go func() {
		log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("gRPC server error", zap.Error(err))
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(ledger, manager, log)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown", zap.Error(err))
	}
	log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Info("gRPC server stopped")

	stopSweeper()
	<-sweeperDone
	log.Info("sweeper stopped")

	// Drain pending events before closing the publisher
	dispatcher.Close()
	if err := publisher.Close(); err != nil {
		log.Warn("close publisher", zap.Error(err))
	}

	if rdb != nil {
		rdb.Close()
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn("tracer shutdown", zap.Error(err))
	}
	log.Info("connections closed")
	return nil
}
