package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/artvault/libs/health"
	"github.com/AfshinJalili/artvault/libs/httpmiddleware"
	"github.com/AfshinJalili/artvault/libs/kafka"
	"github.com/AfshinJalili/artvault/libs/logging"
	"github.com/AfshinJalili/artvault/libs/metrics"
	"github.com/AfshinJalili/artvault/libs/trace"
	"github.com/AfshinJalili/artvault/services/abuse/internal/activity"
	"github.com/AfshinJalili/artvault/services/abuse/internal/clock"
	"github.com/AfshinJalili/artvault/services/abuse/internal/config"
	"github.com/AfshinJalili/artvault/services/abuse/internal/detect"
	"github.com/AfshinJalili/artvault/services/abuse/internal/fingerprint"
	"github.com/AfshinJalili/artvault/services/abuse/internal/flagging"
	"github.com/AfshinJalili/artvault/services/abuse/internal/guard"
	"github.com/AfshinJalili/artvault/services/abuse/internal/handlers"
	"github.com/AfshinJalili/artvault/services/abuse/internal/review"
	"github.com/AfshinJalili/artvault/services/abuse/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// store is the union of what the abuse components need from persistence.
type store interface {
	activity.Store
	fingerprint.Store
	flagging.Store
	review.Store
	handlers.ResourceStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	ready := health.NewManager(true)

	st, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	locker, lockerClose, err := buildLocker(cfg, logger)
	if err != nil {
		logger.Error("flag locker init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = lockerClose()
	}()

	var publisher kafka.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		producerMetrics := kafka.NewProducerMetrics(registry)
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, kafka.ProducerOptions{
			Timeout:  cfg.Kafka.PublishTimeout,
			RetryMax: cfg.Kafka.RetryMax,
		}, logger, producerMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.DLQTopic, logger).WithMetrics(producerMetrics)
		defer func() {
			_ = publisher.Close()
		}()
	} else {
		logger.Warn("kafka brokers not configured, flag events disabled")
	}

	clk := clock.System{}
	activityLog := activity.NewLog(st, clk, cfg.StoreTimeout)
	detectors := detect.New(
		activity.NewCounter(st, clk, cfg.StoreTimeout),
		fingerprint.NewIndex(st, cfg.DuplicateLimit, cfg.StoreTimeout),
		cfg.Policy,
	)
	engine := flagging.NewEngine(st, locker, publisher, cfg.Kafka.FlagTopic, logger, flagging.Config{
		Cooldown:       cfg.FlagCooldown,
		StoreTimeout:   cfg.StoreTimeout,
		PublishTimeout: cfg.Kafka.PublishTimeout,
		Clock:          clk,
	})
	abuseGuard := guard.New(detectors, engine, logger, guard.NewMetrics(registry),
		guard.NewBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown, clk))
	reviews := review.NewService(st, clk, logger, cfg.StoreTimeout)
	handler := handlers.New(abuseGuard, activityLog, st, reviews, clk, logger)

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	ready.Register(router)
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.JWTSecret), cfg.AdminRole)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runReconciler(ctx, reviews, cfg.ReconcileInterval, logger)

	go func() {
		logger.Info("abuse service starting", "addr", addr, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(server, ready, logger)
}

func buildStore(cfg *config.Config, logger *slog.Logger) (store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory abuse store")
		return storage.NewMemory(), func() {}, nil
	}
	pool, err := connectDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db connection failed: %w", err)
	}
	return storage.NewPostgres(pool), pool.Close, nil
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func buildLocker(cfg *config.Config, logger *slog.Logger) (flagging.Locker, func() error, error) {
	noop := func() error { return nil }
	if cfg.Lock.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.Addr,
			Password: cfg.Lock.Password,
			DB:       cfg.Lock.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if cfg.App.IsLocal() {
				logger.Warn("redis flag locker unavailable, falling back to memory", "error", err)
				return flagging.NewMemoryLocker(cfg.Lock.TTL), noop, nil
			}
			return nil, nil, err
		}

		return flagging.NewRedisLocker(client, cfg.Lock.TTL, cfg.Lock.Prefix), client.Close, nil
	}

	if cfg.App.IsLocal() {
		return flagging.NewMemoryLocker(cfg.Lock.TTL), noop, nil
	}

	return nil, nil, fmt.Errorf("flag locker redis not configured")
}

func runReconciler(ctx context.Context, reviews *review.Service, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		logger.Info("flag reconciler disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reviews.Reconcile(ctx); err != nil {
				logger.Error("scheduled reconcile failed", "error", err)
			}
		}
	}
}

func waitForShutdown(server *http.Server, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ready.SetReady(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutdown started")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
