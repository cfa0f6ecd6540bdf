package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stripe-reconciler/internal/config"
	"stripe-reconciler/internal/database"
	"stripe-reconciler/internal/infrastructure/events"
	"stripe-reconciler/internal/infrastructure/payment"
	"stripe-reconciler/internal/locking"
	"stripe-reconciler/internal/logging"
	"stripe-reconciler/internal/metrics"
	"stripe-reconciler/internal/repo"
	"stripe-reconciler/internal/server"
	"stripe-reconciler/internal/service"
	"stripe-reconciler/internal/tracing"
	"stripe-reconciler/internal/webhook"
	"stripe-reconciler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.Setup(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	tp, err := tracing.InitTracerProvider(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		return errors.Wrap(err, "init tracing")
	}
	defer tracing.Shutdown(context.Background(), tp)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	dbService := database.New(db, cfg.Database.Name)
	defer dbService.Close()

	var redisClient *redis.Client
	if cfg.Lock.Backend == config.LockBackendRedis || cfg.CorrelationCacheTTL > 0 {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "ping redis")
		}
	}

	var orderTransactions repo.OrderTransactionRepo = repo.NewOrderTransactionRepo(db)
	if cfg.CorrelationCacheTTL > 0 {
		orderTransactions = repo.NewCachedOrderTransactionRepo(orderTransactions, redisClient, cfg.CorrelationCacheTTL)
	}

	locker, closeLocker, err := newLocker(cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeLocker()

	var publisher events.Publisher = events.NewNoopPublisher()
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	defer publisher.Close()

	states := service.NewStateHandler(orderTransactions, locking.NewService(locker, cfg.Lock.Timeout, m), publisher, m)
	finalize := service.NewFinalizeService(orderTransactions, payment.NewStripeGateway(cfg.Stripe.SecretKey), states)
	reconciler := worker.NewReconciliationWorker(orderTransactions, finalize, m, cfg.ReconcileInterval, cfg.ReconcileOlderThan, cfg.ReconcileBatch)

	srv := server.NewServer(server.Deps{
		OrderTransactions: orderTransactions,
		Events:            webhook.NewEventHandler(orderTransactions, states, m),
		Finalize:          finalize,
		DB:                dbService,
		Gatherer:          reg,
		WebhookSecret:     cfg.Stripe.WebhookSecret,
		AllowedOrigins:    cfg.CorsAllowedOrigins,
	}).HTTPServer(cfg.HTTPAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Ctx(ctx).Info().Str("addr", cfg.HTTPAddr).Str("lock_backend", string(cfg.Lock.Backend)).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		return reconciler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Ctx(ctx).Info().Msg("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLocker(cfg *config.Config, redisClient *redis.Client) (locking.Locker, func(), error) {
	switch cfg.Lock.Backend {
	case config.LockBackendRedis:
		return locking.NewRedisLocker(redisClient, cfg.Lock.TTL), func() {}, nil
	case config.LockBackendZookeeper:
		conn, _, err := zk.Connect(cfg.ZookeeperServers, 10*time.Second)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect zookeeper")
		}
		locker, err := locking.NewZookeeperLocker(conn)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return locker, conn.Close, nil
	}
	return locking.NewMemoryLocker(), func() {}, nil
}
