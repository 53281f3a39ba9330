package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-pay/internal/config"
	"github.com/noah-isme/toko-pay/internal/db"
	"github.com/noah-isme/toko-pay/internal/events"
	"github.com/noah-isme/toko-pay/internal/lock"
	"github.com/noah-isme/toko-pay/internal/obs"
	"github.com/noah-isme/toko-pay/internal/payment"
	"github.com/noah-isme/toko-pay/internal/queue"
	"github.com/noah-isme/toko-pay/internal/resilience"
)

// Dependencies holds the infrastructure and payment services shared by the
// API and worker binaries.
type Dependencies struct {
	Config *config.Config
	Logger zerolog.Logger

	DB    *pgxpool.Pool
	Redis *redis.Client

	Store      *payment.PGStore
	Events     *events.Bus
	Queue      queue.Enqueuer
	DLQ        queue.Store
	Locker     lock.Locker
	Builder    *payment.Builder
	Reconciler *payment.Reconciler
	Sweeper    *payment.Sweeper
	Assets     *payment.AssetMover
}

// Bootstrap connects to Postgres and Redis, optionally migrates the schema and
// wires the payment services. The caller owns Close.
func Bootstrap(ctx context.Context, cfg *config.Config, logger zerolog.Logger, component string) (*Dependencies, error) {
	if cfg.DBAutoMigrate {
		if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
	}

	pool, err := newPool(ctx, cfg, component)
	if err != nil {
		return nil, err
	}
	rdb, err := newRedis(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	d := &Dependencies{
		Config: cfg,
		Logger: logger,
		DB:     pool,
		Redis:  rdb,
		Store:  payment.NewPGStore(pool),
		DLQ:    queue.NewStore(pool),
		Queue: queue.Enqueuer{
			R:           rdb,
			Prefix:      cfg.QueueRedisPrefix,
			DedupTTL:    cfg.QueueDedupTTL,
			MaxAttempts: cfg.QueueMaxAttempts,
		},
		Locker: lock.Locker{R: rdb, Prefix: cfg.QueueRedisPrefix, RetryBackoff: cfg.LockRetryBackoff},
	}
	scheduler := payment.TaskScheduler{Queue: d.Queue}
	eventLogger := logger.With().Str("component", "events").Logger()
	d.Events = &events.Bus{
		Store:     events.NewPGStore(pool),
		Notifiers: []events.Notifier{events.LogNotifier(eventLogger)},
	}

	payCfg := cfg.Payment()
	payLogger := logger.With().Str("component", "payment").Logger()
	d.Builder = &payment.Builder{Config: payCfg, Records: d.Store, Logger: payLogger}
	d.Reconciler = &payment.Reconciler{
		Records:      d.Store,
		Orders:       d.Store,
		Events:       d.Events,
		Retry:        scheduler,
		Relocation:   scheduler,
		StoreTimeout: payCfg.StoreTimeout,
		Logger:       payLogger,
	}
	d.Sweeper = &payment.Sweeper{
		Records:    d.Store,
		Reconciler: d.Reconciler,
		Locker:     d.Locker,
		LockTTL:    cfg.LockTTL,
		Grace:      cfg.SweepGrace,
		BatchSize:  cfg.SweepBatchSize,
		Logger:     payLogger,
	}
	d.Assets = &payment.AssetMover{
		Storage:    newStorageClient(cfg, &payLogger),
		Orders:     d.Store,
		TempPrefix: cfg.StorageTempPrefix,
		Logger:     payLogger,
	}
	return d, nil
}

// Close releases the connection pools.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

func newPool(ctx context.Context, cfg *config.Config, component string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{SlowThreshold: 250 * time.Millisecond}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "toko-pay-" + component
	if cfg.DBMaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.DBMaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func newRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if cfg.Obs.EnableTracing {
		if err := redisotel.InstrumentTracing(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	if cfg.Obs.EnablePrometheus {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newStorageClient(cfg *config.Config, logger *zerolog.Logger) payment.StorageClient {
	return payment.StorageClient{
		BaseURL:    cfg.StorageURL,
		ServiceKey: cfg.StorageServiceKey,
		Bucket:     cfg.StorageBucket,
		HTTP: &resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).WithTarget("storage"),
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitterPercent,
			Timeout:     cfg.OutboundTimeout,
			Target:      "storage",
			Logger:      logger,
		},
	}
}
