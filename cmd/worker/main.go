package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/toko-pay/internal/app"
	"github.com/noah-isme/toko-pay/internal/config"
	"github.com/noah-isme/toko-pay/internal/health"
	"github.com/noah-isme/toko-pay/internal/obs"
	"github.com/noah-isme/toko-pay/internal/payment"
	"github.com/noah-isme/toko-pay/internal/queue"
	"github.com/noah-isme/toko-pay/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Obs.EnablePrometheus {
		obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)
		resilience.MustRegisterMetrics(nil)
		queue.MustRegisterMetrics(nil)
	}
	if cfg.Obs.EnableTracing {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "toko-pay-worker",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.Bootstrap(bootCtx, cfg, logger, "worker")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap dependencies")
	}
	defer deps.Close()

	workers := []queue.Worker{
		newWorker(cfg, deps, &logger, payment.TaskOrderSync, payment.OrderSyncTaskHandler(deps.Reconciler)),
		newWorker(cfg, deps, &logger, payment.TaskAssetRelocation, payment.AssetRelocationTaskHandler(deps.Assets)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			logger.Info().Str("kind", w.Kind).Int("concurrency", w.Concurrency).Msg("queue worker starting")
			return w.Run(gctx)
		})
	}
	g.Go(func() error {
		return runSweeps(gctx, deps.Sweeper, cfg.SweepInterval, logger)
	})
	if cfg.Obs.EnablePrometheus && cfg.WorkerMetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.WorkerMetricsAddr, deps, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
		return
	}
	logger.Info().Msg("worker shutdown complete")
}

func newWorker(cfg *config.Config, deps *app.Dependencies, logger *zerolog.Logger, kind string, handler queue.HandlerFunc) queue.Worker {
	return queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              kind,
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		RetryBase:         cfg.QueueBackoffBase,
		RetryJitter:       cfg.QueueBackoffJitter,
		Store:             deps.DLQ,
		Logger:            logger,
		Handler:           handler,
	}
}

// serveMetrics exposes Prometheus metrics, queue depth and liveness for the
// worker process.
func serveMetrics(ctx context.Context, addr string, deps *app.Dependencies, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health/live", health.Handler{}.Live)
	mux.HandleFunc("/health/ready", health.Handler{
		Checker: health.Probes{DB: deps.DB, Redis: deps.Redis},
	}.Ready)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutdownCtx)
				cancel()
				return
			case <-ticker.C:
				for _, kind := range []string{payment.TaskOrderSync, payment.TaskAssetRelocation} {
					if depth, err := deps.Queue.Depth(ctx, kind); err == nil {
						queue.QueueDepth.WithLabelValues(kind).Set(float64(depth))
					}
				}
			}
		}
	}()

	logger.Info().Str("addr", addr).Msg("worker metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runSweeps repairs unsynced orders on a fixed interval until ctx ends.
func runSweeps(ctx context.Context, sweeper *payment.Sweeper, interval time.Duration, logger zerolog.Logger) error {
	if interval <= 0 {
		logger.Info().Msg("order sync sweep disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := sweeper.Run(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("order sync sweep")
				continue
			}
			if res.Skipped {
				logger.Debug().Msg("order sync sweep skipped; lock held elsewhere")
			}
		}
	}
}
