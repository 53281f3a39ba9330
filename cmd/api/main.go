package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/toko-pay/internal/app"
	"github.com/noah-isme/toko-pay/internal/common"
	"github.com/noah-isme/toko-pay/internal/config"
	"github.com/noah-isme/toko-pay/internal/health"
	"github.com/noah-isme/toko-pay/internal/obs"
	"github.com/noah-isme/toko-pay/internal/payment"
	"github.com/noah-isme/toko-pay/internal/queue"
	"github.com/noah-isme/toko-pay/internal/ratelimit"
	"github.com/noah-isme/toko-pay/internal/resilience"
	"github.com/noah-isme/toko-pay/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "api").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Obs.EnablePrometheus {
		obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, nil)
		resilience.MustRegisterMetrics(nil)
		queue.MustRegisterMetrics(nil)
	}
	if cfg.Obs.EnableTracing {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "toko-pay-api",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			cfg.Obs.EnableTracing = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.Bootstrap(bootCtx, cfg, logger, "api")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap dependencies")
	}
	defer deps.Close()

	payCfg := cfg.Payment()
	if err := payCfg.Validate(); err != nil {
		logger.Warn().Err(err).Msg("payment gateway not configured; payment endpoints will reject requests")
	}

	paymentHandler := &payment.Handler{
		Config:     payCfg,
		Orders:     deps.Store,
		Builder:    deps.Builder,
		Reconciler: deps.Reconciler,
		Logger:     logger.With().Str("component", "payment").Logger(),
	}
	paymentAdmin := &payment.AdminHandler{Sweeper: deps.Sweeper}
	queueAdmin := &queue.AdminHandler{
		Store:             deps.DLQ,
		Queue:             deps.Queue,
		Logger:            logger,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	}
	idem := common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL}
	createLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: deps.Redis, Prefix: cfg.QueueRedisPrefix + ":ratelimit:"},
		Config: ratelimit.Config{
			Key:          ratelimit.ByClientIP("payment-create:"),
			Window:       cfg.RateLimitWindow,
			Max:          cfg.RateLimitMax,
			RejectStatus: http.StatusOK,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}

	var httpMetrics *obs.HTTPMetrics
	if cfg.Obs.EnablePrometheus {
		httpMetrics = obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets), nil)
	}

	proxies, err := common.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse trusted proxies")
	}

	r := chi.NewRouter()
	r.Use(proxies.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if cfg.Obs.EnableTracing {
		r.Use(obs.Tracing)
	}
	r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	r.Use(obs.WithLogger(logger))
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.CORS(strings.Join(allowedOrigins(cfg), ",")))
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

	if cfg.Obs.EnablePrometheus {
		r.Handle("/metrics", promhttp.Handler())
	}
	if cfg.Obs.EnablePprof {
		r.Mount("/debug/pprof", basicAuth(newPprofMux(), cfg.AdminBasicUser, cfg.AdminBasicPass))
	}

	healthHandler := health.Handler{
		Checker:      health.Probes{DB: deps.DB, Redis: deps.Redis},
		DBTimeout:    cfg.HealthDBWait,
		RedisTimeout: cfg.HealthRedisWt,
		Payment:      payCfg.Validate,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/payments/vnpay", func(p chi.Router) {
			p.Use(security.Headers{Enable: true, NoStore: true}.Middleware)
			p.With(createLimit.Middleware, idem.Middleware).Post("/", paymentHandler.Create)
			p.Get("/return", paymentHandler.Return)
			p.Post("/return", paymentHandler.Return)
			p.Get("/ipn", paymentHandler.IPN)
			p.Post("/ipn", paymentHandler.IPN)
		})

		if cfg.AdminBasicUser == "" {
			logger.Warn().Msg("ADMIN_BASIC_AUTH_USER not set; admin endpoints disabled")
			return
		}
		v.Route("/admin", func(admin chi.Router) {
			admin.Use(func(next http.Handler) http.Handler {
				return basicAuth(next, cfg.AdminBasicUser, cfg.AdminBasicPass)
			})
			admin.Post("/payments/reconcile", paymentAdmin.Reconcile)
			admin.Get("/queue/dlq", queueAdmin.ListDLQ)
			admin.Post("/queue/dlq/replay", queueAdmin.ReplayDLQ)
			admin.Get("/queue/stats", queueAdmin.Stats)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
		health.SetReady(false)
		logger.Info().Msg("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

// basicAuth guards operator endpoints. An empty user leaves handler open,
// which is only used for pprof in local development.
func basicAuth(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="toko-pay admin"`)
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
