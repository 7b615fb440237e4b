package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/payment-automaton/internal/api"
	"github.com/yourorg/payment-automaton/internal/automaton"
	"github.com/yourorg/payment-automaton/internal/config"
	"github.com/yourorg/payment-automaton/internal/events"
	"github.com/yourorg/payment-automaton/internal/lock"
	"github.com/yourorg/payment-automaton/internal/logging"
	"github.com/yourorg/payment-automaton/internal/metrics"
	"github.com/yourorg/payment-automaton/internal/plugin"
	"github.com/yourorg/payment-automaton/internal/plugin/circuitbreaker"
	"github.com/yourorg/payment-automaton/internal/plugin/external"
	"github.com/yourorg/payment-automaton/internal/plugin/httpgateway"
	"github.com/yourorg/payment-automaton/internal/retry"
	"github.com/yourorg/payment-automaton/internal/store"
	"github.com/yourorg/payment-automaton/internal/store/sqlstore"
	"github.com/yourorg/payment-automaton/internal/tracing"
)

// app holds the wired service and everything that must be released on
// shutdown.
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	router     *gin.Engine
	runner     *automaton.Runner
	controller *retry.Controller
	registry   *prometheus.Registry
	closers    []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mtr := metrics.New(a.registry)

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	locker, err := a.openLocker(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	publisher, err := a.openPublisher()
	if err != nil {
		a.close()
		return nil, err
	}

	plugins := plugin.NewRegistry(external.New())
	if gw := cfg.Plugin.HTTPGateway; gw.Enabled {
		err := plugins.Register(httpgateway.New(httpgateway.Config{
			Name:    gw.Name,
			BaseURL: gw.BaseURL,
			APIKey:  gw.APIKey,
			Timeout: gw.Timeout,
		}))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("register http gateway: %w", err)
		}
	}
	logger.WithField("plugins", plugins.Names()).Info("plugins registered")

	invoker := plugin.NewInvoker(plugin.InvokerConfig{
		Timeout: cfg.Plugin.Timeout,
		Breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold: cfg.Plugin.BreakerFailureThreshold,
			ResetTimeout:     cfg.Plugin.BreakerResetTimeout,
		}),
		Metrics: mtr,
		Logger:  logger,
	})

	a.runner = automaton.NewRunner(automaton.Config{
		Store:     st,
		Plugins:   plugins,
		Invoker:   invoker,
		Locker:    locker,
		Publisher: publisher,
		Metrics:   mtr,
		Logger:    logger,
	})

	policy, err := retry.NewPolicy(cfg.Retry.MaxAttempts, cfg.Retry.Rules)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	a.controller = retry.NewController(retry.Config{
		Store:       st,
		Runner:      a.runner,
		Policy:      policy,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      true,
		GracePeriod: cfg.Retry.GracePeriod,
		BatchSize:   cfg.Retry.BatchSize,
		Metrics:     mtr,
		Logger:      logger,
	})

	a.router = api.NewRouter(api.Config{
		Runner:      a.runner,
		Retrier:     a.controller,
		Store:       st,
		Gatherer:    a.registry,
		ServiceName: cfg.Tracing.ServiceName,
		Logger:      logger,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Database.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		st, err := sqlstore.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", a.cfg.Database.Driver, err)
		}
		a.closers = append(a.closers, st.Close)
		a.logger.WithField("driver", a.cfg.Database.Driver).Info("sql store opened")
		return st, nil
	default:
		a.logger.Warn("using in-memory store, payments are lost on restart")
		return store.NewMemory(), nil
	}
}

func (a *app) openLocker(ctx context.Context) (lock.Locker, error) {
	if !a.cfg.Redis.Enabled {
		return lock.NewLocal(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.closers = append(a.closers, client.Close)
	return lock.NewRedis(client, lock.RedisConfig{TTL: a.cfg.Redis.LockTTL, Logger: a.logger}), nil
}

func (a *app) openPublisher() (events.Publisher, error) {
	if !a.cfg.NSQ.Enabled {
		return events.Nop{}, nil
	}
	p, err := events.NewNSQPublisher(a.cfg.NSQ.Address, a.cfg.NSQ.Topic, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to nsqd at %s: %w", a.cfg.NSQ.Address, err)
	}
	a.closers = append(a.closers, func() error { p.Stop(); return nil })
	return p, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("error during close")
		}
	}
	a.closers = nil
}

// shutdown waits for detached finalizations before releasing the store.
func (a *app) shutdown(ctx context.Context) {
	if err := a.runner.Drain(ctx); err != nil {
		a.logger.WithError(err).Warn("in-flight transactions did not drain")
	}
	a.close()
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, os.Stdout)

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, os.Stdout)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Retry.SweepInterval > 0 {
		go a.controller.Run(ctx, cfg.Retry.SweepInterval)
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: a.router}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			a.shutdown(context.Background())
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown")
	}
	a.shutdown(shutdownCtx)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.WithError(err).Fatal("server exited")
	}
}
