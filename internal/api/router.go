// Package api exposes the automaton and the control loop over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/payment-automaton/internal/automaton"
	"github.com/yourorg/payment-automaton/internal/monitor"
	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/reporting"
	"github.com/yourorg/payment-automaton/internal/retry"
	"github.com/yourorg/payment-automaton/internal/store"
)

// Runner runs one transaction.
type Runner interface {
	RunTransaction(ctx context.Context, req automaton.Request) (*payment.Transaction, error)
}

// Retrier resolves unresolved transactions.
type Retrier interface {
	Retry(ctx context.Context, paymentID uuid.UUID, externalKey string) (*retry.Result, error)
	Sweep(ctx context.Context) (*retry.SweepReport, error)
}

// Config wires the HTTP surface. Runner, Retrier and Store are required.
type Config struct {
	Runner      Runner
	Retrier     Retrier
	Store       store.Store
	Monitor     *monitor.ContractMonitor // defaults to the run transaction contract
	Gatherer    prometheus.Gatherer      // served on /metrics when set
	ServiceName string
	Logger      logrus.FieldLogger
}

type handler struct {
	runner   Runner
	retrier  Retrier
	store    store.Store
	monitor  *monitor.ContractMonitor
	reporter *reporting.Reporter
	logger   logrus.FieldLogger
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config) *gin.Engine {
	if cfg.Runner == nil || cfg.Retrier == nil || cfg.Store == nil {
		panic("api: Runner, Retrier and Store are required")
	}
	h := &handler{
		runner:   cfg.Runner,
		retrier:  cfg.Retrier,
		store:    cfg.Store,
		monitor:  cfg.Monitor,
		reporter: reporting.NewReporter(),
		logger:   cfg.Logger,
	}
	if h.monitor == nil {
		h.monitor = monitor.NewRunTransactionMonitor()
	}
	if h.logger == nil {
		h.logger = logrus.StandardLogger()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "payment-automaton"
	}

	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName), requestLogger(h.logger))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.POST("/payments/transactions", h.runTransaction)
	v1.GET("/payments/:paymentId", h.getPayment)
	v1.GET("/payments/:paymentId/summary", h.getSummary)
	v1.POST("/payments/:paymentId/transactions/:externalKey/retry", h.retryTransaction)
	v1.POST("/retry/sweep", h.sweep)
	v1.POST("/payment-methods", h.createPaymentMethod)
	v1.GET("/payment-methods/:methodId", h.getPaymentMethod)
	v1.DELETE("/payment-methods/:methodId", h.deletePaymentMethod)
	return r
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{
			"status":    status,
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
			"method":    c.Request.Method,
			"path":      c.FullPath(),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("Server error")
		case status >= http.StatusBadRequest:
			entry.Warn("Client error")
		default:
			entry.Info("Request processed")
		}
	}
}
