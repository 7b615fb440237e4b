package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yourorg/payment-automaton/internal/metrics"
	"github.com/yourorg/payment-automaton/internal/plugin/circuitbreaker"
)

// ErrCircuitOpen is wrapped in the REJECTED error returned while a plugin's
// circuit is open.
var ErrCircuitOpen = errors.New("circuit open")

// InvokerConfig configures an Invoker.
type InvokerConfig struct {
	Timeout time.Duration
	Breaker *circuitbreaker.CircuitBreaker // optional
	Metrics *metrics.Metrics               // optional
	Logger  logrus.FieldLogger
}

// Invoker calls adapters under a timeout, behind a circuit breaker, and
// turns every way a call can go wrong into an *InvocationError.
type Invoker struct {
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  logrus.FieldLogger
}

// NewInvoker creates an Invoker.
func NewInvoker(cfg InvokerConfig) *Invoker {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Invoker{
		timeout: cfg.Timeout,
		breaker: cfg.Breaker,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Invoke performs req on a. On success it returns the adapter's result; on
// failure the error is always an *InvocationError.
func (i *Invoker) Invoke(ctx context.Context, a GatewayAdapter, req Request) (*Result, error) {
	name := a.Name()
	ctx, span := otel.Tracer("plugin").Start(ctx, "Invoker.Invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("plugin.name", name),
		attribute.String("payment.operation", string(req.Operation)),
		attribute.String("payment.transaction_id", req.TransactionID.String()),
	)

	if i.breaker != nil && !i.breaker.AllowRequest(name) {
		err := Rejected(name, ErrCircuitOpen)
		i.metrics.IncPluginFailure(name, string(err.Kind))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	callCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := i.call(callCtx, a, req)
	elapsed := time.Since(start)

	if err == nil && res == nil {
		err = Malformed(name, fmt.Errorf("adapter returned no result"))
	}
	if err != nil {
		ierr := classify(callCtx, name, err)
		i.recordFailure(name)
		i.metrics.IncPluginFailure(name, string(ierr.Kind))
		i.metrics.ObservePluginCall(name, string(ierr.Kind), elapsed)
		span.RecordError(ierr)
		span.SetStatus(codes.Error, ierr.Error())
		i.logger.WithFields(logrus.Fields{
			"plugin":         name,
			"operation":      req.Operation,
			"transaction_id": req.TransactionID,
			"kind":           ierr.Kind,
			"elapsed_ms":     elapsed.Milliseconds(),
		}).WithError(ierr.Err).Warn("Invoker: plugin call failed")
		return nil, ierr
	}

	i.recordSuccess(name)
	i.metrics.ObservePluginCall(name, string(res.Status), elapsed)
	span.SetAttributes(attribute.String("plugin.status", string(res.Status)))
	return res, nil
}

type reply struct {
	res *Result
	err error
}

// call runs the adapter on its own goroutine so that the deadline holds even
// for an adapter that ignores ctx. An abandoned call finishes into the
// buffered channel and its outcome is dropped. Adapter panics become REJECTED.
func (i *Invoker) call(ctx context.Context, a GatewayAdapter, req Request) (*Result, error) {
	done := make(chan reply, 1)
	go func() {
		var out reply
		defer func() {
			if r := recover(); r != nil {
				out = reply{err: Rejected(a.Name(), fmt.Errorf("adapter panicked: %v", r))}
			}
			done <- out
		}()
		out.res, out.err = a.Invoke(ctx, req)
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		i.logger.WithFields(logrus.Fields{
			"plugin":         a.Name(),
			"transaction_id": req.TransactionID,
		}).Warn("Invoker: abandoning plugin call after deadline")
		return nil, ctx.Err()
	}
}

func classify(callCtx context.Context, name string, err error) *InvocationError {
	deadline := errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
	var ierr *InvocationError
	if errors.As(err, &ierr) {
		if deadline && ierr.Kind != FailureTimeout {
			return Timeout(name, err)
		}
		return ierr
	}
	if deadline {
		return Timeout(name, err)
	}
	return Rejected(name, err)
}

func (i *Invoker) recordFailure(name string) {
	if i.breaker != nil {
		i.breaker.RecordFailure(name)
	}
}

func (i *Invoker) recordSuccess(name string) {
	if i.breaker != nil {
		i.breaker.RecordSuccess(name)
	}
}
