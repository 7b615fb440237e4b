package plugin_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-automaton/internal/metrics"
	"github.com/yourorg/payment-automaton/internal/plugin"
	"github.com/yourorg/payment-automaton/internal/plugin/circuitbreaker"
	"github.com/yourorg/payment-automaton/internal/plugin/mock"
)

func TestRegistry(t *testing.T) {
	primary := mock.NewAdapter("primary")
	reg := plugin.NewRegistry(primary)

	got, err := reg.Lookup("primary")
	require.NoError(t, err)
	assert.Same(t, primary, got)

	_, err = reg.Lookup("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, plugin.ErrPluginNotFound)
	var lookupErr *plugin.LookupError
	require.ErrorAs(t, err, &lookupErr)
	assert.Equal(t, "missing", lookupErr.Name)

	err = reg.Register(mock.NewAdapter("primary"))
	assert.Error(t, err, "duplicate names are refused")
	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(mock.NewAdapter("")))

	require.NoError(t, reg.Register(mock.NewAdapter("fallback")))
	assert.Equal(t, []string{"fallback", "primary"}, reg.Names())

	reg.Unregister("fallback")
	_, err = reg.Lookup("fallback")
	assert.ErrorIs(t, err, plugin.ErrPluginNotFound)
}

func TestInvoker_Success(t *testing.T) {
	m := mock.NewAdapter("acme")
	inv := plugin.NewInvoker(plugin.InvokerConfig{Timeout: time.Second})

	res, err := inv.Invoke(context.Background(), m, plugin.Request{Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusProcessed, res.Status)
}

func TestInvoker_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		invoke func(ctx context.Context, req plugin.Request) (*plugin.Result, error)
		kind   plugin.FailureKind
	}{
		{
			name:   "Timeout",
			invoke: mock.BlockUntilDone,
			kind:   plugin.FailureTimeout,
		},
		{
			name: "Rejected",
			invoke: func(ctx context.Context, req plugin.Request) (*plugin.Result, error) {
				return nil, errors.New("connection refused")
			},
			kind: plugin.FailureRejected,
		},
		{
			name: "NilResult",
			invoke: func(ctx context.Context, req plugin.Request) (*plugin.Result, error) {
				return nil, nil
			},
			kind: plugin.FailureMalformed,
		},
		{
			name: "AdapterSpecificKindKept",
			invoke: func(ctx context.Context, req plugin.Request) (*plugin.Result, error) {
				return nil, plugin.Malformed("acme", errors.New("bad json"))
			},
			kind: plugin.FailureMalformed,
		},
		{
			name: "Panic",
			invoke: func(ctx context.Context, req plugin.Request) (*plugin.Result, error) {
				panic("nil map")
			},
			kind: plugin.FailureRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mock.NewAdapter("acme")
			m.SetInvokeFunc(tt.invoke)
			inv := plugin.NewInvoker(plugin.InvokerConfig{Timeout: 20 * time.Millisecond})

			res, err := inv.Invoke(context.Background(), m, plugin.Request{})
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.kind, plugin.KindOf(err))
			assert.Equal(t, tt.kind == plugin.FailureTimeout, plugin.IsTimeout(err))
		})
	}
}

func TestInvoker_TimeoutWithAdapterIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := mock.NewAdapter("stuck-sdk")
	m.InvokeFunc = func(ctx context.Context, req plugin.Request) (*plugin.Result, error) {
		<-release
		return mock.Processed(req), nil
	}
	inv := plugin.NewInvoker(plugin.InvokerConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	res, err := inv.Invoke(context.Background(), m, plugin.Request{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, plugin.IsTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "the deadline must not depend on the adapter")
}

func TestInvoker_CircuitBreakerAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour})
	m := mock.NewAdapter("flaky")
	m.InvokeFunc = func(ctx context.Context, req plugin.Request) (*plugin.Result, error) {
		return nil, errors.New("503")
	}
	inv := plugin.NewInvoker(plugin.InvokerConfig{Timeout: time.Second, Breaker: cb, Metrics: mtr})

	for i := 0; i < 2; i++ {
		_, err := inv.Invoke(context.Background(), m, plugin.Request{})
		require.Error(t, err)
	}
	state, _ := cb.Status("flaky")
	require.Equal(t, circuitbreaker.StateOpen, state)

	_, err := inv.Invoke(context.Background(), m, plugin.Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, plugin.ErrCircuitOpen)
	assert.Equal(t, plugin.FailureRejected, plugin.KindOf(err))
	assert.Equal(t, 2, m.Calls(), "open circuit must not reach the adapter")
	assert.Equal(t, 3.0, testutil.ToFloat64(mtr.PluginFailures().WithLabelValues("flaky", "REJECTED")))
}

func TestInvoker_GatewayDeclineKeepsCircuitClosed(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{FailureThreshold: 1})
	m := mock.NewAdapter("acme")
	m.InvokeFunc = func(ctx context.Context, req plugin.Request) (*plugin.Result, error) {
		return mock.WithStatus(req, plugin.StatusError, "card_declined", "declined"), nil
	}
	inv := plugin.NewInvoker(plugin.InvokerConfig{Breaker: cb})

	res, err := inv.Invoke(context.Background(), m, plugin.Request{})
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusError, res.Status)
	assert.True(t, cb.AllowRequest("acme"))
}
