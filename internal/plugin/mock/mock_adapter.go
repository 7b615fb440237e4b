package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/payment-automaton/internal/plugin"
)

// Adapter is a scriptable GatewayAdapter for tests and local runs.
type Adapter struct {
	name string

	// InvokeFunc, when set, handles every call. Otherwise the adapter
	// echoes the request as PROCESSED. Use SetInvokeFunc once calls may be
	// running, such as after a timed-out call the invoker abandoned.
	InvokeFunc func(ctx context.Context, req plugin.Request) (*plugin.Result, error)

	mu       sync.Mutex
	requests []plugin.Request
}

// NewAdapter creates an Adapter registered under name.
func NewAdapter(name string) *Adapter {
	return &Adapter{name: name}
}

// Name implements plugin.GatewayAdapter.
func (m *Adapter) Name() string { return m.name }

// Invoke implements plugin.GatewayAdapter.
func (m *Adapter) Invoke(ctx context.Context, req plugin.Request) (*plugin.Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	fn := m.InvokeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return Processed(req), nil
}

// SetInvokeFunc replaces InvokeFunc under the adapter's lock.
func (m *Adapter) SetInvokeFunc(fn func(ctx context.Context, req plugin.Request) (*plugin.Result, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InvokeFunc = fn
}

// Calls returns how many times Invoke was called.
func (m *Adapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received so far.
func (m *Adapter) Requests() []plugin.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]plugin.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Processed builds a PROCESSED result echoing the request.
func Processed(req plugin.Request) *plugin.Result {
	now := time.Now().UTC()
	return &plugin.Result{
		Amount:           req.Amount,
		Currency:         req.Currency,
		Status:           plugin.StatusProcessed,
		FirstReferenceID: "mock_" + uuid.NewString(),
		CreatedDate:      now,
		EffectiveDate:    now,
	}
}

// WithStatus builds a result echoing the request with the given status and
// gateway error fields.
func WithStatus(req plugin.Request, status plugin.GatewayStatus, code, msg string) *plugin.Result {
	res := Processed(req)
	res.Status = status
	if code != "" {
		res.GatewayErrorCode = &code
	}
	if msg != "" {
		res.GatewayError = &msg
	}
	return res
}

// BlockUntilDone waits for ctx to end and returns its error, simulating a
// gateway that never answers.
func BlockUntilDone(ctx context.Context, _ plugin.Request) (*plugin.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
