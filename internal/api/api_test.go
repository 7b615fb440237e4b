package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-automaton/internal/automaton"
	"github.com/yourorg/payment-automaton/internal/metrics"
	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/plugin"
	"github.com/yourorg/payment-automaton/internal/plugin/mock"
	"github.com/yourorg/payment-automaton/internal/reporting"
	"github.com/yourorg/payment-automaton/internal/retry"
	"github.com/yourorg/payment-automaton/internal/store"
)

type server struct {
	router    *gin.Engine
	store     *store.Memory
	gateway   *mock.Adapter
	accountID uuid.UUID
	methodID  uuid.UUID
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	s := &server{
		store:     store.NewMemory(),
		gateway:   mock.NewAdapter("acme"),
		accountID: uuid.New(),
		methodID:  uuid.New(),
	}
	require.NoError(t, s.store.InsertPaymentMethod(context.Background(),
		&payment.PaymentMethod{ID: s.methodID, AccountID: s.accountID, PluginName: "acme", IsActive: true}))

	runner := automaton.NewRunner(automaton.Config{
		Store:   s.store,
		Plugins: plugin.NewRegistry(s.gateway),
		Invoker: plugin.NewInvoker(plugin.InvokerConfig{Timeout: 20 * time.Millisecond, Logger: logger}),
		Metrics: mtr,
		Logger:  logger,
	})
	policy, err := retry.NewPolicy(2, nil)
	require.NoError(t, err)
	controller := retry.NewController(retry.Config{
		Store:     s.store,
		Runner:    runner,
		Policy:    policy,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
		Metrics:   mtr,
		Logger:    logger,
	})
	s.router = NewRouter(Config{Runner: runner, Retrier: controller, Store: s.store, Gatherer: reg, Logger: logger})
	return s
}

func (s *server) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) purchase(paymentKey, txnKey, amount string) map[string]interface{} {
	return map[string]interface{}{
		"accountId":              s.accountID,
		"paymentMethodId":        s.methodID,
		"transactionType":        "PURCHASE",
		"amount":                 amount,
		"currency":               "USD",
		"paymentExternalKey":     paymentKey,
		"transactionExternalKey": txnKey,
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/payments/transactions", s.purchase("pay-1", "txn-1", "10.00")).Code)
	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `payment_automaton_transactions_total{status="SUCCESS",transaction_type="PURCHASE"} 1`)
}

func TestRunTransaction(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/payments/transactions", s.purchase("pay-1", "txn-1", "10.00"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[paymentResponse](t, w)
	require.NotNil(t, resp.Transaction)
	assert.Equal(t, payment.StatusSuccess, resp.Transaction.Status)
	assert.Equal(t, "txn-1", resp.Transaction.ExternalKey)
	assert.Equal(t, "PURCHASE_SUCCESS", resp.Payment.StateName)
	assert.Equal(t, "pay-1", resp.Payment.ExternalKey)

	refund := map[string]interface{}{
		"accountId":       s.accountID,
		"paymentId":       resp.Payment.ID,
		"transactionType": "REFUND",
		"amount":          4,
		"currency":        "USD",
	}
	w = s.do(t, http.MethodPost, "/v1/payments/transactions", refund)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "REFUND_SUCCESS", decode[paymentResponse](t, w).Payment.LastSuccessStateName)
}

func TestRunTransaction_ContactForwardedToPlugin(t *testing.T) {
	s := newServer(t)
	body := s.purchase("pay-1", "txn-1", "10.00")
	body["contact"] = map[string]interface{}{
		"firstName": strings.Repeat("A", 120),
		"email":     "ada@example.com",
	}
	body["properties"] = map[string]string{"contact.email": "override@example.com", "channel": "web"}

	w := s.do(t, http.MethodPost, "/v1/payments/transactions", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	reqs := s.gateway.Requests()
	require.Len(t, reqs, 1)
	props := reqs[0].Properties
	assert.Len(t, props["contact.first_name"], 100)
	assert.Equal(t, "override@example.com", props["contact.email"])
	assert.Equal(t, "web", props["channel"])
	assert.NotContains(t, props, "contact.last_name")

	body["contact"] = map[string]interface{}{"nickname": "ada"}
	w = s.do(t, http.MethodPost, "/v1/payments/transactions", body)
	assert.Equal(t, http.StatusBadRequest, w.Code, "unknown contact fields are rejected")
}

func TestRunTransaction_Errors(t *testing.T) {
	s := newServer(t)

	refundNew := s.purchase("pay-r", "txn-1", "1")
	refundNew["transactionType"] = "REFUND"
	unknownMethod := s.purchase("pay-m", "txn-1", "1")
	unknownMethod["paymentMethodId"] = uuid.New()
	badContract := s.purchase("pay-c", "txn-1", "1")
	badContract["currency"] = "usd"

	tests := []struct {
		name     string
		body     interface{}
		status   int
		code     payment.ErrorCode
		contains string
	}{
		{"ContractViolation", badContract, http.StatusBadRequest, payment.CodeInvalidParameter, "Validation errors"},
		{"MalformedJSON", `{"accountId":`, http.StatusBadRequest, payment.CodeInvalidParameter, "Invalid request format"},
		{"NoPriorSuccess", refundNew, http.StatusConflict, payment.CodeNoSuchSuccessPayment, ""},
		{"UnknownPaymentMethod", unknownMethod, http.StatusNotFound, payment.CodeNoSuchPaymentMethod, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/payments/transactions", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			resp := decode[errorResponse](t, w)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Contains(t, resp.Error.Message, tt.contains)
		})
	}
	assert.Zero(t, s.gateway.Calls())
}

func TestGetPaymentAndSummary(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodPost, "/v1/payments/transactions", s.purchase("pay-1", "txn-1", "10.00"))
	require.Equal(t, http.StatusOK, w.Code)
	paymentID := decode[paymentResponse](t, w).Payment.ID

	w = s.do(t, http.MethodGet, "/v1/payments/"+paymentID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[paymentResponse](t, w)
	assert.Equal(t, paymentID, resp.Payment.ID)
	assert.Len(t, resp.Transactions, 1)

	w = s.do(t, http.MethodGet, "/v1/payments/"+paymentID.String()+"/summary", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[reporting.Summary](t, w)
	assert.Equal(t, 1, summary.TotalTransactions)
	assert.Equal(t, "10", summary.Net.String())

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/payments/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/payments/"+uuid.NewString()+"/summary", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/payments/not-a-uuid", nil).Code)
}

func TestRetryAndSweep(t *testing.T) {
	s := newServer(t)
	s.gateway.SetInvokeFunc(mock.BlockUntilDone)
	w := s.do(t, http.MethodPost, "/v1/payments/transactions", s.purchase("pay-1", "txn-1", "10.00"))
	require.Equal(t, http.StatusOK, w.Code)
	stuck := decode[paymentResponse](t, w)
	require.Equal(t, payment.StatusUnknown, stuck.Transaction.Status)
	retryPath := fmt.Sprintf("/v1/payments/%s/transactions/txn-1/retry", stuck.Payment.ID)

	t.Run("Escalated", func(t *testing.T) {
		w := s.do(t, http.MethodPost, retryPath, nil)
		assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		res := decode[retry.Result](t, w)
		assert.Equal(t, retry.DecisionEscalate, res.Decision)
		assert.Equal(t, 2, res.Attempts)
	})

	t.Run("Resolved", func(t *testing.T) {
		s.gateway.SetInvokeFunc(nil)
		w := s.do(t, http.MethodPost, retryPath, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode[retry.Result](t, w)
		assert.Equal(t, payment.StatusSuccess, res.Transaction.Status)
		assert.Equal(t, stuck.Transaction.ID, res.Transaction.ID)
	})

	t.Run("UnknownTransaction", func(t *testing.T) {
		w := s.do(t, http.MethodPost, fmt.Sprintf("/v1/payments/%s/transactions/nope/retry", stuck.Payment.ID), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, payment.CodeNoSuchTransaction, decode[errorResponse](t, w).Error.Code)
	})

	t.Run("Sweep", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/v1/retry/sweep", nil)
		require.Equal(t, http.StatusOK, w.Code)
		report := decode[retry.SweepReport](t, w)
		assert.Zero(t, report.Scanned, "nothing is left unresolved")
	})
}

func TestPaymentMethods(t *testing.T) {
	s := newServer(t)

	w := s.do(t, http.MethodPost, "/v1/payment-methods", map[string]interface{}{"accountId": s.accountID, "pluginName": "acme"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[payment.PaymentMethod](t, w)
	assert.True(t, created.IsActive)
	assert.Equal(t, s.accountID, created.AccountID)

	path := "/v1/payment-methods/" + created.ID.String()
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, path, nil).Code)

	w = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code, "deleted methods stay readable")
	assert.False(t, decode[payment.PaymentMethod](t, w).IsActive)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/v1/payment-methods/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/payment-methods", map[string]interface{}{"pluginName": "acme"}).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{payment.InvalidParameter("amount", "bad"), http.StatusBadRequest},
		{payment.NewError(payment.CodeInvalidTransition, "no"), http.StatusConflict},
		{payment.NewError(payment.CodeNoSuchSuccessPayment, "no"), http.StatusConflict},
		{payment.NewError(payment.CodeNoSuchPaymentPlugin, "no"), http.StatusNotFound},
		{payment.PersistenceFailure("write", errors.New("disk")), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", context.Canceled), http.StatusGatewayTimeout},
		{automaton.ErrDraining, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestNewRouter_RequiresDependencies(t *testing.T) {
	assert.Panics(t, func() { NewRouter(Config{}) })
}
