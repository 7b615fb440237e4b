// Package httpgateway is a GatewayAdapter for card gateways reachable over a
// JSON HTTP API. It sends one POST per transaction and uses the automaton's
// transaction id as the Idempotency-Key, so a resumed transaction is never
// charged twice by the gateway.
package httpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-automaton/internal/plugin"
)

const defaultTimeout = 10 * time.Second

// Config describes one gateway endpoint.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Adapter implements plugin.GatewayAdapter over HTTP.
type Adapter struct {
	name   string
	client *resty.Client
}

// New creates an Adapter. Retries are left off: the retry controller owns
// that decision.
func New(cfg Config) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &Adapter{name: cfg.Name, client: client}
}

// Name implements plugin.GatewayAdapter.
func (a *Adapter) Name() string { return a.name }

type transactionRequest struct {
	Operation     string            `json:"operation"`
	PaymentID     string            `json:"payment_id"`
	TransactionID string            `json:"transaction_id"`
	ExternalKey   string            `json:"external_key,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type gatewayError struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

type transactionResponse struct {
	ID        string              `json:"id"`
	Status    string              `json:"status"`
	Amount    decimal.NullDecimal `json:"amount"`
	Currency  string              `json:"currency"`
	Created   *time.Time          `json:"created"`
	Effective *time.Time          `json:"effective"`
	Error     *gatewayError       `json:"error"`
}

type errorResponse struct {
	Error *gatewayError `json:"error"`
}

// Invoke implements plugin.GatewayAdapter.
func (a *Adapter) Invoke(ctx context.Context, req plugin.Request) (*plugin.Result, error) {
	body := transactionRequest{
		Operation:     string(req.Operation),
		PaymentID:     req.PaymentID.String(),
		TransactionID: req.TransactionID.String(),
		ExternalKey:   req.ExternalKey,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Metadata:      req.Properties,
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.TransactionID.String()).
		SetBody(body).
		Post("/transactions")
	if err != nil {
		if isTimeout(err) {
			return nil, plugin.Timeout(a.name, err)
		}
		return nil, plugin.Rejected(a.name, err)
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return nil, plugin.Rejected(a.name, fmt.Errorf("gateway returned HTTP %d: %s", code, truncate(resp.Body())))
	case code >= 200 && code < 300:
		return a.decodeSuccess(req, resp.Body())
	default:
		return a.decodeDecline(req, code, resp.Body())
	}
}

func (a *Adapter) decodeSuccess(req plugin.Request, raw []byte) (*plugin.Result, error) {
	var tr transactionResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, plugin.Malformed(a.name, fmt.Errorf("decode response: %w", err))
	}
	if tr.Status == "" {
		return nil, plugin.Malformed(a.name, errors.New("response has no status"))
	}

	res := &plugin.Result{
		Amount:           req.Amount,
		Currency:         req.Currency,
		Status:           mapStatus(tr.Status),
		FirstReferenceID: tr.ID,
	}
	if tr.Amount.Valid {
		res.Amount = tr.Amount.Decimal
	}
	if tr.Currency != "" {
		res.Currency = strings.ToUpper(tr.Currency)
	}
	now := time.Now().UTC()
	res.CreatedDate, res.EffectiveDate = now, now
	if tr.Created != nil {
		res.CreatedDate = tr.Created.UTC()
	}
	if tr.Effective != nil {
		res.EffectiveDate = tr.Effective.UTC()
	}
	if tr.Error != nil {
		res.GatewayErrorCode, res.GatewayError = errorFields(tr.Error)
	}
	return res, nil
}

// decodeDecline turns a 4xx answer into an ERROR result. A body without a
// gateway error is reported with a synthetic HTTP_<code> error code.
func (a *Adapter) decodeDecline(req plugin.Request, code int, raw []byte) (*plugin.Result, error) {
	now := time.Now().UTC()
	res := &plugin.Result{
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        plugin.StatusError,
		CreatedDate:   now,
		EffectiveDate: now,
	}

	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != nil && er.Error.Message != "" {
		res.GatewayErrorCode, res.GatewayError = errorFields(er.Error)
		return res, nil
	}
	errCode := fmt.Sprintf("HTTP_%d", code)
	msg := fmt.Sprintf("gateway request failed with HTTP %d: %s", code, truncate(raw))
	res.GatewayErrorCode, res.GatewayError = &errCode, &msg
	return res, nil
}

func errorFields(e *gatewayError) (*string, *string) {
	code := e.Code
	if e.DeclineCode != "" {
		code = e.DeclineCode
	}
	var codePtr, msgPtr *string
	if code != "" {
		codePtr = &code
	}
	if e.Message != "" {
		msg := e.Message
		msgPtr = &msg
	}
	return codePtr, msgPtr
}

func mapStatus(s string) plugin.GatewayStatus {
	switch strings.ToLower(s) {
	case "succeeded", "processed", "success":
		return plugin.StatusProcessed
	case "pending", "processing", "requires_action":
		return plugin.StatusPending
	case "failed", "declined", "error":
		return plugin.StatusError
	case "canceled", "cancelled":
		return plugin.StatusCanceled
	default:
		return plugin.StatusUndefined
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
