// Package external is the built-in plugin for payments settled outside any
// gateway (cash, check, wire). It keeps its own ledger so that refunds can
// never exceed what was paid.
package external

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/plugin"
)

// PluginName is the name the plugin registers under.
const PluginName = "__EXTERNAL_PAYMENT__"

var (
	ErrUnknownPayment       = errors.New("no payment recorded for this id")
	ErrRefundTooLarge       = errors.New("refund too large")
	ErrCaptureTooLarge      = errors.New("capture exceeds authorized amount")
	ErrNothingToVoid        = errors.New("no open authorization to void")
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

type ledger struct {
	authorized decimal.Decimal
	captured   decimal.Decimal
	paid       decimal.Decimal
	refunded   decimal.Decimal
	voided     bool
}

func (l *ledger) refundable() decimal.Decimal {
	return l.paid.Add(l.captured).Sub(l.refunded)
}

// Plugin records processed amounts per payment.
type Plugin struct {
	mu        sync.Mutex
	payments  map[uuid.UUID]*ledger
	processed map[uuid.UUID]*plugin.Result // by transaction id
	now       func() time.Time
}

// New creates an empty plugin.
func New() *Plugin {
	return NewWithClock(func() time.Time { return time.Now().UTC() })
}

// NewWithClock creates a plugin whose timestamps come from now.
func NewWithClock(now func() time.Time) *Plugin {
	return &Plugin{
		payments:  make(map[uuid.UUID]*ledger),
		processed: make(map[uuid.UUID]*plugin.Result),
		now:       now,
	}
}

// Name implements plugin.GatewayAdapter.
func (p *Plugin) Name() string { return PluginName }

// Invoke implements plugin.GatewayAdapter. A transaction id seen before
// returns the result recorded the first time.
func (p *Plugin) Invoke(ctx context.Context, req plugin.Request) (*plugin.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.processed[req.TransactionID]; ok && req.TransactionID != uuid.Nil {
		res := *prev
		return &res, nil
	}

	if err := p.apply(req); err != nil {
		return nil, plugin.Rejected(PluginName, err)
	}

	now := p.now()
	res := &plugin.Result{
		Amount:           req.Amount,
		Currency:         req.Currency,
		Status:           plugin.StatusProcessed,
		FirstReferenceID: req.TransactionID.String(),
		CreatedDate:      now,
		EffectiveDate:    now,
	}
	if req.TransactionID != uuid.Nil {
		stored := *res
		p.processed[req.TransactionID] = &stored
	}
	return res, nil
}

// apply assumes p.mu is held.
func (p *Plugin) apply(req plugin.Request) error {
	switch req.Operation {
	case payment.TransactionTypePurchase:
		l := p.ledgerFor(req.PaymentID)
		l.paid = l.paid.Add(req.Amount)
	case payment.TransactionTypeAuthorize:
		l := p.ledgerFor(req.PaymentID)
		l.authorized = l.authorized.Add(req.Amount)
	case payment.TransactionTypeCredit:
		p.ledgerFor(req.PaymentID)
	case payment.TransactionTypeCapture:
		l, ok := p.payments[req.PaymentID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPayment, req.PaymentID)
		}
		if l.voided || l.captured.Add(req.Amount).GreaterThan(l.authorized) {
			return fmt.Errorf("%w: authorized %s, captured %s, requested %s",
				ErrCaptureTooLarge, l.authorized, l.captured, req.Amount)
		}
		l.captured = l.captured.Add(req.Amount)
	case payment.TransactionTypeRefund:
		l, ok := p.payments[req.PaymentID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPayment, req.PaymentID)
		}
		if req.Amount.GreaterThan(l.refundable()) {
			return fmt.Errorf("%w: refundable %s, requested %s", ErrRefundTooLarge, l.refundable(), req.Amount)
		}
		l.refunded = l.refunded.Add(req.Amount)
	case payment.TransactionTypeVoid:
		l, ok := p.payments[req.PaymentID]
		if !ok || l.voided || l.authorized.IsZero() || !l.captured.IsZero() {
			return fmt.Errorf("%w: %s", ErrNothingToVoid, req.PaymentID)
		}
		l.voided = true
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOperation, req.Operation)
	}
	return nil
}

func (p *Plugin) ledgerFor(id uuid.UUID) *ledger {
	l, ok := p.payments[id]
	if !ok {
		l = &ledger{}
		p.payments[id] = l
	}
	return l
}

// PaymentInfo returns the last result recorded for a transaction id.
func (p *Plugin) PaymentInfo(transactionID uuid.UUID) (*plugin.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.processed[transactionID]
	if !ok {
		return nil, false
	}
	c := *res
	return &c, true
}

// Refunded returns the total refunded for a payment.
func (p *Plugin) Refunded(paymentID uuid.UUID) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.payments[paymentID]; ok {
		return l.refunded
	}
	return decimal.Zero
}
