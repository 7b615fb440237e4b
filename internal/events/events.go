// Package events publishes a message each time a transaction is finalized.
// Consumers (ledger, notifications) learn outcomes without polling the store.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-automaton/internal/payment"
)

// DefaultTopic is the NSQ topic transaction events are published on.
const DefaultTopic = "payment_transactions"

// TransactionEvent describes one finalized transaction.
type TransactionEvent struct {
	PaymentID              uuid.UUID                 `json:"payment_id"`
	AccountID              uuid.UUID                 `json:"account_id"`
	TransactionID          uuid.UUID                 `json:"transaction_id"`
	PaymentExternalKey     string                    `json:"payment_external_key"`
	TransactionExternalKey string                    `json:"transaction_external_key"`
	Type                   payment.TransactionType   `json:"transaction_type"`
	Status                 payment.TransactionStatus `json:"status"`
	StateName              string                    `json:"state_name"`
	Amount                 decimal.Decimal           `json:"amount"`
	Currency               string                    `json:"currency"`
	GatewayErrorCode       *string                   `json:"gateway_error_code,omitempty"`
	GatewayErrorMsg        *string                   `json:"gateway_error_msg,omitempty"`
	OccurredAt             time.Time                 `json:"occurred_at"`
}

// NewTransactionEvent builds the event for a finalized transaction.
func NewTransactionEvent(p *payment.Payment, txn *payment.Transaction, occurredAt time.Time) TransactionEvent {
	return TransactionEvent{
		PaymentID:              p.ID,
		AccountID:              p.AccountID,
		TransactionID:          txn.ID,
		PaymentExternalKey:     p.ExternalKey,
		TransactionExternalKey: txn.ExternalKey,
		Type:                   txn.Type,
		Status:                 txn.Status,
		StateName:              p.StateName,
		Amount:                 txn.Amount,
		Currency:               txn.Currency,
		GatewayErrorCode:       txn.GatewayErrorCode,
		GatewayErrorMsg:        txn.GatewayErrorMsg,
		OccurredAt:             occurredAt,
	}
}

// Publisher delivers transaction events. Delivery is best effort: the store,
// not the event stream, is the record of truth.
type Publisher interface {
	Publish(ctx context.Context, evt TransactionEvent) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, TransactionEvent) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []TransactionEvent
}

func (r *Recorder) Publish(_ context.Context, evt TransactionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of what was published so far.
func (r *Recorder) Events() []TransactionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TransactionEvent, len(r.events))
	copy(out, r.events)
	return out
}
