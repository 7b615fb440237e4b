// Package store is the system of record for payments, their transactions and
// payment methods. Every multi-row write is a single atomic unit: a payment
// is never visible without its first transaction, and a finalized
// transaction is never visible without the payment state it produced.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-automaton/internal/payment"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("store: not found")
	// ErrUnknownPayment is returned when appending to a payment that does not exist.
	ErrUnknownPayment = errors.New("store: unknown payment")
	// ErrDuplicateExternalKey is returned when an external key is already used
	// within its scope (account for payments, payment for transactions).
	ErrDuplicateExternalKey = errors.New("store: duplicate external key")
	// ErrAlreadyFinalized is returned when completing a transaction whose
	// status is already terminal. Nothing is written.
	ErrAlreadyFinalized = errors.New("store: transaction already finalized")
)

// Completion is the outcome written by UpdateTransactionOnCompletion.
type Completion struct {
	PaymentID     uuid.UUID
	TransactionID uuid.UUID
	// StateName becomes the payment's current aggregate state.
	StateName string
	// LastSuccessStateName replaces the payment's last-success pointer when
	// not empty.
	LastSuccessStateName string
	Status               payment.TransactionStatus
	ProcessedAmount      decimal.NullDecimal
	ProcessedCurrency    string
	GatewayErrorCode     *string
	GatewayErrorMsg      *string
	// EffectiveDate overrides the transaction's effective date when set.
	EffectiveDate time.Time
}

// Store is the contract the automaton runs against.
type Store interface {
	InsertPaymentWithFirstTransaction(ctx context.Context, p *payment.Payment, txn *payment.Transaction) (*payment.Payment, error)
	AppendTransaction(ctx context.Context, paymentID uuid.UUID, txn *payment.Transaction) (*payment.Transaction, error)
	GetTransactionsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*payment.Transaction, error)
	UpdateTransactionOnCompletion(ctx context.Context, c Completion) (*payment.Transaction, error)
	GetPaymentMethod(ctx context.Context, id uuid.UUID, includeDeleted bool) (*payment.PaymentMethod, error)

	GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	GetPaymentByExternalKey(ctx context.Context, accountID uuid.UUID, externalKey string) (*payment.Payment, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*payment.Transaction, error)
	GetTransactionByExternalKey(ctx context.Context, paymentID uuid.UUID, externalKey string) (*payment.Transaction, error)
	// GetTransactionsByStatus returns transactions in one of statuses created
	// before createdBefore, oldest first. limit <= 0 means no limit.
	GetTransactionsByStatus(ctx context.Context, statuses []payment.TransactionStatus, createdBefore time.Time, limit int) ([]*payment.Transaction, error)
	InsertPaymentMethod(ctx context.Context, m *payment.PaymentMethod) error
	DeletePaymentMethod(ctx context.Context, id uuid.UUID) error
}

// ApplyCompletion writes c onto txn and p. Shared by the implementations so
// that both finalize identically.
func ApplyCompletion(p *payment.Payment, txn *payment.Transaction, c Completion, now time.Time) {
	txn.Status = c.Status
	txn.ProcessedAmount = c.ProcessedAmount
	txn.ProcessedCurrency = c.ProcessedCurrency
	txn.GatewayErrorCode = c.GatewayErrorCode
	txn.GatewayErrorMsg = c.GatewayErrorMsg
	if !c.EffectiveDate.IsZero() {
		txn.EffectiveDate = c.EffectiveDate
	}
	txn.UpdatedAt = now

	p.StateName = c.StateName
	if c.LastSuccessStateName != "" {
		p.LastSuccessStateName = c.LastSuccessStateName
	}
	p.UpdatedAt = now
}
