// Package payment holds the records the automaton reads and writes: payments,
// their transactions and the payment methods that point at a plugin.
// Amounts are decimals; optional gateway fields are pointers and are only
// set when the plugin reported them.
package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the operation a transaction performs against a payment.
type TransactionType string

const (
	TransactionTypeAuthorize TransactionType = "AUTHORIZE"
	TransactionTypeCapture   TransactionType = "CAPTURE"
	TransactionTypePurchase  TransactionType = "PURCHASE"
	TransactionTypeRefund    TransactionType = "REFUND"
	TransactionTypeVoid      TransactionType = "VOID"
	TransactionTypeCredit    TransactionType = "CREDIT"
)

// TransactionTypes lists every supported operation.
var TransactionTypes = []TransactionType{
	TransactionTypeAuthorize,
	TransactionTypeCapture,
	TransactionTypePurchase,
	TransactionTypeRefund,
	TransactionTypeVoid,
	TransactionTypeCredit,
}

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	for _, known := range TransactionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TransactionStatus is the recorded outcome of a transaction.
type TransactionStatus string

const (
	// StatusUnknown is the status a row is created with, and the status it keeps
	// when the plugin outcome could not be determined.
	StatusUnknown       TransactionStatus = "UNKNOWN"
	StatusPending       TransactionStatus = "PENDING"
	StatusSuccess       TransactionStatus = "SUCCESS"
	StatusFailed        TransactionStatus = "FAILED"
	StatusPluginFailure TransactionStatus = "PLUGIN_FAILURE"
)

// IsTerminal reports whether the status can no longer change.
// UNKNOWN and PENDING stay open for an explicit retry.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusPluginFailure:
		return true
	default:
		return false
	}
}

// Payment aggregates every transaction attempted against one charge.
type Payment struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	AccountID            uuid.UUID `db:"account_id" json:"accountId"`
	PaymentMethodID      uuid.UUID `db:"payment_method_id" json:"paymentMethodId"`
	ExternalKey          string    `db:"external_key" json:"externalKey"`
	StateName            string    `db:"state_name" json:"stateName"`
	LastSuccessStateName string    `db:"last_success_state_name" json:"lastSuccessStateName,omitempty"`
	CreatedAt            time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time `db:"updated_at" json:"updatedAt"`
}

// Transaction is one attempt (authorize, capture, refund, ...) on a payment.
type Transaction struct {
	ID                uuid.UUID           `db:"id" json:"id"`
	PaymentID         uuid.UUID           `db:"payment_id" json:"paymentId"`
	AttemptID         uuid.NullUUID       `db:"attempt_id" json:"attemptId"`
	ExternalKey       string              `db:"external_key" json:"externalKey"`
	Type              TransactionType     `db:"transaction_type" json:"transactionType"`
	EffectiveDate     time.Time           `db:"effective_date" json:"effectiveDate"`
	Amount            decimal.Decimal     `db:"amount" json:"amount"`
	Currency          string              `db:"currency" json:"currency"`
	ProcessedAmount   decimal.NullDecimal `db:"processed_amount" json:"processedAmount"`
	ProcessedCurrency string              `db:"processed_currency" json:"processedCurrency,omitempty"`
	Status            TransactionStatus   `db:"status" json:"status"`
	GatewayErrorCode  *string             `db:"gateway_error_code" json:"gatewayErrorCode,omitempty"`
	GatewayErrorMsg   *string             `db:"gateway_error_msg" json:"gatewayErrorMsg,omitempty"`
	CreatedAt         time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updatedAt"`
}

// PaymentMethod resolves which plugin handles a payment.
// Deleted methods are kept with IsActive=false.
type PaymentMethod struct {
	ID         uuid.UUID `db:"id" json:"id"`
	AccountID  uuid.UUID `db:"account_id" json:"accountId"`
	PluginName string    `db:"plugin_name" json:"pluginName"`
	IsActive   bool      `db:"is_active" json:"isActive"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// Clone returns a copy that shares no pointers with t.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.GatewayErrorCode = cloneString(t.GatewayErrorCode)
	c.GatewayErrorMsg = cloneString(t.GatewayErrorMsg)
	return &c
}

// Clone returns a copy of p.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Clone returns a copy of m.
func (m *PaymentMethod) Clone() *PaymentMethod {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// StringPtr returns a pointer to s, or nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue dereferences s, returning "" for nil.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
