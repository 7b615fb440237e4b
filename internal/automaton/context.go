package automaton

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/plugin"
	"github.com/yourorg/payment-automaton/internal/statemachine"
)

// Request asks the runner to perform one transaction. PaymentID is absent for
// the first transaction of a new payment; the payment external key then
// identifies it.
type Request struct {
	AccountID              uuid.UUID
	PaymentID              uuid.NullUUID
	PaymentMethodID        uuid.UUID
	TransactionType        payment.TransactionType
	Amount                 decimal.Decimal
	Currency               string
	PaymentExternalKey     string
	TransactionExternalKey string
	AttemptID              uuid.NullUUID
	EffectiveDate          time.Time
	Properties             map[string]string
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// normalize validates r and fills defaulted fields. It never touches the store.
func (r *Request) normalize(now time.Time) error {
	if !r.TransactionType.Valid() {
		return payment.InvalidParameter("transactionType", fmt.Sprintf("unsupported type %q", r.TransactionType))
	}
	if r.AccountID == uuid.Nil {
		return payment.InvalidParameter("accountId", "is required")
	}
	if !r.PaymentID.Valid && r.PaymentMethodID == uuid.Nil {
		return payment.InvalidParameter("paymentMethodId", "is required for a new payment")
	}
	if r.Amount.IsNegative() {
		return payment.InvalidParameter("amount", "must not be negative")
	}
	if !currencyPattern.MatchString(r.Currency) {
		return payment.InvalidParameter("currency", fmt.Sprintf("%q is not an ISO 4217 code", r.Currency))
	}
	if r.TransactionExternalKey == "" {
		r.TransactionExternalKey = uuid.NewString()
	}
	if r.EffectiveDate.IsZero() {
		r.EffectiveDate = now
	}
	props := make(map[string]string, len(r.Properties))
	for k, v := range r.Properties {
		props[k] = v
	}
	r.Properties = props
	return nil
}

// stateContext is the state of one RunTransaction call. It is owned by the
// goroutine running the call and is never shared.
type stateContext struct {
	req Request

	payment    *payment.Payment
	isNew      bool
	existing   []*payment.Transaction // transactions before this call
	transition statemachine.Transition
	method     *payment.PaymentMethod
	adapter    plugin.GatewayAdapter

	// txn is the row this call drives. replay marks a terminal row returned
	// as is; resumed marks an UNKNOWN or PENDING row being retried.
	txn     *payment.Transaction
	replay  bool
	resumed bool
}

func (sc *stateContext) findExisting(externalKey string) *payment.Transaction {
	for _, t := range sc.existing {
		if t.ExternalKey == externalKey {
			return t
		}
	}
	return nil
}

// referenceAmount is the amount a RequiresAmountMatch transition is checked
// against: the last successful authorization, else the first transaction.
func (sc *stateContext) referenceAmount() decimal.Decimal {
	for i := len(sc.existing) - 1; i >= 0; i-- {
		t := sc.existing[i]
		if t.Type == payment.TransactionTypeAuthorize && t.Status == payment.StatusSuccess {
			return t.Amount
		}
	}
	return sc.existing[0].Amount
}

func (sc *stateContext) pluginRequest() plugin.Request {
	return plugin.Request{
		Operation:       sc.txn.Type,
		PaymentID:       sc.payment.ID,
		TransactionID:   sc.txn.ID,
		ExternalKey:     sc.txn.ExternalKey,
		PaymentMethodID: sc.payment.PaymentMethodID,
		Amount:          sc.txn.Amount,
		Currency:        sc.txn.Currency,
		Properties:      sc.req.Properties,
	}
}
