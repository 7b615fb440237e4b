// Package reporting builds read-only summaries of a payment's transaction
// history.
package reporting

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-automaton/internal/payment"
)

// Summary describes where a payment stands.
type Summary struct {
	PaymentID            uuid.UUID `json:"paymentId"`
	StateName            string    `json:"stateName"`
	LastSuccessStateName string    `json:"lastSuccessStateName,omitempty"`
	Currency             string    `json:"currency,omitempty"`

	TotalTransactions int                                         `json:"totalTransactions"`
	StatusCounts      map[payment.TransactionStatus]int           `json:"statusCounts"`
	AmountByType      map[payment.TransactionType]decimal.Decimal `json:"amountByType"` // successful transactions only
	ErrorBreakdown    map[string]int                              `json:"errorBreakdown"`

	// Net is purchased plus captured minus refunded and credited.
	Net decimal.Decimal `json:"net"`
	// Unresolved counts UNKNOWN and PENDING transactions.
	Unresolved int `json:"unresolved"`

	DateFrom time.Time     `json:"dateFrom"`
	DateTo   time.Time     `json:"dateTo"`
	Duration time.Duration `json:"duration"`
}

// Reporter generates summaries.
type Reporter struct{}

// NewReporter creates a new Reporter.
func NewReporter() *Reporter {
	return &Reporter{}
}

// Summarize analyzes the transactions of p. txns are expected in creation
// order but the result does not depend on it.
func (r *Reporter) Summarize(p *payment.Payment, txns []*payment.Transaction) *Summary {
	s := &Summary{
		PaymentID:            p.ID,
		StateName:            p.StateName,
		LastSuccessStateName: p.LastSuccessStateName,
		StatusCounts:         make(map[payment.TransactionStatus]int),
		AmountByType:         make(map[payment.TransactionType]decimal.Decimal),
		ErrorBreakdown:       make(map[string]int),
		Net:                  decimal.Zero,
	}
	if len(txns) == 0 {
		return s
	}
	s.Currency = txns[0].Currency
	s.DateFrom, s.DateTo = txns[0].CreatedAt, txns[0].CreatedAt

	for _, txn := range txns {
		s.TotalTransactions++
		s.StatusCounts[txn.Status]++
		if txn.CreatedAt.Before(s.DateFrom) {
			s.DateFrom = txn.CreatedAt
		}
		if txn.UpdatedAt.After(s.DateTo) {
			s.DateTo = txn.UpdatedAt
		}

		switch txn.Status {
		case payment.StatusSuccess:
			amount := txn.Amount
			if txn.ProcessedAmount.Valid {
				amount = txn.ProcessedAmount.Decimal
			}
			s.AmountByType[txn.Type] = s.AmountByType[txn.Type].Add(amount)
			switch txn.Type {
			case payment.TransactionTypePurchase, payment.TransactionTypeCapture:
				s.Net = s.Net.Add(amount)
			case payment.TransactionTypeRefund, payment.TransactionTypeCredit:
				s.Net = s.Net.Sub(amount)
			}
		case payment.StatusFailed, payment.StatusPluginFailure:
			if code := payment.StringValue(txn.GatewayErrorCode); code != "" {
				s.ErrorBreakdown[code]++
			}
		case payment.StatusUnknown, payment.StatusPending:
			s.Unresolved++
		}
	}
	s.Duration = s.DateTo.Sub(s.DateFrom)
	return s
}
