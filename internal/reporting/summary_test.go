package reporting

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/yourorg/payment-automaton/internal/payment"
)

func txn(typ payment.TransactionType, status payment.TransactionStatus, amount string, at time.Time) *payment.Transaction {
	return &payment.Transaction{
		ID:        uuid.New(),
		Type:      typ,
		Status:    status,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
		CreatedAt: at,
		UpdatedAt: at.Add(time.Second),
	}
}

func TestReporter_Summarize(t *testing.T) {
	reporter := NewReporter()
	p := &payment.Payment{ID: uuid.New(), StateName: "REFUND_PLUGIN_FAILURE", LastSuccessStateName: "REFUND_SUCCESS"}

	t.Run("NoTransactions", func(t *testing.T) {
		s := reporter.Summarize(p, nil)
		assert.Equal(t, p.ID, s.PaymentID)
		assert.Zero(t, s.TotalTransactions)
		assert.Empty(t, s.StatusCounts)
		assert.Empty(t, s.AmountByType)
		assert.True(t, s.Net.IsZero())
		assert.True(t, s.DateFrom.IsZero())
	})

	t.Run("MixedHistory", func(t *testing.T) {
		t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		purchase := txn(payment.TransactionTypePurchase, payment.StatusSuccess, "10.00", t0)
		purchase.ProcessedAmount = decimal.NewNullDecimal(decimal.RequireFromString("9.50"))
		declined := txn(payment.TransactionTypeRefund, payment.StatusPluginFailure, "20.00", t0.Add(time.Minute))
		declined.GatewayErrorCode = payment.StringPtr("REJECTED")
		refund1 := txn(payment.TransactionTypeRefund, payment.StatusSuccess, "1.00", t0.Add(2*time.Minute))
		refund2 := txn(payment.TransactionTypeRefund, payment.StatusSuccess, "2.50", t0.Add(3*time.Minute))
		failed := txn(payment.TransactionTypeRefund, payment.StatusFailed, "1.00", t0.Add(4*time.Minute))
		failed.GatewayErrorCode = payment.StringPtr("card_declined")
		noCode := txn(payment.TransactionTypeRefund, payment.StatusFailed, "1.00", t0.Add(5*time.Minute))
		stuck := txn(payment.TransactionTypeRefund, payment.StatusUnknown, "1.00", t0.Add(6*time.Minute))

		s := reporter.Summarize(p, []*payment.Transaction{purchase, declined, refund1, refund2, failed, noCode, stuck})

		assert.Equal(t, "REFUND_PLUGIN_FAILURE", s.StateName)
		assert.Equal(t, "REFUND_SUCCESS", s.LastSuccessStateName)
		assert.Equal(t, "USD", s.Currency)
		assert.Equal(t, 7, s.TotalTransactions)
		assert.Equal(t, map[payment.TransactionStatus]int{
			payment.StatusSuccess:       3,
			payment.StatusPluginFailure: 1,
			payment.StatusFailed:        2,
			payment.StatusUnknown:       1,
		}, s.StatusCounts)
		assert.Equal(t, map[string]int{"REJECTED": 1, "card_declined": 1}, s.ErrorBreakdown)
		assert.Equal(t, 1, s.Unresolved)

		assert.Len(t, s.AmountByType, 2)
		assert.True(t, s.AmountByType[payment.TransactionTypePurchase].Equal(decimal.RequireFromString("9.50")), "processed amount wins")
		assert.True(t, s.AmountByType[payment.TransactionTypeRefund].Equal(decimal.RequireFromString("3.50")))
		assert.True(t, s.Net.Equal(decimal.RequireFromString("6.00")), "net %s", s.Net)

		assert.Equal(t, t0, s.DateFrom)
		assert.Equal(t, stuck.UpdatedAt, s.DateTo)
		assert.Equal(t, 6*time.Minute+time.Second, s.Duration)
	})
}
