// Package storetest holds the behaviour every store.Store implementation
// must share. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertPaymentWithFirstTransaction", testInsertPayment},
		{"DuplicatePaymentExternalKey", testDuplicatePaymentKey},
		{"AppendTransaction", testAppendTransaction},
		{"AppendToUnknownPayment", testAppendUnknownPayment},
		{"DuplicateTransactionExternalKey", testDuplicateTransactionKey},
		{"UpdateTransactionOnCompletion", testCompletion},
		{"CompletionKeepsLastSuccessWhenEmpty", testCompletionKeepsLastSuccess},
		{"SecondFinalizeIsRefused", testAlreadyFinalized},
		{"UnknownCanBeFinalizedLater", testUnknownReentrant},
		{"PaymentMethods", testPaymentMethods},
		{"TransactionsByStatus", testTransactionsByStatus},
		{"ConcurrentFinalizeWinsOnce", testConcurrentFinalize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewPayment builds an INIT payment for accountID.
func NewPayment(accountID, methodID uuid.UUID, externalKey string) *payment.Payment {
	return &payment.Payment{
		ID:              uuid.New(),
		AccountID:       accountID,
		PaymentMethodID: methodID,
		ExternalKey:     externalKey,
		StateName:       "INIT",
	}
}

// NewTransaction builds an UNKNOWN transaction row.
func NewTransaction(paymentID uuid.UUID, typ payment.TransactionType, externalKey, amount, currency string) *payment.Transaction {
	return &payment.Transaction{
		ID:            uuid.New(),
		PaymentID:     paymentID,
		AttemptID:     uuid.NullUUID{UUID: uuid.New(), Valid: true},
		ExternalKey:   externalKey,
		Type:          typ,
		EffectiveDate: time.Now().UTC().Truncate(time.Second),
		Amount:        decimal.RequireFromString(amount),
		Currency:      currency,
		Status:        payment.StatusUnknown,
	}
}

func seed(t *testing.T, s store.Store) (*payment.Payment, *payment.Transaction) {
	t.Helper()
	p := NewPayment(uuid.New(), uuid.New(), "pay-1")
	txn := NewTransaction(p.ID, payment.TransactionTypePurchase, "txn-1", "10.00", "USD")
	_, err := s.InsertPaymentWithFirstTransaction(context.Background(), p, txn)
	require.NoError(t, err)
	return p, txn
}

func success(p *payment.Payment, txn *payment.Transaction, state string) store.Completion {
	return store.Completion{
		PaymentID:            p.ID,
		TransactionID:        txn.ID,
		StateName:            state,
		LastSuccessStateName: state,
		Status:               payment.StatusSuccess,
		ProcessedAmount:      decimal.NewNullDecimal(txn.Amount),
		ProcessedCurrency:    txn.Currency,
	}
}

func testInsertPayment(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, txn := seed(t, s)

	got, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ExternalKey, got.ExternalKey)
	assert.Equal(t, "INIT", got.StateName)
	assert.Empty(t, got.LastSuccessStateName)
	assert.False(t, got.CreatedAt.IsZero())

	byKey, err := s.GetPaymentByExternalKey(ctx, p.AccountID, p.ExternalKey)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byKey.ID)

	txns, err := s.GetTransactionsForPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, txn.ID, txns[0].ID)
	assert.Equal(t, payment.StatusUnknown, txns[0].Status)
	assert.True(t, txns[0].Amount.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, txn.AttemptID, txns[0].AttemptID)
	assert.False(t, txns[0].ProcessedAmount.Valid)
	assert.Nil(t, txns[0].GatewayErrorCode)

	_, err = s.GetPayment(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetPaymentByExternalKey(ctx, uuid.New(), p.ExternalKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicatePaymentKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, _ := seed(t, s)

	dup := NewPayment(p.AccountID, p.PaymentMethodID, p.ExternalKey)
	_, err := s.InsertPaymentWithFirstTransaction(ctx, dup, NewTransaction(dup.ID, payment.TransactionTypePurchase, "txn-x", "1", "USD"))
	assert.ErrorIs(t, err, store.ErrDuplicateExternalKey)

	_, err = s.GetPayment(ctx, dup.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "a refused insert leaves nothing behind")

	other := NewPayment(uuid.New(), p.PaymentMethodID, p.ExternalKey)
	_, err = s.InsertPaymentWithFirstTransaction(ctx, other, NewTransaction(other.ID, payment.TransactionTypePurchase, "txn-1", "1", "USD"))
	assert.NoError(t, err, "external keys are scoped per account")
}

func testAppendTransaction(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, first := seed(t, s)

	second := NewTransaction(p.ID, payment.TransactionTypeRefund, "txn-2", "1.00", "USD")
	got, err := s.AppendTransaction(ctx, p.ID, second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, p.ID, got.PaymentID)

	txns, err := s.GetTransactionsForPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, first.ID, txns[0].ID, "creation order")
	assert.Equal(t, second.ID, txns[1].ID)

	byKey, err := s.GetTransactionByExternalKey(ctx, p.ID, "txn-2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, byKey.ID)
	_, err = s.GetTransactionByExternalKey(ctx, p.ID, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	byID, err := s.GetTransaction(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.TransactionTypeRefund, byID.Type)
	_, err = s.GetTransaction(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAppendUnknownPayment(t *testing.T, s store.Store) {
	id := uuid.New()
	_, err := s.AppendTransaction(context.Background(), id, NewTransaction(id, payment.TransactionTypeRefund, "txn", "1", "USD"))
	assert.ErrorIs(t, err, store.ErrUnknownPayment)
}

func testDuplicateTransactionKey(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, _ := seed(t, s)
	_, err := s.AppendTransaction(ctx, p.ID, NewTransaction(p.ID, payment.TransactionTypeRefund, "txn-1", "1", "USD"))
	assert.ErrorIs(t, err, store.ErrDuplicateExternalKey)

	txns, err := s.GetTransactionsForPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func testCompletion(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, txn := seed(t, s)

	code, msg := "card_declined", "Card declined"
	got, err := s.UpdateTransactionOnCompletion(ctx, store.Completion{
		PaymentID:         p.ID,
		TransactionID:     txn.ID,
		StateName:         "PURCHASE_FAILED",
		Status:            payment.StatusFailed,
		ProcessedAmount:   decimal.NewNullDecimal(decimal.RequireFromString("10")),
		ProcessedCurrency: "USD",
		GatewayErrorCode:  &code,
		GatewayErrorMsg:   &msg,
	})
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, got.Status)
	require.NotNil(t, got.GatewayErrorCode)
	assert.Equal(t, code, *got.GatewayErrorCode)

	stored, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusFailed, stored.Status)
	assert.Equal(t, msg, payment.StringValue(stored.GatewayErrorMsg))
	assert.True(t, stored.ProcessedAmount.Valid)
	assert.Equal(t, "USD", stored.ProcessedCurrency)

	gotPayment, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "PURCHASE_FAILED", gotPayment.StateName)
	assert.Empty(t, gotPayment.LastSuccessStateName)

	_, err = s.UpdateTransactionOnCompletion(ctx, store.Completion{PaymentID: p.ID, TransactionID: uuid.New(), Status: payment.StatusSuccess})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCompletionKeepsLastSuccess(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, txn := seed(t, s)
	_, err := s.UpdateTransactionOnCompletion(ctx, success(p, txn, "PURCHASE_SUCCESS"))
	require.NoError(t, err)

	refund := NewTransaction(p.ID, payment.TransactionTypeRefund, "txn-2", "1", "USD")
	_, err = s.AppendTransaction(ctx, p.ID, refund)
	require.NoError(t, err)
	_, err = s.UpdateTransactionOnCompletion(ctx, store.Completion{
		PaymentID:     p.ID,
		TransactionID: refund.ID,
		StateName:     "REFUND_PLUGIN_FAILURE",
		Status:        payment.StatusPluginFailure,
	})
	require.NoError(t, err)

	got, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "REFUND_PLUGIN_FAILURE", got.StateName)
	assert.Equal(t, "PURCHASE_SUCCESS", got.LastSuccessStateName)
}

func testAlreadyFinalized(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, txn := seed(t, s)
	_, err := s.UpdateTransactionOnCompletion(ctx, success(p, txn, "PURCHASE_SUCCESS"))
	require.NoError(t, err)

	_, err = s.UpdateTransactionOnCompletion(ctx, store.Completion{
		PaymentID:     p.ID,
		TransactionID: txn.ID,
		StateName:     "PURCHASE_FAILED",
		Status:        payment.StatusFailed,
	})
	assert.ErrorIs(t, err, store.ErrAlreadyFinalized)

	stored, err := s.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, stored.Status)
	got, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "PURCHASE_SUCCESS", got.StateName)
}

func testUnknownReentrant(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, txn := seed(t, s)
	for _, status := range []payment.TransactionStatus{payment.StatusUnknown, payment.StatusPending} {
		_, err := s.UpdateTransactionOnCompletion(ctx, store.Completion{
			PaymentID:     p.ID,
			TransactionID: txn.ID,
			StateName:     "PURCHASE_" + string(status),
			Status:        status,
		})
		require.NoError(t, err)
	}
	got, err := s.UpdateTransactionOnCompletion(ctx, success(p, txn, "PURCHASE_SUCCESS"))
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, got.Status)
}

func testPaymentMethods(t *testing.T, s store.Store) {
	ctx := context.Background()
	pm := &payment.PaymentMethod{ID: uuid.New(), AccountID: uuid.New(), PluginName: "acme", IsActive: true}
	require.NoError(t, s.InsertPaymentMethod(ctx, pm))

	got, err := s.GetPaymentMethod(ctx, pm.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.PluginName)
	assert.True(t, got.IsActive)

	require.NoError(t, s.DeletePaymentMethod(ctx, pm.ID))
	_, err = s.GetPaymentMethod(ctx, pm.ID, false)
	assert.ErrorIs(t, err, store.ErrNotFound)
	deleted, err := s.GetPaymentMethod(ctx, pm.ID, true)
	require.NoError(t, err)
	assert.False(t, deleted.IsActive)

	_, err = s.GetPaymentMethod(ctx, uuid.New(), true)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeletePaymentMethod(ctx, uuid.New()), store.ErrNotFound)
}

func testTransactionsByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, first := seed(t, s)
	_, err := s.UpdateTransactionOnCompletion(ctx, success(p, first, "PURCHASE_SUCCESS"))
	require.NoError(t, err)

	pending := NewTransaction(p.ID, payment.TransactionTypeRefund, "txn-2", "1", "USD")
	_, err = s.AppendTransaction(ctx, p.ID, pending)
	require.NoError(t, err)

	other := NewPayment(uuid.New(), uuid.New(), "pay-2")
	unknown := NewTransaction(other.ID, payment.TransactionTypePurchase, "txn-1", "3", "EUR")
	_, err = s.InsertPaymentWithFirstTransaction(ctx, other, unknown)
	require.NoError(t, err)

	open := []payment.TransactionStatus{payment.StatusUnknown, payment.StatusPending}
	got, err := s.GetTransactionsByStatus(ctx, open, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(got))
	for _, txn := range got {
		ids = append(ids, txn.ID)
	}
	assert.ElementsMatch(t, []uuid.UUID{pending.ID, unknown.ID}, ids)

	limited, err := s.GetTransactionsByStatus(ctx, open, time.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.GetTransactionsByStatus(ctx, open, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConcurrentFinalize(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, txn := seed(t, s)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateTransactionOnCompletion(ctx, success(p, txn, "PURCHASE_SUCCESS"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, store.ErrAlreadyFinalized)
	}
	assert.Equal(t, 1, ok, "exactly one finalize wins")
}
