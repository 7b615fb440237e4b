package external

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/plugin"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newPlugin() *Plugin {
	return NewWithClock(func() time.Time { return fixedNow })
}

func request(op payment.TransactionType, paymentID uuid.UUID, amount string) plugin.Request {
	return plugin.Request{
		Operation:     op,
		PaymentID:     paymentID,
		TransactionID: uuid.New(),
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
	}
}

func TestPlugin_Name(t *testing.T) {
	assert.Equal(t, PluginName, newPlugin().Name())
}

func TestPlugin_ProcessPayment(t *testing.T) {
	p := newPlugin()
	req := request(payment.TransactionTypePurchase, uuid.New(), "10")

	res, err := p.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, fixedNow, res.CreatedDate)
	assert.Equal(t, fixedNow, res.EffectiveDate)
	assert.Nil(t, res.GatewayError)
	assert.Nil(t, res.GatewayErrorCode)
	assert.Equal(t, plugin.StatusProcessed, res.Status)

	info, ok := p.PaymentInfo(req.TransactionID)
	require.True(t, ok)
	assert.Equal(t, res, info)
}

func TestPlugin_RefundForNonExistingPayment(t *testing.T) {
	_, err := newPlugin().Invoke(context.Background(), request(payment.TransactionTypeRefund, uuid.New(), "1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPayment)
	assert.Equal(t, plugin.FailureRejected, plugin.KindOf(err))
}

func TestPlugin_RefundTooLarge(t *testing.T) {
	p := newPlugin()
	paymentID := uuid.New()
	_, err := p.Invoke(context.Background(), request(payment.TransactionTypePurchase, paymentID, "0"))
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), request(payment.TransactionTypeRefund, paymentID, "1"))
	assert.ErrorIs(t, err, ErrRefundTooLarge)
}

func TestPlugin_RefundTooLargeMultipleTimes(t *testing.T) {
	p := newPlugin()
	paymentID := uuid.New()
	_, err := p.Invoke(context.Background(), request(payment.TransactionTypePurchase, paymentID, "10"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := p.Invoke(context.Background(), request(payment.TransactionTypeRefund, paymentID, "1"))
		require.NoError(t, err, "refund %d", i+1)
	}

	_, err = p.Invoke(context.Background(), request(payment.TransactionTypeRefund, paymentID, "1"))
	require.Error(t, err, "Shouldn't have been able to refund")
	assert.ErrorIs(t, err, ErrRefundTooLarge)
	assert.True(t, p.Refunded(paymentID).Equal(decimal.NewFromInt(10)))
}

func TestPlugin_ReplayReturnsRecordedResult(t *testing.T) {
	p := newPlugin()
	paymentID := uuid.New()
	_, err := p.Invoke(context.Background(), request(payment.TransactionTypePurchase, paymentID, "5"))
	require.NoError(t, err)

	refund := request(payment.TransactionTypeRefund, paymentID, "5")
	first, err := p.Invoke(context.Background(), refund)
	require.NoError(t, err)
	second, err := p.Invoke(context.Background(), refund)
	require.NoError(t, err, "same transaction id must not be refunded twice")
	assert.Equal(t, first, second)
	assert.True(t, p.Refunded(paymentID).Equal(decimal.NewFromInt(5)))
}

func TestPlugin_AuthorizeCaptureVoid(t *testing.T) {
	p := newPlugin()
	ctx := context.Background()

	authID := uuid.New()
	_, err := p.Invoke(ctx, request(payment.TransactionTypeAuthorize, authID, "20"))
	require.NoError(t, err)
	_, err = p.Invoke(ctx, request(payment.TransactionTypeCapture, authID, "15"))
	require.NoError(t, err)
	_, err = p.Invoke(ctx, request(payment.TransactionTypeCapture, authID, "6"))
	assert.ErrorIs(t, err, ErrCaptureTooLarge)
	_, err = p.Invoke(ctx, request(payment.TransactionTypeVoid, authID, "20"))
	assert.ErrorIs(t, err, ErrNothingToVoid, "captured authorizations cannot be voided")

	voidID := uuid.New()
	_, err = p.Invoke(ctx, request(payment.TransactionTypeAuthorize, voidID, "20"))
	require.NoError(t, err)
	_, err = p.Invoke(ctx, request(payment.TransactionTypeVoid, voidID, "20"))
	require.NoError(t, err)
	_, err = p.Invoke(ctx, request(payment.TransactionTypeCapture, voidID, "1"))
	assert.ErrorIs(t, err, ErrCaptureTooLarge)
}

func TestPlugin_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newPlugin().Invoke(ctx, request(payment.TransactionTypePurchase, uuid.New(), "1"))
	assert.ErrorIs(t, err, context.Canceled)
}
