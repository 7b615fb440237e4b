// Package plugin defines the contract to external payment-processing
// backends. Each backend is a GatewayAdapter registered under a name; the
// payment method of a payment names the adapter that handles it.
// Adapters move money and report what happened. They never retry: retry
// policy belongs to the control loop.
package plugin

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-automaton/internal/payment"
)

// GatewayStatus is the status reported by the gateway for one call.
type GatewayStatus string

const (
	StatusProcessed GatewayStatus = "PROCESSED"
	StatusError     GatewayStatus = "ERROR"
	StatusPending   GatewayStatus = "PENDING"
	StatusCanceled  GatewayStatus = "CANCELED"
	StatusUndefined GatewayStatus = "UNDEFINED"
)

// Request is what the automaton sends to an adapter.
type Request struct {
	Operation       payment.TransactionType
	PaymentID       uuid.UUID
	TransactionID   uuid.UUID // gateway-side idempotency key
	ExternalKey     string    // transaction external key
	PaymentMethodID uuid.UUID
	Amount          decimal.Decimal
	Currency        string
	Properties      map[string]string
}

// Result is what an adapter reports back for a processed call.
type Result struct {
	Amount           decimal.Decimal
	Currency         string
	Status           GatewayStatus
	GatewayErrorCode *string
	GatewayError     *string
	FirstReferenceID string
	CreatedDate      time.Time
	EffectiveDate    time.Time
}

// GatewayAdapter is implemented by each payment plugin.
type GatewayAdapter interface {
	// Name returns the name the adapter is registered under.
	Name() string
	// Invoke performs one operation. It must honour ctx cancellation and
	// must not retry internally.
	Invoke(ctx context.Context, req Request) (*Result, error)
}
