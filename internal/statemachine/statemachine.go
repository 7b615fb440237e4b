// Package statemachine declares the payment automaton: the outcome states a
// transaction can end in, the aggregate state names a payment moves through,
// and which transaction types may leave which states.
package statemachine

import (
	"fmt"
	"strings"

	"github.com/yourorg/payment-automaton/internal/payment"
)

// Outcome is the result part of an aggregate state name.
type Outcome string

const (
	OutcomeInit          Outcome = "INIT"
	OutcomePending       Outcome = "PENDING"
	OutcomeSuccess       Outcome = "SUCCESS"
	OutcomeFailed        Outcome = "FAILED"
	OutcomePluginFailure Outcome = "PLUGIN_FAILURE"
	OutcomeUnknown       Outcome = "UNKNOWN"
)

// InitState is the state of a payment before any transaction was finalized.
const InitState = string(OutcomeInit)

// Transition describes when a transaction type may run.
type Transition struct {
	Type payment.TransactionType
	// From lists the key states the transition may leave.
	From []string
	// RequiresPriorSuccess makes the last-success state the key state.
	RequiresPriorSuccess bool
	// RequiresAmountMatch forces the amount to equal the first transaction's.
	RequiresAmountMatch bool
}

// Allows reports whether key is one of the transition's source states.
func (t Transition) Allows(key string) bool {
	for _, s := range t.From {
		if s == key {
			return true
		}
	}
	return false
}

var transitions = map[payment.TransactionType]Transition{
	payment.TransactionTypeAuthorize: {
		Type: payment.TransactionTypeAuthorize,
		From: []string{InitState, "AUTHORIZE_FAILED", "AUTHORIZE_PLUGIN_FAILURE"},
	},
	payment.TransactionTypePurchase: {
		Type: payment.TransactionTypePurchase,
		From: []string{InitState, "PURCHASE_FAILED", "PURCHASE_PLUGIN_FAILURE"},
	},
	payment.TransactionTypeCredit: {
		Type: payment.TransactionTypeCredit,
		From: []string{InitState, "CREDIT_FAILED", "CREDIT_PLUGIN_FAILURE"},
	},
	payment.TransactionTypeCapture: {
		Type:                 payment.TransactionTypeCapture,
		From:                 []string{"AUTHORIZE_SUCCESS", "CAPTURE_SUCCESS"},
		RequiresPriorSuccess: true,
	},
	payment.TransactionTypeRefund: {
		Type:                 payment.TransactionTypeRefund,
		From:                 []string{"PURCHASE_SUCCESS", "CAPTURE_SUCCESS", "REFUND_SUCCESS"},
		RequiresPriorSuccess: true,
	},
	payment.TransactionTypeVoid: {
		Type:                 payment.TransactionTypeVoid,
		From:                 []string{"AUTHORIZE_SUCCESS"},
		RequiresPriorSuccess: true,
		RequiresAmountMatch:  true,
	},
}

// TransitionFor returns the declared transition for a transaction type.
func TransitionFor(t payment.TransactionType) (Transition, bool) {
	tr, ok := transitions[t]
	return tr, ok
}

// StateName builds the aggregate state a payment enters when a transaction
// of type t finishes with status s.
func StateName(t payment.TransactionType, s payment.TransactionStatus) string {
	return fmt.Sprintf("%s_%s", t, s)
}

// IsSuccessState reports whether stateName may become a payment's
// last-success pointer.
func IsSuccessState(stateName string) bool {
	return strings.HasSuffix(stateName, "_"+string(OutcomeSuccess))
}

// IsUnresolvedState reports whether a payment in stateName is waiting for a
// pending or unknown transaction to be resolved.
func IsUnresolvedState(stateName string) bool {
	return strings.HasSuffix(stateName, "_"+string(OutcomeUnknown)) ||
		strings.HasSuffix(stateName, "_"+string(OutcomePending))
}

// CheckTransition validates that a transaction of type t may run against a
// payment currently in stateName whose last success is lastSuccessState.
// A new payment is passed as ("", "").
func CheckTransition(t payment.TransactionType, stateName, lastSuccessState string) (Transition, error) {
	tr, ok := transitions[t]
	if !ok {
		return Transition{}, payment.InvalidParameter("transactionType", fmt.Sprintf("unsupported type %q", t))
	}
	if stateName == "" {
		stateName = InitState
	}
	if IsUnresolvedState(stateName) {
		return tr, payment.NewError(payment.CodeInvalidTransition,
			"payment is in state %s; resolve the pending transaction before running %s", stateName, t)
	}

	key := stateName
	if tr.RequiresPriorSuccess {
		if lastSuccessState == "" {
			return tr, payment.NewError(payment.CodeNoSuchSuccessPayment,
				"%s requires a successful prior transaction", t)
		}
		key = lastSuccessState
	}
	if !tr.Allows(key) {
		return tr, payment.NewError(payment.CodeInvalidTransition,
			"%s is not allowed from state %s", t, key)
	}
	return tr, nil
}
