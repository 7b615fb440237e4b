package statemachine

import (
	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/plugin"
)

// StatusForResult maps a plugin result to the transaction status it is
// finalized with. A gateway that reports PENDING has not settled the
// operation, so the row stays UNKNOWN until the control loop resolves it.
func StatusForResult(r *plugin.Result) payment.TransactionStatus {
	if r == nil {
		return payment.StatusUnknown
	}
	switch r.Status {
	case plugin.StatusProcessed:
		return payment.StatusSuccess
	case plugin.StatusError:
		return payment.StatusFailed
	case plugin.StatusCanceled:
		return payment.StatusPluginFailure
	default:
		return payment.StatusUnknown
	}
}

// StatusForInvocationError maps a failed plugin call. A timeout leaves the
// real-world outcome undetermined, everything else is a plugin failure.
func StatusForInvocationError(err error) payment.TransactionStatus {
	if plugin.IsTimeout(err) {
		return payment.StatusUnknown
	}
	return payment.StatusPluginFailure
}
