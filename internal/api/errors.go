package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/payment-automaton/internal/automaton"
	"github.com/yourorg/payment-automaton/internal/payment"
)

type errorBody struct {
	Code    payment.ErrorCode `json:"code"`
	Message string            `json:"message"`
}

// statusFor maps an error returned by the automaton or the control loop to an
// HTTP status.
func statusFor(err error) int {
	var pe *payment.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case payment.CodeInvalidParameter:
			return http.StatusBadRequest
		case payment.CodeInvalidTransition, payment.CodeNoSuchSuccessPayment:
			return http.StatusConflict
		case payment.CodeNoSuchPayment, payment.CodeNoSuchPaymentMethod,
			payment.CodeNoSuchPaymentPlugin, payment.CodeNoSuchTransaction:
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	}
	if errors.Is(err, automaton.ErrDraining) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := errorBody{Code: payment.CodeOf(err), Message: err.Error()}
	switch {
	case status == http.StatusGatewayTimeout:
		body.Message = "request ended before the transaction was finalized; retry with the same external keys"
	case status == http.StatusServiceUnavailable:
		body.Message = "service is shutting down; retry with the same external keys"
	case status >= http.StatusInternalServerError:
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("API: request failed")
		if body.Code == "" {
			body.Message = "internal error"
		}
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

func abortWithCode(c *gin.Context, status int, code payment.ErrorCode, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": errorBody{Code: code, Message: msg}})
}
