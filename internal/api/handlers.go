package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-automaton/internal/automaton"
	"github.com/yourorg/payment-automaton/internal/monitor"
	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/retry"
	"github.com/yourorg/payment-automaton/internal/store"
)

type runTransactionRequest struct {
	AccountID              uuid.UUID               `json:"accountId"`
	PaymentID              *uuid.UUID              `json:"paymentId"`
	PaymentMethodID        uuid.UUID               `json:"paymentMethodId"`
	TransactionType        payment.TransactionType `json:"transactionType"`
	Amount                 decimal.Decimal         `json:"amount"`
	Currency               string                  `json:"currency"`
	PaymentExternalKey     string                  `json:"paymentExternalKey"`
	TransactionExternalKey string                  `json:"transactionExternalKey"`
	AttemptID              *uuid.UUID              `json:"attemptId"`
	EffectiveDate          *time.Time              `json:"effectiveDate"`
	Properties             map[string]string       `json:"properties"`
	Contact                *contactRequest         `json:"contact"`
}

type contactRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
	ExternalKey string `json:"externalKey"`
}

func (r runTransactionRequest) toAutomaton() automaton.Request {
	req := automaton.Request{
		AccountID:              r.AccountID,
		PaymentMethodID:        r.PaymentMethodID,
		TransactionType:        r.TransactionType,
		Amount:                 r.Amount,
		Currency:               r.Currency,
		PaymentExternalKey:     r.PaymentExternalKey,
		TransactionExternalKey: r.TransactionExternalKey,
		Properties:             r.Properties,
	}
	if r.PaymentID != nil {
		req.PaymentID = uuid.NullUUID{UUID: *r.PaymentID, Valid: true}
	}
	if r.AttemptID != nil {
		req.AttemptID = uuid.NullUUID{UUID: *r.AttemptID, Valid: true}
	}
	if r.EffectiveDate != nil {
		req.EffectiveDate = r.EffectiveDate.UTC()
	}
	if r.Contact != nil {
		contact := payment.NewContactData(r.Contact.FirstName, r.Contact.LastName,
			r.Contact.Email, r.Contact.PhoneNumber, r.Contact.ExternalKey)
		// explicit properties win over contact fields
		props := contact.Properties()
		for k, v := range r.Properties {
			props[k] = v
		}
		req.Properties = props
	}
	return req
}

type paymentResponse struct {
	Payment      *payment.Payment       `json:"payment"`
	Transactions []*payment.Transaction `json:"transactions,omitempty"`
	Transaction  *payment.Transaction   `json:"transaction,omitempty"`
}

func (h *handler) runTransaction(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		abortWithCode(c, http.StatusBadRequest, payment.CodeInvalidParameter, "could not read request body")
		return
	}
	valid, violations, err := h.monitor.Validate(body)
	if err != nil {
		abortWithCode(c, http.StatusBadRequest, payment.CodeInvalidParameter, "Invalid request format: "+err.Error())
		return
	}
	if !valid {
		abortWithCode(c, http.StatusBadRequest, payment.CodeInvalidParameter, monitor.FormatErrors(violations))
		return
	}
	var req runTransactionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		abortWithCode(c, http.StatusBadRequest, payment.CodeInvalidParameter, "Invalid request format: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	txn, err := h.runner.RunTransaction(ctx, req.toAutomaton())
	if err != nil {
		h.writeError(c, err)
		return
	}
	p, err := h.store.GetPayment(ctx, txn.PaymentID)
	if err != nil {
		h.writeError(c, payment.PersistenceFailure("get payment", err))
		return
	}
	c.JSON(http.StatusOK, paymentResponse{Payment: p, Transaction: txn})
}

func (h *handler) getPayment(c *gin.Context) {
	id, ok := uuidParam(c, "paymentId")
	if !ok {
		return
	}
	p, txns, err := h.loadPayment(c, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, paymentResponse{Payment: p, Transactions: txns})
}

func (h *handler) getSummary(c *gin.Context) {
	id, ok := uuidParam(c, "paymentId")
	if !ok {
		return
	}
	p, txns, err := h.loadPayment(c, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.reporter.Summarize(p, txns))
}

func (h *handler) loadPayment(c *gin.Context, id uuid.UUID) (*payment.Payment, []*payment.Transaction, error) {
	ctx := c.Request.Context()
	p, err := h.store.GetPayment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, payment.NewError(payment.CodeNoSuchPayment, "payment %s does not exist", id)
	}
	if err != nil {
		return nil, nil, payment.PersistenceFailure("get payment", err)
	}
	txns, err := h.store.GetTransactionsForPayment(ctx, id)
	if err != nil {
		return nil, nil, payment.PersistenceFailure("get transactions for payment", err)
	}
	return p, txns, nil
}

func (h *handler) retryTransaction(c *gin.Context) {
	id, ok := uuidParam(c, "paymentId")
	if !ok {
		return
	}
	res, err := h.retrier.Retry(c.Request.Context(), id, c.Param("externalKey"))
	switch {
	case errors.Is(err, retry.ErrEscalated):
		c.JSON(http.StatusAccepted, res)
	case err != nil:
		h.writeError(c, err)
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (h *handler) sweep(c *gin.Context) {
	report, err := h.retrier.Sweep(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type createPaymentMethodRequest struct {
	AccountID  uuid.UUID `json:"accountId" binding:"required"`
	PluginName string    `json:"pluginName" binding:"required"`
}

func (h *handler) createPaymentMethod(c *gin.Context) {
	var req createPaymentMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithCode(c, http.StatusBadRequest, payment.CodeInvalidParameter, "Invalid request format: "+err.Error())
		return
	}
	if req.AccountID == uuid.Nil {
		abortWithCode(c, http.StatusBadRequest, payment.CodeInvalidParameter, "accountId is required")
		return
	}
	now := time.Now().UTC()
	m := &payment.PaymentMethod{
		ID:         uuid.New(),
		AccountID:  req.AccountID,
		PluginName: req.PluginName,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.InsertPaymentMethod(c.Request.Context(), m); err != nil {
		h.writeError(c, payment.PersistenceFailure("insert payment method", err))
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *handler) getPaymentMethod(c *gin.Context) {
	id, ok := uuidParam(c, "methodId")
	if !ok {
		return
	}
	m, err := h.store.GetPaymentMethod(c.Request.Context(), id, true)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(c, payment.NewError(payment.CodeNoSuchPaymentMethod, "payment method %s does not exist", id))
		return
	}
	if err != nil {
		h.writeError(c, payment.PersistenceFailure("get payment method", err))
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handler) deletePaymentMethod(c *gin.Context) {
	id, ok := uuidParam(c, "methodId")
	if !ok {
		return
	}
	err := h.store.DeletePaymentMethod(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(c, payment.NewError(payment.CodeNoSuchPaymentMethod, "payment method %s does not exist", id))
		return
	}
	if err != nil {
		h.writeError(c, payment.PersistenceFailure("delete payment method", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		abortWithCode(c, http.StatusBadRequest, payment.CodeInvalidParameter, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
