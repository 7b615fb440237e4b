// Package retry is the control loop that resolves transactions left UNKNOWN
// or PENDING. It never invents a new attempt: every retry re-enters the
// automaton with the original transaction external key so the plugin sees
// the same idempotency key.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/payment-automaton/internal/automaton"
	"github.com/yourorg/payment-automaton/internal/metrics"
	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/store"
)

var (
	// ErrEscalated is returned when the policy stops retrying a transaction
	// that is still unresolved. The transaction needs manual review.
	ErrEscalated = errors.New("retry: transaction escalated")
)

// TransactionRunner is the part of the automaton the control loop drives.
type TransactionRunner interface {
	RunTransaction(ctx context.Context, req automaton.Request) (*payment.Transaction, error)
}

// Config wires a Controller. Store, Runner and Policy are required.
type Config struct {
	Store  store.Store
	Runner TransactionRunner
	Policy *Policy

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	GracePeriod time.Duration // transactions younger than this are left to their caller
	BatchSize   int

	Metrics *metrics.Metrics
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

// Controller retries unresolved transactions.
type Controller struct {
	store  store.Store
	runner TransactionRunner
	policy *Policy

	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      bool
	gracePeriod time.Duration
	batchSize   int

	metrics *metrics.Metrics
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewController creates a Controller.
func NewController(cfg Config) *Controller {
	if cfg.Store == nil || cfg.Runner == nil || cfg.Policy == nil {
		panic("retry: Store, Runner and Policy are required")
	}
	c := &Controller{
		store:       cfg.Store,
		runner:      cfg.Runner,
		policy:      cfg.Policy,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		jitter:      cfg.Jitter,
		gracePeriod: cfg.GracePeriod,
		batchSize:   cfg.BatchSize,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 30 * time.Second
	}
	return c
}

// Result describes one control loop run on a transaction.
type Result struct {
	Transaction *payment.Transaction `json:"transaction"`
	Attempts    int                  `json:"attempts"`
	Decision    Decision             `json:"decision,omitempty"`
	RuleID      string               `json:"ruleId,omitempty"`
}

// Retry resolves the transaction with externalKey on paymentID. A terminal
// transaction is returned unchanged. An unresolved one is re-run until it
// becomes terminal or the policy escalates it, in which case the last
// transaction is returned along with ErrEscalated.
func (c *Controller) Retry(ctx context.Context, paymentID uuid.UUID, externalKey string) (*Result, error) {
	p, err := c.store.GetPayment(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, payment.NewError(payment.CodeNoSuchPayment, "payment %s does not exist", paymentID)
	}
	if err != nil {
		return nil, payment.PersistenceFailure("get payment", err)
	}
	txn, err := c.store.GetTransactionByExternalKey(ctx, paymentID, externalKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, payment.NewError(payment.CodeNoSuchTransaction, "payment %s has no transaction %q", paymentID, externalKey)
	}
	if err != nil {
		return nil, payment.PersistenceFailure("get transaction by external key", err)
	}
	return c.resolve(ctx, p, txn)
}

func (c *Controller) resolve(ctx context.Context, p *payment.Payment, txn *payment.Transaction) (*Result, error) {
	res := &Result{Transaction: txn}
	log := c.logger.WithFields(logrus.Fields{
		"payment_id":     p.ID,
		"transaction_id": txn.ID,
		"external_key":   txn.ExternalKey,
	})

	for !res.Transaction.Status.IsTerminal() {
		decision, ruleID, err := c.policy.Evaluate(Attempt{
			Number: res.Attempts,
			Status: res.Transaction.Status,
			Type:   res.Transaction.Type,
			Age:    c.now().Sub(res.Transaction.CreatedAt),
		})
		if err != nil {
			return res, fmt.Errorf("evaluate retry policy: %w", err)
		}
		res.Decision, res.RuleID = decision, ruleID
		if decision == DecisionEscalate {
			log.WithFields(logrus.Fields{"attempts": res.Attempts, "rule": ruleID, "status": res.Transaction.Status}).
				Warn("Controller: transaction escalated")
			return res, ErrEscalated
		}

		if res.Attempts > 0 {
			if err := sleep(ctx, c.backoff(res.Attempts-1)); err != nil {
				return res, err
			}
		}
		res.Attempts++
		next, err := c.runner.RunTransaction(ctx, requestFor(p, res.Transaction))
		if err != nil {
			log.WithError(err).WithField("attempt", res.Attempts).Warn("Controller: retry attempt failed")
			if errors.Is(err, payment.ErrPersistence) {
				continue
			}
			return res, err
		}
		res.Transaction = next
		c.metrics.IncRetryAttempt(string(next.Status))
		log.WithFields(logrus.Fields{"attempt": res.Attempts, "status": next.Status}).Info("Controller: retry attempt finished")
	}
	return res, nil
}

func requestFor(p *payment.Payment, txn *payment.Transaction) automaton.Request {
	return automaton.Request{
		AccountID:              p.AccountID,
		PaymentID:              uuid.NullUUID{UUID: p.ID, Valid: true},
		TransactionType:        txn.Type,
		Amount:                 txn.Amount,
		Currency:               txn.Currency,
		TransactionExternalKey: txn.ExternalKey,
		AttemptID:              txn.AttemptID,
		EffectiveDate:          txn.EffectiveDate,
	}
}

// backoff returns the delay before retry n+1: BaseDelay doubled n times,
// capped at MaxDelay, plus up to 10% jitter when enabled.
func (c *Controller) backoff(n int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(n))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	if c.jitter {
		delay += delay * 0.1 * rand.Float64()
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SweepItem is the outcome of one transaction in a sweep.
type SweepItem struct {
	PaymentID     uuid.UUID                 `json:"paymentId"`
	TransactionID uuid.UUID                 `json:"transactionId"`
	ExternalKey   string                    `json:"externalKey"`
	Before        payment.TransactionStatus `json:"before"`
	After         payment.TransactionStatus `json:"after"`
	Attempts      int                       `json:"attempts"`
	Decision      Decision                  `json:"decision,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

// SweepReport summarizes a sweep.
type SweepReport struct {
	Scanned    int         `json:"scanned"`
	Resolved   int         `json:"resolved"`
	Escalated  int         `json:"escalated"`
	Failed     int         `json:"failed"`
	Items      []SweepItem `json:"items"`
	StartedAt  time.Time   `json:"startedAt"`
	FinishedAt time.Time   `json:"finishedAt"`
}

// Sweep retries every UNKNOWN or PENDING transaction older than the grace
// period. Failures on one transaction do not stop the sweep.
func (c *Controller) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: c.now()}
	stuck, err := c.store.GetTransactionsByStatus(ctx,
		[]payment.TransactionStatus{payment.StatusUnknown, payment.StatusPending},
		report.StartedAt.Add(-c.gracePeriod), c.batchSize)
	if err != nil {
		return nil, payment.PersistenceFailure("get unresolved transactions", err)
	}

	for _, txn := range stuck {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = c.now()
			return report, err
		}
		report.Scanned++
		item := SweepItem{
			PaymentID:     txn.PaymentID,
			TransactionID: txn.ID,
			ExternalKey:   txn.ExternalKey,
			Before:        txn.Status,
			After:         txn.Status,
		}
		res, err := c.Retry(ctx, txn.PaymentID, txn.ExternalKey)
		if res != nil {
			item.After = res.Transaction.Status
			item.Attempts = res.Attempts
			item.Decision = res.Decision
		}
		switch {
		case errors.Is(err, ErrEscalated):
			report.Escalated++
		case err != nil:
			report.Failed++
			item.Error = err.Error()
		default:
			report.Resolved++
		}
		report.Items = append(report.Items, item)
	}
	report.FinishedAt = c.now()
	c.logger.WithFields(logrus.Fields{
		"scanned":   report.Scanned,
		"resolved":  report.Resolved,
		"escalated": report.Escalated,
		"failed":    report.Failed,
	}).Info("Controller: sweep finished")
	return report, nil
}

// Run sweeps every interval until ctx ends.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Error("Controller: sweep failed")
			}
		}
	}
}
