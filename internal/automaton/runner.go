// Package automaton drives one payment transaction through the state
// machine: it validates the request against the payment's history, records
// the attempt, calls the plugin and finalizes the outcome.
//
// A row is written before the plugin is called and is always finalized
// afterwards, even when the caller goes away. Plugin failures never escape as
// errors; they end up in the row.
package automaton

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yourorg/payment-automaton/internal/events"
	"github.com/yourorg/payment-automaton/internal/lock"
	"github.com/yourorg/payment-automaton/internal/metrics"
	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/plugin"
	"github.com/yourorg/payment-automaton/internal/statemachine"
	"github.com/yourorg/payment-automaton/internal/store"
)

const defaultPluginTimeout = 30 * time.Second

// ErrDraining is returned for calls made after Drain has started.
var ErrDraining = errors.New("automaton: runner is draining")

// PluginRegistry resolves a plugin name to its adapter.
type PluginRegistry interface {
	Lookup(name string) (plugin.GatewayAdapter, error)
}

// Config wires a Runner. Store and Plugins are required.
type Config struct {
	Store     store.Store
	Plugins   PluginRegistry
	Invoker   *plugin.Invoker
	Locker    lock.Locker
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    logrus.FieldLogger
	Now       func() time.Time
}

// Runner executes transactions. It is safe for concurrent use; calls on the
// same payment are serialized through the Locker.
type Runner struct {
	store     store.Store
	plugins   PluginRegistry
	invoker   *plugin.Invoker
	locker    lock.Locker
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    logrus.FieldLogger
	now       func() time.Time

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup // every call from entry until finalization
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Store == nil {
		panic("automaton: Store cannot be nil")
	}
	if cfg.Plugins == nil {
		panic("automaton: Plugins cannot be nil")
	}
	r := &Runner{
		store:     cfg.Store,
		plugins:   cfg.Plugins,
		invoker:   cfg.Invoker,
		locker:    cfg.Locker,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	if r.invoker == nil {
		r.invoker = plugin.NewInvoker(plugin.InvokerConfig{Timeout: defaultPluginTimeout, Metrics: cfg.Metrics, Logger: r.logger})
	}
	if r.locker == nil {
		r.locker = lock.NewLocal()
	}
	if r.publisher == nil {
		r.publisher = events.Nop{}
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r
}

type outcome struct {
	txn *payment.Transaction
	err error
}

// RunTransaction performs req and returns the finalized transaction.
//
// A transaction external key seen before on the payment is never executed
// twice: a terminal row is returned unchanged and an UNKNOWN or PENDING row
// is resumed in place.
//
// Once the row is written, cancelling ctx makes RunTransaction return
// ctx.Err() but the plugin call and the finalization still complete.
func (r *Runner) RunTransaction(ctx context.Context, req Request) (*payment.Transaction, error) {
	start := time.Now()
	ctx, span := otel.Tracer("automaton").Start(ctx, "Runner.RunTransaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.transaction_type", string(req.TransactionType)),
		attribute.String("payment.account_id", req.AccountID.String()),
	)

	if !r.enter() {
		span.SetStatus(codes.Error, ErrDraining.Error())
		return nil, ErrDraining
	}
	handedOff := false
	defer func() {
		if !handedOff {
			r.inflight.Done()
		}
	}()

	if err := req.normalize(r.now()); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	unlock, err := r.lockPayment(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !handedOff {
			unlock()
		}
	}()

	sc := &stateContext{req: req}
	if err := r.prepare(ctx, sc); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.id", sc.payment.ID.String()))
	if sc.replay {
		r.logger.WithFields(r.fields(sc)).Info("Runner: transaction already finalized, returning recorded outcome")
		return sc.txn.Clone(), nil
	}

	if err := r.recordAttempt(ctx, sc); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// From here on the row exists and must be finalized whatever happens to ctx.
	handedOff = true
	done := make(chan outcome, 1)
	detached := context.WithoutCancel(ctx)
	r.metrics.InFlightInc()
	go func() {
		defer r.inflight.Done()
		defer r.metrics.InFlightDec()
		defer unlock()
		txn, err := r.complete(detached, sc)
		r.metrics.ObserveRun(string(req.TransactionType), time.Since(start))
		done <- outcome{txn, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			span.SetStatus(codes.Error, out.err.Error())
		}
		return out.txn, out.err
	case <-ctx.Done():
		r.logger.WithFields(r.fields(sc)).Warn("Runner: caller went away, transaction will be finalized in the background")
		return nil, ctx.Err()
	}
}

// enter registers a call unless the runner is draining. Registration and the
// draining flag share r.mu, so no call is added once Drain waits.
func (r *Runner) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.inflight.Add(1)
	return true
}

// Drain stops the runner from accepting calls and waits for the ones already
// running, background finalizations included, to finish or ctx to end. Later
// calls fail with ErrDraining.
func (r *Runner) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockPayment serializes calls on one payment. A call that names only the
// payment external key locks the key first and then, if the payment exists,
// its id, so it excludes calls that name the id directly.
func (r *Runner) lockPayment(ctx context.Context, req Request) (func(), error) {
	if req.PaymentID.Valid {
		return r.locker.Lock(ctx, paymentLockKey(req.PaymentID.UUID))
	}

	if req.PaymentExternalKey == "" {
		// A payment without an external key is new and unreachable by anyone else.
		return func() {}, nil
	}
	keyUnlock, err := r.locker.Lock(ctx, fmt.Sprintf("account:%s:%s", req.AccountID, req.PaymentExternalKey))
	if err != nil {
		return nil, err
	}
	p, err := r.store.GetPaymentByExternalKey(ctx, req.AccountID, req.PaymentExternalKey)
	if errors.Is(err, store.ErrNotFound) {
		return keyUnlock, nil
	}
	if err != nil {
		keyUnlock()
		return nil, payment.PersistenceFailure("get payment by external key", err)
	}
	idUnlock, err := r.locker.Lock(ctx, paymentLockKey(p.ID))
	if err != nil {
		keyUnlock()
		return nil, err
	}
	return func() {
		idUnlock()
		keyUnlock()
	}, nil
}

func paymentLockKey(id uuid.UUID) string { return "payment:" + id.String() }

// prepare resolves the payment, validates the transition and resolves the
// plugin. Nothing is written.
func (r *Runner) prepare(ctx context.Context, sc *stateContext) error {
	if err := r.resolvePayment(ctx, sc); err != nil {
		return err
	}
	if sc.replay {
		return nil
	}
	if !sc.resumed {
		if err := r.validate(sc); err != nil {
			return err
		}
	}
	return r.resolvePlugin(ctx, sc)
}

func (r *Runner) resolvePayment(ctx context.Context, sc *stateContext) error {
	req := sc.req
	var (
		p   *payment.Payment
		err error
	)
	switch {
	case req.PaymentID.Valid:
		p, err = r.store.GetPayment(ctx, req.PaymentID.UUID)
		if errors.Is(err, store.ErrNotFound) {
			return payment.NewError(payment.CodeNoSuchPayment, "payment %s does not exist", req.PaymentID.UUID)
		}
	case req.PaymentExternalKey != "":
		p, err = r.store.GetPaymentByExternalKey(ctx, req.AccountID, req.PaymentExternalKey)
		if errors.Is(err, store.ErrNotFound) {
			p, err = nil, nil
		}
	}
	if err != nil {
		return payment.PersistenceFailure("get payment", err)
	}

	if p == nil {
		id := uuid.New()
		key := req.PaymentExternalKey
		if key == "" {
			key = id.String()
		}
		now := r.now()
		sc.isNew = true
		sc.payment = &payment.Payment{
			ID:              id,
			AccountID:       req.AccountID,
			PaymentMethodID: req.PaymentMethodID,
			ExternalKey:     key,
			StateName:       statemachine.InitState,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return nil
	}

	if p.AccountID != req.AccountID {
		return payment.InvalidParameter("accountId", fmt.Sprintf("payment %s belongs to another account", p.ID))
	}
	if req.PaymentExternalKey != "" && req.PaymentExternalKey != p.ExternalKey {
		return payment.InvalidParameter("paymentExternalKey", fmt.Sprintf("payment %s has external key %q", p.ID, p.ExternalKey))
	}
	if req.PaymentMethodID != uuid.Nil && req.PaymentMethodID != p.PaymentMethodID {
		return payment.InvalidParameter("paymentMethodId", fmt.Sprintf("payment %s uses payment method %s", p.ID, p.PaymentMethodID))
	}
	sc.payment = p

	existing, err := r.store.GetTransactionsForPayment(ctx, p.ID)
	if err != nil {
		return payment.PersistenceFailure("get transactions for payment", err)
	}
	sc.existing = existing

	prev := sc.findExisting(req.TransactionExternalKey)
	if prev == nil {
		return nil
	}
	if prev.Type != req.TransactionType {
		return payment.InvalidParameter("transactionExternalKey",
			fmt.Sprintf("%q is already used by a %s transaction", prev.ExternalKey, prev.Type))
	}
	if prev.Status.IsTerminal() {
		sc.txn, sc.replay = prev, true
		return nil
	}
	if prev.Currency != req.Currency || !prev.Amount.Equal(req.Amount) {
		return payment.InvalidParameter("amount",
			fmt.Sprintf("resuming %q requires %s %s", prev.ExternalKey, prev.Amount, prev.Currency))
	}
	sc.txn, sc.resumed = prev, true
	return nil
}

func (r *Runner) validate(sc *stateContext) error {
	req := sc.req
	stateName, lastSuccess := sc.payment.StateName, sc.payment.LastSuccessStateName
	tr, err := statemachine.CheckTransition(req.TransactionType, stateName, lastSuccess)
	if err != nil {
		return err
	}
	if tr.RequiresPriorSuccess && len(sc.existing) == 0 {
		return payment.NewError(payment.CodeNoSuchSuccessPayment, "%s requires a successful prior transaction", req.TransactionType)
	}
	sc.transition = tr

	if len(sc.existing) == 0 {
		return nil
	}
	first := sc.existing[0]
	if first.Currency != req.Currency {
		return payment.InvalidParameter("currency",
			fmt.Sprintf("payment %s is in %s, got %s", sc.payment.ID, first.Currency, req.Currency))
	}
	if tr.RequiresAmountMatch {
		if ref := sc.referenceAmount(); !ref.Equal(req.Amount) {
			return payment.InvalidParameter("amount", fmt.Sprintf("%s requires amount %s, got %s", req.TransactionType, ref, req.Amount))
		}
	}
	return nil
}

func (r *Runner) resolvePlugin(ctx context.Context, sc *stateContext) error {
	methodID := sc.payment.PaymentMethodID
	pm, err := r.store.GetPaymentMethod(ctx, methodID, !sc.isNew)
	if errors.Is(err, store.ErrNotFound) {
		return payment.NewError(payment.CodeNoSuchPaymentMethod, "payment method %s does not exist", methodID)
	}
	if err != nil {
		return payment.PersistenceFailure("get payment method", err)
	}
	if sc.isNew && pm.AccountID != sc.req.AccountID {
		return payment.InvalidParameter("paymentMethodId", fmt.Sprintf("payment method %s belongs to another account", pm.ID))
	}

	adapter, err := r.plugins.Lookup(pm.PluginName)
	if err != nil {
		if errors.Is(err, plugin.ErrPluginNotFound) {
			return &payment.Error{
				Code:    payment.CodeNoSuchPaymentPlugin,
				Message: fmt.Sprintf("no plugin %q for payment method %s", pm.PluginName, pm.ID),
				Err:     err,
			}
		}
		return err
	}
	sc.method, sc.adapter = pm, adapter
	return nil
}

// recordAttempt writes the UNKNOWN row before any external call.
func (r *Runner) recordAttempt(ctx context.Context, sc *stateContext) error {
	if sc.resumed {
		return nil
	}
	req := sc.req
	now := r.now()
	txn := &payment.Transaction{
		ID:            uuid.New(),
		PaymentID:     sc.payment.ID,
		AttemptID:     req.AttemptID,
		ExternalKey:   req.TransactionExternalKey,
		Type:          req.TransactionType,
		EffectiveDate: req.EffectiveDate,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        payment.StatusUnknown,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var err error
	if sc.isNew {
		var p *payment.Payment
		p, err = r.store.InsertPaymentWithFirstTransaction(ctx, sc.payment, txn)
		if err == nil {
			sc.payment = p
		}
	} else {
		txn, err = r.store.AppendTransaction(ctx, sc.payment.ID, txn)
	}
	if errors.Is(err, store.ErrDuplicateExternalKey) {
		return &payment.Error{Code: payment.CodeInvalidParameter, Message: "external key is already in use; retry the request", Err: err}
	}
	if err != nil {
		return payment.PersistenceFailure("record transaction attempt", err)
	}
	sc.txn = txn
	return nil
}

// complete calls the plugin and finalizes the row. ctx is detached from the
// caller.
func (r *Runner) complete(ctx context.Context, sc *stateContext) (*payment.Transaction, error) {
	res, invokeErr := r.invoker.Invoke(ctx, sc.adapter, sc.pluginRequest())

	c := store.Completion{PaymentID: sc.payment.ID, TransactionID: sc.txn.ID}
	if invokeErr != nil {
		c.Status = statemachine.StatusForInvocationError(invokeErr)
		kind := string(plugin.KindOf(invokeErr))
		if kind == "" {
			kind = string(plugin.FailureRejected)
		}
		c.GatewayErrorCode = payment.StringPtr(kind)
		c.GatewayErrorMsg = payment.StringPtr(invokeErr.Error())
	} else {
		c.Status = statemachine.StatusForResult(res)
		c.ProcessedAmount = decimal.NewNullDecimal(res.Amount)
		c.ProcessedCurrency = res.Currency
		c.GatewayErrorCode = res.GatewayErrorCode
		c.GatewayErrorMsg = res.GatewayError
		c.EffectiveDate = res.EffectiveDate
		if res.Status == plugin.StatusPending && c.GatewayErrorCode == nil {
			c.GatewayErrorCode = payment.StringPtr(string(plugin.StatusPending))
		}
	}
	c.StateName = statemachine.StateName(sc.txn.Type, c.Status)
	if statemachine.IsSuccessState(c.StateName) {
		c.LastSuccessStateName = c.StateName
	}

	txn, err := r.store.UpdateTransactionOnCompletion(ctx, c)
	if errors.Is(err, store.ErrAlreadyFinalized) {
		// Another process finalized the row first; its outcome stands.
		r.logger.WithFields(r.fields(sc)).Warn("Runner: transaction was finalized concurrently")
		txn, err = r.store.GetTransaction(ctx, sc.txn.ID)
		if err != nil {
			return nil, payment.PersistenceFailure("get transaction", err)
		}
		return txn, nil
	}
	if err != nil {
		r.logger.WithFields(r.fields(sc)).WithError(err).Error("Runner: failed to finalize transaction; it stays UNKNOWN until retried")
		return nil, payment.PersistenceFailure("finalize transaction", err)
	}

	sc.txn = txn
	sc.payment.StateName = c.StateName
	if c.LastSuccessStateName != "" {
		sc.payment.LastSuccessStateName = c.LastSuccessStateName
	}

	r.metrics.ObserveTransaction(string(txn.Type), string(txn.Status))
	if err := r.publisher.Publish(ctx, events.NewTransactionEvent(sc.payment, txn, r.now())); err != nil {
		r.logger.WithFields(r.fields(sc)).WithError(err).Warn("Runner: failed to publish transaction event")
	}
	entry := r.logger.WithFields(r.fields(sc)).WithField("state", c.StateName)
	if invokeErr != nil {
		entry = entry.WithError(invokeErr)
	}
	entry.Info("Runner: transaction finalized")
	return txn.Clone(), nil
}

func (r *Runner) fields(sc *stateContext) logrus.Fields {
	f := logrus.Fields{
		"account_id":       sc.req.AccountID,
		"transaction_type": sc.req.TransactionType,
		"external_key":     sc.req.TransactionExternalKey,
	}
	if sc.payment != nil {
		f["payment_id"] = sc.payment.ID
	}
	if sc.txn != nil {
		f["transaction_id"] = sc.txn.ID
		f["status"] = sc.txn.Status
	}
	if sc.method != nil {
		f["plugin"] = sc.method.PluginName
	}
	return f
}
