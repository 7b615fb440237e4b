package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/payment-automaton/internal/payment"
)

type accountKey struct {
	accountID   uuid.UUID
	externalKey string
}

// Memory is an in-process Store. A single mutex makes every operation atomic.
// Records are copied in and out so callers never share state with the store.
type Memory struct {
	mu sync.RWMutex

	payments      map[uuid.UUID]*payment.Payment
	paymentsByKey map[accountKey]uuid.UUID
	txns          map[uuid.UUID]*payment.Transaction
	txnsByPayment map[uuid.UUID][]uuid.UUID
	methods       map[uuid.UUID]*payment.PaymentMethod

	now func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		payments:      make(map[uuid.UUID]*payment.Payment),
		paymentsByKey: make(map[accountKey]uuid.UUID),
		txns:          make(map[uuid.UUID]*payment.Transaction),
		txnsByPayment: make(map[uuid.UUID][]uuid.UUID),
		methods:       make(map[uuid.UUID]*payment.PaymentMethod),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) InsertPaymentWithFirstTransaction(_ context.Context, p *payment.Payment, txn *payment.Transaction) (*payment.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := accountKey{p.AccountID, p.ExternalKey}
	if _, exists := m.paymentsByKey[key]; exists {
		return nil, ErrDuplicateExternalKey
	}
	if _, exists := m.payments[p.ID]; exists {
		return nil, ErrDuplicateExternalKey
	}

	now := m.now()
	np := p.Clone()
	stampCreated(&np.CreatedAt, &np.UpdatedAt, now)
	nt := txn.Clone()
	nt.PaymentID = np.ID
	stampCreated(&nt.CreatedAt, &nt.UpdatedAt, now)

	m.payments[np.ID] = np
	m.paymentsByKey[key] = np.ID
	m.txns[nt.ID] = nt
	m.txnsByPayment[np.ID] = []uuid.UUID{nt.ID}
	return np.Clone(), nil
}

func (m *Memory) AppendTransaction(_ context.Context, paymentID uuid.UUID, txn *payment.Transaction) (*payment.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[paymentID]; !ok {
		return nil, ErrUnknownPayment
	}
	for _, id := range m.txnsByPayment[paymentID] {
		if m.txns[id].ExternalKey == txn.ExternalKey {
			return nil, ErrDuplicateExternalKey
		}
	}

	nt := txn.Clone()
	nt.PaymentID = paymentID
	stampCreated(&nt.CreatedAt, &nt.UpdatedAt, m.now())
	m.txns[nt.ID] = nt
	m.txnsByPayment[paymentID] = append(m.txnsByPayment[paymentID], nt.ID)
	return nt.Clone(), nil
}

func (m *Memory) GetTransactionsForPayment(_ context.Context, paymentID uuid.UUID) ([]*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.txnsByPayment[paymentID]
	out := make([]*payment.Transaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.txns[id].Clone())
	}
	return out, nil
}

func (m *Memory) UpdateTransactionOnCompletion(_ context.Context, c Completion) (*payment.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[c.TransactionID]
	if !ok || txn.PaymentID != c.PaymentID {
		return nil, ErrNotFound
	}
	p, ok := m.payments[c.PaymentID]
	if !ok {
		return nil, ErrUnknownPayment
	}
	if txn.Status.IsTerminal() {
		return nil, ErrAlreadyFinalized
	}

	ApplyCompletion(p, txn, c, m.now())
	return txn.Clone(), nil
}

func (m *Memory) GetPaymentMethod(_ context.Context, id uuid.UUID, includeDeleted bool) (*payment.PaymentMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pm, ok := m.methods[id]
	if !ok || (!pm.IsActive && !includeDeleted) {
		return nil, ErrNotFound
	}
	return pm.Clone(), nil
}

func (m *Memory) GetPayment(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) GetPaymentByExternalKey(_ context.Context, accountID uuid.UUID, externalKey string) (*payment.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.paymentsByKey[accountKey{accountID, externalKey}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.payments[id].Clone(), nil
}

func (m *Memory) GetTransaction(_ context.Context, id uuid.UUID) (*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return txn.Clone(), nil
}

func (m *Memory) GetTransactionByExternalKey(_ context.Context, paymentID uuid.UUID, externalKey string) (*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.txnsByPayment[paymentID] {
		if txn := m.txns[id]; txn.ExternalKey == externalKey {
			return txn.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetTransactionsByStatus(_ context.Context, statuses []payment.TransactionStatus, createdBefore time.Time, limit int) ([]*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[payment.TransactionStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var out []*payment.Transaction
	for _, txn := range m.txns {
		if wanted[txn.Status] && txn.CreatedAt.Before(createdBefore) {
			out = append(out, txn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertPaymentMethod(_ context.Context, pm *payment.PaymentMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.methods[pm.ID]; exists {
		return ErrDuplicateExternalKey
	}
	c := pm.Clone()
	stampCreated(&c.CreatedAt, &c.UpdatedAt, m.now())
	m.methods[c.ID] = c
	return nil
}

func (m *Memory) DeletePaymentMethod(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.methods[id]
	if !ok {
		return ErrNotFound
	}
	pm.IsActive = false
	pm.UpdatedAt = m.now()
	return nil
}

func stampCreated(created, updated *time.Time, now time.Time) {
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}
