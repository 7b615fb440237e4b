// Package sqlstore implements store.Store on sqlx for sqlite3 and postgres.
// Each multi-row write runs inside one database transaction.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/yourorg/payment-automaton/internal/payment"
	"github.com/yourorg/payment-automaton/internal/store"
)

// Store is a store.Store backed by a SQL database.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// sqlite serializes writers; one connection also keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: enable foreign keys: %w", err)
		}
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open connection. Call Migrate before first use on an empty database.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.db.DriverName() == DriverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the connection for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) InsertPaymentWithFirstTransaction(ctx context.Context, p *payment.Payment, txn *payment.Transaction) (*payment.Payment, error) {
	now := s.now()
	np := p.Clone()
	stamp(&np.CreatedAt, &np.UpdatedAt, now)
	nt := txn.Clone()
	nt.PaymentID = np.ID
	stamp(&nt.CreatedAt, &nt.UpdatedAt, now)

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
			VALUES (:id, :account_id, :payment_method_id, :external_key, :state_name,
				:last_success_state_name, :created_at, :updated_at)`, np); err != nil {
			return mapError("insert payment", err)
		}
		return insertTransaction(ctx, tx, nt)
	})
	if err != nil {
		return nil, err
	}
	return np, nil
}

func (s *Store) AppendTransaction(ctx context.Context, paymentID uuid.UUID, txn *payment.Transaction) (*payment.Transaction, error) {
	nt := txn.Clone()
	nt.PaymentID = paymentID
	stamp(&nt.CreatedAt, &nt.UpdatedAt, s.now())

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists, tx.Rebind(`SELECT 1 FROM payments WHERE id = ?`), paymentID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrUnknownPayment
		}
		if err != nil {
			return fmt.Errorf("sqlstore: lookup payment: %w", err)
		}
		return insertTransaction(ctx, tx, nt)
	})
	if err != nil {
		return nil, err
	}
	return nt, nil
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, txn *payment.Transaction) error {
	_, err := tx.NamedExecContext(ctx, `INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES (:id, :payment_id, :attempt_id, :external_key, :transaction_type,
			:effective_date, :amount, :currency, :processed_amount, :processed_currency, :status,
			:gateway_error_code, :gateway_error_msg, :created_at, :updated_at)`, txn)
	return mapError("insert transaction", err)
}

func (s *Store) GetTransactionsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*payment.Transaction, error) {
	var txns []*payment.Transaction
	err := s.db.SelectContext(ctx, &txns, s.db.Rebind(`SELECT `+transactionColumns+`
		FROM payment_transactions WHERE payment_id = ? ORDER BY record_id`), paymentID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list transactions: %w", err)
	}
	return txns, nil
}

func (s *Store) UpdateTransactionOnCompletion(ctx context.Context, c store.Completion) (*payment.Transaction, error) {
	var out payment.Transaction
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var p payment.Payment
		if err := tx.GetContext(ctx, &p, tx.Rebind(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), c.PaymentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrUnknownPayment
			}
			return fmt.Errorf("sqlstore: lookup payment: %w", err)
		}
		var txn payment.Transaction
		if err := tx.GetContext(ctx, &txn, tx.Rebind(`SELECT `+transactionColumns+`
			FROM payment_transactions WHERE id = ? AND payment_id = ?`), c.TransactionID, c.PaymentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return fmt.Errorf("sqlstore: lookup transaction: %w", err)
		}
		if txn.Status.IsTerminal() {
			return store.ErrAlreadyFinalized
		}

		store.ApplyCompletion(&p, &txn, c, s.now())

		// The status guard makes a concurrent finalize lose even when both
		// read the row before either wrote it.
		res, err := tx.NamedExecContext(ctx, `UPDATE payment_transactions SET
				status = :status,
				processed_amount = :processed_amount,
				processed_currency = :processed_currency,
				gateway_error_code = :gateway_error_code,
				gateway_error_msg = :gateway_error_msg,
				effective_date = :effective_date,
				updated_at = :updated_at
			WHERE id = :id AND status IN ('UNKNOWN', 'PENDING')`, &txn)
		if err != nil {
			return fmt.Errorf("sqlstore: finalize transaction: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("sqlstore: finalize transaction: %w", err)
		} else if n == 0 {
			return store.ErrAlreadyFinalized
		}

		if _, err := tx.NamedExecContext(ctx, `UPDATE payments SET
				state_name = :state_name,
				last_success_state_name = :last_success_state_name,
				updated_at = :updated_at
			WHERE id = :id`, &p); err != nil {
			return fmt.Errorf("sqlstore: update payment state: %w", err)
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetPaymentMethod(ctx context.Context, id uuid.UUID, includeDeleted bool) (*payment.PaymentMethod, error) {
	query := `SELECT ` + methodColumns + ` FROM payment_methods WHERE id = ?`
	if !includeDeleted {
		query += ` AND is_active = ?`
		return s.getMethod(ctx, query, id, true)
	}
	return s.getMethod(ctx, query, id)
}

func (s *Store) getMethod(ctx context.Context, query string, args ...any) (*payment.PaymentMethod, error) {
	var pm payment.PaymentMethod
	if err := s.db.GetContext(ctx, &pm, s.db.Rebind(query), args...); err != nil {
		return nil, notFound("get payment method", err)
	}
	return &pm, nil
}

func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	var p payment.Payment
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id)
	if err != nil {
		return nil, notFound("get payment", err)
	}
	return &p, nil
}

func (s *Store) GetPaymentByExternalKey(ctx context.Context, accountID uuid.UUID, externalKey string) (*payment.Payment, error) {
	var p payment.Payment
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`SELECT `+paymentColumns+`
		FROM payments WHERE account_id = ? AND external_key = ?`), accountID, externalKey)
	if err != nil {
		return nil, notFound("get payment by external key", err)
	}
	return &p, nil
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*payment.Transaction, error) {
	var txn payment.Transaction
	err := s.db.GetContext(ctx, &txn, s.db.Rebind(`SELECT `+transactionColumns+`
		FROM payment_transactions WHERE id = ?`), id)
	if err != nil {
		return nil, notFound("get transaction", err)
	}
	return &txn, nil
}

func (s *Store) GetTransactionByExternalKey(ctx context.Context, paymentID uuid.UUID, externalKey string) (*payment.Transaction, error) {
	var txn payment.Transaction
	err := s.db.GetContext(ctx, &txn, s.db.Rebind(`SELECT `+transactionColumns+`
		FROM payment_transactions WHERE payment_id = ? AND external_key = ?`), paymentID, externalKey)
	if err != nil {
		return nil, notFound("get transaction by external key", err)
	}
	return &txn, nil
}

func (s *Store) GetTransactionsByStatus(ctx context.Context, statuses []payment.TransactionStatus, createdBefore time.Time, limit int) ([]*payment.Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions
		WHERE status IN (?) AND created_at < ? ORDER BY created_at, record_id`
	args := []any{statuses, createdBefore.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: build status query: %w", err)
	}

	var txns []*payment.Transaction
	if err := s.db.SelectContext(ctx, &txns, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("sqlstore: list transactions by status: %w", err)
	}
	return txns, nil
}

func (s *Store) InsertPaymentMethod(ctx context.Context, pm *payment.PaymentMethod) error {
	c := pm.Clone()
	stamp(&c.CreatedAt, &c.UpdatedAt, s.now())
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO payment_methods (`+methodColumns+`)
		VALUES (:id, :account_id, :plugin_name, :is_active, :created_at, :updated_at)`, c)
	return mapError("insert payment method", err)
}

func (s *Store) DeletePaymentMethod(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE payment_methods SET is_active = ?, updated_at = ? WHERE id = ?`),
		false, s.now(), id)
	if err != nil {
		return fmt.Errorf("sqlstore: delete payment method: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

// mapError turns unique-constraint violations into store.ErrDuplicateExternalKey.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("sqlstore: %s: %w", op, store.ErrDuplicateExternalKey)
	}
	return fmt.Errorf("sqlstore: %s: %w", op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("sqlstore: %s: %w", op, err)
}

func stamp(created, updated *time.Time, now time.Time) {
	if created.IsZero() {
		*created = now
	}
	*created = created.UTC()
	if updated.IsZero() {
		*updated = *created
	}
	*updated = updated.UTC()
}
