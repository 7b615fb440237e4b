package sqlstore

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS payment_methods (
		record_id INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		plugin_name TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		record_id INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		payment_method_id TEXT NOT NULL,
		external_key TEXT NOT NULL,
		state_name TEXT NOT NULL,
		last_success_state_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (account_id, external_key)
	)`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		record_id INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		payment_id TEXT NOT NULL REFERENCES payments (id),
		attempt_id TEXT,
		external_key TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		effective_date TIMESTAMP NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		processed_amount TEXT,
		processed_currency TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		gateway_error_code TEXT,
		gateway_error_msg TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (payment_id, external_key)
	)`,
	`CREATE INDEX IF NOT EXISTS payment_transactions_status_idx ON payment_transactions (status, created_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS payment_methods (
		record_id BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		account_id UUID NOT NULL,
		plugin_name VARCHAR(50) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		record_id BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		account_id UUID NOT NULL,
		payment_method_id UUID NOT NULL,
		external_key VARCHAR(255) NOT NULL,
		state_name VARCHAR(64) NOT NULL,
		last_success_state_name VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (account_id, external_key)
	)`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		record_id BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		payment_id UUID NOT NULL REFERENCES payments (id),
		attempt_id UUID,
		external_key VARCHAR(255) NOT NULL,
		transaction_type VARCHAR(32) NOT NULL,
		effective_date TIMESTAMPTZ NOT NULL,
		amount NUMERIC(15, 9) NOT NULL,
		currency CHAR(3) NOT NULL,
		processed_amount NUMERIC(15, 9),
		processed_currency VARCHAR(3) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		gateway_error_code VARCHAR(128),
		gateway_error_msg TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (payment_id, external_key)
	)`,
	`CREATE INDEX IF NOT EXISTS payment_transactions_status_idx ON payment_transactions (status, created_at)`,
}

const (
	paymentColumns = `id, account_id, payment_method_id, external_key, state_name,
		last_success_state_name, created_at, updated_at`
	transactionColumns = `id, payment_id, attempt_id, external_key, transaction_type,
		effective_date, amount, currency, processed_amount, processed_currency, status,
		gateway_error_code, gateway_error_msg, created_at, updated_at`
	methodColumns = `id, account_id, plugin_name, is_active, created_at, updated_at`
)
