/*
Package sqlite provides a SQLite-backed implementation of engine.TxStore.

PURPOSE:
  Implements every repository the engine consumes using SQLite. Business
  rules stay in package engine; this package only persists rows and applies
  conditional updates atomically.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - No DELETE statements on ledger_entries
  - idempotency_key is UNIQUE, a repeated key maps to engine.ErrDuplicateEntry

CONDITIONAL UPDATES:
  Status changes are single statements of the form

    UPDATE advances SET status = ? ... WHERE id = ? AND status IN (...)

  and report RowsAffected. Zero rows is a lost race, never an overwrite.

KEY TABLES:
  ledger_entries:   Immutable principal / fee / collection / write_off rows
  advances:         Advance lifecycle
  payrolls:         Planned and processed payrolls
  driver_balances:  Materialized balance cache, fully replaced per batch run
  metrics_monthly:  Monthly rollups, keyed by (scope, year_month)
  notifications:    Unique on the dedup tuple
  audit_log:        Who did what when
  holidays:         Non-business days for payout date computation

MONEY:
  Amounts are stored as decimal TEXT. SQLite integers are 64-bit, so sums
  are folded in Go with engine.Amount rather than with SUM().

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. WithTx holds the write lock
  for the whole transaction.

USAGE:
  store, err := sqlite.New("./data/advance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/advance-engine/engine"
)

// Store implements engine.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	view
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	store.view = view{s: store, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS companies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		limit_rate INTEGER NOT NULL,
		fee_rate INTEGER NOT NULL,
		payout_day INTEGER NOT NULL DEFAULT 0,
		payout_day_is_month_end INTEGER NOT NULL DEFAULT 0,
		payout_offset_months INTEGER NOT NULL DEFAULT 0,
		allow_advance_over_salary INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS drivers (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL REFERENCES companies(id),
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS earnings (
		id TEXT PRIMARY KEY,
		driver_id TEXT NOT NULL REFERENCES drivers(id),
		company_id TEXT NOT NULL,
		work_month TEXT NOT NULL,
		payout_month TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_earnings_driver_payout
		ON earnings(driver_id, status, payout_month);

	CREATE TABLE IF NOT EXISTS advances (
		id TEXT PRIMARY KEY,
		driver_id TEXT NOT NULL REFERENCES drivers(id),
		company_id TEXT NOT NULL,
		requested_amount TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		approved_amount TEXT,
		fee_amount TEXT,
		payout_amount TEXT,
		payout_date TEXT,
		status TEXT NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_advances_company_status
		ON advances(company_id, status);
	CREATE INDEX IF NOT EXISTS idx_advances_driver_status
		ON advances(driver_id, company_id, status);

	-- Append-only ledger
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		driver_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		occurred_on TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Balance calculation (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_driver_company_date
		ON ledger_entries(driver_id, company_id, occurred_on);
	CREATE INDEX IF NOT EXISTS idx_ledger_company_date
		ON ledger_entries(company_id, occurred_on);

	CREATE TABLE IF NOT EXISTS payrolls (
		id TEXT PRIMARY KEY,
		driver_id TEXT NOT NULL REFERENCES drivers(id),
		company_id TEXT NOT NULL,
		payout_date TEXT NOT NULL,
		gross_salary_amount TEXT NOT NULL,
		advance_collection_amount TEXT NOT NULL DEFAULT '0',
		collection_override_amount TEXT,
		collection_override_reason TEXT NOT NULL DEFAULT '',
		net_salary_amount TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payrolls_status_date
		ON payrolls(status, payout_date);

	CREATE TABLE IF NOT EXISTS driver_balances (
		driver_id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		advance_balance TEXT NOT NULL,
		unpaid_confirmed_earnings TEXT NOT NULL,
		advance_limit TEXT NOT NULL,
		as_of_date TEXT NOT NULL,
		refreshed_at TEXT NOT NULL
	);

	-- scope is the company id, or '' for the platform-wide row
	CREATE TABLE IF NOT EXISTS metrics_monthly (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		company_id TEXT,
		year_month TEXT NOT NULL,
		total_advance_principal TEXT NOT NULL,
		total_fee_revenue TEXT NOT NULL,
		total_collected_principal TEXT NOT NULL,
		total_written_off_principal TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (scope, year_month)
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		recipient_type TEXT NOT NULL,
		recipient_id TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one notification per dedup tuple
	CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedup
		ON notifications(recipient_type, recipient_id, category, severity, source_type, source_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_resource
		ON audit_log(resource_type, resource_id);

	CREATE TABLE IF NOT EXISTS holidays (
		date TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(view{s: s, q: sqlTx, inTx: true}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// view runs queries against the database or an open transaction. Outside a
// transaction every call takes the store lock.
type view struct {
	s    *Store
	q    querier
	inTx bool
}

func (v view) rlock() func() {
	if v.inTx {
		return func() {}
	}
	v.s.mu.RLock()
	return v.s.mu.RUnlock
}

func (v view) lock() func() {
	if v.inTx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (v view) Drivers() engine.DriverRepository         { return driverRepo{v} }
func (v view) Companies() engine.CompanyRepository      { return companyRepo{v} }
func (v view) Earnings() engine.EarningRepository       { return earningRepo{v} }
func (v view) Advances() engine.AdvanceRepository       { return advanceRepo{v} }
func (v view) Ledger() engine.LedgerRepository          { return ledgerRepo{v} }
func (v view) Payrolls() engine.PayrollRepository       { return payrollRepo{v} }
func (v view) Balances() engine.DriverBalanceRepository { return balanceRepo{v} }
func (v view) Metrics() engine.MetricsRepository        { return metricsRepo{v} }
func (v view) Notifications() engine.NotificationSink   { return notificationRepo{v} }
func (v view) Audit() engine.AuditLog                   { return auditRepo{v} }

// =============================================================================
// HOLIDAYS (engine.HolidayCalendar)
// =============================================================================

// SaveHoliday marks date as a non-business day.
func (s *Store) SaveHoliday(ctx context.Context, date time.Time, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO holidays (date, name) VALUES (?, ?)
		ON CONFLICT(date) DO UPDATE SET name = excluded.name
	`, engine.FormatDate(date), name)
	return err
}

// IsHoliday checks if a date is a stored holiday. Lookup errors count as a
// business day.
func (s *Store) IsHoliday(date time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM holidays WHERE date = ?", engine.FormatDate(date)).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// =============================================================================
// Helper functions
// =============================================================================

const dateLayout = "2006-01-02"

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullAmount(a *engine.Amount) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.String(), Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: engine.FormatDate(*t), Valid: true}
}

func scanNullAmount(ns sql.NullString) (*engine.Amount, error) {
	if !ns.Valid {
		return nil, nil
	}
	a, err := engine.ParseAmount(ns.String)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanNullDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// inClause renders "?, ?, ?" for n placeholders.
func inClause(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []engine.AdvanceStatus) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
