/*
store.go - Repository seams between the engine and persistence

PURPOSE:
  The engine depends only on these interfaces. Every state-changing service
  call runs inside TxStore.WithTx so the entity row, its ledger entries and
  the audit row commit or roll back together.

CONDITIONAL UPDATES:
  Status changes are never read-modify-write. Repositories expose
  UpdateStatus / MarkProcessed / SetOverride, which apply only when the row
  is still in one of the expected statuses and report whether a row changed.
  A false result is a lost race and surfaces as StateConflictError.

APPEND-ONLY LEDGER:
  LedgerRepository has Insert and read methods only. No Update, no Delete.
  Insert rejects a repeated idempotency key with ErrDuplicateEntry.

IMPLEMENTATIONS:
  - engine/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - advance.go, payroll.go: the services that drive these seams
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// PARTY REPOSITORIES
// =============================================================================

type DriverRepository interface {
	FindByID(ctx context.Context, id string) (Driver, error)
	Save(ctx context.Context, d Driver) error
	List(ctx context.Context) ([]Driver, error)
}

type CompanyRepository interface {
	FindByID(ctx context.Context, id string) (Company, error)
	Save(ctx context.Context, c Company) error
	List(ctx context.Context) ([]Company, error)
}

// EarningFilter selects earnings. Zero fields match everything.
type EarningFilter struct {
	DriverID string
	Status   EarningStatus
	// PayoutMonthFrom keeps earnings with PayoutMonth >= the value.
	PayoutMonthFrom *time.Time
	// PayoutMonth keeps earnings payable in exactly that month.
	PayoutMonth *time.Time
}

type EarningRepository interface {
	Save(ctx context.Context, e Earning) error
	SumAmount(ctx context.Context, filter EarningFilter) (Amount, error)
}

// =============================================================================
// ADVANCE REPOSITORY
// =============================================================================

// AdvanceUpdate is applied by a conditional status update. Nil fields are
// left unchanged.
type AdvanceUpdate struct {
	Status         AdvanceStatus
	ApprovedAmount *Amount
	FeeAmount      *Amount
	PayoutAmount   *Amount
	PayoutDate     *time.Time
	Memo           *string
	UpdatedAt      time.Time
}

type AdvanceRepository interface {
	FindByID(ctx context.Context, id string) (Advance, error)
	// Save inserts a new advance.
	Save(ctx context.Context, a Advance) error
	ListPendingForCompany(ctx context.Context, companyID string) ([]Advance, error)
	ListByStatus(ctx context.Context, statuses ...AdvanceStatus) ([]Advance, error)

	// UpdateStatus applies u only if the advance is in one of from.
	// Returns false when no row matched.
	UpdateStatus(ctx context.Context, id string, from []AdvanceStatus, u AdvanceUpdate) (bool, error)

	// TransitionAll moves every advance of the driver/company pair that is in
	// one of from to status to. Returns the number of rows changed.
	TransitionAll(ctx context.Context, driverID, companyID string, from []AdvanceStatus, to AdvanceStatus, at time.Time) (int, error)
}

// =============================================================================
// LEDGER REPOSITORY - Append-only
// =============================================================================

// LedgerFilter selects ledger entries. CompanyID and DriverID are optional.
// OccurredFrom and OccurredTo are inclusive bounds.
type LedgerFilter struct {
	DriverID     string
	CompanyID    string
	OccurredFrom *time.Time
	OccurredTo   *time.Time
}

type LedgerRepository interface {
	Insert(ctx context.Context, e LedgerEntry) (LedgerEntry, error)

	// SumAdvanceBalance returns principal - collection - write_off over
	// entries with OccurredOn <= asOf.
	SumAdvanceBalance(ctx context.Context, driverID, companyID string, asOf time.Time) (Amount, error)

	// SumByType sums entry amounts per type. Absent types are omitted.
	SumByType(ctx context.Context, filter LedgerFilter) (map[EntryType]Amount, error)

	// Entries lists matching entries ordered by OccurredOn then CreatedAt.
	Entries(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error)
}

// =============================================================================
// PAYROLL REPOSITORY
// =============================================================================

type PayrollRepository interface {
	FindByID(ctx context.Context, id string) (Payroll, error)
	// Save inserts a new payroll.
	Save(ctx context.Context, p Payroll) error
	// FindPlannedOnOrBefore lists planned payrolls with PayoutDate <= date,
	// ascending by PayoutDate.
	FindPlannedOnOrBefore(ctx context.Context, date time.Time) ([]Payroll, error)

	// MarkProcessed sets collection, net and status=processed only if the
	// payroll is still planned.
	MarkProcessed(ctx context.Context, id string, collection, net Amount, at time.Time) (bool, error)

	// SetOverride records a manual collection override only if the payroll is
	// still planned.
	SetOverride(ctx context.Context, id string, amount Amount, reason string, at time.Time) (bool, error)
}

// =============================================================================
// DERIVED ROWS
// =============================================================================

type DriverBalanceRepository interface {
	// UpsertBalance fully replaces the row for the driver.
	UpsertBalance(ctx context.Context, b DriverBalance) error
	GetBalance(ctx context.Context, driverID string) (DriverBalance, error)
}

type MetricsRepository interface {
	// UpsertMonthlyMetrics overwrites the row keyed by (CompanyID, YearMonth).
	UpsertMonthlyMetrics(ctx context.Context, m MetricsMonthly) error
	ListMonthlyMetrics(ctx context.Context, yearMonth time.Time) ([]MetricsMonthly, error)
}

// NotificationFilter selects notifications. Zero fields match everything.
type NotificationFilter struct {
	RecipientType RecipientType
	RecipientID   string
	Category      string
	SourceID      string
	UnreadOnly    bool
}

type NotificationSink interface {
	// CreateIfMissing inserts n unless a row with the same dedup tuple exists.
	// Returns true when a row was created.
	CreateIfMissing(ctx context.Context, n Notification) (bool, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, error)
	// MarkAllRead sets is_read on every unread row of exactly this recipient
	// and returns how many changed. Operator rows have an empty recipientID.
	MarkAllRead(ctx context.Context, recipientType RecipientType, recipientID string) (int, error)
}

// =============================================================================
// AUDIT LOG - Append-only, separate from the ledger
// =============================================================================

type AuditFilter struct {
	ResourceType string
	ResourceID   string
	Actions      []AuditAction
}

type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// STORE - Bundles every repository
// =============================================================================

type Store interface {
	Drivers() DriverRepository
	Companies() CompanyRepository
	Earnings() EarningRepository
	Advances() AdvanceRepository
	Ledger() LedgerRepository
	Payrolls() PayrollRepository
	Balances() DriverBalanceRepository
	Metrics() MetricsRepository
	Notifications() NotificationSink
	Audit() AuditLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
