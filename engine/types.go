/*
Package engine provides the wage-advance ledger and reconciliation core.

PURPOSE:
  Transport companies advance unearned driver wages and later collect the
  advance from payroll. This package holds every business rule for that flow:
  integer money, the append-only ledger, the advance limit, the advance
  lifecycle, payroll collection, monthly metrics, billing tiers and
  notification dedup.

KEY CONCEPTS IN THIS FILE (types.go):
  - Driver / Company: the parties, plus company rate and payout policy
  - Earning: confirmed wages, payable in a payout month
  - Advance: cash disbursed ahead of payroll, with a monotonic status
  - Payroll: a planned salary payout that collects outstanding advances
  - LedgerEntry: immutable principal / fee / collection / write_off record
  - DriverBalance, MetricsMonthly: derived, fully recomputed rows
  - Notification, AuditEntry: side records written alongside state changes

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are never updated or deleted
  2. Precision: Amount is an arbitrary-precision integer, rates are scaled
  3. Conditional updates: every status change is "UPDATE ... WHERE status = ?"
  4. Determinism: balances are computed from entries with occurredOn <= asOf

SEE ALSO:
  - money.go: Amount, Rate and fixed-point math
  - store.go: repository interfaces
  - advance.go, payroll.go: the services
*/
package engine

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a random identifier for a new row.
func NewID() string { return uuid.NewString() }

// =============================================================================
// PARTIES
// =============================================================================

type Driver struct {
	ID        string
	CompanyID string
	Name      string
	Active    bool
}

type Company struct {
	ID        string
	Name      string
	LimitRate Rate
	FeeRate   Rate

	// Payout policy: either a fixed day of month or the month end.
	PayoutDay           int
	PayoutDayIsMonthEnd bool
	PayoutOffsetMonths  int

	AllowAdvanceOverSalary bool
	Active                 bool
}

// =============================================================================
// EARNINGS
// =============================================================================

type EarningStatus string

const (
	EarningConfirmed EarningStatus = "confirmed"
	EarningPaid      EarningStatus = "paid"
)

type Earning struct {
	ID          string
	DriverID    string
	CompanyID   string
	WorkMonth   time.Time
	PayoutMonth time.Time
	Amount      Amount
	Status      EarningStatus
	CreatedAt   time.Time
}

// =============================================================================
// ADVANCE
// =============================================================================

type AdvanceStatus string

const (
	AdvanceRequested        AdvanceStatus = "requested"
	AdvanceRejected         AdvanceStatus = "rejected"
	AdvanceApproved         AdvanceStatus = "approved"
	AdvancePayoutInstructed AdvanceStatus = "payout_instructed"
	AdvancePaid             AdvanceStatus = "paid"
	AdvanceSettling         AdvanceStatus = "settling"
	AdvanceSettled          AdvanceStatus = "settled"
	AdvanceWrittenOff       AdvanceStatus = "written_off"
)

// IsTerminal reports whether no further transition is possible.
func (s AdvanceStatus) IsTerminal() bool {
	switch s {
	case AdvanceRejected, AdvanceSettled, AdvanceWrittenOff:
		return true
	}
	return false
}

// NonTerminalAdvanceStatuses are the statuses a write-off may start from.
var NonTerminalAdvanceStatuses = []AdvanceStatus{
	AdvanceRequested, AdvanceApproved, AdvancePayoutInstructed, AdvancePaid, AdvanceSettling,
}

type Advance struct {
	ID              string
	DriverID        string
	CompanyID       string
	RequestedAmount Amount
	RequestedAt     time.Time

	// Set exactly once, at approval.
	ApprovedAmount *Amount
	FeeAmount      *Amount
	PayoutAmount   *Amount

	PayoutDate *time.Time
	Status     AdvanceStatus
	Memo       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// PAYROLL
// =============================================================================

type PayrollStatus string

const (
	PayrollPlanned   PayrollStatus = "planned"
	PayrollProcessed PayrollStatus = "processed"
)

type Payroll struct {
	ID                       string
	DriverID                 string
	CompanyID                string
	PayoutDate               time.Time
	GrossSalaryAmount        Amount
	AdvanceCollectionAmount  Amount
	CollectionOverrideAmount *Amount
	CollectionOverrideReason string
	NetSalaryAmount          *Amount
	Status                   PayrollStatus
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable, append-only
// =============================================================================

type EntryType string

const (
	EntryAdvancePrincipal EntryType = "advance_principal"
	EntryFee              EntryType = "fee"
	EntryCollection       EntryType = "collection"
	EntryWriteOff         EntryType = "write_off"
)

// EntryTypes lists every entry type in a stable order.
var EntryTypes = []EntryType{EntryAdvancePrincipal, EntryFee, EntryCollection, EntryWriteOff}

type SourceType string

const (
	SourceAdvance          SourceType = "advance"
	SourcePayroll          SourceType = "payroll"
	SourceWriteOff         SourceType = "write_off"
	SourceManualAdjustment SourceType = "manual_adjustment"
)

type LedgerEntry struct {
	ID             string
	DriverID       string
	CompanyID      string
	SourceType     SourceType
	SourceID       string
	EntryType      EntryType
	Amount         Amount // always >= 0
	OccurredOn     time.Time
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// DERIVED ROWS - Recomputed, never patched
// =============================================================================

// DriverBalance is the materialized per-driver balance cache.
type DriverBalance struct {
	DriverID                string
	CompanyID               string
	AdvanceBalance          Amount
	UnpaidConfirmedEarnings Amount
	AdvanceLimit            Amount
	AsOfDate                time.Time
	RefreshedAt             time.Time
}

// MetricsMonthly is a monthly rollup. A nil CompanyID is the platform-wide row.
type MetricsMonthly struct {
	ID                       string
	CompanyID                *string
	YearMonth                time.Time
	TotalAdvancePrincipal    Amount
	TotalFeeRevenue          Amount
	TotalCollectedPrincipal  Amount
	TotalWrittenOffPrincipal Amount
	UpdatedAt                time.Time
}

// =============================================================================
// AUDIT LOG - Written in the same transaction as the change it describes
// =============================================================================

type AuditAction string

const (
	AuditAdvanceRequested        AuditAction = "advance_requested"
	AuditAdvanceApproved         AuditAction = "advance_approved"
	AuditAdvanceRejected         AuditAction = "advance_rejected"
	AuditAdvancePayoutInstructed AuditAction = "advance_payout_instructed"
	AuditAdvancePaid             AuditAction = "advance_paid"
	AuditAdvanceWrittenOff       AuditAction = "advance_written_off"
	AuditPayrollPlanned          AuditAction = "payroll_planned"
	AuditPayrollProcessed        AuditAction = "payroll_processed"
	AuditPayrollOverride         AuditAction = "payroll_override"
)

type AuditEntry struct {
	ID           string
	At           time.Time
	Actor        string
	Action       AuditAction
	ResourceType string
	ResourceID   string
	Payload      map[string]string
}
