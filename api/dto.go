/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are engine.Amount and travel as decimal strings ("12500").
  Requests accept either a string or a JSON number. Rates travel as
  decimal fractions ("0.8") and are scaled to engine.Rate on the way in.

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/advance-engine/engine"
)

// =============================================================================
// PARTIES
// =============================================================================

// CompanyDTO represents a company in API responses.
type CompanyDTO struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	LimitRate              string `json:"limit_rate"`
	FeeRate                string `json:"fee_rate"`
	PayoutDay              int    `json:"payout_day,omitempty"`
	PayoutDayIsMonthEnd    bool   `json:"payout_day_is_month_end"`
	PayoutOffsetMonths     int    `json:"payout_offset_months"`
	AllowAdvanceOverSalary bool   `json:"allow_advance_over_salary"`
	Active                 bool   `json:"active"`
}

// CreateCompanyRequest creates or replaces a company.
type CreateCompanyRequest struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	LimitRate              string `json:"limit_rate"`
	FeeRate                string `json:"fee_rate"`
	PayoutDay              int    `json:"payout_day"`
	PayoutDayIsMonthEnd    bool   `json:"payout_day_is_month_end"`
	PayoutOffsetMonths     int    `json:"payout_offset_months"`
	AllowAdvanceOverSalary bool   `json:"allow_advance_over_salary"`
	Active                 *bool  `json:"active,omitempty"`
}

func toCompanyDTO(c engine.Company) CompanyDTO {
	return CompanyDTO{
		ID:                     c.ID,
		Name:                   c.Name,
		LimitRate:              c.LimitRate.String(),
		FeeRate:                c.FeeRate.String(),
		PayoutDay:              c.PayoutDay,
		PayoutDayIsMonthEnd:    c.PayoutDayIsMonthEnd,
		PayoutOffsetMonths:     c.PayoutOffsetMonths,
		AllowAdvanceOverSalary: c.AllowAdvanceOverSalary,
		Active:                 c.Active,
	}
}

// DriverDTO represents a driver in API responses.
type DriverDTO struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
}

// CreateDriverRequest creates or replaces a driver.
type CreateDriverRequest struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Name      string `json:"name"`
	Active    *bool  `json:"active,omitempty"`
}

func toDriverDTO(d engine.Driver) DriverDTO {
	return DriverDTO{ID: d.ID, CompanyID: d.CompanyID, Name: d.Name, Active: d.Active}
}

// RecordEarningRequest records a confirmed earning for a work month.
type RecordEarningRequest struct {
	WorkMonth string        `json:"work_month"` // YYYY-MM
	Amount    engine.Amount `json:"amount"`
}

// EarningDTO represents a stored earning.
type EarningDTO struct {
	ID          string        `json:"id"`
	DriverID    string        `json:"driver_id"`
	CompanyID   string        `json:"company_id"`
	WorkMonth   string        `json:"work_month"`
	PayoutMonth string        `json:"payout_month"`
	Amount      engine.Amount `json:"amount"`
	Status      string        `json:"status"`
}

// =============================================================================
// ADVANCES
// =============================================================================

// RequestAdvanceRequest is a driver asking for an advance.
type RequestAdvanceRequest struct {
	Amount engine.Amount `json:"amount"`
	Memo   string        `json:"memo,omitempty"`
}

// RejectAdvanceRequest carries the mandatory reason.
type RejectAdvanceRequest struct {
	Reason string `json:"reason"`
}

// PayoutInstructedRequest records the date the transfer was instructed for.
type PayoutInstructedRequest struct {
	PayoutDate string `json:"payout_date"` // YYYY-MM-DD
}

// WriteOffRequest writes off part or all of the balance.
type WriteOffRequest struct {
	Amount engine.Amount `json:"amount"`
	Memo   string        `json:"memo,omitempty"`
}

// AdvanceDTO represents an advance in API responses.
type AdvanceDTO struct {
	ID              string         `json:"id"`
	DriverID        string         `json:"driver_id"`
	CompanyID       string         `json:"company_id"`
	RequestedAmount engine.Amount  `json:"requested_amount"`
	RequestedAt     string         `json:"requested_at"`
	ApprovedAmount  *engine.Amount `json:"approved_amount,omitempty"`
	FeeAmount       *engine.Amount `json:"fee_amount,omitempty"`
	PayoutAmount    *engine.Amount `json:"payout_amount,omitempty"`
	PayoutDate      string         `json:"payout_date,omitempty"`
	Status          string         `json:"status"`
	Memo            string         `json:"memo,omitempty"`
	UpdatedAt       string         `json:"updated_at"`
}

func toAdvanceDTO(a engine.Advance) AdvanceDTO {
	dto := AdvanceDTO{
		ID:              a.ID,
		DriverID:        a.DriverID,
		CompanyID:       a.CompanyID,
		RequestedAmount: a.RequestedAmount,
		RequestedAt:     a.RequestedAt.Format(time.RFC3339),
		ApprovedAmount:  a.ApprovedAmount,
		FeeAmount:       a.FeeAmount,
		PayoutAmount:    a.PayoutAmount,
		Status:          string(a.Status),
		Memo:            a.Memo,
		UpdatedAt:       a.UpdatedAt.Format(time.RFC3339),
	}
	if a.PayoutDate != nil {
		dto.PayoutDate = engine.FormatDate(*a.PayoutDate)
	}
	return dto
}

// LimitDTO is the live advance limit of a driver.
type LimitDTO struct {
	DriverID              string        `json:"driver_id"`
	CompanyID             string        `json:"company_id"`
	AsOf                  string        `json:"as_of"`
	UnpaidConfirmed       engine.Amount `json:"unpaid_confirmed_earnings"`
	CurrentMonthConfirmed engine.Amount `json:"current_month_confirmed_earnings"`
	AdvanceBalance        engine.Amount `json:"advance_balance"`
	AdvanceLimit          engine.Amount `json:"advance_limit"`
}

// BalanceDTO is the materialized balance row from the last batch run.
type BalanceDTO struct {
	DriverID                string        `json:"driver_id"`
	CompanyID               string        `json:"company_id"`
	AdvanceBalance          engine.Amount `json:"advance_balance"`
	UnpaidConfirmedEarnings engine.Amount `json:"unpaid_confirmed_earnings"`
	AdvanceLimit            engine.Amount `json:"advance_limit"`
	AsOfDate                string        `json:"as_of_date"`
	RefreshedAt             string        `json:"refreshed_at"`
}

// LedgerEntryDTO represents one immutable ledger row.
type LedgerEntryDTO struct {
	ID         string        `json:"id"`
	CompanyID  string        `json:"company_id"`
	SourceType string        `json:"source_type"`
	SourceID   string        `json:"source_id"`
	EntryType  string        `json:"entry_type"`
	Amount     engine.Amount `json:"amount"`
	OccurredOn string        `json:"occurred_on"`
}

// StatementDTO is a driver's ledger with the resulting balance.
type StatementDTO struct {
	DriverID string           `json:"driver_id"`
	AsOf     string           `json:"as_of"`
	Balance  engine.Amount    `json:"balance"`
	Entries  []LedgerEntryDTO `json:"entries"`
}

// AuditEntryDTO is one audit log row.
type AuditEntryDTO struct {
	At      string            `json:"at"`
	Actor   string            `json:"actor"`
	Action  string            `json:"action"`
	Payload map[string]string `json:"payload,omitempty"`
}

// =============================================================================
// PAYROLLS
// =============================================================================

// PlanPayrollRequest schedules a payroll for a payout month.
type PlanPayrollRequest struct {
	PayoutMonth string        `json:"payout_month"` // YYYY-MM
	Gross       engine.Amount `json:"gross_salary_amount"`
}

// OverrideRequest sets the collection base for a planned payroll.
type OverrideRequest struct {
	Amount engine.Amount `json:"amount"`
	Reason string        `json:"reason"`
}

// PayrollDTO represents a payroll in API responses.
type PayrollDTO struct {
	ID                       string         `json:"id"`
	DriverID                 string         `json:"driver_id"`
	CompanyID                string         `json:"company_id"`
	PayoutDate               string         `json:"payout_date"`
	GrossSalaryAmount        engine.Amount  `json:"gross_salary_amount"`
	AdvanceCollectionAmount  engine.Amount  `json:"advance_collection_amount"`
	CollectionOverrideAmount *engine.Amount `json:"collection_override_amount,omitempty"`
	CollectionOverrideReason string         `json:"collection_override_reason,omitempty"`
	NetSalaryAmount          *engine.Amount `json:"net_salary_amount,omitempty"`
	Status                   string         `json:"status"`
}

func toPayrollDTO(p engine.Payroll) PayrollDTO {
	return PayrollDTO{
		ID:                       p.ID,
		DriverID:                 p.DriverID,
		CompanyID:                p.CompanyID,
		PayoutDate:               engine.FormatDate(p.PayoutDate),
		GrossSalaryAmount:        p.GrossSalaryAmount,
		AdvanceCollectionAmount:  p.AdvanceCollectionAmount,
		CollectionOverrideAmount: p.CollectionOverrideAmount,
		CollectionOverrideReason: p.CollectionOverrideReason,
		NetSalaryAmount:          p.NetSalaryAmount,
		Status:                   string(p.Status),
	}
}

// ProcessPayrollResponse wraps the processed payroll with what happened.
type ProcessPayrollResponse struct {
	Payroll      PayrollDTO    `json:"payroll"`
	Processed    bool          `json:"processed"`
	Balance      engine.Amount `json:"balance"`
	Collection   engine.Amount `json:"collection"`
	Transition   string        `json:"transition,omitempty"`
	Transitioned int           `json:"transitioned"`
}

// =============================================================================
// REPORTING
// =============================================================================

// NotificationDTO represents a notification in API responses.
type NotificationDTO struct {
	ID            string `json:"id"`
	RecipientType string `json:"recipient_type"`
	RecipientID   string `json:"recipient_id,omitempty"`
	Category      string `json:"category"`
	Severity      string `json:"severity"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	SourceType    string `json:"source_type"`
	SourceID      string `json:"source_id"`
	IsRead        bool   `json:"is_read"`
	CreatedAt     string `json:"created_at"`
}

// MarkReadRequest names the recipient whose notifications are marked read.
type MarkReadRequest struct {
	RecipientType string `json:"recipient_type"`
	RecipientID   string `json:"recipient_id,omitempty"`
}

type MarkReadResponse struct {
	Updated int `json:"updated"`
}

// MetricsDTO is one monthly metrics row. CompanyID is empty for the global row.
type MetricsDTO struct {
	CompanyID                string        `json:"company_id,omitempty"`
	YearMonth                string        `json:"year_month"`
	TotalAdvancePrincipal    engine.Amount `json:"total_advance_principal"`
	TotalFeeRevenue          engine.Amount `json:"total_fee_revenue"`
	TotalCollectedPrincipal  engine.Amount `json:"total_collected_principal"`
	TotalWrittenOffPrincipal engine.Amount `json:"total_written_off_principal"`
}

// BillingLineDTO is one company's platform fee for a month.
type BillingLineDTO struct {
	CompanyID string        `json:"company_id"`
	YearMonth string        `json:"year_month"`
	Principal engine.Amount `json:"principal"`
	Rate      string        `json:"rate"`
	Fee       engine.Amount `json:"fee"`
}

// RunBatchRequest runs the daily batch for a date (default: today).
type RunBatchRequest struct {
	Date string `json:"date,omitempty"` // YYYY-MM-DD
}

// SLACheckRequest runs the SLA check as of a timestamp (default: now).
type SLACheckRequest struct {
	AsOf string `json:"as_of,omitempty"` // RFC3339
}

// CreateHolidayRequest marks a date as a non-business day.
type CreateHolidayRequest struct {
	Date string `json:"date"`
	Name string `json:"name"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}
