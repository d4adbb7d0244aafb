/*
handlers.go - HTTP API handlers for the wage-advance engine

PURPOSE:
  Exposes the advance lifecycle, payroll collection, ledger and batch
  operations via REST API. Handles HTTP request/response and JSON
  serialization, and delegates every decision to the engine services.

ENDPOINTS:
  Parties:
    GET    /api/companies                          List companies
    POST   /api/companies                          Create or replace company
    GET    /api/companies/{id}                     Get company
    GET    /api/companies/{id}/advances/pending    Advances awaiting a decision
    GET    /api/drivers                            List drivers
    POST   /api/drivers                            Create or replace driver
    GET    /api/drivers/{id}                       Get driver
    POST   /api/drivers/{id}/earnings              Record a confirmed earning

  Limits and ledger:
    GET    /api/drivers/{id}/limit?as_of=          Live advance limit
    GET    /api/drivers/{id}/balance               Materialized balance row
    GET    /api/drivers/{id}/ledger?as_of=         Ledger statement

  Advances:
    POST   /api/drivers/{id}/advances              Request an advance
    GET    /api/advances/{id}                      Get advance
    POST   /api/advances/{id}/approve              requested -> approved
    POST   /api/advances/{id}/reject               requested -> rejected
    POST   /api/advances/{id}/payout-instructed    approved -> payout_instructed
    POST   /api/advances/{id}/paid                 -> paid
    POST   /api/advances/{id}/write-off            -> written_off
    GET    /api/advances/{id}/audit                Audit trail

  Payrolls:
    POST   /api/drivers/{id}/payrolls              Plan a payroll
    GET    /api/payrolls/{id}                      Get payroll
    POST   /api/payrolls/{id}/process              Collect from the payroll
    POST   /api/payrolls/{id}/override             Manual collection base

  Reporting and batch:
    GET    /api/notifications                      Filter by recipient/category/unread
    POST   /api/notifications/read                 Mark a recipient's notifications read
    GET    /api/metrics/monthly?month=             Monthly rollups
    GET    /api/billing/preview?month=&company_id= Platform fee preview
    POST   /api/batch/run                          Run the daily batch now
    POST   /api/batch/sla                          Run the SLA check now
    GET    /api/batch/last                         Last scheduled report

ACTOR:
  The X-Actor header names the operator for the audit log. It defaults to
  "system" when absent.

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status derived from the engine
  error kind:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: State conflict (wrong status, lost race, duplicate)
  - 422: Amount exceeds the outstanding balance
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The X-Actor header is trusted as given.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/advance-engine/batch"
	"github.com/warp/advance-engine/engine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// HolidayWriter stores non-business days. The SQLite store implements it.
type HolidayWriter interface {
	SaveHoliday(ctx context.Context, date time.Time, name string) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    engine.TxStore
	Calendar engine.HolidayCalendar
	Holidays HolidayWriter

	Advances *engine.AdvanceService
	Payrolls *engine.PayrollService
	Limits   *engine.LimitService
	Ledger   *engine.Ledger

	Batch     *batch.Runner
	SLA       *batch.SLAChecker
	Scheduler *batch.Scheduler

	// Metrics serves /metrics when set.
	Metrics http.Handler

	Clock  engine.Clock
	Logger *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engine services around store. A nil cal means no
// holidays; a nil rec records nothing.
func NewHandler(store engine.TxStore, cal engine.HolidayCalendar, rec engine.Recorder, logger *slog.Logger) *Handler {
	if cal == nil {
		cal = engine.NoHolidays{}
	}
	if rec == nil {
		rec = engine.NopRecorder
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		Store:    store,
		Calendar: cal,
		Advances: &engine.AdvanceService{Store: store, Logger: logger, Recorder: rec},
		Payrolls: &engine.PayrollService{Store: store, Calendar: cal, Logger: logger, Recorder: rec},
		Limits:   &engine.LimitService{Store: store},
		Ledger:   &engine.Ledger{Store: store},
		Batch:    &batch.Runner{Store: store, Logger: logger, Recorder: rec},
		SLA:      &batch.SLAChecker{Store: store, Logger: logger},
		Clock:    engine.SystemClock,
		Logger:   logger.With("component", "api"),
	}
	h.Batch.Clock = h.now
	if hw, ok := cal.(HolidayWriter); ok {
		h.Holidays = hw
	}
	return h
}

func (h *Handler) now() time.Time {
	if h.Clock == nil {
		return engine.SystemClock()
	}
	return h.Clock()
}

// =============================================================================
// COMPANY HANDLERS
// =============================================================================

// ListCompanies returns all companies.
func (h *Handler) ListCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := h.Store.Companies().List(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list companies", err)
		return
	}
	dtos := make([]CompanyDTO, len(companies))
	for i, c := range companies {
		dtos[i] = toCompanyDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCompany returns one company.
func (h *Handler) GetCompany(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.Companies().FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to get company", err)
		return
	}
	writeJSON(w, http.StatusOK, toCompanyDTO(c))
}

// CreateCompany creates or replaces a company.
func (h *Handler) CreateCompany(w http.ResponseWriter, r *http.Request) {
	var req CreateCompanyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	company, err := companyFromRequest(req)
	if err != nil {
		writeEngineError(w, "Invalid company", err)
		return
	}
	if err := h.Store.Companies().Save(r.Context(), company); err != nil {
		writeEngineError(w, "Failed to save company", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCompanyDTO(company))
}

// payoutDays are the days of the month a company may pay salaries on.
var payoutDays = []int{1, 5, 10, 15, 20, 25}

func companyFromRequest(req CreateCompanyRequest) (engine.Company, error) {
	if strings.TrimSpace(req.ID) == "" {
		return engine.Company{}, &engine.ValidationError{Field: "id", Message: "is required"}
	}
	limitRate, err := parseUnitRate("limit_rate", req.LimitRate)
	if err != nil {
		return engine.Company{}, err
	}
	feeRate, err := parseUnitRate("fee_rate", req.FeeRate)
	if err != nil {
		return engine.Company{}, err
	}
	switch {
	case req.PayoutDayIsMonthEnd && req.PayoutDay != 0:
		return engine.Company{}, &engine.ValidationError{Field: "payout_day", Message: "must be empty when payout_day_is_month_end"}
	case !req.PayoutDayIsMonthEnd && !slices.Contains(payoutDays, req.PayoutDay):
		return engine.Company{}, &engine.ValidationError{Field: "payout_day", Message: "must be one of 1, 5, 10, 15, 20, 25"}
	}
	if req.PayoutOffsetMonths < 0 {
		return engine.Company{}, &engine.ValidationError{Field: "payout_offset_months", Message: "must not be negative"}
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return engine.Company{
		ID:                     req.ID,
		Name:                   req.Name,
		LimitRate:              limitRate,
		FeeRate:                feeRate,
		PayoutDay:              req.PayoutDay,
		PayoutDayIsMonthEnd:    req.PayoutDayIsMonthEnd,
		PayoutOffsetMonths:     req.PayoutOffsetMonths,
		AllowAdvanceOverSalary: req.AllowAdvanceOverSalary,
		Active:                 active,
	}, nil
}

// parseUnitRate accepts a decimal fraction in [0, 1].
func parseUnitRate(field, s string) (engine.Rate, error) {
	rate, err := engine.ParseRate(s)
	if err != nil {
		return 0, &engine.ValidationError{Field: field, Message: err.Error()}
	}
	if rate > engine.RateScale {
		return 0, &engine.ValidationError{Field: field, Message: "must be between 0 and 1"}
	}
	return rate, nil
}

// ListPendingAdvances returns the company's requested advances.
func (h *Handler) ListPendingAdvances(w http.ResponseWriter, r *http.Request) {
	advances, err := h.Advances.ListPendingForCompany(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to list pending advances", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTOs(advances))
}

// =============================================================================
// DRIVER HANDLERS
// =============================================================================

// ListDrivers returns all drivers.
func (h *Handler) ListDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := h.Store.Drivers().List(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list drivers", err)
		return
	}
	dtos := make([]DriverDTO, len(drivers))
	for i, d := range drivers {
		dtos[i] = toDriverDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDriver returns one driver.
func (h *Handler) GetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := h.Store.Drivers().FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to get driver", err)
		return
	}
	writeJSON(w, http.StatusOK, toDriverDTO(d))
}

// CreateDriver creates or replaces a driver. The company must exist.
func (h *Handler) CreateDriver(w http.ResponseWriter, r *http.Request) {
	var req CreateDriverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.CompanyID) == "" {
		writeError(w, http.StatusBadRequest, "id and company_id are required", nil)
		return
	}

	ctx := r.Context()
	if _, err := h.Store.Companies().FindByID(ctx, req.CompanyID); err != nil {
		writeEngineError(w, "Failed to create driver", err)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	d := engine.Driver{ID: req.ID, CompanyID: req.CompanyID, Name: req.Name, Active: active}
	if err := h.Store.Drivers().Save(ctx, d); err != nil {
		writeEngineError(w, "Failed to save driver", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDriverDTO(d))
}

// RecordEarning stores a confirmed earning for a work month.
func (h *Handler) RecordEarning(w http.ResponseWriter, r *http.Request) {
	var req RecordEarningRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workMonth, err := engine.ParseYearMonth(req.WorkMonth)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid work_month, expected YYYY-MM", err)
		return
	}

	e, err := h.Payrolls.RecordEarning(r.Context(), chi.URLParam(r, "id"), workMonth, req.Amount, h.now())
	if err != nil {
		writeEngineError(w, "Failed to record earning", err)
		return
	}
	writeJSON(w, http.StatusCreated, EarningDTO{
		ID:          e.ID,
		DriverID:    e.DriverID,
		CompanyID:   e.CompanyID,
		WorkMonth:   e.WorkMonth.Format("2006-01"),
		PayoutMonth: e.PayoutMonth.Format("2006-01"),
		Amount:      e.Amount,
		Status:      string(e.Status),
	})
}

// =============================================================================
// LIMIT AND LEDGER HANDLERS
// =============================================================================

// GetLimit computes the driver's live advance limit.
func (h *Handler) GetLimit(w http.ResponseWriter, r *http.Request) {
	asOf, ok := dateParam(w, r, "as_of", h.now())
	if !ok {
		return
	}
	snap, err := h.Limits.Calculate(r.Context(), chi.URLParam(r, "id"), asOf)
	if err != nil {
		writeEngineError(w, "Failed to calculate limit", err)
		return
	}
	writeJSON(w, http.StatusOK, LimitDTO{
		DriverID:              snap.DriverID,
		CompanyID:             snap.CompanyID,
		AsOf:                  engine.FormatDate(snap.AsOf),
		UnpaidConfirmed:       snap.UnpaidConfirmed,
		CurrentMonthConfirmed: snap.CurrentMonthConfirmed,
		AdvanceBalance:        snap.AdvanceBalance,
		AdvanceLimit:          snap.Limit,
	})
}

// GetBalance returns the balance row written by the last batch run.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Store.Balances().GetBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		DriverID:                b.DriverID,
		CompanyID:               b.CompanyID,
		AdvanceBalance:          b.AdvanceBalance,
		UnpaidConfirmedEarnings: b.UnpaidConfirmedEarnings,
		AdvanceLimit:            b.AdvanceLimit,
		AsOfDate:                engine.FormatDate(b.AsOfDate),
		RefreshedAt:             b.RefreshedAt.Format(time.RFC3339),
	})
}

// GetLedger returns the driver's ledger entries and balance up to as_of.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	asOf, ok := dateParam(w, r, "as_of", h.now())
	if !ok {
		return
	}
	ctx := r.Context()
	driverID := chi.URLParam(r, "id")

	driver, err := h.Store.Drivers().FindByID(ctx, driverID)
	if err != nil {
		writeEngineError(w, "Failed to get ledger", err)
		return
	}
	entries, err := h.Ledger.Statement(ctx, driverID, asOf)
	if err != nil {
		writeEngineError(w, "Failed to get ledger", err)
		return
	}
	balance, err := h.Ledger.Balance(ctx, driverID, driver.CompanyID, asOf)
	if err != nil {
		writeEngineError(w, "Failed to get ledger", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LedgerEntryDTO{
			ID:         e.ID,
			CompanyID:  e.CompanyID,
			SourceType: string(e.SourceType),
			SourceID:   e.SourceID,
			EntryType:  string(e.EntryType),
			Amount:     e.Amount,
			OccurredOn: engine.FormatDate(e.OccurredOn),
		}
	}
	writeJSON(w, http.StatusOK, StatementDTO{
		DriverID: driverID,
		AsOf:     engine.FormatDate(asOf),
		Balance:  balance,
		Entries:  dtos,
	})
}

// =============================================================================
// ADVANCE HANDLERS
// =============================================================================

// RequestAdvance creates a requested advance within the live limit.
func (h *Handler) RequestAdvance(w http.ResponseWriter, r *http.Request) {
	var req RequestAdvanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.Advances.RequestAdvance(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Memo, h.now())
	if err != nil {
		writeEngineError(w, "Failed to request advance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdvanceDTO(a))
}

// GetAdvance returns one advance.
func (h *Handler) GetAdvance(w http.ResponseWriter, r *http.Request) {
	a, err := h.Advances.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to get advance", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// ApproveAdvance charges the fee and writes the principal and fee entries.
func (h *Handler) ApproveAdvance(w http.ResponseWriter, r *http.Request) {
	a, err := h.Advances.Approve(r.Context(), chi.URLParam(r, "id"), h.now())
	if err != nil {
		writeEngineError(w, "Failed to approve advance", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// RejectAdvance closes a requested advance with a reason.
func (h *Handler) RejectAdvance(w http.ResponseWriter, r *http.Request) {
	var req RejectAdvanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.Advances.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason, h.now())
	if err != nil {
		writeEngineError(w, "Failed to reject advance", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// MarkPayoutInstructed records that the transfer was handed to the bank.
func (h *Handler) MarkPayoutInstructed(w http.ResponseWriter, r *http.Request) {
	var req PayoutInstructedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	now := h.now()
	payoutDate := now
	if req.PayoutDate != "" {
		d, err := engine.ParseDate(req.PayoutDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid payout_date, expected YYYY-MM-DD", err)
			return
		}
		payoutDate = d
	}

	a, err := h.Advances.MarkPayoutInstructed(r.Context(), chi.URLParam(r, "id"), payoutDate, now)
	if err != nil {
		writeEngineError(w, "Failed to mark payout instructed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// MarkPaid records the transfer as settled with the driver.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	a, err := h.Advances.MarkPaid(r.Context(), chi.URLParam(r, "id"), h.now())
	if err != nil {
		writeEngineError(w, "Failed to mark advance paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// WriteOffAdvance forgives part of the outstanding balance.
func (h *Handler) WriteOffAdvance(w http.ResponseWriter, r *http.Request) {
	var req WriteOffRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.Advances.WriteOff(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Memo, h.now())
	if err != nil {
		writeEngineError(w, "Failed to write off advance", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdvanceDTO(a))
}

// GetAdvanceAudit returns the audit trail of one advance.
func (h *Handler) GetAdvanceAudit(w http.ResponseWriter, r *http.Request) {
	h.writeAudit(w, r, "advance")
}

// GetPayrollAudit returns the audit trail of one payroll.
func (h *Handler) GetPayrollAudit(w http.ResponseWriter, r *http.Request) {
	h.writeAudit(w, r, "payroll")
}

func (h *Handler) writeAudit(w http.ResponseWriter, r *http.Request, resourceType string) {
	entries, err := h.Store.Audit().Query(r.Context(), engine.AuditFilter{
		ResourceType: resourceType,
		ResourceID:   chi.URLParam(r, "id"),
	})
	if err != nil {
		writeEngineError(w, "Failed to query audit log", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			At:      e.At.Format(time.RFC3339),
			Actor:   e.Actor,
			Action:  string(e.Action),
			Payload: e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func toAdvanceDTOs(advances []engine.Advance) []AdvanceDTO {
	dtos := make([]AdvanceDTO, len(advances))
	for i, a := range advances {
		dtos[i] = toAdvanceDTO(a)
	}
	return dtos
}

// =============================================================================
// PAYROLL HANDLERS
// =============================================================================

// PlanPayroll schedules a payroll for the driver.
func (h *Handler) PlanPayroll(w http.ResponseWriter, r *http.Request) {
	var req PlanPayrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	month, err := engine.ParseYearMonth(req.PayoutMonth)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payout_month, expected YYYY-MM", err)
		return
	}
	p, err := h.Payrolls.PlanPayroll(r.Context(), chi.URLParam(r, "id"), month, req.Gross, h.now())
	if err != nil {
		writeEngineError(w, "Failed to plan payroll", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPayrollDTO(p))
}

// GetPayroll returns one payroll.
func (h *Handler) GetPayroll(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payrolls.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to get payroll", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayrollDTO(p))
}

// ProcessPayroll collects outstanding advances. Repeating it is a no-op; a
// payroll not yet due is a 400.
func (h *Handler) ProcessPayroll(w http.ResponseWriter, r *http.Request) {
	res, err := h.Payrolls.Process(r.Context(), chi.URLParam(r, "id"), h.now())
	if err != nil {
		writeEngineError(w, "Failed to process payroll", err)
		return
	}
	writeJSON(w, http.StatusOK, ProcessPayrollResponse{
		Payroll:      toPayrollDTO(res.Payroll),
		Processed:    res.Processed,
		Balance:      res.Balance,
		Collection:   res.Collection,
		Transition:   string(res.Transition),
		Transitioned: res.Transitioned,
	})
}

// OverrideCollection sets the manual collection base of a planned payroll.
func (h *Handler) OverrideCollection(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.Payrolls.SetCollectionOverride(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reason, h.now())
	if err != nil {
		writeEngineError(w, "Failed to override collection", err)
		return
	}
	writeJSON(w, http.StatusOK, toPayrollDTO(p))
}

// =============================================================================
// REPORTING HANDLERS
// =============================================================================

// ListNotifications filters by recipient_type, recipient_id, category,
// source_id and unread_only query parameters.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var unreadOnly bool
	if s := q.Get("unread_only"); s != "" {
		var err error
		if unreadOnly, err = strconv.ParseBool(s); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid unread_only", err)
			return
		}
	}
	notes, err := h.Store.Notifications().ListNotifications(r.Context(), engine.NotificationFilter{
		RecipientType: engine.RecipientType(q.Get("recipient_type")),
		RecipientID:   q.Get("recipient_id"),
		Category:      q.Get("category"),
		SourceID:      q.Get("source_id"),
		UnreadOnly:    unreadOnly,
	})
	if err != nil {
		writeEngineError(w, "Failed to list notifications", err)
		return
	}
	dtos := make([]NotificationDTO, len(notes))
	for i, n := range notes {
		dtos[i] = NotificationDTO{
			ID:            n.ID,
			RecipientType: string(n.RecipientType),
			RecipientID:   n.RecipientID,
			Category:      n.Category,
			Severity:      string(n.Severity),
			Title:         n.Title,
			Message:       n.Message,
			SourceType:    n.SourceType,
			SourceID:      n.SourceID,
			IsRead:        n.IsRead,
			CreatedAt:     n.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MarkNotificationsRead marks every notification of one recipient read.
// Operator notifications are addressed with an empty recipient_id.
func (h *Handler) MarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := engine.MarkRead(r.Context(), h.Store.Notifications(),
		engine.RecipientType(req.RecipientType), req.RecipientID)
	if err != nil {
		writeEngineError(w, "Failed to mark notifications read", err)
		return
	}
	h.Logger.Info("notifications marked read",
		"recipient_type", req.RecipientType, "recipient_id", req.RecipientID, "updated", n)
	writeJSON(w, http.StatusOK, MarkReadResponse{Updated: n})
}

// ListMonthlyMetrics returns the rollups for ?month=YYYY-MM (default: current).
func (h *Handler) ListMonthlyMetrics(w http.ResponseWriter, r *http.Request) {
	month, ok := monthParam(w, r, h.now())
	if !ok {
		return
	}
	rows, err := h.Store.Metrics().ListMonthlyMetrics(r.Context(), month)
	if err != nil {
		writeEngineError(w, "Failed to list metrics", err)
		return
	}
	dtos := make([]MetricsDTO, len(rows))
	for i, m := range rows {
		dto := MetricsDTO{
			YearMonth:                m.YearMonth.Format("2006-01"),
			TotalAdvancePrincipal:    m.TotalAdvancePrincipal,
			TotalFeeRevenue:          m.TotalFeeRevenue,
			TotalCollectedPrincipal:  m.TotalCollectedPrincipal,
			TotalWrittenOffPrincipal: m.TotalWrittenOffPrincipal,
		}
		if m.CompanyID != nil {
			dto.CompanyID = *m.CompanyID
		}
		dtos[i] = dto
	}
	writeJSON(w, http.StatusOK, dtos)
}

// BillingPreview computes platform fees from the stored metrics.
func (h *Handler) BillingPreview(w http.ResponseWriter, r *http.Request) {
	month, ok := monthParam(w, r, h.now())
	if !ok {
		return
	}
	lines, err := engine.BillingPreview(r.Context(), h.Store, month, r.URL.Query().Get("company_id"))
	if err != nil {
		writeEngineError(w, "Failed to preview billing", err)
		return
	}
	dtos := make([]BillingLineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = BillingLineDTO{
			CompanyID: l.CompanyID,
			YearMonth: l.YearMonth.Format("2006-01"),
			Principal: l.Principal,
			Rate:      l.Rate.String(),
			Fee:       l.Fee,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// RunBatch runs the daily batch synchronously for the requested date.
func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	var req RunBatchRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	date := engine.ToDateOnly(h.now())
	if req.Date != "" {
		d, err := engine.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD", err)
			return
		}
		date = d
	}

	report, err := h.Batch.Run(r.Context(), date)
	if err != nil {
		writeEngineError(w, "Batch run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RunSLACheck escalates stale requested and approved advances.
func (h *Handler) RunSLACheck(w http.ResponseWriter, r *http.Request) {
	var req SLACheckRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	asOf := h.now()
	if req.AsOf != "" {
		t, err := time.Parse(time.RFC3339, req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of, expected RFC3339", err)
			return
		}
		asOf = t
	}

	report, err := h.SLA.Check(r.Context(), asOf)
	if err != nil {
		writeEngineError(w, "SLA check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// LastBatchReport returns the scheduler's most recent report.
func (h *Handler) LastBatchReport(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Scheduler is not running", nil)
		return
	}
	report, at, ok := h.Scheduler.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "No batch has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ran_at":   at.Format(time.RFC3339),
		"next_run": h.Scheduler.NextRunTime().Format(time.RFC3339),
		"report":   report,
	})
}

// =============================================================================
// HOLIDAY HANDLERS
// =============================================================================

// CreateHoliday marks a date as a non-business day for payout dating.
func (h *Handler) CreateHoliday(w http.ResponseWriter, r *http.Request) {
	if h.Holidays == nil {
		writeError(w, http.StatusNotImplemented, "Holiday calendar is read-only", nil)
		return
	}
	var req CreateHolidayRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	date, err := engine.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD", err)
		return
	}
	if err := h.Holidays.SaveHoliday(r.Context(), date, req.Name); err != nil {
		writeEngineError(w, "Failed to save holiday", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// GetHoliday reports whether a date is a holiday or business day.
func (h *Handler) GetHoliday(w http.ResponseWriter, r *http.Request) {
	date, err := engine.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":         engine.FormatDate(date),
		"holiday":      h.Calendar.IsHoliday(date),
		"business_day": engine.IsBusinessDay(date, h.Calendar),
	})
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Healthz checks the store connection when the store supports it.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// dateParam reads an optional YYYY-MM-DD query parameter.
func dateParam(w http.ResponseWriter, r *http.Request, key string, def time.Time) (time.Time, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return engine.ToDateOnly(def), true
	}
	d, err := engine.ParseDate(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+key+", expected YYYY-MM-DD", err)
		return time.Time{}, false
	}
	return d, true
}

func monthParam(w http.ResponseWriter, r *http.Request, def time.Time) (time.Time, bool) {
	s := r.URL.Query().Get("month")
	if s == "" {
		return engine.MonthStart(def), true
	}
	m, err := engine.ParseYearMonth(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month, expected YYYY-MM", err)
		return time.Time{}, false
	}
	return m, true
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, engine.ErrDuplicateEntry) {
		return http.StatusConflict
	}
	switch engine.KindOf(err) {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindStateConflict:
		return http.StatusConflict
	case engine.KindBalance:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError writes err with the status of its kind. Internal error
// details are not echoed to the client.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Kind: engine.KindOf(err).String()}
	if status == http.StatusConflict && errors.Is(err, engine.ErrDuplicateEntry) {
		resp.Kind = engine.KindStateConflict.String()
	}
	if status != http.StatusInternalServerError {
		resp.Details = err.Error()
	} else {
		slog.Default().Error(message, "error", err)
	}
	writeJSON(w, status, resp)
}
