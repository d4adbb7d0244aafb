/*
payroll.go - Payroll planning and advance collection

PURPOSE:
  A payroll pays a driver's gross salary on a payout date and collects the
  outstanding advance balance out of it. Processing is a one-shot
  transition guarded by status=planned; re-processing is a no-op.

PROCESSING A PLANNED PAYROLL:
  0. reject when the payout date is after the processing date
  1. B = advance balance as of the payout date
  2. collection, net = ComputeCollection(gross, B, override)
  3. insert one collection entry dated at the payout date
  4. planned -> processed (conditional)
  5. remaining = B - collection
       remaining == 0                  paid/settling -> settled
       remaining > 0, collection > 0   paid -> settling

PAYOUT DATE:
  The company pays on a fixed day (clamped to the month length) or on the
  month end, moved back to the previous business day.

SEE ALSO:
  - limit.go: ComputeCollection
  - batch/daily.go: processes due payrolls in payout-date order
*/
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PayrollResult reports what Process did.
type PayrollResult struct {
	Payroll Payroll

	// Processed is false when the payroll had already been processed and the
	// call was a no-op.
	Processed bool

	Balance    Amount
	Collection Amount
	Net        Amount

	// Transition is the advance status applied in bulk, if any.
	Transition   AdvanceStatus
	Transitioned int
}

type PayrollService struct {
	Store    TxStore
	Calendar HolidayCalendar
	Logger   *slog.Logger
	Recorder Recorder
}

func (s *PayrollService) logger() *slog.Logger {
	return loggerOrDefault(s.Logger).With("component", "payroll")
}

func (s *PayrollService) Get(ctx context.Context, id string) (Payroll, error) {
	return s.Store.Payrolls().FindByID(ctx, id)
}

// Process collects outstanding advances from a planned payroll. The payroll
// must be due on the date of at.
func (s *PayrollService) Process(ctx context.Context, payrollID string, at time.Time) (PayrollResult, error) {
	var res PayrollResult
	err := s.Store.WithTx(ctx, func(st Store) error {
		var err error
		res, err = ProcessPayroll(ctx, st, payrollID, at, at)
		return err
	})
	if err != nil {
		return PayrollResult{}, err
	}
	if res.Processed {
		rec := recorderOrNop(s.Recorder)
		rec.PayrollProcessed(res.Collection)
		rec.LedgerEntry(EntryCollection, res.Collection)
		if res.Transitioned > 0 {
			rec.AdvanceTransition(res.Transition)
		}
		s.logger().Info("payroll processed",
			"payroll_id", payrollID,
			"balance", res.Balance.String(),
			"collection", res.Collection.String(),
			"net", res.Net.String(),
			"advances_transitioned", res.Transitioned)
	}
	return res, nil
}

// ProcessPayroll is Process against an already open transaction. asOf is the
// business date being processed and must not precede the payout date; at
// stamps the writes.
func ProcessPayroll(ctx context.Context, st Store, payrollID string, asOf, at time.Time) (PayrollResult, error) {
	p, err := st.Payrolls().FindByID(ctx, payrollID)
	if err != nil {
		return PayrollResult{}, err
	}
	if p.Status == PayrollProcessed {
		return PayrollResult{Payroll: p}, nil
	}

	payoutDay := ToDateOnly(p.PayoutDate)
	if payoutDay.After(ToDateOnly(asOf)) {
		return PayrollResult{}, validationErr("payout_date", "payroll %s pays out on %s, after %s",
			p.ID, FormatDate(payoutDay), FormatDate(asOf))
	}
	balance, err := st.Ledger().SumAdvanceBalance(ctx, p.DriverID, p.CompanyID, payoutDay)
	if err != nil {
		return PayrollResult{}, fmt.Errorf("sum advance balance for driver %s: %w", p.DriverID, err)
	}
	collection, net := ComputeCollection(p.GrossSalaryAmount, balance, p.CollectionOverrideAmount)

	ok, err := st.Payrolls().MarkProcessed(ctx, p.ID, collection, net, at)
	if err != nil {
		return PayrollResult{}, fmt.Errorf("mark payroll %s processed: %w", p.ID, err)
	}
	if !ok {
		return PayrollResult{}, &StateConflictError{
			Resource: "payroll", ID: p.ID, Expected: []string{string(PayrollPlanned)},
		}
	}

	if _, err := appendEntry(ctx, st.Ledger(), LedgerEntry{
		DriverID:       p.DriverID,
		CompanyID:      p.CompanyID,
		SourceType:     SourcePayroll,
		SourceID:       p.ID,
		EntryType:      EntryCollection,
		Amount:         collection,
		OccurredOn:     payoutDay,
		IdempotencyKey: CollectionKey(p.ID),
		CreatedAt:      at,
	}); err != nil {
		return PayrollResult{}, err
	}

	res := PayrollResult{Processed: true, Balance: balance, Collection: collection, Net: net}
	if to, ok := DetermineAdvanceStatusUpdate(balance.Sub(collection), collection); ok {
		from := []AdvanceStatus{AdvancePaid}
		if to == AdvanceSettled {
			from = []AdvanceStatus{AdvancePaid, AdvanceSettling}
		}
		n, err := st.Advances().TransitionAll(ctx, p.DriverID, p.CompanyID, from, to, at)
		if err != nil {
			return PayrollResult{}, fmt.Errorf("transition advances of driver %s to %s: %w", p.DriverID, to, err)
		}
		res.Transition = to
		res.Transitioned = n
	}

	if err := audit(ctx, st, at, AuditPayrollProcessed, "payroll", p.ID, map[string]string{
		"balance":    balance.String(),
		"collection": collection.String(),
		"net":        net.String(),
	}); err != nil {
		return PayrollResult{}, err
	}

	res.Payroll, err = st.Payrolls().FindByID(ctx, p.ID)
	if err != nil {
		return PayrollResult{}, err
	}
	return res, nil
}

// PlanPayroll schedules a payroll for the driver in payoutMonth, dated by
// the company payout policy.
func (s *PayrollService) PlanPayroll(ctx context.Context, driverID string, payoutMonth time.Time, gross Amount, at time.Time) (Payroll, error) {
	if gross.IsNegative() {
		return Payroll{}, validationErr("gross_salary_amount", "must not be negative, got %s", gross)
	}

	driver, err := s.Store.Drivers().FindByID(ctx, driverID)
	if err != nil {
		return Payroll{}, err
	}
	company, err := s.Store.Companies().FindByID(ctx, driver.CompanyID)
	if err != nil {
		return Payroll{}, err
	}
	// The calendar may be backed by the store, so resolve the date before
	// opening the transaction.
	date, ok := PayoutDate(payoutMonth, company, s.Calendar)
	if !ok {
		return Payroll{}, validationErr("payout_day", "company %s has no payout day configured", company.ID)
	}

	planned := Payroll{
		ID:                NewID(),
		DriverID:          driver.ID,
		CompanyID:         company.ID,
		PayoutDate:        date,
		GrossSalaryAmount: gross,
		Status:            PayrollPlanned,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
	err = s.Store.WithTx(ctx, func(st Store) error {
		if err := st.Payrolls().Save(ctx, planned); err != nil {
			return fmt.Errorf("save payroll: %w", err)
		}
		return audit(ctx, st, at, AuditPayrollPlanned, "payroll", planned.ID, map[string]string{
			"payout_date": FormatDate(date),
			"gross":       gross.String(),
		})
	})
	if err != nil {
		return Payroll{}, err
	}
	s.logger().Info("payroll planned", "payroll_id", planned.ID, "payout_date", FormatDate(planned.PayoutDate))
	return planned, nil
}

// SetCollectionOverride replaces the balance as the collection base for a
// planned payroll. The collection is still capped by gross and balance.
func (s *PayrollService) SetCollectionOverride(ctx context.Context, payrollID string, amount Amount, reason string, at time.Time) (Payroll, error) {
	if !amount.IsPositive() {
		return Payroll{}, validationErr("amount", "must be positive, got %s", amount)
	}

	var out Payroll
	err := s.Store.WithTx(ctx, func(st Store) error {
		p, err := st.Payrolls().FindByID(ctx, payrollID)
		if err != nil {
			return err
		}
		conflict := &StateConflictError{
			Resource: "payroll", ID: payrollID, Current: string(p.Status),
			Expected: []string{string(PayrollPlanned)},
		}
		if p.Status != PayrollPlanned {
			return conflict
		}
		ok, err := st.Payrolls().SetOverride(ctx, payrollID, amount, reason, at)
		if err != nil {
			return fmt.Errorf("set override on payroll %s: %w", payrollID, err)
		}
		if !ok {
			conflict.Current = ""
			return conflict
		}
		if err := audit(ctx, st, at, AuditPayrollOverride, "payroll", payrollID, map[string]string{
			"amount": amount.String(),
			"reason": reason,
		}); err != nil {
			return err
		}
		out, err = st.Payrolls().FindByID(ctx, payrollID)
		return err
	})
	if err != nil {
		return Payroll{}, err
	}
	return out, nil
}

// RecordEarning stores a confirmed earning, payable PayoutOffsetMonths after
// the work month.
func (s *PayrollService) RecordEarning(ctx context.Context, driverID string, workMonth time.Time, amount Amount, at time.Time) (Earning, error) {
	if !amount.IsPositive() {
		return Earning{}, validationErr("amount", "must be positive, got %s", amount)
	}

	var e Earning
	err := s.Store.WithTx(ctx, func(st Store) error {
		driver, err := st.Drivers().FindByID(ctx, driverID)
		if err != nil {
			return err
		}
		company, err := st.Companies().FindByID(ctx, driver.CompanyID)
		if err != nil {
			return err
		}
		e = Earning{
			ID:          NewID(),
			DriverID:    driver.ID,
			CompanyID:   company.ID,
			WorkMonth:   MonthStart(workMonth),
			PayoutMonth: AddMonths(workMonth, company.PayoutOffsetMonths),
			Amount:      amount,
			Status:      EarningConfirmed,
			CreatedAt:   at,
		}
		if err := st.Earnings().Save(ctx, e); err != nil {
			return fmt.Errorf("save earning: %w", err)
		}
		return nil
	})
	if err != nil {
		return Earning{}, err
	}
	return e, nil
}
