package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/advance-engine/engine"
)

// =============================================================================
// PARTIES
// =============================================================================

type driverRepo struct{ v view }

func (r driverRepo) FindByID(ctx context.Context, id string) (engine.Driver, error) {
	defer r.v.rlock()()

	var d engine.Driver
	err := r.v.q.QueryRowContext(ctx,
		"SELECT id, company_id, name, active FROM drivers WHERE id = ?", id,
	).Scan(&d.ID, &d.CompanyID, &d.Name, &d.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Driver{}, &engine.NotFoundError{Resource: "driver", ID: id}
	}
	if err != nil {
		return engine.Driver{}, fmt.Errorf("failed to get driver: %w", err)
	}
	return d, nil
}

func (r driverRepo) Save(ctx context.Context, d engine.Driver) error {
	defer r.v.lock()()

	_, err := r.v.q.ExecContext(ctx, `
		INSERT INTO drivers (id, company_id, name, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_id = excluded.company_id,
			name = excluded.name,
			active = excluded.active
	`, d.ID, d.CompanyID, d.Name, d.Active)
	if err != nil {
		return fmt.Errorf("failed to save driver: %w", err)
	}
	return nil
}

func (r driverRepo) List(ctx context.Context) ([]engine.Driver, error) {
	defer r.v.rlock()()

	rows, err := r.v.q.QueryContext(ctx, "SELECT id, company_id, name, active FROM drivers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list drivers: %w", err)
	}
	defer rows.Close()

	var out []engine.Driver
	for rows.Next() {
		var d engine.Driver
		if err := rows.Scan(&d.ID, &d.CompanyID, &d.Name, &d.Active); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type companyRepo struct{ v view }

const companyColumns = `id, name, limit_rate, fee_rate, payout_day, payout_day_is_month_end,
	payout_offset_months, allow_advance_over_salary, active`

func scanCompany(row interface{ Scan(...any) error }) (engine.Company, error) {
	var c engine.Company
	err := row.Scan(&c.ID, &c.Name, &c.LimitRate, &c.FeeRate, &c.PayoutDay,
		&c.PayoutDayIsMonthEnd, &c.PayoutOffsetMonths, &c.AllowAdvanceOverSalary, &c.Active)
	return c, err
}

func (r companyRepo) FindByID(ctx context.Context, id string) (engine.Company, error) {
	defer r.v.rlock()()

	c, err := scanCompany(r.v.q.QueryRowContext(ctx,
		"SELECT "+companyColumns+" FROM companies WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Company{}, &engine.NotFoundError{Resource: "company", ID: id}
	}
	if err != nil {
		return engine.Company{}, fmt.Errorf("failed to get company: %w", err)
	}
	return c, nil
}

func (r companyRepo) Save(ctx context.Context, c engine.Company) error {
	defer r.v.lock()()

	_, err := r.v.q.ExecContext(ctx, `
		INSERT INTO companies (`+companyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			limit_rate = excluded.limit_rate,
			fee_rate = excluded.fee_rate,
			payout_day = excluded.payout_day,
			payout_day_is_month_end = excluded.payout_day_is_month_end,
			payout_offset_months = excluded.payout_offset_months,
			allow_advance_over_salary = excluded.allow_advance_over_salary,
			active = excluded.active
	`, c.ID, c.Name, int64(c.LimitRate), int64(c.FeeRate), c.PayoutDay, c.PayoutDayIsMonthEnd,
		c.PayoutOffsetMonths, c.AllowAdvanceOverSalary, c.Active)
	if err != nil {
		return fmt.Errorf("failed to save company: %w", err)
	}
	return nil
}

func (r companyRepo) List(ctx context.Context) ([]engine.Company, error) {
	defer r.v.rlock()()

	rows, err := r.v.q.QueryContext(ctx, "SELECT "+companyColumns+" FROM companies ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	var out []engine.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type earningRepo struct{ v view }

func (r earningRepo) Save(ctx context.Context, e engine.Earning) error {
	defer r.v.lock()()

	_, err := r.v.q.ExecContext(ctx, `
		INSERT INTO earnings (id, driver_id, company_id, work_month, payout_month, amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.DriverID, e.CompanyID, engine.FormatDate(e.WorkMonth), engine.FormatDate(e.PayoutMonth),
		e.Amount.String(), string(e.Status), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save earning: %w", err)
	}
	return nil
}

func (r earningRepo) SumAmount(ctx context.Context, f engine.EarningFilter) (engine.Amount, error) {
	defer r.v.rlock()()

	var where []string
	var args []any
	if f.DriverID != "" {
		where = append(where, "driver_id = ?")
		args = append(args, f.DriverID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.PayoutMonthFrom != nil {
		where = append(where, "payout_month >= ?")
		args = append(args, engine.FormatDate(*f.PayoutMonthFrom))
	}
	if f.PayoutMonth != nil {
		where = append(where, "payout_month = ?")
		args = append(args, engine.FormatDate(*f.PayoutMonth))
	}

	rows, err := r.v.q.QueryContext(ctx, "SELECT amount FROM earnings"+whereClause(where), args...)
	if err != nil {
		return engine.Zero, fmt.Errorf("failed to sum earnings: %w", err)
	}
	defer rows.Close()

	total := engine.Zero
	for rows.Next() {
		var a engine.Amount
		if err := rows.Scan(&a); err != nil {
			return engine.Zero, err
		}
		total = total.Add(a)
	}
	return total, rows.Err()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// =============================================================================
// ADVANCES
// =============================================================================

type advanceRepo struct{ v view }

const advanceColumns = `id, driver_id, company_id, requested_amount, requested_at, approved_amount,
	fee_amount, payout_amount, payout_date, status, memo, created_at, updated_at`

func scanAdvance(row interface{ Scan(...any) error }) (engine.Advance, error) {
	var (
		a                                engine.Advance
		requestedAt, createdAt, updated  string
		approved, fee, payout, payoutDay sql.NullString
		status                           string
	)
	if err := row.Scan(&a.ID, &a.DriverID, &a.CompanyID, &a.RequestedAmount, &requestedAt,
		&approved, &fee, &payout, &payoutDay, &status, &a.Memo, &createdAt, &updated); err != nil {
		return engine.Advance{}, err
	}
	a.Status = engine.AdvanceStatus(status)

	var err error
	if a.RequestedAt, err = parseTime(requestedAt); err != nil {
		return engine.Advance{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return engine.Advance{}, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return engine.Advance{}, err
	}
	if a.ApprovedAmount, err = scanNullAmount(approved); err != nil {
		return engine.Advance{}, err
	}
	if a.FeeAmount, err = scanNullAmount(fee); err != nil {
		return engine.Advance{}, err
	}
	if a.PayoutAmount, err = scanNullAmount(payout); err != nil {
		return engine.Advance{}, err
	}
	if a.PayoutDate, err = scanNullDate(payoutDay); err != nil {
		return engine.Advance{}, err
	}
	return a, nil
}

func (r advanceRepo) queryAdvances(ctx context.Context, query string, args ...any) ([]engine.Advance, error) {
	rows, err := r.v.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query advances: %w", err)
	}
	defer rows.Close()

	var out []engine.Advance
	for rows.Next() {
		a, err := scanAdvance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r advanceRepo) FindByID(ctx context.Context, id string) (engine.Advance, error) {
	defer r.v.rlock()()

	a, err := scanAdvance(r.v.q.QueryRowContext(ctx,
		"SELECT "+advanceColumns+" FROM advances WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Advance{}, &engine.NotFoundError{Resource: "advance", ID: id}
	}
	if err != nil {
		return engine.Advance{}, fmt.Errorf("failed to get advance: %w", err)
	}
	return a, nil
}

func (r advanceRepo) Save(ctx context.Context, a engine.Advance) error {
	defer r.v.lock()()

	_, err := r.v.q.ExecContext(ctx, `
		INSERT INTO advances (`+advanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.DriverID, a.CompanyID, a.RequestedAmount.String(), formatTime(a.RequestedAt),
		nullAmount(a.ApprovedAmount), nullAmount(a.FeeAmount), nullAmount(a.PayoutAmount),
		nullDate(a.PayoutDate), string(a.Status), a.Memo, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save advance: %w", err)
	}
	return nil
}

func (r advanceRepo) ListPendingForCompany(ctx context.Context, companyID string) ([]engine.Advance, error) {
	defer r.v.rlock()()
	return r.queryAdvances(ctx, "SELECT "+advanceColumns+` FROM advances
		WHERE company_id = ? AND status = ?
		ORDER BY requested_at, id`, companyID, string(engine.AdvanceRequested))
}

func (r advanceRepo) ListByStatus(ctx context.Context, statuses ...engine.AdvanceStatus) ([]engine.Advance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	defer r.v.rlock()()
	return r.queryAdvances(ctx, "SELECT "+advanceColumns+" FROM advances WHERE status IN ("+
		inClause(len(statuses))+") ORDER BY requested_at, id", statusArgs(statuses)...)
}

// UpdateStatus is the conditional update every lifecycle transition goes
// through. COALESCE keeps columns whose update field is nil.
func (r advanceRepo) UpdateStatus(ctx context.Context, id string, from []engine.AdvanceStatus, u engine.AdvanceUpdate) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	defer r.v.lock()()

	var memo sql.NullString
	if u.Memo != nil {
		memo = sql.NullString{String: *u.Memo, Valid: true}
	}
	args := []any{
		string(u.Status),
		nullAmount(u.ApprovedAmount),
		nullAmount(u.FeeAmount),
		nullAmount(u.PayoutAmount),
		nullDate(u.PayoutDate),
		memo,
		formatTime(u.UpdatedAt),
		id,
	}
	args = append(args, statusArgs(from)...)

	res, err := r.v.q.ExecContext(ctx, `
		UPDATE advances SET
			status = ?,
			approved_amount = COALESCE(?, approved_amount),
			fee_amount = COALESCE(?, fee_amount),
			payout_amount = COALESCE(?, payout_amount),
			payout_date = COALESCE(?, payout_date),
			memo = COALESCE(?, memo),
			updated_at = ?
		WHERE id = ? AND status IN (`+inClause(len(from))+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update advance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r advanceRepo) TransitionAll(ctx context.Context, driverID, companyID string, from []engine.AdvanceStatus, to engine.AdvanceStatus, at time.Time) (int, error) {
	if len(from) == 0 {
		return 0, nil
	}
	defer r.v.lock()()

	args := []any{string(to), formatTime(at), driverID, companyID}
	args = append(args, statusArgs(from)...)
	res, err := r.v.q.ExecContext(ctx, `
		UPDATE advances SET status = ?, updated_at = ?
		WHERE driver_id = ? AND company_id = ? AND status IN (`+inClause(len(from))+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to transition advances: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// LEDGER - Append-only
// =============================================================================

type ledgerRepo struct{ v view }

func (r ledgerRepo) Insert(ctx context.Context, e engine.LedgerEntry) (engine.LedgerEntry, error) {
	defer r.v.lock()()

	_, err := r.v.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, driver_id, company_id, source_type, source_id, entry_type, amount,
		 occurred_on, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.DriverID, e.CompanyID, string(e.SourceType), e.SourceID, string(e.EntryType),
		e.Amount.String(), engine.FormatDate(e.OccurredOn), e.IdempotencyKey, formatTime(e.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.LedgerEntry{}, engine.ErrDuplicateEntry
		}
		return engine.LedgerEntry{}, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return e, nil
}

func (r ledgerRepo) SumAdvanceBalance(ctx context.Context, driverID, companyID string, asOf time.Time) (engine.Amount, error) {
	to := engine.ToDateOnly(asOf)
	sums, err := r.SumByType(ctx, engine.LedgerFilter{DriverID: driverID, CompanyID: companyID, OccurredTo: &to})
	if err != nil {
		return engine.Zero, err
	}
	return engine.BalanceFromSums(sums), nil
}

func (r ledgerRepo) SumByType(ctx context.Context, f engine.LedgerFilter) (map[engine.EntryType]engine.Amount, error) {
	defer r.v.rlock()()

	where, args := ledgerWhere(f)
	rows, err := r.v.q.QueryContext(ctx, "SELECT entry_type, amount FROM ledger_entries"+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger: %w", err)
	}
	defer rows.Close()

	sums := make(map[engine.EntryType]engine.Amount)
	for rows.Next() {
		var t string
		var a engine.Amount
		if err := rows.Scan(&t, &a); err != nil {
			return nil, err
		}
		sums[engine.EntryType(t)] = sums[engine.EntryType(t)].Add(a)
	}
	return sums, rows.Err()
}

func (r ledgerRepo) Entries(ctx context.Context, f engine.LedgerFilter) ([]engine.LedgerEntry, error) {
	defer r.v.rlock()()

	where, args := ledgerWhere(f)
	rows, err := r.v.q.QueryContext(ctx, `
		SELECT id, driver_id, company_id, source_type, source_id, entry_type, amount,
		       occurred_on, idempotency_key, created_at
		FROM ledger_entries`+where+`
		ORDER BY occurred_on, created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	defer rows.Close()

	var out []engine.LedgerEntry
	for rows.Next() {
		var (
			e                     engine.LedgerEntry
			source, entryType     string
			occurredOn, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.DriverID, &e.CompanyID, &source, &e.SourceID, &entryType,
			&e.Amount, &occurredOn, &e.IdempotencyKey, &createdAt); err != nil {
			return nil, err
		}
		e.SourceType = engine.SourceType(source)
		e.EntryType = engine.EntryType(entryType)
		if e.OccurredOn, err = parseDate(occurredOn); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func ledgerWhere(f engine.LedgerFilter) (string, []any) {
	var where []string
	var args []any
	if f.DriverID != "" {
		where = append(where, "driver_id = ?")
		args = append(args, f.DriverID)
	}
	if f.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.OccurredFrom != nil {
		where = append(where, "occurred_on >= ?")
		args = append(args, engine.FormatDate(*f.OccurredFrom))
	}
	if f.OccurredTo != nil {
		where = append(where, "occurred_on <= ?")
		args = append(args, engine.FormatDate(*f.OccurredTo))
	}
	return whereClause(where), args
}

// =============================================================================
// PAYROLLS
// =============================================================================

type payrollRepo struct{ v view }

const payrollColumns = `id, driver_id, company_id, payout_date, gross_salary_amount,
	advance_collection_amount, collection_override_amount, collection_override_reason,
	net_salary_amount, status, created_at, updated_at`

func scanPayroll(row interface{ Scan(...any) error }) (engine.Payroll, error) {
	var (
		p                    engine.Payroll
		payoutDate, status   string
		createdAt, updatedAt string
		override, net        sql.NullString
	)
	if err := row.Scan(&p.ID, &p.DriverID, &p.CompanyID, &payoutDate, &p.GrossSalaryAmount,
		&p.AdvanceCollectionAmount, &override, &p.CollectionOverrideReason, &net, &status,
		&createdAt, &updatedAt); err != nil {
		return engine.Payroll{}, err
	}
	p.Status = engine.PayrollStatus(status)

	var err error
	if p.PayoutDate, err = parseDate(payoutDate); err != nil {
		return engine.Payroll{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return engine.Payroll{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return engine.Payroll{}, err
	}
	if p.CollectionOverrideAmount, err = scanNullAmount(override); err != nil {
		return engine.Payroll{}, err
	}
	if p.NetSalaryAmount, err = scanNullAmount(net); err != nil {
		return engine.Payroll{}, err
	}
	return p, nil
}

func (r payrollRepo) FindByID(ctx context.Context, id string) (engine.Payroll, error) {
	defer r.v.rlock()()

	p, err := scanPayroll(r.v.q.QueryRowContext(ctx,
		"SELECT "+payrollColumns+" FROM payrolls WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Payroll{}, &engine.NotFoundError{Resource: "payroll", ID: id}
	}
	if err != nil {
		return engine.Payroll{}, fmt.Errorf("failed to get payroll: %w", err)
	}
	return p, nil
}

func (r payrollRepo) Save(ctx context.Context, p engine.Payroll) error {
	defer r.v.lock()()

	_, err := r.v.q.ExecContext(ctx, `
		INSERT INTO payrolls (`+payrollColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.DriverID, p.CompanyID, engine.FormatDate(p.PayoutDate), p.GrossSalaryAmount.String(),
		p.AdvanceCollectionAmount.String(), nullAmount(p.CollectionOverrideAmount),
		p.CollectionOverrideReason, nullAmount(p.NetSalaryAmount), string(p.Status),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save payroll: %w", err)
	}
	return nil
}

func (r payrollRepo) FindPlannedOnOrBefore(ctx context.Context, date time.Time) ([]engine.Payroll, error) {
	defer r.v.rlock()()

	rows, err := r.v.q.QueryContext(ctx, "SELECT "+payrollColumns+` FROM payrolls
		WHERE status = ? AND payout_date <= ?
		ORDER BY payout_date, id`, string(engine.PayrollPlanned), engine.FormatDate(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query payrolls: %w", err)
	}
	defer rows.Close()

	var out []engine.Payroll
	for rows.Next() {
		p, err := scanPayroll(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r payrollRepo) MarkProcessed(ctx context.Context, id string, collection, net engine.Amount, at time.Time) (bool, error) {
	defer r.v.lock()()

	res, err := r.v.q.ExecContext(ctx, `
		UPDATE payrolls SET
			advance_collection_amount = ?,
			net_salary_amount = ?,
			status = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`, collection.String(), net.String(), string(engine.PayrollProcessed), formatTime(at),
		id, string(engine.PayrollPlanned))
	return rowsChanged(res, err, "mark payroll processed")
}

func (r payrollRepo) SetOverride(ctx context.Context, id string, amount engine.Amount, reason string, at time.Time) (bool, error) {
	defer r.v.lock()()

	res, err := r.v.q.ExecContext(ctx, `
		UPDATE payrolls SET
			collection_override_amount = ?,
			collection_override_reason = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`, amount.String(), reason, formatTime(at), id, string(engine.PayrollPlanned))
	return rowsChanged(res, err, "set payroll override")
}

func rowsChanged(res sql.Result, err error, op string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// =============================================================================
// DERIVED ROWS
// =============================================================================

type balanceRepo struct{ v view }

func (r balanceRepo) UpsertBalance(ctx context.Context, b engine.DriverBalance) error {
	defer r.v.lock()()

	_, err := r.v.q.ExecContext(ctx, `
		INSERT INTO driver_balances
		(driver_id, company_id, advance_balance, unpaid_confirmed_earnings, advance_limit, as_of_date, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(driver_id) DO UPDATE SET
			company_id = excluded.company_id,
			advance_balance = excluded.advance_balance,
			unpaid_confirmed_earnings = excluded.unpaid_confirmed_earnings,
			advance_limit = excluded.advance_limit,
			as_of_date = excluded.as_of_date,
			refreshed_at = excluded.refreshed_at
	`, b.DriverID, b.CompanyID, b.AdvanceBalance.String(), b.UnpaidConfirmedEarnings.String(),
		b.AdvanceLimit.String(), engine.FormatDate(b.AsOfDate), formatTime(b.RefreshedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert driver balance: %w", err)
	}
	return nil
}

func (r balanceRepo) GetBalance(ctx context.Context, driverID string) (engine.DriverBalance, error) {
	defer r.v.rlock()()

	var (
		b               engine.DriverBalance
		asOf, refreshed string
	)
	err := r.v.q.QueryRowContext(ctx, `
		SELECT driver_id, company_id, advance_balance, unpaid_confirmed_earnings, advance_limit,
		       as_of_date, refreshed_at
		FROM driver_balances WHERE driver_id = ?
	`, driverID).Scan(&b.DriverID, &b.CompanyID, &b.AdvanceBalance, &b.UnpaidConfirmedEarnings,
		&b.AdvanceLimit, &asOf, &refreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.DriverBalance{}, &engine.NotFoundError{Resource: "driver balance", ID: driverID}
	}
	if err != nil {
		return engine.DriverBalance{}, fmt.Errorf("failed to get driver balance: %w", err)
	}
	if b.AsOfDate, err = parseDate(asOf); err != nil {
		return engine.DriverBalance{}, err
	}
	if b.RefreshedAt, err = parseTime(refreshed); err != nil {
		return engine.DriverBalance{}, err
	}
	return b, nil
}

type metricsRepo struct{ v view }

func (r metricsRepo) UpsertMonthlyMetrics(ctx context.Context, m engine.MetricsMonthly) error {
	defer r.v.lock()()

	scope := ""
	var companyID sql.NullString
	if m.CompanyID != nil {
		scope = *m.CompanyID
		companyID = nullString(*m.CompanyID)
	}
	_, err := r.v.q.ExecContext(ctx, `
		INSERT INTO metrics_monthly
		(id, scope, company_id, year_month, total_advance_principal, total_fee_revenue,
		 total_collected_principal, total_written_off_principal, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, year_month) DO UPDATE SET
			total_advance_principal = excluded.total_advance_principal,
			total_fee_revenue = excluded.total_fee_revenue,
			total_collected_principal = excluded.total_collected_principal,
			total_written_off_principal = excluded.total_written_off_principal,
			updated_at = excluded.updated_at
	`, m.ID, scope, companyID, engine.FormatDate(engine.MonthStart(m.YearMonth)),
		m.TotalAdvancePrincipal.String(), m.TotalFeeRevenue.String(),
		m.TotalCollectedPrincipal.String(), m.TotalWrittenOffPrincipal.String(), formatTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert monthly metrics: %w", err)
	}
	return nil
}

func (r metricsRepo) ListMonthlyMetrics(ctx context.Context, yearMonth time.Time) ([]engine.MetricsMonthly, error) {
	defer r.v.rlock()()

	rows, err := r.v.q.QueryContext(ctx, `
		SELECT id, company_id, year_month, total_advance_principal, total_fee_revenue,
		       total_collected_principal, total_written_off_principal, updated_at
		FROM metrics_monthly WHERE year_month = ?
		ORDER BY scope
	`, engine.FormatDate(engine.MonthStart(yearMonth)))
	if err != nil {
		return nil, fmt.Errorf("failed to list monthly metrics: %w", err)
	}
	defer rows.Close()

	var out []engine.MetricsMonthly
	for rows.Next() {
		var (
			m                engine.MetricsMonthly
			companyID        sql.NullString
			month, updatedAt string
		)
		if err := rows.Scan(&m.ID, &companyID, &month, &m.TotalAdvancePrincipal, &m.TotalFeeRevenue,
			&m.TotalCollectedPrincipal, &m.TotalWrittenOffPrincipal, &updatedAt); err != nil {
			return nil, err
		}
		if companyID.Valid {
			id := companyID.String
			m.CompanyID = &id
		}
		if m.YearMonth, err = parseDate(month); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type notificationRepo struct{ v view }

// CreateIfMissing relies on idx_notifications_dedup; a conflicting insert
// affects zero rows.
func (r notificationRepo) CreateIfMissing(ctx context.Context, n engine.Notification) (bool, error) {
	defer r.v.lock()()

	res, err := r.v.q.ExecContext(ctx, `
		INSERT INTO notifications
		(id, recipient_type, recipient_id, category, severity, title, message,
		 source_type, source_id, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(recipient_type, recipient_id, category, severity, source_type, source_id) DO NOTHING
	`, n.ID, string(n.RecipientType), n.RecipientID, n.Category, string(n.Severity), n.Title,
		n.Message, n.SourceType, n.SourceID, n.IsRead, formatTime(n.CreatedAt))
	return rowsChanged(res, err, "create notification")
}

func (r notificationRepo) ListNotifications(ctx context.Context, f engine.NotificationFilter) ([]engine.Notification, error) {
	defer r.v.rlock()()

	var where []string
	var args []any
	if f.RecipientType != "" {
		where = append(where, "recipient_type = ?")
		args = append(args, string(f.RecipientType))
	}
	if f.RecipientID != "" {
		where = append(where, "recipient_id = ?")
		args = append(args, f.RecipientID)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if f.UnreadOnly {
		where = append(where, "is_read = 0")
	}

	rows, err := r.v.q.QueryContext(ctx, `
		SELECT id, recipient_type, recipient_id, category, severity, title, message,
		       source_type, source_id, is_read, created_at
		FROM notifications`+whereClause(where)+`
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []engine.Notification
	for rows.Next() {
		var (
			n                   engine.Notification
			recipient, severity string
			createdAt           string
		)
		if err := rows.Scan(&n.ID, &recipient, &n.RecipientID, &n.Category, &severity, &n.Title,
			&n.Message, &n.SourceType, &n.SourceID, &n.IsRead, &createdAt); err != nil {
			return nil, err
		}
		n.RecipientType = engine.RecipientType(recipient)
		n.Severity = engine.Severity(severity)
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r notificationRepo) MarkAllRead(ctx context.Context, recipientType engine.RecipientType, recipientID string) (int, error) {
	defer r.v.lock()()

	res, err := r.v.q.ExecContext(ctx, `
		UPDATE notifications SET is_read = 1
		WHERE recipient_type = ? AND recipient_id = ? AND is_read = 0
	`, string(recipientType), recipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type auditRepo struct{ v view }

func (r auditRepo) Append(ctx context.Context, e engine.AuditEntry) error {
	defer r.v.lock()()

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}
	_, err = r.v.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor, action, resource_type, resource_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTime(e.At), e.Actor, string(e.Action), e.ResourceType, e.ResourceID, string(payload))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (r auditRepo) Query(ctx context.Context, f engine.AuditFilter) ([]engine.AuditEntry, error) {
	defer r.v.rlock()()

	var where []string
	var args []any
	if f.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if len(f.Actions) > 0 {
		where = append(where, "action IN ("+inClause(len(f.Actions))+")")
		for _, a := range f.Actions {
			args = append(args, string(a))
		}
	}

	rows, err := r.v.q.QueryContext(ctx, `
		SELECT id, at, actor, action, resource_type, resource_id, payload_json
		FROM audit_log`+whereClause(where)+`
		ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []engine.AuditEntry
	for rows.Next() {
		var (
			e          engine.AuditEntry
			at, action string
			payload    sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Actor, &action, &e.ResourceType, &e.ResourceID, &payload); err != nil {
			return nil, err
		}
		e.Action = engine.AuditAction(action)
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
