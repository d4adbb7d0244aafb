/*
limit.go - Advance limit and payroll collection math

PURPOSE:
  How much a driver may still draw, and how much a payroll collects.

LIMIT:
  base = max(0, floor(unpaid * limitRate / scale) - balance)
  if the company allows advances over salary: limit = base
  else: limit = min(base, max(0, currentMonth - balance))

  unpaid       = confirmed earnings with payoutMonth >= monthStart(asOf)
  currentMonth = confirmed earnings with payoutMonth == monthStart(asOf)

COLLECTION:
  base      = override ?? balance
  capped    = min(base, gross)
  collected = min(capped, balance)
  net       = gross - collected

SEE ALSO:
  - advance.go: RequestAdvance recomputes the limit at request time
  - batch/daily.go: refreshes DriverBalance with the same computation
*/
package engine

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// PURE CALCULATIONS
// =============================================================================

// CalculateAdvanceLimit returns max(0, floor(unpaid*rate/scale) - balance).
func CalculateAdvanceLimit(unpaid, balance Amount, rate, scale Rate) Amount {
	return FloorMulDiv(unpaid, rate, scale).Sub(balance).Max(Zero)
}

// AvailableAdvance applies the salary cap on top of CalculateAdvanceLimit.
func AvailableAdvance(unpaid, balance Amount, rate Rate, allowOverSalary bool, currentMonth Amount, scale Rate) Amount {
	base := CalculateAdvanceLimit(unpaid, balance, rate, scale)
	if allowOverSalary {
		return base
	}
	capped := currentMonth.Sub(balance).Max(Zero)
	return base.Min(capped)
}

// CalculateCollection returns min(gross, balance), never negative.
func CalculateCollection(gross, balance Amount) Amount {
	return gross.Min(balance).Max(Zero)
}

// ComputeCollection resolves the amount a payroll collects and the resulting
// net salary. A nil override collects the full balance.
func ComputeCollection(gross, balance Amount, override *Amount) (collection, net Amount) {
	base := balance
	if override != nil {
		base = *override
	}
	collection = base.Min(gross).Min(balance).Max(Zero)
	return collection, gross.Sub(collection)
}

// =============================================================================
// LIMIT SERVICE - Gathers inputs from repositories
// =============================================================================

// LimitSnapshot is everything that went into a limit computation.
type LimitSnapshot struct {
	DriverID              string
	CompanyID             string
	AsOf                  time.Time
	UnpaidConfirmed       Amount
	CurrentMonthConfirmed Amount
	AdvanceBalance        Amount
	Limit                 Amount
}

// Balance renders the snapshot as a materialized balance row.
func (s LimitSnapshot) Balance(refreshedAt time.Time) DriverBalance {
	return DriverBalance{
		DriverID:                s.DriverID,
		CompanyID:               s.CompanyID,
		AdvanceBalance:          s.AdvanceBalance,
		UnpaidConfirmedEarnings: s.UnpaidConfirmed,
		AdvanceLimit:            s.Limit,
		AsOfDate:                s.AsOf,
		RefreshedAt:             refreshedAt,
	}
}

type LimitService struct {
	Store Store
}

// Calculate computes the driver's current advance limit as of asOf.
func (s *LimitService) Calculate(ctx context.Context, driverID string, asOf time.Time) (LimitSnapshot, error) {
	driver, err := s.Store.Drivers().FindByID(ctx, driverID)
	if err != nil {
		return LimitSnapshot{}, err
	}
	company, err := s.Store.Companies().FindByID(ctx, driver.CompanyID)
	if err != nil {
		return LimitSnapshot{}, err
	}
	return ComputeLimit(ctx, s.Store, driver, company, asOf)
}

// ComputeLimit reads earnings and ledger sums through st, so callers inside
// WithTx see their own transaction.
func ComputeLimit(ctx context.Context, st Store, driver Driver, company Company, asOf time.Time) (LimitSnapshot, error) {
	asOf = ToDateOnly(asOf)
	month := MonthStart(asOf)

	unpaid, err := st.Earnings().SumAmount(ctx, EarningFilter{
		DriverID:        driver.ID,
		Status:          EarningConfirmed,
		PayoutMonthFrom: &month,
	})
	if err != nil {
		return LimitSnapshot{}, fmt.Errorf("sum unpaid earnings for driver %s: %w", driver.ID, err)
	}
	current, err := st.Earnings().SumAmount(ctx, EarningFilter{
		DriverID:    driver.ID,
		Status:      EarningConfirmed,
		PayoutMonth: &month,
	})
	if err != nil {
		return LimitSnapshot{}, fmt.Errorf("sum current-month earnings for driver %s: %w", driver.ID, err)
	}
	balance, err := st.Ledger().SumAdvanceBalance(ctx, driver.ID, company.ID, asOf)
	if err != nil {
		return LimitSnapshot{}, fmt.Errorf("sum advance balance for driver %s: %w", driver.ID, err)
	}

	return LimitSnapshot{
		DriverID:              driver.ID,
		CompanyID:             company.ID,
		AsOf:                  asOf,
		UnpaidConfirmed:       unpaid,
		CurrentMonthConfirmed: current,
		AdvanceBalance:        balance,
		Limit: AvailableAdvance(unpaid, balance, company.LimitRate,
			company.AllowAdvanceOverSalary, current, RateScale),
	}, nil
}
