package engine

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// MONTHLY METRICS - Overwritten from ledger sums, never incremented
// =============================================================================

// MetricsFromSums builds the monthly row from per-type sums. Absent types
// are zero.
func MetricsFromSums(companyID *string, month time.Time, sums map[EntryType]Amount, at time.Time) MetricsMonthly {
	return MetricsMonthly{
		ID:                       metricsID(companyID, month),
		CompanyID:                companyID,
		YearMonth:                MonthStart(month),
		TotalAdvancePrincipal:    sums[EntryAdvancePrincipal],
		TotalFeeRevenue:          sums[EntryFee],
		TotalCollectedPrincipal:  sums[EntryCollection],
		TotalWrittenOffPrincipal: sums[EntryWriteOff],
		UpdatedAt:                at,
	}
}

// metricsID is deterministic so repeated runs overwrite the same row.
func metricsID(companyID *string, month time.Time) string {
	scope := "global"
	if companyID != nil {
		scope = *companyID
	}
	return fmt.Sprintf("metrics:%s:%s", scope, MonthStart(month).Format("2006-01"))
}

// ComputeMonthlyMetrics sums ledger entries inside [monthStart, monthEnd].
// A nil companyID aggregates every company.
func ComputeMonthlyMetrics(ctx context.Context, st Store, companyID *string, month, at time.Time) (MetricsMonthly, error) {
	from, to := MonthStart(month), MonthEnd(month)
	filter := LedgerFilter{OccurredFrom: &from, OccurredTo: &to}
	if companyID != nil {
		filter.CompanyID = *companyID
	}
	sums, err := st.Ledger().SumByType(ctx, filter)
	if err != nil {
		return MetricsMonthly{}, fmt.Errorf("sum ledger for %s: %w", metricsID(companyID, month), err)
	}
	return MetricsFromSums(companyID, month, sums, at), nil
}

// RefreshMonthlyMetrics recomputes and upserts one monthly row.
func RefreshMonthlyMetrics(ctx context.Context, st Store, companyID *string, month, at time.Time) (MetricsMonthly, error) {
	m, err := ComputeMonthlyMetrics(ctx, st, companyID, month, at)
	if err != nil {
		return MetricsMonthly{}, err
	}
	if err := st.Metrics().UpsertMonthlyMetrics(ctx, m); err != nil {
		return MetricsMonthly{}, fmt.Errorf("upsert %s: %w", m.ID, err)
	}
	return m, nil
}
