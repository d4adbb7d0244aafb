package engine

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// BILLING TIERS - Platform fee from monthly advance principal
// =============================================================================

// BillingTier charges Rate on months whose principal is below UpTo. A zero
// UpTo is the open-ended top tier.
type BillingTier struct {
	UpTo Amount
	Rate Rate
}

// DefaultBillingTiers: 5% below 1M, 4% below 2M, 3% below 5M, 2% above.
var DefaultBillingTiers = []BillingTier{
	{UpTo: NewAmount(1_000_000), Rate: 500},
	{UpTo: NewAmount(2_000_000), Rate: 400},
	{UpTo: NewAmount(5_000_000), Rate: 300},
	{Rate: 200},
}

// ResolveBillingRate returns the tier rate for a month's total principal.
func ResolveBillingRate(principal Amount) Rate {
	for _, t := range DefaultBillingTiers {
		if t.UpTo.IsZero() || principal.LessThan(t.UpTo) {
			return t.Rate
		}
	}
	return DefaultBillingTiers[len(DefaultBillingTiers)-1].Rate
}

// BillingFee returns ceil(principal * rate / 10000).
func BillingFee(principal Amount) Amount {
	return CeilMulDiv(principal, ResolveBillingRate(principal), RateScale)
}

// BillingLine is one company's platform fee for a month.
type BillingLine struct {
	CompanyID string
	YearMonth time.Time
	Principal Amount
	Rate      Rate
	Fee       Amount
}

// BillingPreview computes fees from the stored monthly metrics. An empty
// companyID previews every company. The global row is never billed.
func BillingPreview(ctx context.Context, st Store, yearMonth time.Time, companyID string) ([]BillingLine, error) {
	rows, err := st.Metrics().ListMonthlyMetrics(ctx, MonthStart(yearMonth))
	if err != nil {
		return nil, fmt.Errorf("list metrics for %s: %w", yearMonth.Format("2006-01"), err)
	}
	var lines []BillingLine
	for _, m := range rows {
		if m.CompanyID == nil {
			continue
		}
		if companyID != "" && *m.CompanyID != companyID {
			continue
		}
		lines = append(lines, BillingLine{
			CompanyID: *m.CompanyID,
			YearMonth: m.YearMonth,
			Principal: m.TotalAdvancePrincipal,
			Rate:      ResolveBillingRate(m.TotalAdvancePrincipal),
			Fee:       BillingFee(m.TotalAdvancePrincipal),
		})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].CompanyID < lines[j].CompanyID })
	return lines, nil
}
