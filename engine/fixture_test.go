package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/advance-engine/engine"
	"github.com/warp/advance-engine/engine/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	june1  = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	june10 = time.Date(2025, time.June, 10, 9, 30, 0, 0, time.UTC)
	june25 = time.Date(2025, time.June, 25, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	ctx      context.Context
	store    *store.TxMemory
	advances *engine.AdvanceService
	payrolls *engine.PayrollService
	limits   *engine.LimitService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewTxMemory()
	return &fixture{
		ctx:      context.Background(),
		store:    st,
		advances: &engine.AdvanceService{Store: st},
		payrolls: &engine.PayrollService{Store: st, Calendar: engine.NoHolidays{}},
		limits:   &engine.LimitService{Store: st},
	}
}

// seedDriver creates company co-1 (limit 80%, fee 5%, payday 25th) and an
// active driver with the given earning payable in June 2025.
func (f *fixture) seedDriver(t *testing.T, driverID string, earning int64) {
	t.Helper()
	ctx := f.ctx
	require.NoError(t, f.store.Companies().Save(ctx, engine.Company{
		ID:        "co-1",
		Name:      "Acme Logistics",
		LimitRate: 8000,
		FeeRate:   500,
		PayoutDay: 25,
		Active:    true,
	}))
	require.NoError(t, f.store.Drivers().Save(ctx, engine.Driver{
		ID: driverID, CompanyID: "co-1", Name: "Driver " + driverID, Active: true,
	}))
	if earning > 0 {
		require.NoError(t, f.store.Earnings().Save(ctx, engine.Earning{
			ID:          engine.NewID(),
			DriverID:    driverID,
			CompanyID:   "co-1",
			WorkMonth:   engine.AddMonths(june1, -1),
			PayoutMonth: june1,
			Amount:      engine.NewAmount(earning),
			Status:      engine.EarningConfirmed,
		}))
	}
}

// approvedAdvance requests and approves an advance.
func (f *fixture) approvedAdvance(t *testing.T, driverID string, amount int64) engine.Advance {
	t.Helper()
	adv, err := f.advances.RequestAdvance(f.ctx, driverID, engine.NewAmount(amount), "", june10)
	require.NoError(t, err)
	adv, err = f.advances.Approve(f.ctx, adv.ID, june10.Add(time.Hour))
	require.NoError(t, err)
	return adv
}

func (f *fixture) paidAdvance(t *testing.T, driverID string, amount int64) engine.Advance {
	t.Helper()
	adv := f.approvedAdvance(t, driverID, amount)
	adv, err := f.advances.MarkPaid(f.ctx, adv.ID, june10.Add(2*time.Hour))
	require.NoError(t, err)
	return adv
}

func amt(v int64) engine.Amount { return engine.NewAmount(v) }
