package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/advance-engine/engine"
)

func TestPlanPayroll_UsesCompanyPayoutDay(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 0)

	// 2025-05-25 is a Sunday, so payout moves back to Friday the 23rd.
	p, err := f.payrolls.PlanPayroll(f.ctx, "drv-1", time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC), amt(200000), june10)
	require.NoError(t, err)
	assert.Equal(t, "2025-05-23", engine.FormatDate(p.PayoutDate))
	assert.Equal(t, engine.PayrollPlanned, p.Status)

	_, err = f.payrolls.PlanPayroll(f.ctx, "drv-1", june1, amt(-1), june10)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestProcess_FullCollectionSettles(t *testing.T) {
	// GIVEN: A paid 10000 advance and a 200000 payroll on June 25
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv := f.paidAdvance(t, "drv-1", 10000)
	p, err := f.payrolls.PlanPayroll(f.ctx, "drv-1", june1, amt(200000), june10)
	require.NoError(t, err)

	// WHEN: Processed
	res, err := f.payrolls.Process(f.ctx, p.ID, june25)
	require.NoError(t, err)

	// THEN: The whole balance is collected and the advance settles
	assert.True(t, res.Processed)
	assert.Equal(t, "10000", res.Collection.String())
	assert.Equal(t, "190000", res.Net.String())
	assert.Equal(t, engine.PayrollProcessed, res.Payroll.Status)
	require.NotNil(t, res.Payroll.NetSalaryAmount)
	assert.Equal(t, "190000", res.Payroll.NetSalaryAmount.String())
	assert.Equal(t, engine.AdvanceSettled, res.Transition)
	assert.Equal(t, 1, res.Transitioned)

	got, err := f.advances.Get(f.ctx, adv.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AdvanceSettled, got.Status)

	balance, err := f.store.Ledger().SumAdvanceBalance(f.ctx, "drv-1", "co-1", p.PayoutDate)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestProcess_BeforePayoutDateRejected(t *testing.T) {
	// GIVEN: A paid 10000 advance and a payroll paying out on June 25
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv := f.paidAdvance(t, "drv-1", 10000)
	p, err := f.payrolls.PlanPayroll(f.ctx, "drv-1", june1, amt(200000), june10)
	require.NoError(t, err)

	// WHEN: Processed two weeks early
	_, err = f.payrolls.Process(f.ctx, p.ID, june10)

	// THEN: Nothing is collected and the advance stays paid
	assert.ErrorIs(t, err, engine.ErrValidation)

	got, err := f.payrolls.Get(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.PayrollPlanned, got.Status)

	a, err := f.advances.Get(f.ctx, adv.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AdvancePaid, a.Status)

	sums, err := f.store.Ledger().SumByType(f.ctx, engine.LedgerFilter{DriverID: "drv-1"})
	require.NoError(t, err)
	assert.True(t, sums[engine.EntryCollection].IsZero())

	// AND: A later advance is still collected on payday
	f.paidAdvance(t, "drv-1", 5000)
	res, err := f.payrolls.Process(f.ctx, p.ID, june25)
	require.NoError(t, err)
	assert.Equal(t, "15000", res.Collection.String())
	assert.Equal(t, 2, res.Transitioned)
}

func TestProcess_PartialCollectionSettling(t *testing.T) {
	// GIVEN: Balance 10000 but gross salary only 4000
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv := f.paidAdvance(t, "drv-1", 10000)
	p, err := f.payrolls.PlanPayroll(f.ctx, "drv-1", june1, amt(4000), june10)
	require.NoError(t, err)

	res, err := f.payrolls.Process(f.ctx, p.ID, june25)
	require.NoError(t, err)

	assert.Equal(t, "4000", res.Collection.String())
	assert.Equal(t, "0", res.Net.String())
	assert.Equal(t, engine.AdvanceSettling, res.Transition)

	got, err := f.advances.Get(f.ctx, adv.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AdvanceSettling, got.Status)
}

func TestProcess_AlreadyProcessed_NoOp(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	f.paidAdvance(t, "drv-1", 10000)
	p, err := f.payrolls.PlanPayroll(f.ctx, "drv-1", june1, amt(4000), june10)
	require.NoError(t, err)
	_, err = f.payrolls.Process(f.ctx, p.ID, june25)
	require.NoError(t, err)

	res, err := f.payrolls.Process(f.ctx, p.ID, june25.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, "4000", res.Payroll.AdvanceCollectionAmount.String())

	sums, err := f.store.Ledger().SumByType(f.ctx, engine.LedgerFilter{DriverID: "drv-1"})
	require.NoError(t, err)
	assert.Equal(t, "4000", sums[engine.EntryCollection].String(), "no second collection")
}

func TestSetCollectionOverride(t *testing.T) {
	// GIVEN: Balance 10000, override 3000
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	f.paidAdvance(t, "drv-1", 10000)
	p, err := f.payrolls.PlanPayroll(f.ctx, "drv-1", june1, amt(200000), june10)
	require.NoError(t, err)

	_, err = f.payrolls.SetCollectionOverride(f.ctx, p.ID, amt(0), "", june10)
	assert.ErrorIs(t, err, engine.ErrValidation)

	p, err = f.payrolls.SetCollectionOverride(f.ctx, p.ID, amt(3000), "hardship", june10)
	require.NoError(t, err)
	require.NotNil(t, p.CollectionOverrideAmount)
	assert.Equal(t, "hardship", p.CollectionOverrideReason)

	// WHEN: Processed
	res, err := f.payrolls.Process(f.ctx, p.ID, june25)
	require.NoError(t, err)

	// THEN: Only the override is collected
	assert.Equal(t, "3000", res.Collection.String())
	assert.Equal(t, engine.AdvanceSettling, res.Transition)

	// AND: A processed payroll can no longer be overridden
	_, err = f.payrolls.SetCollectionOverride(f.ctx, p.ID, amt(1000), "", june10)
	assert.ErrorIs(t, err, engine.ErrStateConflict)
}

func TestRecordEarning_AppliesPayoutOffset(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 0)
	co, err := f.store.Companies().FindByID(f.ctx, "co-1")
	require.NoError(t, err)
	co.PayoutOffsetMonths = 1
	require.NoError(t, f.store.Companies().Save(f.ctx, co))

	e, err := f.payrolls.RecordEarning(f.ctx, "drv-1", time.Date(2025, time.May, 17, 0, 0, 0, 0, time.UTC), amt(120000), june10)
	require.NoError(t, err)
	assert.Equal(t, "2025-05-01", engine.FormatDate(e.WorkMonth))
	assert.Equal(t, "2025-06-01", engine.FormatDate(e.PayoutMonth))
	assert.Equal(t, engine.EarningConfirmed, e.Status)

	_, err = f.payrolls.RecordEarning(f.ctx, "drv-1", june1, amt(0), june10)
	assert.ErrorIs(t, err, engine.ErrValidation)
}
