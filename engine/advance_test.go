package engine_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/advance-engine/engine"
)

func TestDetermineAdvanceStatusUpdate(t *testing.T) {
	s, ok := engine.DetermineAdvanceStatusUpdate(amt(0), amt(0))
	assert.True(t, ok)
	assert.Equal(t, engine.AdvanceSettled, s)

	s, ok = engine.DetermineAdvanceStatusUpdate(amt(0), amt(5000))
	assert.True(t, ok)
	assert.Equal(t, engine.AdvanceSettled, s)

	s, ok = engine.DetermineAdvanceStatusUpdate(amt(10000), amt(5000))
	assert.True(t, ok)
	assert.Equal(t, engine.AdvanceSettling, s)

	_, ok = engine.DetermineAdvanceStatusUpdate(amt(10000), amt(0))
	assert.False(t, ok)
}

// =============================================================================
// REQUEST
// =============================================================================

func TestRequestAdvance_RejectsNonPositive(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)

	_, err := f.advances.RequestAdvance(f.ctx, "drv-1", amt(0), "", june10)
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = f.advances.RequestAdvance(f.ctx, "drv-1", amt(-5), "", june10)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestRequestAdvance_RecomputesLimitEachTime(t *testing.T) {
	// GIVEN: 100000 earned, limit 80000
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)

	// WHEN: A 60000 advance is approved, the next request sees balance 60000
	f.approvedAdvance(t, "drv-1", 60000)

	// THEN: Only 20000 remains
	_, err := f.advances.RequestAdvance(f.ctx, "drv-1", amt(20001), "", june10)
	var vErr *engine.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "amount", vErr.Field)

	adv, err := f.advances.RequestAdvance(f.ctx, "drv-1", amt(20000), "", june10)
	require.NoError(t, err)
	assert.Equal(t, engine.AdvanceRequested, adv.Status)
}

func TestRequestAdvance_UnknownDriver(t *testing.T) {
	f := newFixture(t)
	_, err := f.advances.RequestAdvance(f.ctx, "ghost", amt(100), "", june10)
	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// APPROVE
// =============================================================================

func TestApprove_ChargesFeeAndWritesTwoEntries(t *testing.T) {
	// GIVEN: A requested 10000 advance at a 5% fee rate
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv, err := f.advances.RequestAdvance(f.ctx, "drv-1", amt(10000), "fuel", june10)
	require.NoError(t, err)

	// WHEN: Approved
	approvedAt := time.Date(2025, time.June, 10, 23, 59, 0, 0, time.UTC)
	adv, err = f.advances.Approve(f.ctx, adv.ID, approvedAt)
	require.NoError(t, err)

	// THEN: fee 500, payout 9500
	assert.Equal(t, engine.AdvanceApproved, adv.Status)
	assert.Equal(t, "10000", adv.ApprovedAmount.String())
	assert.Equal(t, "500", adv.FeeAmount.String())
	assert.Equal(t, "9500", adv.PayoutAmount.String())

	// AND: principal 10000 and fee 500 dated at the approval day
	entries, err := f.store.Ledger().Entries(f.ctx, engine.LedgerFilter{DriverID: "drv-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byType := map[engine.EntryType]engine.LedgerEntry{}
	for _, e := range entries {
		byType[e.EntryType] = e
		assert.Equal(t, engine.ToDateOnly(approvedAt), e.OccurredOn)
		assert.Equal(t, adv.ID, e.SourceID)
	}
	assert.Equal(t, "10000", byType[engine.EntryAdvancePrincipal].Amount.String())
	assert.Equal(t, "500", byType[engine.EntryFee].Amount.String())

	// AND: The balance excludes the fee
	balance, err := f.store.Ledger().SumAdvanceBalance(f.ctx, "drv-1", "co-1", approvedAt)
	require.NoError(t, err)
	assert.Equal(t, "10000", balance.String())

	// AND: An audit row was written
	rows, err := f.store.Audit().Query(f.ctx, engine.AuditFilter{ResourceID: adv.ID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, engine.AuditAdvanceApproved, rows[1].Action)
}

func TestApprove_Twice_StateConflictWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv := f.approvedAdvance(t, "drv-1", 10000)

	_, err := f.advances.Approve(f.ctx, adv.ID, june10)
	var conflict *engine.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, string(engine.AdvanceApproved), conflict.Current)

	entries, err := f.store.Ledger().Entries(f.ctx, engine.LedgerFilter{DriverID: "drv-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no extra ledger entries")
}

// =============================================================================
// REJECT
// =============================================================================

func TestReject(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv, err := f.advances.RequestAdvance(f.ctx, "drv-1", amt(5000), "", june10)
	require.NoError(t, err)

	_, err = f.advances.Reject(f.ctx, adv.ID, "", june10)
	assert.ErrorIs(t, err, engine.ErrValidation, "empty reason")

	_, err = f.advances.Reject(f.ctx, adv.ID, strings.Repeat("x", 501), june10)
	assert.ErrorIs(t, err, engine.ErrValidation, "reason too long")

	adv, err = f.advances.Reject(f.ctx, adv.ID, strings.Repeat("x", 500), june10)
	require.NoError(t, err)
	assert.Equal(t, engine.AdvanceRejected, adv.Status)

	entries, err := f.store.Ledger().Entries(f.ctx, engine.LedgerFilter{DriverID: "drv-1"})
	require.NoError(t, err)
	assert.Empty(t, entries, "reject has no ledger effect")

	_, err = f.advances.MarkPaid(f.ctx, adv.ID, june10)
	assert.ErrorIs(t, err, engine.ErrStateConflict, "rejected is terminal")
}

// =============================================================================
// PAYOUT
// =============================================================================

func TestMarkPayoutInstructed_ThenPaid(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv := f.approvedAdvance(t, "drv-1", 10000)

	adv, err := f.advances.MarkPayoutInstructed(f.ctx, adv.ID, june10.AddDate(0, 0, 1), june10)
	require.NoError(t, err)
	assert.Equal(t, engine.AdvancePayoutInstructed, adv.Status)
	require.NotNil(t, adv.PayoutDate)
	assert.Equal(t, "2025-06-11", engine.FormatDate(*adv.PayoutDate))

	adv, err = f.advances.MarkPaid(f.ctx, adv.ID, june10)
	require.NoError(t, err)
	assert.Equal(t, engine.AdvancePaid, adv.Status)
}

func TestMarkPaid_FromRequested_StateConflict(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv, err := f.advances.RequestAdvance(f.ctx, "drv-1", amt(5000), "", june10)
	require.NoError(t, err)

	_, err = f.advances.MarkPaid(f.ctx, adv.ID, june10)
	assert.Equal(t, engine.KindStateConflict, engine.KindOf(err))
}

func TestMarkPaid_Concurrent_ExactlyOneWins(t *testing.T) {
	// GIVEN: An approved advance
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv := f.approvedAdvance(t, "drv-1", 10000)

	// WHEN: Two callers mark it paid at the same time
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.advances.MarkPaid(f.ctx, adv.ID, june10)
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one succeeds, the other sees a state conflict
	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case engine.KindOf(err) == engine.KindStateConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}

// =============================================================================
// WRITE-OFF
// =============================================================================

func TestWriteOff_WithinBalance(t *testing.T) {
	// GIVEN: A paid 10000 advance, balance 10000
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv := f.paidAdvance(t, "drv-1", 10000)

	// WHEN: Writing off 5000
	adv, err := f.advances.WriteOff(f.ctx, adv.ID, amt(5000), "driver left", june10)
	require.NoError(t, err)

	// THEN: Status is written_off and the balance drops by 5000
	assert.Equal(t, engine.AdvanceWrittenOff, adv.Status)
	assert.Equal(t, "driver left", adv.Memo)
	balance, err := f.store.Ledger().SumAdvanceBalance(f.ctx, "drv-1", "co-1", june10)
	require.NoError(t, err)
	assert.Equal(t, "5000", balance.String())
}

func TestWriteOff_OverBalance_BalanceError(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv := f.paidAdvance(t, "drv-1", 10000)

	_, err := f.advances.WriteOff(f.ctx, adv.ID, amt(15000), "", june10)
	var bErr *engine.BalanceError
	require.ErrorAs(t, err, &bErr)
	assert.Equal(t, "10000", bErr.Available.String())

	// No partial effects
	got, err := f.advances.Get(f.ctx, adv.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.AdvancePaid, got.Status)
	entries, err := f.store.Ledger().Entries(f.ctx, engine.LedgerFilter{DriverID: "drv-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWriteOff_TerminalAdvance_StateConflict(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	adv := f.paidAdvance(t, "drv-1", 10000)
	_, err := f.advances.WriteOff(f.ctx, adv.ID, amt(10000), "", june10)
	require.NoError(t, err)

	_, err = f.advances.WriteOff(f.ctx, adv.ID, amt(1), "", june10)
	assert.ErrorIs(t, err, engine.ErrStateConflict)
}

func TestListPendingForCompany(t *testing.T) {
	f := newFixture(t)
	f.seedDriver(t, "drv-1", 100000)
	pending, err := f.advances.RequestAdvance(f.ctx, "drv-1", amt(1000), "", june10)
	require.NoError(t, err)
	f.approvedAdvance(t, "drv-1", 2000)

	list, err := f.advances.ListPendingForCompany(f.ctx, "co-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)

	_, err = f.advances.ListPendingForCompany(f.ctx, "co-404")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}
