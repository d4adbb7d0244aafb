/*
ledger.go - Append-only ledger of advance principal, fees, collections and write-offs

PURPOSE:
  The ledger is the source of truth for what a driver owes. Every derived
  number (balance, limit, monthly metrics) is recomputed from entry sums
  rather than patched incrementally, which is what makes the daily batch
  safe to re-run.

BALANCE:
  advanceBalance(asOf) = Σprincipal - Σcollection - Σwrite_off
  over entries with OccurredOn <= asOf. Fees never touch the balance.

IDEMPOTENCY KEYS:
  advance:<id>:principal   written by Approve
  advance:<id>:fee         written by Approve
  payroll:<id>:collection  written by payroll processing
  write_off:<advanceID>    written by WriteOff

SEE ALSO:
  - store.go: LedgerRepository
  - metrics.go: monthly sums by entry type
*/
package engine

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func PrincipalKey(advanceID string) string  { return "advance:" + advanceID + ":principal" }
func FeeKey(advanceID string) string        { return "advance:" + advanceID + ":fee" }
func CollectionKey(payrollID string) string { return "payroll:" + payrollID + ":collection" }
func WriteOffKey(advanceID string) string   { return "write_off:" + advanceID }

// =============================================================================
// BALANCE MATH
// =============================================================================

// BalanceFromSums folds per-type sums into an advance balance.
func BalanceFromSums(sums map[EntryType]Amount) Amount {
	return sums[EntryAdvancePrincipal].
		Sub(sums[EntryCollection]).
		Sub(sums[EntryWriteOff])
}

// BalanceFromEntries computes the balance as of asOf from raw entries.
func BalanceFromEntries(entries []LedgerEntry, asOf time.Time) Amount {
	asOf = ToDateOnly(asOf)
	sums := make(map[EntryType]Amount, len(EntryTypes))
	for _, e := range entries {
		if ToDateOnly(e.OccurredOn).After(asOf) {
			continue
		}
		sums[e.EntryType] = sums[e.EntryType].Add(e.Amount)
	}
	return BalanceFromSums(sums)
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the read side of the ledger plus the single write path.
type Ledger struct {
	Store Store
}

// Append validates and inserts one entry. OccurredOn is truncated to a date.
func (l *Ledger) Append(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	return appendEntry(ctx, l.Store.Ledger(), e)
}

// Balance returns the driver/company advance balance as of asOf.
func (l *Ledger) Balance(ctx context.Context, driverID, companyID string, asOf time.Time) (Amount, error) {
	b, err := l.Store.Ledger().SumAdvanceBalance(ctx, driverID, companyID, ToDateOnly(asOf))
	if err != nil {
		return Zero, fmt.Errorf("sum advance balance for driver %s: %w", driverID, err)
	}
	return b, nil
}

// Statement lists a driver's entries up to asOf, oldest first.
func (l *Ledger) Statement(ctx context.Context, driverID string, asOf time.Time) ([]LedgerEntry, error) {
	to := ToDateOnly(asOf)
	return l.Store.Ledger().Entries(ctx, LedgerFilter{DriverID: driverID, OccurredTo: &to})
}

func appendEntry(ctx context.Context, repo LedgerRepository, e LedgerEntry) (LedgerEntry, error) {
	if e.Amount.IsNegative() {
		return LedgerEntry{}, validationErr("amount", "ledger amounts must be non-negative, got %s", e.Amount)
	}
	if e.IdempotencyKey == "" {
		return LedgerEntry{}, validationErr("idempotency_key", "required")
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	e.OccurredOn = ToDateOnly(e.OccurredOn)
	saved, err := repo.Insert(ctx, e)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("insert %s entry %s: %w", e.EntryType, e.IdempotencyKey, err)
	}
	return saved, nil
}
