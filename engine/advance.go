/*
advance.go - Advance request lifecycle

PURPOSE:
  Drives an advance from request to a terminal status. Every transition is
  a conditional update inside one transaction together with its ledger
  entries and audit row.

STATE MACHINE:

    requested ──▶ approved ──▶ payout_instructed ──▶ paid ──▶ settling ──▶ settled
        │            │  └──────────────────────────▶ ▲
        ▼            │                                 (MarkPaid accepts both)
     rejected        │
                     ▼
    any non-terminal ──▶ written_off

  Terminal: rejected, settled, written_off.

LEDGER EFFECTS:
  Approve   advance_principal = requested, fee = ceil(requested*feeRate/scale)
  WriteOff  write_off = amount (must not exceed the balance)
  All other transitions have no ledger effect.

SEE ALSO:
  - payroll.go: batch transitions paid -> settling -> settled
  - limit.go: the limit checked by RequestAdvance
*/
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxRejectReasonLength bounds the rejection reason, in characters.
const MaxRejectReasonLength = 500

// DetermineAdvanceStatusUpdate returns the batch transition implied by a
// payroll collection: settled once nothing remains, settling after a partial
// collection, otherwise none.
func DetermineAdvanceStatusUpdate(remaining, collected Amount) (AdvanceStatus, bool) {
	if remaining.IsZero() {
		return AdvanceSettled, true
	}
	if remaining.IsPositive() && collected.IsPositive() {
		return AdvanceSettling, true
	}
	return "", false
}

// =============================================================================
// ADVANCE SERVICE
// =============================================================================

type AdvanceService struct {
	Store    TxStore
	Logger   *slog.Logger
	Recorder Recorder
}

func (s *AdvanceService) logger() *slog.Logger {
	return loggerOrDefault(s.Logger).With("component", "advance")
}

// Get returns one advance.
func (s *AdvanceService) Get(ctx context.Context, id string) (Advance, error) {
	return s.Store.Advances().FindByID(ctx, id)
}

// ListPendingForCompany returns advances awaiting a decision.
func (s *AdvanceService) ListPendingForCompany(ctx context.Context, companyID string) ([]Advance, error) {
	if _, err := s.Store.Companies().FindByID(ctx, companyID); err != nil {
		return nil, err
	}
	return s.Store.Advances().ListPendingForCompany(ctx, companyID)
}

// RequestAdvance creates a requested advance after checking the amount
// against the limit recomputed as of at.
func (s *AdvanceService) RequestAdvance(ctx context.Context, driverID string, amount Amount, memo string, at time.Time) (Advance, error) {
	if !amount.IsPositive() {
		return Advance{}, validationErr("amount", "must be positive, got %s", amount)
	}

	var created Advance
	err := s.Store.WithTx(ctx, func(st Store) error {
		driver, err := st.Drivers().FindByID(ctx, driverID)
		if err != nil {
			return err
		}
		if !driver.Active {
			return validationErr("driver_id", "driver %s is inactive", driverID)
		}
		company, err := st.Companies().FindByID(ctx, driver.CompanyID)
		if err != nil {
			return err
		}
		if !company.Active {
			return validationErr("company_id", "company %s is inactive", company.ID)
		}

		limit, err := ComputeLimit(ctx, st, driver, company, at)
		if err != nil {
			return err
		}
		if amount.GreaterThan(limit.Limit) {
			return validationErr("amount", "requested %s exceeds available limit %s", amount, limit.Limit)
		}

		created = Advance{
			ID:              NewID(),
			DriverID:        driver.ID,
			CompanyID:       company.ID,
			RequestedAmount: amount,
			RequestedAt:     at,
			Status:          AdvanceRequested,
			Memo:            memo,
			CreatedAt:       at,
			UpdatedAt:       at,
		}
		if err := st.Advances().Save(ctx, created); err != nil {
			return fmt.Errorf("save advance: %w", err)
		}
		return audit(ctx, st, at, AuditAdvanceRequested, "advance", created.ID, map[string]string{
			"driver_id": driver.ID,
			"amount":    amount.String(),
			"limit":     limit.Limit.String(),
		})
	})
	if err != nil {
		return Advance{}, err
	}
	recorderOrNop(s.Recorder).AdvanceTransition(AdvanceRequested)
	s.logger().Info("advance requested", "advance_id", created.ID, "driver_id", driverID, "amount", amount.String())
	return created, nil
}

// Approve charges the company fee, writes the principal and fee entries
// dated at the approval day, and moves requested -> approved.
func (s *AdvanceService) Approve(ctx context.Context, id string, approvedAt time.Time) (Advance, error) {
	var approved Advance
	err := s.Store.WithTx(ctx, func(st Store) error {
		adv, err := loadForTransition(ctx, st, id, []AdvanceStatus{AdvanceRequested})
		if err != nil {
			return err
		}
		company, err := st.Companies().FindByID(ctx, adv.CompanyID)
		if err != nil {
			return err
		}

		principal := adv.RequestedAmount
		fee := CeilMulDiv(principal, company.FeeRate, RateScale)
		payout := principal.Sub(fee)
		if payout.IsNegative() {
			return &BalanceError{AdvanceID: id, Requested: fee, Available: principal}
		}

		if err := updateStatus(ctx, st, id, []AdvanceStatus{AdvanceRequested}, AdvanceUpdate{
			Status:         AdvanceApproved,
			ApprovedAmount: &principal,
			FeeAmount:      &fee,
			PayoutAmount:   &payout,
			UpdatedAt:      approvedAt,
		}); err != nil {
			return err
		}

		day := ToDateOnly(approvedAt)
		for _, e := range []LedgerEntry{
			{EntryType: EntryAdvancePrincipal, Amount: principal, IdempotencyKey: PrincipalKey(id)},
			{EntryType: EntryFee, Amount: fee, IdempotencyKey: FeeKey(id)},
		} {
			e.DriverID = adv.DriverID
			e.CompanyID = adv.CompanyID
			e.SourceType = SourceAdvance
			e.SourceID = id
			e.OccurredOn = day
			e.CreatedAt = approvedAt
			if _, err := appendEntry(ctx, st.Ledger(), e); err != nil {
				return err
			}
		}

		if err := audit(ctx, st, approvedAt, AuditAdvanceApproved, "advance", id, map[string]string{
			"principal": principal.String(),
			"fee":       fee.String(),
			"payout":    payout.String(),
		}); err != nil {
			return err
		}
		approved, err = st.Advances().FindByID(ctx, id)
		return err
	})
	if err != nil {
		return Advance{}, err
	}

	rec := recorderOrNop(s.Recorder)
	rec.AdvanceTransition(AdvanceApproved)
	rec.LedgerEntry(EntryAdvancePrincipal, *approved.ApprovedAmount)
	rec.LedgerEntry(EntryFee, *approved.FeeAmount)
	s.logger().Info("advance approved", "advance_id", id,
		"principal", approved.ApprovedAmount.String(), "fee", approved.FeeAmount.String())
	return approved, nil
}

// Reject moves requested -> rejected. The reason is stored as the memo.
func (s *AdvanceService) Reject(ctx context.Context, id, reason string, at time.Time) (Advance, error) {
	n := utf8.RuneCountInString(reason)
	if strings.TrimSpace(reason) == "" || n > MaxRejectReasonLength {
		return Advance{}, validationErr("reason", "must be 1-%d characters, got %d", MaxRejectReasonLength, n)
	}
	return s.transition(ctx, id, []AdvanceStatus{AdvanceRequested}, AdvanceUpdate{
		Status: AdvanceRejected, Memo: &reason, UpdatedAt: at,
	}, AuditAdvanceRejected, map[string]string{"reason": reason})
}

// MarkPayoutInstructed moves approved -> payout_instructed.
func (s *AdvanceService) MarkPayoutInstructed(ctx context.Context, id string, payoutDate, at time.Time) (Advance, error) {
	day := ToDateOnly(payoutDate)
	return s.transition(ctx, id, []AdvanceStatus{AdvanceApproved}, AdvanceUpdate{
		Status: AdvancePayoutInstructed, PayoutDate: &day, UpdatedAt: at,
	}, AuditAdvancePayoutInstructed, map[string]string{"payout_date": FormatDate(day)})
}

// MarkPaid moves approved or payout_instructed -> paid. Of two concurrent
// callers exactly one succeeds; the other gets StateConflictError.
func (s *AdvanceService) MarkPaid(ctx context.Context, id string, at time.Time) (Advance, error) {
	return s.transition(ctx, id, []AdvanceStatus{AdvanceApproved, AdvancePayoutInstructed}, AdvanceUpdate{
		Status: AdvancePaid, UpdatedAt: at,
	}, AuditAdvancePaid, nil)
}

// WriteOff forgives amount of the driver's outstanding balance and closes
// the advance.
func (s *AdvanceService) WriteOff(ctx context.Context, id string, amount Amount, memo string, at time.Time) (Advance, error) {
	if !amount.IsPositive() {
		return Advance{}, validationErr("amount", "must be positive, got %s", amount)
	}

	var written Advance
	err := s.Store.WithTx(ctx, func(st Store) error {
		adv, err := loadForTransition(ctx, st, id, NonTerminalAdvanceStatuses)
		if err != nil {
			return err
		}
		balance, err := st.Ledger().SumAdvanceBalance(ctx, adv.DriverID, adv.CompanyID, ToDateOnly(at))
		if err != nil {
			return fmt.Errorf("sum advance balance for driver %s: %w", adv.DriverID, err)
		}
		if amount.GreaterThan(balance) {
			return &BalanceError{AdvanceID: id, Requested: amount, Available: balance}
		}

		if err := updateStatus(ctx, st, id, NonTerminalAdvanceStatuses, AdvanceUpdate{
			Status: AdvanceWrittenOff, Memo: &memo, UpdatedAt: at,
		}); err != nil {
			return err
		}
		if _, err := appendEntry(ctx, st.Ledger(), LedgerEntry{
			DriverID:       adv.DriverID,
			CompanyID:      adv.CompanyID,
			SourceType:     SourceWriteOff,
			SourceID:       id,
			EntryType:      EntryWriteOff,
			Amount:         amount,
			OccurredOn:     at,
			IdempotencyKey: WriteOffKey(id),
			CreatedAt:      at,
		}); err != nil {
			return err
		}
		if err := audit(ctx, st, at, AuditAdvanceWrittenOff, "advance", id, map[string]string{
			"amount":  amount.String(),
			"balance": balance.String(),
			"memo":    memo,
		}); err != nil {
			return err
		}
		written, err = st.Advances().FindByID(ctx, id)
		return err
	})
	if err != nil {
		return Advance{}, err
	}

	rec := recorderOrNop(s.Recorder)
	rec.AdvanceTransition(AdvanceWrittenOff)
	rec.LedgerEntry(EntryWriteOff, amount)
	s.logger().Warn("advance written off", "advance_id", id, "amount", amount.String())
	return written, nil
}

// transition runs a status-only change with its audit row in one transaction.
func (s *AdvanceService) transition(
	ctx context.Context,
	id string,
	from []AdvanceStatus,
	u AdvanceUpdate,
	action AuditAction,
	payload map[string]string,
) (Advance, error) {
	var out Advance
	err := s.Store.WithTx(ctx, func(st Store) error {
		if _, err := loadForTransition(ctx, st, id, from); err != nil {
			return err
		}
		if err := updateStatus(ctx, st, id, from, u); err != nil {
			return err
		}
		if err := audit(ctx, st, u.UpdatedAt, action, "advance", id, payload); err != nil {
			return err
		}
		var err error
		out, err = st.Advances().FindByID(ctx, id)
		return err
	})
	if err != nil {
		return Advance{}, err
	}
	recorderOrNop(s.Recorder).AdvanceTransition(u.Status)
	s.logger().Info("advance transitioned", "advance_id", id, "status", string(u.Status))
	return out, nil
}

// loadForTransition fetches the advance and fails fast with the current
// status when it is already outside from.
func loadForTransition(ctx context.Context, st Store, id string, from []AdvanceStatus) (Advance, error) {
	adv, err := st.Advances().FindByID(ctx, id)
	if err != nil {
		return Advance{}, err
	}
	for _, f := range from {
		if adv.Status == f {
			return adv, nil
		}
	}
	return Advance{}, &StateConflictError{
		Resource: "advance",
		ID:       id,
		Current:  string(adv.Status),
		Expected: statusStrings(from),
	}
}

func updateStatus(ctx context.Context, st Store, id string, from []AdvanceStatus, u AdvanceUpdate) error {
	ok, err := st.Advances().UpdateStatus(ctx, id, from, u)
	if err != nil {
		return fmt.Errorf("update advance %s to %s: %w", id, u.Status, err)
	}
	if !ok {
		return &StateConflictError{Resource: "advance", ID: id, Expected: statusStrings(from)}
	}
	return nil
}

func audit(ctx context.Context, st Store, at time.Time, action AuditAction, resourceType, resourceID string, payload map[string]string) error {
	err := st.Audit().Append(ctx, AuditEntry{
		ID:           NewID(),
		At:           at,
		Actor:        ActorFrom(ctx),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}
