/*
daily.go - Daily reconciliation batch

PURPOSE:
  Brings every driver's derived state up to date for a target date:
  collects due payrolls, rebuilds materialized balances, settles cleared
  advances, raises anomaly alerts and rewrites monthly metrics.

ALGORITHM:
  1. Planned payrolls with payout_date <= target, ascending
  2. Process each (own transaction) and notify operators
  3. Recompute every driver's balance row from ledger and earning sums
  4. balance == 0  -> paid/settling advances become settled
  5. balance < 0   -> critical alert to operator and company (deduplicated)
  6. Rewrite metrics for the target month, per company then globally

IDEMPOTENCE:
  Steps 3-6 recompute from ledger sums and overwrite. Step 2 is guarded by
  status=planned. Running twice for the same date converges.

FAILURE ISOLATION:
  A failing payroll or driver is logged, counted in the Report and skipped.
  Only a failure to list the work itself aborts the run.

SEE ALSO:
  - engine/payroll.go: ProcessPayroll
  - engine/limit.go: ComputeLimit
  - scheduler.go: runs this daily
*/
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/advance-engine/engine"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds the per-driver fan-out when Runner.Workers is unset.
const DefaultWorkers = 4

// Report summarizes one batch run.
type Report struct {
	TargetDate        time.Time `json:"target_date"`
	PayrollsProcessed int       `json:"payrolls_processed"`
	PayrollFailures   int       `json:"payroll_failures"`
	BalancesRefreshed int       `json:"balances_refreshed"`
	BalanceFailures   int       `json:"balance_failures"`
	AdvancesSettled   int       `json:"advances_settled"`
	NegativeBalances  int       `json:"negative_balances"`
	NotificationsSent int       `json:"notifications_sent"`
	MetricsUpserted   int       `json:"metrics_upserted"`
	Duration          string    `json:"duration"`
}

// Failures is the number of isolated steps that failed.
func (r Report) Failures() int { return r.PayrollFailures + r.BalanceFailures }

// RunRecorder receives batch-level metrics.
type RunRecorder interface {
	BatchCompleted(duration time.Duration, failures int)
}

// Runner executes the daily batch against a transactional store.
type Runner struct {
	Store    engine.TxStore
	Workers  int
	Clock    engine.Clock
	Logger   *slog.Logger
	Recorder engine.Recorder
	Runs     RunRecorder
}

func (r *Runner) logger() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "batch")
}

func (r *Runner) now() time.Time {
	if r.Clock == nil {
		return engine.SystemClock()
	}
	return r.Clock()
}

func (r *Runner) recorder() engine.Recorder {
	if r.Recorder == nil {
		return engine.NopRecorder
	}
	return r.Recorder
}

// Run reconciles everything up to and including targetDate.
func (r *Runner) Run(ctx context.Context, targetDate time.Time) (Report, error) {
	started := r.now()
	date := engine.ToDateOnly(targetDate)
	report := Report{TargetDate: date}
	log := r.logger().With("target_date", engine.FormatDate(date))

	log.Info("batch started")

	if err := r.processPayrolls(ctx, date, &report); err != nil {
		return report, err
	}
	if err := r.refreshBalances(ctx, date, &report); err != nil {
		return report, err
	}
	if err := r.refreshMetrics(ctx, date, &report); err != nil {
		return report, err
	}

	elapsed := r.now().Sub(started)
	report.Duration = elapsed.String()
	if r.Runs != nil {
		r.Runs.BatchCompleted(elapsed, report.Failures())
	}
	log.Info("batch completed",
		"payrolls_processed", report.PayrollsProcessed,
		"payroll_failures", report.PayrollFailures,
		"balances_refreshed", report.BalancesRefreshed,
		"balance_failures", report.BalanceFailures,
		"advances_settled", report.AdvancesSettled,
		"negative_balances", report.NegativeBalances,
		"metrics_upserted", report.MetricsUpserted)
	return report, nil
}

// =============================================================================
// STEP 1-2: PAYROLL COLLECTION
// =============================================================================

func (r *Runner) processPayrolls(ctx context.Context, date time.Time, report *Report) error {
	due, err := r.Store.Payrolls().FindPlannedOnOrBefore(ctx, date)
	if err != nil {
		return fmt.Errorf("list planned payrolls: %w", err)
	}

	for _, p := range due {
		var res engine.PayrollResult
		var notified bool
		err := r.Store.WithTx(ctx, func(st engine.Store) error {
			var err error
			res, err = engine.ProcessPayroll(ctx, st, p.ID, date, r.now())
			if err != nil || !res.Processed {
				return err
			}
			notified, err = engine.Notify(ctx, st.Notifications(), engine.PayrollProcessedNotification(res.Payroll), r.now())
			return err
		})
		if err != nil {
			report.PayrollFailures++
			r.logger().Error("payroll processing failed", "payroll_id", p.ID, "driver_id", p.DriverID, "error", err)
			continue
		}
		if !res.Processed {
			continue
		}

		report.PayrollsProcessed++
		if notified {
			report.NotificationsSent++
		}
		rec := r.recorder()
		rec.PayrollProcessed(res.Collection)
		rec.LedgerEntry(engine.EntryCollection, res.Collection)
		if res.Transitioned > 0 {
			rec.AdvanceTransition(res.Transition)
		}
		r.logger().Info("payroll processed",
			"payroll_id", p.ID,
			"collection", res.Collection.String(),
			"net", res.Net.String(),
			"transition", string(res.Transition),
			"advances_transitioned", res.Transitioned)
	}
	return nil
}

// =============================================================================
// STEP 3-5: BALANCE REFRESH
// =============================================================================

type driverOutcome struct {
	settled  int
	negative bool
	notified int
}

func (r *Runner) refreshBalances(ctx context.Context, date time.Time, report *Report) error {
	drivers, err := r.Store.Drivers().List(ctx)
	if err != nil {
		return fmt.Errorf("list drivers: %w", err)
	}
	companies, err := r.Store.Companies().List(ctx)
	if err != nil {
		return fmt.Errorf("list companies: %w", err)
	}
	byID := make(map[string]engine.Company, len(companies))
	for _, c := range companies {
		byID[c.ID] = c
	}

	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, d := range drivers {
		company, ok := byID[d.CompanyID]
		if !ok {
			mu.Lock()
			report.BalanceFailures++
			mu.Unlock()
			r.logger().Error("driver has unknown company", "driver_id", d.ID, "company_id", d.CompanyID)
			continue
		}
		g.Go(func() error {
			out, err := r.refreshDriver(gctx, d, company, date)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				report.BalanceFailures++
				r.logger().Error("balance refresh failed", "driver_id", d.ID, "error", err)
				return nil
			}
			report.BalancesRefreshed++
			report.AdvancesSettled += out.settled
			report.NotificationsSent += out.notified
			if out.negative {
				report.NegativeBalances++
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) refreshDriver(ctx context.Context, d engine.Driver, c engine.Company, date time.Time) (driverOutcome, error) {
	var out driverOutcome
	var balance engine.Amount
	err := r.Store.WithTx(ctx, func(st engine.Store) error {
		snap, err := engine.ComputeLimit(ctx, st, d, c, date)
		if err != nil {
			return err
		}
		balance = snap.AdvanceBalance
		if err := st.Balances().UpsertBalance(ctx, snap.Balance(r.now())); err != nil {
			return fmt.Errorf("upsert balance: %w", err)
		}

		switch {
		case balance.IsZero():
			n, err := st.Advances().TransitionAll(ctx, d.ID, c.ID,
				[]engine.AdvanceStatus{engine.AdvancePaid, engine.AdvanceSettling}, engine.AdvanceSettled, r.now())
			if err != nil {
				return fmt.Errorf("settle advances: %w", err)
			}
			out.settled = n
		case balance.IsNegative():
			out.negative = true
			for _, n := range engine.NegativeBalanceNotifications(d.ID, c.ID, balance, date) {
				created, err := engine.Notify(ctx, st.Notifications(), n, r.now())
				if err != nil {
					return err
				}
				if created {
					out.notified++
				}
			}
		}
		return nil
	})
	if err != nil {
		return driverOutcome{}, err
	}

	if out.settled > 0 {
		r.recorder().AdvanceTransition(engine.AdvanceSettled)
	}
	if out.negative {
		r.logger().Warn("negative advance balance", "driver_id", d.ID, "company_id", c.ID, "balance", balance.String())
	}
	return out, nil
}

// =============================================================================
// STEP 6: MONTHLY METRICS
// =============================================================================

func (r *Runner) refreshMetrics(ctx context.Context, date time.Time, report *Report) error {
	companies, err := r.Store.Companies().List(ctx)
	if err != nil {
		return fmt.Errorf("list companies: %w", err)
	}

	for _, c := range companies {
		id := c.ID
		if _, err := engine.RefreshMonthlyMetrics(ctx, r.Store, &id, date, r.now()); err != nil {
			return fmt.Errorf("refresh metrics for company %s: %w", c.ID, err)
		}
		report.MetricsUpserted++
	}
	if _, err := engine.RefreshMonthlyMetrics(ctx, r.Store, nil, date, r.now()); err != nil {
		return fmt.Errorf("refresh global metrics: %w", err)
	}
	report.MetricsUpserted++
	return nil
}
