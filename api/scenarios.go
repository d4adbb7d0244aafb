/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario creates a company, a driver with confirmed
	earnings and advances in a specific lifecycle state, all through the
	engine services so the ledger and audit log are real.

AVAILABLE SCENARIOS:

	salary-cap:         Advance capped by this month's salary, awaiting approval
	payday-collection:  Paid advance and a planned payroll that clears it
	partial-collection: Payroll smaller than the balance, advance keeps settling
	departed-driver:    Inactive driver with a paid advance, ready to write off

HOW SCENARIOS WORK:
 1. Create the company with its payout policy
 2. Create the driver and record last month's earnings (payable this month)
 3. Request, approve and pay advances as the "scenario" actor
 4. Optionally plan a payroll for this month

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "payday-collection"}

	Then POST /api/batch/run {"date": "<payout date>"} to collect.

NOTE:

	The ledger is append-only, so scenarios never reset the database.
	Loading a scenario whose company already exists is a 409.

SEE ALSO:
  - handlers.go: batch and advance handlers the demos exercise
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/advance-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "salary-cap",
		Name:        "Salary Cap",
		Description: "Company that caps advances at this month's salary; one request awaiting approval",
	},
	{
		ID:          "payday-collection",
		Name:        "Payday Collection",
		Description: "Paid advance plus a planned payroll large enough to settle it",
	},
	{
		ID:          "partial-collection",
		Name:        "Partial Collection",
		Description: "Payroll smaller than the balance; the advance moves to settling",
	},
	{
		ID:          "departed-driver",
		Name:        "Departed Driver",
		Description: "Inactive driver with an outstanding paid advance to write off",
	},
}

// scenarioActor is recorded in the audit log for seeded actions.
const scenarioActor = "scenario"

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := engine.WithActor(r.Context(), scenarioActor)
	now := h.now()

	var err error
	switch req.ScenarioID {
	case "salary-cap":
		err = h.loadSalaryCapScenario(ctx, now)
	case "payday-collection":
		err = h.loadPaydayCollectionScenario(ctx, now)
	case "partial-collection":
		err = h.loadPartialCollectionScenario(ctx, now)
	case "departed-driver":
		err = h.loadDepartedDriverScenario(ctx, now)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeEngineError(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSalaryCapScenario(ctx context.Context, now time.Time) error {
	if err := h.seedCompany(ctx, "demo-cap", "Cap Logistics", false); err != nil {
		return err
	}
	if err := h.seedDriver(ctx, "demo-cap-drv", "demo-cap", 100000, now); err != nil {
		return err
	}
	_, err := h.Advances.RequestAdvance(ctx, "demo-cap-drv", engine.NewAmount(30000), "fuel", now)
	return err
}

func (h *Handler) loadPaydayCollectionScenario(ctx context.Context, now time.Time) error {
	if err := h.seedCompany(ctx, "demo-payday", "Payday Freight", true); err != nil {
		return err
	}
	if err := h.seedDriver(ctx, "demo-payday-drv", "demo-payday", 200000, now); err != nil {
		return err
	}
	if _, err := h.seedPaidAdvance(ctx, "demo-payday-drv", 50000, now); err != nil {
		return err
	}
	_, err := h.Payrolls.PlanPayroll(ctx, "demo-payday-drv", engine.MonthStart(now), engine.NewAmount(180000), now)
	return err
}

func (h *Handler) loadPartialCollectionScenario(ctx context.Context, now time.Time) error {
	if err := h.seedCompany(ctx, "demo-partial", "Partial Couriers", true); err != nil {
		return err
	}
	if err := h.seedDriver(ctx, "demo-partial-drv", "demo-partial", 100000, now); err != nil {
		return err
	}
	if _, err := h.seedPaidAdvance(ctx, "demo-partial-drv", 60000, now); err != nil {
		return err
	}
	_, err := h.Payrolls.PlanPayroll(ctx, "demo-partial-drv", engine.MonthStart(now), engine.NewAmount(40000), now)
	return err
}

func (h *Handler) loadDepartedDriverScenario(ctx context.Context, now time.Time) error {
	if err := h.seedCompany(ctx, "demo-departed", "Departed Transport", true); err != nil {
		return err
	}
	if err := h.seedDriver(ctx, "demo-departed-drv", "demo-departed", 50000, now); err != nil {
		return err
	}
	if _, err := h.seedPaidAdvance(ctx, "demo-departed-drv", 25000, now); err != nil {
		return err
	}
	d, err := h.Store.Drivers().FindByID(ctx, "demo-departed-drv")
	if err != nil {
		return err
	}
	d.Active = false
	return h.Store.Drivers().Save(ctx, d)
}

// =============================================================================
// SEED HELPERS
// =============================================================================

// seedCompany creates a company paying on the 25th for last month's work.
// It refuses to touch an existing company.
func (h *Handler) seedCompany(ctx context.Context, id, name string, allowOverSalary bool) error {
	_, err := h.Store.Companies().FindByID(ctx, id)
	if err == nil {
		return &engine.StateConflictError{Resource: "scenario company", ID: id, Current: "loaded", Expected: []string{"absent"}}
	}
	if !engine.IsNotFound(err) {
		return err
	}
	return h.Store.Companies().Save(ctx, engine.Company{
		ID:                     id,
		Name:                   name,
		LimitRate:              8000,
		FeeRate:                500,
		PayoutDay:              25,
		PayoutOffsetMonths:     1,
		AllowAdvanceOverSalary: allowOverSalary,
		Active:                 true,
	})
}

// seedDriver creates an active driver with earnings for last month, which
// the company pays this month.
func (h *Handler) seedDriver(ctx context.Context, id, companyID string, earnings int64, now time.Time) error {
	if err := h.Store.Drivers().Save(ctx, engine.Driver{
		ID: id, CompanyID: companyID, Name: "Demo driver " + id, Active: true,
	}); err != nil {
		return err
	}
	lastMonth := engine.AddMonths(engine.MonthStart(now), -1)
	_, err := h.Payrolls.RecordEarning(ctx, id, lastMonth, engine.NewAmount(earnings), now)
	return err
}

func (h *Handler) seedPaidAdvance(ctx context.Context, driverID string, amount int64, now time.Time) (engine.Advance, error) {
	a, err := h.Advances.RequestAdvance(ctx, driverID, engine.NewAmount(amount), "", now)
	if err != nil {
		return engine.Advance{}, err
	}
	if _, err := h.Advances.Approve(ctx, a.ID, now); err != nil {
		return engine.Advance{}, err
	}
	return h.Advances.MarkPaid(ctx, a.ID, now)
}
