/*
handlers_test.go - Tests for API handlers

Tests for:
- Advance lifecycle over HTTP (request, approve, paid, repeated paid)
- Error kind to status mapping (400, 404, 409, 422)
- Payroll planning, holiday shifts and processing
- Batch run, balance row, monthly metrics and billing preview
- Actor header recorded in the audit log
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/advance-engine/engine"
	"github.com/warp/advance-engine/observability"
	"github.com/warp/advance-engine/store/sqlite"
)

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	h      *Handler
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	col := observability.NewCollectors(nil)
	h := NewHandler(store, store, col, logger)
	h.Clock = func() time.Time { return testNow }
	h.Metrics = col.Handler()

	return &testServer{t: t, h: h, router: NewRouter(h, nil)}
}

func (s *testServer) do(method, path string, body any, actor string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) post(path string, body any) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, path, body, "")
}

func (s *testServer) get(path string) *httptest.ResponseRecorder {
	return s.do(http.MethodGet, path, nil, "")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedDriver creates co-1 (80% limit, 5% fee, paid on the 25th for last
// month's work) and drv-1 with 100000 earned in May.
func (s *testServer) seedDriver() {
	s.t.Helper()
	rec := s.post("/api/companies", CreateCompanyRequest{
		ID:                     "co-1",
		Name:                   "Acme Freight",
		LimitRate:              "0.8",
		FeeRate:                "0.05",
		PayoutDay:              25,
		PayoutOffsetMonths:     1,
		AllowAdvanceOverSalary: true,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.post("/api/drivers", CreateDriverRequest{ID: "drv-1", CompanyID: "co-1", Name: "Dana"})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.post("/api/drivers/drv-1/earnings", RecordEarningRequest{
		WorkMonth: "2025-05", Amount: engine.NewAmount(100000),
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

// atPayday moves the handler clock to the June payout date.
func (s *testServer) atPayday() {
	s.h.Clock = func() time.Time { return time.Date(2025, 6, 25, 9, 0, 0, 0, time.UTC) }
}

func (s *testServer) paidAdvance(amount int64) AdvanceDTO {
	s.t.Helper()
	rec := s.post("/api/drivers/drv-1/advances", RequestAdvanceRequest{Amount: engine.NewAmount(amount)})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decode[AdvanceDTO](s.t, rec)

	rec = s.post("/api/advances/"+a.ID+"/approve", nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.post("/api/advances/"+a.ID+"/paid", nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[AdvanceDTO](s.t, rec)
}

// =============================================================================
// ADVANCE LIFECYCLE
// =============================================================================

func TestAdvanceLifecycle_OverHTTP(t *testing.T) {
	// GIVEN: A driver with 100000 of unpaid earnings
	s := newTestServer(t)
	s.seedDriver()

	rec := s.get("/api/drivers/drv-1/limit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "80000", decode[LimitDTO](t, rec).AdvanceLimit.String())

	// WHEN: An operator requests, approves and pays 20000
	rec = s.do(http.MethodPost, "/api/drivers/drv-1/advances",
		RequestAdvanceRequest{Amount: engine.NewAmount(20000), Memo: "tyres"}, "ops@example.com")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	requested := decode[AdvanceDTO](t, rec)
	assert.Equal(t, "requested", requested.Status)

	rec = s.do(http.MethodPost, "/api/advances/"+requested.ID+"/approve", nil, "ops@example.com")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[AdvanceDTO](t, rec)
	require.NotNil(t, approved.FeeAmount)
	assert.Equal(t, "1000", approved.FeeAmount.String())
	assert.Equal(t, "19000", approved.PayoutAmount.String())

	rec = s.post("/api/advances/"+requested.ID+"/paid", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paid", decode[AdvanceDTO](t, rec).Status)

	// THEN: Paying again is a state conflict
	rec = s.post("/api/advances/"+requested.ID+"/paid", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "state_conflict", decode[ErrorResponse](t, rec).Kind)

	// AND: The ledger balance is the principal, without the fee
	rec = s.get("/api/drivers/drv-1/ledger")
	require.Equal(t, http.StatusOK, rec.Code)
	stmt := decode[StatementDTO](t, rec)
	assert.Equal(t, "20000", stmt.Balance.String())
	assert.Len(t, stmt.Entries, 2)

	// AND: The audit trail names the actor from the header
	rec = s.get("/api/advances/" + requested.ID + "/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decode[[]AuditEntryDTO](t, rec)
	require.Len(t, trail, 3)
	assert.Equal(t, "advance_requested", trail[0].Action)
	assert.Equal(t, "ops@example.com", trail[0].Actor)
	assert.Equal(t, "ops@example.com", trail[1].Actor)
	assert.Equal(t, engine.SystemActor, trail[2].Actor)
}

func TestRejectAdvance(t *testing.T) {
	s := newTestServer(t)
	s.seedDriver()
	rec := s.post("/api/drivers/drv-1/advances", RequestAdvanceRequest{Amount: engine.NewAmount(5000)})
	require.Equal(t, http.StatusCreated, rec.Code)
	a := decode[AdvanceDTO](t, rec)

	rec = s.post("/api/advances/"+a.ID+"/reject", RejectAdvanceRequest{Reason: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.post("/api/advances/"+a.ID+"/reject", RejectAdvanceRequest{Reason: "duplicate request"})
	require.Equal(t, http.StatusOK, rec.Code)
	rejected := decode[AdvanceDTO](t, rec)
	assert.Equal(t, "rejected", rejected.Status)
	assert.Equal(t, "duplicate request", rejected.Memo)

	rec = s.get("/api/companies/co-1/advances/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]AdvanceDTO](t, rec))
}

func TestPayoutInstructedThenPaid(t *testing.T) {
	s := newTestServer(t)
	s.seedDriver()
	rec := s.post("/api/drivers/drv-1/advances", RequestAdvanceRequest{Amount: engine.NewAmount(5000)})
	a := decode[AdvanceDTO](t, rec)
	require.Equal(t, http.StatusOK, s.post("/api/advances/"+a.ID+"/approve", nil).Code)

	rec = s.post("/api/advances/"+a.ID+"/payout-instructed", PayoutInstructedRequest{PayoutDate: "2025-06-11"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	instructed := decode[AdvanceDTO](t, rec)
	assert.Equal(t, "payout_instructed", instructed.Status)
	assert.Equal(t, "2025-06-11", instructed.PayoutDate)

	rec = s.post("/api/advances/"+a.ID+"/paid", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t)
	s.seedDriver()
	paid := s.paidAdvance(20000)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"over limit", http.MethodPost, "/api/drivers/drv-1/advances",
			RequestAdvanceRequest{Amount: engine.NewAmount(90000)}, http.StatusBadRequest, "validation"},
		{"non-positive amount", http.MethodPost, "/api/drivers/drv-1/advances",
			RequestAdvanceRequest{Amount: engine.Zero}, http.StatusBadRequest, "validation"},
		{"unknown advance", http.MethodGet, "/api/advances/nope", nil, http.StatusNotFound, "not_found"},
		{"unknown driver limit", http.MethodGet, "/api/drivers/nope/limit", nil, http.StatusNotFound, "not_found"},
		{"approve paid advance", http.MethodPost, "/api/advances/" + paid.ID + "/approve", nil,
			http.StatusConflict, "state_conflict"},
		{"write off over balance", http.MethodPost, "/api/advances/" + paid.ID + "/write-off",
			WriteOffRequest{Amount: engine.NewAmount(25000)}, http.StatusUnprocessableEntity, "balance"},
		{"invalid company rate", http.MethodPost, "/api/companies",
			CreateCompanyRequest{ID: "co-x", LimitRate: "1.5", FeeRate: "0", PayoutDay: 1},
			http.StatusBadRequest, "validation"},
		{"payout day off schedule", http.MethodPost, "/api/companies",
			CreateCompanyRequest{ID: "co-x", LimitRate: "0.5", FeeRate: "0", PayoutDay: 28},
			http.StatusBadRequest, "validation"},
		{"payout day with month end", http.MethodPost, "/api/companies",
			CreateCompanyRequest{ID: "co-x", LimitRate: "0.5", FeeRate: "0", PayoutDay: 25, PayoutDayIsMonthEnd: true},
			http.StatusBadRequest, "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decode[ErrorResponse](t, rec).Kind)
		})
	}
}

func TestCreateCompany_MonthEndPolicy(t *testing.T) {
	s := newTestServer(t)
	rec := s.post("/api/companies", CreateCompanyRequest{
		ID: "co-me", Name: "Month End Co", LimitRate: "0.5", FeeRate: "0.01", PayoutDayIsMonthEnd: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	c := decode[CompanyDTO](t, rec)
	assert.True(t, c.PayoutDayIsMonthEnd)
	assert.Equal(t, 0, c.PayoutDay)
}

func TestMalformedBody_400(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/companies", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteOff_WithinBalance(t *testing.T) {
	s := newTestServer(t)
	s.seedDriver()
	paid := s.paidAdvance(20000)

	rec := s.post("/api/advances/"+paid.ID+"/write-off", WriteOffRequest{Amount: engine.NewAmount(20000), Memo: "left"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "written_off", decode[AdvanceDTO](t, rec).Status)

	rec = s.get("/api/drivers/drv-1/ledger")
	assert.Equal(t, "0", decode[StatementDTO](t, rec).Balance.String())
}

// =============================================================================
// PAYROLLS AND HOLIDAYS
// =============================================================================

func TestPayroll_PlanAndProcess(t *testing.T) {
	// GIVEN: A paid advance of 20000 and a June payroll of 150000
	s := newTestServer(t)
	s.seedDriver()
	paid := s.paidAdvance(20000)

	rec := s.post("/api/drivers/drv-1/payrolls", PlanPayrollRequest{
		PayoutMonth: "2025-06", Gross: engine.NewAmount(150000),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	planned := decode[PayrollDTO](t, rec)
	assert.Equal(t, "2025-06-25", planned.PayoutDate)
	assert.Equal(t, "planned", planned.Status)

	// AND: It cannot be processed before payday
	rec = s.post("/api/payrolls/"+planned.ID+"/process", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "validation", decode[ErrorResponse](t, rec).Kind)
	s.atPayday()

	// WHEN: The payroll is processed twice on payday
	rec = s.post("/api/payrolls/"+planned.ID+"/process", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[ProcessPayrollResponse](t, rec)

	rec = s.post("/api/payrolls/"+planned.ID+"/process", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[ProcessPayrollResponse](t, rec)

	// THEN: The first collects the whole balance and settles the advance
	assert.True(t, first.Processed)
	assert.Equal(t, "20000", first.Collection.String())
	require.NotNil(t, first.Payroll.NetSalaryAmount)
	assert.Equal(t, "130000", first.Payroll.NetSalaryAmount.String())
	assert.Equal(t, "settled", first.Transition)
	assert.False(t, second.Processed)

	rec = s.get("/api/advances/" + paid.ID)
	assert.Equal(t, "settled", decode[AdvanceDTO](t, rec).Status)

	// AND: Overriding a processed payroll is a conflict
	rec = s.post("/api/payrolls/"+planned.ID+"/override", OverrideRequest{Amount: engine.NewAmount(100), Reason: "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPayroll_OverrideCapsCollection(t *testing.T) {
	s := newTestServer(t)
	s.seedDriver()
	s.paidAdvance(20000)

	rec := s.post("/api/drivers/drv-1/payrolls", PlanPayrollRequest{PayoutMonth: "2025-06", Gross: engine.NewAmount(150000)})
	planned := decode[PayrollDTO](t, rec)

	rec = s.post("/api/payrolls/"+planned.ID+"/override", OverrideRequest{Amount: engine.NewAmount(5000), Reason: "hardship"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "hardship", decode[PayrollDTO](t, rec).CollectionOverrideReason)

	s.atPayday()
	rec = s.post("/api/payrolls/"+planned.ID+"/process", nil)
	res := decode[ProcessPayrollResponse](t, rec)
	assert.Equal(t, "5000", res.Collection.String())
	assert.Equal(t, "settling", res.Transition)
}

func TestHoliday_MovesPayoutDate(t *testing.T) {
	s := newTestServer(t)
	s.seedDriver()

	rec := s.post("/api/holidays", CreateHolidayRequest{Date: "2025-06-25", Name: "Company day"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.get("/api/holidays/2025-06-25")
	require.Equal(t, http.StatusOK, rec.Code)
	day := decode[map[string]any](t, rec)
	assert.Equal(t, true, day["holiday"])
	assert.Equal(t, false, day["business_day"])

	rec = s.post("/api/drivers/drv-1/payrolls", PlanPayrollRequest{PayoutMonth: "2025-06", Gross: engine.NewAmount(1000)})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2025-06-24", decode[PayrollDTO](t, rec).PayoutDate)
}

// =============================================================================
// BATCH AND REPORTING
// =============================================================================

func TestBatchRun_RefreshesBalancesAndMetrics(t *testing.T) {
	// GIVEN: A paid advance and a planned June payroll
	s := newTestServer(t)
	s.seedDriver()
	s.paidAdvance(20000)
	rec := s.post("/api/drivers/drv-1/payrolls", PlanPayrollRequest{PayoutMonth: "2025-06", Gross: engine.NewAmount(150000)})
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: The batch runs on payday
	rec = s.post("/api/batch/run", RunBatchRequest{Date: "2025-06-25"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[map[string]any](t, rec)

	// THEN
	assert.EqualValues(t, 1, report["payrolls_processed"])
	assert.EqualValues(t, 1, report["balances_refreshed"])

	rec = s.get("/api/drivers/drv-1/balance")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bal := decode[BalanceDTO](t, rec)
	assert.Equal(t, "0", bal.AdvanceBalance.String())
	assert.Equal(t, "2025-06-25", bal.AsOfDate)

	rec = s.get("/api/metrics/monthly?month=2025-06")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]MetricsDTO](t, rec)
	require.Len(t, rows, 2)
	assert.Equal(t, "", rows[0].CompanyID)
	assert.Equal(t, "co-1", rows[1].CompanyID)
	assert.Equal(t, "20000", rows[1].TotalAdvancePrincipal.String())
	assert.Equal(t, "1000", rows[1].TotalFeeRevenue.String())
	assert.Equal(t, "20000", rows[1].TotalCollectedPrincipal.String())

	rec = s.get("/api/billing/preview?month=2025-06")
	require.Equal(t, http.StatusOK, rec.Code)
	lines := decode[[]BillingLineDTO](t, rec)
	require.Len(t, lines, 1)
	assert.Equal(t, "co-1", lines[0].CompanyID)
	assert.Equal(t, "20000", lines[0].Principal.String())
}

func TestSLACheck_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.seedDriver()
	rec := s.post("/api/drivers/drv-1/advances", RequestAdvanceRequest{Amount: engine.NewAmount(5000)})
	a := decode[AdvanceDTO](t, rec)

	rec = s.post("/api/batch/sla", SLACheckRequest{AsOf: testNow.Add(7 * time.Hour).Format(time.RFC3339)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["created"])

	rec = s.get("/api/notifications?category=sla&recipient_id=co-1")
	require.Equal(t, http.StatusOK, rec.Code)
	notes := decode[[]NotificationDTO](t, rec)
	require.Len(t, notes, 1)
	assert.Equal(t, a.ID, notes[0].SourceID)
	assert.Equal(t, "critical", notes[0].Severity)
}

func TestNotifications_MarkReadAndUnreadFilter(t *testing.T) {
	// GIVEN: An SLA alert for co-1 and a processed-payroll alert for operators
	s := newTestServer(t)
	s.seedDriver()
	s.post("/api/drivers/drv-1/advances", RequestAdvanceRequest{Amount: engine.NewAmount(5000)})
	rec := s.post("/api/batch/sla", SLACheckRequest{AsOf: testNow.Add(7 * time.Hour).Format(time.RFC3339)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.post("/api/drivers/drv-1/payrolls", PlanPayrollRequest{PayoutMonth: "2025-06", Gross: engine.NewAmount(1000)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.post("/api/batch/run", RunBatchRequest{Date: "2025-06-25"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.get("/api/notifications?unread_only=true&recipient_type=operator")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]NotificationDTO](t, rec), 1)

	// WHEN: Operators mark their notifications read
	rec = s.post("/api/notifications/read", MarkReadRequest{RecipientType: "operator"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[MarkReadResponse](t, rec).Updated)

	// THEN: Only the company alert is still unread
	rec = s.get("/api/notifications?unread_only=1")
	require.Equal(t, http.StatusOK, rec.Code)
	unread := decode[[]NotificationDTO](t, rec)
	require.Len(t, unread, 1)
	assert.Equal(t, "company", unread[0].RecipientType)

	rec = s.get("/api/notifications?recipient_type=operator")
	all := decode[[]NotificationDTO](t, rec)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsRead)

	// AND: Operator rows take no id, company rows need one
	rec = s.post("/api/notifications/read", MarkReadRequest{RecipientType: "operator", RecipientID: "op-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.post("/api/notifications/read", MarkReadRequest{RecipientType: "company"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.get("/api/notifications?unread_only=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLastBatchReport_NoScheduler(t *testing.T) {
	s := newTestServer(t)
	rec := s.get("/api/batch/last")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.seedDriver()
	s.paidAdvance(1000)

	rec := s.get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `advance_transitions_total{to="paid"} 1`)
	assert.Contains(t, rec.Body.String(), "advance_ledger_entries_total")
}
