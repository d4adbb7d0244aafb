/*
scenarios_test.go - Tests for demo scenario loaders

Each scenario is loaded through the API and checked for the lifecycle state
it promises.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	s := newTestServer(t)
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			rec := s.post("/api/scenarios/load", LoadScenarioRequest{ScenarioID: sc.ID})
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		})
	}
}

func TestScenario_LoadTwiceConflicts(t *testing.T) {
	s := newTestServer(t)

	rec := s.post("/api/scenarios/load", LoadScenarioRequest{ScenarioID: "payday-collection"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.post("/api/scenarios/load", LoadScenarioRequest{ScenarioID: "payday-collection"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.get("/api/scenarios/current")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payday-collection", decode[ScenarioDTO](t, rec).ID)
}

func TestScenario_Unknown(t *testing.T) {
	s := newTestServer(t)
	rec := s.post("/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenario_SalaryCap(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.post("/api/scenarios/load", LoadScenarioRequest{ScenarioID: "salary-cap"}).Code)

	rec := s.get("/api/companies/demo-cap/advances/pending")
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[[]AdvanceDTO](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, "30000", pending[0].RequestedAmount.String())

	rec = s.get("/api/drivers/demo-cap-drv/limit")
	assert.Equal(t, "80000", decode[LimitDTO](t, rec).AdvanceLimit.String())
}

func TestScenario_PartialCollectionThenBatch(t *testing.T) {
	// GIVEN: 60000 outstanding and a 40000 payroll on June 25
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.post("/api/scenarios/load", LoadScenarioRequest{ScenarioID: "partial-collection"}).Code)

	// WHEN: The batch runs on payday
	rec := s.post("/api/batch/run", RunBatchRequest{Date: "2025-06-25"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: 40000 was collected and 20000 remains
	rec = s.get("/api/drivers/demo-partial-drv/ledger?as_of=2025-06-30")
	assert.Equal(t, "20000", decode[StatementDTO](t, rec).Balance.String())
}

func TestScenario_DepartedDriverCannotRequest(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.post("/api/scenarios/load", LoadScenarioRequest{ScenarioID: "departed-driver"}).Code)

	rec := s.get("/api/drivers/demo-departed-drv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[DriverDTO](t, rec).Active)

	rec = s.post("/api/drivers/demo-departed-drv/advances", RequestAdvanceRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
