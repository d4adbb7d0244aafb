package observability_test

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/advance-engine/engine"
	"github.com/warp/advance-engine/observability"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label == "" {
				return m.GetCounter().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestCollectors_RecordEngineEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := observability.NewCollectors(reg)

	var rec engine.Recorder = c
	rec.AdvanceTransition(engine.AdvanceApproved)
	rec.AdvanceTransition(engine.AdvanceApproved)
	rec.LedgerEntry(engine.EntryFee, engine.NewAmount(500))
	rec.PayrollProcessed(engine.NewAmount(20000))
	c.BatchCompleted(2*time.Second, 3)

	assert.Equal(t, 2.0, counterValue(t, reg, "advance_transitions_total", "approved"))
	assert.Equal(t, 1.0, counterValue(t, reg, "advance_ledger_entries_total", "fee"))
	assert.Equal(t, 500.0, counterValue(t, reg, "advance_ledger_amount_total", "fee"))
	assert.Equal(t, 20000.0, counterValue(t, reg, "advance_payroll_collected_amount_total", ""))
	assert.Equal(t, 3.0, counterValue(t, reg, "advance_batch_failures_total", ""))
}

func TestCollectors_Handler(t *testing.T) {
	c := observability.NewCollectors(nil)
	c.AdvanceTransition(engine.AdvancePaid)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `advance_transitions_total{to="paid"} 1`)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := observability.NewLogger(&buf, "warn", "json")
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", "component", "batch")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, `"component":"batch"`))

	_, err = observability.NewLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = observability.NewLogger(&buf, "info", "xml")
	assert.Error(t, err)

	lvl, err := observability.ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}
