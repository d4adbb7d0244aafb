/*
Package observability wires Prometheus metrics and slog logging.

PURPOSE:
  Collectors implements engine.Recorder and batch.RunRecorder so the engine
  reports lifecycle transitions, ledger volume and batch runs without
  importing Prometheus. NewLogger builds the process logger from config.

METRICS:
  advance_transitions_total{to}                 status changes by target status
  advance_ledger_entries_total{entry_type}      entries appended
  advance_ledger_amount_total{entry_type}       minor units appended
  advance_payroll_processed_total               payrolls collected
  advance_payroll_collected_amount_total        minor units collected
  advance_batch_runs_total                      completed daily batches
  advance_batch_failures_total                  isolated step failures
  advance_batch_duration_seconds                run time histogram

SEE ALSO:
  - engine/recorder.go: Recorder interface
  - api/server.go: exposes /metrics
*/
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/advance-engine/engine"
)

const namespace = "advance"

// Collectors holds every metric the engine and batch emit.
type Collectors struct {
	gatherer prometheus.Gatherer

	transitions   *prometheus.CounterVec
	ledgerEntries *prometheus.CounterVec
	ledgerAmount  *prometheus.CounterVec
	payrolls      prometheus.Counter
	collected     prometheus.Counter
	batchRuns     prometheus.Counter
	batchFailures prometheus.Counter
	batchDuration prometheus.Histogram
}

// NewCollectors registers the collectors on reg. A nil reg uses a fresh
// registry, which keeps tests independent of the process default.
func NewCollectors(reg *prometheus.Registry) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Collectors{
		gatherer: reg,

		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Advance status transitions by target status.",
		}, []string{"to"}),

		ledgerEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries appended by entry type.",
		}, []string{"entry_type"}),

		ledgerAmount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "amount_total",
			Help:      "Minor currency units appended to the ledger by entry type.",
		}, []string{"entry_type"}),

		payrolls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payroll",
			Name:      "processed_total",
			Help:      "Payrolls processed.",
		}),

		collected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payroll",
			Name:      "collected_amount_total",
			Help:      "Minor currency units collected from payrolls.",
		}),

		batchRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Completed daily batch runs.",
		}),

		batchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "failures_total",
			Help:      "Payroll or driver steps that failed inside a batch run.",
		}),

		batchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Daily batch run time.",
			Buckets:   []float64{.05, .1, .5, 1, 5, 15, 60, 300},
		}),
	}
}

// =============================================================================
// ENGINE RECORDER
// =============================================================================

func (c *Collectors) AdvanceTransition(to engine.AdvanceStatus) {
	c.transitions.WithLabelValues(string(to)).Inc()
}

func (c *Collectors) LedgerEntry(t engine.EntryType, amount engine.Amount) {
	c.ledgerEntries.WithLabelValues(string(t)).Inc()
	c.ledgerAmount.WithLabelValues(string(t)).Add(amount.Decimal().InexactFloat64())
}

func (c *Collectors) PayrollProcessed(collection engine.Amount) {
	c.payrolls.Inc()
	c.collected.Add(collection.Decimal().InexactFloat64())
}

// =============================================================================
// BATCH RUN RECORDER
// =============================================================================

func (c *Collectors) BatchCompleted(duration time.Duration, failures int) {
	c.batchRuns.Inc()
	c.batchFailures.Add(float64(failures))
	c.batchDuration.Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ═══════════════════════════════════════════════════════════════════════════
// Logging
// ═══════════════════════════════════════════════════════════════════════════

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// NewLogger builds a text or json slog logger writing to w.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
