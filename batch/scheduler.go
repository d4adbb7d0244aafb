/*
scheduler.go - Automated daily batch scheduler

PURPOSE:
  Periodically runs the daily batch for today's date and the SLA check,
  so a long-running server reconciles without an external cron.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs immediately on start, then on every tick
  - Re-running the batch for the same date is safe (it converges)
  - Remembers the last report for the API to display

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := batch.NewScheduler(runner, sla, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - daily.go: Runner
  - sla.go: SLAChecker
  - api/handlers.go: RunBatch endpoint (manual trigger)
*/
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/advance-engine/engine"
)

// Scheduler runs the daily batch on a ticker.
type Scheduler struct {
	Runner        *Runner
	SLA           *SLAChecker
	CheckInterval time.Duration
	Enabled       bool
	Clock         engine.Clock
	Logger        *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu     sync.RWMutex
	lastReport *Report
	lastRunAt  time.Time
}

// NewScheduler creates a new scheduler.
func NewScheduler(runner *Runner, sla *SLAChecker, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Runner:        runner,
		SLA:           sla,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Clock:         engine.SystemClock,
		Logger:        logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("started", "check_interval", s.CheckInterval.String())
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("stopped")
	}
}

func (s *Scheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow runs the batch and SLA check once, for today's date.
func (s *Scheduler) RunNow(ctx context.Context) {
	now := s.Clock()
	s.Logger.Info("running daily batch", "at", now.Format(time.RFC3339))

	report, err := s.Runner.Run(ctx, now)
	if err != nil {
		s.Logger.Error("daily batch failed", "error", err)
	} else {
		s.lastMu.Lock()
		s.lastReport = &report
		s.lastRunAt = now
		s.lastMu.Unlock()
	}

	if s.SLA != nil {
		if _, err := s.SLA.Check(ctx, now); err != nil {
			s.Logger.Error("sla check failed", "error", err)
		}
	}
}

// LastReport returns the most recent successful report, if any.
func (s *Scheduler) LastReport() (Report, time.Time, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.lastReport == nil {
		return Report{}, time.Time{}, false
	}
	return *s.lastReport, s.lastRunAt, true
}

// NextRunTime returns when the next scheduled check will occur.
func (s *Scheduler) NextRunTime() time.Time {
	return s.Clock().Add(s.CheckInterval)
}
