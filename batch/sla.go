/*
sla.go - Advance handling SLA alerts

PURPOSE:
  Companies must act on a requested advance, and pay out an approved one,
  within a service window. The checker escalates stale advances to the
  owning company as they age past each threshold.

THRESHOLDS (defaults, minutes since the clock started):
  >= 150  info      window closing
  >= 180  warning   window reached
  >= 360  critical  overdue

  requested advances age from RequestedAt, approved ones from UpdatedAt
  (the approval time). Only the highest reached severity is emitted per
  run; lower ones already sent stay as they are.

SEE ALSO:
  - engine/notification.go: dedup tuple
*/
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/advance-engine/engine"
)

// SLAThresholds are ages, in minutes, at which alerts escalate.
type SLAThresholds struct {
	WarnMinutes    int `toml:"warn_minutes"`
	DueMinutes     int `toml:"due_minutes"`
	OverdueMinutes int `toml:"overdue_minutes"`
}

// DefaultSLAThresholds: warn 30 minutes before the 3 hour window, escalate
// after 6 hours.
var DefaultSLAThresholds = SLAThresholds{WarnMinutes: 150, DueMinutes: 180, OverdueMinutes: 360}

// Severity returns the alert severity for an item of the given age.
func (t SLAThresholds) Severity(age time.Duration) (engine.Severity, bool) {
	switch {
	case age >= minutes(t.OverdueMinutes):
		return engine.SeverityCritical, true
	case age >= minutes(t.DueMinutes):
		return engine.SeverityWarning, true
	case age >= minutes(t.WarnMinutes):
		return engine.SeverityInfo, true
	}
	return "", false
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// SLAReport counts what one check found.
type SLAReport struct {
	AsOf     time.Time `json:"as_of"`
	Checked  int       `json:"checked"`
	Breaches int       `json:"breaches"`
	Created  int       `json:"created"`
}

type SLAChecker struct {
	Store      engine.Store
	Thresholds SLAThresholds
	Logger     *slog.Logger
}

func (c *SLAChecker) thresholds() SLAThresholds {
	if c.Thresholds == (SLAThresholds{}) {
		return DefaultSLAThresholds
	}
	return c.Thresholds
}

// Check emits company notifications for requested and approved advances
// older than the thresholds as of asOf.
func (c *SLAChecker) Check(ctx context.Context, asOf time.Time) (SLAReport, error) {
	report := SLAReport{AsOf: asOf}
	th := c.thresholds()

	advances, err := c.Store.Advances().ListByStatus(ctx, engine.AdvanceRequested, engine.AdvanceApproved)
	if err != nil {
		return report, fmt.Errorf("list advances awaiting action: %w", err)
	}

	for _, a := range advances {
		report.Checked++
		since := a.RequestedAt
		if a.Status == engine.AdvanceApproved {
			since = a.UpdatedAt
		}
		sev, breached := th.Severity(asOf.Sub(since))
		if !breached {
			continue
		}
		report.Breaches++

		created, err := engine.Notify(ctx, c.Store.Notifications(), slaNotification(a, sev), asOf)
		if err != nil {
			return report, err
		}
		if created {
			report.Created++
		}
	}

	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	log.With("component", "sla").Info("sla check completed",
		"as_of", asOf.Format(time.RFC3339),
		"checked", report.Checked,
		"breaches", report.Breaches,
		"created", report.Created)
	return report, nil
}

func slaNotification(a engine.Advance, sev engine.Severity) engine.Notification {
	n := engine.Notification{
		RecipientType: engine.RecipientCompany,
		RecipientID:   a.CompanyID,
		Category:      engine.CategorySLA,
		Severity:      sev,
		SourceType:    string(engine.SourceAdvance),
		SourceID:      a.ID,
	}

	stage := "request"
	if a.Status == engine.AdvanceApproved {
		stage = "payout"
	}
	switch sev {
	case engine.SeverityCritical:
		n.Title = fmt.Sprintf("Advance %s overdue", stage)
		n.Message = fmt.Sprintf("advance %s has breached the %s SLA", a.ID, stage)
	case engine.SeverityWarning:
		n.Title = fmt.Sprintf("Advance %s due", stage)
		n.Message = fmt.Sprintf("advance %s has reached the %s deadline", a.ID, stage)
	default:
		n.Title = fmt.Sprintf("Advance %s due soon", stage)
		n.Message = fmt.Sprintf("advance %s is approaching the %s deadline", a.ID, stage)
	}
	return n
}
