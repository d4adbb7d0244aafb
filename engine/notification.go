package engine

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// NOTIFICATIONS - At most one per dedup tuple
// =============================================================================

type RecipientType string

const (
	RecipientOperator RecipientType = "operator"
	RecipientCompany  RecipientType = "company"
	RecipientDriver   RecipientType = "driver"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CategoryPayroll = "payroll"
	CategorySystem  = "system"
	CategorySLA     = "sla"
)

// Notification is an alert for an operator, company or driver. RecipientID
// is empty for operator-wide alerts.
type Notification struct {
	ID            string
	RecipientType RecipientType
	RecipientID   string
	Category      string
	Severity      Severity
	Title         string
	Message       string
	SourceType    string
	SourceID      string
	IsRead        bool
	CreatedAt     time.Time
}

// DedupKey is the tuple that identifies a notification for deduplication.
type DedupKey struct {
	RecipientType RecipientType
	RecipientID   string
	Category      string
	Severity      Severity
	SourceType    string
	SourceID      string
}

func (n Notification) DedupKey() DedupKey {
	return DedupKey{
		RecipientType: n.RecipientType,
		RecipientID:   n.RecipientID,
		Category:      n.Category,
		Severity:      n.Severity,
		SourceType:    n.SourceType,
		SourceID:      n.SourceID,
	}
}

// Notify fills in ID and CreatedAt and hands n to the sink.
func Notify(ctx context.Context, sink NotificationSink, n Notification, at time.Time) (bool, error) {
	if n.ID == "" {
		n.ID = NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = at
	}
	created, err := sink.CreateIfMissing(ctx, n)
	if err != nil {
		return false, fmt.Errorf("create notification %s/%s: %w", n.Category, n.SourceID, err)
	}
	return created, nil
}

// MarkRead marks a recipient's notifications read. Operator alerts are
// addressed without an id; company and driver alerts need one.
func MarkRead(ctx context.Context, sink NotificationSink, recipientType RecipientType, recipientID string) (int, error) {
	switch recipientType {
	case RecipientOperator:
		if recipientID != "" {
			return 0, validationErr("recipient_id", "must be empty for operator notifications")
		}
	case RecipientCompany, RecipientDriver:
		if recipientID == "" {
			return 0, validationErr("recipient_id", "is required for %s notifications", recipientType)
		}
	default:
		return 0, validationErr("recipient_type", "must be operator, company or driver, got %q", recipientType)
	}
	n, err := sink.MarkAllRead(ctx, recipientType, recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark %s notifications read: %w", recipientType, err)
	}
	return n, nil
}

// PayrollProcessedNotification tells operators a payroll was finalized.
func PayrollProcessedNotification(p Payroll) Notification {
	return Notification{
		RecipientType: RecipientOperator,
		Category:      CategoryPayroll,
		Severity:      SeverityInfo,
		Title:         "Payroll processed",
		Message: fmt.Sprintf("driver=%s company=%s payout_date=%s collection=%s",
			p.DriverID, p.CompanyID, FormatDate(p.PayoutDate), p.AdvanceCollectionAmount),
		SourceType: string(SourcePayroll),
		SourceID:   p.ID,
	}
}

// NegativeBalanceNotifications builds the operator and company alerts for a
// driver whose advance balance went below zero on date.
func NegativeBalanceNotifications(driverID, companyID string, balance Amount, date time.Time) []Notification {
	sourceID := fmt.Sprintf("%s:%s:%s", driverID, companyID, FormatDate(date))
	base := Notification{
		Category:   CategorySystem,
		Severity:   SeverityCritical,
		Title:      "Negative advance balance",
		SourceType: "balance_check",
		SourceID:   sourceID,
	}
	operator := base
	operator.RecipientType = RecipientOperator
	operator.Message = fmt.Sprintf("driver=%s company=%s advance balance is %s", driverID, companyID, balance)

	company := base
	company.RecipientType = RecipientCompany
	company.RecipientID = companyID
	company.Message = fmt.Sprintf("driver=%s advance balance is %s", driverID, balance)

	return []Notification{operator, company}
}
