// Package notify delivers best-effort notifications about money movement.
//
// Notifications are sent after the financial change has committed. A
// failed delivery is logged and counted; it never reverses the change.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType names a notification.
type EventType string

const (
	EventWireConfirmed  EventType = "wire.confirmed"
	EventTrancheOverdue EventType = "tranche.overdue"
)

// WireConfirmedEvent describes a completed wire confirmation.
type WireConfirmedEvent struct {
	TransactionID     string    `json:"transactionId"`
	InvestmentID      string    `json:"investmentId"`
	FundID            string    `json:"fundId"`
	InvestorID        string    `json:"investorId"`
	TeamID            string    `json:"teamId,omitempty"`
	AmountReceived    string    `json:"amountReceived"`
	FundedAmount      string    `json:"fundedAmount"`
	CommitmentAmount  string    `json:"commitmentAmount"`
	InvestmentStatus  string    `json:"investmentStatus"`
	Overage           string    `json:"overage,omitempty"`
	FundsReceivedDate time.Time `json:"fundsReceivedDate"`
	ConfirmedAt       time.Time `json:"confirmedAt"`
	ConfirmedBy       string    `json:"confirmedBy,omitempty"`
}

// TrancheOverdueEvent describes a tranche the sweeper marked overdue.
type TrancheOverdueEvent struct {
	TrancheID     string    `json:"trancheId"`
	InvestmentID  string    `json:"investmentId"`
	FundID        string    `json:"fundId"`
	Amount        string    `json:"amount"`
	ScheduledDate time.Time `json:"scheduledDate"`
	PreviousState string    `json:"previousStatus"`
}

// Notifier delivers notifications. Implementations may deliver
// asynchronously; a nil error means the notification was accepted.
type Notifier interface {
	WireConfirmed(ctx context.Context, e WireConfirmedEvent) error
	TrancheOverdue(ctx context.Context, e TrancheOverdueEvent) error
}

// LogNotifier writes notifications to the log. It stands in for email
// delivery in development and tests.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a logging notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) WireConfirmed(ctx context.Context, e WireConfirmedEvent) error {
	n.logger.InfoContext(ctx, "notification: wire confirmed",
		"transaction_id", e.TransactionID,
		"investment_id", e.InvestmentID,
		"fund_id", e.FundID,
		"amount", e.AmountReceived,
		"investment_status", e.InvestmentStatus)
	return nil
}

func (n *LogNotifier) TrancheOverdue(ctx context.Context, e TrancheOverdueEvent) error {
	n.logger.InfoContext(ctx, "notification: tranche overdue",
		"tranche_id", e.TrancheID,
		"investment_id", e.InvestmentID,
		"scheduled_date", e.ScheduledDate)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) WireConfirmed(ctx context.Context, e WireConfirmedEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.WireConfirmed(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) TrancheOverdue(ctx context.Context, e TrancheOverdueEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.TrancheOverdue(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) WireConfirmed(context.Context, WireConfirmedEvent) error   { return nil }
func (Nop) TrancheOverdue(context.Context, TrancheOverdueEvent) error { return nil }
