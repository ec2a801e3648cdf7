// Package audit records who did what to which financial record.
//
// Entries are written after the business change commits. A failed write
// is logged by the caller and never reverses the change.
package audit

import (
	"context"
	"time"
)

// Event types.
const (
	EventWireConfirmed     = "WIRE_CONFIRMED"
	EventTransactionFailed = "TRANSACTION_FAILED"
	EventCommitmentCreated = "STAGED_COMMITMENT_CREATED"
	EventTrancheTransition = "TRANCHE_STATUS_CHANGED"
	EventTrancheOverdue    = "TRANCHE_MARKED_OVERDUE"
	EventBillingSynced     = "BILLING_SUBSCRIPTION_SYNCED"
	EventAggregateMismatch = "FUND_AGGREGATE_MISMATCH"
)

// Resource types.
const (
	ResourceTransaction  = "Transaction"
	ResourceInvestment   = "Investment"
	ResourceTranche      = "InvestmentTranche"
	ResourceTeam         = "Team"
	ResourceOrganization = "Organization"
	ResourceFund         = "Fund"
)

// Entry is a single audit log record.
type Entry struct {
	ID           int64          `json:"id"`
	EventType    string         `json:"eventType"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	UserID       string         `json:"userId,omitempty"`
	TeamID       string         `json:"teamId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IPAddress    string         `json:"ipAddress,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Query filters entries. Zero fields match everything.
type Query struct {
	TeamID       string
	ResourceType string
	ResourceID   string
	EventType    string
	From, To     time.Time
	// BeforeID restricts results to entries older than a previous page.
	BeforeID     int64
	Limit        int
}

// MaxQueryLimit bounds a single audit query.
const MaxQueryLimit = 501

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > MaxQueryLimit {
		return 100
	}
	return q.Limit
}

// Logger persists audit entries.
type Logger interface {
	Log(ctx context.Context, e *Entry) error
	Query(ctx context.Context, q Query) ([]*Entry, error)
}

type contextKey string

const (
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// WithRequestMeta attaches the client IP and request id for audit entries
// written while serving the request.
func WithRequestMeta(ctx context.Context, ip, requestID string) context.Context {
	ctx = context.WithValue(ctx, ctxIPAddress, ip)
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// Stamp fills IP address and request id from ctx when the entry lacks them.
func Stamp(ctx context.Context, e *Entry) {
	if v, ok := ctx.Value(ctxIPAddress).(string); ok && e.IPAddress == "" {
		e.IPAddress = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok && e.RequestID == "" {
		e.RequestID = v
	}
}
