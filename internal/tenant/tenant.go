// Package tenant holds the billing entities of the platform: GP teams,
// CRM organizations and their premium activations.
//
// Rows here are written by billing webhooks and admin actions. Tier
// resolution and the paywall only read them.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTeamNotFound  = errors.New("tenant: team not found")
	ErrOrgNotFound   = errors.New("tenant: organization not found")
	ErrAlreadyExists = errors.New("tenant: already exists")
)

// SubscriptionStatus is the billing state stored on an organization.
type SubscriptionStatus string

const (
	SubscriptionNone     SubscriptionStatus = "NONE"
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionTrialing SubscriptionStatus = "TRIALING"
	SubscriptionPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
)

// ActivationKind names a premium bundle that is switched on independently
// of the plan.
type ActivationKind string

const (
	ActivationFundRoom ActivationKind = "FUNDROOM"
	ActivationAICRM    ActivationKind = "AI_CRM"
)

// ActivationStatus is the state of an activation record.
type ActivationStatus string

const (
	ActivationNone        ActivationStatus = "NONE"
	ActivationActive      ActivationStatus = "ACTIVE"
	ActivationSuspended   ActivationStatus = "SUSPENDED"
	ActivationDeactivated ActivationStatus = "DEACTIVATED"
)

// ValidActivationStatus returns true if s is a known status.
func ValidActivationStatus(s ActivationStatus) bool {
	switch s {
	case ActivationNone, ActivationActive, ActivationSuspended, ActivationDeactivated:
		return true
	}
	return false
}

// Limits is a sparse override map keyed by resource name. A present key
// with a nil value overrides the plan default to unlimited.
type Limits map[string]*int

// Team is a GP team billed on a FundRoom plan.
type Team struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Plan             string          `json:"plan"`
	StripeCustomerID string          `json:"stripeCustomerId,omitempty"`
	SubscriptionID   string          `json:"subscriptionId,omitempty"`
	StartsAt         *time.Time      `json:"startsAt,omitempty"`
	EndsAt           *time.Time      `json:"endsAt,omitempty"`
	PausedAt         *time.Time      `json:"pausedAt,omitempty"`
	CancelledAt      *time.Time      `json:"cancelledAt,omitempty"`
	CustomLimits     Limits          `json:"customLimits,omitempty"`
	Features         map[string]bool `json:"features,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// TeamUsage holds live resource counts for a team.
type TeamUsage struct {
	Documents          int `json:"documents"`
	Links              int `json:"links"`
	Users              int `json:"users"` // members plus pending invitations
	Datarooms          int `json:"datarooms"`
	Domains            int `json:"domains"`
	SignatureDocuments int `json:"signatureDocuments"`
}

// Organization is a CRM tenant billed on an org tier.
type Organization struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Tier               string             `json:"tier"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`
	StripeCustomerID   string             `json:"stripeCustomerId,omitempty"`
	SubscriptionID     string             `json:"subscriptionId,omitempty"`
	CustomLimits       Limits             `json:"customLimits,omitempty"`
	AICRMEnabled       bool               `json:"aiCrmEnabled"`
	AICRMTrialEndsAt   *time.Time         `json:"aiCrmTrialEndsAt,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// OrgUsage holds live resource counts for an organization.
type OrgUsage struct {
	Contacts        int `json:"contacts"`
	Users           int `json:"users"`
	SignerDocuments int `json:"signerDocuments"`
	Templates       int `json:"templates"`
	EsigThisMonth   int `json:"esigThisMonth"`
}

// Activation records whether a premium bundle is switched on for a tenant.
type Activation struct {
	TenantID  string           `json:"tenantId"`
	Kind      ActivationKind   `json:"kind"`
	Status    ActivationStatus `json:"status"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// MonthKey returns the UTC calendar month bucket used for monthly counters.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
