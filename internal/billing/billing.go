// Package billing applies Stripe subscription changes to tenant billing
// state and drops the affected tier cache entry.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/fundroom/internal/audit"
	"github.com/mbd888/fundroom/internal/tenant"
	"github.com/mbd888/fundroom/internal/tier"
)

// Subscription metadata keys set at checkout.
const (
	MetaTeamID = "team_id"
	MetaOrgID  = "org_id"
	MetaPlan   = "plan"
)

// ErrNoTenant is returned when a subscription maps to no team or org.
var ErrNoTenant = errors.New("billing: subscription has no matching tenant")

// Invalidator drops cached tier resolutions.
type Invalidator interface {
	InvalidateTeam(teamID string)
	InvalidateOrg(orgID string)
}

// Result describes what a sync changed.
type Result struct {
	TenantType string `json:"tenantType"`
	TenantID   string `json:"tenantId"`
	Plan       string `json:"plan"`
	Status     string `json:"status"`
}

// Syncer writes subscription state onto teams and organizations.
type Syncer struct {
	store       tenant.Store
	invalidator Invalidator
	audit       audit.Logger
	logger      *slog.Logger
	now         func() time.Time
}

// NewSyncer creates a subscription syncer. auditLog may be nil.
func NewSyncer(store tenant.Store, invalidator Invalidator, auditLog audit.Logger, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:       store,
		invalidator: invalidator,
		audit:       auditLog,
		logger:      logger,
		now:         time.Now,
	}
}

// Apply syncs one subscription event. The tenant is found through the
// subscription metadata, falling back to the Stripe customer id.
func (s *Syncer) Apply(ctx context.Context, eventType stripe.EventType, sub *stripe.Subscription) (*Result, error) {
	team, org, err := s.lookup(ctx, sub)
	if err != nil {
		return nil, err
	}

	var res *Result
	if team != nil {
		res, err = s.syncTeam(ctx, eventType, sub, team)
	} else {
		res, err = s.syncOrg(ctx, eventType, sub, org)
	}
	if err != nil {
		return nil, err
	}

	if s.audit != nil {
		entry := &audit.Entry{
			EventType:    audit.EventBillingSynced,
			ResourceType: audit.ResourceOrganization,
			ResourceID:   res.TenantID,
			Metadata: map[string]any{
				"stripeEvent":    string(eventType),
				"subscriptionId": sub.ID,
				"plan":           res.Plan,
				"status":         res.Status,
			},
		}
		if team != nil {
			entry.ResourceType = audit.ResourceTeam
			entry.TeamID = team.ID
		}
		if err := s.audit.Log(ctx, entry); err != nil {
			s.logger.Warn("audit log write failed", "event", entry.EventType, "tenant_id", res.TenantID, "error", err)
		}
	}
	return res, nil
}

func (s *Syncer) lookup(ctx context.Context, sub *stripe.Subscription) (*tenant.Team, *tenant.Organization, error) {
	if id := sub.Metadata[MetaTeamID]; id != "" {
		t, err := s.store.GetTeam(ctx, id)
		return t, nil, err
	}
	if id := sub.Metadata[MetaOrgID]; id != "" {
		o, err := s.store.GetOrg(ctx, id)
		return nil, o, err
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil, nil, ErrNoTenant
	}
	if t, err := s.store.GetTeamByStripeCustomer(ctx, sub.Customer.ID); err == nil {
		return t, nil, nil
	} else if !errors.Is(err, tenant.ErrTeamNotFound) {
		return nil, nil, err
	}
	o, err := s.store.GetOrgByStripeCustomer(ctx, sub.Customer.ID)
	if errors.Is(err, tenant.ErrOrgNotFound) {
		return nil, nil, ErrNoTenant
	}
	return nil, o, err
}

func (s *Syncer) syncTeam(ctx context.Context, eventType stripe.EventType, sub *stripe.Subscription, t *tenant.Team) (*Result, error) {
	now := s.now().UTC()

	if eventType == stripe.EventTypeCustomerSubscriptionDeleted {
		// Subscription gone: back to the free plan with no lifecycle markers.
		t.Plan = tier.PlanFree.Slug()
		t.SubscriptionID = ""
		t.EndsAt, t.PausedAt, t.CancelledAt = nil, nil, nil
	} else {
		if plan := sub.Metadata[MetaPlan]; plan != "" {
			if _, _, err := tier.ParseTeamPlan(plan); err != nil {
				return nil, err
			}
			t.Plan = plan
		}
		t.SubscriptionID = sub.ID
		t.StartsAt = unixPtr(sub.StartDate)
		t.EndsAt = unixPtr(sub.CancelAt)

		switch {
		case eventType == stripe.EventTypeCustomerSubscriptionPaused || sub.Status == stripe.SubscriptionStatusPaused:
			if t.PausedAt == nil {
				t.PausedAt = &now
			}
		case eventType == stripe.EventTypeCustomerSubscriptionResumed || sub.Status == stripe.SubscriptionStatusActive:
			t.PausedAt = nil
		}
		if sub.Status == stripe.SubscriptionStatusCanceled {
			t.CancelledAt = unixPtr(sub.CanceledAt)
			if t.CancelledAt == nil {
				t.CancelledAt = &now
			}
		} else {
			t.CancelledAt = nil
		}
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		t.StripeCustomerID = sub.Customer.ID
	}
	t.UpdatedAt = now

	if err := s.store.UpdateTeam(ctx, t); err != nil {
		return nil, fmt.Errorf("billing: update team %s: %w", t.ID, err)
	}
	s.invalidator.InvalidateTeam(t.ID)
	s.logger.Info("team subscription synced",
		"team_id", t.ID, "plan", t.Plan, "stripe_status", sub.Status, "event", eventType)

	return &Result{TenantType: "team", TenantID: t.ID, Plan: t.Plan, Status: string(sub.Status)}, nil
}

func (s *Syncer) syncOrg(ctx context.Context, eventType stripe.EventType, sub *stripe.Subscription, o *tenant.Organization) (*Result, error) {
	if eventType == stripe.EventTypeCustomerSubscriptionDeleted {
		o.Tier = tier.OrgFree.String()
		o.SubscriptionStatus = tenant.SubscriptionCanceled
		o.SubscriptionID = ""
	} else {
		if plan := sub.Metadata[MetaPlan]; plan != "" {
			if _, err := tier.ParseOrgTier(plan); err != nil {
				return nil, err
			}
			o.Tier = plan
		}
		o.SubscriptionID = sub.ID
		o.SubscriptionStatus = orgStatus(eventType, sub.Status)
	}
	if sub.Customer != nil && sub.Customer.ID != "" {
		o.StripeCustomerID = sub.Customer.ID
	}
	o.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateOrg(ctx, o); err != nil {
		return nil, fmt.Errorf("billing: update org %s: %w", o.ID, err)
	}
	s.invalidator.InvalidateOrg(o.ID)
	s.logger.Info("org subscription synced",
		"org_id", o.ID, "tier", o.Tier, "status", o.SubscriptionStatus, "event", eventType)

	return &Result{TenantType: "org", TenantID: o.ID, Plan: o.Tier, Status: string(o.SubscriptionStatus)}, nil
}

// orgStatus maps a Stripe status onto the stored org status. A paused
// subscription is billed like an overdue one.
func orgStatus(eventType stripe.EventType, st stripe.SubscriptionStatus) tenant.SubscriptionStatus {
	if eventType == stripe.EventTypeCustomerSubscriptionPaused {
		return tenant.SubscriptionPastDue
	}
	switch st {
	case stripe.SubscriptionStatusActive:
		return tenant.SubscriptionActive
	case stripe.SubscriptionStatusTrialing:
		return tenant.SubscriptionTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return tenant.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return tenant.SubscriptionCanceled
	default:
		return tenant.SubscriptionNone
	}
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
