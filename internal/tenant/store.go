package tenant

import "context"

// Store persists tenant data.
type Store interface {
	CreateTeam(ctx context.Context, t *Team) error
	UpdateTeam(ctx context.Context, t *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	GetTeamByStripeCustomer(ctx context.Context, customerID string) (*Team, error)
	// GetTeamWithUsage returns the team row and its live usage in one read.
	GetTeamWithUsage(ctx context.Context, id string) (*Team, TeamUsage, error)

	CreateOrg(ctx context.Context, o *Organization) error
	UpdateOrg(ctx context.Context, o *Organization) error
	GetOrg(ctx context.Context, id string) (*Organization, error)
	GetOrgByStripeCustomer(ctx context.Context, customerID string) (*Organization, error)
	// GetOrgWithUsage returns the org row and its live usage, with e-signature
	// usage taken from the given month bucket.
	GetOrgWithUsage(ctx context.Context, id, month string) (*Organization, OrgUsage, error)

	// GetActivation returns ActivationNone when no record exists.
	GetActivation(ctx context.Context, tenantID string, kind ActivationKind) (*Activation, error)
	SetActivation(ctx context.Context, a *Activation) error

	CountContacts(ctx context.Context, orgID string) (int, error)
	CountSignerDocuments(ctx context.Context, orgID string) (int, error)
	CountTemplates(ctx context.Context, orgID string) (int, error)
	EsigUsage(ctx context.Context, orgID, month string) (int, error)
	// IncrementEsigUsage atomically adds one to the month counter and
	// returns the new value.
	IncrementEsigUsage(ctx context.Context, orgID, month string) (int, error)
}
