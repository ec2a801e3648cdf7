package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const teamColumns = `id, name, plan, stripe_customer_id, subscription_id, starts_at, ends_at,
	paused_at, cancelled_at, custom_limits, features, created_at, updated_at`

const orgColumns = `id, name, tier, subscription_status, stripe_customer_id, subscription_id,
	custom_limits, ai_crm_enabled, ai_crm_trial_ends_at, created_at, updated_at`

func (p *PostgresStore) CreateTeam(ctx context.Context, t *Team) error {
	limitsJSON, featuresJSON, err := marshalTeamJSON(t)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO teams (`+teamColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Name, t.Plan, nullString(t.StripeCustomerID), nullString(t.SubscriptionID),
		t.StartsAt, t.EndsAt, t.PausedAt, t.CancelledAt, limitsJSON, featuresJSON,
		t.CreatedAt, t.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) UpdateTeam(ctx context.Context, t *Team) error {
	limitsJSON, featuresJSON, err := marshalTeamJSON(t)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE teams SET name = $1, plan = $2, stripe_customer_id = $3, subscription_id = $4,
			starts_at = $5, ends_at = $6, paused_at = $7, cancelled_at = $8,
			custom_limits = $9, features = $10, updated_at = $11
		WHERE id = $12`,
		t.Name, t.Plan, nullString(t.StripeCustomerID), nullString(t.SubscriptionID),
		t.StartsAt, t.EndsAt, t.PausedAt, t.CancelledAt, limitsJSON, featuresJSON,
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrTeamNotFound)
}

func (p *PostgresStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	return scanTeam(p.db.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, id))
}

func (p *PostgresStore) GetTeamByStripeCustomer(ctx context.Context, customerID string) (*Team, error) {
	return scanTeam(p.db.QueryRowContext(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE stripe_customer_id = $1`, customerID))
}

// GetTeamWithUsage reads the team and every usage count in a single statement.
func (p *PostgresStore) GetTeamWithUsage(ctx context.Context, id string) (*Team, TeamUsage, error) {
	var u TeamUsage
	row := p.db.QueryRowContext(ctx, `
		SELECT `+teamColumns+`,
			(SELECT COUNT(*) FROM documents d WHERE d.team_id = t.id),
			(SELECT COUNT(*) FROM links l WHERE l.team_id = t.id),
			(SELECT COUNT(*) FROM team_members m WHERE m.team_id = t.id)
				+ (SELECT COUNT(*) FROM team_invitations i WHERE i.team_id = t.id),
			(SELECT COUNT(*) FROM datarooms r WHERE r.team_id = t.id),
			(SELECT COUNT(*) FROM domains dm WHERE dm.team_id = t.id),
			(SELECT COUNT(*) FROM signature_documents s WHERE s.team_id = t.id)
		FROM teams t WHERE t.id = $1`, id)

	t, err := scanTeamWith(row, &u.Documents, &u.Links, &u.Users, &u.Datarooms, &u.Domains, &u.SignatureDocuments)
	if err != nil {
		return nil, TeamUsage{}, err
	}
	return t, u, nil
}

func (p *PostgresStore) CreateOrg(ctx context.Context, o *Organization) error {
	limitsJSON, err := json.Marshal(o.CustomLimits)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO organizations (`+orgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.Name, o.Tier, string(o.SubscriptionStatus), nullString(o.StripeCustomerID),
		nullString(o.SubscriptionID), limitsJSON, o.AICRMEnabled, o.AICRMTrialEndsAt,
		o.CreatedAt, o.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

func (p *PostgresStore) UpdateOrg(ctx context.Context, o *Organization) error {
	limitsJSON, err := json.Marshal(o.CustomLimits)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE organizations SET name = $1, tier = $2, subscription_status = $3,
			stripe_customer_id = $4, subscription_id = $5, custom_limits = $6,
			ai_crm_enabled = $7, ai_crm_trial_ends_at = $8, updated_at = $9
		WHERE id = $10`,
		o.Name, o.Tier, string(o.SubscriptionStatus), nullString(o.StripeCustomerID),
		nullString(o.SubscriptionID), limitsJSON, o.AICRMEnabled, o.AICRMTrialEndsAt,
		o.UpdatedAt, o.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(result, ErrOrgNotFound)
}

func (p *PostgresStore) GetOrg(ctx context.Context, id string) (*Organization, error) {
	return scanOrg(p.db.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
}

func (p *PostgresStore) GetOrgByStripeCustomer(ctx context.Context, customerID string) (*Organization, error) {
	return scanOrg(p.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE stripe_customer_id = $1`, customerID))
}

func (p *PostgresStore) GetOrgWithUsage(ctx context.Context, id, month string) (*Organization, OrgUsage, error) {
	var u OrgUsage
	row := p.db.QueryRowContext(ctx, `
		SELECT `+orgColumns+`,
			(SELECT COUNT(*) FROM contacts c WHERE c.org_id = o.id),
			(SELECT COUNT(*) FROM org_members m WHERE m.org_id = o.id),
			(SELECT COUNT(*) FROM signature_documents s WHERE s.org_id = o.id),
			(SELECT COUNT(*) FROM esig_templates e WHERE e.org_id = o.id),
			COALESCE((SELECT count FROM esig_usage eu WHERE eu.org_id = o.id AND eu.month = $2), 0)
		FROM organizations o WHERE o.id = $1`, id, month)

	o, err := scanOrgWith(row, &u.Contacts, &u.Users, &u.SignerDocuments, &u.Templates, &u.EsigThisMonth)
	if err != nil {
		return nil, OrgUsage{}, err
	}
	return o, u, nil
}

func (p *PostgresStore) GetActivation(ctx context.Context, tenantID string, kind ActivationKind) (*Activation, error) {
	a := &Activation{TenantID: tenantID, Kind: kind}
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT status, updated_at FROM tenant_activations
		WHERE tenant_id = $1 AND kind = $2`, tenantID, string(kind)).Scan(&status, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		a.Status = ActivationNone
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	a.Status = ActivationStatus(status)
	return a, nil
}

func (p *PostgresStore) SetActivation(ctx context.Context, a *Activation) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenant_activations (tenant_id, kind, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, kind) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		a.TenantID, string(a.Kind), string(a.Status), a.UpdatedAt)
	return err
}

func (p *PostgresStore) CountContacts(ctx context.Context, orgID string) (int, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM contacts WHERE org_id = $1`, orgID)
}

func (p *PostgresStore) CountSignerDocuments(ctx context.Context, orgID string) (int, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM signature_documents WHERE org_id = $1`, orgID)
}

func (p *PostgresStore) CountTemplates(ctx context.Context, orgID string) (int, error) {
	return p.count(ctx, `SELECT COUNT(*) FROM esig_templates WHERE org_id = $1`, orgID)
}

func (p *PostgresStore) EsigUsage(ctx context.Context, orgID, month string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT count FROM esig_usage WHERE org_id = $1 AND month = $2`, orgID, month).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// IncrementEsigUsage is a single upsert so concurrent callers never lose an update.
func (p *PostgresStore) IncrementEsigUsage(ctx context.Context, orgID, month string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO esig_usage (org_id, month, count, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (org_id, month) DO UPDATE SET
			count = esig_usage.count + 1,
			updated_at = NOW()
		RETURNING count`, orgID, month).Scan(&n)
	return n, err
}

func (p *PostgresStore) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func scanTeam(row *sql.Row) (*Team, error) {
	return scanTeamWith(row)
}

func scanTeamWith(row *sql.Row, extra ...interface{}) (*Team, error) {
	t := &Team{}
	var (
		stripeID, subID                   sql.NullString
		startsAt, endsAt, paused, cancels sql.NullTime
		limitsJSON, featuresJSON          []byte
	)
	dest := []interface{}{&t.ID, &t.Name, &t.Plan, &stripeID, &subID, &startsAt, &endsAt,
		&paused, &cancels, &limitsJSON, &featuresJSON, &t.CreatedAt, &t.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTeamNotFound
	}
	if err != nil {
		return nil, err
	}
	t.StripeCustomerID = stripeID.String
	t.SubscriptionID = subID.String
	t.StartsAt = timePtr(startsAt)
	t.EndsAt = timePtr(endsAt)
	t.PausedAt = timePtr(paused)
	t.CancelledAt = timePtr(cancels)
	if len(limitsJSON) > 0 {
		_ = json.Unmarshal(limitsJSON, &t.CustomLimits)
	}
	if len(featuresJSON) > 0 {
		_ = json.Unmarshal(featuresJSON, &t.Features)
	}
	return t, nil
}

func scanOrg(row *sql.Row) (*Organization, error) {
	return scanOrgWith(row)
}

func scanOrgWith(row *sql.Row, extra ...interface{}) (*Organization, error) {
	o := &Organization{}
	var (
		status          string
		stripeID, subID sql.NullString
		limitsJSON      []byte
		trialEnds       sql.NullTime
	)
	dest := []interface{}{&o.ID, &o.Name, &o.Tier, &status, &stripeID, &subID, &limitsJSON,
		&o.AICRMEnabled, &trialEnds, &o.CreatedAt, &o.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, err
	}
	o.SubscriptionStatus = SubscriptionStatus(status)
	o.StripeCustomerID = stripeID.String
	o.SubscriptionID = subID.String
	o.AICRMTrialEndsAt = timePtr(trialEnds)
	if len(limitsJSON) > 0 {
		_ = json.Unmarshal(limitsJSON, &o.CustomLimits)
	}
	return o, nil
}

func marshalTeamJSON(t *Team) (limits, features []byte, err error) {
	if limits, err = json.Marshal(t.CustomLimits); err != nil {
		return nil, nil, err
	}
	if features, err = json.Marshal(t.Features); err != nil {
		return nil, nil, err
	}
	return limits, features, nil
}

func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
