package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, user_id, team_id, org_id, name, created_at, last_used, expires_at, revoked`

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, user_id, team_id, org_id, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
	`, key.ID, key.Hash, key.UserID, key.TeamID, key.OrgID, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = revoked OR $2 WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*APIKey, error) {
	key := &APIKey{}
	var teamID, orgID sql.NullString
	var lastUsed, expiresAt sql.NullTime
	if err := s.Scan(
		&key.ID, &key.Hash, &key.UserID, &teamID, &orgID, &key.Name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	); err != nil {
		return nil, err
	}
	key.TeamID = teamID.String
	key.OrgID = orgID.String
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return key, nil
}
