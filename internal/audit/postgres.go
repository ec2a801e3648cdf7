package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresLogger writes audit entries to PostgreSQL.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) Log(ctx context.Context, e *Entry) error {
	Stamp(ctx, e)
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	return l.db.QueryRowContext(ctx, `
		INSERT INTO audit_log (event_type, resource_type, resource_id, user_id, team_id, metadata, ip_address, request_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6::JSONB, NULLIF($7, ''), NULLIF($8, ''), NOW())
		RETURNING id, created_at
	`, e.EventType, e.ResourceType, e.ResourceID, e.UserID, e.TeamID, string(meta), e.IPAddress, e.RequestID,
	).Scan(&e.ID, &e.CreatedAt)
}

func (l *PostgresLogger) Query(ctx context.Context, q Query) ([]*Entry, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.TeamID != "" {
		add("team_id = $%d", q.TeamID)
	}
	if q.ResourceType != "" {
		add("resource_type = $%d", q.ResourceType)
	}
	if q.ResourceID != "" {
		add("resource_id = $%d", q.ResourceID)
	}
	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if !q.From.IsZero() {
		add("created_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("created_at <= $%d", q.To)
	}
	if q.BeforeID > 0 {
		add("id < $%d", q.BeforeID)
	}

	query := `SELECT id, event_type, resource_type, resource_id, COALESCE(user_id, ''), COALESCE(team_id, ''),
		COALESCE(metadata::TEXT, '{}'), COALESCE(ip_address, ''), COALESCE(request_id, ''), created_at
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.limit())
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var meta string
		if err := rows.Scan(&e.ID, &e.EventType, &e.ResourceType, &e.ResourceID, &e.UserID, &e.TeamID,
			&meta, &e.IPAddress, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("audit: decode metadata for %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
