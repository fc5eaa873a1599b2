package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PostgresStore persists security events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the security_events table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS security_events (
			id          BIGSERIAL PRIMARY KEY,
			actor       TEXT NOT NULL,
			kind        TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			session_id  TEXT,
			risk_score  DOUBLE PRECISION,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_security_events_actor ON security_events (actor, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_security_events_created ON security_events (created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Record(ctx context.Context, e *Event) error {
	var session sql.NullString
	if e.SessionID != "" {
		session = sql.NullString{String: e.SessionID, Valid: true}
	}
	var risk sql.NullFloat64
	if e.RiskScore != nil {
		risk = sql.NullFloat64{Float64: *e.RiskScore, Valid: true}
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO security_events (actor, kind, reason, session_id, risk_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, e.Actor, string(e.Kind), e.Reason, session, risk, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, q Query) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	if q.Actor != "" {
		args = append(args, q.Actor)
		where = append(where, "actor = $"+strconv.Itoa(len(args)))
	}
	if q.Kind != "" {
		args = append(args, string(q.Kind))
		where = append(where, "kind = $"+strconv.Itoa(len(args)))
	}
	if q.After != nil {
		args = append(args, q.After.CreatedAt, q.After.ID)
		where = append(where, "(created_at, id) < ($"+strconv.Itoa(len(args)-1)+", $"+strconv.Itoa(len(args))+")")
	}
	query := `SELECT id, actor, kind, reason, session_id, risk_score, created_at FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.limit())
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var (
			kind    string
			session sql.NullString
			risk    sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &e.Actor, &kind, &e.Reason, &session, &risk, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		e.Kind = Kind(kind)
		e.SessionID = session.String
		if risk.Valid {
			e.RiskScore = Score(risk.Float64)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
