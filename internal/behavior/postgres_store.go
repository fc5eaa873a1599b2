package behavior

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists behavioral samples in PostgreSQL. Session merges
// use JSONB array concatenation in a single upsert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed behavior store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the behavioral_samples table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS behavioral_samples (
			id              BIGSERIAL PRIMARY KEY,
			user_id         BIGINT NOT NULL,
			session_id      TEXT NOT NULL UNIQUE,
			keystroke_data  JSONB NOT NULL DEFAULT '[]',
			mouse_data      JSONB NOT NULL DEFAULT '[]',
			risk_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_behavioral_samples_user ON behavioral_samples (user_id, updated_at DESC);
	`)
	return err
}

func (p *PostgresStore) SaveSample(ctx context.Context, userID int64, sessionID string, keystroke, mouse json.RawMessage, risk float64) error {
	keystroke, err := normalizeArray(keystroke)
	if err != nil {
		return err
	}
	mouse, err = normalizeArray(mouse)
	if err != nil {
		return err
	}

	var id int64
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO behavioral_samples (user_id, session_id, keystroke_data, mouse_data, risk_score)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			keystroke_data = behavioral_samples.keystroke_data || EXCLUDED.keystroke_data,
			mouse_data     = behavioral_samples.mouse_data || EXCLUDED.mouse_data,
			risk_score     = EXCLUDED.risk_score,
			updated_at     = NOW()
		WHERE behavioral_samples.user_id = EXCLUDED.user_id
		RETURNING id
	`, userID, sessionID, string(keystroke), string(mouse), risk).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionOwner
	}
	if err != nil {
		return fmt.Errorf("failed to save behavioral sample: %w", err)
	}
	return nil
}

const sampleColumns = `id, user_id, session_id, keystroke_data, mouse_data, risk_score, created_at, updated_at`

func (p *PostgresStore) GetHistory(ctx context.Context, userID int64, limit int) ([]*Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	return p.query(ctx, `SELECT `+sampleColumns+` FROM behavioral_samples
		WHERE user_id = $1 ORDER BY updated_at DESC, id DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListSamples(ctx context.Context, limit int) ([]*Sample, error) {
	if limit <= 0 {
		return p.query(ctx, `SELECT `+sampleColumns+` FROM behavioral_samples ORDER BY updated_at DESC, id DESC`)
	}
	return p.query(ctx, `SELECT `+sampleColumns+` FROM behavioral_samples
		ORDER BY updated_at DESC, id DESC LIMIT $1`, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Sample, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query behavioral samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Sample
	for rows.Next() {
		s := &Sample{}
		var keys, moves []byte
		if err := rows.Scan(&s.ID, &s.UserID, &s.SessionID, &keys, &moves, &s.RiskScore, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan behavioral sample: %w", err)
		}
		s.KeystrokeData = json.RawMessage(keys)
		s.MouseData = json.RawMessage(moves)
		out = append(out, s)
	}
	return out, rows.Err()
}
