package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/cadence/internal/features"
)

// PostgresStore persists population-model training samples in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed sample store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_training_samples table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_training_samples (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			features    JSONB NOT NULL,
			modalities  TEXT[] NOT NULL DEFAULT '{}',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_training_samples_user
			ON risk_training_samples (user_id);
	`)
	return err
}

// ReplaceSamples swaps the stored training set atomically.
func (s *PostgresStore) ReplaceSamples(ctx context.Context, samples []LabeledSample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM risk_training_samples`); err != nil {
		return fmt.Errorf("failed to clear training samples: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO risk_training_samples (user_id, features, modalities)
		VALUES ($1, $2, $3)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, sample := range samples {
		featuresJSON, err := json.Marshal(sample.Vector)
		if err != nil {
			return fmt.Errorf("failed to marshal features: %w", err)
		}
		var modalities []string
		for _, m := range sample.Vector.Modalities() {
			modalities = append(modalities, m.String())
		}
		if _, err := stmt.ExecContext(ctx, sample.UserID, featuresJSON, pq.Array(modalities)); err != nil {
			return fmt.Errorf("failed to insert training sample: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) LoadSamples(ctx context.Context) ([]LabeledSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, features, modalities
		FROM risk_training_samples
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load training samples: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []LabeledSample
	for rows.Next() {
		var (
			userID       string
			featuresJSON []byte
			modalities   []string
		)
		if err := rows.Scan(&userID, &featuresJSON, pq.Array(&modalities)); err != nil {
			return nil, fmt.Errorf("failed to scan training sample: %w", err)
		}
		fields := make(map[string]float64)
		if err := json.Unmarshal(featuresJSON, &fields); err != nil {
			continue
		}
		var observed []features.Modality
		for _, name := range modalities {
			switch name {
			case features.Keystroke.String():
				observed = append(observed, features.Keystroke)
			case features.Pointer.String():
				observed = append(observed, features.Pointer)
			}
		}
		result = append(result, LabeledSample{UserID: userID, Vector: features.FromMap(fields, observed...)})
	}
	return result, rows.Err()
}
