package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/daankoote/savri-dossiers/internal/database"
	"github.com/daankoote/savri-dossiers/internal/errors"
)

// Check caches the result of one named evaluation predicate. The row is a
// cache of the last evaluation, not a source of truth.
type Check struct {
	DossierID   string         `json:"dossier_id"`
	CheckCode   string         `json:"check_code"`
	Passed      bool           `json:"passed"`
	Details     map[string]any `json:"details,omitempty"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
}

// CheckRepository upserts evaluation results.
type CheckRepository struct {
	db *database.DB
}

// NewCheckRepository creates a new CheckRepository.
func NewCheckRepository(db *database.DB) *CheckRepository {
	return &CheckRepository{db: db}
}

// Upsert writes the latest result for one (dossier, check_code) pair.
func (r *CheckRepository) Upsert(ctx context.Context, c *Check) error {
	var detailsJSON []byte
	if c.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(c.Details)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal check details")
		}
	}

	query := `
		INSERT INTO dossier_checks (dossier_id, check_code, passed, details, evaluated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (dossier_id, check_code)
		DO UPDATE SET passed = EXCLUDED.passed,
		              details = EXCLUDED.details,
		              evaluated_at = EXCLUDED.evaluated_at
		RETURNING evaluated_at
	`

	err := r.db.QueryRow(ctx, query, c.DossierID, c.CheckCode, c.Passed, detailsJSON).Scan(&c.EvaluatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert check")
	}
	return nil
}

// ListByDossier returns the cached check rows for a dossier.
func (r *CheckRepository) ListByDossier(ctx context.Context, dossierID string) ([]*Check, error) {
	query := `
		SELECT dossier_id, check_code, passed, details, evaluated_at
		FROM dossier_checks
		WHERE dossier_id = $1
		ORDER BY check_code
	`

	rows, err := r.db.Query(ctx, query, dossierID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list checks")
	}
	defer rows.Close()

	checks := make([]*Check, 0)
	for rows.Next() {
		c := &Check{}
		var detailsJSON []byte
		if err := rows.Scan(&c.DossierID, &c.CheckCode, &c.Passed, &detailsJSON, &c.EvaluatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan check")
		}
		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &c.Details); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal check details")
			}
		}
		checks = append(checks, c)
	}
	return checks, nil
}
