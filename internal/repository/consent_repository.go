package repository

import (
	"context"
	"time"

	"github.com/daankoote/savri-dossiers/internal/database"
	"github.com/daankoote/savri-dossiers/internal/errors"
)

// Consent is one append-only acceptance fact. A new acceptance is always a
// new row; the latest record per type is authoritative.
type Consent struct {
	ID          string    `json:"id"`
	DossierID   string    `json:"dossier_id"`
	ConsentType string    `json:"consent_type"`
	Version     string    `json:"version"`
	Accepted    bool      `json:"accepted"`
	AcceptedAt  time.Time `json:"accepted_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConsentRepository handles the append-only consent ledger.
type ConsentRepository struct {
	db *database.DB
}

// NewConsentRepository creates a new ConsentRepository.
func NewConsentRepository(db *database.DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

// Append inserts one acceptance row. Rows are never updated in place.
func (r *ConsentRepository) Append(ctx context.Context, c *Consent) error {
	query := `
		INSERT INTO dossier_consents (id, dossier_id, consent_type, version, accepted, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		c.ID,
		c.DossierID,
		c.ConsentType,
		c.Version,
		c.Accepted,
		c.AcceptedAt,
	).Scan(&c.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append consent")
	}
	return nil
}

// LatestPerType returns the authoritative (most recent) consent record for
// each consent type on a dossier.
func (r *ConsentRepository) LatestPerType(ctx context.Context, dossierID string) (map[string]*Consent, error) {
	query := `
		SELECT DISTINCT ON (consent_type)
		       id, dossier_id, consent_type, version, accepted, accepted_at, created_at
		FROM dossier_consents
		WHERE dossier_id = $1
		ORDER BY consent_type, accepted_at DESC, created_at DESC
	`

	rows, err := r.db.Query(ctx, query, dossierID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get latest consents")
	}
	defer rows.Close()

	latest := make(map[string]*Consent)
	for rows.Next() {
		c := &Consent{}
		err := rows.Scan(&c.ID, &c.DossierID, &c.ConsentType, &c.Version, &c.Accepted, &c.AcceptedAt, &c.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan consent")
		}
		latest[c.ConsentType] = c
	}
	return latest, nil
}

// ListByDossier returns the full consent history, oldest first.
func (r *ConsentRepository) ListByDossier(ctx context.Context, dossierID string) ([]*Consent, error) {
	query := `
		SELECT id, dossier_id, consent_type, version, accepted, accepted_at, created_at
		FROM dossier_consents
		WHERE dossier_id = $1
		ORDER BY accepted_at, created_at
	`

	rows, err := r.db.Query(ctx, query, dossierID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list consents")
	}
	defer rows.Close()

	consents := make([]*Consent, 0)
	for rows.Next() {
		c := &Consent{}
		err := rows.Scan(&c.ID, &c.DossierID, &c.ConsentType, &c.Version, &c.Accepted, &c.AcceptedAt, &c.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan consent")
		}
		consents = append(consents, c)
	}
	return consents, nil
}
