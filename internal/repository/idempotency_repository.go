package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daankoote/savri-dossiers/internal/database"
	"github.com/daankoote/savri-dossiers/internal/errors"
)

// IdempotencyRecord is one reservation in the idempotency ledger. A record
// with a nil FinalizedAt is a reservation whose protected operation has not
// completed yet.
type IdempotencyRecord struct {
	Key            string
	DossierID      *string
	Endpoint       string
	ResponseStatus *int
	ResponseBody   []byte
	CreatedAt      time.Time
	FinalizedAt    *time.Time
}

// Finalized reports whether the protected operation completed and a replay
// response is stored.
func (r *IdempotencyRecord) Finalized() bool {
	return r.FinalizedAt != nil && r.ResponseStatus != nil
}

// IdempotencyRepository is the ledger deduplicating write requests. The
// unique insert on the key is the sole primitive preventing two concurrent
// identical requests from both executing side effects.
type IdempotencyRepository struct {
	db *database.DB
}

// NewIdempotencyRepository creates a new IdempotencyRepository.
func NewIdempotencyRepository(db *database.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Reserve attempts to claim the key. false means another request holds it.
func (r *IdempotencyRepository) Reserve(ctx context.Context, key string, dossierID *string, endpoint string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO idempotency_keys (key, dossier_id, endpoint)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, dossierID, endpoint)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to reserve idempotency key")
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns the record for a key, or nil when absent.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{}
	err := r.db.QueryRow(ctx, `
		SELECT key, dossier_id, endpoint, response_status, response_body, created_at, finalized_at
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(&rec.Key, &rec.DossierID, &rec.Endpoint, &rec.ResponseStatus, &rec.ResponseBody, &rec.CreatedAt, &rec.FinalizedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get idempotency record")
	}
	return rec, nil
}

// Finalize stores the replay response for a reserved key. Callers treat a
// failure here as fail-open: the business result already happened.
func (r *IdempotencyRepository) Finalize(ctx context.Context, key string, dossierID *string, status int, body []byte) error {
	_, err := r.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET dossier_id      = COALESCE(dossier_id, $2),
		    response_status = $3,
		    response_body   = $4,
		    finalized_at    = NOW()
		WHERE key = $1
	`, key, dossierID, status, body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to finalize idempotency key")
	}
	return nil
}
