package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daankoote/savri-dossiers/internal/database"
	"github.com/daankoote/savri-dossiers/internal/errors"
)

// Dossier lifecycle statuses.
const (
	StatusIncomplete      = "incomplete"
	StatusReadyForReview  = "ready_for_review"
	StatusInReview        = "in_review"
	StatusReadyForBooking = "ready_for_booking"
)

// Dossier is the customer's case file.
type Dossier struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	LockedAt          *time.Time `json:"locked_at"`
	FirstName         string     `json:"first_name"`
	LastName          string     `json:"last_name"`
	Email             string     `json:"email"`
	Phone             string     `json:"phone"`
	Street            string     `json:"street"`
	HouseNumber       string     `json:"house_number"`
	PostalCode        string     `json:"postal_code"`
	City              string     `json:"city"`
	AddressExternalID *string    `json:"address_external_id,omitempty"`
	AddressVerifiedAt *time.Time `json:"address_verified_at"`
	EmailVerifiedAt   *time.Time `json:"email_verified_at"`
	ChargerCount      int        `json:"charger_count"`
	OwnPremises       bool       `json:"own_premises"`
	AccessTokenHash   string     `json:"-"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Locked reports whether the dossier may no longer be mutated by the customer.
func (d *Dossier) Locked() bool {
	return d.LockedAt != nil || d.Status == StatusInReview || d.Status == StatusReadyForBooking
}

const dossierColumns = `id, status, locked_at,
	       first_name, last_name, email, phone,
	       street, house_number, postal_code, city,
	       address_external_id, address_verified_at, email_verified_at,
	       charger_count, own_premises, access_token_hash,
	       created_at, updated_at`

// DossierRepository handles dossier persistence and state transitions.
type DossierRepository struct {
	db *database.DB
}

// NewDossierRepository creates a new DossierRepository.
func NewDossierRepository(db *database.DB) *DossierRepository {
	return &DossierRepository{db: db}
}

// Create inserts a new dossier in the incomplete state.
func (r *DossierRepository) Create(ctx context.Context, d *Dossier) error {
	query := `
		INSERT INTO dossiers (id, status, first_name, last_name, email, phone,
		                      charger_count, own_premises, access_token_hash)
		VALUES ($1, $2, $3, $4, lower($5), $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		d.ID,
		StatusIncomplete,
		d.FirstName,
		d.LastName,
		d.Email,
		d.Phone,
		d.ChargerCount,
		d.OwnPremises,
		d.AccessTokenHash,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create dossier")
	}

	d.Status = StatusIncomplete
	return nil
}

// GetByID retrieves a dossier by primary key.
func (r *DossierRepository) GetByID(ctx context.Context, id string) (*Dossier, error) {
	query := `SELECT ` + dossierColumns + ` FROM dossiers WHERE id = $1`

	d, err := scanDossier(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("dossier", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get dossier")
	}
	return d, nil
}

// GetByIDAndTokenHash retrieves a dossier only when the token hash matches.
// A miss is indistinguishable between "no such dossier" and "wrong token".
func (r *DossierRepository) GetByIDAndTokenHash(ctx context.Context, id, tokenHash string) (*Dossier, error) {
	query := `SELECT ` + dossierColumns + ` FROM dossiers WHERE id = $1 AND access_token_hash = $2`

	d, err := scanDossier(r.db.QueryRow(ctx, query, id, tokenHash))
	if err == pgx.ErrNoRows {
		return nil, errors.Unauthorized("invalid dossier or token")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get dossier")
	}
	return d, nil
}

// UpdateContact saves customer identity fields, the charger target count and
// the own-premises flag. The WHERE clause re-asserts that the dossier is
// unlocked and that the new target count does not drop below the number of
// chargers already saved; zero rows means one of those preconditions moved
// and the caller must re-read to find out which.
func (r *DossierRepository) UpdateContact(ctx context.Context, id, firstName, lastName, phone string, chargerCount int, ownPremises bool) (bool, error) {
	query := `
		UPDATE dossiers
		SET first_name    = $2,
		    last_name     = $3,
		    phone         = $4,
		    charger_count = $5,
		    own_premises  = $6,
		    updated_at    = NOW()
		WHERE id = $1
		  AND locked_at IS NULL
		  AND $5 >= (SELECT COUNT(*) FROM dossier_chargers WHERE dossier_id = $1)
	`

	tag, err := r.db.Exec(ctx, query, id, firstName, lastName, phone, chargerCount, ownPremises)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update dossier contact")
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateAddress persists a verified address and stamps address_verified_at.
func (r *DossierRepository) UpdateAddress(ctx context.Context, id, street, houseNumber, postalCode, city, externalID string) (bool, error) {
	query := `
		UPDATE dossiers
		SET street              = $2,
		    house_number        = $3,
		    postal_code         = $4,
		    city                = $5,
		    address_external_id = $6,
		    address_verified_at = NOW(),
		    updated_at          = NOW()
		WHERE id = $1 AND locked_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, id, street, houseNumber, postalCode, city, externalID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update dossier address")
	}
	return tag.RowsAffected() > 0, nil
}

// MarkEmailVerified stamps email_verified_at once; a no-op when already set
// or when the dossier is locked.
func (r *DossierRepository) MarkEmailVerified(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE dossiers
		SET email_verified_at = NOW(),
		    updated_at        = NOW()
		WHERE id = $1 AND email_verified_at IS NULL AND locked_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to mark email verified")
	}
	return tag.RowsAffected() > 0, nil
}

// InvalidateIfReady demotes ready_for_review back to incomplete after an
// accepted mutation, without ever clobbering a concurrent lock.
func (r *DossierRepository) InvalidateIfReady(ctx context.Context, id string) error {
	query := `
		UPDATE dossiers
		SET status     = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = $3 AND locked_at IS NULL
	`

	_, err := r.db.Exec(ctx, query, id, StatusIncomplete, StatusReadyForReview)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to invalidate dossier status")
	}
	return nil
}

// SetStatusIfUnlocked moves the lifecycle status via a compare-and-swap on
// the lock. Zero rows means the dossier was locked concurrently.
func (r *DossierRepository) SetStatusIfUnlocked(ctx context.Context, id, status string) (bool, error) {
	query := `
		UPDATE dossiers
		SET status     = $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND locked_at IS NULL
		  AND status NOT IN ($3, $4)
	`

	tag, err := r.db.Exec(ctx, query, id, status, StatusInReview, StatusReadyForBooking)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to set dossier status")
	}
	return tag.RowsAffected() > 0, nil
}

// TryLock performs the one-way incomplete/ready_for_review → in_review
// transition, setting locked_at. Zero rows is not an error: the caller must
// re-read and treat an already-locked dossier as success.
func (r *DossierRepository) TryLock(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE dossiers
		SET status     = $2,
		    locked_at  = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND locked_at IS NULL
		  AND status NOT IN ($2, $3)
	`

	tag, err := r.db.Exec(ctx, query, id, StatusInReview, StatusReadyForBooking)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock dossier")
	}
	return tag.RowsAffected() > 0, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type dossierScanner interface {
	Scan(dest ...any) error
}

func scanDossier(row dossierScanner) (*Dossier, error) {
	d := &Dossier{}
	err := row.Scan(
		&d.ID,
		&d.Status,
		&d.LockedAt,
		&d.FirstName,
		&d.LastName,
		&d.Email,
		&d.Phone,
		&d.Street,
		&d.HouseNumber,
		&d.PostalCode,
		&d.City,
		&d.AddressExternalID,
		&d.AddressVerifiedAt,
		&d.EmailVerifiedAt,
		&d.ChargerCount,
		&d.OwnPremises,
		&d.AccessTokenHash,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
