package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daankoote/savri-dossiers/internal/database"
	"github.com/daankoote/savri-dossiers/internal/errors"
)

// Charger is one charging device registered on a dossier. Serial numbers are
// unique across the whole system, not just within a dossier.
type Charger struct {
	ID           string    `json:"id"`
	DossierID    string    `json:"dossier_id"`
	SerialNumber string    `json:"serial_number"`
	Brand        string    `json:"brand"`
	Model        string    `json:"model"`
	PowerKW      float64   `json:"power_kw"`
	Notes        *string   `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const chargerColumns = `id, dossier_id, serial_number, brand, model, power_kw, notes, created_at, updated_at`

// ChargerRepository handles charger persistence.
type ChargerRepository struct {
	db *database.DB
}

// NewChargerRepository creates a new ChargerRepository.
func NewChargerRepository(db *database.DB) *ChargerRepository {
	return &ChargerRepository{db: db}
}

// Create inserts a charger. A serial number collision anywhere in the system
// is reported as a duplicate_serial conflict.
func (r *ChargerRepository) Create(ctx context.Context, c *Charger) error {
	query := `
		INSERT INTO dossier_chargers (id, dossier_id, serial_number, brand, model, power_kw, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		c.ID,
		c.DossierID,
		c.SerialNumber,
		c.Brand,
		c.Model,
		c.PowerKW,
		c.Notes,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.IsUniqueViolation(err) {
			return errors.Conflict("duplicate_serial", "serial number already registered")
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create charger")
	}
	return nil
}

// GetByID retrieves a charger scoped to its dossier.
func (r *ChargerRepository) GetByID(ctx context.Context, id, dossierID string) (*Charger, error) {
	query := `SELECT ` + chargerColumns + ` FROM dossier_chargers WHERE id = $1 AND dossier_id = $2`

	c, err := scanCharger(r.db.QueryRow(ctx, query, id, dossierID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("charger", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get charger")
	}
	return c, nil
}

// ListByDossier returns all chargers of a dossier, oldest first.
func (r *ChargerRepository) ListByDossier(ctx context.Context, dossierID string) ([]*Charger, error) {
	query := `SELECT ` + chargerColumns + ` FROM dossier_chargers WHERE dossier_id = $1 ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, dossierID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list chargers")
	}
	defer rows.Close()

	chargers := make([]*Charger, 0)
	for rows.Next() {
		c, err := scanCharger(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan charger")
		}
		chargers = append(chargers, c)
	}
	return chargers, nil
}

// CountByDossier returns the number of chargers saved on a dossier.
func (r *ChargerRepository) CountByDossier(ctx context.Context, dossierID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM dossier_chargers WHERE dossier_id = $1`, dossierID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count chargers")
	}
	return count, nil
}

// Update saves mutable charger fields within the owning dossier.
func (r *ChargerRepository) Update(ctx context.Context, c *Charger) (bool, error) {
	query := `
		UPDATE dossier_chargers
		SET serial_number = $3,
		    brand         = $4,
		    model         = $5,
		    power_kw      = $6,
		    notes         = $7,
		    updated_at    = NOW()
		WHERE id = $1 AND dossier_id = $2
	`

	tag, err := r.db.Exec(ctx, query, c.ID, c.DossierID, c.SerialNumber, c.Brand, c.Model, c.PowerKW, c.Notes)
	if err != nil {
		if errors.IsUniqueViolation(err) {
			return false, errors.Conflict("duplicate_serial", "serial number already registered")
		}
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update charger")
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes a charger; its document rows cascade in the database.
func (r *ChargerRepository) Delete(ctx context.Context, id, dossierID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM dossier_chargers WHERE id = $1 AND dossier_id = $2`, id, dossierID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to delete charger")
	}
	return tag.RowsAffected() > 0, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type chargerScanner interface {
	Scan(dest ...any) error
}

func scanCharger(row chargerScanner) (*Charger, error) {
	c := &Charger{}
	err := row.Scan(
		&c.ID,
		&c.DossierID,
		&c.SerialNumber,
		&c.Brand,
		&c.Model,
		&c.PowerKW,
		&c.Notes,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}
