package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/daankoote/savri-dossiers/internal/database"
	"github.com/daankoote/savri-dossiers/internal/errors"
)

// Actor types recorded on audit events. A failed token check always records
// the deterministic invalid-token actor, never the real one.
const (
	ActorCustomer     = "customer"
	ActorSystem       = "system"
	ActorInvalidToken = "invalid_token"
)

// AuditEvent is one immutable record in a dossier's evidence trail.
type AuditEvent struct {
	ID        int64          `json:"id"`
	DossierID string         `json:"dossier_id"`
	ActorType string         `json:"actor_type"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditRepository appends and reads immutable dossier audit events. Append is
// the only mutation exposed; rows are never updated or deleted.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit event.
func (r *AuditRepository) Append(ctx context.Context, e *AuditEvent) error {
	var dataJSON []byte
	if e.Data != nil {
		var err error
		dataJSON, err = json.Marshal(e.Data)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit data")
		}
	}

	query := `
		INSERT INTO dossier_audit_events (dossier_id, actor_type, event_type, data)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query, e.DossierID, e.ActorType, e.EventType, dataJSON).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit event")
	}
	return nil
}

// ListByDossier returns the full audit trail for a dossier, oldest first.
func (r *AuditRepository) ListByDossier(ctx context.Context, dossierID string) ([]*AuditEvent, error) {
	query := `
		SELECT id, dossier_id, actor_type, event_type, data, created_at
		FROM dossier_audit_events
		WHERE dossier_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.Query(ctx, query, dossierID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit events")
	}
	defer rows.Close()

	events := make([]*AuditEvent, 0)
	for rows.Next() {
		e := &AuditEvent{}
		var dataJSON []byte
		if err := rows.Scan(&e.ID, &e.DossierID, &e.ActorType, &e.EventType, &dataJSON, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit event")
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit data")
			}
		}
		events = append(events, e)
	}
	return events, nil
}
