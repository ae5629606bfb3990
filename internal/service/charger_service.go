package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/daankoote/savri-dossiers/internal/client"
	"github.com/daankoote/savri-dossiers/internal/errors"
	"github.com/daankoote/savri-dossiers/internal/logger"
	"github.com/daankoote/savri-dossiers/internal/repository"
)

// ChargerService implements the charger endpoints.
type ChargerService struct {
	dossiers  DossierStore
	chargers  ChargerStore
	documents DocumentStore
	storage   client.StorageClientInterface
	access    *AccessService
	audit     *AuditRecorder
	log       *logger.Logger
}

// NewChargerService creates a new ChargerService.
func NewChargerService(
	dossiers DossierStore,
	chargers ChargerStore,
	documents DocumentStore,
	storage client.StorageClientInterface,
	access *AccessService,
	audit *AuditRecorder,
	log *logger.Logger,
) *ChargerService {
	return &ChargerService{
		dossiers:  dossiers,
		chargers:  chargers,
		documents: documents,
		storage:   storage,
		access:    access,
		audit:     audit,
		log:       log,
	}
}

// ChargerRequest covers add and update; ChargerID is set on updates only.
type ChargerRequest struct {
	DossierID    string  `json:"dossier_id"`
	Token        string  `json:"token"`
	ChargerID    string  `json:"charger_id,omitempty"`
	SerialNumber string  `json:"serial_number"`
	Brand        string  `json:"brand"`
	Model        string  `json:"model"`
	PowerKW      float64 `json:"power_kw"`
	Notes        *string `json:"notes,omitempty"`
}

// DeleteChargerRequest removes one charger.
type DeleteChargerRequest struct {
	DossierID string `json:"dossier_id"`
	Token     string `json:"token"`
	ChargerID string `json:"charger_id"`
}

// AddCharger registers a charger on the dossier. The serial number is unique
// system-wide and the number of chargers may not exceed the dossier's target
// count once one is set.
func (s *ChargerService) AddCharger(ctx context.Context, meta RequestMeta, req ChargerRequest) (map[string]any, error) {
	serial := strings.TrimSpace(req.SerialNumber)
	if serial == "" {
		return nil, errors.InvalidInput("serial_number", "serial number is required")
	}

	d, err := s.access.AuthorizeUnlocked(ctx, meta, req.DossierID, req.Token)
	if err != nil {
		return nil, err
	}

	if d.ChargerCount > 0 {
		count, err := s.chargers.CountByDossier(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if count >= d.ChargerCount {
			s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "charger_add_rejected", map[string]any{
				"reason":        "charger_limit",
				"charger_count": d.ChargerCount,
			})
			return nil, errors.Conflict("charger_limit", "dossier already holds its declared number of chargers")
		}
	}

	c := &repository.Charger{
		ID:           uuid.New().String(),
		DossierID:    d.ID,
		SerialNumber: serial,
		Brand:        strings.TrimSpace(req.Brand),
		Model:        strings.TrimSpace(req.Model),
		PowerKW:      req.PowerKW,
		Notes:        req.Notes,
	}
	if err := s.chargers.Create(ctx, c); err != nil {
		if errors.ReasonOf(err) == "duplicate_serial" {
			s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "charger_add_rejected", map[string]any{
				"reason": "duplicate_serial",
			})
		}
		return nil, err
	}

	s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "charger_added", map[string]any{
		"charger_id":    c.ID,
		"serial_number": serial,
	})
	if err := s.dossiers.InvalidateIfReady(ctx, d.ID); err != nil {
		return nil, err
	}
	return map[string]any{"charger": c}, nil
}

// UpdateCharger saves mutable charger fields within the owning dossier.
func (s *ChargerService) UpdateCharger(ctx context.Context, meta RequestMeta, req ChargerRequest) (map[string]any, error) {
	serial := strings.TrimSpace(req.SerialNumber)
	if req.ChargerID == "" {
		return nil, errors.InvalidInput("charger_id", "charger id is required")
	}
	if serial == "" {
		return nil, errors.InvalidInput("serial_number", "serial number is required")
	}

	d, err := s.access.AuthorizeUnlocked(ctx, meta, req.DossierID, req.Token)
	if err != nil {
		return nil, err
	}

	c, err := s.chargers.GetByID(ctx, req.ChargerID, d.ID)
	if err != nil {
		return nil, err
	}
	c.SerialNumber = serial
	c.Brand = strings.TrimSpace(req.Brand)
	c.Model = strings.TrimSpace(req.Model)
	c.PowerKW = req.PowerKW
	c.Notes = req.Notes

	updated, err := s.chargers.Update(ctx, c)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errors.NotFound("charger", req.ChargerID)
	}

	s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "charger_updated", map[string]any{
		"charger_id":    c.ID,
		"serial_number": serial,
	})
	if err := s.dossiers.InvalidateIfReady(ctx, d.ID); err != nil {
		return nil, err
	}
	return map[string]any{"charger": c}, nil
}

// DeleteCharger removes a charger. Its document rows cascade in the database;
// the storage objects are cleaned up best-effort afterwards.
func (s *ChargerService) DeleteCharger(ctx context.Context, meta RequestMeta, req DeleteChargerRequest) (map[string]any, error) {
	if req.ChargerID == "" {
		return nil, errors.InvalidInput("charger_id", "charger id is required")
	}

	d, err := s.access.AuthorizeUnlocked(ctx, meta, req.DossierID, req.Token)
	if err != nil {
		return nil, err
	}

	docs, err := s.documents.ListByCharger(ctx, req.ChargerID, d.ID)
	if err != nil {
		return nil, err
	}

	deleted, err := s.chargers.Delete(ctx, req.ChargerID, d.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, errors.NotFound("charger", req.ChargerID)
	}

	for _, doc := range docs {
		if err := s.storage.Delete(ctx, doc.StoragePath); err != nil {
			s.audit.Record(ctx, meta, d.ID, repository.ActorSystem, "document_storage_delete_failed", map[string]any{
				"document_id":  doc.ID,
				"storage_path": doc.StoragePath,
			})
		}
	}

	s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "charger_deleted", map[string]any{
		"charger_id": req.ChargerID,
	})
	if err := s.dossiers.InvalidateIfReady(ctx, d.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}
