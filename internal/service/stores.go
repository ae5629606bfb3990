package service

import (
	"context"
	"time"

	"github.com/daankoote/savri-dossiers/internal/repository"
)

// Store interfaces consumed by the services. The repository package provides
// the Postgres implementations; tests substitute in-memory fakes.

// DossierStore persists dossiers and their state transitions.
type DossierStore interface {
	Create(ctx context.Context, d *repository.Dossier) error
	GetByID(ctx context.Context, id string) (*repository.Dossier, error)
	GetByIDAndTokenHash(ctx context.Context, id, tokenHash string) (*repository.Dossier, error)
	UpdateContact(ctx context.Context, id, firstName, lastName, phone string, chargerCount int, ownPremises bool) (bool, error)
	UpdateAddress(ctx context.Context, id, street, houseNumber, postalCode, city, externalID string) (bool, error)
	MarkEmailVerified(ctx context.Context, id string) (bool, error)
	InvalidateIfReady(ctx context.Context, id string) error
	SetStatusIfUnlocked(ctx context.Context, id, status string) (bool, error)
	TryLock(ctx context.Context, id string) (bool, error)
}

// ChargerStore persists chargers.
type ChargerStore interface {
	Create(ctx context.Context, c *repository.Charger) error
	GetByID(ctx context.Context, id, dossierID string) (*repository.Charger, error)
	ListByDossier(ctx context.Context, dossierID string) ([]*repository.Charger, error)
	CountByDossier(ctx context.Context, dossierID string) (int, error)
	Update(ctx context.Context, c *repository.Charger) (bool, error)
	Delete(ctx context.Context, id, dossierID string) (bool, error)
}

// DocumentStore persists documents.
type DocumentStore interface {
	Create(ctx context.Context, d *repository.Document) error
	GetByID(ctx context.Context, id, dossierID string) (*repository.Document, error)
	ListByDossier(ctx context.Context, dossierID string) ([]*repository.Document, error)
	ListConfirmedByDossier(ctx context.Context, dossierID string) ([]*repository.Document, error)
	ListByCharger(ctx context.Context, chargerID, dossierID string) ([]*repository.Document, error)
	CountActiveForCharger(ctx context.Context, chargerID, docType string) (int, error)
	Confirm(ctx context.Context, id, dossierID, fileSHA256 string, prov repository.ConfirmProvenance) (bool, error)
	Delete(ctx context.Context, id, dossierID string) (bool, error)
}

// ConsentStore persists the append-only consent ledger.
type ConsentStore interface {
	Append(ctx context.Context, c *repository.Consent) error
	LatestPerType(ctx context.Context, dossierID string) (map[string]*repository.Consent, error)
	ListByDossier(ctx context.Context, dossierID string) ([]*repository.Consent, error)
}

// CheckStore caches evaluation results.
type CheckStore interface {
	Upsert(ctx context.Context, c *repository.Check) error
	ListByDossier(ctx context.Context, dossierID string) ([]*repository.Check, error)
}

// AuditStore appends immutable audit events.
type AuditStore interface {
	Append(ctx context.Context, e *repository.AuditEvent) error
	ListByDossier(ctx context.Context, dossierID string) ([]*repository.AuditEvent, error)
}

// OutboundStore persists the durable mail queue.
type OutboundStore interface {
	Enqueue(ctx context.Context, m *repository.OutboundMessage) error
	SelectBatch(ctx context.Context, maxAttempts, limit int) ([]*repository.OutboundMessage, error)
	Claim(ctx context.Context, id string) (int, bool, error)
	MarkSent(ctx context.Context, id, providerMessageID string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	Requeue(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error
	RecoverStuck(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*repository.RecoveredMessage, error)
}

// Publisher emits best-effort lifecycle notifications.
type Publisher interface {
	PublishDossierEvent(eventType, dossierID, status string, payload map[string]any)
}
