package service

import (
	"context"

	"github.com/daankoote/savri-dossiers/internal/logger"
	"github.com/daankoote/savri-dossiers/internal/repository"
)

// RequestMeta carries the provenance of one inbound request into the service
// layer: everything the audit trail and document confirmation need to answer
// "who did this, from where, and under which request".
type RequestMeta struct {
	RequestID      string
	IdempotencyKey string
	IP             string
	UserAgent      string
}

// AuditRecorder appends audit events enriched with request provenance.
//
// Recording is fail-open: a broken audit store must never block the customer
// flow, so failures are logged and swallowed. The business write that the
// event describes has already happened by the time Record is called.
type AuditRecorder struct {
	store       AuditStore
	environment string
	log         *logger.Logger
}

// NewAuditRecorder creates a new AuditRecorder.
func NewAuditRecorder(store AuditStore, environment string, log *logger.Logger) *AuditRecorder {
	return &AuditRecorder{store: store, environment: environment, log: log}
}

// Record appends one audit event. The data map is copied before enrichment so
// callers can reuse their maps.
func (r *AuditRecorder) Record(ctx context.Context, meta RequestMeta, dossierID, actorType, eventType string, data map[string]any) {
	enriched := make(map[string]any, len(data)+5)
	for k, v := range data {
		enriched[k] = v
	}
	enriched["environment"] = r.environment
	if meta.RequestID != "" {
		enriched["request_id"] = meta.RequestID
	}
	if meta.IdempotencyKey != "" {
		enriched["idempotency_key"] = meta.IdempotencyKey
	}
	if meta.IP != "" {
		enriched["ip"] = meta.IP
	}
	if meta.UserAgent != "" {
		enriched["user_agent"] = meta.UserAgent
	}

	event := &repository.AuditEvent{
		DossierID: dossierID,
		ActorType: actorType,
		EventType: eventType,
		Data:      enriched,
	}

	if err := r.store.Append(ctx, event); err != nil {
		r.log.Warn().Err(err).
			Str("dossier_id", dossierID).
			Str("event_type", eventType).
			Msg("audit append failed (fail-open)")
	}
}
