package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes dossier lifecycle events to NATS for
// consumption by downstream services (CRM sync, operational dashboards).
//
// Subject convention: dossiers.<event_type>
// Event types: dossier_created, dossier_ready_for_review, dossier_locked
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so a NATS outage never interrupts dossier
// operations. The publisher is nil-conn safe for deployments without NATS.
type NotificationPublisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// DossierEvent is the JSON schema published to NATS.
type DossierEvent struct {
	EventType  string         `json:"event_type"`
	DossierID  string         `json:"dossier_id"`
	Status     string         `json:"status,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection; conn may be nil.
func NewNotificationPublisher(conn *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, log: log}
}

// PublishDossierEvent publishes one lifecycle event. Subject:
// dossiers.<eventType>
func (p *NotificationPublisher) PublishDossierEvent(eventType, dossierID, status string, payload map[string]any) {
	if p.conn == nil {
		return
	}

	event := &DossierEvent{
		EventType:  eventType,
		DossierID:  dossierID,
		Status:     status,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("dossiers.%s", eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("dossier_id", dossierID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("dossier_id", dossierID).
		Msg("notification: event published")
}
