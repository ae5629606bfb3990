package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daankoote/savri-dossiers/internal/database"
	"github.com/daankoote/savri-dossiers/internal/errors"
)

// Outbound message statuses.
const (
	MessageQueued     = "queued"
	MessageProcessing = "processing"
	MessageSent       = "sent"
	MessageFailed     = "failed"
)

// OutboundMessage is one row in the durable mail queue.
type OutboundMessage struct {
	ID                string     `json:"id"`
	DossierID         *string    `json:"dossier_id,omitempty"`
	Recipient         string     `json:"recipient"`
	Subject           string     `json:"subject"`
	Body              string     `json:"body"`
	Priority          int        `json:"priority"`
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// RecoveredMessage describes one row touched by stuck-processing recovery.
type RecoveredMessage struct {
	ID        string
	DossierID *string
	Attempts  int
	Failed    bool
}

const outboundColumns = `id, dossier_id, recipient, subject, body, priority, status, attempts,
	       next_attempt_at, last_attempt_at, last_error, provider_message_id,
	       created_at, updated_at`

// OutboundRepository handles the durable outbound message queue.
type OutboundRepository struct {
	db *database.DB
}

// NewOutboundRepository creates a new OutboundRepository.
func NewOutboundRepository(db *database.DB) *OutboundRepository {
	return &OutboundRepository{db: db}
}

// Enqueue inserts a queued message due immediately.
func (r *OutboundRepository) Enqueue(ctx context.Context, m *OutboundMessage) error {
	query := `
		INSERT INTO outbound_messages (id, dossier_id, recipient, subject, body, priority, status, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		m.ID,
		m.DossierID,
		m.Recipient,
		m.Subject,
		m.Body,
		m.Priority,
		MessageQueued,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue message")
	}

	m.Status = MessageQueued
	return nil
}

// SelectBatch returns due queued messages ordered by priority then age.
func (r *OutboundRepository) SelectBatch(ctx context.Context, maxAttempts, limit int) ([]*OutboundMessage, error) {
	query := `
		SELECT ` + outboundColumns + `
		FROM outbound_messages
		WHERE status = $1
		  AND attempts < $2
		  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		ORDER BY priority, created_at
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, MessageQueued, maxAttempts, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to select message batch")
	}
	defer rows.Close()

	messages := make([]*OutboundMessage, 0)
	for rows.Next() {
		m, err := scanOutbound(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan message")
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// Claim atomically moves queued → processing, incrementing the attempt
// counter. Zero rows means another worker already claimed the message; the
// returned attempts value is only meaningful when claimed is true.
func (r *OutboundRepository) Claim(ctx context.Context, id string) (int, bool, error) {
	query := `
		UPDATE outbound_messages
		SET status          = $2,
		    attempts        = attempts + 1,
		    last_attempt_at = NOW(),
		    updated_at      = NOW()
		WHERE id = $1 AND status = $3
		RETURNING attempts
	`

	var attempts int
	err := r.db.QueryRow(ctx, query, id, MessageProcessing, MessageQueued).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim message")
	}
	return attempts, true, nil
}

// MarkSent records a successful delivery with the provider correlation id.
func (r *OutboundRepository) MarkSent(ctx context.Context, id, providerMessageID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbound_messages
		SET status              = $2,
		    provider_message_id = $3,
		    next_attempt_at     = NULL,
		    last_error          = NULL,
		    updated_at          = NOW()
		WHERE id = $1
	`, id, MessageSent, providerMessageID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark message sent")
	}
	return nil
}

// MarkFailed makes the message terminally failed, retaining the last error.
func (r *OutboundRepository) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbound_messages
		SET status          = $2,
		    last_error      = $3,
		    next_attempt_at = NULL,
		    updated_at      = NOW()
		WHERE id = $1
	`, id, MessageFailed, lastError)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark message failed")
	}
	return nil
}

// Requeue schedules another delivery attempt after a backoff delay.
func (r *OutboundRepository) Requeue(ctx context.Context, id string, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbound_messages
		SET status          = $2,
		    next_attempt_at = $3,
		    last_error      = $4,
		    updated_at      = NOW()
		WHERE id = $1
	`, id, MessageQueued, nextAttemptAt, lastError)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to requeue message")
	}
	return nil
}

// RecoverStuck handles rows stuck in processing since before cutoff: rows at
// or past the attempt ceiling become failed, the rest are requeued with a
// freshly computed exponential backoff. The last_attempt_at condition keeps a
// slow-but-alive worker's row out of recovery.
func (r *OutboundRepository) RecoverStuck(ctx context.Context, cutoff time.Time, maxAttempts int) ([]*RecoveredMessage, error) {
	recovered := make([]*RecoveredMessage, 0)

	failQuery := `
		UPDATE outbound_messages
		SET status          = $1,
		    next_attempt_at = NULL,
		    last_error      = 'stuck in processing',
		    updated_at      = NOW()
		WHERE status = $2 AND last_attempt_at < $3 AND attempts >= $4
		RETURNING id, dossier_id, attempts
	`

	rows, err := r.db.Query(ctx, failQuery, MessageFailed, MessageProcessing, cutoff, maxAttempts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to fail stuck messages")
	}
	for rows.Next() {
		m := &RecoveredMessage{Failed: true}
		if err := rows.Scan(&m.ID, &m.DossierID, &m.Attempts); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan recovered message")
		}
		recovered = append(recovered, m)
	}
	rows.Close()

	requeueQuery := `
		UPDATE outbound_messages
		SET status          = $1,
		    next_attempt_at = NOW() + make_interval(secs => LEAST(30 * POWER(2, GREATEST(attempts, 1) - 1), 1800)),
		    last_error      = 'stuck in processing',
		    updated_at      = NOW()
		WHERE status = $2 AND last_attempt_at < $3 AND attempts < $4
		RETURNING id, dossier_id, attempts
	`

	rows, err = r.db.Query(ctx, requeueQuery, MessageQueued, MessageProcessing, cutoff, maxAttempts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to requeue stuck messages")
	}
	defer rows.Close()
	for rows.Next() {
		m := &RecoveredMessage{}
		if err := rows.Scan(&m.ID, &m.DossierID, &m.Attempts); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan recovered message")
		}
		recovered = append(recovered, m)
	}
	return recovered, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type outboundScanner interface {
	Scan(dest ...any) error
}

func scanOutbound(row outboundScanner) (*OutboundMessage, error) {
	m := &OutboundMessage{}
	err := row.Scan(
		&m.ID,
		&m.DossierID,
		&m.Recipient,
		&m.Subject,
		&m.Body,
		&m.Priority,
		&m.Status,
		&m.Attempts,
		&m.NextAttemptAt,
		&m.LastAttemptAt,
		&m.LastError,
		&m.ProviderMessageID,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
