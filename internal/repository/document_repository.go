package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daankoote/savri-dossiers/internal/database"
	"github.com/daankoote/savri-dossiers/internal/errors"
)

// Document statuses.
const (
	DocumentIssued    = "issued"
	DocumentConfirmed = "confirmed"
	DocumentRejected  = "rejected"
)

// Document tracks one uploaded file from issuance through hash-verified
// confirmation. A document counts as evidence only when status is confirmed
// and file_sha256 holds the server-computed hash.
type Document struct {
	ID                      string     `json:"id"`
	DossierID               string     `json:"dossier_id"`
	ChargerID               *string    `json:"charger_id,omitempty"`
	DocType                 string     `json:"doc_type"`
	FileName                string     `json:"file_name"`
	ContentType             string     `json:"content_type"`
	DeclaredSize            int64      `json:"declared_size"`
	StoragePath             string     `json:"storage_path"`
	Status                  string     `json:"status"`
	DeclaredSHA256          string     `json:"declared_sha256"`
	FileSHA256              *string    `json:"file_sha256,omitempty"`
	ConfirmedBy             *string    `json:"confirmed_by,omitempty"`
	ConfirmedAt             *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedIP             *string    `json:"confirmed_ip,omitempty"`
	ConfirmedUserAgent      *string    `json:"confirmed_user_agent,omitempty"`
	ConfirmedRequestID      *string    `json:"confirmed_request_id,omitempty"`
	ConfirmedIdempotencyKey *string    `json:"confirmed_idempotency_key,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// ConfirmProvenance is the who/when/from-where tuple recorded on confirmation.
type ConfirmProvenance struct {
	ConfirmedBy    string
	IP             string
	UserAgent      string
	RequestID      string
	IdempotencyKey string
}

const documentColumns = `id, dossier_id, charger_id, doc_type, file_name, content_type,
	       declared_size, storage_path, status, declared_sha256, file_sha256,
	       confirmed_by, confirmed_at, confirmed_ip, confirmed_user_agent,
	       confirmed_request_id, confirmed_idempotency_key,
	       created_at, updated_at`

// DocumentRepository handles document persistence.
type DocumentRepository struct {
	db *database.DB
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(db *database.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts an issued document row. A partial unique index enforces at
// most one non-rejected document per (charger, doc_type); a violation there
// is the race-safe doc_limit fallback.
func (r *DocumentRepository) Create(ctx context.Context, d *Document) error {
	query := `
		INSERT INTO dossier_documents
		    (id, dossier_id, charger_id, doc_type, file_name, content_type,
		     declared_size, storage_path, status, declared_sha256)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		d.ID,
		d.DossierID,
		d.ChargerID,
		d.DocType,
		d.FileName,
		d.ContentType,
		d.DeclaredSize,
		d.StoragePath,
		DocumentIssued,
		d.DeclaredSHA256,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.IsUniqueViolation(err) {
			return errors.Conflict("doc_limit", "a document of this type already exists for this charger")
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create document")
	}

	d.Status = DocumentIssued
	return nil
}

// GetByID retrieves a document scoped to its dossier.
func (r *DocumentRepository) GetByID(ctx context.Context, id, dossierID string) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM dossier_documents WHERE id = $1 AND dossier_id = $2`

	d, err := scanDocument(r.db.QueryRow(ctx, query, id, dossierID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("document", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get document")
	}
	return d, nil
}

// ListByDossier returns all documents of a dossier, oldest first.
func (r *DocumentRepository) ListByDossier(ctx context.Context, dossierID string) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM dossier_documents WHERE dossier_id = $1 ORDER BY created_at`
	return r.list(ctx, query, dossierID)
}

// ListConfirmedByDossier returns only evidence-grade documents.
func (r *DocumentRepository) ListConfirmedByDossier(ctx context.Context, dossierID string) ([]*Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM dossier_documents
		WHERE dossier_id = $1 AND status = $2 AND file_sha256 IS NOT NULL
		ORDER BY created_at
	`
	return r.list(ctx, query, dossierID, DocumentConfirmed)
}

// ListByCharger returns all documents attached to one charger.
func (r *DocumentRepository) ListByCharger(ctx context.Context, chargerID, dossierID string) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM dossier_documents WHERE charger_id = $1 AND dossier_id = $2 ORDER BY created_at`
	return r.list(ctx, query, chargerID, dossierID)
}

// CountActiveForCharger counts non-rejected documents of one type on a charger.
func (r *DocumentRepository) CountActiveForCharger(ctx context.Context, chargerID, docType string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM dossier_documents
		WHERE charger_id = $1 AND doc_type = $2 AND status <> $3
	`, chargerID, docType, DocumentRejected).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count documents")
	}
	return count, nil
}

// Confirm transitions issued → confirmed, recording the server-verified hash
// and the confirming actor's provenance. Zero rows means the document left
// the issued state concurrently; the caller re-reads to decide the outcome.
func (r *DocumentRepository) Confirm(ctx context.Context, id, dossierID, fileSHA256 string, prov ConfirmProvenance) (bool, error) {
	query := `
		UPDATE dossier_documents
		SET status                    = $3,
		    file_sha256               = $4,
		    confirmed_by              = $5,
		    confirmed_at              = NOW(),
		    confirmed_ip              = $6,
		    confirmed_user_agent      = $7,
		    confirmed_request_id      = $8,
		    confirmed_idempotency_key = $9,
		    updated_at                = NOW()
		WHERE id = $1 AND dossier_id = $2 AND status = $10
	`

	tag, err := r.db.Exec(ctx, query,
		id,
		dossierID,
		DocumentConfirmed,
		fileSHA256,
		prov.ConfirmedBy,
		prov.IP,
		prov.UserAgent,
		prov.RequestID,
		prov.IdempotencyKey,
		DocumentIssued,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to confirm document")
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes a document row. The storage object is cleaned up separately,
// best-effort, after the row is gone.
func (r *DocumentRepository) Delete(ctx context.Context, id, dossierID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM dossier_documents WHERE id = $1 AND dossier_id = $2`, id, dossierID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to delete document")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *DocumentRepository) list(ctx context.Context, query string, args ...any) ([]*Document, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list documents")
	}
	defer rows.Close()

	docs := make([]*Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan document")
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type documentScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row documentScanner) (*Document, error) {
	d := &Document{}
	err := row.Scan(
		&d.ID,
		&d.DossierID,
		&d.ChargerID,
		&d.DocType,
		&d.FileName,
		&d.ContentType,
		&d.DeclaredSize,
		&d.StoragePath,
		&d.Status,
		&d.DeclaredSHA256,
		&d.FileSHA256,
		&d.ConfirmedBy,
		&d.ConfirmedAt,
		&d.ConfirmedIP,
		&d.ConfirmedUserAgent,
		&d.ConfirmedRequestID,
		&d.ConfirmedIdempotencyKey,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
