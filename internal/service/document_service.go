package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/daankoote/savri-dossiers/internal/client"
	"github.com/daankoote/savri-dossiers/internal/errors"
	"github.com/daankoote/savri-dossiers/internal/logger"
	"github.com/daankoote/savri-dossiers/internal/repository"
)

// Document types. The charger-scoped types require a charger_id; the
// meterkast photo belongs to the dossier as a whole.
const (
	DocTypeInvoice       = "factuur"
	DocTypeChargerPhoto  = "foto_laadpunt"
	DocTypeMeterCupboard = "foto_meterkast"
)

// RequiredChargerDocTypes lists the document types every charger must carry,
// in evaluation order.
var RequiredChargerDocTypes = []string{DocTypeInvoice, DocTypeChargerPhoto}

const maxDeclaredSize = 15 << 20 // 15 MiB

var allowedExtensions = map[string]bool{
	".pdf":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
}

var allowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/heic":      true,
}

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

var fileNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// DocumentService implements the upload integrity pipeline: issue a signed
// upload URL, verify the uploaded bytes server-side on confirm, and expose
// verified documents through the review export.
type DocumentService struct {
	dossiers    DossierStore
	chargers    ChargerStore
	documents   DocumentStore
	consents    ConsentStore
	checks      CheckStore
	storage     client.StorageClientInterface
	access      *AccessService
	audit       *AuditRecorder
	uploadTTL   time.Duration
	downloadTTL time.Duration
	log         *logger.Logger
}

// NewDocumentService creates a new DocumentService.
func NewDocumentService(
	dossiers DossierStore,
	chargers ChargerStore,
	documents DocumentStore,
	consents ConsentStore,
	checks CheckStore,
	storage client.StorageClientInterface,
	access *AccessService,
	audit *AuditRecorder,
	uploadTTL, downloadTTL time.Duration,
	log *logger.Logger,
) *DocumentService {
	return &DocumentService{
		dossiers:    dossiers,
		chargers:    chargers,
		documents:   documents,
		consents:    consents,
		checks:      checks,
		storage:     storage,
		access:      access,
		audit:       audit,
		uploadTTL:   uploadTTL,
		downloadTTL: downloadTTL,
		log:         log,
	}
}

// IssueDocumentRequest asks for a signed upload slot.
type IssueDocumentRequest struct {
	DossierID      string `json:"dossier_id"`
	Token          string `json:"token"`
	ChargerID      string `json:"charger_id,omitempty"`
	DocType        string `json:"doc_type"`
	FileName       string `json:"file_name"`
	ContentType    string `json:"content_type"`
	DeclaredSize   int64  `json:"declared_size"`
	DeclaredSHA256 string `json:"declared_sha256"`
}

// IssueDocument validates the upload intent, reserves the document slot and
// returns a short-lived signed PUT URL. The upload itself bypasses this
// service entirely.
func (s *DocumentService) IssueDocument(ctx context.Context, meta RequestMeta, req IssueDocumentRequest) (map[string]any, error) {
	if err := validateIssueRequest(req); err != nil {
		return nil, err
	}

	d, err := s.access.AuthorizeUnlocked(ctx, meta, req.DossierID, req.Token)
	if err != nil {
		return nil, err
	}

	var chargerID *string
	if isChargerScoped(req.DocType) {
		if req.ChargerID == "" {
			return nil, errors.InvalidInput("charger_id", fmt.Sprintf("doc type %s requires a charger", req.DocType))
		}
		if _, err := s.chargers.GetByID(ctx, req.ChargerID, d.ID); err != nil {
			return nil, err
		}
		count, err := s.documents.CountActiveForCharger(ctx, req.ChargerID, req.DocType)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "document_issue_rejected", map[string]any{
				"reason":     "doc_limit",
				"charger_id": req.ChargerID,
				"doc_type":   req.DocType,
			})
			return nil, errors.Conflict("doc_limit", "a document of this type already exists for this charger")
		}
		chargerID = &req.ChargerID
	} else if req.ChargerID != "" {
		return nil, errors.InvalidInput("charger_id", fmt.Sprintf("doc type %s is not charger-scoped", req.DocType))
	}

	doc := &repository.Document{
		ID:             uuid.New().String(),
		DossierID:      d.ID,
		ChargerID:      chargerID,
		DocType:        req.DocType,
		FileName:       req.FileName,
		ContentType:    req.ContentType,
		DeclaredSize:   req.DeclaredSize,
		DeclaredSHA256: strings.ToLower(req.DeclaredSHA256),
	}
	doc.StoragePath = fmt.Sprintf("dossiers/%s/documents/%s/%s", d.ID, doc.ID, sanitizeFileName(req.FileName))

	if err := s.documents.Create(ctx, doc); err != nil {
		// The partial unique index catches the race the pre-check missed.
		if errors.ReasonOf(err) == "doc_limit" {
			s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "document_issue_rejected", map[string]any{
				"reason":     "doc_limit",
				"charger_id": req.ChargerID,
				"doc_type":   req.DocType,
			})
		}
		return nil, err
	}

	s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "document_issued", map[string]any{
		"document_id": doc.ID,
		"doc_type":    doc.DocType,
		"file_name":   doc.FileName,
	})
	if err := s.dossiers.InvalidateIfReady(ctx, d.ID); err != nil {
		return nil, err
	}

	return map[string]any{
		"document":          doc,
		"upload_url":        s.storage.SignedUploadURL(doc.StoragePath, s.uploadTTL),
		"upload_expires_in": int(s.uploadTTL.Seconds()),
	}, nil
}

// ConfirmDocumentRequest finalizes an upload.
type ConfirmDocumentRequest struct {
	DossierID      string `json:"dossier_id"`
	Token          string `json:"token"`
	DocumentID     string `json:"document_id"`
	DeclaredSHA256 string `json:"declared_sha256"`
}

// ConfirmDocument downloads the uploaded object and verifies its SHA-256
// server-side before the document counts as evidence. The client-declared
// hash is never trusted. Re-confirming an already-confirmed document succeeds
// without touching the row.
func (s *DocumentService) ConfirmDocument(ctx context.Context, meta RequestMeta, req ConfirmDocumentRequest) (map[string]any, error) {
	if req.DocumentID == "" {
		return nil, errors.InvalidInput("document_id", "document id is required")
	}
	declared := strings.ToLower(strings.TrimSpace(req.DeclaredSHA256))
	if !sha256Pattern.MatchString(declared) {
		return nil, errors.InvalidInput("declared_sha256", "declared hash must be 64 lowercase hex characters")
	}

	d, err := s.access.AuthorizeUnlocked(ctx, meta, req.DossierID, req.Token)
	if err != nil {
		return nil, err
	}

	doc, err := s.documents.GetByID(ctx, req.DocumentID, d.ID)
	if err != nil {
		return nil, err
	}
	if doc.Status == repository.DocumentConfirmed {
		// Idempotent re-confirm: the stored verification stands.
		return map[string]any{"document": doc}, nil
	}
	if doc.Status != repository.DocumentIssued {
		return nil, errors.Conflict("bad_state", fmt.Sprintf("document is %s and cannot be confirmed", doc.Status))
	}

	data, err := s.storage.Download(ctx, doc.StoragePath)
	if err != nil {
		if err == client.ErrNotFound {
			return nil, errors.Conflict("bad_state", "no uploaded file found for this document")
		}
		return nil, errors.Dependency("storage", "failed to download uploaded file for verification")
	}

	sum := sha256.Sum256(data)
	computed := hex.EncodeToString(sum[:])
	if computed != declared {
		s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "document_confirm_rejected", map[string]any{
			"reason":          "hash_mismatch",
			"document_id":     doc.ID,
			"declared_sha256": declared,
			"file_sha256":     computed,
		})
		return nil, errors.Conflict("hash_mismatch", "uploaded file does not match the declared hash")
	}

	confirmed, err := s.documents.Confirm(ctx, doc.ID, d.ID, computed, repository.ConfirmProvenance{
		ConfirmedBy:    repository.ActorCustomer,
		IP:             meta.IP,
		UserAgent:      meta.UserAgent,
		RequestID:      meta.RequestID,
		IdempotencyKey: meta.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if !confirmed {
		// Lost the race; re-read and settle on the row's current state.
		doc, err = s.documents.GetByID(ctx, doc.ID, d.ID)
		if err != nil {
			return nil, err
		}
		if doc.Status == repository.DocumentConfirmed {
			return map[string]any{"document": doc}, nil
		}
		return nil, errors.Conflict("bad_state", fmt.Sprintf("document is %s and cannot be confirmed", doc.Status))
	}

	doc, err = s.documents.GetByID(ctx, doc.ID, d.ID)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "document_confirmed", map[string]any{
		"document_id": doc.ID,
		"doc_type":    doc.DocType,
		"file_sha256": computed,
	})
	if err := s.dossiers.InvalidateIfReady(ctx, d.ID); err != nil {
		return nil, err
	}
	return map[string]any{"document": doc}, nil
}

// DeleteDocumentRequest removes one document.
type DeleteDocumentRequest struct {
	DossierID  string `json:"dossier_id"`
	Token      string `json:"token"`
	DocumentID string `json:"document_id"`
}

// DeleteDocument removes the database row first, then cleans up the storage
// object best-effort. A storage failure is audited but the delete succeeds.
func (s *DocumentService) DeleteDocument(ctx context.Context, meta RequestMeta, req DeleteDocumentRequest) (map[string]any, error) {
	if req.DocumentID == "" {
		return nil, errors.InvalidInput("document_id", "document id is required")
	}

	d, err := s.access.AuthorizeUnlocked(ctx, meta, req.DossierID, req.Token)
	if err != nil {
		return nil, err
	}

	doc, err := s.documents.GetByID(ctx, req.DocumentID, d.ID)
	if err != nil {
		return nil, err
	}

	deleted, err := s.documents.Delete(ctx, doc.ID, d.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, errors.NotFound("document", req.DocumentID)
	}

	if err := s.storage.Delete(ctx, doc.StoragePath); err != nil {
		s.audit.Record(ctx, meta, d.ID, repository.ActorSystem, "document_storage_delete_failed", map[string]any{
			"document_id":  doc.ID,
			"storage_path": doc.StoragePath,
		})
	}

	s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "document_deleted", map[string]any{
		"document_id": doc.ID,
		"doc_type":    doc.DocType,
	})
	if err := s.dossiers.InvalidateIfReady(ctx, d.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

// ExportedDocument is a verified document plus its short-lived download URL.
type ExportedDocument struct {
	*repository.Document
	DownloadURL string `json:"download_url"`
}

// ExportDossier returns the full review snapshot of a locked dossier,
// including short-lived download URLs for the verified documents.
func (s *DocumentService) ExportDossier(ctx context.Context, meta RequestMeta, dossierID, token string) (map[string]any, error) {
	d, err := s.access.Authorize(ctx, meta, dossierID, token)
	if err != nil {
		return nil, err
	}
	if !d.Locked() {
		return nil, errors.Conflict("not_locked", "dossier must be finalized before export")
	}

	chargerRows, err := s.chargers.ListByDossier(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	consentRows, err := s.consents.ListByDossier(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	checkRows, err := s.checks.ListByDossier(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	docs, err := s.documents.ListConfirmedByDossier(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	exported := make([]ExportedDocument, 0, len(docs))
	for _, doc := range docs {
		exported = append(exported, ExportedDocument{
			Document:    doc,
			DownloadURL: s.storage.SignedDownloadURL(doc.StoragePath, s.downloadTTL),
		})
	}

	s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "dossier_exported", map[string]any{
		"documents": len(exported),
	})

	return map[string]any{
		"dossier":   d,
		"chargers":  chargerRows,
		"consents":  consentRows,
		"checks":    checkRows,
		"documents": exported,
	}, nil
}

// ── validation helpers ────────────────────────────────────────────────────────

func validateIssueRequest(req IssueDocumentRequest) error {
	switch req.DocType {
	case DocTypeInvoice, DocTypeChargerPhoto, DocTypeMeterCupboard:
	default:
		return errors.InvalidInput("doc_type", fmt.Sprintf("unknown doc type %q", req.DocType))
	}
	if req.FileName == "" {
		return errors.InvalidInput("file_name", "file name is required")
	}
	ext := strings.ToLower(path.Ext(req.FileName))
	if !allowedExtensions[ext] {
		return errors.InvalidInput("file_name", fmt.Sprintf("file extension %q is not allowed", ext))
	}
	if !allowedContentTypes[strings.ToLower(req.ContentType)] {
		return errors.InvalidInput("content_type", fmt.Sprintf("content type %q is not allowed", req.ContentType))
	}
	if req.DeclaredSize <= 0 || req.DeclaredSize > maxDeclaredSize {
		return errors.InvalidInput("declared_size", "declared size must be between 1 byte and 15 MiB")
	}
	if !sha256Pattern.MatchString(strings.ToLower(req.DeclaredSHA256)) {
		return errors.InvalidInput("declared_sha256", "declared hash must be 64 lowercase hex characters")
	}
	return nil
}

func isChargerScoped(docType string) bool {
	return docType == DocTypeInvoice || docType == DocTypeChargerPhoto
}

func sanitizeFileName(name string) string {
	base := path.Base(name)
	sanitized := fileNameSanitizer.ReplaceAllString(base, "_")
	if sanitized == "" || sanitized == "." || sanitized == ".." {
		return "upload"
	}
	return sanitized
}
