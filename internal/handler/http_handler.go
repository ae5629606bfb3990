package handler

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/daankoote/savri-dossiers/internal/errors"
	"github.com/daankoote/savri-dossiers/internal/logger"
	"github.com/daankoote/savri-dossiers/internal/middleware"
	"github.com/daankoote/savri-dossiers/internal/repository"
	"github.com/daankoote/savri-dossiers/internal/service"
)

const maxBodySize = 1 << 20 // request bodies are JSON metadata, uploads go to storage directly

// IdempotencyStore is the ledger the handler reserves and finalizes around
// every mutating endpoint.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, dossierID *string, endpoint string) (bool, error)
	Get(ctx context.Context, key string) (*repository.IdempotencyRecord, error)
	Finalize(ctx context.Context, key string, dossierID *string, status int, body []byte) error
}

// HTTPHandler exposes the dossier workflow over JSON endpoints. Every
// response is wrapped in an {ok: ...} envelope; mutating endpoints run under
// the idempotency ledger.
type HTTPHandler struct {
	dossiers    *service.DossierService
	chargers    *service.ChargerService
	documents   *service.DocumentService
	evaluation  *service.EvaluationService
	idempotency IdempotencyStore
	serviceName string
	version     string
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(
	dossiers *service.DossierService,
	chargers *service.ChargerService,
	documents *service.DocumentService,
	evaluation *service.EvaluationService,
	idempotency IdempotencyStore,
	serviceName, version string,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		dossiers:    dossiers,
		chargers:    chargers,
		documents:   documents,
		evaluation:  evaluation,
		idempotency: idempotency,
		serviceName: serviceName,
		version:     version,
		log:         log,
	}
}

// RegisterRoutes attaches all endpoints to the mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /api/v1/dossiers/create", h.CreateDossier)
	mux.HandleFunc("POST /api/v1/dossiers/save", h.SaveDossier)
	mux.HandleFunc("POST /api/v1/dossiers/address", h.SaveAddress)
	mux.HandleFunc("POST /api/v1/dossiers/consents", h.SaveConsents)
	mux.HandleFunc("POST /api/v1/dossiers/chargers/add", h.AddCharger)
	mux.HandleFunc("POST /api/v1/dossiers/chargers/update", h.UpdateCharger)
	mux.HandleFunc("POST /api/v1/dossiers/chargers/delete", h.DeleteCharger)
	mux.HandleFunc("POST /api/v1/documents/issue", h.IssueDocument)
	mux.HandleFunc("POST /api/v1/documents/confirm", h.ConfirmDocument)
	mux.HandleFunc("POST /api/v1/documents/delete", h.DeleteDocument)
	mux.HandleFunc("POST /api/v1/dossiers/evaluate", h.Evaluate)

	mux.HandleFunc("GET /api/v1/dossiers/state", h.GetState)
	mux.HandleFunc("GET /api/v1/dossiers/export", h.ExportDossier)
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": h.serviceName,
		"version": h.version,
	})
}

// ── mutating endpoints ────────────────────────────────────────────────────────

// CreateDossier opens a new dossier. The key is reserved like everywhere
// else, but replay is never honored here: no dossier id exists before the
// request runs, and the one-time token must not be re-readable afterwards.
func (h *HTTPHandler) CreateDossier(w http.ResponseWriter, r *http.Request) {
	var req service.CreateDossierRequest
	if !h.decode(w, r, &req) {
		return
	}

	key, ok := h.requireIdempotencyKey(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	reserved, err := h.idempotency.Reserve(ctx, key, nil, "dossier_create")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !reserved {
		h.writeError(w, r, errors.Conflict("in_progress", "a request with this idempotency key was already received"))
		return
	}

	result, err := h.dossiers.CreateDossier(ctx, h.meta(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope(result))
}

// SaveDossier saves contact and account fields.
func (h *HTTPHandler) SaveDossier(w http.ResponseWriter, r *http.Request) {
	var req service.SaveContactRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, "dossier_save", req.DossierID, req.Token, func(ctx context.Context, meta service.RequestMeta) (map[string]any, error) {
		return h.dossiers.SaveContact(ctx, meta, req)
	})
}

// SaveAddress verifies and saves the installation address.
func (h *HTTPHandler) SaveAddress(w http.ResponseWriter, r *http.Request) {
	var req service.SaveAddressRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, "dossier_address", req.DossierID, req.Token, func(ctx context.Context, meta service.RequestMeta) (map[string]any, error) {
		return h.dossiers.SaveAddress(ctx, meta, req)
	})
}

// SaveConsents appends consent acceptances.
func (h *HTTPHandler) SaveConsents(w http.ResponseWriter, r *http.Request) {
	var req service.SaveConsentsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, "dossier_consents", req.DossierID, req.Token, func(ctx context.Context, meta service.RequestMeta) (map[string]any, error) {
		return h.dossiers.SaveConsents(ctx, meta, req)
	})
}

// AddCharger registers a charger.
func (h *HTTPHandler) AddCharger(w http.ResponseWriter, r *http.Request) {
	var req service.ChargerRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, "charger_add", req.DossierID, req.Token, func(ctx context.Context, meta service.RequestMeta) (map[string]any, error) {
		return h.chargers.AddCharger(ctx, meta, req)
	})
}

// UpdateCharger saves charger fields.
func (h *HTTPHandler) UpdateCharger(w http.ResponseWriter, r *http.Request) {
	var req service.ChargerRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, "charger_update", req.DossierID, req.Token, func(ctx context.Context, meta service.RequestMeta) (map[string]any, error) {
		return h.chargers.UpdateCharger(ctx, meta, req)
	})
}

// DeleteCharger removes a charger and its documents.
func (h *HTTPHandler) DeleteCharger(w http.ResponseWriter, r *http.Request) {
	var req service.DeleteChargerRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, "charger_delete", req.DossierID, req.Token, func(ctx context.Context, meta service.RequestMeta) (map[string]any, error) {
		return h.chargers.DeleteCharger(ctx, meta, req)
	})
}

// IssueDocument reserves a document slot and returns a signed upload URL.
func (h *HTTPHandler) IssueDocument(w http.ResponseWriter, r *http.Request) {
	var req service.IssueDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, "document_issue", req.DossierID, req.Token, func(ctx context.Context, meta service.RequestMeta) (map[string]any, error) {
		return h.documents.IssueDocument(ctx, meta, req)
	})
}

// ConfirmDocument verifies an upload server-side.
func (h *HTTPHandler) ConfirmDocument(w http.ResponseWriter, r *http.Request) {
	var req service.ConfirmDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, "document_confirm", req.DossierID, req.Token, func(ctx context.Context, meta service.RequestMeta) (map[string]any, error) {
		return h.documents.ConfirmDocument(ctx, meta, req)
	})
}

// DeleteDocument removes a document.
func (h *HTTPHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	var req service.DeleteDocumentRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, "document_delete", req.DossierID, req.Token, func(ctx context.Context, meta service.RequestMeta) (map[string]any, error) {
		return h.documents.DeleteDocument(ctx, meta, req)
	})
}

// Evaluate recomputes the completeness checks, optionally finalizing.
func (h *HTTPHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req service.EvaluateRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, "dossier_evaluate", req.DossierID, req.Token, func(ctx context.Context, meta service.RequestMeta) (map[string]any, error) {
		return h.evaluation.Evaluate(ctx, meta, req)
	})
}

// ── read endpoints ────────────────────────────────────────────────────────────

// GetState returns the dossier with its chargers, documents, consents and
// cached checks.
func (h *HTTPHandler) GetState(w http.ResponseWriter, r *http.Request) {
	dossierID, token, ok := h.queryCredentials(w, r)
	if !ok {
		return
	}
	result, err := h.dossiers.GetState(r.Context(), h.meta(r), dossierID, token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope(result))
}

// ExportDossier returns the review snapshot of a finalized dossier.
func (h *HTTPHandler) ExportDossier(w http.ResponseWriter, r *http.Request) {
	dossierID, token, ok := h.queryCredentials(w, r)
	if !ok {
		return
	}
	result, err := h.documents.ExportDossier(r.Context(), h.meta(r), dossierID, token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope(result))
}

// ── idempotency orchestration ─────────────────────────────────────────────────

// mutate runs one mutating endpoint under the idempotency ledger: reserve the
// key, replay a finalized response byte-identically, otherwise execute and
// store the outcome. Responses to infrastructure failures (5xx) are not
// stored, so a retry with the same key gets another chance.
func (h *HTTPHandler) mutate(w http.ResponseWriter, r *http.Request, endpoint, dossierID, token string, fn func(ctx context.Context, meta service.RequestMeta) (map[string]any, error)) {
	if dossierID == "" {
		h.writeError(w, r, errors.InvalidInput("dossier_id", "dossier_id is required"))
		return
	}
	if token == "" {
		h.writeError(w, r, errors.InvalidInput("token", "token is required"))
		return
	}
	key, ok := h.requireIdempotencyKey(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	reserved, err := h.idempotency.Reserve(ctx, key, &dossierID, endpoint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !reserved {
		rec, err := h.idempotency.Get(ctx, key)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if rec != nil && rec.Finalized() {
			h.replay(w, rec)
			return
		}
		h.writeError(w, r, errors.Conflict("in_progress", "a request with this idempotency key is still being processed"))
		return
	}

	var status int
	var payload map[string]any
	result, err := fn(ctx, h.meta(r))
	if err != nil {
		status = errors.HTTPStatus(err)
		payload = errorEnvelope(err)
	} else {
		status = http.StatusOK
		payload = envelope(result)
	}

	// Marshal exactly once so the stored replay bytes are identical to the
	// bytes on the wire.
	body, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		h.log.Error().Err(marshalErr).Str("endpoint", endpoint).Msg("failed to marshal response")
		h.writeError(w, r, errors.Wrap(marshalErr, errors.ErrCodeInternal, "failed to encode response"))
		return
	}

	if status < http.StatusInternalServerError {
		if err := h.idempotency.Finalize(ctx, key, &dossierID, status, body); err != nil {
			h.log.Warn().Err(err).Str("endpoint", endpoint).Msg("failed to finalize idempotency key (fail-open)")
		}
	}

	h.write(w, status, body)
}

func (h *HTTPHandler) replay(w http.ResponseWriter, rec *repository.IdempotencyRecord) {
	w.Header().Set("Idempotent-Replay", "true")
	h.write(w, *rec.ResponseStatus, rec.ResponseBody)
}

func (h *HTTPHandler) requireIdempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		h.writeError(w, r, errors.InvalidInput("idempotency_key", "Idempotency-Key header is required"))
		return "", false
	}
	return key, true
}

// ── plumbing ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		h.writeError(w, r, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read request body"))
		return false
	}
	if len(body) > maxBodySize {
		h.writeError(w, r, errors.InvalidInput("body", "request body too large"))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid JSON body"))
		return false
	}
	return true
}

func (h *HTTPHandler) queryCredentials(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	dossierID := r.URL.Query().Get("dossier_id")
	token := r.URL.Query().Get("token")
	if dossierID == "" {
		h.writeError(w, r, errors.InvalidInput("dossier_id", "dossier_id is required"))
		return "", "", false
	}
	if token == "" {
		h.writeError(w, r, errors.InvalidInput("token", "token is required"))
		return "", "", false
	}
	return dossierID, token, true
}

func (h *HTTPHandler) meta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		RequestID:      middleware.RequestIDFromContext(r.Context()),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		IP:             clientIP(r),
		UserAgent:      r.UserAgent(),
	}
}

func (h *HTTPHandler) respond(w http.ResponseWriter, status int, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal response")
		h.write(w, http.StatusInternalServerError, []byte(`{"ok":false,"error":"internal error"}`))
		return
	}
	h.write(w, status, body)
}

func (h *HTTPHandler) write(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.log.Warn().Err(err).Msg("failed to write response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Msg("request failed")
	}
	h.respond(w, status, errorEnvelope(err))
}

func envelope(result map[string]any) map[string]any {
	payload := map[string]any{"ok": true}
	for k, v := range result {
		payload[k] = v
	}
	return payload
}

func errorEnvelope(err error) map[string]any {
	payload := map[string]any{
		"ok":    false,
		"error": errors.MessageOf(err),
	}
	if reason := errors.ReasonOf(err); reason != "" {
		payload["reason"] = reason
	}
	return payload
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
