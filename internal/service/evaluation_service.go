package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/daankoote/savri-dossiers/internal/errors"
	"github.com/daankoote/savri-dossiers/internal/logger"
	"github.com/daankoote/savri-dossiers/internal/repository"
)

// Check codes, in evaluation order.
const (
	CheckEmailVerified     = "email_verified"
	CheckAddressVerified   = "address_verified"
	CheckChargerExactCount = "charger_exact_count"
	CheckDocsPerCharger    = "docs_per_charger"
	CheckConsentsRequired  = "consents_required"
)

var checkOrder = []string{
	CheckEmailVerified,
	CheckAddressVerified,
	CheckChargerExactCount,
	CheckDocsPerCharger,
	CheckConsentsRequired,
}

// checkResult is one computed predicate with the customer-facing message
// shown when it fails.
type checkResult struct {
	code    string
	passed  bool
	missing string
	details map[string]any
}

// EvaluationService recomputes the completeness checks and drives the
// resulting status transitions, including the one-way finalize lock.
type EvaluationService struct {
	dossiers  DossierStore
	chargers  ChargerStore
	documents DocumentStore
	consents  ConsentStore
	checks    CheckStore
	outbound  OutboundStore
	publisher Publisher
	access    *AccessService
	audit     *AuditRecorder
	log       *logger.Logger
}

// NewEvaluationService creates a new EvaluationService.
func NewEvaluationService(
	dossiers DossierStore,
	chargers ChargerStore,
	documents DocumentStore,
	consents ConsentStore,
	checks CheckStore,
	outbound OutboundStore,
	publisher Publisher,
	access *AccessService,
	audit *AuditRecorder,
	log *logger.Logger,
) *EvaluationService {
	return &EvaluationService{
		dossiers:  dossiers,
		chargers:  chargers,
		documents: documents,
		consents:  consents,
		checks:    checks,
		outbound:  outbound,
		publisher: publisher,
		access:    access,
		audit:     audit,
		log:       log,
	}
}

// EvaluateRequest runs the completeness checks, optionally finalizing.
type EvaluateRequest struct {
	DossierID string `json:"dossier_id"`
	Token     string `json:"token"`
	Finalize  bool   `json:"finalize"`
}

// Evaluate recomputes every check, persists the results and moves the status:
// any failure forces incomplete, a clean pass yields ready_for_review, and a
// clean pass with finalize performs the one-way lock into in_review.
func (s *EvaluationService) Evaluate(ctx context.Context, meta RequestMeta, req EvaluateRequest) (map[string]any, error) {
	d, err := s.access.Authorize(ctx, meta, req.DossierID, req.Token)
	if err != nil {
		return nil, err
	}
	if d.Locked() {
		if req.Finalize {
			// Finalizing an already-locked dossier is a success, not a replay
			// of the transition.
			return map[string]any{"dossier": d, "checks": []any{}, "missing": []string{}}, nil
		}
		return nil, errors.Conflict("dossier_locked", "dossier is locked and can no longer be changed")
	}

	results, err := s.compute(ctx, d)
	if err != nil {
		return nil, err
	}

	allPassed := true
	missing := make([]string, 0)
	persisted := make([]*repository.Check, 0, len(results))
	for _, res := range results {
		row := &repository.Check{
			DossierID: d.ID,
			CheckCode: res.code,
			Passed:    res.passed,
			Details:   res.details,
		}
		if err := s.checks.Upsert(ctx, row); err != nil {
			return nil, err
		}
		persisted = append(persisted, row)
		if !res.passed {
			allPassed = false
			missing = append(missing, res.missing)
		}
	}

	switch {
	case !allPassed:
		if _, err := s.dossiers.SetStatusIfUnlocked(ctx, d.ID, repository.StatusIncomplete); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "dossier_evaluated", map[string]any{
			"passed":  false,
			"missing": missing,
		})

	case req.Finalize:
		locked, err := s.dossiers.TryLock(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if locked {
			s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "dossier_locked", nil)
			s.enqueueConfirmation(ctx, d)
			s.publisher.PublishDossierEvent("dossier_locked", d.ID, repository.StatusInReview, nil)
			s.log.Info().Str("dossier_id", d.ID).Msg("dossier finalized")
		}
		// Zero rows means a concurrent finalize won; the re-read below
		// reports the locked dossier either way.

	default:
		moved, err := s.dossiers.SetStatusIfUnlocked(ctx, d.ID, repository.StatusReadyForReview)
		if err != nil {
			return nil, err
		}
		if moved && d.Status != repository.StatusReadyForReview {
			s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "dossier_ready_for_review", nil)
			s.publisher.PublishDossierEvent("dossier_ready_for_review", d.ID, repository.StatusReadyForReview, nil)
		}
	}

	fresh, err := s.dossiers.GetByID(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"dossier": fresh,
		"checks":  persisted,
		"missing": missing,
	}, nil
}

// compute runs the five predicates in their fixed order. Every predicate is
// always computed, even when an earlier one already failed.
func (s *EvaluationService) compute(ctx context.Context, d *repository.Dossier) ([]checkResult, error) {
	chargers, err := s.chargers.ListByDossier(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	confirmed, err := s.documents.ListConfirmedByDossier(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	latestConsents, err := s.consents.LatestPerType(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	results := make([]checkResult, 0, len(checkOrder))
	for _, code := range checkOrder {
		switch code {
		case CheckEmailVerified:
			results = append(results, checkResult{
				code:    code,
				passed:  d.EmailVerifiedAt != nil,
				missing: "verify your email address",
			})

		case CheckAddressVerified:
			results = append(results, checkResult{
				code:    code,
				passed:  d.AddressVerifiedAt != nil,
				missing: "verify the installation address",
			})

		case CheckChargerExactCount:
			results = append(results, s.checkChargerCount(d, len(chargers)))

		case CheckDocsPerCharger:
			results = append(results, checkDocsPerCharger(chargers, confirmed))

		case CheckConsentsRequired:
			results = append(results, checkConsents(latestConsents))
		}
	}
	return results, nil
}

func (s *EvaluationService) checkChargerCount(d *repository.Dossier, actual int) checkResult {
	details := map[string]any{"expected": d.ChargerCount, "actual": actual}
	if d.ChargerCount <= 0 {
		return checkResult{
			code:    CheckChargerExactCount,
			passed:  actual >= 1,
			missing: "register at least one charger",
			details: details,
		}
	}
	return checkResult{
		code:    CheckChargerExactCount,
		passed:  actual == d.ChargerCount,
		missing: fmt.Sprintf("register exactly %d charger(s)", d.ChargerCount),
		details: details,
	}
}

func checkDocsPerCharger(chargers []*repository.Charger, confirmed []*repository.Document) checkResult {
	byCharger := make(map[string]map[string]bool)
	for _, doc := range confirmed {
		if doc.ChargerID == nil {
			continue
		}
		if byCharger[*doc.ChargerID] == nil {
			byCharger[*doc.ChargerID] = make(map[string]bool)
		}
		byCharger[*doc.ChargerID][doc.DocType] = true
	}

	incomplete := make([]string, 0)
	for _, c := range chargers {
		for _, docType := range RequiredChargerDocTypes {
			if !byCharger[c.ID][docType] {
				incomplete = append(incomplete, c.SerialNumber)
				break
			}
		}
	}

	return checkResult{
		code:    CheckDocsPerCharger,
		passed:  len(chargers) > 0 && len(incomplete) == 0,
		missing: "upload an invoice and a photo for every charger",
		details: map[string]any{"incomplete_chargers": incomplete},
	}
}

func checkConsents(latest map[string]*repository.Consent) checkResult {
	missingTypes := make([]string, 0)
	for _, consentType := range RequiredConsentTypes {
		c, ok := latest[consentType]
		if !ok || !c.Accepted {
			missingTypes = append(missingTypes, consentType)
		}
	}
	return checkResult{
		code:    CheckConsentsRequired,
		passed:  len(missingTypes) == 0,
		missing: "accept the required consents",
		details: map[string]any{"missing_consents": missingTypes},
	}
}

func (s *EvaluationService) enqueueConfirmation(ctx context.Context, d *repository.Dossier) {
	msg := &repository.OutboundMessage{
		ID:        uuid.New().String(),
		DossierID: &d.ID,
		Recipient: d.Email,
		Subject:   "Uw dossier is compleet",
		Body: fmt.Sprintf("Beste %s, uw dossier is compleet en wordt nu beoordeeld. U ontvangt bericht zodra de beoordeling is afgerond.",
			d.FirstName),
		Priority: 0,
	}
	if err := s.outbound.Enqueue(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("dossier_id", d.ID).Msg("failed to enqueue confirmation mail")
	}
}
