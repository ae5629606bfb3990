package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/daankoote/savri-dossiers/internal/client"
	"github.com/daankoote/savri-dossiers/internal/errors"
	"github.com/daankoote/savri-dossiers/internal/logger"
	"github.com/daankoote/savri-dossiers/internal/repository"
)

// Consent types a dossier must carry before it can be finalized.
const (
	ConsentPrivacy = "privacy"
	ConsentTerms   = "algemene_voorwaarden"
	ConsentMandate = "machtiging"
)

// RequiredConsentTypes lists the consent types in evaluation order.
var RequiredConsentTypes = []string{ConsentPrivacy, ConsentTerms, ConsentMandate}

var postalCodePattern = regexp.MustCompile(`^[1-9][0-9]{3}\s?[A-Za-z]{2}$`)

// DossierService implements dossier intake and the customer save endpoints.
type DossierService struct {
	dossiers      DossierStore
	chargers      ChargerStore
	documents     DocumentStore
	consents      ConsentStore
	checks        CheckStore
	outbound      OutboundStore
	geocoder      client.GeocoderClientInterface
	publisher     Publisher
	access        *AccessService
	audit         *AuditRecorder
	portalBaseURL string
	log           *logger.Logger
}

// NewDossierService creates a new DossierService.
func NewDossierService(
	dossiers DossierStore,
	chargers ChargerStore,
	documents DocumentStore,
	consents ConsentStore,
	checks CheckStore,
	outbound OutboundStore,
	geocoder client.GeocoderClientInterface,
	publisher Publisher,
	access *AccessService,
	audit *AuditRecorder,
	portalBaseURL string,
	log *logger.Logger,
) *DossierService {
	return &DossierService{
		dossiers:      dossiers,
		chargers:      chargers,
		documents:     documents,
		consents:      consents,
		checks:        checks,
		outbound:      outbound,
		geocoder:      geocoder,
		publisher:     publisher,
		access:        access,
		audit:         audit,
		portalBaseURL: strings.TrimRight(portalBaseURL, "/"),
		log:           log,
	}
}

// CreateDossierRequest starts a new dossier.
type CreateDossierRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

// CreateDossier opens a new dossier and issues its one-time access token. The
// plaintext token is returned exactly once; only the hash is stored.
func (s *DossierService) CreateDossier(ctx context.Context, meta RequestMeta, req CreateDossierRequest) (map[string]any, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.InvalidInput("email", "a valid email address is required")
	}

	token, err := generateAccessToken()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate access token")
	}

	d := &repository.Dossier{
		ID:              uuid.New().String(),
		Email:           email,
		FirstName:       strings.TrimSpace(req.FirstName),
		LastName:        strings.TrimSpace(req.LastName),
		Phone:           strings.TrimSpace(req.Phone),
		AccessTokenHash: HashToken(token),
	}
	if err := s.dossiers.Create(ctx, d); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, meta, d.ID, repository.ActorSystem, "dossier_created", map[string]any{
		"email": email,
	})
	s.enqueueMail(ctx, d.ID, email, "Welkom bij Savri",
		fmt.Sprintf("Uw dossier is aangemaakt. Ga verder via %s/dossiers/%s?token=%s", s.portalBaseURL, d.ID, token),
		0)
	s.publisher.PublishDossierEvent("dossier_created", d.ID, d.Status, nil)

	s.log.Info().Str("dossier_id", d.ID).Msg("dossier created")
	return map[string]any{"dossier": d, "access_token": token}, nil
}

// SaveContactRequest saves identity and account fields.
type SaveContactRequest struct {
	DossierID    string `json:"dossier_id"`
	Token        string `json:"token"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Phone        string `json:"phone"`
	ChargerCount int    `json:"charger_count"`
	OwnPremises  bool   `json:"own_premises"`
}

// SaveContact persists the contact fields, the target charger count and the
// own-premises flag.
func (s *DossierService) SaveContact(ctx context.Context, meta RequestMeta, req SaveContactRequest) (map[string]any, error) {
	if strings.TrimSpace(req.FirstName) == "" {
		return nil, errors.InvalidInput("first_name", "first name is required")
	}
	if strings.TrimSpace(req.LastName) == "" {
		return nil, errors.InvalidInput("last_name", "last name is required")
	}
	if req.ChargerCount < 0 {
		return nil, errors.InvalidInput("charger_count", "charger count cannot be negative")
	}

	d, err := s.access.AuthorizeUnlocked(ctx, meta, req.DossierID, req.Token)
	if err != nil {
		return nil, err
	}

	updated, err := s.dossiers.UpdateContact(ctx, d.ID,
		strings.TrimSpace(req.FirstName), strings.TrimSpace(req.LastName), strings.TrimSpace(req.Phone),
		req.ChargerCount, req.OwnPremises)
	if err != nil {
		return nil, err
	}
	if !updated {
		// Zero rows: either a concurrent lock or the count guard. Re-read to
		// report the right conflict.
		return nil, s.contactConflict(ctx, meta, d.ID, req.ChargerCount)
	}

	return s.acceptMutation(ctx, meta, d.ID, "contact_saved", map[string]any{
		"charger_count": req.ChargerCount,
		"own_premises":  req.OwnPremises,
	})
}

func (s *DossierService) contactConflict(ctx context.Context, meta RequestMeta, dossierID string, chargerCount int) error {
	current, err := s.dossiers.GetByID(ctx, dossierID)
	if err != nil {
		return err
	}
	if current.Locked() {
		return errors.Conflict("dossier_locked", "dossier is locked and can no longer be changed")
	}
	s.audit.Record(ctx, meta, dossierID, repository.ActorCustomer, "contact_save_rejected", map[string]any{
		"reason":        "charger_count_below_existing",
		"charger_count": chargerCount,
	})
	return errors.Conflict("charger_count_below_existing",
		"charger count cannot drop below the number of chargers already saved")
}

// SaveAddressRequest saves and verifies the installation address.
type SaveAddressRequest struct {
	DossierID   string `json:"dossier_id"`
	Token       string `json:"token"`
	PostalCode  string `json:"postal_code"`
	HouseNumber string `json:"house_number"`
}

// SaveAddress resolves postal code + house number via the geocoder and
// persists the verified address.
func (s *DossierService) SaveAddress(ctx context.Context, meta RequestMeta, req SaveAddressRequest) (map[string]any, error) {
	postalCode := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(req.PostalCode), " ", ""))
	houseNumber := strings.TrimSpace(req.HouseNumber)
	if !postalCodePattern.MatchString(postalCode) {
		return nil, errors.InvalidInput("postal_code", "postal code must match 1234AB")
	}
	if houseNumber == "" {
		return nil, errors.InvalidInput("house_number", "house number is required")
	}

	d, err := s.access.AuthorizeUnlocked(ctx, meta, req.DossierID, req.Token)
	if err != nil {
		return nil, err
	}

	result, found, err := s.geocoder.Lookup(ctx, postalCode, houseNumber)
	if err != nil {
		return nil, errors.Dependency("geocoder", "address lookup failed")
	}
	if !found {
		s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "address_save_rejected", map[string]any{
			"reason":       "address_not_found",
			"postal_code":  postalCode,
			"house_number": houseNumber,
		})
		return nil, errors.InvalidInput("address_not_found", "no address found for postal code and house number")
	}

	updated, err := s.dossiers.UpdateAddress(ctx, d.ID,
		result.Street, houseNumber, postalCode, result.City, result.ExternalID)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errors.Conflict("dossier_locked", "dossier is locked and can no longer be changed")
	}

	return s.acceptMutation(ctx, meta, d.ID, "address_saved", map[string]any{
		"postal_code":  postalCode,
		"house_number": houseNumber,
		"street":       result.Street,
		"city":         result.City,
	})
}

// ConsentInput is one acceptance fact within a consent save.
type ConsentInput struct {
	ConsentType string `json:"consent_type"`
	Version     string `json:"version"`
	Accepted    bool   `json:"accepted"`
}

// SaveConsentsRequest appends consent acceptance rows.
type SaveConsentsRequest struct {
	DossierID string         `json:"dossier_id"`
	Token     string         `json:"token"`
	Consents  []ConsentInput `json:"consents"`
}

// SaveConsents appends acceptance rows for known consent types. History is
// never rewritten; the latest row per type is authoritative.
func (s *DossierService) SaveConsents(ctx context.Context, meta RequestMeta, req SaveConsentsRequest) (map[string]any, error) {
	if len(req.Consents) == 0 {
		return nil, errors.InvalidInput("consents", "at least one consent is required")
	}
	for _, c := range req.Consents {
		if !isKnownConsentType(c.ConsentType) {
			return nil, errors.InvalidInput("consent_type", fmt.Sprintf("unknown consent type %q", c.ConsentType))
		}
		if c.Version == "" {
			return nil, errors.InvalidInput("version", "consent version is required")
		}
	}

	d, err := s.access.AuthorizeUnlocked(ctx, meta, req.DossierID, req.Token)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, c := range req.Consents {
		row := &repository.Consent{
			ID:          uuid.New().String(),
			DossierID:   d.ID,
			ConsentType: c.ConsentType,
			Version:     c.Version,
			Accepted:    c.Accepted,
			AcceptedAt:  now,
		}
		if err := s.consents.Append(ctx, row); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, meta, d.ID, repository.ActorCustomer, "consent_recorded", map[string]any{
			"consent_type": c.ConsentType,
			"version":      c.Version,
			"accepted":     c.Accepted,
		})
	}

	if err := s.dossiers.InvalidateIfReady(ctx, d.ID); err != nil {
		return nil, err
	}
	latest, err := s.consents.LatestPerType(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"consents": latest}, nil
}

// GetState returns the dossier together with its chargers, latest consents,
// cached checks and documents. Used by the portal to render the flow.
func (s *DossierService) GetState(ctx context.Context, meta RequestMeta, dossierID, token string) (map[string]any, error) {
	d, err := s.access.Authorize(ctx, meta, dossierID, token)
	if err != nil {
		return nil, err
	}

	chargerRows, err := s.chargers.ListByDossier(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	documentRows, err := s.documents.ListByDossier(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	latest, err := s.consents.LatestPerType(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	checkRows, err := s.checks.ListByDossier(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"dossier":   d,
		"chargers":  chargerRows,
		"documents": documentRows,
		"consents":  latest,
		"checks":    checkRows,
	}, nil
}

// acceptMutation finishes every accepted customer save: audit, demote a stale
// ready_for_review status, and return the fresh dossier.
func (s *DossierService) acceptMutation(ctx context.Context, meta RequestMeta, dossierID, eventType string, data map[string]any) (map[string]any, error) {
	s.audit.Record(ctx, meta, dossierID, repository.ActorCustomer, eventType, data)
	if err := s.dossiers.InvalidateIfReady(ctx, dossierID); err != nil {
		return nil, err
	}
	d, err := s.dossiers.GetByID(ctx, dossierID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"dossier": d}, nil
}

func (s *DossierService) enqueueMail(ctx context.Context, dossierID, recipient, subject, body string, priority int) {
	msg := &repository.OutboundMessage{
		ID:        uuid.New().String(),
		DossierID: &dossierID,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Priority:  priority,
	}
	if err := s.outbound.Enqueue(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("dossier_id", dossierID).Msg("failed to enqueue mail")
	}
}

func isKnownConsentType(consentType string) bool {
	for _, t := range RequiredConsentTypes {
		if t == consentType {
			return true
		}
	}
	return false
}

func generateAccessToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
