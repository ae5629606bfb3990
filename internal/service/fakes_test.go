package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/daankoote/savri-dossiers/internal/client"
	"github.com/daankoote/savri-dossiers/internal/errors"
	"github.com/daankoote/savri-dossiers/internal/logger"
	"github.com/daankoote/savri-dossiers/internal/repository"
)

// In-memory store fakes mirroring the repository semantics closely enough to
// exercise the services without Postgres.

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zerolog.Nop()}
}

// ── dossier store ─────────────────────────────────────────────────────────────

type fakeDossierStore struct {
	dossiers map[string]*repository.Dossier
	chargers *fakeChargerStore
}

func newFakeDossierStore(chargers *fakeChargerStore) *fakeDossierStore {
	return &fakeDossierStore{dossiers: make(map[string]*repository.Dossier), chargers: chargers}
}

func (s *fakeDossierStore) Create(_ context.Context, d *repository.Dossier) error {
	d.Status = repository.StatusIncomplete
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	s.dossiers[d.ID] = d
	return nil
}

func (s *fakeDossierStore) GetByID(_ context.Context, id string) (*repository.Dossier, error) {
	d, ok := s.dossiers[id]
	if !ok {
		return nil, errors.NotFound("dossier", id)
	}
	copied := *d
	return &copied, nil
}

func (s *fakeDossierStore) GetByIDAndTokenHash(_ context.Context, id, tokenHash string) (*repository.Dossier, error) {
	d, ok := s.dossiers[id]
	if !ok || d.AccessTokenHash != tokenHash {
		return nil, errors.Unauthorized("invalid dossier or token")
	}
	copied := *d
	return &copied, nil
}

func (s *fakeDossierStore) UpdateContact(_ context.Context, id, firstName, lastName, phone string, chargerCount int, ownPremises bool) (bool, error) {
	d, ok := s.dossiers[id]
	if !ok || d.LockedAt != nil {
		return false, nil
	}
	if chargerCount < s.chargers.countFor(id) {
		return false, nil
	}
	d.FirstName = firstName
	d.LastName = lastName
	d.Phone = phone
	d.ChargerCount = chargerCount
	d.OwnPremises = ownPremises
	return true, nil
}

func (s *fakeDossierStore) UpdateAddress(_ context.Context, id, street, houseNumber, postalCode, city, externalID string) (bool, error) {
	d, ok := s.dossiers[id]
	if !ok || d.LockedAt != nil {
		return false, nil
	}
	now := time.Now()
	d.Street = street
	d.HouseNumber = houseNumber
	d.PostalCode = postalCode
	d.City = city
	d.AddressExternalID = &externalID
	d.AddressVerifiedAt = &now
	return true, nil
}

func (s *fakeDossierStore) MarkEmailVerified(_ context.Context, id string) (bool, error) {
	d, ok := s.dossiers[id]
	if !ok || d.EmailVerifiedAt != nil || d.LockedAt != nil {
		return false, nil
	}
	now := time.Now()
	d.EmailVerifiedAt = &now
	return true, nil
}

func (s *fakeDossierStore) InvalidateIfReady(_ context.Context, id string) error {
	d, ok := s.dossiers[id]
	if ok && d.Status == repository.StatusReadyForReview && d.LockedAt == nil {
		d.Status = repository.StatusIncomplete
	}
	return nil
}

func (s *fakeDossierStore) SetStatusIfUnlocked(_ context.Context, id, status string) (bool, error) {
	d, ok := s.dossiers[id]
	if !ok || d.Locked() {
		return false, nil
	}
	d.Status = status
	return true, nil
}

func (s *fakeDossierStore) TryLock(_ context.Context, id string) (bool, error) {
	d, ok := s.dossiers[id]
	if !ok || d.Locked() {
		return false, nil
	}
	now := time.Now()
	d.Status = repository.StatusInReview
	d.LockedAt = &now
	return true, nil
}

// ── charger store ─────────────────────────────────────────────────────────────

type fakeChargerStore struct {
	chargers map[string]*repository.Charger
}

func newFakeChargerStore() *fakeChargerStore {
	return &fakeChargerStore{chargers: make(map[string]*repository.Charger)}
}

func (s *fakeChargerStore) countFor(dossierID string) int {
	n := 0
	for _, c := range s.chargers {
		if c.DossierID == dossierID {
			n++
		}
	}
	return n
}

func (s *fakeChargerStore) Create(_ context.Context, c *repository.Charger) error {
	for _, existing := range s.chargers {
		if existing.SerialNumber == c.SerialNumber {
			return errors.Conflict("duplicate_serial", "serial number already registered")
		}
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	s.chargers[c.ID] = c
	return nil
}

func (s *fakeChargerStore) GetByID(_ context.Context, id, dossierID string) (*repository.Charger, error) {
	c, ok := s.chargers[id]
	if !ok || c.DossierID != dossierID {
		return nil, errors.NotFound("charger", id)
	}
	copied := *c
	return &copied, nil
}

func (s *fakeChargerStore) ListByDossier(_ context.Context, dossierID string) ([]*repository.Charger, error) {
	out := make([]*repository.Charger, 0)
	for _, c := range s.chargers {
		if c.DossierID == dossierID {
			copied := *c
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeChargerStore) CountByDossier(_ context.Context, dossierID string) (int, error) {
	return s.countFor(dossierID), nil
}

func (s *fakeChargerStore) Update(_ context.Context, c *repository.Charger) (bool, error) {
	existing, ok := s.chargers[c.ID]
	if !ok || existing.DossierID != c.DossierID {
		return false, nil
	}
	for id, other := range s.chargers {
		if id != c.ID && other.SerialNumber == c.SerialNumber {
			return false, errors.Conflict("duplicate_serial", "serial number already registered")
		}
	}
	copied := *c
	s.chargers[c.ID] = &copied
	return true, nil
}

func (s *fakeChargerStore) Delete(_ context.Context, id, dossierID string) (bool, error) {
	c, ok := s.chargers[id]
	if !ok || c.DossierID != dossierID {
		return false, nil
	}
	delete(s.chargers, id)
	return true, nil
}

// ── document store ────────────────────────────────────────────────────────────

type fakeDocumentStore struct {
	documents map[string]*repository.Document
}

func newFakeDocumentStore() *fakeDocumentStore {
	return &fakeDocumentStore{documents: make(map[string]*repository.Document)}
}

func (s *fakeDocumentStore) Create(_ context.Context, d *repository.Document) error {
	if d.ChargerID != nil {
		for _, existing := range s.documents {
			if existing.ChargerID != nil && *existing.ChargerID == *d.ChargerID &&
				existing.DocType == d.DocType && existing.Status != repository.DocumentRejected {
				return errors.Conflict("doc_limit", "a document of this type already exists for this charger")
			}
		}
	}
	d.Status = repository.DocumentIssued
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	s.documents[d.ID] = d
	return nil
}

func (s *fakeDocumentStore) GetByID(_ context.Context, id, dossierID string) (*repository.Document, error) {
	d, ok := s.documents[id]
	if !ok || d.DossierID != dossierID {
		return nil, errors.NotFound("document", id)
	}
	copied := *d
	return &copied, nil
}

func (s *fakeDocumentStore) list(filter func(*repository.Document) bool) []*repository.Document {
	out := make([]*repository.Document, 0)
	for _, d := range s.documents {
		if filter(d) {
			copied := *d
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *fakeDocumentStore) ListByDossier(_ context.Context, dossierID string) ([]*repository.Document, error) {
	return s.list(func(d *repository.Document) bool { return d.DossierID == dossierID }), nil
}

func (s *fakeDocumentStore) ListConfirmedByDossier(_ context.Context, dossierID string) ([]*repository.Document, error) {
	return s.list(func(d *repository.Document) bool {
		return d.DossierID == dossierID && d.Status == repository.DocumentConfirmed && d.FileSHA256 != nil
	}), nil
}

func (s *fakeDocumentStore) ListByCharger(_ context.Context, chargerID, dossierID string) ([]*repository.Document, error) {
	return s.list(func(d *repository.Document) bool {
		return d.DossierID == dossierID && d.ChargerID != nil && *d.ChargerID == chargerID
	}), nil
}

func (s *fakeDocumentStore) CountActiveForCharger(_ context.Context, chargerID, docType string) (int, error) {
	n := 0
	for _, d := range s.documents {
		if d.ChargerID != nil && *d.ChargerID == chargerID && d.DocType == docType && d.Status != repository.DocumentRejected {
			n++
		}
	}
	return n, nil
}

func (s *fakeDocumentStore) Confirm(_ context.Context, id, dossierID, fileSHA256 string, prov repository.ConfirmProvenance) (bool, error) {
	d, ok := s.documents[id]
	if !ok || d.DossierID != dossierID || d.Status != repository.DocumentIssued {
		return false, nil
	}
	now := time.Now()
	d.Status = repository.DocumentConfirmed
	d.FileSHA256 = &fileSHA256
	d.ConfirmedBy = &prov.ConfirmedBy
	d.ConfirmedAt = &now
	d.ConfirmedIP = &prov.IP
	d.ConfirmedUserAgent = &prov.UserAgent
	d.ConfirmedRequestID = &prov.RequestID
	d.ConfirmedIdempotencyKey = &prov.IdempotencyKey
	return true, nil
}

func (s *fakeDocumentStore) Delete(_ context.Context, id, dossierID string) (bool, error) {
	d, ok := s.documents[id]
	if !ok || d.DossierID != dossierID {
		return false, nil
	}
	delete(s.documents, id)
	return true, nil
}

// ── consent store ─────────────────────────────────────────────────────────────

type fakeConsentStore struct {
	consents []*repository.Consent
}

func newFakeConsentStore() *fakeConsentStore {
	return &fakeConsentStore{}
}

func (s *fakeConsentStore) Append(_ context.Context, c *repository.Consent) error {
	c.CreatedAt = time.Now()
	s.consents = append(s.consents, c)
	return nil
}

func (s *fakeConsentStore) LatestPerType(_ context.Context, dossierID string) (map[string]*repository.Consent, error) {
	latest := make(map[string]*repository.Consent)
	for _, c := range s.consents {
		if c.DossierID == dossierID {
			latest[c.ConsentType] = c
		}
	}
	return latest, nil
}

func (s *fakeConsentStore) ListByDossier(_ context.Context, dossierID string) ([]*repository.Consent, error) {
	out := make([]*repository.Consent, 0)
	for _, c := range s.consents {
		if c.DossierID == dossierID {
			out = append(out, c)
		}
	}
	return out, nil
}

// ── check store ───────────────────────────────────────────────────────────────

type fakeCheckStore struct {
	checks map[string]*repository.Check
}

func newFakeCheckStore() *fakeCheckStore {
	return &fakeCheckStore{checks: make(map[string]*repository.Check)}
}

func (s *fakeCheckStore) Upsert(_ context.Context, c *repository.Check) error {
	c.EvaluatedAt = time.Now()
	copied := *c
	s.checks[c.DossierID+"/"+c.CheckCode] = &copied
	return nil
}

func (s *fakeCheckStore) ListByDossier(_ context.Context, dossierID string) ([]*repository.Check, error) {
	out := make([]*repository.Check, 0)
	for _, c := range s.checks {
		if c.DossierID == dossierID {
			copied := *c
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckCode < out[j].CheckCode })
	return out, nil
}

// ── audit store ───────────────────────────────────────────────────────────────

type fakeAuditStore struct {
	events []*repository.AuditEvent
	err    error
}

func newFakeAuditStore() *fakeAuditStore {
	return &fakeAuditStore{}
}

func (s *fakeAuditStore) Append(_ context.Context, e *repository.AuditEvent) error {
	if s.err != nil {
		return s.err
	}
	e.ID = int64(len(s.events) + 1)
	e.CreatedAt = time.Now()
	s.events = append(s.events, e)
	return nil
}

func (s *fakeAuditStore) ListByDossier(_ context.Context, dossierID string) ([]*repository.AuditEvent, error) {
	out := make([]*repository.AuditEvent, 0)
	for _, e := range s.events {
		if e.DossierID == dossierID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeAuditStore) lastEvent() *repository.AuditEvent {
	if len(s.events) == 0 {
		return nil
	}
	return s.events[len(s.events)-1]
}

func (s *fakeAuditStore) hasEvent(eventType string) bool {
	for _, e := range s.events {
		if e.EventType == eventType {
			return true
		}
	}
	return false
}

// ── outbound store ────────────────────────────────────────────────────────────

type fakeOutboundStore struct {
	mu       sync.Mutex
	messages map[string]*repository.OutboundMessage
	order    []string
}

func newFakeOutboundStore() *fakeOutboundStore {
	return &fakeOutboundStore{messages: make(map[string]*repository.OutboundMessage)}
}

func (s *fakeOutboundStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ""
	}
	return m.Status
}

func (s *fakeOutboundStore) Enqueue(_ context.Context, m *repository.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	m.Status = repository.MessageQueued
	m.NextAttemptAt = &now
	m.CreatedAt = now
	m.UpdatedAt = now
	s.messages[m.ID] = m
	s.order = append(s.order, m.ID)
	return nil
}

func (s *fakeOutboundStore) SelectBatch(_ context.Context, maxAttempts, limit int) ([]*repository.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make([]*repository.OutboundMessage, 0)
	for _, id := range s.order {
		m := s.messages[id]
		if m.Status != repository.MessageQueued || m.Attempts >= maxAttempts {
			continue
		}
		if m.NextAttemptAt != nil && m.NextAttemptAt.After(now) {
			continue
		}
		copied := *m
		out = append(out, &copied)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeOutboundStore) Claim(_ context.Context, id string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Status != repository.MessageQueued {
		return 0, false, nil
	}
	now := time.Now()
	m.Status = repository.MessageProcessing
	m.Attempts++
	m.LastAttemptAt = &now
	return m.Attempts, true, nil
}

func (s *fakeOutboundStore) MarkSent(_ context.Context, id, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return errors.NotFound("message", id)
	}
	m.Status = repository.MessageSent
	m.ProviderMessageID = &providerMessageID
	m.NextAttemptAt = nil
	m.LastError = nil
	return nil
}

func (s *fakeOutboundStore) MarkFailed(_ context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return errors.NotFound("message", id)
	}
	m.Status = repository.MessageFailed
	m.LastError = &lastError
	m.NextAttemptAt = nil
	return nil
}

func (s *fakeOutboundStore) Requeue(_ context.Context, id string, nextAttemptAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return errors.NotFound("message", id)
	}
	m.Status = repository.MessageQueued
	m.NextAttemptAt = &nextAttemptAt
	m.LastError = &lastError
	return nil
}

func (s *fakeOutboundStore) RecoverStuck(_ context.Context, cutoff time.Time, maxAttempts int) ([]*repository.RecoveredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := make([]*repository.RecoveredMessage, 0)
	for _, id := range s.order {
		m := s.messages[id]
		if m.Status != repository.MessageProcessing || m.LastAttemptAt == nil || !m.LastAttemptAt.Before(cutoff) {
			continue
		}
		rec := &repository.RecoveredMessage{ID: m.ID, DossierID: m.DossierID, Attempts: m.Attempts}
		if m.Attempts >= maxAttempts {
			m.Status = repository.MessageFailed
			rec.Failed = true
		} else {
			m.Status = repository.MessageQueued
			next := time.Now().Add(retryDelay(m.Attempts))
			m.NextAttemptAt = &next
		}
		recovered = append(recovered, rec)
	}
	return recovered, nil
}

// ── test environment ──────────────────────────────────────────────────────────

type testEnv struct {
	dossiers  *fakeDossierStore
	chargers  *fakeChargerStore
	documents *fakeDocumentStore
	consents  *fakeConsentStore
	checks    *fakeCheckStore
	audits    *fakeAuditStore
	outbound  *fakeOutboundStore
	publisher *fakePublisher
	geocoder  *fakeGeocoder
	storage   *fakeStorageClient

	access      *AccessService
	dossierSvc  *DossierService
	chargerSvc  *ChargerService
	documentSvc *DocumentService
	evalSvc     *EvaluationService
}

func newTestEnv() *testEnv {
	log := testLogger()
	chargers := newFakeChargerStore()
	env := &testEnv{
		dossiers:  newFakeDossierStore(chargers),
		chargers:  chargers,
		documents: newFakeDocumentStore(),
		consents:  newFakeConsentStore(),
		checks:    newFakeCheckStore(),
		audits:    newFakeAuditStore(),
		outbound:  newFakeOutboundStore(),
		publisher: &fakePublisher{},
		geocoder:  &fakeGeocoder{},
		storage:   newFakeStorageClient(),
	}

	recorder := NewAuditRecorder(env.audits, "test", log)
	env.access = NewAccessService(env.dossiers, recorder, false, log)
	env.dossierSvc = NewDossierService(
		env.dossiers, env.chargers, env.documents, env.consents, env.checks, env.outbound,
		env.geocoder, env.publisher, env.access, recorder, "https://app.savri.test", log)
	env.chargerSvc = NewChargerService(
		env.dossiers, env.chargers, env.documents, env.storage, env.access, recorder, log)
	env.documentSvc = NewDocumentService(
		env.dossiers, env.chargers, env.documents, env.consents, env.checks,
		env.storage, env.access, recorder, 10*time.Minute, 2*time.Minute, log)
	env.evalSvc = NewEvaluationService(
		env.dossiers, env.chargers, env.documents, env.consents, env.checks, env.outbound,
		env.publisher, env.access, recorder, log)
	return env
}

const testToken = "test-access-token"

// seedDossier creates an unlocked dossier reachable with testToken.
func (env *testEnv) seedDossier(id string) *repository.Dossier {
	now := time.Now()
	d := &repository.Dossier{
		ID:              id,
		Status:          repository.StatusIncomplete,
		FirstName:       "Anna",
		LastName:        "de Vries",
		Email:           "anna@example.com",
		ChargerCount:    1,
		AccessTokenHash: HashToken(testToken),
		EmailVerifiedAt: &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	env.dossiers.dossiers[id] = d
	return d
}

// ── clients ───────────────────────────────────────────────────────────────────

type publishedEvent struct {
	eventType string
	dossierID string
	status    string
}

type fakePublisher struct {
	events []publishedEvent
}

func (p *fakePublisher) PublishDossierEvent(eventType, dossierID, status string, _ map[string]any) {
	p.events = append(p.events, publishedEvent{eventType: eventType, dossierID: dossierID, status: status})
}

type fakeGeocoder struct {
	result *client.AddressResult
	found  bool
	err    error
}

func (g *fakeGeocoder) Lookup(_ context.Context, _, _ string) (*client.AddressResult, bool, error) {
	return g.result, g.found, g.err
}

type sentMail struct {
	recipient string
	subject   string
}

type fakeMailClient struct {
	sent    []sentMail
	err     error
	counter int
}

func (m *fakeMailClient) Send(_ context.Context, recipient, subject, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.counter++
	m.sent = append(m.sent, sentMail{recipient: recipient, subject: subject})
	return fmt.Sprintf("provider-%d", m.counter), nil
}

type fakeStorageClient struct {
	objects   map[string][]byte
	deleted   []string
	deleteErr error
}

func newFakeStorageClient() *fakeStorageClient {
	return &fakeStorageClient{objects: make(map[string][]byte)}
}

func (s *fakeStorageClient) SignedUploadURL(objectPath string, _ time.Duration) string {
	return "https://storage.test/upload/" + objectPath
}

func (s *fakeStorageClient) SignedDownloadURL(objectPath string, _ time.Duration) string {
	return "https://storage.test/download/" + objectPath
}

func (s *fakeStorageClient) Download(_ context.Context, objectPath string) ([]byte, error) {
	data, ok := s.objects[objectPath]
	if !ok {
		return nil, client.ErrNotFound
	}
	return data, nil
}

func (s *fakeStorageClient) Delete(_ context.Context, objectPath string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, objectPath)
	delete(s.objects, objectPath)
	return nil
}
