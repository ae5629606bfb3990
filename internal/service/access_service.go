package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/daankoote/savri-dossiers/internal/errors"
	"github.com/daankoote/savri-dossiers/internal/logger"
	"github.com/daankoote/savri-dossiers/internal/repository"
)

// HashToken returns the hex-encoded SHA-256 of an access token. Only hashes
// are stored; the plaintext token exists in the magic link alone.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AccessService authenticates dossier access tokens and enforces the lock
// gate in front of every customer mutation.
type AccessService struct {
	dossiers              DossierStore
	audit                 *AuditRecorder
	emailVerifiedOnAccess bool
	log                   *logger.Logger
}

// NewAccessService creates a new AccessService.
func NewAccessService(dossiers DossierStore, audit *AuditRecorder, emailVerifiedOnAccess bool, log *logger.Logger) *AccessService {
	return &AccessService{
		dossiers:              dossiers,
		audit:                 audit,
		emailVerifiedOnAccess: emailVerifiedOnAccess,
		log:                   log,
	}
}

// Authorize resolves the dossier iff the token hash matches. A miss records an
// access_denied audit event under the invalid_token actor when the dossier
// itself exists; the response never reveals which of the two checks failed.
func (s *AccessService) Authorize(ctx context.Context, meta RequestMeta, dossierID, token string) (*repository.Dossier, error) {
	d, err := s.dossiers.GetByIDAndTokenHash(ctx, dossierID, HashToken(token))
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeUnauthorized {
			if _, lookupErr := s.dossiers.GetByID(ctx, dossierID); lookupErr == nil {
				s.audit.Record(ctx, meta, dossierID, repository.ActorInvalidToken, "access_denied", nil)
			}
		}
		return nil, err
	}

	if s.emailVerifiedOnAccess && d.EmailVerifiedAt == nil && !d.Locked() {
		stamped, markErr := s.dossiers.MarkEmailVerified(ctx, d.ID)
		if markErr != nil {
			s.log.Warn().Err(markErr).Str("dossier_id", d.ID).Msg("failed to mark email verified")
		} else if stamped {
			s.audit.Record(ctx, meta, d.ID, repository.ActorSystem, "email_verified", nil)
			return s.dossiers.GetByID(ctx, d.ID)
		}
	}
	return d, nil
}

// AuthorizeUnlocked is Authorize plus the lock gate: a locked dossier rejects
// every customer mutation with a dossier_locked conflict.
func (s *AccessService) AuthorizeUnlocked(ctx context.Context, meta RequestMeta, dossierID, token string) (*repository.Dossier, error) {
	d, err := s.Authorize(ctx, meta, dossierID, token)
	if err != nil {
		return nil, err
	}
	if d.Locked() {
		return nil, errors.Conflict("dossier_locked", "dossier is locked and can no longer be changed")
	}
	return d, nil
}
