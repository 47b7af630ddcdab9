// Package services contains server-side business logic. This file implements
// CredentialService, the only code that seals and unseals provider tokens.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
	"github.com/dmitrijs2005/oauthproxy/internal/dbx"
	"github.com/dmitrijs2005/oauthproxy/internal/logging"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/credentials"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/oauthproxy/internal/server/upstream"
)

// AccessSkew is how close to expiry an access token is refreshed inline.
const AccessSkew = 5 * time.Minute

// ErrNoRefreshToken means the record holds no usable refresh token.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// TokenRefresher runs the provider refresh grant.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*upstream.Token, error)
}

// AccessGrant is a decrypted access token handed to collaborators.
type AccessGrant struct {
	AccessToken string
	Expiry      time.Time
	Email       string
}

type CredentialService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	cipher      *cryptox.TokenCipher
	refresher   TokenRefresher
	logger      logging.Logger
	now         func() time.Time
}

func NewCredentialService(db *sql.DB, m repomanager.RepositoryManager, cipher *cryptox.TokenCipher, refresher TokenRefresher, l logging.Logger) *CredentialService {
	return &CredentialService{
		db:          db,
		repomanager: m,
		cipher:      cipher,
		refresher:   refresher,
		logger:      l.With("module", "credentials"),
		now:         time.Now,
	}
}

// SaveFromAuthorization creates or replaces the subject's record after a
// successful code exchange. Providers may omit the refresh token on repeat
// consent; the stored one is then carried over and re-sealed unless it was
// revoked, in which case the record is left without a refresh token.
func (s *CredentialService) SaveFromAuthorization(ctx context.Context, subjectID, email string, tok *upstream.Token) error {
	if subjectID == "" || tok == nil || tok.AccessToken == "" {
		return common.ErrorValidation
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Credentials(tx)
		now := s.now()

		existing, err := repo.Get(ctx, subjectID)
		if err != nil && !errors.Is(err, common.ErrorNotFound) {
			return err
		}

		refresh := tok.RefreshToken
		created := now
		var lastUsed *time.Time
		if existing != nil {
			created = existing.CreatedAt
			lastUsed = existing.LastUsedAt
			if refresh == "" && !existing.RefreshTokenRevoked {
				refresh, err = s.openRefresh(existing)
				if err != nil && !errors.Is(err, ErrNoRefreshToken) {
					return err
				}
			}
		}

		access, refreshSealed, err := s.sealPair(tok.AccessToken, refresh)
		if err != nil {
			return err
		}
		expiry := tok.Expiry
		return repo.Upsert(ctx, &models.Credential{
			SubjectID:    subjectID,
			Email:        email,
			AccessToken:  access,
			RefreshToken: refreshSealed,
			TokenExpiry:  &expiry,
			LastUsedAt:   lastUsed,
			CreatedAt:    created,
			UpdatedAt:    now,
		})
	})
}

// ApplyRefresh stores the outcome of a successful refresh. The refresh token
// ciphertext only changes in content when the provider rotated it.
func (s *CredentialService) ApplyRefresh(ctx context.Context, subjectID string, tok *upstream.Token) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Credentials(tx)

		current, err := repo.Get(ctx, subjectID)
		if err != nil {
			return err
		}

		refresh := tok.RefreshToken
		if !tok.Rotated || refresh == "" {
			refresh, err = s.openRefresh(current)
			if err != nil && !errors.Is(err, ErrNoRefreshToken) {
				return err
			}
		}

		access, refreshSealed, err := s.sealPair(tok.AccessToken, refresh)
		if err != nil {
			return err
		}
		expiry := tok.Expiry
		return repo.UpdateTokens(ctx, subjectID, access, refreshSealed, &expiry, s.now())
	})
}

// RecordRefreshFailure persists the classified error; permanent failures
// also mark the refresh token revoked.
func (s *CredentialService) RecordRefreshFailure(ctx context.Context, subjectID string, e *upstream.Error) error {
	if e == nil {
		return nil
	}
	failure := &models.RefreshError{
		Status:            e.Status,
		ProviderErrorCode: e.Code,
		Message:           e.Message,
		At:                s.now(),
	}
	return s.repomanager.Credentials(s.db).RecordFailure(ctx, subjectID, failure, e.Permanent)
}

// RefreshTokenOf decrypts the stored refresh token of c.
func (s *CredentialService) RefreshTokenOf(c *models.Credential) (string, error) {
	return s.openRefresh(c)
}

// ListDue returns refresh candidates.
func (s *CredentialService) ListDue(ctx context.Context, f credentials.DueFilter) ([]*models.Credential, error) {
	return s.repomanager.Credentials(s.db).ListDue(ctx, f)
}

// Get returns the raw record of subjectID.
func (s *CredentialService) Get(ctx context.Context, subjectID string) (*models.Credential, error) {
	return s.repomanager.Credentials(s.db).Get(ctx, subjectID)
}

// GetValidAccessToken returns a usable provider access token, refreshing it
// once inline when it is missing an expiry or expires within AccessSkew.
// Revoked or unrefreshable credentials yield common.ErrReauthRequired.
func (s *CredentialService) GetValidAccessToken(ctx context.Context, subjectID string) (*AccessGrant, error) {
	repo := s.repomanager.Credentials(s.db)

	c, err := repo.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if c.RefreshTokenRevoked {
		return nil, common.ErrReauthRequired
	}

	access, err := s.cipher.Decrypt(c.AccessToken)
	if err != nil {
		s.logger.Error(ctx, "access token integrity failure", "subject", subjectID)
		return nil, fmt.Errorf("access token of %s: %w", subjectID, err)
	}

	now := s.now()
	grant := &AccessGrant{AccessToken: access, Email: c.Email}
	if c.TokenExpiry != nil {
		grant.Expiry = *c.TokenExpiry
	}

	if c.TokenExpiry == nil || c.TokenExpiry.Sub(now) < AccessSkew {
		refreshed, err := s.refreshInline(ctx, c)
		switch {
		case err == nil:
			grant.AccessToken = refreshed.AccessToken
			grant.Expiry = refreshed.Expiry
		case errors.Is(err, common.ErrReauthRequired):
			return nil, err
		case c.TokenExpiry != nil && c.TokenExpiry.After(now):
			s.logger.Warn(ctx, "inline refresh failed, serving current token", "subject", subjectID, "error", err)
		default:
			return nil, err
		}
	}

	if err := repo.TouchLastUsed(ctx, subjectID, now); err != nil {
		s.logger.Warn(ctx, "touch last used failed", "subject", subjectID, "error", err)
	}
	return grant, nil
}

func (s *CredentialService) refreshInline(ctx context.Context, c *models.Credential) (*upstream.Token, error) {
	refresh, err := s.openRefresh(c)
	if errors.Is(err, ErrNoRefreshToken) {
		return nil, common.ErrReauthRequired
	}
	if err != nil {
		return nil, err
	}

	tok, err := s.refresher.Refresh(ctx, refresh)
	if err != nil {
		ue := upstream.Classify(err)
		if recErr := s.RecordRefreshFailure(ctx, c.SubjectID, ue); recErr != nil {
			s.logger.Error(ctx, "record refresh failure", "subject", c.SubjectID, "error", recErr)
		}
		if ue.Permanent {
			return nil, common.ErrReauthRequired
		}
		return nil, fmt.Errorf("%w: %v", common.ErrUpstreamTransient, ue)
	}

	if err := s.ApplyRefresh(ctx, c.SubjectID, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// DeleteAccount removes the credential and every proxy token of the subject
// in one transaction.
func (s *CredentialService) DeleteAccount(ctx context.Context, subjectID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		n, err := s.repomanager.ProxyTokens(tx).DeleteBySubject(ctx, subjectID)
		if err != nil {
			return err
		}
		if err := s.repomanager.Credentials(tx).Delete(ctx, subjectID); err != nil {
			return err
		}
		s.logger.Info(ctx, "account deleted", "subject", subjectID, "proxy_tokens", n)
		return nil
	})
}

func (s *CredentialService) openRefresh(c *models.Credential) (string, error) {
	if c.RefreshToken.IsZero() {
		return "", ErrNoRefreshToken
	}
	v, err := s.cipher.Decrypt(c.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh token of %s: %w", c.SubjectID, err)
	}
	return v, nil
}

// sealPair seals both tokens with fresh nonces. An empty refresh token
// stays an empty Sealed.
func (s *CredentialService) sealPair(access, refresh string) (cryptox.Sealed, cryptox.Sealed, error) {
	a, err := s.cipher.Encrypt(access)
	if err != nil {
		return cryptox.Sealed{}, cryptox.Sealed{}, err
	}
	if refresh == "" {
		return a, cryptox.Sealed{}, nil
	}
	r, err := s.cipher.Encrypt(refresh)
	if err != nil {
		return cryptox.Sealed{}, cryptox.Sealed{}, err
	}
	return a, r, nil
}
