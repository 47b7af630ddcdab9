package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
	"github.com/dmitrijs2005/oauthproxy/internal/logging"
	"github.com/dmitrijs2005/oauthproxy/internal/server/config"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/repomanager"
)

const (
	// ProxyTokenPrefix marks bearer values issued by this proxy.
	ProxyTokenPrefix = "pt_"

	proxyTokenBytes    = 32
	proxyTokenLogChars = 10
)

// CleanupCounts reports how many expired records a sweep removed.
type CleanupCounts struct {
	Bridges     int64
	ProxyTokens int64
	Idempotency int64
}

// ProxyTokenService issues opaque bearer tokens and resolves them back to a
// subject. Only HMAC hashes are stored. The first hasher is the primary one.
type ProxyTokenService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	hashers     []*cryptox.KeyedHasher
	ttl         time.Duration
	logger      logging.Logger
	now         func() time.Time
}

func NewProxyTokenService(db *sql.DB, m repomanager.RepositoryManager, secrets []config.NamedSecret, ttl time.Duration, l logging.Logger) (*ProxyTokenService, error) {
	if len(secrets) == 0 {
		return nil, errors.New("proxy token service needs at least one secret")
	}
	hashers := make([]*cryptox.KeyedHasher, len(secrets))
	for i, sec := range secrets {
		hashers[i] = cryptox.NewKeyedHasher(sec.ID, []byte(sec.Value))
	}
	return &ProxyTokenService{
		db:          db,
		repomanager: m,
		hashers:     hashers,
		ttl:         ttl,
		logger:      l.With("module", "proxytokens"),
		now:         time.Now,
	}, nil
}

// TTL is the default proxy token lifetime.
func (s *ProxyTokenService) TTL() time.Duration { return s.ttl }

// IssueProxyToken stores the primary-secret hash of a fresh token and returns
// the raw value. It is not retrievable afterwards. ttl <= 0 means the
// configured default.
func (s *ProxyTokenService) IssueProxyToken(ctx context.Context, subjectID string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	random, err := common.MakeRandURLString(proxyTokenBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("proxy token: %w", err)
	}
	token := ProxyTokenPrefix + random

	primary := s.hashers[0]
	now := s.now()
	expires := now.Add(ttl)
	err = s.repomanager.ProxyTokens(s.db).Create(ctx, &models.ProxyToken{
		TokenHash:    primary.Hash(token),
		TokenPrefix:  prefix(token, proxyTokenLogChars),
		SubjectID:    subjectID,
		HashSecretID: primary.ID,
		CreatedAt:    now,
		ExpiresAt:    expires,
	})
	if err != nil {
		return "", time.Time{}, err
	}

	s.logger.Info(ctx, "proxy token issued", "subject", subjectID, "token_prefix", prefix(token, proxyTokenLogChars))
	return token, expires, nil
}

// ResolveProxyToken returns the subject behind token. Hashes under every
// configured secret are tried in one lookup; a hit under a non-primary secret
// is re-hashed under the primary one.
func (s *ProxyTokenService) ResolveProxyToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", common.ErrorNotFound
	}
	repo := s.repomanager.ProxyTokens(s.db)
	now := s.now()

	candidates := make([]string, len(s.hashers))
	for i, h := range s.hashers {
		candidates[i] = h.Hash(token)
	}

	rec, err := repo.FindByHashes(ctx, candidates)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.logRejected(ctx, token, OutcomeMissing)
		}
		return "", err
	}
	if !rec.ExpiresAt.After(now) {
		s.logRejected(ctx, token, OutcomeExpired)
		return "", common.ErrorNotFound
	}

	primary := s.hashers[0]
	if rec.TokenHash != candidates[0] {
		err := repo.Rehash(ctx, rec.TokenHash, candidates[0], primary.ID, now)
		if err == nil {
			s.logger.Info(ctx, "proxy token rehashed", "token_prefix", rec.TokenPrefix, "from", rec.HashSecretID, "to", primary.ID)
			return rec.SubjectID, nil
		}
		s.logger.Warn(ctx, "proxy token rehash failed", "token_prefix", rec.TokenPrefix, "error", err)
	}
	if err := repo.Touch(ctx, rec.TokenHash, now); err != nil {
		s.logger.Warn(ctx, "proxy token touch failed", "token_prefix", rec.TokenPrefix, "error", err)
	}
	return rec.SubjectID, nil
}

// CleanupExpired removes expired bridge records and proxy tokens. Lookups
// check expiry on their own, so this only reclaims space.
func (s *ProxyTokenService) CleanupExpired(ctx context.Context) (CleanupCounts, error) {
	now := s.now()
	var counts CleanupCounts

	n, err := s.repomanager.AuthCodes(s.db).DeleteExpired(ctx, now)
	if err != nil {
		return counts, fmt.Errorf("cleanup auth codes: %w", err)
	}
	counts.Bridges = n

	n, err = s.repomanager.ProxyTokens(s.db).DeleteExpired(ctx, now)
	if err != nil {
		return counts, fmt.Errorf("cleanup proxy tokens: %w", err)
	}
	counts.ProxyTokens = n
	return counts, nil
}

func (s *ProxyTokenService) logRejected(ctx context.Context, token string, o LookupOutcome) {
	s.logger.Debug(ctx, "proxy token rejected", "outcome", o.String(), "token_prefix", prefix(token, proxyTokenLogChars))
}
