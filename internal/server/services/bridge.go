package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/logging"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/repomanager"
)

const authCodeBytes = 32

// BridgeGrant is what a consumed auth code was bound to.
type BridgeGrant struct {
	SubjectID         string
	ClientRedirectURI string
}

// BridgeService issues and consumes single-use auth codes.
type BridgeService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	ttl         time.Duration
	logger      logging.Logger
	now         func() time.Time
}

func NewBridgeService(db *sql.DB, m repomanager.RepositoryManager, ttl time.Duration, l logging.Logger) *BridgeService {
	return &BridgeService{
		db:          db,
		repomanager: m,
		ttl:         ttl,
		logger:      l.With("module", "bridge"),
		now:         time.Now,
	}
}

// IssueAuthCode persists a pending bridge record and returns its code.
func (s *BridgeService) IssueAuthCode(ctx context.Context, subjectID, clientState, clientRedirectURI string) (string, error) {
	code, err := common.MakeRandURLString(authCodeBytes)
	if err != nil {
		return "", fmt.Errorf("auth code: %w", err)
	}

	now := s.now()
	err = s.repomanager.AuthCodes(s.db).Create(ctx, &models.AuthBridge{
		AuthCode:          code,
		SubjectID:         subjectID,
		ClientState:       clientState,
		ClientRedirectURI: clientRedirectURI,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// ConsumeAuthCode redeems code exactly once. Unknown, expired and already
// used codes all return common.ErrorNotFound.
func (s *BridgeService) ConsumeAuthCode(ctx context.Context, code string) (*BridgeGrant, error) {
	repo := s.repomanager.AuthCodes(s.db)
	now := s.now()

	b, err := repo.Consume(ctx, code, now)
	if err == nil {
		return &BridgeGrant{SubjectID: b.SubjectID, ClientRedirectURI: b.ClientRedirectURI}, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return nil, err
	}

	outcome := s.explain(ctx, code, now)
	s.logger.Debug(ctx, "auth code rejected", "outcome", outcome.String(), "code_prefix", prefix(code, 6))
	return nil, common.ErrorNotFound
}

// explain looks at a rejected code after the fact, for logging only.
func (s *BridgeService) explain(ctx context.Context, code string, now time.Time) LookupOutcome {
	b, err := s.repomanager.AuthCodes(s.db).Find(ctx, code)
	if err != nil {
		return OutcomeMissing
	}
	if b.Used {
		return OutcomeUsed
	}
	if !b.ExpiresAt.After(now) {
		return OutcomeExpired
	}
	return OutcomeMissing
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
