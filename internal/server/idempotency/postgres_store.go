package idempotency

import (
	"context"
	"database/sql"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/repomanager"
)

// PostgresStore keeps records in the idempotency_records table. Expiry is
// checked on read; DeleteExpired reclaims rows.
type PostgresStore struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	ttl         time.Duration
	now         func() time.Time
}

func NewPostgresStore(db *sql.DB, m repomanager.RepositoryManager, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresStore{db: db, repomanager: m, ttl: ttl, now: time.Now}
}

func (s *PostgresStore) Get(ctx context.Context, key, method, path string) (*models.IdempotencyRecord, error) {
	return s.repomanager.Idempotency(s.db).Get(ctx, key, method, path, s.now().Add(-s.ttl))
}

func (s *PostgresStore) Put(ctx context.Context, rec *models.IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	return s.repomanager.Idempotency(s.db).Upsert(ctx, rec)
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.repomanager.Idempotency(s.db).DeleteCreatedBefore(ctx, now.Add(-s.ttl))
}
