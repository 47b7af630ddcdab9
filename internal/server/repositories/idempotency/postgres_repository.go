package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/dbx"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, key, method, path string, notBefore time.Time) (*models.IdempotencyRecord, error) {
	query := `
		SELECT fingerprint, response_status, content_type, response_body, created_at
		FROM idempotency_records
		WHERE key = $1 AND method = $2 AND path = $3 AND created_at > $4
	`
	rec := &models.IdempotencyRecord{Key: key, Method: method, Path: path}
	err := r.db.QueryRowContext(ctx, query, key, method, path, notBefore).
		Scan(&rec.Fingerprint, &rec.ResponseStatus, &rec.ContentType, &rec.ResponseBody, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, rec *models.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_records (key, method, path, fingerprint, response_status, content_type, response_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key, method, path) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			response_status = EXCLUDED.response_status,
			content_type = EXCLUDED.content_type,
			response_body = EXCLUDED.response_body,
			created_at = EXCLUDED.created_at
	`
	body := rec.ResponseBody
	if body == nil {
		body = []byte{}
	}
	_, err := r.db.ExecContext(ctx, query,
		rec.Key, rec.Method, rec.Path, rec.Fingerprint, rec.ResponseStatus, rec.ContentType, body, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return dbx.Affected(ctx, r.db, `DELETE FROM idempotency_records WHERE created_at <= $1`, cutoff)
}
