package authcodes

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

func (r *PostgresRepository) Create(ctx context.Context, b *models.AuthBridge) error {
	query := `
		INSERT INTO auth_bridges (auth_code, subject_id, client_state, client_redirect_uri, created_at, expires_at, used)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
	`
	if _, err := r.db.ExecContext(ctx, query, b.AuthCode, b.SubjectID, b.ClientState, b.ClientRedirectURI, b.CreatedAt, b.ExpiresAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Consume flips used in the same statement that reads the bound subject, so
// two concurrent callers can never both succeed.
func (r *PostgresRepository) Consume(ctx context.Context, code string, now time.Time) (*models.AuthBridge, error) {
	query := `
		UPDATE auth_bridges
		SET used = TRUE, used_at = $2
		WHERE auth_code = $1 AND used = FALSE AND expires_at > $2
		RETURNING subject_id, client_state, client_redirect_uri, created_at, expires_at
	`
	b := &models.AuthBridge{AuthCode: code, Used: true, UsedAt: &now}
	err := r.db.QueryRowContext(ctx, query, code, now).
		Scan(&b.SubjectID, &b.ClientState, &b.ClientRedirectURI, &b.CreatedAt, &b.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) Find(ctx context.Context, code string) (*models.AuthBridge, error) {
	query := `
		SELECT subject_id, client_state, client_redirect_uri, created_at, expires_at, used, used_at
		FROM auth_bridges
		WHERE auth_code = $1
	`
	b := &models.AuthBridge{AuthCode: code}
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, code).
		Scan(&b.SubjectID, &b.ClientState, &b.ClientRedirectURI, &b.CreatedAt, &b.ExpiresAt, &b.Used, &usedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if usedAt.Valid {
		b.UsedAt = &usedAt.Time
	}
	return b, nil
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return dbx.Affected(ctx, r.db, `DELETE FROM auth_bridges WHERE expires_at <= $1`, now)
}
