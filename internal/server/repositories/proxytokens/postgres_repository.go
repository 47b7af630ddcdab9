package proxytokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
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

func (r *PostgresRepository) Create(ctx context.Context, t *models.ProxyToken) error {
	query := `
		INSERT INTO proxy_tokens (token_hash, token_prefix, subject_id, hash_secret_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query, t.TokenHash, t.TokenPrefix, t.SubjectID, t.HashSecretID, t.CreatedAt, t.ExpiresAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// FindByHashes looks the candidates up in a single round trip. Hashes are
// unique across secrets, so at most one row can match.
func (r *PostgresRepository) FindByHashes(ctx context.Context, hashes []string) (*models.ProxyToken, error) {
	if len(hashes) == 0 {
		return nil, common.ErrorNotFound
	}

	placeholders := make([]string, len(hashes))
	args := make([]any, len(hashes))
	for i, h := range hashes {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = h
	}

	query := `
		SELECT token_hash, token_prefix, subject_id, hash_secret_id, created_at, expires_at, last_used_at
		FROM proxy_tokens
		WHERE token_hash IN (` + strings.Join(placeholders, ", ") + `)
		LIMIT 1
	`

	t := &models.ProxyToken{}
	var lastUsed sql.NullTime
	err := r.db.QueryRowContext(ctx, query, args...).
		Scan(&t.TokenHash, &t.TokenPrefix, &t.SubjectID, &t.HashSecretID, &t.CreatedAt, &t.ExpiresAt, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if lastUsed.Valid {
		t.LastUsedAt = &lastUsed.Time
	}
	return t, nil
}

func (r *PostgresRepository) Touch(ctx context.Context, hash string, at time.Time) error {
	query := `UPDATE proxy_tokens SET last_used_at = $2 WHERE token_hash = $1`
	if _, err := r.db.ExecContext(ctx, query, hash, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Rehash(ctx context.Context, oldHash, newHash, secretID string, at time.Time) error {
	query := `
		UPDATE proxy_tokens
		SET token_hash = $2, hash_secret_id = $3, last_used_at = $4
		WHERE token_hash = $1
	`
	n, err := dbx.Affected(ctx, r.db, query, oldHash, newHash, secretID, at)
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return dbx.Affected(ctx, r.db, `DELETE FROM proxy_tokens WHERE expires_at <= $1`, now)
}

func (r *PostgresRepository) DeleteBySubject(ctx context.Context, subjectID string) (int64, error) {
	return dbx.Affected(ctx, r.db, `DELETE FROM proxy_tokens WHERE subject_id = $1`, subjectID)
}
