package credentials

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
	"github.com/dmitrijs2005/oauthproxy/internal/dbx"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
)

const selectColumns = `subject_id, email,
		access_ciphertext, access_iv, access_auth_tag,
		refresh_ciphertext, refresh_iv, refresh_auth_tag,
		token_expiry, last_used_at, created_at, updated_at,
		refresh_token_revoked, last_refresh_error`

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert writes the full record in one statement.
func (r *PostgresRepository) Upsert(ctx context.Context, c *models.Credential) error {
	query := `
		INSERT INTO credentials (subject_id, email,
			access_ciphertext, access_iv, access_auth_tag,
			refresh_ciphertext, refresh_iv, refresh_auth_tag,
			token_expiry, last_used_at, created_at, updated_at,
			refresh_token_revoked, last_refresh_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (subject_id) DO UPDATE SET
			email = EXCLUDED.email,
			access_ciphertext = EXCLUDED.access_ciphertext,
			access_iv = EXCLUDED.access_iv,
			access_auth_tag = EXCLUDED.access_auth_tag,
			refresh_ciphertext = EXCLUDED.refresh_ciphertext,
			refresh_iv = EXCLUDED.refresh_iv,
			refresh_auth_tag = EXCLUDED.refresh_auth_tag,
			token_expiry = EXCLUDED.token_expiry,
			last_used_at = COALESCE(EXCLUDED.last_used_at, credentials.last_used_at),
			updated_at = EXCLUDED.updated_at,
			refresh_token_revoked = EXCLUDED.refresh_token_revoked,
			last_refresh_error = EXCLUDED.last_refresh_error
	`
	lastErr, err := encodeRefreshError(c.LastRefreshError)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query,
		c.SubjectID, c.Email,
		c.AccessToken.Ciphertext, c.AccessToken.IV, c.AccessToken.AuthTag,
		nullBytes(c.RefreshToken.Ciphertext), nullBytes(c.RefreshToken.IV), nullBytes(c.RefreshToken.AuthTag),
		c.TokenExpiry, c.LastUsedAt, c.CreatedAt, c.UpdatedAt,
		c.RefreshTokenRevoked, lastErr,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Get returns common.ErrorNotFound when no row matches.
func (r *PostgresRepository) Get(ctx context.Context, subjectID string) (*models.Credential, error) {
	query := `SELECT ` + selectColumns + ` FROM credentials WHERE subject_id = $1`

	c, err := scanCredential(r.db.QueryRowContext(ctx, query, subjectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) UpdateTokens(ctx context.Context, subjectID string, access, refresh cryptox.Sealed, expiry *time.Time, now time.Time) error {
	query := `
		UPDATE credentials SET
			access_ciphertext = $2, access_iv = $3, access_auth_tag = $4,
			refresh_ciphertext = $5, refresh_iv = $6, refresh_auth_tag = $7,
			token_expiry = $8, updated_at = $9,
			refresh_token_revoked = FALSE, last_refresh_error = NULL
		WHERE subject_id = $1
	`
	n, err := dbx.Affected(ctx, r.db, query, subjectID,
		access.Ciphertext, access.IV, access.AuthTag,
		nullBytes(refresh.Ciphertext), nullBytes(refresh.IV), nullBytes(refresh.AuthTag),
		expiry, now,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) RecordFailure(ctx context.Context, subjectID string, failure *models.RefreshError, revoked bool) error {
	query := `
		UPDATE credentials SET
			last_refresh_error = $2,
			refresh_token_revoked = refresh_token_revoked OR $3,
			updated_at = $4
		WHERE subject_id = $1
	`
	lastErr, err := encodeRefreshError(failure)
	if err != nil {
		return err
	}
	at := time.Now()
	if failure != nil {
		at = failure.At
	}
	n, err := dbx.Affected(ctx, r.db, query, subjectID, lastErr, revoked, at)
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) TouchLastUsed(ctx context.Context, subjectID string, at time.Time) error {
	query := `UPDATE credentials SET last_used_at = $2 WHERE subject_id = $1`
	if _, err := r.db.ExecContext(ctx, query, subjectID, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListDue(ctx context.Context, f DueFilter) ([]*models.Credential, error) {
	query := `SELECT ` + selectColumns + `
		FROM credentials
		WHERE (token_expiry IS NULL OR token_expiry <= $1)`
	args := []any{f.ExpiringBefore}
	if f.UsedSince != nil {
		query += ` AND last_used_at >= $2`
		args = append(args, *f.UsedSince)
	}
	query += ` ORDER BY token_expiry NULLS FIRST, subject_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, subjectID string) error {
	query := `DELETE FROM credentials WHERE subject_id = $1`
	if _, err := r.db.ExecContext(ctx, query, subjectID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(s scanner) (*models.Credential, error) {
	c := &models.Credential{}
	var (
		expiry, lastUsed sql.NullTime
		lastErr          []byte
	)
	err := s.Scan(
		&c.SubjectID, &c.Email,
		&c.AccessToken.Ciphertext, &c.AccessToken.IV, &c.AccessToken.AuthTag,
		&c.RefreshToken.Ciphertext, &c.RefreshToken.IV, &c.RefreshToken.AuthTag,
		&expiry, &lastUsed, &c.CreatedAt, &c.UpdatedAt,
		&c.RefreshTokenRevoked, &lastErr,
	)
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		t := expiry.Time
		c.TokenExpiry = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		c.LastUsedAt = &t
	}
	if len(lastErr) > 0 {
		c.LastRefreshError = &models.RefreshError{}
		if err := json.Unmarshal(lastErr, c.LastRefreshError); err != nil {
			return nil, fmt.Errorf("decode last_refresh_error: %w", err)
		}
	}
	return c, nil
}

func encodeRefreshError(e *models.RefreshError) (any, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode last_refresh_error: %w", err)
	}
	return string(b), nil
}

// nullBytes maps an empty slice to SQL NULL.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
