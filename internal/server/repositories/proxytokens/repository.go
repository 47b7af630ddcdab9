// Package proxytokens declares the repository contract for hashed proxy
// bearer tokens.
package proxytokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
)

// Repository persists proxy token hashes. Raw token values never reach it.
type Repository interface {
	Create(ctx context.Context, t *models.ProxyToken) error

	// FindByHashes returns the record matching any of hashes, or
	// common.ErrorNotFound. Expiry is not checked here.
	FindByHashes(ctx context.Context, hashes []string) (*models.ProxyToken, error)

	// Touch updates last_used_at for the record with hash.
	Touch(ctx context.Context, hash string, at time.Time) error

	// Rehash replaces the stored hash and its secret id and updates
	// last_used_at.
	Rehash(ctx context.Context, oldHash, newHash, secretID string, at time.Time) error

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	DeleteBySubject(ctx context.Context, subjectID string) (int64, error)
}
