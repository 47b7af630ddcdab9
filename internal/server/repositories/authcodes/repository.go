// Package authcodes declares the repository contract for single-use
// authorization bridge codes.
package authcodes

import (
	"context"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
)

// Repository persists bridge records. The store is the only arbiter of
// whether a code was already consumed.
type Repository interface {
	// Create inserts a pending record.
	Create(ctx context.Context, b *models.AuthBridge) error

	// Consume atomically marks an unused, unexpired code as used and returns
	// it. Any other state yields common.ErrorNotFound.
	Consume(ctx context.Context, code string, now time.Time) (*models.AuthBridge, error)

	// Find returns the record in whatever state it is in. It must not be used
	// to make consumption decisions.
	Find(ctx context.Context, code string) (*models.AuthBridge, error)

	// DeleteExpired removes records with expires_at <= now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
