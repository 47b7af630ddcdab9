// Package credentials declares the server-side repository contract for
// per-subject upstream credential records.
package credentials

import (
	"context"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
)

// DueFilter selects refresh candidates. Records with no known expiry always
// match the expiry condition.
type DueFilter struct {
	// ExpiringBefore matches records whose token expires at or before it.
	ExpiringBefore time.Time
	// UsedSince, when set, additionally requires last_used_at >= UsedSince.
	UsedSince *time.Time
}

// Repository defines persistence operations on credential records.
type Repository interface {
	// Upsert inserts the record or replaces every mutable column of an
	// existing one. CreatedAt of an existing row is preserved.
	Upsert(ctx context.Context, c *models.Credential) error

	// Get returns the record for subjectID or common.ErrorNotFound.
	Get(ctx context.Context, subjectID string) (*models.Credential, error)

	// UpdateTokens writes both sealed tokens and the new expiry together and
	// clears the revoked flag and last error.
	UpdateTokens(ctx context.Context, subjectID string, access, refresh cryptox.Sealed, expiry *time.Time, now time.Time) error

	// RecordFailure stores the last refresh error. revoked only ever sets the
	// flag, it never clears it.
	RecordFailure(ctx context.Context, subjectID string, failure *models.RefreshError, revoked bool) error

	// TouchLastUsed sets last_used_at.
	TouchLastUsed(ctx context.Context, subjectID string, at time.Time) error

	// ListDue returns refresh candidates ordered by expiry.
	ListDue(ctx context.Context, f DueFilter) ([]*models.Credential, error)

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, subjectID string) error
}
