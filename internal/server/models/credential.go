package models

import (
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
)

// Credential is the per-subject record of upstream provider tokens.
// Tokens are only ever held sealed.
type Credential struct {
	SubjectID           string
	Email               string
	AccessToken         cryptox.Sealed
	RefreshToken        cryptox.Sealed
	TokenExpiry         *time.Time
	LastUsedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	RefreshTokenRevoked bool
	LastRefreshError    *RefreshError
}

// RefreshError is the last failed upstream refresh attempt.
type RefreshError struct {
	Status            int       `json:"status"`
	ProviderErrorCode string    `json:"providerErrorCode"`
	Message           string    `json:"message"`
	At                time.Time `json:"at"`
}
