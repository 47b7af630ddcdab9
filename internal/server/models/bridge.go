package models

import "time"

// AuthBridge links a finished upstream authorization to the agent's
// token exchange. Used flips to true exactly once.
type AuthBridge struct {
	AuthCode          string
	SubjectID         string
	ClientState       string
	ClientRedirectURI string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Used              bool
	UsedAt            *time.Time
}
