package models

import "time"

type ProxyToken struct {
	TokenHash    string
	TokenPrefix  string
	SubjectID    string
	HashSecretID string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastUsedAt   *time.Time
}
