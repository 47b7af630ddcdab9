package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/dmitrijs2005/oauthproxy/internal/server/response"
)

type ctxKey string

const subjectIDKey ctxKey = "subjectID"

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(subjectIDKey).(string)
	return s
}

// bearer resolves the proxy token in the Authorization header.
func (h *Handler) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			response.Error(w, http.StatusUnauthorized, response.CodeUnauthorized, "missing bearer token")
			return
		}

		subjectID, err := h.tokens.ResolveProxyToken(r.Context(), strings.TrimSpace(token))
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				response.Error(w, http.StatusUnauthorized, response.CodeUnauthorized, "invalid or expired token")
				return
			}
			h.logger.Error(r.Context(), "resolve proxy token", "error", err)
			response.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectIDKey, subjectID)))
	})
}

type meResponse struct {
	SubjectID           string               `json:"subjectId"`
	Email               string               `json:"email,omitempty"`
	TokenExpiry         *time.Time           `json:"tokenExpiry,omitempty"`
	LastUsedAt          *time.Time           `json:"lastUsedAt,omitempty"`
	RefreshTokenRevoked bool                 `json:"refreshTokenRevoked"`
	RequiresReauth      bool                 `json:"requiresReauth"`
	LastRefreshError    *models.RefreshError `json:"lastRefreshError,omitempty"`
}

// me reports the credential status of the caller. Tokens are never returned.
func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	c, err := h.credentials.Get(r.Context(), subjectFrom(r.Context()))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			response.Error(w, http.StatusUnauthorized, response.CodeReauthRequired, "no stored credential, reauthentication required")
			return
		}
		response.WriteError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, meResponse{
		SubjectID:           c.SubjectID,
		Email:               c.Email,
		TokenExpiry:         c.TokenExpiry,
		LastUsedAt:          c.LastUsedAt,
		RefreshTokenRevoked: c.RefreshTokenRevoked,
		RequiresReauth:      c.RefreshTokenRevoked,
		LastRefreshError:    c.LastRefreshError,
	})
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	subjectID := subjectFrom(r.Context())
	if err := h.credentials.DeleteAccount(r.Context(), subjectID); err != nil && !errors.Is(err, common.ErrorNotFound) {
		h.logger.Error(r.Context(), "delete account", "subject", subjectID, "error", err)
		response.WriteError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"deleted": true, "subjectId": subjectID})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Error(r.Context(), "health check", "error", err)
			response.Error(w, http.StatusServiceUnavailable, response.CodeInternal, "unhealthy")
			return
		}
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
