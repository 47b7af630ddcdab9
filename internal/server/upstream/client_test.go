package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.ProviderClientID = "pid"
	cfg.ProviderClientSecret = "psecret"
	cfg.ProviderAuthURL = srv.URL + "/auth"
	cfg.ProviderTokenURL = srv.URL + "/token"
	cfg.ProviderUserInfoURL = srv.URL + "/userinfo"
	cfg.PublicBaseURL = "https://proxy.example.com"

	return NewClient(cfg)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestAuthCodeURL(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {})

	u, err := url.Parse(c.AuthCodeURL("opaque-state", "chal"))
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "/auth", u.Path)
	assert.Equal(t, "opaque-state", q.Get("state"))
	assert.Equal(t, "chal", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "https://proxy.example.com/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "pid", q.Get("client_id"))
}

func TestExchange_SendsVerifier(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "the-verifier", r.PostForm.Get("code_verifier"))
		writeJSON(w, 200, `{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`)
	})

	tok, err := c.Exchange(context.Background(), "the-code", "the-verifier")
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, 5*time.Second)
}

func TestExchange_FallsBackWhenPKCERejected(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		if calls.Add(1) == 1 {
			assert.NotEmpty(t, r.PostForm.Get("code_verifier"))
			writeJSON(w, 400, `{"error":"invalid_request","error_description":"code_verifier not supported"}`)
			return
		}
		assert.Empty(t, r.PostForm.Get("code_verifier"))
		writeJSON(w, 200, `{"access_token":"at2","token_type":"Bearer"}`)
	})

	tok, err := c.Exchange(context.Background(), "code", "verifier")
	require.NoError(t, err)
	assert.Equal(t, "at2", tok.AccessToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExchange_OtherRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, 400, `{"error":"invalid_grant","error_description":"Malformed auth code."}`)
	})

	_, err := c.Exchange(context.Background(), "code", "verifier")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, CodeInvalidGrant, ue.Code)
	assert.Equal(t, 400, ue.Status)
}

func TestRefresh(t *testing.T) {
	t.Run("rotation and absolute expiry", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
			assert.Equal(t, "old-rt", r.PostForm.Get("refresh_token"))
			writeJSON(w, 200, `{"access_token":"new-at","refresh_token":"new-rt","expires_in":60,"expires_at":1893456000}`)
		})

		tok, err := c.Refresh(context.Background(), "old-rt")
		require.NoError(t, err)
		assert.Equal(t, "new-at", tok.AccessToken)
		assert.True(t, tok.Rotated)
		assert.Equal(t, time.Unix(1893456000, 0), tok.Expiry)
	})

	t.Run("no rotation keeps refresh token", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 200, `{"access_token":"new-at","expires_in":1800}`)
		})

		tok, err := c.Refresh(context.Background(), "old-rt")
		require.NoError(t, err)
		assert.False(t, tok.Rotated)
		assert.WithinDuration(t, time.Now().Add(30*time.Minute), tok.Expiry, 5*time.Second)
	})

	t.Run("no expiry uses default", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 200, `{"access_token":"new-at"}`)
		})
		fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		c.now = func() time.Time { return fixed }

		tok, err := c.Refresh(context.Background(), "old-rt")
		require.NoError(t, err)
		assert.Equal(t, fixed.Add(DefaultLifetime), tok.Expiry)
	})

	t.Run("invalid_grant is permanent", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 400, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
		})

		_, err := c.Refresh(context.Background(), "dead-rt")
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrReauthRequired)
		assert.True(t, Classify(err).Permanent)
	})

	t.Run("5xx is transient", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 503, `{"error":"backend_error"}`)
		})

		_, err := c.Refresh(context.Background(), "rt")
		require.Error(t, err)
		assert.ErrorIs(t, err, common.ErrUpstreamTransient)
		ue := Classify(err)
		assert.False(t, ue.Permanent)
		assert.Equal(t, 503, ue.Status)
	})

	t.Run("429 is transient", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 429, `{"error":"rate_limit_exceeded"}`)
		})

		_, err := c.Refresh(context.Background(), "rt")
		assert.False(t, Classify(err).Permanent)
	})
}

func TestUserInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			writeJSON(w, 401, `{"error":"invalid_token"}`)
			return
		}
		writeJSON(w, 200, `{"sub":"1234","email":"a@example.com"}`)
	})

	id, err := c.UserInfo(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, &Identity{Subject: "1234", Email: "a@example.com"}, id)

	_, err = c.UserInfo(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, 401, Classify(err).Status)
}

func TestClassify_Network(t *testing.T) {
	assert.Nil(t, Classify(nil))

	e := Classify(context.DeadlineExceeded)
	assert.Equal(t, "timeout", e.Code)
	assert.False(t, e.Permanent)

	e = Classify(errors.New("connection refused"))
	assert.Equal(t, "network_error", e.Code)
	assert.ErrorIs(t, e, common.ErrUpstreamTransient)
}

func TestResolveExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	withExtra := (&oauth2.Token{Expiry: now.Add(time.Minute)}).WithExtra(map[string]any{"expires_at": "1900000000"})
	assert.Equal(t, time.Unix(1900000000, 0), ResolveExpiry(withExtra, now))

	relative := &oauth2.Token{Expiry: now.Add(2 * time.Hour)}
	assert.Equal(t, now.Add(2*time.Hour), ResolveExpiry(relative, now))

	assert.Equal(t, now.Add(time.Hour), ResolveExpiry(&oauth2.Token{}, now))
}
