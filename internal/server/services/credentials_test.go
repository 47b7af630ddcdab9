package services

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
	"github.com/dmitrijs2005/oauthproxy/internal/server/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	calls atomic.Int32
	tok   *upstream.Token
	err   error
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (*upstream.Token, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.tok, nil
}

func newCredentialService(t *testing.T, rm *fakeRepoManager, r TokenRefresher, clk *clock) *CredentialService {
	t.Helper()
	s := NewCredentialService(newTxDB(t), rm, newCipher(t), r, nop)
	s.now = clk.Now
	return s
}

func seed(t *testing.T, s *CredentialService, subject string, access, refresh string, expiry time.Time) {
	t.Helper()
	err := s.SaveFromAuthorization(context.Background(), subject, subject+"@example.com",
		&upstream.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry})
	require.NoError(t, err)
}

func TestSaveFromAuthorization_SealsBothTokens(t *testing.T) {
	rm := newFakeRepoManager()
	clk := newClock()
	s := newCredentialService(t, rm, &fakeRefresher{}, clk)

	seed(t, s, "sub-1", "access-1", "refresh-1", clk.Now().Add(time.Hour))

	c := rm.creds.rows["sub-1"]
	require.NotNil(t, c)
	assert.False(t, bytes.Contains(c.AccessToken.Ciphertext, []byte("access-1")))
	assert.False(t, bytes.Contains(c.RefreshToken.Ciphertext, []byte("refresh-1")))
	assert.Equal(t, "sub-1@example.com", c.Email)
	assert.Equal(t, clk.Now(), c.CreatedAt)

	refresh, err := s.RefreshTokenOf(c)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", refresh)
}

func TestSaveFromAuthorization_KeepsRefreshWhenOmitted(t *testing.T) {
	rm := newFakeRepoManager()
	clk := newClock()
	s := newCredentialService(t, rm, &fakeRefresher{}, clk)

	seed(t, s, "sub-1", "access-1", "refresh-1", clk.Now().Add(time.Hour))
	before := rm.creds.rows["sub-1"].RefreshToken
	created := rm.creds.rows["sub-1"].CreatedAt

	clk.Advance(time.Minute)
	seed(t, s, "sub-1", "access-2", "", clk.Now().Add(time.Hour))

	c := rm.creds.rows["sub-1"]
	refresh, err := s.RefreshTokenOf(c)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", refresh)
	assert.NotEqual(t, before.IV, c.RefreshToken.IV, "carried refresh token must be re-sealed")
	assert.Equal(t, created, c.CreatedAt)
}

func TestSaveFromAuthorization_ClearsRevocation(t *testing.T) {
	rm := newFakeRepoManager()
	clk := newClock()
	s := newCredentialService(t, rm, &fakeRefresher{}, clk)

	seed(t, s, "sub-1", "a", "r", clk.Now().Add(time.Hour))
	require.NoError(t, s.RecordRefreshFailure(context.Background(), "sub-1", &upstream.Error{Code: "invalid_grant", Permanent: true}))
	require.True(t, rm.creds.rows["sub-1"].RefreshTokenRevoked)

	seed(t, s, "sub-1", "a2", "r2", clk.Now().Add(time.Hour))
	assert.False(t, rm.creds.rows["sub-1"].RefreshTokenRevoked)
	assert.Nil(t, rm.creds.rows["sub-1"].LastRefreshError)
}

func TestSaveFromAuthorization_DropsRevokedRefreshToken(t *testing.T) {
	rm := newFakeRepoManager()
	clk := newClock()
	refresher := &fakeRefresher{}
	s := newCredentialService(t, rm, refresher, clk)

	seed(t, s, "sub-1", "a", "dead-refresh", clk.Now().Add(time.Hour))
	require.NoError(t, s.RecordRefreshFailure(context.Background(), "sub-1", &upstream.Error{Code: "invalid_grant", Permanent: true}))

	seed(t, s, "sub-1", "a2", "", clk.Now())

	c := rm.creds.rows["sub-1"]
	assert.False(t, c.RefreshTokenRevoked)
	assert.True(t, c.RefreshToken.IsZero())
	_, err := s.RefreshTokenOf(c)
	assert.ErrorIs(t, err, ErrNoRefreshToken)

	_, err = s.GetValidAccessToken(context.Background(), "sub-1")
	assert.ErrorIs(t, err, common.ErrReauthRequired)
	assert.Zero(t, refresher.calls.Load())
}

func TestSaveFromAuthorization_Validation(t *testing.T) {
	s := newCredentialService(t, newFakeRepoManager(), &fakeRefresher{}, newClock())
	err := s.SaveFromAuthorization(context.Background(), "", "", &upstream.Token{AccessToken: "a"})
	assert.ErrorIs(t, err, common.ErrorValidation)
}

func TestApplyRefresh(t *testing.T) {
	t.Run("without rotation keeps refresh token", func(t *testing.T) {
		rm := newFakeRepoManager()
		clk := newClock()
		s := newCredentialService(t, rm, &fakeRefresher{}, clk)
		seed(t, s, "sub-1", "a1", "r1", clk.Now())
		before := rm.creds.rows["sub-1"].RefreshToken

		exp := clk.Now().Add(time.Hour)
		require.NoError(t, s.ApplyRefresh(context.Background(), "sub-1", &upstream.Token{AccessToken: "a2", Expiry: exp}))

		c := rm.creds.rows["sub-1"]
		access, err := s.cipher.Decrypt(c.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "a2", access)
		refresh, err := s.RefreshTokenOf(c)
		require.NoError(t, err)
		assert.Equal(t, "r1", refresh)
		assert.NotEqual(t, before.IV, c.RefreshToken.IV)
		assert.Equal(t, exp, *c.TokenExpiry)
	})

	t.Run("rotation replaces refresh token", func(t *testing.T) {
		rm := newFakeRepoManager()
		clk := newClock()
		s := newCredentialService(t, rm, &fakeRefresher{}, clk)
		seed(t, s, "sub-1", "a1", "r1", clk.Now())

		require.NoError(t, s.ApplyRefresh(context.Background(), "sub-1",
			&upstream.Token{AccessToken: "a2", RefreshToken: "r2", Rotated: true, Expiry: clk.Now().Add(time.Hour)}))

		refresh, err := s.RefreshTokenOf(rm.creds.rows["sub-1"])
		require.NoError(t, err)
		assert.Equal(t, "r2", refresh)
	})

	t.Run("missing record", func(t *testing.T) {
		s := newCredentialService(t, newFakeRepoManager(), &fakeRefresher{}, newClock())
		err := s.ApplyRefresh(context.Background(), "nope", &upstream.Token{AccessToken: "a"})
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})
}

func TestRecordRefreshFailure(t *testing.T) {
	rm := newFakeRepoManager()
	clk := newClock()
	s := newCredentialService(t, rm, &fakeRefresher{}, clk)
	seed(t, s, "sub-1", "a", "r", clk.Now())

	require.NoError(t, s.RecordRefreshFailure(context.Background(), "sub-1", &upstream.Error{Status: 503, Code: "backend_error"}))
	c := rm.creds.rows["sub-1"]
	assert.False(t, c.RefreshTokenRevoked)
	require.NotNil(t, c.LastRefreshError)
	assert.Equal(t, 503, c.LastRefreshError.Status)
	assert.Equal(t, clk.Now(), c.LastRefreshError.At)

	require.NoError(t, s.RecordRefreshFailure(context.Background(), "sub-1", &upstream.Error{Status: 400, Code: "invalid_grant", Permanent: true}))
	assert.True(t, rm.creds.rows["sub-1"].RefreshTokenRevoked)
}

func TestGetValidAccessToken(t *testing.T) {
	t.Run("fresh token is served without refresh", func(t *testing.T) {
		rm := newFakeRepoManager()
		clk := newClock()
		ref := &fakeRefresher{}
		s := newCredentialService(t, rm, ref, clk)
		seed(t, s, "sub-1", "a1", "r1", clk.Now().Add(time.Hour))

		g, err := s.GetValidAccessToken(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "a1", g.AccessToken)
		assert.Equal(t, "sub-1@example.com", g.Email)
		assert.Equal(t, int32(0), ref.calls.Load())
		require.NotNil(t, rm.creds.rows["sub-1"].LastUsedAt)
		assert.Equal(t, clk.Now(), *rm.creds.rows["sub-1"].LastUsedAt)
	})

	t.Run("near expiry refreshes inline", func(t *testing.T) {
		rm := newFakeRepoManager()
		clk := newClock()
		exp := clk.Now().Add(time.Hour)
		ref := &fakeRefresher{tok: &upstream.Token{AccessToken: "a2", Expiry: exp}}
		s := newCredentialService(t, rm, ref, clk)
		seed(t, s, "sub-1", "a1", "r1", clk.Now().Add(2*time.Minute))

		g, err := s.GetValidAccessToken(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "a2", g.AccessToken)
		assert.Equal(t, exp, g.Expiry)
		assert.Equal(t, int32(1), ref.calls.Load())
	})

	t.Run("permanent failure requires reauth", func(t *testing.T) {
		rm := newFakeRepoManager()
		clk := newClock()
		ref := &fakeRefresher{err: &upstream.Error{Status: 400, Code: "invalid_grant", Permanent: true}}
		s := newCredentialService(t, rm, ref, clk)
		seed(t, s, "sub-1", "a1", "r1", clk.Now().Add(-time.Minute))

		_, err := s.GetValidAccessToken(context.Background(), "sub-1")
		assert.ErrorIs(t, err, common.ErrReauthRequired)
		assert.True(t, rm.creds.rows["sub-1"].RefreshTokenRevoked)

		_, err = s.GetValidAccessToken(context.Background(), "sub-1")
		assert.ErrorIs(t, err, common.ErrReauthRequired)
		assert.Equal(t, int32(1), ref.calls.Load(), "revoked credential must not hit the provider again")
	})

	t.Run("transient failure serves still valid token", func(t *testing.T) {
		rm := newFakeRepoManager()
		clk := newClock()
		ref := &fakeRefresher{err: &upstream.Error{Status: 503, Code: "backend_error"}}
		s := newCredentialService(t, rm, ref, clk)
		seed(t, s, "sub-1", "a1", "r1", clk.Now().Add(time.Minute))

		g, err := s.GetValidAccessToken(context.Background(), "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "a1", g.AccessToken)
		assert.False(t, rm.creds.rows["sub-1"].RefreshTokenRevoked)
	})

	t.Run("transient failure on expired token", func(t *testing.T) {
		rm := newFakeRepoManager()
		clk := newClock()
		ref := &fakeRefresher{err: errors.New("connection reset")}
		s := newCredentialService(t, rm, ref, clk)
		seed(t, s, "sub-1", "a1", "r1", clk.Now().Add(-time.Minute))

		_, err := s.GetValidAccessToken(context.Background(), "sub-1")
		assert.ErrorIs(t, err, common.ErrUpstreamTransient)
	})

	t.Run("no refresh token requires reauth", func(t *testing.T) {
		rm := newFakeRepoManager()
		clk := newClock()
		s := newCredentialService(t, rm, &fakeRefresher{}, clk)
		seed(t, s, "sub-1", "a1", "", clk.Now().Add(-time.Minute))

		_, err := s.GetValidAccessToken(context.Background(), "sub-1")
		assert.ErrorIs(t, err, common.ErrReauthRequired)
	})

	t.Run("tampered ciphertext is an integrity error", func(t *testing.T) {
		rm := newFakeRepoManager()
		clk := newClock()
		s := newCredentialService(t, rm, &fakeRefresher{}, clk)
		seed(t, s, "sub-1", "a1", "r1", clk.Now().Add(time.Hour))
		rm.creds.rows["sub-1"].AccessToken.AuthTag[0] ^= 0xff

		_, err := s.GetValidAccessToken(context.Background(), "sub-1")
		assert.ErrorIs(t, err, cryptox.ErrDecryption)
	})

	t.Run("unknown subject", func(t *testing.T) {
		s := newCredentialService(t, newFakeRepoManager(), &fakeRefresher{}, newClock())
		_, err := s.GetValidAccessToken(context.Background(), "nope")
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})
}

func TestDeleteAccount(t *testing.T) {
	rm := newFakeRepoManager()
	clk := newClock()
	s := newCredentialService(t, rm, &fakeRefresher{}, clk)
	seed(t, s, "sub-1", "a", "r", clk.Now())
	seed(t, s, "sub-2", "a", "r", clk.Now())

	pts, err := NewProxyTokenService(newTxDB(t), rm, testSecrets("v1"), time.Hour, nop)
	require.NoError(t, err)
	_, _, err = pts.IssueProxyToken(context.Background(), "sub-1", 0)
	require.NoError(t, err)
	_, _, err = pts.IssueProxyToken(context.Background(), "sub-2", 0)
	require.NoError(t, err)

	require.NoError(t, s.DeleteAccount(context.Background(), "sub-1"))

	_, err = s.Get(context.Background(), "sub-1")
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.Len(t, rm.tokens.rows, 1)
	_, err = s.Get(context.Background(), "sub-2")
	assert.NoError(t, err)
}
