package services

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
	"github.com/dmitrijs2005/oauthproxy/internal/dbx"
	"github.com/dmitrijs2005/oauthproxy/internal/logging"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/authcodes"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/credentials"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/oauthproxy/internal/server/repositories/proxytokens"
	_ "modernc.org/sqlite"
)

// --- helpers ---

// newTxDB returns a real *sql.DB so dbx.WithTx can begin and commit; the
// fake repositories ignore the handle they are given.
func newTxDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newCipher(t *testing.T) *cryptox.TokenCipher {
	t.Helper()
	c, err := cryptox.NewTokenCipher(make([]byte, cryptox.KeySize))
	if err != nil {
		t.Fatalf("NewTokenCipher: %v", err)
	}
	return c
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var nop logging.Logger = logging.Nop{}

// --- fake repositories ---

type fakeCredRepo struct {
	mu     sync.Mutex
	rows   map[string]*models.Credential
	getErr error
}

func newFakeCredRepo() *fakeCredRepo { return &fakeCredRepo{rows: map[string]*models.Credential{}} }

func cloneCred(c *models.Credential) *models.Credential {
	cp := *c
	return &cp
}

func (f *fakeCredRepo) Upsert(_ context.Context, c *models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.rows[c.SubjectID]; ok {
		cp := cloneCred(c)
		cp.CreatedAt = old.CreatedAt
		if cp.LastUsedAt == nil {
			cp.LastUsedAt = old.LastUsedAt
		}
		f.rows[c.SubjectID] = cp
		return nil
	}
	f.rows[c.SubjectID] = cloneCred(c)
	return nil
}

func (f *fakeCredRepo) Get(_ context.Context, id string) (*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.rows[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return cloneCred(c), nil
}

func (f *fakeCredRepo) UpdateTokens(_ context.Context, id string, access, refresh cryptox.Sealed, expiry *time.Time, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok {
		return common.ErrorNotFound
	}
	c.AccessToken, c.RefreshToken, c.TokenExpiry, c.UpdatedAt = access, refresh, expiry, now
	c.RefreshTokenRevoked, c.LastRefreshError = false, nil
	return nil
}

func (f *fakeCredRepo) RecordFailure(_ context.Context, id string, e *models.RefreshError, revoked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok {
		return common.ErrorNotFound
	}
	c.LastRefreshError = e
	c.RefreshTokenRevoked = c.RefreshTokenRevoked || revoked
	return nil
}

func (f *fakeCredRepo) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.rows[id]; ok {
		c.LastUsedAt = &at
	}
	return nil
}

func (f *fakeCredRepo) ListDue(_ context.Context, flt credentials.DueFilter) ([]*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Credential
	for _, c := range f.rows {
		if c.TokenExpiry != nil && c.TokenExpiry.After(flt.ExpiringBefore) {
			continue
		}
		if flt.UsedSince != nil && (c.LastUsedAt == nil || c.LastUsedAt.Before(*flt.UsedSince)) {
			continue
		}
		out = append(out, cloneCred(c))
	}
	return out, nil
}

func (f *fakeCredRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

type fakeAuthRepo struct {
	mu   sync.Mutex
	rows map[string]*models.AuthBridge
}

func newFakeAuthRepo() *fakeAuthRepo { return &fakeAuthRepo{rows: map[string]*models.AuthBridge{}} }

func (f *fakeAuthRepo) Create(_ context.Context, b *models.AuthBridge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	f.rows[b.AuthCode] = &cp
	return nil
}

func (f *fakeAuthRepo) Consume(_ context.Context, code string, now time.Time) (*models.AuthBridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[code]
	if !ok || b.Used || !b.ExpiresAt.After(now) {
		return nil, common.ErrorNotFound
	}
	b.Used, b.UsedAt = true, &now
	cp := *b
	return &cp, nil
}

func (f *fakeAuthRepo) Find(_ context.Context, code string) (*models.AuthBridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.rows[code]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeAuthRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, b := range f.rows {
		if !b.ExpiresAt.After(now) {
			delete(f.rows, k)
			n++
		}
	}
	return n, nil
}

type fakeTokenRepo struct {
	mu   sync.Mutex
	rows map[string]*models.ProxyToken
}

func newFakeTokenRepo() *fakeTokenRepo { return &fakeTokenRepo{rows: map[string]*models.ProxyToken{}} }

func (f *fakeTokenRepo) Create(_ context.Context, t *models.ProxyToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.rows[t.TokenHash] = &cp
	return nil
}

func (f *fakeTokenRepo) FindByHashes(_ context.Context, hashes []string) (*models.ProxyToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hashes {
		if t, ok := f.rows[h]; ok {
			cp := *t
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeTokenRepo) Touch(_ context.Context, hash string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.rows[hash]; ok {
		t.LastUsedAt = &at
	}
	return nil
}

func (f *fakeTokenRepo) Rehash(_ context.Context, oldHash, newHash, secretID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[oldHash]
	if !ok {
		return common.ErrorNotFound
	}
	delete(f.rows, oldHash)
	t.TokenHash, t.HashSecretID, t.LastUsedAt = newHash, secretID, &at
	f.rows[newHash] = t
	return nil
}

func (f *fakeTokenRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, t := range f.rows {
		if !t.ExpiresAt.After(now) {
			delete(f.rows, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeTokenRepo) DeleteBySubject(_ context.Context, subjectID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, t := range f.rows {
		if t.SubjectID == subjectID {
			delete(f.rows, k)
			n++
		}
	}
	return n, nil
}

type fakeRepoManager struct {
	creds  *fakeCredRepo
	auth   *fakeAuthRepo
	tokens *fakeTokenRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{creds: newFakeCredRepo(), auth: newFakeAuthRepo(), tokens: newFakeTokenRepo()}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Credentials(dbx.DBTX) credentials.Repository  { return m.creds }
func (m *fakeRepoManager) AuthCodes(dbx.DBTX) authcodes.Repository      { return m.auth }
func (m *fakeRepoManager) ProxyTokens(dbx.DBTX) proxytokens.Repository  { return m.tokens }
func (m *fakeRepoManager) Idempotency(dbx.DBTX) idempotency.Repository  { return nil }
