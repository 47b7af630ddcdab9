// Package idempotency replays stored responses for repeated mutating
// requests that carry the same idempotency key.
package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"net/http"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/logging"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/dmitrijs2005/oauthproxy/internal/server/response"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultTTL is how long a recorded response can be replayed.
const DefaultTTL = 12 * time.Hour

// MaxBodyBytes bounds the request body read for fingerprinting.
const MaxBodyBytes = 1 << 20

// Store persists recorded responses keyed by (key, method, path).
type Store interface {
	// Get returns the live record or common.ErrorNotFound.
	Get(ctx context.Context, key, method, path string) (*models.IdempotencyRecord, error)
	// Put upserts rec.
	Put(ctx context.Context, rec *models.IdempotencyRecord) error
	// DeleteExpired drops records past their TTL and reports how many.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sealer encrypts recorded response bodies. Token responses carry bearer
// values that must not be stored in the clear.
type Sealer interface {
	SealBytes(b, aad []byte) ([]byte, error)
	OpenBytes(blob, aad []byte) ([]byte, error)
}

type Guard struct {
	store  Store
	sealer Sealer
	logger logging.Logger
	now    func() time.Time
}

func New(store Store, sealer Sealer, l logging.Logger) *Guard {
	return &Guard{store: store, sealer: sealer, logger: l.With("module", "idempotency"), now: time.Now}
}

// scopedKey length-prefixes scope so that no (scope, key) pair can be
// spelled as another.
func scopedKey(scope, key string) string {
	return strconv.Itoa(len(scope)) + ":" + scope + ":" + key
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Middleware guards mutating requests that carry a key. Requests without a
// key, and safe methods, pass through untouched.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return g.guard(nil, next)
}

// Scoped is Middleware with keys namespaced by scope(r), so that callers
// authenticated as different subjects never share records.
func (g *Guard) Scoped(scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.guard(scope, next)
	}
}

func (g *Guard) guard(scope func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeValidation, "unreadable request body")
			return
		}
		if len(body) > MaxBodyBytes {
			response.Error(w, http.StatusRequestEntityTooLarge, response.CodeValidation, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		contentType := r.Header.Get("Content-Type")
		key := r.Header.Get(common.IdempotencyKeyHeaderName)
		if key == "" {
			key = keyFromBody(contentType, body)
		}
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if scope != nil {
			if sc := scope(r); sc != "" {
				key = scopedKey(sc, key)
			}
		}

		ctx := r.Context()
		method, path := r.Method, r.URL.Path
		fp := Fingerprint(method, path, contentType, body)

		rec, err := g.store.Get(ctx, key, method, path)
		switch {
		case err == nil:
			if rec.Fingerprint != fp {
				g.logger.Warn(ctx, "idempotency key reused", "method", method, "path", path)
				response.WriteError(w, common.ErrIdempotencyConflict)
				return
			}
			stored, err := g.sealer.OpenBytes(rec.ResponseBody, []byte(rec.Fingerprint))
			if err != nil {
				g.logger.Error(ctx, "idempotency record unreadable", "method", method, "path", path, "error", err)
				response.WriteError(w, err)
				return
			}
			replay(w, rec, stored)
			return
		case !errors.Is(err, common.ErrorNotFound):
			g.logger.Error(ctx, "idempotency lookup", "error", err)
			response.WriteError(w, err)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		var captured bytes.Buffer
		ww.Tee(&captured)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		// 5xx responses stay retryable.
		if status >= http.StatusInternalServerError {
			return
		}

		sealed, err := g.sealer.SealBytes(captured.Bytes(), []byte(fp))
		if err != nil {
			g.logger.Error(ctx, "idempotency seal", "method", method, "path", path, "error", err)
			return
		}

		rec = &models.IdempotencyRecord{
			Key:            key,
			Method:         method,
			Path:           path,
			Fingerprint:    fp,
			ResponseStatus: status,
			ContentType:    ww.Header().Get("Content-Type"),
			ResponseBody:   sealed,
			CreatedAt:      g.now(),
		}
		if err := g.store.Put(context.WithoutCancel(ctx), rec); err != nil {
			g.logger.Error(ctx, "idempotency record", "method", method, "path", path, "error", err)
		}
	})
}

func replay(w http.ResponseWriter, rec *models.IdempotencyRecord, body []byte) {
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set(common.IdempotencyReplayedHeaderName, "true")
	w.WriteHeader(rec.ResponseStatus)
	_, _ = w.Write(body)
}
