// Package httpapi exposes the authorization hop and the bearer-protected
// account endpoints over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/logging"
	"github.com/dmitrijs2005/oauthproxy/internal/server/config"
	"github.com/dmitrijs2005/oauthproxy/internal/server/guard"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/dmitrijs2005/oauthproxy/internal/server/services"
	"github.com/dmitrijs2005/oauthproxy/internal/server/upstream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Provider is the upstream authorization server.
type Provider interface {
	AuthCodeURL(state, challenge string) string
	Exchange(ctx context.Context, code, verifier string) (*upstream.Token, error)
	UserInfo(ctx context.Context, accessToken string) (*upstream.Identity, error)
}

type Credentials interface {
	SaveFromAuthorization(ctx context.Context, subjectID, email string, tok *upstream.Token) error
	Get(ctx context.Context, subjectID string) (*models.Credential, error)
	DeleteAccount(ctx context.Context, subjectID string) error
}

type Bridge interface {
	IssueAuthCode(ctx context.Context, subjectID, clientState, clientRedirectURI string) (string, error)
	ConsumeAuthCode(ctx context.Context, code string) (*services.BridgeGrant, error)
}

type ProxyTokens interface {
	IssueProxyToken(ctx context.Context, subjectID string, ttl time.Duration) (string, time.Time, error)
	ResolveProxyToken(ctx context.Context, token string) (string, error)
	TTL() time.Duration
}

// IdempotencyGuard replays repeated mutating requests.
type IdempotencyGuard interface {
	Middleware(next http.Handler) http.Handler
	Scoped(scope func(*http.Request) string) func(http.Handler) http.Handler
}

// Deps are the collaborators of Handler. Idempotency and Health are optional.
type Deps struct {
	Config      *config.Config
	Provider    Provider
	Credentials Credentials
	Bridge      Bridge
	Tokens      ProxyTokens
	Redirects   *guard.RedirectGuard
	States      *guard.StateCodec
	Idempotency IdempotencyGuard
	Health      func(context.Context) error
	Logger      logging.Logger
}

type Handler struct {
	cfg         *config.Config
	provider    Provider
	credentials Credentials
	bridge      Bridge
	tokens      ProxyTokens
	redirects   *guard.RedirectGuard
	states      *guard.StateCodec
	idempotency IdempotencyGuard
	health      func(context.Context) error
	logger      logging.Logger
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		cfg:         d.Config,
		provider:    d.Provider,
		credentials: d.Credentials,
		bridge:      d.Bridge,
		tokens:      d.Tokens,
		redirects:   d.Redirects,
		states:      d.States,
		idempotency: d.Idempotency,
		health:      d.Health,
		logger:      d.Logger.With("module", "http"),
	}
	return h
}

func passthrough(next http.Handler) http.Handler { return next }

func (h *Handler) idempotent() func(http.Handler) http.Handler {
	if h.idempotency == nil {
		return passthrough
	}
	return h.idempotency.Middleware
}

// idempotentPerSubject keys records by the authenticated subject as well.
func (h *Handler) idempotentPerSubject() func(http.Handler) http.Handler {
	if h.idempotency == nil {
		return passthrough
	}
	return h.idempotency.Scoped(func(r *http.Request) string { return subjectFrom(r.Context()) })
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)

	r.Route("/oauth", func(r chi.Router) {
		r.Get("/authorize", h.authorize)
		r.Get("/callback", h.callback)
		r.With(h.idempotent()).Post("/token", h.token)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(h.bearer)
		r.Get("/me", h.me)
		r.With(h.idempotentPerSubject()).Delete("/account", h.deleteAccount)
	})

	return r
}
