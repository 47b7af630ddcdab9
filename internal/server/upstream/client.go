// Package upstream talks to the OAuth2 identity provider: consent URL,
// code exchange, refresh and the userinfo endpoint.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/server/config"
	"golang.org/x/oauth2"
)

// DefaultLifetime is assumed when the provider states no expiry at all.
const DefaultLifetime = time.Hour

// Token is a provider token set with a resolved absolute expiry.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	// Rotated is set by Refresh when the provider issued a new refresh token.
	Rotated bool
}

// Identity is the subset of userinfo the proxy keeps.
type Identity struct {
	Subject string
	Email   string
}

type Client struct {
	oauth       *oauth2.Config
	userInfoURL string
	http        *http.Client
	now         func() time.Time
}

func NewClient(c *config.Config) *Client {
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     c.ProviderClientID,
			ClientSecret: c.ProviderClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   c.ProviderAuthURL,
				TokenURL:  c.ProviderTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: c.CallbackURL(),
			Scopes:      c.ProviderScopes,
		},
		userInfoURL: c.ProviderUserInfoURL,
		http:        &http.Client{Timeout: c.ProviderTimeout},
		now:         time.Now,
	}
}

// AuthCodeURL builds the consent redirect. Offline access and forced consent
// make the provider return a refresh token on every authorization.
func (c *Client) AuthCodeURL(state, challenge string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange redeems code with the PKCE verifier. If the provider rejects PKCE
// itself, the exchange is retried once without the verifier.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*Token, error) {
	ctx = c.withHTTPClient(ctx)

	tok, err := c.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil && isPKCERejection(err) {
		tok, err = c.oauth.Exchange(ctx, code)
	}
	if err != nil {
		return nil, Classify(err)
	}
	return c.convert(tok, ""), nil
}

// Refresh runs the refresh_token grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	ctx = c.withHTTPClient(ctx)

	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, Classify(err)
	}
	return c.convert(tok, refreshToken), nil
}

// UserInfo resolves the subject behind accessToken.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*Identity, error) {
	ctx = c.withHTTPClient(ctx)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Status:  resp.StatusCode,
			Code:    "userinfo_failed",
			Message: truncate(string(body), 200),
		}
	}

	var info struct {
		Sub   string `json:"sub"`
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	subject := info.Sub
	if subject == "" {
		subject = info.ID
	}
	if subject == "" {
		return nil, errors.New("userinfo response has no subject")
	}
	return &Identity{Subject: subject, Email: info.Email}, nil
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func (c *Client) convert(tok *oauth2.Token, previousRefresh string) *Token {
	t := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       ResolveExpiry(tok, c.now()),
	}
	if previousRefresh != "" {
		t.Rotated = tok.RefreshToken != "" && tok.RefreshToken != previousRefresh
	}
	return t
}

// ResolveExpiry prefers an absolute "expires_at" (unix seconds) from the
// token response, then the lifetime from "expires_in", then DefaultLifetime.
// Values are never reinterpreted by magnitude.
func ResolveExpiry(tok *oauth2.Token, now time.Time) time.Time {
	if at, ok := unixField(tok.Extra("expires_at")); ok && at > 0 {
		return time.Unix(at, 0)
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	return now.Add(DefaultLifetime)
}

func unixField(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func isPKCERejection(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode != "invalid_request" && re.ErrorCode != "invalid_grant" {
		return false
	}
	text := strings.ToLower(re.ErrorDescription + " " + string(re.Body))
	return strings.Contains(text, "code_verifier") ||
		strings.Contains(text, "code_challenge") ||
		strings.Contains(text, "pkce")
}
