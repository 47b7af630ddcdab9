package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/server/guard"
	"github.com/dmitrijs2005/oauthproxy/internal/server/pkce"
	"github.com/dmitrijs2005/oauthproxy/internal/server/response"
	"github.com/dmitrijs2005/oauthproxy/internal/server/upstream"
)

const grantTypeAuthorizationCode = "authorization_code"

// authorize validates the client, then sends the browser to the provider
// with a fresh PKCE challenge and the signed state.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")

	if clientID == "" || redirectURI == "" {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "client_id and redirect_uri are required")
		return
	}
	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "unsupported response_type")
		return
	}
	if !equalConstantTime(clientID, h.cfg.ClientID) {
		response.WriteError(w, common.ErrInvalidClient)
		return
	}
	if !h.redirects.Allowed(redirectURI) {
		h.logger.Warn(r.Context(), "redirect uri rejected", "redirect_uri", redirectURI)
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "redirect_uri is not allowed")
		return
	}

	pair, err := pkce.GeneratePair()
	if err != nil {
		response.WriteError(w, err)
		return
	}
	state, err := h.states.Encode(guard.State{
		ClientState:       q.Get("state"),
		ClientRedirectURI: redirectURI,
		CodeVerifier:      pair.Verifier,
	})
	if err != nil {
		h.logger.Error(r.Context(), "encode state", "error", err)
		response.WriteError(w, err)
		return
	}

	http.Redirect(w, r, h.provider.AuthCodeURL(state, pair.Challenge), http.StatusFound)
}

// callback completes the provider leg: exchange, identity, persist, then
// hand the client a single-use bridge code.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	st, err := h.states.Decode(q.Get("state"))
	if err != nil {
		response.WriteError(w, err)
		return
	}
	if !h.redirects.Allowed(st.ClientRedirectURI) {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "redirect_uri is not allowed")
		return
	}

	if providerErr := q.Get("error"); providerErr != "" {
		h.logger.Info(ctx, "provider denied authorization", "error", providerErr)
		redirectWith(w, r, st.ClientRedirectURI, url.Values{
			"error": {providerErr},
			"state": {st.ClientState},
		})
		return
	}

	code := q.Get("code")
	if !guard.ValidateAuthCode(code) {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "missing or malformed code")
		return
	}

	tok, err := h.provider.Exchange(ctx, code, st.CodeVerifier)
	if err != nil {
		h.writeUpstreamError(w, r, "code exchange", err)
		return
	}
	id, err := h.provider.UserInfo(ctx, tok.AccessToken)
	if err != nil {
		h.writeUpstreamError(w, r, "userinfo", err)
		return
	}
	if id.Subject == "" {
		h.logger.Error(ctx, "userinfo without subject")
		response.Error(w, http.StatusBadGateway, response.CodeUpstreamUnavailable, "provider returned no user identity")
		return
	}

	if err := h.credentials.SaveFromAuthorization(ctx, id.Subject, id.Email, tok); err != nil {
		h.logger.Error(ctx, "save credential", "subject", id.Subject, "error", err)
		response.WriteError(w, err)
		return
	}

	authCode, err := h.bridge.IssueAuthCode(ctx, id.Subject, st.ClientState, st.ClientRedirectURI)
	if err != nil {
		h.logger.Error(ctx, "issue auth code", "subject", id.Subject, "error", err)
		response.WriteError(w, err)
		return
	}

	h.logger.Info(ctx, "authorization completed", "subject", id.Subject)
	redirectWith(w, r, st.ClientRedirectURI, url.Values{
		"code":  {authCode},
		"state": {st.ClientState},
	})
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token redeems a bridge code for a proxy token.
func (h *Handler) token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := parseTokenRequest(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, err.Error())
		return
	}
	if req.GrantType != grantTypeAuthorizationCode {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "unsupported grant_type")
		return
	}
	if req.Code == "" || req.RedirectURI == "" {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "code and redirect_uri are required")
		return
	}
	if !h.validClient(req.ClientID, req.ClientSecret) {
		response.WriteError(w, common.ErrInvalidClient)
		return
	}
	if !guard.ValidateAuthCode(req.Code) {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidGrant, "invalid or expired authorization code")
		return
	}

	grant, err := h.bridge.ConsumeAuthCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidGrant, "invalid or expired authorization code")
			return
		}
		h.logger.Error(ctx, "consume auth code", "error", err)
		response.WriteError(w, err)
		return
	}
	if grant.ClientRedirectURI != req.RedirectURI {
		h.logger.Warn(ctx, "redirect uri mismatch on token exchange", "subject", grant.SubjectID)
		response.WriteError(w, common.ErrRedirectMismatch)
		return
	}

	ttl := h.tokens.TTL()
	token, _, err := h.tokens.IssueProxyToken(ctx, grant.SubjectID, ttl)
	if err != nil {
		h.logger.Error(ctx, "issue proxy token", "subject", grant.SubjectID, "error", err)
		response.WriteError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(ttl.Seconds()),
	})
}

// parseTokenRequest accepts a JSON or form body; HTTP Basic credentials
// fill in a missing client_id/client_secret.
func parseTokenRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("malformed JSON body: %w", err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("malformed form body: %w", err)
		}
		req = tokenRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			Code:         r.PostForm.Get("code"),
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
		}
	}

	if id, secret, ok := r.BasicAuth(); ok && req.ClientID == "" && req.ClientSecret == "" {
		req.ClientID, req.ClientSecret = id, secret
	}
	return req, nil
}

func (h *Handler) validClient(id, secret string) bool {
	okID := equalConstantTime(id, h.cfg.ClientID)
	okSecret := equalConstantTime(secret, h.cfg.ClientSecret)
	return okID && okSecret && id != ""
}

func equalConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, r *http.Request, op string, err error) {
	ue := upstream.Classify(err)
	h.logger.Warn(r.Context(), op+" failed", "code", ue.Code, "status", ue.Status)
	if ue.Permanent {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidGrant, "authorization code rejected by provider")
		return
	}
	response.Error(w, http.StatusBadGateway, response.CodeUpstreamUnavailable, "upstream provider unavailable, retry the authorization")
}

// redirectWith appends params to target, keeping any query it already has.
func redirectWith(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeValidation, "invalid redirect_uri")
		return
	}
	q := u.Query()
	for k, vs := range params {
		if len(vs) > 0 && vs[0] != "" {
			q.Set(k, vs[0])
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
