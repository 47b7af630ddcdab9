// Package guard holds the stateless checks of the authorization hop:
// redirect URI allow-listing, auth code shape and the signed state blob.
package guard

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	callbackPath  = regexp.MustCompile(`^/aip/[A-Za-z0-9_-]{1,128}/oauth/callback$`)
	authCodeShape = regexp.MustCompile(`^[A-Za-z0-9._~/+=-]{10,2048}$`)
)

// RedirectGuard accepts a redirect URI when it is on the exact allow-list or
// has the shape https://{trusted host}/aip/{id}/oauth/callback.
type RedirectGuard struct {
	exact map[string]struct{}
	hosts map[string]struct{}
}

func NewRedirectGuard(allowed, trustedHosts []string) *RedirectGuard {
	g := &RedirectGuard{
		exact: make(map[string]struct{}, len(allowed)),
		hosts: make(map[string]struct{}, len(trustedHosts)),
	}
	for _, u := range allowed {
		g.exact[u] = struct{}{}
	}
	for _, h := range trustedHosts {
		g.hosts[strings.ToLower(h)] = struct{}{}
	}
	return g
}

// Allowed reports whether uri may receive an authorization code.
func (g *RedirectGuard) Allowed(uri string) bool {
	if uri == "" {
		return false
	}
	if _, ok := g.exact[uri]; ok {
		return true
	}

	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	if u.Scheme != "https" || u.User != nil || u.Port() != "" {
		return false
	}
	if u.RawQuery != "" || u.Fragment != "" || u.Opaque != "" {
		return false
	}
	if _, ok := g.hosts[strings.ToLower(u.Hostname())]; !ok {
		return false
	}
	return callbackPath.MatchString(u.EscapedPath())
}

// ValidateAuthCode is a shape check only; the bridge store is authoritative.
func ValidateAuthCode(code string) bool {
	return authCodeShape.MatchString(code)
}
