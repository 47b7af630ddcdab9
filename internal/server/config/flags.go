package config

import (
	"flag"
	"os"
	"strings"

	"github.com/dmitrijs2005/oauthproxy/internal/flagx"
)

// parseFlags overlays command-line flags onto config.
//
// Short flags cover the settings changed most often:
//
//	-a  HTTP bind address            -g  gRPC bind address
//	-d  PostgreSQL DSN               -u  public base URL
//	-k  token encryption key         -s  proxy token secrets (id:value,...)
//	-i  client id                    -x  client secret
//	-r  allowed redirect URIs (comma separated)
//	-l  log level
//
// Everything else has a descriptive long name (see registerFlags). Only the
// flags defined here are picked out of os.Args, so other flag sets can share
// the command line. Parse errors panic.
func parseFlags(config *Config) {
	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	secrets, redirects, hosts, scopes := registerFlags(fs, config)

	allowed := make([]string, 0, 64)
	fs.VisitAll(func(f *flag.Flag) { allowed = append(allowed, "-"+f.Name) })

	if err := fs.Parse(flagx.FilterArgs(os.Args[1:], allowed)); err != nil {
		panic(err)
	}

	if *secrets != "" {
		parsed, err := ParseSecrets(flagx.SplitList(*secrets))
		if err != nil {
			panic(err)
		}
		config.ProxyTokenSecrets = parsed
	}
	if *redirects != "" {
		config.AllowedRedirectURIs = flagx.SplitList(*redirects)
	}
	if *hosts != "" {
		config.TrustedRedirectHosts = flagx.SplitList(*hosts)
	}
	if *scopes != "" {
		config.ProviderScopes = strings.Fields(strings.ReplaceAll(*scopes, ",", " "))
	}
}

func registerFlags(fs *flag.FlagSet, c *Config) (secrets, redirects, hosts, scopes *string) {
	fs.StringVar(&c.EndpointAddrHTTP, "a", c.EndpointAddrHTTP, "HTTP address and port to run server")
	fs.StringVar(&c.EndpointAddrGRPC, "g", c.EndpointAddrGRPC, "gRPC broker address and port")
	fs.StringVar(&c.DatabaseDSN, "d", c.DatabaseDSN, "database DSN")
	fs.StringVar(&c.PublicBaseURL, "u", c.PublicBaseURL, "public base URL of this proxy")
	fs.StringVar(&c.TokenEncryptionKey, "k", c.TokenEncryptionKey, "token encryption key (64 hex chars or passphrase)")
	fs.StringVar(&c.ClientID, "i", c.ClientID, "agent client id")
	fs.StringVar(&c.ClientSecret, "x", c.ClientSecret, "agent client secret")
	fs.StringVar(&c.LogLevel, "l", c.LogLevel, "log level")

	secrets = fs.String("s", "", "proxy token secrets, primary first (id:value,...)")
	redirects = fs.String("r", "", "exact redirect URI allow-list (comma separated)")
	hosts = fs.String("trusted-hosts", "", "trusted redirect hosts (comma separated)")
	scopes = fs.String("provider-scopes", "", "upstream scopes (comma or space separated)")

	fs.DurationVar(&c.ProxyTokenTTL, "proxy-token-ttl", c.ProxyTokenTTL, "proxy token lifetime")
	fs.DurationVar(&c.AuthCodeTTL, "auth-code-ttl", c.AuthCodeTTL, "bridge auth code lifetime")
	fs.DurationVar(&c.StateTTL, "state-ttl", c.StateTTL, "provider state blob lifetime")

	fs.StringVar(&c.ProviderClientID, "provider-client-id", c.ProviderClientID, "upstream client id")
	fs.StringVar(&c.ProviderClientSecret, "provider-client-secret", c.ProviderClientSecret, "upstream client secret")
	fs.StringVar(&c.ProviderAuthURL, "provider-auth-url", c.ProviderAuthURL, "upstream authorization endpoint")
	fs.StringVar(&c.ProviderTokenURL, "provider-token-url", c.ProviderTokenURL, "upstream token endpoint")
	fs.StringVar(&c.ProviderUserInfoURL, "provider-userinfo-url", c.ProviderUserInfoURL, "upstream userinfo endpoint")
	fs.DurationVar(&c.ProviderTimeout, "provider-timeout", c.ProviderTimeout, "upstream HTTP timeout")

	fs.IntVar(&c.RefreshConcurrency, "refresh-concurrency", c.RefreshConcurrency, "parallel upstream refreshes")
	fs.DurationVar(&c.RefreshInterval, "refresh-interval", c.RefreshInterval, "periodic sweep interval")
	fs.DurationVar(&c.StartupHorizon, "startup-horizon", c.StartupHorizon, "startup sweep expiry horizon")
	fs.DurationVar(&c.PeriodicHorizon, "periodic-horizon", c.PeriodicHorizon, "periodic sweep expiry horizon")
	fs.DurationVar(&c.ActiveWindow, "active-window", c.ActiveWindow, "periodic sweep recent-use window")
	fs.DurationVar(&c.RefreshMaxJitter, "refresh-jitter", c.RefreshMaxJitter, "max random delay before each refresh")

	fs.StringVar(&c.IdempotencyBackend, "idempotency-backend", c.IdempotencyBackend, "postgres or redis")
	fs.DurationVar(&c.IdempotencyTTL, "idempotency-ttl", c.IdempotencyTTL, "idempotency record lifetime")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address")

	fs.DurationVar(&c.CleanupInterval, "cleanup-interval", c.CleanupInterval, "expired record cleanup interval")
	fs.StringVar(&c.BrokerSecret, "broker-secret", c.BrokerSecret, "shared secret for gRPC broker callers")

	return secrets, redirects, hosts, scopes
}
