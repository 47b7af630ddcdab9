package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/flagx"
	"github.com/dmitrijs2005/oauthproxy/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations accept
// both "30m" strings and integer nanoseconds. Only fields present in the file
// override the defaults.
type JsonConfig struct {
	EndpointAddrHTTP string `json:"endpoint_addr_http"`
	EndpointAddrGRPC string `json:"endpoint_addr_grpc"`
	PublicBaseURL    string `json:"public_base_url"`
	DatabaseDSN      string `json:"database_dsn"`
	LogLevel         string `json:"log_level"`

	TokenEncryptionKey string          `json:"token_encryption_key"`
	ProxyTokenSecrets  []string        `json:"proxy_token_secrets"`
	ProxyTokenTTL      *timex.Duration `json:"proxy_token_ttl"`
	AuthCodeTTL        *timex.Duration `json:"auth_code_ttl"`
	StateTTL           *timex.Duration `json:"state_ttl"`

	ClientID             string   `json:"client_id"`
	ClientSecret         string   `json:"client_secret"`
	AllowedRedirectURIs  []string `json:"allowed_redirect_uris"`
	TrustedRedirectHosts []string `json:"trusted_redirect_hosts"`

	ProviderClientID     string          `json:"provider_client_id"`
	ProviderClientSecret string          `json:"provider_client_secret"`
	ProviderAuthURL      string          `json:"provider_auth_url"`
	ProviderTokenURL     string          `json:"provider_token_url"`
	ProviderUserInfoURL  string          `json:"provider_userinfo_url"`
	ProviderScopes       []string        `json:"provider_scopes"`
	ProviderTimeout      *timex.Duration `json:"provider_timeout"`

	RefreshConcurrency int             `json:"refresh_concurrency"`
	RefreshInterval    *timex.Duration `json:"refresh_interval"`
	StartupHorizon     *timex.Duration `json:"startup_horizon"`
	PeriodicHorizon    *timex.Duration `json:"periodic_horizon"`
	ActiveWindow       *timex.Duration `json:"active_window"`
	RefreshMaxJitter   *timex.Duration `json:"refresh_max_jitter"`

	IdempotencyBackend string          `json:"idempotency_backend"`
	IdempotencyTTL     *timex.Duration `json:"idempotency_ttl"`
	RedisAddr          string          `json:"redis_addr"`

	CleanupInterval *timex.Duration `json:"cleanup_interval"`
	BrokerSecret    string          `json:"broker_secret"`
}

// parseJson overlays the file named by -c/-config onto config. A missing flag
// means no file; an unreadable or invalid file panics, as do malformed
// secret entries.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.PublicBaseURL, c.PublicBaseURL)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.LogLevel, c.LogLevel)

	setString(&config.TokenEncryptionKey, c.TokenEncryptionKey)
	if len(c.ProxyTokenSecrets) > 0 {
		secrets, err := ParseSecrets(c.ProxyTokenSecrets)
		if err != nil {
			panic(err)
		}
		config.ProxyTokenSecrets = secrets
	}
	setDuration(&config.ProxyTokenTTL, c.ProxyTokenTTL)
	setDuration(&config.AuthCodeTTL, c.AuthCodeTTL)
	setDuration(&config.StateTTL, c.StateTTL)

	setString(&config.ClientID, c.ClientID)
	setString(&config.ClientSecret, c.ClientSecret)
	setList(&config.AllowedRedirectURIs, c.AllowedRedirectURIs)
	setList(&config.TrustedRedirectHosts, c.TrustedRedirectHosts)

	setString(&config.ProviderClientID, c.ProviderClientID)
	setString(&config.ProviderClientSecret, c.ProviderClientSecret)
	setString(&config.ProviderAuthURL, c.ProviderAuthURL)
	setString(&config.ProviderTokenURL, c.ProviderTokenURL)
	setString(&config.ProviderUserInfoURL, c.ProviderUserInfoURL)
	setList(&config.ProviderScopes, c.ProviderScopes)
	setDuration(&config.ProviderTimeout, c.ProviderTimeout)

	if c.RefreshConcurrency > 0 {
		config.RefreshConcurrency = c.RefreshConcurrency
	}
	setDuration(&config.RefreshInterval, c.RefreshInterval)
	setDuration(&config.StartupHorizon, c.StartupHorizon)
	setDuration(&config.PeriodicHorizon, c.PeriodicHorizon)
	setDuration(&config.ActiveWindow, c.ActiveWindow)
	setDuration(&config.RefreshMaxJitter, c.RefreshMaxJitter)

	setString(&config.IdempotencyBackend, c.IdempotencyBackend)
	setDuration(&config.IdempotencyTTL, c.IdempotencyTTL)
	setString(&config.RedisAddr, c.RedisAddr)

	setDuration(&config.CleanupInterval, c.CleanupInterval)
	setString(&config.BrokerSecret, c.BrokerSecret)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setList(dst *[]string, v []string) {
	if v != nil {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
