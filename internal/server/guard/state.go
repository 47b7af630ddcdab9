package guard

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
	"github.com/dmitrijs2005/oauthproxy/internal/server/config"
	"github.com/golang-jwt/jwt/v5"
)

// State is what the proxy needs back from the provider on the callback.
type State struct {
	ClientState       string `json:"cs"`
	ClientRedirectURI string `json:"ru"`
	CodeVerifier      string `json:"cv"`
	Timestamp         int64  `json:"ts"`
}

type stateClaims struct {
	jwt.RegisteredClaims
	State
}

// stateKeyInfo separates state signing keys from the proxy token hash keys
// derived from the same secrets.
const stateKeyInfo = "oauthproxy state v1"

type stateKey struct {
	id  string
	key []byte
}

// StateCodec signs State into the provider-facing state parameter. The
// primary secret signs; any configured secret verifies, picked by kid.
type StateCodec struct {
	keys []stateKey
	ttl  time.Duration
	now  func() time.Time
}

func NewStateCodec(secrets []config.NamedSecret, ttl time.Duration) (*StateCodec, error) {
	keys := make([]stateKey, 0, len(secrets))
	for _, s := range secrets {
		k, err := cryptox.DeriveKey([]byte(s.Value), stateKeyInfo)
		if err != nil {
			return nil, fmt.Errorf("state key %s: %w", s.ID, err)
		}
		keys = append(keys, stateKey{id: s.ID, key: k})
	}
	return &StateCodec{keys: keys, ttl: ttl, now: time.Now}, nil
}

// Encode stamps s with the current time and returns the compact JWT.
func (c *StateCodec) Encode(s State) (string, error) {
	if len(c.keys) == 0 {
		return "", errors.New("state codec has no secrets")
	}
	now := c.now()
	s.Timestamp = now.UnixMilli()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		State: s,
	})
	primary := c.keys[0]
	token.Header["kid"] = primary.id

	signed, err := token.SignedString(primary.key)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Decode verifies signature and expiry. Every failure is ErrInvalidState.
func (c *StateCodec) Decode(raw string) (State, error) {
	claims := &stateClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, c.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", common.ErrInvalidState, err)
	}
	if !token.Valid {
		return State{}, common.ErrInvalidState
	}
	return claims.State, nil
}

func (c *StateCodec) keyFor(t *jwt.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	for _, k := range c.keys {
		if k.id == kid {
			return k.key, nil
		}
	}
	return nil, fmt.Errorf("unknown state key %q", kid)
}
