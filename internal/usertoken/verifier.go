package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
)

var (
	errUnknownKey = errors.New("unknown token key")
	// ErrEmailMissing is returned for otherwise valid tokens without an email claim.
	ErrEmailMissing = errors.New("token email missing")
)

// Config configures verification. Exactly one of Secret (HS256) or JWKSURL
// (RS256) must be set. Issuer and Audience are checked only when non-empty.
type Config struct {
	Secret     string
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Identity is what a verified bearer token says about the caller.
type Identity struct {
	Email    string
	Name     string
	Picture  string
	Provider string
	Admin    bool
}

type claims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Picture  string `json:"picture"`
	Provider string `json:"provider"`
	Admin    bool   `json:"admin"`
	Firebase struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
	jwt.RegisteredClaims
}

// Verifier validates user bearer tokens.
type Verifier struct {
	secret     []byte
	issuer     string
	audience   string
	leeway     time.Duration
	jwksURL    string
	httpClient *http.Client

	mu         sync.RWMutex
	rsaKeys    map[string]any
	keysExpire time.Time
}

// NewVerifier creates a token verifier. JWKS keys are fetched eagerly.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if (secret == "") == (jwksURL == "") {
		return nil, errors.New("token verifier requires exactly one of secret or jwksURL")
	}
	v := &Verifier{
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   cfg.Leeway,
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if secret != "" {
		v.secret = []byte(secret)
		return v, nil
	}

	v.jwksURL = jwksURL
	v.httpClient = cfg.HTTPClient
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	if err := v.refreshJWKS(context.Background()); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates token and returns the caller identity.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	var (
		c   claims
		err error
	)
	if v.secret != nil {
		c, err = v.parse(token, jwt.SigningMethodHS256.Alg(), func(*jwt.Token) (any, error) {
			return v.secret, nil
		})
	} else {
		c, err = v.verifyJWKS(ctx, token)
	}
	if err != nil {
		return Identity{}, err
	}

	email := strings.ToLower(strings.TrimSpace(c.Email))
	if email == "" {
		return Identity{}, ErrEmailMissing
	}
	provider := strings.TrimSpace(c.Provider)
	if provider == "" {
		provider = normalizeSignInProvider(c.Firebase.SignInProvider)
	}
	return Identity{
		Email:    email,
		Name:     strings.TrimSpace(c.Name),
		Picture:  strings.TrimSpace(c.Picture),
		Provider: provider,
		Admin:    c.Admin,
	}, nil
}

// normalizeSignInProvider maps identity-platform tags like "google.com" to
// the bare provider name.
func normalizeSignInProvider(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(raw, "."); i > 0 {
		return raw[:i]
	}
	return raw
}

func (v *Verifier) parse(token, alg string, keyFunc jwt.Keyfunc) (claims, error) {
	c := claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &c, keyFunc, opts...)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return c, err
	}
	return c, nil
}

func (v *Verifier) verifyJWKS(ctx context.Context, token string) (claims, error) {
	c, err := v.parseJWKS(token)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, errUnknownKey) && !v.keysExpired() {
		return c, err
	}
	if refreshErr := v.refreshJWKS(ctx); refreshErr != nil {
		return c, refreshErr
	}
	return v.parseJWKS(token)
}

func (v *Verifier) parseJWKS(token string) (claims, error) {
	keys := v.copyKeys()
	return v.parse(token, jwt.SigningMethodRS256.Alg(), func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	})
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().UTC().After(v.keysExpire)
}

func (v *Verifier) copyKeys() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.rsaKeys))
	for kid, key := range v.rsaKeys {
		out[kid] = key
	}
	return out
}

func (v *Verifier) refreshJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var payload struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]any, len(payload.Keys))
	for _, k := range payload.Keys {
		kid := strings.TrimSpace(k.Kid)
		if !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") || kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}

	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	v.mu.Lock()
	v.rsaKeys = keys
	v.keysExpire = time.Now().UTC().Add(ttl)
	v.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 0 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		raw, ok := strings.CutPrefix(part, "max-age=")
		if !ok {
			continue
		}
		secs, err := time.ParseDuration(strings.TrimSpace(raw) + "s")
		if err != nil {
			return 0
		}
		return secs
	}
	return 0
}
