package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signHS256(t *testing.T, secret string, c jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"email": "Ana@Example.com",
		"name":  "Ana",
		"iss":   "issuer-a",
		"aud":   "aud-a",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Minute).Unix(),
	}
}

func TestNewVerifierRequiresExactlyOneKeySource(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing key source to fail")
	}
	if _, err := NewVerifier(Config{Secret: "s", JWKSURL: "http://x"}); err == nil {
		t.Fatalf("expected both key sources to fail")
	}
}

func TestHS256VerifyIdentity(t *testing.T) {
	v, err := NewVerifier(Config{Secret: testSecret, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	c := baseClaims()
	c["picture"] = "https://img/a.png"
	c["admin"] = true
	c["firebase"] = map[string]any{"sign_in_provider": "google.com"}

	id, err := v.Verify(context.Background(), signHS256(t, testSecret, c))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Email != "ana@example.com" || id.Name != "Ana" || id.Picture != "https://img/a.png" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.Provider != "google" || !id.Admin {
		t.Fatalf("unexpected provider/admin: %+v", id)
	}
}

func TestHS256Rejections(t *testing.T) {
	v, err := NewVerifier(Config{Secret: testSecret, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	ctx := context.Background()

	if _, err := v.Verify(ctx, signHS256(t, "other-secret", baseClaims())); err == nil {
		t.Fatalf("expected bad signature to fail")
	}

	expired := baseClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	if _, err := v.Verify(ctx, signHS256(t, testSecret, expired)); err == nil {
		t.Fatalf("expected expired token to fail")
	}

	noExp := baseClaims()
	delete(noExp, "exp")
	if _, err := v.Verify(ctx, signHS256(t, testSecret, noExp)); err == nil {
		t.Fatalf("expected token without exp to fail")
	}

	wrongAud := baseClaims()
	wrongAud["aud"] = "aud-b"
	if _, err := v.Verify(ctx, signHS256(t, testSecret, wrongAud)); err == nil {
		t.Fatalf("expected wrong audience to fail")
	}

	noEmail := baseClaims()
	delete(noEmail, "email")
	if _, err := v.Verify(ctx, signHS256(t, testSecret, noEmail)); !errors.Is(err, ErrEmailMissing) {
		t.Fatalf("expected ErrEmailMissing, got %v", err)
	}
}

func TestJWKSVerifyAndRefreshOnUnknownKid(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key2: %v", err)
	}

	active := "kid-1"
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=1")
		pub := key1.PublicKey
		if active == "kid-2" {
			pub = key2.PublicKey
		}
		resp := map[string]any{"keys": []map[string]string{toJWK(active, pub)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	sign := func(kid string, key *rsa.PrivateKey, email string) string {
		c := baseClaims()
		c["email"] = email
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
		tok.Header["kid"] = kid
		signed, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign %s: %v", kid, err)
		}
		return signed
	}

	if id, err := v.Verify(context.Background(), sign("kid-1", key1, "a@example.com")); err != nil || id.Email != "a@example.com" {
		t.Fatalf("verify token1 failed: id=%+v err=%v", id, err)
	}

	active = "kid-2"
	if id, err := v.Verify(context.Background(), sign("kid-2", key2, "b@example.com")); err != nil || id.Email != "b@example.com" {
		t.Fatalf("verify token2 failed: id=%+v err=%v", id, err)
	}
}

func TestParseCacheMaxAge(t *testing.T) {
	if got := parseCacheMaxAge("public, max-age=60"); got != time.Minute {
		t.Fatalf("max-age = %v", got)
	}
	if got := parseCacheMaxAge("no-cache"); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
