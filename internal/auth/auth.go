// Package auth verifies bearer tokens on the admin surface.
package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("missing required scope")
)

type Config struct {
	// Secret enables HS256 tokens.
	Secret string
	// KeysFile holds PEM public keys or certificates for asymmetric tokens.
	KeysFile string
	Scope    string
}

type Principal struct {
	Subject string
	Scopes  []string
}

type Verifier struct {
	secret []byte
	keys   []interface{}
	scope  string
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{scope: cfg.Scope}
	if cfg.Secret != "" {
		v.secret = []byte(cfg.Secret)
	}
	if cfg.KeysFile != "" {
		data, err := os.ReadFile(cfg.KeysFile)
		if err != nil {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
		keys, err := ParsePublicKeys(data)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", cfg.KeysFile, err)
		}
		v.keys = keys
	}
	return v, nil
}

// Enabled reports whether any verification key is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0 || len(v.keys) > 0
}

// ParsePublicKeys reads every PEM public key or certificate in data. Unknown blocks are skipped.
func ParsePublicKeys(data []byte) ([]interface{}, error) {
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("no valid public keys found")
	}
	return keys, nil
}

func (v *Verifier) VerifyRequest(r *http.Request) (Principal, error) {
	authz := r.Header.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return Principal{}, ErrUnauthenticated
	}
	return v.VerifyToken(strings.TrimSpace(authz[7:]))
}

// VerifyToken accepts a token signed by any configured key that carries the required scope,
// either in a space separated "scope" claim or a "roles" array.
func (v *Verifier) VerifyToken(raw string) (Principal, error) {
	if !v.Enabled() {
		return Principal{}, fmt.Errorf("%w: no verification keys configured", ErrUnauthenticated)
	}
	var lastErr error
	for _, key := range v.candidates() {
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods(methodsFor(key)), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			lastErr = err
			continue
		}
		p := Principal{Scopes: scopes(claims)}
		p.Subject, _ = claims.GetSubject()
		if v.scope != "" && !contains(p.Scopes, v.scope) {
			return p, ErrForbidden
		}
		return p, nil
	}
	return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, lastErr)
}

func (v *Verifier) candidates() []interface{} {
	out := make([]interface{}, 0, len(v.keys)+1)
	if len(v.secret) > 0 {
		out = append(out, v.secret)
	}
	return append(out, v.keys...)
}

func methodsFor(key interface{}) []string {
	switch key.(type) {
	case []byte:
		return []string{"HS256", "HS384", "HS512"}
	case *rsa.PublicKey:
		return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	case *ecdsa.PublicKey:
		return []string{"ES256", "ES384", "ES512"}
	case ed25519.PublicKey:
		return []string{"EdDSA"}
	}
	return nil
}

func scopes(claims jwt.MapClaims) []string {
	var out []string
	if s, ok := claims["scope"].(string); ok {
		out = append(out, strings.Fields(s)...)
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
