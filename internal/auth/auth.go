// Package auth verifies device credentials on the gateway endpoint.
//
// Two kinds of credential are accepted: HS256-signed JWTs issued with
// [Authenticator.Issue] (the subject is the device id), and static tokens
// listed in the config. Credentials are read from an "Authorization: Bearer"
// header or, for clients that cannot set headers, a "token" query parameter.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when the request carries no credential.
	ErrMissingToken = errors.New("auth: missing token")

	// ErrInvalidToken is returned when the credential is unknown, expired or
	// has a bad signature.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrNoSigningKey is returned by Issue when no key is configured.
	ErrNoSigningKey = errors.New("auth: no signing key configured")
)

const issuer = "voxgate"

// Principal identifies an authenticated device.
type Principal struct {
	// DeviceID is the JWT subject or the static token's name.
	DeviceID string

	// Static is true when the device used a static token.
	Static bool
}

type ctxKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFrom returns the principal stored by [WithPrincipal].
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// Authenticator verifies and issues device tokens. It is immutable and safe
// for concurrent use; build a new one when the config changes.
type Authenticator struct {
	enabled bool
	key     []byte
	expire  time.Duration
	static  []config.StaticToken
	now     func() time.Time
}

// New builds an Authenticator from the auth section of the config.
func New(cfg config.AuthConfig) *Authenticator {
	a := &Authenticator{
		enabled: cfg.Enabled,
		expire:  time.Duration(cfg.TokenExpireSeconds) * time.Second,
		static:  append([]config.StaticToken(nil), cfg.Tokens...),
		now:     time.Now,
	}
	if cfg.Key != "" {
		a.key = []byte(cfg.Key)
	}
	return a
}

// Enabled reports whether requests must be authenticated.
func (a *Authenticator) Enabled() bool { return a.enabled }

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the "token" query parameter.
func TokenFromRequest(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(authz, prefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(authz, prefix)); token != "" {
			return token, true
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// Authenticate verifies the credential carried by r. When authentication is
// disabled it returns an anonymous principal and no error.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if !a.enabled {
		return &Principal{}, nil
	}
	token, ok := TokenFromRequest(r)
	if !ok {
		return nil, ErrMissingToken
	}
	return a.Verify(token)
}

// Verify checks token against the static list and, if a key is configured,
// as an HS256 JWT.
func (a *Authenticator) Verify(token string) (*Principal, error) {
	for _, st := range a.static {
		if subtle.ConstantTimeCompare([]byte(st.Token), []byte(token)) == 1 {
			return &Principal{DeviceID: st.Name, Static: true}, nil
		}
	}
	if a.key == nil {
		return nil, ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Principal{DeviceID: claims.Subject}, nil
}

// Issue signs a token for deviceID. Tokens expire after the configured
// lifetime, or never when it is zero.
func (a *Authenticator) Issue(deviceID string) (string, error) {
	if a.key == nil {
		return "", ErrNoSigningKey
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  deviceID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if a.expire > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.expire))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
