// Package dashboard mints and validates the short-lived credentials the
// admin dashboard uses from a browser. A credential is a standard HS256
// JWT carrying a scope and an expiry, so any mainstream verifier can
// check it. Validation is stateless.
package dashboard

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
)

// MaxTTL caps the lifetime of a dashboard credential at issuance.
const MaxTTL = 24 * time.Hour

// DefaultTTL applies when the caller does not ask for a lifetime.
const DefaultTTL = time.Hour

// ScopeAdmin is the only scope minted today.
const ScopeAdmin = "admin"

type claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Grant is the decoded content of a valid credential.
type Grant struct {
	Scope     string
	ExpiresAt time.Time
}

// Remaining returns the validity left at now.
func (g *Grant) Remaining(now time.Time) time.Duration {
	return g.ExpiresAt.Sub(now)
}

// Manager signs and verifies dashboard credentials with a shared secret.
type Manager struct {
	secret []byte
}

// New returns a manager for the given signing secret.
func New(secret string) (*Manager, error) {
	if secret == "" {
		return nil, errtypes.InternalError("dashboard: signing secret is empty")
	}
	return &Manager{secret: []byte(secret)}, nil
}

// Mint issues a credential valid for ttl. Callers must have applied the
// 24 hour cap already; Mint only guards against nonsense lifetimes.
func (m *Manager) Mint(ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	c := claims{
		Scope: ScopeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "carbond",
			Subject:   "dashboard",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt.UTC(), nil
}

// Validate checks signature and expiry and returns the decoded grant.
// Anything invalid, including an expired credential, yields
// errtypes.InvalidCredentials.
func (m *Manager) Validate(token string) (*Grant, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{},
		func(t *jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, errtypes.InvalidCredentials("dashboard credential rejected")
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.ExpiresAt == nil {
		return nil, errtypes.InvalidCredentials("dashboard credential rejected")
	}
	return &Grant{Scope: c.Scope, ExpiresAt: c.ExpiresAt.Time}, nil
}
