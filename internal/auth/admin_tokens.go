package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultAdminTokenTTL = 30 * time.Minute
	adminRole            = "admin"
)

var (
	ErrMissingAdminSigningSecret = errors.New("admin tokens: signing secret required")
	ErrMissingAdminIssuer        = errors.New("admin tokens: issuer required")
	ErrMissingAdminSubject       = errors.New("admin tokens: subject required")
	ErrMissingAdminToken         = errors.New("admin tokens: token required")
	ErrInvalidAdminToken         = errors.New("admin tokens: invalid token")
	ErrExpiredAdminToken         = errors.New("admin tokens: token expired")
	ErrAdminRoleRequired         = errors.New("admin tokens: admin role required")
)

// AdminClaims is the JWT payload accepted on administrative routes.
type AdminClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// AdminTokensConfig configures admin JWT issuance and validation.
type AdminTokensConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// AdminTokens issues and validates HS256 bearer tokens for operator endpoints.
type AdminTokens struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewAdminTokens constructs the issuer/validator with the provided configuration.
func NewAdminTokens(cfg AdminTokensConfig) (*AdminTokens, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingAdminSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingAdminIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultAdminTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AdminTokens{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed admin JWT for subject and its expiry time.
func (a *AdminTokens) Issue(subject string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, ErrMissingAdminSubject
	}

	now := a.clock().UTC()
	expiresAt := now.Add(a.ttl)
	claims := AdminClaims{
		Roles: []string{adminRole},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken verifies the JWT and returns its claims.
func (a *AdminTokens) ValidateToken(tokenString string) (AdminClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AdminClaims{}, ErrMissingAdminToken
	}

	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidAdminToken, t.Method.Alg())
			}
			return a.signingSecret, nil
		},
		jwt.WithTimeFunc(a.clock),
		jwt.WithIssuer(a.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AdminClaims{}, ErrExpiredAdminToken
		}
		return AdminClaims{}, fmt.Errorf("%w: %v", ErrInvalidAdminToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return AdminClaims{}, ErrInvalidAdminToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return AdminClaims{}, ErrMissingAdminSubject
	}
	if !hasRole(claims.Roles, adminRole) {
		return AdminClaims{}, ErrAdminRoleRequired
	}
	return *claims, nil
}

// ValidateRequest extracts a bearer token from the Authorization header and validates it.
func (a *AdminTokens) ValidateRequest(r *http.Request) (AdminClaims, error) {
	if r == nil {
		return AdminClaims{}, ErrMissingAdminToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return AdminClaims{}, ErrMissingAdminToken
	}
	return a.ValidateToken(strings.TrimPrefix(header, "Bearer "))
}

func hasRole(roles []string, role string) bool {
	for _, candidate := range roles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}
