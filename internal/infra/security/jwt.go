package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/google/uuid"

	"github.com/arklim/anticheat-authz/internal/core/domain"
)

// AuthFailureReason is the machine-readable reason attached to verification failures.
type AuthFailureReason string

const (
	ReasonTokenMissing AuthFailureReason = "token_missing"
	ReasonTokenInvalid AuthFailureReason = "token_invalid"
	ReasonTokenExpired AuthFailureReason = "token_expired"
)

// AuthError reports why a session token was rejected.
type AuthError struct {
	Reason AuthFailureReason
	cause  error
}

// Error implements error.
func (e *AuthError) Error() string {
	if e.cause == nil {
		return "auth: " + string(e.Reason)
	}
	return fmt.Sprintf("auth: %s: %v", e.Reason, e.cause)
}

// Unwrap exposes the underlying parser error.
func (e *AuthError) Unwrap() error {
	return e.cause
}

// Is matches any AuthError carrying the same reason.
func (e *AuthError) Is(target error) bool {
	var other *AuthError
	if !errors.As(target, &other) {
		return false
	}
	return other.Reason == e.Reason
}

var (
	// ErrTokenMissing indicates no token was supplied.
	ErrTokenMissing = &AuthError{Reason: ReasonTokenMissing}
	// ErrTokenInvalid indicates a bad signature, algorithm, or payload.
	ErrTokenInvalid = &AuthError{Reason: ReasonTokenInvalid}
	// ErrTokenExpired indicates the expiry claim has passed.
	ErrTokenExpired = &AuthError{Reason: ReasonTokenExpired}
)

// FailureReason extracts the reason code from err, or "" when err is not an AuthError.
func FailureReason(err error) AuthFailureReason {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return ""
}

const (
	defaultSessionTTL = 24 * time.Hour
	minSecretLength   = 32
)

// SessionClaims augments registered claims with the admin identity.
type SessionClaims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	RoleID   int64  `json:"role_id"`
	RoleName string `json:"role"`
	jwt.RegisteredClaims
}

// TokenAuthenticatorOptions configures a TokenAuthenticator.
type TokenAuthenticatorOptions struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// TokenAuthenticator issues and verifies HS256 session tokens. It performs no
// store lookups; permission freshness is the resolver's job.
type TokenAuthenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenAuthenticator validates options and constructs an authenticator.
func NewTokenAuthenticator(opts TokenAuthenticatorOptions) (*TokenAuthenticator, error) {
	secret := strings.TrimSpace(opts.Secret)
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("jwt: signing secret must be at least %d bytes", minSecretLength)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	return &TokenAuthenticator{
		secret: []byte(secret),
		issuer: strings.TrimSpace(opts.Issuer),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// WithClock allows injection of a custom clock (primarily for testing).
func (a *TokenAuthenticator) WithClock(now func() time.Time) *TokenAuthenticator {
	if now != nil {
		a.now = now
	}
	return a
}

// TTL returns the configured session lifetime.
func (a *TokenAuthenticator) TTL() time.Duration {
	return a.ttl
}

// Issue signs a session token for identity.
func (a *TokenAuthenticator) Issue(identity domain.Identity) (*domain.IssuedToken, error) {
	if identity.UserID <= 0 {
		return nil, fmt.Errorf("jwt: user id is required")
	}
	username := strings.TrimSpace(identity.Username)
	if username == "" {
		return nil, fmt.Errorf("jwt: username is required")
	}

	// JWT NumericDate has second precision; truncate so verify returns what was issued.
	now := a.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(a.ttl)
	jti := uuid.NewString()

	claims := &SessionClaims{
		UserID:   identity.UserID,
		Username: username,
		RoleID:   identity.RoleID,
		RoleName: identity.RoleName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", identity.UserID),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("jwt: sign token: %w", err)
	}

	return &domain.IssuedToken{
		Token:     signed,
		TokenID:   jti,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks signature and expiry and returns the embedded identity.
func (a *TokenAuthenticator) Verify(raw string) (*domain.Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMissing
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		// Signature is checked before claims, so a forged expired token is invalid, not expired.
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &AuthError{Reason: ReasonTokenExpired, cause: err}
		}
		return nil, &AuthError{Reason: ReasonTokenInvalid, cause: err}
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.UserID <= 0 || strings.TrimSpace(claims.Username) == "" {
		return nil, &AuthError{Reason: ReasonTokenInvalid, cause: errors.New("missing identity claims")}
	}

	return &domain.Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		RoleID:   claims.RoleID,
		RoleName: claims.RoleName,
	}, nil
}
