// Package auth verifies the bearer credentials presented when a connection
// is opened and mints them for tooling and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

var (
	// ErrInvalidToken is returned when the token is malformed or badly signed.
	ErrInvalidToken = fmt.Errorf("invalid token: %w", chat.ErrAuth)
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = fmt.Errorf("token has expired: %w", chat.ErrAuth)
	// ErrRevokedToken is returned when the token ID is on the revocation list.
	ErrRevokedToken = fmt.Errorf("token has been revoked: %w", chat.ErrAuth)
	// ErrMissingToken is returned when no credential was presented.
	ErrMissingToken = fmt.Errorf("missing token: %w", chat.ErrAuth)
)

const accessTokenType = "access"

// Principal is the result of a successful verification.
type Principal struct {
	Identity chat.Identity
	// TokenID is the credential's jti; it doubles as the connection's
	// correlation token.
	TokenID   string
	ExpiresAt time.Time
}

// Verifier checks a bearer credential and returns the principal it names.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (Principal, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, token string) (Principal, error) {
	return f(ctx, token)
}

// RevocationList reports whether a token ID has been revoked.
type RevocationList interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Claims are the custom claims carried by GoChat access tokens.
type Claims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	SecretKey string
	Issuer    string
	TokenTTL  time.Duration
}

// JWTVerifier validates HS256 access tokens.
type JWTVerifier struct {
	config     JWTConfig
	revocation RevocationList
	onError    func(error)
}

// VerifierOption customizes a JWTVerifier.
type VerifierOption func(*JWTVerifier)

// WithRevocationList enables revocation checks against the given list.
func WithRevocationList(list RevocationList) VerifierOption {
	return func(v *JWTVerifier) {
		v.revocation = list
	}
}

// WithRevocationErrorHandler receives revocation lookup failures. Lookups
// fail open so a revocation backend outage does not lock every user out.
func WithRevocationErrorHandler(fn func(error)) VerifierOption {
	return func(v *JWTVerifier) {
		v.onError = fn
	}
}

// NewJWTVerifier creates a verifier for tokens signed with config.SecretKey.
func NewJWTVerifier(config JWTConfig, opts ...VerifierOption) *JWTVerifier {
	v := &JWTVerifier{config: config, onError: func(error) {}}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates the token and returns the principal it was issued to.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (Principal, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Principal{}, ErrMissingToken
	}

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.config.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return []byte(v.config.SecretKey), nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.TokenType != accessTokenType || strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrInvalidToken
	}

	if v.revocation != nil && claims.ID != "" {
		revoked, err := v.revocation.IsRevoked(ctx, claims.ID)
		if err != nil {
			v.onError(fmt.Errorf("check revocation for %s: %w", claims.ID, err))
		} else if revoked {
			return Principal{}, ErrRevokedToken
		}
	}

	principal := Principal{
		Identity: chat.Identity(claims.Subject),
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// Issuer mints access tokens. It backs the gochat-token tool and tests;
// production deployments are expected to use their own identity provider
// with the same claims.
type Issuer struct {
	config JWTConfig
	now    func() time.Time
}

// NewIssuer creates an Issuer with the given configuration.
func NewIssuer(config JWTConfig) *Issuer {
	return &Issuer{config: config, now: time.Now}
}

// Issue signs an access token for identity.
func (i *Issuer) Issue(identity chat.Identity) (string, error) {
	return i.IssueWithTTL(identity, i.config.TokenTTL)
}

// IssueWithTTL signs an access token for identity that expires after ttl.
func (i *Issuer) IssueWithTTL(identity chat.Identity, ttl time.Duration) (string, error) {
	if strings.TrimSpace(string(identity)) == "" {
		return "", fmt.Errorf("issue token: empty identity: %w", chat.ErrValidation)
	}

	now := i.now()
	claims := Claims{
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.config.Issuer,
			Subject:   string(identity),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(i.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
