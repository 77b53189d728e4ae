package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

func testConfig() JWTConfig {
	return JWTConfig{
		SecretKey: "test-secret-key",
		Issuer:    "test-issuer",
		TokenTTL:  15 * time.Minute,
	}
}

type fakeRevocationList struct {
	revoked map[string]bool
	err     error
}

func (f *fakeRevocationList) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.revoked[tokenID], nil
}

func TestIssueAndVerify(t *testing.T) {
	issuer := NewIssuer(testConfig())
	verifier := NewJWTVerifier(testConfig())

	token, err := issuer.Issue("alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	principal, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, chat.Identity("alice"), principal.Identity)
	assert.NotEmpty(t, principal.TokenID)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), principal.ExpiresAt, 5*time.Second)
}

func TestVerifyRejections(t *testing.T) {
	cfg := testConfig()
	issuer := NewIssuer(cfg)
	verifier := NewJWTVerifier(cfg)

	expired, err := issuer.IssueWithTTL("alice", -time.Minute)
	require.NoError(t, err)

	otherSecret := cfg
	otherSecret.SecretKey = "another-secret"
	forged, err := NewIssuer(otherSecret).Issue("alice")
	require.NoError(t, err)

	otherIssuer := cfg
	otherIssuer.Issuer = "someone-else"
	foreign, err := NewIssuer(otherIssuer).Issue("alice")
	require.NoError(t, err)

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	refreshToken, err := refresh.SignedString([]byte(cfg.SecretKey))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "  ", want: ErrMissingToken},
		{name: "garbage", token: "not-a-jwt", want: ErrInvalidToken},
		{name: "expired", token: expired, want: ErrExpiredToken},
		{name: "wrong secret", token: forged, want: ErrInvalidToken},
		{name: "wrong issuer", token: foreign, want: ErrInvalidToken},
		{name: "refresh token", token: refreshToken, want: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(context.Background(), tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, chat.ErrAuth)
		})
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		TokenType: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  "test-issuer",
			Subject: "mallory",
		},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTVerifier(testConfig()).Verify(context.Background(), signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRevocation(t *testing.T) {
	issuer := NewIssuer(testConfig())
	token, err := issuer.Issue("bob")
	require.NoError(t, err)

	principal, err := NewJWTVerifier(testConfig()).Verify(context.Background(), token)
	require.NoError(t, err)

	list := &fakeRevocationList{revoked: map[string]bool{principal.TokenID: true}}
	_, err = NewJWTVerifier(testConfig(), WithRevocationList(list)).Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrRevokedToken)
}

func TestVerifyRevocationFailsOpen(t *testing.T) {
	token, err := NewIssuer(testConfig()).Issue("bob")
	require.NoError(t, err)

	var reported error
	verifier := NewJWTVerifier(testConfig(),
		WithRevocationList(&fakeRevocationList{err: errors.New("connection refused")}),
		WithRevocationErrorHandler(func(err error) { reported = err }),
	)

	principal, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, chat.Identity("bob"), principal.Identity)
	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "connection refused")
}

func TestIssueRejectsEmptyIdentity(t *testing.T) {
	_, err := NewIssuer(testConfig()).Issue(" ")
	assert.ErrorIs(t, err, chat.ErrValidation)
}

func TestVerifierFunc(t *testing.T) {
	v := VerifierFunc(func(_ context.Context, token string) (Principal, error) {
		return Principal{Identity: chat.Identity(token)}, nil
	})

	principal, err := v.Verify(context.Background(), "erin")
	require.NoError(t, err)
	assert.Equal(t, chat.Identity("erin"), principal.Identity)
}
