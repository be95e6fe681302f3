package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ankisyncd/internal/models"
)

func signToken(t *testing.T, secret, subject string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTGateway_Authenticate(t *testing.T) {
	ctx := context.Background()
	g, err := NewJWTGateway("topsecret")
	require.NoError(t, err)

	tests := []struct {
		name      string
		username  string
		token     string
		wantError error
	}{
		{
			name:     "valid token",
			username: "alice",
			token:    signToken(t, "topsecret", "alice", time.Now().Add(time.Hour)),
		},
		{
			name:      "expired token",
			username:  "alice",
			token:     signToken(t, "topsecret", "alice", time.Now().Add(-time.Hour)),
			wantError: models.ErrInvalidCredentials,
		},
		{
			name:      "wrong secret",
			username:  "alice",
			token:     signToken(t, "othersecret", "alice", time.Now().Add(time.Hour)),
			wantError: models.ErrInvalidCredentials,
		},
		{
			name:      "subject mismatch",
			username:  "alice",
			token:     signToken(t, "topsecret", "bob", time.Now().Add(time.Hour)),
			wantError: models.ErrInvalidCredentials,
		},
		{
			name:      "not a token",
			username:  "alice",
			token:     "plain-password",
			wantError: models.ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Authenticate(ctx, tt.username, tt.token)
			if tt.wantError != nil {
				assert.ErrorIs(t, err, tt.wantError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewJWTGateway_RequiresSecret(t *testing.T) {
	_, err := NewJWTGateway("")
	assert.Error(t, err)
}
