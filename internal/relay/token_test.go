package relay

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("top-secret", 5*time.Minute)

	token, exp, err := issuer.Issue("cam/front-door", "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), exp, 5*time.Second)

	claims, err := issuer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "cam/front-door", claims.Path)
	assert.Equal(t, "sess-1", claims.Viewer)
	assert.Equal(t, "sess-1", claims.Subject)
	assert.NotEmpty(t, claims.ID)
}

func TestTokenLifetimeClamped(t *testing.T) {
	issuer := NewTokenIssuer("top-secret", 2*time.Hour)

	_, exp, err := issuer.Issue("cam/x", "sess-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), exp, 5*time.Second)

	// Non-positive lifetimes also land on the cap.
	issuer = NewTokenIssuer("top-secret", 0)
	_, exp, err = issuer.Issue("cam/x", "sess-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), exp, 5*time.Second)
}

func TestTokenRejectsTampering(t *testing.T) {
	issuer := NewTokenIssuer("top-secret", time.Minute)

	token, _, err := issuer.Issue("cam/x", "sess-1")
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "xx"
	_, err = issuer.Validate(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsForeignKey(t *testing.T) {
	token, _, err := NewTokenIssuer("key-a", time.Minute).Issue("cam/x", "sess-1")
	require.NoError(t, err)

	_, err = NewTokenIssuer("key-b", time.Minute).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsUnsignedAlg(t *testing.T) {
	claims := ReadClaims{
		Path:   "cam/x",
		Viewer: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokenIssuer("top-secret", time.Minute).Validate(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer("top-secret", time.Minute)

	expired := ReadClaims{
		Path:   "cam/x",
		Viewer: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).
		SignedString([]byte("top-secret"))
	require.NoError(t, err)

	_, err = issuer.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
