package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for tokens that fail signature, claim or
// expiry checks.
var ErrInvalidToken = errors.New("invalid relay token")

// maxTokenTTL caps read-token lifetime. The relay re-checks the token
// on reconnect, so a stolen URL goes stale quickly.
const maxTokenTTL = 10 * time.Minute

// ReadClaims are the claims in a relay read token: which path the
// bearer may read and which viewer session it belongs to.
type ReadClaims struct {
	Path   string `json:"path"`
	Viewer string `json:"viewer"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and validates HS256 read tokens for the relay's
// auth hook.
type TokenIssuer struct {
	signingKey []byte
	ttl        time.Duration
}

// NewTokenIssuer builds an issuer with the given lifetime, clamped to
// 10 minutes. A non-positive ttl uses the cap.
func NewTokenIssuer(signingKey string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 || ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}
	return &TokenIssuer{signingKey: []byte(signingKey), ttl: ttl}
}

// Issue mints a read token for path bound to viewer. The second return
// is the expiry instant, for surfacing to the client.
func (t *TokenIssuer) Issue(path, viewer string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(t.ttl)
	claims := ReadClaims{
		Path:   path,
		Viewer: viewer,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
			Subject:   viewer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(t.signingKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Validate parses and verifies a read token.
func (t *TokenIssuer) Validate(tokenString string) (*ReadClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ReadClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*ReadClaims)
	if !ok || !token.Valid || claims.Path == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
