package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nwfth/partial-picking/internal/apperrors"
)

// TokenIssuer signs and verifies the bearer session tokens required by
// §4.6 step 6 and §6's auth contract.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Claims is the payload embedded in every bearer token.
type Claims struct {
	UserID     string `json:"user_id"`
	AuthSource string `json:"auth_source"`
	jwt.RegisteredClaims
}

func (t *TokenIssuer) Issue(username, authSource string) (string, time.Time, error) {
	expiresAt := time.Now().Add(t.ttl)
	claims := Claims{
		UserID:     username,
		AuthSource: authSource,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (t *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.InvalidCredentials()
	}
	return &claims, nil
}
