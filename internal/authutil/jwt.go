package authutil

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens gates user HELLO when the operator requires pre-issued credentials.
// The secret is shared across the operator's nodes; signature validity plus a
// matching user claim is the whole check.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl}
}

// Issue mints a signed token for userID.
func (t *Tokens) Issue(userID string) (string, error) {
	claims := jwt.MapClaims{
		"user": userID,
		"exp":  time.Now().Add(t.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate parses tokenStr, checks the HMAC signature and expiry, and returns
// the user id it was issued for.
func (t *Tokens) Validate(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errors.New("empty token")
	}
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if userID, ok := claims["user"].(string); ok {
			return userID, nil
		}
	}
	return "", errors.New("invalid token claims")
}
