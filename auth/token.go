package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ragchat/types"
)

const issuer = "ragchat"

// Issuer signs and verifies HS256 bearer tokens whose subject is the
// username.
type Issuer struct {
	secret      []byte
	ttl         time.Duration
	rememberTTL time.Duration
	now         func() time.Time
}

func NewIssuer(secret string, ttl, rememberTTL time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, rememberTTL: rememberTTL, now: time.Now}
}

func (i *Issuer) Issue(username string, rememberMe bool) (string, error) {
	ttl := i.ttl
	if rememberMe {
		ttl = i.rememberTTL
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse returns the username carried by a valid, unexpired token.
func (i *Issuer) Parse(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: token expired", types.ErrAuth)
		}
		return "", fmt.Errorf("%w: invalid token", types.ErrAuth)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", types.ErrAuth)
	}
	return claims.Subject, nil
}
