package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// NewJWTHandler returns a Handler that verifies an HMAC-signed bearer token
// from the Authorization header. The token claims become the auth context
// payload and the exp claim becomes ValidUntil.
func NewJWTHandler(secret []byte) Handler {
	return func(header http.Header) (Data, error) {
		raw := bearerToken(header)
		if raw == "" {
			return Data{}, ErrMissingToken
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return secret, nil
		})
		if err != nil {
			return Data{}, err
		}
		if !token.Valid {
			return Data{}, ErrInvalidToken
		}

		var validUntil int64
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			validUntil = exp.UnixMilli()
		}

		return Data{
			Data:       map[string]any(claims),
			ValidUntil: validUntil,
		}, nil
	}
}

func bearerToken(header http.Header) string {
	value := header.Get("Authorization")
	if value == "" {
		return ""
	}
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
