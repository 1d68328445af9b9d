package server

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/teranos/transmute/errors"
)

const contextKeySubject = "subject"

// jwtAuth validates the HS256 bearer token and stores its subject on the
// echo context.
func jwtAuth(secret []byte) echo.MiddlewareFunc {
	keyFunc := func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				return errors.ErrUnauthorized
			}

			var claims jwt.RegisteredClaims
			if _, err := jwt.ParseWithClaims(parts[1], &claims, keyFunc,
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
				jwt.WithExpirationRequired(),
			); err != nil {
				return errors.Mark(errors.Wrap(err, "invalid token"), errors.ErrUnauthorized)
			}

			c.Set(contextKeySubject, claims.Subject)
			return next(c)
		}
	}
}

// IssueToken signs an HS256 token for subject valid for ttl
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.NewInvalidRequestError("server.jwt_secret is not set")
	}
	if ttl <= 0 {
		return "", errors.NewInvalidRequestError("token lifetime must be positive, got %s", ttl)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    "transmute",
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}
