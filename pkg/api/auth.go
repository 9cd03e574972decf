package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// ExecuteClaims are the JWT claims accepted by the execute endpoint. A non-empty
// Vaults list restricts the token to those vaults.
type ExecuteClaims struct {
	jwt.RegisteredClaims
	Vaults []string `json:"vaults,omitempty"`
}

// Allows reports whether the token may spend from vault.
func (c *ExecuteClaims) Allows(vault string) bool {
	if len(c.Vaults) == 0 {
		return true
	}
	if !common.IsHexAddress(vault) {
		return false
	}
	want := common.HexToAddress(vault)
	for _, v := range c.Vaults {
		if common.IsHexAddress(v) && common.HexToAddress(v) == want {
			return true
		}
	}
	return false
}

// JWTValidator validates bearer tokens signed with a shared HMAC secret.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator. An empty secret returns nil, which
// leaves the endpoint unauthenticated. issuer, when set, must match "iss".
func NewJWTValidator(secret, issuer string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*ExecuteClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &ExecuteClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFrom returns the validated claims stored by BearerAuth, if any.
func ClaimsFrom(ctx context.Context) (*ExecuteClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*ExecuteClaims)
	return c, ok
}

// BearerAuth requires a valid "Authorization: Bearer <jwt>" header. A nil
// validator passes every request through.
func BearerAuth(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" || tokenStr == "" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			claims, err := validator.Validate(tokenStr)
			if err != nil {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}
