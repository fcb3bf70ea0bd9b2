// Package auth resolves the caller's owner ID from a bearer JWT, the only
// authentication scheme spec.md §6.1 requires of the API surface.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"docmd/internal/apperrors"
)

// Claims is the minimal claim set this service trusts: "sub" is the
// caller's owner ID, the only identity fact the orchestration core needs.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens and extracts an owner ID. It is grounded
// on amrrdev-trawl's services/shared/jwt.Service, narrowed to verification
// only — this service never issues tokens, it only trusts an upstream
// identity provider's signature.
type Verifier struct {
	secretKey []byte
}

// NewVerifier builds a Verifier for the given HMAC secret. An empty secret
// is valid: Disabled reports true and every request is treated as the
// "anonymous" owner, matching the teacher's "empty API key disables auth"
// convention in AuthMiddleware.
func NewVerifier(secretKey string) *Verifier {
	return &Verifier{secretKey: []byte(secretKey)}
}

// Disabled reports whether this Verifier was constructed without a secret.
func (v *Verifier) Disabled() bool {
	return len(v.secretKey) == 0
}

// OwnerID validates tokenString and returns its "sub" claim.
func (v *Verifier) OwnerID(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secretKey, nil
	})
	if err != nil {
		return "", apperrors.Auth("invalid or expired token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", apperrors.Auth("invalid token claims")
	}
	sub := claims.Subject
	if sub == "" {
		return "", apperrors.Auth("token missing sub claim")
	}
	return sub, nil
}

type contextKey string

const ownerIDKey contextKey = "owner_id"

// WithOwnerID returns a context carrying ownerID for downstream handlers.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// OwnerIDFromContext reads back the owner ID WithOwnerID attached, or "" if
// none is present.
func OwnerIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ownerIDKey).(string)
	return v
}

// const anonymousOwnerID is the owner every request is attributed to when
// the Verifier is disabled (no JWT_SECRET configured).
const anonymousOwnerID = "anonymous"

// Middleware resolves the bearer token on every request into an owner ID
// stored on the request context, in the teacher's stdlib
// func(http.Handler) http.Handler middleware-chain shape (internal/api's
// AuthMiddleware). Disabled verifiers short-circuit to the anonymous owner
// rather than rejecting requests, so local development needs no secret.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v.Disabled() {
				next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), anonymousOwnerID)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			ownerID, err := v.OwnerID(parts[1])
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), ownerID)))
		})
	}
}
