package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleStaff   Role = "staff"
)

// Identity is the authenticated caller. For patients Subject is their
// patient ref.
type Identity struct {
	Subject string
	Role    Role
}

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

const identityKey contextKey = "identity"

var errInvalidToken = errors.New("invalid token")

// IssueToken signs an HS256 bearer token for subject.
func IssueToken(secret, subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(secret, raw string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, errInvalidToken
	}

	role := claims.Role
	if role == "" {
		role = RolePatient
	}
	return Identity{Subject: claims.Subject, Role: role}, nil
}

// IdentityMiddleware resolves the caller. With a secret it requires a valid
// bearer token when one is sent; without a secret it trusts the
// X-Patient-ID and X-Staff-ID headers. Anonymous requests pass through.
func IdentityMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				id Identity
				ok bool
			)

			if secret != "" {
				header := r.Header.Get("Authorization")
				if header != "" {
					raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
					parsed, err := parseToken(secret, raw)
					if err != nil {
						writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
						return
					}
					id, ok = parsed, true
				}
			} else {
				switch {
				case r.Header.Get("X-Staff-ID") != "":
					id, ok = Identity{Subject: r.Header.Get("X-Staff-ID"), Role: RoleStaff}, true
				case r.Header.Get("X-Patient-ID") != "":
					id, ok = Identity{Subject: r.Header.Get("X-Patient-ID"), Role: RolePatient}, true
				}
			}

			if ok {
				r = r.WithContext(context.WithValue(r.Context(), identityKey, id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFrom returns the caller attached by IdentityMiddleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// RequireRole rejects callers without an identity of the given role.
func RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if id.Role != role {
				writeError(w, http.StatusForbidden, "forbidden", "not allowed for this role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
