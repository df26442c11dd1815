// Package httpapi exposes the coordinator's public HTTP surface:
// ingestion (upload/start-stream/test-stream), event querying and
// acknowledgement, and an SSE job-progress feed, generalizing the
// reference gateway's JWT bearer auth + role-hierarchy middleware
// (gateway/middleware/auth.py, rbac.py) into a chi middleware chain.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Role mirrors the reference implementation's UserRole enum
// (VIEWER < SUPERVISOR < ADMIN), ordered so a higher role satisfies
// any requirement a lower one does.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:     1,
	RoleSupervisor: 2,
	RoleAdmin:      3,
}

func (r Role) satisfies(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// claims is the coordinator's JWT payload: a role on top of the
// standard registered claims (subject, expiry, ...).
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey int

const (
	ctxKeyUser ctxKey = iota
	ctxKeyRole
)

// UserFromContext returns the authenticated subject (the JWT's "sub"
// claim), if any.
func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(ctxKeyUser).(string)
	return u, ok
}

// RoleFromContext returns the authenticated caller's role, if any.
func RoleFromContext(ctx context.Context) (Role, bool) {
	r, ok := ctx.Value(ctxKeyRole).(Role)
	return r, ok
}

var errNoBearerToken = errors.New("httpapi: missing bearer token")

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errNoBearerToken
	}
	return strings.TrimPrefix(header, prefix), nil
}

// authMiddleware verifies the request's bearer JWT (HMAC-signed with
// secret) and stashes the subject and role in the request context.
// Unauthenticated or malformed tokens fail with 401.
func authMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}

			var c claims
			token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUser, c.Subject)
			ctx = context.WithValue(ctx, ctxKeyRole, Role(c.Role))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireRole rejects requests whose authenticated role doesn't meet
// min with a 403.
func requireRole(min Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := RoleFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !role.satisfies(min) {
				writeError(w, http.StatusForbidden, fmt.Sprintf("requires %s role or higher", min))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
