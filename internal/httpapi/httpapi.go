// Package httpapi holds the HTTP plumbing shared by all service APIs:
// JSON response helpers, tenancy and auth middleware.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// WorkspaceHeader carries the tenant on every API request.
const WorkspaceHeader = "X-Workspace-ID"

// InternalTokenHeader guards service-to-service webhook endpoints.
const InternalTokenHeader = "X-Internal-Token"

type contextKey string

const tenantKey contextKey = "tenant"

// Tenant returns the workspace ID attached by RequireWorkspace.
func Tenant(r *http.Request) string {
	if v, ok := r.Context().Value(tenantKey).(string); ok {
		return v
	}
	return ""
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// RequireWorkspace rejects requests missing the workspace header and stashes
// the tenant in the request context for handlers.
func RequireWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(WorkspaceHeader)
		if tenant == "" {
			WriteError(w, http.StatusBadRequest, WorkspaceHeader+" header required")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenVerifier validates a bearer token. Implemented by auth.Manager.
type TokenVerifier interface {
	Verify(token string) error
}

// RequireAuth validates the Authorization bearer token before any handler
// state is touched. Invalid or expired tokens get 401.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				WriteError(w, http.StatusUnauthorized, "bearer token required")
				return
			}
			if err := verifier.Verify(token); err != nil {
				WriteError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireInternal guards internal webhook endpoints with a shared secret.
// Comparison is constant time. An empty configured secret disables the check
// (single-host deployments).
func RequireInternal(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				got := r.Header.Get(InternalTokenHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
					WriteError(w, http.StatusUnauthorized, "invalid internal token")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DecodeJSON decodes a request body into v, rejecting unknown fields is left
// to callers that need it; oversized bodies are capped at 1 MiB.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
