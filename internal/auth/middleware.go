package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ocihub/registry/internal/catalog"
)

// ContextKey namespaces values this package stores on a request context.
type ContextKey string

const (
	scopesKey  ContextKey = "auth.scopes"
	subjectKey ContextKey = "auth.subject"
)

// Middleware authenticates a bearer token or Basic credentials if present
// and attaches the result to the request context. It answers with a 401
// challenge only when the presented credentials are invalid (or the
// bearer token has been revoked); a request without credentials passes
// through, since whether authentication is required depends on the
// endpoint and action being reached (anonymous pull of a public repository
// is valid). The per-route handler enforces that via authorize/CheckScope.
//
// Basic auth is accepted directly against any /v2/ request, not just
// /token, for backward compatibility with clients that never learned the
// token handshake (§4.6). It carries no pre-narrowed scope list, so a
// Basic-authenticated caller is recognized by subject alone; authorize
// falls back to a full CheckScope policy evaluation for those requests.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")

		switch {
		case strings.HasPrefix(authHeader, "Bearer "):
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			scopes, subject, err := s.ValidateToken(tokenString)
			if err != nil {
				s.Challenge(w, r, "")
				return
			}
			if _, err := s.store.GetToken(r.Context(), tokenString); err != nil {
				s.Challenge(w, r, "")
				return
			}
			ctx := context.WithValue(r.Context(), scopesKey, scopes)
			ctx = context.WithValue(ctx, subjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))

		case strings.HasPrefix(authHeader, "Basic "):
			email, password, ok := r.BasicAuth()
			if !ok {
				s.Challenge(w, r, "")
				return
			}
			user, err := s.Authenticate(r.Context(), email, password)
			if err != nil {
				s.Challenge(w, r, "")
				return
			}
			ctx := context.WithValue(r.Context(), subjectKey, user.Email)
			next.ServeHTTP(w, r.WithContext(ctx))

		default:
			next.ServeHTTP(w, r)
		}
	})
}

// ScopesFromContext returns the scopes a validated bearer token carried, or
// nil for an anonymous request.
func ScopesFromContext(ctx context.Context) []Scope {
	scopes, _ := ctx.Value(scopesKey).([]Scope)
	return scopes
}

// SubjectFromContext returns the account a validated bearer token or
// accepted Basic credentials name, or "" for an anonymous request.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey).(string)
	return subject
}

// AuthorizedFor reports whether the request's token scopes grant action on
// repository.
func AuthorizedFor(ctx context.Context, repository string, action catalog.Action) bool {
	for _, sc := range ScopesFromContext(ctx) {
		if sc.Type == "repository" && sc.Name == repository && sc.Has(string(action)) {
			return true
		}
	}
	return false
}

// Challenge writes the 401 response with the Www-Authenticate header that
// tells a client where to obtain a token and for which scope (§4.6, §6).
func (s *Service) Challenge(w http.ResponseWriter, r *http.Request, scope string) {
	header := fmt.Sprintf(`Bearer realm=%q,service=%q`, s.issuer, s.service)
	if scope != "" {
		header += fmt.Sprintf(`,scope=%q`, scope)
	}
	w.Header().Set("Www-Authenticate", header)
	w.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`))
}
