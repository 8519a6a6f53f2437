package auth

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ocihub/registry/internal/catalog"
)

// TokenResponse is the JSON body returned from GET /token (§4.6, §6).
// access_token duplicates token because some clients read one field, some
// the other.
type TokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// TokenHandler implements GET /token?service=...&scope=.... Basic auth is
// optional: an anonymous caller still gets a token, just one narrowed to
// whatever public-repository pull scopes it requested.
func (s *Service) TokenHandler(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	requested := ParseScope(scope)

	account := "anonymous"
	var user *catalog.User

	if rawUser, rawPass, ok := r.BasicAuth(); ok {
		u, err := s.Authenticate(r.Context(), rawUser, rawPass)
		if err != nil {
			w.Header().Set("Www-Authenticate", `Basic realm="registry"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		account = u.Email
		user = u
	}

	signed, ttl, err := s.IssueToken(r.Context(), account, user, requested)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}

	resp := TokenResponse{
		Token:       signed,
		AccessToken: signed,
		ExpiresIn:   int(ttl.Seconds()),
		IssuedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
