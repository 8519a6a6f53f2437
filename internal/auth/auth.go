// Package auth implements the Basic+Bearer handshake, scope grammar and
// authorization decisions described in §4.6.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ocihub/registry/internal/catalog"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenInvalid       = errors.New("auth: token invalid")
)

// Service authenticates accounts, issues and validates bearer tokens, and
// decides repository-scope authorization.
type Service struct {
	store    *catalog.Store
	policy   *PolicyEngine
	secret   []byte
	issuer   string
	service  string
	tokenTTL time.Duration
}

// Config holds the values Service needs beyond the catalog it already
// shares with the rest of the registry.
type Config struct {
	Secret   string
	Issuer   string
	Service  string
	TokenTTL time.Duration
}

func NewService(store *catalog.Store, cfg Config) *Service {
	return &Service{
		store:    store,
		policy:   NewPolicyEngine(),
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		service:  cfg.Service,
		tokenTTL: cfg.TokenTTL,
	}
}

// Authenticate validates a username/password pair against the catalog's
// bcrypt-hashed password_hash column (Basic auth leg of §4.6).
func (s *Service) Authenticate(ctx context.Context, email, password string) (*catalog.User, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// AuthenticateClient validates a client_id/secret pair (machine credential,
// §4.6), returning the owning user.
func (s *Service) AuthenticateClient(ctx context.Context, clientID, secret string) (*catalog.User, error) {
	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.store.GetUserByID(ctx, c.UserID)
}

// claims is the JWT payload this registry issues and verifies. It carries
// the narrowed, already-authorized scope list, not the scope the client
// requested (§4.6: the token grants exactly what was authorized).
type claims struct {
	jwt.RegisteredClaims
	Access []Scope `json:"access"`
}

// IssueToken authorizes each requested scope against account's grants and
// signs a JWT carrying only the narrowed, actually-granted subset. An
// account with zero granted scopes still receives a token (anonymous pull
// of public repositories is valid), matching the Docker token contract.
func (s *Service) IssueToken(ctx context.Context, account string, user *catalog.User, requested []Scope) (string, time.Duration, error) {
	granted, err := s.narrowScopes(ctx, user, requested)
	if err != nil {
		return "", 0, err
	}

	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.service},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
		Access: granted,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", 0, fmt.Errorf("auth: signing token: %w", err)
	}

	var clientID *string
	scopeStrs := ""
	for i, g := range granted {
		if i > 0 {
			scopeStrs += " "
		}
		scopeStrs += g.String()
	}
	if err := s.store.IssueToken(ctx, signed, account, clientID, scopeStrs, s.tokenTTL); err != nil {
		return "", 0, err
	}
	return signed, s.tokenTTL, nil
}

// narrowScopes checks every requested scope against CheckScope and keeps
// only the actions the account is actually authorized for (§4.6 — the
// server narrows, it never rejects a request outright just because one of
// several requested scopes is denied).
func (s *Service) narrowScopes(ctx context.Context, user *catalog.User, requested []Scope) ([]Scope, error) {
	var granted []Scope
	for _, sc := range requested {
		if sc.Type != "repository" {
			continue
		}
		repo, err := s.store.GetRepositoryByName(ctx, sc.Name)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return nil, err
		}

		var allowed []string
		for _, action := range sc.Actions {
			ok, err := s.CheckScope(ctx, user, repo, catalog.Action(action))
			if err != nil {
				return nil, err
			}
			if ok {
				allowed = append(allowed, action)
			}
		}
		if len(allowed) > 0 {
			granted = append(granted, Scope{Type: "repository", Name: sc.Name, Actions: allowed})
		}
	}
	return granted, nil
}

// CheckScope decides whether user (nil for anonymous) may perform action on
// repo (nil for a repository that does not exist yet — denied, except for
// an admin or an authenticated user's push, which implicitly creates it per
// §4.3). Evaluated through
// the OPA policy in policy.go so the invariant lives in one place.
func (s *Service) CheckScope(ctx context.Context, user *catalog.User, repo *catalog.Repository, action catalog.Action) (bool, error) {
	in := Input{Action: string(action)}

	if repo != nil {
		in.RepositoryPublic = repo.IsPublic
	}
	if user != nil {
		in.UserAdmin = user.IsAdmin
		if repo != nil {
			scope, err := s.store.ScopeFor(ctx, user.ID, repo.ID)
			if err != nil && !errors.Is(err, catalog.ErrNotFound) {
				return false, err
			}
			if scope != nil {
				in.GrantPull, in.GrantPush, in.GrantDelete = scope.Pull, scope.Push, scope.Delete
			}
		}
	}

	if repo == nil && user != nil && action == catalog.ActionPush {
		// Pushing to an unknown repository name creates it; any
		// authenticated user may do so (§4.3). No repository_scopes row is
		// written for the creator, so later access to the new repository
		// is decided by admin status, is_public and explicit grants only.
		return true, nil
	}

	return s.policy.Allow(ctx, in)
}

// ValidateToken parses and verifies a bearer token, returning its granted
// scopes. Expiry and signature are both checked by jwt.ParseWithClaims.
func (s *Service) ValidateToken(tokenString string) ([]Scope, string, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, "", ErrTokenExpired
		}
		return nil, "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, "", ErrTokenInvalid
	}
	return c.Access, c.Subject, nil
}
