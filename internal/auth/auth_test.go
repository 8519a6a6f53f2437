package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ocihub/registry/internal/catalog"
)

func newTestService(t *testing.T) (*Service, *catalog.Store) {
	t.Helper()
	store, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := NewService(store, Config{
		Secret:   "test-secret",
		Issuer:   "http://registry.test/token",
		Service:  "registry.test",
		TokenTTL: time.Minute,
	})
	return svc, store
}

func createTestUser(t *testing.T, store *catalog.Store, email, password string, isAdmin bool) *catalog.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	u, err := store.CreateUser(context.Background(), email, string(hash), isAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestAuthenticateAcceptsCorrectPassword(t *testing.T) {
	svc, store := newTestService(t)
	createTestUser(t, store, "alice@example.com", "hunter2", false)

	u, err := svc.Authenticate(context.Background(), "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Fatalf("Authenticate returned wrong user: %+v", u)
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	svc, store := newTestService(t)
	createTestUser(t, store, "bob@example.com", "correct-horse", false)

	if _, err := svc.Authenticate(context.Background(), "bob@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authenticate with wrong password: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateRejectsUnknownAccount(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Authenticate(context.Background(), "nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authenticate for unknown account: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestCheckScopePublicRepositoryPull(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	repo, err := store.CreateRepository(ctx, "library/public-repo", true)
	if err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	ok, err := svc.CheckScope(ctx, nil, repo, catalog.ActionPull)
	if err != nil {
		t.Fatalf("CheckScope: %v", err)
	}
	if !ok {
		t.Fatalf("anonymous pull of a public repository should be allowed")
	}
}

func TestCheckScopePrivateRepositoryDeniesAnonymous(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	repo, err := store.CreateRepository(ctx, "library/private-repo", false)
	if err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	ok, err := svc.CheckScope(ctx, nil, repo, catalog.ActionPull)
	if err != nil {
		t.Fatalf("CheckScope: %v", err)
	}
	if ok {
		t.Fatalf("anonymous pull of a private repository should be denied")
	}
}

func TestCheckScopeAnyAuthenticatedUserMayPushNewRepository(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	user := createTestUser(t, store, "pusher@example.com", "swordfish", false)

	ok, err := svc.CheckScope(ctx, user, nil, catalog.ActionPush)
	if err != nil {
		t.Fatalf("CheckScope: %v", err)
	}
	if !ok {
		t.Fatalf("an authenticated user pushing a brand-new repository name should be allowed")
	}
}

func TestCheckScopeExplicitGrant(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	repo, err := store.CreateRepository(ctx, "library/scoped", false)
	if err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	user := createTestUser(t, store, "writer@example.com", "swordfish", false)
	if err := store.GrantScope(ctx, user.ID, repo.ID, true, true, false); err != nil {
		t.Fatalf("GrantScope: %v", err)
	}

	if ok, err := svc.CheckScope(ctx, user, repo, catalog.ActionPush); err != nil || !ok {
		t.Fatalf("CheckScope(push) = %v, %v; want true, nil", ok, err)
	}
	if ok, err := svc.CheckScope(ctx, user, repo, catalog.ActionDelete); err != nil || ok {
		t.Fatalf("CheckScope(delete) = %v, %v; want false, nil (no delete grant)", ok, err)
	}
}

func TestIssueTokenNarrowsToGrantedScopesAndValidateTokenRoundTrips(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	pub, err := store.CreateRepository(ctx, "library/public", true)
	if err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	if _, err := store.CreateRepository(ctx, "library/private", false); err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}

	requested := []Scope{
		{Type: "repository", Name: pub.Name, Actions: []string{"pull"}},
		{Type: "repository", Name: "library/private", Actions: []string{"push", "delete"}},
	}

	signed, ttl, err := svc.IssueToken(ctx, "anonymous", nil, requested)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if ttl != time.Minute {
		t.Fatalf("ttl = %v, want 1m", ttl)
	}

	scopes, subject, err := svc.ValidateToken(signed)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if subject != "anonymous" {
		t.Fatalf("subject = %s, want anonymous", subject)
	}
	if len(scopes) != 1 {
		t.Fatalf("narrowed scopes = %+v, want exactly the public pull grant", scopes)
	}
	if scopes[0].Name != pub.Name || !scopes[0].Has("pull") {
		t.Fatalf("narrowed scope = %+v, want pull on %s", scopes[0], pub.Name)
	}
}

func TestValidateTokenRejectsBadSignature(t *testing.T) {
	svc, _ := newTestService(t)

	if _, _, err := svc.ValidateToken("not-a-jwt-at-all"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("ValidateToken(garbage): err = %v, want ErrTokenInvalid", err)
	}
}
