package catalog

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// --- Users ---

// CreateUser inserts a new account with an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, isAdmin bool) (*User, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (email, password_hash, is_admin) VALUES (?, ?, ?)`,
		email, passwordHash, isAdmin)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByEmail resolves a user by email, used during the Basic-auth handshake (§4.6).
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	var isAdmin int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_admin, created_at FROM users WHERE email = ?`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &isAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.IsAdmin = isAdmin != 0
	return &u, nil
}

// GetUserByID resolves a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	var isAdmin int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_admin, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &isAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.IsAdmin = isAdmin != 0
	return &u, nil
}

// --- Repository scopes ---

// GrantScope sets the push/pull/delete bits a user holds on a repository,
// creating the row if it does not yet exist (§4.6).
func (s *Store) GrantScope(ctx context.Context, userID, repositoryID int64, pull, push, del bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repository_scopes (user_id, repository_id, pull, push, del)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, repository_id) DO UPDATE SET pull = excluded.pull, push = excluded.push, del = excluded.del`,
		userID, repositoryID, pull, push, del)
	return err
}

// ScopeFor fetches the explicit grant row for a user on a repository, if any.
// A missing row means no explicit grant; it is not itself a denial — the
// caller (internal/auth.CheckScope) also weighs repository.is_public and
// user.is_admin before reaching a verdict (§3, §9).
func (s *Store) ScopeFor(ctx context.Context, userID, repositoryID int64) (*RepositoryScope, error) {
	var rs RepositoryScope
	var push, pull, del int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, repository_id, push, pull, del FROM repository_scopes
		WHERE user_id = ? AND repository_id = ?`, userID, repositoryID).
		Scan(&rs.UserID, &rs.RepositoryID, &push, &pull, &del)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rs.Push, rs.Pull, rs.Delete = push != 0, pull != 0, del != 0
	return &rs, nil
}

// --- Clients ---

// CreateClient registers an API-key-style client belonging to a user.
func (s *Store) CreateClient(ctx context.Context, clientID string, userID int64, secretHash string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO clients (client_id, user_id, secret_hash) VALUES (?, ?, ?)`,
		clientID, userID, secretHash)
	return err
}

// GetClient resolves a client by its ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, user_id, secret_hash, created_at FROM clients WHERE client_id = ?`, clientID).
		Scan(&c.ClientID, &c.UserID, &c.SecretHash, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Tokens ---

// IssueToken records a bearer token's scopes and expiry. The auth
// middleware rejects a bearer token that has no row here, so deleting the
// row (RevokeToken) revokes the token.
func (s *Store) IssueToken(ctx context.Context, token, account string, clientID *string, scopes string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (token, account, client_id, scopes, expires)
		VALUES (?, ?, ?, ?, datetime('now', printf('+%d seconds', ?)))`,
		token, account, clientID, scopes, int64(ttl.Seconds()))
	return err
}

// GetToken resolves a token row, used to check it hasn't been revoked.
func (s *Store) GetToken(ctx context.Context, token string) (*Token, error) {
	var t Token
	err := s.db.QueryRowContext(ctx, `
		SELECT token, account, client_id, scopes, issued_at, expires FROM tokens WHERE token = ?`, token).
		Scan(&t.Token, &t.Account, &t.ClientID, &t.Scopes, &t.IssuedAt, &t.Expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RevokeToken deletes a token row, invalidating it immediately.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, token)
	return err
}
