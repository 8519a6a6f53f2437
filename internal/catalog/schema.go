package catalog

// schema is the SQLite DDL for the catalog (§3). Every multi-row mutation
// that touches these tables runs inside a transaction (see catalog.go); the
// public-pull / admin-grant invariant described in §3 and §9 is enforced in
// Go (internal/auth.CheckScope) rather than via database triggers, which is
// the Open Question resolution recorded in DESIGN.md — it holds
// regardless of whether a user or a repository was created first.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS repositories (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL UNIQUE,
	is_public  INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS uploads (
	uuid           TEXT PRIMARY KEY,
	repository_id  INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	staging_path   TEXT NOT NULL,
	algorithm      TEXT NOT NULL DEFAULT 'sha256',
	current_chunk  INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS blobs (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id      INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	digest             TEXT NOT NULL,
	file_path          TEXT NOT NULL,
	upload_session_id  TEXT,
	ref_count          INTEGER NOT NULL DEFAULT 0,
	chunk_count        INTEGER NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(repository_id, digest)
);

CREATE TABLE IF NOT EXISTS manifests (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id   INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	digest          TEXT NOT NULL,
	media_type      TEXT NOT NULL,
	file_path       TEXT NOT NULL,
	size            INTEGER NOT NULL,
	schema_version  INTEGER NOT NULL DEFAULT 2,
	subject_digest  TEXT,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(repository_id, digest)
);

CREATE TABLE IF NOT EXISTS manifest_layers (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	manifest_id    INTEGER NOT NULL REFERENCES manifests(id) ON DELETE CASCADE,
	repository_id  INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	digest         TEXT NOT NULL,
	size           INTEGER NOT NULL,
	media_type     TEXT NOT NULL,
	UNIQUE(manifest_id, digest)
);

CREATE TABLE IF NOT EXISTS tags (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id  INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	manifest_id    INTEGER NOT NULL REFERENCES manifests(id) ON DELETE CASCADE,
	tag            TEXT NOT NULL,
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(repository_id, tag)
);

CREATE TABLE IF NOT EXISTS users (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	email          TEXT NOT NULL UNIQUE,
	password_hash  TEXT NOT NULL,
	is_admin       INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS repository_scopes (
	user_id        INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	repository_id  INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	push           INTEGER NOT NULL DEFAULT 0,
	pull           INTEGER NOT NULL DEFAULT 0,
	del            INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, repository_id)
);

CREATE TABLE IF NOT EXISTS clients (
	client_id    TEXT PRIMARY KEY,
	user_id      INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	secret_hash  TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tokens (
	token       TEXT PRIMARY KEY,
	account     TEXT NOT NULL,
	client_id   TEXT REFERENCES clients(client_id) ON DELETE SET NULL,
	scopes      TEXT NOT NULL DEFAULT '',
	issued_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	expires     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id      INTEGER,
	action       TEXT NOT NULL,
	repository   TEXT,
	details      TEXT,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_blobs_digest ON blobs(digest);
CREATE INDEX IF NOT EXISTS idx_manifest_layers_digest ON manifest_layers(digest);
CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);
CREATE INDEX IF NOT EXISTS idx_manifests_subject ON manifests(repository_id, subject_digest);
`
