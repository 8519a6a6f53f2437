package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertManifest stores a manifest's metadata row together with its layer
// references, inside a single transaction (§4.5). If a manifest with the
// same digest already exists for the repository it is returned unchanged —
// manifest puts are idempotent on digest, mirroring the blob dedup path.
func (s *Store) InsertManifest(ctx context.Context, repositoryID int64, digest, mediaType, filePath string, size int64, schemaVersion int, subjectDigest *string, layers []ManifestLayer) (*Manifest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO manifests (repository_id, digest, media_type, file_path, size, schema_version, subject_digest)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id, digest) DO NOTHING`,
		repositoryID, digest, mediaType, filePath, size, schemaVersion, subjectDigest)
	if err != nil {
		return nil, fmt.Errorf("catalog: inserting manifest %s: %w", digest, err)
	}
	affected, _ := res.RowsAffected()

	if affected > 0 {
		manifestID, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		for _, l := range layers {
			layerRes, err := tx.ExecContext(ctx, `
				INSERT INTO manifest_layers (manifest_id, repository_id, digest, size, media_type)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(manifest_id, digest) DO NOTHING`,
				manifestID, repositoryID, l.Digest, l.Size, l.MediaType)
			if err != nil {
				return nil, fmt.Errorf("catalog: inserting manifest layer %s: %w", l.Digest, err)
			}
			// Only a genuinely new layer row earns a ref_count bump — a
			// manifest naming the same digest twice (e.g. a duplicate
			// layer) must not double-count it (§8 property 3).
			layerAffected, _ := layerRes.RowsAffected()
			if layerAffected == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE blobs SET ref_count = ref_count + 1 WHERE repository_id = ? AND digest = ?`,
				repositoryID, l.Digest); err != nil {
				return nil, fmt.Errorf("catalog: incrementing ref_count for %s: %w", l.Digest, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.ManifestByDigest(ctx, repositoryID, digest)
}

// ManifestByDigest resolves a manifest row by repository and digest.
func (s *Store) ManifestByDigest(ctx context.Context, repositoryID int64, digest string) (*Manifest, error) {
	var m Manifest
	var subjectDigest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, digest, media_type, file_path, size, schema_version, subject_digest, created_at
		FROM manifests WHERE repository_id = ? AND digest = ?`, repositoryID, digest).
		Scan(&m.ID, &m.RepositoryID, &m.Digest, &m.MediaType, &m.FilePath, &m.Size, &m.SchemaVersion, &subjectDigest, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if subjectDigest.Valid {
		m.SubjectDigest = &subjectDigest.String
	}
	return &m, nil
}

// ManifestByReference resolves a manifest by a reference that is either a
// digest (checked first) or a tag name, per §4.5's "reference" parameter.
func (s *Store) ManifestByReference(ctx context.Context, repositoryID int64, reference string) (*Manifest, error) {
	if m, err := s.ManifestByDigest(ctx, repositoryID, reference); err == nil {
		return m, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var m Manifest
	var subjectDigest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.repository_id, m.digest, m.media_type, m.file_path, m.size, m.schema_version, m.subject_digest, m.created_at
		FROM manifests m
		JOIN tags t ON t.manifest_id = m.id
		WHERE t.repository_id = ? AND t.tag = ?`, repositoryID, reference).
		Scan(&m.ID, &m.RepositoryID, &m.Digest, &m.MediaType, &m.FilePath, &m.Size, &m.SchemaVersion, &subjectDigest, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if subjectDigest.Valid {
		m.SubjectDigest = &subjectDigest.String
	}
	return &m, nil
}

// ManifestsBySubject returns every manifest in the repository whose
// top-level "subject" descriptor points at subjectDigest, for the
// referrers listing (§4.5).
func (s *Store) ManifestsBySubject(ctx context.Context, repositoryID int64, subjectDigest string) ([]Manifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository_id, digest, media_type, file_path, size, schema_version, subject_digest, created_at
		FROM manifests WHERE repository_id = ? AND subject_digest = ?
		ORDER BY id`, repositoryID, subjectDigest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []Manifest
	for rows.Next() {
		var m Manifest
		var sd sql.NullString
		if err := rows.Scan(&m.ID, &m.RepositoryID, &m.Digest, &m.MediaType, &m.FilePath, &m.Size, &m.SchemaVersion, &sd, &m.CreatedAt); err != nil {
			return nil, err
		}
		if sd.Valid {
			m.SubjectDigest = &sd.String
		}
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// ManifestLayers returns the layer digests a manifest references.
func (s *Store) ManifestLayers(ctx context.Context, manifestID int64) ([]ManifestLayer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manifest_id, repository_id, digest, size, media_type
		FROM manifest_layers WHERE manifest_id = ?`, manifestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layers []ManifestLayer
	for rows.Next() {
		var l ManifestLayer
		if err := rows.Scan(&l.ID, &l.ManifestID, &l.RepositoryID, &l.Digest, &l.Size, &l.MediaType); err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// DeleteManifest removes a manifest, its tags and its layer rows, and
// decrements the ref_count of every blob it referenced (§3, §4.5).
func (s *Store) DeleteManifest(ctx context.Context, repositoryID int64, digest string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var manifestID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM manifests WHERE repository_id = ? AND digest = ?`, repositoryID, digest).Scan(&manifestID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT digest FROM manifest_layers WHERE manifest_id = ?`, manifestID)
	if err != nil {
		return err
	}
	var layerDigests []string
	for rows.Next() {
		var dig string
		if err := rows.Scan(&dig); err != nil {
			rows.Close()
			return err
		}
		layerDigests = append(layerDigests, dig)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM manifests WHERE id = ?`, manifestID); err != nil {
		return err
	}
	for _, dig := range layerDigests {
		if _, err := tx.ExecContext(ctx, `
			UPDATE blobs SET ref_count = MAX(ref_count - 1, 0)
			WHERE repository_id = ? AND digest = ?`, repositoryID, dig); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// --- Tags ---

// UpsertTag points a tag at a manifest, replacing any prior target (§4.5).
func (s *Store) UpsertTag(ctx context.Context, repositoryID, manifestID int64, tag string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (repository_id, manifest_id, tag, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(repository_id, tag) DO UPDATE SET manifest_id = excluded.manifest_id, updated_at = excluded.updated_at`,
		repositoryID, manifestID, tag)
	return err
}

// ListTags returns up to n tag names for a repository, ordered
// lexicographically starting after last (pagination, §6).
func (s *Store) ListTags(ctx context.Context, repositoryID int64, n int, last string) ([]string, error) {
	limit := n
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag FROM tags WHERE repository_id = ? AND tag > ? ORDER BY tag LIMIT ?`,
		repositoryID, last, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// DeleteTag removes a single tag without touching the manifest it pointed at.
func (s *Store) DeleteTag(ctx context.Context, repositoryID int64, tag string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE repository_id = ? AND tag = ?`, repositoryID, tag)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
