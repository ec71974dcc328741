package nodestore

import (
	"context"
	"time"

	"github.com/ethdenver2026/consensus-gateway/internal/domain"
)

// UpsertManifest stores a version manifest. If required=true, it clears the
// required flag on every other manifest in the same transaction (spec §3:
// "at most one manifest has required=true; setting a new required atomically
// clears prior required").
func (s *Store) UpsertManifest(ctx context.Context, m *domain.VersionManifest) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if m.Required {
		if _, err := tx.ExecContext(ctx, `UPDATE version_manifests SET required=0 WHERE required=1`); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO version_manifests (version, body, released_at, release_url, required, signature)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(version) DO UPDATE SET
		    body=excluded.body, released_at=excluded.released_at, release_url=excluded.release_url,
		    required=excluded.required, signature=excluded.signature`,
		m.Version, string(m.Body), m.ReleasedAt.UTC().Format(time.RFC3339), m.ReleaseURL, m.Required, m.Signature,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetRequiredManifest returns the single manifest with required=true, if any.
func (s *Store) GetRequiredManifest(ctx context.Context) (*domain.VersionManifest, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT version, body, released_at, release_url, required, signature
		 FROM version_manifests WHERE required=1 LIMIT 1`)
	return scanManifest(row)
}

// GetManifestByVersion returns the manifest for an exact version.
func (s *Store) GetManifestByVersion(ctx context.Context, version string) (*domain.VersionManifest, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT version, body, released_at, release_url, required, signature
		 FROM version_manifests WHERE version=?`, version)
	return scanManifest(row)
}

func scanManifest(s scanner) (*domain.VersionManifest, error) {
	var m domain.VersionManifest
	var body, releasedAt string
	var required bool

	err := s.Scan(&m.Version, &body, &releasedAt, &m.ReleaseURL, &required, &m.Signature)
	if err != nil {
		return nil, notFoundErr(err)
	}
	m.Body = []byte(body)
	m.Required = required
	m.ReleasedAt, _ = time.Parse(time.RFC3339, releasedAt)
	return &m, nil
}
