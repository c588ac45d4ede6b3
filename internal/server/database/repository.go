package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrShareNotFound    = errors.New("share not found")
	ErrDuplicate        = errors.New("record already exists")
	// ErrShareUnavailable means a consume lost the conditional update: the
	// share expired or its quota ran out.
	ErrShareUnavailable = errors.New("share unavailable")
)

// ArtifactRepository persists artifact records.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, a *Artifact) error
	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	GetArtifactByFilename(ctx context.Context, filename string) (*Artifact, error)
	ListArtifacts(ctx context.Context) ([]*Artifact, error)
	// DeleteArtifact removes the artifact and every share pointing at it.
	DeleteArtifact(ctx context.Context, id string) error
}

// ShareRepository persists share records.
type ShareRepository interface {
	CreateShare(ctx context.Context, s *Share) error
	GetShare(ctx context.Context, id string) (*Share, error)
	// ConsumeShare atomically counts one download if the share is unexpired
	// at now and under quota. It returns the updated record, or
	// ErrShareUnavailable when the conditions no longer hold.
	ConsumeShare(ctx context.Context, id string, now time.Time) (*Share, error)
	ListShares(ctx context.Context) ([]*Share, error)
	DeleteShare(ctx context.Context, id string) error
	DeleteExpiredShares(ctx context.Context, now time.Time) (int64, error)
}

// Store is everything the server persists.
type Store interface {
	ArtifactRepository
	ShareRepository
	GetStats(ctx context.Context, now time.Time) (*Stats, error)
}

// Repository is the Postgres implementation of Store.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

const artifactColumns = `id, job_id, filename, original_name, algorithm, original_size,
	compressed_size, compression_ratio, is_encrypted, created_at`

const shareColumns = `id, artifact_id, password_hash, created_at, expires_at,
	max_downloads, current_downloads`

func scanArtifact(row pgx.Row) (*Artifact, error) {
	a := &Artifact{}
	err := row.Scan(
		&a.ID,
		&a.JobID,
		&a.Filename,
		&a.OriginalName,
		&a.Algorithm,
		&a.OriginalSize,
		&a.CompressedSize,
		&a.CompressionRatio,
		&a.IsEncrypted,
		&a.CreatedAt,
	)
	return a, err
}

func scanShare(row pgx.Row) (*Share, error) {
	s := &Share{}
	err := row.Scan(
		&s.ID,
		&s.ArtifactID,
		&s.PasswordHash,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.MaxDownloads,
		&s.CurrentDownloads,
	)
	return s, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func (r *Repository) CreateArtifact(ctx context.Context, a *Artifact) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		a.ID,
		a.JobID,
		a.Filename,
		a.OriginalName,
		a.Algorithm,
		a.OriginalSize,
		a.CompressedSize,
		a.CompressionRatio,
		a.IsEncrypted,
		a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	return nil
}

func (r *Repository) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	a, err := scanArtifact(r.db.Pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return a, nil
}

func (r *Repository) GetArtifactByFilename(ctx context.Context, filename string) (*Artifact, error) {
	a, err := scanArtifact(r.db.Pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE filename = $1`, filename))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return a, nil
}

func (r *Repository) ListArtifacts(ctx context.Context) ([]*Artifact, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// DeleteArtifact relies on ON DELETE CASCADE to drop the artifact's shares.
func (r *Repository) DeleteArtifact(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM artifacts WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrArtifactNotFound
	}
	return nil
}

func (r *Repository) CreateShare(ctx context.Context, s *Share) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO shares (`+shareColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		s.ID,
		s.ArtifactID,
		s.PasswordHash,
		s.CreatedAt,
		s.ExpiresAt,
		s.MaxDownloads,
		s.CurrentDownloads,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if isForeignKeyViolation(err) {
			return ErrArtifactNotFound
		}
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

func (r *Repository) GetShare(ctx context.Context, id string) (*Share, error) {
	s, err := scanShare(r.db.Pool.QueryRow(ctx,
		`SELECT `+shareColumns+` FROM shares WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}
	return s, nil
}

// ConsumeShare checks and increments in one statement, so concurrent
// consumers can never push current_downloads past max_downloads.
func (r *Repository) ConsumeShare(ctx context.Context, id string, now time.Time) (*Share, error) {
	s, err := scanShare(r.db.Pool.QueryRow(ctx, `
		UPDATE shares SET current_downloads = current_downloads + 1
		WHERE id = $1
		  AND expires_at >= $2
		  AND (max_downloads < 0 OR current_downloads < max_downloads)
		RETURNING `+shareColumns,
		id, now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareUnavailable
		}
		return nil, fmt.Errorf("failed to consume share: %w", err)
	}
	return s, nil
}

func (r *Repository) ListShares(ctx context.Context) ([]*Share, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+shareColumns+` FROM shares ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

func (r *Repository) DeleteShare(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM shares WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrShareNotFound
	}
	return nil
}

func (r *Repository) DeleteExpiredShares(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM shares WHERE expires_at < $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired shares: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM artifacts),
			(SELECT COUNT(*) FROM shares WHERE expires_at >= $1),
			(SELECT COALESCE(SUM(current_downloads), 0) FROM shares),
			(SELECT COALESCE(SUM(compressed_size), 0) FROM artifacts)
	`, now).Scan(
		&stats.TotalArtifacts,
		&stats.ActiveShares,
		&stats.TotalDownloads,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
