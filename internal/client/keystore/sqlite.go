package keystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a durable Backend stored in a single database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the key database at path.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping key store: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate key store: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS encryption_keys (
    artifact_id TEXT PRIMARY KEY,
    key         TEXT NOT NULL,
    created_at  INTEGER NOT NULL
)`)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encryption_keys (artifact_id, key, created_at) VALUES (?, ?, ?)
		ON CONFLICT(artifact_id) DO UPDATE SET key = excluded.key, created_at = excluded.created_at`,
		rec.ArtifactID, rec.Key, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store key for %s: %w", rec.ArtifactID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, artifactID string) (Record, bool, error) {
	var (
		rec     Record
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT artifact_id, key, created_at FROM encryption_keys WHERE artifact_id = ?`, artifactID,
	).Scan(&rec.ArtifactID, &rec.Key, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load key for %s: %w", artifactID, err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, true, nil
}

func (s *SQLite) Delete(ctx context.Context, artifactID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM encryption_keys WHERE artifact_id = ?`, artifactID); err != nil {
		return fmt.Errorf("delete key for %s: %w", artifactID, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT artifact_id, key, created_at FROM encryption_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			created int64
		)
		if err := rows.Scan(&rec.ArtifactID, &rec.Key, &created); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
