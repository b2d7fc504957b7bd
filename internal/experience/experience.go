// Package experience persists the adaptation history in a local SQLite file so
// step and tool confidence survive restarts.
package experience

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/api/schemas"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS experience (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kind        TEXT NOT NULL,
		key         TEXT NOT NULL,
		score       REAL NOT NULL,
		recorded_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS experience_kind_key_idx ON experience (kind, key, id);`,
}

// Store is an SQLite-backed loop.ExperienceStore.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the database at path. A leading ~ is expanded.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = MemoryPath
	}
	if path != MemoryPath {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand experience path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create experience directory: %w", err)
		}
		path = expanded
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open experience database: %w", err)
	}
	// One connection: SQLite serialises writers anyway, and an in-memory
	// database is private to its connection.
	db.SetMaxOpenConns(1)

	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create experience schema: %w", err)
		}
	}
	return &Store{db: db, logger: logger.Named("experience")}, nil
}

// RecordExperience appends one sample.
func (s *Store) RecordExperience(ctx context.Context, rec schemas.ExperienceRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experience (kind, key, score, recorded_at) VALUES (?, ?, ?, ?)`,
		string(rec.Kind), rec.Key, rec.Score, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record experience for %s: %w", rec.Key, err)
	}
	return nil
}

// LoadExperience returns the newest window samples of every key, oldest first.
func (s *Store) LoadExperience(ctx context.Context, window int) ([]schemas.ExperienceRecord, error) {
	if window <= 0 {
		window = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, key, score, recorded_at FROM (
			SELECT id, kind, key, score, recorded_at,
				ROW_NUMBER() OVER (PARTITION BY kind, key ORDER BY id DESC) AS rn
			FROM experience
		)
		WHERE rn <= ?
		ORDER BY id ASC`, window)
	if err != nil {
		return nil, fmt.Errorf("failed to load experience: %w", err)
	}
	defer rows.Close()

	var out []schemas.ExperienceRecord
	for rows.Next() {
		var kind string
		var nanos int64
		var r schemas.ExperienceRecord
		if err := rows.Scan(&kind, &r.Key, &r.Score, &nanos); err != nil {
			return nil, fmt.Errorf("failed to scan experience row: %w", err)
		}
		r.Kind = schemas.ExperienceKind(kind)
		r.Timestamp = time.Unix(0, nanos)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes samples that fall outside the newest window of their key and
// returns how many were removed.
func (s *Store) Prune(ctx context.Context, window int) (int64, error) {
	if window <= 0 {
		window = 10
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM experience WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY kind, key ORDER BY id DESC) AS rn
				FROM experience
			) WHERE rn > ?
		)`, window)
	if err != nil {
		return 0, fmt.Errorf("failed to prune experience: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("Pruned experience.", zap.Int64("rows", n))
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
