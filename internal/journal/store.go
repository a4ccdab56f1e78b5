// ABOUTME: SQLite-backed lifecycle journal using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and closes it on shutdown

package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is an append-only journal of cluster lifecycle events.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the journal database at path.
// The schema is created if it doesn't exist; parent directories are created if needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("journal initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS lifecycle_journal (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id    TEXT NOT NULL UNIQUE,
			cluster_id  TEXT NOT NULL,
			event       TEXT NOT NULL,
			worker_id   INTEGER NOT NULL DEFAULT 0,
			pid         INTEGER NOT NULL DEFAULT 0,
			ts          INTEGER NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_lifecycle_journal_ts ON lifecycle_journal(ts);
		CREATE INDEX IF NOT EXISTS idx_lifecycle_journal_event ON lifecycle_journal(event);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing journal")
	return s.db.Close()
}
