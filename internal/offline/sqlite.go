package offline

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/kmorton/fieldsync/internal/source"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SQLite is the embedded Store implementation.
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex // protects all database operations
}

// Open creates a SQLite store at dbPath, creating tables if needed.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*SQLite, error) {
	// Build connection string based on database type
	connStr := dbPath
	if dbPath == ":memory:" {
		// For in-memory databases, use shared cache mode so all connections
		// in the pool see the same database
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// For in-memory databases, limit to 1 connection to avoid issues
	// with multiple connections getting different databases
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Enable WAL mode for file-based databases (not :memory:)
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &SQLite{db: db}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return s, nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		source_id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Put upserts the record keyed by SourceID.
func (s *SQLite) Put(rec source.Record) error {
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", rec.SourceID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO records (source_id, record_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			record_id = excluded.record_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, rec.SourceID, rec.ID, string(data), rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("upsert record for %s: %w", rec.SourceID, err)
	}
	return nil
}

// Get returns the stored record for sourceID, if any.
func (s *SQLite) Get(sourceID string) (source.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec source.Record
	var payload string
	var updated time.Time

	err := s.db.QueryRow(`
		SELECT record_id, payload, updated_at
		FROM records
		WHERE source_id = ?
	`, sourceID).Scan(&rec.ID, &payload, &updated)
	if err == sql.ErrNoRows {
		return source.Record{}, false, nil
	}
	if err != nil {
		return source.Record{}, false, fmt.Errorf("query record for %s: %w", sourceID, err)
	}

	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return source.Record{}, false, fmt.Errorf("decode stored payload for %s: %w", sourceID, err)
	}

	rec.SourceID = sourceID
	rec.Timestamp = updated
	return rec, true, nil
}

// Count returns the number of stored records.
func (s *SQLite) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&count)
	return count, err
}

// Close closes the database connection.
// Thread-safe: acquires write lock to prevent closing during in-flight operations.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
