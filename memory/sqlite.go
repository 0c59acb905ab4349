package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentsim/core"
)

// SQLiteStore is a durable MemoryStore backed by a single SQLite file.
// Writes are synchronous; consolidation runs rarely enough that batching is
// not worth a writer goroutine.
type SQLiteStore struct {
	db   *sql.DB
	once sync.Once
}

// OpenSQLite opens (and creates if needed) the store at path. The path
// ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_state (
			agent_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value_json TEXT NOT NULL,
			PRIMARY KEY (agent_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS memories (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent ON memories(agent_id, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle. It is safe to call more than once.
func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() { err = s.db.Close() })
	return err
}

// Get returns the agent's key/value snapshot. Values round-trip through JSON,
// so numbers come back as float64.
func (s *SQLiteStore) Get(agentID string) (map[string]any, error) {
	rows, err := s.db.Query(`SELECT key, value_json FROM agent_state WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", agentID, key, err)
		}
		out[key] = v
	}
	return out, rows.Err()
}

// Put upserts every key of delta in one transaction.
func (s *SQLiteStore) Put(agentID string, delta map[string]any) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO agent_state(agent_id, key, value_json) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for k, v := range delta {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", agentID, k, err)
		}
		if _, err := stmt.Exec(agentID, k, string(b)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Search returns stored memories containing query (case sensitive), oldest
// first. A non-positive limit returns every match.
func (s *SQLiteStore) Search(agentID string, query string, limit int) ([]core.SearchResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, content, metadata_json FROM memories
		 WHERE agent_id = ? AND (? = '' OR instr(content, ?) > 0)
		 ORDER BY seq LIMIT ?`,
		agentID, query, query, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []core.SearchResult{}
	for rows.Next() {
		var id, content, raw string
		if err := rows.Scan(&id, &content, &raw); err != nil {
			return nil, err
		}
		md := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &md); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", id, err)
		}
		results = append(results, core.SearchResult{ID: id, Content: content, Score: 1.0, Metadata: md})
	}
	return results, rows.Err()
}

// Store appends a memory with a generated id.
func (s *SQLiteStore) Store(agentID string, content string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO memories(id, agent_id, content, metadata_json, created_at) VALUES(?,?,?,?,?)`,
		core.NewID(), agentID, content, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Delete removes one stored memory.
func (s *SQLiteStore) Delete(agentID string, memoryID string) error {
	res, err := s.db.Exec(`DELETE FROM memories WHERE agent_id = ? AND id = ?`, agentID, memoryID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", agentID, memoryID, ErrNotFound)
	}
	return nil
}
