// Package history keeps the append-only audit trail of memory mutations in
// SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// Event names recorded in the history table.
const (
	EventAdd    = "ADD"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Entry is one row of the audit trail.
type Entry struct {
	ID        string    `json:"id"`
	MemoryID  int64     `json:"memory_id"`
	OldMemory *string   `json:"old_memory,omitempty"`
	NewMemory *string   `json:"new_memory,omitempty"`
	Event     string    `json:"event"`
	ActorID   string    `json:"actor_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	IsDeleted bool      `json:"is_deleted"`
}

// Recorder appends and reads audit entries.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
	History(ctx context.Context, memoryID int64) ([]*Entry, error)
	Close() error
}

// Config contains configuration for the SQLite history store.
type Config struct {
	// DBPath is the database file. Use ":memory:" for a private in-memory
	// database.
	DBPath string

	// TableName defaults to "history".
	TableName string
}

// Store implements Recorder on SQLite.
type Store struct {
	db        *sql.DB
	tableName string
}

// NewStore opens (and creates) the history table.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil || cfg.DBPath == "" {
		return nil, fmt.Errorf("NewHistoryStore: db path is required")
	}
	table := cfg.TableName
	if table == "" {
		table = "history"
	}
	if !storage.ValidIdentifier(table) {
		return nil, fmt.Errorf("NewHistoryStore: invalid table name %q", table)
	}

	dsn := cfg.DBPath
	if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("NewHistoryStore: failed to create directory: %w", err)
			}
		}
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewHistoryStore: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, tableName: table}
	if err := s.initTable(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			memory_id INTEGER NOT NULL,
			old_memory TEXT,
			new_memory TEXT,
			event TEXT NOT NULL,
			actor_id TEXT,
			role TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			is_deleted INTEGER NOT NULL DEFAULT 0
		)
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_memory_id ON %s(memory_id)`, s.tableName, s.tableName)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Record appends e. ID and timestamps are filled when empty.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e == nil || e.MemoryID == 0 || e.Event == "" {
		return fmt.Errorf("Record: memory id and event are required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}

	query := fmt.Sprintf(`INSERT INTO %s
		(id, memory_id, old_memory, new_memory, event, actor_id, role, created_at, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.tableName)
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.MemoryID, nullString(e.OldMemory), nullString(e.NewMemory), e.Event,
		e.ActorID, e.Role, storage.FormatTime(e.CreatedAt), storage.FormatTime(e.UpdatedAt), e.IsDeleted)
	if err != nil {
		return fmt.Errorf("Record: %w", err)
	}
	return nil
}

// History returns the entries for memoryID, oldest first.
func (s *Store) History(ctx context.Context, memoryID int64) ([]*Entry, error) {
	query := fmt.Sprintf(`SELECT id, memory_id, old_memory, new_memory, event, actor_id, role,
		created_at, updated_at, is_deleted FROM %s WHERE memory_id = ? ORDER BY rowid`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, memoryID)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var (
			e                Entry
			oldMem, newMem   sql.NullString
			actor, role      sql.NullString
			created, updated string
		)
		if err := rows.Scan(&e.ID, &e.MemoryID, &oldMem, &newMem, &e.Event, &actor, &role,
			&created, &updated, &e.IsDeleted); err != nil {
			return nil, fmt.Errorf("History: %w", err)
		}
		if oldMem.Valid {
			e.OldMemory = &oldMem.String
		}
		if newMem.Valid {
			e.NewMemory = &newMem.String
		}
		e.ActorID = actor.String
		e.Role = role.String
		e.CreatedAt = storage.ParseTime(created)
		e.UpdatedAt = storage.ParseTime(updated)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
