// Package history persists completed chat turns to SQLite, keyed by
// conversation id. The database is created on first use. If opening the DB
// or executing queries fails, the store falls back to in-memory storage so
// saving a turn never fails from the caller's point of view.
package history

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/lyzno1/llm-eduhub/internal/logger"
)

// Store records conversation turns. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	fallback []Turn // in-memory fallback
	db       *sql.DB
}

// Open opens (and if necessary creates) the history database at path. It
// never returns an error: on failure the returned store keeps turns in
// memory only and the cause is logged.
func Open(path string) *Store {
	s := &Store{}
	if path == "" {
		path = "history.db"
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		logger.L.Warn("sqlite open failed; using in-memory history", "error", err)
		return s
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT,
		role TEXT,
		content TEXT,
		was_stopped INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at DATETIME
	);`); err != nil {
		logger.L.Warn("sqlite table creation failed; using in-memory history", "error", err)
		if cerr := db.Close(); cerr != nil {
			logger.L.Warn("sqlite close error", "error", cerr)
		}
		return s
	}
	s.db = db
	logger.L.Info("history DB initialized", "path", path)
	return s
}

// Save persists a turn to SQLite when available and always keeps an
// in-memory copy as fallback.
func (s *Store) Save(turn Turn) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	if s.db != nil {
		_, err := s.db.Exec(
			`INSERT INTO turns (conversation_id, role, content, was_stopped, error, created_at) VALUES (?,?,?,?,?,?);`,
			turn.ConversationID, turn.Role, turn.Content, turn.WasStopped, turn.Error, turn.CreatedAt,
		)
		if err != nil {
			logger.L.Error("failed to store turn in sqlite; falling back to memory", "error", err)
		}
	}

	s.mu.Lock()
	s.fallback = append(s.fallback, turn)
	s.mu.Unlock()
}

// List returns all turns of a conversation in chronological order.
func (s *Store) List(conversationID string) []Turn {
	var out []Turn
	if s.db != nil {
		rows, err := s.db.Query(
			`SELECT id, conversation_id, role, content, was_stopped, error, created_at FROM turns WHERE conversation_id = ? ORDER BY id ASC;`,
			conversationID,
		)
		if err == nil {
			defer rows.Close()
			for rows.Next() {
				var t Turn
				if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &t.WasStopped, &t.Error, &t.CreatedAt); err == nil {
					out = append(out, t)
				}
			}
			return out
		}
		logger.L.Warn("sqlite query failed; reading in-memory history", "error", err)
	}
	s.mu.Lock()
	for _, t := range s.fallback {
		if t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	s.mu.Unlock()
	return out
}

// DeleteConversation removes all turns of a conversation.
func (s *Store) DeleteConversation(conversationID string) {
	if s.db != nil {
		if _, err := s.db.Exec(`DELETE FROM turns WHERE conversation_id = ?;`, conversationID); err != nil {
			logger.L.Error("failed to delete conversation from sqlite", "error", err)
		}
	}
	s.mu.Lock()
	kept := s.fallback[:0]
	for _, t := range s.fallback {
		if t.ConversationID != conversationID {
			kept = append(kept, t)
		}
	}
	s.fallback = kept
	s.mu.Unlock()
}

// Close releases the underlying database handle.
func (s *Store) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.L.Warn("sqlite close error", "error", err)
		}
	}
}
