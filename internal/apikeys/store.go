// Package apikeys is the access layer for provider API keys stored in a
// relational table. Key values are encrypted at rest when a master key is
// configured and the caller asserts the value is plaintext.
//
// Every operation degrades to a nil/false result on any downstream failure
// (missing row, missing encryption configuration, database fault) and logs
// the cause; callers cannot distinguish failure causes programmatically.
package apikeys

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/glebarez/go-sqlite"

	"github.com/lyzno1/llm-eduhub/internal/logger"
)

// Key is one stored API key row. KeyValue holds ciphertext at rest and
// plaintext only in the result of GetDecrypted.
type Key struct {
	ID                string    `json:"id"`
	ServiceInstanceID string    `json:"service_instance_id"`
	IsDefault         bool      `json:"is_default"`
	KeyValue          string    `json:"key_value"`
	UsageCount        int64     `json:"usage_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Update is a partial update of a key row; nil fields are left unchanged.
type Update struct {
	ServiceInstanceID *string
	IsDefault         *bool
	KeyValue          *string
}

// Store provides CRUD over the api_keys table. It is safe for concurrent
// use.
type Store struct {
	db        *sql.DB
	masterKey []byte // nil when encryption is not configured

	mu sync.Mutex // serializes read-modify-write of is_default
}

// Open opens (and if necessary creates) the key database at path. A
// non-empty masterKey enables encryption of stored key values. Open never
// returns an error: on failure every subsequent operation degrades to
// nil/false and the cause is logged here.
func Open(path, masterKey string) *Store {
	s := &Store{}
	if masterKey != "" {
		s.masterKey = deriveKey(masterKey)
	}
	if path == "" {
		path = "apikeys.db"
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		logger.L.Warn("sqlite open failed; api key operations disabled", "error", err)
		return s
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		service_instance_id TEXT NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0,
		key_value TEXT NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`); err != nil {
		logger.L.Warn("sqlite table creation failed; api key operations disabled", "error", err)
		if cerr := db.Close(); cerr != nil {
			logger.L.Warn("sqlite close error", "error", cerr)
		}
		return s
	}
	s.db = db
	return s
}

// GetDefaultForInstance returns the default key of a service instance, or
// nil when there is none or the lookup fails. The key value is returned as
// stored (possibly ciphertext).
func (s *Store) GetDefaultForInstance(ctx context.Context, instanceID string) *Key {
	if s.db == nil {
		logger.L.Warn("api key lookup skipped; store not available")
		return nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, service_instance_id, is_default, key_value, usage_count, created_at, updated_at
		 FROM api_keys WHERE service_instance_id = ? AND is_default = 1 LIMIT 1;`, instanceID)
	return s.scanKey(row)
}

// Create inserts a key. When isEncrypted is false and a master key is
// configured, the value is encrypted before it is written; when isEncrypted
// is true the value is stored as given. Returns the stored row, or nil on
// failure.
func (s *Store) Create(ctx context.Context, k Key, isEncrypted bool) *Key {
	if s.db == nil {
		logger.L.Warn("api key create skipped; store not available")
		return nil
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if !isEncrypted && s.masterKey != nil {
		sealed, err := encrypt(k.KeyValue, s.masterKey)
		if err != nil {
			logger.L.Error("failed to encrypt api key value", "error", err)
			return nil
		}
		k.KeyValue = sealed
	}
	now := time.Now().UTC()
	k.CreatedAt = now
	k.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, service_instance_id, is_default, key_value, usage_count, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?);`,
		k.ID, k.ServiceInstanceID, k.IsDefault, k.KeyValue, k.UsageCount, k.CreatedAt, k.UpdatedAt)
	if err != nil {
		logger.L.Error("failed to create api key", "error", err)
		return nil
	}
	return &k
}

// UpdateKey applies a partial update. The same encryption rule as Create
// applies to a new key value. Reports whether a row was updated.
func (s *Store) UpdateKey(ctx context.Context, id string, upd Update, isEncrypted bool) bool {
	if s.db == nil {
		logger.L.Warn("api key update skipped; store not available")
		return false
	}
	set := "updated_at = ?"
	args := []any{time.Now().UTC()}
	if upd.ServiceInstanceID != nil {
		set += ", service_instance_id = ?"
		args = append(args, *upd.ServiceInstanceID)
	}
	if upd.IsDefault != nil {
		set += ", is_default = ?"
		args = append(args, *upd.IsDefault)
	}
	if upd.KeyValue != nil {
		value := *upd.KeyValue
		if !isEncrypted && s.masterKey != nil {
			sealed, err := encrypt(value, s.masterKey)
			if err != nil {
				logger.L.Error("failed to encrypt api key value", "error", err)
				return false
			}
			value = sealed
		}
		set += ", key_value = ?"
		args = append(args, value)
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET `+set+` WHERE id = ?;`, args...)
	if err != nil {
		logger.L.Error("failed to update api key", "id", id, "error", err)
		return false
	}
	n, err := res.RowsAffected()
	if err != nil {
		logger.L.Error("failed to read update result", "id", id, "error", err)
		return false
	}
	return n > 0
}

// Delete removes a key row. Reports whether a row was deleted.
func (s *Store) Delete(ctx context.Context, id string) bool {
	if s.db == nil {
		logger.L.Warn("api key delete skipped; store not available")
		return false
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?;`, id)
	if err != nil {
		logger.L.Error("failed to delete api key", "id", id, "error", err)
		return false
	}
	n, err := res.RowsAffected()
	if err != nil {
		logger.L.Error("failed to read delete result", "id", id, "error", err)
		return false
	}
	return n > 0
}

// GetDecrypted fetches a key by id and decrypts its value. Returns nil on a
// missing row, missing master key, or a value that does not decrypt.
func (s *Store) GetDecrypted(ctx context.Context, id string) *Key {
	if s.db == nil {
		logger.L.Warn("api key lookup skipped; store not available")
		return nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, service_instance_id, is_default, key_value, usage_count, created_at, updated_at
		 FROM api_keys WHERE id = ? LIMIT 1;`, id)
	k := s.scanKey(row)
	if k == nil {
		return nil
	}
	if s.masterKey == nil {
		logger.L.Warn("cannot decrypt api key; no master key configured", "id", id)
		return nil
	}
	plaintext, err := decrypt(k.KeyValue, s.masterKey)
	if err != nil {
		logger.L.Error("failed to decrypt api key value", "id", id, "error", err)
		return nil
	}
	k.KeyValue = plaintext
	return k
}

// IncrementUsage bumps the usage counter by one in a single statement.
// Reports whether a row was updated.
func (s *Store) IncrementUsage(ctx context.Context, id string) bool {
	if s.db == nil {
		logger.L.Warn("api key usage increment skipped; store not available")
		return false
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1, updated_at = ? WHERE id = ?;`,
		time.Now().UTC(), id)
	if err != nil {
		logger.L.Error("failed to increment api key usage", "id", id, "error", err)
		return false
	}
	n, err := res.RowsAffected()
	if err != nil {
		logger.L.Error("failed to read increment result", "id", id, "error", err)
		return false
	}
	return n > 0
}

// SetDefault marks one key as the default for its service instance,
// clearing the flag on every other key of that instance. Reports success.
func (s *Store) SetDefault(ctx context.Context, id string) bool {
	if s.db == nil {
		logger.L.Warn("api key set-default skipped; store not available")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.getByID(ctx, id)
	if k == nil {
		return false
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_default = 0, updated_at = ? WHERE service_instance_id = ?;`,
		now, k.ServiceInstanceID); err != nil {
		logger.L.Error("failed to clear default flags", "error", err)
		return false
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET is_default = 1, updated_at = ? WHERE id = ?;`, now, id); err != nil {
		logger.L.Error("failed to set default flag", "id", id, "error", err)
		return false
	}
	return true
}

// Close releases the underlying database handle.
func (s *Store) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.L.Warn("sqlite close error", "error", err)
		}
	}
}

func (s *Store) getByID(ctx context.Context, id string) *Key {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, service_instance_id, is_default, key_value, usage_count, created_at, updated_at
		 FROM api_keys WHERE id = ? LIMIT 1;`, id)
	return s.scanKey(row)
}

func (s *Store) scanKey(row *sql.Row) *Key {
	var k Key
	err := row.Scan(&k.ID, &k.ServiceInstanceID, &k.IsDefault, &k.KeyValue, &k.UsageCount, &k.CreatedAt, &k.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		logger.L.Error("failed to scan api key row", "error", err)
		return nil
	}
	return &k
}
