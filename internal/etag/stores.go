package etag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps the snapshot in process. Useful for tests and for
// sharing one snapshot between caches.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...), nil
}

func (s *MemoryStore) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	return nil
}

// FileStore writes the snapshot to one file, replacing it atomically.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (s *FileStore) Load(context.Context) ([]byte, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (s *FileStore) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FileStore) Clear(context.Context) error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// SQLiteStore keeps snapshots in a table keyed by name, so several caches
// can share one database file.
type SQLiteStore struct {
	db        *sql.DB
	tableName string
	name      string
}

type SQLiteOptions struct {
	Path      string
	TableName string // default "etag_snapshots"
	Name      string // default "default"
}

func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	s := &SQLiteStore{db: db, tableName: opts.TableName, name: opts.Name}
	if s.tableName == "" {
		s.tableName = "etag_snapshots"
	}
	if s.name == "" {
		s.name = "default"
	}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE name = ?`, s.tableName), s.name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) Save(ctx context.Context, data []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (name, data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, s.name, data); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, s.tableName), s.name); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// RedisStore keeps the snapshot under one key.
type RedisStore struct {
	client *redis.Client
	key    string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string // default "dgraph:etag-cache"
}

func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	key := opts.Key
	if key == "" {
		key = "dgraph:etag-cache"
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot from redis: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
