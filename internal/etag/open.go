package etag

import (
	"fmt"

	"github.com/danshapiro/decisiongraph/internal/config"
)

// NewStore builds the Store named by cfg.Backend. Memory yields a nil store
// (no persistence). Stores holding connections implement io.Closer.
func NewStore(cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case "", config.CacheMemory:
		return nil, nil
	case config.CacheFile:
		return NewFileStore(cfg.Path), nil
	case config.CacheSQLite:
		s, err := NewSQLiteStore(SQLiteOptions{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.CacheRedis:
		return NewRedisStore(RedisOptions{Addr: cfg.RedisAddr, Key: cfg.RedisKey}), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
