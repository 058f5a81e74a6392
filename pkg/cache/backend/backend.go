// Package backend opens the cache.Store selected by configuration.
package backend

import (
	"fmt"

	"github.com/chatgate/chatgate/pkg/cache"
	"github.com/chatgate/chatgate/pkg/cache/memory"
	"github.com/chatgate/chatgate/pkg/cache/sqlite"
	"github.com/chatgate/chatgate/pkg/cache/valkey"
	"github.com/chatgate/chatgate/pkg/config"
)

// Open returns the store for cfg.Cache.Backend. SQLite shares cfg.DBPath with
// the identity store.
func Open(cfg *config.Config) (cache.Store, error) {
	var (
		store cache.Store
		err   error
	)
	switch cfg.Cache.Backend {
	case config.BackendMemory, "":
		store, err = memory.New(cfg.Cache.Capacity)
	case config.BackendSQLite:
		store, err = sqlite.New(cfg.DBPath)
	case config.BackendValkey:
		store, err = valkey.New(cfg.Cache.Valkey)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.Cache.Backend, err)
	}
	return store, nil
}
