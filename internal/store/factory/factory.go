package factory

import (
	"fmt"
	"strings"

	"github.com/loykin/schedd/internal/store"
	"github.com/loykin/schedd/internal/store/postgres"
	"github.com/loykin/schedd/internal/store/sqlite"
)

// New creates a store backend from config. The empty type defaults to SQLite.
func New(cfg store.Config) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = ":memory:"
		}
		return sqlite.New(path)
	case "postgres", "postgresql":
		return postgres.New(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
	}
}
