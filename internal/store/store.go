// Package store selects the session-state backend implementation. The
// contract lives in the service package; every implementation yields
// identical semantics, with values round-tripped through JSON.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rakunlabs/concierge/internal/config"
	"github.com/rakunlabs/concierge/internal/service"
	"github.com/rakunlabs/concierge/internal/store/memory"
	"github.com/rakunlabs/concierge/internal/store/postgres"
	"github.com/rakunlabs/concierge/internal/store/sqlite3"
)

// StorerClose combines the SessionStore contract with a Close method.
type StorerClose interface {
	service.SessionStore
	Close()
}

// New selects a backend from the configured URL. Empty means in-memory;
// postgresql:// and postgres:// select the relational backend, sqlite:// the
// embedded one. Any other scheme is fatal.
func New(ctx context.Context, cfg config.Store) (StorerClose, error) {
	switch {
	case cfg.URL == "":
		return memory.New(), nil
	case strings.HasPrefix(cfg.URL, "postgresql://"), strings.HasPrefix(cfg.URL, "postgres://"):
		return postgres.New(ctx, cfg)
	case strings.HasPrefix(cfg.URL, "sqlite://"):
		return sqlite3.New(ctx, cfg)
	default:
		scheme, _, _ := strings.Cut(cfg.URL, "://")

		return nil, fmt.Errorf("unknown state backend scheme %q; supported: postgresql://, postgres://, sqlite://", scheme)
	}
}
