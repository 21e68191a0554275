package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// StateURL selects the state backend. Empty means in-memory; a
	// postgresql:// or postgres:// URL selects the relational backend and a
	// sqlite:// URL the embedded one. Any other scheme is fatal at startup.
	// Maps to the CONCIERGE_STATE_URL environment variable.
	StateURL string `cfg:"state_url" log:"-"`

	// Instructions is an optional host-provided instruction string, merged
	// with the workflow instructions and advertised by the server.
	Instructions string `cfg:"instructions"`

	// AssetsDir is the directory holding prebuilt widget bundles, used by
	// entrypoint-mode widgets. Defaults to "assets".
	AssetsDir string `cfg:"assets_dir" default:"assets"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`
}

type Store struct {
	// URL overrides StateURL when set; same scheme rules apply.
	URL string `cfg:"url" log:"-"`

	TablePrefix     *string        `cfg:"table_prefix"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`

	// SessionTTL, when set, enables the eviction sweeper: sessions whose
	// state was last written before now-TTL are cleared. Accepts extended
	// durations such as "36h" or "7d". Empty disables eviction.
	SessionTTL string `cfg:"session_ttl"`

	// EvictionSchedule is the cron spec the sweeper runs on.
	EvictionSchedule string `cfg:"eviction_schedule" default:"*/10 * * * *"`
}

type Migrate struct {
	Table  string            `cfg:"table"`
	Values map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("CONCIERGE_")))); err != nil {
		return nil, err
	}

	if cfg.Store.URL == "" {
		cfg.Store.URL = cfg.StateURL
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
