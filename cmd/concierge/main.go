package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"
	"github.com/rakunlabs/tell"

	"github.com/rakunlabs/concierge/internal/config"
	"github.com/rakunlabs/concierge/internal/server"
	"github.com/rakunlabs/concierge/internal/service"
	"github.com/rakunlabs/concierge/internal/store"
	"github.com/rakunlabs/concierge/pkg/mcp"
)

var (
	name    = "concierge"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	collector, err := tell.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to init telemetry: %w", err)
	}
	defer collector.Shutdown()

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to init state backend: %w", err)
	}
	defer st.Close()

	workflow, err := buildStockWorkflow()
	if err != nil {
		return fmt.Errorf("failed to build workflow: %w", err)
	}

	widgets := service.NewWidgetRegistry(cfg.AssetsDir)
	if err := registerStockWidgets(widgets); err != nil {
		return fmt.Errorf("failed to register widgets: %w", err)
	}

	concierge := service.NewConcierge(workflow, st, service.WithWidgets(widgets))

	mcpServer := mcp.New(mcp.ServerInfo{Name: name, Version: version})
	if cfg.Instructions != "" {
		mcpServer.SetInstructions(cfg.Instructions)
	}

	concierge.Attach(mcpServer)

	sweeper, err := service.NewSweeper(st, cfg.Store.SessionTTL, cfg.Store.EvictionSchedule)
	if err != nil {
		return fmt.Errorf("failed to init session eviction: %w", err)
	}
	if sweeper != nil {
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session eviction: %w", err)
		}
		defer sweeper.Stop()
	}

	httpServer, err := server.New(ctx, cfg.Server, concierge, mcpServer, storeType(cfg.Store.URL))
	if err != nil {
		return fmt.Errorf("failed to init server: %w", err)
	}

	return httpServer.Start(ctx)
}

func storeType(url string) string {
	switch {
	case url == "":
		return "memory"
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite"
	default:
		return "postgres"
	}
}
