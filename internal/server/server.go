package server

import (
	"context"
	"net"
	"net/http"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/concierge/internal/config"
	"github.com/rakunlabs/concierge/internal/service"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"
)

// Server hosts the MCP endpoint behind the standard middleware chain plus a
// small info API for operators.
type Server struct {
	config config.Server

	server    *ada.Server
	concierge *service.Concierge
	workflow  *service.Workflow
	storeType string
}

func New(_ context.Context, cfg config.Server, c *service.Concierge, mcpHandler http.Handler, storeType string) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:    cfg,
		server:    mux,
		concierge: c,
		workflow:  c.Orchestrator().Workflow(),
		storeType: storeType,
	}

	baseGroup := mux.Group(cfg.BasePath)

	// MCP endpoint: the streamable HTTP transport is a single POST route.
	baseGroup.Handle("/mcp", mcpHandler)

	apiGroup := baseGroup.Group("/api")
	apiGroup.GET("/v1/info", s.InfoAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

type infoResponse struct {
	Service   string         `json:"service"`
	Workflow  string         `json:"workflow"`
	Stages    []string       `json:"stages"`
	Initial   string         `json:"initial_stage"`
	StoreType string         `json:"store_type"`
	Metrics   metricsSummary `json:"metrics"`
}

type metricsSummary struct {
	Calls  int64 `json:"calls"`
	Errors int64 `json:"errors"`
}

// InfoAPI handles GET /api/v1/info.
func (s *Server) InfoAPI(w http.ResponseWriter, _ *http.Request) {
	httpResponseJSON(w, infoResponse{
		Service:   config.Service,
		Workflow:  s.workflow.Name,
		Stages:    s.workflow.StageNames(),
		Initial:   s.workflow.InitialStage(),
		StoreType: s.storeType,
		Metrics: metricsSummary{
			Calls:  s.concierge.Metrics().Calls(),
			Errors: s.concierge.Metrics().Errors(),
		},
	}, http.StatusOK)
}
