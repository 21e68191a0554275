package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rakunlabs/concierge/pkg/mcp"
)

// Synthetic tool names. These are regular tools with engine-owned handlers:
// filtered into tools/list, routed in tools/call, never a separate code path.
const (
	ToolProceedToNextStage = "proceed_to_next_stage"
	ToolTerminateSession   = "terminate_session"
)

// SessionInfoURI is the built-in resource exposing the session snapshot.
const SessionInfoURI = "concierge://session"

// DefaultWorkflowInstructions is advertised to clients that do not override
// the workflow instructions.
const DefaultWorkflowInstructions = `You are interacting with workflow which is self discoverable. This server unlocks new tools as you progress through the workflow.
You must ensure to call the relevant tools wherever applicable. Do not terminate early, the workflow will indicate when no more stages or tools are available. Do not assume you are done, unless the tools/workflow indicates this.
You are an autonomous agent performing long running tasks on the workflow. Only interrupt to ask the user if a tool requires SPECIFIC input that you dont have or need more clarity about. DO NOT ASSUME ANY DETAIL, pause and ask use when unsure.
Trust the workflow, the workflow is self-describing. Each stage transition reveals new capabilities. Your goal is to reach the terminal stage by executing tools and navigating stages.`

const (
	terminalStageInstruction = "TERMINAL STAGE REACHED. No further transitions available. " +
		"Execute remaining tools in this stage, then provide your final summary."
	continueStageInstruction = "STAGE TRANSITIONED. New tools are now available. " +
		"Continue executing tools and transitioning until you reach the terminal stage."
)

// ToolServer is what the engine needs from a protocol server: the handler
// registry plus the instruction surface. Both the raw mcp.Server and the
// mcp.MCP facade satisfy it and behave identically once attached.
type ToolServer interface {
	Handler(method string) mcp.HandlerFunc
	RegisterHandler(method string, h mcp.HandlerFunc)
	SetInstructions(instructions string)
	Instructions() string
	CreateErrorResponse(id any, code int, message string) mcp.JSONRPCResponse
}

// Concierge binds one workflow to a protocol server: it filters tools/list
// by the session's stage, injects the synthetic tools, routes them back into
// the orchestrator, serves widget resources, and emits tool_list_changed
// notifications on stage changes.
type Concierge struct {
	orch         *Orchestrator
	store        SessionStore
	widgets      *WidgetRegistry
	metrics      *Metrics
	instructions string
}

type Option func(*Concierge)

// WithInstructions overrides the workflow-level instructions.
func WithInstructions(instructions string) Option {
	return func(c *Concierge) {
		c.instructions = instructions
	}
}

// WithWidgets installs the widget registry.
func WithWidgets(registry *WidgetRegistry) Option {
	return func(c *Concierge) {
		c.widgets = registry
	}
}

// WithMetricsSink routes telemetry into a custom sink.
func WithMetricsSink(sink Sink) Option {
	return func(c *Concierge) {
		c.metrics = NewMetrics(sink)
	}
}

func NewConcierge(workflow *Workflow, store SessionStore, opts ...Option) *Concierge {
	c := &Concierge{
		orch:         NewOrchestrator(workflow, store),
		store:        store,
		widgets:      NewWidgetRegistry("assets"),
		metrics:      NewMetrics(nil),
		instructions: DefaultWorkflowInstructions,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Orchestrator exposes the per-session engine, mainly for tests and embedding.
func (c *Concierge) Orchestrator() *Orchestrator {
	return c.orch
}

// Widgets exposes the widget registry for registration at startup.
func (c *Concierge) Widgets() *WidgetRegistry {
	return c.widgets
}

// Metrics exposes the telemetry counters.
func (c *Concierge) Metrics() *Metrics {
	return c.metrics
}

// Attach installs the staged handlers on a protocol server. Host-provided
// instructions are kept, separated from the workflow instructions by a blank
// line. tools/call and resources/read are wrapped with telemetry.
func (c *Concierge) Attach(srv ToolServer) {
	if existing := srv.Instructions(); existing != "" {
		srv.SetInstructions(existing + "\n\n" + c.instructions)
	} else {
		srv.SetInstructions(c.instructions)
	}

	srv.RegisterHandler("tools/list", c.handleToolsList(srv))
	srv.RegisterHandler("tools/call",
		c.metrics.WrapHandler("mcp:tools/call", ToolCallTarget, c.handleToolsCall(srv)))

	nextList := srv.Handler("resources/list")
	srv.RegisterHandler("resources/list", c.handleResourcesList(nextList))

	nextRead := srv.Handler("resources/read")
	srv.RegisterHandler("resources/read",
		c.metrics.WrapHandler("mcp:resources/read", ResourceReadTarget, c.handleResourcesRead(srv, nextRead)))
}

// ─── tools/list ───

func (c *Concierge) handleToolsList(srv ToolServer) mcp.HandlerFunc {
	return func(ctx context.Context, id any, _ json.RawMessage) mcp.JSONRPCResponse {
		sessionID := mcp.SessionID(ctx)

		current, err := c.orch.CurrentStage(ctx, sessionID)
		if err != nil {
			return srv.CreateErrorResponse(id, -32603, "State backend unavailable: "+err.Error())
		}

		stage, err := c.orch.Workflow().GetStage(current)
		if err != nil {
			return srv.CreateErrorResponse(id, -32603, err.Error())
		}

		visible := make([]mcp.Tool, 0, len(stage.Tools())+2)
		for _, tool := range stage.Tools() {
			entry := mcp.Tool{
				Name:         tool.Name,
				Title:        tool.Title,
				Description:  fmt.Sprintf("[%s] %s", current, tool.Description),
				InputSchema:  tool.InputSchema,
				OutputSchema: tool.OutputSchema,
			}

			if w := c.widgets.ByTool(tool.Name); w != nil {
				entry.Meta = w.Meta()
			}

			visible = append(visible, entry)
		}

		if !stage.Terminal() {
			visible = append(visible, c.proceedTool(current, stage.Transitions))
		}

		visible = append(visible, terminateTool())

		return mcp.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      id,
			Result:  map[string]any{"tools": visible},
		}
	}
}

func quotedList(names []string) string {
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		quoted = append(quoted, "'"+n+"'")
	}

	return strings.Join(quoted, ", ")
}

func (c *Concierge) proceedTool(current string, targets []string) mcp.Tool {
	stageList := quotedList(targets)

	return mcp.Tool{
		Name: ToolProceedToNextStage,
		Description: fmt.Sprintf(
			"Proceed to the next available stage in the workflow. "+
				"This will unlock a new set of tools and allow you to continue. "+
				"Currently in stage '%s'. "+
				"Available stages to proceed to: %s.", current, stageList),
		InputSchema: map[string]any{
			"type":        "object",
			"title":       "StageTransitionRequest",
			"description": "Request to transition to a different stage in the workflow.",
			"properties": map[string]any{
				"target_stage": map[string]any{
					"type":  "string",
					"title": "Target Stage",
					"description": fmt.Sprintf(
						"The name of the stage to transition to. "+
							"Must be one of the available stages: %s.", stageList),
					"enum": targets,
				},
			},
			"required":             []string{"target_stage"},
			"additionalProperties": false,
		},
	}
}

func terminateTool() mcp.Tool {
	return mcp.Tool{
		Name: ToolTerminateSession,
		Description: "Terminate the current workflow session and reset to the beginning. " +
			"You should typically call this when: (1) the user wants to start over, (2) the user changes their mind and wants to do something different, " +
			"(3) the user explicitly asks to stop/cancel/abort, or (4) you have completed the workflow and the user indicates they are done.",
		InputSchema: map[string]any{
			"type":                 "object",
			"title":                "TerminateSessionRequest",
			"description":          "Request to terminate the current workflow session.",
			"properties":           map[string]any{},
			"required":             []string{},
			"additionalProperties": false,
		},
	}
}

// ─── tools/call ───

func (c *Concierge) handleToolsCall(srv ToolServer) mcp.HandlerFunc {
	return func(ctx context.Context, id any, params json.RawMessage) mcp.JSONRPCResponse {
		var callParams mcp.CallToolParams
		if err := json.Unmarshal(params, &callParams); err != nil {
			return srv.CreateErrorResponse(id, -32602, "Invalid params")
		}

		sessionID := mcp.SessionID(ctx)

		current, err := c.orch.CurrentStage(ctx, sessionID)
		if err != nil {
			return srv.CreateErrorResponse(id, -32603, "State backend unavailable: "+err.Error())
		}

		switch callParams.Name {
		case ToolProceedToNextStage:
			return c.callProceed(ctx, srv, id, sessionID, current, callParams.Arguments)
		case ToolTerminateSession:
			return c.callTerminate(ctx, srv, id, sessionID, current)
		default:
			return c.callStageTool(ctx, srv, id, sessionID, current, callParams)
		}
	}
}

func (c *Concierge) callProceed(ctx context.Context, srv ToolServer, id any, sessionID, current string, args map[string]any) mcp.JSONRPCResponse {
	target, _ := args["target_stage"].(string)
	if target == "" {
		return srv.CreateErrorResponse(id, -32602, "target_stage is required")
	}

	result, err := c.orch.ProcessAction(ctx, sessionID, Action{Type: ActionTransition, Stage: target})
	if err != nil {
		return srv.CreateErrorResponse(id, -32603, "Transition failed: "+err.Error())
	}

	switch result.Type {
	case ResultTransitioned:
		mcp.NotifierFrom(ctx).ToolListChanged()

		stageInstruction := continueStageInstruction
		if targetStage, err := c.orch.Workflow().GetStage(result.To); err == nil && targetStage.Terminal() {
			stageInstruction = terminalStageInstruction
		}

		output := map[string]any{
			"status":      "transitioned",
			"from_stage":  result.From,
			"to_stage":    result.To,
			"message":     fmt.Sprintf("Successfully transitioned from '%s' to '%s'.", result.From, result.To),
			"instruction": c.instructions + "\n\n" + stageInstruction,
		}
		if result.Prompt != "" {
			output["prompt"] = result.Prompt
		}

		return toolResponse(id, output)
	case ResultElicitRequired:
		return toolResponse(id, map[string]any{
			"status":        "elicit_required",
			"error":         result.Message,
			"missing":       result.Missing,
			"current_stage": current,
		})
	default:
		return toolResponse(id, map[string]any{
			"error":               result.Message,
			"allowed_transitions": result.Allowed,
			"current_stage":       current,
		})
	}
}

func (c *Concierge) callTerminate(ctx context.Context, srv ToolServer, id any, sessionID, current string) mcp.JSONRPCResponse {
	initial := c.orch.Workflow().InitialStage()

	if sessionID != "" {
		if err := c.store.Clear(ctx, sessionID); err != nil {
			return srv.CreateErrorResponse(id, -32603, "Clear session failed: "+err.Error())
		}

		c.orch.ClearSession(sessionID)
		c.widgets.ClearSession(sessionID)
	}

	mcp.NotifierFrom(ctx).ToolListChanged()

	return toolResponse(id, map[string]any{
		"status":         "terminated",
		"previous_stage": current,
		"message": fmt.Sprintf(
			"Session terminated. Workflow and state reset from '%s' to initial stage '%s'. "+
				"You can now start a fresh workflow or switch to a different task.", current, initial),
	})
}

func (c *Concierge) callStageTool(ctx context.Context, srv ToolServer, id any, sessionID, current string, callParams mcp.CallToolParams) mcp.JSONRPCResponse {
	stage, err := c.orch.Workflow().GetStage(current)
	if err != nil {
		return srv.CreateErrorResponse(id, -32603, err.Error())
	}

	// A memorized name from another stage must not resolve.
	if stage.Tool(callParams.Name) == nil {
		return srv.CreateErrorResponse(id, -32601,
			fmt.Sprintf("Tool '%s' not found in stage '%s'", callParams.Name, current))
	}

	result, err := c.orch.ProcessAction(ctx, sessionID, Action{
		Type: ActionTool,
		Tool: callParams.Name,
		Args: callParams.Arguments,
	})
	if err != nil {
		return srv.CreateErrorResponse(id, -32603, "Tool execution failed: "+err.Error())
	}

	switch result.Type {
	case ResultToolResult:
		if w := c.widgets.ByTool(callParams.Name); w != nil {
			if structured, ok := result.Result.(map[string]any); ok {
				c.widgets.CacheResult(sessionID, w.URI, structured)
			}

			return mcp.JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      id,
				Result: &mcp.CallToolResult{
					Content:           mcp.TextContent(w.Invoked),
					StructuredContent: result.Result,
					Meta: map[string]any{
						MetaInvoking: w.Invoking,
						MetaInvoked:  w.Invoked,
					},
				},
			}
		}

		return toolResponse(id, result.Result)
	case ResultToolError:
		return mcp.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      id,
			Result: &mcp.CallToolResult{
				Content:           mcp.TextContent(result.Error),
				StructuredContent: map[string]any{"tool": result.Tool, "error": result.Error},
				IsError:           true,
			},
		}
	default:
		return srv.CreateErrorResponse(id, -32601,
			fmt.Sprintf("Tool '%s' not found in stage '%s'", callParams.Name, current))
	}
}

func toolResponse(id any, result any) mcp.JSONRPCResponse {
	return mcp.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  mcp.NormalizeToolResult(result),
	}
}

// ─── resources ───

func (c *Concierge) handleResourcesList(next mcp.HandlerFunc) mcp.HandlerFunc {
	return func(ctx context.Context, id any, params json.RawMessage) mcp.JSONRPCResponse {
		var resources []mcp.Resource

		if next != nil {
			response := next(ctx, id, params)
			if response.Error != nil {
				return response
			}
			if result, ok := response.Result.(map[string]any); ok {
				if underlying, ok := result["resources"].([]mcp.Resource); ok {
					resources = append(resources, underlying...)
				}
			}
		}

		resources = append(resources, c.widgets.Resources()...)
		resources = append(resources, mcp.Resource{
			URI:         SessionInfoURI,
			Name:        "session_info",
			Description: "Current session snapshot: stage, visible tools, state keys, history length.",
			MimeType:    "application/json",
		})

		return mcp.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      id,
			Result:  map[string]any{"resources": resources},
		}
	}
}

func (c *Concierge) handleResourcesRead(srv ToolServer, next mcp.HandlerFunc) mcp.HandlerFunc {
	return func(ctx context.Context, id any, params json.RawMessage) mcp.JSONRPCResponse {
		var readParams mcp.ReadResourceParams
		if err := json.Unmarshal(params, &readParams); err != nil {
			return srv.CreateErrorResponse(id, -32602, "Invalid params")
		}

		sessionID := mcp.SessionID(ctx)

		if readParams.URI == SessionInfoURI {
			info, err := c.orch.SessionInfo(ctx, sessionID)
			if err != nil {
				return srv.CreateErrorResponse(id, -32603, "Resource read error: "+err.Error())
			}

			return mcp.JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      id,
				Result:  mcp.NormalizeResourceResult(readParams.URI, info),
			}
		}

		if w := c.widgets.ByURI(readParams.URI); w != nil {
			body, err := c.widgets.Render(sessionID, w)
			if err != nil {
				return srv.CreateErrorResponse(id, -32603, "Resource read error: "+err.Error())
			}

			return mcp.JSONRPCResponse{
				JSONRPC: "2.0",
				ID:      id,
				Result: &mcp.ReadResourceResult{
					Contents: []mcp.ResourceContents{{
						URI:      w.URI,
						MimeType: w.MimeType,
						Text:     body,
						Meta:     w.Meta(),
					}},
				},
			}
		}

		if next != nil {
			return next(ctx, id, params)
		}

		return srv.CreateErrorResponse(id, -32602, "Resource not found: "+readParams.URI)
	}
}
