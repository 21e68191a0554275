package mcp

import (
	"context"
	"encoding/json"
)

// MCP is the higher-level facade: tool/resource/prompt collections wired into
// a raw Server registry. Engine code that needs to intercept methods works
// against the embedded registry (Handler/WrapHandler), so both server styles
// behave identically.
type MCP struct {
	*Server

	Tools     Tools
	Resources Resources
	Prompts   Prompts
}

// ToolHandler executes a tool call. The returned value may be a
// *CallToolResult for full control over content and metadata; any other
// value is wrapped into a single text content block.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// ResourceHandler provides resource content. A *ReadResourceResult return is
// used verbatim; a string becomes text/plain; everything else is rendered as
// indented JSON.
type ResourceHandler func(ctx context.Context, uri string) (any, error)

// PromptHandler generates prompt content.
type PromptHandler func(ctx context.Context, args map[string]string) (GetPromptResult, error)

func New(info ServerInfo) *MCP {
	m := &MCP{
		Server: NewServer(info),
		Tools: Tools{
			handlers: make(map[string]ToolHandler),
		},
		Resources: Resources{
			handlers: make(map[string]ResourceHandler),
		},
		Prompts: Prompts{
			handlers: make(map[string]PromptHandler),
		},
	}

	m.RegisterHandler("tools/list", m.handleToolsList)
	m.RegisterHandler("tools/call", m.handleToolsCall)
	m.RegisterHandler("resources/list", m.handleResourcesList)
	m.RegisterHandler("resources/read", m.handleResourcesRead)
	m.RegisterHandler("prompts/list", m.handlePromptsList)
	m.RegisterHandler("prompts/get", m.handlePromptsGet)

	m.RegisterNotification("notifications/initialized", func(context.Context, json.RawMessage) {})

	return m
}

// AddTool registers a tool and its handler.
func (s *MCP) AddTool(tool Tool, handler ToolHandler) {
	s.Tools.Add(tool, handler)
}

// AddResource registers a resource and its handler.
func (s *MCP) AddResource(resource Resource, handler ResourceHandler) {
	s.Resources.Add(resource, handler)
}

// AddPrompt registers a prompt and its handler.
func (s *MCP) AddPrompt(prompt Prompt, handler PromptHandler) {
	s.Prompts.Add(prompt, handler)
}

func (s *MCP) handlePromptsList(_ context.Context, id any, _ json.RawMessage) JSONRPCResponse {
	result := map[string]any{
		"prompts": s.Prompts.List(),
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func (s *MCP) handlePromptsGet(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse {
	var getParams struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}

	if err := decodeJSON(params, &getParams); err != nil {
		return s.CreateErrorResponse(id, -32602, "Invalid params")
	}

	handler := s.Prompts.GetHandler(getParams.Name)
	if handler == nil {
		return s.CreateErrorResponse(id, -32602, "Unknown prompt: "+getParams.Name)
	}

	result, err := handler(ctx, getParams.Arguments)
	if err != nil {
		return s.CreateErrorResponse(id, -32603, "Prompt generation error: "+err.Error())
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}
