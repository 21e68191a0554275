package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// CallToolParams is the decoded params of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *MCP) handleToolsList(_ context.Context, id any, _ json.RawMessage) JSONRPCResponse {
	result := map[string]any{
		"tools": s.Tools.List(),
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func (s *MCP) handleToolsCall(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse {
	var callParams CallToolParams
	if err := decodeJSON(params, &callParams); err != nil {
		return s.CreateErrorResponse(id, -32602, "Invalid params")
	}

	handler := s.Tools.GetHandler(callParams.Name)
	if handler == nil {
		return s.CreateErrorResponse(id, -32601, "Unknown tool: "+callParams.Name)
	}

	result, err := handler(ctx, callParams.Arguments)
	if err != nil {
		return s.CreateErrorResponse(id, -32602, "Tool execution error: "+err.Error())
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  NormalizeToolResult(result),
	}
}

// NormalizeToolResult converts a handler's return value into a
// *CallToolResult. Values that already are one pass through; everything else
// becomes a single text content block with the JSON rendering of the value
// mirrored in structuredContent.
func NormalizeToolResult(result any) *CallToolResult {
	switch v := result.(type) {
	case *CallToolResult:
		return v
	case CallToolResult:
		return &v
	case string:
		return &CallToolResult{Content: TextContent(v)}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return &CallToolResult{
				Content: TextContent(fmt.Sprintf("%v", v)),
				IsError: true,
			}
		}

		return &CallToolResult{
			Content:           TextContent(string(data)),
			StructuredContent: v,
		}
	}
}
