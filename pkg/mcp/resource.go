package mcp

import (
	"context"
	"encoding/json"
)

// ReadResourceParams is the decoded params of a resources/read request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

func (s *MCP) handleResourcesList(_ context.Context, id any, _ json.RawMessage) JSONRPCResponse {
	result := map[string]any{
		"resources": s.Resources.List(),
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func (s *MCP) handleResourcesRead(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse {
	var readParams ReadResourceParams
	if err := decodeJSON(params, &readParams); err != nil {
		return s.CreateErrorResponse(id, -32602, "Invalid params")
	}

	handler := s.Resources.GetHandler(readParams.URI)
	if handler == nil {
		return s.CreateErrorResponse(id, -32602, "Resource not found: "+readParams.URI)
	}

	content, err := handler(ctx, readParams.URI)
	if err != nil {
		return s.CreateErrorResponse(id, -32603, "Resource read error: "+err.Error())
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  NormalizeResourceResult(readParams.URI, content),
	}
}

// NormalizeResourceResult converts a handler's return value into a
// *ReadResourceResult. A string becomes text/plain; other values are rendered
// as indented JSON.
func NormalizeResourceResult(uri string, content any) *ReadResourceResult {
	switch v := content.(type) {
	case *ReadResourceResult:
		return v
	case ReadResourceResult:
		return &v
	case string:
		return &ReadResourceResult{
			Contents: []ResourceContents{{
				URI:      uri,
				MimeType: "text/plain",
				Text:     v,
			}},
		}
	default:
		data, _ := json.MarshalIndent(v, "", "  ")

		return &ReadResourceResult{
			Contents: []ResourceContents{{
				URI:      uri,
				MimeType: "application/json",
				Text:     string(data),
			}},
		}
	}
}
