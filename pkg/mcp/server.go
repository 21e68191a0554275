package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ProtocolVersion is the MCP revision this package implements.
const ProtocolVersion = "2025-06-18"

// HandlerFunc handles a single JSON-RPC request. The context carries the
// session id and the request notifier.
type HandlerFunc func(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse

// NotificationFunc handles a client-initiated notification.
type NotificationFunc func(ctx context.Context, params json.RawMessage)

// Server is the raw, lower-level handler registry. Every method is routed
// through the registry, so wrappers installed with WrapHandler see a uniform
// dispatch path. The higher-level MCP facade builds on this registry and
// presents identical semantics.
type Server struct {
	info          ServerInfo
	instructions  string
	handlers      map[string]HandlerFunc
	notifications map[string]NotificationFunc
}

// NewServer creates an empty handler registry with initialize and ping
// pre-registered.
func NewServer(info ServerInfo) *Server {
	s := &Server{
		info:          info,
		handlers:      make(map[string]HandlerFunc),
		notifications: make(map[string]NotificationFunc),
	}

	s.RegisterHandler("initialize", s.handleInitialize)
	s.RegisterHandler("ping", s.handlePing)

	return s
}

// SetInstructions publishes the server's advertised instructions. Merging of
// host and workflow instructions happens before this call.
func (s *Server) SetInstructions(instructions string) {
	s.instructions = instructions
}

// Instructions returns the currently advertised instructions.
func (s *Server) Instructions() string {
	return s.instructions
}

// RegisterHandler binds a method name to a handler, replacing any previous
// binding.
func (s *Server) RegisterHandler(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Handler returns the currently bound handler for a method, or nil.
func (s *Server) Handler(method string) HandlerFunc {
	return s.handlers[method]
}

// WrapHandler replaces the handler for a method with wrap(previous). The
// previous handler may be nil when the method was not bound yet.
func (s *Server) WrapHandler(method string, wrap func(next HandlerFunc) HandlerFunc) {
	s.handlers[method] = wrap(s.handlers[method])
}

// RegisterNotification binds a client-notification method to a handler.
func (s *Server) RegisterNotification(method string, h NotificationFunc) {
	s.notifications[method] = h
}

func (s *Server) handleInitialize(_ context.Context, id any, params json.RawMessage) JSONRPCResponse {
	var initParams InitializeParams
	if err := decodeJSON(params, &initParams); err != nil {
		return s.CreateErrorResponse(id, -32602, "Invalid params")
	}

	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Tools: &ToolsCapability{
				ListChanged: true,
			},
			Resources: &ResourcesCapability{},
			Prompts:   &PromptsCapability{},
			Logging:   &LoggingCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func (s *Server) handlePing(_ context.Context, id any, _ json.RawMessage) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  map[string]any{"status": "pong"},
	}
}

// CreateErrorResponse builds a JSON-RPC error response.
func (s *Server) CreateErrorResponse(id any, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}

// HandleRequest dispatches one decoded request through the registry.
func (s *Server) HandleRequest(ctx context.Context, request JSONRPCRequest) JSONRPCResponse {
	// Notifications carry no id and expect no response.
	if request.ID == nil {
		if h := s.notifications[request.Method]; h != nil {
			h(ctx, request.Params)
		}
		return JSONRPCResponse{}
	}

	handler := s.handlers[request.Method]
	if handler == nil {
		return s.CreateErrorResponse(request.ID, -32601, "Method not found: "+request.Method)
	}

	return handler(ctx, request.ID, request.Params)
}

// ServeHTTP implements the streamable HTTP transport. The session id is read
// from the mcp-session-id header into the request context; a missing header
// on initialize gets a fresh id assigned in the response header. When the
// handler raised notifications and the client accepts text/event-stream, the
// response is framed as an SSE stream with the notifications delivered before
// the response message, keeping them correlated to the triggering request.
// Otherwise the response is plain JSON and the notifications are not sent.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		errorResp := s.CreateErrorResponse(nil, -32700, "Parse error")
		json.NewEncoder(w).Encode(errorResp) //nolint:errcheck

		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" && request.Method == "initialize" {
		sessionID = ulid.Make().String()
	}
	if sessionID != "" {
		w.Header().Set(SessionHeader, sessionID)
	}

	notifier := &Notifier{}

	ctx := WithSessionID(r.Context(), sessionID)
	ctx = WithNotifier(ctx, notifier)

	response := s.HandleRequest(ctx, request)

	// For notifications from the client, don't send a response body.
	if response.ID == nil && response.Result == nil && response.Error == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	notes := notifier.Drain()
	if len(notes) > 0 && acceptsEventStream(r) {
		writeEventStream(w, notes, response)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response) //nolint:errcheck
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// writeEventStream frames notifications and the final response as SSE
// messages on the POST response, notifications first.
func writeEventStream(w http.ResponseWriter, notes []JSONRPCNotification, response JSONRPCResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	writeEvent := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}

		w.Write([]byte("event: message\ndata: "))                         //nolint:errcheck
		w.Write(data)                                                     //nolint:errcheck
		w.Write([]byte("\n\n"))                                           //nolint:errcheck
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, note := range notes {
		writeEvent(note)
	}

	writeEvent(response)
}
