// Package mcpclient is a minimal MCP client over the streamable HTTP
// transport. It tracks the session header across requests and surfaces
// server-initiated notifications delivered on response streams.
package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rakunlabs/concierge/pkg/mcp"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	sessionID  string
	nextID     int32

	mu            sync.Mutex
	notifications []string
}

// New connects to an MCP server and runs the initialize handshake.
func New(ctx context.Context, baseURL string) (*Client, error) {
	client := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		nextID:     1,
	}

	if err := client.initialize(ctx); err != nil {
		return nil, err
	}

	return client, nil
}

// SessionID returns the session identifier assigned by the server.
func (c *Client) SessionID() string {
	return c.sessionID
}

// SetSessionID pins the session header for subsequent requests.
func (c *Client) SetSessionID(sessionID string) {
	c.sessionID = sessionID
}

// Notifications drains the server notifications observed so far, in arrival
// order, returning their method names.
func (c *Client) Notifications() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	notes := c.notifications
	c.notifications = nil

	return notes
}

func (c *Client) getNextID() int {
	return int(atomic.AddInt32(&c.nextID, 1) - 1)
}

func (c *Client) sendRequest(ctx context.Context, method string, params any) (*mcp.JSONRPCResponse, error) {
	req := mcp.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      c.getNextID(),
		Method:  method,
	}

	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = raw
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if c.sessionID != "" {
		httpReq.Header.Set(mcp.SessionHeader, c.sessionID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	// Save the session id if the server assigned one.
	if sessionID := resp.Header.Get(mcp.SessionHeader); sessionID != "" {
		c.sessionID = sessionID
	}

	var mcpResp *mcp.JSONRPCResponse
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		mcpResp, err = c.readEventStream(resp.Body)
	} else {
		mcpResp = &mcp.JSONRPCResponse{}
		err = json.NewDecoder(resp.Body).Decode(mcpResp)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if mcpResp == nil {
		return nil, fmt.Errorf("no response message on stream")
	}

	if mcpResp.Error != nil {
		return nil, fmt.Errorf("MCP error [%d]: %s", mcpResp.Error.Code, mcpResp.Error.Message)
	}

	return mcpResp, nil
}

// readEventStream consumes SSE messages: notifications are recorded, the
// message carrying an id is the response.
func (c *Client) readEventStream(body io.Reader) (*mcp.JSONRPCResponse, error) {
	var response *mcp.JSONRPCResponse

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		var envelope struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal([]byte(data), &envelope); err != nil {
			continue
		}

		if envelope.ID == nil && envelope.Method != "" {
			c.mu.Lock()
			c.notifications = append(c.notifications, envelope.Method)
			c.mu.Unlock()

			continue
		}

		var resp mcp.JSONRPCResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return nil, err
		}
		response = &resp
	}

	return response, scanner.Err()
}

func (c *Client) initialize(ctx context.Context) error {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: mcp.ClientInfo{
			Name:    "concierge-go-client",
			Version: "1.0.0",
		},
	}

	if _, err := c.sendRequest(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	return nil
}

// ListTools fetches the tools visible to this session.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := c.sendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := remarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools list: %w", err)
	}

	return result.Tools, nil
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	resp, err := c.sendRequest(ctx, "tools/call", mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, err
	}

	var result mcp.CallToolResult
	if err := remarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}

	return &result, nil
}

// ListResources fetches the advertised resources.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	resp, err := c.sendRequest(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Resources []mcp.Resource `json:"resources"`
	}
	if err := remarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse resources list: %w", err)
	}

	return result.Resources, nil
}

// ReadResource reads one resource by uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	resp, err := c.sendRequest(ctx, "resources/read", mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}

	var result mcp.ReadResourceResult
	if err := remarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse resource contents: %w", err)
	}

	return &result, nil
}

// remarshal converts the loosely typed Result field into a concrete type.
func remarshal(from any, to any) error {
	raw, err := json.Marshal(from)
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, to)
}
