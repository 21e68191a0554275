package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rakunlabs/concierge/pkg/mcp"
)

// Metric is one recorded protocol operation.
type Metric struct {
	Operation    string `json:"operation"`
	TargetName   string `json:"target_name"`
	DurationMS   int64  `json:"duration_ms"`
	IsError      bool   `json:"is_error"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Sink receives metrics. Implementations must be safe for concurrent use.
type Sink interface {
	Track(metric Metric)
}

// LogSink writes metrics to the default logger.
type LogSink struct{}

func (LogSink) Track(metric Metric) {
	slog.Debug("metric",
		"operation", metric.Operation,
		"target", metric.TargetName,
		"duration_ms", metric.DurationMS,
		"is_error", metric.IsError,
		"error", metric.ErrorMessage,
	)
}

// Metrics wraps protocol handlers with latency and error tracking. Strictly
// additive: responses pass through untouched and errors are never swallowed.
type Metrics struct {
	sink   Sink
	calls  atomic.Int64
	errors atomic.Int64
}

func NewMetrics(sink Sink) *Metrics {
	if sink == nil {
		sink = LogSink{}
	}

	return &Metrics{sink: sink}
}

func (m *Metrics) Track(metric Metric) {
	m.calls.Add(1)
	if metric.IsError {
		m.errors.Add(1)
	}

	m.sink.Track(metric)
}

// Calls returns the total number of tracked operations.
func (m *Metrics) Calls() int64 {
	return m.calls.Load()
}

// Errors returns the number of tracked operations that failed.
func (m *Metrics) Errors() int64 {
	return m.errors.Load()
}

// WrapHandler instruments one protocol handler. The target function extracts
// the operation target (tool name, resource uri) from the raw params.
func (m *Metrics) WrapHandler(operation string, target func(params json.RawMessage) string, next mcp.HandlerFunc) mcp.HandlerFunc {
	return func(ctx context.Context, id any, params json.RawMessage) mcp.JSONRPCResponse {
		start := time.Now()
		response := next(ctx, id, params)

		metric := Metric{
			Operation:  operation,
			TargetName: target(params),
			DurationMS: time.Since(start).Milliseconds(),
		}
		if response.Error != nil {
			metric.IsError = true
			metric.ErrorMessage = response.Error.Message
		}

		m.Track(metric)

		return response
	}
}

// ToolCallTarget extracts the tool name from tools/call params.
func ToolCallTarget(params json.RawMessage) string {
	var p struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(params, &p)

	return p.Name
}

// ResourceReadTarget extracts the uri from resources/read params.
func ResourceReadTarget(params json.RawMessage) string {
	var p struct {
		URI string `json:"uri"`
	}
	_ = json.Unmarshal(params, &p)

	return p.URI
}
