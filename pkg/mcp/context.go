package mcp

import (
	"context"
	"sync"
)

// SessionHeader is the transport header carrying the session identifier.
// The value is opaque and case-sensitive.
const SessionHeader = "mcp-session-id"

type sessionIDKey struct{}

// WithSessionID returns a context carrying the session identifier.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID returns the session identifier from the context, or "" when the
// request carried no session header (anonymous session).
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

type notifierKey struct{}

// Notifier collects server-initiated notifications raised while handling a
// single request. The transport delivers the drained notifications on the
// response stream before the response itself, so the client sees them before
// its next request completes.
type Notifier struct {
	mu    sync.Mutex
	notes []JSONRPCNotification
}

// ToolListChanged queues a notifications/tools/list_changed message.
func (n *Notifier) ToolListChanged() {
	if n == nil {
		return
	}

	n.mu.Lock()
	n.notes = append(n.notes, NewToolListChangedNotification())
	n.mu.Unlock()
}

// Drain returns the queued notifications and resets the queue.
func (n *Notifier) Drain() []JSONRPCNotification {
	if n == nil {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	notes := n.notes
	n.notes = nil

	return notes
}

// WithNotifier returns a context carrying the request's notifier.
func WithNotifier(ctx context.Context, n *Notifier) context.Context {
	return context.WithValue(ctx, notifierKey{}, n)
}

// NotifierFrom returns the request's notifier, or nil outside a request.
// A nil Notifier is safe to call; notifications are then dropped.
func NotifierFrom(ctx context.Context) *Notifier {
	n, _ := ctx.Value(notifierKey{}).(*Notifier)
	return n
}
