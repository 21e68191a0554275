package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rakunlabs/concierge/internal/render"
	"github.com/rakunlabs/concierge/pkg/mcp"
)

// Widget metadata keys, attached verbatim to resource and tool responses.
const (
	MetaOutputTemplate = "openai/outputTemplate"
	MetaAccessible     = "openai/widgetAccessible"
	MetaInvoking       = "openai/toolInvocation/invoking"
	MetaInvoked        = "openai/toolInvocation/invoked"
)

type WidgetMode int

const (
	// WidgetHTML serves an inline HTML string.
	WidgetHTML WidgetMode = iota
	// WidgetURL wraps an external URL in a fixed iframe shell.
	WidgetURL
	// WidgetEntrypoint reads a prebuilt asset from the assets directory; a
	// missing asset is a hard error at read time.
	WidgetEntrypoint
	// WidgetDynamic renders from the paired tool's most recent result in the
	// session; reading before the tool was called fails.
	WidgetDynamic
)

const iframeShell = `<!DOCTYPE html>
<html>
<head><style>*{margin:0;padding:0}iframe{width:100%;height:100vh;border:none}</style></head>
<body><iframe src="{{ .url }}"></iframe></body>
</html>`

// Widget binds a resource URI to a rendering mode and a workflow tool.
// Exactly one of HTML, URL, Entrypoint, or Template/RenderFunc must be set.
type Widget struct {
	URI         string
	Name        string
	Title       string
	Description string
	MimeType    string
	Tool        string

	HTML       string
	URL        string
	Entrypoint string
	Template   string
	RenderFunc func(args map[string]any) (string, error)

	WidgetAccessible bool
	Invoking         string
	Invoked          string
}

// Mode derives the rendering mode from the populated field.
func (w *Widget) Mode() WidgetMode {
	switch {
	case w.HTML != "":
		return WidgetHTML
	case w.URL != "":
		return WidgetURL
	case w.Entrypoint != "":
		return WidgetEntrypoint
	default:
		return WidgetDynamic
	}
}

// Meta returns the widget metadata block.
func (w *Widget) Meta() map[string]any {
	return map[string]any{
		MetaOutputTemplate: w.URI,
		MetaAccessible:     w.WidgetAccessible,
		MetaInvoking:       w.Invoking,
		MetaInvoked:        w.Invoked,
	}
}

// WidgetRegistry holds the widgets registered at startup (shared read-only
// across sessions) and the per-session last-result cache that feeds dynamic
// widgets. The cache is keyed by (session_id, widget_uri) and cleared on
// session termination.
type WidgetRegistry struct {
	assetsDir string

	mu      sync.RWMutex
	widgets []*Widget
	byURI   map[string]*Widget
	byTool  map[string]*Widget

	last sync.Map // session_id + "\x00" + uri -> map[string]any
}

func NewWidgetRegistry(assetsDir string) *WidgetRegistry {
	return &WidgetRegistry{
		assetsDir: assetsDir,
		byURI:     make(map[string]*Widget),
		byTool:    make(map[string]*Widget),
	}
}

// Register adds a widget. Called at startup, before the registry is shared.
func (r *WidgetRegistry) Register(w *Widget) error {
	if w.URI == "" {
		return fmt.Errorf("widget requires a uri")
	}

	modes := 0
	if w.HTML != "" {
		modes++
	}
	if w.URL != "" {
		modes++
	}
	if w.Entrypoint != "" {
		modes++
	}
	if w.Template != "" || w.RenderFunc != nil {
		modes++
	}
	if modes != 1 {
		return fmt.Errorf("widget %q: exactly one of html, url, entrypoint, or template/render func required", w.URI)
	}

	if w.MimeType == "" {
		w.MimeType = "text/html"
	}
	if w.Invoking == "" {
		w.Invoking = "Loading..."
	}
	if w.Invoked == "" {
		w.Invoked = "Done"
	}
	if w.Name == "" {
		w.Name = w.Tool
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byURI[w.URI]; exists {
		return fmt.Errorf("widget %q: uri already registered", w.URI)
	}

	r.widgets = append(r.widgets, w)
	r.byURI[w.URI] = w
	if w.Tool != "" {
		r.byTool[w.Tool] = w
	}

	return nil
}

// ByURI returns the widget bound to uri, or nil.
func (r *WidgetRegistry) ByURI(uri string) *Widget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byURI[uri]
}

// ByTool returns the widget paired with a tool name, or nil.
func (r *WidgetRegistry) ByTool(tool string) *Widget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTool[tool]
}

// Resources lists the widgets as MCP resources, metadata attached.
func (r *WidgetRegistry) Resources() []mcp.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resources := make([]mcp.Resource, 0, len(r.widgets))
	for _, w := range r.widgets {
		resources = append(resources, mcp.Resource{
			URI:         w.URI,
			Name:        w.Name,
			Title:       w.Title,
			Description: w.Description,
			MimeType:    w.MimeType,
			Meta:        w.Meta(),
		})
	}

	return resources
}

func cacheKey(sessionID, uri string) string {
	return sessionID + "\x00" + uri
}

// CacheResult remembers the paired tool's structured result for dynamic
// rendering in this session.
func (r *WidgetRegistry) CacheResult(sessionID, uri string, result map[string]any) {
	r.last.Store(cacheKey(sessionID, uri), result)
}

// ClearSession drops the session's cached results.
func (r *WidgetRegistry) ClearSession(sessionID string) {
	prefix := sessionID + "\x00"
	r.last.Range(func(key, _ any) bool {
		if k, ok := key.(string); ok && strings.HasPrefix(k, prefix) {
			r.last.Delete(key)
		}
		return true
	})
}

// Render resolves a widget to its HTML body for one session.
func (r *WidgetRegistry) Render(sessionID string, w *Widget) (string, error) {
	switch w.Mode() {
	case WidgetHTML:
		return w.HTML, nil
	case WidgetURL:
		body, err := render.Execute(iframeShell, map[string]any{"url": w.URL})
		if err != nil {
			return "", fmt.Errorf("%w: widget %q: %s", ErrWidgetRender, w.URI, err)
		}

		return string(body), nil
	case WidgetEntrypoint:
		path := filepath.Join(r.assetsDir, "dist", w.Entrypoint)
		body, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: widget %q: dist/%s not found, run the widget build in %s", ErrWidgetRender, w.URI, w.Entrypoint, r.assetsDir)
		}

		return string(body), nil
	default:
		args, ok := r.last.Load(cacheKey(sessionID, w.URI))
		if !ok {
			return "", fmt.Errorf("%w: widget %q: call the paired tool first", ErrWidgetRender, w.URI)
		}

		result, _ := args.(map[string]any)

		if w.RenderFunc != nil {
			body, err := w.RenderFunc(result)
			if err != nil {
				return "", fmt.Errorf("%w: widget %q: %s", ErrWidgetRender, w.URI, err)
			}

			return body, nil
		}

		body, err := render.Execute(w.Template, result)
		if err != nil {
			return "", fmt.Errorf("%w: widget %q: %s", ErrWidgetRender, w.URI, err)
		}

		return string(body), nil
	}
}
