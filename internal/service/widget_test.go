package service_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rakunlabs/concierge/internal/service"
)

func TestWidgetModeInference(t *testing.T) {
	tests := []struct {
		name   string
		widget service.Widget
		want   service.WidgetMode
	}{
		{"html", service.Widget{URI: "/w", HTML: "<div>hi</div>"}, service.WidgetHTML},
		{"url", service.Widget{URI: "/w", URL: "https://example.com"}, service.WidgetURL},
		{"entrypoint", service.Widget{URI: "/w", Entrypoint: "main.html"}, service.WidgetEntrypoint},
		{"dynamic", service.Widget{URI: "/w", Template: "<b>{{ .x }}</b>"}, service.WidgetDynamic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.widget.Mode(); got != tt.want {
				t.Errorf("expected mode %v, got %v", tt.want, got)
			}
		})
	}
}

func TestWidgetRegisterRequiresExactlyOneMode(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())

	if err := reg.Register(&service.Widget{URI: "/none"}); err == nil {
		t.Error("expected error for widget without a mode")
	}

	if err := reg.Register(&service.Widget{URI: "/two", HTML: "<p/>", URL: "https://example.com"}); err == nil {
		t.Error("expected error for widget with two modes")
	}
}

func TestWidgetRegisterDuplicateURI(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())

	if err := reg.Register(&service.Widget{URI: "/w", HTML: "<p/>"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(&service.Widget{URI: "/w", HTML: "<p/>"}); err == nil {
		t.Error("expected error for duplicate uri")
	}
}

func TestWidgetRenderHTML(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())
	w := &service.Widget{URI: "/dashboard", HTML: "<div>Hello</div>"}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}

	body, err := reg.Render("s1", w)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if body != "<div>Hello</div>" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestWidgetRenderURLWrapsIframe(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())
	w := &service.Widget{URI: "/external", URL: "https://example.com"}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}

	body, err := reg.Render("s1", w)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(body, `<iframe src="https://example.com">`) {
		t.Errorf("expected iframe shell with substituted url, got %q", body)
	}
}

func TestWidgetRenderEntrypoint(t *testing.T) {
	assets := t.TempDir()
	if err := os.MkdirAll(filepath.Join(assets, "dist"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(assets, "dist", "main.html"), []byte("<main/>"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}

	reg := service.NewWidgetRegistry(assets)
	w := &service.Widget{URI: "/app", Entrypoint: "main.html"}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}

	body, err := reg.Render("s1", w)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if body != "<main/>" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestWidgetRenderEntrypointMissingAsset(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())
	w := &service.Widget{URI: "/app", Entrypoint: "missing.html"}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := reg.Render("s1", w)
	if !errors.Is(err, service.ErrWidgetRender) {
		t.Errorf("expected ErrWidgetRender, got %v", err)
	}
}

func TestWidgetRenderDynamicBeforeToolCallFails(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())
	w := &service.Widget{URI: "/live", Tool: "view_holdings", Template: "<b>{{ .result }}</b>"}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := reg.Render("s1", w)
	if !errors.Is(err, service.ErrWidgetRender) {
		t.Errorf("expected ErrWidgetRender before tool call, got %v", err)
	}
}

func TestWidgetRenderDynamicFromCachedResult(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())
	w := &service.Widget{URI: "/live", Tool: "view_holdings", Template: "<b>{{ .result }}</b>"}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}

	reg.CacheResult("s1", "/live", map[string]any{"result": "holdings"})

	body, err := reg.Render("s1", w)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if body != "<b>holdings</b>" {
		t.Errorf("unexpected body: %q", body)
	}

	// The cache is per session; another session still fails.
	if _, err := reg.Render("s2", w); !errors.Is(err, service.ErrWidgetRender) {
		t.Errorf("expected ErrWidgetRender for other session, got %v", err)
	}
}

func TestWidgetRenderDynamicRenderFunc(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())
	w := &service.Widget{
		URI:  "/fn",
		Tool: "view_profit",
		RenderFunc: func(args map[string]any) (string, error) {
			return "<i>" + args["result"].(string) + "</i>", nil
		},
	}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}

	reg.CacheResult("s1", "/fn", map[string]any{"result": "profit"})

	body, err := reg.Render("s1", w)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if body != "<i>profit</i>" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestWidgetClearSession(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())
	w := &service.Widget{URI: "/live", Tool: "view_holdings", Template: "<b>{{ .result }}</b>"}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}

	reg.CacheResult("s1", "/live", map[string]any{"result": "x"})
	reg.CacheResult("s2", "/live", map[string]any{"result": "y"})

	reg.ClearSession("s1")

	if _, err := reg.Render("s1", w); !errors.Is(err, service.ErrWidgetRender) {
		t.Errorf("expected cleared cache for s1, got %v", err)
	}
	if _, err := reg.Render("s2", w); err != nil {
		t.Errorf("expected s2 cache untouched, got %v", err)
	}
}

func TestWidgetMetaKeys(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())
	w := &service.Widget{URI: "/w", HTML: "<p/>", WidgetAccessible: true, Invoking: "Working...", Invoked: "Done"}
	if err := reg.Register(w); err != nil {
		t.Fatalf("register: %v", err)
	}

	meta := w.Meta()
	if meta["openai/outputTemplate"] != "/w" {
		t.Errorf("outputTemplate: %v", meta["openai/outputTemplate"])
	}
	if meta["openai/widgetAccessible"] != true {
		t.Errorf("widgetAccessible: %v", meta["openai/widgetAccessible"])
	}
	if meta["openai/toolInvocation/invoking"] != "Working..." {
		t.Errorf("invoking: %v", meta["openai/toolInvocation/invoking"])
	}
	if meta["openai/toolInvocation/invoked"] != "Done" {
		t.Errorf("invoked: %v", meta["openai/toolInvocation/invoked"])
	}
}

func TestWidgetResourcesCarryMeta(t *testing.T) {
	reg := service.NewWidgetRegistry(t.TempDir())
	if err := reg.Register(&service.Widget{URI: "/w", Name: "w", HTML: "<p/>"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	resources := reg.Resources()
	if len(resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(resources))
	}
	if resources[0].URI != "/w" {
		t.Errorf("unexpected uri %q", resources[0].URI)
	}
	if resources[0].MimeType != "text/html" {
		t.Errorf("expected default mime text/html, got %q", resources[0].MimeType)
	}
	if resources[0].Meta["openai/outputTemplate"] != "/w" {
		t.Errorf("expected meta on resource, got %v", resources[0].Meta)
	}
}
