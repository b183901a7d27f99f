// Package browserhost drives a headless Chrome through the DevTools protocol.
package browserhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"unicode/utf8"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
	"github.com/xscopehub/toolhost/internal/schema"
	"github.com/xscopehub/toolhost/internal/testrun"
)

const KindBrowser resources.Kind = "browser"

// maxText bounds extracted page text, in bytes.
const maxText = 256 << 10

// Definition describes the browser-host process.
var Definition = host.Definition{
	Name:         "browser-host",
	Version:      "0.3.0",
	Description:  "Load pages in a headless browser, audit them and run the frontend test suites",
	Instructions: "Set BROWSER_WS_URL to attach to a running browser or CHROME_PATH to launch one. " +
		"AXE_SCRIPT_URL overrides where axe-core is loaded from. Test tools run COMPONENT_TEST_COMMAND " +
		"and E2E_TEST_COMMAND in FRONTEND_WORKDIR.",
	Install:      Install,
}

type handlers struct {
	driver func(ctx context.Context) (driver, error)
	suite  func(ctx context.Context, kind resources.Kind) (testrun.Suite, error)
}

// Install registers the browser kind, tools and status resource.
func Install(r *host.Registrar) error {
	if err := errors.Join(
		r.Handles.Register(KindBrowser, newBrowser),
		r.Handles.Register(KindComponentTests, newComponentTests),
		r.Handles.Register(KindE2ETests, newE2ETests),
	); err != nil {
		return err
	}
	h := &handlers{driver: func(ctx context.Context) (driver, error) {
		b, err := resources.Get[*browser](ctx, r.Handles, KindBrowser)
		if err != nil {
			return nil, err
		}
		return b, nil
	}}
	h.suite = func(ctx context.Context, kind resources.Kind) (testrun.Suite, error) {
		return resources.Get[testrun.Suite](ctx, r.Handles, kind)
	}
	return h.register(r)
}

func (h *handlers) register(r *host.Registrar) error {
	timeout := func() *schema.Schema { return schema.Integer().Describe("milliseconds").WithDefault(30000) }
	t := r.Tools
	component, e2e := suiteDescriptors()
	return errors.Join(
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "navigate",
			Description: "Load a page and report its title and final url",
			InputSchema: schema.Object(
				schema.Prop("url", schema.String()),
				schema.Prop("wait_selector", schema.String().Describe("CSS selector that must be ready").WithDefault("body")),
				schema.Prop("timeout", timeout()),
			).Require("url"),
		}, h.navigate),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "extract_text",
			Description: "Load a page and return the text content of a selector",
			InputSchema: schema.Object(
				schema.Prop("url", schema.String()),
				schema.Prop("selector", schema.String().WithDefault("body")),
				schema.Prop("timeout", timeout()),
			).Require("url"),
		}, h.extractText),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "screenshot",
			Description: "Capture a page as a base64 encoded image",
			InputSchema: schema.Object(
				schema.Prop("url", schema.String()),
				schema.Prop("full_page", schema.Boolean().WithDefault(true)),
				schema.Prop("quality", schema.Integer().Describe("JPEG quality for full-page captures; 100 keeps PNG").WithDefault(90)),
				schema.Prop("timeout", timeout()),
			).Require("url"),
		}, h.screenshot),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "evaluate",
			Description: "Load a page and evaluate a JavaScript expression in it",
			InputSchema: schema.Object(
				schema.Prop("url", schema.String()),
				schema.Prop("expression", schema.String()),
				schema.Prop("timeout", timeout()),
			).Require("url", "expression"),
		}, h.evaluate),
		t.RegisterFunc(measureDescriptor(), h.measurePerformance),
		t.RegisterFunc(accessibilityDescriptor(), h.validateAccessibility),
		t.RegisterFunc(component, h.testComponent),
		t.RegisterFunc(e2e, h.runE2ETests),
		r.Resources.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "browser://status",
			Name:        "Browser status",
			Description: "Connection mode and version of the controlled browser",
			MIMEType:    "application/json",
		}, h.status),
	)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "file", "about", "data":
		return nil
	}
	return fmt.Errorf("unsupported url %q: expected http, https, file, about or data", raw)
}

func (h *handlers) navigate(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	target := args.String("url")
	if err := checkURL(target); err != nil {
		return protocol.ToolResult{}, err
	}
	d, err := h.driver(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	p, err := d.Navigate(ctx, target, args.String("wait_selector"), args.Millis("timeout"))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("navigate to %s: %w", target, err)
	}
	return protocol.Result(protocol.Textf("loaded %q at %s", p.Title, p.URL)), nil
}

func (h *handlers) extractText(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	target := args.String("url")
	if err := checkURL(target); err != nil {
		return protocol.ToolResult{}, err
	}
	d, err := h.driver(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	text, err := d.ExtractText(ctx, target, args.String("selector"), args.Millis("timeout"))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("extract %s from %s: %w", args.String("selector"), target, err)
	}
	if text == "" {
		return protocol.Result(protocol.Textf("%s on %s has no text", args.String("selector"), target)), nil
	}
	return protocol.Result(protocol.Text(truncate(text, maxText))), nil
}

func (h *handlers) screenshot(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	target := args.String("url")
	if err := checkURL(target); err != nil {
		return protocol.ToolResult{}, err
	}
	quality := args.Int("quality")
	if quality < 1 || quality > 100 {
		return protocol.ToolResult{}, fmt.Errorf("quality must be between 1 and 100, got %d", quality)
	}
	d, err := h.driver(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	img, err := d.Screenshot(ctx, target, args.Bool("full_page"), quality, args.Millis("timeout"))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("screenshot %s: %w", target, err)
	}
	return protocol.Result(
		protocol.Textf("captured %s (%d bytes, %s)", target, len(img.Data), img.MIMEType),
		protocol.Resource("browser://screenshot", img.MIMEType, img.Base64()),
	), nil
}

func (h *handlers) evaluate(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	target := args.String("url")
	if err := checkURL(target); err != nil {
		return protocol.ToolResult{}, err
	}
	d, err := h.driver(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	raw, err := d.Evaluate(ctx, target, args.String("expression"), args.Millis("timeout"))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("evaluate on %s: %w", target, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return protocol.Result(protocol.Text("expression returned no value")), nil
	}
	return protocol.Result(protocol.Resource("browser://evaluate", "application/json", truncate(string(raw), maxText))), nil
}

func (h *handlers) status(ctx context.Context) (string, error) {
	d, err := h.driver(ctx)
	if err != nil {
		return "", err
	}
	v, err := d.Version(ctx)
	if err != nil {
		return "", fmt.Errorf("query browser version: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}
