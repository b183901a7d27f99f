package browserhost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/schema"
)

// timingScript reads the Navigation Timing entry and first paint of the loaded page.
const timingScript = `(() => {
  const nav = performance.getEntriesByType("navigation")[0] || {};
  const fcp = performance.getEntriesByName("first-contentful-paint")[0];
  return {
    ttfb: nav.responseStart - nav.requestStart,
    dom_content_loaded: nav.domContentLoadedEventEnd - nav.startTime,
    load: nav.loadEventEnd - nav.startTime,
    transfer_size: nav.transferSize || 0,
    resources: performance.getEntriesByType("resource").length,
    first_contentful_paint: fcp ? fcp.startTime : 0
  };
})()`

type pageTiming struct {
	TTFB                 float64 `json:"ttfb"`
	DOMContentLoaded     float64 `json:"dom_content_loaded"`
	Load                 float64 `json:"load"`
	TransferSize         int64   `json:"transfer_size"`
	Resources            int     `json:"resources"`
	FirstContentfulPaint float64 `json:"first_contentful_paint"`
}

// rating buckets the load time in milliseconds.
func (t pageTiming) rating() string {
	switch {
	case t.Load > 3000:
		return "slow"
	case t.Load > 1000:
		return "moderate"
	default:
		return "fast"
	}
}

func measureDescriptor() protocol.ToolDescriptor {
	return protocol.ToolDescriptor{
		Name:        "measure_performance",
		Description: "Load a page and report its navigation timing in milliseconds",
		InputSchema: schema.Object(
			schema.Prop("url", schema.String()),
			schema.Prop("timeout", schema.Integer().Describe("milliseconds").WithDefault(30000)),
		).Require("url"),
	}
}

func (h *handlers) measurePerformance(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	target := args.String("url")
	if err := checkURL(target); err != nil {
		return protocol.ToolResult{}, err
	}
	d, err := h.driver(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	raw, err := d.Evaluate(ctx, target, timingScript, args.Millis("timeout"))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("measure %s: %w", target, err)
	}
	var timing pageTiming
	if err := json.Unmarshal(raw, &timing); err != nil {
		return protocol.ToolResult{}, fmt.Errorf("decode timing for %s: %w", target, err)
	}

	part, err := protocol.JSONResource("browser://performance", timing)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(
		protocol.Textf("%s loaded in %.0fms (%s), first paint at %.0fms, %d resource(s)",
			target, timing.Load, timing.rating(), timing.FirstContentfulPaint, timing.Resources),
		part,
	), nil
}
