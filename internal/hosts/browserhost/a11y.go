package browserhost

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/schema"
)

const defaultAxeURL = "https://cdnjs.cloudflare.com/ajax/libs/axe-core/4.7.0/axe.min.js"

// auditTemplate loads axe-core into the page unless it is already present and
// reports its violations. The two %s verbs take the script url and the rule tags as JSON.
const auditTemplate = `(async () => {
  if (typeof axe === "undefined") {
    await new Promise((resolve, reject) => {
      const s = document.createElement("script");
      s.src = %s;
      s.onload = resolve;
      s.onerror = () => reject(new Error("cannot load axe-core from " + s.src));
      document.head.appendChild(s);
    });
  }
  const results = await axe.run(document, {runOnly: {type: "tag", values: %s}});
  return results.violations.map(v => ({
    id: v.id,
    impact: v.impact || "minor",
    description: v.description,
    help_url: v.helpUrl,
    nodes: v.nodes.length
  }));
})()`

// standards maps a conformance level to the cumulative axe tags it covers.
var standards = map[string][]string{
	"wcag2a":   {"wcag2a"},
	"wcag2aa":  {"wcag2a", "wcag2aa"},
	"wcag2aaa": {"wcag2a", "wcag2aa", "wcag2aaa"},
}

var impactRank = map[string]int{"critical": 0, "serious": 1, "moderate": 2, "minor": 3}

type violation struct {
	ID          string `json:"id"`
	Impact      string `json:"impact"`
	Description string `json:"description"`
	HelpURL     string `json:"help_url"`
	Nodes       int    `json:"nodes"`
}

func auditScript(axeURL string, tags []string) (string, error) {
	src, err := json.Marshal(axeURL)
	if err != nil {
		return "", err
	}
	values, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(auditTemplate, src, values), nil
}

func accessibilityDescriptor() protocol.ToolDescriptor {
	return protocol.ToolDescriptor{
		Name:        "validate_accessibility",
		Description: "Load a page and check it against a WCAG conformance level with axe-core",
		InputSchema: schema.Object(
			schema.Prop("url", schema.String()),
			schema.Prop("standard", schema.String().WithEnum("wcag2a", "wcag2aa", "wcag2aaa").WithDefault("wcag2aa")),
			schema.Prop("timeout", schema.Integer().Describe("milliseconds").WithDefault(60000)),
		).Require("url"),
	}
}

func (h *handlers) validateAccessibility(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	target := args.String("url")
	if err := checkURL(target); err != nil {
		return protocol.ToolResult{}, err
	}
	standard := args.String("standard")
	tags, ok := standards[standard]
	if !ok {
		return protocol.ToolResult{}, fmt.Errorf("unknown standard %q", standard)
	}
	d, err := h.driver(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	found, err := d.Audit(ctx, target, tags, args.Millis("timeout"))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("audit %s: %w", target, err)
	}
	if len(found) == 0 {
		return protocol.Result(protocol.Textf("%s has no %s violations", target, standard)), nil
	}

	slices.SortStableFunc(found, func(a, b violation) int {
		return cmp.Or(cmp.Compare(rank(a.Impact), rank(b.Impact)), strings.Compare(a.ID, b.ID))
	})
	counts := map[string]int{}
	for _, v := range found {
		counts[v.Impact]++
	}
	var summary []string
	for _, impact := range []string{"critical", "serious", "moderate", "minor"} {
		if n := counts[impact]; n > 0 {
			summary = append(summary, fmt.Sprintf("%d %s", n, impact))
		}
	}
	part, err := protocol.JSONResource("browser://accessibility", found)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	res := protocol.Result(
		protocol.Textf("%s has %d %s violation(s): %s", target, len(found), standard, strings.Join(summary, ", ")),
		part,
	)
	res.IsError = true
	return res, nil
}

func rank(impact string) int {
	if r, ok := impactRank[impact]; ok {
		return r
	}
	return len(impactRank)
}
