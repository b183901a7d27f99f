package httphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/xscopehub/toolhost/internal/cache"
	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
	"github.com/xscopehub/toolhost/internal/schema"
)

type handlers struct {
	handles *resources.Manager
}

func (h *handlers) client(ctx context.Context) (*apiClient, error) {
	return resources.Get[*apiClient](ctx, h.handles, KindHTTPClient)
}

func (h *handlers) registerTools(r *host.Registrar) error {
	t := r.Tools
	return errors.Join(
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "check_api_health",
			Description: "Check whether an API endpoint answers with the expected status",
			InputSchema: schema.Object(
				schema.Prop("url", schema.String().Describe("health endpoint, absolute or relative to HTTP_BASE_URL")),
				schema.Prop("timeout", schema.Integer().Describe("milliseconds").WithDefault(5000)),
				schema.Prop("expected_status", schema.Integer().WithDefault(200)),
			).Require("url"),
		}, h.checkHealth),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "http_request",
			Description: "Send an HTTP request and return status, headers and body",
			InputSchema: schema.Object(
				schema.Prop("url", schema.String()),
				schema.Prop("method", schema.String().
					WithEnum("GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS").WithDefault("GET")),
				schema.Prop("headers", schema.Object().Describe("header name to value").WithDefault(map[string]any{})),
				schema.Prop("body", schema.String().WithDefault("")),
				schema.Prop("timeout", schema.Integer().Describe("milliseconds").WithDefault(30000)),
				schema.Prop("use_cache", schema.Boolean().Describe("serve repeated GET requests from the response cache").WithDefault(false)),
			).Require("url"),
		}, h.request),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "measure_latency",
			Description: "Issue sequential GET requests and summarise response times",
			InputSchema: schema.Object(
				schema.Prop("url", schema.String()),
				schema.Prop("samples", schema.Integer().WithDefault(5)),
				schema.Prop("timeout", schema.Integer().Describe("milliseconds per sample").WithDefault(5000)),
			).Require("url"),
		}, h.measureLatency),
		t.RegisterFunc(runTestsDescriptor(), h.runTests),
	)
}

func (h *handlers) checkHealth(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	c, err := h.client(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	resp, err := c.do(ctx, request{Method: http.MethodGet, URL: args.String("url"), Timeout: args.Millis("timeout")})
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("health check failed: %w", err)
	}

	expected := args.Int("expected_status")
	healthy := resp.Status == expected
	report, err := protocol.JSONResource("http://client/health-check", map[string]any{
		"healthy":          healthy,
		"status":           resp.Status,
		"expected_status":  expected,
		"response_time_ms": resp.Millis,
		"body":             resp.Body,
	})
	if err != nil {
		return protocol.ToolResult{}, err
	}

	if !healthy {
		res := protocol.Result(protocol.Textf("API unhealthy (%d, expected %d, in %dms)", resp.Status, expected, resp.Millis), report)
		res.IsError = true
		return res, nil
	}
	return protocol.Result(protocol.Textf("API healthy (%d in %dms)", resp.Status, resp.Millis), report), nil
}

func (h *handlers) request(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	c, err := h.client(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	req := request{
		Method:  args.String("method"),
		URL:     args.String("url"),
		Headers: args.Strings("headers"),
		Body:    args.String("body"),
		Timeout: args.Millis("timeout"),
	}

	var rc *cache.Cache
	var key string
	if args.Bool("use_cache") && req.Method == http.MethodGet {
		if rc, err = resources.Get[*cache.Cache](ctx, h.handles, KindResponseCache); err != nil {
			return protocol.ToolResult{}, err
		}
		target, err := c.resolve(req.URL)
		if err != nil {
			return protocol.ToolResult{}, err
		}
		key = req.Method + " " + target
	}

	resp, err := h.cachedDo(ctx, c, rc, key, req)
	if err != nil {
		return protocol.ToolResult{}, err
	}

	summary := fmt.Sprintf("%s %s -> %d %s in %dms", req.Method, req.URL, resp.Status, resp.StatusText, resp.Millis)
	if resp.Cached {
		summary += " (cached)"
	}
	part, err := protocol.JSONResource("http://client/response", resp)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	res := protocol.Result(protocol.Text(summary), part)
	res.IsError = resp.Status >= 400
	return res, nil
}

// cachedDo serves successful GET responses from rc when a key is given.
func (h *handlers) cachedDo(ctx context.Context, c *apiClient, rc *cache.Cache, key string, req request) (*response, error) {
	if rc != nil {
		if data, ok := rc.Get(ctx, key); ok {
			var resp response
			if err := json.Unmarshal(data, &resp); err == nil {
				resp.Cached = true
				return &resp, nil
			}
		}
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if rc != nil && resp.Status < 400 {
		if data, err := json.Marshal(resp); err == nil {
			rc.Set(ctx, key, data, 0)
		}
	}
	return resp, nil
}

type latencyReport struct {
	URL      string   `json:"url"`
	Samples  int      `json:"samples"`
	Failures int      `json:"failures"`
	MinMs    float64  `json:"min_ms"`
	AvgMs    float64  `json:"avg_ms"`
	P50Ms    float64  `json:"p50_ms"`
	P95Ms    float64  `json:"p95_ms"`
	MaxMs    float64  `json:"max_ms"`
	Errors   []string `json:"errors,omitempty"`
}

func (h *handlers) measureLatency(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	samples := args.Int("samples")
	if samples < 1 || samples > 100 {
		return protocol.ToolResult{}, fmt.Errorf("samples must be between 1 and 100, got %d", samples)
	}
	c, err := h.client(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}

	var durations []time.Duration
	report := latencyReport{URL: args.String("url"), Samples: samples}
	for i := 0; i < samples; i++ {
		if err := ctx.Err(); err != nil {
			return protocol.ToolResult{}, err
		}
		resp, err := c.do(ctx, request{Method: http.MethodGet, URL: report.URL, Timeout: args.Millis("timeout")})
		if err != nil {
			report.Failures++
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		durations = append(durations, resp.Duration)
	}
	if len(durations) == 0 {
		return protocol.ToolResult{}, fmt.Errorf("all %d samples failed: %s", samples, report.Errors[0])
	}
	summarize(&report, durations)

	part, err := protocol.JSONResource("http://client/latency", report)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(
		protocol.Textf("%s: avg %.1fms, p95 %.1fms over %d sample(s), %d failed",
			report.URL, report.AvgMs, report.P95Ms, len(durations), report.Failures),
		part,
	), nil
}

func summarize(r *latencyReport, durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

	var total time.Duration
	for _, d := range durations {
		total += d
	}
	r.MinMs = ms(durations[0])
	r.MaxMs = ms(durations[len(durations)-1])
	r.AvgMs = ms(total / time.Duration(len(durations)))
	r.P50Ms = ms(percentile(durations, 50))
	r.P95Ms = ms(percentile(durations, 95))
}

// percentile uses the nearest-rank method on sorted durations.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
