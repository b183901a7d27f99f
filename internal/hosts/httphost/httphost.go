// Package httphost exposes HTTP probing and request tools.
package httphost

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xscopehub/toolhost/internal/cache"
	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/resources"
)

const (
	KindHTTPClient    resources.Kind = "http-client"
	KindResponseCache resources.Kind = "response-cache"
)

// maxBody bounds how much of a response body is kept.
const maxBody = 1 << 20

// Definition describes the http-host process.
var Definition = host.Definition{
	Name:         "http-host",
	Version:      "0.3.0",
	Description:  "Probe API health, issue HTTP requests, measure latency and run the service tests",
	Instructions: "Absolute urls work without configuration. Set HTTP_BASE_URL to use relative paths. " +
		"run_tests runs TEST_COMMAND (default \"npm test\") in TEST_WORKDIR.",
	Install:      Install,
}

// Install registers the http-host kinds, tools and resources.
func Install(r *host.Registrar) error {
	if err := errors.Join(
		r.Handles.Register(KindHTTPClient, newAPIClient),
		r.Handles.Register(KindResponseCache, newResponseCache),
		r.Handles.Register(KindTestSuite, newTestSuite),
	); err != nil {
		return err
	}
	h := &handlers{handles: r.Handles}
	return errors.Join(h.registerTools(r), h.registerResources(r))
}

type apiClient struct {
	http       *http.Client
	baseURL    *url.URL
	authHeader string
	insecure   bool
}

func newAPIClient(_ context.Context, cfg *resources.Config) (any, error) {
	base := cfg.Optional("HTTP_BASE_URL", "")
	auth := cfg.Optional("HTTP_AUTH_HEADER", "")
	insecure, err := strconv.ParseBool(cfg.Optional("HTTP_INSECURE_SKIP_VERIFY", "false"))
	if err != nil {
		return nil, fmt.Errorf("HTTP_INSECURE_SKIP_VERIFY: %w", err)
	}

	c := &apiClient{authHeader: auth, insecure: insecure}
	if base != "" {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("HTTP_BASE_URL must be an absolute http(s) url, got %q", base)
		}
		c.baseURL = u
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	c.http = &http.Client{Transport: transport}
	return c, nil
}

func (c *apiClient) Close() { c.http.CloseIdleConnections() }

// resolve turns raw into an absolute url, joining relative paths onto HTTP_BASE_URL.
func (c *apiClient) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
		}
		return u.String(), nil
	}
	if c.baseURL == nil {
		return "", &resources.ConfigurationMissingError{Kind: KindHTTPClient, Keys: []string{"HTTP_BASE_URL"}}
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

type request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

type response struct {
	Status     int               `json:"status"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Truncated  bool              `json:"truncated,omitempty"`
	Duration   time.Duration     `json:"-"`
	Millis     int64             `json:"response_time_ms"`
	Cached     bool              `json:"cached,omitempty"`
}

func (c *apiClient) do(ctx context.Context, req request) (*response, error) {
	target, err := c.resolve(req.URL)
	if err != nil {
		return nil, err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.authHeader != "" {
		httpReq.Header.Set("Authorization", c.authHeader)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	elapsed := time.Since(start)

	out := &response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    make(map[string]string, len(resp.Header)),
		Duration:   elapsed,
		Millis:     elapsed.Milliseconds(),
	}
	if len(data) > maxBody {
		data = data[:maxBody]
		out.Truncated = true
	}
	out.Body = string(data)
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

func newResponseCache(_ context.Context, cfg *resources.Config) (any, error) {
	maxCost, err := strconv.ParseInt(cfg.Optional("HTTP_CACHE_MAX_COST", "67108864"), 10, 64)
	if err != nil || maxCost <= 0 {
		return nil, fmt.Errorf("HTTP_CACHE_MAX_COST must be a positive integer")
	}
	ttl, err := time.ParseDuration(cfg.Optional("HTTP_CACHE_TTL", "1m"))
	if err != nil || ttl <= 0 {
		return nil, fmt.Errorf("HTTP_CACHE_TTL must be a positive duration")
	}
	rc, err := cache.New(cache.Config{Enabled: true, MaxCost: maxCost, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("build response cache: %w", err)
	}
	return rc, nil
}
