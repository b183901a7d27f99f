package httphost

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xscopehub/toolhost/internal/cache"
	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
)

func (h *handlers) registerResources(r *host.Registrar) error {
	return errors.Join(
		r.Resources.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "http://client/config",
			Name:        "HTTP client configuration",
			Description: "Base url and authentication settings in effect",
			MIMEType:    "application/json",
		}, h.clientConfig),
		r.Resources.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "http://cache/stats",
			Name:        "Response cache statistics",
			Description: "Hit and miss counters of the response cache",
			MIMEType:    "application/json",
		}, h.cacheStats),
	)
}

func (h *handlers) clientConfig(ctx context.Context) (string, error) {
	c, err := h.client(ctx)
	if err != nil {
		return "", err
	}
	base := ""
	if c.baseURL != nil {
		base = c.baseURL.String()
	}
	return marshal(map[string]any{
		"base_url":             base,
		"auth_header":          c.authHeader != "",
		"insecure_skip_verify": c.insecure,
		"max_body_bytes":       maxBody,
	})
}

func (h *handlers) cacheStats(ctx context.Context) (string, error) {
	rc, err := resources.Get[*cache.Cache](ctx, h.handles, KindResponseCache)
	if err != nil {
		return "", err
	}
	return marshal(rc.Stats())
}

func marshal(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
