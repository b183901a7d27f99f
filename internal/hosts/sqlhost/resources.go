package sqlhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
)

func (h *handlers) registerResources(r *host.Registrar) error {
	res := r.Resources
	return errors.Join(
		res.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "sql://primary-store/health",
			Name:        "Primary store health",
			Description: "Connectivity and pool statistics of the primary store",
			MIMEType:    "application/json",
		}, h.primaryHealth),
		res.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "sql://primary-store/tables",
			Name:        "Primary store tables",
			Description: "Tables in the public schema",
			MIMEType:    "application/json",
		}, h.primaryTables),
		res.RegisterFunc(protocol.ResourceDescriptor{
			URI:         "sql://secondary-store/info",
			Name:        "Secondary store info",
			Description: "Server section of Redis INFO",
			MIMEType:    "text/plain",
		}, h.secondaryInfo),
	)
}

func (h *handlers) primaryHealth(ctx context.Context) (string, error) {
	pool, err := resources.Get[*pgxpool.Pool](ctx, h.handles, KindPrimaryStore)
	if err != nil {
		return "", err
	}
	status := "ok"
	if err := pool.Ping(ctx); err != nil {
		status = err.Error()
	}
	stat := pool.Stat()
	return marshal(map[string]any{
		"status":         status,
		"total_conns":    stat.TotalConns(),
		"idle_conns":     stat.IdleConns(),
		"acquired_conns": stat.AcquiredConns(),
		"max_conns":      stat.MaxConns(),
	})
}

func (h *handlers) primaryTables(ctx context.Context) (string, error) {
	db, err := h.db(ctx)
	if err != nil {
		return "", err
	}
	rows, err := db.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' ORDER BY table_name`)
	if err != nil {
		return "", fmt.Errorf("list tables: %w", err)
	}
	records, _, err := collectRows(rows, 0)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, fmt.Sprint(rec["table_name"]))
	}
	return marshal(names)
}

func (h *handlers) secondaryInfo(ctx context.Context) (string, error) {
	client, err := h.cache(ctx)
	if err != nil {
		return "", err
	}
	info, err := client.Info(ctx, "server").Result()
	if errors.Is(err, redis.Nil) {
		return "", errors.New("secondary store returned no info")
	}
	return info, err
}

func marshal(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
