package sqlhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/schema"
)

func (h *handlers) registerTools(r *host.Registrar) error {
	t := r.Tools
	return errors.Join(
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "query",
			Description: "Run a read query against the primary store and return the rows as JSON",
			InputSchema: schema.Object(
				schema.Prop("sql", schema.String().Describe("SQL statement with $n placeholders")),
				schema.Prop("params", schema.Array(schema.Any()).Describe("positional parameters").WithDefault([]any{})),
				schema.Prop("max_rows", schema.Integer().Describe("row limit").WithDefault(100)),
				schema.Prop("timeout", schema.Integer().Describe("milliseconds, 0 for no limit").WithDefault(30000)),
			).Require("sql"),
		}, h.query),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "execute",
			Description: "Run a statement that modifies the primary store and report affected rows",
			InputSchema: schema.Object(
				schema.Prop("sql", schema.String()),
				schema.Prop("params", schema.Array(schema.Any()).WithDefault([]any{})),
				schema.Prop("timeout", schema.Integer().Describe("milliseconds, 0 for no limit").WithDefault(30000)),
			).Require("sql"),
		}, h.execute),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "explain_query",
			Description: "Explain a query plan and suggest improvements",
			InputSchema: schema.Object(
				schema.Prop("sql", schema.String()),
				schema.Prop("analyze", schema.Boolean().Describe("execute the query to collect actual timings").WithDefault(false)),
			).Require("sql"),
		}, h.explain),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "run_migration",
			Description: "Apply or roll back numbered migration files",
			InputSchema: schema.Object(
				schema.Prop("direction", schema.String().WithEnum("up", "down").WithDefault("up")),
				schema.Prop("steps", schema.Integer().Describe("number of migrations to apply").WithDefault(1)),
				schema.Prop("dir", schema.String().Describe("directory holding NNN_name.up.sql files").WithDefault("migrations")),
			),
		}, h.runMigration),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "list_tables",
			Description: "List tables and views in a schema",
			InputSchema: schema.Object(
				schema.Prop("schema", schema.String().WithDefault("public")),
			),
		}, h.listTables),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "describe_table",
			Description: "Describe the columns of a table",
			InputSchema: schema.Object(
				schema.Prop("table", schema.String()),
				schema.Prop("schema", schema.String().WithDefault("public")),
			).Require("table"),
		}, h.describeTable),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "cache_get",
			Description: "Read a key from the secondary store",
			InputSchema: schema.Object(schema.Prop("key", schema.String())).Require("key"),
		}, h.cacheGet),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "cache_set",
			Description: "Write a key to the secondary store",
			InputSchema: schema.Object(
				schema.Prop("key", schema.String()),
				schema.Prop("value", schema.String()),
				schema.Prop("ttl_seconds", schema.Integer().Describe("0 keeps the key forever").WithDefault(0)),
			).Require("key", "value"),
		}, h.cacheSet),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "cache_keys",
			Description: "Scan keys matching a pattern",
			InputSchema: schema.Object(
				schema.Prop("pattern", schema.String().WithDefault("*")),
				schema.Prop("limit", schema.Integer().WithDefault(100)),
			),
		}, h.cacheKeys),
	)
}

func (h *handlers) query(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	db, err := h.db(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	ctx, cancel := args.Timeout(ctx, "timeout")
	defer cancel()

	rows, err := db.Query(ctx, args.String("sql"), args.Slice("params")...)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("query failed: %w", err)
	}
	records, truncated, err := collectRows(rows, args.Int("max_rows"))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("read rows: %w", err)
	}

	summary := fmt.Sprintf("%d row(s) returned", len(records))
	if truncated {
		summary += fmt.Sprintf(" (truncated at max_rows=%d)", args.Int("max_rows"))
	}
	part, err := protocol.JSONResource("sql://primary-store/result", records)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Text(summary), part), nil
}

func (h *handlers) execute(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	db, err := h.db(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	ctx, cancel := args.Timeout(ctx, "timeout")
	defer cancel()

	tag, err := db.Exec(ctx, args.String("sql"), args.Slice("params")...)
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("execute failed: %w", err)
	}
	return protocol.Result(protocol.Textf("%s: %d row(s) affected", tag.String(), tag.RowsAffected())), nil
}

func (h *handlers) explain(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	db, err := h.db(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	prefix := "EXPLAIN (FORMAT JSON) "
	if args.Bool("analyze") {
		prefix = "EXPLAIN (ANALYZE, FORMAT JSON) "
	}
	var raw []byte
	if err := db.QueryRow(ctx, prefix+args.String("sql")).Scan(&raw); err != nil {
		return protocol.ToolResult{}, fmt.Errorf("explain failed: %w", err)
	}
	explain, err := ParseExplain(raw)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	root := explain.Plan
	suggestions := Analyze(root)

	var b strings.Builder
	fmt.Fprintf(&b, "plan root: %s (rows=%.0f, cost=%.2f); %d suggestion(s)", root.Type, root.Rows, root.Cost, len(suggestions))
	if explain.ExecutionMs > 0 {
		fmt.Fprintf(&b, "; executed in %.2fms", explain.ExecutionMs)
	}
	for _, s := range suggestions {
		fmt.Fprintf(&b, "\n[%s] %s", s.Severity, s.Message)
	}
	part, err := protocol.JSONResource("sql://primary-store/plan", map[string]any{
		"plan":         root,
		"planning_ms":  explain.PlanningMs,
		"execution_ms": explain.ExecutionMs,
		"suggestions":  suggestions,
	})
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Text(b.String()), part), nil
}

func (h *handlers) runMigration(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	steps := args.Int("steps")
	if steps < 1 {
		return protocol.ToolResult{}, fmt.Errorf("steps must be at least 1, got %d", steps)
	}
	dir := args.String("dir")
	migrations, err := LoadMigrations(os.DirFS(dir))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("load migrations from %s: %w", dir, err)
	}
	db, err := h.db(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	applied, err := runMigrations(ctx, db, os.DirFS(dir), migrations, Direction(args.String("direction")), steps)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	if len(applied) == 0 {
		return protocol.Result(protocol.Textf("no migrations to run %s", args.String("direction"))), nil
	}
	names := make([]string, len(applied))
	for i, m := range applied {
		names[i] = m.ID()
	}
	return protocol.Result(protocol.Textf("ran %d migration(s) %s: %s", len(applied), args.String("direction"), strings.Join(names, ", "))), nil
}

func (h *handlers) listTables(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	db, err := h.db(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	rows, err := db.Query(ctx,
		`SELECT table_name, table_type FROM information_schema.tables WHERE table_schema = $1 ORDER BY table_name`,
		args.String("schema"))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("list tables: %w", err)
	}
	records, _, err := collectRows(rows, 0)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	part, err := protocol.JSONResource("sql://primary-store/tables", records)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Textf("%d table(s) in schema %s", len(records), args.String("schema")), part), nil
}

func (h *handlers) describeTable(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	db, err := h.db(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	rows, err := db.Query(ctx,
		`SELECT column_name, data_type, is_nullable, column_default
		   FROM information_schema.columns
		  WHERE table_schema = $1 AND table_name = $2
		  ORDER BY ordinal_position`,
		args.String("schema"), args.String("table"))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("describe table: %w", err)
	}
	records, _, err := collectRows(rows, 0)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	if len(records) == 0 {
		return protocol.ToolResult{}, fmt.Errorf("table %s.%s not found", args.String("schema"), args.String("table"))
	}
	part, err := protocol.JSONResource("sql://primary-store/columns", records)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Textf("%s.%s has %d column(s)", args.String("schema"), args.String("table"), len(records)), part), nil
}

func (h *handlers) cacheGet(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	client, err := h.cache(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	key := args.String("key")
	val, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return protocol.Result(protocol.Textf("key %s not found", key)), nil
	}
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("get %s: %w", key, err)
	}
	return protocol.Result(protocol.Text(val)), nil
}

func (h *handlers) cacheSet(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	client, err := h.cache(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	key := args.String("key")
	ttl := time.Duration(args.Int("ttl_seconds")) * time.Second
	if err := client.Set(ctx, key, args.String("value"), ttl).Err(); err != nil {
		return protocol.ToolResult{}, fmt.Errorf("set %s: %w", key, err)
	}
	if ttl > 0 {
		return protocol.Result(protocol.Textf("stored %s (expires in %s)", key, ttl)), nil
	}
	return protocol.Result(protocol.Textf("stored %s", key)), nil
}

func (h *handlers) cacheKeys(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	client, err := h.cache(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	limit := args.Int("limit")
	keys := []string{}
	iter := client.Scan(ctx, 0, args.String("pattern"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return protocol.ToolResult{}, fmt.Errorf("scan keys: %w", err)
	}
	part, err := protocol.JSONResource("sql://secondary-store/keys", keys)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Textf("%d key(s) match %s", len(keys), args.String("pattern")), part), nil
}

// collectRows converts rows to JSON-friendly records. max <= 0 means no limit.
func collectRows(rows pgx.Rows, max int) ([]map[string]any, bool, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	records := []map[string]any{}
	truncated := false
	for rows.Next() {
		if max > 0 && len(records) == max {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, false, err
		}
		rec := make(map[string]any, len(fields))
		for i, f := range fields {
			rec[f.Name] = normalizeValue(values[i])
		}
		records = append(records, rec)
	}
	return records, truncated, rows.Err()
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	}
	return v
}
