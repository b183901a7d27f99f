package sqlhost

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/schema"
)

func (h *handlers) registerAdminTools(r *host.Registrar) error {
	t := r.Tools
	return errors.Join(
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "create_migration",
			Description: "Write a new numbered migration file pair",
			InputSchema: schema.Object(
				schema.Prop("name", schema.String().Describe("e.g. add_users_table")),
				schema.Prop("up_sql", schema.String()),
				schema.Prop("down_sql", schema.String().Describe("rollback SQL; empty skips the down file").WithDefault("")),
				schema.Prop("dir", schema.String().WithDefault("migrations")),
			).Require("name", "up_sql"),
		}, h.createMigration),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "manage_indexes",
			Description: "List, create, drop or report usage of indexes",
			InputSchema: schema.Object(
				schema.Prop("action", schema.String().WithEnum("list", "create", "drop", "analyze")),
				schema.Prop("table", schema.String().WithDefault("")),
				schema.Prop("index", schema.String().WithDefault("")),
				schema.Prop("columns", schema.Array(schema.String()).WithDefault([]any{})),
				schema.Prop("method", schema.String().WithEnum("btree", "hash", "gin", "gist", "brin").WithDefault("btree")),
				schema.Prop("unique", schema.Boolean().WithDefault(false)),
				schema.Prop("schema", schema.String().WithDefault("public")),
			).Require("action"),
		}, h.manageIndexes),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "check_db_health",
			Description: "Report connection counts, database size and buffer cache hit ratio",
			InputSchema: schema.Object(
				schema.Prop("include_connections", schema.Boolean().WithDefault(true)),
				schema.Prop("include_size", schema.Boolean().WithDefault(true)),
				schema.Prop("include_performance", schema.Boolean().WithDefault(true)),
			),
		}, h.checkHealth),
		t.RegisterFunc(protocol.ToolDescriptor{
			Name:        "optimize_table",
			Description: "Vacuum, analyze or reindex a table",
			InputSchema: schema.Object(
				schema.Prop("table", schema.String()),
				schema.Prop("operation", schema.String().WithEnum("vacuum", "analyze", "reindex", "all").WithDefault("analyze")),
				schema.Prop("full", schema.Boolean().Describe("VACUUM FULL; locks the table").WithDefault(false)),
				schema.Prop("schema", schema.String().WithDefault("public")),
			).Require("table"),
		}, h.optimizeTable),
	)
}

func (h *handlers) createMigration(_ context.Context, args protocol.Args) (protocol.ToolResult, error) {
	dir := args.String("dir")
	existing, err := LoadMigrations(os.DirFS(dir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return protocol.ToolResult{}, fmt.Errorf("read %s: %w", dir, err)
	}
	version := NextVersion(existing)
	files, err := WriteMigration(dir, version, args.String("name"), args.String("up_sql"), args.String("down_sql"))
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("create migration: %w", err)
	}
	return protocol.Result(protocol.Textf("created %s in %s", strings.Join(files, " and "), dir)), nil
}

func qualified(schemaName, name string) string {
	return pgx.Identifier{schemaName, name}.Sanitize()
}

func (h *handlers) manageIndexes(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	action := args.String("action")
	table, index, schemaName := args.String("table"), args.String("index"), args.String("schema")

	need := func(fields ...string) error {
		var missing []string
		for _, f := range fields {
			switch f {
			case "table":
				if table == "" {
					missing = append(missing, f)
				}
			case "index":
				if index == "" {
					missing = append(missing, f)
				}
			case "columns":
				if len(args.Slice("columns")) == 0 {
					missing = append(missing, f)
				}
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%s requires %s", action, strings.Join(missing, ", "))
		}
		return nil
	}

	var stmt string
	switch action {
	case "create":
		if err := need("table", "index", "columns"); err != nil {
			return protocol.ToolResult{}, err
		}
		cols := make([]string, 0, len(args.Slice("columns")))
		for _, c := range args.Slice("columns") {
			cols = append(cols, pgx.Identifier{fmt.Sprint(c)}.Sanitize())
		}
		unique := ""
		if args.Bool("unique") {
			unique = "UNIQUE "
		}
		stmt = fmt.Sprintf("CREATE %sINDEX %s ON %s USING %s (%s)",
			unique, pgx.Identifier{index}.Sanitize(), qualified(schemaName, table), args.String("method"), strings.Join(cols, ", "))
	case "drop":
		if err := need("index"); err != nil {
			return protocol.ToolResult{}, err
		}
		stmt = "DROP INDEX " + qualified(schemaName, index)
	case "analyze":
		if err := need("table"); err != nil {
			return protocol.ToolResult{}, err
		}
	}

	db, err := h.db(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}

	if stmt != "" {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return protocol.ToolResult{}, fmt.Errorf("%s index: %w", action, err)
		}
		return protocol.Result(protocol.Text(stmt)), nil
	}

	var rows pgx.Rows
	if action == "analyze" {
		rows, err = db.Query(ctx,
			`SELECT indexrelname AS index, idx_scan AS scans, idx_tup_read AS tuples_read, idx_tup_fetch AS tuples_fetched
			   FROM pg_stat_user_indexes
			  WHERE schemaname = $1 AND relname = $2
			  ORDER BY idx_scan DESC`, schemaName, table)
	} else if table != "" {
		rows, err = db.Query(ctx,
			`SELECT indexname, tablename, indexdef FROM pg_indexes WHERE schemaname = $1 AND tablename = $2 ORDER BY indexname`,
			schemaName, table)
	} else {
		rows, err = db.Query(ctx,
			`SELECT indexname, tablename, indexdef FROM pg_indexes WHERE schemaname = $1 ORDER BY tablename, indexname`,
			schemaName)
	}
	if err != nil {
		return protocol.ToolResult{}, fmt.Errorf("%s indexes: %w", action, err)
	}
	records, _, err := collectRows(rows, 0)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	part, err := protocol.JSONResource("sql://primary-store/indexes", records)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	return protocol.Result(protocol.Textf("%d index(es)", len(records)), part), nil
}

type connStats struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
	Idle   int64 `json:"idle"`
}

type sizeStats struct {
	Database string `json:"database"`
	Bytes    int64  `json:"bytes"`
	Pretty   string `json:"pretty"`
}

type cacheStats struct {
	BlocksHit     int64   `json:"blocks_hit"`
	BlocksRead    int64   `json:"blocks_read"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
}

type dbHealth struct {
	Connections *connStats  `json:"connections,omitempty"`
	Size        *sizeStats  `json:"size,omitempty"`
	Performance *cacheStats `json:"performance,omitempty"`
	CheckedAt   time.Time   `json:"checked_at"`
}

func (h *handlers) checkHealth(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	db, err := h.db(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	var health dbHealth
	if args.Bool("include_connections") {
		c := &connStats{}
		if err := db.QueryRow(ctx,
			`SELECT count(*), count(*) FILTER (WHERE state = 'active'), count(*) FILTER (WHERE state = 'idle') FROM pg_stat_activity`,
		).Scan(&c.Total, &c.Active, &c.Idle); err != nil {
			return protocol.ToolResult{}, fmt.Errorf("connection stats: %w", err)
		}
		health.Connections = c
	}
	if args.Bool("include_size") {
		sz := &sizeStats{}
		if err := db.QueryRow(ctx,
			`SELECT current_database(), pg_database_size(current_database()), pg_size_pretty(pg_database_size(current_database()))`,
		).Scan(&sz.Database, &sz.Bytes, &sz.Pretty); err != nil {
			return protocol.ToolResult{}, fmt.Errorf("database size: %w", err)
		}
		health.Size = sz
	}
	if args.Bool("include_performance") {
		p := &cacheStats{}
		if err := db.QueryRow(ctx,
			`SELECT blks_hit, blks_read FROM pg_stat_database WHERE datname = current_database()`,
		).Scan(&p.BlocksHit, &p.BlocksRead); err != nil {
			return protocol.ToolResult{}, fmt.Errorf("cache statistics: %w", err)
		}
		p.CacheHitRatio = hitRatio(p.BlocksHit, p.BlocksRead)
		health.Performance = p
	}
	health.CheckedAt = time.Now().UTC()

	part, err := protocol.JSONResource("sql://primary-store/health", health)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	summary := "database healthy"
	if p := health.Performance; p != nil && p.BlocksHit+p.BlocksRead > 0 {
		summary += fmt.Sprintf(", cache hit ratio %.2f%%", p.CacheHitRatio)
	}
	return protocol.Result(protocol.Text(summary), part), nil
}

// hitRatio is the buffer cache hit percentage, rounded to two decimals.
func hitRatio(hit, read int64) float64 {
	if hit+read == 0 {
		return 0
	}
	pct := float64(hit) / float64(hit+read) * 100
	return float64(int64(pct*100+0.5)) / 100
}

func (h *handlers) optimizeTable(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	table := qualified(args.String("schema"), args.String("table"))
	vacuum := "VACUUM "
	if args.Bool("full") {
		vacuum = "VACUUM FULL "
	}

	var stmts []string
	switch args.String("operation") {
	case "vacuum":
		stmts = []string{vacuum + table}
	case "analyze":
		stmts = []string{"ANALYZE " + table}
	case "reindex":
		stmts = []string{"REINDEX TABLE " + table}
	case "all":
		stmts = []string{vacuum + "ANALYZE " + table, "REINDEX TABLE " + table}
	}

	db, err := h.db(ctx)
	if err != nil {
		return protocol.ToolResult{}, err
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return protocol.ToolResult{}, fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return protocol.Result(protocol.Textf("optimized %s: %s", table, strings.Join(stmts, "; "))), nil
}
