package sqlhost

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Direction selects which half of a migration to run.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

var migrationFile = regexp.MustCompile(`^(\d+)_([\w-]+)\.(up|down)\.sql$`)

// Migration is one numbered migration with its up and optional down file.
type Migration struct {
	Version  int64
	Name     string
	UpFile   string
	DownFile string
}

// ID is the version and name, as recorded in schema_migrations.
func (m Migration) ID() string { return fmt.Sprintf("%d_%s", m.Version, m.Name) }

// LoadMigrations collects NNN_name.up.sql / NNN_name.down.sql pairs from the root of fsys,
// ordered by version. Files that do not match the pattern are ignored.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	byVersion := map[int64]*Migration{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: match[2]}
			byVersion[version] = m
		} else if m.Name != match[2] {
			return nil, fmt.Errorf("migration version %d used by %s and %s", version, m.Name, match[2])
		}
		if match[3] == string(Up) {
			m.UpFile = e.Name()
		} else {
			m.DownFile = e.Name()
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpFile == "" {
			return nil, fmt.Errorf("migration %s has no up file", m.ID())
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Plan picks the migrations to run. Up takes the lowest pending versions, down takes the
// highest applied ones, newest first.
func Plan(migrations []Migration, applied map[int64]bool, dir Direction, steps int) ([]Migration, error) {
	var out []Migration
	switch dir {
	case Up:
		for _, m := range migrations {
			if len(out) == steps {
				break
			}
			if !applied[m.Version] {
				out = append(out, m)
			}
		}
	case Down:
		for i := len(migrations) - 1; i >= 0 && len(out) < steps; i-- {
			m := migrations[i]
			if !applied[m.Version] {
				continue
			}
			if m.DownFile == "" {
				return nil, fmt.Errorf("migration %s has no down file", m.ID())
			}
			out = append(out, m)
		}
	default:
		return nil, fmt.Errorf("unknown direction %q", dir)
	}
	return out, nil
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    BIGINT PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func runMigrations(ctx context.Context, db database, fsys fs.FS, migrations []Migration, dir Direction, steps int) ([]Migration, error) {
	if _, err := db.Exec(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	plan, err := Plan(migrations, applied, dir, steps)
	if err != nil {
		return nil, err
	}

	done := make([]Migration, 0, len(plan))
	for _, m := range plan {
		if err := applyMigration(ctx, db, fsys, m, dir); err != nil {
			return done, err
		}
		done = append(done, m)
	}
	return done, nil
}

func appliedVersions(ctx context.Context, db database) (map[int64]bool, error) {
	rows, err := db.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := map[int64]bool{}
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, db database, fsys fs.FS, m Migration, dir Direction) error {
	file := m.UpFile
	if dir == Down {
		file = m.DownFile
	}
	body, err := fs.ReadFile(fsys, file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", m.ID(), err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, string(body)); err != nil {
		return fmt.Errorf("migration %s %s failed: %w", m.ID(), dir, err)
	}
	if dir == Up {
		_, err = tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name)
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.Version)
	}
	if err != nil {
		return fmt.Errorf("record %s: %w", m.ID(), err)
	}
	return tx.Commit(ctx)
}

var migrationName = regexp.MustCompile(`^[\w-]+$`)

// NextVersion is one past the highest existing version.
func NextVersion(migrations []Migration) int64 {
	var max int64
	for _, m := range migrations {
		if m.Version > max {
			max = m.Version
		}
	}
	return max + 1
}

// WriteMigration creates the up and, when down is non-empty, down file for a new migration in
// dir. Existing files are never overwritten.
func WriteMigration(dir string, version int64, name, up, down string) ([]string, error) {
	if !migrationName.MatchString(name) {
		return nil, fmt.Errorf("migration name %q may only contain letters, digits, '_' and '-'", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	files := []struct{ name, body string }{
		{fmt.Sprintf("%03d_%s.up.sql", version, name), up},
	}
	if strings.TrimSpace(down) != "" {
		files = append(files, struct{ name, body string }{fmt.Sprintf("%03d_%s.down.sql", version, name), down})
	}

	written := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return written, err
		}
		body := strings.TrimRight(f.body, "\n") + "\n"
		_, werr := fh.WriteString(body)
		if cerr := fh.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return written, werr
		}
		written = append(written, f.name)
	}
	return written, nil
}
