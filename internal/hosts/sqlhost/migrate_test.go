package sqlhost

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFS() fstest.MapFS {
	return fstest.MapFS{
		"001_init.up.sql":          {Data: []byte("CREATE TABLE users (id int);")},
		"001_init.down.sql":        {Data: []byte("DROP TABLE users;")},
		"002_add-email.up.sql":     {Data: []byte("ALTER TABLE users ADD email text;")},
		"010_orders.up.sql":        {Data: []byte("CREATE TABLE orders (id int);")},
		"010_orders.down.sql":      {Data: []byte("DROP TABLE orders;")},
		"README.md":                {Data: []byte("notes")},
		"archive/003_old.up.sql":   {Data: []byte("SELECT 1;")},
		"004_partial.sideways.sql": {Data: []byte("SELECT 1;")},
	}
}

func TestLoadMigrations(t *testing.T) {
	got, err := LoadMigrations(migrationFS())
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, Migration{Version: 1, Name: "init", UpFile: "001_init.up.sql", DownFile: "001_init.down.sql"}, got[0])
	assert.Equal(t, "2_add-email", got[1].ID())
	assert.Empty(t, got[1].DownFile)
	assert.Equal(t, int64(10), got[2].Version)
}

func TestLoadMigrationsRequiresUpFile(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{"005_orphan.down.sql": {Data: []byte("x")}})
	require.EqualError(t, err, "migration 5_orphan has no up file")
}

func TestLoadMigrationsRejectsConflictingNames(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{
		"001_a.up.sql": {Data: []byte("x")},
		"001_b.up.sql": {Data: []byte("y")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 1")
}

func TestPlan(t *testing.T) {
	migrations, err := LoadMigrations(migrationFS())
	require.NoError(t, err)

	t.Run("up takes lowest pending", func(t *testing.T) {
		got, err := Plan(migrations, map[int64]bool{1: true}, Up, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(2), got[0].Version)
	})

	t.Run("up stops when nothing pending", func(t *testing.T) {
		got, err := Plan(migrations, map[int64]bool{1: true, 2: true, 10: true}, Up, 5)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("down takes newest applied", func(t *testing.T) {
		got, err := Plan(migrations, map[int64]bool{1: true, 10: true}, Down, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(10), got[0].Version)
		assert.Equal(t, int64(1), got[1].Version)
	})

	t.Run("down needs a down file", func(t *testing.T) {
		_, err := Plan(migrations, map[int64]bool{2: true}, Down, 1)
		require.EqualError(t, err, "migration 2_add-email has no down file")
	})

	t.Run("unknown direction", func(t *testing.T) {
		_, err := Plan(migrations, nil, Direction("sideways"), 1)
		require.Error(t, err)
	})
}
