package persistence_test

import (
	"StableLedger/internal/persistence"
	"StableLedger/internal/testutil"
	"context"
	"os"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqlFile(body string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(body)}
}

func TestLoadMigrationsPairsAndOrders(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_snapshots.up.sql":   sqlFile("CREATE TABLE b ();"),
		"000002_snapshots.down.sql": sqlFile("DROP TABLE b;"),
		"000001_event_log.down.sql": sqlFile("DROP TABLE a;"),
		"000001_event_log.up.sql":   sqlFile("CREATE TABLE a ();"),
		"README.md":                 sqlFile("ignored"),
	}

	migrations, err := persistence.LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, persistence.Migration{
		Version:  "000001",
		Name:     "event_log",
		UpFile:   "000001_event_log.up.sql",
		DownFile: "000001_event_log.down.sql",
	}, migrations[0])
	assert.Equal(t, "000002", migrations[1].Version)
}

func TestLoadMigrationsRejectsMalformedSets(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"missing down": {
			"000001_event_log.up.sql": sqlFile(""),
		},
		"version reused": {
			"000001_event_log.up.sql":   sqlFile(""),
			"000001_event_log.down.sql": sqlFile(""),
			"000001_other.up.sql":       sqlFile(""),
			"000001_other.down.sql":     sqlFile(""),
		},
		"no name": {
			"000001.up.sql":   sqlFile(""),
			"000001.down.sql": sqlFile(""),
		},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := persistence.LoadMigrations(fsys)
			assert.ErrorIs(t, err, persistence.ErrMigrationFiles)
		})
	}
}

func TestShippedMigrationsAreWellFormed(t *testing.T) {
	migrations, err := persistence.LoadMigrations(os.DirFS(testutil.MigrationsDir(t)))
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
}

func TestMigratorStatusDownUp(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, os.DirFS(testutil.MigrationsDir(t)), zerolog.Nop())

	n, err := m.Up(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "SetupTestDB already migrated")

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, statuses)
	for _, st := range statuses {
		assert.NotNil(t, st.AppliedAt, "version %s", st.Version)
	}
	last := statuses[len(statuses)-1].Version

	rolled, err := m.Down(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rolled)

	statuses, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, statuses[len(statuses)-1].AppliedAt, "version %s should be pending", last)

	n, err = m.Up(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
