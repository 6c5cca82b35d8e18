package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFS_PairsUpAndDown(t *testing.T) {
	entries, err := fs.ReadDir(MigrationFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file in migrations: %s", name)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestMigrationFS_CreatesSubsystemTables(t *testing.T) {
	raw, err := fs.ReadFile(MigrationFS, "migrations/000001_init.up.sql")
	require.NoError(t, err)
	sql := string(raw)

	for _, want := range []string{
		"CREATE SCHEMA IF NOT EXISTS " + Schema,
		Schema + ".principals",
		Schema + ".refresh_tokens",
		"token_hash CHAR(64)",
		"fingerprint_hash CHAR(64)",
	} {
		assert.Contains(t, sql, want)
	}
}

func TestMigrate_RejectsBadInput(t *testing.T) {
	require.Error(t, Migrate("", Up))
	require.Error(t, Migrate("postgres://localhost/x", Direction("sideways")))
}
