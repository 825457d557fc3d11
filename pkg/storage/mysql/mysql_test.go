package mysql

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/storage/sqlcommon"
	"github.com/placer-project/placer/pkg/storage/test"
)

// TestMySQLDatastore needs a reachable server, e.g.
// PLACER_TEST_MYSQL_URI=root:password@tcp(localhost:3306)/placer
func TestMySQLDatastore(t *testing.T) {
	uri := os.Getenv("PLACER_TEST_MYSQL_URI")
	if uri == "" {
		t.Skip("PLACER_TEST_MYSQL_URI not set")
	}

	test.RunAllTests(t, func() storage.PlacerDatastore {
		resetDatabase(t, uri)

		ds, err := New(uri, sqlcommon.NewConfig())
		require.NoError(t, err)
		return ds
	})
}

// resetDatabase drops every placer table so each suite entry starts from a
// clean schema.
func resetDatabase(t *testing.T, uri string) {
	t.Helper()

	dsn, err := PrepareDSN(uri, sqlcommon.NewConfig())
	require.NoError(t, err)

	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{
		"changelog", "allocations", "owns", "consumers", "users", "projects",
		"inventories", "providers", "goose_db_version",
	} {
		_, err := db.Exec("DROP TABLE IF EXISTS " + table)
		require.NoError(t, err)
	}

	provider := NewMySQLMigrationProvider()
	require.NoError(t, provider.RunMigrations(context.Background(), storage.MigrationConfig{
		Engine: "mysql",
		URI:    uri,
	}))
}
