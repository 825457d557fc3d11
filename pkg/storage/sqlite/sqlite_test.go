package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/storage/sqlcommon"
	"github.com/placer-project/placer/pkg/storage/test"
)

func TestSqliteDatastore(t *testing.T) {
	test.RunAllTests(t, func() storage.PlacerDatastore {
		uri := filepath.Join(t.TempDir(), "placer.db")

		provider := NewSqliteMigrationProvider()
		err := provider.RunMigrations(context.Background(), storage.MigrationConfig{
			Engine: "sqlite",
			URI:    uri,
		})
		require.NoError(t, err)

		ds, err := New(uri, sqlcommon.NewConfig())
		require.NoError(t, err)
		return ds
	})
}

func TestPrepareDSN(t *testing.T) {
	t.Run("defaults_added", func(t *testing.T) {
		dsn, err := PrepareDSN("placer.db")
		require.NoError(t, err)
		require.Contains(t, dsn, "journal_mode%28WAL%29")
		require.Contains(t, dsn, "busy_timeout%28100%29")
		require.Contains(t, dsn, "_txlock=immediate")
	})

	t.Run("explicit_pragmas_kept", func(t *testing.T) {
		dsn, err := PrepareDSN("placer.db?_pragma=journal_mode%28DELETE%29")
		require.NoError(t, err)
		require.Contains(t, dsn, "journal_mode%28DELETE%29")
		require.NotContains(t, dsn, "journal_mode%28WAL%29")
	})
}
