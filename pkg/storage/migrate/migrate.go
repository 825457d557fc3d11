// Package migrate runs datastore schema migrations through the provider
// registry, so embedding applications can substitute their own providers.
package migrate

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/storage/mysql"
	"github.com/placer-project/placer/pkg/storage/postgres"
	"github.com/placer-project/placer/pkg/storage/sqlite"
)

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig = storage.MigrationConfig

var (
	defaultRegistry *storage.MigratorRegistry
	registryOnce    sync.Once
)

func initDefaultRegistry() {
	registryOnce.Do(func() {
		defaultRegistry = storage.NewMigratorRegistry()

		defaultRegistry.RegisterProvider("postgres", postgres.NewPostgresMigrationProvider())
		defaultRegistry.RegisterProvider("mysql", mysql.NewMySQLMigrationProvider())
		defaultRegistry.RegisterProvider("sqlite", sqlite.NewSqliteMigrationProvider())
	})
}

// GetDefaultRegistry returns the default migration provider registry.
func GetDefaultRegistry() *storage.MigratorRegistry {
	initDefaultRegistry()
	return defaultRegistry
}

// RegisterMigrationProvider registers a custom migration provider with the
// default registry.
func RegisterMigrationProvider(engine string, provider storage.MigrationProvider) {
	initDefaultRegistry()
	defaultRegistry.RegisterProvider(engine, provider)
}

// RunMigrationsWithProvider runs migrations using a specific migration provider.
func RunMigrationsWithProvider(provider storage.MigrationProvider, cfg storage.MigrationConfig) error {
	return provider.RunMigrations(context.Background(), cfg)
}

// RunMigrationsWithRegistry runs migrations using a specific migration registry.
func RunMigrationsWithRegistry(registry *storage.MigratorRegistry, cfg storage.MigrationConfig) error {
	if cfg.Engine == "memory" {
		log.Println("no migrations to run for `memory` datastore")
		return nil
	}

	provider, exists := registry.GetProvider(cfg.Engine)
	if !exists {
		return fmt.Errorf("no migration provider registered for engine: %s", cfg.Engine)
	}

	return provider.RunMigrations(context.Background(), cfg)
}

// RunMigrations runs the migrations for the given config using the default
// registry.
func RunMigrations(cfg storage.MigrationConfig) error {
	return RunMigrationsWithRegistry(GetDefaultRegistry(), cfg)
}
