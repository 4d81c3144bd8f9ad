package datastore

import (
	"fmt"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// SQLiteStore implements DataStore for SQLite
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

func validateSQLiteConfig(settings *conf.Settings) error {
	if settings.Output.SQLite.Path == "" {
		return validationError("sqlite database path cannot be empty", "output.sqlite.path", "")
	}
	return nil
}

// Open sets up the SQLite database connection and migrates the schema.
func (store *SQLiteStore) Open() error {
	if err := validateSQLiteConfig(store.Settings); err != nil {
		return err
	}

	dir, fileName := filepath.Split(store.Settings.Output.SQLite.Path)
	basePath := conf.GetBasePath(dir)
	absoluteFilePath := filepath.Join(basePath, fileName)

	// Create a new GORM logger
	newLogger := createGormLogger()

	// Open the SQLite database
	db, err := gorm.Open(sqlite.Open(absoluteFilePath), &gorm.Config{Logger: newLogger})
	if err != nil {
		if isDatabaseCorruption(err) {
			return criticalError(err, "open_sqlite", "database_corruption", "path", absoluteFilePath)
		}
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	store.DB = db
	return performAutoMigration(db, store.Settings.Debug, "SQLite", absoluteFilePath)
}

// Close releases the underlying SQLite connection.
func (store *SQLiteStore) Close() error {
	if store.DB == nil {
		return fmt.Errorf("database connection is not initialized")
	}

	sqlDB, err := store.DB.DB()
	if err != nil {
		getLogger().Error("Failed to retrieve generic DB object", "error", err)
		return err
	}

	if err := sqlDB.Close(); err != nil {
		getLogger().Error("Failed to close SQLite database", "error", err)
		return err
	}

	if store.Settings.Debug {
		getLogger().Debug("SQLite database connection closed successfully")
	}
	return nil
}
