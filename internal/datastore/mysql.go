package datastore

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// MySQLStore implements DataStore for MySQL
type MySQLStore struct {
	DataStore
	Settings *conf.Settings
}

func validateMySQLConfig(settings *conf.Settings) error {
	mysqlConf := settings.Output.MySQL
	switch {
	case mysqlConf.Host == "":
		return validationError("mysql host cannot be empty", "output.mysql.host", "")
	case mysqlConf.Port == "":
		return validationError("mysql port cannot be empty", "output.mysql.port", "")
	case mysqlConf.Database == "":
		return validationError("mysql database name cannot be empty", "output.mysql.database", "")
	case mysqlConf.Username == "":
		return validationError("mysql username cannot be empty", "output.mysql.username", "")
	}
	return nil
}

// Open sets up the MySQL database connection and migrates the schema.
func (store *MySQLStore) Open() error {
	if err := validateMySQLConfig(store.Settings); err != nil {
		return err
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		store.Settings.Output.MySQL.Username, store.Settings.Output.MySQL.Password,
		store.Settings.Output.MySQL.Host, store.Settings.Output.MySQL.Port,
		store.Settings.Output.MySQL.Database)

	// Create a new GORM logger
	newLogger := createGormLogger()

	// Open the MySQL database
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: newLogger})
	if err != nil {
		getLogger().Error("Failed to open MySQL database",
			"host", store.Settings.Output.MySQL.Host,
			"port", store.Settings.Output.MySQL.Port,
			"database", store.Settings.Output.MySQL.Database,
			"error", err)
		return fmt.Errorf("failed to open MySQL database: %w", err)
	}

	store.DB = db

	// The DSN carries credentials, identify the connection by host and
	// database name only.
	connInfo := fmt.Sprintf("%s:%s/%s",
		store.Settings.Output.MySQL.Host,
		store.Settings.Output.MySQL.Port,
		store.Settings.Output.MySQL.Database)
	return performAutoMigration(db, store.Settings.Debug, "MySQL", connInfo)
}

// Close releases the MySQL connection pool.
func (store *MySQLStore) Close() error {
	if store.DB == nil {
		getLogger().Error("Database connection is not initialized")
		return fmt.Errorf("database connection is not initialized")
	}

	sqlDB, err := store.DB.DB()
	if err != nil {
		getLogger().Error("Failed to retrieve generic DB object", "error", err)
		return err
	}

	if err := sqlDB.Close(); err != nil {
		getLogger().Error("Failed to close MySQL database", "error", err)
		return err
	}

	if store.Settings.Debug {
		getLogger().Debug("MySQL database connection closed successfully")
	}
	return nil
}
