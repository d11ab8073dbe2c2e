package storage

import (
	"fmt"

	"market-streamer/src/interfaces"
	"market-streamer/src/logger"
	"market-streamer/src/models"
)

// NewBackupStore picks the backup store for the configured db_type.
func NewBackupStore(cfg *models.MStorageConfig, log *logger.Logger) (interfaces.IBackupStore, error) {
	switch cfg.DBType {
	case "", "file":
		return NewFileBackupStore(cfg.BackupDir, log), nil
	case "sqlite":
		return NewSQLiteBackupStore(cfg.DBPath, log), nil
	case "postgres":
		return NewPostgresBackupStore(cfg.DBConnectionString, log)
	default:
		return nil, fmt.Errorf("unsupported database type: %q", cfg.DBType)
	}
}
