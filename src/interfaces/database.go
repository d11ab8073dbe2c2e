package interfaces

import (
	"context"

	"market-streamer/src/models"
)

// -----------------------------------------------------------------------------
// IBackupStore defines the contract for durable candle backups.
// -----------------------------------------------------------------------------

type IBackupStore interface {

	// Initialize prepares the underlying storage (directories, tables).
	Initialize(ctx context.Context) error

	// -----------------------------------------------------------------------------

	// SaveBackup writes one record, replacing any record for the same
	// symbol and backup date.
	SaveBackup(ctx context.Context, backup models.MCandleBackup) error

	// -----------------------------------------------------------------------------

	// LoadLatestBackup returns the most recent record for symbol, or nil
	// with no error when none exists.
	LoadLatestBackup(ctx context.Context, symbol string) (*models.MCandleBackup, error)

	// -----------------------------------------------------------------------------

	// PruneBefore deletes records whose backup date is strictly before
	// cutoff (YYYY-MM-DD) and returns how many were removed.
	PruneBefore(ctx context.Context, cutoff string) (int, error)

	// -----------------------------------------------------------------------------

	// Close releases resources.
	Close() error
}
