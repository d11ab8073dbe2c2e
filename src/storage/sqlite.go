package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"market-streamer/src/logger"
	"market-streamer/src/models"

	_ "modernc.org/sqlite"
)

// -----------------------------------------------------------------------------

type SQLiteBackupStore struct {
	Path   string
	DB     *sql.DB
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewSQLiteBackupStore(path string, log *logger.Logger) *SQLiteBackupStore {
	return &SQLiteBackupStore{
		Path:   path,
		Logger: log,
	}
}

// -----------------------------------------------------------------------------

func (d *SQLiteBackupStore) Initialize(ctx context.Context) error {
	if dir := filepath.Dir(d.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	db, err := sql.Open("sqlite", d.Path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}

	d.DB = db

	// PRAGMA optimizations
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		d.Logger.Warning("Failed to set WAL mode: %v", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
		d.Logger.Warning("Failed to set synchronous mode: %v", err)
	}

	return d.createTables(ctx)
}

// -----------------------------------------------------------------------------

func (d *SQLiteBackupStore) createTables(ctx context.Context) error {
	// SQLite types: INTEGER for int64, TEXT for string and JSON payloads
	query := `
		CREATE TABLE IF NOT EXISTS candle_backups (
			symbol TEXT NOT NULL,
			backup_date TEXT NOT NULL,
			backup_timestamp INTEGER NOT NULL,
			candle_count INTEGER NOT NULL,
			candles TEXT NOT NULL,
			PRIMARY KEY (symbol, backup_date)
		);
	`
	if _, err := d.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create candle_backups: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (d *SQLiteBackupStore) SaveBackup(ctx context.Context, backup models.MCandleBackup) error {
	payload, err := json.Marshal(backup.Candles)
	if err != nil {
		return err
	}

	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO candle_backups (symbol, backup_date, backup_timestamp, candle_count, candles)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (symbol, backup_date) DO UPDATE SET
			backup_timestamp = excluded.backup_timestamp,
			candle_count = excluded.candle_count,
			candles = excluded.candles
	`, backup.Symbol, backup.BackupDate, backup.BackupTimestamp.UnixMilli(), backup.CandleCount, string(payload))
	return err
}

// -----------------------------------------------------------------------------

func (d *SQLiteBackupStore) LoadLatestBackup(ctx context.Context, symbol string) (*models.MCandleBackup, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT backup_date, backup_timestamp, candle_count, candles
		FROM candle_backups
		WHERE symbol = ?
		ORDER BY backup_date DESC
		LIMIT 1
	`, symbol)

	var (
		date    string
		tsMilli int64
		count   int
		payload string
	)
	if err := row.Scan(&date, &tsMilli, &count, &payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return decodeBackupRow(symbol, date, time.UnixMilli(tsMilli).UTC(), count, []byte(payload))
}

// -----------------------------------------------------------------------------

func (d *SQLiteBackupStore) PruneBefore(ctx context.Context, cutoff string) (int, error) {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM candle_backups WHERE backup_date < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// -----------------------------------------------------------------------------

func (d *SQLiteBackupStore) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------

// decodeBackupRow rebuilds a record from the columns shared by the SQL stores.
// candle_count is taken from the row, not recomputed, so a mismatch is still
// caught by MCandleBackup.Valid.
func decodeBackupRow(symbol, date string, ts time.Time, count int, payload []byte) (*models.MCandleBackup, error) {
	var candles []models.MCandle
	if err := json.Unmarshal(payload, &candles); err != nil {
		return nil, fmt.Errorf("corrupt candle payload for %s/%s: %w", symbol, date, err)
	}

	backup := &models.MCandleBackup{
		Symbol:          symbol,
		BackupDate:      date,
		BackupTimestamp: ts,
		CandleCount:     count,
		Candles:         candles,
	}
	if len(candles) > 0 {
		first, last := candles[0], candles[len(candles)-1]
		backup.FirstCandle = &first
		backup.LastCandle = &last
	}
	return backup, nil
}
