package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"market-streamer/src/logger"
	"market-streamer/src/models"

	_ "github.com/lib/pq"
)

// -----------------------------------------------------------------------------

type PostgresBackupStore struct {
	DSN    string
	DB     *sql.DB
	Schema string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

// NewPostgresBackupStore names the schema after the running executable so
// several deployments can share one database.
func NewPostgresBackupStore(dsn string, log *logger.Logger) (*PostgresBackupStore, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable name: %w", err)
	}
	name := filepath.Base(exe)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	return &PostgresBackupStore{
		DSN:    dsn,
		Schema: name,
		Logger: log,
	}, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresBackupStore) Initialize(ctx context.Context) error {
	db, err := sql.Open("postgres", d.DSN)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}

	d.DB = db

	if _, err := d.DB.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, d.Schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", d.Schema, err)
	}

	if err := d.createTables(ctx); err != nil {
		return err
	}

	d.Logger.Info("PostgresBackupStore initialized successfully (Schema: %s)", d.Schema)
	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresBackupStore) createTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."candle_backups" (
			symbol TEXT NOT NULL,
			backup_date DATE NOT NULL,
			backup_timestamp TIMESTAMPTZ NOT NULL,
			candle_count INTEGER NOT NULL,
			candles JSONB NOT NULL,
			PRIMARY KEY (symbol, backup_date)
		);
	`, d.Schema)
	if _, err := d.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create candle_backups: %w", err)
	}

	query = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."instruments" (
			token BIGINT PRIMARY KEY,
			symbol TEXT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		);
	`, d.Schema)
	if _, err := d.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	return nil
}

// -----------------------------------------------------------------------------

func (d *PostgresBackupStore) SaveBackup(ctx context.Context, backup models.MCandleBackup) error {
	payload, err := jsonCandles(backup.Candles)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO "%s"."candle_backups" (symbol, backup_date, backup_timestamp, candle_count, candles)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, backup_date) DO UPDATE SET
			backup_timestamp = EXCLUDED.backup_timestamp,
			candle_count = EXCLUDED.candle_count,
			candles = EXCLUDED.candles
	`, d.Schema)
	_, err = d.DB.ExecContext(ctx, query, backup.Symbol, backup.BackupDate, backup.BackupTimestamp.UTC(), backup.CandleCount, string(payload))
	return err
}

// -----------------------------------------------------------------------------

func (d *PostgresBackupStore) LoadLatestBackup(ctx context.Context, symbol string) (*models.MCandleBackup, error) {
	query := fmt.Sprintf(`
		SELECT to_char(backup_date, 'YYYY-MM-DD'), backup_timestamp, candle_count, candles
		FROM "%s"."candle_backups"
		WHERE symbol = $1
		ORDER BY backup_date DESC
		LIMIT 1
	`, d.Schema)

	var (
		date    string
		ts      sql.NullTime
		count   int
		payload []byte
	)
	err := d.DB.QueryRowContext(ctx, query, symbol).Scan(&date, &ts, &count, &payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return decodeBackupRow(symbol, date, ts.Time.UTC(), count, payload)
}

// -----------------------------------------------------------------------------

func (d *PostgresBackupStore) PruneBefore(ctx context.Context, cutoff string) (int, error) {
	query := fmt.Sprintf(`DELETE FROM "%s"."candle_backups" WHERE backup_date < $1`, d.Schema)
	res, err := d.DB.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// -----------------------------------------------------------------------------

func (d *PostgresBackupStore) Close() error {
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}
