package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market-streamer/src/models"
)

// Info: instrument registry kept next to the Postgres backups so backup rows
// can be joined to upstream tokens.

// -----------------------------------------------------------------------------

// RegisterInstruments upserts the configured token/symbol pairs.
func (d *PostgresBackupStore) RegisterInstruments(ctx context.Context, instruments []models.MInstrumentConfig) error {
	if len(instruments) == 0 {
		return nil
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO "%s"."instruments" (token, symbol, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			updated_at = EXCLUDED.updated_at
	`, d.Schema)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, inst := range instruments {
		if _, err := stmt.ExecContext(ctx, int64(inst.Token), inst.Symbol, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

// RegisteredInstruments reads the registry back, keyed by token.
func (d *PostgresBackupStore) RegisteredInstruments(ctx context.Context) (map[uint32]string, error) {
	rows, err := d.DB.QueryContext(ctx, fmt.Sprintf(`SELECT token, symbol FROM "%s"."instruments"`, d.Schema))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uint32]string)
	for rows.Next() {
		var token int64
		var symbol string
		if err := rows.Scan(&token, &symbol); err != nil {
			return nil, err
		}
		out[uint32(token)] = symbol
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// -----------------------------------------------------------------------------

func jsonCandles(candles []models.MCandle) ([]byte, error) {
	if candles == nil {
		candles = []models.MCandle{}
	}
	return json.Marshal(candles)
}
