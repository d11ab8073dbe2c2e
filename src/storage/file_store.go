package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"market-streamer/src/logger"
	"market-streamer/src/models"
)

const backupDateLayout = "2006-01-02"

// -----------------------------------------------------------------------------

// FileBackupStore keeps one JSON document per (symbol, day) named
// <dir>/<symbol>_<YYYY-MM-DD>.json.
type FileBackupStore struct {
	Dir    string
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewFileBackupStore(dir string, log *logger.Logger) *FileBackupStore {
	return &FileBackupStore{Dir: dir, Logger: log}
}

// -----------------------------------------------------------------------------

func (f *FileBackupStore) Initialize(_ context.Context) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir %s: %w", f.Dir, err)
	}
	f.Logger.Info("File backup store ready at %s", f.Dir)
	return nil
}

// -----------------------------------------------------------------------------

// SaveBackup writes through a temp file renamed over the final path.
func (f *FileBackupStore) SaveBackup(_ context.Context, backup models.MCandleBackup) error {
	data, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return err
	}

	path := f.pathFor(backup.Symbol, backup.BackupDate)
	tmp, err := os.CreateTemp(f.Dir, ".backup-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// -----------------------------------------------------------------------------

func (f *FileBackupStore) LoadLatestBackup(_ context.Context, symbol string) (*models.MCandleBackup, error) {
	dates, err := f.datesFor(symbol)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, nil
	}

	latest := dates[len(dates)-1]
	data, err := os.ReadFile(f.pathFor(symbol, latest))
	if err != nil {
		return nil, err
	}

	var backup models.MCandleBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("corrupt backup %s: %w", f.pathFor(symbol, latest), err)
	}
	return &backup, nil
}

// -----------------------------------------------------------------------------

func (f *FileBackupStore) PruneBefore(_ context.Context, cutoff string) (int, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		_, date, ok := splitBackupName(e.Name())
		if !ok || date >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(f.Dir, e.Name())); err != nil {
			f.Logger.Warning("Failed to prune %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

// -----------------------------------------------------------------------------

func (f *FileBackupStore) Close() error {
	return nil
}

// -----------------------------------------------------------------------------

func (f *FileBackupStore) pathFor(symbol, date string) string {
	return filepath.Join(f.Dir, fmt.Sprintf("%s_%s.json", escapeSymbol(symbol), date))
}

// datesFor lists backup dates for symbol in ascending order. Names are matched
// exactly so "NIFTY" never picks up "NIFTY BANK" records.
func (f *FileBackupStore) datesFor(symbol string) ([]string, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	want := escapeSymbol(symbol)
	var dates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, date, ok := splitBackupName(e.Name())
		if ok && name == want {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// -----------------------------------------------------------------------------

// splitBackupName parses "<symbol>_<YYYY-MM-DD>.json".
func splitBackupName(file string) (symbol, date string, ok bool) {
	base, found := strings.CutSuffix(file, ".json")
	if !found || len(base) < len(backupDateLayout)+2 {
		return "", "", false
	}
	date = base[len(base)-len(backupDateLayout):]
	if base[len(base)-len(backupDateLayout)-1] != '_' {
		return "", "", false
	}
	if _, err := time.Parse(backupDateLayout, date); err != nil {
		return "", "", false
	}
	return base[:len(base)-len(backupDateLayout)-1], date, true
}

// escapeSymbol maps a symbol to a file-name-safe form. Bytes outside
// [A-Za-z0-9-] are written as %XX, so distinct symbols never share a file.
func escapeSymbol(symbol string) string {
	var b strings.Builder
	for i := 0; i < len(symbol); i++ {
		c := symbol[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
