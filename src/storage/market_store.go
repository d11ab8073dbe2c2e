package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/logger"
	"market-streamer/src/models"
	"market-streamer/src/utils"
)

// -----------------------------------------------------------------------------
// MarketStore keeps, per instrument, a short-TTL latest tick and a bounded
// candle sequence. Candles are mutated only from AppendTick.
// -----------------------------------------------------------------------------

type latestSlot struct {
	tick       models.MTick
	receivedAt time.Time
}

type instrumentSeries struct {
	candles   *utils.RingBuffer
	lastCum   int64
	hasVolume bool
}

type MarketStore struct {
	Config   *models.MMarketStoreConfig
	Backups  interfaces.IBackupStore
	Location *time.Location
	Logger   *logger.Logger

	symbols []string

	mu     sync.RWMutex
	latest map[string]latestSlot
	series map[string]*instrumentSeries

	now func() time.Time
}

// -----------------------------------------------------------------------------

func NewMarketStore(cfg *models.MMarketStoreConfig, symbols []string, backups interfaces.IBackupStore, loc *time.Location, log *logger.Logger) *MarketStore {
	if loc == nil {
		loc = time.UTC
	}
	s := &MarketStore{
		Config:   cfg,
		Backups:  backups,
		Location: loc,
		Logger:   log,
		symbols:  append([]string(nil), symbols...),
		latest:   make(map[string]latestSlot, len(symbols)),
		series:   make(map[string]*instrumentSeries, len(symbols)),
		now:      time.Now,
	}
	for _, sym := range symbols {
		s.series[sym] = s.newSeries()
	}
	return s
}

func (s *MarketStore) newSeries() *instrumentSeries {
	return &instrumentSeries{candles: utils.NewRingBuffer(s.Config.CandleCapacity)}
}

// -----------------------------------------------------------------------------

// Symbols returns the configured instruments in configuration order.
func (s *MarketStore) Symbols() []string {
	return append([]string(nil), s.symbols...)
}

// -----------------------------------------------------------------------------
// Ingestion
// -----------------------------------------------------------------------------

// AppendTick overwrites the latest slot and folds the tick into the candle
// for its bucket. Ticks older than the newest bucket update only the slot.
func (s *MarketStore) AppendTick(tick models.MTick) {
	id := tick.InstrumentID
	if id == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest[id] = latestSlot{tick: tick, receivedAt: s.now()}

	series, ok := s.series[id]
	if !ok {
		series = s.newSeries()
		s.series[id] = series
	}

	// Upstream volume is cumulative for the day
	var delta int64
	if series.hasVolume && tick.Volume > series.lastCum {
		delta = tick.Volume - series.lastCum
	}
	if !series.hasVolume || tick.Volume > series.lastCum {
		series.lastCum = tick.Volume
		series.hasVolume = true
	}

	if tick.Price <= 0 {
		return
	}

	observed := tick.ObservedAt
	if observed.IsZero() {
		observed = s.now()
	}
	bucket := s.bucketStart(observed)

	last, ok := series.candles.Last()
	switch {
	case !ok || bucket.After(last.BucketStart):
		series.candles.Append(models.MCandle{
			InstrumentID: id,
			Open:         tick.Price,
			High:         tick.Price,
			Low:          tick.Price,
			Close:        tick.Price,
			Volume:       delta,
			OpenInterest: tick.OpenInterest,
			BucketStart:  bucket,
		})
	case bucket.Equal(last.BucketStart):
		if tick.Price > last.High {
			last.High = tick.Price
		}
		if tick.Price < last.Low {
			last.Low = tick.Price
		}
		last.Close = tick.Price
		last.Volume += delta
		if tick.OpenInterest > 0 {
			last.OpenInterest = tick.OpenInterest
		}
		series.candles.ReplaceLast(last)
	default:
		s.Logger.Debug("Late tick for %s at %s skipped for candles", id, observed.Format(time.RFC3339))
	}
}

// -----------------------------------------------------------------------------

// bucketStart floors t to the bucket width, measured from exchange midnight.
func (s *MarketStore) bucketStart(t time.Time) time.Time {
	width := time.Duration(s.Config.CandleBucketSeconds) * time.Second
	if width <= 0 {
		width = time.Minute
	}
	local := t.In(s.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location)
	offset := local.Sub(midnight)
	return midnight.Add(offset - offset%width)
}

// -----------------------------------------------------------------------------

// StartSession forgets the cumulative volume baselines at the start of a
// trading day.
func (s *MarketStore) StartSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, series := range s.series {
		series.lastCum = 0
		series.hasVolume = false
	}
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// GetFresh returns the latest tick only while it is within the TTL.
func (s *MarketStore) GetFresh(id string) (*models.MTick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.latest[id]
	if !ok {
		return nil, false
	}
	ttl := time.Duration(s.Config.TickTTLSeconds) * time.Second
	if s.now().Sub(slot.receivedAt) > ttl {
		return nil, false
	}
	tick := slot.tick
	return &tick, true
}

// -----------------------------------------------------------------------------

// GetBestEffort ignores the TTL so a quiet or closed market still shows its
// last known value.
func (s *MarketStore) GetBestEffort(id string) (*models.MTick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.latest[id]
	if !ok {
		return nil, false
	}
	tick := slot.tick
	return &tick, true
}

// -----------------------------------------------------------------------------

// SnapshotAll maps every known instrument to its best-effort latest tick, or
// nil when none has been seen.
func (s *MarketStore) SnapshotAll() map[string]*models.MTick {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.MTick, len(s.series))
	for id := range s.series {
		out[id] = nil
	}
	for id, slot := range s.latest {
		tick := slot.tick
		out[id] = &tick
	}
	return out
}

// -----------------------------------------------------------------------------

// Candles returns up to n newest candles, oldest first. n <= 0 means all.
func (s *MarketStore) Candles(id string, n int) []models.MCandle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series, ok := s.series[id]
	if !ok {
		return nil
	}
	if n <= 0 {
		return series.candles.GetAll()
	}
	return series.candles.GetLatest(n)
}

// -----------------------------------------------------------------------------

// Wipe drops the candle sequence and latest tick of one instrument.
func (s *MarketStore) Wipe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, id)
	if series, ok := s.series[id]; ok {
		series.candles.Clear()
		series.lastCum = 0
		series.hasVolume = false
	}
}

// -----------------------------------------------------------------------------
// Backup / Restore
// -----------------------------------------------------------------------------

// Backup writes the full candle sequence of id as one record dated by the
// exchange-local day. An empty sequence writes nothing.
func (s *MarketStore) Backup(ctx context.Context, id string) error {
	candles := s.Candles(id, 0)
	if len(candles) == 0 {
		s.Logger.Debug("No candles for %s, backup skipped", id)
		return nil
	}

	now := s.now()
	first, last := candles[0], candles[len(candles)-1]
	backup := models.MCandleBackup{
		Symbol:          id,
		BackupDate:      now.In(s.Location).Format("2006-01-02"),
		BackupTimestamp: now.UTC(),
		CandleCount:     len(candles),
		FirstCandle:     &first,
		LastCandle:      &last,
		Candles:         candles,
	}

	if err := s.Backups.SaveBackup(ctx, backup); err != nil {
		return helpers.NewPersistenceError("backup "+id, err)
	}
	s.Logger.Info("Backed up %d candles for %s", len(candles), id)
	return nil
}

// -----------------------------------------------------------------------------

// BackupAll backs up every instrument. The result maps each instrument that
// was attempted to its error, nil on success.
func (s *MarketStore) BackupAll(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.symbols))
	for _, id := range s.knownIDs() {
		if len(s.Candles(id, 1)) == 0 {
			continue
		}
		err := s.Backup(ctx, id)
		if err != nil {
			s.Logger.Error("%v", err)
		}
		results[id] = err
	}
	return results
}

// -----------------------------------------------------------------------------

// Restore replaces the candle sequence of id with its most recent backup and
// returns how many candles were loaded. A missing backup is not an error.
// A failed or inconsistent backup leaves the sequence empty and returns a
// PersistenceError for the caller to log.
func (s *MarketStore) Restore(ctx context.Context, id string) (int, error) {
	backup, err := s.Backups.LoadLatestBackup(ctx, id)
	if err != nil {
		return 0, helpers.NewPersistenceError("restore "+id, err)
	}
	if backup == nil {
		return 0, nil
	}
	if !backup.Valid() {
		return 0, helpers.NewPersistenceError("restore "+id,
			errors.New("candle_count does not match candle list"))
	}

	candles := append([]models.MCandle(nil), backup.Candles...)
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].BucketStart.Before(candles[j].BucketStart)
	})
	for i := range candles {
		if candles[i].InstrumentID == "" {
			candles[i].InstrumentID = id
		}
	}

	s.mu.Lock()
	series, ok := s.series[id]
	if !ok {
		series = s.newSeries()
		s.series[id] = series
	}
	series.candles.Load(candles)
	loaded := series.candles.Size()
	s.mu.Unlock()

	s.Logger.Info("Restored %d candles for %s from %s backup", loaded, id, backup.BackupDate)
	return loaded, nil
}

// -----------------------------------------------------------------------------

// RestoreAll restores every configured instrument. Failures are logged and
// count as zero restored candles.
func (s *MarketStore) RestoreAll(ctx context.Context) map[string]int {
	out := make(map[string]int, len(s.symbols))
	for _, id := range s.symbols {
		n, err := s.Restore(ctx, id)
		if err != nil {
			s.Logger.Warning("No usable backup for %s: %v", id, err)
		}
		out[id] = n
	}
	return out
}

// -----------------------------------------------------------------------------

// Prune removes backups older than retentionDays before today.
func (s *MarketStore) Prune(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().In(s.Location).AddDate(0, 0, -retentionDays).Format("2006-01-02")
	n, err := s.Backups.PruneBefore(ctx, cutoff)
	if err != nil {
		return n, helpers.NewPersistenceError("prune backups", err)
	}
	if n > 0 {
		s.Logger.Info("Pruned %d backups older than %s", n, cutoff)
	}
	return n, nil
}

// -----------------------------------------------------------------------------

func (s *MarketStore) knownIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.series))
	for id := range s.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
