package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/metrics"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// Key prefixes. Each relation lives in its own keyspace so iterations never
// decode rows of another relation.
const (
	prefixMetric  byte = 'm' // m | series hash (8) | timestamp (8)
	prefixCheck   byte = 'c' // c | agent id | 0x00 | hash
	prefixContent byte = 't' // t | hash
)

// Storage implements storage.Storage and storage.TextStore using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

var (
	_ storage.Storage   = (*Storage)(nil)
	_ storage.TextStore = (*Storage)(nil)
)

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	MaxMemoryMB int64

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// SAFETY: Conservative memory limits. BadgerDB defaults to 64 MB memtables
	// x 5, far more than a single central node needs for rollups.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024). // full query texts are usually larger and go to the vlog
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&zapLogger{sugar: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// Write stores samples in BadgerDB
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Write(ctx context.Context, samples []metrics.Metric) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			for i, m := range samples {
				if i%100 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				value, err := json.Marshal(m)
				if err != nil {
					return fmt.Errorf("failed to encode metric: %w", err)
				}
				if err := txn.Set(metricKey(m), value); err != nil {
					return fmt.Errorf("failed to write metric: %w", err)
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Query retrieves samples matching the request, ordered by series then time
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]metrics.Metric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type queryResult struct {
		results []metrics.Metric
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		var res queryResult
		res.err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100
			opts.Prefix = []byte{prefixMetric}

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				// Time range can be checked from the key without decoding
				ts := keyTimestamp(it.Item().Key())
				if ts.Before(req.Start) || ts.After(req.End) {
					continue
				}

				var m metrics.Metric
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &m)
				}); err != nil {
					return fmt.Errorf("failed to decode metric: %w", err)
				}
				if !storage.Matches(m, req) {
					continue
				}

				res.results = append(res.results, m)
				if req.Limit > 0 && len(res.results) >= req.Limit {
					break
				}
			}
			return nil
		})
		done <- res
	}()

	select {
	case res := <-done:
		return res.results, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// Delete removes samples matching the deletion criteria
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Delete(ctx context.Context, opts storage.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = []byte{prefixMetric}
			// Need values only if filtering by resolution
			iterOpts.PrefetchValues = opts.Resolution != ""

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			var keysToDelete [][]byte
			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				item := it.Item()
				if !keyTimestamp(item.Key()).Before(opts.Before) {
					continue
				}

				if opts.Resolution != "" {
					var m metrics.Metric
					if err := item.Value(func(val []byte) error {
						return json.Unmarshal(val, &m)
					}); err != nil {
						return fmt.Errorf("failed to unmarshal metric: %w", err)
					}
					if !storage.MatchesDelete(m, opts) {
						continue
					}
				}

				keysToDelete = append(keysToDelete, item.KeyCopy(nil))
			}

			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// CheckExists reports whether a live check row exists for (agentID, hash)
func (s *Storage) CheckExists(ctx context.Context, agentID, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(checkKey(agentID, hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to read check row: %w", err)
	}
	return found, nil
}

// ReadText returns the live content row for hash
func (s *Storage) ReadText(ctx context.Context, hash string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var text string
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(contentKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			text = string(val)
			found = true
			return nil
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read content row: %w", err)
	}
	return text, found, nil
}

// WriteCheck asynchronously writes the check row with a TTL
func (s *Storage) WriteCheck(agentID, hash string, ttl time.Duration) *storage.Pending {
	return s.writeAsync(badger.NewEntry(checkKey(agentID, hash), nil).WithTTL(ttl))
}

// WriteText asynchronously writes the content row with a TTL
func (s *Storage) WriteText(hash, text string, ttl time.Duration) *storage.Pending {
	return s.writeAsync(badger.NewEntry(contentKey(hash), []byte(text)).WithTTL(ttl))
}

// writeAsync commits a single entry without waiting for the commit to be
// durable; the returned handle resolves when it is.
func (s *Storage) writeAsync(entry *badger.Entry) *storage.Pending {
	pending := storage.NewPending()
	txn := s.db.NewTransaction(true)
	if err := txn.SetEntry(entry); err != nil {
		txn.Discard()
		pending.Resolve(fmt.Errorf("failed to stage entry: %w", err))
		return pending
	}
	// CommitWith discards the transaction itself
	txn.CommitWith(func(err error) {
		pending.Resolve(err)
	})
	return pending
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs one round of BadgerDB's value log garbage collection, reclaiming
// space from expired query texts and deleted samples. A file is rewritten if
// discardRatio of it can be discarded. It reports whether a file was rewritten.
func (s *Storage) RunGC(discardRatio float64) (bool, error) {
	err := s.db.RunValueLogGC(discardRatio)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected), errors.Is(err, badger.ErrGCInMemoryMode):
		return false, nil
	default:
		return false, fmt.Errorf("value log gc: %w", err)
	}
}

// Stats returns storage statistics
// CRITICAL: Enforces context timeout/cancellation to prevent indefinite blocking
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		stats := &storage.Stats{}
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			series := make(map[uint64]bool)
			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				key := it.Item().Key()
				switch key[0] {
				case prefixCheck:
					stats.CheckRows++
					continue
				case prefixContent:
					stats.ContentRows++
					continue
				case prefixMetric:
				default:
					continue
				}

				stats.TotalMetrics++
				series[binary.BigEndian.Uint64(key[1:9])] = true

				ts := keyTimestamp(key)
				if stats.OldestMetric.IsZero() || ts.Before(stats.OldestMetric) {
					stats.OldestMetric = ts
				}
				if ts.After(stats.NewestMetric) {
					stats.NewestMetric = ts
				}
			}
			stats.TotalSeries = uint64(len(series))
			return nil
		})

		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}
		done <- statsResult{stats: stats, err: err}
	}()

	select {
	case res := <-done:
		return res.stats, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

// metricKey creates a sortable key: prefix + series_hash + timestamp
// Format: [prefix (1 byte)][series_hash (8 bytes)][timestamp (8 bytes)]
func metricKey(m metrics.Metric) []byte {
	key := make([]byte, 17)
	key[0] = prefixMetric
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(storage.SeriesKey(m)))
	binary.BigEndian.PutUint64(key[9:17], uint64(m.Timestamp.UnixNano()))
	return key
}

// keyTimestamp extracts the timestamp from a metric key
func keyTimestamp(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[9:17])))
}

func checkKey(agentID, hash string) []byte {
	key := make([]byte, 0, 2+len(agentID)+len(hash))
	key = append(key, prefixCheck)
	key = append(key, agentID...)
	key = append(key, 0)
	return append(key, hash...)
}

func contentKey(hash string) []byte {
	key := make([]byte, 0, 1+len(hash))
	key = append(key, prefixContent)
	return append(key, hash...)
}

// zapLogger adapts zap to BadgerDB's Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (l *zapLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *zapLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *zapLogger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *zapLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}
