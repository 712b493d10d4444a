package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/vjranagit/anomalyd/pkg/baseline"
	"github.com/vjranagit/anomalyd/pkg/types"
	"github.com/vjranagit/anomalyd/pkg/window"
)

// ErrSnapshotNotFound is returned when a stream has no stored snapshot
var ErrSnapshotNotFound = errors.New("snapshot not found")

const (
	windowPrefix = "window/"
	modelPrefix  = "model/"

	payloadVersion = 1
)

// SnapshotStore persists per-stream windows and seasonal models across
// restarts
type SnapshotStore interface {
	SaveWindow(ctx context.Context, stream string, w *window.Window[float64]) error
	// LoadWindow replaces the contents and bounds of w with the stored window
	LoadWindow(ctx context.Context, stream string, w *window.Window[float64]) error
	SaveModel(ctx context.Context, stream string, snap baseline.Snapshot) error
	LoadModel(ctx context.Context, stream string) (baseline.Snapshot, error)
	Delete(ctx context.Context, stream string) error
	ListStreams(ctx context.Context) ([]string, error)
	Close() error
}

// Config holds storage configuration
type Config struct {
	Path             string `mapstructure:"path"`
	CompressionLevel int    `mapstructure:"compression_level"`
	SyncWrites       bool   `mapstructure:"sync_writes"`
}

// DefaultConfig returns default storage configuration
func DefaultConfig() Config {
	return Config{
		Path:             "./data",
		CompressionLevel: 3,
	}
}

// badgerStore implements SnapshotStore using BadgerDB
type badgerStore struct {
	db         *badger.DB
	compressor *Compressor
	logger     *zap.Logger
}

// windowPayload is the stored form of a float window
type windowPayload struct {
	Version          int    `json:"v"`
	DurationMs       int64  `json:"duration_ms"`
	MaxElements      int    `json:"max_elements"`
	Count            int    `json:"count"`
	CompressedTS     []byte `json:"ts"`
	CompressedValues []byte `json:"values"`
	SavedAt          int64  `json:"saved_at"`
}

// NewBadgerStore opens (or creates) a store under cfg.Path
func NewBadgerStore(cfg Config, logger *zap.Logger) (SnapshotStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger")).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		compressor.Close()
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	logger.Info("snapshot store opened", zap.String("path", cfg.Path))
	return &badgerStore{db: db, compressor: compressor, logger: logger}, nil
}

func (s *badgerStore) SaveWindow(ctx context.Context, stream string, w *window.Window[float64]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries := w.Entries()
	timestamps := make([]int64, len(entries))
	values := make([]float64, len(entries))
	for i, e := range entries {
		timestamps[i] = e.Timestamp
		values[i] = e.Value
	}

	payload := windowPayload{
		Version:          payloadVersion,
		DurationMs:       w.Duration().Milliseconds(),
		MaxElements:      w.MaxElements(),
		Count:            len(entries),
		CompressedTS:     s.compressor.CompressTimestamps(timestamps),
		CompressedValues: s.compressor.CompressValues(values),
		SavedAt:          time.Now().UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal window payload: %w", err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(windowPrefix+stream), data)
	}); err != nil {
		return fmt.Errorf("failed to save window %q: %w", stream, err)
	}
	return nil
}

func (s *badgerStore) LoadWindow(ctx context.Context, stream string, w *window.Window[float64]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := s.get(windowPrefix + stream)
	if err != nil {
		return err
	}

	var payload windowPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal window payload: %w", err)
	}
	if payload.Version != payloadVersion {
		return fmt.Errorf("unsupported window payload version %d", payload.Version)
	}

	timestamps, err := s.compressor.DecompressTimestamps(payload.CompressedTS, payload.Count)
	if err != nil {
		return err
	}
	values, err := s.compressor.DecompressValues(payload.CompressedValues, payload.Count)
	if err != nil {
		return err
	}

	w.Clear()
	w.Reconfigure(time.Duration(payload.DurationMs)*time.Millisecond, payload.MaxElements)
	for i := range timestamps {
		w.Add(timestamps[i], values[i])
	}
	return nil
}

func (s *badgerStore) SaveModel(ctx context.Context, stream string, snap baseline.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal model snapshot: %w", err)
	}
	compressed := s.compressor.Compress(data)

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(modelPrefix+stream), compressed)
	}); err != nil {
		return fmt.Errorf("failed to save model %q: %w", stream, err)
	}
	return nil
}

func (s *badgerStore) LoadModel(ctx context.Context, stream string) (baseline.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return baseline.Snapshot{}, err
	}

	compressed, err := s.get(modelPrefix + stream)
	if err != nil {
		return baseline.Snapshot{}, err
	}
	data, err := s.compressor.Decompress(compressed)
	if err != nil {
		return baseline.Snapshot{}, err
	}

	var snap baseline.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return baseline.Snapshot{}, fmt.Errorf("failed to unmarshal model snapshot: %w", err)
	}
	if snap.Buckets == nil {
		snap.Buckets = make(map[types.TimeContext][]baseline.Bucket)
	}
	return snap, nil
}

// Delete removes the window and model of a stream. Missing keys are ignored.
func (s *badgerStore) Delete(ctx context.Context, stream string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(windowPrefix + stream)); err != nil {
			return err
		}
		return txn.Delete([]byte(modelPrefix + stream))
	})
}

// ListStreams returns every stream with a stored window, in key order
func (s *badgerStore) ListStreams(ctx context.Context) ([]string, error) {
	var streams []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(windowPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			streams = append(streams, strings.TrimPrefix(string(it.Item().Key()), windowPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	return streams, nil
}

func (s *badgerStore) get(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Close implements SnapshotStore.Close
func (s *badgerStore) Close() error {
	s.compressor.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// badgerLogger routes badger's printf logging into zap
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.s.Errorf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.s.Warnf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.s.Debugf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.s.Debugf(strings.TrimSpace(format), args...)
}
