package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vjranagit/anomalyd/pkg/baseline"
	"github.com/vjranagit/anomalyd/pkg/storage"
	"github.com/vjranagit/anomalyd/pkg/types"
	"github.com/vjranagit/anomalyd/pkg/window"
)

var (
	// ErrInvalidStream is returned for an empty stream name
	ErrInvalidStream = errors.New("stream name is required")
	// ErrInvalidValue is returned for NaN or infinite observations
	ErrInvalidValue = errors.New("observation value is not finite")
	// ErrUnknownStream is returned when reading a stream that was never observed
	ErrUnknownStream = errors.New("unknown stream")
)

// Config bounds the per-stream windows and tunes the seasonal models
type Config struct {
	WindowDuration    time.Duration
	WindowMaxElements int
	Sensitivity       float64
	LearningRate      float64
	Location          *time.Location
	// MinConfidence is the bucket confidence required before breaches are reported
	MinConfidence float64
}

// DefaultConfig returns a one hour window with the model defaults
func DefaultConfig() Config {
	return Config{
		WindowDuration:    time.Hour,
		WindowMaxElements: 10_000,
		Sensitivity:       baseline.DefaultSensitivity,
		LearningRate:      baseline.DefaultLearningRate,
		Location:          time.Local,
		MinConfidence:     0.5,
	}
}

// Recorder receives tracker metrics. *metrics.Metrics implements it.
type Recorder interface {
	Observed(stream string)
	BreachDetected(stream string)
	SnapshotCompleted(op string, err error)
}

type nopRecorder struct{}

func (nopRecorder) Observed(string)                 {}
func (nopRecorder) BreachDetected(string)           {}
func (nopRecorder) SnapshotCompleted(string, error) {}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger for breaches and snapshots
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics records observations, breaches and snapshot outcomes
func WithMetrics(r Recorder) Option {
	return func(t *Tracker) {
		if r != nil {
			t.metrics = r
		}
	}
}

// WithStore makes Forget also delete the stream's stored snapshot
func WithStore(store storage.SnapshotStore) Option {
	return func(t *Tracker) {
		t.store = store
	}
}

// Observation is the result of recording one value
type Observation struct {
	Stream    string                `json:"stream"`
	Timestamp time.Time             `json:"timestamp"`
	Value     float64               `json:"value"`
	Count     int                   `json:"window_count"`
	Mean      float64               `json:"window_mean"`
	StdDev    float64               `json:"window_stddev"`
	Breach    *types.BaselineBreach `json:"breach,omitempty"`
}

// StreamStats describes the current state of one stream
type StreamStats struct {
	Stream string            `json:"stream"`
	Count  int               `json:"window_count"`
	Mean   float64           `json:"window_mean"`
	StdDev float64           `json:"window_stddev"`
	Oldest time.Time         `json:"oldest,omitempty"`
	Newest time.Time         `json:"newest,omitempty"`
	Hourly []baseline.Bucket `json:"hourly"`
	Daily  []baseline.Bucket `json:"daily"`
	Weekly []baseline.Bucket `json:"weekly"`
}

// stream pairs a window with its model. Both are single-writer structures
// and are only touched under mu.
type stream struct {
	mu     sync.Mutex
	window *window.Window[float64]
	model  *baseline.SeasonalModel
	// set by Forget so an in-flight Snapshot does not write the stream back
	forgotten bool
}

// Tracker keeps a sliding window and a seasonal baseline per named stream
// and reports values above the learned hourly threshold.
type Tracker struct {
	logger  *zap.Logger
	metrics Recorder
	store   storage.SnapshotStore

	mu      sync.RWMutex
	cfg     Config
	streams map[string]*stream
}

// New creates an empty tracker
func New(cfg Config, opts ...Option) *Tracker {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	t := &Tracker{
		logger:  zap.NewNop(),
		metrics: nopRecorder{},
		cfg:     cfg,
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func newStream(cfg Config) *stream {
	return &stream{
		window: window.New[float64](cfg.WindowDuration, cfg.WindowMaxElements),
		model: baseline.NewSeasonalModel(
			baseline.WithSensitivity(cfg.Sensitivity),
			baseline.WithLearningRate(cfg.LearningRate),
			baseline.WithLocation(cfg.Location),
		),
	}
}

func (t *Tracker) getOrCreate(name string) *stream {
	t.mu.RLock()
	s, ok := t.streams[name]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.streams[name]; ok {
		return s
	}
	s = newStream(t.cfg)
	t.streams[name] = s
	t.logger.Debug("stream created", zap.String("stream", name))
	return s
}

func (t *Tracker) lookup(name string) (*stream, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.streams[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	return s, nil
}

// Observe records value on a stream. The value is checked against the hourly
// threshold learned so far before it is folded into the baseline, so a spike
// cannot raise its own threshold.
func (t *Tracker) Observe(name string, ts time.Time, value float64) (Observation, error) {
	if name == "" {
		return Observation{}, ErrInvalidStream
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Observation{}, fmt.Errorf("%w: %v", ErrInvalidValue, value)
	}

	t.mu.RLock()
	minConfidence := t.cfg.MinConfidence
	t.mu.RUnlock()

	s := t.getOrCreate(name)
	s.mu.Lock()
	defer s.mu.Unlock()

	obs := Observation{Stream: name, Timestamp: ts, Value: value}
	if b, err := s.model.Baseline(ts, types.Hourly); err == nil && b.Confidence >= minConfidence {
		threshold, _ := s.model.Threshold(ts, types.Hourly)
		if value > threshold {
			obs.Breach = &types.BaselineBreach{
				ID:         uuid.NewString(),
				Stream:     name,
				Timestamp:  ts,
				Value:      value,
				Threshold:  threshold,
				Confidence: b.Confidence,
				Context:    types.Hourly,
			}
		}
	}

	ms := ts.UnixMilli()
	s.window.Add(ms, value)
	s.window.Prune(ms)
	s.model.AddObservation(value, ts)

	obs.Count = s.window.Len()
	obs.Mean = window.Mean(s.window)
	obs.StdDev = window.StdDev(s.window)

	t.metrics.Observed(name)
	if obs.Breach != nil {
		t.metrics.BreachDetected(name)
		t.logger.Info("baseline breach",
			zap.String("stream", name),
			zap.Float64("value", value),
			zap.Float64("threshold", obs.Breach.Threshold),
			zap.Float64("confidence", obs.Breach.Confidence))
	}
	return obs, nil
}

// Stats returns the window and bucket state of a stream
func (t *Tracker) Stats(name string) (StreamStats, error) {
	s, err := t.lookup(name)
	if err != nil {
		return StreamStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := StreamStats{
		Stream: name,
		Count:  s.window.Len(),
		Mean:   window.Mean(s.window),
		StdDev: window.StdDev(s.window),
		Hourly: s.model.Buckets(types.Hourly),
		Daily:  s.model.Buckets(types.Daily),
		Weekly: s.model.Buckets(types.Weekly),
	}
	if e, ok := s.window.Oldest(); ok {
		st.Oldest = time.UnixMilli(e.Timestamp)
	}
	if e, ok := s.window.Newest(); ok {
		st.Newest = time.UnixMilli(e.Timestamp)
	}
	return st, nil
}

// WriteWindow encodes the window of a stream with the window binary codec
func (t *Tracker) WriteWindow(name string, dst io.Writer) error {
	s, err := t.lookup(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.window.WriteTo(dst)
	return err
}

// Streams returns the names of all streams in sorted order
func (t *Tracker) Streams() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.streams))
	for name := range t.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Forget drops a stream and, when a store is attached, its stored snapshot so
// that a later Restore does not bring it back. ok reports whether the stream
// was live.
func (t *Tracker) Forget(ctx context.Context, name string) (bool, error) {
	t.mu.Lock()
	s, ok := t.streams[name]
	delete(t.streams, name)
	t.mu.Unlock()

	if ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.forgotten = true
	}
	if t.store == nil {
		return ok, nil
	}
	if err := t.store.Delete(ctx, name); err != nil {
		return ok, fmt.Errorf("failed to delete snapshot of %s: %w", name, err)
	}
	t.logger.Debug("stream forgotten", zap.String("stream", name))
	return ok, nil
}

// SetSensitivity retunes every model and the default for new streams
func (t *Tracker) SetSensitivity(s float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Sensitivity = s
	for _, st := range t.streams {
		st.model.SetSensitivity(s)
	}
}

// SetLearningRate retunes every model and the default for new streams
func (t *Tracker) SetLearningRate(alpha float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.LearningRate = alpha
	for _, st := range t.streams {
		st.model.SetLearningRate(alpha)
	}
}

// Config returns the current tuning
func (t *Tracker) Config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// Snapshot saves every stream to store. It keeps going after a failed stream
// and returns all errors joined.
func (t *Tracker) Snapshot(ctx context.Context, store storage.SnapshotStore) error {
	var errs []error
	for _, name := range t.Streams() {
		s, err := t.lookup(name)
		if err != nil {
			continue
		}

		s.mu.Lock()
		if s.forgotten {
			s.mu.Unlock()
			continue
		}
		err = store.SaveWindow(ctx, name, s.window)
		if err == nil {
			err = store.SaveModel(ctx, name, s.model.Snapshot())
		}
		s.mu.Unlock()

		t.metrics.SnapshotCompleted("save", err)
		if err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", name, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		t.logger.Warn("snapshot incomplete", zap.Error(err))
	} else {
		t.logger.Info("snapshot saved", zap.Int("streams", len(t.Streams())))
	}
	return err
}

// Restore loads every stored stream. Window bounds and model tuning come from
// the current configuration, not from the snapshot.
func (t *Tracker) Restore(ctx context.Context, store storage.SnapshotStore) (int, error) {
	names, err := store.ListStreams(ctx)
	if err != nil {
		return 0, err
	}

	cfg := t.Config()
	restored := 0
	var errs []error
	for _, name := range names {
		s := newStream(cfg)
		err := store.LoadWindow(ctx, name, s.window)
		if err == nil {
			s.window.Reconfigure(cfg.WindowDuration, cfg.WindowMaxElements)
			if newest, ok := s.window.Newest(); ok {
				s.window.Prune(newest.Timestamp)
			}

			var snap baseline.Snapshot
			snap, err = store.LoadModel(ctx, name)
			switch {
			case err == nil:
				err = s.model.Restore(snap)
			case errors.Is(err, storage.ErrSnapshotNotFound):
				err = nil
			}
		}

		t.metrics.SnapshotCompleted("restore", err)
		if err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", name, err))
			continue
		}

		t.mu.Lock()
		t.streams[name] = s
		t.mu.Unlock()
		restored++
	}

	t.logger.Info("snapshot restored", zap.Int("streams", restored))
	return restored, errors.Join(errs...)
}
