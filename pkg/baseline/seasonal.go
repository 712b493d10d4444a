package baseline

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vjranagit/anomalyd/pkg/types"
)

const (
	// DefaultSensitivity is the number of standard deviations above the mean
	// that a value may reach before it breaches the threshold
	DefaultSensitivity = 3.0
	// DefaultLearningRate is the EWMA smoothing factor
	DefaultLearningRate = 0.1

	// observations needed before a bucket is fully trusted
	fullConfidenceCount = 10
)

// ErrNoData is returned for a bucket that has never been observed
var ErrNoData = errors.New("no baseline data for bucket")

// SeasonalModel keeps an exponentially smoothed mean and standard deviation
// per hour of day, day of week and week of year.
//
// Bucket keys are computed in the model's location. Two deployments with a
// different location learn different buckets from the same stream.
type SeasonalModel struct {
	mu           sync.RWMutex
	sensitivity  float64
	learningRate float64
	location     *time.Location
	buckets      map[types.TimeContext]map[int]types.Baseline
}

// Option configures a SeasonalModel
type Option func(*SeasonalModel)

// WithSensitivity sets the threshold multiplier
func WithSensitivity(s float64) Option {
	return func(m *SeasonalModel) {
		m.sensitivity = s
	}
}

// WithLearningRate sets the smoothing factor, expected in (0, 1]
func WithLearningRate(alpha float64) Option {
	return func(m *SeasonalModel) {
		m.learningRate = alpha
	}
}

// WithLocation sets the calendar used for bucket keys. Defaults to time.Local.
func WithLocation(loc *time.Location) Option {
	return func(m *SeasonalModel) {
		if loc != nil {
			m.location = loc
		}
	}
}

// NewSeasonalModel creates an empty model
func NewSeasonalModel(opts ...Option) *SeasonalModel {
	m := &SeasonalModel{
		sensitivity:  DefaultSensitivity,
		learningRate: DefaultLearningRate,
		location:     time.Local,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.resetLocked()
	return m
}

func (m *SeasonalModel) resetLocked() {
	m.buckets = make(map[types.TimeContext]map[int]types.Baseline, len(types.TimeContexts))
	for _, ctx := range types.TimeContexts {
		m.buckets[ctx] = make(map[int]types.Baseline)
	}
}

// AddObservation folds value into the hour, weekday and week buckets of ts
func (m *SeasonalModel) AddObservation(value float64, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	local := ts.In(m.location)
	for _, ctx := range types.TimeContexts {
		key := bucketKey(local, ctx)
		m.buckets[ctx][key] = update(m.buckets[ctx][key], value, m.learningRate)
	}
}

// update applies one EWMA step. The variance term uses the delta measured
// against the mean before it moves.
func update(b types.Baseline, value, alpha float64) types.Baseline {
	b.Count++
	delta := value - b.Mean
	b.Mean += alpha * delta
	b.StdDev = math.Sqrt((1-alpha)*b.StdDev*b.StdDev + alpha*delta*delta)
	b.Confidence = math.Min(1.0, float64(b.Count)/fullConfidenceCount)
	return b
}

// Baseline returns the bucket statistic matching ts under ctx
func (m *SeasonalModel) Baseline(ts time.Time, ctx types.TimeContext) (types.Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(ts, ctx)
}

func (m *SeasonalModel) lookupLocked(ts time.Time, ctx types.TimeContext) (types.Baseline, error) {
	buckets, ok := m.buckets[ctx]
	if !ok {
		return types.Baseline{}, fmt.Errorf("invalid time context %d", int(ctx))
	}
	key := bucketKey(ts.In(m.location), ctx)
	b, ok := buckets[key]
	if !ok {
		return types.Baseline{}, fmt.Errorf("%w: %s bucket %d", ErrNoData, ctx, key)
	}
	return b, nil
}

// Threshold returns mean + sensitivity*stddev for the matching bucket
func (m *SeasonalModel) Threshold(ts time.Time, ctx types.TimeContext) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, err := m.lookupLocked(ts, ctx)
	if err != nil {
		return 0, err
	}
	return b.Mean + m.sensitivity*b.StdDev, nil
}

// Confidence returns the matching bucket's confidence in [0, 1]
func (m *SeasonalModel) Confidence(ts time.Time, ctx types.TimeContext) (float64, error) {
	b, err := m.Baseline(ts, ctx)
	if err != nil {
		return 0, err
	}
	return b.Confidence, nil
}

// SetSensitivity changes the threshold multiplier for later reads
func (m *SeasonalModel) SetSensitivity(s float64) {
	m.mu.Lock()
	m.sensitivity = s
	m.mu.Unlock()
}

// SetLearningRate changes the smoothing factor for later observations.
// Existing buckets are not recomputed.
func (m *SeasonalModel) SetLearningRate(alpha float64) {
	m.mu.Lock()
	m.learningRate = alpha
	m.mu.Unlock()
}

// Sensitivity returns the current deviation multiplier
func (m *SeasonalModel) Sensitivity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sensitivity
}

// LearningRate returns the current EWMA smoothing factor
func (m *SeasonalModel) LearningRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.learningRate
}

// Location returns the calendar used for bucket keys
func (m *SeasonalModel) Location() *time.Location {
	return m.location
}

// Reset forgets every bucket
func (m *SeasonalModel) Reset() {
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
}

// BucketKey returns the key ts maps to under ctx: hour 0-23, weekday 0-6
// with Sunday as 0, or week of year 0-52.
func (m *SeasonalModel) BucketKey(ts time.Time, ctx types.TimeContext) int {
	return bucketKey(ts.In(m.location), ctx)
}

// Bucket is a keyed copy of one baseline
type Bucket struct {
	Key int `json:"key"`
	types.Baseline
}

// Buckets returns the observed buckets of ctx ordered by key
func (m *SeasonalModel) Buckets(ctx types.TimeContext) []Bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Bucket, 0, len(m.buckets[ctx]))
	for k, b := range m.buckets[ctx] {
		out = append(out, Bucket{Key: k, Baseline: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Snapshot is the persistable state of a model. The location is not part of
// it: a restored model keeps its own calendar.
type Snapshot struct {
	Sensitivity  float64                        `json:"sensitivity"`
	LearningRate float64                        `json:"learning_rate"`
	Buckets      map[types.TimeContext][]Bucket `json:"buckets"`
}

// Snapshot copies every bucket and both tuning parameters
func (m *SeasonalModel) Snapshot() Snapshot {
	m.mu.RLock()
	s := Snapshot{
		Sensitivity:  m.sensitivity,
		LearningRate: m.learningRate,
		Buckets:      make(map[types.TimeContext][]Bucket, len(m.buckets)),
	}
	m.mu.RUnlock()

	for _, ctx := range types.TimeContexts {
		s.Buckets[ctx] = m.Buckets(ctx)
	}
	return s
}

// Restore replaces the buckets with those of s. Tuning parameters are left
// alone so configuration keeps precedence over persisted state.
func (m *SeasonalModel) Restore(s Snapshot) error {
	buckets := make(map[types.TimeContext]map[int]types.Baseline, len(types.TimeContexts))
	for _, ctx := range types.TimeContexts {
		buckets[ctx] = make(map[int]types.Baseline)
	}
	for ctx, list := range s.Buckets {
		if _, ok := buckets[ctx]; !ok {
			return fmt.Errorf("invalid time context %d in snapshot", int(ctx))
		}
		for _, b := range list {
			buckets[ctx][b.Key] = b.Baseline
		}
	}

	m.mu.Lock()
	m.buckets = buckets
	m.mu.Unlock()
	return nil
}

func bucketKey(local time.Time, ctx types.TimeContext) int {
	switch ctx {
	case types.Daily:
		return int(local.Weekday())
	case types.Weekly:
		return (local.YearDay() - 1) / 7
	default:
		return local.Hour()
	}
}
