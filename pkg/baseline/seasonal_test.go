package baseline

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/anomalyd/pkg/types"
)

// Wednesday 2024-01-10 14:30 UTC, day-of-year 10
var ref = time.Date(2024, time.January, 10, 14, 30, 0, 0, time.UTC)

func newUTCModel(opts ...Option) *SeasonalModel {
	return NewSeasonalModel(append([]Option{WithLocation(time.UTC)}, opts...)...)
}

func TestConfidenceRamp(t *testing.T) {
	m := newUTCModel()

	for i := 1; i <= 9; i++ {
		m.AddObservation(100, ref)
		c, err := m.Confidence(ref, types.Hourly)
		require.NoError(t, err)
		assert.InDelta(t, float64(i)/10, c, 1e-12)
	}

	m.AddObservation(100, ref)
	c, err := m.Confidence(ref, types.Hourly)
	require.NoError(t, err)
	assert.Equal(t, 1.0, c)

	for i := 0; i < 5; i++ {
		m.AddObservation(100, ref)
	}
	c, _ = m.Confidence(ref, types.Weekly)
	assert.Equal(t, 1.0, c)
}

func TestNoData(t *testing.T) {
	m := newUTCModel()

	_, err := m.Threshold(ref, types.Daily)
	assert.ErrorIs(t, err, ErrNoData)
	_, err = m.Confidence(ref, types.Hourly)
	assert.ErrorIs(t, err, ErrNoData)

	m.AddObservation(1, ref)
	_, err = m.Threshold(ref.Add(time.Hour), types.Hourly)
	assert.ErrorIs(t, err, ErrNoData, "next hour is a different bucket")
	_, err = m.Threshold(ref.Add(time.Hour), types.Daily)
	assert.NoError(t, err, "same weekday")
}

func TestEWMARecurrence(t *testing.T) {
	m := newUTCModel(WithLearningRate(0.5), WithSensitivity(2))

	m.AddObservation(10, ref)
	b, err := m.Baseline(ref, types.Hourly)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, b.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(50), b.StdDev, 1e-12)

	m.AddObservation(20, ref)
	b, err = m.Baseline(ref, types.Hourly)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, b.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(137.5), b.StdDev, 1e-12)
	assert.Equal(t, uint64(2), b.Count)

	threshold, err := m.Threshold(ref, types.Hourly)
	require.NoError(t, err)
	assert.InDelta(t, 12.5+2*math.Sqrt(137.5), threshold, 1e-12)
}

func TestLiveTuning(t *testing.T) {
	m := newUTCModel(WithLearningRate(0.5), WithSensitivity(1))
	m.AddObservation(10, ref)
	before, _ := m.Baseline(ref, types.Hourly)

	m.SetSensitivity(4)
	m.SetLearningRate(1)

	after, _ := m.Baseline(ref, types.Hourly)
	assert.Equal(t, before, after, "tuning must not recompute buckets")

	threshold, _ := m.Threshold(ref, types.Hourly)
	assert.InDelta(t, before.Mean+4*before.StdDev, threshold, 1e-12)

	m.AddObservation(30, ref)
	b, _ := m.Baseline(ref, types.Hourly)
	assert.InDelta(t, 30.0, b.Mean, 1e-12)
	assert.Equal(t, 1.0, m.LearningRate())
	assert.Equal(t, 4.0, m.Sensitivity())
}

func TestBucketKeys(t *testing.T) {
	m := newUTCModel()

	assert.Equal(t, 14, m.BucketKey(ref, types.Hourly))
	assert.Equal(t, int(time.Wednesday), m.BucketKey(ref, types.Daily))
	assert.Equal(t, 1, m.BucketKey(ref, types.Weekly))

	jan1 := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, m.BucketKey(jan1, types.Weekly))
	dec31 := time.Date(2024, time.December, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, 52, m.BucketKey(dec31, types.Weekly))
}

func TestBucketKeysFollowLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	m := NewSeasonalModel(WithLocation(tokyo))

	assert.Equal(t, 23, m.BucketKey(ref, types.Hourly))
	assert.Equal(t, int(time.Wednesday), m.BucketKey(ref, types.Daily))
	assert.Equal(t, tokyo, m.Location())
}

func TestBuckets(t *testing.T) {
	m := newUTCModel()
	m.AddObservation(1, ref.Add(2*time.Hour))
	m.AddObservation(1, ref)
	m.AddObservation(1, ref)

	hourly := m.Buckets(types.Hourly)
	require.Len(t, hourly, 2)
	assert.Equal(t, 14, hourly[0].Key)
	assert.Equal(t, uint64(2), hourly[0].Count)
	assert.Equal(t, 16, hourly[1].Key)

	assert.Len(t, m.Buckets(types.Daily), 1)

	m.Reset()
	assert.Empty(t, m.Buckets(types.Hourly))
}

func TestSnapshotRestore(t *testing.T) {
	m := newUTCModel(WithSensitivity(2))
	for i := 0; i < 12; i++ {
		m.AddObservation(float64(i), ref.Add(time.Duration(i)*time.Hour))
	}
	snap := m.Snapshot()
	assert.Equal(t, 2.0, snap.Sensitivity)
	assert.Len(t, snap.Buckets[types.Hourly], 12)

	restored := newUTCModel(WithSensitivity(5))
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, m.Buckets(types.Hourly), restored.Buckets(types.Hourly))
	assert.Equal(t, m.Buckets(types.Weekly), restored.Buckets(types.Weekly))
	assert.Equal(t, 5.0, restored.Sensitivity(), "restore keeps configured tuning")

	bad := Snapshot{Buckets: map[types.TimeContext][]Bucket{types.TimeContext(9): {{Key: 1}}}}
	assert.Error(t, restored.Restore(bad))
	assert.Len(t, restored.Buckets(types.Hourly), 12, "failed restore keeps state")
}

func TestConcurrentTuning(t *testing.T) {
	m := newUTCModel()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.AddObservation(float64(j), ref)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.SetSensitivity(float64(i))
				_, _ = m.Threshold(ref, types.Hourly)
			}
		}(i)
	}
	wg.Wait()

	b, err := m.Baseline(ref, types.Hourly)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), b.Count)
}
