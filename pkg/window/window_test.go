package window

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowAddKeepsOrder(t *testing.T) {
	w := New[int64](0, 0)
	w.Add(10, 1)
	w.Add(20, 2)
	w.Add(20, 3)
	w.Add(15, 4)
	w.Add(20, 5)
	w.Add(5, 6)

	var got []int64
	for _, e := range w.Entries() {
		got = append(got, e.Timestamp)
	}
	assert.Equal(t, []int64{5, 10, 15, 20, 20, 20}, got)
	// equal timestamps keep arrival order
	assert.Equal(t, []int64{6, 1, 4, 2, 3, 5}, w.Values())
}

func TestWindowPruneByDuration(t *testing.T) {
	w := New[float64](time.Second, 0)
	for ts := int64(0); ts <= 3000; ts += 500 {
		w.Add(ts, float64(ts))
	}

	w.Prune(3000)

	assert.Equal(t, []float64{2000, 2500, 3000}, w.Values())
}

func TestWindowPruneSkipsAgeBeforeDuration(t *testing.T) {
	w := New[float64](10*time.Second, 0)
	w.Add(0, 1)
	w.Add(500, 2)

	w.Prune(5000)

	assert.Equal(t, 2, w.Len())
}

func TestWindowPruneByCount(t *testing.T) {
	w := New[string](0, 3)
	for i, s := range []string{"a", "b", "c", "d", "e"} {
		w.Add(int64(i), s)
	}

	w.Prune(100)

	assert.Equal(t, []string{"c", "d", "e"}, w.Values())
}

func TestWindowPruneEmpty(t *testing.T) {
	w := New[float64](time.Second, 2)
	assert.NotPanics(t, func() { w.Prune(10_000) })
	assert.True(t, w.Empty())
}

func TestWindowPruneRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const duration = 2000
	const maxElements = 25

	w := New[float64](duration*time.Millisecond, maxElements)
	now := int64(0)
	for i := 0; i < 5000; i++ {
		now += rng.Int63n(100)
		if rng.Intn(4) == 0 {
			w.Add(now-rng.Int63n(500), rng.Float64())
		} else {
			w.Add(now, rng.Float64())
		}

		if rng.Intn(3) == 0 {
			w.Prune(now)
			require.LessOrEqual(t, w.Len(), maxElements)
			if now >= duration {
				for _, e := range w.Entries() {
					require.GreaterOrEqual(t, e.Timestamp, now-duration)
				}
			}
		}

		entries := w.Entries()
		for j := 1; j < len(entries); j++ {
			require.LessOrEqual(t, entries[j-1].Timestamp, entries[j].Timestamp)
		}
	}
}

func TestWindowReconfigure(t *testing.T) {
	w := New[int32](0, 0)
	for i := int32(0); i < 10; i++ {
		w.Add(int64(i), i)
	}

	w.Reconfigure(0, 4)
	assert.Equal(t, 10, w.Len(), "reconfigure must not evict")

	w.Prune(0)
	assert.Equal(t, []int32{6, 7, 8, 9}, w.Values())
	assert.Equal(t, 4, w.MaxElements())
}

func TestWindowOldestNewest(t *testing.T) {
	w := New[float64](0, 0)
	_, ok := w.Oldest()
	assert.False(t, ok)

	w.Add(2, 20)
	w.Add(1, 10)
	oldest, _ := w.Oldest()
	newest, _ := w.Newest()
	assert.Equal(t, int64(1), oldest.Timestamp)
	assert.Equal(t, 20.0, newest.Value)

	w.Clear()
	assert.True(t, w.Empty())
}

func TestWindowValuesIsSnapshot(t *testing.T) {
	w := New[float64](0, 0)
	w.Add(1, 1)
	values := w.Values()
	values[0] = 99

	assert.Equal(t, []float64{1}, w.Values())
}

func TestWindowCodecFloat(t *testing.T) {
	w := New[float64](time.Minute, 10)
	w.Add(1000, 1.5)
	w.Add(1000, -2.25)
	w.Add(3000, 1e9)

	var buf bytes.Buffer
	written, err := w.WriteTo(&buf)
	require.NoError(t, err)
	// count + 3 * (timestamp + float64)
	assert.Equal(t, int64(8+3*16), written)

	restored := New[float64](time.Minute, 10)
	read, err := restored.ReadFrom(&buf)
	require.NoError(t, err)
	assert.Equal(t, written, read)
	assert.Equal(t, w.Entries(), restored.Entries())
}

func TestWindowCodecString(t *testing.T) {
	w := New[string](0, 0)
	w.Add(1, "")
	w.Add(2, "/index.html")
	w.Add(3, "ünïcode")

	data, err := w.MarshalBinary()
	require.NoError(t, err)

	restored := New[string](0, 0)
	require.NoError(t, restored.UnmarshalBinary(data))
	assert.Equal(t, w.Entries(), restored.Entries())
}

func TestWindowCodecStruct(t *testing.T) {
	type sample struct {
		Status uint16
		Bytes  uint32
	}
	w := New[sample](0, 0)
	w.Add(7, sample{Status: 404, Bytes: 512})

	data, err := w.MarshalBinary()
	require.NoError(t, err)

	restored := New[sample](0, 0)
	require.NoError(t, restored.UnmarshalBinary(data))
	assert.Equal(t, []sample{{Status: 404, Bytes: 512}}, restored.Values())
}

func TestWindowCodecUnsupported(t *testing.T) {
	w := New[[]byte](0, 0)
	w.Add(1, []byte("x"))

	_, err := w.MarshalBinary()
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestWindowCodecTruncated(t *testing.T) {
	w := New[float64](0, 0)
	w.Add(1, 1)
	w.Add(2, 2)
	data, err := w.MarshalBinary()
	require.NoError(t, err)

	restored := New[float64](0, 0)
	restored.Add(9, 9)
	err = restored.UnmarshalBinary(data[:len(data)-3])
	assert.Error(t, err)
	assert.Equal(t, []float64{9}, restored.Values(), "failed decode must keep old contents")
}

func TestWindowCodecRejectsUnordered(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{2, 0, 0, 0, 0, 0, 0, 0})
	buf.Write([]byte{5, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0})
	buf.Write([]byte{3, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0})

	w := New[int32](0, 0)
	_, err := w.ReadFrom(&buf)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestWindowStats(t *testing.T) {
	w := New[float64](0, 0)
	assert.Zero(t, Mean(w))
	assert.Zero(t, StdDev(w))

	for i, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.Add(int64(i), v)
	}
	assert.InDelta(t, 5.0, Mean(w), 1e-12)
	assert.InDelta(t, 2.0, StdDev(w), 1e-12)
}
