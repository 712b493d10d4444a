package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// ErrCorruptBlock is returned when a compressed column does not hold the
// expected number of entries
var ErrCorruptBlock = errors.New("corrupt compressed block")

// Compressor packs window columns: timestamps as delta-of-delta and values as
// XOR against the previous value, both zstd compressed.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a compressor for level 1 (fastest) to 4 (smallest)
func NewCompressor(level int) (*Compressor, error) {
	var encLevel zstd.EncoderLevel
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 2:
		encLevel = zstd.SpeedDefault
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	default:
		return nil, fmt.Errorf("compression level %d out of range 1-4", level)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Compressor{encoder: encoder, decoder: decoder}, nil
}

// CompressTimestamps stores the first timestamp followed by delta-of-deltas.
// Evenly spaced samples become runs of zeros that zstd folds away.
func (c *Compressor) CompressTimestamps(timestamps []int64) []byte {
	if len(timestamps) == 0 {
		return nil
	}

	raw := make([]byte, 0, len(timestamps)*binary.MaxVarintLen64)
	raw = binary.AppendVarint(raw, timestamps[0])
	var prevDelta int64
	for i := 1; i < len(timestamps); i++ {
		delta := timestamps[i] - timestamps[i-1]
		raw = binary.AppendVarint(raw, delta-prevDelta)
		prevDelta = delta
	}
	return c.encoder.EncodeAll(raw, nil)
}

// DecompressTimestamps reverses CompressTimestamps
func (c *Compressor) DecompressTimestamps(data []byte, count int) ([]int64, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative timestamp count %d", ErrCorruptBlock, count)
	}
	if count == 0 {
		return nil, nil
	}
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress timestamps: %w", err)
	}
	// every varint takes at least one byte
	if len(raw) < count {
		return nil, fmt.Errorf("%w: %d timestamp bytes for %d timestamps", ErrCorruptBlock, len(raw), count)
	}

	timestamps := make([]int64, count)
	var prevDelta int64
	for i := 0; i < count; i++ {
		v, n := binary.Varint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("%w: timestamp %d of %d", ErrCorruptBlock, i, count)
		}
		raw = raw[n:]
		if i == 0 {
			timestamps[0] = v
			continue
		}
		delta := v + prevDelta
		timestamps[i] = timestamps[i-1] + delta
		prevDelta = delta
	}
	if len(raw) != 0 {
		return nil, fmt.Errorf("%w: %d trailing timestamp bytes", ErrCorruptBlock, len(raw))
	}
	return timestamps, nil
}

// CompressValues stores the first value's bits followed by the XOR of each
// value with its predecessor
func (c *Compressor) CompressValues(values []float64) []byte {
	if len(values) == 0 {
		return nil
	}

	raw := make([]byte, 0, len(values)*8)
	var prev uint64
	for _, v := range values {
		bits := math.Float64bits(v)
		raw = binary.LittleEndian.AppendUint64(raw, bits^prev)
		prev = bits
	}
	return c.encoder.EncodeAll(raw, nil)
}

// DecompressValues reverses CompressValues
func (c *Compressor) DecompressValues(data []byte, count int) ([]float64, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative value count %d", ErrCorruptBlock, count)
	}
	if count == 0 {
		return nil, nil
	}
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress values: %w", err)
	}
	if len(raw) != count*8 {
		return nil, fmt.Errorf("%w: %d value bytes for %d values", ErrCorruptBlock, len(raw), count)
	}

	values := make([]float64, count)
	var prev uint64
	for i := range values {
		bits := binary.LittleEndian.Uint64(raw[i*8:]) ^ prev
		values[i] = math.Float64frombits(bits)
		prev = bits
	}
	return values, nil
}

// Compress zstd-compresses an opaque payload
func (c *Compressor) Compress(src []byte) []byte {
	return c.encoder.EncodeAll(src, nil)
}

// Decompress reverses Compress
func (c *Compressor) Decompress(src []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}

// Close releases the encoder and decoder
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
