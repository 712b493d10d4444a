package window

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/vjranagit/anomalyd/pkg/types"
)

var (
	// ErrUnsupportedValue is returned when T has no fixed-size binary form
	ErrUnsupportedValue = errors.New("window value type has no fixed-size encoding")
	// ErrCorruptSnapshot is returned when decoded timestamps are not ascending
	ErrCorruptSnapshot = errors.New("window snapshot is not ordered by timestamp")
)

// preallocation cap for decoded windows, the slice still grows past it
const maxPrealloc = 1 << 16

// WriteTo encodes the window as a little-endian uint64 count followed by
// (int64 timestamp, value) pairs. String values are written as a uint32
// length and the raw bytes; any other value must be fixed-size.
func (w *Window[T]) WriteTo(dst io.Writer) (int64, error) {
	cw := &countingWriter{w: dst}
	bw := bufio.NewWriter(cw)

	if err := binary.Write(bw, binary.LittleEndian, uint64(len(w.data))); err != nil {
		return cw.n, fmt.Errorf("failed to write count: %w", err)
	}

	for _, e := range w.data {
		if err := binary.Write(bw, binary.LittleEndian, e.Timestamp); err != nil {
			return cw.n, fmt.Errorf("failed to write timestamp: %w", err)
		}
		if err := writeValue(bw, e.Value); err != nil {
			return cw.n, err
		}
	}

	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("failed to flush window: %w", err)
	}
	return cw.n, nil
}

// ReadFrom replaces the window contents with a stream produced by WriteTo.
// The bounds are kept and the window is left untouched on error.
func (w *Window[T]) ReadFrom(src io.Reader) (int64, error) {
	cr := &countingReader{r: src}

	var count uint64
	if err := binary.Read(cr, binary.LittleEndian, &count); err != nil {
		return cr.n, fmt.Errorf("failed to read count: %w", err)
	}

	data := make([]types.TimestampedValue[T], 0, min(count, maxPrealloc))
	for i := uint64(0); i < count; i++ {
		var e types.TimestampedValue[T]
		if err := binary.Read(cr, binary.LittleEndian, &e.Timestamp); err != nil {
			return cr.n, fmt.Errorf("failed to read timestamp %d: %w", i, err)
		}
		if err := readValue(cr, &e.Value); err != nil {
			return cr.n, fmt.Errorf("failed to read value %d: %w", i, err)
		}
		if n := len(data); n > 0 && data[n-1].Timestamp > e.Timestamp {
			return cr.n, ErrCorruptSnapshot
		}
		data = append(data, e)
	}

	w.data = data
	return cr.n, nil
}

// MarshalBinary implements encoding.BinaryMarshaler
func (w *Window[T]) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (w *Window[T]) UnmarshalBinary(data []byte) error {
	_, err := w.ReadFrom(bytes.NewReader(data))
	return err
}

func writeValue[T any](w io.Writer, value T) error {
	rv := reflect.ValueOf(&value).Elem()
	if rv.Kind() == reflect.String {
		s := rv.String()
		if uint64(len(s)) > uint64(^uint32(0)) {
			return fmt.Errorf("string value of %d bytes exceeds encoding limit", len(s))
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
			return fmt.Errorf("failed to write string length: %w", err)
		}
		if _, err := io.WriteString(w, s); err != nil {
			return fmt.Errorf("failed to write string: %w", err)
		}
		return nil
	}

	if binary.Size(value) < 0 {
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
	if err := binary.Write(w, binary.LittleEndian, value); err != nil {
		return fmt.Errorf("failed to write value: %w", err)
	}
	return nil
}

func readValue[T any](r io.Reader, value *T) error {
	rv := reflect.ValueOf(value).Elem()
	if rv.Kind() == reflect.String {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return err
		}
		var sb strings.Builder
		if _, err := io.CopyN(&sb, r, int64(n)); err != nil {
			return err
		}
		rv.SetString(sb.String())
		return nil
	}

	if binary.Size(*value) < 0 {
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, *value)
	}
	return binary.Read(r, binary.LittleEndian, value)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
