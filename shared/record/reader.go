package record

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reader deserializes record fields from a byte buffer with bounds checking.
type Reader struct {
	data []byte
	off  int
}

// NewReader creates a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("%w: need %d bytes, %d remaining", ErrShortBuffer, n, len(r.data)-r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) ReadI8() (int8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadI16() (int16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (r *Reader) ReadI32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) ReadI64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *Reader) ReadF32() (float32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) ReadF64() (float64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadChar reads a UTF-16 code unit (2 bytes).
func (r *Reader) ReadChar() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadString reads a 2-byte length prefix followed by UTF-8 bytes.
func (r *Reader) ReadString() (string, error) {
	n, err := r.take(2)
	if err != nil {
		return "", err
	}
	b, err := r.take(int(binary.BigEndian.Uint16(n)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads a 4-byte length prefix followed by the raw bytes.
// The returned slice is a copy.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.take(4)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(n)
	b, err := r.take(int(length))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadEnum reads a 2-byte enum ordinal.
func (r *Reader) ReadEnum() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadRecord reads a nested record's concatenated fields into rec.
func (r *Reader) ReadRecord(rec Record) error {
	return rec.UnmarshalRecord(r)
}

// ReadList reads a 2-byte element count followed by each element.
func ReadList[T any](r *Reader, elem func(*Reader) (T, error)) ([]T, error) {
	n, err := r.take(2)
	if err != nil {
		return nil, err
	}
	count := int(binary.BigEndian.Uint16(n))
	xs := make([]T, 0, count)
	for i := 0; i < count; i++ {
		x, err := elem(r)
		if err != nil {
			return nil, err
		}
		xs = append(xs, x)
	}
	return xs, nil
}

// ReadOptional reads a 1-byte presence flag followed by the value if present.
func ReadOptional[T any](r *Reader, elem func(*Reader) (T, error)) (*T, error) {
	present, err := r.take(1)
	if err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	x, err := elem(r)
	if err != nil {
		return nil, err
	}
	return &x, nil
}
