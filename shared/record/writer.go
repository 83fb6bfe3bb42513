package record

import (
	"encoding/binary"
	"math"
)

// Writer serializes record fields to a growing byte buffer.
// All multi-byte values are big-endian.
type Writer struct {
	buf []byte
}

// NewWriter creates an empty record writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the serialized bytes written so far.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) WriteI8(v int8) {
	w.buf = append(w.buf, byte(v))
}

func (w *Writer) WriteU8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteI16(v int16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
}

func (w *Writer) WriteI32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) WriteI64(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *Writer) WriteF32(v float32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, math.Float32bits(v))
}

func (w *Writer) WriteF64(v float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// WriteChar writes a UTF-16 code unit (2 bytes).
func (w *Writer) WriteChar(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// WriteString writes a 2-byte length prefix followed by UTF-8 bytes.
func (w *Writer) WriteString(s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// WriteBytes writes a 4-byte length prefix followed by the raw bytes.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteEnum writes a 2-byte enum ordinal.
func (w *Writer) WriteEnum(ordinal uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, ordinal)
}

// WriteRecord writes a nested record as its concatenated fields.
func (w *Writer) WriteRecord(rec Record) error {
	return rec.MarshalRecord(w)
}

// WriteList writes a 2-byte element count followed by each element.
func WriteList[T any](w *Writer, xs []T, elem func(*Writer, T) error) error {
	if len(xs) > math.MaxUint16 {
		return ErrListTooLong
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(xs)))
	for _, x := range xs {
		if err := elem(w, x); err != nil {
			return err
		}
	}
	return nil
}

// WriteOptional writes a 1-byte presence flag followed by the value if present.
func WriteOptional[T any](w *Writer, v *T, elem func(*Writer, T) error) error {
	if v == nil {
		w.buf = append(w.buf, 0)
		return nil
	}
	w.buf = append(w.buf, 1)
	return elem(w, *v)
}
