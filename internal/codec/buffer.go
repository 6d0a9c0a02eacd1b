// Package codec implements Copycat's deterministic binary serializer: a
// stable numeric type registry plus fixed-layout encode/decode routines for
// every log entry variant and wire message named in the specification.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Writer accumulates a deterministic, big-endian encoded byte stream.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) WriteUint8(v uint8) { w.buf.WriteByte(v) }

func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

// WriteBytes writes a length-prefixed byte slice.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf.Write(b)
}

// WriteString writes a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string) { w.WriteBytes([]byte(s)) }

// Reader parses a byte stream produced by Writer.
type Reader struct {
	r   *bytes.Reader
	err error
}

func NewReader(b []byte) *Reader { return &Reader{r: bytes.NewReader(b)} }

// Err returns the first error encountered during reads, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) ReadUint8() uint8 {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.fail(err)
		return 0
	}
	return b
}

func (r *Reader) readN(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.fail(err)
		return nil
	}
	return b
}

func (r *Reader) ReadUint32() uint32 {
	b := r.readN(4)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) ReadUint64() uint64 {
	b := r.readN(8)
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) ReadInt64() int64 { return int64(r.ReadUint64()) }

func (r *Reader) ReadBool() bool { return r.ReadUint8() != 0 }

func (r *Reader) ReadBytes() []byte {
	n := r.ReadUint32()
	if r.err != nil || n == 0 {
		return nil
	}
	return r.readN(int(n))
}

func (r *Reader) ReadString() string { return string(r.ReadBytes()) }

// Finish reports an error if the reader has unconsumed trailing bytes.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.r.Len() != 0 {
		return fmt.Errorf("codec: %d trailing bytes after decode", r.r.Len())
	}
	return nil
}
