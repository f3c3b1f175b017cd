package xex

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ErrTruncated is returned whenever a header read runs past the end of
// the container. Header reads are never partial.
var ErrTruncated = fmt.Errorf("xex: truncated input")

// reader is a cursor over an io.ReaderAt. Every multi-byte field in a XEX2
// container is big-endian; the header layout is non-sequential, so the
// walker seeks to each field rather than parsing in file order.
type reader struct {
	r    io.ReaderAt
	size int64
	off  int64
}

func newReader(r io.ReaderAt, size int64) *reader {
	return &reader{r: r, size: size}
}

func (r *reader) seek(off int64) {
	r.off = off
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.off < 0 || r.off+int64(n) > r.size {
		return nil, ErrTruncated
	}
	buf := make([]byte, n)
	if _, err := r.r.ReadAt(buf, r.off); err != nil {
		return nil, ErrTruncated
	}
	r.off += int64(n)
	return buf, nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) u32At(off int64) (uint32, error) {
	r.seek(off)
	return r.u32()
}

// ascii reads n bytes and trims trailing NUL padding.
func (r *reader) ascii(n int) (string, error) {
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return trimNul(b), nil
}

func trimNul(b []byte) string {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return string(b[:end])
}

func be16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

func be32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// SwapWords reverses the byte order of every aligned 4-byte word in b.
// Key material in the file header is stored word-wise; this converts it
// between the on-disk and in-memory orders. Trailing bytes past the last
// full word are untouched.
func SwapWords(b []byte) {
	for i := 0; i+4 <= len(b); i += 4 {
		b[i], b[i+3] = b[i+3], b[i]
		b[i+1], b[i+2] = b[i+2], b[i+1]
	}
}
