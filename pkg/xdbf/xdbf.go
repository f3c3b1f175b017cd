// Package xdbf decodes Xbox Dashboard File blobs far enough to recover
// the English title string an executable carries in its resource section.
package xdbf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode"
	"unicode/utf16"
)

const (
	Magic = "XDBF"

	headerSize = 24
	entrySize  = 18
	freeSize   = 8

	// Title lives in the string namespace under the English title id.
	nsString    = 1
	idTitleEnUS = 0x8000
)

// IsXDBF reports whether the blob starts with the XDBF magic.
func IsXDBF(b []byte) bool {
	return len(b) >= 4 && string(b[:4]) == Magic
}

type entry struct {
	Namespace uint16
	ID        uint64
	Offset    uint32
	Length    uint32
}

// Title extracts the English title string from an XDBF blob. The entry
// table is walked for the string-namespace entry with the title id and the
// string decoded as UTF-16 big-endian, NUL- or length-terminated.
func Title(b []byte) (string, error) {
	if !IsXDBF(b) {
		return "", fmt.Errorf("xdbf: bad magic")
	}
	if len(b) < headerSize {
		return "", fmt.Errorf("xdbf: truncated header")
	}

	entryCount := binary.BigEndian.Uint32(b[12:16])
	freeCount := binary.BigEndian.Uint32(b[20:24])
	dataStart := headerSize + entrySize*int64(entryCount) + freeSize*int64(freeCount)
	if dataStart > int64(len(b)) {
		return "", fmt.Errorf("xdbf: entry table overruns blob")
	}

	for i := int64(0); i < int64(entryCount); i++ {
		off := headerSize + i*entrySize
		e := entry{
			Namespace: binary.BigEndian.Uint16(b[off : off+2]),
			ID:        binary.BigEndian.Uint64(b[off+2 : off+10]),
			Offset:    binary.BigEndian.Uint32(b[off+10 : off+14]),
			Length:    binary.BigEndian.Uint32(b[off+14 : off+18]),
		}
		if e.Namespace != nsString || e.ID != idTitleEnUS {
			continue
		}
		start := dataStart + int64(e.Offset)
		end := start + int64(e.Length)
		if start > end || end > int64(len(b)) {
			return "", fmt.Errorf("xdbf: title entry out of bounds")
		}
		return decodeUTF16BE(b[start:end]), nil
	}
	return "", nil
}

// ScanTitle is the fallback path for images without a well-formed XDBF
// resource: a linear scan for a string-table config record, whose entries
// point into a UTF-16BE string pool. The first sensible string wins.
func ScanTitle(b []byte) string {
	idx := bytes.Index(b, []byte("XSTC"))
	if idx < 0 || idx+16 > len(b) {
		return ""
	}

	count := binary.BigEndian.Uint32(b[idx+12 : idx+16])
	if count == 0 || count > 1024 {
		return ""
	}
	entries := int64(idx) + 16
	pool := entries + 8*int64(count)
	if pool > int64(len(b)) {
		return ""
	}

	for i := int64(0); i < int64(count); i++ {
		off := int64(binary.BigEndian.Uint32(b[entries+8*i+4 : entries+8*i+8]))
		start := pool + off
		if start < pool || start >= int64(len(b)) {
			continue
		}
		s := decodeUTF16BE(b[start:])
		if sensible(s) {
			return s
		}
	}
	return ""
}

// decodeUTF16BE decodes big-endian UTF-16, stopping at a NUL or the end
// of the slice.
func decodeUTF16BE(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+2 <= len(b); i += 2 {
		u := binary.BigEndian.Uint16(b[i : i+2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

func sensible(s string) bool {
	if len(s) == 0 || len(s) > 256 {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
