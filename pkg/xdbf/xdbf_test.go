package xdbf

import (
	"encoding/binary"
	"testing"
)

func titleBlob(entries int, utf16be []byte) []byte {
	b := make([]byte, 24+18*entries)
	copy(b, "XDBF")
	binary.BigEndian.PutUint32(b[4:], 1)
	binary.BigEndian.PutUint32(b[12:], uint32(entries))
	binary.BigEndian.PutUint32(b[20:], 0)
	return append(b, utf16be...)
}

func TestTitle(t *testing.T) {
	// One string-namespace entry with the English title id and the
	// UTF-16BE bytes for "Halo".
	b := titleBlob(1, []byte{0x00, 0x48, 0x00, 0x61, 0x00, 0x6C, 0x00, 0x6F, 0x00, 0x00})
	binary.BigEndian.PutUint16(b[24:], 1)
	binary.BigEndian.PutUint64(b[26:], 0x8000)
	binary.BigEndian.PutUint32(b[34:], 0)
	binary.BigEndian.PutUint32(b[38:], 10)

	title, err := Title(b)
	if err != nil {
		t.Fatal(err)
	}
	if title != "Halo" {
		t.Fatalf("title = %q, want Halo", title)
	}
}

func TestTitleStopsAtNul(t *testing.T) {
	payload := []byte{0x00, 'H', 0x00, 'i', 0x00, 0x00, 0x00, 'X', 0x00, 'X'}
	b := titleBlob(1, payload)
	binary.BigEndian.PutUint16(b[24:], 1)
	binary.BigEndian.PutUint64(b[26:], 0x8000)
	binary.BigEndian.PutUint32(b[34:], 0)
	binary.BigEndian.PutUint32(b[38:], uint32(len(payload)))

	title, err := Title(b)
	if err != nil {
		t.Fatal(err)
	}
	if title != "Hi" {
		t.Fatalf("title = %q, want Hi", title)
	}
}

func TestTitleIgnoresOtherNamespaces(t *testing.T) {
	b := titleBlob(1, []byte{0x00, 'X'})
	binary.BigEndian.PutUint16(b[24:], 3) // image namespace
	binary.BigEndian.PutUint64(b[26:], 0x8000)

	title, err := Title(b)
	if err != nil {
		t.Fatal(err)
	}
	if title != "" {
		t.Fatalf("title = %q, want empty", title)
	}
}

func TestTitleBadMagic(t *testing.T) {
	if _, err := Title([]byte("JUNKJUNKJUNKJUNKJUNKJUNK")); err == nil {
		t.Fatal("bad magic accepted")
	}
	if IsXDBF([]byte("JUNK")) {
		t.Fatal("IsXDBF accepted junk")
	}
	if !IsXDBF([]byte("XDBF....")) {
		t.Fatal("IsXDBF rejected XDBF")
	}
}

func TestTitleEntryOutOfBounds(t *testing.T) {
	b := titleBlob(1, nil)
	binary.BigEndian.PutUint16(b[24:], 1)
	binary.BigEndian.PutUint64(b[26:], 0x8000)
	binary.BigEndian.PutUint32(b[34:], 0x1000) // offset past the blob
	binary.BigEndian.PutUint32(b[38:], 10)

	if _, err := Title(b); err == nil {
		t.Fatal("out-of-bounds entry accepted")
	}
}

func TestScanTitle(t *testing.T) {
	// An XSTC record surrounded by junk: two entries, the first pointing
	// at an empty string, the second at "Forza".
	pool := []byte{0x00, 0x00, 0x00, 'F', 0x00, 'o', 0x00, 'r', 0x00, 'z', 0x00, 'a', 0x00, 0x00}

	var b []byte
	b = append(b, []byte("garbage-prefix")...)
	b = append(b, []byte("XSTC")...)
	b = append(b, make([]byte, 8)...) // version, size
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], 2)
	b = append(b, count[:]...)
	entry := make([]byte, 8)
	binary.BigEndian.PutUint32(entry[4:], 0) // offset of the empty string
	b = append(b, entry...)
	binary.BigEndian.PutUint32(entry[4:], 2) // offset of "Forza"
	b = append(b, entry...)
	b = append(b, pool...)

	if got := ScanTitle(b); got != "Forza" {
		t.Fatalf("got %q, want Forza", got)
	}
}

func TestScanTitleNoRecord(t *testing.T) {
	if got := ScanTitle([]byte("nothing to see here")); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
