package gzip

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("MZ\x90\x00portable executable "), 256)

	for _, level := range []int{1, 6, 9} {
		compressed, err := Compress(data, level)
		if err != nil {
			t.Fatal(err)
		}
		if len(compressed) >= len(data) {
			t.Fatalf("level %d: no compression achieved", level)
		}
		out, err := Decompress(compressed)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("level %d: round trip mismatch", level)
		}
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	if _, err := Decompress([]byte("not gzip at all")); err == nil {
		t.Fatal("garbage accepted")
	}
}
