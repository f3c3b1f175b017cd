package xex

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"testing"
)

// lzxBitWriter packs bits MSB-first into little-endian 16-bit words, the
// convention of the LZX front-end fed by the destreamer.
type lzxBitWriter struct {
	buf []byte
	cur uint16
	n   uint
}

func (w *lzxBitWriter) writeBits(nbits uint, v uint32) {
	for i := int(nbits) - 1; i >= 0; i-- {
		w.cur = w.cur<<1 | uint16(v>>uint(i)&1)
		w.n++
		if w.n == 16 {
			w.buf = append(w.buf, byte(w.cur), byte(w.cur>>8))
			w.cur, w.n = 0, 0
		}
	}
}

func (w *lzxBitWriter) flush() {
	if w.n > 0 {
		w.cur <<= 16 - w.n
		w.buf = append(w.buf, byte(w.cur), byte(w.cur>>8))
		w.cur, w.n = 0, 0
	}
}

// lzxUncompressedStream encodes data as a single uncompressed LZX block.
func lzxUncompressedStream(data []byte) []byte {
	var w lzxBitWriter
	w.writeBits(1, 0) // no Intel header
	w.writeBits(3, 3) // uncompressed block
	w.writeBits(16, uint32(len(data))>>8)
	w.writeBits(8, uint32(len(data))&0xFF)
	w.flush()
	w.buf = append(w.buf, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0) // R0, R1, R2
	w.buf = append(w.buf, data...)
	return w.buf
}

// destreamBlock assembles one compressed block: next-block size, the next
// block's hash when verifying, then length-prefixed chunks of stream.
func destreamBlock(nextSize uint32, nextHash []byte, chunks ...[]byte) []byte {
	var b bytes.Buffer
	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], nextSize)
	b.Write(sz[:])
	if nextHash != nil {
		b.Write(nextHash)
	}
	for _, c := range chunks {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(c)))
		b.Write(l[:])
		b.Write(c)
	}
	b.Write([]byte{0, 0})
	return b.Bytes()
}

func compressionRecord(enc EncryptionType, comp CompressionType, window, firstLen uint32, firstHash []byte) []byte {
	record := make([]byte, 32)
	binary.BigEndian.PutUint16(record[0:], uint16(enc))
	binary.BigEndian.PutUint16(record[2:], uint16(comp))
	binary.BigEndian.PutUint32(record[4:], window)
	binary.BigEndian.PutUint32(record[8:], firstLen)
	if firstHash != nil {
		copy(record[12:32], firstHash)
	}
	payload := make([]byte, 4+len(record))
	binary.BigEndian.PutUint32(payload, uint32(len(record)))
	copy(payload[4:], record)
	return payload
}

func extractTest(t *testing.T, c *testContainer) ([]byte, *XEX) {
	t.Helper()
	x := openTest(t, c.bytes())
	var out bytes.Buffer
	if err := x.ExtractPE(&out); err != nil {
		t.Fatal(err)
	}
	return out.Bytes(), x
}

func TestExtractRawUnencrypted(t *testing.T) {
	c := newTestContainer()
	c.setImageSize(0x1000)
	c.setPayload(bytes.Repeat([]byte{0xAA}, 0x1000))

	out, _ := extractTest(t, c)
	if len(out) != 0x1000 {
		t.Fatalf("extracted %d bytes, want 4096", len(out))
	}
	for i, b := range out {
		if b != 0xAA {
			t.Fatalf("byte %d = %02X", i, b)
		}
	}
}

func TestExtractRawBoundedByImageSize(t *testing.T) {
	c := newTestContainer()
	c.setImageSize(16)
	c.setPayload(bytes.Repeat([]byte{0xBB}, 64))

	out, _ := extractTest(t, c)
	if len(out) != 16 {
		t.Fatalf("extracted %d bytes, want 16", len(out))
	}
}

func TestExtractRawEncrypted(t *testing.T) {
	key := []byte("sixteen byte key")
	plaintext := []byte("0123456789abcdefFEDCBA9876543210")

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, make([]byte, 16)).CryptBlocks(ciphertext, plaintext)

	c := newTestContainer()
	c.setImageSize(uint32(len(plaintext)))
	c.setSessionKey(t, key)
	c.putPayload(0x100, compressionRecord(EncryptionAES, CompressionRaw, 0, 0, nil))
	c.addOptHeader(HeaderFileFormatInfo, 0x100)
	c.setPayload(ciphertext)

	out, _ := extractTest(t, c)
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("got %q, want %q", out, plaintext)
	}
}

func TestExtractCompressedUnencrypted(t *testing.T) {
	plaintext := bytes.Repeat([]byte("xbox360!"), 8)
	stream := lzxUncompressedStream(plaintext)
	blk := destreamBlock(0, nil, stream)

	c := newTestContainer()
	c.setImageSize(uint32(len(plaintext)))
	c.putPayload(0x100, compressionRecord(EncryptionNone, CompressionLZX, 0x8000, uint32(len(blk)), nil))
	c.addOptHeader(HeaderFileFormatInfo, 0x100)
	c.setPayload(blk)

	out, _ := extractTest(t, c)
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("got %q, want %q", out, plaintext)
	}
}

func TestExtractCompressedEncrypted(t *testing.T) {
	key := []byte("another 16b key!")
	plaintext := bytes.Repeat([]byte("PE\x00\x00"), 16)
	stream := lzxUncompressedStream(plaintext)
	blk := destreamBlock(0, nil, stream)
	// CBC needs whole cipher blocks.
	if pad := len(blk) % 16; pad != 0 {
		blk = append(blk, make([]byte, 16-pad)...)
	}
	enc := make([]byte, len(blk))
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	cipher.NewCBCEncrypter(block, make([]byte, 16)).CryptBlocks(enc, blk)

	c := newTestContainer()
	c.setImageSize(uint32(len(plaintext)))
	c.setSessionKey(t, key)
	c.putPayload(0x100, compressionRecord(EncryptionAES, CompressionLZX, 0x8000, uint32(len(blk)), nil))
	c.addOptHeader(HeaderFileFormatInfo, 0x100)
	c.setPayload(enc)

	out, _ := extractTest(t, c)
	if !bytes.Equal(out, plaintext) {
		t.Fatal("encrypted compressed extraction mismatch")
	}
}

func TestExtractCompressedMultiBlock(t *testing.T) {
	plaintext := bytes.Repeat([]byte("block chain "), 10)
	stream := lzxUncompressedStream(plaintext)
	half := len(stream) / 2

	blk1 := destreamBlock(0, make([]byte, sha1.Size), stream[half:])
	h1 := sha1.Sum(blk1)
	blk0 := destreamBlock(uint32(len(blk1)), h1[:], stream[:half])
	h0 := sha1.Sum(blk0)

	c := newTestContainer()
	c.setImageSize(uint32(len(plaintext)))
	c.putPayload(0x100, compressionRecord(EncryptionNone, CompressionLZX, 0x8000, uint32(len(blk0)), h0[:]))
	c.addOptHeader(HeaderFileFormatInfo, 0x100)
	c.setPayload(append(append([]byte{}, blk0...), blk1...))

	out, x := extractTest(t, c)
	if !bytes.Equal(out, plaintext) {
		t.Fatal("multi-block extraction mismatch")
	}
	if len(x.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", x.Warnings)
	}
}

func TestHashMismatchIsNonFatal(t *testing.T) {
	plaintext := bytes.Repeat([]byte("tampered"), 8)
	stream := lzxUncompressedStream(plaintext)
	blk := destreamBlock(0, make([]byte, sha1.Size), stream)

	wrong := bytes.Repeat([]byte{0xFF}, sha1.Size)
	c := newTestContainer()
	c.setImageSize(uint32(len(plaintext)))
	c.putPayload(0x100, compressionRecord(EncryptionNone, CompressionLZX, 0x8000, uint32(len(blk)), wrong))
	c.addOptHeader(HeaderFileFormatInfo, 0x100)
	c.setPayload(blk)

	out, x := extractTest(t, c)
	if !bytes.Equal(out, plaintext) {
		t.Fatal("extraction should survive a hash mismatch")
	}
	if len(x.Warnings) == 0 {
		t.Fatal("hash mismatch produced no warning")
	}
}

func TestDeltaCompressedUnsupported(t *testing.T) {
	c := newTestContainer()
	c.putPayload(0x100, compressionRecord(EncryptionNone, CompressionDeltaCompressed, 0, 0, nil))
	c.addOptHeader(HeaderFileFormatInfo, 0x100)

	x := openTest(t, c.bytes())
	var out bytes.Buffer
	if err := x.ExtractPE(&out); !errors.Is(err, ErrUnsupportedCompression) {
		t.Fatalf("got %v, want ErrUnsupportedCompression", err)
	}
	if out.Len() != 0 {
		t.Fatal("delta-compressed payload produced data")
	}
	if len(x.Warnings) == 0 {
		t.Fatal("unsupported compression not reported")
	}
}
