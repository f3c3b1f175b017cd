package xex

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/aaayd/xexparser/pkg/crypto"
	"github.com/aaayd/xexparser/pkg/lzx"
)

// ErrUnsupportedCompression is returned for delta-compressed payloads,
// which this parser does not decode.
var ErrUnsupportedCompression = errors.New("xex: delta-compressed payload is not supported")

const extractChunk = 0x8000

// ExtractPE streams the decrypted, decompressed PE image to w. With no
// compression record the payload is treated as raw unencrypted PE bytes.
// Block-hash mismatches are reported through the descriptor log and do not
// stop extraction.
func (x *XEX) ExtractPE(w io.Writer) error {
	if x.Compression == nil {
		return x.extractRaw(w, false)
	}
	switch x.Compression.Compression {
	case CompressionZeroed, CompressionRaw:
		return x.extractRaw(w, x.Compression.Encryption == EncryptionAES)
	case CompressionLZX:
		return x.extractCompressed(w)
	case CompressionDeltaCompressed:
		x.warnf("delta-compressed payload, no data produced")
		return ErrUnsupportedCompression
	default:
		return fmt.Errorf("xex: unknown compression type %d", x.Compression.Compression)
	}
}

// extractRaw copies min(file length - data offset, image size) payload
// bytes to w, decrypting every fully-aligned 16-byte run under the session
// key when the payload is encrypted. The CBC state starts at an all-zero
// IV and persists across chunks; a trailing sub-block tail passes through
// untransformed.
func (x *XEX) extractRaw(w io.Writer, encrypted bool) error {
	if int64(x.DataOffset) > x.size {
		return ErrTruncated
	}
	remaining := x.size - int64(x.DataOffset)
	if int64(x.ImageSize) < remaining {
		remaining = int64(x.ImageSize)
	}

	var cbc *crypto.CBCStream
	if encrypted {
		if x.SessionKey == nil {
			return fmt.Errorf("xex: encrypted payload but no session key")
		}
		var err error
		if cbc, err = crypto.NewCBCStream(x.SessionKey); err != nil {
			return err
		}
	}

	buf := make([]byte, extractChunk)
	off := int64(x.DataOffset)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		if _, err := x.r.ReadAt(buf[:n], off); err != nil {
			return ErrTruncated
		}
		if cbc != nil {
			cbc.Decrypt(buf[:n])
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		off += n
		remaining -= n
	}
	return nil
}

// extractCompressed walks the chained compressed-block format, reassembles
// the LZX bitstream and inflates it.
//
// Each block, once decrypted, starts with the size of the block after it,
// followed (when hash verification is on) by that block's SHA-1, followed
// by length-prefixed chunks of LZX stream bytes. A zero chunk length ends
// the block; a zero next-block size ends the chain. CBC chaining runs
// continuously across block boundaries.
func (x *XEX) extractCompressed(w io.Writer) error {
	ci := x.Compression
	windowBits, err := ci.windowBits()
	if err != nil {
		return err
	}

	var cbc *crypto.CBCStream
	if ci.Encryption == EncryptionAES {
		if x.SessionKey == nil {
			return fmt.Errorf("xex: encrypted payload but no session key")
		}
		if cbc, err = crypto.NewCBCStream(x.SessionKey); err != nil {
			return err
		}
	}

	verify := ci.HashVerified()
	headerLen := 4
	if verify {
		headerLen += sha1.Size
	}

	blockSize := ci.FirstBlockSize
	expected := ci.FirstBlockHash
	off := int64(x.DataOffset)
	var stream bytes.Buffer

	for blockIdx := 0; blockSize != 0; blockIdx++ {
		if int(blockSize) < headerLen {
			return fmt.Errorf("xex: block %d size %d shorter than block header", blockIdx, blockSize)
		}
		block := make([]byte, blockSize)
		if off+int64(blockSize) > x.size {
			return ErrTruncated
		}
		if _, err := x.r.ReadAt(block, off); err != nil {
			return ErrTruncated
		}
		off += int64(blockSize)

		if cbc != nil {
			cbc.Decrypt(block)
		}

		if verify {
			if sum := sha1.Sum(block); sum != expected {
				x.warnf("block %d hash mismatch: got %x want %x", blockIdx, sum, expected)
			}
		}

		nextSize := be32(block[0:4])
		if verify {
			copy(expected[:], block[4:4+sha1.Size])
		}

		p := headerLen
		for {
			if p+2 > len(block) {
				return fmt.Errorf("xex: block %d chunk list overruns block", blockIdx)
			}
			chunkLen := int(be16(block[p : p+2]))
			p += 2
			if chunkLen == 0 {
				break
			}
			if p+chunkLen > len(block) {
				return fmt.Errorf("xex: block %d chunk overruns block", blockIdx)
			}
			stream.Write(block[p : p+chunkLen])
			p += chunkLen
		}

		blockSize = nextSize
	}

	dec, err := lzx.NewDecoder(windowBits)
	if err != nil {
		return err
	}
	out, err := dec.Decompress(stream.Bytes(), int(x.ImageSize))
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// windowBits derives the LZX window exponent from the compression window,
// rejecting windows that are not powers of two or fall outside 32KiB-2MiB.
func (ci *CompressionInfo) windowBits() (int, error) {
	w := ci.WindowSize
	if w == 0 || bits.OnesCount32(w) != 1 {
		return 0, fmt.Errorf("xex: compression window %#x is not a power of two", w)
	}
	wb := bits.TrailingZeros32(w)
	if wb < lzx.MinWindowBits || wb > lzx.MaxWindowBits {
		return 0, fmt.Errorf("xex: compression window %#x out of range", w)
	}
	return wb, nil
}
