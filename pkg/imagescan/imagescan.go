// Package imagescan hunts for embedded images by signature inside raw
// byte blobs: XEX containers and the PE images extracted from them carry
// PNG, JPEG, DDS and Xbox packed-resource textures with no directory
// describing where they sit.
package imagescan

import (
	"bytes"
	"encoding/binary"
)

// Format tags the recognized image container formats.
type Format string

const (
	FormatUnknown Format = ""
	FormatPNG     Format = "PNG"
	FormatJPEG    Format = "JPEG"
	FormatDDS     Format = "DDS"
	FormatBMP     Format = "BMP"
	FormatGIF     Format = "GIF"
	FormatXPR2    Format = "XPR2"
	FormatXPR0    Format = "XPR0"
)

const (
	// scanLimit bounds how much input the scanner walks.
	scanLimit = 50 << 20
	// xprSizeCap rejects packed-resource sizes that cannot be real.
	xprSizeCap = 10 << 20

	ddsHeaderSize = 128
	maxDimension  = 4096
)

var (
	sigPNG  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	sigJPEG = []byte{0xFF, 0xD8, 0xFF}
	sigDDS  = []byte("DDS ")
	sigXPR2 = []byte("XPR2")
	sigXPR0 = []byte("XPR0")
	sigIEND = []byte("IEND")
)

// Image is one signature hit: where it was found and its bytes.
type Image struct {
	Format Format
	Offset int
	Data   []byte
}

// Sniff classifies a blob by its leading magic alone.
func Sniff(b []byte) Format {
	switch {
	case bytes.HasPrefix(b, sigPNG):
		return FormatPNG
	case bytes.HasPrefix(b, sigJPEG):
		return FormatJPEG
	case bytes.HasPrefix(b, sigDDS):
		return FormatDDS
	case bytes.HasPrefix(b, sigXPR2):
		return FormatXPR2
	case bytes.HasPrefix(b, sigXPR0):
		return FormatXPR0
	case bytes.HasPrefix(b, []byte("BM")):
		return FormatBMP
	case bytes.HasPrefix(b, []byte("GIF8")):
		return FormatGIF
	}
	return FormatUnknown
}

// Scan walks up to 50 MiB of input and returns every recognized embedded
// image. For every result, Offset+len(Data) is within the input and the
// bytes at Offset begin with the format's magic.
func Scan(b []byte) []Image {
	limit := len(b)
	if limit > scanLimit {
		limit = scanLimit
	}

	var images []Image
	for i := 0; i < limit; {
		format, size := matchAt(b, i)
		if size <= 0 {
			i++
			continue
		}
		data := make([]byte, size)
		copy(data, b[i:i+size])
		images = append(images, Image{Format: format, Offset: i, Data: data})
		i += size
	}
	return images
}

// matchAt tries every signature at offset i and returns the format and
// total image length, or zero when nothing plausible starts there.
func matchAt(b []byte, i int) (Format, int) {
	rest := b[i:]
	switch {
	case bytes.HasPrefix(rest, sigPNG):
		return FormatPNG, pngLength(rest)
	case bytes.HasPrefix(rest, sigJPEG):
		return FormatJPEG, jpegLength(rest)
	case bytes.HasPrefix(rest, sigDDS):
		return FormatDDS, ddsLength(rest)
	case bytes.HasPrefix(rest, sigXPR2):
		return FormatXPR2, xprLength(rest)
	case bytes.HasPrefix(rest, sigXPR0):
		return FormatXPR0, xprLength(rest)
	}
	return FormatUnknown, 0
}

// pngLength finds the IEND chunk and includes its id and trailing CRC.
func pngLength(b []byte) int {
	idx := bytes.Index(b, sigIEND)
	if idx < 0 {
		return 0
	}
	end := idx + len(sigIEND) + 4
	if end > len(b) {
		return 0
	}
	return end
}

// jpegLength walks the marker structure: length-prefixed segments up to
// the start-of-scan marker, entropy-coded data after it, terminated by the
// end-of-image marker. Restart markers carry no length.
func jpegLength(b []byte) int {
	// A real JPEG starts with an APPn, quantization table or
	// start-of-frame segment right after SOI.
	if len(b) < 4 {
		return 0
	}
	m := b[3]
	validStart := (m >= 0xE0 && m <= 0xEF) || m == 0xDB || (m >= 0xC0 && m <= 0xC3)
	if !validStart {
		return 0
	}

	i := 2
	for i+4 <= len(b) {
		if b[i] != 0xFF {
			return 0
		}
		marker := b[i+1]
		switch {
		case marker == 0xD9:
			return i + 2
		case marker == 0xDA:
			// Entropy-coded data: scan for EOI, skipping stuffed
			// zero bytes and restart markers.
			for j := i + 2; j+1 < len(b); j++ {
				if b[j] != 0xFF {
					continue
				}
				next := b[j+1]
				if next == 0x00 || (next >= 0xD0 && next <= 0xD7) {
					j++
					continue
				}
				if next == 0xD9 {
					return j + 2
				}
			}
			return 0
		case marker >= 0xD0 && marker <= 0xD7, marker == 0x01:
			i += 2
		default:
			i += 2 + int(binary.BigEndian.Uint16(b[i+2:i+4]))
		}
	}
	return 0
}

// ddsLength trusts the pitch-or-linear-size field after a plausibility
// check of the stored dimensions.
func ddsLength(b []byte) int {
	if len(b) < ddsHeaderSize {
		return 0
	}
	if binary.LittleEndian.Uint32(b[4:8]) != 124 {
		return 0
	}
	height := binary.LittleEndian.Uint32(b[12:16])
	width := binary.LittleEndian.Uint32(b[16:20])
	if width < 1 || width > maxDimension || height < 1 || height > maxDimension {
		return 0
	}
	size := ddsHeaderSize + int(binary.LittleEndian.Uint32(b[20:24]))
	if size > len(b) {
		return 0
	}
	return size
}

// xprLength trusts the embedded total size, capped against absurd values.
func xprLength(b []byte) int {
	if len(b) < 8 {
		return 0
	}
	size := int(binary.LittleEndian.Uint32(b[4:8]))
	if size <= 8 || size > xprSizeCap || size > len(b) {
		return 0
	}
	return size
}
