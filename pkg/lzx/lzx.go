// Package lzx implements a decompressor for the LZX streams embedded in
// XEX2 containers: sliding windows of 2^15..2^21 bytes, verbatim, aligned
// and uncompressed block types, and the Intel E8 call translation applied
// over the first 32768 frames.
package lzx

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MinWindowBits and MaxWindowBits bound the supported window sizes.
	MinWindowBits = 15
	MaxWindowBits = 21

	// FrameSize is the number of bytes emitted per frame; only the final
	// frame of a stream may be shorter.
	FrameSize = 32768

	minMatch = 2

	blockVerbatim     = 1
	blockAligned      = 2
	blockUncompressed = 3

	numPretreeSyms = 20
	numAlignedSyms = 8
	numLengthSyms  = 250

	maxTreePathLen = 16

	pretreeTablebits  = 6
	maintreeTablebits = 12
	lengthTablebits   = 12
	alignedTablebits  = 7

	// Frames past this index are never E8-translated.
	maxE8Frame = 32768
)

var (
	ErrBadBlockType    = errors.New("lzx: bad block type")
	ErrBadHuffmanTable = errors.New("lzx: bad huffman table")
	ErrMatchOverflow   = errors.New("lzx: match overflows window")
	ErrTruncated       = errors.New("lzx: truncated stream")
)

// Position-slot tables shared by all decoders. Each pair of slots shares
// an extra-bit count: the first two pairs get 0, and each later pair gets
// one more than the pair before it, up to 17. The bases are
// the running sum of the slot spans. Initialized once, read-only after.
var (
	extraBits    [51]byte
	positionBase [51]uint32
)

func init() {
	for i, j := 0, 0; i < len(extraBits); i += 2 {
		extraBits[i] = byte(j)
		if i+1 < len(extraBits) {
			extraBits[i+1] = byte(j)
		}
		if i != 0 && j < 17 {
			j++
		}
	}
	base := uint32(0)
	for i := range positionBase {
		positionBase[i] = base
		base += 1 << extraBits[i]
	}
}

// positionSlots returns the number of position slots for a window size.
func positionSlots(windowBits int) int {
	switch windowBits {
	case 21:
		return 50
	case 20:
		return 42
	}
	return windowBits * 2
}

// Decoder holds the full LZX stream state: the window ring, the
// repeated-offset registers, the Huffman code lengths carried from block
// to block, and the Intel E8 translation counters.
type Decoder struct {
	windowBits int
	windowSize uint32
	window     []byte
	windowPos  uint32
	framePos   uint32
	frame      uint32

	resetInterval uint32

	r0, r1, r2 uint32

	blockType      int
	blockLength    int
	blockRemaining int
	headerRead     bool

	intelFilesize int32
	intelCurpos   int32
	intelStarted  bool

	src      []byte
	pos      int
	bitbuf   uint32
	bitsLeft uint

	mainSyms int

	pretreeLens [numPretreeSyms]byte
	mainLens    []byte
	lengthLens  [numLengthSyms]byte
	alignedLens [numAlignedSyms]byte

	pretreeTable []uint16
	mainTable    []uint16
	lengthTable  []uint16
	alignedTable []uint16
}

// NewDecoder creates a decoder for a window of 2^windowBits bytes,
// windowBits in [15,21].
func NewDecoder(windowBits int) (*Decoder, error) {
	if windowBits < MinWindowBits || windowBits > MaxWindowBits {
		return nil, fmt.Errorf("lzx: window bits %d out of range", windowBits)
	}
	mainSyms := 256 + positionSlots(windowBits)*8
	d := &Decoder{
		windowBits: windowBits,
		windowSize: 1 << windowBits,
		window:     make([]byte, 1<<windowBits),
		r0:         1,
		r1:         1,
		r2:         1,
		mainSyms:   mainSyms,

		mainLens: make([]byte, mainSyms),

		pretreeTable: make([]uint16, (1<<pretreeTablebits)+numPretreeSyms*2),
		mainTable:    make([]uint16, (1<<maintreeTablebits)+mainSyms*2),
		lengthTable:  make([]uint16, (1<<lengthTablebits)+numLengthSyms*2),
		alignedTable: make([]uint16, (1<<alignedTablebits)+numAlignedSyms*2),
	}
	return d, nil
}

// SetResetInterval makes the decoder reset its state every n frames.
// Zero, the default and the value used by XEX payloads, means never.
func (d *Decoder) SetResetInterval(n uint32) {
	d.resetInterval = n
}

func (d *Decoder) resetState() {
	d.r0, d.r1, d.r2 = 1, 1, 1
	for i := range d.mainLens {
		d.mainLens[i] = 0
	}
	for i := range d.lengthLens {
		d.lengthLens[i] = 0
	}
	d.headerRead = false
}

// Bit stream: the input is consumed as little-endian 16-bit words, each
// loaded into the high end of a 32-bit MSB-first accumulator. Past the end
// of input, zero words are fed; genuine truncation surfaces as a frame or
// block error.

func (d *Decoder) ensureBits(n uint) {
	for d.bitsLeft < n {
		var w uint32
		if d.pos+2 <= len(d.src) {
			w = uint32(d.src[d.pos]) | uint32(d.src[d.pos+1])<<8
		} else if d.pos < len(d.src) {
			w = uint32(d.src[d.pos])
		}
		d.pos += 2
		d.bitbuf |= w << (16 - d.bitsLeft)
		d.bitsLeft += 16
	}
}

func (d *Decoder) peekBits(n uint) uint32 {
	return d.bitbuf >> (32 - n)
}

func (d *Decoder) removeBits(n uint) {
	d.bitbuf <<= n
	d.bitsLeft -= n
}

func (d *Decoder) readBits(n uint) uint32 {
	if n == 0 {
		return 0
	}
	d.ensureBits(n)
	v := d.peekBits(n)
	d.removeBits(n)
	return v
}

// readHuffSym decodes one symbol: a direct table lookup for codes up to
// the table width, then a walk of the binary-tree overlay for longer ones.
func (d *Decoder) readHuffSym(table []uint16, lens []byte, nsyms, tablebits uint) (int, error) {
	d.ensureBits(16)
	sym := uint32(table[d.peekBits(tablebits)])
	if sym >= uint32(nsyms) {
		j := uint32(1) << (32 - tablebits)
		for {
			j >>= 1
			if j == 0 {
				return 0, ErrBadHuffmanTable
			}
			sym <<= 1
			if d.bitbuf&j != 0 {
				sym |= 1
			}
			if sym >= uint32(len(table)) {
				return 0, ErrBadHuffmanTable
			}
			sym = uint32(table[sym])
			if sym < uint32(nsyms) {
				break
			}
		}
	}
	n := uint(lens[sym])
	if n == 0 || n > d.bitsLeft {
		return 0, ErrBadHuffmanTable
	}
	d.removeBits(n)
	return int(sym), nil
}

// makeDecodeTable builds a canonical-code lookup table: codes up to
// tablebits bits map directly, longer codes are resolved through tree
// nodes appended after the direct entries. A table whose code space is
// not exactly filled is accepted only when every unused length is zero.
func makeDecodeTable(nsyms, tablebits uint, lens []byte, table []uint16) error {
	var pos uint32
	tableMask := uint32(1) << tablebits
	bitMask := tableMask >> 1
	nextSymbol := uint32(0)

	for bitNum := uint(1); bitNum <= tablebits; bitNum++ {
		for sym := uint(0); sym < nsyms; sym++ {
			if uint(lens[sym]) != bitNum {
				continue
			}
			leaf := pos
			pos += bitMask
			if pos > tableMask {
				return ErrBadHuffmanTable
			}
			for fill := bitMask; fill > 0; fill-- {
				table[leaf] = uint16(sym)
				leaf++
			}
		}
		bitMask >>= 1
	}

	if pos == tableMask {
		return nil
	}

	for sym := pos; sym < tableMask; sym++ {
		table[sym] = 0xFFFF
	}

	if tableMask>>1 < uint32(nsyms) {
		nextSymbol = uint32(nsyms)
	} else {
		nextSymbol = tableMask >> 1
	}

	pos <<= 16
	tableMask <<= 16
	bitMask = 1 << 15

	for bitNum := tablebits + 1; bitNum <= maxTreePathLen; bitNum++ {
		for sym := uint(0); sym < nsyms; sym++ {
			if uint(lens[sym]) != bitNum {
				continue
			}
			if pos >= tableMask {
				return ErrBadHuffmanTable
			}
			leaf := pos >> 16
			for fill := uint(0); fill < bitNum-tablebits; fill++ {
				if table[leaf] == 0xFFFF {
					table[nextSymbol<<1] = 0xFFFF
					table[nextSymbol<<1+1] = 0xFFFF
					table[leaf] = uint16(nextSymbol)
					nextSymbol++
				}
				leaf = uint32(table[leaf]) << 1
				if pos>>(15-fill)&1 != 0 {
					leaf++
				}
			}
			table[leaf] = uint16(sym)
			pos += bitMask
		}
		bitMask >>= 1
	}

	if pos == tableMask {
		return nil
	}

	// Degenerate table: valid only when no lengths remain unplaced.
	for sym := uint(0); sym < nsyms; sym++ {
		if lens[sym] != 0 {
			return ErrBadHuffmanTable
		}
	}
	return nil
}

// readLengths updates lens[first:last] from the bit stream: a 20-symbol
// pretree of 4-bit code lengths, then a run of pretree symbols encoding
// each length as a delta from its previous-block value.
func (d *Decoder) readLengths(lens []byte, first, last int) error {
	for i := range d.pretreeLens {
		d.pretreeLens[i] = byte(d.readBits(4))
	}
	if err := makeDecodeTable(numPretreeSyms, pretreeTablebits, d.pretreeLens[:], d.pretreeTable); err != nil {
		return err
	}

	for i := first; i < last; {
		z, err := d.readHuffSym(d.pretreeTable, d.pretreeLens[:], numPretreeSyms, pretreeTablebits)
		if err != nil {
			return err
		}
		switch {
		case z <= 16:
			lens[i] = byte((int(lens[i]) + 17 - z) % 17)
			i++
		case z == 17:
			run := int(d.readBits(4)) + 4
			if i+run > last {
				return ErrBadHuffmanTable
			}
			for j := 0; j < run; j++ {
				lens[i+j] = 0
			}
			i += run
		case z == 18:
			run := int(d.readBits(5)) + 20
			if i+run > last {
				return ErrBadHuffmanTable
			}
			for j := 0; j < run; j++ {
				lens[i+j] = 0
			}
			i += run
		case z == 19:
			run := int(d.readBits(1)) + 4
			if i+run > last {
				return ErrBadHuffmanTable
			}
			z, err = d.readHuffSym(d.pretreeTable, d.pretreeLens[:], numPretreeSyms, pretreeTablebits)
			if err != nil {
				return err
			}
			if z > 16 {
				return ErrBadHuffmanTable
			}
			v := byte((int(lens[i]) + 17 - z) % 17)
			for j := 0; j < run; j++ {
				lens[i+j] = v
			}
			i += run
		default:
			return ErrBadHuffmanTable
		}
	}
	return nil
}

// readBlockHeader consumes the 3-bit block type and 24-bit block length,
// then the type-specific header: the Huffman trees for verbatim and
// aligned blocks, or the byte realignment and repeated-offset reload for
// uncompressed ones.
func (d *Decoder) readBlockHeader() error {
	// An odd-length uncompressed block leaves one padding byte behind.
	if d.blockType == blockUncompressed && d.blockLength&1 == 1 {
		if d.pos >= len(d.src) {
			return ErrTruncated
		}
		d.pos++
	}

	blockType := int(d.readBits(3))
	hi := d.readBits(16)
	lo := d.readBits(8)
	d.blockLength = int(hi<<8 | lo)
	d.blockRemaining = d.blockLength

	switch blockType {
	case blockAligned:
		for i := range d.alignedLens {
			d.alignedLens[i] = byte(d.readBits(3))
		}
		if err := makeDecodeTable(numAlignedSyms, alignedTablebits, d.alignedLens[:], d.alignedTable); err != nil {
			return err
		}
		fallthrough

	case blockVerbatim:
		if err := d.readLengths(d.mainLens, 0, 256); err != nil {
			return err
		}
		if err := d.readLengths(d.mainLens, 256, d.mainSyms); err != nil {
			return err
		}
		if err := makeDecodeTable(uint(d.mainSyms), maintreeTablebits, d.mainLens, d.mainTable); err != nil {
			return err
		}
		if d.mainLens[0xE8] != 0 {
			d.intelStarted = true
		}
		if err := d.readLengths(d.lengthLens[:], 0, numLengthSyms); err != nil {
			return err
		}
		if err := makeDecodeTable(numLengthSyms, lengthTablebits, d.lengthLens[:], d.lengthTable); err != nil {
			return err
		}

	case blockUncompressed:
		d.intelStarted = true
		// Realign the input to a byte boundary: any whole 16-bit word
		// still in the accumulator is pushed back, sub-word bits are
		// padding and dropped.
		d.ensureBits(16)
		if d.bitsLeft > 16 {
			d.pos -= 2
		}
		d.bitsLeft = 0
		d.bitbuf = 0
		if d.pos+12 > len(d.src) {
			return ErrTruncated
		}
		d.r0 = binary.LittleEndian.Uint32(d.src[d.pos : d.pos+4])
		d.r1 = binary.LittleEndian.Uint32(d.src[d.pos+4 : d.pos+8])
		d.r2 = binary.LittleEndian.Uint32(d.src[d.pos+8 : d.pos+12])
		d.pos += 12

	default:
		return ErrBadBlockType
	}

	d.blockType = blockType
	return nil
}

// decodeMatches inflates at least run bytes of a verbatim or aligned
// block into the window, returning the number actually produced. A match
// begun before the boundary finishes past it.
func (d *Decoder) decodeMatches(run int, aligned bool) (int, error) {
	produced := 0
	for produced < run {
		sym, err := d.readHuffSym(d.mainTable, d.mainLens, uint(d.mainSyms), maintreeTablebits)
		if err != nil {
			return produced, err
		}
		if sym < 256 {
			if d.windowPos >= d.windowSize {
				return produced, ErrMatchOverflow
			}
			d.window[d.windowPos] = byte(sym)
			d.windowPos++
			produced++
			continue
		}

		sym -= 256
		matchLen := sym % 8
		posSlot := sym / 8
		if matchLen == 7 {
			footer, err := d.readHuffSym(d.lengthTable, d.lengthLens[:], numLengthSyms, lengthTablebits)
			if err != nil {
				return produced, err
			}
			matchLen += footer
		}
		matchLen += minMatch

		var offset uint32
		switch {
		case posSlot == 0:
			offset = d.r0
		case posSlot == 1:
			offset = d.r1
			d.r1 = d.r0
			d.r0 = offset
		case posSlot == 2:
			offset = d.r2
			d.r2 = d.r0
			d.r0 = offset
		case posSlot == 3 && !aligned:
			offset = 1
			d.r2 = d.r1
			d.r1 = d.r0
			d.r0 = 1
		default:
			extra := uint(extraBits[posSlot])
			base := positionBase[posSlot] - 2
			if aligned {
				switch {
				case extra > 3:
					offset = base + d.readBits(extra-3)<<3
					alignedSym, err := d.readHuffSym(d.alignedTable, d.alignedLens[:], numAlignedSyms, alignedTablebits)
					if err != nil {
						return produced, err
					}
					offset += uint32(alignedSym)
				case extra == 3:
					alignedSym, err := d.readHuffSym(d.alignedTable, d.alignedLens[:], numAlignedSyms, alignedTablebits)
					if err != nil {
						return produced, err
					}
					offset = base + uint32(alignedSym)
				case extra > 0:
					offset = base + d.readBits(extra)
				default:
					offset = 1
				}
			} else {
				offset = base + d.readBits(extra)
			}
			d.r2 = d.r1
			d.r1 = d.r0
			d.r0 = offset
		}

		if err := d.copyMatch(offset, uint32(matchLen)); err != nil {
			return produced, err
		}
		produced += matchLen
	}
	return produced, nil
}

// copyMatch copies length bytes ending the window-relative offset back
// from the write position, wrapping the source around the window start
// when the offset reaches behind position zero.
func (d *Decoder) copyMatch(offset, length uint32) error {
	if offset == 0 || offset > d.windowSize || d.windowPos+length > d.windowSize {
		return ErrMatchOverflow
	}
	dst := d.windowPos
	var src uint32
	if offset > dst {
		src = d.windowSize - (offset - dst)
	} else {
		src = dst - offset
	}
	for i := uint32(0); i < length; i++ {
		d.window[dst] = d.window[src]
		dst++
		src++
		if src == d.windowSize {
			src = 0
		}
	}
	d.windowPos = dst
	return nil
}

// copyUncompressed moves run raw bytes from the byte-aligned input cursor
// into the window.
func (d *Decoder) copyUncompressed(run int) error {
	if d.pos+run > len(d.src) {
		return ErrTruncated
	}
	if d.windowPos+uint32(run) > d.windowSize {
		return ErrMatchOverflow
	}
	copy(d.window[d.windowPos:d.windowPos+uint32(run)], d.src[d.pos:d.pos+run])
	d.pos += run
	d.windowPos += uint32(run)
	return nil
}

// intelE8 rewrites x86 relative CALL operands back to their original
// values inside one frame. curpos is the absolute position of the frame
// start within the output stream.
func intelE8(b []byte, curpos, filesize int32) {
	for i := 0; i < len(b)-10; i++ {
		if b[i] != 0xE8 {
			curpos++
			continue
		}
		abs := int32(binary.LittleEndian.Uint32(b[i+1 : i+5]))
		if abs >= -curpos && abs < filesize {
			rel := abs - curpos
			if abs < 0 {
				rel = abs + filesize
			}
			binary.LittleEndian.PutUint32(b[i+1:i+5], uint32(rel))
		}
		i += 4
		curpos += 5
	}
}

// Decompress inflates outLen bytes from the reassembled LZX bitstream in
// src. The decoder state persists across calls, matching the chained
// payload format where one logical stream may arrive in several pieces.
func (d *Decoder) Decompress(src []byte, outLen int) ([]byte, error) {
	d.src = src
	d.pos = 0
	d.bitbuf = 0
	d.bitsLeft = 0

	out := make([]byte, 0, outLen)
	for len(out) < outLen {
		if d.resetInterval != 0 && d.frame%d.resetInterval == 0 {
			if d.blockRemaining != 0 {
				return nil, fmt.Errorf("lzx: %d bytes of block left at reset interval", d.blockRemaining)
			}
			d.resetState()
		}

		if !d.headerRead {
			d.intelFilesize = 0
			if d.readBits(1) != 0 {
				hi := d.readBits(16)
				lo := d.readBits(16)
				d.intelFilesize = int32(hi<<16 | lo)
			}
			d.headerRead = true
		}

		frameSize := FrameSize
		if rem := outLen - len(out); rem < frameSize {
			frameSize = rem
		}

		bytesTodo := frameSize
		for bytesTodo > 0 {
			if d.blockRemaining == 0 {
				if err := d.readBlockHeader(); err != nil {
					return nil, err
				}
				if d.blockRemaining == 0 {
					return nil, fmt.Errorf("lzx: empty block")
				}
			}
			run := bytesTodo
			if run > d.blockRemaining {
				run = d.blockRemaining
			}
			var produced int
			var err error
			switch d.blockType {
			case blockVerbatim, blockAligned:
				produced, err = d.decodeMatches(run, d.blockType == blockAligned)
			case blockUncompressed:
				produced, err = run, d.copyUncompressed(run)
			default:
				err = ErrBadBlockType
			}
			if err != nil {
				return nil, err
			}
			if produced > d.blockRemaining {
				return nil, ErrMatchOverflow
			}
			d.blockRemaining -= produced
			bytesTodo -= produced
		}

		if int(d.windowPos-d.framePos) != frameSize {
			return nil, fmt.Errorf("lzx: frame produced %d bytes, want %d", d.windowPos-d.framePos, frameSize)
		}

		// Realign the bit stream to a 16-bit boundary between frames.
		d.removeBits(d.bitsLeft % 16)

		frameBytes := d.window[d.framePos : d.framePos+uint32(frameSize)]
		if d.intelStarted && d.intelFilesize != 0 && d.frame <= maxE8Frame && frameSize > 10 {
			intelE8(frameBytes, d.intelCurpos, d.intelFilesize)
		}
		d.intelCurpos += int32(frameSize)

		out = append(out, frameBytes...)
		d.framePos += uint32(frameSize)
		if d.framePos >= d.windowSize {
			d.framePos = 0
			d.windowPos = 0
		}
		d.frame++
	}
	return out, nil
}
