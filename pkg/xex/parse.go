package xex

import (
	"errors"
	"fmt"
	"io"

	"github.com/aaayd/xexparser/pkg/imagescan"
	"github.com/aaayd/xexparser/pkg/keys"
)

// ErrBadMagic is returned when the container does not start with "XEX2".
var ErrBadMagic = errors.New("xex: bad magic")

// XEX is an opened container. The descriptor is filled by Open; the payload
// is pulled on demand by ExtractPE.
type XEX struct {
	Descriptor
	r    io.ReaderAt
	size int64
}

// Open parses the container and file headers of a XEX2 executable and
// walks the optional header table. The payload is not touched. Malformed
// optional header entries are isolated: the entry is kept undecoded and a
// warning is appended to the descriptor log.
func Open(r io.ReaderAt, size int64) (*XEX, error) {
	x := &XEX{r: r, size: size}
	rd := newReader(r, size)

	magic, err := rd.bytes(4)
	if err != nil {
		return nil, err
	}
	if string(magic) != MagicXEX2 {
		return nil, ErrBadMagic
	}
	copy(x.Magic[:], magic)

	if x.ModuleFlags, err = rd.u32(); err != nil {
		return nil, err
	}
	if x.DataOffset, err = rd.u32(); err != nil {
		return nil, err
	}
	if x.Reserved, err = rd.u32(); err != nil {
		return nil, err
	}
	if x.FileHeaderOffset, err = rd.u32(); err != nil {
		return nil, err
	}
	if x.OptHeaderCount, err = rd.u32(); err != nil {
		return nil, err
	}

	if err := x.readFileHeader(rd); err != nil {
		return nil, err
	}

	// Pass 1: populate the descriptor and run every decoder except the
	// resource directory, which depends on the image base address.
	rd.seek(optHeaderTableOffset)
	x.OptionalHeaders = make([]OptionalHeader, 0, x.OptHeaderCount)
	for i := uint32(0); i < x.OptHeaderCount; i++ {
		var hdr OptionalHeader
		if hdr.ID, err = rd.u32(); err != nil {
			return nil, err
		}
		if hdr.Datum, err = rd.u32(); err != nil {
			return nil, err
		}
		if err := x.decodeOptHeader(&hdr); err != nil {
			x.warnf("optional header %08X: %v", hdr.ID, err)
		}
		x.OptionalHeaders = append(x.OptionalHeaders, hdr)
	}

	// Pass 2: the resource directory. The image base may appear anywhere
	// in the table, so its consumers run only after the full first pass.
	for i := range x.OptionalHeaders {
		hdr := &x.OptionalHeaders[i]
		if hdr.ID != HeaderResourceInfo {
			continue
		}
		if err := x.decodeResourceDir(hdr); err != nil {
			x.warnf("resource directory: %v", err)
		}
	}

	return x, nil
}

// readFileHeader pulls the six fixed fields and the session key out of the
// file header region. The field order matches the on-disk layout, which is
// not monotonic; each field is seeked to individually.
func (x *XEX) readFileHeader(rd *reader) error {
	fh := int64(x.FileHeaderOffset)
	var err error
	if x.InfoSize, err = rd.u32At(fh + fhInfoSize); err != nil {
		return err
	}
	if x.ImageFlags, err = rd.u32At(fh + fhImageFlags); err != nil {
		return err
	}
	if x.ImageSize, err = rd.u32At(fh + fhImageSize); err != nil {
		return err
	}
	if x.GameRegion, err = rd.u32At(fh + fhGameRegion); err != nil {
		return err
	}
	if x.LoadAddress, err = rd.u32At(fh + fhLoadAddress); err != nil {
		return err
	}
	if x.AllowedMedia, err = rd.u32At(fh + fhAllowedMedia); err != nil {
		return err
	}

	rd.seek(fh + fhSessionKey)
	wrapped, err := rd.bytes(16)
	if err != nil {
		return err
	}
	key, err := keys.UnwrapSessionKey(wrapped)
	if err != nil {
		x.warnf("session key: %v", err)
		return nil
	}
	x.SessionKey = key
	return nil
}

// HasDecoder reports whether the parser decodes the payload of the given
// optional header identifier. It is a property of the identifier alone.
func HasDecoder(id uint32) bool {
	switch id {
	case HeaderExecutionID, HeaderImageBase, HeaderStaticLibraries,
		HeaderFileFormatInfo, HeaderBoundPath, HeaderResourceInfo:
		return true
	}
	return false
}

// decodeOptHeader dispatches on the identifier. Identifiers without a
// decoder are recorded as-is; their datum may be an inline value or an
// offset, but the parser does not interpret it.
func (x *XEX) decodeOptHeader(hdr *OptionalHeader) error {
	switch hdr.ID {
	case HeaderExecutionID:
		return x.decodeExecutionID(hdr)
	case HeaderImageBase:
		x.ImageBase = hdr.Datum
		hdr.Decoded = hdr.Datum
	case HeaderStaticLibraries:
		return x.decodeLibraries(hdr)
	case HeaderFileFormatInfo:
		return x.decodeCompressionInfo(hdr)
	case HeaderBoundPath:
		return x.decodeBoundPath(hdr)
	case HeaderResourceInfo:
		// Deferred to pass 2; only the offset is captured here.
		x.ResourceDirOffset = hdr.Datum
	}
	return nil
}

func (x *XEX) decodeExecutionID(hdr *OptionalHeader) error {
	rd := newReader(x.r, x.size)
	rd.seek(int64(hdr.Datum))

	var e ExecutionID
	var err error
	if e.MediaID, err = rd.u32(); err != nil {
		return err
	}
	if e.Version, err = rd.u32(); err != nil {
		return err
	}
	if e.BaseVersion, err = rd.u32(); err != nil {
		return err
	}
	if e.TitleID, err = rd.u32(); err != nil {
		return err
	}
	b, err := rd.bytes(4)
	if err != nil {
		return err
	}
	e.Platform, e.ExecType, e.DiscNumber, e.DiscCount = b[0], b[1], b[2], b[3]
	if e.SaveGameID, err = rd.u32(); err != nil {
		return err
	}

	hdr.Decoded = &e
	x.ExecutionID = &e
	return nil
}

func (x *XEX) decodeLibraries(hdr *OptionalHeader) error {
	rd := newReader(x.r, x.size)
	rd.seek(int64(hdr.Datum))

	length, err := rd.u32()
	if err != nil {
		return err
	}
	if length < 4 || (length-4)%16 != 0 {
		return fmt.Errorf("library table length %d not a multiple of entry size", length)
	}

	count := (length - 4) / 16
	libs := make([]Library, 0, count)
	for i := uint32(0); i < count; i++ {
		var lib Library
		if lib.Name, err = rd.ascii(8); err != nil {
			return err
		}
		if lib.Major, err = rd.u16(); err != nil {
			return err
		}
		if lib.Minor, err = rd.u16(); err != nil {
			return err
		}
		if lib.Build, err = rd.u16(); err != nil {
			return err
		}
		if lib.QFE, err = rd.u16(); err != nil {
			return err
		}
		lib.Unapproved = lib.QFE&0x8000 != 0
		libs = append(libs, lib)
	}

	hdr.Decoded = libs
	x.Libraries = libs
	return nil
}

func (x *XEX) decodeCompressionInfo(hdr *OptionalHeader) error {
	rd := newReader(x.r, x.size)
	rd.seek(int64(hdr.Datum))

	length, err := rd.u32()
	if err != nil {
		return err
	}
	if length < 8 {
		return fmt.Errorf("compression header too short: %d", length)
	}
	raw, err := rd.bytes(int(length))
	if err != nil {
		return err
	}

	ci := &CompressionInfo{
		Encryption:  EncryptionType(be16(raw[0:2])),
		Compression: CompressionType(be16(raw[2:4])),
		Raw:         raw,
	}
	if ci.Compression == CompressionLZX {
		if len(raw) < 32 {
			return fmt.Errorf("compressed-format header too short: %d", len(raw))
		}
		ci.WindowSize = be32(raw[4:8])
		ci.FirstBlockSize = be32(raw[8:12])
		copy(ci.FirstBlockHash[:], raw[12:32])
	}

	hdr.Decoded = ci
	x.Compression = ci
	return nil
}

func (x *XEX) decodeBoundPath(hdr *OptionalHeader) error {
	rd := newReader(x.r, x.size)
	rd.seek(int64(hdr.Datum))

	length, err := rd.u32()
	if err != nil {
		return err
	}
	path, err := rd.ascii(int(length))
	if err != nil {
		return err
	}

	hdr.Decoded = path
	x.BoundPath = path
	return nil
}

func (x *XEX) decodeResourceDir(hdr *OptionalHeader) error {
	rd := newReader(x.r, x.size)
	rd.seek(int64(hdr.Datum))

	length, err := rd.u32()
	if err != nil {
		return err
	}
	if length < 4 || (length-4)%16 != 0 {
		return fmt.Errorf("resource table length %d not a multiple of entry size", length)
	}

	count := (length - 4) / 16
	resources := make([]Resource, 0, count)
	for i := uint32(0); i < count; i++ {
		var res Resource
		if res.Name, err = rd.ascii(8); err != nil {
			return err
		}
		if res.VirtualAddress, err = rd.u32(); err != nil {
			return err
		}
		if res.Size, err = rd.u32(); err != nil {
			return err
		}
		x.locateResource(&res)
		resources = append(resources, res)
	}

	hdr.Decoded = resources
	x.Resources = resources
	return nil
}

// locateResource decides whether a resource's bytes live inside the
// container or inside the PE image. The file offset is the virtual address
// rebased against the image base; offsets past the physical end of the
// container belong to the PE and are resolved after extraction.
func (x *XEX) locateResource(res *Resource) {
	if res.VirtualAddress < x.ImageBase || res.Size == 0 {
		return
	}
	fileOff := int64(res.VirtualAddress - x.ImageBase)
	if fileOff+int64(res.Size) > x.size {
		res.Type = ResourcePEEmbedded
		return
	}
	rd := newReader(x.r, x.size)
	rd.seek(fileOff)
	data, err := rd.bytes(int(res.Size))
	if err != nil {
		return
	}
	res.Data = data
	res.Type = classify(data)
}

// classify maps sniffed content onto the resource type tags.
func classify(data []byte) ResourceType {
	switch imagescan.Sniff(data) {
	case imagescan.FormatPNG:
		return ResourcePNG
	case imagescan.FormatJPEG:
		return ResourceJPEG
	case imagescan.FormatDDS:
		return ResourceDDS
	case imagescan.FormatBMP:
		return ResourceBMP
	case imagescan.FormatGIF:
		return ResourceGIF
	case imagescan.FormatXPR2:
		return ResourceXPR2
	case imagescan.FormatXPR0:
		return ResourceXPR0
	}
	return ResourceUnknown
}
