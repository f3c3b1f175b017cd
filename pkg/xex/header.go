// Package xex parses Xbox 360 XEX2 executable containers and extracts the
// embedded PE image together with its metadata.
package xex

import "fmt"

const (
	MagicXEX2 = "XEX2"

	// Fixed container header: 4-byte magic plus five 32-bit words.
	containerHeaderSize = 24
	// Optional header entries follow the container header directly.
	optHeaderTableOffset = 24

	// Fixed field offsets inside the file header region.
	fhInfoSize     = 0x000
	fhImageSize    = 0x004
	fhLoadAddress  = 0x10C
	fhImageFlags   = 0x110
	fhSessionKey   = 0x150
	fhGameRegion   = 0x178
	fhAllowedMedia = 0x17C
)

// Optional header identifiers. Unknown identifiers are preserved in the
// descriptor but carry no decoded payload.
const (
	HeaderResourceInfo      = 0x000002FF
	HeaderFileFormatInfo    = 0x000003FF
	HeaderBoundPath         = 0x000080FF
	HeaderOriginalBaseAddr  = 0x00010001
	HeaderEntryPoint        = 0x00010100
	HeaderImageBase         = 0x00010201
	HeaderImportLibraries   = 0x000103FF
	HeaderChecksumTimestamp = 0x00018002
	HeaderCallcapImports    = 0x00018102
	HeaderFastcapEnabled    = 0x00018200
	HeaderOriginalPEName    = 0x000183FF
	HeaderStaticLibraries   = 0x000200FF
	HeaderTLSInfo           = 0x00020104
	HeaderDefaultStackSize  = 0x00020200
	HeaderFSCacheSize       = 0x00020301
	HeaderDefaultHeapSize   = 0x00020401
	HeaderSystemFlags       = 0x00030000
	HeaderExecutionID       = 0x00040006
	HeaderServiceIDList     = 0x00040201
	HeaderTitleWorkspace    = 0x00040310
	HeaderGameRatings       = 0x00040404
	HeaderLANKey            = 0x000405FF
	HeaderMultidiscMediaIDs = 0x00E10402
)

// EncryptionType selects how the payload was keyed.
type EncryptionType uint16

const (
	EncryptionNone EncryptionType = 0
	EncryptionAES  EncryptionType = 1
)

func (e EncryptionType) String() string {
	switch e {
	case EncryptionNone:
		return "Unencrypted"
	case EncryptionAES:
		return "Encrypted"
	}
	return fmt.Sprintf("EncryptionType(%d)", uint16(e))
}

// CompressionType selects the payload layout.
type CompressionType uint16

const (
	CompressionZeroed          CompressionType = 0
	CompressionRaw             CompressionType = 1
	CompressionLZX             CompressionType = 2
	CompressionDeltaCompressed CompressionType = 3
)

func (c CompressionType) String() string {
	switch c {
	case CompressionZeroed:
		return "Zeroed"
	case CompressionRaw:
		return "Raw"
	case CompressionLZX:
		return "Compressed"
	case CompressionDeltaCompressed:
		return "DeltaCompressed"
	}
	return fmt.Sprintf("CompressionType(%d)", uint16(c))
}

// OptionalHeader is one (id, datum) entry from the optional header table.
// Depending on the identifier the datum is either an inline value or an
// absolute file offset to the entry payload. Decoded carries the payload
// for identifiers the parser understands; for the rest it is nil.
type OptionalHeader struct {
	ID      uint32
	Datum   uint32
	Decoded interface{}
}

// ExecutionID identifies the title an executable belongs to.
type ExecutionID struct {
	MediaID     uint32
	Version     uint32
	BaseVersion uint32
	TitleID     uint32
	Platform    uint8
	ExecType    uint8
	DiscNumber  uint8
	DiscCount   uint8
	SaveGameID  uint32
}

// Library is one entry of the library-version list.
type Library struct {
	Name    string
	Major   uint16
	Minor   uint16
	Build   uint16
	QFE     uint16
	// Bit 15 of the fourth version field flags an unapproved library.
	Unapproved bool
}

func (l Library) String() string {
	s := fmt.Sprintf("%s %d.%d.%d.%d", l.Name, l.Major, l.Minor, l.Build, l.QFE)
	if l.Unapproved {
		s += " (unapproved)"
	}
	return s
}

// CompressionInfo describes the payload's encryption and compression regime.
type CompressionInfo struct {
	Encryption  EncryptionType
	Compression CompressionType

	// LZX parameters, meaningful only for CompressionLZX.
	WindowSize     uint32
	FirstBlockSize uint32
	FirstBlockHash [20]byte

	// Raw payload of the compression header, kept for observability.
	Raw []byte
}

// HashVerified reports whether block hashes should be checked: an all-zero
// first-block hash disables verification.
func (ci *CompressionInfo) HashVerified() bool {
	for _, b := range ci.FirstBlockHash {
		if b != 0 {
			return true
		}
	}
	return false
}

// ResourceType classifies the content of a resource entry.
type ResourceType int

const (
	ResourceUnknown ResourceType = iota
	ResourcePNG
	ResourceJPEG
	ResourceDDS
	ResourceBMP
	ResourceGIF
	ResourceXPR2
	ResourceXPR0
	// ResourcePEEmbedded marks a resource whose bytes live inside the PE
	// image rather than the container; it is resolved after extraction.
	ResourcePEEmbedded
)

func (t ResourceType) String() string {
	switch t {
	case ResourcePNG:
		return "PNG"
	case ResourceJPEG:
		return "JPEG"
	case ResourceDDS:
		return "DDS"
	case ResourceBMP:
		return "BMP"
	case ResourceGIF:
		return "GIF"
	case ResourceXPR2:
		return "XPR2"
	case ResourceXPR0:
		return "XPR0"
	case ResourcePEEmbedded:
		return "PE_EMBEDDED"
	}
	return "Unknown"
}

// Resource is one entry of the resource directory.
type Resource struct {
	Name           string
	VirtualAddress uint32
	Size           uint32
	Type           ResourceType
	Data           []byte
}

// Descriptor is the structured result of a header parse. It is immutable
// once Open returns, except for the warnings appended by ExtractPE and the
// resource data, resource types, title and warnings filled in by
// ResolveResources after extraction.
type Descriptor struct {
	Magic       [4]byte
	ModuleFlags uint32
	// DataOffset is the absolute offset where the (possibly encrypted and
	// compressed) PE payload begins.
	DataOffset       uint32
	Reserved         uint32
	FileHeaderOffset uint32
	OptHeaderCount   uint32

	// Fixed file-header fields.
	InfoSize     uint32
	ImageSize    uint32
	LoadAddress  uint32
	ImageFlags   uint32
	GameRegion   uint32
	AllowedMedia uint32

	OptionalHeaders []OptionalHeader
	Libraries       []Library
	BoundPath       string
	Compression     *CompressionInfo
	SessionKey      []byte

	ImageBase         uint32
	ResourceDirOffset uint32
	Resources         []Resource

	ExecutionID *ExecutionID
	Title       string

	// Warnings is the ordered log of non-fatal diagnostics collected while
	// parsing and extracting: hash mismatches, undecodable optional
	// headers, unsupported compression.
	Warnings []string
}

func (d *Descriptor) warnf(format string, args ...interface{}) {
	d.Warnings = append(d.Warnings, fmt.Sprintf(format, args...))
}

// MediaTypes names the bits of the allowed-media bitmask.
var MediaTypes = map[uint32]string{
	0x00000001: "Hard Disk",
	0x00000002: "DVD X2",
	0x00000004: "DVD / CD",
	0x00000008: "DVD 5",
	0x00000010: "DVD 9",
	0x00000020: "System Flash",
	0x00000080: "Memory Unit",
	0x00000100: "Mass Storage Device",
	0x00000200: "SMB Filesystem",
	0x00000400: "Direct From RAM",
	0x01000000: "Insecure Package",
	0x02000000: "Save Game Package",
	0x04000000: "Locally Signed Package",
	0x08000000: "Live Signed Package",
	0x10000000: "Xbox Platform Package",
}

// mediaBits lists the mask bits in ascending order for stable output.
var mediaBits = []uint32{
	0x00000001, 0x00000002, 0x00000004, 0x00000008, 0x00000010,
	0x00000020, 0x00000080, 0x00000100, 0x00000200, 0x00000400,
	0x01000000, 0x02000000, 0x04000000, 0x08000000, 0x10000000,
}

// AllowedMediaNames returns the names of every set bit of the
// allowed-media bitmask, in mask order.
func (d *Descriptor) AllowedMediaNames() []string {
	var names []string
	for _, bit := range mediaBits {
		if d.AllowedMedia&bit != 0 {
			names = append(names, MediaTypes[bit])
		}
	}
	return names
}
