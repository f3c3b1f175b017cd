package xex

import (
	"github.com/aaayd/xexparser/pkg/xdbf"
)

// ResolveResources enriches the descriptor from the decrypted PE image:
// resources marked as living inside the PE get their bytes at
// virtual address - image base and are classified (keeping the PE_EMBEDDED
// tag when the bytes match no known format), and the title string is
// recovered from the XDBF resource when one is present. Resources read
// from the container during Open are not reclassified.
func (x *XEX) ResolveResources(pe []byte) {
	for i := range x.Resources {
		res := &x.Resources[i]
		if res.Type != ResourcePEEmbedded || res.Size == 0 {
			continue
		}
		off := int64(res.VirtualAddress) - int64(x.ImageBase)
		if off < 0 || off+int64(res.Size) > int64(len(pe)) {
			x.warnf("resource %q outside extracted image", res.Name)
			continue
		}
		data := make([]byte, res.Size)
		copy(data, pe[off:off+int64(res.Size)])
		res.Data = data
		if t := classify(data); t != ResourceUnknown {
			res.Type = t
		}
	}

	if x.Title == "" {
		x.Title = x.titleFromResources(pe)
	}
}

// titleFromResources tries the XDBF resource first, then falls back to a
// linear scan of the whole image for a string-table config record.
func (x *XEX) titleFromResources(pe []byte) string {
	for i := range x.Resources {
		res := &x.Resources[i]
		if res.Data == nil || !xdbf.IsXDBF(res.Data) {
			continue
		}
		title, err := xdbf.Title(res.Data)
		if err != nil {
			x.warnf("resource %q: %v", res.Name, err)
			continue
		}
		if title != "" {
			return title
		}
	}
	return xdbf.ScanTitle(pe)
}
