package main

import (
	"bytes"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthonynsimon/bild/imgio"

	"github.com/aaayd/xexparser/pkg/gzip"
	"github.com/aaayd/xexparser/pkg/imagescan"
	"github.com/aaayd/xexparser/pkg/xex"
)

const defaultGzipLevel = 6

func main() {
	outPath := flag.String("o", "", "Output path for the extracted PE (default <input>.exe)")
	infoOnly := flag.Bool("info", false, "Print header information without extracting")
	gz := flag.Bool("z", false, "gzip the extracted PE")
	level := flag.Int("l", defaultGzipLevel, "gzip level (1-9)")
	imagesDir := flag.String("images", "", "Directory to export embedded images into")
	flag.Parse()

	gzipLevel := *level
	if gzipLevel < 1 || gzipLevel > 9 {
		gzipLevel = defaultGzipLevel
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("Usage: xextool [options] <file.xex>")
		flag.PrintDefaults()
		return
	}

	inputFile := args[0]
	fmt.Printf("Processing %s...\n", inputFile)

	f, err := os.Open(inputFile)
	if err != nil {
		fmt.Printf("Error opening file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fmt.Printf("Error getting file info: %v\n", err)
		os.Exit(1)
	}

	x, err := xex.Open(f, info.Size())
	if err != nil {
		fmt.Printf("Not a valid XEX2: %v\n", err)
		os.Exit(1)
	}

	printHeader(x)

	if *infoOnly {
		printWarnings(x)
		return
	}

	var pe bytes.Buffer
	if err := x.ExtractPE(&pe); err != nil {
		fmt.Printf("Extraction failed: %v\n", err)
		printWarnings(x)
		os.Exit(1)
	}
	fmt.Printf("Extracted PE image: %d bytes\n", pe.Len())

	x.ResolveResources(pe.Bytes())
	if x.Title != "" {
		fmt.Printf("Title:          %s\n", x.Title)
	}

	output := *outPath
	if output == "" {
		output = strings.TrimSuffix(inputFile, filepath.Ext(inputFile)) + ".exe"
	}

	data := pe.Bytes()
	if *gz {
		output += ".gz"
		if data, err = gzip.Compress(data, gzipLevel); err != nil {
			fmt.Printf("Error compressing output: %v\n", err)
			os.Exit(1)
		}
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		fmt.Printf("Error writing output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", output, len(data))

	if *imagesDir != "" {
		exportImages(x, pe.Bytes(), *imagesDir)
	}

	printWarnings(x)
}

func printHeader(x *xex.XEX) {
	fmt.Printf("Module flags:   %08X\n", x.ModuleFlags)
	fmt.Printf("Load address:   %08X\n", x.LoadAddress)
	fmt.Printf("Image size:     %d bytes\n", x.ImageSize)
	fmt.Printf("Game region:    %08X\n", x.GameRegion)
	if names := x.AllowedMediaNames(); len(names) > 0 {
		fmt.Printf("Allowed media:  %s\n", strings.Join(names, ", "))
	}
	if e := x.ExecutionID; e != nil {
		fmt.Printf("Title ID:       %08X\n", e.TitleID)
		fmt.Printf("Media ID:       %08X\n", e.MediaID)
		fmt.Printf("Version:        %08X (base %08X)\n", e.Version, e.BaseVersion)
		fmt.Printf("Disc:           %d/%d\n", e.DiscNumber, e.DiscCount)
	}
	if x.BoundPath != "" {
		fmt.Printf("Bound path:     %s\n", x.BoundPath)
	}
	if ci := x.Compression; ci != nil {
		fmt.Printf("Payload:        %s, %s", ci.Encryption, ci.Compression)
		if ci.Compression == xex.CompressionLZX {
			fmt.Printf(" (window %d KiB, first block %d bytes)", ci.WindowSize/1024, ci.FirstBlockSize)
		}
		fmt.Println()
	}
	if len(x.Libraries) > 0 {
		fmt.Println("Libraries:")
		for _, lib := range x.Libraries {
			fmt.Printf("  %s\n", lib)
		}
	}
	if len(x.Resources) > 0 {
		fmt.Println("Resources:")
		for _, res := range x.Resources {
			fmt.Printf("  %-8s  %08X  %8d bytes  %s\n", res.Name, res.VirtualAddress, res.Size, res.Type)
		}
	}
}

// exportImages writes every decoded resource image plus every signature
// hit from the extracted PE. Formats the Go image stack can decode are
// normalized to PNG; packed Xbox textures are written raw.
func exportImages(x *xex.XEX, pe []byte, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf("Error creating %s: %v\n", dir, err)
		return
	}

	count := 0
	for _, res := range x.Resources {
		if res.Data == nil || res.Type == xex.ResourceUnknown {
			continue
		}
		name := fmt.Sprintf("res_%s", sanitize(res.Name))
		if saveImage(filepath.Join(dir, name), res.Data) {
			count++
		}
	}
	for _, img := range imagescan.Scan(pe) {
		name := fmt.Sprintf("scan_%08x_%s", img.Offset, strings.ToLower(string(img.Format)))
		if saveImage(filepath.Join(dir, name), img.Data) {
			count++
		}
	}
	fmt.Printf("Exported %d images to %s\n", count, dir)
}

// saveImage re-encodes decodable images as PNG and falls back to the raw
// bytes for everything else.
func saveImage(path string, data []byte) bool {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		if err := imgio.Save(path+".png", img, imgio.PNGEncoder()); err == nil {
			return true
		}
	}
	if err := os.WriteFile(path+".bin", data, 0o644); err != nil {
		fmt.Printf("Error writing %s: %v\n", path, err)
		return false
	}
	return true
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, s)
}

func printWarnings(x *xex.XEX) {
	for _, w := range x.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
}
