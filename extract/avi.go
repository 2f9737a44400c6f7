package extract

import (
	"bytes"
	"encoding/binary"

	"github.com/dsoprea/go-recover/recoverable"
)

const aviMaxScanSize = 10 * 1024 * 1024 * 1024
const aviMaxExtensionChunks = 10
const aviHeaderScanSize = 4096

// ExtractAVI reads the RIFF/AVI header, probes for chained AVIX extension
// RIFF chunks immediately following the first chunk's computed end (the
// "OpenDML" convention for AVI files larger than 1 GiB), and extracts
// width/height from the avih stream header when present.
func ExtractAVI(source Source, offset uint64, sig recoverable.FileSignature) recoverable.ExtractionResult {
	return withRecovery(sig, func() recoverable.ExtractionResult {
		header := readExact(source, offset, 12)
		if string(header[0:4]) != "RIFF" {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		form := string(header[8:12])
		if form != "AVI " && form != "AVIX" {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		riffSize := uint64(binary.LittleEndian.Uint32(header[4:8]))
		total := 8 + riffSize

		metadata := aviParseHeaderDimensions(source, offset)

		cur := offset + total
		for i := 0; i < aviMaxExtensionChunks && cur < offset+aviMaxScanSize; i++ {
			extHeader, err := source.ReadAt(cur, 12)
			if err != nil || len(extHeader) < 12 {
				break
			}

			if string(extHeader[0:4]) != "RIFF" || string(extHeader[8:12]) != "AVIX" {
				break
			}

			extSize := uint64(binary.LittleEndian.Uint32(extHeader[4:8]))
			total += 8 + extSize
			cur += 8 + extSize
		}

		if total > aviMaxScanSize {
			total = aviMaxScanSize
		}

		return recoverable.ExtractionResult{Size: total, Estimated: false, Metadata: metadata}
	})
}

func aviParseHeaderDimensions(source Source, offset uint64) *recoverable.FileMetadata {
	scanWindow := readUpTo(source, offset, aviHeaderScanSize)

	idx := bytes.Index(scanWindow, []byte("avih"))
	if idx < 0 {
		return nil
	}

	dataStart := idx + 8 // fourcc(4) + chunk size(4)
	widthOffset := dataStart + 32
	if widthOffset+8 > len(scanWindow) {
		return nil
	}

	width := binary.LittleEndian.Uint32(scanWindow[widthOffset : widthOffset+4])
	height := binary.LittleEndian.Uint32(scanWindow[widthOffset+4 : widthOffset+8])

	// AVI dimensions beyond 16384 are implausible and indicate a
	// corrupted avih chunk.
	if width == 0 || width > 16384 || height == 0 || height > 16384 {
		return nil
	}

	return &recoverable.FileMetadata{
		Width:  uint16(width),
		Height: uint16(height),
	}
}
