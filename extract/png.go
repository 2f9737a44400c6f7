package extract

import (
	"bytes"
	"encoding/binary"

	"github.com/dsoprea/go-recover/recoverable"
)

const pngMaxScanSize = 100 * 1024 * 1024

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
var pngIEND = []byte{0x49, 0x45, 0x4E, 0x44}

// ExtractPNG walks PNG chunks, extracting IHDR width/height and stopping
// after IEND; on corruption it falls back to a literal scan for the IEND
// terminator sequence including its trailing CRC.
func ExtractPNG(source Source, offset uint64, sig recoverable.FileSignature) recoverable.ExtractionResult {
	return withRecovery(sig, func() recoverable.ExtractionResult {
		header := readExact(source, offset, 8)
		if !bytes.Equal(header, pngSignature) {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		if size, metadata, ok := pngWalkChunks(source, offset); ok {
			return recoverable.ExtractionResult{Size: size, Estimated: false, Metadata: metadata}
		}

		return pngBruteForceIEND(source, offset)
	})
}

func pngWalkChunks(source Source, offset uint64) (size uint64, metadata *recoverable.FileMetadata, ok bool) {
	pos := offset + 8
	limit := offset + pngMaxScanSize
	metadata = &recoverable.FileMetadata{}

	for pos < limit {
		chunkHeader := readExact(source, pos, 8)
		length := uint64(binary.BigEndian.Uint32(chunkHeader[0:4]))
		chunkType := chunkHeader[4:8]

		if length > pngMaxScanSize {
			return 0, nil, false
		}

		if bytes.Equal(chunkType, []byte("IHDR")) {
			data := readExact(source, pos+8, 8)
			metadata.Width = uint16(binary.BigEndian.Uint32(data[0:4]))
			metadata.Height = uint16(binary.BigEndian.Uint32(data[4:8]))
		}

		// length + type(4) + data + crc(4)
		pos += 8 + length + 4

		if bytes.Equal(chunkType, []byte("IEND")) {
			return pos - offset, metadata, true
		}
	}

	return 0, nil, false
}

func pngBruteForceIEND(source Source, offset uint64) recoverable.ExtractionResult {
	const windowSize = 4096
	pos := offset
	limit := offset + pngMaxScanSize

	for pos < limit {
		window := readUpTo(source, pos, windowSize)
		if len(window) == 0 {
			break
		}

		if idx := bytes.Index(window, pngIEND); idx >= 0 {
			// 4 bytes of type already matched; 4 bytes of CRC follow.
			end := pos + uint64(idx) + 4 + 4
			return recoverable.ExtractionResult{Size: end - offset, Estimated: true}
		}

		if len(window) < windowSize {
			break
		}

		// Re-scan with a small overlap so a terminator spanning the window
		// boundary is not missed.
		pos += uint64(len(window)) - uint64(len(pngIEND)-1)
	}

	return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
}
