package extract

import (
	"bytes"
	"encoding/binary"

	"github.com/dsoprea/go-recover/recoverable"
)

const mp4MaxScanSize = 10 * 1024 * 1024 * 1024
const mp4MaxMoovScanSize = 10 * 1024 * 1024

// ExtractMP4 walks ISO-BMFF boxes starting at the ftyp box, accumulating
// total size and, when a moov box is small enough to scan inline,
// extracting width/height from its tkhd track header. Shared by MP4 and
// MOV signatures, which differ only in which brand/atom triggered the
// match.
func ExtractMP4(source Source, offset uint64, sig recoverable.FileSignature) recoverable.ExtractionResult {
	return withRecovery(sig, func() recoverable.ExtractionResult {
		first := readISOBox(source, offset)
		if first.Type != "ftyp" {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		var metadata *recoverable.FileMetadata
		var sawMoov bool

		size, truncated := isoBMFFWalk(source, offset, mp4MaxScanSize, func(box isoBox) {
			if box.Type == "moov" && !sawMoov && box.BodySize <= mp4MaxMoovScanSize {
				sawMoov = true
				metadata = mp4ParseMoovForDimensions(source, box)
			}
		})

		return recoverable.ExtractionResult{Size: size, Estimated: truncated, Metadata: metadata}
	})
}

// mp4ParseMoovForDimensions reads the moov box body whole (bounded by the
// caller to mp4MaxMoovScanSize) and searches inline for the first tkhd,
// whose width/height fields are 16.16 fixed-point; the high 16 bits are
// the integer pixel dimension.
func mp4ParseMoovForDimensions(source Source, moov isoBox) *recoverable.FileMetadata {
	body := readExact(source, moov.Offset+moov.HeaderSize, moov.BodySize)

	idx := bytes.Index(body, []byte("tkhd"))
	if idx < 0 || idx+4+offsetsAfterTkhdType > len(body) {
		return nil
	}

	// tkhd fourcc is preceded by its own 4-byte size; the body we search
	// starts after the moov header, so idx points at the fourcc itself.
	// version(1) + flags(3) + creation(4) + modification(4) + trackID(4)
	// + reserved(4) + duration(4) + reserved(8) + layer(2) + alt_group(2)
	// + volume(2) + reserved(2) + matrix(36) = 80 bytes of fixed fields
	// before width/height, for version 0.
	const fixedFieldsAfterFourcc = 80
	widthOffset := idx + 4 + fixedFieldsAfterFourcc

	if widthOffset+8 > len(body) {
		return nil
	}

	width := binary.BigEndian.Uint32(body[widthOffset : widthOffset+4])
	height := binary.BigEndian.Uint32(body[widthOffset+4 : widthOffset+8])

	return &recoverable.FileMetadata{
		Width:  uint16(width >> 16),
		Height: uint16(height >> 16),
	}
}

const offsetsAfterTkhdType = 4 + 80 + 8
