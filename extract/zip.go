package extract

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/dsoprea/go-recover/recoverable"
)

const zipMaxScanSize = 200 * 1024 * 1024
const zipLocalFileHeaderSize = 30

var zipLocalFileHeaderSignature = []byte{0x50, 0x4B, 0x03, 0x04}
var zipEOCDSignature = []byte{0x50, 0x4B, 0x05, 0x06}

const zipFlagHasDataDescriptor = 0x0008

// ExtractZIP walks ZIP local file entries summing their on-disk extent. It
// does not look at entry names; docx/xlsx classification is done
// separately by ClassifyZIPOffice. A data-descriptor entry (streamed compressed size
// unknown at header time) forces a fall back to locating the End Of
// Central Directory record instead.
func ExtractZIP(source Source, offset uint64, sig recoverable.FileSignature) recoverable.ExtractionResult {
	return withRecovery(sig, func() recoverable.ExtractionResult {
		header := readExact(source, offset, 4)
		if !bytes.Equal(header, zipLocalFileHeaderSignature) {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		pos := offset
		limit := offset + zipMaxScanSize

		for pos < limit {
			sig4 := readUpTo(source, pos, 4)
			if len(sig4) < 4 || !bytes.Equal(sig4, zipLocalFileHeaderSignature) {
				break
			}

			entry := readUpTo(source, pos, zipLocalFileHeaderSize)
			if len(entry) < zipLocalFileHeaderSize {
				break
			}

			flags := binary.LittleEndian.Uint16(entry[6:8])
			compressedSize := uint64(binary.LittleEndian.Uint32(entry[18:22]))
			nameLen := uint64(binary.LittleEndian.Uint16(entry[26:28]))
			extraLen := uint64(binary.LittleEndian.Uint16(entry[28:30]))

			if flags&zipFlagHasDataDescriptor != 0 && compressedSize == 0 {
				return zipFindEOCD(source, offset)
			}

			pos += zipLocalFileHeaderSize + nameLen + extraLen + compressedSize
		}

		size := pos - offset
		if size == 0 {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		return recoverable.ExtractionResult{Size: size, Estimated: false}
	})
}

// ClassifyZIPOffice inspects a ZIP container's entry names for the
// "word/", "xl/" and "[Content_Types].xml" markers that distinguish a
// DOCX/XLSX package from a plain ZIP archive, used by the carving engine
// to pick the right FileType before dispatching to ExtractZIP.
func ClassifyZIPOffice(source Source, offset uint64) (fileType recoverable.FileType, recognized bool) {
	pos := offset
	limit := offset + zipMaxScanSize
	sawWord, sawXL, sawContentTypes := false, false, false

	for pos < limit {
		sig4, err := source.ReadAt(pos, 4)
		if err != nil || len(sig4) < 4 || !bytes.Equal(sig4, zipLocalFileHeaderSignature) {
			break
		}

		entry, err := source.ReadAt(pos, zipLocalFileHeaderSize)
		if err != nil || uint64(len(entry)) < zipLocalFileHeaderSize {
			break
		}

		compressedSize := uint64(binary.LittleEndian.Uint32(entry[18:22]))
		nameLen := uint64(binary.LittleEndian.Uint16(entry[26:28]))
		extraLen := uint64(binary.LittleEndian.Uint16(entry[28:30]))

		nameBytes, err := source.ReadAt(pos+zipLocalFileHeaderSize, nameLen)
		if err != nil {
			break
		}

		name := string(nameBytes)
		switch {
		case strings.HasPrefix(name, "word/"):
			sawWord = true
		case strings.HasPrefix(name, "xl/"):
			sawXL = true
		case name == "[Content_Types].xml":
			sawContentTypes = true
		}

		pos += zipLocalFileHeaderSize + nameLen + extraLen + compressedSize
	}

	switch {
	case sawWord && sawContentTypes:
		return recoverable.TypeDOCX, true
	case sawXL && sawContentTypes:
		return recoverable.TypeXLSX, true
	default:
		return recoverable.TypeUnknown, false
	}
}

func zipFindEOCD(source Source, offset uint64) recoverable.ExtractionResult {
	const windowSize = 1 << 20
	pos := offset
	limit := offset + zipMaxScanSize

	for pos < limit {
		window := readUpTo(source, pos, windowSize)
		if len(window) == 0 {
			break
		}

		if idx := bytes.Index(window, zipEOCDSignature); idx >= 0 {
			eocdOffset := pos + uint64(idx)
			commentLenBytes := readExact(source, eocdOffset+20, 2)
			commentLen := uint64(binary.LittleEndian.Uint16(commentLenBytes))

			end := eocdOffset + 22 + commentLen
			return recoverable.ExtractionResult{Size: end - offset, Estimated: false}
		}

		if len(window) < windowSize {
			break
		}

		pos += uint64(len(window)) - uint64(len(zipEOCDSignature))
	}

	return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
}
