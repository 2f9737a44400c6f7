package extract

import (
	"bytes"
	"encoding/binary"

	"github.com/dsoprea/go-recover/recoverable"
)

const heicMaxScanSize = 200 * 1024 * 1024
const heicMaxMetaScanSize = 10 * 1024 * 1024

var heicBrands = map[string]bool{
	"heic": true, "heix": true, "hevc": true, "hevx": true,
	"heim": true, "heis": true, "hevm": true, "hevs": true,
	"mif1": true, "msf1": true, "avif": true, "avis": true,
}

// ExtractHEIC walks the same ISO-BMFF box structure as MP4, but requires a
// recognized HEIF/AVIF brand in the ftyp box (major or compatible), and
// recovers width/height from the inline ispe item property inside meta.
func ExtractHEIC(source Source, offset uint64, sig recoverable.FileSignature) recoverable.ExtractionResult {
	return withRecovery(sig, func() recoverable.ExtractionResult {
		first := readISOBox(source, offset)
		if first.Type != "ftyp" || !heicHasRecognizedBrand(source, first) {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		var metadata *recoverable.FileMetadata
		var sawMeta bool

		size, truncated := isoBMFFWalk(source, offset, heicMaxScanSize, func(box isoBox) {
			if box.Type == "meta" && !sawMeta && box.BodySize <= heicMaxMetaScanSize {
				sawMeta = true
				metadata = heicParseMetaForDimensions(source, box)
			}
		})

		return recoverable.ExtractionResult{Size: size, Estimated: truncated, Metadata: metadata}
	})
}

func heicHasRecognizedBrand(source Source, ftyp isoBox) bool {
	body := readExact(source, ftyp.Offset+ftyp.HeaderSize, min64(ftyp.BodySize, 256))
	if len(body) < 8 {
		return false
	}

	majorBrand := string(body[0:4])
	if heicBrands[majorBrand] {
		return true
	}

	// Compatible brands follow major_brand(4) + minor_version(4), in
	// 4-byte groups for the remainder of the box.
	for i := 8; i+4 <= len(body); i += 4 {
		if heicBrands[string(body[i:i+4])] {
			return true
		}
	}

	return false
}

func heicParseMetaForDimensions(source Source, meta isoBox) *recoverable.FileMetadata {
	// meta is a "full box": version(1) + flags(3) precede its child boxes.
	body := readExact(source, meta.Offset+meta.HeaderSize+4, meta.BodySize-4)

	idx := bytes.Index(body, []byte("ispe"))
	if idx < 0 {
		return nil
	}

	// ispe is itself a full box: size(4, already matched via fourcc
	// offset) + type(4, "ispe") + version/flags(4) + width(4) + height(4).
	dataStart := idx + 4 + 4
	if dataStart+8 > len(body) {
		return nil
	}

	width := binary.BigEndian.Uint32(body[dataStart : dataStart+4])
	height := binary.BigEndian.Uint32(body[dataStart+4 : dataStart+8])

	return &recoverable.FileMetadata{
		Width:  uint16(width),
		Height: uint16(height),
	}
}
