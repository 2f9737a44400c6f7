package extract

import (
	"encoding/binary"

	"github.com/dsoprea/go-recover/recoverable"
)

const jpegMaxScanSize = 50 * 1024 * 1024

// jpegMarkerEOI, jpegMarkerSOS and friends are JPEG marker codes (the byte that
// follows the 0xFF marker prefix).
const (
	jpegMarkerTEM  = 0x01
	jpegMarkerSOS  = 0xDA
	jpegMarkerEOI  = 0xD9
	jpegMarkerRST0 = 0xD0
	jpegMarkerRST7 = 0xD7
	jpegMarkerDHT  = 0xC4
	jpegMarkerDAC  = 0xCC
)

// ExtractJPEG walks JFIF/EXIF markers from a candidate FF D8 FF offset,
// falling back to a brute-force FF D9 scan if the marker walk can't make
// sense of the stream.
func ExtractJPEG(source Source, offset uint64, sig recoverable.FileSignature) recoverable.ExtractionResult {
	return withRecovery(sig, func() recoverable.ExtractionResult {
		header := readExact(source, offset, 3)
		if header[0] != 0xFF || header[1] != 0xD8 || header[2] != 0xFF {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		if size, metadata, ok := jpegWalkMarkers(source, offset); ok {
			return recoverable.ExtractionResult{Size: size, Estimated: false, Metadata: metadata}
		}

		return jpegBruteForceEOI(source, offset)
	})
}

func jpegWalkMarkers(source Source, offset uint64) (size uint64, metadata *recoverable.FileMetadata, ok bool) {
	pos := offset + 2
	limit := offset + jpegMaxScanSize
	var foundSOF bool
	metadata = &recoverable.FileMetadata{}

	for pos < limit {
		prefix := readExact(source, pos, 1)
		if prefix[0] != 0xFF {
			return 0, nil, false
		}

		// Skip 0xFF fill bytes preceding a real marker.
		for {
			pos++
			b := readExact(source, pos, 1)
			if b[0] != 0xFF {
				break
			}
		}

		marker := readExact(source, pos, 1)[0]
		pos++

		switch {
		case marker == 0xD8 || marker == jpegMarkerTEM || (marker >= jpegMarkerRST0 && marker <= jpegMarkerRST7):
			// Standalone markers carry no length.
			continue

		case marker == jpegMarkerEOI:
			return pos - offset, metadata, true

		case marker == jpegMarkerSOS:
			sosLengthBytes := readExact(source, pos, 2)
			sosLength := binary.BigEndian.Uint16(sosLengthBytes)
			if sosLength < 2 {
				return 0, nil, false
			}

			end, sosOK := jpegScanEntropyData(source, pos+uint64(sosLength))
			if !sosOK {
				return 0, nil, false
			}

			return end - offset, metadata, true

		default:
			lengthBytes := readExact(source, pos, 2)
			length := binary.BigEndian.Uint16(lengthBytes)
			if length < 2 {
				return 0, nil, false
			}

			if !foundSOF && marker >= 0xC0 && marker <= 0xCF && marker != jpegMarkerDHT && marker != jpegMarkerDAC {
				segment := readExact(source, pos+2, 5)
				metadata.Height = binary.BigEndian.Uint16(segment[1:3])
				metadata.Width = binary.BigEndian.Uint16(segment[3:5])
				foundSOF = true
			}

			pos += uint64(length)
		}
	}

	return 0, nil, false
}

// jpegScanEntropyData scans compressed scan data for the first real FF D9,
// treating FF 00 as a stuffed literal and FF D0-D7 as restart markers that
// do not terminate the scan.
func jpegScanEntropyData(source Source, pos uint64) (end uint64, ok bool) {
	limit := pos + jpegMaxScanSize
	const windowSize = 4096

	for pos < limit {
		window := readUpTo(source, pos, windowSize)
		if len(window) == 0 {
			return 0, false
		}

		i := 0
		for i < len(window) {
			if window[i] != 0xFF {
				i++
				continue
			}

			if i+1 >= len(window) {
				break
			}

			next := window[i+1]
			switch {
			case next == 0x00:
				i += 2
			case next >= jpegMarkerRST0 && next <= jpegMarkerRST7:
				i += 2
			case next == jpegMarkerEOI:
				return pos + uint64(i) + 2, true
			default:
				i++
			}
		}

		if i == 0 {
			// A lone trailing 0xFF with nothing after it; no more data
			// will arrive to resolve it.
			return 0, false
		}

		pos += uint64(i)
	}

	return 0, false
}

func jpegBruteForceEOI(source Source, offset uint64) recoverable.ExtractionResult {
	end, ok := jpegScanEntropyData(source, offset+2)
	if !ok {
		return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
	}

	return recoverable.ExtractionResult{Size: end - offset, Estimated: true}
}
