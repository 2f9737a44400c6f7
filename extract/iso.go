package extract

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

// isoBox is one parsed ISO-BMFF top-level box header.
type isoBox struct {
	Offset     uint64
	HeaderSize uint64
	BodySize   uint64 // size - HeaderSize; 0 for "to EOF" boxes
	ToEOF      bool
	Type       string
}

// readISOBox reads one box header (4-byte size, 4-byte type, optional
// 8-byte extended size) starting at pos.
func readISOBox(source Source, pos uint64) isoBox {
	header := readExact(source, pos, 8)
	size32 := binary.BigEndian.Uint32(header[0:4])
	boxType := string(header[4:8])

	if size32 == 1 {
		ext := readExact(source, pos+8, 8)
		size64 := binary.BigEndian.Uint64(ext)

		return isoBox{Offset: pos, HeaderSize: 16, BodySize: size64 - 16, Type: boxType}
	}

	if size32 == 0 {
		return isoBox{Offset: pos, HeaderSize: 8, ToEOF: true, Type: boxType}
	}

	if uint64(size32) < 8 {
		log.Panicf("box at offset (%d) reports impossible size (%d)", pos, size32)
	}

	return isoBox{Offset: pos, HeaderSize: 8, BodySize: uint64(size32) - 8, Type: boxType}
}

func (b isoBox) totalSize() uint64 {
	return b.HeaderSize + b.BodySize
}

// isPrintableASCIIType reports whether a 4-byte box type looks like a
// plausible ISO-BMFF fourcc (printable ASCII, which most real and
// corrupted-but-recognizable boxes satisfy).
func isPrintableASCIIType(boxType string) bool {
	if len(boxType) != 4 {
		return false
	}

	for i := 0; i < 4; i++ {
		c := boxType[i]
		if c < 0x20 || c > 0x7E {
			return false
		}
	}

	return true
}

// isoKnownTopLevel is the set of box types that legitimately appear at the
// top level of an ISO-BMFF container. Anything else at the top level is a
// strong signal that the walk has run off the end of the file into
// unrelated bytes.
var isoKnownTopLevel = map[string]bool{
	"ftyp": true, "styp": true, "moov": true, "mdat": true, "free": true,
	"skip": true, "wide": true, "pnot": true, "uuid": true, "moof": true,
	"mfra": true, "meta": true, "sidx": true, "ssix": true, "prft": true,
	"emsg": true, "pdin": true, "junk": true,
}

// isoBMFFWalk walks top-level boxes starting at offset, calling onBox for
// each recognized one. The walk ends at the scan cap, at the end of the
// readable data, or after two consecutive unrecognized top-level types
// (concluding end-of-file); the returned size excludes the unrecognized
// trailing boxes. truncated is true only when the walk could not account
// for every byte exactly: the 2-unknown-boxes conclusion, a box-to-EOF
// size, or hitting the scan cap. A clean end at the last readable byte is
// an exact size.
func isoBMFFWalk(source Source, offset uint64, maxScanSize uint64, onBox func(box isoBox)) (size uint64, truncated bool) {
	pos := offset
	limit := offset + maxScanSize
	consecutiveUnknown := 0
	firstUnknownPos := uint64(0)

	for pos < limit {
		header := readUpTo(source, pos, 8)
		if len(header) < 8 {
			// End of readable data; whatever accumulated is the file. The
			// size is only exact if no unknown box was stepped over on the
			// way here.
			return pos - offset, consecutiveUnknown > 0
		}

		box := readISOBox(source, pos)

		if !isPrintableASCIIType(box.Type) || !isoKnownTopLevel[box.Type] {
			consecutiveUnknown++
			if consecutiveUnknown == 1 {
				firstUnknownPos = pos
			}

			if consecutiveUnknown >= 2 {
				return firstUnknownPos - offset, true
			}

			// A printable unknown may still carry a plausible size field
			// worth stepping over; a garbage one is stepped past by header.
			if isPrintableASCIIType(box.Type) && !box.ToEOF && box.totalSize() >= 8 && box.totalSize() <= maxScanSize {
				pos += box.totalSize()
			} else {
				pos += 8
			}

			continue
		}

		consecutiveUnknown = 0

		onBox(box)

		if box.ToEOF {
			return maxScanSize, true
		}

		pos += box.totalSize()
	}

	return pos - offset, true
}
