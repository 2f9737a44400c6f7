package extract

import (
	"encoding/binary"

	"github.com/dsoprea/go-recover/recoverable"
)

const tiffMaxScanSize = 150 * 1024 * 1024
const tiffMaxIFDs = 20
const tiffMaxEntriesPerIFD = 500

const (
	tiffTagImageWidth      = 0x0100
	tiffTagImageLength     = 0x0101
	tiffTagModel           = 0x0110
	tiffTagStripOffsets    = 0x0111
	tiffTagStripByteCounts = 0x0117
	tiffTagSubIFDs         = 0x014A
	tiffTagTileOffsets     = 0x0144
	tiffTagTileByteCounts  = 0x0145
)

// tiffByteOrder carries the byte order the TIFF header declared, which
// every sub-field (rationals, SubIFD pointers, array values) must follow.
type tiffByteOrder struct {
	binary.ByteOrder
}

// ExtractTIFFRAW parses a TIFF-based RAW container (CR2/NEF/ARW share this
// structure), walking the IFD chain and SubIFDs to find the maximum extent
// referenced by any out-of-line value, which stands in for the true file
// size since RAW files carry no end-of-file marker.
func ExtractTIFFRAW(source Source, offset uint64, sig recoverable.FileSignature) recoverable.ExtractionResult {
	return withRecovery(sig, func() recoverable.ExtractionResult {
		header := readExact(source, offset, 8)

		var order tiffByteOrder
		switch {
		case header[0] == 'I' && header[1] == 'I':
			order = tiffByteOrder{binary.LittleEndian}
		case header[0] == 'M' && header[1] == 'M':
			order = tiffByteOrder{binary.BigEndian}
		default:
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		if order.Uint16(header[2:4]) != 42 {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		firstIFDOffset := uint64(order.Uint32(header[4:8]))

		walker := &tiffIFDWalker{
			source:    source,
			offset:    offset,
			order:     order,
			visited:   make(map[uint64]bool),
			maxExtent: 8,
			metadata:  &recoverable.FileMetadata{},
		}

		walker.walk(firstIFDOffset)

		return recoverable.ExtractionResult{Size: walker.maxExtent, Estimated: true, Metadata: walker.metadata}
	})
}

type tiffIFDWalker struct {
	source    Source
	offset    uint64 // absolute device offset of the TIFF header (byte 0 of the container)
	order     tiffByteOrder
	visited   map[uint64]bool
	ifdCount  int
	maxExtent uint64
	metadata  *recoverable.FileMetadata
}

func (w *tiffIFDWalker) noteExtent(relEnd uint64) {
	if relEnd > w.maxExtent {
		w.maxExtent = relEnd
	}
}

func tiffTypeSize(t uint16) uint64 {
	switch t {
	case 1, 2, 6, 7:
		return 1
	case 3, 8:
		return 2
	case 4, 9, 11:
		return 4
	case 5, 10, 12:
		return 8
	default:
		return 1
	}
}

func (w *tiffIFDWalker) walk(relIFDOffset uint64) {
	if w.ifdCount >= tiffMaxIFDs || w.visited[relIFDOffset] || relIFDOffset == 0 {
		return
	}

	w.visited[relIFDOffset] = true
	w.ifdCount++

	absIFDOffset := w.offset + relIFDOffset

	countBytes := readExact(w.source, absIFDOffset, 2)
	entryCount := uint64(w.order.Uint16(countBytes))
	if entryCount > tiffMaxEntriesPerIFD {
		entryCount = tiffMaxEntriesPerIFD
	}

	var stripOffsets, stripCounts, tileOffsets, tileCounts []uint64
	var subIFDOffsets []uint64

	entriesStart := absIFDOffset + 2
	for i := uint64(0); i < entryCount; i++ {
		entry := readExact(w.source, entriesStart+i*12, 12)
		tag := w.order.Uint16(entry[0:2])
		typ := w.order.Uint16(entry[2:4])
		count := uint64(w.order.Uint32(entry[4:8]))
		valueOrOffset := entry[8:12]

		elemSize := tiffTypeSize(typ)
		valueSize := elemSize * count

		var outOfLineOffset uint64
		inline := valueSize <= 4
		if !inline {
			outOfLineOffset = uint64(w.order.Uint32(valueOrOffset))
			w.noteExtent(outOfLineOffset + valueSize)
		}

		switch tag {
		case tiffTagImageWidth:
			w.metadata.Width = uint16(tiffInlineOrFirstU32(w.order, valueOrOffset, typ))
		case tiffTagImageLength:
			w.metadata.Height = uint16(tiffInlineOrFirstU32(w.order, valueOrOffset, typ))
		case tiffTagModel:
			if !inline {
				w.metadata.CameraModel = string(readExact(w.source, w.offset+outOfLineOffset, min64(count, 64)))
			}
		case tiffTagStripOffsets:
			stripOffsets = w.readU32Array(valueOrOffset, typ, count, inline, outOfLineOffset)
		case tiffTagStripByteCounts:
			stripCounts = w.readU32Array(valueOrOffset, typ, count, inline, outOfLineOffset)
		case tiffTagTileOffsets:
			tileOffsets = w.readU32Array(valueOrOffset, typ, count, inline, outOfLineOffset)
		case tiffTagTileByteCounts:
			tileCounts = w.readU32Array(valueOrOffset, typ, count, inline, outOfLineOffset)
		case tiffTagSubIFDs:
			subIFDOffsets = w.readU32Array(valueOrOffset, typ, count, inline, outOfLineOffset)
		}
	}

	tiffNoteDataExtents(w, stripOffsets, stripCounts)
	tiffNoteDataExtents(w, tileOffsets, tileCounts)

	nextIFDOffsetBytes := readExact(w.source, entriesStart+entryCount*12, 4)
	nextIFDOffset := uint64(w.order.Uint32(nextIFDOffsetBytes))

	for _, subOffset := range subIFDOffsets {
		w.walk(subOffset)
	}

	w.walk(nextIFDOffset)
}

func tiffNoteDataExtents(w *tiffIFDWalker, offsets, counts []uint64) {
	n := len(offsets)
	if len(counts) < n {
		n = len(counts)
	}

	for i := 0; i < n; i++ {
		w.noteExtent(offsets[i] + counts[i])
	}
}

// tiffInlineOrFirstU32 reads a SHORT or LONG scalar value, inline values
// being left-aligned within the 4-byte field per the TIFF6 spec.
func tiffInlineOrFirstU32(order tiffByteOrder, raw []byte, typ uint16) uint32 {
	if typ == 3 {
		return uint32(order.Uint16(raw[0:2]))
	}

	return order.Uint32(raw)
}

// readU32Array resolves a tag's value as an array of SHORT or LONG
// offsets/counts, whether stored inline (count<=1 for LONG, <=2 for SHORT)
// or out-of-line.
func (w *tiffIFDWalker) readU32Array(raw []byte, typ uint16, count uint64, inline bool, outOfLineOffset uint64) []uint64 {
	elemSize := tiffTypeSize(typ)

	// A corrupted count field can claim a multi-gigabyte array; a real
	// strip/tile/SubIFD table never approaches this.
	const maxArrayBytes = 1 << 20
	if elemSize*count > maxArrayBytes {
		count = maxArrayBytes / elemSize
	}

	var data []byte
	if inline {
		data = raw
	} else {
		data = readExact(w.source, w.offset+outOfLineOffset, elemSize*count)
	}

	result := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		start := i * elemSize
		if start+elemSize > uint64(len(data)) {
			break
		}

		if typ == 3 {
			result = append(result, uint64(w.order.Uint16(data[start:start+2])))
		} else {
			result = append(result, uint64(w.order.Uint32(data[start:start+4])))
		}
	}

	return result
}
