// This file adapts MFT record #6 ($Bitmap) into the shared allocation-
// bitmap predicate surface, reusing the same fixup and data-run decoding
// the attribute walk in ntfs.go already performs for ordinary files.

package ntfs

import (
	"encoding/binary"
	"reflect"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-recover/bitmap"
)

const bitmapMFTRecord = 6

// AllocationBitmap reads and decodes the volume's $Bitmap system file,
// returning ok=false when it cannot be located or decoded; callers should
// treat that as "no bitmap available" rather than a fatal error, per the
// parser's own never-throws contract.
func (p *Parser) AllocationBitmap() (ab *bitmap.AllocationBitmap, ok bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if err, isErr := errRaw.(error); isErr {
				log.PrintError(log.Wrap(err))
			} else {
				log.PrintError(log.Errorf("ntfs bitmap decode panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw))
			}

			ab, ok = nil, false
		}
	}()

	record, recOK := p.readRecord(bitmapMFTRecord)
	if !recOK {
		return nil, false
	}

	if len(record) < 24 {
		return nil, false
	}

	attrsOffset := uint32(binary.LittleEndian.Uint16(record[20:22]))

	var fragments []struct{ offset, size uint64 }

	offset := attrsOffset
	for uint64(offset)+16 < uint64(len(record)) {
		attrType := binary.LittleEndian.Uint32(record[offset:])
		if attrType == attrEnd || attrType == 0 {
			break
		}

		attrLen := binary.LittleEndian.Uint32(record[offset+4:])
		if attrLen == 0 || uint64(offset)+uint64(attrLen) > uint64(len(record)) {
			break
		}

		if attrLen < 16 {
			break
		}

		attr := record[offset : offset+attrLen]

		if attrType == attrData && attr[8] != 0 {
			_, frags := parseNonResidentData(attr, p.clusterSize)
			for _, f := range frags {
				fragments = append(fragments, struct{ offset, size uint64 }{f.Offset, f.Size})
			}
			break
		}

		offset += attrLen
	}

	if len(fragments) == 0 {
		return nil, false
	}

	raw := make([]byte, 0)
	for _, f := range fragments {
		chunk, err := p.source.ReadAt(f.offset, f.size)
		if err != nil {
			return nil, false
		}
		raw = append(raw, chunk...)
	}

	return bitmap.FromExtentBitmap(raw, p.clusterSize, 0)
}
