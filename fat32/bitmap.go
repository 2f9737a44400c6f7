// This file adapts the volume's own File Allocation Table into the shared
// allocation-bitmap predicate surface.

package fat32

import (
	"github.com/dsoprea/go-recover/bitmap"
)

// AllocationBitmap reads the FAT and synthesizes a free/used predicate over
// the data region: a zero FAT entry means free, any non-zero entry (masked
// to 28 bits) means allocated.
func (p *Parser) AllocationBitmap() (ab *bitmap.AllocationBitmap, ok bool) {
	fatSizeBytes := uint64(p.bootSector.FATSize32) * uint64(p.bootSector.BytesPerSector)

	raw, err := p.source.ReadAt(p.fatStart, fatSizeBytes)
	if err != nil {
		return nil, false
	}

	return bitmap.FromFAT32(raw, p.clusterSz, p.dataStart)
}
