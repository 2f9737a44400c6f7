// This file adapts each block group's own block-allocation bitmap into the
// shared allocation-bitmap predicate surface, concatenating per-group
// bitmaps into one dense bitmap covering the whole volume.

package ext4

import (
	"github.com/dsoprea/go-recover/bitmap"
)

// AllocationBitmap reads every block group's bitmap block. A missing or
// unreadable group bitmap is treated as all-allocated rather than failing
// the whole volume.
func (p *Parser) AllocationBitmap() (ab *bitmap.AllocationBitmap, ok bool) {
	sb := p.superblock

	groupCount := (uint64(sb.SInodesCount) + uint64(sb.SInodesPerGroup) - 1) / uint64(sb.SInodesPerGroup)
	gdBlock := uint64(sb.SFirstDataBlock) + 1
	gdSize := uint64(sb.GroupDescriptorSize())

	bitmapBlockBytes := uint64(sb.SBlocksPerGroup+7) / 8

	raw := make([]byte, 0, groupCount*bitmapBlockBytes)

	for group := uint64(0); group < groupCount; group++ {
		blockBitmapBlock, gdOK := p.readBlockBitmapBlock(gdBlock, gdSize, group)
		if !gdOK {
			// Missing/unreadable bitmap: report this group all-allocated.
			raw = append(raw, allOnes(bitmapBlockBytes)...)
			continue
		}

		chunk, err := p.source.ReadAt(blockBitmapBlock*p.blockSize, bitmapBlockBytes)
		if err != nil || uint64(len(chunk)) < bitmapBlockBytes {
			raw = append(raw, allOnes(bitmapBlockBytes)...)
			continue
		}

		raw = append(raw, chunk...)
	}

	dataStart := uint64(sb.SFirstDataBlock) * p.blockSize

	return bitmap.FromExtentBitmap(raw, p.blockSize, dataStart)
}

func (p *Parser) readBlockBitmapBlock(gdBlock, gdSize, group uint64) (blockBitmapBlock uint64, ok bool) {
	defer func() {
		if recover() != nil {
			blockBitmapBlock, ok = 0, false
		}
	}()

	offset := gdBlock*p.blockSize + group*gdSize

	raw, err := p.source.ReadAt(offset, gdSize)
	if err != nil || uint64(len(raw)) < gdSize {
		return 0, false
	}

	lo := le32(raw, 0)
	hi := uint32(0)
	if p.superblock.Has64Bit() && gdSize >= 32+4 {
		hi = le32(raw, 32)
	}

	return uint64(hi)<<32 | uint64(lo), true
}

func allOnes(n uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xFF
	}

	return b
}
