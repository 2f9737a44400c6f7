// This package parses an ext4 superblock, walks block-group descriptors and
// the inode table, and decodes inline extent trees to recover deleted
// regular files. Field naming follows fs/ext4/ext4.h.

package ext4

import (
	"reflect"
	"strconv"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-recover/recoverable"
)

const (
	ext4Magic          = 0xEF53
	superblockOffset   = 1024
	superblockSize     = 1024
	defaultInodeSize   = 128
	featureIncompat64b = 0x0080
	extentTreeMagic    = 0xF30A
	extentsFlag        = 0x80000
	modeTypeMask       = 0xF000
	modeRegularFile    = 0x8000
	maxInodesScanned   = 4_000_000
	maxExtentFragments = 4096
	fragmentedCutoff   = 5
)

// Superblock holds the fields of the on-disk ext4 superblock (fs/ext4/ext4.h)
// this package needs, read directly off byte offsets rather than struct-tag
// unpacking since the record mixes fixed and conditionally-present regions.
type Superblock struct {
	SInodesCount     uint32
	SFirstDataBlock  uint32
	SLogBlockSize    uint32
	SBlocksPerGroup  uint32
	SInodesPerGroup  uint32
	SMagic           uint16
	SRevLevel        uint32
	SFirstIno        uint32
	SInodeSize       uint16
	SFeatureIncompat uint32
	SDescSize        uint16
}

// Superblock byte offsets, per fs/ext4/ext4.h.
const (
	offInodesCount     = 0x00
	offFirstDataBlock  = 0x14
	offLogBlockSize    = 0x18
	offBlocksPerGroup  = 0x20
	offInodesPerGroup  = 0x28
	offMagic           = 0x38
	offRevLevel        = 0x4C
	offFirstIno        = 0x54
	offInodeSize       = 0x58
	offFeatureIncompat = 0x60
	offDescSize        = 0xFE
)

// HasExtended reports whether the dynamic-revision fields (everything past
// SDefResgid) are present.
func (sb *Superblock) HasExtended() bool {
	return sb.SRevLevel >= 1
}

// BlockSize returns the filesystem's block size in bytes.
func (sb *Superblock) BlockSize() uint32 {
	return 1024 << sb.SLogBlockSize
}

// Has64Bit reports whether group descriptors carry the 64-bit high-word
// extensions.
func (sb *Superblock) Has64Bit() bool {
	return sb.SFeatureIncompat&featureIncompat64b != 0
}

// InodeSize returns the on-disk inode record size, defaulting to 128 for
// pre-dynamic-revision filesystems that don't store it explicitly.
func (sb *Superblock) InodeSize() uint16 {
	if !sb.HasExtended() || sb.SInodeSize == 0 {
		return defaultInodeSize
	}

	return sb.SInodeSize
}

// GroupDescriptorSize returns the size of one block-group descriptor
// record: the superblock's own s_desc_size when 64-bit group descriptors
// are enabled (64 when that field is zero), 32 otherwise.
func (sb *Superblock) GroupDescriptorSize() uint16 {
	if sb.Has64Bit() {
		if sb.SDescSize >= 32 {
			return sb.SDescSize
		}

		return 64
	}

	return 32
}

// Source is the minimal device abstraction this package requires.
type Source interface {
	ReadAt(offset, length uint64) ([]byte, error)
	Size() uint64
}

// Parser walks a parsed ext4 superblock to enumerate deleted regular files.
type Parser struct {
	source     Source
	superblock *Superblock
	blockSize  uint64
}

// NewParser validates the ext4 magic and unpacks the superblock at byte
// 1024. It never returns an error; ok is false for anything that is not a
// plausible ext4 volume.
func NewParser(source Source) (parser *Parser, ok bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			parser, ok = nil, false
		}
	}()

	raw, err := source.ReadAt(superblockOffset, superblockSize)
	log.PanicIf(err)

	if len(raw) < int(offDescSize)+2 {
		return nil, false
	}

	sb := &Superblock{
		SInodesCount:     le32(raw, offInodesCount),
		SFirstDataBlock:  le32(raw, offFirstDataBlock),
		SLogBlockSize:    le32(raw, offLogBlockSize),
		SBlocksPerGroup:  le32(raw, offBlocksPerGroup),
		SInodesPerGroup:  le32(raw, offInodesPerGroup),
		SMagic:           le16(raw, offMagic),
		SRevLevel:        le32(raw, offRevLevel),
		SFirstIno:        le32(raw, offFirstIno),
		SInodeSize:       le16(raw, offInodeSize),
		SFeatureIncompat: le32(raw, offFeatureIncompat),
		SDescSize:        le16(raw, offDescSize),
	}

	if sb.SMagic != ext4Magic {
		return nil, false
	}

	if sb.SBlocksPerGroup == 0 || sb.SInodesPerGroup == 0 {
		return nil, false
	}

	p := &Parser{
		source:     source,
		superblock: sb,
		blockSize:  uint64(sb.BlockSize()),
	}

	return p, true
}

// Parse walks every block group's inode table and returns one
// recoverable.File per deleted regular-file inode found.
func (p *Parser) Parse() (files []recoverable.File) {
	files = make([]recoverable.File, 0)

	sb := p.superblock

	groupCount := (uint64(sb.SInodesCount) + uint64(sb.SInodesPerGroup) - 1) / uint64(sb.SInodesPerGroup)
	gdBlock := uint64(sb.SFirstDataBlock) + 1
	gdSize := uint64(sb.GroupDescriptorSize())

	inodesScanned := uint64(0)

	for group := uint64(0); group < groupCount; group++ {
		inodeTableBlock, ok := p.readGroupDescriptor(gdBlock, gdSize, group)
		if !ok {
			continue
		}

		inodeTableOffset := inodeTableBlock * p.blockSize
		inodeSize := uint64(sb.InodeSize())

		for i := uint64(0); i < uint64(sb.SInodesPerGroup); i++ {
			if inodesScanned >= maxInodesScanned {
				return files
			}
			inodesScanned++

			inodeNumber := group*uint64(sb.SInodesPerGroup) + i + 1
			offset := inodeTableOffset + i*inodeSize

			f, ok := p.parseInode(offset, inodeSize, inodeNumber)
			if !ok {
				continue
			}

			files = append(files, f)
		}
	}

	return files
}

func (p *Parser) readGroupDescriptor(gdBlock, gdSize, group uint64) (inodeTableBlock uint64, ok bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if err, isErr := errRaw.(error); isErr {
				log.PrintError(log.Wrap(err))
			} else {
				log.PrintError(log.Errorf("ext4 group-descriptor panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw))
			}

			inodeTableBlock, ok = 0, false
		}
	}()

	offset := gdBlock*p.blockSize + group*gdSize

	raw, err := p.source.ReadAt(offset, gdSize)
	log.PanicIf(err)

	if uint64(len(raw)) < gdSize {
		return 0, false
	}

	lo := le32(raw, 8)
	hi := uint32(0)
	if p.superblock.Has64Bit() && gdSize >= 40+4 {
		hi = le32(raw, 40)
	}

	return uint64(hi)<<32 | uint64(lo), true
}

// inode is the subset of an on-disk ext4 inode this package reads, kept
// as raw offsets rather than a struct tag since i_block's layout depends on
// the extents flag.
const (
	inodeModeOffset    = 0
	inodeSizeLoOffset  = 4
	inodeDtimeOffset   = 20
	inodeLinksOffset   = 26
	inodeFlagsOffset   = 32
	inodeBlockOffset   = 40
	inodeBlockLen      = 60
	inodeSizeHiOffset  = 108
	minInodeReadLength = 112
)

func (p *Parser) parseInode(offset, inodeSize, inodeNumber uint64) (file recoverable.File, ok bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if err, isErr := errRaw.(error); isErr {
				log.PrintError(log.Wrap(err))
			} else {
				log.PrintError(log.Errorf("ext4 inode panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw))
			}

			file, ok = recoverable.File{}, false
		}
	}()

	readLen := inodeSize
	if readLen < minInodeReadLength {
		readLen = minInodeReadLength
	}

	raw, err := p.source.ReadAt(offset, readLen)
	log.PanicIf(err)

	if uint64(len(raw)) < minInodeReadLength {
		return recoverable.File{}, false
	}

	mode := le16(raw, inodeModeOffset)
	linksCount := le16(raw, inodeLinksOffset)
	dtime := le32(raw, inodeDtimeOffset)
	flags := le32(raw, inodeFlagsOffset)

	if dtime == 0 || linksCount != 0 {
		return recoverable.File{}, false
	}

	if uint32(mode)&modeTypeMask != modeRegularFile {
		return recoverable.File{}, false
	}

	sizeLo := le32(raw, inodeSizeLoOffset)
	sizeHi := le32(raw, inodeSizeHiOffset)
	size := uint64(sizeHi)<<32 | uint64(sizeLo)

	block := raw[inodeBlockOffset : inodeBlockOffset+inodeBlockLen]

	var fragments []recoverable.FileFragment
	if flags&extentsFlag != 0 {
		fragments = p.parseExtentTree(block)
	} else {
		fragments = p.parseDirectBlocks(block)
	}

	if len(fragments) == 0 {
		return recoverable.File{}, false
	}

	recoverability := recoverable.RecoverabilityGood
	if len(fragments) > fragmentedCutoff {
		recoverability = recoverable.RecoverabilityPartial
	}

	f := recoverable.NewFile(
		recoverable.TypeUnknown,
		recoverable.CategoryOther,
		fragments[0].Offset,
		size,
		false,
		"",
		nil,
		recoverable.SourceMetadata,
		fragments,
	)
	f.Name = inodeName(inodeNumber)
	f.Recoverability = recoverability

	return f, true
}

// parseExtentTree decodes the inline extent tree in i_block for a depth-0
// (leaf) node. Non-leaf (index) nodes are not followed, since their child
// blocks live outside the inline 60-byte area; they yield no fragments, so
// parseInode reports no file for such an inode.
func (p *Parser) parseExtentTree(block []byte) []recoverable.FileFragment {
	if len(block) < 12 {
		return nil
	}

	magic := le16(block, 0)
	if magic != extentTreeMagic {
		return nil
	}

	entries := le16(block, 2)
	depth := le16(block, 6)

	if depth != 0 {
		return nil
	}

	fragments := make([]recoverable.FileFragment, 0, entries)

	for i := uint16(0); i < entries; i++ {
		o := 12 + int(i)*12
		if o+12 > len(block) {
			break
		}

		if len(fragments) >= maxExtentFragments {
			break
		}

		eeLen := le16(block, o+4) & 0x7FFF
		eeStartHi := le16(block, o+6)
		eeStartLo := le32(block, o+8)

		physicalBlock := uint64(eeStartHi)<<32 | uint64(eeStartLo)

		fragments = append(fragments, recoverable.FileFragment{
			Offset: physicalBlock * p.blockSize,
			Size:   uint64(eeLen) * p.blockSize,
		})
	}

	return fragments
}

// parseDirectBlocks reads the 12 direct block pointers (indirect blocks are
// ignored as unreliable for deleted inodes) and merges contiguous runs.
func (p *Parser) parseDirectBlocks(block []byte) []recoverable.FileFragment {
	fragments := make([]recoverable.FileFragment, 0, 12)

	var run *recoverable.FileFragment

	for i := 0; i < 12; i++ {
		o := i * 4
		if o+4 > len(block) {
			break
		}

		blockNumber := le32(block, o)
		if blockNumber == 0 {
			run = nil
			continue
		}

		offset := uint64(blockNumber) * p.blockSize

		if run != nil && run.Offset+run.Size == offset {
			run.Size += p.blockSize
			continue
		}

		fragments = append(fragments, recoverable.FileFragment{Offset: offset, Size: p.blockSize})
		run = &fragments[len(fragments)-1]
	}

	return fragments
}

func inodeName(inodeNumber uint64) string {
	return "inode_" + strconv.FormatUint(inodeNumber, 10) + "_deleted"
}

func le16(b []byte, offset int) uint16 {
	return uint16(b[offset]) | uint16(b[offset+1])<<8
}

func le32(b []byte, offset int) uint32 {
	return uint32(b[offset]) | uint32(b[offset+1])<<8 | uint32(b[offset+2])<<16 | uint32(b[offset+3])<<24
}
