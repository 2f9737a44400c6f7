// This package parses an HFS+/HFSX volume header and its catalog B-tree,
// scanning leaf-node slack space for deleted catalog file records. All
// on-disk integers are big-endian, per Apple's Technical Note TN1150.

package hfsplus

import (
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-recover/recoverable"
)

const (
	volumeHeaderOffset = 1024
	volumeHeaderSize   = 512
	signatureHFSPlus   = 0x482B // "H+"
	signatureHFSX      = 0x4858 // "HX"

	nodeTypeHeader = 0x01
	nodeTypeLeaf   = 0xFF

	catalogFileRecordType = 0x0200
	minKeyLength          = 6
	maxKeyLength          = 512

	hfsEpochDelta  = 2082844800 // seconds between 1904-01-01 and 1970-01-01 UTC
	maxNodesWalked = 1_000_000

	journalInfoBlockSize = 52
	maxJournalScanBytes  = 64 * 1024 * 1024
)

// Source is the minimal device abstraction this package requires.
type Source interface {
	ReadAt(offset, length uint64) ([]byte, error)
}

// Parser walks a parsed HFS+ volume header's catalog B-tree.
type Parser struct {
	source           Source
	blockSize        uint64
	catalogFork      []extentDescriptor
	catalogSize      uint64
	journalInfoBlock uint32
}

type extentDescriptor struct {
	startBlock uint32
	blockCount uint32
}

// NewParser validates the HFS+/HFSX signature and reads the catalog file's
// inline extent descriptors. It never returns an error; ok is false for
// anything that is not a plausible HFS+ volume.
func NewParser(source Source) (parser *Parser, ok bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			parser, ok = nil, false
		}
	}()

	raw, err := source.ReadAt(volumeHeaderOffset, volumeHeaderSize)
	log.PanicIf(err)

	if len(raw) < 368 {
		return nil, false
	}

	signature := be16(raw, 0)
	if signature != signatureHFSPlus && signature != signatureHFSX {
		return nil, false
	}

	blockSize := be32(raw, 40)
	if blockSize == 0 {
		return nil, false
	}

	// Catalog file fork data starts at offset 288: logicalSize(8),
	// clumpSize(4), totalBlocks(4), then 8 extent descriptors at +16.
	catalogForkOffset := 288
	catalogLogicalSize := be64(raw, catalogForkOffset)

	journalInfoBlock := be32(raw, 124)

	extents := make([]extentDescriptor, 0, 8)
	for i := 0; i < 8; i++ {
		o := catalogForkOffset + 16 + i*8
		startBlock := be32(raw, o)
		blockCount := be32(raw, o+4)
		if blockCount == 0 {
			continue
		}

		extents = append(extents, extentDescriptor{startBlock: startBlock, blockCount: blockCount})
	}

	if len(extents) == 0 {
		return nil, false
	}

	p := &Parser{
		source:           source,
		blockSize:        uint64(blockSize),
		catalogFork:      extents,
		catalogSize:      catalogLogicalSize,
		journalInfoBlock: journalInfoBlock,
	}

	return p, true
}

// readCatalogBytes reads length bytes starting at a logical offset within
// the catalog file, translating through the inline extent descriptors.
func (p *Parser) readCatalogBytes(logicalOffset, length uint64) ([]byte, error) {
	out := make([]byte, 0, length)

	remaining := length
	pos := logicalOffset

	for _, ext := range p.catalogFork {
		extentBytes := uint64(ext.blockCount) * p.blockSize
		if pos >= extentBytes {
			pos -= extentBytes
			continue
		}

		readLen := extentBytes - pos
		if readLen > remaining {
			readLen = remaining
		}

		deviceOffset := uint64(ext.startBlock)*p.blockSize + pos

		chunk, err := p.source.ReadAt(deviceOffset, readLen)
		if err != nil {
			return nil, err
		}

		out = append(out, chunk...)
		remaining -= uint64(len(chunk))
		pos = 0

		if remaining == 0 {
			break
		}
	}

	return out, nil
}

// Parse walks the catalog B-tree's leaf nodes and returns one
// recoverable.File per deleted catalog file record found in leaf slack
// space.
func (p *Parser) Parse() (files []recoverable.File) {
	files = make([]recoverable.File, 0)

	header, ok := p.readHeaderNode()
	if !ok {
		return files
	}

	node := header.firstLeafNode
	nodesWalked := uint32(0)

	for node != 0 && nodesWalked < maxNodesWalked {
		nodesWalked++

		next, found := p.scanLeafNode(node, header.nodeSize, &files)
		if !found {
			break
		}

		node = next
	}

	p.scanJournal(&files)

	return files
}

// scanJournal reads the volume's journal (if one is present) and scans it
// for deleted catalog file records using the same slack-space heuristic
// applied to B-tree leaf nodes, with the same filename handling: a name is
// decoded from the record's catalog key when one is present, and is
// synthesized from the fileID only when the key carries no name.
func (p *Parser) scanJournal(files *[]recoverable.File) {
	defer func() {
		recover()
	}()

	if p.journalInfoBlock == 0 {
		return
	}

	infoBlockOffset := uint64(p.journalInfoBlock) * p.blockSize

	raw, err := p.source.ReadAt(infoBlockOffset, journalInfoBlockSize)
	log.PanicIf(err)

	if len(raw) < journalInfoBlockSize {
		return
	}

	// JournalInfoBlock: flags(4), deviceSignature(32), offset(8), size(8).
	journalOffset := be64(raw, 36)
	journalSize := be64(raw, 44)

	if journalSize == 0 {
		return
	}

	if journalSize > maxJournalScanBytes {
		journalSize = maxJournalScanBytes
	}

	journal, err := p.source.ReadAt(journalOffset, journalSize)
	log.PanicIf(err)

	p.scanSlackForDeletedRecords(journal, files)
}

type headerNode struct {
	nodeSize      uint16
	rootNode      uint32
	firstLeafNode uint32
	lastLeafNode  uint32
	totalNodes    uint32
}

func (p *Parser) readHeaderNode() (hn headerNode, ok bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			ok = false
		}
	}()

	// Node 0's size is unknown ahead of time; the header record's node_size
	// field lives at a fixed offset regardless of node size, so read a
	// generous prefix.
	raw, err := p.readCatalogBytes(0, 512)
	log.PanicIf(err)

	if len(raw) < 14+106 {
		return headerNode{}, false
	}

	kind := raw[8]
	if kind != nodeTypeHeader {
		return headerNode{}, false
	}

	headerRecordOffset := 14

	hn = headerNode{
		rootNode:      be32(raw, headerRecordOffset+8),
		firstLeafNode: be32(raw, headerRecordOffset+12),
		lastLeafNode:  be32(raw, headerRecordOffset+16),
		totalNodes:    be32(raw, headerRecordOffset+24), // not authoritative; informational only
		nodeSize:      be16(raw, headerRecordOffset+2),
	}

	if hn.nodeSize == 0 {
		return headerNode{}, false
	}

	return hn, true
}

// scanLeafNode reads one leaf node, harvests any deleted catalog file
// records from its slack space, and returns the forward link to the next
// leaf.
func (p *Parser) scanLeafNode(nodeNumber uint32, nodeSize uint16, files *[]recoverable.File) (next uint32, ok bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if err, isErr := errRaw.(error); isErr {
				log.PrintError(log.Wrap(err))
			} else {
				log.PrintError(log.Errorf("hfsplus leaf-node panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw))
			}

			next, ok = 0, false
		}
	}()

	nodeOffset := uint64(nodeNumber) * uint64(nodeSize)

	raw, err := p.readCatalogBytes(nodeOffset, uint64(nodeSize))
	log.PanicIf(err)

	if uint64(len(raw)) < uint64(nodeSize) {
		return 0, false
	}

	fLink := be32(raw, 0)
	kind := raw[8]
	numRecords := be16(raw, 10)

	if kind != nodeTypeLeaf {
		return fLink, true
	}

	// The record offset array lives at the end of the node, growing
	// backward: numRecords offsets plus the free-space sentinel, 2 bytes
	// each. The sentinel entry (lowest-addressed) marks where free space
	// begins, i.e. where the last live record ends.
	offsetArrayStart := int(nodeSize) - 2*(int(numRecords)+1)
	if offsetArrayStart < 14 || offsetArrayStart > len(raw) {
		return fLink, true
	}

	freeSpaceStart := 14
	if numRecords > 0 {
		sentinel := int(be16(raw, offsetArrayStart))
		if sentinel > freeSpaceStart && sentinel < offsetArrayStart {
			freeSpaceStart = sentinel
		}
	}

	slack := raw[freeSpaceStart:offsetArrayStart]

	p.scanSlackForDeletedRecords(slack, files)

	return fLink, true
}

// scanSlackForDeletedRecords scans unclaimed bytes between the last valid
// leaf record and the offset array for a plausible catalog key followed by
// a file record: a keyLength in [6,512], 2-byte aligned, followed by a
// record of type 0x0200. The keyLength heuristic can false-positive on
// arbitrary bytes; the date sanity check below rejects most of those.
func (p *Parser) scanSlackForDeletedRecords(slack []byte, files *[]recoverable.File) {
	for pos := 0; pos+2 < len(slack); pos += 2 {
		keyLength := be16(slack, pos)
		if keyLength < minKeyLength || keyLength > maxKeyLength {
			continue
		}

		keyEnd := pos + 2 + int(keyLength)
		if keyEnd+2 > len(slack) {
			continue
		}

		recordOffset := (keyEnd + 1) &^ 1 // 2-byte alignment

		if recordOffset+2 > len(slack) {
			continue
		}

		recordType := be16(slack, recordOffset)
		if recordType != catalogFileRecordType {
			continue
		}

		f, ok := p.buildFileFromSlackRecord(slack, pos, keyLength, recordOffset)
		if !ok {
			continue
		}

		*files = append(*files, f)
	}
}

func (p *Parser) buildFileFromSlackRecord(slack []byte, keyPos int, keyLength uint16, recordOffset int) (recoverable.File, bool) {
	// Key layout: reserved(2) + parentID(4) + nameLength(2) + name (UTF-16BE).
	nameStart := keyPos + 2 + 6
	if nameStart+2 > len(slack) {
		return recoverable.File{}, false
	}

	nameLenChars := int(be16(slack, nameStart))
	nameBytesStart := nameStart + 2
	nameBytesEnd := nameBytesStart + nameLenChars*2

	name := ""
	if nameBytesEnd <= len(slack) {
		name = decodeUTF16BE(slack[nameBytesStart:nameBytesEnd])
	}

	// File record (CatalogFile): type(2)+flags(2)+reserved1(4)+fileID(4)+
	// createDate(4)+contentModDate(4)... data fork at +88.
	const fileRecordMinLen = 88 + 80
	if recordOffset+fileRecordMinLen > len(slack) {
		return recoverable.File{}, false
	}

	fileID := be32(slack, recordOffset+8)
	createDate := be32(slack, recordOffset+12)

	createdAt := hfsDateToTime(createDate)
	if createdAt == nil {
		return recoverable.File{}, false
	}

	dataForkOffset := recordOffset + 88
	logicalSize := be64(slack, dataForkOffset)

	fragments := make([]recoverable.FileFragment, 0, 8)
	for i := 0; i < 8; i++ {
		o := dataForkOffset + 8 + i*8
		startBlock := be32(slack, o)
		blockCount := be32(slack, o+4)
		if blockCount == 0 {
			continue
		}

		fragments = append(fragments, recoverable.FileFragment{
			Offset: uint64(startBlock) * p.blockSize,
			Size:   uint64(blockCount) * p.blockSize,
		})
	}

	if len(fragments) == 0 {
		return recoverable.File{}, false
	}

	if name == "" {
		name = "hfsplus_" + strconv.FormatUint(uint64(fileID), 10) + "_recovered"
	}

	fileType, category, found := recoverable.ClassifyExtension(extensionOf(name))
	if !found {
		fileType, category = recoverable.TypeUnknown, recoverable.CategoryOther
	}

	f := recoverable.NewFile(fileType, category, fragments[0].Offset, logicalSize, false, extensionOf(name), &recoverable.FileMetadata{CreatedAt: createdAt}, recoverable.SourceMetadata, fragments)
	f.Name = name
	f.Recoverability = recoverable.RecoverabilityGood

	return f, true
}

// hfsDateToTime converts an HFS+ timestamp (seconds since 1904-01-01 UTC)
// to a time.Time, rejecting values outside the plausible 2000-2100 range.
func hfsDateToTime(hfsDate uint32) *time.Time {
	unixSeconds := int64(hfsDate) - hfsEpochDelta
	t := time.Unix(unixSeconds, 0).UTC()

	if t.Year() < 2000 || t.Year() > 2100 {
		return nil
	}

	return &t
}

func extensionOf(name string) string {
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return ""
	}

	return strings.ToLower(name[dot+1:])
}

func decodeUTF16BE(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = be16(b, i*2)
	}

	return string(utf16.Decode(units))
}

func be16(b []byte, offset int) uint16 {
	return uint16(b[offset])<<8 | uint16(b[offset+1])
}

func be32(b []byte, offset int) uint32 {
	return uint32(b[offset])<<24 | uint32(b[offset+1])<<16 | uint32(b[offset+2])<<8 | uint32(b[offset+3])
}

func be64(b []byte, offset int) uint64 {
	hi := be32(b, offset)
	lo := be32(b, offset+4)

	return uint64(hi)<<32 | uint64(lo)
}
