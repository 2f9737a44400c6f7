// This package parses FAT32 boot sector and directory structures, walking
// live and deleted directory entries to recover RecoverableFile records.

package fat32

import (
	"encoding/binary"
	"reflect"
	"strings"
	"unicode/utf16"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/dsoprea/go-recover/recoverable"
)

const (
	dirEntrySize      = 32
	deletedMarker     = 0xE5
	lfnAttribute      = 0x0F
	attrDirectory     = 0x10
	attrVolumeLabel   = 0x08
	clusterEndMarker  = 0x0FFFFFF8
	maxDirectoryDepth = 64
)

// BootSector is the FAT32-relevant subset of the BIOS Parameter Block,
// unpacked via restruct in field-declaration order.
type BootSector struct {
	JumpBoot          [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	FATSize16         uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	FATSize32         uint32
	ExtFlags          uint16
	FSVersion         uint16
	RootCluster       uint32
	FSInfo            uint16
	BackupBootSector  uint16
	Reserved          [12]byte
	DriveNumber       uint8
	Reserved1         uint8
	BootSig           uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FSType            [8]byte
}

// Source is the absolute-offset byte reader a parser consumes. blockreader.Reader
// satisfies this.
type Source interface {
	ReadAt(offset uint64, length uint64) ([]byte, error)
}

// Parser walks a FAT32 volume's directory tree.
type Parser struct {
	source     Source
	bootSector BootSector
	fatStart   uint64
	dataStart  uint64
	clusterSz  uint64
	fatTable   []uint32
}

// NewParser reads and validates the boot sector at the start of source.
// It returns ok=false (never an error) when the geometry doesn't look
// like FAT32; a recovery scan treats that as "not this filesystem" rather
// than a failure.
func NewParser(source Source) (parser *Parser, ok bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if err, isErr := errRaw.(error); isErr {
				log.PrintError(log.Wrap(err))
			} else {
				log.PrintError(log.Errorf("fat32 boot sector parse panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw))
			}

			parser, ok = nil, false
		}
	}()

	const bootSectorFieldsSize = 90

	raw, err := source.ReadAt(0, bootSectorFieldsSize)
	log.PanicIf(err)

	if len(raw) < bootSectorFieldsSize {
		return nil, false
	}

	var bs BootSector
	err = restruct.Unpack(raw, binary.LittleEndian, &bs)
	log.PanicIf(err)

	if bs.BytesPerSector == 0 || bs.SectorsPerCluster == 0 || bs.NumFATs == 0 || bs.FATSize32 == 0 {
		return nil, false
	}

	fatStart := uint64(bs.ReservedSectors) * uint64(bs.BytesPerSector)
	fatSizeBytes := uint64(bs.FATSize32) * uint64(bs.BytesPerSector)
	dataStart := fatStart + uint64(bs.NumFATs)*fatSizeBytes
	clusterSz := uint64(bs.SectorsPerCluster) * uint64(bs.BytesPerSector)

	p := &Parser{
		source:     source,
		bootSector: bs,
		fatStart:   fatStart,
		dataStart:  dataStart,
		clusterSz:  clusterSz,
	}

	return p, true
}

func (p *Parser) loadFAT() (err error) {
	fatSizeBytes := uint64(p.bootSector.FATSize32) * uint64(p.bootSector.BytesPerSector)

	raw, err := p.source.ReadAt(p.fatStart, fatSizeBytes)
	if err != nil {
		return err
	}

	p.fatTable = make([]uint32, len(raw)/4)
	for i := range p.fatTable {
		p.fatTable[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}

	return nil
}

func (p *Parser) clusterToOffset(cluster uint32) uint64 {
	return p.dataStart + uint64(cluster-2)*p.clusterSz
}

func (p *Parser) readCluster(cluster uint32) ([]byte, error) {
	return p.source.ReadAt(p.clusterToOffset(cluster), p.clusterSz)
}

// Parse walks the live and deleted directory tree from the root cluster,
// producing one RecoverableFile per deleted regular file found. Live
// subdirectories are walked to reach deleted files within them; deleted
// subdirectories are not recursed into, since their cluster chain may
// already have been reused.
func (p *Parser) Parse() (files []recoverable.File) {
	files = make([]recoverable.File, 0)

	if err := p.loadFAT(); err != nil {
		log.PrintError(log.Wrap(err))
		return files
	}

	visited := make(map[uint32]bool)
	p.walkDirectory(p.bootSector.RootCluster, &files, visited, 0)

	return files
}

func (p *Parser) walkDirectory(startCluster uint32, files *[]recoverable.File, visited map[uint32]bool, depth int) {
	if depth > maxDirectoryDepth {
		return
	}

	cluster := startCluster

	for cluster != 0 && cluster < clusterEndMarker {
		if visited[cluster] {
			break
		}
		visited[cluster] = true

		data, err := p.readCluster(cluster)
		if err != nil {
			return
		}

		var lfnParts []string

		for i := 0; i+dirEntrySize <= len(data); i += dirEntrySize {
			entry := data[i : i+dirEntrySize]

			if entry[0] == 0x00 {
				break
			}

			if entry[11] == lfnAttribute {
				lfn := parseLFNEntry(entry)
				if entry[0]&0x40 != 0 {
					lfnParts = nil
				}

				lfnParts = append([]string{lfn}, lfnParts...)
				continue
			}

			if entry[11]&attrVolumeLabel != 0 {
				lfnParts = nil
				continue
			}

			isDeleted := entry[0] == deletedMarker
			isDir := entry[11]&attrDirectory != 0

			firstCluster := uint32(binary.LittleEndian.Uint16(entry[26:28])) |
				(uint32(binary.LittleEndian.Uint16(entry[20:22])) << 16)
			fileSize := binary.LittleEndian.Uint32(entry[28:32])

			shortName := parseShortName(entry[:11], isDeleted)
			longName := strings.Join(lfnParts, "")
			lfnParts = nil

			name := longName
			if name == "" {
				name = shortName
			}

			if name == "." || name == ".." {
				continue
			}

			if isDeleted && !isDir {
				*files = append(*files, buildFile(name, firstCluster, uint64(fileSize), p.clusterToOffset(firstCluster)))
			}

			if isDir && !isDeleted && firstCluster >= 2 {
				p.walkDirectory(firstCluster, files, visited, depth+1)
			}
		}

		if int(cluster) >= len(p.fatTable) {
			break
		}

		cluster = p.fatTable[cluster]
	}
}

func buildFile(name string, firstCluster uint32, size uint64, offset uint64) recoverable.File {
	ext := ""
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		ext = strings.ToLower(name[dot+1:])
	}

	// Unknown extensions default to jpeg/photo; downstream consumers
	// reclassify or filter as needed.
	fileType, category, found := recoverable.ClassifyExtension(ext)
	if !found {
		fileType, category = recoverable.TypeJPEG, recoverable.CategoryPhoto
	}

	fragments := []recoverable.FileFragment{{Offset: offset, Size: size}}

	f := recoverable.NewFile(fileType, category, offset, size, false, ext, nil, recoverable.SourceMetadata, fragments)
	f.Name = name
	f.Recoverability = recoverable.RecoverabilityGood

	return f
}

// parseLFNEntry decodes the three UTF-16LE name fragments (5, 6 and 2
// characters) carried by one Long File Name directory entry.
func parseLFNEntry(entry []byte) string {
	var chars []uint16

	for _, span := range [][2]int{{1, 5}, {14, 6}, {28, 2}} {
		start, count := span[0], span[1]
		for j := 0; j < count; j++ {
			c := binary.LittleEndian.Uint16(entry[start+j*2:])
			if c == 0 || c == 0xFFFF {
				return string(utf16.Decode(chars))
			}

			chars = append(chars, c)
		}
	}

	return string(utf16.Decode(chars))
}

// parseShortName reconstructs the 8.3 name from the fixed 11-byte field.
// A deleted entry's first character is destroyed by the tombstone byte
// and is reported as "_" rather than guessed.
func parseShortName(name []byte, isDeleted bool) string {
	baseName := strings.TrimRight(string(name[:8]), " ")
	ext := strings.TrimRight(string(name[8:11]), " ")

	if isDeleted && len(baseName) > 0 {
		baseName = "_" + baseName[1:]
	}

	if ext != "" {
		return baseName + "." + ext
	}

	return baseName
}
