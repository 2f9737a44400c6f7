// This package parses NTFS boot sector and Master File Table structures,
// applying the per-sector fixup array and walking attribute lists to
// recover deleted file records.

package ntfs

import (
	"encoding/binary"
	"reflect"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/dsoprea/go-recover/recoverable"
)

// filetimeUnixDelta is the number of 100ns intervals between the NTFS
// FILETIME epoch (1601-01-01 UTC) and the Unix epoch (1970-01-01 UTC).
const filetimeUnixDelta = 116444736000000000

const (
	mftRecordMagic = "FILE"

	attrStandardInformation = 0x10
	attrFileName            = 0x30
	attrData                = 0x80
	attrEnd                 = 0xFFFFFFFF

	fileNameTypeWin32    = 1
	fileNameTypeDOS      = 2
	fileNameTypeWin32DOS = 3

	flagInUse       = 0x0001
	flagIsDirectory = 0x0002

	maxMFTRecordsScanned = 2_000_000
	maxFragmentsReported = 4096
)

// BootSector is the NTFS-relevant subset of the boot sector, unpacked via
// restruct in field-declaration order.
type BootSector struct {
	JumpBoot             [3]byte
	OEMID                [8]byte
	BytesPerSector       uint16
	SectorsPerCluster    uint8
	ReservedSectors      uint16
	Unused1              [3]byte
	Unused2              uint16
	MediaDescriptor      uint8
	Unused3              uint16
	SectorsPerTrack      uint16
	NumHeads             uint16
	HiddenSectors        uint32
	Unused4              uint32
	Unused5              uint32
	TotalSectors         uint64
	MFTClusterNumber     uint64
	MFTMirrClusterNumber uint64
	ClustersPerMFTRecord int8
	Unused6              [3]byte
	ClustersPerIndexRec  int8
}

// Source is the absolute-offset byte reader a parser consumes.
// blockreader.Reader satisfies this.
type Source interface {
	ReadAt(offset uint64, length uint64) ([]byte, error)
	Size() uint64
}

// Parser walks an NTFS volume's Master File Table.
type Parser struct {
	source         Source
	bootSector     BootSector
	clusterSize    uint64
	mftStart       uint64
	mftRecordSize  uint64
	bytesPerSector uint64
}

// NewParser reads and validates the boot sector at the start of source. It
// returns ok=false (never an error) when the geometry doesn't look like
// NTFS; a recovery scan treats that as "not this filesystem" rather than a
// failure.
func NewParser(source Source) (parser *Parser, ok bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if err, isErr := errRaw.(error); isErr {
				log.PrintError(log.Wrap(err))
			} else {
				log.PrintError(log.Errorf("ntfs boot sector parse panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw))
			}

			parser, ok = nil, false
		}
	}()

	const bootSectorFieldsSize = 66

	raw, err := source.ReadAt(0, bootSectorFieldsSize)
	log.PanicIf(err)

	if len(raw) < bootSectorFieldsSize {
		return nil, false
	}

	if string(raw[3:7]) != "NTFS" {
		return nil, false
	}

	var bs BootSector
	err = restruct.Unpack(raw, binary.LittleEndian, &bs)
	log.PanicIf(err)

	if bs.BytesPerSector == 0 || bs.SectorsPerCluster == 0 {
		return nil, false
	}

	clusterSize := uint64(bs.BytesPerSector) * uint64(bs.SectorsPerCluster)

	var recordSize uint64
	if bs.ClustersPerMFTRecord >= 0 {
		recordSize = uint64(bs.ClustersPerMFTRecord) * clusterSize
	} else {
		recordSize = uint64(1) << uint(-bs.ClustersPerMFTRecord)
	}

	if recordSize == 0 {
		return nil, false
	}

	p := &Parser{
		source:         source,
		bootSector:     bs,
		clusterSize:    clusterSize,
		mftStart:       bs.MFTClusterNumber * clusterSize,
		mftRecordSize:  recordSize,
		bytesPerSector: uint64(bs.BytesPerSector),
	}

	return p, true
}

// Parse scans MFT records for deleted regular files, applying the fixup
// array to each before walking its attribute list.
func (p *Parser) Parse() (files []recoverable.File) {
	files = make([]recoverable.File, 0)

	maxRecords := p.source.Size() / p.mftRecordSize
	if maxRecords > maxMFTRecordsScanned {
		maxRecords = maxMFTRecordsScanned
	}

	for index := uint64(0); index < maxRecords; index++ {
		record, ok := p.readRecord(index)
		if !ok {
			continue
		}

		file, isDeletedRegular := p.parseRecord(record)
		if isDeletedRegular {
			files = append(files, file)
		}
	}

	return files
}

func (p *Parser) readRecord(index uint64) (record []byte, ok bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			ok = false
		}
	}()

	offset := p.mftStart + index*p.mftRecordSize

	raw, err := p.source.ReadAt(offset, p.mftRecordSize)
	log.PanicIf(err)

	if uint64(len(raw)) < p.mftRecordSize {
		return nil, false
	}

	if string(raw[0:4]) != mftRecordMagic {
		return nil, false
	}

	// Copy before patching: the fixup-array repair must never mutate a
	// buffer a retry might still be holding a reference to.
	record = append([]byte(nil), raw...)

	if !applyFixup(record, p.bytesPerSector) {
		return nil, false
	}

	return record, true
}

// applyFixup restores the original per-sector trailing two bytes that the
// on-disk update sequence array temporarily overwrites with a running
// signature. The caller passes a copy; the read buffer itself is never
// patched in place.
func applyFixup(record []byte, bytesPerSector uint64) bool {
	if len(record) < 8 {
		return false
	}

	usaOffset := binary.LittleEndian.Uint16(record[4:6])
	usaCount := binary.LittleEndian.Uint16(record[6:8])

	if usaCount == 0 || int(usaOffset)+2*int(usaCount) > len(record) {
		return false
	}

	signature := record[usaOffset : usaOffset+2]

	for i := uint16(1); i < usaCount; i++ {
		sectorEnd := uint64(i) * bytesPerSector
		if sectorEnd < 2 || sectorEnd > uint64(len(record)) {
			break
		}

		pos := sectorEnd - 2
		entryOffset := uint64(usaOffset) + 2*uint64(i)

		if record[pos] != signature[0] || record[pos+1] != signature[1] {
			continue
		}

		record[pos] = record[entryOffset]
		record[pos+1] = record[entryOffset+1]
	}

	return true
}

func (p *Parser) parseRecord(record []byte) (file recoverable.File, isDeletedRegular bool) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if err, isErr := errRaw.(error); isErr {
				log.PrintError(log.Wrap(err))
			} else {
				log.PrintError(log.Errorf("ntfs record parse panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw))
			}

			file, isDeletedRegular = recoverable.File{}, false
		}
	}()

	if len(record) < 24 {
		return recoverable.File{}, false
	}

	flags := binary.LittleEndian.Uint16(record[22:24])

	isInUse := flags&flagInUse != 0
	isDirectory := flags&flagIsDirectory != 0

	if isInUse || isDirectory {
		return recoverable.File{}, false
	}

	attrsOffset := binary.LittleEndian.Uint16(record[20:22])

	var name string
	var nameType uint8
	var size uint64
	var fragments []recoverable.FileFragment
	var createdAt, modifiedAt *time.Time

	offset := uint32(attrsOffset)
	for int(offset)+16 < len(record) {
		attrType := binary.LittleEndian.Uint32(record[offset:])
		if attrType == attrEnd || attrType == 0 {
			break
		}

		attrLen := binary.LittleEndian.Uint32(record[offset+4:])
		if attrLen == 0 || uint64(offset)+uint64(attrLen) > uint64(len(record)) {
			break
		}

		// The fixed attribute header is 16 bytes; a shorter declared length
		// means the walk has run into garbage.
		if attrLen < 16 {
			break
		}

		attr := record[offset : offset+attrLen]
		nonResident := attr[8] != 0

		switch attrType {
		case attrStandardInformation:
			if !nonResident {
				createdAt, modifiedAt = parseStandardInformation(attr)
			}

		case attrFileName:
			if !nonResident {
				candidateName, candidateType := parseFileName(attr)
				if candidateName != "" && (name == "" || namespaceScore(candidateType) > namespaceScore(nameType)) {
					name, nameType = candidateName, candidateType
				}
			}

		case attrData:
			if nonResident {
				size, fragments = parseNonResidentData(attr, p.clusterSize)
			} else {
				size = parseResidentDataSize(attr)
			}
		}

		offset += attrLen
	}

	if name == "" {
		return recoverable.File{}, false
	}

	ext := extensionOf(name)
	fileType, category, found := recoverable.ClassifyExtension(ext)
	if !found {
		fileType, category = recoverable.TypeUnknown, recoverable.CategoryOther
	}

	var offsetForFile uint64
	if len(fragments) > 0 {
		offsetForFile = fragments[0].Offset
	}

	f := recoverable.NewFile(fileType, category, offsetForFile, size, false, ext, nil, recoverable.SourceMetadata, fragments)
	f.Name = name
	f.Recoverability = recoverabilityForFragments(len(fragments))

	if createdAt != nil || modifiedAt != nil {
		f.Metadata = &recoverable.FileMetadata{
			CreatedAt:  createdAt,
			ModifiedAt: modifiedAt,
		}
	}

	return f, true
}

// namespaceScore ranks $FILE_NAME namespaces so Win32 and Win32+DOS names
// are preferred over DOS-only or POSIX names.
func namespaceScore(nameType uint8) int {
	switch nameType {
	case fileNameTypeWin32, fileNameTypeWin32DOS:
		return 2
	case fileNameTypeDOS:
		return 0
	default:
		return 1
	}
}

func recoverabilityForFragments(count int) recoverable.Recoverability {
	switch {
	case count == 0:
		return recoverable.RecoverabilityPoor
	case count <= 3:
		return recoverable.RecoverabilityGood
	case count <= 10:
		return recoverable.RecoverabilityPartial
	default:
		return recoverable.RecoverabilityPoor
	}
}

func parseStandardInformation(attr []byte) (createdAt, modifiedAt *time.Time) {
	if len(attr) < 24 {
		return nil, nil
	}

	valueOffset := binary.LittleEndian.Uint16(attr[20:22])
	if int(valueOffset)+16 > len(attr) {
		return nil, nil
	}

	value := attr[valueOffset:]

	c := filetimeToTime(binary.LittleEndian.Uint64(value[0:8]))
	m := filetimeToTime(binary.LittleEndian.Uint64(value[8:16]))

	return &c, &m
}

func parseFileName(attr []byte) (name string, nameType uint8) {
	if len(attr) < 24 {
		return "", 0
	}

	valueOffset := binary.LittleEndian.Uint16(attr[20:22])
	if int(valueOffset) >= len(attr) {
		return "", 0
	}

	value := attr[valueOffset:]

	const fixedPart = 66
	if len(value) < fixedPart {
		return "", 0
	}

	nameLength := int(value[64])
	nameType = value[65]

	nameBytesEnd := fixedPart + nameLength*2
	if nameBytesEnd > len(value) {
		return "", 0
	}

	return decodeUTF16LE(value[fixedPart:nameBytesEnd]), nameType
}

func parseResidentDataSize(attr []byte) uint64 {
	if len(attr) < 20 {
		return 0
	}

	return uint64(binary.LittleEndian.Uint32(attr[16:20]))
}

// parseNonResidentData decodes the data-run list: each run's header byte
// nibbles give the length- and offset-field widths, offsets are signed
// deltas against the previous LCN, and a zero-width offset field marks a
// sparse run with no physical location.
func parseNonResidentData(attr []byte, clusterSize uint64) (size uint64, fragments []recoverable.FileFragment) {
	if len(attr) < 56 {
		return 0, nil
	}

	realSize := binary.LittleEndian.Uint64(attr[48:56])
	runListOffset := binary.LittleEndian.Uint16(attr[32:34])

	if int(runListOffset) >= len(attr) {
		return realSize, nil
	}

	data := attr[runListOffset:]
	fragments = make([]recoverable.FileFragment, 0)

	var currentLCN int64

	i := 0
	for i < len(data) && len(fragments) < maxFragmentsReported {
		header := data[i]
		if header == 0 {
			break
		}

		lenFieldSize := int(header & 0x0F)
		offFieldSize := int(header >> 4)

		if i+1+lenFieldSize+offFieldSize > len(data) {
			break
		}

		var length uint64
		for j := 0; j < lenFieldSize; j++ {
			length |= uint64(data[i+1+j]) << (8 * j)
		}

		if offFieldSize == 0 {
			// Sparse run: consumes VCN space but has no physical location.
			i += 1 + lenFieldSize
			continue
		}

		var delta int64
		for j := 0; j < offFieldSize; j++ {
			delta |= int64(data[i+1+lenFieldSize+j]) << (8 * j)
		}

		if data[i+lenFieldSize+offFieldSize]&0x80 != 0 {
			for j := offFieldSize; j < 8; j++ {
				delta |= int64(0xFF) << (8 * j)
			}
		}

		currentLCN += delta

		fragments = append(fragments, recoverable.FileFragment{
			Offset: uint64(currentLCN) * clusterSize,
			Size:   length * clusterSize,
		})

		i += 1 + lenFieldSize + offFieldSize
	}

	return realSize, fragments
}

// filetimeToTime converts a Windows FILETIME (100 ns intervals since the
// NTFS epoch) into a time.Time, routing through the Unix epoch so the
// nanosecond multiplication stays within int64 range for any plausible
// on-disk timestamp.
func filetimeToTime(ft uint64) time.Time {
	if ft < filetimeUnixDelta {
		return time.Unix(0, 0).UTC()
	}

	return time.Unix(0, int64(ft-filetimeUnixDelta)*100).UTC()
}

func extensionOf(name string) string {
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return ""
	}

	return strings.ToLower(name[dot+1:])
}

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}

	return string(utf16.Decode(u16))
}
