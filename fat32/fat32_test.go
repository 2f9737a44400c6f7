package fat32

import (
	"encoding/binary"
	"testing"

	"github.com/dsoprea/go-recover/recoverable"
)

type memSource struct {
	data []byte
}

func (m *memSource) ReadAt(offset uint64, length uint64) ([]byte, error) {
	if offset >= uint64(len(m.data)) {
		return []byte{}, nil
	}

	end := offset + length
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}

	return m.data[offset:end], nil
}

func buildMinimalBootSector(bytesPerSector uint16, sectorsPerCluster uint8, reservedSectors uint16, numFATs uint8, fatSize32 uint32, rootCluster uint32) []byte {
	buf := make([]byte, 512)
	binary.LittleEndian.PutUint16(buf[11:13], bytesPerSector)
	buf[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(buf[14:16], reservedSectors)
	buf[16] = numFATs
	binary.LittleEndian.PutUint32(buf[36:40], fatSize32)
	binary.LittleEndian.PutUint32(buf[44:48], rootCluster)

	return buf
}

func TestNewParser_RejectsZeroGeometry(t *testing.T) {
	source := &memSource{data: make([]byte, 512)}

	_, ok := NewParser(source)
	if ok {
		t.Fatalf("expected NewParser to reject an all-zero boot sector")
	}
}

func TestNewParser_AcceptsValidGeometry(t *testing.T) {
	buf := buildMinimalBootSector(512, 1, 32, 2, 100, 2)
	source := &memSource{data: buf}

	p, ok := NewParser(source)
	if !ok {
		t.Fatalf("expected NewParser to accept a valid boot sector")
	}

	if p.bootSector.BytesPerSector != 512 {
		t.Fatalf("expected BytesPerSector=512, got %d", p.bootSector.BytesPerSector)
	}

	wantFATStart := uint64(32) * 512
	if p.fatStart != wantFATStart {
		t.Fatalf("expected fatStart=%d, got %d", wantFATStart, p.fatStart)
	}
}

func TestParseShortName_DeletedFirstCharIsPlaceholder(t *testing.T) {
	entry := []byte("\xE5OOFILE TXT")
	name := parseShortName(entry[:11], true)

	if name != "_OOFILE.TXT" {
		t.Fatalf("expected _OOFILE.TXT, got %q", name)
	}
}

func TestParseShortName_LiveEntryUnchanged(t *testing.T) {
	entry := []byte("README  TXT")
	name := parseShortName(entry[:11], false)

	if name != "README.TXT" {
		t.Fatalf("expected README.TXT, got %q", name)
	}
}

func TestBuildFile_UnknownExtensionDefaultsToJPEGPhoto(t *testing.T) {
	f := buildFile("mystery.xyz", 10, 4096, 0)

	if f.Extension != "xyz" {
		t.Fatalf("expected extension xyz, got %q", f.Extension)
	}

	if f.Type != recoverable.TypeJPEG || f.Category != recoverable.CategoryPhoto {
		t.Fatalf("expected jpeg/photo default for an unknown extension, got %s/%s", f.Type, f.Category)
	}

	if f.Recoverability != recoverable.RecoverabilityGood {
		t.Fatalf("expected good recoverability for metadata-sourced FAT32 file")
	}
}

// lfnEntry packs one Long File Name directory entry carrying up to 13
// UTF-16 characters across its three fragment fields.
func lfnEntry(ordinal byte, checksum byte, chars []uint16) []byte {
	entry := make([]byte, dirEntrySize)
	entry[0] = ordinal
	entry[11] = lfnAttribute
	entry[13] = checksum

	slot := 0
	put := func(start, count int) {
		for j := 0; j < count; j++ {
			var c uint16
			switch {
			case slot < len(chars):
				c = chars[slot]
			case slot == len(chars):
				c = 0x0000
			default:
				c = 0xFFFF
			}

			binary.LittleEndian.PutUint16(entry[start+j*2:], c)
			slot++
		}
	}

	put(1, 5)
	put(14, 6)
	put(28, 2)

	return entry
}

func TestParse_DeletedEntryWithLFN(t *testing.T) {
	const bytesPerSector = 512

	longName := "vacation_photo_2019.jpg"
	nameChars := make([]uint16, 0, len(longName))
	for _, r := range longName {
		nameChars = append(nameChars, uint16(r))
	}

	device := make([]byte, 3*bytesPerSector)

	// Boot sector: 1 reserved sector, 1 FAT of 1 sector, 1-sector clusters,
	// root directory at cluster 2.
	copy(device, buildMinimalBootSector(bytesPerSector, 1, 1, 1, 1, 2))

	// FAT at sector 1: the root directory chain is a single cluster.
	binary.LittleEndian.PutUint32(device[bytesPerSector+2*4:], 0x0FFFFFF8)

	// Root directory at cluster 2 (sector 2): two LFN entries, highest
	// ordinal first, then the tombstoned 8.3 entry.
	dir := device[2*bytesPerSector:]
	copy(dir[0:], lfnEntry(0x42, 0x7C, nameChars[13:]))
	copy(dir[32:], lfnEntry(0x01, 0x7C, nameChars[:13]))

	short := dir[64 : 64+dirEntrySize]
	copy(short, "\xE5ACATI~1JPG")
	short[11] = 0x20                                  // archive
	binary.LittleEndian.PutUint16(short[20:22], 0)    // start cluster high
	binary.LittleEndian.PutUint16(short[26:28], 100)  // start cluster low
	binary.LittleEndian.PutUint32(short[28:32], 1234) // file size

	p, ok := NewParser(&memSource{data: device})
	if !ok {
		t.Fatalf("expected NewParser to accept the synthetic volume")
	}

	files := p.Parse()

	if len(files) != 1 {
		t.Fatalf("expected exactly one deleted file, got %d", len(files))
	}

	f := files[0]

	if f.Name != longName {
		t.Fatalf("expected reconstructed LFN %q, got %q", longName, f.Name)
	}

	if f.Size != 1234 {
		t.Fatalf("expected size 1234, got %d", f.Size)
	}

	wantOffset := p.clusterToOffset(100)
	if f.Offset != wantOffset {
		t.Fatalf("expected offset %d, got %d", wantOffset, f.Offset)
	}

	if f.Source != recoverable.SourceMetadata || f.Recoverability != recoverable.RecoverabilityGood {
		t.Fatalf("expected metadata-sourced file with good recoverability, got %s/%s", f.Source, f.Recoverability)
	}

	if len(f.Fragments) != 1 || f.Fragments[0].Offset != wantOffset || f.Fragments[0].Size != 1234 {
		t.Fatalf("expected a single fragment at the start cluster, got %+v", f.Fragments)
	}
}
