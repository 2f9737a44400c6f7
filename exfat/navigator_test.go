package exfat

import (
	"bytes"
	"reflect"
	"sort"
	"testing"

	"github.com/dsoprea/go-logging"
)

// buildEntry packs a single 32-byte directory-entry record from its field
// values, the same way buildSyntheticBootSector packs a boot sector: each
// part is written little-endian in field-declaration order and the result
// is checked against directoryEntryBytesCount so a miscounted field shows up
// immediately instead of silently shifting every entry after it.
func buildEntry(t *testing.T, parts ...interface{}) [32]byte {
	buf := new(bytes.Buffer)

	for _, part := range parts {
		if err := writeLE(buf, part); err != nil {
			t.Fatalf("failed building directory entry: %v", err)
		}
	}

	if buf.Len() != directoryEntryBytesCount {
		t.Fatalf("packed entry is (%d) bytes, not (%d)", buf.Len(), directoryEntryBytesCount)
	}

	var out [32]byte
	copy(out[:], buf.Bytes())

	return out
}

// encodeUtf16Name packs an ASCII name into a UTF-16LE field the way
// UnicodeFromAscii expects to decode it, null-padding any unused characters.
func encodeUtf16Name(name string, fieldLen int) []byte {
	out := make([]byte, fieldLen)

	for i := 0; i < len(name) && i*2+1 < fieldLen; i++ {
		out[i*2] = name[i]
	}

	return out
}

func packAllocationBitmapEntry(t *testing.T, firstCluster uint32, dataLength uint64) [32]byte {
	return buildEntry(t,
		byte(0x81), uint8(0), make([]byte, 18), firstCluster, dataLength)
}

func packUpcaseTableEntry(t *testing.T, firstCluster uint32, dataLength uint64) [32]byte {
	return buildEntry(t,
		byte(0x82), make([]byte, 3), uint32(0), make([]byte, 12), firstCluster, dataLength)
}

func packVolumeLabelEntry(t *testing.T, label string) [32]byte {
	return buildEntry(t,
		byte(0x83), uint8(len(label)), encodeUtf16Name(label, 30))
}

// packFileEntry builds a File Directory Entry. inUse controls the EntryType
// high bit: clearing it is how exFAT tombstones a deleted file while
// leaving its name, size, and timestamps intact.
func packFileEntry(t *testing.T, inUse bool, isDirectory bool) [32]byte {
	entryType := byte(0x05)
	if inUse {
		entryType = 0x85
	}

	var fileAttributes uint16
	if isDirectory {
		fileAttributes = 0x10
	}

	return buildEntry(t,
		entryType, uint8(2), uint16(0), fileAttributes, uint16(0),
		uint32(0), uint32(0), uint32(0),
		uint8(0), uint8(0), uint8(0), uint8(0), uint8(0),
		make([]byte, 7))
}

func packStreamExtensionEntry(t *testing.T, inUse bool, name string, firstCluster uint32, dataLength uint64) [32]byte {
	entryType := byte(0x40)
	if inUse {
		entryType = 0xc0
	}

	return buildEntry(t,
		entryType, uint8(0), uint8(0), uint8(len(name)), uint16(0),
		make([]byte, 2), dataLength, make([]byte, 4), firstCluster, dataLength)
}

func packFileNameEntry(t *testing.T, inUse bool, name string) [32]byte {
	entryType := byte(0x41)
	if inUse {
		entryType = 0xc1
	}

	return buildEntry(t, entryType, uint8(0), encodeUtf16Name(name, 30))
}

// packRawEntry uses a type-code (4) that directoryEntryParsers has no entry
// for, simulating a vendor-defined or corrupted record.
func packRawEntry(t *testing.T) [32]byte {
	return buildEntry(t, byte(0x84), make([]byte, 31))
}

func packEndOfDirectoryEntry(t *testing.T) [32]byte {
	return buildEntry(t, byte(0x00), make([]byte, 31))
}

// buildSyntheticVolume assembles a minimal exFAT image in memory: two
// identical 12-sector boot regions, a one-sector FAT, a root-directory
// cluster (2) holding a live file, a deleted file, a subdirectory, and an
// unrecognized entry-type, and a subdirectory cluster (3) holding one live
// file. This lets the navigator tests exercise real directory-walking and
// deleted-entry logic without a captured device image.
func buildSyntheticVolume(t *testing.T) *ExfatReader {
	buf := new(bytes.Buffer)

	write := func(v interface{}) {
		if err := writeLE(buf, v); err != nil {
			t.Fatalf("failed building synthetic volume: %v", err)
		}
	}

	writeBootRegion := func() {
		write([3]byte{0xeb, 0x76, 0x90})
		write([8]byte{'E', 'X', 'F', 'A', 'T', ' ', ' ', ' '})
		write([53]byte{})
		write(uint64(0))
		write(uint64(27))
		write(uint32(24))
		write(uint32(1))
		write(uint32(25))
		write(uint32(10))
		write(uint32(2))
		write(uint32(0x1234abcd))
		write([2]uint8{1, 0})
		write(uint16(0))
		write(uint8(9))
		write(uint8(0))
		write(uint8(1))
		write(uint8(0x80))
		write(uint8(0))
		write([7]byte{})
		write([390]byte{})
		write(requiredBootSignature)

		for i := 0; i < mainExtendedBootSectorCount; i++ {
			buf.Write(make([]byte, 512-4))
			write(requiredExtendedBootSignature)
		}

		buf.Write(make([]byte, oemParametersSize))
		buf.Write(make([]byte, 512-oemParametersSize))

		buf.Write(make([]byte, 512)) // Reserved.
		buf.Write(make([]byte, 512)) // Boot checksum.
	}

	writeBootRegion() // Main.
	writeBootRegion() // Backup.

	// FAT region: one sector, unused since the directory walk below never
	// needs a cluster chain longer than one cluster.
	write(uint32(0xfffffff8))
	write(uint32(0xffffffff))

	for i := 0; i < 9; i++ {
		write(uint32(0))
	}

	buf.Write(make([]byte, 512-44))

	// Cluster 2: root directory.
	rootEntries := [][32]byte{
		packAllocationBitmapEntry(t, 4, 8),
		packUpcaseTableEntry(t, 5, 8),
		packVolumeLabelEntry(t, "testlabel"),
		packFileEntry(t, true, false),
		packStreamExtensionEntry(t, true, "livefile.txt", 6, 4096),
		packFileNameEntry(t, true, "livefile.txt"),
		packFileEntry(t, false, false),
		packStreamExtensionEntry(t, false, "deletedfile.txt", 9, 2048),
		packFileNameEntry(t, false, "deletedfile.txt"),
		packFileEntry(t, true, true),
		packStreamExtensionEntry(t, true, "testdirectory", 3, 512),
		packFileNameEntry(t, true, "testdirectory"),
		packRawEntry(t),
		packEndOfDirectoryEntry(t),
	}

	for _, entry := range rootEntries {
		buf.Write(entry[:])
	}

	buf.Write(make([]byte, 32*(16-len(rootEntries))))

	// Cluster 3: subdirectory of "testdirectory".
	subdirEntries := [][32]byte{
		packFileEntry(t, true, false),
		packStreamExtensionEntry(t, true, "childfile.txt", 5, 1024),
		packFileNameEntry(t, true, "childfile.txt"),
		packEndOfDirectoryEntry(t),
	}

	for _, entry := range subdirEntries {
		buf.Write(entry[:])
	}

	buf.Write(make([]byte, 32*(16-len(subdirEntries))))

	er := NewExfatReader(bytes.NewReader(buf.Bytes()))

	if err := er.Parse(); err != nil {
		log.PrintError(err)
		t.Fatalf("failed parsing synthetic volume")
	}

	return er
}

func TestExfatNavigator_Dump(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	index, _, _, err := en.IndexDirectoryEntries()
	log.PanicIf(err)

	index.Dump()
}

// TestExfatNavigator_EnumerateDirectoryEntries_ToleratesUnknownEntry checks
// that an entry-type directoryEntryParsers has no struct for doesn't abort
// the walk: it comes back as an ExfatRawDirectoryEntry and the entries
// after it still get visited.
func TestExfatNavigator_EnumerateDirectoryEntries_ToleratesUnknownEntry(t *testing.T) {
	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	typeNames := make([]string, 0)

	cb := func(primaryEntry DirectoryEntry, secondaryEntries []DirectoryEntry) error {
		typeNames = append(typeNames, primaryEntry.TypeName())
		return nil
	}

	_, _, err := en.EnumerateDirectoryEntries(cb)
	log.PanicIf(err)

	found := false
	for _, typeName := range typeNames {
		if typeName == "Raw" {
			found = true
		}
	}

	if found == false {
		t.Fatalf("expected a Raw entry among: %v", typeNames)
	}
}

func TestExfatNavigator_IndexDirectoryEntries(t *testing.T) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err := errRaw.(error)

			log.PrintError(err)
			t.Fatalf("Test failed.")
		}
	}()

	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	index, _, _, err := en.IndexDirectoryEntries()
	log.PanicIf(err)

	typeNames := make([]string, 0, len(index))
	for typeName := range index {
		typeNames = append(typeNames, typeName)
	}

	sort.StringSlice(typeNames).Sort()

	expectedTypeNames := []string{
		"AllocationBitmap",
		"File",
		"Raw",
		"UpcaseTable",
		"VolumeLabel",
	}

	if reflect.DeepEqual(typeNames, expectedTypeNames) != true {
		t.Fatalf("Directory-entries not correct types: %v != %v", typeNames, expectedTypeNames)
	}

	volumeLabel := index["VolumeLabel"][0].PrimaryEntry.(*ExfatVolumeLabelDirectoryEntry).Label()
	if volumeLabel != "testlabel" {
		t.Fatalf("Volume label not correct: [%s]", volumeLabel)
	}

	files := make([]string, len(index["File"]))
	for i, ide := range index["File"] {
		files[i] = ide.Extra["complete_filename"].(string)
	}

	expectedFilenames := []string{"livefile.txt", "deletedfile.txt", "testdirectory"}

	if reflect.DeepEqual(files, expectedFilenames) != true {
		t.Fatalf("Root filenames not correct: %v != %v", files, expectedFilenames)
	}
}

func TestDirectoryEntryIndex_Filenames(t *testing.T) {
	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	index, _, _, err := en.IndexDirectoryEntries()
	log.PanicIf(err)

	filenames := index.Filenames()

	expectedFilenames := map[string]bool{
		"livefile.txt":    false,
		"deletedfile.txt": false,
		"testdirectory":   true,
	}

	if reflect.DeepEqual(filenames, expectedFilenames) != true {
		t.Fatalf("Filenames not correct: %v != %v", filenames, expectedFilenames)
	}
}

func TestDirectoryEntryIndex_DeletedFilenames(t *testing.T) {
	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	index, _, _, err := en.IndexDirectoryEntries()
	log.PanicIf(err)

	deleted := index.DeletedFilenames()

	expected := []string{"deletedfile.txt"}

	if reflect.DeepEqual(deleted, expected) != true {
		t.Fatalf("Deleted filenames not correct: %v != %v", deleted, expected)
	}
}

func TestDirectoryEntryIndex_FileCount(t *testing.T) {
	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	index, _, _, err := en.IndexDirectoryEntries()
	log.PanicIf(err)

	if index.FileCount() != 3 {
		t.Fatalf("File-count not correct: (%d)", index.FileCount())
	}
}

func TestDirectoryEntryIndex_GetFile(t *testing.T) {
	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	index, _, _, err := en.IndexDirectoryEntries()
	log.PanicIf(err)

	files := make([]string, index.FileCount())
	for i := 0; i < index.FileCount(); i++ {
		files[i], _ = index.GetFile(i)
	}

	expectedFiles := []string{"livefile.txt", "deletedfile.txt", "testdirectory"}

	if reflect.DeepEqual(files, expectedFiles) != true {
		t.Fatalf("Files not correct: %v != %v", files, expectedFiles)
	}
}

func TestDirectoryEntryIndex_FindIndexedFile(t *testing.T) {
	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	index, _, _, err := en.IndexDirectoryEntries()
	log.PanicIf(err)

	for i := 0; i < index.FileCount(); i++ {
		filename, _ := index.GetFile(i)

		ide, found := index.FindIndexedFile(filename)
		if found != true {
			t.Fatalf("File not found: [%s]", filename)
		}

		foundFilename := ide.Extra["complete_filename"].(string)
		if foundFilename != filename {
			t.Fatalf("Found entry not correct: [%s] != [%s]", foundFilename, filename)
		}
	}
}

func TestDirectoryEntryIndex_FindIndexedFileFileDirectoryEntry(t *testing.T) {
	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	index, _, _, err := en.IndexDirectoryEntries()
	log.PanicIf(err)

	for i := 0; i < index.FileCount(); i++ {
		filename, expectedFdf := index.GetFile(i)

		actualFdf := index.FindIndexedFileFileDirectoryEntry(filename)

		if actualFdf != expectedFdf {
			t.Fatalf("FDF for entry (%d) [%s] not correct.", i, filename)
		}
	}
}

func TestDirectoryEntryIndex_FindIndexedFileStreamExtensionDirectoryEntry(t *testing.T) {
	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	index, _, _, err := en.IndexDirectoryEntries()
	log.PanicIf(err)

	sede := index.FindIndexedFileStreamExtensionDirectoryEntry("livefile.txt")
	if sede.FirstCluster != 6 {
		t.Fatalf("Stream-extension entry-type not found: (%d)", sede.FirstCluster)
	}
}

func TestExfatNavigator_NavigateSubdirectory(t *testing.T) {
	er := buildSyntheticVolume(t)

	en := NewExfatNavigator(er, er.FirstClusterOfRootDirectory())

	index, _, _, err := en.IndexDirectoryEntries()
	log.PanicIf(err)

	sede := index.FindIndexedFileStreamExtensionDirectoryEntry("testdirectory")

	subfolderEn := NewExfatNavigator(er, sede.FirstCluster)

	subfolderIndex, _, _, err := subfolderEn.IndexDirectoryEntries()
	log.PanicIf(err)

	expectedFilenames := map[string]bool{
		"childfile.txt": false,
	}

	if reflect.DeepEqual(subfolderIndex.Filenames(), expectedFilenames) != true {
		t.Fatalf("Subdirectory filenames not correct: %v != %v", subfolderIndex.Filenames(), expectedFilenames)
	}
}
