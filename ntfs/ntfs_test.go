package ntfs

import (
	"testing"
)

func TestApplyFixup_RestoresSectorTrailingBytes(t *testing.T) {
	// Two 512-byte sectors; the update-sequence array lives right after the
	// 48-byte record header and covers 1 (signature) + 2 (one per sector)
	// entries.
	record := make([]byte, 1024)

	copy(record[0:4], mftRecordMagic)
	record[4], record[5] = 0x30, 0x00 // usaOffset = 0x30
	record[6], record[7] = 0x03, 0x00 // usaCount = 3 (signature + 2 sectors)

	signature := [2]byte{0xAB, 0xCD}
	record[0x30], record[0x31] = signature[0], signature[1]

	// Original bytes that belong at the end of sector 0 and sector 1.
	record[0x32], record[0x33] = 0x11, 0x22
	record[0x34], record[0x35] = 0x33, 0x44

	// On-disk, the last two bytes of every sector are overwritten with the
	// signature.
	record[510], record[511] = signature[0], signature[1]
	record[1022], record[1023] = signature[0], signature[1]

	if !applyFixup(record, 512) {
		t.Fatalf("expected applyFixup to succeed")
	}

	if record[510] != 0x11 || record[511] != 0x22 {
		t.Fatalf("sector 0 trailing bytes not restored: got %02x %02x", record[510], record[511])
	}

	if record[1022] != 0x33 || record[1023] != 0x44 {
		t.Fatalf("sector 1 trailing bytes not restored: got %02x %02x", record[1022], record[1023])
	}
}

func TestApplyFixup_RejectsShortRecord(t *testing.T) {
	if applyFixup([]byte{1, 2, 3}, 512) {
		t.Fatalf("expected applyFixup to reject a too-short record")
	}
}

func TestParseNonResidentData_SparseRunSkipped(t *testing.T) {
	// One real run {lcn=0x020000, len=8} (header 0x31: 1-byte length
	// field, 3-byte little-endian offset field) followed by a sparse run
	// {len=4} (header 0x01: offset-field size 0), terminated by a zero
	// header.
	attr := make([]byte, 56)
	runList := []byte{
		0x31, 0x08, 0x00, 0x00, 0x02, // real run: len=8, lcn delta=0x020000
		0x01, 0x04, // sparse run: len=4, no offset field
		0x00, // end of run list
	}

	// runListOffset at +32 points past the fixed 56-byte non-resident
	// header into the run list we append here.
	attr = append(attr, runList...)
	putUint16(attr, 32, 56)
	putUint64(attr, 48, 8*4096)

	const clusterSize = 4096

	size, fragments := parseNonResidentData(attr, clusterSize)

	if size != 8*4096 {
		t.Fatalf("expected realSize=%d, got %d", 8*4096, size)
	}

	if len(fragments) != 1 {
		t.Fatalf("expected exactly one fragment (sparse run dropped), got %d", len(fragments))
	}

	wantOffset := uint64(0x020000) * clusterSize
	wantSize := uint64(8) * clusterSize

	if fragments[0].Offset != wantOffset || fragments[0].Size != wantSize {
		t.Fatalf("expected fragment {offset=%d size=%d}, got {offset=%d size=%d}",
			wantOffset, wantSize, fragments[0].Offset, fragments[0].Size)
	}
}

func TestParseRecord_ToleratesTruncatedAttributeHeader(t *testing.T) {
	// A deleted-file record whose first attribute declares a length shorter
	// than the fixed attribute header; the walk must stop at it rather
	// than index past the declared slice.
	record := make([]byte, 1024)
	record[20] = 64 // attributes offset
	// flags at 22:24 left zero: not in use, not a directory

	putUint32(record, 64, attrFileName)
	putUint32(record, 68, 8) // attrLen below the 16-byte fixed header

	p := &Parser{clusterSize: 4096}

	_, isDeletedRegular := p.parseRecord(record)
	if isDeletedRegular {
		t.Fatalf("expected a record with a truncated attribute to yield nothing")
	}
}

func TestParseRecord_ToleratesFileNameValueOffsetPastEnd(t *testing.T) {
	record := make([]byte, 1024)
	record[20] = 64

	putUint32(record, 64, attrFileName)
	putUint32(record, 68, 80)     // attrLen: plausible
	putUint16(record, 64+20, 200) // valueOffset beyond the attribute's end

	p := &Parser{clusterSize: 4096}

	_, isDeletedRegular := p.parseRecord(record)
	if isDeletedRegular {
		t.Fatalf("expected a record with an out-of-range name offset to yield nothing")
	}
}

func TestFiletimeToTime_RoundTripsPlausibleRange(t *testing.T) {
	// 2020-01-01 00:00:00 UTC in NTFS FILETIME units.
	const ft = uint64(132223104000000000)

	tm := filetimeToTime(ft)

	if tm.Year() != 2020 {
		t.Fatalf("expected year 2020, got %d", tm.Year())
	}
}

func TestRecoverabilityForFragments(t *testing.T) {
	cases := []struct {
		count int
		want  string
	}{
		{0, "poor"},
		{1, "good"},
		{3, "good"},
		{4, "partial"},
		{10, "partial"},
		{11, "poor"},
	}

	for _, c := range cases {
		got := string(recoverabilityForFragments(c.count))
		if got != c.want {
			t.Fatalf("count=%d: expected %s, got %s", c.count, c.want, got)
		}
	}
}

func putUint16(b []byte, offset int, v uint16) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
}

func putUint32(b []byte, offset int, v uint32) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
	b[offset+2] = byte(v >> 16)
	b[offset+3] = byte(v >> 24)
}

func putUint64(b []byte, offset int, v uint64) {
	for i := 0; i < 8; i++ {
		b[offset+i] = byte(v >> (8 * i))
	}
}
