package extract

import (
	"encoding/binary"
	"testing"

	"github.com/dsoprea/go-recover/recoverable"
)

// memSource is an in-memory Source for exercising extractors without a
// real device.
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

func TestExtractJPEG_SimpleMarkerWalk(t *testing.T) {
	var buf []byte
	buf = append(buf, 0xFF, 0xD8, 0xFF) // SOI (the first FF D8 FF is what triggered the match)

	// SOF0 (baseline), length=17, precision=8, height=100, width=200, then
	// minimal component data to satisfy the length field.
	sof := []byte{0xFF, 0xC0, 0x00, 0x11, 0x08}
	sof = binary.BigEndian.AppendUint16(sof, 100)
	sof = binary.BigEndian.AppendUint16(sof, 200)
	sof = append(sof, make([]byte, 17-2-2-1-2)...) // remaining length bytes after the fields above
	buf = append(buf, sof...)

	buf = append(buf, 0xFF, 0xDA, 0x00, 0x02) // SOS, minimal length
	buf = append(buf, 0x00, 0x01, 0x02)       // entropy-coded data
	buf = append(buf, 0xFF, 0xD9)             // EOI

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypeJPEG, MinSize: 1, MaxSize: 1 << 20}

	result := ExtractJPEG(source, 0, sig)

	if result.Size != uint64(len(buf)) {
		t.Fatalf("expected size %d, got %d (estimated=%v)", len(buf), result.Size, result.Estimated)
	}

	if result.Estimated {
		t.Fatalf("expected a non-estimated result for a clean marker walk")
	}

	if result.Metadata == nil || result.Metadata.Width != 200 || result.Metadata.Height != 100 {
		t.Fatalf("expected width=200 height=100, got %+v", result.Metadata)
	}
}

func TestExtractJPEG_BruteForceFallback(t *testing.T) {
	// A header followed by garbage that doesn't parse as markers, but does
	// contain a literal FF D9 eventually.
	buf := []byte{0xFF, 0xD8, 0xFF, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypeJPEG, MinSize: 1, MaxSize: 1 << 20}

	result := ExtractJPEG(source, 0, sig)

	if !result.Estimated {
		t.Fatalf("expected brute-force fallback to mark the result estimated")
	}
}

func TestExtractPNG_SimpleChunkWalk(t *testing.T) {
	var buf []byte
	buf = append(buf, pngSignature...)

	ihdrData := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdrData[0:4], 640)
	binary.BigEndian.PutUint32(ihdrData[4:8], 480)

	buf = append(buf, pngChunk("IHDR", ihdrData)...)
	buf = append(buf, pngChunk("IEND", nil)...)

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypePNG, MinSize: 1, MaxSize: 1 << 20}

	result := ExtractPNG(source, 0, sig)

	if result.Size != uint64(len(buf)) {
		t.Fatalf("expected size %d, got %d", len(buf), result.Size)
	}

	if result.Metadata == nil || result.Metadata.Width != 640 || result.Metadata.Height != 480 {
		t.Fatalf("expected width=640 height=480, got %+v", result.Metadata)
	}
}

func pngChunk(chunkType string, data []byte) []byte {
	var out []byte
	lenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBytes, uint32(len(data)))

	out = append(out, lenBytes...)
	out = append(out, []byte(chunkType)...)
	out = append(out, data...)
	out = append(out, 0, 0, 0, 0) // CRC placeholder, not validated by the walk

	return out
}

func TestExtractPDF_LastEOFWins(t *testing.T) {
	buf := []byte("%PDF-1.4\n...content...\n%%EOF\n...incremental update...\n%%EOF\n")

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypePDF, MinSize: 1, MaxSize: 1 << 20}

	result := ExtractPDF(source, 0, sig)

	if result.Size != uint64(len(buf)) {
		t.Fatalf("expected size to extend to the final EOF plus trailing newline, got %d want %d", result.Size, len(buf))
	}
}

func TestExtractZIP_SimpleLocalEntry(t *testing.T) {
	name := "[Content_Types].xml"
	data := []byte("hello")

	entry := []byte{0x50, 0x4B, 0x03, 0x04}
	entry = append(entry, 0x14, 0x00) // version
	entry = append(entry, 0x00, 0x00) // flags, no data descriptor
	entry = append(entry, 0x00, 0x00) // compression method
	entry = append(entry, 0x00, 0x00) // mod time
	entry = append(entry, 0x00, 0x00) // mod date
	entry = append(entry, 0x00, 0x00, 0x00, 0x00) // crc32
	entry = binary.LittleEndian.AppendUint32(entry, uint32(len(data)))
	entry = binary.LittleEndian.AppendUint32(entry, uint32(len(data)))
	entry = binary.LittleEndian.AppendUint16(entry, uint16(len(name)))
	entry = binary.LittleEndian.AppendUint16(entry, 0)
	entry = append(entry, []byte(name)...)
	entry = append(entry, data...)

	source := &memSource{data: entry}
	sig := recoverable.FileSignature{Type: recoverable.TypeDOCX, MinSize: 1, MaxSize: 1 << 20}

	result := ExtractZIP(source, 0, sig)

	if result.Size != uint64(len(entry)) {
		t.Fatalf("expected size %d, got %d", len(entry), result.Size)
	}
}

func TestExtractMP4_FtypPlusFreeBox(t *testing.T) {
	var buf []byte
	buf = append(buf, isoBoxBytes("ftyp", []byte("isom\x00\x00\x02\x00isomiso2avc1mp41"))...)
	buf = append(buf, isoBoxBytes("free", make([]byte, 10))...)
	buf = append(buf, isoBoxBytes("mdat", make([]byte, 100))...)

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypeMP4, MinSize: 1, MaxSize: 1 << 30}

	result := ExtractMP4(source, 0, sig)

	if result.Size != uint64(len(buf)) {
		t.Fatalf("expected size %d, got %d", len(buf), result.Size)
	}

	if result.Estimated {
		t.Fatalf("expected an exact size for a walk ending cleanly at the last box")
	}
}

func isoBoxBytes(boxType string, body []byte) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(body)))
	copy(out[4:8], boxType)
	return append(out, body...)
}

func TestExtractMP4_TwoUnknownBoxesConcludeEndOfFile(t *testing.T) {
	var buf []byte
	buf = append(buf, isoBoxBytes("ftyp", make([]byte, 16))...) // 24 bytes
	buf = append(buf, isoBoxBytes("mdat", make([]byte, 1016))...) // 1024 bytes
	buf = append(buf, isoBoxBytes("moov", make([]byte, 504))...) // 512 bytes

	knownTotal := uint64(len(buf))

	// Two trailing boxes with printable but unrecognized top-level types:
	// the walk must conclude end-of-file and exclude both.
	buf = append(buf, isoBoxBytes("zzzq", make([]byte, 24))...)
	buf = append(buf, isoBoxBytes("qqxz", make([]byte, 24))...)

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypeMP4, MinSize: 1, MaxSize: 1 << 30}

	result := ExtractMP4(source, 0, sig)

	if result.Size != knownTotal {
		t.Fatalf("expected size %d (unknown trailing boxes excluded), got %d", knownTotal, result.Size)
	}

	if !result.Estimated {
		t.Fatalf("expected estimated=true when the walk ends at unknown boxes")
	}
}

func TestExtractJPEG_StuffedBytesAndLateEOI(t *testing.T) {
	// A valid SOI/SOS prologue, then entropy-coded data containing stuffed
	// FF 00 sequences and restart markers, with the real EOI at byte 20000.
	buf := make([]byte, 20002)
	buf[0], buf[1] = 0xFF, 0xD8
	buf[2], buf[3] = 0xFF, 0xDA // SOS
	buf[4], buf[5] = 0x00, 0x02 // SOS length: header only

	for i := 6; i < 19000; i += 100 {
		buf[i], buf[i+1] = 0xFF, 0x00 // stuffed literal, not a marker
	}
	buf[10000], buf[10001] = 0xFF, 0xD3 // RST3, not a terminator

	buf[20000], buf[20001] = 0xFF, 0xD9

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypeJPEG, MinSize: 1, MaxSize: 1 << 26}

	result := ExtractJPEG(source, 0, sig)

	if result.Size != 20002 {
		t.Fatalf("expected size 20002, got %d (estimated=%v)", result.Size, result.Estimated)
	}

	if result.Estimated {
		t.Fatalf("expected exact size from the marker walk")
	}
}

func TestExtractTIFFRAW_SingleIFDStrip(t *testing.T) {
	stripDataOffset := uint32(200)
	stripDataLen := uint32(50)

	var buf []byte
	buf = append(buf, 'I', 'I', 0x2A, 0x00)
	buf = binary.LittleEndian.AppendUint32(buf, 8) // first IFD at offset 8
	buf = binary.LittleEndian.AppendUint16(buf, 4) // 4 entries

	writeEntry := func(tag, typ uint16, count uint32, value uint32) {
		buf = binary.LittleEndian.AppendUint16(buf, tag)
		buf = binary.LittleEndian.AppendUint16(buf, typ)
		buf = binary.LittleEndian.AppendUint32(buf, count)
		buf = binary.LittleEndian.AppendUint32(buf, value)
	}

	writeEntry(tiffTagImageWidth, 4, 1, 800)
	writeEntry(tiffTagImageLength, 4, 1, 600)
	writeEntry(tiffTagStripOffsets, 4, 1, stripDataOffset)
	writeEntry(tiffTagStripByteCounts, 4, 1, stripDataLen)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // next IFD offset = 0 (end of chain)

	for uint32(len(buf)) < stripDataOffset+stripDataLen {
		buf = append(buf, 0)
	}

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypeCR2, MinSize: 1, MaxSize: 1 << 30}

	result := ExtractTIFFRAW(source, 0, sig)

	if result.Metadata == nil || result.Metadata.Width != 800 || result.Metadata.Height != 600 {
		t.Fatalf("expected width=800 height=600, got %+v", result.Metadata)
	}

	if result.Size < uint64(stripDataOffset+stripDataLen) {
		t.Fatalf("expected size to cover the strip data extent (%d), got %d", stripDataOffset+stripDataLen, result.Size)
	}
}

func TestExtractHEIC_BrandAndIspeDimensions(t *testing.T) {
	ftypBody := []byte("heic\x00\x00\x00\x00mif1")

	ispe := isoBoxBytes("ispe", []byte{
		0, 0, 0, 0, // version/flags
		0, 0, 0x0F, 0x00, // width 3840
		0, 0, 0x08, 0x70, // height 2160
	})

	metaBody := append([]byte{0, 0, 0, 0}, ispe...) // meta is a full box

	var buf []byte
	buf = append(buf, isoBoxBytes("ftyp", ftypBody)...)
	buf = append(buf, isoBoxBytes("meta", metaBody)...)
	buf = append(buf, isoBoxBytes("mdat", make([]byte, 64))...)

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypeHEIC, MinSize: 1, MaxSize: 1 << 28}

	result := ExtractHEIC(source, 0, sig)

	if result.Size != uint64(len(buf)) {
		t.Fatalf("expected size %d, got %d", len(buf), result.Size)
	}

	if result.Estimated {
		t.Fatalf("expected an exact size for a walk ending cleanly at the last box")
	}

	if result.Metadata == nil || result.Metadata.Width != 3840 || result.Metadata.Height != 2160 {
		t.Fatalf("expected 3840x2160 from ispe, got %+v", result.Metadata)
	}
}

func TestExtractHEIC_RejectsNonHEICBrand(t *testing.T) {
	var buf []byte
	buf = append(buf, isoBoxBytes("ftyp", []byte("isom\x00\x00\x00\x00"))...)
	buf = append(buf, isoBoxBytes("mdat", make([]byte, 64))...)

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypeHEIC, MinSize: 1, MaxSize: 1 << 28}

	result := ExtractHEIC(source, 0, sig)

	if !result.Estimated || result.Size == uint64(len(buf)) {
		t.Fatalf("expected a conservative estimate for a non-HEIC brand, got %+v", result)
	}
}

func TestExtractAVI_HeaderAndDimensions(t *testing.T) {
	avih := make([]byte, 8+56)
	copy(avih[0:4], "avih")
	binary.LittleEndian.PutUint32(avih[4:8], 56)
	binary.LittleEndian.PutUint32(avih[8+32:], 1920) // dwWidth
	binary.LittleEndian.PutUint32(avih[8+36:], 1080) // dwHeight

	body := append([]byte("AVI "), avih...)
	body = append(body, make([]byte, 200)...)

	var buf []byte
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)

	source := &memSource{data: buf}
	sig := recoverable.FileSignature{Type: recoverable.TypeAVI, MinSize: 1, MaxSize: 1 << 30}

	result := ExtractAVI(source, 0, sig)

	if result.Size != uint64(len(buf)) {
		t.Fatalf("expected size %d, got %d", len(buf), result.Size)
	}

	if result.Estimated {
		t.Fatalf("expected exact size from the RIFF header")
	}

	if result.Metadata == nil || result.Metadata.Width != 1920 || result.Metadata.Height != 1080 {
		t.Fatalf("expected 1920x1080 from avih, got %+v", result.Metadata)
	}
}

func TestClampResult_EnforcesBounds(t *testing.T) {
	sig := recoverable.FileSignature{MinSize: 100, MaxSize: 200}

	small := clampResult(recoverable.ExtractionResult{Size: 10}, sig)
	if small.Size != 100 || !small.Estimated {
		t.Fatalf("expected clamp up to MinSize and estimated=true, got %+v", small)
	}

	large := clampResult(recoverable.ExtractionResult{Size: 1000}, sig)
	if large.Size != 200 || !large.Estimated {
		t.Fatalf("expected clamp down to MaxSize and estimated=true, got %+v", large)
	}

	exact := clampResult(recoverable.ExtractionResult{Size: 150, Estimated: false}, sig)
	if exact.Size != 150 || exact.Estimated {
		t.Fatalf("expected no clamping within bounds, got %+v", exact)
	}
}
