package ext4

import (
	"testing"
)

func buildExtentBlock(entries []struct{ length, startHi uint32 }) []byte {
	block := make([]byte, 60)
	putLE16(block, 0, extentTreeMagic)
	putLE16(block, 2, uint16(len(entries)))
	putLE16(block, 4, 4) // max entries
	putLE16(block, 6, 0) // depth=0, leaf

	for i, e := range entries {
		o := 12 + i*12
		putLE32(block, o, 0) // ee_block, unused by this package
		putLE16(block, o+4, uint16(e.length))
		putLE16(block, o+6, uint16(e.startHi))
		putLE32(block, o+8, 0)
	}

	return block
}

func TestParseExtentTree_LeafFragmentsCoverDeclaredSize(t *testing.T) {
	p := &Parser{blockSize: 4096}

	entries := []struct{ length, startHi uint32 }{
		{length: 8, startHi: 0},
		{length: 4, startHi: 0},
		{length: 16, startHi: 0},
	}

	block := buildExtentBlock(entries)
	fragments := p.parseExtentTree(block)

	if len(fragments) != len(entries) {
		t.Fatalf("expected %d fragments, got %d", len(entries), len(fragments))
	}

	var total uint64
	for i, f := range fragments {
		total += f.Size
		wantSize := uint64(entries[i].length) * 4096
		if f.Size != wantSize {
			t.Fatalf("fragment %d: expected size %d, got %d", i, wantSize, f.Size)
		}
	}

	wantTotal := uint64(8+4+16) * 4096
	if total != wantTotal {
		t.Fatalf("expected total size %d, got %d", wantTotal, total)
	}
}

func TestParseExtentTree_PhysicalOffsetFromHighLowBlock(t *testing.T) {
	p := &Parser{blockSize: 1024}

	block := make([]byte, 60)
	putLE16(block, 0, extentTreeMagic)
	putLE16(block, 2, 1)
	putLE16(block, 6, 0)

	putLE32(block, 12, 0)           // ee_block
	putLE16(block, 16, 8)           // ee_len
	putLE16(block, 18, 0x0001)      // ee_start_hi
	putLE32(block, 20, 0x00020000)  // ee_start_lo

	fragments := p.parseExtentTree(block)
	if len(fragments) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(fragments))
	}

	wantBlock := uint64(0x0001)<<32 | uint64(0x00020000)
	wantOffset := wantBlock * 1024

	if fragments[0].Offset != wantOffset {
		t.Fatalf("expected offset %d, got %d", wantOffset, fragments[0].Offset)
	}
}

func TestParseExtentTree_IndexNodeNotFollowed(t *testing.T) {
	p := &Parser{blockSize: 4096}

	block := make([]byte, 60)
	putLE16(block, 0, extentTreeMagic)
	putLE16(block, 2, 1)
	putLE16(block, 6, 1) // depth=1, index node

	fragments := p.parseExtentTree(block)
	if fragments != nil {
		t.Fatalf("expected no fragments from an index node, got %d", len(fragments))
	}
}

func TestParseDirectBlocks_MergesContiguousRuns(t *testing.T) {
	p := &Parser{blockSize: 4096}

	block := make([]byte, 60)
	putLE32(block, 0, 100)
	putLE32(block, 4, 101)
	putLE32(block, 8, 102)
	putLE32(block, 12, 200)

	fragments := p.parseDirectBlocks(block)

	if len(fragments) != 2 {
		t.Fatalf("expected 2 merged fragments, got %d", len(fragments))
	}

	if fragments[0].Offset != 100*4096 || fragments[0].Size != 3*4096 {
		t.Fatalf("expected first run {offset=%d size=%d}, got %+v", uint64(100*4096), uint64(3*4096), fragments[0])
	}

	if fragments[1].Offset != 200*4096 || fragments[1].Size != 4096 {
		t.Fatalf("expected second run {offset=%d size=%d}, got %+v", uint64(200*4096), uint64(4096), fragments[1])
	}
}

func putLE16(b []byte, offset int, v uint16) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
}

func putLE32(b []byte, offset int, v uint32) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
	b[offset+2] = byte(v >> 16)
	b[offset+3] = byte(v >> 24)
}
