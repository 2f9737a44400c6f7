package bitmap

import "testing"

func TestAllocationBitmap_IsBlockAllocated(t *testing.T) {
	// bits[0] = 0b00000101: units 0 and 2 allocated, unit 1 free.
	ab := NewAllocationBitmap([]byte{0x05}, 4096, 0)

	if !ab.IsBlockAllocated(0) {
		t.Fatalf("expected unit 0 allocated")
	}

	if ab.IsBlockAllocated(1) {
		t.Fatalf("expected unit 1 free")
	}

	if !ab.IsBlockAllocated(2) {
		t.Fatalf("expected unit 2 allocated")
	}
}

func TestAllocationBitmap_OutOfRangeReportsAllocated(t *testing.T) {
	ab := NewAllocationBitmap([]byte{0x00}, 4096, 0)

	if !ab.IsBlockAllocated(1000) {
		t.Fatalf("expected out-of-range unit to report allocated")
	}
}

func TestAllocationBitmap_IsByteAllocated_BelowDataStart(t *testing.T) {
	ab := NewAllocationBitmap([]byte{0x00}, 4096, 8192)

	if !ab.IsByteAllocated(100) {
		t.Fatalf("expected offset below dataStart to report allocated")
	}
}

func TestAllocationBitmap_IsChunkFullyAllocated(t *testing.T) {
	// units 0,1,2 all allocated (bits 0-2 set), unit 3 free.
	ab := NewAllocationBitmap([]byte{0x07}, 4096, 0)

	if !ab.IsChunkFullyAllocated(0, 3*4096) {
		t.Fatalf("expected chunk spanning units 0-2 to be fully allocated")
	}

	if ab.IsChunkFullyAllocated(0, 4*4096) {
		t.Fatalf("expected chunk including free unit 3 to not be fully allocated")
	}
}

func TestFromFAT32_ReservedClustersAllocated(t *testing.T) {
	// 4 entries: cluster 0 (reserved), cluster 1 (reserved), cluster 2
	// (free, entry=0), cluster 3 (allocated, entry=non-zero EOC marker).
	fat := make([]byte, 16)
	putLE32(fat, 12, 0x0FFFFFF8)

	ab, ok := FromFAT32(fat, 4096, 0)
	if !ok {
		t.Fatalf("expected FromFAT32 to succeed")
	}

	if !ab.IsBlockAllocated(0) || !ab.IsBlockAllocated(1) {
		t.Fatalf("expected reserved clusters 0 and 1 to be allocated")
	}

	if ab.IsBlockAllocated(2) {
		t.Fatalf("expected cluster 2 to be free")
	}

	if !ab.IsBlockAllocated(3) {
		t.Fatalf("expected cluster 3 to be allocated")
	}
}

func putLE32(b []byte, offset int, v uint32) {
	b[offset] = byte(v)
	b[offset+1] = byte(v >> 8)
	b[offset+2] = byte(v >> 16)
	b[offset+3] = byte(v >> 24)
}
