package blockreader

import (
	"bytes"
	"os"
	"testing"
)

func writeTempDevice(t *testing.T, data []byte) string {
	t.Helper()

	f, err := os.CreateTemp("", "blockreader-test-")
	if err != nil {
		t.Fatalf("could not create temp file: %v", err)
	}

	if _, err := f.Write(data); err != nil {
		t.Fatalf("could not write temp file: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("could not close temp file: %v", err)
	}

	t.Cleanup(func() { os.Remove(f.Name()) })

	return f.Name()
}

func TestReader_ReadAt_alignedWindow(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, SectorSize*4)
	for i := range data[:16] {
		data[i] = byte(i)
	}

	path := writeTempDevice(t, data)

	r := NewReader()
	if err := r.Open(path); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Close()

	out, err := r.ReadAt(4, 8)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if len(out) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(out))
	}

	for i, b := range out {
		if b != byte(4+i) {
			t.Fatalf("byte %d: expected %d, got %d", i, 4+i, b)
		}
	}
}

func TestReader_ReadAt_shortAtEndOfDevice(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, SectorSize)
	path := writeTempDevice(t, data)

	r := NewReader()
	if err := r.Open(path); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Close()

	out, err := r.ReadAt(SectorSize-4, 16)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if len(out) != 4 {
		t.Fatalf("expected short read of 4 bytes, got %d", len(out))
	}
}

func TestReader_NotOpen(t *testing.T) {
	r := NewReader()

	if _, err := r.ReadAt(0, 1); err == nil {
		t.Fatalf("expected NotOpen error")
	}
}

func TestReader_ReadChunked_neverFails(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, SectorSize*2)
	path := writeTempDevice(t, data)

	r := NewReader()
	if err := r.Open(path); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Close()

	out, failed, err := r.ReadChunked(0, SectorSize*2, SectorSize)
	if err != nil {
		t.Fatalf("chunked read failed: %v", err)
	}

	if len(out) != SectorSize*2 {
		t.Fatalf("expected full read, got %d bytes", len(out))
	}

	if len(failed) != 0 {
		t.Fatalf("expected no failed sectors on a healthy device, got %v", failed)
	}
}

func TestReader_ReadChunked_zeroFillsUnreadableSectors(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, SectorSize*2)
	path := writeTempDevice(t, data)

	r := NewReader()
	if err := r.Open(path); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Close()

	// Yank the handle out from under the reader so every sector read
	// fails, simulating a device where the whole window is unreadable.
	r.maxRetries = 0
	r.baseDelay = 0
	r.f.Close()

	out, failed, err := r.ReadChunked(0, SectorSize*2, SectorSize)
	if err != nil {
		t.Fatalf("chunked read failed: %v", err)
	}

	if len(out) != SectorSize*2 {
		t.Fatalf("expected a full-length buffer despite failures, got %d bytes", len(out))
	}

	for i, b := range out {
		if b != 0 {
			t.Fatalf("expected zero-filled buffer, found %02x at %d", b, i)
		}
	}

	if len(failed) != 2 || failed[0] != 0 || failed[1] != SectorSize {
		t.Fatalf("expected failed sectors [0 %d], got %v", SectorSize, failed)
	}
}

func TestReader_Stats_trackFailures(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, SectorSize)
	path := writeTempDevice(t, data)

	r := NewReader()
	if err := r.Open(path); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer r.Close()

	r.maxRetries = 1
	r.baseDelay = 0
	r.f.Close()

	if _, _, err := r.ReadChunked(0, SectorSize, SectorSize); err != nil {
		t.Fatalf("chunked read failed: %v", err)
	}

	stats := r.Stats()

	if stats.SectorsUnreadable != 1 {
		t.Fatalf("expected 1 unreadable sector, got %d", stats.SectorsUnreadable)
	}

	if stats.RetriesPerformed != 1 {
		t.Fatalf("expected 1 retry, got %d", stats.RetriesPerformed)
	}

	if len(stats.FailedSectors) != 1 || stats.FailedSectors[0] != 0 {
		t.Fatalf("expected failed sector list [0], got %v", stats.FailedSectors)
	}
}
