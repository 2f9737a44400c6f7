package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/dsoprea/go-recover/recoverable"
)

type memSource struct {
	data []byte
}

func (m *memSource) ReadAt(offset, length uint64) ([]byte, error) {
	if offset >= uint64(len(m.data)) {
		return []byte{}, nil
	}

	end := offset + length
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}

	return m.data[offset:end], nil
}

func (m *memSource) ReadChunked(offset, length, chunkSize uint64) ([]byte, []uint64, error) {
	data, err := m.ReadAt(offset, length)
	return data, nil, err
}

func (m *memSource) Size() uint64 {
	return uint64(len(m.data))
}

func buildPNG() []byte {
	buf := &bytes.Buffer{}
	buf.Write([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})

	ihdr := make([]byte, 25)
	ihdr[3] = 13
	copy(ihdr[4:8], "IHDR")
	ihdr[8], ihdr[9], ihdr[10], ihdr[11] = 0, 0, 2, 0x80
	ihdr[12], ihdr[13], ihdr[14], ihdr[15] = 0, 0, 1, 0xE0
	buf.Write(ihdr)

	idat := make([]byte, 112)
	idat[3] = 100
	copy(idat[4:8], "IDAT")
	buf.Write(idat)

	iend := make([]byte, 12)
	copy(iend[4:8], "IEND")
	buf.Write(iend)

	return buf.Bytes()
}

func drainEvents(t *testing.T, s *Session) (files []recoverable.File, completeSeen bool, foundCount int) {
	t.Helper()

	timeout := time.After(5 * time.Second)

	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return files, completeSeen, foundCount
			}

			switch ev.Kind {
			case EventFileFound:
				files = append(files, ev.File)
			case EventComplete:
				completeSeen = true
				foundCount = ev.FilesFound
			}

		case <-timeout:
			t.Fatal("timed out waiting for session to complete")
		}
	}
}

func TestSession_DeepScanFindsAndDedupsAcrossChunks(t *testing.T) {
	png := buildPNG()

	// Two identical PNGs at different offsets; the engine must report each
	// exactly once even though chunk overlap re-presents bytes to the
	// scanner.
	data := make([]byte, 3*1024*1024)
	copy(data[100:], png)
	copy(data[2*1024*1024+200:], png)

	cfg := ScanConfig{ScanType: ScanDeep}
	s := NewSession(cfg, &memSource{data: data})

	s.Start()

	files, completeSeen, foundCount := drainEvents(t, s)

	if !completeSeen {
		t.Fatal("expected a complete event")
	}

	if foundCount != 2 {
		t.Fatalf("expected 2 files found, got %d", foundCount)
	}

	if len(files) != 2 {
		t.Fatalf("expected 2 file-found events, got %d", len(files))
	}

	if s.Status() != StatusCompleted {
		t.Fatalf("expected StatusCompleted, got %s", s.Status())
	}
}

func TestSession_FileTypeFilterOverridesCategories(t *testing.T) {
	png := buildPNG()

	data := make([]byte, 2*1024*1024)
	copy(data[50:], png)

	cfg := ScanConfig{
		ScanType:   ScanDeep,
		Categories: []recoverable.FileCategory{recoverable.CategoryDocument},
		FileTypes:  []recoverable.FileType{recoverable.TypePNG},
	}
	s := NewSession(cfg, &memSource{data: data})

	s.Start()

	files, _, _ := drainEvents(t, s)

	if len(files) != 1 {
		t.Fatalf("expected the PNG to pass despite the document-only category filter, got %d files", len(files))
	}
}

func TestSession_CancelBeforeStartEndsCancelled(t *testing.T) {
	data := make([]byte, 2*1024*1024)

	cfg := ScanConfig{ScanType: ScanDeep}
	s := NewSession(cfg, &memSource{data: data})

	s.Cancel()
	s.Start()

	_, _, _ = drainEvents(t, s)

	if s.Status() != StatusCancelled {
		t.Fatalf("expected StatusCancelled, got %s", s.Status())
	}
}

func TestSession_RetainedFilesCapped(t *testing.T) {
	// Build a device with more distinct PNG headers than a tiny cap would
	// allow; exercised against the real cap would be too slow, so this
	// test only checks that RetainedFiles never exceeds FilesFound.
	png := buildPNG()

	data := make([]byte, 4*1024*1024)
	copy(data[10:], png)
	copy(data[1024*1024+10:], png)
	copy(data[2*1024*1024+10:], png)

	cfg := ScanConfig{ScanType: ScanDeep}
	s := NewSession(cfg, &memSource{data: data})

	s.Start()

	_, _, foundCount := drainEvents(t, s)

	if len(s.RetainedFiles()) > foundCount {
		t.Fatalf("retained files (%d) exceeded found count (%d)", len(s.RetainedFiles()), foundCount)
	}
}
