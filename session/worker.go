// This file drives a session's workers: a metadata worker (filesystem-
// parser based) and a carving worker (signature-scan based). For a quick
// scan both run concurrently, the carving worker acting as a fallback for
// filesystems the metadata worker can't parse; for a deep scan only the
// carving worker runs.

package session

import (
	"time"

	"github.com/dsoprea/go-recover/bitmap"
	"github.com/dsoprea/go-recover/carving"
	"github.com/dsoprea/go-recover/recoverable"
)

// Start transitions the session to StatusScanning and launches its
// workers in the background. Callers consume Events() until it closes.
func (s *Session) Start() {
	s.mu.Lock()
	s.status = StatusScanning
	s.startedAt = time.Now()
	s.mu.Unlock()

	switch s.Config.ScanType {
	case ScanDeep:
		s.workersTotal = 1
		go s.runCarvingWorker(bitmapFor(detectFilesystem(s.source), s.source))

	default: // ScanQuick
		kind := detectFilesystem(s.source)

		s.workersTotal = 2
		go s.runMetadataWorker(kind)
		go s.runCarvingWorker(bitmapFor(kind, s.source))
	}
}

// runMetadataWorker runs the detected filesystem's parser to completion
// and reports every entry it finds, then signals this worker's terminal
// status. The underlying parser packages don't yet expose internal
// directory-entry/inode-batch cancellation boundaries, so this worker's
// only cancellation points are before it starts and after it finishes;
// results are dropped entirely if cancellation was requested meanwhile.
func (s *Session) runMetadataWorker(kind filesystemKind) {
	if s.control.CancelRequested() {
		s.workerDone("cancelled")
		return
	}

	files := runMetadataScan(kind, s.source)

	if s.control.CancelRequested() {
		s.workerDone("cancelled")
		return
	}

	for _, f := range files {
		s.emitFile(f)
	}

	s.workerDone("completed")
}

// runCarvingWorker drives the carving.Engine across the session's device
// range, republishing its file/progress/error callbacks through the
// session's dedup/cap/aggregation machinery. bmp may be nil.
func (s *Session) runCarvingWorker(bmp *bitmap.AllocationBitmap) {
	engine, err := carving.NewEngine(s.source, bmp)
	if err != nil {
		s.failSession(err)
		return
	}

	engine.OnFile = func(f recoverable.File) {
		s.emitFile(f)
	}

	engine.OnProgress = func(p carving.Progress) {
		s.emitProgress(p)
	}

	engine.OnError = func(err error) {
		s.emitError(0, err)
	}

	start, end := s.deviceRange()

	terminal := engine.Scan(start, end, s.control)

	s.workerDone(terminal)
}
