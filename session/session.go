// This package implements the scan orchestrator: it owns a session's
// lifecycle, detects the on-disk filesystem for a quick scan (running its
// metadata parser alongside the carving engine as a fallback), drives only
// the carving engine for a deep scan, and fans the workers' results into
// one deduplicated, capped, back-pressured event stream.

package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dsoprea/go-recover/bitmap"
	"github.com/dsoprea/go-recover/carving"
	"github.com/dsoprea/go-recover/recoverable"
)

// ScanType selects which recovery strategy (or both) a session drives.
type ScanType string

// Recognized scan types.
const (
	ScanQuick ScanType = "quick"
	ScanDeep  ScanType = "deep"
)

// Status is the session lifecycle enum. Transitions are monotone except
// scanning <-> paused; once completed/cancelled/error, no further results
// are emitted.
type Status string

// Recognized statuses.
const (
	StatusIdle      Status = "idle"
	StatusScanning  Status = "scanning"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// retainedCap bounds the in-session retained file list; files found beyond
// this are still counted and streamed to consumers but not retained.
const retainedCap = 50_000

// eventBufferDepth is the bounded channel depth results are streamed
// through; a slow consumer back-pressures the workers instead of growing
// memory without bound.
const eventBufferDepth = 1024

// ScanConfig is the caller-built configuration for one session.
type ScanConfig struct {
	DevicePath    string
	PartitionPath string
	ScanType      ScanType
	Categories    []recoverable.FileCategory
	// FileTypes, when non-empty, overrides Categories.
	FileTypes   []recoverable.FileType
	DeviceSize  uint64
	StartOffset uint64
	EndOffset   uint64
}

// EventKind identifies the shape of one Event.
type EventKind string

// Recognized event kinds.
const (
	EventProgress   EventKind = "progress"
	EventFileFound  EventKind = "file-found"
	EventFilesBatch EventKind = "files-batch"
	EventComplete   EventKind = "complete"
	EventError      EventKind = "error"
)

// Event is one message republished by the orchestrator's fan-in, in
// arrival order across workers.
type Event struct {
	Kind       EventKind
	Progress   carving.Progress
	File       recoverable.File
	Files      []recoverable.File
	Err        error
	ErrOffset  uint64
	FilesFound int
}

// Source is the absolute-offset device abstraction a session drives.
// *blockreader.Reader satisfies this.
type Source interface {
	ReadAt(offset, length uint64) ([]byte, error)
	ReadChunked(offset, length, chunkSize uint64) (out []byte, failedSectors []uint64, err error)
	Size() uint64
}

// Session owns one scan's lifecycle, its dedup set, its retained-file
// list, and the fan-in event stream every worker publishes into.
type Session struct {
	ID     uuid.UUID
	Config ScanConfig

	source Source

	mu          sync.Mutex
	status      Status
	progress    carving.Progress
	maxPct      float64
	retained    []recoverable.File
	totalFound  int
	startedAt   time.Time
	completedAt *time.Time
	err         error
	seen        map[dedupKey]struct{}

	events chan Event
	closed int32 // atomic; guards against sending on/closing events twice

	control *carving.Control

	workersTotal   int
	workersDone    int
	workersResults [2]string // terminal status string per worker slot
}

// publish sends an event unless the session has already reached a
// terminal, channel-closed state. A worker racing against another
// worker's failSession/final workerDone may lose its last event this
// way; that is the intended trade-off for never sending on a closed
// channel.
func (s *Session) publish(ev Event) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return
	}

	s.events <- ev
}

// closeOnce closes the event channel exactly once.
func (s *Session) closeOnce() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.events)
	}
}

type dedupKey struct {
	offset uint64
	typ    recoverable.FileType
}

// NewSession opens source and builds an idle Session ready for Start.
// Source is expected to already be open (blockreader.Reader.Open having
// succeeded); NewSession itself never touches the OS.
func NewSession(cfg ScanConfig, source Source) *Session {
	return &Session{
		ID:      uuid.New(),
		Config:  cfg,
		source:  source,
		status:  StatusIdle,
		seen:    make(map[dedupKey]struct{}),
		events:  make(chan Event, eventBufferDepth),
		control: carving.NewControl(),
	}
}

// Events returns the channel Event values are published on. It is closed
// once the session reaches a terminal status and every worker has drained.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Progress returns the most recently aggregated progress snapshot.
func (s *Session) Progress() carving.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.progress
}

// RetainedFiles returns a copy of the currently retained file list. Files
// beyond the retention cap are still counted in FilesFound and streamed
// via Events, just not retained here.
func (s *Session) RetainedFiles() []recoverable.File {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]recoverable.File, len(s.retained))
	copy(out, s.retained)

	return out
}

// FilesFound returns the running total of files found across all workers,
// including any beyond the retained-list cap.
func (s *Session) FilesFound() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.totalFound
}

// Err returns the session-fatal error, if status is StatusError.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Pause broadcasts a pause request to the carving worker. Workers observe
// it at the next chunk boundary; an in-progress extractor always completes
// first.
func (s *Session) Pause() {
	s.mu.Lock()
	if s.status == StatusScanning {
		s.status = StatusPaused
	}
	s.mu.Unlock()

	s.control.Pause()
}

// Resume broadcasts a resume request to the carving worker.
func (s *Session) Resume() {
	s.mu.Lock()
	if s.status == StatusPaused {
		s.status = StatusScanning
	}
	s.mu.Unlock()

	s.control.Resume()
}

// Cancel broadcasts a cancel request to every worker. Cancellation is
// cooperative and not an error; the session ends cleanly in
// StatusCancelled once every worker observes it.
func (s *Session) Cancel() {
	s.control.Cancel()
}

// deviceRange resolves [start, end) from the config, defaulting end to the
// device's own reported size.
func (s *Session) deviceRange() (start, end uint64) {
	start = s.Config.StartOffset

	end = s.Config.EndOffset
	if end == 0 {
		end = s.source.Size()
	}

	if s.Config.DeviceSize != 0 && end > s.Config.DeviceSize {
		end = s.Config.DeviceSize
	}

	return start, end
}

// wantsType reports whether fileType passes the session's FileTypes/
// Categories filter. FileTypes, when non-empty, overrides Categories.
func (s *Session) wantsType(fileType recoverable.FileType, category recoverable.FileCategory) bool {
	if len(s.Config.FileTypes) > 0 {
		for _, t := range s.Config.FileTypes {
			if t == fileType {
				return true
			}
		}

		return false
	}

	if len(s.Config.Categories) == 0 {
		return true
	}

	for _, c := range s.Config.Categories {
		if c == category {
			return true
		}
	}

	return false
}

// emitFile applies the session-wide dedup-by-(offset,type) rule and the
// retained-list cap, then publishes a file-found event. Safe for
// concurrent use by multiple workers.
func (s *Session) emitFile(f recoverable.File) {
	if !s.wantsType(f.Type, f.Category) {
		return
	}

	s.mu.Lock()

	if s.status == StatusCompleted || s.status == StatusCancelled || s.status == StatusError {
		s.mu.Unlock()
		return
	}

	key := dedupKey{offset: f.Offset, typ: f.Type}
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[key] = struct{}{}

	s.totalFound++

	if len(s.retained) < retainedCap {
		s.retained = append(s.retained, f)
	}

	s.mu.Unlock()

	s.publish(Event{Kind: EventFileFound, File: f})
}

// emitProgress aggregates a worker's progress snapshot into the session's
// running maximum (percentages only increase across workers) and publishes
// it.
func (s *Session) emitProgress(p carving.Progress) {
	s.mu.Lock()

	if p.Percentage > s.maxPct {
		s.maxPct = p.Percentage
	}
	p.Percentage = s.maxPct
	s.progress = p

	s.mu.Unlock()

	s.publish(Event{Kind: EventProgress, Progress: p})
}

// emitError publishes a non-fatal error event (e.g. a skipped chunk) that
// doesn't abort the enclosing scan.
func (s *Session) emitError(offset uint64, err error) {
	s.publish(Event{Kind: EventError, ErrOffset: offset, Err: err})
}

// failSession transitions the session to StatusError and emits the
// terminal error event. Only hard resource failures (reader unusable,
// device disappeared) land here; parse failures never do.
func (s *Session) failSession(err error) {
	s.mu.Lock()
	s.status = StatusError
	s.err = err
	now := time.Now()
	s.completedAt = &now
	s.mu.Unlock()

	s.publish(Event{Kind: EventError, Err: err})
	s.closeOnce()
}

// workerDone records one worker's terminal status ("completed" or
// "cancelled") and, once every worker has reported in, finalizes the
// session status and emits the complete event.
func (s *Session) workerDone(terminal string) {
	s.mu.Lock()

	s.workersResults[s.workersDone] = terminal
	s.workersDone++

	if s.workersDone < s.workersTotal {
		s.mu.Unlock()
		return
	}

	final := StatusCompleted
	for _, r := range s.workersResults[:s.workersDone] {
		if r == "cancelled" {
			final = StatusCancelled
			break
		}
	}

	s.status = final
	now := time.Now()
	s.completedAt = &now
	found := s.totalFound

	s.mu.Unlock()

	s.publish(Event{Kind: EventComplete, FilesFound: found})
	s.closeOnce()
}

// bitmapFor builds a best-effort allocation bitmap for the detected
// filesystem, used only as a chunk-skip optimisation; nil is a valid "no
// bitmap available" result for filesystems without a loader (exFAT, HFS+)
// or when decoding fails.
func bitmapFor(kind filesystemKind, source Source) *bitmap.AllocationBitmap {
	switch kind {
	case fsFAT32:
		p, ok := fat32ParserFor(source)
		if !ok {
			return nil
		}
		ab, ok := p.AllocationBitmap()
		if !ok {
			return nil
		}
		return ab

	case fsNTFS:
		p, ok := ntfsParserFor(source)
		if !ok {
			return nil
		}
		ab, ok := p.AllocationBitmap()
		if !ok {
			return nil
		}
		return ab

	case fsExt4:
		p, ok := ext4ParserFor(source)
		if !ok {
			return nil
		}
		ab, ok := p.AllocationBitmap()
		if !ok {
			return nil
		}
		return ab

	default:
		return nil
	}
}
