// This package composes the block reader, the Aho-Corasick signature
// scanner, and the per-format extractors into the carving engine:
// fixed-size overlapping chunks are scanned for magic sequences, each
// match is resolved to a RecoverableFile, and progress is emitted on a
// throttle.

package carving

import (
	"reflect"
	"sync/atomic"
	"time"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-recover/bitmap"
	"github.com/dsoprea/go-recover/extract"
	"github.com/dsoprea/go-recover/recoverable"
	"github.com/dsoprea/go-recover/signature"
)

const (
	// ChunkSize is the fixed amount of device data read per iteration.
	ChunkSize = 1024 * 1024

	// Overlap re-presents this many trailing bytes of the previous chunk
	// to the scanner so headers straddling a chunk boundary are seen
	// intact.
	Overlap = 64

	progressInterval = 500 * time.Millisecond
)

// Source is the device abstraction the carving engine reads from.
// blockreader.Reader satisfies this.
type Source interface {
	ReadAt(offset, length uint64) ([]byte, error)
	ReadChunked(offset, length, chunkSize uint64) (out []byte, failedSectors []uint64, err error)
	Size() uint64
}

// Progress is one throttled progress snapshot.
type Progress struct {
	BytesScanned      uint64
	TotalBytes        uint64
	Percentage        float64
	FilesFound        int
	SectorsWithErrors uint64
	EstimatedRemain   time.Duration
}

// Engine drives the carve. Events (files, progress, errors) are delivered
// through the callback fields; all three are optional.
type Engine struct {
	source  Source
	scanner *signature.Scanner
	bmp     *bitmap.AllocationBitmap

	OnFile     func(recoverable.File)
	OnProgress func(Progress)
	OnError    func(error)

	seen map[dedupKey]struct{}
}

type dedupKey struct {
	offset uint64
	typ    recoverable.FileType
}

// NewEngine builds an Engine around an already-open source, using the
// builtin Aho-Corasick scanner over every known signature. bmp may be nil,
// in which case no chunk is skipped for being fully allocated.
func NewEngine(source Source, bmp *bitmap.AllocationBitmap) (*Engine, error) {
	scanner, err := signature.NewBuiltinScanner()
	if err != nil {
		return nil, log.Wrap(err)
	}

	return &Engine{
		source:  source,
		scanner: scanner,
		bmp:     bmp,
		seen:    make(map[dedupKey]struct{}),
	}, nil
}

// Control lets a caller cooperatively pause/resume/cancel a running Scan.
// It is safe for concurrent use; workers observe it at chunk boundaries.
type Control struct {
	request   chan controlRequest
	cancelled int32
}

type controlRequest int

const (
	requestPause controlRequest = iota
	requestResume
	requestCancel
)

// NewControl returns a Control with room for one pending request; Scan
// drains it at the next chunk boundary.
func NewControl() *Control {
	return &Control{request: make(chan controlRequest, 1)}
}

func (c *Control) Pause()  { c.send(requestPause) }
func (c *Control) Resume() { c.send(requestResume) }

func (c *Control) Cancel() {
	atomic.StoreInt32(&c.cancelled, 1)
	c.send(requestCancel)
}

// CancelRequested reports whether Cancel has been called, independent of
// whether the buffered request channel has been drained yet. Other
// workers sharing this Control (e.g. a session's metadata worker) use
// this to observe cancellation at their own boundaries.
func (c *Control) CancelRequested() bool {
	return atomic.LoadInt32(&c.cancelled) != 0
}

func (c *Control) send(r controlRequest) {
	select {
	case c.request <- r:
	default:
		// A pending request hasn't been drained yet; cancel always wins
		// over a stale pause/resume.
		if r == requestCancel {
			select {
			case <-c.request:
			default:
			}
			c.request <- requestCancel
		}
	}
}

// Scan walks [start, end) in ChunkSize steps with Overlap re-presented
// bytes, emitting RecoverableFile records through OnFile and throttled
// Progress snapshots through OnProgress. It returns the terminal status:
// "completed" or "cancelled". Chunk read and scan failures are reported
// through OnError and the scan moves on to the next chunk.
func (e *Engine) Scan(start, end uint64, control *Control) string {
	offset := start
	bytesScanned := uint64(0)
	totalBytes := end - start
	sectorsWithErrors := uint64(0)
	filesFound := 0

	lastProgress := time.Time{}
	started := time.Time{}

	// Throughput is smoothed with an exponentially weighted moving average
	// so the ETA tracks recent device speed instead of the whole-run mean
	// (bad-sector regions slow reads by orders of magnitude).
	const ewmaAlpha = 0.3
	ewmaThroughput := 0.0
	lastBytesScanned := uint64(0)

	for offset < end {
		if control != nil {
			select {
			case req := <-control.request:
				switch req {
				case requestCancel:
					return "cancelled"
				case requestPause:
				pauseLoop:
					for {
						switch <-control.request {
						case requestResume:
							break pauseLoop
						case requestCancel:
							return "cancelled"
						}
					}
				}
			default:
			}
		}

		readLen := uint64(ChunkSize)
		if offset+readLen > end {
			readLen = end - offset
		}

		if e.bmp != nil && e.bmp.IsChunkFullyAllocated(offset, readLen) {
			advance := chunkAdvance(readLen)
			offset += advance
			bytesScanned += advance
			continue
		}

		chunk, failedSectors, err := e.readChunk(offset, readLen)
		if err != nil {
			if e.OnError != nil {
				e.OnError(err)
			}

			advance := chunkAdvance(readLen)
			offset += advance
			bytesScanned += advance
			continue
		}

		sectorsWithErrors += uint64(len(failedSectors))

		matches, err := e.scanner.Scan(chunk, offset, 0)
		if err != nil {
			if e.OnError != nil {
				e.OnError(log.Wrap(err))
			}
		} else {
			for _, m := range matches {
				if m.AbsoluteOffset < start || m.AbsoluteOffset >= offset+uint64(len(chunk)) {
					continue
				}

				fileType := recoverable.FileType(m.Label)

				key := dedupKey{offset: m.AbsoluteOffset, typ: fileType}
				if _, dup := e.seen[key]; dup {
					continue
				}
				e.seen[key] = struct{}{}

				sig, found := signature.SignatureForType(fileType)
				if !found {
					continue
				}

				f, ok := e.buildFile(sig, m.AbsoluteOffset)
				if !ok {
					continue
				}

				filesFound++

				if e.OnFile != nil {
					e.OnFile(f)
				}
			}
		}

		advance := chunkAdvance(readLen)
		offset += advance
		bytesScanned += advance

		if started.IsZero() {
			started = time.Now()
		}

		now := time.Now()
		if e.OnProgress != nil && (now.Sub(lastProgress) >= progressInterval || offset >= end) {
			sinceLast := started
			if !lastProgress.IsZero() {
				sinceLast = lastProgress
			}
			lastProgress = now

			pct := 0.0
			if totalBytes > 0 {
				pct = float64(bytesScanned) / float64(totalBytes) * 100
				if pct > 100 {
					pct = 100
				}
			}

			var eta time.Duration
			elapsed := now.Sub(sinceLast)
			if elapsed > 0 && bytesScanned > lastBytesScanned {
				instant := float64(bytesScanned-lastBytesScanned) / elapsed.Seconds()

				if ewmaThroughput == 0 {
					ewmaThroughput = instant
				} else {
					ewmaThroughput = ewmaAlpha*instant + (1-ewmaAlpha)*ewmaThroughput
				}
			}

			if ewmaThroughput > 0 && bytesScanned < totalBytes {
				remaining := float64(totalBytes - bytesScanned)
				eta = time.Duration(remaining/ewmaThroughput) * time.Second
			}

			lastBytesScanned = bytesScanned

			e.OnProgress(Progress{
				BytesScanned:      bytesScanned,
				TotalBytes:        totalBytes,
				Percentage:        pct,
				FilesFound:        filesFound,
				SectorsWithErrors: sectorsWithErrors,
				EstimatedRemain:   eta,
			})
		}
	}

	return "completed"
}

// chunkAdvance computes how far to move the window after processing a
// chunk of the given length, leaving Overlap bytes re-presented to the
// scanner unless the chunk itself was shorter than the overlap.
func chunkAdvance(readLen uint64) uint64 {
	if readLen <= Overlap {
		return readLen
	}

	return readLen - Overlap
}

// readChunk reads a chunk with hard-failure fallback to sector-by-sector
// recovery via ReadChunked.
func (e *Engine) readChunk(offset, length uint64) (chunk []byte, failedSectors []uint64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if wrapped, ok := errRaw.(error); ok {
				err = log.Wrap(wrapped)
			} else {
				err = log.Errorf("carving read panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	chunk, readErr := e.source.ReadAt(offset, length)
	if readErr == nil && uint64(len(chunk)) == length {
		return chunk, nil, nil
	}

	chunk, failedSectors, err = e.source.ReadChunked(offset, length, length)
	return chunk, failedSectors, err
}

// buildFile runs the type's Extractor and assembles a RecoverableFile,
// never failing outright per the extractor contract.
func (e *Engine) buildFile(sig recoverable.FileSignature, offset uint64) (recoverable.File, bool) {
	defer func() {
		recover()
	}()

	source := adaptSource{e.source}

	// The ZIP local-file-header signature is shared by every Office
	// container; sniff the entry names to split docx from xlsx before
	// dispatching.
	if sig.Type == recoverable.TypeDOCX || sig.Type == recoverable.TypeXLSX {
		if officeType, recognized := extract.ClassifyZIPOffice(source, offset); recognized && officeType != sig.Type {
			sig.Type = officeType
			sig.Extension = string(officeType)
		}
	}

	result := extract.Extract(source, offset, sig)

	recoverability := recoverable.DeriveRecoverability(result.Estimated, result.Size, sig.MinSize)

	fragments := []recoverable.FileFragment{{Offset: offset, Size: result.Size}}

	f := recoverable.NewFile(sig.Type, sig.Category, offset, result.Size, result.Estimated, sig.Extension, result.Metadata, recoverable.SourceCarving, fragments)
	f.Recoverability = recoverability

	return f, true
}

// adaptSource narrows the carving Source down to the ReadAt-only surface
// extract.Source expects.
type adaptSource struct {
	source Source
}

func (a adaptSource) ReadAt(offset, length uint64) ([]byte, error) {
	return a.source.ReadAt(offset, length)
}
