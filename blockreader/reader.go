// This package implements a sector-aligned block reader with per-sector
// retry/recovery semantics. Failures are wrapped through
// github.com/dsoprea/go-logging rather than threaded raw through every
// call.

package blockreader

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/dsoprea/go-logging"
)

const (
	// SectorSize is the fixed sector granularity this reader operates in.
	SectorSize = 512

	defaultMaxRetries = 3
	defaultBaseDelay  = 10 * time.Millisecond
)

// NotOpen indicates that an operation was attempted before Open succeeded.
type NotOpen struct{}

func (NotOpen) Error() string { return "block reader is not open" }

// AlreadyOpen indicates that Open was called twice on the same reader.
type AlreadyOpen struct{}

func (AlreadyOpen) Error() string { return "block reader is already open" }

// OpenFailed wraps an underlying OS failure to open the device.
type OpenFailed struct {
	Path string
	Err  error
}

func (of OpenFailed) Error() string {
	return fmt.Sprintf("failed to open device [%s]: %v", of.Path, of.Err)
}

// BadSector indicates that a specific sector could not be read after
// exhausting retries, and the caller used the strict ReadAt surface.
type BadSector struct {
	Offset uint64
}

func (bs BadSector) Error() string {
	return fmt.Sprintf("bad sector at offset (%d)", bs.Offset)
}

// Stats tracks cumulative statistics for one open handle. All fields are
// guarded by the owning Reader's mutex.
type Stats struct {
	TotalReads        uint64
	BytesDelivered    uint64
	SectorsUnreadable uint64
	RetriesPerformed  uint64
	FailedSectors     []uint64
}

// Reader is a sector-aligned, read-only accessor over a device or image.
// It is safe for concurrent use; all I/O is serialized through a mutex so
// concurrent scan workers can share one OS handle.
type Reader struct {
	mu sync.Mutex

	f          *os.File
	deviceSize uint64
	isOpen     bool

	maxRetries int
	baseDelay  time.Duration

	stats Stats
}

// NewReader returns an unopened Reader.
func NewReader() *Reader {
	return &Reader{
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
	}
}

// Open acquires a read-only handle on the given path and determines the
// device size, falling back to a bisection probe when the OS reports 0
// (as raw block devices often do).
func (r *Reader) Open(path string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isOpen {
		return AlreadyOpen{}
	}

	f, err := os.Open(path)
	if err != nil {
		return OpenFailed{Path: path, Err: err}
	}

	size, err := deviceSize(f)
	log.PanicIf(err)

	if size == 0 {
		size, err = probeSizeByBisection(f)
		log.PanicIf(err)
	}

	r.f = f
	r.deviceSize = size
	r.isOpen = true
	r.stats = Stats{FailedSectors: make([]uint64, 0)}

	return nil
}

// Close releases the underlying handle.
func (r *Reader) Close() (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isOpen {
		return NotOpen{}
	}

	err = r.f.Close()
	r.isOpen = false

	return err
}

// Size returns the device size determined at Open time.
func (r *Reader) Size() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deviceSize
}

// Stats returns a copy of the current cumulative statistics.
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	failed := make([]uint64, len(r.stats.FailedSectors))
	copy(failed, r.stats.FailedSectors)

	return Stats{
		TotalReads:        r.stats.TotalReads,
		BytesDelivered:    r.stats.BytesDelivered,
		SectorsUnreadable: r.stats.SectorsUnreadable,
		RetriesPerformed:  r.stats.RetriesPerformed,
		FailedSectors:     failed,
	}
}

func deviceSize(f *os.File) (size uint64, err error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if fi.Size() > 0 {
		return uint64(fi.Size()), nil
	}

	// Raw block devices commonly report 0 via Stat; seek-to-end is the
	// next cheapest probe before falling back to bisection.
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, nil
	}

	if end > 0 {
		return uint64(end), nil
	}

	return 0, nil
}

// probeSizeByBisection finds the highest sector-aligned offset that still
// reads successfully, by bisecting between a known-readable offset and a
// known-unreadable one, and returns the byte offset just past that sector
// (the probed device size).
func probeSizeByBisection(f *os.File) (size uint64, err error) {
	buf := make([]byte, SectorSize)

	readableAt := func(offset uint64) bool {
		_, serr := f.Seek(int64(offset), io.SeekStart)
		if serr != nil {
			return false
		}

		n, rerr := f.Read(buf)
		return rerr == nil && n == SectorSize
	}

	if !readableAt(0) {
		return 0, nil
	}

	low := uint64(0)
	high := uint64(1)

	for readableAt(high * SectorSize) {
		low = high
		high *= 2

		// Guard against pathological devices; 2^53 sectors is far beyond
		// any plausible block device and keeps this loop bounded.
		if high > (uint64(1) << 53) {
			break
		}
	}

	for high-low > 1 {
		mid := low + (high-low)/2

		if readableAt(mid * SectorSize) {
			low = mid
		} else {
			high = mid
		}
	}

	return (low + 1) * SectorSize, nil
}

func alignDown(offset uint64) uint64 {
	return offset - (offset % SectorSize)
}

func alignUp(offset uint64) uint64 {
	rem := offset % SectorSize
	if rem == 0 {
		return offset
	}

	return offset + (SectorSize - rem)
}

// readSectorWithRetry reads exactly one sector at the given sector-aligned
// offset, retrying failures up to maxRetries times with exponential
// backoff (base delay doubled each attempt).
func (r *Reader) readSectorWithRetry(offset uint64) (data []byte, ok bool) {
	data = make([]byte, SectorSize)

	delay := r.baseDelay

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		n, err := r.f.ReadAt(data, int64(offset))
		if err == nil && n == SectorSize {
			return data, true
		}

		if attempt < r.maxRetries {
			r.stats.RetriesPerformed++
			time.Sleep(delay)
			delay *= 2
		}
	}

	return data, false
}

// ReadAt performs a strict sector-aligned read: the window is rounded
// outward to sector boundaries, each sector is read with retry, and any
// sector that remains unreadable fails the whole call with BadSector.
func (r *Reader) ReadAt(offset uint64, length uint64) (out []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isOpen {
		return nil, NotOpen{}
	}

	if offset >= r.deviceSize {
		return []byte{}, nil
	}

	if offset+length > r.deviceSize {
		length = r.deviceSize - offset
	}

	alignedStart := alignDown(offset)
	alignedEnd := alignUp(offset + length)

	buf := make([]byte, 0, alignedEnd-alignedStart)

	for cur := alignedStart; cur < alignedEnd; cur += SectorSize {
		sector, ok := r.readSectorWithRetry(cur)
		r.stats.TotalReads++

		if !ok {
			r.stats.SectorsUnreadable++
			r.stats.FailedSectors = append(r.stats.FailedSectors, cur)
			return nil, BadSector{Offset: cur}
		}

		buf = append(buf, sector...)
	}

	windowStart := offset - alignedStart
	windowEnd := windowStart + length

	result := buf[windowStart:windowEnd]
	r.stats.BytesDelivered += uint64(len(result))

	return result, nil
}

// ReadChunked behaves like ReadAt but never fails on a bad sector: every
// unreadable sector is zero-filled and its offset accumulated into
// failedSectors. End-of-device short reads terminate the read normally
// (the returned slice is shorter than requested, with no error).
func (r *Reader) ReadChunked(offset uint64, length uint64, chunkSize uint64) (out []byte, failedSectors []uint64, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("error not an error: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw)
			}
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isOpen {
		return nil, nil, NotOpen{}
	}

	if chunkSize == 0 {
		chunkSize = length
	}

	if offset >= r.deviceSize {
		return []byte{}, nil, nil
	}

	effectiveLength := length
	if offset+effectiveLength > r.deviceSize {
		effectiveLength = r.deviceSize - offset
	}

	alignedStart := alignDown(offset)
	alignedEnd := alignUp(offset + effectiveLength)

	buf := make([]byte, 0, alignedEnd-alignedStart)
	failedSectors = make([]uint64, 0)

	for cur := alignedStart; cur < alignedEnd; cur += SectorSize {
		sector, ok := r.readSectorWithRetry(cur)
		r.stats.TotalReads++

		if !ok {
			r.stats.SectorsUnreadable++
			r.stats.FailedSectors = append(r.stats.FailedSectors, cur)
			failedSectors = append(failedSectors, cur)
			sector = make([]byte, SectorSize)
		}

		buf = append(buf, sector...)
	}

	windowStart := offset - alignedStart
	windowEnd := windowStart + effectiveLength

	result := buf[windowStart:windowEnd]
	r.stats.BytesDelivered += uint64(len(result))

	return result, failedSectors, nil
}
