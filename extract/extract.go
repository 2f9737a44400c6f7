// This package implements the per-format file extractors: given a byte
// source and a candidate offset where a signature matched, each extractor
// determines the file's true extent and whatever metadata it can recover
// without ever failing outright. Internal parse failures panic, and the
// shared recovery wrapper converts the panic into a conservative estimated
// result rather than an error, so a single corrupt candidate can never
// abort an enclosing scan.

package extract

import (
	"reflect"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-recover/recoverable"
)

// fallbackSize is the conservative estimate returned when an extractor's
// internal walk fails outright.
const fallbackSize = 64 * 1024

// Source is the minimal read surface an extractor needs. blockreader.Reader
// and any other absolute-offset byte source satisfies this.
type Source interface {
	ReadAt(offset uint64, length uint64) ([]byte, error)
}

// Extractor determines a candidate file's extent and metadata.
type Extractor func(source Source, offset uint64, sig recoverable.FileSignature) recoverable.ExtractionResult

// Registry maps each recognized FileType to its Extractor.
var Registry = map[recoverable.FileType]Extractor{
	recoverable.TypeJPEG: ExtractJPEG,
	recoverable.TypePNG:  ExtractPNG,
	recoverable.TypeMP4:  ExtractMP4,
	recoverable.TypeMOV:  ExtractMP4,
	recoverable.TypeAVI:  ExtractAVI,
	recoverable.TypeHEIC: ExtractHEIC,
	recoverable.TypeCR2:  ExtractTIFFRAW,
	recoverable.TypeNEF:  ExtractTIFFRAW,
	recoverable.TypeARW:  ExtractTIFFRAW,
	recoverable.TypePDF:  ExtractPDF,
	recoverable.TypeDOCX: ExtractZIP,
	recoverable.TypeXLSX: ExtractZIP,
}

// Extract dispatches to the registered Extractor for sig.Type, returning
// the fallback estimate for any type with no registered extractor.
func Extract(source Source, offset uint64, sig recoverable.FileSignature) recoverable.ExtractionResult {
	extractor, found := Registry[sig.Type]
	if !found {
		return clampResult(recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}, sig)
	}

	return extractor(source, offset, sig)
}

// clampResult enforces that the returned size lies in [sig.MinSize,
// sig.MaxSize], marking the result estimated when clamping changed it.
func clampResult(result recoverable.ExtractionResult, sig recoverable.FileSignature) recoverable.ExtractionResult {
	if sig.MinSize > 0 && result.Size < sig.MinSize {
		result.Size = sig.MinSize
		result.Estimated = true
	}

	if sig.MaxSize > 0 && result.Size > sig.MaxSize {
		result.Size = sig.MaxSize
		result.Estimated = true
	}

	return result
}

// withRecovery runs body and converts any panic into the conservative
// fallback result rather than letting it escape, since extractors must
// never throw.
func withRecovery(sig recoverable.FileSignature, body func() recoverable.ExtractionResult) (result recoverable.ExtractionResult) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if err, ok := errRaw.(error); ok {
				log.PrintError(log.Wrap(err))
			} else {
				log.PrintError(log.Errorf("extractor panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw))
			}

			result = clampResult(recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}, sig)
		}
	}()

	return clampResult(body(), sig)
}

// readExact reads exactly length bytes at offset, panicking (caught by the
// caller's withRecovery) if fewer are available.
func readExact(source Source, offset uint64, length uint64) []byte {
	data, err := source.ReadAt(offset, length)
	log.PanicIf(err)

	if uint64(len(data)) < length {
		log.Panicf("short read at offset (%d): wanted (%d), got (%d)", offset, length, len(data))
	}

	return data
}

// readUpTo reads at most length bytes at offset, returning whatever is
// available rather than panicking on a short read (useful for brute-force
// tail scans near the end of a device).
func readUpTo(source Source, offset uint64, length uint64) []byte {
	data, err := source.ReadAt(offset, length)
	log.PanicIf(err)

	return data
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}
