package extract

import (
	"bytes"

	"github.com/dsoprea/go-recover/recoverable"
)

const pdfMaxScanSize = 500 * 1024 * 1024
const pdfScanWindow = 1 << 20

var pdfHeader = []byte("%PDF-")
var pdfEOF = []byte("%%EOF")

// ExtractPDF requires the %PDF- signature at the candidate offset and
// scans forward for the LAST %%EOF occurrence, since incrementally-updated
// PDFs carry multiple revisions and only the final one is authoritative.
func ExtractPDF(source Source, offset uint64, sig recoverable.FileSignature) recoverable.ExtractionResult {
	return withRecovery(sig, func() recoverable.ExtractionResult {
		header := readExact(source, offset, uint64(len(pdfHeader)))
		if !bytes.Equal(header, pdfHeader) {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		lastEOFEnd, found := pdfFindLastEOF(source, offset)
		if !found {
			return recoverable.ExtractionResult{Size: fallbackSize, Estimated: true}
		}

		return recoverable.ExtractionResult{Size: lastEOFEnd - offset, Estimated: false}
	})
}

func pdfFindLastEOF(source Source, offset uint64) (end uint64, found bool) {
	pos := offset
	limit := offset + pdfMaxScanSize
	var lastEnd uint64
	sawAny := false

	for pos < limit {
		window := readUpTo(source, pos, pdfScanWindow)
		if len(window) == 0 {
			break
		}

		searchFrom := 0
		for {
			idx := bytes.Index(window[searchFrom:], pdfEOF)
			if idx < 0 {
				break
			}

			matchPos := pos + uint64(searchFrom+idx) + uint64(len(pdfEOF))
			lastEnd = pdfExtendPastTrailingWhitespace(source, matchPos)
			sawAny = true

			searchFrom += idx + len(pdfEOF)
		}

		if len(window) < pdfScanWindow {
			break
		}

		// Re-scan with a small overlap so an EOF marker spanning the
		// window boundary is not missed.
		pos += uint64(len(window)) - uint64(len(pdfEOF))
	}

	return lastEnd, sawAny
}

func pdfExtendPastTrailingWhitespace(source Source, pos uint64) uint64 {
	const maxTrail = 8
	trail := readUpTo(source, pos, maxTrail)

	end := pos
	for _, b := range trail {
		if b == '\n' || b == '\r' || b == ' ' {
			end++
			continue
		}

		break
	}

	return end
}
