package signature

import (
	"reflect"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-recover/recoverable"
)

// KnownSignatures is the static registry of every file format the scanner
// and extractors recognize. Order has no semantic meaning; Scan output is
// always sorted by absolute offset regardless of registration order.
var KnownSignatures = []recoverable.FileSignature{
	{
		Type:         recoverable.TypeJPEG,
		Category:     recoverable.CategoryPhoto,
		Extension:    "jpg",
		Header:       []byte{0xFF, 0xD8, 0xFF},
		HeaderOffset: 0,
		Footer:       []byte{0xFF, 0xD9},
		MinSize:      125,
		MaxSize:      50 * 1024 * 1024,
	},
	{
		Type:         recoverable.TypePNG,
		Category:     recoverable.CategoryPhoto,
		Extension:    "png",
		Header:       []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
		HeaderOffset: 0,
		Footer:       []byte{0x49, 0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82},
		MinSize:      67,
		MaxSize:      100 * 1024 * 1024,
	},
	{
		Type:         recoverable.TypeMP4,
		Category:     recoverable.CategoryVideo,
		Extension:    "mp4",
		Header:       []byte{0x66, 0x74, 0x79, 0x70}, // "ftyp", 4 bytes into the box.
		HeaderOffset: 4,
		MinSize:      1024,
		MaxSize:      10 * 1024 * 1024 * 1024,
	},
	{
		Type:         recoverable.TypeMOV,
		Category:     recoverable.CategoryVideo,
		Extension:    "mov",
		Header:       []byte{0x66, 0x74, 0x79, 0x70, 0x71, 0x74, 0x20, 0x20}, // "ftypqt  ", the QuickTime major brand.
		HeaderOffset: 4,
		MinSize:      1024,
		MaxSize:      10 * 1024 * 1024 * 1024,
	},
	{
		Type:         recoverable.TypeAVI,
		Category:     recoverable.CategoryVideo,
		Extension:    "avi",
		Header:       []byte{0x52, 0x49, 0x46, 0x46}, // "RIFF"
		HeaderOffset: 0,
		MinSize:      512,
		MaxSize:      10 * 1024 * 1024 * 1024,
	},
	{
		Type:         recoverable.TypeHEIC,
		Category:     recoverable.CategoryPhoto,
		Extension:    "heic",
		Header:       []byte{0x66, 0x74, 0x79, 0x70, 0x68, 0x65, 0x69, 0x63}, // "ftypheic"
		HeaderOffset: 4,
		MinSize:      1024,
		MaxSize:      200 * 1024 * 1024,
	},
	{
		Type:         recoverable.TypeCR2,
		Category:     recoverable.CategoryPhoto,
		Extension:    "cr2",
		Header:       []byte{0x49, 0x49, 0x2A, 0x00, 0x10, 0x00, 0x00, 0x00, 0x43, 0x52},
		HeaderOffset: 0,
		MinSize:      4096,
		MaxSize:      150 * 1024 * 1024,
	},
	{
		Type:         recoverable.TypeNEF,
		Category:     recoverable.CategoryPhoto,
		Extension:    "nef",
		Header:       []byte{0x4D, 0x4D, 0x00, 0x2A},
		HeaderOffset: 0,
		MinSize:      4096,
		MaxSize:      150 * 1024 * 1024,
	},
	{
		Type:         recoverable.TypeARW,
		Category:     recoverable.CategoryPhoto,
		Extension:    "arw",
		Header:       []byte{0x49, 0x49, 0x2A, 0x00},
		HeaderOffset: 0,
		MinSize:      4096,
		MaxSize:      150 * 1024 * 1024,
	},
	{
		Type:         recoverable.TypePDF,
		Category:     recoverable.CategoryDocument,
		Extension:    "pdf",
		Header:       []byte{0x25, 0x50, 0x44, 0x46, 0x2D}, // "%PDF-"
		HeaderOffset: 0,
		Footer:       []byte{0x25, 0x25, 0x45, 0x4F, 0x46}, // "%%EOF"
		MinSize:      64,
		MaxSize:      500 * 1024 * 1024,
	},
	{
		Type:         recoverable.TypeDOCX,
		Category:     recoverable.CategoryDocument,
		Extension:    "docx",
		Header:       []byte{0x50, 0x4B, 0x03, 0x04}, // ZIP local-file-header, shared with XLSX/generic ZIP.
		HeaderOffset: 0,
		MinSize:      512,
		MaxSize:      200 * 1024 * 1024,
	},
}

// NewBuiltinScanner returns a Scanner pre-loaded with every KnownSignatures
// header and built, ready to Scan.
func NewBuiltinScanner() (scanner *Scanner, err error) {
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

	scanner = NewScanner()

	for _, sig := range KnownSignatures {
		err := scanner.Add(sig.Header, string(sig.Type), sig.HeaderOffset)
		log.PanicIf(err)
	}

	err = scanner.Build()
	log.PanicIf(err)

	return scanner, nil
}

// SignatureForType returns the registered FileSignature for a type, and
// whether one was found.
func SignatureForType(fileType recoverable.FileType) (sig recoverable.FileSignature, found bool) {
	for _, candidate := range KnownSignatures {
		if candidate.Type == fileType {
			return candidate, true
		}
	}

	return recoverable.FileSignature{}, false
}
