// This package defines the shared data model that every filesystem parser,
// extractor, and the carving engine produce and consume.

package recoverable

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileCategory groups FileType values for caller-side filtering.
type FileCategory string

// Recognized file categories.
const (
	CategoryPhoto    FileCategory = "photo"
	CategoryVideo    FileCategory = "video"
	CategoryDocument FileCategory = "document"
	CategoryArchive  FileCategory = "archive"
	CategoryOther    FileCategory = "other"
)

// FileType identifies the specific on-disk format of a recovered file.
type FileType string

// Recognized file types.
const (
	TypeJPEG    FileType = "jpeg"
	TypePNG     FileType = "png"
	TypeMP4     FileType = "mp4"
	TypeMOV     FileType = "mov"
	TypeAVI     FileType = "avi"
	TypeHEIC    FileType = "heic"
	TypeCR2     FileType = "cr2"
	TypeNEF     FileType = "nef"
	TypeARW     FileType = "arw"
	TypePDF     FileType = "pdf"
	TypeDOCX    FileType = "docx"
	TypeXLSX    FileType = "xlsx"
	TypeUnknown FileType = "unknown"
)

// Source identifies which recovery strategy produced a RecoverableFile.
type Source string

// Recognized sources.
const (
	SourceCarving  Source = "carving"
	SourceMetadata Source = "metadata"
)

// Recoverability is a coarse confidence rating for whether the recovered
// bytes are likely to be intact.
type Recoverability string

// Recognized recoverability ratings.
const (
	RecoverabilityGood    Recoverability = "good"
	RecoverabilityPartial Recoverability = "partial"
	RecoverabilityPoor    Recoverability = "poor"
)

// FileSignature is static configuration describing one format's magic
// sequence and size bounds. Signatures never change after program start.
type FileSignature struct {
	Type         FileType
	Category     FileCategory
	Extension    string
	Header       []byte
	HeaderOffset uint
	Footer       []byte
	MinSize      uint64
	MaxSize      uint64
}

// String returns a descriptive string.
func (fs FileSignature) String() string {
	return fmt.Sprintf("FileSignature<TYPE=[%s] EXT=[%s] HEADER-OFFSET=(%d) MIN=(%d) MAX=(%d)>",
		fs.Type, fs.Extension, fs.HeaderOffset, fs.MinSize, fs.MaxSize)
}

// SignatureMatch is one hit emitted by the signature scanner.
type SignatureMatch struct {
	Type           FileType
	AbsoluteOffset uint64
	HeaderOffset   uint
}

// FileMetadata carries optional per-format attributes. All fields are
// optional; a zero value means "not determined".
type FileMetadata struct {
	Width        uint16
	Height       uint16
	Duration     time.Duration
	CreatedAt    *time.Time
	ModifiedAt   *time.Time
	CameraModel  string
	OriginalName string
}

// ExtractionResult is what a format extractor reports for a single
// candidate match.
type ExtractionResult struct {
	Size      uint64
	Estimated bool
	Metadata  *FileMetadata
}

// FileFragment is one contiguous run of file bytes on the device.
type FileFragment struct {
	Offset uint64
	Size   uint64
}

// File is a single recoverable file record, as produced by either the
// carving engine or a filesystem metadata parser.
type File struct {
	ID             uuid.UUID
	Type           FileType
	Category       FileCategory
	Offset         uint64
	Size           uint64
	SizeEstimated  bool
	Name           string
	Extension      string
	Metadata       *FileMetadata
	Recoverability Recoverability
	Source         Source
	Fragments      []FileFragment
}

// String returns a descriptive string.
func (f File) String() string {
	return fmt.Sprintf("RecoverableFile<ID=[%s] TYPE=[%s] OFFSET=(%d) SIZE=(%d) ESTIMATED=[%v] SOURCE=[%s] RECOVERABILITY=[%s]>",
		f.ID, f.Type, f.Offset, f.Size, f.SizeEstimated, f.Source, f.Recoverability)
}

// DeriveRecoverability rates a carved candidate: good iff the size was
// exact at emission; otherwise partial when the size exceeds twice the
// signature's minimum, else poor.
func DeriveRecoverability(sizeEstimated bool, size, minSize uint64) Recoverability {
	if !sizeEstimated {
		return RecoverabilityGood
	}

	if size > 2*minSize {
		return RecoverabilityPartial
	}

	return RecoverabilityPoor
}

// extensionAssignment maps a lowercase extension to the type/category a
// metadata parser should assign a named file when the filesystem itself
// carries no content-sniffing information.
var extensionAssignment = map[string]struct {
	Type     FileType
	Category FileCategory
}{
	"jpg":  {TypeJPEG, CategoryPhoto},
	"jpeg": {TypeJPEG, CategoryPhoto},
	"png":  {TypePNG, CategoryPhoto},
	"mp4":  {TypeMP4, CategoryVideo},
	"mov":  {TypeMOV, CategoryVideo},
	"avi":  {TypeAVI, CategoryVideo},
	"heic": {TypeHEIC, CategoryPhoto},
	"cr2":  {TypeCR2, CategoryPhoto},
	"nef":  {TypeNEF, CategoryPhoto},
	"arw":  {TypeARW, CategoryPhoto},
	"pdf":  {TypePDF, CategoryDocument},
	"docx": {TypeDOCX, CategoryDocument},
	"xlsx": {TypeXLSX, CategoryDocument},
}

// ClassifyExtension maps a lowercase (no leading dot) extension to a
// FileType/FileCategory pair. found is false for any extension not in the
// fixed table, in which case callers should fall back to TypeUnknown /
// CategoryOther rather than guessing.
func ClassifyExtension(ext string) (fileType FileType, category FileCategory, found bool) {
	assignment, found := extensionAssignment[ext]
	if !found {
		return TypeUnknown, CategoryOther, false
	}

	return assignment.Type, assignment.Category, true
}

// NewFile constructs a File with a fresh random ID and fragments/offset
// kept consistent: when fragments are supplied, Offset always equals
// fragments[0].Offset.
func NewFile(fileType FileType, category FileCategory, offset, size uint64, sizeEstimated bool, extension string, metadata *FileMetadata, source Source, fragments []FileFragment) File {
	if len(fragments) > 0 {
		offset = fragments[0].Offset
	}

	return File{
		ID:            uuid.New(),
		Type:          fileType,
		Category:      category,
		Offset:        offset,
		Size:          size,
		SizeEstimated: sizeEstimated,
		Extension:     extension,
		Metadata:      metadata,
		Source:        source,
		Fragments:     fragments,
	}
}
