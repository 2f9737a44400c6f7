// This file implements filesystem detection for the quick-scan path:
// each parser's boot-sector/superblock validation already returns
// ok=false rather than an error, so detection is simply "try each parser
// in turn and keep the first that accepts the volume".

package session

import (
	"io"

	"github.com/dsoprea/go-recover/exfat"
	"github.com/dsoprea/go-recover/ext4"
	"github.com/dsoprea/go-recover/fat32"
	"github.com/dsoprea/go-recover/hfsplus"
	"github.com/dsoprea/go-recover/ntfs"
	"github.com/dsoprea/go-recover/recoverable"
)

// filesystemKind identifies which metadata parser, if any, matched the
// volume's boot sector/superblock.
type filesystemKind int

// Recognized filesystem kinds. fsAPFS is detected but never parsed.
const (
	fsUnknown filesystemKind = iota
	fsFAT32
	fsExFAT
	fsNTFS
	fsExt4
	fsHFSPlus
	fsAPFS
)

// apfsMagic is the NXSB container-superblock signature at byte offset 32
// of an APFS container's first block.
var apfsMagic = [4]byte{'N', 'X', 'S', 'B'}

const apfsMagicOffset = 32

// detectFilesystem tries each parser's own validation in turn, cheapest
// and most specific first, and reports the first that accepts the volume.
// It never errors: an unrecognized volume reports fsUnknown, same as any
// single parser's own "not this filesystem" contract.
func detectFilesystem(source Source) filesystemKind {
	if _, ok := fat32.NewParser(source); ok {
		return fsFAT32
	}

	if looksLikeExFAT(source) {
		return fsExFAT
	}

	if _, ok := ntfs.NewParser(source); ok {
		return fsNTFS
	}

	if _, ok := ext4.NewParser(source); ok {
		return fsExt4
	}

	if _, ok := hfsplus.NewParser(source); ok {
		return fsHFSPlus
	}

	if looksLikeAPFS(source) {
		return fsAPFS
	}

	return fsUnknown
}

// looksLikeExFAT peeks at the boot sector's OEM name field without fully
// constructing an ExfatReader, since exfat.NewExfatReader takes an
// io.ReadSeeker rather than this package's absolute-offset Source.
func looksLikeExFAT(source Source) bool {
	raw, err := source.ReadAt(3, 8)
	if err != nil || len(raw) < 8 {
		return false
	}

	return string(raw) == "EXFAT   "
}

// looksLikeAPFS checks the container superblock magic; APFS volumes are
// reported to the caller as detected-but-unsupported rather than silently
// dropped.
func looksLikeAPFS(source Source) bool {
	raw, err := source.ReadAt(0, apfsMagicOffset+4)
	if err != nil || len(raw) < apfsMagicOffset+4 {
		return false
	}

	return raw[apfsMagicOffset] == apfsMagic[0] &&
		raw[apfsMagicOffset+1] == apfsMagic[1] &&
		raw[apfsMagicOffset+2] == apfsMagic[2] &&
		raw[apfsMagicOffset+3] == apfsMagic[3]
}

func fat32ParserFor(source Source) (*fat32.Parser, bool) {
	return fat32.NewParser(source)
}

func ntfsParserFor(source Source) (*ntfs.Parser, bool) {
	return ntfs.NewParser(source)
}

func ext4ParserFor(source Source) (*ext4.Parser, bool) {
	return ext4.NewParser(source)
}

// runMetadataScan walks the detected filesystem's deleted-entry metadata
// and returns one RecoverableFile per entry found. It never errors: an
// unparseable or unsupported filesystem simply yields no files, and the
// carving-fallback path picks up the slack.
func runMetadataScan(kind filesystemKind, source Source) []recoverable.File {
	switch kind {
	case fsFAT32:
		p, ok := fat32.NewParser(source)
		if !ok {
			return nil
		}
		return p.Parse()

	case fsExFAT:
		er := exfat.NewExfatReader(&readSeekerAdapter{source: source})
		if err := er.Parse(); err != nil {
			return nil
		}
		return exfat.NewDeletedScanner(er).Scan()

	case fsNTFS:
		p, ok := ntfs.NewParser(source)
		if !ok {
			return nil
		}
		return p.Parse()

	case fsExt4:
		p, ok := ext4.NewParser(source)
		if !ok {
			return nil
		}
		return p.Parse()

	case fsHFSPlus:
		p, ok := hfsplus.NewParser(source)
		if !ok {
			return nil
		}
		return p.Parse()

	default:
		// fsAPFS and fsUnknown: no metadata parser exists to run; carving
		// is this session's only recovery path for this volume.
		return nil
	}
}

// readSeekerAdapter adapts this package's absolute-offset Source into the
// io.ReadSeeker exfat.NewExfatReader expects, tracking a single cursor the
// same way a file handle would.
type readSeekerAdapter struct {
	source Source
	pos    int64
}

func (a *readSeekerAdapter) Read(p []byte) (int, error) {
	data, err := a.source.ReadAt(uint64(a.pos), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	if len(data) == 0 {
		return 0, io.EOF
	}

	n := copy(p, data)
	a.pos += int64(n)

	return n, nil
}

func (a *readSeekerAdapter) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		a.pos = offset
	case io.SeekCurrent:
		a.pos += offset
	case io.SeekEnd:
		a.pos = int64(a.source.Size()) + offset
	}

	return a.pos, nil
}
