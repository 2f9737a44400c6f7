// This file adds deleted-entry detection to the navigator: a File Directory
// Entry whose IsInUse() is false (EntryType high bit clear) is a tombstoned
// file set that still carries its name, size, timestamps, and first
// cluster. IsInUse() is a DirectoryEntry method, not something bolted on
// here, so any primary entry type can be asked the same question.

package exfat

import (
	"reflect"
	"strings"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-recover/recoverable"
)

const maxDeletedScanDepth = 64

// ClusterByteOffset converts a cluster number into its absolute byte
// offset on the device, the same math newExfatCluster uses internally.
func (er *ExfatReader) ClusterByteOffset(clusterNumber uint32) uint64 {
	clusterSize := uint64(er.SectorsPerCluster()) * uint64(er.SectorSize())
	clusterHeapOffset := uint64(er.bootRegion.bsh.ClusterHeapOffset) * uint64(er.SectorSize())

	return clusterHeapOffset + clusterSize*uint64(clusterNumber-2)
}

// DeletedScanner walks an exFAT volume's directory tree looking for
// deleted File Directory Entries: the same traversal a live-file listing
// uses, but without filtering out entries whose InUse bit is clear.
type DeletedScanner struct {
	er *ExfatReader
}

// NewDeletedScanner returns a scanner bound to an already-parsed reader.
func NewDeletedScanner(er *ExfatReader) *DeletedScanner {
	return &DeletedScanner{er: er}
}

// Scan walks the live directory tree starting at the root, reporting one
// recoverable.File per deleted File Directory Entry found. Deleted
// subdirectories are not recursed into, since their cluster chain may
// already have been reused by the time the scan runs.
func (ds *DeletedScanner) Scan() (files []recoverable.File) {
	files = make([]recoverable.File, 0)

	ds.walk(ds.er.FirstClusterOfRootDirectory(), &files, 0)

	return files
}

func (ds *DeletedScanner) walk(clusterNumber uint32, files *[]recoverable.File, depth int) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			if err, ok := errRaw.(error); ok {
				log.PrintError(log.Wrap(err))
			} else {
				log.PrintError(log.Errorf("exfat deleted-scan panic: [%s] [%v]", reflect.TypeOf(errRaw).Name(), errRaw))
			}
		}
	}()

	if depth > maxDeletedScanDepth {
		return
	}

	en := NewExfatNavigator(ds.er, clusterNumber)

	liveSubdirectories := make([]uint32, 0)

	cb := func(primaryEntry DirectoryEntry, secondaryEntries []DirectoryEntry) (err error) {
		fdf, ok := primaryEntry.(*ExfatFileDirectoryEntry)
		if !ok {
			return nil
		}

		sede := findStreamExtension(secondaryEntries)

		isDirectory := fdf.FileAttributes.IsDirectory()

		if primaryEntry.IsInUse() {
			if isDirectory && sede != nil && sede.FirstCluster >= 2 {
				liveSubdirectories = append(liveSubdirectories, sede.FirstCluster)
			}

			return nil
		}

		if isDirectory || sede == nil || sede.FirstCluster < 2 {
			return nil
		}

		mf := MultipartFilename(secondaryEntries)
		name := mf.Filename()
		if name == "" {
			name = "_deleted_entry"
		}

		*files = append(*files, buildDeletedFile(ds.er, name, sede))

		return nil
	}

	_, _, err := en.EnumerateDirectoryEntries(cb)
	if err != nil {
		log.PrintError(log.Wrap(err))
		return
	}

	for _, childCluster := range liveSubdirectories {
		ds.walk(childCluster, files, depth+1)
	}
}

func findStreamExtension(secondaryEntries []DirectoryEntry) *ExfatStreamExtensionDirectoryEntry {
	for _, de := range secondaryEntries {
		if sede, ok := de.(*ExfatStreamExtensionDirectoryEntry); ok {
			return sede
		}
	}

	return nil
}

func buildDeletedFile(er *ExfatReader, name string, sede *ExfatStreamExtensionDirectoryEntry) recoverable.File {
	ext := ""
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		ext = strings.ToLower(name[dot+1:])
	}

	fileType, category, found := recoverable.ClassifyExtension(ext)
	if !found {
		fileType, category = recoverable.TypeUnknown, recoverable.CategoryOther
	}

	offset := er.ClusterByteOffset(sede.FirstCluster)
	size := sede.DataLength

	fragments := []recoverable.FileFragment{{Offset: offset, Size: size}}

	f := recoverable.NewFile(fileType, category, offset, size, false, ext, nil, recoverable.SourceMetadata, fragments)
	f.Name = name
	f.Recoverability = recoverable.RecoverabilityGood

	return f
}
