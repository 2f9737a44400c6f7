// JSON encoding for File. Device offsets and sizes are unsigned 64-bit
// throughout but JSON numbers are IEEE-754 doubles, exact only to 2^53, so
// Offset/Size fields cross the wire as decimal strings.

package recoverable

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
)

type jsonFragment struct {
	Offset string `json:"offset"`
	Size   string `json:"size"`
}

type jsonFile struct {
	ID             uuid.UUID      `json:"id"`
	Type           FileType       `json:"type"`
	Category       FileCategory   `json:"category"`
	Offset         string         `json:"offset"`
	Size           string         `json:"size"`
	SizeEstimated  bool           `json:"size_estimated"`
	Name           string         `json:"name,omitempty"`
	Extension      string         `json:"extension,omitempty"`
	Metadata       *FileMetadata  `json:"metadata,omitempty"`
	Recoverability Recoverability `json:"recoverability"`
	Source         Source         `json:"source"`
	Fragments      []jsonFragment `json:"fragments,omitempty"`
}

// MarshalJSON encodes Offset, Size, and every fragment's Offset/Size as
// decimal strings rather than JSON numbers.
func (f File) MarshalJSON() ([]byte, error) {
	jf := jsonFile{
		ID:             f.ID,
		Type:           f.Type,
		Category:       f.Category,
		Offset:         formatUint64(f.Offset),
		Size:           formatUint64(f.Size),
		SizeEstimated:  f.SizeEstimated,
		Name:           f.Name,
		Extension:      f.Extension,
		Metadata:       f.Metadata,
		Recoverability: f.Recoverability,
		Source:         f.Source,
	}

	if len(f.Fragments) > 0 {
		jf.Fragments = make([]jsonFragment, len(f.Fragments))
		for i, frag := range f.Fragments {
			jf.Fragments[i] = jsonFragment{
				Offset: formatUint64(frag.Offset),
				Size:   formatUint64(frag.Size),
			}
		}
	}

	return json.Marshal(jf)
}

func formatUint64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// UnmarshalJSON decodes the wire form MarshalJSON produces, parsing
// Offset/Size and every fragment's Offset/Size back out of their decimal
// string encoding.
func (f *File) UnmarshalJSON(data []byte) error {
	var jf jsonFile

	if err := json.Unmarshal(data, &jf); err != nil {
		return err
	}

	offset, err := strconv.ParseUint(jf.Offset, 10, 64)
	if err != nil {
		return err
	}

	size, err := strconv.ParseUint(jf.Size, 10, 64)
	if err != nil {
		return err
	}

	fragments := make([]FileFragment, len(jf.Fragments))
	for i, jfrag := range jf.Fragments {
		fragOffset, err := strconv.ParseUint(jfrag.Offset, 10, 64)
		if err != nil {
			return err
		}

		fragSize, err := strconv.ParseUint(jfrag.Size, 10, 64)
		if err != nil {
			return err
		}

		fragments[i] = FileFragment{Offset: fragOffset, Size: fragSize}
	}

	f.ID = jf.ID
	f.Type = jf.Type
	f.Category = jf.Category
	f.Offset = offset
	f.Size = size
	f.SizeEstimated = jf.SizeEstimated
	f.Name = jf.Name
	f.Extension = jf.Extension
	f.Metadata = jf.Metadata
	f.Recoverability = jf.Recoverability
	f.Source = jf.Source
	f.Fragments = fragments

	return nil
}
