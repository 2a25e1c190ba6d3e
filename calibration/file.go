package calibration

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// FormatVersion is the version string written into persisted mappings.
const FormatVersion = "1.0"

// mappingFile is the on-disk JSON shape. Unknown fields in the file are
// ignored and missing fields default, so files written by newer tools still
// load.
type mappingFile struct {
	Version       string   `json:"version"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	MappingPoints []Point  `json:"mappingPoints"`
	Metadata      Metadata `json:"metadata"`
}

// Decode reads a persisted mapping. Points are loaded as-is; callers run
// Validate to decide whether the result is usable, so a file with duplicate
// or out-of-range points decodes fine and fails validation instead.
func Decode(r io.Reader) (*Mapping, error) {
	var f mappingFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, errors.Wrap(err, "failed to decode mapping")
	}
	m := &Mapping{
		Name:        f.Name,
		Description: f.Description,
		Metadata:    f.Metadata,
		points:      f.MappingPoints,
	}
	return m, nil
}

// Encode writes the mapping in the persisted format.
func Encode(w io.Writer, m *Mapping) error {
	meta := m.Metadata
	if meta.CreatedAt == 0 {
		meta.CreatedAt = time.Now().UnixMilli()
	}
	f := mappingFile{
		Version:       FormatVersion,
		Name:          m.Name,
		Description:   m.Description,
		MappingPoints: m.Points(),
		Metadata:      meta,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return errors.Wrap(err, "failed to encode mapping")
	}
	return nil
}

// Load reads a mapping from a file on disk.
func Load(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open mapping file %s", path)
	}
	defer f.Close()
	return Decode(f)
}

// Save writes a mapping to a file on disk.
func Save(path string, m *Mapping) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create mapping file %s", path)
	}
	defer f.Close()
	return Encode(f, m)
}
