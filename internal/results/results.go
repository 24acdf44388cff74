// Package results reads and writes the accumulated results file. The file
// groups measured series by source file and benchmark instance, so repeated
// harness runs against different suites merge into one document:
//
//	{
//	  "localEngine": "host_release",
//	  "data": {
//	    "suite/map_bench.json": {
//	      "MapLookup(n: 64)": {"values": [512, 498], "iterations": 2000}
//	    }
//	  }
//	}
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mraleph/benchmark-harness/internal/measure"
	"github.com/mraleph/benchmark-harness/pkg/atomicfs"
)

////////////////////////////////////////////////////////////////////////////////

// ErrCorrupt marks a results file that exists but cannot be decoded.
// Callers must surface it instead of silently recreating the file: an
// overwritten results file loses every previously recorded series.
var ErrCorrupt = errors.New("corrupt results file")

// File is the in-memory form of one results document.
type File struct {
	// LocalEngine names the locally built engine the series were recorded
	// against, when one was used instead of a downloaded build.
	LocalEngine *string `json:"localEngine,omitempty"`

	// Data maps source file -> benchmark instance -> measured series.
	Data map[string]map[string]measure.Series `json:"data"`
}

func New() *File {
	return &File{Data: make(map[string]map[string]measure.Series)}
}

////////////////////////////////////////////////////////////////////////////////

// Load reads a results file. A missing file is an empty document; an
// undecodable one fails with ErrCorrupt.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read results file %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode results file %s: %w", path, errors.Join(ErrCorrupt, err))
	}
	if f.Data == nil {
		f.Data = make(map[string]map[string]measure.Series)
	}
	return &f, nil
}

// Merge records one measured series, replacing any previous series for the
// same source file and instance. The latest run wins.
func (f *File) Merge(source, instance string, s measure.Series) {
	byInstance, ok := f.Data[source]
	if !ok {
		byInstance = make(map[string]measure.Series)
		f.Data[source] = byInstance
	}
	byInstance[instance] = s
}

// Lookup returns the recorded series for one instance.
func (f *File) Lookup(source, instance string) (measure.Series, bool) {
	s, ok := f.Data[source][instance]
	return s, ok
}

// Save atomically writes the document, creating parent directories as
// needed. A crash mid-save leaves the previous file intact.
func (f *File) Save(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results file: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	return atomicfs.WriteFile(path, data, 0644)
}
