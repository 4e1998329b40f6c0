// Package store persists chat entities. Documents is the authoritative
// flat-file JSON store; History is an optional SQLite mirror of
// completed turns for offline querying.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"llamaterm/internal/logging"
)

// Documents is a flat directory of JSON entity documents, one
// `<id>.json` file per entity.
type Documents struct {
	dir string
}

// NewDocuments opens (creating if needed) the document directory.
func NewDocuments(dir string) (*Documents, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	logging.StoreDebug("Documents ready at %s", dir)
	return &Documents{dir: dir}, nil
}

// Dir returns the backing directory.
func (d *Documents) Dir() string { return d.dir }

// Path returns the file path a given entity id persists to.
func (d *Documents) Path(id string) string {
	return filepath.Join(d.dir, id+".json")
}

// Write persists one entity document.
func (d *Documents) Write(id string, data []byte) error {
	if err := os.WriteFile(d.Path(id), data, 0644); err != nil {
		logging.StoreError("Failed to write document %s: %v", id, err)
		return fmt.Errorf("failed to write document: %w", err)
	}
	logging.StoreDebug("Wrote document %s (%d bytes)", id, len(data))
	return nil
}

// Read loads one entity document.
func (d *Documents) Read(id string) ([]byte, error) {
	data, err := os.ReadFile(d.Path(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return data, nil
}

// Delete removes one entity document. Missing files are not an error.
func (d *Documents) Delete(id string) error {
	err := os.Remove(d.Path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.StoreError("Failed to delete document %s: %v", id, err)
		return fmt.Errorf("failed to delete document: %w", err)
	}
	logging.StoreDebug("Deleted document %s", id)
	return nil
}

// List returns the ids of all documents in the directory, sorted.
func (d *Documents) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
