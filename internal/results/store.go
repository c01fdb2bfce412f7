// Package results persists node outputs on disk, one directory per project.
// Tables are written as CSV, charts and plain structures as JSON.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/acormier/loom/internal/models"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Save encodes value in the given format and writes it atomically. The
// returned ResultRef's location is relative to the store's base directory.
// FormatNone produces a marker-only ref with no file.
func (s *Store) Save(projectID, nodeID string, value any, format models.ResultFormat) (models.ResultRef, error) {
	if format == models.FormatNone {
		return models.ResultRef{Format: models.FormatNone}, nil
	}

	var data []byte
	var err error
	switch format {
	case models.FormatTable:
		data, err = encodeTable(value)
	case models.FormatJSON, models.FormatChart:
		data, err = json.MarshalIndent(value, "", "  ")
	default:
		return models.ResultRef{}, fmt.Errorf("unknown result format %q", format)
	}
	if err != nil {
		return models.ResultRef{}, fmt.Errorf("failed to encode result for node %q: %w", nodeID, err)
	}

	rel := filepath.Join(projectID, nodeID+extension(format))
	abs := filepath.Join(s.baseDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return models.ResultRef{}, fmt.Errorf("failed to create results directory: %w", err)
	}

	// Write-then-rename so a crash mid-write never leaves a truncated result
	// behind a committed descriptor.
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return models.ResultRef{}, fmt.Errorf("failed to write result: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return models.ResultRef{}, fmt.Errorf("failed to finalize result: %w", err)
	}

	return models.ResultRef{Format: format, Location: rel}, nil
}

// Load reads a persisted result back into the Go shapes that Save accepted.
// A missing or corrupt file returns an error; callers fall back to
// re-execution.
func (s *Store) Load(ref models.ResultRef) (any, error) {
	if ref.Format == models.FormatNone {
		return nil, fmt.Errorf("result holds no reloadable artifact")
	}

	data, err := os.ReadFile(filepath.Join(s.baseDir, ref.Location))
	if err != nil {
		return nil, fmt.Errorf("failed to read result %s: %w", ref.Location, err)
	}

	switch ref.Format {
	case models.FormatTable:
		return decodeTable(data)
	case models.FormatJSON, models.FormatChart:
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("corrupt result %s: %w", ref.Location, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown result format %q", ref.Format)
	}
}

// RemoveProject deletes every persisted result for a project.
func (s *Store) RemoveProject(projectID string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, projectID))
}

func extension(format models.ResultFormat) string {
	switch format {
	case models.FormatTable:
		return ".csv"
	case models.FormatChart:
		return ".chart.json"
	default:
		return ".json"
	}
}
