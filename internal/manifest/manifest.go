// Package manifest loads pipeline declarations: YAML files naming a project
// and its nodes, with inline Lua or a reference to a code file.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/acormier/loom/internal/models"
)

func Parse(path string) (*models.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m models.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if m.Project == "" {
		m.Project = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &m, nil
}

func Validate(m *models.Manifest) error {
	if m.Project == "" {
		return fmt.Errorf("manifest must name a project")
	}
	if len(m.Nodes) == 0 {
		return fmt.Errorf("manifest must declare at least one node")
	}

	seen := make(map[string]struct{})
	for _, def := range m.Nodes {
		if def.ID == "" {
			return fmt.Errorf("every node needs an id")
		}
		if _, dup := seen[def.ID]; dup {
			return fmt.Errorf("duplicate node id %q", def.ID)
		}
		seen[def.ID] = struct{}{}

		if _, err := models.ParseKind(def.Kind); err != nil {
			return fmt.Errorf("node %q: %w", def.ID, err)
		}

		if def.Code != "" && def.File != "" {
			return fmt.Errorf("node %q: code and file are mutually exclusive", def.ID)
		}
		if def.Code == "" && def.File == "" {
			return fmt.Errorf("node %q: one of code or file is required", def.ID)
		}
	}

	return nil
}

// ResolveCode returns a node's source text, reading File relative to the
// manifest's directory when the code is not inline.
func ResolveCode(manifestPath string, def *models.NodeDef) (string, error) {
	if def.Code != "" {
		return def.Code, nil
	}

	path := def.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(manifestPath), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("node %q: failed to read code file: %w", def.ID, err)
	}
	return string(data), nil
}
