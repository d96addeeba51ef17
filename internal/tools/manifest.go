// ABOUTME: TOML manifest loading for declared tool capabilities
// ABOUTME: Operators list enabled tools and may override their descriptions

package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

// Manifest declares which tools the gateway exposes to the workflow
// engine. Example:
//
//	[[tool]]
//	name = "clock"
//	description = "Returns the current UTC time."
//
//	[[tool]]
//	name = "sum"
//
//	  [[tool.params]]
//	  name = "values"
//	  type = "number"
//	  required = true
type Manifest struct {
	Tools []Definition `toml:"tool"`
}

// LoadManifest parses a single TOML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	for _, def := range m.Tools {
		if def.Name == "" {
			return nil, fmt.Errorf("manifest %s: tool with empty name", path)
		}
	}
	return &m, nil
}

// LoadManifestDir loads and merges every *.toml manifest in a directory.
// Files are merged in lexical order; a tool declared twice is an error.
func LoadManifestDir(dir string) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading manifest directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	merged := &Manifest{}
	seen := make(map[string]string)
	for _, path := range paths {
		m, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		for _, def := range m.Tools {
			if prev, dup := seen[def.Name]; dup {
				return nil, fmt.Errorf("tool %q declared in both %s and %s", def.Name, prev, path)
			}
			seen[def.Name] = path
			merged.Tools = append(merged.Tools, def)
		}
	}
	return merged, nil
}
