package manifest

import (
	"encoding/json"
	"fmt"
	"os"
)

// Manifest represents the identity contract a host exposes to clients.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	EntryPoint  string   `json:"entry_point"`
	Resources   []string `json:"resources"`
	Tools       []string `json:"tools"`
}

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var mf Manifest
	if err := json.Unmarshal(raw, &mf); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}

	return mf, nil
}

// Merge fills the fields left empty in m from fallback. Tool and resource lists always come
// from fallback when it has them, since the registries are authoritative.
func (m Manifest) Merge(fallback Manifest) Manifest {
	if m.Name == "" {
		m.Name = fallback.Name
	}
	if m.Version == "" {
		m.Version = fallback.Version
	}
	if m.Description == "" {
		m.Description = fallback.Description
	}
	if m.EntryPoint == "" {
		m.EntryPoint = fallback.EntryPoint
	}
	if len(fallback.Tools) > 0 {
		m.Tools = fallback.Tools
	}
	if len(fallback.Resources) > 0 {
		m.Resources = fallback.Resources
	}
	return m
}
