// Package catalog loads and validates the status catalog of every workflow
// type and serves it from an immutable lookup registry.
package catalog

import (
	"crypto/sha256"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// Loader parses YAML catalog files and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new catalog Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile loads and parses a single YAML catalog file.
func (l *Loader) LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.LoadBytes(data, path)
}

// LoadBytes parses catalog YAML, recording source as its origin.
func (l *Loader) LoadBytes(data []byte, source string) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parsing %s: %w", source, err)
	}
	c.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	c.SourceFile = source
	return c, nil
}

// LoadDefault parses the catalog compiled into the binary.
func (l *Loader) LoadDefault() (Catalog, error) {
	return l.LoadBytes(defaultCatalog, "embedded:default.yaml")
}

// Load returns the catalog at path, or the embedded default when path is
// empty.
func (l *Loader) Load(path string) (Catalog, error) {
	if path == "" {
		return l.LoadDefault()
	}
	return l.LoadFile(path)
}
