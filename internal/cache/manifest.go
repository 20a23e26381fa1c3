package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the ordered list of asset URLs a new generation must hold
// before it is ready. It is fixed at build time.
type Manifest struct {
	Version string   `yaml:"version"`
	Assets  []string `yaml:"assets"`
}

// LoadManifest reads a YAML manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	seen := make(map[string]bool, len(m.Assets))
	for i, a := range m.Assets {
		a = strings.TrimSpace(a)
		if a == "" {
			return nil, fmt.Errorf("assets[%d] is empty", i)
		}
		if seen[a] {
			return nil, fmt.Errorf("assets[%d] %q is listed twice", i, a)
		}
		seen[a] = true
		m.Assets[i] = a
	}
	return &m, nil
}

// Resolve returns a copy of m whose assets are absolute URLs, resolving
// relative entries against origin.
func (m *Manifest) Resolve(origin *url.URL) (*Manifest, error) {
	out := &Manifest{Version: m.Version, Assets: make([]string, len(m.Assets))}
	for i, a := range m.Assets {
		ref, err := url.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("manifest: asset %q: %w", a, err)
		}
		out.Assets[i] = origin.ResolveReference(ref).String()
	}
	return out, nil
}

// Generation returns the cache generation name for this manifest. Without an
// explicit version the name is derived from the asset list, so any change to
// the manifest yields a new generation.
func (m *Manifest) Generation(prefix string) string {
	version := m.Version
	if version == "" {
		sum := sha256.Sum256([]byte(strings.Join(m.Assets, "\n")))
		version = hex.EncodeToString(sum[:6])
	}
	return prefix + "-" + version
}
