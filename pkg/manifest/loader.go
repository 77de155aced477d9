package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// format is the source encoding of a manifest.
type format int

const (
	formatAuto format = iota
	formatYAML
	formatJSON
)

func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatAuto
	}
}

// Load reads a manifest file, validates it and applies defaults.
//
// .json files are parsed as JSON and .yaml/.yml as YAML; anything else is
// tried as YAML, then JSON. Relative script and extract paths resolve
// against the file's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("manifest file not found: %s", path)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("permission denied reading manifest: %s", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	m, err := LoadFromBytes(data, path)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		m.baseDir = filepath.Dir(abs)
	}
	return m, nil
}

// LoadFromBytes validates and decodes a manifest. path only selects the
// format and may be empty.
//
// The document is normalized to JSON once. Schema validation runs on that
// form, so unknown fields are rejected before the typed decode drops them.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	doc, err := normalize(data, formatOf(path))
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.ApplyDefaults()
	if err := m.Check(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFromReader reads r fully and calls LoadFromBytes.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// normalize returns the document as JSON.
func normalize(data []byte, f format) ([]byte, error) {
	switch f {
	case formatJSON:
		if !json.Valid(data) {
			var raw any
			err := json.Unmarshal(data, &raw)
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	case formatYAML:
		return yamlToJSON(data)
	}

	// YAML is a superset of JSON, so it usually decides alone.
	doc, yamlErr := yamlToJSON(data)
	if yamlErr == nil {
		return doc, nil
	}
	if json.Valid(data) {
		return data, nil
	}
	return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", yamlErr)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, fmt.Errorf("invalid YAML in manifest: top level must be a mapping, got %T", raw)
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return doc, nil
}
