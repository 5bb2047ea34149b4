// Package loader reads rule files: named rules, with optional example
// records, in JSON or YAML.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Shape identifies how a rule file lays out its rules.
type Shape string

const (
	// ShapeDocument is an object with a "rules" list.
	ShapeDocument Shape = "document"
	// ShapeList is a bare list of rule entries.
	ShapeList Shape = "list"
	// ShapeSingle is a single rule entry object.
	ShapeSingle Shape = "single"
)

// DetectShape auto-detects the layout from file content and path:
//  1. Determine parse format from extension (.yaml/.yml -> YAML, else JSON)
//  2. A top-level list -> ShapeList
//  3. An object with "rules" -> ShapeDocument
//  4. An object with "rule" -> ShapeSingle
//  5. Else error
func DetectShape(data []byte, filePath string) (Shape, error) {
	jsonData, err := toJSON(data, filePath)
	if err != nil {
		return "", err
	}

	trimmed := bytes.TrimSpace(jsonData)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return ShapeList, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return "", fmt.Errorf("parsing JSON: %w", err)
	}
	if hasKey(raw, "rules") {
		return ShapeDocument, nil
	}
	if hasKey(raw, "rule") {
		return ShapeSingle, nil
	}
	return "", fmt.Errorf("unable to detect rule file layout: expected a \"rules\" list, a list of rules, or a single rule")
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func hasKey(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}

// toJSON converts data to JSON bytes, handling YAML conversion if the path
// indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}

// yamlToJSON converts YAML to JSON bytes: YAML -> any -> JSON.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	// yaml.v3 uses map[string]any by default, which is JSON-compatible
	return json.Marshal(raw)
}
