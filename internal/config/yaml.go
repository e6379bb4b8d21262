package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"
)

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// toJSON returns data as JSON so one strict decoder serves both formats.
// YAML input must be a single document with string keys.
func toJSON(path string, data []byte) ([]byte, string, error) {
	format := formatOf(path)
	if format == formatJSON {
		return data, format, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, format, errors.New("invalid config: empty yaml document")
		}
		return nil, format, fmt.Errorf("decode yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, format, errors.New("invalid config: trailing data")
		}
		return nil, format, fmt.Errorf("decode yaml: %w", err)
	}

	doc, err := stringKeys(doc, "")
	if err != nil {
		return nil, format, err
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, format, fmt.Errorf("encode yaml as json: %w", err)
	}
	return out, format, nil
}

// stringKeys rewrites nested maps to map[string]any. Non-string keys fail
// with the dotted path where they appear.
func stringKeys(v any, at string) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			c, err := stringKeys(child, join(at, k))
			if err != nil {
				return nil, err
			}
			x[k] = c
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, child := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("invalid config: %s: key %v is not a string", orRoot(at), k)
			}
			c, err := stringKeys(child, join(at, ks))
			if err != nil {
				return nil, err
			}
			m[ks] = c
		}
		return m, nil
	case []any:
		for i, child := range x {
			c, err := stringKeys(child, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			x[i] = c
		}
		return x, nil
	default:
		return v, nil
	}
}

func join(at, k string) string {
	if at == "" {
		return k
	}
	return at + "." + k
}

func orRoot(at string) string {
	if at == "" {
		return "root"
	}
	return at
}
