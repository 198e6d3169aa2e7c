package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Config files are YAML or JSON5, picked by extension, and may pull in
// other files through a $include key (a path or list of paths, relative
// to the including file). Included values are overlaid first, key by
// key, so the including file always wins. ${VAR} references are
// expanded from the environment before parsing.

const includeKey = "$include"

// LoadRaw resolves path and its includes into one merged raw map.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return resolve(abs, nil)
}

// resolve parses one file and overlays its includes beneath it. The
// stack holds the files currently being resolved, for cycle detection.
func resolve(path string, stack []string) (map[string]any, error) {
	for _, open := range stack {
		if open == path {
			return nil, fmt.Errorf("config include cycle: %s -> %s", strings.Join(stack, " -> "), path)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := unmarshalDoc([]byte(os.ExpandEnv(string(data))), filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	merged := map[string]any{}
	stack = append(stack, path)
	for _, inc := range includes {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		sub, err := resolve(inc, stack)
		if err != nil {
			return nil, err
		}
		merged = overlay(merged, sub)
	}
	return overlay(merged, doc), nil
}

func unmarshalDoc(data []byte, ext string) (map[string]any, error) {
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		doc := map[string]any{}
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	default:
		var doc map[string]any
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("expected a single document")
		}
		if doc == nil {
			doc = map[string]any{}
		}
		return doc, nil
	}
}

// popIncludes removes the include directive from doc and returns its
// paths. Both "$include" and a bare "include" key are honored.
func popIncludes(doc map[string]any) ([]string, error) {
	var val any
	for _, key := range []string{includeKey, "include"} {
		if v, ok := doc[key]; ok {
			val = v
			delete(doc, key)
			break
		}
	}
	switch typed := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, len(typed))
		for i, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings")
			}
			paths[i] = s
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings")
	}
}

// overlay merges src into dst key by key. Nested maps merge
// recursively; any other src value replaces dst's.
func overlay(dst, src map[string]any) map[string]any {
	for key, value := range src {
		sub, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		base, ok := dst[key].(map[string]any)
		if !ok {
			base = map[string]any{}
		}
		dst[key] = overlay(base, sub)
	}
	return dst
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
