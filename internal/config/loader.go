package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Files may pull in others with "$include" (or "include"): a path or a list
// of paths relative to the including file. Included files are merged first,
// in order, and the including file wins.
const includeKey = "$include"

// Load reads path, resolves includes and environment references, and
// returns the validated configuration with defaults applied.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRaw reads path into a generic map with every include merged in.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &loader{active: make(map[string]bool)}
	return l.load(path)
}

type loader struct {
	// active holds the files on the current include chain.
	active map[string]bool
}

func (l *loader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	l.active[abs] = true
	defer delete(l.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parse(expandEnv(data), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := make(map[string]any)
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		overlay(merged, sub)
	}
	overlay(merged, doc)
	return merged, nil
}

// expandEnv substitutes ${VAR} and $VAR, leaving the include key intact.
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), func(name string) string {
		if name == strings.TrimPrefix(includeKey, "$") {
			return includeKey
		}
		return os.Getenv(name)
	}))
}

func parse(data []byte, ext string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && err != io.EOF {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func takeIncludes(doc map[string]any) ([]string, error) {
	var value any
	for _, key := range []string{includeKey, "include"} {
		if v, ok := doc[key]; ok {
			value = v
			delete(doc, key)
		}
	}

	var paths []string
	switch v := value.(type) {
	case nil:
	case string:
		paths = append(paths, v)
	case []any:
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, errors.New("include entries must be strings")
			}
			paths = append(paths, s)
		}
	default:
		return nil, errors.New("include must be a string or list of strings")
	}

	out := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// overlay merges src into dst; nested maps merge, everything else replaces.
func overlay(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			overlay(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// decode re-encodes the merged map and decodes it strictly so unknown keys
// are rejected.
func decode(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	cfg := &Config{Version: CurrentVersion}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
