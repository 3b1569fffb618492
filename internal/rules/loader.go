package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of one venue's trading rules.
type File struct {
	Meta    map[string]any           `yaml:"meta"`
	Symbols map[string]RawSymbolInfo `yaml:"symbols"`
}

// LoadDir reads <dir>/<venue>.yaml for each venue. Missing files are
// skipped so a venue without rules simply has every symbol disabled.
func LoadDir(dir string, venues []string) (map[string]map[string]RawSymbolInfo, error) {
	out := make(map[string]map[string]RawSymbolInfo, len(venues))
	for _, v := range venues {
		path := filepath.Join(dir, v+".yaml")
		f, err := LoadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[v] = f.Symbols
	}
	return out, nil
}

// LoadFile parses a single rules file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("rules: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("rules: parse %s: %w", path, err)
	}
	if f.Symbols == nil {
		f.Symbols = map[string]RawSymbolInfo{}
	}
	return f, nil
}
