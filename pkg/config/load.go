package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/blang/semver/v4"
	"sigs.k8s.io/yaml"
)

// SupportedRange is the semantic-version range this build of the
// reconciler accepts for a config file's version: key. Bump the upper
// bound alongside any breaking change to the File shape.
const SupportedRange = ">=1.0.0 <2.0.0"

// CurrentVersion is assumed when a config file omits version:.
const CurrentVersion = "1.0.0"

// Load reads every YAML/JSON file named by paths (each may be a single
// file or a directory, scanned non-recursively), validates each file
// against the generated JSON Schema before merging it, deep-merges their
// contents in argument order so later files extend or override earlier
// ones, and validates the merged version: key.
func Load(paths []string) (*File, error) {
	var merged File
	for _, p := range paths {
		files, err := filesIn(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", f, err)
			}
			if err := ValidateSchema(data); err != nil {
				return nil, fmt.Errorf("validating %s: %w", f, err)
			}
			var part File
			if err := yaml.Unmarshal(data, &part); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", f, err)
			}
			if err := mergo.Merge(&merged, part, mergo.WithAppendSlice, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merging %s: %w", f, err)
			}
		}
	}

	if err := validateVersion(merged.Version); err != nil {
		return nil, err
	}
	if merged.Version == "" {
		merged.Version = CurrentVersion
	}
	return &merged, nil
}

func validateVersion(v string) error {
	if v == "" {
		return nil
	}
	parsed, err := semver.Parse(v)
	if err != nil {
		return fmt.Errorf("parsing version %q: %w", v, err)
	}
	rng, err := semver.ParseRange(SupportedRange)
	if err != nil {
		return fmt.Errorf("parsing supported range: %w", err)
	}
	if !rng(parsed) {
		return fmt.Errorf("config version %s is outside the supported range %s", v, SupportedRange)
	}
	return nil
}

// filesIn returns the sorted set of YAML/JSON files fileOrDir names: the
// single file itself, or every .yaml/.yml/.json file directly inside it
// if it is a directory.
func filesIn(fileOrDir string) ([]string, error) {
	info, err := os.Stat(fileOrDir)
	if err != nil {
		return nil, fmt.Errorf("reading config path %s: %w", fileOrDir, err)
	}
	if !info.IsDir() {
		return []string{fileOrDir}, nil
	}

	entries, err := os.ReadDir(fileOrDir)
	if err != nil {
		return nil, fmt.Errorf("reading config directory %s: %w", fileOrDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(fileOrDir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
