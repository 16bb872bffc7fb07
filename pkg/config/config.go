// Package config loads and validates the reconciler's configuration file
// (spec.md §6): hierarchical YAML naming the database connection, the log
// destination, and the entities/sources the driver registry is built
// from.
//
// It generalises the teacher's pkg/file.getContent — read one-or-many
// YAML/JSON files or directories, deep-merge their contents, validate —
// from Kong declarative config to this engine's entity/source tree.
package config

import (
	"encoding/json"
	"fmt"
)

// File is the merged shape of one or more configuration files.
type File struct {
	Version  string                  `json:"version,omitempty"`
	Database string                  `json:"database,omitempty"`
	Logging  string                  `json:"logging,omitempty"`
	Entities map[string]EntityConfig `json:"entities,omitempty"`
}

// EntityConfig is one entities.<entity> subtree: the list of enabled
// source names plus each named source's own configuration, keyed
// directly under the entity (entities.<entity>.<source>.*) rather than
// under a nested "sources" key, per spec.md §6.
type EntityConfig struct {
	Enabled []string                `json:"enabled,omitempty"`
	Sources map[string]SourceConfig `json:"-"`
}

// UnmarshalJSON splits the "enabled" field from every other key, which
// are each a source's own configuration.
func (e *EntityConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if enabled, ok := raw["enabled"]; ok {
		if err := json.Unmarshal(enabled, &e.Enabled); err != nil {
			return fmt.Errorf("decoding enabled: %w", err)
		}
		delete(raw, "enabled")
	}
	if len(raw) == 0 {
		return nil
	}
	e.Sources = make(map[string]SourceConfig, len(raw))
	for name, body := range raw {
		var sc SourceConfig
		if err := json.Unmarshal(body, &sc); err != nil {
			return fmt.Errorf("decoding source %q: %w", name, err)
		}
		e.Sources[name] = sc
	}
	return nil
}

// MarshalJSON re-flattens Sources back alongside Enabled, the inverse of
// UnmarshalJSON, so a loaded File can be re-encoded without losing the
// per-source keys.
func (e EntityConfig) MarshalJSON() ([]byte, error) {
	raw := make(map[string]json.RawMessage, len(e.Sources)+1)
	if len(e.Enabled) > 0 {
		b, err := json.Marshal(e.Enabled)
		if err != nil {
			return nil, err
		}
		raw["enabled"] = b
	}
	for name, sc := range e.Sources {
		b, err := json.Marshal(sc)
		if err != nil {
			return nil, err
		}
		raw[name] = b
	}
	return json.Marshal(raw)
}

// SourceConfig is one entities.<entity>.<source> subtree. Type selects
// which reference driver binds to it; the remaining fields are that
// driver's own configuration, flattened by ToDriverConfig into the
// string bag pkg/driver.Config expects.
type SourceConfig struct {
	// Type is "shell" (the default, for entities.<entity>.<source>.{create,
	// read,update,delete}) or "http".
	Type string `json:"type,omitempty"`

	// Shell driver fields.
	Create          string `json:"create,omitempty"`
	Read            string `json:"read,omitempty"`
	Update          string `json:"update,omitempty"`
	Delete          string `json:"delete,omitempty"`
	NotFoundPattern string `json:"not_found_pattern,omitempty"`

	// HTTP driver fields.
	BaseURL       string `json:"base_url,omitempty"`
	CookieJar     string `json:"cookie_jar,omitempty"`
	TimeoutSecond int    `json:"timeout_seconds,omitempty"`
}

// DriverType returns Type, defaulting to "shell".
func (s SourceConfig) DriverType() string {
	if s.Type == "" {
		return "shell"
	}
	return s.Type
}
