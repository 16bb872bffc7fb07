package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/alecthomas/jsonschema"
	"github.com/xeipuuv/gojsonschema"
	"sigs.k8s.io/yaml"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// sourceConfigSchema is SourceConfig's schema, hand-written rather than
// reflected: SourceConfig is only ever reached through EntityConfig's
// dynamic per-source keys (see entityConfigSchema below), which the
// reflector can't follow on its own since EntityConfig's Sources field is
// tagged json:"-". additionalProperties stays false here, so a typo'd
// field name under entities.<entity>.<source> (e.g. "raed" for "read")
// is still caught, even though the source's own *name* is unconstrained.
func sourceConfigSchema() *jsonschema.Type {
	str := func() *jsonschema.Type { return &jsonschema.Type{Type: "string"} }
	return &jsonschema.Type{
		Type: "object",
		Properties: map[string]*jsonschema.Type{
			"type":              str(),
			"create":            str(),
			"read":              str(),
			"update":            str(),
			"delete":            str(),
			"not_found_pattern": str(),
			"base_url":          str(),
			"cookie_jar":        str(),
			"timeout_seconds":   {Type: "integer"},
		},
		AdditionalProperties: []byte("false"),
	}
}

// entityConfigSchema is EntityConfig's schema: "enabled" is a fixed,
// typed property, but every other key is a source name the operator
// chose and must validate against sourceConfigSchema rather than being
// rejected outright or (the bug this replaces) being left completely
// unchecked.
func entityConfigSchema() (*jsonschema.Type, error) {
	sourceSchemaJSON, err := json.Marshal(sourceConfigSchema())
	if err != nil {
		return nil, fmt.Errorf("marshalling source config schema: %w", err)
	}
	return &jsonschema.Type{
		Type: "object",
		Properties: map[string]*jsonschema.Type{
			"enabled": {Type: "array", Items: &jsonschema.Type{Type: "string"}},
		},
		AdditionalProperties: sourceSchemaJSON,
	}, nil
}

// generatedSchema returns the JSON Schema reflected from File, generated
// once and reused for every validation call. Generating from the struct
// itself (rather than a hand-maintained schema document) keeps the
// top-level schema in lockstep with File's actual fields, so a typo'd
// version/database/logging/entities key is caught early with a
// field-level error instead of silently dropping to the zero value.
// additionalProperties stays at the reflector's strict default (false)
// everywhere except EntityConfig, which gets the TypeMapper escape hatch
// above — the same pattern the teacher's own schema generator
// (pkg/file/codegen/main.go) uses to give kong.Configuration's dynamic
// keys a schema of their own instead of disabling validation globally.
func generatedSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		entitySchema, err := entityConfigSchema()
		if err != nil {
			schemaErr = err
			return
		}

		reflector := &jsonschema.Reflector{ExpandedStruct: true}
		reflector.TypeMapper = func(typ reflect.Type) *jsonschema.Type {
			if typ == reflect.TypeOf(EntityConfig{}) {
				return entitySchema
			}
			return nil
		}
		schema := reflector.Reflect(&File{})
		schemaJSON, schemaErr = schema.MarshalJSON()
	})
	return schemaJSON, schemaErr
}

// ValidateSchema validates raw (YAML or JSON bytes) against the generated
// schema. It runs once per source file, before the file is even
// unmarshalled into a File, so a malformed entities.<entity>.<source> key
// produces a readable field-path error rather than a confusing zero-value
// merge result downstream.
func ValidateSchema(raw []byte) error {
	schema, err := generatedSchema()
	if err != nil {
		return fmt.Errorf("generating config schema: %w", err)
	}

	docJSON, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return fmt.Errorf("converting config to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(docJSON),
	)
	if err != nil {
		return fmt.Errorf("running schema validation: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("config does not match schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}
