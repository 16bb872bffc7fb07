// Package document implements the canonical tree representation reconciled
// across data sources: an unordered mapping from field path to string value.
package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// PathSeparator joins path segments when a Path is rendered as a single
// string (e.g. for sorting or error messages).
const PathSeparator = "."

// Path is an ordered sequence of non-empty text segments identifying a node
// in a Document.
type Path []string

// String renders p as a dotted path, e.g. "address.city".
func (p Path) String() string {
	return strings.Join(p, PathSeparator)
}

// Equal reports whether p and other name the same path.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of p.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Document is an immutable, unordered mapping from Path to string value.
// The zero value is the empty Document.
type Document struct {
	values map[string]string
}

// Empty returns a Document with no paths.
func Empty() Document {
	return Document{}
}

// New builds a Document from a path->value map, keyed by dotted path
// strings (as produced by Path.String). It is primarily a test helper;
// production code typically builds Documents via Decode.
func New(flat map[string]string) Document {
	if len(flat) == 0 {
		return Empty()
	}
	values := make(map[string]string, len(flat))
	for k, v := range flat {
		values[k] = v
	}
	return Document{values: values}
}

// Get returns the value at path and whether it is present. A missing path
// is distinct from a path holding the empty string.
func (d Document) Get(path Path) (string, bool) {
	v, ok := d.values[path.String()]
	return v, ok
}

// Paths returns the set of paths in d, sorted lexicographically for a
// deterministic iteration order.
func (d Document) Paths() []Path {
	keys := make([]string, 0, len(d.values))
	for k := range d.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) Path {
		if k == "" {
			return Path{}
		}
		return Path(strings.Split(k, PathSeparator))
	})
}

// Len returns the number of paths in d.
func (d Document) Len() int {
	return len(d.values)
}

// Equal reports whether d and other expose the same path->value mapping.
func (d Document) Equal(other Document) bool {
	if len(d.values) != len(other.values) {
		return false
	}
	for k, v := range d.values {
		ov, ok := other.values[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// WithValue returns a copy of d with path set to value.
func (d Document) WithValue(path Path, value string) Document {
	out := make(map[string]string, len(d.values)+1)
	for k, v := range d.values {
		out[k] = v
	}
	out[path.String()] = value
	return Document{values: out}
}

// WithoutPath returns a copy of d with path removed.
func (d Document) WithoutPath(path Path) Document {
	if _, ok := d.values[path.String()]; !ok {
		return d
	}
	out := make(map[string]string, len(d.values))
	for k, v := range d.values {
		if k != path.String() {
			out[k] = v
		}
	}
	return Document{values: out}
}

// Encode renders d as self-describing, nested JSON text: each path segment
// becomes a nested object key, and leaves are JSON strings.
func (d Document) Encode() ([]byte, error) {
	root := map[string]interface{}{}
	for _, p := range d.Paths() {
		v, _ := d.Get(p)
		insertNested(root, p, v)
	}
	b, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return b, nil
}

func insertNested(root map[string]interface{}, path Path, value string) {
	cur := root
	for i, seg := range path {
		if i == len(path)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
}

// Decode parses self-describing JSON text (an object of string keys to
// either strings or nested objects) into a Document. A null leaf becomes
// the empty string; other non-string leaves are coerced to their JSON text
// representation, per spec: "values are coerced to text".
func Decode(data []byte) (Document, error) {
	if len(data) == 0 {
		return Empty(), nil
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return Empty(), fmt.Errorf("decoding document: root is not an object")
	}
	values := map[string]string{}
	flattenResult(nil, parsed, values)
	return Document{values: values}, nil
}

func flattenResult(prefix Path, result gjson.Result, out map[string]string) {
	if result.IsObject() {
		result.ForEach(func(key, value gjson.Result) bool {
			seg := key.String()
			if seg == "" {
				return true
			}
			flattenResult(append(prefix.Clone(), seg), value, out)
			return true
		})
		return
	}
	if len(prefix) == 0 {
		return
	}
	out[prefix.String()] = coerceLeaf(result)
}

func coerceLeaf(result gjson.Result) string {
	switch result.Type {
	case gjson.String:
		return result.Str
	case gjson.Null:
		return ""
	default:
		return result.Raw
	}
}
