// Package document defines the JSON document model shared by every database
// of a namespace, plus canonical serialization and revision tokens.
//
// Documents are decoded with json.Number so numeric field values keep the
// exact text the operator entered.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
)

// Reserved and well-known keys.
const (
	FieldID       = "_id"
	FieldRev      = "_rev"
	FieldDeleted  = "_deleted"
	FieldCategory = "category"
	FieldFlags    = "flags"
)

// Doc is a single stored document.
type Doc map[string]any

// ID returns the document id or "".
func (d Doc) ID() string { return d.Str(FieldID) }

// Rev returns the revision token or "".
func (d Doc) Rev() string { return d.Str(FieldRev) }

// Category returns the item category or "".
func (d Doc) Category() string { return d.Str(FieldCategory) }

// Str returns the field rendered as text. Strings are returned as-is,
// numbers in their decimal form, missing fields as "".
func (d Doc) Str(field string) string {
	v, ok := d[field]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(val)
	}
}

// List returns a list-valued field as strings. A scalar non-empty value is
// returned as a one-element list.
func (d Doc) List(field string) []string {
	switch val := d[field].(type) {
	case nil:
		return nil
	case []string:
		return slices.Clone(val)
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			out = append(out, Doc{"v": e}.Str("v"))
		}
		return out
	default:
		s := d.Str(field)
		if s == "" {
			return nil
		}
		return []string{s}
	}
}

// Flags returns the item's flags.
func (d Doc) Flags() []string { return d.List(FieldFlags) }

// Clone returns a deep copy of the document.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = cloneValue(e)
		}
		return m
	case Doc:
		return val.Clone()
	case []any:
		s := make([]any, len(val))
		for i, e := range val {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		return slices.Clone(val)
	default:
		return val
	}
}

// Body returns a copy without the reserved underscore keys.
func (d Doc) Body() Doc {
	out := d.Clone()
	delete(out, FieldID)
	delete(out, FieldRev)
	delete(out, FieldDeleted)
	return out
}

// Project keeps _id, _rev and the named fields. An empty field list returns
// a full copy.
func (d Doc) Project(fields []string) Doc {
	if len(fields) == 0 {
		return d.Clone()
	}
	out := Doc{}
	for _, k := range append([]string{FieldID, FieldRev}, fields...) {
		if v, ok := d[k]; ok {
			out[k] = cloneValue(v)
		}
	}
	return out
}

// Keys returns the document keys in sorted order.
func (d Doc) Keys() []string {
	return slices.Sorted(maps.Keys(d))
}

// Decode reads one JSON object, keeping numbers as json.Number.
func Decode(r io.Reader) (Doc, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var d Doc
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}

// Parse decodes raw JSON bytes into a Doc.
func Parse(data []byte) (Doc, error) {
	return Decode(bytes.NewReader(data))
}

// Normalize converts typed Go values into the shapes Decode produces so
// documents built in code compare equal to documents read back from a backend.
func Normalize(d Doc) (Doc, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	return Parse(raw)
}
