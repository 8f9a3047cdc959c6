// Package schema loads and validates the per-category field definitions that
// every item in a namespace is checked against.
package schema

import "slices"

// FieldType is the closed set of field variants.
type FieldType string

const (
	TypeText   FieldType = "text"
	TypeNumber FieldType = "number"
	TypeList   FieldType = "list"
	TypeCount  FieldType = "count"
	TypeSum    FieldType = "sum"
	TypeDate   FieldType = "date"
)

// Derived reports whether values of this type are computed at read time.
func (t FieldType) Derived() bool {
	return t == TypeCount || t == TypeSum
}

// Source says where a field's value comes from.
type Source string

const (
	SourceNone    Source = "NONE"
	SourceIDS     Source = "IDS"     // canonical ids of other items
	SourcePhysIDs Source = "PHYSIDS" // external ids from the identity index
)

// Field is one field definition of a category.
type Field struct {
	Name    string    `json:"name" yaml:"name"`
	Type    FieldType `json:"type" yaml:"type"`
	Source  Source    `json:"source,omitempty" yaml:"source,omitempty"`
	Default string    `json:"default,omitempty" yaml:"default,omitempty"`
	Cat     []string  `json:"cat,omitempty" yaml:"cat,omitempty"`
	Target  string    `json:"target,omitempty" yaml:"target,omitempty"`
}

// Derived reports whether the field is never written by callers: count and
// sum fields, and fields mirrored from the identity index.
func (f Field) Derived() bool {
	return f.Type.Derived() || f.Source == SourcePhysIDs
}

// Category is the contract for one item category.
type Category struct {
	Name      string   `json:"name" yaml:"name"`
	NameField string   `json:"name_field" yaml:"name_field"`
	Keys      []string `json:"keys,omitempty" yaml:"keys,omitempty"`
	Flags     []string `json:"flags,omitempty" yaml:"flags,omitempty"`
	Lock      string   `json:"lock,omitempty" yaml:"lock,omitempty"`
	Fields    []Field  `json:"fields" yaml:"fields"`
}

// Field looks up a field by name.
func (c Category) Field(name string) (Field, bool) {
	i := slices.IndexFunc(c.Fields, func(f Field) bool { return f.Name == name })
	if i < 0 {
		return Field{}, false
	}
	return c.Fields[i], true
}

// Definition is a parsed schema file in declaration order.
type Definition struct {
	Version    string     `json:"version" yaml:"version"`
	Categories []Category `json:"categories" yaml:"categories"`
}

// Root categories that must each hold exactly one item per namespace.
const (
	CategoryEvacuation = "Evacuation"
	CategoryTrash      = "Trash"
)
