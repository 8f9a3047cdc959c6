package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/roach88/dehc/internal/document"
)

// ErrUnknownCategory is returned for a category the schema does not define.
var ErrUnknownCategory = errors.New("unknown category")

// DocID is the id of the persisted schema document in the configs database.
const DocID = "schema"

// Registry answers field questions for a loaded definition. It is immutable
// after Load.
type Registry struct {
	def    Definition
	byName map[string]int
	raw    []byte
}

func newRegistry(def Definition, raw []byte) *Registry {
	byName := make(map[string]int, len(def.Categories))
	for i, c := range def.Categories {
		byName[c.Name] = i
	}
	return &Registry{def: def, byName: byName, raw: slices.Clone(raw)}
}

// Version returns the declared schema version.
func (r *Registry) Version() string { return r.def.Version }

// Definition returns the parsed definition.
func (r *Registry) Definition() Definition { return r.def }

// Raw returns the JSON text the registry was loaded from.
func (r *Registry) Raw() []byte { return slices.Clone(r.raw) }

// Categories returns category names in declaration order.
func (r *Registry) Categories() []string {
	out := make([]string, len(r.def.Categories))
	for i, c := range r.def.Categories {
		out[i] = c.Name
	}
	return out
}

// Category returns one category definition.
func (r *Registry) Category(name string) (Category, error) {
	i, ok := r.byName[name]
	if !ok {
		return Category{}, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
	}
	return r.def.Categories[i], nil
}

// Fields returns all field definitions of a category in declaration order.
func (r *Registry) Fields(cat string) ([]Field, error) {
	c, err := r.Category(cat)
	if err != nil {
		return nil, err
	}
	return slices.Clone(c.Fields), nil
}

// FieldNames returns every field name of a category, derived ones included.
func (r *Registry) FieldNames(cat string) []string {
	c, err := r.Category(cat)
	if err != nil {
		return nil
	}
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Name
	}
	return out
}

// WritableFields returns the fields callers may persist: everything except
// count, sum and PHYSIDS-sourced fields. This is also the CSV column set.
func (r *Registry) WritableFields(cat string) []string {
	c, err := r.Category(cat)
	if err != nil {
		return nil
	}
	var out []string
	for _, f := range c.Fields {
		if !f.Derived() {
			out = append(out, f.Name)
		}
	}
	return out
}

// IDSListFields returns list fields holding canonical ids of other items.
func (r *Registry) IDSListFields(cat string) []string {
	c, err := r.Category(cat)
	if err != nil {
		return nil
	}
	var out []string
	for _, f := range c.Fields {
		if f.Type == TypeList && f.Source == SourceIDS {
			out = append(out, f.Name)
		}
	}
	return out
}

// NameField returns the primary display field of a category.
func (r *Registry) NameField(cat string) string {
	c, err := r.Category(cat)
	if err != nil {
		return ""
	}
	return c.NameField
}

// Keys returns the sort keys of a category.
func (r *Registry) Keys(cat string) []string {
	c, _ := r.Category(cat)
	return slices.Clone(c.Keys)
}

// Flags returns the flag names a category supports.
func (r *Registry) Flags(cat string) []string {
	c, _ := r.Category(cat)
	return slices.Clone(c.Flags)
}

// LockField returns the lock field of a category or "".
func (r *Registry) LockField(cat string) string {
	c, _ := r.Category(cat)
	return c.Lock
}

// Default returns the declared default of a field or "".
func (r *Registry) Default(cat, field string) string {
	c, err := r.Category(cat)
	if err != nil {
		return ""
	}
	f, _ := c.Field(field)
	return f.Default
}

// Sums returns, per category, the fields computed at read time.
func (r *Registry) Sums() map[string][]Field {
	out := make(map[string][]Field)
	for _, c := range r.def.Categories {
		for _, f := range c.Fields {
			if f.Type.Derived() {
				out[c.Name] = append(out[c.Name], f)
			}
		}
	}
	return out
}

// Blank returns a new item of the category with every writable field set
// to its default.
func (r *Registry) Blank(cat string) (document.Doc, error) {
	c, err := r.Category(cat)
	if err != nil {
		return nil, err
	}
	doc := document.Doc{document.FieldCategory: cat}
	for _, f := range c.Fields {
		if f.Derived() {
			continue
		}
		if f.Type == TypeList {
			doc[f.Name] = []any{}
			continue
		}
		doc[f.Name] = f.Default
	}
	return doc, nil
}

// StripDerived removes derived fields from a document before it is written.
func (r *Registry) StripDerived(doc document.Doc) document.Doc {
	out := doc.Clone()
	c, err := r.Category(doc.Category())
	if err != nil {
		return out
	}
	for _, f := range c.Fields {
		if f.Derived() {
			delete(out, f.Name)
		}
	}
	return out
}

// Derive computes count and sum fields for item from its direct children.
// count: children whose category is listed in cat. sum: the target field of
// those children, falling back to the child category's default when empty.
// Unparsable values count as zero.
func (r *Registry) Derive(item document.Doc, children []document.Doc) document.Doc {
	out := document.Doc{}
	c, err := r.Category(item.Category())
	if err != nil {
		return out
	}
	for _, f := range c.Fields {
		switch f.Type {
		case TypeCount:
			n := 0
			for _, child := range children {
				if slices.Contains(f.Cat, child.Category()) {
					n++
				}
			}
			out[f.Name] = json.Number(strconv.Itoa(n))
		case TypeSum:
			total := 0.0
			for _, child := range children {
				if !slices.Contains(f.Cat, child.Category()) {
					continue
				}
				total += r.NumberOrDefault(child, f.Target)
			}
			out[f.Name] = json.Number(strconv.FormatFloat(total, 'f', -1, 64))
		}
	}
	return out
}

// NumberOrDefault parses a numeric field, using the category default when
// the value is empty. Unparsable input is zero.
func (r *Registry) NumberOrDefault(doc document.Doc, field string) float64 {
	v, _ := r.NumberWithDefault(doc, field)
	return v
}

// NumberWithDefault is NumberOrDefault that also reports whether the
// default was used.
func (r *Registry) NumberWithDefault(doc document.Doc, field string) (float64, bool) {
	raw := doc.Str(field)
	usedDefault := false
	if raw == "" {
		raw = r.Default(doc.Category(), field)
		usedDefault = true
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, usedDefault
	}
	return n, usedDefault
}
