package schema

import (
	"fmt"
	"slices"
	"strings"
)

// Validation error codes (E100-E199)
const (
	ErrMissingVersion     = "E100" // version string is empty
	ErrMissingNameField   = "E101" // category declares no primary display field
	ErrUnknownNameField   = "E102" // display field is not a declared field
	ErrPhysIDsNotList     = "E103" // PHYSIDS field must be a list
	ErrPhysIDsDefault     = "E104" // PHYSIDS field is read-only, no default allowed
	ErrSumTarget          = "E105" // sum field needs a target
	ErrUnknownCategoryRef = "E106" // count/sum cat names an unknown category
	ErrUnknownFieldRef    = "E107" // keys or lock name an unknown field
	ErrMissingRoot        = "E108" // Evacuation or Trash category missing
	ErrDerivedSource      = "E109" // count/sum field declares a source
)

// ValidationError is one semantic violation in a definition.
type ValidationError struct {
	Category string `json:"category,omitempty"`
	Field    string `json:"field,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func (e ValidationError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.Category, e.Field, e.Message)
	case e.Category != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Category, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// ValidationErrors collects every violation found in one pass.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("schema has %d error(s): %s", len(errs), strings.Join(parts, "; "))
}

// Validate checks a definition. It returns all errors, not just the first.
func Validate(def Definition) ValidationErrors {
	var errs ValidationErrors
	add := func(cat, field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Category: cat, Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(def.Version) == "" {
		add("", "", ErrMissingVersion, "version is required")
	}

	known := make(map[string]bool, len(def.Categories))
	for _, c := range def.Categories {
		known[c.Name] = true
	}
	for _, root := range []string{CategoryEvacuation, CategoryTrash} {
		if !known[root] {
			add(root, "", ErrMissingRoot, "root category %q is required", root)
		}
	}

	for _, c := range def.Categories {
		if c.NameField == "" {
			add(c.Name, "", ErrMissingNameField, "category must declare a primary display field")
		} else if _, ok := c.Field(c.NameField); !ok {
			add(c.Name, c.NameField, ErrUnknownNameField, "display field is not declared")
		}

		for _, k := range c.Keys {
			if _, ok := c.Field(k); !ok {
				add(c.Name, k, ErrUnknownFieldRef, "sort key is not declared")
			}
		}
		if c.Lock != "" {
			if _, ok := c.Field(c.Lock); !ok {
				add(c.Name, c.Lock, ErrUnknownFieldRef, "lock field is not declared")
			}
		}

		for _, f := range c.Fields {
			if f.Source == SourcePhysIDs {
				if f.Type != TypeList {
					add(c.Name, f.Name, ErrPhysIDsNotList, "PHYSIDS field must have type list, got %q", f.Type)
				}
				if f.Default != "" {
					add(c.Name, f.Name, ErrPhysIDsDefault, "PHYSIDS field is read-only and cannot have a default")
				}
			}
			if f.Type.Derived() {
				if f.Source != SourceNone {
					add(c.Name, f.Name, ErrDerivedSource, "%s field cannot declare source %q", f.Type, f.Source)
				}
				for _, ref := range f.Cat {
					if !known[ref] {
						add(c.Name, f.Name, ErrUnknownCategoryRef, "unknown category %q", ref)
					}
				}
			}
			if f.Type == TypeSum && f.Target == "" {
				add(c.Name, f.Name, ErrSumTarget, "sum field requires a target")
			}
		}
	}

	slices.SortStableFunc(errs, func(a, b ValidationError) int {
		return strings.Compare(a.Code, b.Code)
	})
	return errs
}
