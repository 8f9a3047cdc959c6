package docstore

import (
	"fmt"
	"slices"

	"github.com/roach88/dehc/internal/document"
)

// Predicate is a filter over documents.
//
// This is a sealed interface; only types in this package implement it, so
// the Mango compiler and the in-memory matcher can switch exhaustively.
//
// Predicate types:
//   - Eq: field equals a value (compared as text)
//   - In: field equals one of several values
//   - Has: list field contains a value
//   - Exists: field is present
//   - And: all predicates hold
//
// A nil Predicate matches every document.
type Predicate interface {
	predicateNode()
}

// Eq matches documents whose field renders to Value.
type Eq struct {
	Field string
	Value string
}

func (Eq) predicateNode() {}

// In matches documents whose field is one of Values.
type In struct {
	Field  string
	Values []string
}

func (In) predicateNode() {}

// Has matches documents whose list field contains Value.
type Has struct {
	Field string
	Value string
}

func (Has) predicateNode() {}

// Exists matches documents that carry Field.
type Exists struct {
	Field string
}

func (Exists) predicateNode() {}

// And matches when every predicate matches.
type And []Predicate

func (And) predicateNode() {}

// Match evaluates p against one document.
func Match(p Predicate, doc document.Doc) bool {
	switch q := p.(type) {
	case nil:
		return true
	case Eq:
		_, ok := doc[q.Field]
		return ok && doc.Str(q.Field) == q.Value
	case In:
		_, ok := doc[q.Field]
		return ok && slices.Contains(q.Values, doc.Str(q.Field))
	case Has:
		return slices.Contains(doc.List(q.Field), q.Value)
	case Exists:
		_, ok := doc[q.Field]
		return ok
	case And:
		for _, sub := range q {
			if !Match(sub, doc) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Selector compiles p into a CouchDB Mango selector.
func Selector(p Predicate) (map[string]any, error) {
	switch q := p.(type) {
	case nil:
		return map[string]any{document.FieldID: map[string]any{"$gt": nil}}, nil
	case Eq:
		return map[string]any{q.Field: map[string]any{"$eq": q.Value}}, nil
	case In:
		values := make([]any, len(q.Values))
		for i, v := range q.Values {
			values[i] = v
		}
		return map[string]any{q.Field: map[string]any{"$in": values}}, nil
	case Has:
		return map[string]any{q.Field: map[string]any{"$elemMatch": map[string]any{"$eq": q.Value}}}, nil
	case Exists:
		return map[string]any{q.Field: map[string]any{"$exists": true}}, nil
	case And:
		if len(q) == 0 {
			return Selector(nil)
		}
		parts := make([]any, 0, len(q))
		for i, sub := range q {
			s, err := Selector(sub)
			if err != nil {
				return nil, fmt.Errorf("and[%d]: %w", i, err)
			}
			parts = append(parts, s)
		}
		return map[string]any{"$and": parts}, nil
	default:
		return nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}
