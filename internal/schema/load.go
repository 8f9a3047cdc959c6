package schema

import (
	_ "embed"
	"fmt"
	"math/big"
	"os"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed definition.cue
var definitionCUE []byte

// Load error codes.
const (
	ErrCodeSyntax    = "E001" // not valid JSON
	ErrCodeStructure = "E002" // violates the structural constraint
	ErrCodeNotFound  = "E003" // schema file missing
)

// LoadError reports a definition that could not be parsed.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadFile reads and loads a schema file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema file not found: %s", path)}
		}
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return Load(data)
}

// Load parses a JSON definition, checks it against the embedded CUE
// constraint, then runs the semantic checks. Semantic failures are returned
// together as ValidationErrors.
func Load(data []byte) (*Registry, error) {
	value, err := unify(data)
	if err != nil {
		return nil, err
	}

	def, err := decodeDefinition(value)
	if err != nil {
		return nil, err
	}

	if errs := Validate(def); len(errs) > 0 {
		return nil, errs
	}
	return newRegistry(def, data), nil
}

func unify(data []byte) (cue.Value, error) {
	ctx := cuecontext.New()

	constraint := ctx.CompileBytes(definitionCUE, cue.Filename("definition.cue"))
	if err := constraint.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile schema constraint: %w", err)
	}

	expr, err := cuejson.Extract("schema.json", data)
	if err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeSyntax, Message: err.Error()}
	}
	value := ctx.BuildExpr(expr)
	if err := value.Err(); err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeSyntax, Message: err.Error()}
	}

	unified := constraint.LookupPath(cue.ParsePath("#Definition")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, &LoadError{Code: ErrCodeStructure, Message: cueerrors.Details(err, nil)}
	}
	return unified, nil
}

type rawCategory struct {
	Name  string   `json:"name"`
	Keys  []string `json:"keys"`
	Flags []string `json:"flags"`
	Lock  string   `json:"lock"`
}

type rawField struct {
	Type    string   `json:"type"`
	Source  string   `json:"source"`
	Default any      `json:"default"`
	Cat     []string `json:"cat"`
	Target  string   `json:"target"`
}

// decodeDefinition walks categories and fields in declaration order, which a
// Go map decode would lose.
func decodeDefinition(v cue.Value) (Definition, error) {
	var def Definition
	version, err := v.LookupPath(cue.ParsePath("version")).String()
	if err != nil {
		return def, &LoadError{Code: ErrCodeStructure, Message: err.Error()}
	}
	def.Version = version

	cats, err := v.LookupPath(cue.ParsePath("categories")).Fields()
	if err != nil {
		return def, &LoadError{Code: ErrCodeStructure, Message: err.Error()}
	}
	for cats.Next() {
		catName := cats.Selector().Unquoted()
		var rc rawCategory
		if err := cats.Value().Decode(&rc); err != nil {
			return def, &LoadError{Code: ErrCodeStructure, Message: fmt.Sprintf("category %q: %v", catName, err)}
		}
		cat := Category{
			Name:      catName,
			NameField: rc.Name,
			Keys:      rc.Keys,
			Flags:     rc.Flags,
			Lock:      rc.Lock,
		}

		fields, err := cats.Value().LookupPath(cue.ParsePath("fields")).Fields()
		if err != nil {
			return def, &LoadError{Code: ErrCodeStructure, Message: fmt.Sprintf("category %q: %v", catName, err)}
		}
		for fields.Next() {
			fieldName := fields.Selector().Unquoted()
			var rf rawField
			if err := fields.Value().Decode(&rf); err != nil {
				return def, &LoadError{Code: ErrCodeStructure, Message: fmt.Sprintf("%s.%s: %v", catName, fieldName, err)}
			}
			source := Source(rf.Source)
			if source == "" {
				source = SourceNone
			}
			cat.Fields = append(cat.Fields, Field{
				Name:    fieldName,
				Type:    FieldType(rf.Type),
				Source:  source,
				Default: defaultString(rf.Default),
				Cat:     rf.Cat,
				Target:  rf.Target,
			})
		}
		def.Categories = append(def.Categories, cat)
	}
	return def, nil
}

func defaultString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case *big.Int:
		return val.String()
	case *big.Float:
		return val.Text('f', -1)
	default:
		return fmt.Sprint(val)
	}
}
