package schema

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/roach88/dehc/internal/document"
)

// VersionError is a fatal schema version mismatch.
type VersionError struct {
	Expected string
	Found    string
	Source   string // where Found came from, e.g. "store" or "file"
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("schema version mismatch: expected %q, %s has %q (use the override flag to proceed at the risk of data loss)", e.Expected, e.Source, e.Found)
}

// CheckVersion compares the expected version against one found in a schema
// file or in the store. An empty found version is accepted. With override
// set a mismatch is logged as a warning instead of returned.
func CheckVersion(expected, found, source string, override bool, logger *slog.Logger) error {
	if found == "" || expected == found {
		return nil
	}
	if !override {
		return &VersionError{Expected: expected, Found: found, Source: source}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("schema version mismatch overridden; the newer schema wins and fields the schemas disagree on may be lost",
		"expected", expected, "found", found, "source", source)
	return nil
}

// Newer returns whichever version sorts later. Purely numeric versions such
// as "20211131" compare numerically, anything else lexically.
func Newer(a, b string) string {
	an, aerr := strconv.ParseInt(a, 10, 64)
	bn, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		if bn > an {
			return b
		}
		return a
	}
	if strings.Compare(b, a) > 0 {
		return b
	}
	return a
}

// ToDoc renders the registry as the persisted configs document. The
// definition is stored as text so field order survives the round trip.
func (r *Registry) ToDoc() document.Doc {
	return document.Doc{
		document.FieldID: DocID,
		"version":        r.Version(),
		"definition":     string(r.raw),
	}
}

// FromDoc loads a registry from a persisted configs document.
func FromDoc(doc document.Doc) (*Registry, error) {
	raw := doc.Str("definition")
	if raw == "" {
		return nil, &LoadError{Code: ErrCodeStructure, Message: "persisted schema document has no definition"}
	}
	return Load([]byte(raw))
}
