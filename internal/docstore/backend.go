package docstore

import (
	"context"
	"encoding/json"

	"github.com/roach88/dehc/internal/document"
)

// Backend is the remote document service contract: CouchDB semantics for
// revisions, deletes and the change feed.
//
// Put creates a document when it has no _rev and the id is free (or only a
// deleted tombstone), and updates it when _rev matches the current revision.
// Anything else is ErrConflict.
type Backend interface {
	CreateDB(ctx context.Context, db string) error
	DropDB(ctx context.Context, db string) error
	ListDBs(ctx context.Context) ([]string, error)

	Get(ctx context.Context, db, id string) (document.Doc, error)
	Put(ctx context.Context, db string, doc document.Doc) (rev string, err error)
	Remove(ctx context.Context, db, id, rev string) (newRev string, err error)
	BulkPut(ctx context.Context, db string, docs []document.Doc) ([]Result, error)

	// All returns every live document ordered by id.
	All(ctx context.Context, db string) ([]document.Doc, error)
	// Find returns live documents matching p, in no particular order.
	Find(ctx context.Context, db string, p Predicate) ([]document.Doc, error)
	// Changes returns the changes after since ("" or "0" is the beginning).
	Changes(ctx context.Context, db, since string) (ChangesPage, error)
}

// Result is the outcome of one mutation.
type Result struct {
	ID  string `json:"id"`
	Rev string `json:"rev,omitempty"`
	Err error  `json:"-"`
}

// Change is one row of a database change feed.
type Change struct {
	Seq     string          `json:"seq"`
	ID      string          `json:"id"`
	Rev     string          `json:"rev"`
	Deleted bool            `json:"deleted,omitempty"`
	Doc     document.Doc    `json:"doc,omitempty"`
	Raw     json.RawMessage `json:"-"` // the row as the service sent it
}

// ChangesPage is one change feed response.
type ChangesPage struct {
	Results []Change
	LastSeq string
}
