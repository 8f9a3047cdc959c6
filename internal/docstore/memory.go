package docstore

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/dehc/internal/document"
)

// ReplicatorDB is the service database holding replication jobs.
const ReplicatorDB = "_replicator"

// Memory is an in-process Backend with CouchDB revision and change feed
// semantics. It backs tests and the memory backend option.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu  sync.Mutex
	dbs map[string]*memDB

	// Errors set by FailChanges, keyed by database.
	failChanges map[string]error
}

type memDB struct {
	docs map[string]*memDoc
	seq  int64
}

type memDoc struct {
	rev     string
	body    document.Doc
	deleted bool
	seq     int64
}

// NewMemory creates an empty backend that already has the replicator database.
func NewMemory() *Memory {
	return &Memory{
		dbs:         map[string]*memDB{ReplicatorDB: newMemDB()},
		failChanges: map[string]error{},
	}
}

func newMemDB() *memDB { return &memDB{docs: map[string]*memDoc{}} }

// FailChanges makes Changes on db return err until cleared with a nil err.
func (m *Memory) FailChanges(db string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failChanges, db)
		return
	}
	m.failChanges[db] = err
}

func (m *Memory) db(name string) (*memDB, error) {
	d, ok := m.dbs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoDatabase)
	}
	return d, nil
}

// CreateDB creates db, or fails with ErrDatabaseExists.
func (m *Memory) CreateDB(_ context.Context, db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dbs[db]; ok {
		return fmt.Errorf("%s: %w", db, ErrDatabaseExists)
	}
	m.dbs[db] = newMemDB()
	return nil
}

// DropDB deletes db and every document in it.
func (m *Memory) DropDB(_ context.Context, db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.db(db); err != nil {
		return err
	}
	delete(m.dbs, db)
	return nil
}

// ListDBs returns the database names in sorted order.
func (m *Memory) ListDBs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.dbs)), nil
}

// Get returns the current revision of a live document.
func (m *Memory) Get(_ context.Context, db, id string) (document.Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.db(db)
	if err != nil {
		return nil, err
	}
	doc, ok := d.docs[id]
	if !ok || doc.deleted {
		return nil, fmt.Errorf("%s/%s: %w", db, id, ErrNotFound)
	}
	return doc.render(id), nil
}

func (doc *memDoc) render(id string) document.Doc {
	out := doc.body.Clone()
	out[document.FieldID] = id
	out[document.FieldRev] = doc.rev
	return out
}

// Put writes doc as a new revision. The revision in doc must match the
// current one, or be empty for a new document.
func (m *Memory) Put(_ context.Context, db string, doc document.Doc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.db(db)
	if err != nil {
		return "", err
	}
	return d.put(db, doc)
}

func (d *memDB) put(db string, doc document.Doc) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", fmt.Errorf("put %s: document has no id", db)
	}
	body, err := document.Normalize(doc.Body())
	if err != nil {
		return "", err
	}

	prevRev := ""
	existing, ok := d.docs[id]
	switch {
	case ok && !existing.deleted:
		if doc.Rev() != existing.rev {
			return "", fmt.Errorf("%s/%s: %w", db, id, ErrConflict)
		}
		prevRev = existing.rev
	case ok && existing.deleted:
		if doc.Rev() != "" && doc.Rev() != existing.rev {
			return "", fmt.Errorf("%s/%s: %w", db, id, ErrConflict)
		}
		prevRev = existing.rev
	default:
		if doc.Rev() != "" {
			return "", fmt.Errorf("%s/%s: %w", db, id, ErrConflict)
		}
	}

	rev, err := document.NextRev(prevRev, body)
	if err != nil {
		return "", err
	}
	d.seq++
	d.docs[id] = &memDoc{rev: rev, body: body, seq: d.seq}
	return rev, nil
}

// Remove marks a document deleted, leaving a tombstone in the feed.
func (m *Memory) Remove(_ context.Context, db, id, rev string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.db(db)
	if err != nil {
		return "", err
	}
	existing, ok := d.docs[id]
	if !ok || existing.deleted {
		return "", fmt.Errorf("%s/%s: %w", db, id, ErrNotFound)
	}
	if rev != existing.rev {
		return "", fmt.Errorf("%s/%s: %w", db, id, ErrConflict)
	}
	newRev, err := document.NextRev(existing.rev, document.Doc{document.FieldDeleted: true})
	if err != nil {
		return "", err
	}
	d.seq++
	d.docs[id] = &memDoc{rev: newRev, body: document.Doc{}, deleted: true, seq: d.seq}
	return newRev, nil
}

// BulkPut writes each document independently and reports per-document
// results.
func (m *Memory) BulkPut(_ context.Context, db string, docs []document.Doc) ([]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.db(db)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(docs))
	for i, doc := range docs {
		rev, err := d.put(db, doc)
		results[i] = Result{ID: doc.ID(), Rev: rev, Err: err}
	}
	return results, nil
}

// All returns every live document of db.
func (m *Memory) All(ctx context.Context, db string) ([]document.Doc, error) {
	return m.Find(ctx, db, nil)
}

// Find returns the live documents matching p.
func (m *Memory) Find(_ context.Context, db string, p Predicate) ([]document.Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.db(db)
	if err != nil {
		return nil, err
	}
	out := []document.Doc{}
	for _, id := range slices.Sorted(maps.Keys(d.docs)) {
		doc := d.docs[id]
		if doc.deleted {
			continue
		}
		rendered := doc.render(id)
		if Match(p, rendered) {
			out = append(out, rendered)
		}
	}
	return out, nil
}

// Changes returns every change after since, one row per document.
func (m *Memory) Changes(_ context.Context, db, since string) (ChangesPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failChanges[db]; err != nil {
		return ChangesPage{}, &TransportError{Op: "changes", DB: db, Err: err}
	}
	d, err := m.db(db)
	if err != nil {
		return ChangesPage{}, err
	}
	var after int64
	if since != "" {
		after, err = strconv.ParseInt(since, 10, 64)
		if err != nil {
			return ChangesPage{}, fmt.Errorf("changes %s: invalid since %q", db, since)
		}
	}

	type row struct {
		id  string
		doc *memDoc
	}
	var rows []row
	for id, doc := range d.docs {
		if doc.seq > after {
			rows = append(rows, row{id, doc})
		}
	}
	slices.SortFunc(rows, func(a, b row) int { return cmp.Compare(a.doc.seq, b.doc.seq) })

	page := ChangesPage{Results: make([]Change, 0, len(rows)), LastSeq: strconv.FormatInt(max(after, d.seq), 10)}
	for _, r := range rows {
		c := Change{
			Seq:     strconv.FormatInt(r.doc.seq, 10),
			ID:      r.id,
			Rev:     r.doc.rev,
			Deleted: r.doc.deleted,
			Doc:     r.doc.render(r.id),
		}
		if r.doc.deleted {
			c.Doc = document.Doc{document.FieldID: r.id, document.FieldRev: r.doc.rev, document.FieldDeleted: true}
		}
		c.Raw, _ = json.Marshal(map[string]any{
			"seq":     c.Seq,
			"id":      c.ID,
			"changes": []map[string]string{{"rev": c.Rev}},
			"deleted": c.Deleted,
			"doc":     c.Doc,
		})
		page.Results = append(page.Results, c)
	}
	return page, nil
}
