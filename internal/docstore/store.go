package docstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/metrics"
)

// DefaultTimeout bounds every call made through a Store.
const DefaultTimeout = 30 * time.Second

// IDGenerator produces document ids for creates that do not name one.
type IDGenerator interface {
	NewID() string
}

type uuidIDs struct{}

// NewID returns a random UUID as 32 hex digits, the shape CouchDB uses.
func (uuidIDs) NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Store is the document store used by every other package. It adds lazy
// mutation semantics, id generation, a per-call timeout and metrics on top
// of a Backend. It keeps no state between calls.
type Store struct {
	backend Backend
	ids     IDGenerator
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Registry
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithTimeout sets the per-call timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithLogger sets the logger for operation traces.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics records every operation in r.
func WithMetrics(r *metrics.Registry) Option {
	return func(s *Store) { s.metrics = r }
}

// New wraps a backend.
func New(b Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		ids:     uuidIDs{},
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the wrapped backend.
func (s *Store) Backend() Backend { return s.backend }

// NewID returns a fresh document id from the configured generator.
func (s *Store) NewID() string { return s.ids.NewID() }

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) observe(op, db, id string, start time.Time, err error) {
	outcome := Outcome(err)
	s.metrics.ObserveDoc(op, db, outcome, time.Since(start))
	s.logger.Debug("docstore", "op", op, "db", db, "id", id, "outcome", outcome)
}

// transport tags context deadline failures as transport errors so callers
// can tell a slow service from a logical failure.
func transport(op, db string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !IsTransport(err) {
		return &TransportError{Op: op, DB: db, Err: err}
	}
	return err
}

// Create inserts doc under id, or under a generated id when id is empty and
// the document carries none. Any _rev on doc is ignored. Returns the id and
// the new revision. An existing live document is ErrConflict.
func (s *Store) Create(ctx context.Context, db string, doc document.Doc, id string) (string, string, error) {
	start := time.Now()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	out := doc.Clone()
	delete(out, document.FieldRev)
	switch {
	case id != "":
		out[document.FieldID] = id
	case out.ID() == "":
		out[document.FieldID] = s.ids.NewID()
	}
	id = out.ID()

	rev, err := s.backend.Put(ctx, db, out)
	err = transport("create", db, err)
	s.observe("create", db, id, start, err)
	if err != nil {
		return "", "", fmt.Errorf("create %s/%s: %w", db, id, err)
	}
	return id, rev, nil
}

// Get fetches one document. When fields are given the result holds only
// _id, _rev and those fields.
func (s *Store) Get(ctx context.Context, db, id string, fields ...string) (document.Doc, error) {
	start := time.Now()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	doc, err := s.backend.Get(ctx, db, id)
	err = transport("get", db, err)
	s.observe("get", db, id, start, err)
	if err != nil {
		return nil, err
	}
	return doc.Project(fields), nil
}

// Edit writes doc as the next revision of id (doc's own _id when id is
// empty). doc must carry the last-read _rev; a stale one is ErrConflict.
//
// Without a _rev, an existing document is ErrConflict. An absent document
// is created when lazy is set and is ErrNotFound otherwise.
func (s *Store) Edit(ctx context.Context, db string, doc document.Doc, id string, lazy bool) (string, error) {
	start := time.Now()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	out := doc.Clone()
	if id != "" {
		out[document.FieldID] = id
	}
	id = out.ID()
	if id == "" {
		return "", fmt.Errorf("edit %s: document has no id", db)
	}

	rev, err := s.edit(ctx, db, out, lazy)
	err = transport("edit", db, err)
	s.observe("edit", db, id, start, err)
	if err != nil {
		return "", fmt.Errorf("edit %s/%s: %w", db, id, err)
	}
	return rev, nil
}

func (s *Store) edit(ctx context.Context, db string, doc document.Doc, lazy bool) (string, error) {
	if doc.Rev() != "" {
		rev, err := s.backend.Put(ctx, db, doc)
		if err != nil && lazy && errors.Is(err, ErrConflict) {
			// The presented revision may belong to a document that has since
			// been deleted; lazy edits recreate it.
			if _, gerr := s.backend.Get(ctx, db, doc.ID()); errors.Is(gerr, ErrNotFound) {
				delete(doc, document.FieldRev)
				return s.backend.Put(ctx, db, doc)
			}
		}
		return rev, err
	}

	_, err := s.backend.Get(ctx, db, doc.ID())
	switch {
	case err == nil:
		return "", ErrConflict
	case !errors.Is(err, ErrNotFound):
		return "", err
	case !lazy:
		return "", err
	}
	return s.backend.Put(ctx, db, doc)
}

// Delete removes id. An empty rev deletes whatever revision is current.
// With lazy set, deleting an absent document returns ("", nil).
func (s *Store) Delete(ctx context.Context, db, id, rev string, lazy bool) (string, error) {
	start := time.Now()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	newRev, err := s.delete(ctx, db, id, rev)
	if lazy && errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNoDatabase) {
		err = nil
	}
	err = transport("delete", db, err)
	s.observe("delete", db, id, start, err)
	if err != nil {
		return "", fmt.Errorf("delete %s/%s: %w", db, id, err)
	}
	return newRev, nil
}

func (s *Store) delete(ctx context.Context, db, id, rev string) (string, error) {
	if rev == "" {
		current, err := s.backend.Get(ctx, db, id)
		if err != nil {
			return "", err
		}
		rev = current.Rev()
	}
	return s.backend.Remove(ctx, db, id, rev)
}

// BulkCreate inserts docs in one request. ids, when non-empty, must be the
// same length as docs and names each document's id; otherwise a document's
// own _id is used or one is generated. Per-document failures are reported in
// the results and joined into the returned error.
func (s *Store) BulkCreate(ctx context.Context, db string, docs []document.Doc, ids []string) ([]Result, error) {
	if len(ids) > 0 && len(ids) != len(docs) {
		return nil, fmt.Errorf("bulk create %s: %d ids for %d documents", db, len(ids), len(docs))
	}
	start := time.Now()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	batch := make([]document.Doc, len(docs))
	for i, doc := range docs {
		out := doc.Clone()
		delete(out, document.FieldRev)
		switch {
		case len(ids) > 0:
			out[document.FieldID] = ids[i]
		case out.ID() == "":
			out[document.FieldID] = s.ids.NewID()
		}
		batch[i] = out
	}

	results, err := s.backend.BulkPut(ctx, db, batch)
	err = transport("bulk_create", db, err)
	if err == nil {
		var errs []error
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.ID, r.Err))
			}
		}
		err = errors.Join(errs...)
	}
	s.observe("bulk_create", db, "", start, err)
	if err != nil {
		return results, fmt.Errorf("bulk create %s: %w", db, err)
	}
	return results, nil
}

// Query returns the documents matching p ordered by _id, projected to
// fields when given.
func (s *Store) Query(ctx context.Context, db string, p Predicate, fields ...string) ([]document.Doc, error) {
	start := time.Now()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	docs, err := s.backend.Find(ctx, db, p)
	err = transport("query", db, err)
	s.observe("query", db, "", start, err)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", db, err)
	}
	slices.SortFunc(docs, func(a, b document.Doc) int { return cmp.Compare(a.ID(), b.ID()) })
	if len(fields) > 0 {
		for i, d := range docs {
			docs[i] = d.Project(fields)
		}
	}
	return docs, nil
}

// All returns every live document in db ordered by _id.
func (s *Store) All(ctx context.Context, db string) ([]document.Doc, error) {
	start := time.Now()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	docs, err := s.backend.All(ctx, db)
	err = transport("all", db, err)
	s.observe("all", db, "", start, err)
	if err != nil {
		return nil, fmt.Errorf("all %s: %w", db, err)
	}
	return docs, nil
}

// EnsureDatabases creates each missing database.
func (s *Store) EnsureDatabases(ctx context.Context, dbs ...string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	for _, db := range dbs {
		err := s.backend.CreateDB(ctx, db)
		switch {
		case err == nil:
			s.logger.Info("created database", "db", db)
		case errors.Is(err, ErrDatabaseExists):
		default:
			return fmt.Errorf("ensure database %s: %w", db, err)
		}
	}
	return nil
}

// DropDatabases deletes each database. With lazy set, missing databases are
// skipped.
func (s *Store) DropDatabases(ctx context.Context, lazy bool, dbs ...string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	for _, db := range dbs {
		err := s.backend.DropDB(ctx, db)
		switch {
		case err == nil:
			s.logger.Info("dropped database", "db", db)
		case lazy && errors.Is(err, ErrNotFound):
		default:
			return fmt.Errorf("drop database %s: %w", db, err)
		}
	}
	return nil
}

// Clear deletes every document in db and keeps the database.
func (s *Store) Clear(ctx context.Context, db string) error {
	docs, err := s.All(ctx, db)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if _, err := s.Delete(ctx, db, d.ID(), d.Rev(), true); err != nil {
			return err
		}
	}
	s.logger.Info("cleared database", "db", db, "docs", len(docs))
	return nil
}

// Changes reads one page of db's change feed after since.
func (s *Store) Changes(ctx context.Context, db, since string) (ChangesPage, error) {
	start := time.Now()
	ctx, cancel := s.bound(ctx)
	defer cancel()

	page, err := s.backend.Changes(ctx, db, since)
	err = transport("changes", db, err)
	s.observe("changes", db, "", start, err)
	if err != nil {
		return ChangesPage{}, fmt.Errorf("changes %s: %w", db, err)
	}
	return page, nil
}
