// Package evac is the explicit store handle every collaborator is given: the
// namespace databases, the loaded schema, and the graph, identity and photo
// layers over one document store.
//
// A Handle is built once by Open (or Bootstrap for a fresh namespace) and
// passed by reference. It holds no mutable state of its own beyond the
// prepared identity snapshot inside Index.
package evac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/dehc/internal/attachment"
	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/graph"
	"github.com/roach88/dehc/internal/identity"
	"github.com/roach88/dehc/internal/schema"
)

// DefaultNamespace prefixes every database name unless configured otherwise.
const DefaultNamespace = "dehc"

// Categories with fixed meaning.
const (
	CategoryEvacuation = schema.CategoryEvacuation
	CategoryTrash      = schema.CategoryTrash
	CategoryVessel     = "Vessel"
	CategoryPerson     = "Person"
	CategoryBaggage    = "Baggage"
)

// Suffixes are the per-namespace database suffixes, in replication order.
var Suffixes = []string{"items", "containers", "configs", "ids", "files"}

// Databases names the databases of one namespace.
type Databases struct {
	Namespace  string
	Items      string
	Containers string
	IDs        string
	Files      string
	Configs    string
}

// NamespaceDatabases returns the database names of ns.
func NamespaceDatabases(ns string) Databases {
	if ns == "" {
		ns = DefaultNamespace
	}
	return Databases{
		Namespace:  ns,
		Items:      ns + "-items",
		Containers: ns + "-containers",
		IDs:        ns + "-ids",
		Files:      ns + "-files",
		Configs:    ns + "-configs",
	}
}

// All returns every database name in Suffixes order.
func (d Databases) All() []string {
	return []string{d.Items, d.Containers, d.Configs, d.IDs, d.Files}
}

// RootError reports a namespace without exactly one root of a category.
type RootError struct {
	Category string
	Found    []string
}

func (e *RootError) Error() string {
	return fmt.Sprintf("expected exactly one %s item, found %d %v", e.Category, len(e.Found), e.Found)
}

// Options controls how Open picks and checks the schema.
type Options struct {
	Namespace string
	// Local is the schema read from the local file. Required unless the
	// store already holds one.
	Local *schema.Registry
	// ExpectedVersion defaults to the local schema's version.
	ExpectedVersion string
	// ForceLocal ignores the persisted schema.
	ForceLocal bool
	// UpdateSchema writes the chosen schema back to the store.
	UpdateSchema bool
	// OverrideVersion turns a version mismatch into a warning; the newer
	// schema is then used.
	OverrideVersion bool
	// SkipRoots opens without checking the Evacuation and Trash roots.
	SkipRoots bool
	Logger    *slog.Logger
}

// Handle is the store handle.
type Handle struct {
	Store  *docstore.Store
	DBs    Databases
	Schema *schema.Registry
	Graph  *graph.Graph
	IDs    *identity.Index
	Photos *attachment.Store

	logger     *slog.Logger
	evacuation string
	trash      string
}

// Open loads the schema, verifies its version and the root invariant, and
// returns the handle.
func Open(ctx context.Context, store *docstore.Store, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbs := NamespaceDatabases(opts.Namespace)

	reg, err := chooseSchema(ctx, store, dbs, opts, logger)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		Store:  store,
		DBs:    dbs,
		Schema: reg,
		Graph:  graph.New(store, dbs.Containers, dbs.Items, logger),
		IDs:    identity.New(store, dbs.IDs, dbs.Items, logger),
		Photos: attachment.New(store, dbs.Files, logger),
		logger: logger,
	}

	if opts.UpdateSchema {
		if err := h.SaveSchema(ctx); err != nil {
			return nil, err
		}
	}
	if !opts.SkipRoots {
		if err := h.loadRoots(ctx); err != nil {
			return nil, err
		}
	}
	logger.Info("store opened", "namespace", dbs.Namespace, "schema_version", reg.Version())
	return h, nil
}

func chooseSchema(ctx context.Context, store *docstore.Store, dbs Databases, opts Options, logger *slog.Logger) (*schema.Registry, error) {
	expected := opts.ExpectedVersion
	if expected == "" && opts.Local != nil {
		expected = opts.Local.Version()
	}

	var persisted *schema.Registry
	if !opts.ForceLocal {
		doc, err := store.Get(ctx, dbs.Configs, schema.DocID)
		switch {
		case err == nil:
			if persisted, err = schema.FromDoc(doc); err != nil {
				return nil, fmt.Errorf("persisted schema: %w", err)
			}
		case errors.Is(err, docstore.ErrNotFound):
			logger.Info("no schema in the store; using the local file")
		default:
			return nil, fmt.Errorf("load persisted schema: %w", err)
		}
	}

	if opts.Local != nil {
		if err := schema.CheckVersion(expected, opts.Local.Version(), "file", opts.OverrideVersion, logger); err != nil {
			return nil, err
		}
	}
	// With neither an expected version nor a local file the stored schema is
	// taken as-is.
	if persisted != nil && expected != "" {
		if err := schema.CheckVersion(expected, persisted.Version(), "store", opts.OverrideVersion, logger); err != nil {
			return nil, err
		}
	}

	switch {
	case persisted == nil && opts.Local == nil:
		return nil, fmt.Errorf("no schema: the store has none and no local schema was given")
	case persisted == nil:
		return opts.Local, nil
	case opts.Local == nil || persisted.Version() == opts.Local.Version():
		return persisted, nil
	case schema.Newer(persisted.Version(), opts.Local.Version()) == opts.Local.Version():
		return opts.Local, nil
	default:
		return persisted, nil
	}
}

// SaveSchema writes the handle's schema to the configs database, replacing
// any earlier one.
func (h *Handle) SaveSchema(ctx context.Context) error {
	doc := h.Schema.ToDoc()
	if current, err := h.Store.Get(ctx, h.DBs.Configs, schema.DocID); err == nil {
		doc[document.FieldRev] = current.Rev()
	} else if !errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrNoDatabase) {
		return fmt.Errorf("save schema: %w", err)
	}
	if _, err := h.Store.Edit(ctx, h.DBs.Configs, doc, schema.DocID, true); err != nil {
		return fmt.Errorf("save schema: %w", err)
	}
	h.logger.Info("schema saved to store", "version", h.Schema.Version())
	return nil
}

// Bootstrap prepares a namespace: it creates missing databases, saves the
// schema, creates the Evacuation and Trash roots when absent and opens the
// handle with the root check enabled.
func Bootstrap(ctx context.Context, store *docstore.Store, opts Options) (*Handle, error) {
	if opts.Local == nil {
		return nil, fmt.Errorf("bootstrap: a local schema is required")
	}
	dbs := NamespaceDatabases(opts.Namespace)
	if err := store.EnsureDatabases(ctx, dbs.All()...); err != nil {
		return nil, err
	}

	open := opts
	open.SkipRoots = true
	open.UpdateSchema = true
	h, err := Open(ctx, store, open)
	if err != nil {
		return nil, err
	}

	roots := []struct{ cat, name string }{
		{CategoryEvacuation, "DEHC"},
		{CategoryTrash, "Trash"},
	}
	for _, root := range roots {
		cat, name := root.cat, root.name
		found, err := h.Items(ctx, cat, nil)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			continue
		}
		doc, err := h.Schema.Blank(cat)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		doc[h.Schema.NameField(cat)] = name
		if _, _, err := h.CreateItem(ctx, doc); err != nil {
			return nil, fmt.Errorf("bootstrap %s root: %w", cat, err)
		}
		h.logger.Info("root created", "category", cat)
	}

	if err := h.loadRoots(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) loadRoots(ctx context.Context) error {
	for _, cat := range []string{CategoryEvacuation, CategoryTrash} {
		docs, err := h.Items(ctx, cat, nil, document.FieldID)
		if err != nil {
			return err
		}
		if len(docs) != 1 {
			found := make([]string, 0, len(docs))
			for _, d := range docs {
				found = append(found, d.ID())
			}
			return &RootError{Category: cat, Found: found}
		}
		if cat == CategoryEvacuation {
			h.evacuation = docs[0].ID()
		} else {
			h.trash = docs[0].ID()
		}
	}
	return nil
}

// Evacuation is the id of the Evacuation root.
func (h *Handle) Evacuation() string { return h.evacuation }

// Trash is the id of the Trash root.
func (h *Handle) Trash() string { return h.trash }

// Logger is the handle's logger.
func (h *Handle) Logger() *slog.Logger { return h.logger }

// Prepare snapshots the identity index.
func (h *Handle) Prepare(ctx context.Context) error { return h.IDs.Prepare(ctx) }
