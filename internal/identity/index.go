// Package identity maps operator-facing physical ids (barcodes, NFC tags)
// onto canonical item ids. Each mapping is one {item, physid} document in
// the namespace's ids database.
//
// Reverse resolution works from a snapshot taken by Prepare. Writes through
// Assign do not refresh the snapshot; callers re-Prepare after bulk id
// changes.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
)

// Mapping document fields.
const (
	FieldItem   = "item"
	FieldPhysID = "physid"
)

var (
	// ErrNotPrepared is returned by reverse lookups before Prepare has run.
	ErrNotPrepared = errors.New("identity index not prepared")

	// ErrAmbiguous is returned by LookupAny when the key is the canonical id
	// of one item and a physical id of another.
	ErrAmbiguous = errors.New("id is ambiguous")
)

// DuplicateError reports a physical id mapped to more than one item.
type DuplicateError struct {
	PhysID string
	Items  []string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("physical id %q is mapped to %d items: %s", e.PhysID, len(e.Items), strings.Join(e.Items, ", "))
}

// Index reads and writes physical id mappings.
//
// Thread-safety: the snapshot is guarded by a RWMutex; all methods are safe
// for concurrent use.
type Index struct {
	store  *docstore.Store
	ids    string
	items  string
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot map[string][]string // physid -> sorted items
	prepared bool
}

// New creates an index over idsDB, resolving items in itemsDB.
func New(store *docstore.Store, idsDB, itemsDB string, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{store: store, ids: idsDB, items: itemsDB, logger: logger}
}

// Clean trims physids, drops blanks and duplicates and sorts the result.
func Clean(physids []string) []string {
	out := make([]string, 0, len(physids))
	for _, p := range physids {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Assign makes physids the complete set of physical ids of item. A physical
// id currently mapped to another item is taken over and the move is logged.
func (x *Index) Assign(ctx context.Context, item string, physids []string) error {
	if item == "" {
		return fmt.Errorf("assign: item is required")
	}
	want := Clean(physids)

	current, err := x.store.Query(ctx, x.ids, docstore.Eq{Field: FieldItem, Value: item})
	if err != nil {
		return fmt.Errorf("assign %s: %w", item, err)
	}
	have := map[string]bool{}
	for _, d := range current {
		p := d.Str(FieldPhysID)
		if slices.Contains(want, p) && !have[p] {
			have[p] = true
			continue
		}
		if _, err := x.store.Delete(ctx, x.ids, d.ID(), d.Rev(), true); err != nil {
			return fmt.Errorf("assign %s: drop %s: %w", item, p, err)
		}
	}

	for _, p := range want {
		if have[p] {
			continue
		}
		others, err := x.store.Query(ctx, x.ids, docstore.Eq{Field: FieldPhysID, Value: p})
		if err != nil {
			return fmt.Errorf("assign %s: %w", item, err)
		}
		for _, d := range others {
			x.logger.Warn("physical id moved to another item",
				"physid", p, "from", d.Str(FieldItem), "to", item)
			if _, err := x.store.Delete(ctx, x.ids, d.ID(), d.Rev(), true); err != nil {
				return fmt.Errorf("assign %s: release %s: %w", item, p, err)
			}
		}
		if _, _, err := x.store.Create(ctx, x.ids, document.Doc{FieldItem: item, FieldPhysID: p}, ""); err != nil {
			return fmt.Errorf("assign %s: map %s: %w", item, p, err)
		}
	}
	return nil
}

// IDs returns the physical ids of item, sorted, read from the database.
func (x *Index) IDs(ctx context.Context, item string) ([]string, error) {
	docs, err := x.store.Query(ctx, x.ids, docstore.Eq{Field: FieldItem, Value: item}, FieldPhysID)
	if err != nil {
		return nil, fmt.Errorf("ids of %s: %w", item, err)
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Str(FieldPhysID))
	}
	return Clean(out), nil
}

// Mappings returns every {item, physid} pair ordered by item then physid.
func (x *Index) Mappings(ctx context.Context) ([][2]string, error) {
	docs, err := x.store.All(ctx, x.ids)
	if err != nil {
		return nil, fmt.Errorf("mappings: %w", err)
	}
	out := make([][2]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, [2]string{d.Str(FieldItem), d.Str(FieldPhysID)})
	}
	slices.SortFunc(out, func(a, b [2]string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	return out, nil
}

// Prepare snapshots every mapping for Resolve and LookupAny.
func (x *Index) Prepare(ctx context.Context) error {
	docs, err := x.store.All(ctx, x.ids)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	snap := make(map[string][]string, len(docs))
	for _, d := range docs {
		p := d.Str(FieldPhysID)
		snap[p] = append(snap[p], d.Str(FieldItem))
	}
	dups := 0
	for p, items := range snap {
		slices.Sort(items)
		snap[p] = slices.Compact(items)
		if len(snap[p]) > 1 {
			dups++
			x.logger.Warn("duplicate physical id", "physid", p, "items", snap[p])
		}
	}

	x.mu.Lock()
	x.snapshot = snap
	x.prepared = true
	x.mu.Unlock()

	x.logger.Debug("identity index prepared", "mappings", len(docs), "duplicates", dups)
	return nil
}

// Prepared reports whether Prepare has completed at least once.
func (x *Index) Prepared() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.prepared
}

// Duplicates lists every physical id mapped to more than one item in the
// current snapshot, sorted by physid.
func (x *Index) Duplicates() []*DuplicateError {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*DuplicateError
	for p, items := range x.snapshot {
		if len(items) > 1 {
			out = append(out, &DuplicateError{PhysID: p, Items: slices.Clone(items)})
		}
	}
	slices.SortFunc(out, func(a, b *DuplicateError) int { return strings.Compare(a.PhysID, b.PhysID) })
	return out
}

// Resolve returns the item a physical id maps to in the snapshot. An
// unknown id is docstore.ErrNotFound; a duplicated one is *DuplicateError.
func (x *Index) Resolve(physid string) (string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.prepared {
		return "", ErrNotPrepared
	}
	items := x.snapshot[strings.TrimSpace(physid)]
	switch len(items) {
	case 0:
		return "", fmt.Errorf("physical id %q: %w", physid, docstore.ErrNotFound)
	case 1:
		return items[0], nil
	default:
		return "", &DuplicateError{PhysID: physid, Items: slices.Clone(items)}
	}
}

// LookupAny finds an item by canonical id or by physical id.
//
//   - only one interpretation matches: that item
//   - both match the same item: that item
//   - both match different items: ErrAmbiguous
//   - neither matches: docstore.ErrNotFound
//
// Before Prepare, only the canonical interpretation is available; a miss is
// then ErrNotPrepared.
func (x *Index) LookupAny(ctx context.Context, key string) (document.Doc, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("lookup: empty id: %w", docstore.ErrNotFound)
	}

	direct, err := x.store.Get(ctx, x.items, key)
	switch {
	case err == nil:
	case errors.Is(err, docstore.ErrNotFound) && !errors.Is(err, docstore.ErrNoDatabase):
		direct = nil
	default:
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}

	resolved, rerr := x.Resolve(key)
	switch {
	case rerr == nil:
	case errors.Is(rerr, ErrNotPrepared):
		if direct != nil {
			return direct, nil
		}
		return nil, fmt.Errorf("lookup %s: %w", key, rerr)
	case errors.Is(rerr, docstore.ErrNotFound):
		if direct != nil {
			return direct, nil
		}
		return nil, fmt.Errorf("lookup %s: %w", key, docstore.ErrNotFound)
	default:
		return nil, fmt.Errorf("lookup %s: %w", key, rerr)
	}

	if direct != nil {
		if resolved == direct.ID() {
			return direct, nil
		}
		return nil, fmt.Errorf("lookup %s: canonical id of %s and physical id of %s: %w",
			key, direct.ID(), resolved, ErrAmbiguous)
	}

	doc, err := x.store.Get(ctx, x.items, resolved)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: physical id maps to %s: %w", key, resolved, err)
	}
	return doc, nil
}
