// Package graph maintains the containment graph: one {container, child}
// edge document per contained item in the namespace's containers database.
//
// An item has at most one container. Add replaces any existing edge, so the
// single-parent rule holds as long as all writes go through this package.
// Traversals load the edge set once and walk it iteratively with a visited
// set, so corrupted data (cycles, double parents) is reported and never
// loops.
package graph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
)

// Edge document fields.
const (
	FieldContainer = "container"
	FieldChild     = "child"
)

// ErrNotInContainer is returned by Move when the item is not in the source
// container.
var ErrNotInContainer = errors.New("item is not in container")

// Edge is one membership.
type Edge struct {
	ID        string `json:"-"`
	Container string `json:"container"`
	Child     string `json:"child"`
}

// Cycle records a traversal step that led back to an id already visited.
type Cycle struct {
	Container string
	Child     string
}

// Subtree is the result of a descendant walk.
type Subtree struct {
	// IDs lists descendants in discovery order. The children of one
	// container appear together, sorted by id.
	IDs []string
	// Cycles lists every edge that was not followed because its child had
	// already been visited.
	Cycles []Cycle
}

// Contains reports whether id is among the descendants.
func (s Subtree) Contains(id string) bool { return slices.Contains(s.IDs, id) }

// Graph reads and writes membership edges.
type Graph struct {
	store  *docstore.Store
	edges  string
	items  string
	logger *slog.Logger
}

// New creates a graph over the edge database edgesDB. itemsDB is consulted
// for category filters.
func New(store *docstore.Store, edgesDB, itemsDB string, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{store: store, edges: edgesDB, items: itemsDB, logger: logger}
}

// Add puts item into container, removing any membership it had before.
func (g *Graph) Add(ctx context.Context, container, item string) error {
	if container == "" || item == "" {
		return fmt.Errorf("add: container and item are required")
	}
	if container == item {
		return fmt.Errorf("add: %s cannot contain itself", item)
	}
	if _, err := g.Remove(ctx, item); err != nil {
		return err
	}
	doc := document.Doc{FieldContainer: container, FieldChild: item}
	if _, _, err := g.store.Create(ctx, g.edges, doc, ""); err != nil {
		return fmt.Errorf("add %s to %s: %w", item, container, err)
	}
	return nil
}

// Remove deletes every membership of item and reports how many there were.
func (g *Graph) Remove(ctx context.Context, item string) (int, error) {
	docs, err := g.store.Query(ctx, g.edges, docstore.Eq{Field: FieldChild, Value: item})
	if err != nil {
		return 0, fmt.Errorf("remove %s: %w", item, err)
	}
	for _, d := range docs {
		if _, err := g.store.Delete(ctx, g.edges, d.ID(), d.Rev(), true); err != nil {
			return 0, fmt.Errorf("remove %s: %w", item, err)
		}
	}
	return len(docs), nil
}

// Move transfers item from one container to another.
func (g *Graph) Move(ctx context.Context, from, to, item string) error {
	parents, err := g.Parents(ctx, item)
	if err != nil {
		return err
	}
	if !slices.Contains(parents, from) {
		return fmt.Errorf("move %s from %s: %w", item, from, ErrNotInContainer)
	}
	return g.Add(ctx, to, item)
}

// Children returns the ids directly inside container, sorted. When
// categories are given only children of those categories are returned.
func (g *Graph) Children(ctx context.Context, container string, categories ...string) ([]string, error) {
	docs, err := g.store.Query(ctx, g.edges, docstore.Eq{Field: FieldContainer, Value: container})
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", container, err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.Str(FieldChild))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return g.filter(ctx, ids, categories)
}

// ChildDocs is Children returning the item documents.
func (g *Graph) ChildDocs(ctx context.Context, container string, categories ...string) ([]document.Doc, error) {
	ids, err := g.Children(ctx, container, categories...)
	if err != nil {
		return nil, err
	}
	return g.docs(ctx, ids)
}

// ChildrenAll returns every descendant of container. The walk is iterative;
// an edge leading back to a visited id is not followed, is logged and is
// reported in Subtree.Cycles while its siblings are still walked. When
// categories are given, the walk still passes through other categories but
// only matching ids are returned.
func (g *Graph) ChildrenAll(ctx context.Context, container string, categories ...string) (Subtree, error) {
	edges, err := g.Edges(ctx)
	if err != nil {
		return Subtree{}, err
	}
	children := childIndex(edges)

	var out Subtree
	visited := map[string]bool{container: true}
	stack := []string{container}
	for len(stack) > 0 {
		parent := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		kids := children[parent]
		var next []string
		for _, child := range kids {
			if visited[child] {
				out.Cycles = append(out.Cycles, Cycle{Container: parent, Child: child})
				g.logger.Warn("containment cycle: branch not followed",
					"container", parent, "child", child, "root", container)
				continue
			}
			visited[child] = true
			out.IDs = append(out.IDs, child)
			next = append(next, child)
		}
		// Push in reverse so the smallest id is walked first.
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
	}

	if len(categories) > 0 {
		out.IDs, err = g.filter(ctx, out.IDs, categories)
		if err != nil {
			return Subtree{}, err
		}
	}
	return out, nil
}

// Parents returns the containers holding item. More than one is an integrity
// problem and is logged.
func (g *Graph) Parents(ctx context.Context, item string) ([]string, error) {
	docs, err := g.store.Query(ctx, g.edges, docstore.Eq{Field: FieldChild, Value: item})
	if err != nil {
		return nil, fmt.Errorf("parents of %s: %w", item, err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.Str(FieldContainer))
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) > 1 {
		g.logger.Warn("item has more than one container", "item", item, "containers", ids)
	}
	return ids, nil
}

// ParentsAll returns the container chain of item ordered root-to-leaf,
// excluding item itself. The walk stops at one of roots, at an item with no
// container, or at an id already on the chain. Containers above a root are
// never part of the chain.
func (g *Graph) ParentsAll(ctx context.Context, item string, roots ...string) ([]string, error) {
	edges, err := g.Edges(ctx)
	if err != nil {
		return nil, err
	}
	parents := parentIndex(edges)
	isRoot := func(id string) bool { return id != "" && slices.Contains(roots, id) }

	var chain []string
	seen := map[string]bool{item: true}
	for current := item; !isRoot(current); {
		ps := parents[current]
		if len(ps) == 0 {
			break
		}
		if len(ps) > 1 {
			g.logger.Warn("item has more than one container", "item", current, "containers", ps)
		}
		parent := ps[0]
		if seen[parent] {
			g.logger.Warn("containment cycle on parent walk", "item", item, "at", parent)
			break
		}
		seen[parent] = true
		chain = append(chain, parent)
		current = parent
	}
	slices.Reverse(chain)
	return chain, nil
}

// Edges returns every membership ordered by container then child.
func (g *Graph) Edges(ctx context.Context) ([]Edge, error) {
	docs, err := g.store.All(ctx, g.edges)
	if err != nil {
		return nil, fmt.Errorf("edges: %w", err)
	}
	out := make([]Edge, 0, len(docs))
	for _, d := range docs {
		out = append(out, Edge{ID: d.ID(), Container: d.Str(FieldContainer), Child: d.Str(FieldChild)})
	}
	slices.SortFunc(out, func(a, b Edge) int {
		if a.Container != b.Container {
			return cmp.Compare(a.Container, b.Container)
		}
		return cmp.Compare(a.Child, b.Child)
	})
	return out, nil
}

// childIndex maps container to sorted, de-duplicated children.
func childIndex(edges []Edge) map[string][]string {
	idx := map[string][]string{}
	for _, e := range edges {
		idx[e.Container] = append(idx[e.Container], e.Child)
	}
	for k, v := range idx {
		slices.Sort(v)
		idx[k] = slices.Compact(v)
	}
	return idx
}

func parentIndex(edges []Edge) map[string][]string {
	idx := map[string][]string{}
	for _, e := range edges {
		idx[e.Child] = append(idx[e.Child], e.Container)
	}
	for k, v := range idx {
		slices.Sort(v)
		idx[k] = slices.Compact(v)
	}
	return idx
}

// filter keeps ids whose item category is in categories, preserving order.
func (g *Graph) filter(ctx context.Context, ids []string, categories []string) ([]string, error) {
	if len(categories) == 0 || len(ids) == 0 {
		return ids, nil
	}
	docs, err := g.store.Query(ctx, g.items, docstore.And{
		docstore.In{Field: document.FieldID, Values: ids},
		docstore.In{Field: document.FieldCategory, Values: categories},
	}, document.FieldCategory)
	if err != nil {
		return nil, fmt.Errorf("filter by category: %w", err)
	}
	keep := make(map[string]bool, len(docs))
	for _, d := range docs {
		keep[d.ID()] = true
	}
	out := make([]string, 0, len(docs))
	for _, id := range ids {
		if keep[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// docs fetches item documents for ids, preserving order. Ids without an
// item document are skipped.
func (g *Graph) docs(ctx context.Context, ids []string) ([]document.Doc, error) {
	if len(ids) == 0 {
		return []document.Doc{}, nil
	}
	found, err := g.store.Query(ctx, g.items, docstore.In{Field: document.FieldID, Values: ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]document.Doc, len(found))
	for _, d := range found {
		byID[d.ID()] = d
	}
	out := make([]document.Doc, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}
