package graph

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/testutil"
)

const (
	edgesDB = "dehc-containers"
	itemsDB = "dehc-items"
)

func newTestGraph(t *testing.T) (*Graph, *docstore.Store, *bytes.Buffer) {
	t.Helper()
	store := docstore.New(docstore.NewMemory(), docstore.WithIDGenerator(testutil.NewSequentialIDs("edge-")))
	require.NoError(t, store.EnsureDatabases(context.Background(), edgesDB, itemsDB))
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	return New(store, edgesDB, itemsDB, logger), store, &logs
}

func addItems(t *testing.T, store *docstore.Store, cats map[string]string) {
	t.Helper()
	for id, cat := range cats {
		_, _, err := store.Create(context.Background(), itemsDB, document.Doc{"category": cat}, id)
		require.NoError(t, err)
	}
}

func TestGraph_AddAndChildren(t *testing.T) {
	ctx := context.Background()
	g, store, _ := newTestGraph(t)
	_, _, err := store.Create(ctx, itemsDB, document.Doc{"category": "Person", "Display Name": "Jane Doe"}, "A")
	require.NoError(t, err)
	_, _, err = store.Create(ctx, itemsDB, document.Doc{"category": "Vessel", "Display Name": "Bus 1"}, "B")
	require.NoError(t, err)

	require.NoError(t, g.Add(ctx, "B", "A"))

	children, err := g.Children(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, children)

	// Deleting the container lazily twice: the second call is a no-op.
	rev, err := store.Delete(ctx, itemsDB, "B", "", true)
	require.NoError(t, err)
	assert.NotEmpty(t, rev)
	rev, err = store.Delete(ctx, itemsDB, "B", "", true)
	require.NoError(t, err)
	assert.Empty(t, rev)
}

func TestGraph_SingleContainer(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGraph(t)

	for _, container := range []string{"B", "C", "D", "C"} {
		require.NoError(t, g.Add(ctx, container, "A"))
		parents, err := g.Parents(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, []string{container}, parents)
	}

	edges, err := g.Edges(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestGraph_AddRejectsSelf(t *testing.T) {
	g, _, _ := newTestGraph(t)
	assert.Error(t, g.Add(context.Background(), "A", "A"))
	assert.Error(t, g.Add(context.Background(), "", "A"))
}

func TestGraph_Remove(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGraph(t)
	require.NoError(t, g.Add(ctx, "B", "A"))

	n, err := g.Remove(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = g.Remove(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, n)

	children, err := g.Children(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestGraph_Move(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGraph(t)
	require.NoError(t, g.Add(ctx, "B", "A"))

	err := g.Move(ctx, "X", "C", "A")
	assert.ErrorIs(t, err, ErrNotInContainer)

	require.NoError(t, g.Move(ctx, "B", "C", "A"))
	parents, err := g.Parents(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, parents)
}

func TestGraph_ChildrenCategoryFilter(t *testing.T) {
	ctx := context.Background()
	g, store, _ := newTestGraph(t)
	addItems(t, store, map[string]string{"p1": "Person", "p2": "Person", "bag": "Baggage"})
	for _, id := range []string{"p2", "bag", "p1"} {
		require.NoError(t, g.Add(ctx, "V", id))
	}

	people, err := g.Children(ctx, "V", "Person")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, people)

	docs, err := g.ChildDocs(ctx, "V", "Baggage")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "bag", docs[0].ID())
}

func TestGraph_ChildrenAll(t *testing.T) {
	ctx := context.Background()
	g, store, _ := newTestGraph(t)
	addItems(t, store, map[string]string{"loc": "Location", "v": "Vessel", "p1": "Person", "p2": "Person", "b1": "Baggage"})

	require.NoError(t, g.Add(ctx, "root", "loc"))
	require.NoError(t, g.Add(ctx, "loc", "v"))
	require.NoError(t, g.Add(ctx, "v", "p1"))
	require.NoError(t, g.Add(ctx, "v", "b1"))
	require.NoError(t, g.Add(ctx, "loc", "p2"))

	sub, err := g.ChildrenAll(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"loc", "p2", "v", "b1", "p1"}, sub.IDs)
	assert.Empty(t, sub.Cycles)
	assert.True(t, sub.Contains("p1"))
	assert.False(t, sub.Contains("root"))

	people, err := g.ChildrenAll(ctx, "root", "Person")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p1", "p2"}, people.IDs)
}

func TestGraph_ChildrenAllTerminatesOnCycle(t *testing.T) {
	ctx := context.Background()
	g, store, logs := newTestGraph(t)

	// Edges written directly: Add would never produce a second parent.
	for _, e := range [][2]string{{"root", "a"}, {"a", "b"}, {"b", "c"}, {"c", "a"}, {"root", "z"}} {
		_, _, err := store.Create(ctx, edgesDB, document.Doc{FieldContainer: e[0], FieldChild: e[1]}, "")
		require.NoError(t, err)
	}

	sub, err := g.ChildrenAll(ctx, "root")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c", "z"}, sub.IDs)
	require.Len(t, sub.Cycles, 1)
	assert.Equal(t, Cycle{Container: "c", Child: "a"}, sub.Cycles[0])
	assert.Contains(t, logs.String(), "containment cycle")
}

func TestGraph_ParentsAll(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGraph(t)
	require.NoError(t, g.Add(ctx, "evac", "loc"))
	require.NoError(t, g.Add(ctx, "loc", "vessel"))
	require.NoError(t, g.Add(ctx, "vessel", "person"))

	chain, err := g.ParentsAll(ctx, "person")
	require.NoError(t, err)
	assert.Equal(t, []string{"evac", "loc", "vessel"}, chain)

	chain, err = g.ParentsAll(ctx, "evac")
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestGraph_ParentsAllStopsAtRoot(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGraph(t)
	require.NoError(t, g.Add(ctx, "stray", "evac"))
	require.NoError(t, g.Add(ctx, "evac", "loc"))
	require.NoError(t, g.Add(ctx, "loc", "person"))

	chain, err := g.ParentsAll(ctx, "person", "evac")
	require.NoError(t, err)
	assert.Equal(t, []string{"evac", "loc"}, chain)

	chain, err = g.ParentsAll(ctx, "evac", "evac")
	require.NoError(t, err)
	assert.Empty(t, chain)

	chain, err = g.ParentsAll(ctx, "person")
	require.NoError(t, err)
	assert.Equal(t, []string{"stray", "evac", "loc"}, chain)
}

func TestGraph_ParentsAllTerminatesOnCycle(t *testing.T) {
	ctx := context.Background()
	g, store, _ := newTestGraph(t)
	for _, e := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}} {
		_, _, err := store.Create(ctx, edgesDB, document.Doc{FieldContainer: e[0], FieldChild: e[1]}, "")
		require.NoError(t, err)
	}

	chain, err := g.ParentsAll(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, chain)
}

func TestGraph_EdgesSorted(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGraph(t)
	require.NoError(t, g.Add(ctx, "b", "y"))
	require.NoError(t, g.Add(ctx, "a", "z"))
	require.NoError(t, g.Add(ctx, "b", "x"))

	edges, err := g.Edges(ctx)
	require.NoError(t, err)
	got := make([][2]string, len(edges))
	for i, e := range edges {
		got[i] = [2]string{e.Container, e.Child}
	}
	assert.Equal(t, [][2]string{{"a", "z"}, {"b", "x"}, {"b", "y"}}, got)
}
