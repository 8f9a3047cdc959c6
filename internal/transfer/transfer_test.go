package transfer

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dehc/internal/blob"
	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/evac"
	"github.com/roach88/dehc/internal/graph"
	"github.com/roach88/dehc/internal/schema"
	"github.com/roach88/dehc/internal/testutil"
)

func golden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func options(t *testing.T) evac.Options {
	t.Helper()
	reg, err := schema.Load(testutil.SchemaJSON)
	require.NoError(t, err)
	return evac.Options{Local: reg, Logger: discard()}
}

func newHandle(t *testing.T) *evac.Handle {
	t.Helper()
	store := docstore.New(docstore.NewMemory(), docstore.WithIDGenerator(testutil.NewSequentialIDs("id")))
	h, err := evac.Bootstrap(context.Background(), store, options(t))
	require.NoError(t, err)
	return h
}

func create(t *testing.T, h *evac.Handle, cat, name string, extra document.Doc) string {
	t.Helper()
	doc := document.Doc{document.FieldCategory: cat, "Display Name": name}
	for k, v := range extra {
		doc[k] = v
	}
	id, _, err := h.CreateItem(context.Background(), doc)
	require.NoError(t, err)
	return id
}

func TestListLiteral(t *testing.T) {
	assert.Equal(t, "[]", FormatList(nil))
	assert.Equal(t, "['a', 'b']", FormatList([]string{"a", "b"}))
	assert.Equal(t, `["O'Neil"]`, FormatList([]string{"O'Neil"}))
	assert.Equal(t, `['say "hi" it\'s']`, FormatList([]string{`say "hi" it's`}))

	for _, in := range [][]string{{}, {"a"}, {"a", "b c"}, {"O'Neil", `x\y`}, {`say "hi" it's`, "tab\there"}} {
		got, err := ParseList(FormatList(in))
		require.NoError(t, err)
		assert.Equal(t, in, got)
	}

	got, err := ParseList("")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"a", "[a]", "['a'", "['a' 'b']"} {
		_, err := ParseList(bad)
		assert.Error(t, err, bad)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"Hall":          "Hall",
		"  Jane: Doe ":  "Jane_ Doe",
		"a/b\\c":        "a_b_c",
		"":              "_",
		"   ":           "_",
		"Crate [3] (x)": "Crate [3] (x)",
		"Zoë":           "Zo_",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), in)
	}
}

// csvScene creates people and a bag with fixed ids through the bulk path.
func csvScene(t *testing.T, h *evac.Handle) {
	t.Helper()
	ctx := context.Background()
	people := []document.Doc{
		{document.FieldCategory: evac.CategoryPerson, "Display Name": "Doe, Jane", "Rank or Title": "Dr", "Weight (KG)": "60"},
		{document.FieldCategory: evac.CategoryPerson, "Display Name": "Bob", "Locked": "1"},
	}
	_, err := h.CreateItems(ctx, people, []string{"p-1", "p-2"})
	require.NoError(t, err)
	bags := []document.Doc{
		{document.FieldCategory: evac.CategoryBaggage, "Display Name": "Suitcase", "Owner": []string{"p-1", "p-2"}, "Description": "Hard case", "Weight (KG)": "15"},
	}
	_, err = h.CreateItems(ctx, bags, []string{"b-1"})
	require.NoError(t, err)

	require.NoError(t, h.Place(ctx, h.Evacuation(), "p-1"))
	require.NoError(t, h.Place(ctx, "p-1", "b-1"))
	require.NoError(t, h.IDs.Assign(ctx, "p-1", []string{"tag-1", "tag-2"}))
	require.NoError(t, h.Photos.Save(ctx, "p-1", []byte("jpeg-bytes")))
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t)
	csvScene(t, h)
	out := blob.NewMemory()

	report, err := ExportCSV(ctx, h, out, discard())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Items[evac.CategoryPerson])
	assert.Equal(t, 1, report.Items[evac.CategoryEvacuation])
	assert.Equal(t, 2, report.Containers)
	assert.Equal(t, 2, report.IDs)
	assert.Equal(t, 1, report.Photos)

	g := golden(t)
	for _, cat := range []string{evac.CategoryPerson, evac.CategoryBaggage} {
		data, err := blob.ReadAll(ctx, out, ItemsFile(cat))
		require.NoError(t, err)
		g.Assert(t, "items_"+strings.ToLower(cat), data)
	}

	ids, err := blob.ReadAll(ctx, out, IDsFile)
	require.NoError(t, err)
	assert.Equal(t, "item,physid\r\np-1,tag-1\r\np-1,tag-2\r\n", string(ids))

	edges, err := blob.ReadAll(ctx, out, ContainersFile)
	require.NoError(t, err)
	assert.Contains(t, string(edges), "p-1,b-1\r\n")
	assert.Contains(t, string(edges), h.Evacuation()+",p-1\r\n")
}

func TestImportCSV_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newHandle(t)
	csvScene(t, src)
	tables := blob.NewMemory()
	_, err := ExportCSV(ctx, src, tables, discard())
	require.NoError(t, err)

	target := docstore.New(docstore.NewMemory())
	report, err := ImportCSV(ctx, target, options(t), tables, ImportOptions{Logger: discard()})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Items[evac.CategoryPerson])
	assert.Equal(t, 1, report.Items[evac.CategoryBaggage])
	assert.Empty(t, report.Failed)

	h, err := evac.Open(ctx, target, options(t))
	require.NoError(t, err)
	assert.Equal(t, src.Evacuation(), h.Evacuation())
	assert.Equal(t, src.Trash(), h.Trash())

	bag, err := h.Item(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1", "p-2"}, bag.List("Owner"))
	assert.Equal(t, "Hard case", bag.Str("Description"))

	bob, err := h.Item(ctx, "p-2")
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), bob["Locked"])
	assert.True(t, h.Locked(bob))

	jane, err := h.Item(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tag-1", "tag-2"}, jane["Physical IDs"])

	parents, err := h.Graph.Parents(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, parents)

	photo, ok, err := h.Photos.Load(ctx, "p-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "jpeg-bytes", string(photo))
}

func TestImportCSV_DeleteFirst(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t)
	create(t, h, "Location", "Stale", nil)

	tables := blob.NewMemory()
	_, err := blob.PutBytes(ctx, tables, ItemsFile("Location"), []byte("_id,Display Name,Description\r\nloc-1,Fresh,\r\n"), blob.PutOptions{})
	require.NoError(t, err)

	for _, drop := range []bool{false, true} {
		_, err := ImportCSV(ctx, h.Store, options(t), tables, ImportOptions{Delete: true, Drop: drop, Logger: discard()})
		require.NoError(t, err)

		locs, err := h.Items(ctx, "Location", nil)
		require.NoError(t, err)
		require.Len(t, locs, 1)
		assert.Equal(t, "Fresh", locs[0].Str("Display Name"))
	}
}

func personTemplate(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := []struct {
		name, body string
		method     uint16
	}{
		{"mimetype", "application/vnd.oasis.opendocument.text", zip.Store},
		{"content.xml", "<text:p>##Display Name## ##physid## ##Weight (KG)## ##nope##</text:p>", zip.Deflate},
		{"Pictures/photo.jpg", "placeholder", zip.Deflate},
	}
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: e.method})
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func unzip(t *testing.T, data []byte) (names []string, files map[string]string) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files = map[string]string{}
	for _, f := range zr.File {
		body, err := readEntry(f)
		require.NoError(t, err)
		names = append(names, f.Name)
		files[f.Name] = string(body)
	}
	return names, files
}

func TestFillTemplate(t *testing.T) {
	filled, err := FillTemplate(personTemplate(t), map[string]string{
		"Display Name": "Tom & Jerry",
		"physid":       "['t-1']",
		"Weight (KG)":  "80",
	}, []byte("new-photo"))
	require.NoError(t, err)

	names, files := unzip(t, filled)
	assert.Equal(t, []string{"mimetype", "content.xml", "Pictures/photo.jpg"}, names)
	assert.Equal(t, "<text:p>Tom &amp; Jerry [&#39;t-1&#39;] 80 ##nope##</text:p>", files["content.xml"])
	assert.Equal(t, "new-photo", files["Pictures/photo.jpg"])

	_, err = FillTemplate([]byte("not a zip"), nil, nil)
	assert.Error(t, err)
}

// treeScene is DEHC > {Hall > Ark > Jane > Suitcase, Tent, Tent}.
func treeScene(t *testing.T, h *evac.Handle) (hall, ark, jane string) {
	t.Helper()
	ctx := context.Background()
	hall = create(t, h, "Location", "Hall", nil)
	ark = create(t, h, evac.CategoryVessel, "Ark", nil)
	jane = create(t, h, evac.CategoryPerson, "Jane: Doe", document.Doc{"Physical IDs": []string{"tag-jane"}})
	bag := create(t, h, evac.CategoryBaggage, "Suitcase", document.Doc{"Owner": []string{jane}})
	tent1 := create(t, h, "Location", "Tent", nil)
	tent2 := create(t, h, "Location", "Tent", nil)

	require.NoError(t, h.Place(ctx, h.Evacuation(), hall))
	require.NoError(t, h.Place(ctx, hall, ark))
	require.NoError(t, h.Place(ctx, ark, jane))
	require.NoError(t, h.Place(ctx, jane, bag))
	require.NoError(t, h.Place(ctx, h.Evacuation(), tent1))
	require.NoError(t, h.Place(ctx, h.Evacuation(), tent2))
	require.NoError(t, h.Photos.Save(ctx, jane, []byte("jpeg-bytes")))
	return hall, ark, jane
}

func keys(t *testing.T, s blob.Store) []string {
	t.Helper()
	infos, err := s.List(context.Background(), "")
	require.NoError(t, err)
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.Key)
	}
	return out
}

func TestExportTree(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t)
	_, _, jane := treeScene(t, h)

	templates := blob.NewMemory()
	_, err := blob.PutBytes(ctx, templates, "Person.odt", personTemplate(t), blob.PutOptions{})
	require.NoError(t, err)

	out := blob.NewMemory()
	start := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	report, err := ExportTree(ctx, h, out, TreeOptions{
		Templates: templates,
		Now:       func() time.Time { return start },
		Logger:    discard(),
	})
	require.NoError(t, err)
	assert.Equal(t, 7, report.Items)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Repeats)

	listing := strings.Join(keys(t, out), "\n") + "\n"
	golden(t).Assert(t, "tree_keys", []byte(listing))

	logTxt, err := blob.ReadAll(ctx, out, "log.txt")
	require.NoError(t, err)
	assert.Equal(t, "Export initiated at:\n2024-05-01-09-30-00\n", string(logTxt))

	physids, err := blob.ReadAll(ctx, out, "DEHC/Hall/Ark/Jane_ Doe/Jane_ Doe.txt")
	require.NoError(t, err)
	assert.Equal(t, "tag-jane\n", string(physids))

	raw, err := blob.ReadAll(ctx, out, "DEHC/Hall/Ark/Jane_ Doe/Jane_ Doe.json")
	require.NoError(t, err)
	doc, err := document.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, jane, doc.ID())

	odt, err := blob.ReadAll(ctx, out, "DEHC/Hall/Ark/Jane_ Doe/Jane_ Doe.odt")
	require.NoError(t, err)
	_, files := unzip(t, odt)
	assert.Equal(t, "<text:p>Jane: Doe [&#39;tag-jane&#39;] 80 ##nope##</text:p>", files["content.xml"])
	assert.Equal(t, "jpeg-bytes", files["Pictures/photo.jpg"])

	_, err = ExportTree(ctx, h, out, TreeOptions{Logger: discard()})
	assert.ErrorIs(t, err, ErrNotEmpty)
}

func TestExportTree_RepeatedItemStopsBranch(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t)
	hall, ark, _ := treeScene(t, h)

	// A second membership pointing back up the tree.
	_, _, err := h.Store.Create(ctx, h.DBs.Containers, document.Doc{graph.FieldContainer: ark, graph.FieldChild: hall}, "")
	require.NoError(t, err)

	out := blob.NewMemory()
	report, err := ExportTree(ctx, h, out, TreeOptions{Logger: discard()})
	require.NoError(t, err)
	assert.Equal(t, []string{hall}, report.Repeats)
	assert.NotContains(t, keys(t, out), "DEHC/Hall/Ark/Hall/Hall.json")
}

func TestExportTree_DuplicateNamesRunOut(t *testing.T) {
	ctx := context.Background()
	h := newHandle(t)
	var last string
	for i := 0; i < maxDuplicates+1; i++ {
		last = create(t, h, "Location", "Tent", nil)
		require.NoError(t, h.Place(ctx, h.Evacuation(), last))
	}

	out := blob.NewMemory()
	report, err := ExportTree(ctx, h, out, TreeOptions{Logger: discard()})
	require.NoError(t, err)
	assert.Equal(t, []string{last}, report.Skipped)
	assert.Contains(t, keys(t, out), "DEHC/Tent (10)/Tent.json")
}

func TestLockDir(t *testing.T) {
	dir := t.TempDir() + "/export"
	unlock, err := LockDir(context.Background(), dir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err = LockDir(ctx, dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, unlock())
	unlock, err = LockDir(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, unlock())
}
