// Package transfer moves a namespace in and out of the store: CSV files per
// category plus the membership, physical id and photo tables, and the full
// browsable tree export.
package transfer

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/dehc/internal/blob"
	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/evac"
)

// CSV table names.
const (
	ContainersFile = "containers.csv"
	IDsFile        = "ids.csv"
	FilesFile      = "files.csv"
)

// ItemsFile is the table of one category.
func ItemsFile(cat string) string { return "items-" + cat + ".csv" }

// CSVReport counts the rows written or read per table.
type CSVReport struct {
	Items      map[string]int `json:"items" yaml:"items"`
	Containers int            `json:"containers" yaml:"containers"`
	IDs        int            `json:"ids" yaml:"ids"`
	Photos     int            `json:"photos" yaml:"photos"`
	// Failed lists items the store rejected during an import.
	Failed []string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func newCSVReport() CSVReport { return CSVReport{Items: map[string]int{}} }

func writeTable(ctx context.Context, out blob.Store, name string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = true
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	if _, err := blob.PutBytes(ctx, out, name, buf.Bytes(), blob.PutOptions{ContentType: "text/csv"}); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// cell renders one field value. List values use the list literal form.
func cell(doc document.Doc, field string) string {
	switch doc[field].(type) {
	case []any, []string:
		return FormatList(doc.List(field))
	}
	return doc.Str(field)
}

// ExportCSV writes every category table and the three relation tables to out.
// Derived fields are not exported.
func ExportCSV(ctx context.Context, h *evac.Handle, out blob.Store, logger *slog.Logger) (CSVReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	report := newCSVReport()

	for _, cat := range h.Schema.Categories() {
		fields := h.Schema.WritableFields(cat)
		docs, err := h.Items(ctx, cat, nil)
		if err != nil {
			return report, err
		}
		header := append([]string{document.FieldID}, fields...)
		rows := make([][]string, 0, len(docs))
		for _, d := range docs {
			row := []string{d.ID()}
			for _, f := range fields {
				row = append(row, cell(d, f))
			}
			rows = append(rows, row)
		}
		if err := writeTable(ctx, out, ItemsFile(cat), header, rows); err != nil {
			return report, err
		}
		report.Items[cat] = len(rows)
		logger.Info("exported items", "category", cat, "rows", len(rows))
	}

	edges, err := h.Graph.Edges(ctx)
	if err != nil {
		return report, err
	}
	rows := make([][]string, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, []string{e.Container, e.Child})
	}
	if err := writeTable(ctx, out, ContainersFile, []string{"container", "child"}, rows); err != nil {
		return report, err
	}
	report.Containers = len(rows)

	mappings, err := h.IDs.Mappings(ctx)
	if err != nil {
		return report, err
	}
	rows = make([][]string, 0, len(mappings))
	for _, m := range mappings {
		if m[0] == "" || m[1] == "" {
			continue
		}
		rows = append(rows, []string{m[0], m[1]})
	}
	if err := writeTable(ctx, out, IDsFile, []string{"item", "physid"}, rows); err != nil {
		return report, err
	}
	report.IDs = len(rows)

	photos, err := h.Photos.All(ctx)
	if err != nil {
		return report, err
	}
	rows = make([][]string, 0, len(photos))
	for _, p := range photos {
		if p.Item == "" {
			continue
		}
		rows = append(rows, []string{p.Item, p.Encoded})
	}
	if err := writeTable(ctx, out, FilesFile, []string{"item", "photo"}, rows); err != nil {
		return report, err
	}
	report.Photos = len(rows)

	logger.Info("csv export finished", "containers", report.Containers, "ids", report.IDs, "photos", report.Photos)
	return report, nil
}

// ImportOptions controls what happens to existing data before an import.
type ImportOptions struct {
	// Delete empties the namespace databases first.
	Delete bool
	// Drop deletes the databases instead of emptying them. Requires Delete.
	Drop   bool
	Logger *slog.Logger
}

// readTable returns the rows of name keyed by header. ok is false when the
// table does not exist.
func readTable(ctx context.Context, in blob.Store, name string) (rows []map[string]string, ok bool, err error) {
	data, err := blob.ReadAll(ctx, in, name)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", name, err)
	}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("read %s: %w", name, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
}

// ImportCSV loads the tables in src into the namespace opts describes. The
// namespace is optionally cleared or dropped, its databases ensured and the
// schema saved before items, memberships, physical ids and photos are
// written, in that order. Missing tables are skipped.
func ImportCSV(ctx context.Context, store *docstore.Store, opts evac.Options, src blob.Store, imp ImportOptions) (CSVReport, error) {
	logger := imp.Logger
	if logger == nil {
		logger = slog.Default()
	}
	report := newCSVReport()
	dbs := evac.NamespaceDatabases(opts.Namespace)

	if imp.Delete {
		if imp.Drop {
			if err := store.DropDatabases(ctx, true, dbs.All()...); err != nil {
				return report, err
			}
		} else {
			for _, db := range dbs.All() {
				if err := store.Clear(ctx, db); err != nil && !errors.Is(err, docstore.ErrNotFound) {
					return report, err
				}
			}
		}
	}
	if err := store.EnsureDatabases(ctx, dbs.All()...); err != nil {
		return report, err
	}
	opts.SkipRoots = true
	opts.UpdateSchema = true
	if opts.Logger == nil {
		opts.Logger = logger
	}
	h, err := evac.Open(ctx, store, opts)
	if err != nil {
		return report, err
	}

	for _, cat := range h.Schema.Categories() {
		n, failed, err := importItems(ctx, h, src, cat)
		if err != nil {
			return report, err
		}
		if n > 0 || len(failed) > 0 {
			report.Items[cat] = n
		}
		report.Failed = append(report.Failed, failed...)
	}

	rows, _, err := readTable(ctx, src, ContainersFile)
	if err != nil {
		return report, err
	}
	for _, row := range rows {
		if err := h.Graph.Add(ctx, row["container"], row["child"]); err != nil {
			return report, fmt.Errorf("import membership %s > %s: %w", row["container"], row["child"], err)
		}
		report.Containers++
	}
	logger.Info("imported memberships", "rows", report.Containers)

	rows, _, err = readTable(ctx, src, IDsFile)
	if err != nil {
		return report, err
	}
	grouped := map[string][]string{}
	var order []string
	for _, row := range rows {
		item := row["item"]
		if _, seen := grouped[item]; !seen {
			order = append(order, item)
		}
		grouped[item] = append(grouped[item], row["physid"])
	}
	for _, item := range order {
		if err := h.IDs.Assign(ctx, item, grouped[item]); err != nil {
			return report, err
		}
		report.IDs += len(grouped[item])
	}
	logger.Info("imported physical ids", "rows", report.IDs, "items", len(order))

	rows, _, err = readTable(ctx, src, FilesFile)
	if err != nil {
		return report, err
	}
	for _, row := range rows {
		if err := h.Photos.SaveEncoded(ctx, row["item"], row["photo"]); err != nil {
			return report, err
		}
		report.Photos++
	}
	logger.Info("imported photos", "rows", report.Photos)
	return report, nil
}

func importItems(ctx context.Context, h *evac.Handle, src blob.Store, cat string) (int, []string, error) {
	rows, ok, err := readTable(ctx, src, ItemsFile(cat))
	if err != nil || !ok {
		return 0, nil, err
	}
	listFields := h.Schema.IDSListFields(cat)
	lock := h.Schema.LockField(cat)

	docs := make([]document.Doc, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		doc := document.Doc{document.FieldCategory: cat}
		for k, v := range row {
			if k == document.FieldID {
				continue
			}
			doc[k] = v
		}
		for _, f := range listFields {
			v, present := row[f]
			if !present {
				continue
			}
			list, err := ParseList(v)
			if err != nil {
				return 0, nil, fmt.Errorf("%s row %s field %s: %w", ItemsFile(cat), row[document.FieldID], f, err)
			}
			doc[f] = list
		}
		if v, present := row[lock]; present && lock != "" {
			if v == "1" {
				doc[lock] = json.Number("1")
			} else {
				doc[lock] = json.Number("0")
			}
		}
		docs = append(docs, doc)
		ids = append(ids, row[document.FieldID])
	}
	if slices.Contains(ids, "") {
		ids = nil
	}

	results, err := h.CreateItems(ctx, docs, ids)
	if err != nil {
		return 0, nil, fmt.Errorf("import %s: %w", ItemsFile(cat), err)
	}
	var failed []string
	created := 0
	for _, r := range results {
		if r.Err != nil {
			h.Logger().Warn("item not imported", "category", cat, "id", r.ID, "error", r.Err)
			failed = append(failed, r.ID)
			continue
		}
		created++
	}
	h.Logger().Info("imported items", "category", cat, "rows", created)
	return created, failed, nil
}
