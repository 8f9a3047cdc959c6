package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/dehc/internal/blob"
	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/evac"
)

// maxDuplicates bounds the " (n)" suffixes tried for a directory name.
const maxDuplicates = 10

// StartLayout formats the export start time in log.txt.
const StartLayout = "2006-01-02-15-04-05"

// ErrNotEmpty is returned when the export destination already holds data.
var ErrNotEmpty = errors.New("export destination is not empty")

// TreeOptions configures ExportTree.
type TreeOptions struct {
	// Templates holds "<category>.odt" documents. Nil skips .odt output.
	Templates blob.Store
	Now       func() time.Time
	Logger    *slog.Logger
}

// TreeReport summarizes a tree export.
type TreeReport struct {
	Items int   `json:"items" yaml:"items"`
	Files int   `json:"files" yaml:"files"`
	Bytes int64 `json:"bytes" yaml:"bytes"`
	// Skipped items had no free directory name.
	Skipped []string `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	// Repeats are ids met a second time; the branch holding them stopped.
	Repeats []string `json:"repeats,omitempty" yaml:"repeats,omitempty"`
}

// SanitizeName maps a display name to a directory name: characters outside
// letters, digits and ".-~_()[] " become "_", and an empty result is "_".
func SanitizeName(name string) string {
	name = strings.TrimSpace(norm.NFC.String(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune(".-~_()[] ", r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

type treeExporter struct {
	h       *evac.Handle
	out     blob.Store
	opts    TreeOptions
	logger  *slog.Logger
	report  TreeReport
	physids map[string][]string
	photos  map[string]string
	claimed map[string]bool
	visited map[string]bool
}

// frame is one directory whose children are still being written.
type frame struct {
	dir      string
	children []document.Doc
	next     int
}

// ExportTree writes the containment tree below the Evacuation root to out:
// schema.json, timecheck.json and log.txt at the top, then one directory per
// item holding its document, physical ids, photo and filled-in template.
func ExportTree(ctx context.Context, h *evac.Handle, out blob.Store, opts TreeOptions) (TreeReport, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = h.Logger()
	}
	existing, err := out.List(ctx, "")
	if err != nil {
		return TreeReport{}, err
	}
	if len(existing) > 0 {
		return TreeReport{}, fmt.Errorf("%w: %d blobs present", ErrNotEmpty, len(existing))
	}

	e := &treeExporter{
		h:       h,
		out:     out,
		opts:    opts,
		logger:  logger,
		physids: map[string][]string{},
		photos:  map[string]string{},
		claimed: map[string]bool{},
		visited: map[string]bool{},
	}
	if err := e.preload(ctx); err != nil {
		return e.report, err
	}
	if err := e.writeTop(ctx); err != nil {
		return e.report, err
	}

	root, err := h.Store.Get(ctx, h.DBs.Items, h.Evacuation())
	if err != nil {
		return e.report, fmt.Errorf("export root: %w", err)
	}
	e.visited[root.ID()] = true
	err = e.walk(ctx, root)
	logger.Info("tree export finished", "items", e.report.Items, "files", e.report.Files,
		"skipped", len(e.report.Skipped), "repeats", len(e.report.Repeats))
	return e.report, err
}

func (e *treeExporter) preload(ctx context.Context) error {
	mappings, err := e.h.IDs.Mappings(ctx)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if m[0] != "" && m[1] != "" {
			e.physids[m[0]] = append(e.physids[m[0]], m[1])
		}
	}
	photos, err := e.h.Photos.All(ctx)
	if err != nil {
		return err
	}
	for _, p := range photos {
		if p.Item != "" {
			e.photos[p.Item] = p.Encoded
		}
	}
	return nil
}

func (e *treeExporter) put(ctx context.Context, key string, data []byte) error {
	info, err := blob.PutBytes(ctx, e.out, key, data, blob.PutOptions{})
	if err != nil {
		return fmt.Errorf("export %s: %w", key, err)
	}
	e.report.Files++
	e.report.Bytes += info.Size
	return nil
}

func (e *treeExporter) writeTop(ctx context.Context) error {
	def, err := document.Parse(e.h.Schema.Raw())
	if err != nil {
		return fmt.Errorf("export schema: %w", err)
	}
	data, err := document.MarshalCanonical(def)
	if err != nil {
		return err
	}
	if err := e.put(ctx, "schema.json", data); err != nil {
		return err
	}

	if tc, ok, err := e.h.ServerTime(ctx); err != nil {
		e.logger.Warn("timecheck not exported", "error", err)
	} else if ok {
		data, err := document.MarshalCanonical(tc)
		if err != nil {
			return err
		}
		if err := e.put(ctx, "timecheck.json", data); err != nil {
			return err
		}
	}

	log := "Export initiated at:\n" + e.opts.Now().Format(StartLayout) + "\n"
	return e.put(ctx, "log.txt", []byte(log))
}

// walk visits the tree depth first in child id order. A repeated id stops
// the remaining siblings of the directory it was found in.
func (e *treeExporter) walk(ctx context.Context, root document.Doc) error {
	dir, ok, err := e.node(ctx, "", root)
	if err != nil || !ok {
		return err
	}
	kids, err := e.h.Graph.ChildDocs(ctx, root.ID())
	if err != nil {
		return err
	}
	stack := []*frame{{dir: dir, children: kids}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		top := stack[len(stack)-1]
		if top.next >= len(top.children) {
			stack = stack[:len(stack)-1]
			continue
		}
		child := top.children[top.next]
		top.next++

		if e.visited[child.ID()] {
			e.logger.Warn("item already exported; branch stopped", "item", child.ID(), "dir", top.dir)
			e.report.Repeats = append(e.report.Repeats, child.ID())
			stack = stack[:len(stack)-1]
			continue
		}
		e.visited[child.ID()] = true

		dir, ok, err := e.node(ctx, top.dir, child)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		kids, err := e.h.Graph.ChildDocs(ctx, child.ID())
		if err != nil {
			return err
		}
		stack = append(stack, &frame{dir: dir, children: kids})
	}
	return nil
}

// claim reserves a directory for name under parent.
func (e *treeExporter) claim(parent, name string) (string, bool) {
	for dup := 1; dup <= maxDuplicates; dup++ {
		candidate := name
		if dup > 1 {
			candidate = fmt.Sprintf("%s (%d)", name, dup)
		}
		dir := path.Join(parent, candidate)
		if !e.claimed[dir] {
			e.claimed[dir] = true
			return dir, true
		}
	}
	return "", false
}

// node writes the files of one item and returns its directory.
func (e *treeExporter) node(ctx context.Context, parent string, doc document.Doc) (string, bool, error) {
	id := doc.ID()
	name := SanitizeName(e.h.Name(doc))
	dir, ok := e.claim(parent, name)
	if !ok {
		e.logger.Warn("unable to export item: no free directory name", "item", id, "name", name, "parent", parent)
		e.report.Skipped = append(e.report.Skipped, id)
		return "", false, nil
	}
	e.logger.Debug("exporting item", "item", id, "dir", dir)
	base := path.Join(dir, name)

	data, err := document.MarshalCanonical(doc)
	if err != nil {
		return "", false, fmt.Errorf("export %s: %w", id, err)
	}
	if err := e.put(ctx, base+".json", data); err != nil {
		return "", false, err
	}

	physids := e.physids[id]
	if len(physids) > 0 {
		if err := e.put(ctx, base+".txt", []byte(strings.Join(physids, "\n")+"\n")); err != nil {
			return "", false, err
		}
	}

	var photo []byte
	if enc, ok := e.photos[id]; ok {
		photo, err = base64.StdEncoding.DecodeString(enc)
		if err != nil {
			e.logger.Warn("photo not exported: invalid base64", "item", id, "error", err)
			photo = nil
		} else if err := e.put(ctx, base+".jpg", photo); err != nil {
			return "", false, err
		}
	}

	if err := e.writeODT(ctx, base, doc, physids, photo); err != nil {
		return "", false, err
	}
	e.report.Items++
	return dir, true, nil
}

func (e *treeExporter) writeODT(ctx context.Context, base string, doc document.Doc, physids []string, photo []byte) error {
	if e.opts.Templates == nil {
		return nil
	}
	tmpl, err := blob.ReadAll(ctx, e.opts.Templates, doc.Category()+".odt")
	if errors.Is(err, blob.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	fields := append([]string{document.FieldID, document.FieldCategory, document.FieldFlags}, e.h.Schema.FieldNames(doc.Category())...)
	values := make(map[string]string, len(fields)+1)
	for _, f := range fields {
		values[f] = cell(doc, f)
	}
	values["physid"] = FormatList(physids)

	filled, err := FillTemplate(tmpl, values, photo)
	if err != nil {
		e.logger.Warn("template not filled", "item", doc.ID(), "category", doc.Category(), "error", err)
		return nil
	}
	return e.put(ctx, base+".odt", filled)
}
