package evac

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/schema"
)

var (
	// ErrLocked is returned when moving, trashing or deleting a locked item.
	ErrLocked = errors.New("item is locked")
	// ErrRoot is returned when an operation would move or delete a root.
	ErrRoot = errors.New("operation not allowed on a root item")
	// ErrWouldCycle is returned when a move would put an item inside its
	// own subtree.
	ErrWouldCycle = errors.New("move would create a containment cycle")
)

// Items returns the items of category cat ordered by id, optionally narrowed
// by pred and projected to fields.
func (h *Handle) Items(ctx context.Context, cat string, pred docstore.Predicate, fields ...string) ([]document.Doc, error) {
	var p docstore.Predicate = docstore.Eq{Field: document.FieldCategory, Value: cat}
	if pred != nil {
		p = docstore.And{p, pred}
	}
	docs, err := h.Store.Query(ctx, h.DBs.Items, p, fields...)
	if err != nil {
		return nil, fmt.Errorf("items of %s: %w", cat, err)
	}
	return docs, nil
}

// prepare turns caller input into the stored form: defaults for missing
// writable fields, derived and PHYSIDS fields removed.
func (h *Handle) prepare(doc document.Doc) (document.Doc, error) {
	cat := doc.Category()
	out, err := h.Schema.Blank(cat)
	if err != nil {
		return nil, fmt.Errorf("item: %w", err)
	}
	for k, v := range h.Schema.StripDerived(doc) {
		out[k] = v
	}
	return out, nil
}

// physids extracts the values of PHYSIDS-sourced fields from caller input.
func (h *Handle) physids(doc document.Doc) ([]string, bool) {
	fields, err := h.Schema.Fields(doc.Category())
	if err != nil {
		return nil, false
	}
	var (
		out   []string
		found bool
	)
	for _, f := range fields {
		if f.Source != schema.SourcePhysIDs {
			continue
		}
		if _, ok := doc[f.Name]; ok {
			found = true
			out = append(out, doc.List(f.Name)...)
		}
	}
	return out, found
}

// CreateItem stores a new item. Physical ids given in a PHYSIDS field are
// assigned through the identity index. Returns the new id and revision.
func (h *Handle) CreateItem(ctx context.Context, doc document.Doc) (string, string, error) {
	stored, err := h.prepare(doc)
	if err != nil {
		return "", "", err
	}
	id, rev, err := h.Store.Create(ctx, h.DBs.Items, stored, "")
	if err != nil {
		return "", "", err
	}
	if physids, ok := h.physids(doc); ok {
		if err := h.IDs.Assign(ctx, id, physids); err != nil {
			return id, rev, err
		}
	}
	h.logger.Debug("item created", "id", id, "category", doc.Category())
	return id, rev, nil
}

// CreateItems stores many items in one request. ids may be empty or name
// each document. Physical ids are not assigned here.
func (h *Handle) CreateItems(ctx context.Context, docs []document.Doc, ids []string) ([]docstore.Result, error) {
	batch := make([]document.Doc, 0, len(docs))
	for _, d := range docs {
		stored, err := h.prepare(d)
		if err != nil {
			return nil, err
		}
		if d.ID() != "" {
			stored[document.FieldID] = d.ID()
		}
		batch = append(batch, stored)
	}
	return h.Store.BulkCreate(ctx, h.DBs.Items, batch, ids)
}

// Item returns an item with its derived fields computed and PHYSIDS fields
// filled from the identity index.
func (h *Handle) Item(ctx context.Context, id string) (document.Doc, error) {
	doc, err := h.Store.Get(ctx, h.DBs.Items, id)
	if err != nil {
		return nil, err
	}
	return h.complete(ctx, doc)
}

func (h *Handle) complete(ctx context.Context, doc document.Doc) (document.Doc, error) {
	fields, err := h.Schema.Fields(doc.Category())
	if err != nil {
		return doc, nil
	}
	if slices.ContainsFunc(fields, func(f schema.Field) bool { return f.Type.Derived() }) {
		children, err := h.Graph.ChildDocs(ctx, doc.ID())
		if err != nil {
			return nil, err
		}
		for k, v := range h.Schema.Derive(doc, children) {
			doc[k] = v
		}
	}
	if slices.ContainsFunc(fields, func(f schema.Field) bool { return f.Source == schema.SourcePhysIDs }) {
		physids, err := h.IDs.IDs(ctx, doc.ID())
		if err != nil {
			return nil, err
		}
		for _, f := range fields {
			if f.Source == schema.SourcePhysIDs {
				doc[f.Name] = physids
			}
		}
	}
	return doc, nil
}

// EditItem writes doc as the next revision of its item. doc must carry the
// last-read revision. Derived fields are dropped; PHYSIDS fields replace the
// item's physical ids.
func (h *Handle) EditItem(ctx context.Context, doc document.Doc) (string, error) {
	if doc.Rev() == "" {
		return "", fmt.Errorf("edit item %s: no revision: %w", doc.ID(), docstore.ErrConflict)
	}
	if _, err := h.Schema.Category(doc.Category()); err != nil {
		return "", fmt.Errorf("edit item %s: %w", doc.ID(), err)
	}
	rev, err := h.Store.Edit(ctx, h.DBs.Items, h.Schema.StripDerived(doc), "", false)
	if err != nil {
		return "", err
	}
	if physids, ok := h.physids(doc); ok {
		if err := h.IDs.Assign(ctx, doc.ID(), physids); err != nil {
			return rev, err
		}
	}
	return rev, nil
}

// Locked reports whether the item's lock field is set.
func (h *Handle) Locked(doc document.Doc) bool {
	field := h.Schema.LockField(doc.Category())
	if field == "" {
		return false
	}
	switch doc.Str(field) {
	case "1", "true", "True":
		return true
	}
	return false
}

func (h *Handle) isRoot(id string) bool {
	return id != "" && (id == h.evacuation || id == h.trash)
}

// movable loads item and rejects roots and locked items.
func (h *Handle) movable(ctx context.Context, id string) error {
	if h.isRoot(id) {
		return fmt.Errorf("%s: %w", id, ErrRoot)
	}
	doc, err := h.Store.Get(ctx, h.DBs.Items, id)
	if err != nil {
		return err
	}
	if h.Locked(doc) {
		return fmt.Errorf("%s: %w", id, ErrLocked)
	}
	return nil
}

// Place puts item into container, leaving any earlier container. Placing an
// item inside its own subtree is ErrWouldCycle.
func (h *Handle) Place(ctx context.Context, container, item string) error {
	if err := h.movable(ctx, item); err != nil {
		return fmt.Errorf("place: %w", err)
	}
	if err := h.checkCycle(ctx, container, item); err != nil {
		return err
	}
	return h.Graph.Add(ctx, container, item)
}

// Move transfers items from one container to another. Each item must be in
// from; the first failure stops the move.
func (h *Handle) Move(ctx context.Context, from, to string, items ...string) error {
	for _, item := range items {
		if err := h.movable(ctx, item); err != nil {
			return fmt.Errorf("move: %w", err)
		}
		if err := h.checkCycle(ctx, to, item); err != nil {
			return err
		}
		if err := h.Graph.Move(ctx, from, to, item); err != nil {
			return err
		}
		h.logger.Info("item moved", "item", item, "from", from, "to", to)
	}
	return nil
}

func (h *Handle) checkCycle(ctx context.Context, container, item string) error {
	if container == item {
		return fmt.Errorf("place %s in itself: %w", item, ErrWouldCycle)
	}
	sub, err := h.Graph.ChildrenAll(ctx, item)
	if err != nil {
		return err
	}
	if sub.Contains(container) {
		return fmt.Errorf("place %s in its descendant %s: %w", item, container, ErrWouldCycle)
	}
	return nil
}

// TrashItem moves an item into the Trash root, keeping its document.
func (h *Handle) TrashItem(ctx context.Context, id string) error {
	if err := h.movable(ctx, id); err != nil {
		return fmt.Errorf("trash: %w", err)
	}
	if err := h.Graph.Add(ctx, h.trash, id); err != nil {
		return err
	}
	h.logger.Info("item trashed", "item", id)
	return nil
}

// DeleteItem removes an item for good: its memberships, its own children's
// memberships (the children move to Trash), physical ids, photo and
// document.
func (h *Handle) DeleteItem(ctx context.Context, id string) error {
	if err := h.movable(ctx, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	children, err := h.Graph.Children(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := h.Graph.Add(ctx, h.trash, child); err != nil {
			return err
		}
		h.logger.Warn("child of deleted item moved to trash", "item", id, "child", child)
	}
	if _, err := h.Graph.Remove(ctx, id); err != nil {
		return err
	}
	if err := h.IDs.Assign(ctx, id, nil); err != nil {
		return err
	}
	if err := h.Photos.Delete(ctx, id); err != nil {
		return err
	}
	if _, err := h.Store.Delete(ctx, h.DBs.Items, id, "", true); err != nil {
		return err
	}
	h.logger.Info("item deleted", "item", id)
	return nil
}

// AssignFlag sets flag on every item below container whose category
// supports it. Returns how many items changed.
func (h *Handle) AssignFlag(ctx context.Context, container, flag string) (int, error) {
	return h.flagTree(ctx, container, flag, true)
}

// RevokeFlag clears flag on every item below container.
func (h *Handle) RevokeFlag(ctx context.Context, container, flag string) (int, error) {
	return h.flagTree(ctx, container, flag, false)
}

func (h *Handle) flagTree(ctx context.Context, container, flag string, set bool) (int, error) {
	sub, err := h.Graph.ChildrenAll(ctx, container)
	if err != nil {
		return 0, err
	}
	if len(sub.IDs) == 0 {
		return 0, nil
	}
	docs, err := h.Store.Query(ctx, h.DBs.Items, docstore.In{Field: document.FieldID, Values: sub.IDs})
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, doc := range docs {
		if !slices.Contains(h.Schema.Flags(doc.Category()), flag) {
			continue
		}
		flags := doc.Flags()
		has := slices.Contains(flags, flag)
		switch {
		case set && !has:
			flags = append(flags, flag)
		case !set && has:
			flags = slices.DeleteFunc(flags, func(f string) bool { return f == flag })
		default:
			continue
		}
		if flags == nil {
			flags = []string{}
		}
		doc[document.FieldFlags] = flags
		if _, err := h.Store.Edit(ctx, h.DBs.Items, doc, "", false); err != nil {
			return changed, fmt.Errorf("flag %s on %s: %w", flag, doc.ID(), err)
		}
		changed++
	}
	h.logger.Info("flag updated over tree", "container", container, "flag", flag, "set", set, "items", changed)
	return changed, nil
}
