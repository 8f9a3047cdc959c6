package evac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
)

// PoundsPerKilogram is the conversion used on manifests.
const PoundsPerKilogram = 2.2

// FieldWeight is the weight field manifests read.
const FieldWeight = "Weight (KG)"

// ParentInfo describes where an item sits, shallowest container first.
type ParentInfo struct {
	Docs  []document.Doc `json:"-"`
	IDs   []string       `json:"parent_ids"`
	Names []string       `json:"parent_names"`
	Path  string         `json:"parent_path"`
	// The deepest Vessel holding the item, if any.
	Vessel     document.Doc `json:"-"`
	VesselID   string       `json:"vessel_id,omitempty"`
	VesselName string       `json:"vessel_name,omitempty"`
}

// ParentInfo walks the containers of item from the root down.
func (h *Handle) ParentInfo(ctx context.Context, item string) (ParentInfo, error) {
	chain, err := h.Graph.ParentsAll(ctx, item, h.Evacuation())
	if err != nil {
		return ParentInfo{}, err
	}
	info := ParentInfo{IDs: []string{}, Names: []string{}}
	for _, id := range chain {
		doc, err := h.Store.Get(ctx, h.DBs.Items, id)
		if errors.Is(err, docstore.ErrNotFound) && !errors.Is(err, docstore.ErrNoDatabase) {
			h.logger.Warn("container has no item document", "container", id, "item", item)
			continue
		}
		if err != nil {
			return ParentInfo{}, err
		}
		name := doc.Str(h.Schema.NameField(doc.Category()))
		info.Docs = append(info.Docs, doc)
		info.IDs = append(info.IDs, id)
		info.Names = append(info.Names, name)
		if doc.Category() == CategoryVessel {
			info.Vessel, info.VesselID, info.VesselName = doc, id, name
		}
	}
	info.Path = strings.Join(info.Names, "/")
	return info, nil
}

// Name returns the display name of doc per its category.
func (h *Handle) Name(doc document.Doc) string {
	return doc.Str(h.Schema.NameField(doc.Category()))
}

// GateResult is the answer to a boarding check.
type GateResult struct {
	Cleared   bool
	Evacuee   document.Doc // nil when the evacuee id resolved to nothing
	Container document.Doc
}

// GateCheck answers whether the item behind evacueeKey is currently inside
// the container behind containerKey at any depth. Both keys may be canonical
// or physical ids. An unknown evacuee is not cleared and is not an error.
func (h *Handle) GateCheck(ctx context.Context, containerKey, evacueeKey string) (GateResult, error) {
	container, err := h.IDs.LookupAny(ctx, containerKey)
	if err != nil {
		return GateResult{}, fmt.Errorf("gate check container: %w", err)
	}
	res := GateResult{Container: container}

	evacuee, err := h.IDs.LookupAny(ctx, evacueeKey)
	switch {
	case err == nil:
		res.Evacuee = evacuee
	case errors.Is(err, docstore.ErrNotFound) && !errors.Is(err, docstore.ErrNoDatabase):
		h.logger.Info("gate check for unknown evacuee", "key", evacueeKey, "container", container.ID())
		return res, nil
	default:
		return GateResult{}, fmt.Errorf("gate check evacuee: %w", err)
	}

	sub, err := h.Graph.ChildrenAll(ctx, container.ID())
	if err != nil {
		return GateResult{}, err
	}
	res.Cleared = sub.Contains(evacuee.ID())
	h.logger.Info("gate check", "container", container.ID(), "evacuee", evacuee.ID(), "cleared", res.Cleared)
	return res, nil
}

// ManifestRow is one passenger or bag.
type ManifestRow struct {
	No        int          `json:"no"`
	Item      document.Doc `json:"item"`
	WeightKG  float64      `json:"weight_kg"`
	WeightLB  float64      `json:"weight_lb"`
	Defaulted bool         `json:"defaulted,omitempty"` // the category default stood in for an empty weight
	Owner     string       `json:"owner,omitempty"`     // display name of a bag's owner
}

// ManifestSection is the rows of one category and their totals.
type ManifestSection struct {
	Rows      []ManifestRow `json:"rows"`
	TotalKG   float64       `json:"total_kg"`
	TotalLB   float64       `json:"total_lb"`
	Defaulted bool          `json:"defaulted,omitempty"`
}

// Manifest lists the people and baggage inside a vessel.
type Manifest struct {
	Vessel     document.Doc    `json:"vessel"`
	Passengers ManifestSection `json:"passengers"`
	Baggage    ManifestSection `json:"baggage"`
}

// Manifest builds the manifest of the vessel behind key.
func (h *Handle) Manifest(ctx context.Context, key string) (Manifest, error) {
	vessel, err := h.IDs.LookupAny(ctx, key)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}
	m := Manifest{Vessel: vessel}

	people, err := h.subtreeDocs(ctx, vessel.ID(), CategoryPerson)
	if err != nil {
		return Manifest{}, err
	}
	m.Passengers = h.section(people, nil)

	bags, err := h.subtreeDocs(ctx, vessel.ID(), CategoryBaggage)
	if err != nil {
		return Manifest{}, err
	}
	m.Baggage = h.section(bags, func(bag document.Doc) string { return h.owner(ctx, bag) })
	return m, nil
}

func (h *Handle) subtreeDocs(ctx context.Context, container, cat string) ([]document.Doc, error) {
	sub, err := h.Graph.ChildrenAll(ctx, container, cat)
	if err != nil {
		return nil, err
	}
	if len(sub.IDs) == 0 {
		return nil, nil
	}
	docs, err := h.Store.Query(ctx, h.DBs.Items, docstore.In{Field: document.FieldID, Values: sub.IDs})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]document.Doc, len(docs))
	for _, d := range docs {
		byID[d.ID()] = d
	}
	out := make([]document.Doc, 0, len(sub.IDs))
	for _, id := range sub.IDs {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (h *Handle) section(docs []document.Doc, owner func(document.Doc) string) ManifestSection {
	s := ManifestSection{Rows: []ManifestRow{}}
	for i, d := range docs {
		kg, defaulted := h.Schema.NumberWithDefault(d, FieldWeight)
		row := ManifestRow{No: i + 1, Item: d, WeightKG: kg, WeightLB: kg * PoundsPerKilogram, Defaulted: defaulted}
		if owner != nil {
			row.Owner = owner(d)
		}
		s.Rows = append(s.Rows, row)
		s.TotalKG += kg
		s.Defaulted = s.Defaulted || defaulted
	}
	s.TotalLB = s.TotalKG * PoundsPerKilogram
	return s
}

// owner resolves the first id of a bag's Owner list to a display name.
func (h *Handle) owner(ctx context.Context, bag document.Doc) string {
	owners := bag.List("Owner")
	if len(owners) == 0 {
		return ""
	}
	doc, err := h.IDs.LookupAny(ctx, owners[0])
	if err != nil {
		h.logger.Warn("bag owner not found", "bag", bag.ID(), "owner", owners[0], "error", err)
		return ""
	}
	return h.Name(doc)
}
