package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/identity"
)

// LookupResult is the output of the lookup command.
type LookupResult struct {
	ID          string       `json:"id" yaml:"id"`
	Category    string       `json:"category" yaml:"category"`
	Name        string       `json:"name" yaml:"name"`
	PhysicalIDs []string     `json:"physical_ids" yaml:"physical_ids"`
	Path        string       `json:"path" yaml:"path"`
	ParentIDs   []string     `json:"parent_ids" yaml:"parent_ids"`
	Vessel      string       `json:"vessel,omitempty" yaml:"vessel,omitempty"`
	Item        document.Doc `json:"item" yaml:"item"`
}

// NewLookupCommand creates the lookup command.
func NewLookupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <id>",
		Short: "Find an item by canonical or physical id",
		Long: `Resolve <id> as a canonical item id or as a physical id (a scanned tag)
and print the item with its physical ids and containment path.

Example:
  dehc lookup tag-0042`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			h, err := rootOpts.openHandle(ctx, nil)
			if err != nil {
				return err
			}
			if err := h.Prepare(ctx); err != nil {
				return WrapExitError(ExitCommandError, "failed to prepare identity index", err)
			}
			for _, dup := range h.IDs.Duplicates() {
				rootOpts.Logger.Warn("physical id assigned more than once", "error", dup)
			}

			doc, err := h.IDs.LookupAny(ctx, args[0])
			switch {
			case errors.Is(err, identity.ErrAmbiguous):
				return WrapExitError(ExitFailure, "id matches more than one item", err)
			case errors.Is(err, docstore.ErrNotFound) && !errors.Is(err, docstore.ErrNoDatabase):
				return WrapExitError(ExitFailure, "no item has that id", err)
			case err != nil:
				return WrapExitError(ExitCommandError, "lookup failed", err)
			}

			physids, err := h.IDs.IDs(ctx, doc.ID())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read physical ids", err)
			}
			parents, err := h.ParentInfo(ctx, doc.ID())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read containers", err)
			}
			return rootOpts.formatter(cmd).Success(LookupResult{
				ID:          doc.ID(),
				Category:    doc.Category(),
				Name:        h.Name(doc),
				PhysicalIDs: physids,
				Path:        parents.Path,
				ParentIDs:   parents.IDs,
				Vessel:      parents.VesselName,
				Item:        doc,
			})
		},
	}
}
