package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/evac"
)

// PhotoResult is the output of the photo commands.
type PhotoResult struct {
	Item        string `json:"item" yaml:"item"`
	File        string `json:"file" yaml:"file"`
	Bytes       int    `json:"bytes" yaml:"bytes"`
	ContentType string `json:"content_type" yaml:"content_type"`
}

func (r PhotoResult) String() string {
	return fmt.Sprintf("%s <-> %s (%s, %s)", r.Item, r.File, humanize.Bytes(uint64(r.Bytes)), r.ContentType)
}

// NewPhotoCommand creates the photo command group.
func NewPhotoCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "photo",
		Short: "Read or replace item photos",
	}
	cmd.AddCommand(newPhotoGetCommand(rootOpts))
	cmd.AddCommand(newPhotoSetCommand(rootOpts))
	return cmd
}

// resolveItem finds the item a canonical or physical id names.
func resolveItem(ctx context.Context, h *evac.Handle, key string) (string, error) {
	if err := h.Prepare(ctx); err != nil {
		return "", WrapExitError(ExitCommandError, "failed to prepare identity index", err)
	}
	doc, err := h.IDs.LookupAny(ctx, key)
	if errors.Is(err, docstore.ErrNotFound) && !errors.Is(err, docstore.ErrNoDatabase) {
		return "", WrapExitError(ExitFailure, "no item has that id", err)
	}
	if err != nil {
		return "", WrapExitError(ExitFailure, "lookup failed", err)
	}
	return doc.ID(), nil
}

func newPhotoGetCommand(opts *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Write the photo of an item to a file",
		Long: `Decode the stored photo of the item <id> names and write it to --out.
An existing file is not overwritten.

Example:
  dehc photo get tag-0042 --out jane.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			h, err := opts.openHandle(ctx, nil)
			if err != nil {
				return err
			}
			item, err := resolveItem(ctx, h, args[0])
			if err != nil {
				return err
			}
			image, ok, err := h.Photos.Load(ctx, item)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read photo", err)
			}
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("item %s has no photo", item))
			}

			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create output file", err)
			}
			if _, err := f.Write(image); err != nil {
				f.Close()
				return WrapExitError(ExitCommandError, "failed to write photo", err)
			}
			if err := f.Close(); err != nil {
				return WrapExitError(ExitCommandError, "failed to write photo", err)
			}
			return opts.formatter(cmd).Success(PhotoResult{
				Item: item, File: out, Bytes: len(image), ContentType: http.DetectContentType(image),
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "file to write the photo to")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newPhotoSetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <file>",
		Short: "Replace the photo of an item",
		Long: `Store <file> as the photo of the item <id> names, replacing any earlier
photo.

Example:
  dehc photo set tag-0042 jane.jpg`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			image, err := os.ReadFile(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read photo", err)
			}
			h, err := opts.openHandle(ctx, nil)
			if err != nil {
				return err
			}
			item, err := resolveItem(ctx, h, args[0])
			if err != nil {
				return err
			}
			if err := h.Photos.Save(ctx, item, image); err != nil {
				return WrapExitError(ExitFailure, "failed to save photo", err)
			}
			return opts.formatter(cmd).Success(PhotoResult{
				Item: item, File: args[1], Bytes: len(image), ContentType: http.DetectContentType(image),
			})
		},
	}
}
