package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/dehc/internal/blob"
	"github.com/roach88/dehc/internal/transfer"
)

// NewExportCommand creates the export command group.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the namespace as CSV tables or a browsable tree",
	}
	cmd.AddCommand(newExportCSVCommand(rootOpts))
	cmd.AddCommand(newExportTreeCommand(rootOpts))
	return cmd
}

// NewImportCommand creates the import command group.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a namespace from CSV tables",
	}
	cmd.AddCommand(newImportCSVCommand(rootOpts))
	return cmd
}

// csvSummary renders a CSV report for text output.
type csvSummary struct {
	transfer.CSVReport `yaml:",inline"`
	Dir                string `json:"dir" yaml:"dir"`
}

func (s csvSummary) String() string {
	cats := make([]string, 0, len(s.Items))
	for cat := range s.Items {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", s.Dir)
	for _, cat := range cats {
		fmt.Fprintf(&b, "  %-12s %s items\n", cat, humanize.Comma(int64(s.Items[cat])))
	}
	fmt.Fprintf(&b, "  containers   %s\n", humanize.Comma(int64(s.Containers)))
	fmt.Fprintf(&b, "  ids          %s\n", humanize.Comma(int64(s.IDs)))
	fmt.Fprintf(&b, "  photos       %s", humanize.Comma(int64(s.Photos)))
	if len(s.Failed) > 0 {
		fmt.Fprintf(&b, "\n  failed       %s", strings.Join(s.Failed, ", "))
	}
	return b.String()
}

// treeSummary renders a tree report for text output.
type treeSummary struct {
	transfer.TreeReport `yaml:",inline"`
	Destination         string `json:"destination" yaml:"destination"`
}

func (s treeSummary) String() string {
	out := fmt.Sprintf("%s: %s items, %s files, %s",
		s.Destination, humanize.Comma(int64(s.Items)), humanize.Comma(int64(s.Files)), humanize.Bytes(uint64(s.Bytes)))
	if len(s.Skipped) > 0 {
		out += fmt.Sprintf("\nskipped (no free name): %s", strings.Join(s.Skipped, ", "))
	}
	if len(s.Repeats) > 0 {
		out += fmt.Sprintf("\nrepeated (branch stopped): %s", strings.Join(s.Repeats, ", "))
	}
	return out
}

// lockedDir takes the directory lock and opens a filesystem store on dir.
func lockedDir(ctx context.Context, dir string) (*blob.Filesystem, func(), error) {
	unlock, err := transfer.LockDir(ctx, dir)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to lock directory", err)
	}
	store, err := blob.NewFilesystem(dir)
	if err != nil {
		_ = unlock()
		return nil, nil, WrapExitError(ExitCommandError, "failed to open directory", err)
	}
	return store, func() { _ = unlock() }, nil
}

func newExportCSVCommand(opts *RootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "csv",
		Short: "Export every table as CSV",
		Long: `Write items-<category>.csv for each category plus containers.csv, ids.csv
and files.csv into --dir. Existing files are never overwritten.

Example:
  dehc export csv --dir ./csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			h, err := opts.openHandle(ctx, nil)
			if err != nil {
				return err
			}
			out, unlock, err := lockedDir(ctx, dir)
			if err != nil {
				return err
			}
			defer unlock()

			report, err := transfer.ExportCSV(ctx, h, out, opts.Logger)
			if err != nil {
				return WrapExitError(ExitFailure, "csv export failed", err)
			}
			return opts.formatter(cmd).Success(csvSummary{CSVReport: report, Dir: dir})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "csv", "directory to write the tables to")
	return cmd
}

func newImportCSVCommand(opts *RootOptions) *cobra.Command {
	var (
		dir    string
		imp    transfer.ImportOptions
		report transfer.CSVReport
	)
	cmd := &cobra.Command{
		Use:   "csv",
		Short: "Import CSV tables into the namespace",
		Long: `Read the tables written by "export csv" from --dir into the namespace.
The local schema file is saved to the store first.

--delete empties the namespace databases before importing; with --drop they
are deleted and recreated instead.

Example:
  dehc import csv --dir ./csv --delete`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			if imp.Drop && !imp.Delete {
				return NewExitError(ExitCommandError, "--drop needs --delete")
			}
			store, err := opts.openStore(nil)
			if err != nil {
				return err
			}
			local, err := opts.localSchema(true)
			if err != nil {
				return err
			}
			src, unlock, err := lockedDir(ctx, dir)
			if err != nil {
				return err
			}
			defer unlock()

			imp.Logger = opts.Logger
			report, err = transfer.ImportCSV(ctx, store, opts.evacOptions(local), src, imp)
			if outErr := opts.formatter(cmd).Success(csvSummary{CSVReport: report, Dir: dir}); outErr != nil {
				return outErr
			}
			if err != nil {
				return WrapExitError(ExitFailure, "csv import failed", err)
			}
			if len(report.Failed) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d items were rejected", len(report.Failed)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "csv", "directory to read the tables from")
	cmd.Flags().BoolVar(&imp.Delete, "delete", false, "empty the namespace databases first")
	cmd.Flags().BoolVar(&imp.Drop, "drop", false, "with --delete, delete and recreate the databases")
	return cmd
}

func newExportTreeCommand(opts *RootOptions) *cobra.Command {
	var (
		dir       string
		templates string
	)
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Export the containment tree as nested directories",
		Long: `Write one directory per item below the Evacuation root, nested by
containment. Each holds the item's JSON document, its physical ids, its
photo and, when templates/<category>.odt exists, a filled-in document.

The destination is --dir, or the S3 bucket named by --s3-bucket (under
--s3-prefix) when one is configured. It must be empty.

Example:
  dehc export tree --dir ./export --templates ./templates
  dehc export tree --s3-bucket dehc-exports --s3-prefix 2024-05-01/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			h, err := opts.openHandle(ctx, nil)
			if err != nil {
				return err
			}

			var (
				out  blob.Store
				dest string
			)
			if opts.Config.S3.Bucket != "" {
				if out, err = blob.Open(ctx, blob.Config{Driver: blob.DriverS3, S3: opts.Config.S3}); err != nil {
					return WrapExitError(ExitCommandError, "failed to open bucket", err)
				}
				dest = "s3://" + opts.Config.S3.Bucket + "/" + opts.Config.S3.Prefix
			} else {
				fsOut, unlock, err := lockedDir(ctx, dir)
				if err != nil {
					return err
				}
				defer unlock()
				out, dest = fsOut, dir
			}

			treeOpts := transfer.TreeOptions{Logger: opts.Logger}
			if templates != "" {
				if _, err := os.Stat(templates); err == nil {
					if treeOpts.Templates, err = blob.NewFilesystem(templates); err != nil {
						return WrapExitError(ExitCommandError, "failed to open templates", err)
					}
				} else {
					opts.Logger.Info("no template directory; documents are skipped", "dir", templates)
				}
			}

			report, err := transfer.ExportTree(ctx, h, out, treeOpts)
			if errors.Is(err, transfer.ErrNotEmpty) {
				return WrapExitError(ExitCommandError, "destination must be empty", err)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "tree export failed", err)
			}
			return opts.formatter(cmd).Success(treeSummary{TreeReport: report, Destination: dest})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "export", "directory to export to")
	cmd.Flags().StringVar(&templates, "templates", "templates", "directory of <category>.odt templates")
	return cmd
}
