package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dehc/internal/evac"
	"github.com/roach88/dehc/internal/schema"
)

// SchemaResult describes a loaded schema file.
type SchemaResult struct {
	File       string   `json:"file" yaml:"file"`
	Version    string   `json:"version" yaml:"version"`
	Categories []string `json:"categories" yaml:"categories"`
	// Derived lists, per category, the fields computed at read time.
	Derived map[string][]string `json:"derived,omitempty" yaml:"derived,omitempty"`
}

func (r SchemaResult) String() string {
	out := fmt.Sprintf("%s: version %s, categories %s", r.File, r.Version, strings.Join(r.Categories, ", "))
	for _, cat := range r.Categories {
		if names := r.Derived[cat]; len(names) > 0 {
			out += fmt.Sprintf("\n  %s computes %s", cat, strings.Join(names, ", "))
		}
	}
	return out
}

func schemaResult(path string, reg *schema.Registry) SchemaResult {
	res := SchemaResult{File: path, Version: reg.Version(), Categories: reg.Categories()}
	for cat, fields := range reg.Sums() {
		if res.Derived == nil {
			res.Derived = map[string][]string{}
		}
		for _, f := range fields {
			res.Derived[cat] = append(res.Derived[cat], f.Name)
		}
	}
	return res
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Check or publish the schema file",
	}
	cmd.AddCommand(newSchemaValidateCommand(rootOpts))
	cmd.AddCommand(newSchemaPushCommand(rootOpts))
	return cmd
}

func newSchemaValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a schema file",
		Long: `Load a schema file and report every problem found. Without an argument
the configured --schema file is checked. Nothing is written to the store.

Example:
  dehc schema validate db_schema.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.Config.Schema
			if len(args) == 1 {
				path = args[0]
			}
			out := opts.formatter(cmd)

			reg, err := schema.LoadFile(path)
			var (
				verrs   schema.ValidationErrors
				loadErr *schema.LoadError
			)
			switch {
			case errors.As(err, &verrs):
				if outErr := out.Error(CodeSchema, fmt.Sprintf("%s has %d error(s)", path, len(verrs)), verrs); outErr != nil {
					return outErr
				}
				return WrapExitError(ExitFailure, "schema is invalid", err)
			case errors.As(err, &loadErr):
				if outErr := out.Error(loadErr.Code, loadErr.Message, nil); outErr != nil {
					return outErr
				}
				return WrapExitError(ExitFailure, "schema could not be loaded", err)
			case err != nil:
				return WrapExitError(ExitCommandError, "failed to read schema", err)
			}
			return out.Success(schemaResult(path, reg))
		},
	}
}

func newSchemaPushCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Save the local schema file to the store",
		Long: `Replace the schema in the configs database with the --schema file,
regardless of which version is newer. Clients pick it up on their next
start.

Example:
  dehc schema push --schema db_schema.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			store, err := opts.openStore(nil)
			if err != nil {
				return err
			}
			local, err := opts.localSchema(true)
			if err != nil {
				return err
			}
			evacOpts := opts.evacOptions(local)
			evacOpts.ForceLocal = true
			evacOpts.SkipRoots = true
			h, err := evac.Open(ctx, store, evacOpts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			if err := h.SaveSchema(ctx); err != nil {
				return WrapExitError(ExitFailure, "failed to save schema", err)
			}
			return opts.formatter(cmd).Success(schemaResult(opts.Config.Schema, h.Schema))
		},
	}
}
