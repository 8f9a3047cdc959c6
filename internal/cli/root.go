package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/dehc/internal/config"
	"github.com/roach88/dehc/internal/docstore"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "text" | "json" | "yaml"
	LogLevel   string
	LogFormat  string // "auto" | "text" | "json"
	ConfigFile string

	// Resolved by the root command before any subcommand runs.
	Config config.Config
	Logger *slog.Logger

	// Backend overrides the configured document store (for testing).
	Backend docstore.Backend
	// IDs overrides the document id generator (for testing).
	IDs docstore.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for the dehc CLI.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWithOptions(&RootOptions{})
}

// NewRootCommandWithOptions creates the root command around opts, so
// callers can pre-set the test seams.
func NewRootCommandWithOptions(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dehc",
		Short: "DEHC - Digital Evacuation Handling Centre",
		Long: `Command line tools for the Digital Evacuation Handling Centre store:
namespace setup, replication, change feeds, CSV and tree exports, the gate
check web service and item lookups.

Settings come from flags, DEHC_* environment variables and dehc.yaml, in
that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			logger, err := NewLogger(cmd.ErrOrStderr(), opts.LogLevel, opts.LogFormat, opts.Verbose)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid logging flags", err)
			}
			slog.SetDefault(logger)
			opts.Logger = logger

			v, err := config.New(cmd.Flags(), opts.ConfigFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read configuration", err)
			}
			if opts.Config, err = config.Load(v); err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (forces debug logging)")
	flags.StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	flags.StringVar(&opts.LogFormat, "log-format", LogFormatAuto, "log format (auto|text|json)")
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default ./dehc.yaml or $HOME/.dehc/dehc.yaml)")
	config.Flags(flags)

	// Add subcommands
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewChangesCommand(opts))
	cmd.AddCommand(NewJournalCommand(opts))
	cmd.AddCommand(NewReplicateCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewTimecheckCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewLookupCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewPhotoCommand(opts))

	return cmd
}
