package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/dehc/internal/evac"
)

// InitResult is the output of the init command.
type InitResult struct {
	Namespace     string   `json:"namespace" yaml:"namespace"`
	Databases     []string `json:"databases" yaml:"databases"`
	SchemaVersion string   `json:"schema_version" yaml:"schema_version"`
	Evacuation    string   `json:"evacuation" yaml:"evacuation"`
	Trash         string   `json:"trash" yaml:"trash"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the namespace databases, schema and root items",
		Long: `Create the five namespace databases when missing, save the local schema
to the configs database and create the Evacuation and Trash roots when the
namespace has none. Running init again changes nothing.

Example:
  dehc init --namespace dehc --schema db_schema.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(rootOpts, cmd)
		},
	}
}

func runInit(opts *RootOptions, cmd *cobra.Command) error {
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
	h, err := evac.Bootstrap(ctx, store, opts.evacOptions(local))
	if err != nil {
		return WrapExitError(ExitFailure, "failed to initialise namespace", err)
	}

	return opts.formatter(cmd).Success(InitResult{
		Namespace:     h.DBs.Namespace,
		Databases:     h.DBs.All(),
		SchemaVersion: h.Schema.Version(),
		Evacuation:    h.Evacuation(),
		Trash:         h.Trash(),
	})
}
