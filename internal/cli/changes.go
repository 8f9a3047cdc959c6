package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/dehc/internal/changes"
	"github.com/roach88/dehc/internal/evac"
)

// ChangesOptions holds flags for the changes command.
type ChangesOptions struct {
	*RootOptions
	Ever    bool
	Journal bool
}

// NewChangesCommand creates the changes command.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Follow the change feeds of every namespace database",
		Long: `Poll the change feed of each namespace database and log every change
record until interrupted. By default only changes made after startup are
reported; --ever replays each database from the beginning.

With --journal, checkpoints and records are kept in the configured journal
(--journal-driver, --journal-dsn) so a restart resumes where it stopped.

Example:
  dehc changes --ever
  dehc changes --journal --journal-dsn ./changes.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChanges(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Ever, "ever", false, "replay every change since the database was created")
	cmd.Flags().BoolVar(&opts.Journal, "journal", false, "keep checkpoints and records in the journal")

	return cmd
}

func runChanges(opts *ChangesOptions, cmd *cobra.Command) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	if opts.Journal && opts.Config.JournalDSN == "" {
		return NewExitError(ExitCommandError, "--journal needs --journal-dsn")
	}
	store, err := opts.openStore(nil)
	if err != nil {
		return err
	}

	trackerOpts := []changes.Option{
		changes.WithInterval(opts.Config.PollInterval),
		changes.WithHistory(opts.Ever),
		changes.WithLogger(opts.Logger),
	}
	consumers := []changes.Consumer{changes.LogConsumer(opts.Logger)}
	if opts.Journal {
		j, err := opts.openJournal(ctx)
		if err != nil {
			return err
		}
		defer j.Close()
		trackerOpts = append(trackerOpts, changes.WithCheckpoints(j))
		consumers = append(consumers, changes.JournalConsumer(j))
	}

	dbs := evac.NamespaceDatabases(opts.Config.Namespace).All()
	tracker := changes.New(store, dbs, trackerOpts...)
	opts.Logger.Info("following changes", "databases", dbs, "ever", opts.Ever)

	if err := changes.Follow(ctx, tracker, opts.Logger, consumers...); err != nil {
		return WrapExitError(ExitFailure, "change tracking failed", err)
	}
	opts.Logger.Info("change tracking stopped")
	return nil
}
