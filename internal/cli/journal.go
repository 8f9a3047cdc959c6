package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/dehc/internal/journal"
)

// NewJournalCommand creates the journal command group.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and trim the change journal",
		Long: `Read the journal written by "changes --journal" and "serve" with
--journal-dsn set: checkpoints, record counts and the records themselves.`,
	}
	cmd.AddCommand(newJournalStatusCommand(rootOpts))
	cmd.AddCommand(newJournalListCommand(rootOpts))
	cmd.AddCommand(newJournalPruneCommand(rootOpts))
	return cmd
}

// JournalStatus is the checkpoint and record count of each journaled
// database.
type JournalStatus struct {
	Databases []JournalDatabase `json:"databases" yaml:"databases"`
	Records   int               `json:"records" yaml:"records"`
}

// JournalDatabase is one line of JournalStatus.
type JournalDatabase struct {
	DB         string `json:"db" yaml:"db"`
	Checkpoint string `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Records    int    `json:"records" yaml:"records"`
}

func (s JournalStatus) String() string {
	var b strings.Builder
	for _, d := range s.Databases {
		fmt.Fprintf(&b, "%-20s %10s records  since %s\n", d.DB, humanize.Comma(int64(d.Records)), d.Checkpoint)
	}
	fmt.Fprintf(&b, "%s records", humanize.Comma(int64(s.Records)))
	return b.String()
}

// JournalRecord is one journaled change as printed by journal list.
type JournalRecord struct {
	ID         int64           `json:"id" yaml:"id"`
	DB         string          `json:"db" yaml:"db"`
	Seq        string          `json:"seq" yaml:"seq"`
	DocID      string          `json:"doc_id" yaml:"doc_id"`
	Rev        string          `json:"rev" yaml:"rev"`
	Deleted    bool            `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	RecordedAt string          `json:"recorded_at" yaml:"recorded_at"`
	Payload    json.RawMessage `json:"payload,omitempty" yaml:"-"`
}

// PruneResult reports a journal prune.
type PruneResult struct {
	DB      string `json:"db" yaml:"db"`
	Through int64  `json:"through" yaml:"through"`
	Deleted int64  `json:"deleted" yaml:"deleted"`
}

// requireJournal opens the configured journal and fails when none is set.
func (o *RootOptions) requireJournal(ctx context.Context) (*journal.Journal, error) {
	j, err := o.openJournal(ctx)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, NewExitError(ExitCommandError, "journal commands need --journal-dsn")
	}
	return j, nil
}

func newJournalStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint and record count of each database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			j, err := opts.requireJournal(ctx)
			if err != nil {
				return err
			}
			defer j.Close()

			cps, err := j.Checkpoints(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read checkpoints", err)
			}
			dbs := make([]string, 0, len(cps))
			for db := range cps {
				dbs = append(dbs, db)
			}
			sort.Strings(dbs)

			status := JournalStatus{Databases: make([]JournalDatabase, 0, len(dbs))}
			for _, db := range dbs {
				n, err := j.Count(ctx, db)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to count records", err)
				}
				status.Databases = append(status.Databases, JournalDatabase{DB: db, Checkpoint: cps[db], Records: n})
			}
			if status.Records, err = j.Count(ctx, ""); err != nil {
				return WrapExitError(ExitFailure, "failed to count records", err)
			}
			return opts.formatter(cmd).Success(status)
		},
	}
}

func newJournalListCommand(opts *RootOptions) *cobra.Command {
	var (
		q       journal.Query
		payload bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled change records",
		Long: `Print journaled records in the order they were written. Use --after with
the last id printed to page through the journal.

Example:
  dehc journal list --db dehc-items --after 120 --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			j, err := opts.requireJournal(ctx)
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.Entries(ctx, q)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read records", err)
			}
			records := make([]JournalRecord, 0, len(entries))
			for _, e := range entries {
				r := JournalRecord{
					ID: e.ID, DB: e.DB, Seq: e.Seq, DocID: e.DocID, Rev: e.Rev,
					Deleted: e.Deleted, RecordedAt: e.RecordedAt,
				}
				if payload {
					r.Payload = e.Payload
				}
				records = append(records, r)
			}
			return opts.formatter(cmd).Success(records)
		},
	}
	cmd.Flags().StringVar(&q.DB, "db", "", "only records of this database")
	cmd.Flags().Int64Var(&q.AfterID, "after", 0, "only records with a larger id")
	cmd.Flags().Uint64Var(&q.Limit, "limit", 100, "maximum number of records (0 for all)")
	cmd.Flags().BoolVar(&payload, "payload", false, "include the change rows (json output)")
	return cmd
}

func newJournalPruneCommand(opts *RootOptions) *cobra.Command {
	var res PruneResult
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old records of one database",
		Long: `Delete the records of --db with ids up to and including --through.
Checkpoints are kept.

Example:
  dehc journal prune --db dehc-items --through 5000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if res.DB == "" || res.Through <= 0 {
				return NewExitError(ExitCommandError, "prune needs --db and a positive --through")
			}
			ctx := cmd.Context()
			j, err := opts.requireJournal(ctx)
			if err != nil {
				return err
			}
			defer j.Close()

			if res.Deleted, err = j.Prune(ctx, res.DB, res.Through); err != nil {
				return WrapExitError(ExitFailure, "failed to prune", err)
			}
			opts.Logger.Info("journal pruned", "db", res.DB, "through", res.Through, "deleted", res.Deleted)
			return opts.formatter(cmd).Success(res)
		},
	}
	cmd.Flags().StringVar(&res.DB, "db", "", "database whose records are deleted")
	cmd.Flags().Int64Var(&res.Through, "through", 0, "last record id to delete")
	return cmd
}
