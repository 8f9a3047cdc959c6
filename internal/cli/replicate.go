package cli

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dehc/internal/config"
	"github.com/roach88/dehc/internal/evac"
	"github.com/roach88/dehc/internal/replication"
)

// ReplicateOptions holds flags for the replicate command.
type ReplicateOptions struct {
	*RootOptions
	ResetLocal bool
	Force      bool
	Pace       time.Duration
	RandomIDs  bool
	List       bool
}

// ReplicationJob is one line of the replicate output.
type ReplicationJob struct {
	Source  string `json:"source" yaml:"source"`
	Target  string `json:"target" yaml:"target"`
	JobID   string `json:"job_id" yaml:"job_id"`
	Created bool   `json:"created" yaml:"created"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ReplicatorJob is one job document found in _replicator.
type ReplicatorJob struct {
	JobID  string `json:"job_id" yaml:"job_id"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Owner  string `json:"owner,omitempty" yaml:"owner,omitempty"`
}

// NewReplicateCommand creates the replicate command.
func NewReplicateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplicateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Set up continuous replication with a remote server",
		Long: `Submit continuous replication jobs for every namespace database: first a
pull from the remote namespace into the local one, then a push back. Jobs
are submitted one at a time, --pace apart.

The remote server is read from --remote-auth (defaults to --auth) and the
remote namespace from --remote-namespace (defaults to --namespace).

Job ids are derived from both endpoints, so rerunning the command leaves
existing jobs alone. --random-ids gives every submission a fresh id instead.

--reset-local deletes each local database before its pull job is created,
which discards local data; it asks for confirmation unless --force is given.

--list prints the jobs already in _replicator and submits nothing.

Example:
  dehc replicate --remote-auth central_auth.json
  dehc replicate --list
  dehc replicate --remote-auth central_auth.json --reset-local --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplicate(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.ResetLocal, "reset-local", false, "delete the local databases before pulling")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "skip the confirmation of --reset-local")
	cmd.Flags().DurationVar(&opts.Pace, "pace", replication.DefaultPace, "wait after each job submission")
	cmd.Flags().BoolVar(&opts.RandomIDs, "random-ids", false, "give every job a fresh id, even on reruns")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list existing jobs instead of submitting")

	return cmd
}

func runReplicate(opts *ReplicateOptions, cmd *cobra.Command) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	if opts.List {
		return listReplication(opts, cmd)
	}

	local, err := config.LoadAuth(opts.Config.Auth)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read auth file", err)
	}
	remote := local
	if opts.Config.RemoteAuth != "" {
		if remote, err = config.LoadAuth(opts.Config.RemoteAuth); err != nil {
			return WrapExitError(ExitCommandError, "failed to read remote auth file", err)
		}
	}

	if opts.ResetLocal && !opts.Force {
		ok, err := confirm(cmd, fmt.Sprintf("This will delete all data of namespace %q at %s.", opts.Config.Namespace, local.URL))
		if err != nil {
			return WrapExitError(ExitCommandError, "confirmation failed", err)
		}
		if !ok {
			return NewExitError(ExitFailure, "aborted")
		}
	}

	store, err := opts.openStore(nil)
	if err != nil {
		return err
	}
	managerOpts := []replication.Option{
		replication.WithPace(opts.Pace),
		replication.WithLogger(opts.Logger),
	}
	if opts.RandomIDs {
		managerOpts = append(managerOpts, replication.WithJobIDs(replication.RandomJobID))
	}
	manager := replication.New(store, managerOpts...)

	out := opts.formatter(cmd)
	out.VerboseLog("submitting %d jobs between %s and %s", 2*len(evac.Suffixes), redact(remote.URL), redact(local.URL))
	subs, err := manager.EnsureAll(ctx, replication.Plan{
		Local:           replication.Server{URL: local.URL, User: local.User, Pass: local.Pass},
		Remote:          replication.Server{URL: remote.URL, User: remote.User, Pass: remote.Pass},
		LocalNamespace:  evac.NamespaceDatabases(opts.Config.Namespace).Namespace,
		RemoteNamespace: opts.Config.RemoteNamespace,
		Databases:       evac.Suffixes,
		Owner:           local.User,
		ResetLocal:      opts.ResetLocal,
	})

	jobs := make([]ReplicationJob, 0, len(subs))
	for _, s := range subs {
		job := ReplicationJob{Source: redact(s.Source), Target: redact(s.Target), JobID: s.JobID, Created: s.Created}
		if s.Err != nil {
			job.Error = s.Err.Error()
		}
		jobs = append(jobs, job)
	}
	if outErr := out.Success(jobs); outErr != nil {
		return outErr
	}
	if err != nil {
		return WrapExitError(ExitFailure, "replication setup incomplete", err)
	}
	return nil
}

func listReplication(opts *ReplicateOptions, cmd *cobra.Command) error {
	store, err := opts.openStore(nil)
	if err != nil {
		return err
	}
	docs, err := replication.New(store, replication.WithLogger(opts.Logger)).Jobs(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list replication jobs", err)
	}
	jobs := make([]ReplicatorJob, 0, len(docs))
	for _, doc := range docs {
		source, target := replication.JobLocations(doc)
		jobs = append(jobs, ReplicatorJob{JobID: doc.ID(), Source: redact(source), Target: redact(target), Owner: doc.Str("owner")})
	}
	return opts.formatter(cmd).Success(jobs)
}

// confirm asks the user to type YES.
func confirm(cmd *cobra.Command, warning string) (bool, error) {
	fmt.Fprintf(cmd.ErrOrStderr(), "%s\nType YES to continue: ", warning)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	return strings.TrimSpace(line) == "YES", nil
}

// redact drops credentials embedded in a location.
func redact(location string) string {
	scheme, rest, ok := strings.Cut(location, "://")
	if !ok {
		return location
	}
	if at := strings.Index(rest, "@"); at >= 0 && at < strings.IndexAny(rest+"/", "/") {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
