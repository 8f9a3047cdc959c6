package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/dehc/internal/config"
	"github.com/roach88/dehc/internal/couch"
	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/evac"
	"github.com/roach88/dehc/internal/journal"
	"github.com/roach88/dehc/internal/metrics"
	"github.com/roach88/dehc/internal/schema"
)

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openStore connects to the configured document store. reg may be nil.
func (o *RootOptions) openStore(reg *metrics.Registry) (*docstore.Store, error) {
	backend := o.Backend
	if backend == nil {
		switch o.Config.Backend {
		case config.BackendMemory:
			o.Logger.Warn("using the in-memory backend; nothing will be persisted")
			backend = docstore.NewMemory()
		default:
			auth, err := config.LoadAuth(o.Config.Auth)
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "failed to read auth file", err)
			}
			client, err := couch.New(auth.URL, auth.User, auth.Pass, couch.WithLogger(o.Logger))
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "invalid database url", err)
			}
			backend = client
		}
	}

	storeOpts := []docstore.Option{
		docstore.WithTimeout(o.Config.RequestTimeout),
		docstore.WithLogger(o.Logger),
		docstore.WithMetrics(reg),
	}
	if o.IDs != nil {
		storeOpts = append(storeOpts, docstore.WithIDGenerator(o.IDs))
	}
	return docstore.New(backend, storeOpts...), nil
}

// localSchema loads the schema file. A missing file is not an error unless
// required; the store's copy is used instead.
func (o *RootOptions) localSchema(required bool) (*schema.Registry, error) {
	reg, err := schema.LoadFile(o.Config.Schema)
	var loadErr *schema.LoadError
	if errors.As(err, &loadErr) && loadErr.Code == schema.ErrCodeNotFound && !required {
		o.Logger.Debug("no local schema file", "path", o.Config.Schema)
		return nil, nil
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
	}
	return reg, nil
}

func (o *RootOptions) evacOptions(local *schema.Registry) evac.Options {
	opts := o.Config.EvacOptions()
	opts.Local = local
	opts.Logger = o.Logger
	return opts
}

// openHandle opens the namespace with the configured schema settings.
func (o *RootOptions) openHandle(ctx context.Context, reg *metrics.Registry) (*evac.Handle, error) {
	store, err := o.openStore(reg)
	if err != nil {
		return nil, err
	}
	local, err := o.localSchema(o.Config.ForceLocalSchema)
	if err != nil {
		return nil, err
	}
	h, err := evac.Open(ctx, store, o.evacOptions(local))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return h, nil
}

// openJournal opens the configured journal, or returns nil when none is
// configured.
func (o *RootOptions) openJournal(ctx context.Context) (*journal.Journal, error) {
	if o.Config.JournalDSN == "" {
		return nil, nil
	}
	j, err := journal.Open(ctx, o.Config.JournalDriver, o.Config.JournalDSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return j, nil
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
