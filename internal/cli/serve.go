package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/dehc/internal/changes"
	"github.com/roach88/dehc/internal/config"
	"github.com/roach88/dehc/internal/evac"
	"github.com/roach88/dehc/internal/hub"
	"github.com/roach88/dehc/internal/metrics"
	"github.com/roach88/dehc/internal/pace"
	"github.com/roach88/dehc/internal/web"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve gate checks, lookups and manifests over HTTP",
		Long: `Start the web server on --addr (default --web-addr). Besides the lookup, self lookup,
gate check and manifest endpoints it streams namespace changes at /events
and exposes Prometheus metrics at /metrics.

When --web-auth names a credentials file, every route except /healthz needs
HTTP basic auth.

Example:
  dehc serve --addr :9000 --web-auth web_auth.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = rootOpts.Config.WebAddr
			}
			return runServe(rootOpts, cmd, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides --web-addr)")
	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command, addr string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	reg := metrics.New()
	h, err := opts.openHandle(ctx, reg)
	if err != nil {
		return err
	}
	if err := h.Prepare(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to prepare identity index", err)
	}

	events := hub.New(hub.WithLogger(opts.Logger), hub.WithMetrics(reg))
	serverOpts := []web.Option{
		web.WithEvents(events),
		web.WithMetrics(reg),
		web.WithLogger(opts.Logger),
	}
	if opts.Config.WebAuth != "" {
		users, err := config.LoadWebAuth(opts.Config.WebAuth)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read web auth file", err)
		}
		serverOpts = append(serverOpts, web.WithAuth(users))
	} else {
		opts.Logger.Warn("web auth disabled; every route is public")
	}

	trackerOpts := []changes.Option{
		changes.WithInterval(opts.Config.PollInterval),
		changes.WithLogger(opts.Logger),
		changes.WithMetrics(reg),
	}
	consumers := []changes.Consumer{
		changes.LogConsumer(opts.Logger),
		web.EventConsumer(events),
		web.IdentityConsumer(h),
	}
	j, err := opts.openJournal(ctx)
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
		trackerOpts = append(trackerOpts, changes.WithCheckpoints(j))
		consumers = append(consumers, changes.JournalConsumer(j))
	}
	tracker := changes.New(h.Store, h.DBs.All(), trackerOpts...)

	handler := web.New(h, serverOpts...).Handler()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		events.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return changes.Follow(gctx, tracker, opts.Logger, consumers...)
	})
	g.Go(func() error {
		return web.Serve(gctx, addr, handler, opts.Logger)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server failed", err)
	}
	return nil
}

// NewTimecheckCommand creates the timecheck command.
func NewTimecheckCommand(rootOpts *RootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "timecheck",
		Short: "Keep the shared server time document current",
		Long: `Rewrite the server time document in the configs database every --interval
so clients can compare their clocks against it. Runs until interrupted.

Example:
  dehc timecheck --interval 10s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			h, err := rootOpts.openHandle(ctx, nil)
			if err != nil {
				return err
			}
			err = h.TimeKeeper(interval, time.Now, pace.Timer{}).Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return WrapExitError(ExitFailure, "time keeping failed", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", evac.DefaultTimeInterval, "time between updates")
	return cmd
}
