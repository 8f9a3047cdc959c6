package evac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/pace"
)

const (
	// TimeCheckID is the configs document carrying the server time.
	TimeCheckID = "timecheck"
	// FieldServerTime holds the time as local ISO-8601 with seconds.
	FieldServerTime = "Server Time"
	// TimeLayout formats FieldServerTime.
	TimeLayout = "2006-01-02T15:04:05"

	DefaultTimeInterval = 10 * time.Second
	timeSettle          = 3 * time.Second
)

// TimeKeeper rewrites the timecheck document on an interval so clients can
// see the server is alive and compare clocks.
type TimeKeeper struct {
	store    *docstore.Store
	db       string
	interval time.Duration
	now      func() time.Time
	sleeper  pace.Sleeper
	logger   *slog.Logger
}

// TimeKeeper returns a keeper writing into the handle's configs database.
func (h *Handle) TimeKeeper(interval time.Duration, now func() time.Time, sleeper pace.Sleeper) *TimeKeeper {
	if interval <= 0 {
		interval = DefaultTimeInterval
	}
	if now == nil {
		now = time.Now
	}
	if sleeper == nil {
		sleeper = pace.Timer{}
	}
	return &TimeKeeper{
		store:    h.Store,
		db:       h.DBs.Configs,
		interval: interval,
		now:      now,
		sleeper:  sleeper,
		logger:   h.logger,
	}
}

// Run replaces any existing timecheck document, waits briefly, and then
// rewrites it every interval until ctx is done. A failed write is retried on
// the next tick.
func (k *TimeKeeper) Run(ctx context.Context) error {
	if _, err := k.store.Delete(ctx, k.db, TimeCheckID, "", true); err != nil {
		return fmt.Errorf("timecheck: %w", err)
	}
	stamp := k.stamp()
	rev, err := k.write(ctx, stamp, "")
	if err != nil {
		return fmt.Errorf("timecheck: %w", err)
	}
	k.logger.Info("timecheck started", "db", k.db, "time", stamp)

	if err := k.sleeper.Sleep(ctx, timeSettle); err != nil {
		return nil
	}
	for {
		stamp := k.stamp()
		next, err := k.write(ctx, stamp, rev)
		switch {
		case err == nil:
			rev = next
			k.logger.Debug("server time written", "time", stamp)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, docstore.ErrConflict):
			// Someone else wrote it; pick up their revision.
			k.logger.Warn("timecheck document changed elsewhere", "error", err)
			if current, gerr := k.store.Get(ctx, k.db, TimeCheckID); gerr == nil {
				rev = current.Rev()
			}
		case docstore.IsTransport(err):
			k.logger.Warn("server time not written", "error", err)
		default:
			return fmt.Errorf("timecheck: %w", err)
		}
		if err := k.sleeper.Sleep(ctx, k.interval); err != nil {
			return nil
		}
	}
}

func (k *TimeKeeper) stamp() string { return k.now().Format(TimeLayout) }

func (k *TimeKeeper) write(ctx context.Context, stamp, rev string) (string, error) {
	doc := document.Doc{FieldServerTime: stamp}
	if rev == "" {
		_, newRev, err := k.store.Create(ctx, k.db, doc, TimeCheckID)
		return newRev, err
	}
	doc[document.FieldRev] = rev
	return k.store.Edit(ctx, k.db, doc, TimeCheckID, true)
}

// ServerTime reads the last written server time. ok is false when no
// timecheck document exists.
func (h *Handle) ServerTime(ctx context.Context) (document.Doc, bool, error) {
	doc, err := h.Store.Get(ctx, h.DBs.Configs, TimeCheckID)
	switch {
	case err == nil:
		return doc, true, nil
	case errors.Is(err, docstore.ErrNotFound) && !errors.Is(err, docstore.ErrNoDatabase):
		return nil, false, nil
	default:
		return nil, false, err
	}
}
