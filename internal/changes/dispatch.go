package changes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dehc/internal/journal"
)

// Consumer handles records read from the tracker's sink.
type Consumer interface {
	Consume(ctx context.Context, r Record) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, r Record) error

func (f ConsumerFunc) Consume(ctx context.Context, r Record) error { return f(ctx, r) }

// Dispatch hands every record from in to each consumer in order, then
// acknowledges it, until in is closed or ctx is done. Records already
// buffered in in when ctx ends are still handed over, with a context that
// is no longer cancelled. A consumer error is logged and does not stop the
// others or later records.
func Dispatch(ctx context.Context, in <-chan Record, logger *slog.Logger, consumers ...Consumer) {
	if logger == nil {
		logger = slog.Default()
	}
	handle := func(ctx context.Context, r Record) {
		for _, c := range consumers {
			if err := c.Consume(ctx, r); err != nil {
				logger.Error("change consumer failed", "db", r.DB, "id", r.Change.ID, "error", err)
			}
		}
		r.Ack()
	}
	for {
		select {
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for {
				select {
				case r, ok := <-in:
					if !ok {
						return
					}
					handle(drain, r)
				default:
					return
				}
			}
		case r, ok := <-in:
			if !ok {
				return
			}
			handle(ctx, r)
		}
	}
}

// Follow runs tracker and dispatches its records to consumers until ctx is
// done or every database has been stopped. Cancellation is not an error.
func Follow(ctx context.Context, tracker *Tracker, logger *slog.Logger, consumers ...Consumer) error {
	sink := make(chan Record, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(sink)
		return tracker.Run(gctx, sink)
	})
	g.Go(func() error {
		Dispatch(gctx, sink, logger, consumers...)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// LogConsumer writes each record as one info line carrying the record JSON.
func LogConsumer(logger *slog.Logger) Consumer {
	return ConsumerFunc(func(ctx context.Context, r Record) error {
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "change", "db", r.DB, "id", r.Change.ID, "seq", r.Change.Seq, "record", json.RawMessage(raw))
		return nil
	})
}

// JournalConsumer appends each record to j. Records already journaled are
// skipped by the journal itself.
func JournalConsumer(j *journal.Journal) Consumer {
	return ConsumerFunc(func(ctx context.Context, r Record) error {
		raw := r.Change.Raw
		if len(raw) == 0 {
			var err error
			if raw, err = json.Marshal(r.Change); err != nil {
				return err
			}
		}
		_, err := j.Append(ctx, journal.Entry{
			DB:      r.DB,
			Seq:     r.Change.Seq,
			DocID:   r.Change.ID,
			Rev:     r.Change.Rev,
			Deleted: r.Change.Deleted,
			Payload: raw,
		})
		return err
	})
}
