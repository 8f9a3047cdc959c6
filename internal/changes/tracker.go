// Package changes follows the change feeds of a set of databases and emits
// one Record per changed document.
//
// Each database has its own polling goroutine and state machine:
//
//	INITIALIZING → POLLING → (POLLING | FAILED)
//	FAILED → POLLING on the next successful poll
//
// Polls within a database are strictly sequential. A checkpoint only
// advances after every record of a successful poll has been acknowledged
// with Record.Ack, so delivery is at-least-once. A failing database never
// affects the others.
package changes

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/metrics"
	"github.com/roach88/dehc/internal/pace"
)

// DefaultInterval is the wait between polls of one database.
const DefaultInterval = 2 * time.Second

// State is a database tracker's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateInitializing
	StatePolling
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StatePolling:
		return "POLLING"
	case StateFailed:
		return "FAILED"
	default:
		return "STOPPED"
	}
}

// Record is one change of one database.
type Record struct {
	DB     string
	Change docstore.Change

	ack func()
}

// Ack tells the tracker the record has been handled. The checkpoint of its
// database does not move past it until it is acknowledged. Extra calls are
// ignored.
func (r Record) Ack() {
	if r.ack != nil {
		r.ack()
	}
}

// MarshalJSON renders {"db": ..., "log": <change row>}, the row as the
// service sent it when available.
func (r Record) MarshalJSON() ([]byte, error) {
	row := r.Change.Raw
	if len(row) == 0 {
		var err error
		if row, err = json.Marshal(r.Change); err != nil {
			return nil, err
		}
	}
	return json.Marshal(struct {
		DB  string          `json:"db"`
		Log json.RawMessage `json:"log"`
	}{r.DB, row})
}

// Source reads change feeds. *docstore.Store satisfies it.
type Source interface {
	Changes(ctx context.Context, db, since string) (docstore.ChangesPage, error)
}

// Tracker polls a fixed set of databases.
//
// Thread-safety: Run is called once; State, Stop and Checkpoint are safe
// from any goroutine.
type Tracker struct {
	source      Source
	dbs         []string
	interval    time.Duration
	history     bool
	checkpoints CheckpointStore
	sleeper     pace.Sleeper
	logger      *slog.Logger
	metrics     *metrics.Registry

	mu      sync.Mutex
	states  map[string]State
	cancels map[string]context.CancelFunc
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInterval sets the wait between polls.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

// WithHistory replays each database from the beginning instead of seeding
// the checkpoint at the current end of the feed.
func WithHistory(replay bool) Option {
	return func(t *Tracker) { t.history = replay }
}

// WithCheckpoints sets where checkpoints are kept. A stored checkpoint is
// resumed from and takes precedence over seeding.
func WithCheckpoints(c CheckpointStore) Option {
	return func(t *Tracker) { t.checkpoints = c }
}

// WithSleeper replaces the real timer.
func WithSleeper(s pace.Sleeper) Option {
	return func(t *Tracker) { t.sleeper = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics records polls and states in r.
func WithMetrics(r *metrics.Registry) Option {
	return func(t *Tracker) { t.metrics = r }
}

// New creates a tracker for dbs.
func New(source Source, dbs []string, opts ...Option) *Tracker {
	t := &Tracker{
		source:      source,
		dbs:         append([]string(nil), dbs...),
		interval:    DefaultInterval,
		checkpoints: NewMemoryCheckpoints(),
		sleeper:     pace.Timer{},
		logger:      slog.Default(),
		states:      map[string]State{},
		cancels:     map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run polls every database until ctx is cancelled or every database has
// been stopped, sending records to sink. Whoever reads sink must Ack each
// record. Run does not close sink.
func (t *Tracker) Run(ctx context.Context, sink chan<- Record) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, db := range t.dbs {
		dbctx, cancel := context.WithCancel(gctx)
		t.mu.Lock()
		t.cancels[db] = cancel
		t.states[db] = StateInitializing
		t.mu.Unlock()

		g.Go(func() error {
			defer cancel()
			defer t.setState(db, StateStopped)
			return t.follow(dbctx, db, sink)
		})
	}
	return g.Wait()
}

// Stop cancels the polling of one database. Reports whether it was running.
func (t *Tracker) Stop(db string) bool {
	t.mu.Lock()
	cancel, ok := t.cancels[db]
	delete(t.cancels, db)
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// State returns the current state of db.
func (t *Tracker) State(db string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[db]
}

// Checkpoint returns the last checkpoint of db.
func (t *Tracker) Checkpoint(ctx context.Context, db string) (string, bool, error) {
	return t.checkpoints.LoadCheckpoint(ctx, db)
}

func (t *Tracker) setState(db string, s State) {
	t.mu.Lock()
	prev := t.states[db]
	t.states[db] = s
	t.mu.Unlock()
	t.metrics.SetPolling(db, s == StatePolling)
	if prev != s {
		t.logger.Debug("tracker state", "db", db, "from", prev.String(), "to", s.String())
	}
}

// follow is the state machine of one database.
func (t *Tracker) follow(ctx context.Context, db string, sink chan<- Record) error {
	since, err := t.start(ctx, db)
	if err != nil {
		return nil
	}

	for {
		page, err := t.source.Changes(ctx, db, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.metrics.ObservePoll(db, "error", 0)
			t.setState(db, StateFailed)
			t.logger.Warn("change poll failed; retrying from last checkpoint",
				"db", db, "since", since, "error", err)
		} else {
			if !deliver(ctx, db, page.Results, sink) {
				return nil
			}
			if next, ok := advance(since, page.LastSeq); ok {
				if err := t.checkpoints.SaveCheckpoint(ctx, db, next); err != nil {
					t.logger.Warn("checkpoint not saved", "db", db, "seq", next, "error", err)
				}
				since = next
			} else if page.LastSeq != since {
				t.logger.Warn("ignoring checkpoint that moves backwards",
					"db", db, "current", since, "received", page.LastSeq)
			}
			t.metrics.ObservePoll(db, "ok", len(page.Results))
			t.setState(db, StatePolling)
		}

		if err := t.sleeper.Sleep(ctx, t.interval); err != nil {
			return nil
		}
	}
}

// deliver sends one page to sink and waits until every record of it has
// been acknowledged. It reports false when ctx ends first.
func deliver(ctx context.Context, db string, page []docstore.Change, sink chan<- Record) bool {
	acked := make(chan struct{}, len(page))
	for _, change := range page {
		r := Record{DB: db, Change: change, ack: sync.OnceFunc(func() { acked <- struct{}{} })}
		select {
		case sink <- r:
		case <-ctx.Done():
			return false
		}
	}
	for range page {
		select {
		case <-acked:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// start resolves the first checkpoint: a stored one, the beginning of the
// feed when history is requested, or the current end of the feed found by
// a throwaway poll. A failing seed poll is retried every interval.
func (t *Tracker) start(ctx context.Context, db string) (string, error) {
	t.setState(db, StateInitializing)

	since, ok, err := t.checkpoints.LoadCheckpoint(ctx, db)
	if err != nil {
		t.logger.Warn("checkpoint not loaded; starting without one", "db", db, "error", err)
		ok = false
	}
	if ok {
		t.logger.Info("resuming change feed", "db", db, "since", since)
		return since, nil
	}
	if t.history {
		t.logger.Info("replaying change feed from the beginning", "db", db)
		return "0", nil
	}

	for {
		page, err := t.source.Changes(ctx, db, "0")
		if err == nil {
			t.logger.Info("change feed seeded", "db", db, "since", page.LastSeq, "skipped", len(page.Results))
			return page.LastSeq, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		t.metrics.ObservePoll(db, "error", 0)
		t.setState(db, StateFailed)
		t.logger.Warn("change feed seed failed", "db", db, "error", err)
		if err := t.sleeper.Sleep(ctx, t.interval); err != nil {
			return "", err
		}
	}
}

// advance decides whether the checkpoint may move from current to next.
// Sequence tokens are opaque, but both CouchDB formats start with a numeric
// prefix ("42" or "42-g1AAAA..."); when both carry one, next must not be
// smaller.
func advance(current, next string) (string, bool) {
	if next == "" || next == current {
		return current, false
	}
	a, aok := seqNumber(current)
	b, bok := seqNumber(next)
	if aok && bok && b < a {
		return current, false
	}
	return next, true
}

func seqNumber(seq string) (int64, bool) {
	prefix, _, _ := strings.Cut(seq, "-")
	n, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
