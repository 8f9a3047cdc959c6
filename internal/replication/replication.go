// Package replication configures continuous CouchDB replication jobs between
// two servers by writing job documents into the local _replicator database.
package replication

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/metrics"
	"github.com/roach88/dehc/internal/pace"
)

// DefaultPace is the wait after each job submission.
const DefaultPace = time.Second

// Server is one CouchDB instance and the credentials used to reach it.
type Server struct {
	URL  string
	User string
	Pass string
}

// Endpoint is one database on a server.
type Endpoint struct {
	Server
	DB string
}

// Location is the database URL as the replicator expects it.
func (e Endpoint) Location() string {
	return strings.TrimRight(e.URL, "/") + "/" + e.DB
}

// Authorization is the basic auth header value for the endpoint.
func (e Endpoint) Authorization() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(e.User+":"+e.Pass))
}

// JobIDFunc names the job document for one direction.
type JobIDFunc func(source, target Endpoint) string

// RandomJobID returns "auto_" plus a time-based UUID, a new id every call.
// Repeated setups then create duplicate jobs.
func RandomJobID(Endpoint, Endpoint) string {
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	return "auto_" + id.String()
}

// StableJobID derives the id from both locations, so the same direction
// always maps to the same job document.
func StableJobID(source, target Endpoint) string {
	return "auto_" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(source.Location()+" "+target.Location())).String()
}

// Manager submits jobs. Submissions are sequential and paced.
type Manager struct {
	store   *docstore.Store
	jobID   JobIDFunc
	pace    time.Duration
	sleeper pace.Sleeper
	logger  *slog.Logger
	metrics *metrics.Registry
}

// Option configures a Manager.
type Option func(*Manager)

// WithJobIDs replaces StableJobID.
func WithJobIDs(f JobIDFunc) Option {
	return func(m *Manager) { m.jobID = f }
}

// WithPace sets the wait after each submission.
func WithPace(d time.Duration) Option {
	return func(m *Manager) { m.pace = d }
}

// WithSleeper replaces the real timer.
func WithSleeper(s pace.Sleeper) Option {
	return func(m *Manager) { m.sleeper = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics counts submissions in r.
func WithMetrics(r *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = r }
}

// New creates a manager writing into the _replicator database of store.
func New(store *docstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		jobID:   StableJobID,
		pace:    DefaultPace,
		sleeper: pace.Timer{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Job builds the job document replicating source into target.
func Job(id string, source, target Endpoint, owner string) document.Doc {
	endpoint := func(e Endpoint) map[string]any {
		return map[string]any{
			"url":     e.Location(),
			"headers": map[string]any{"Authorization": e.Authorization()},
		}
	}
	return document.Doc{
		document.FieldID: id,
		"user_ctx": map[string]any{
			"name":  owner,
			"roles": []string{"_admin", "_reader", "_writer"},
		},
		"source":        endpoint(source),
		"target":        endpoint(target),
		"create_target": true,
		"continuous":    true,
		"owner":         owner,
	}
}

// EnsureReplication submits a continuous job from source to target. A job
// document that already exists is logged and counts as success; created
// reports which case happened.
func (m *Manager) EnsureReplication(ctx context.Context, source, target Endpoint, owner string) (id string, created bool, err error) {
	id = m.jobID(source, target)
	m.logger.Info("replicating", "source", source.Location(), "target", target.Location(), "job", id)

	_, _, err = m.store.Create(ctx, docstore.ReplicatorDB, Job(id, source, target, owner), id)
	switch {
	case err == nil:
		m.metrics.ObserveReplication("created")
		return id, true, nil
	case errors.Is(err, docstore.ErrConflict):
		m.logger.Info("replication document already exists", "job", id)
		m.metrics.ObserveReplication("exists")
		return id, false, nil
	default:
		m.metrics.ObserveReplication("error")
		return id, false, fmt.Errorf("replicate %s to %s: %w", source.Location(), target.Location(), err)
	}
}

// Plan describes a bidirectional setup between a local and a remote
// namespace.
type Plan struct {
	Local           Server
	Remote          Server
	LocalNamespace  string
	RemoteNamespace string
	Databases       []string // suffixes, e.g. "items"
	Owner           string
	// ResetLocal drops each local database before its pull job is created.
	ResetLocal bool
}

// Submission is the result of one job of a plan.
type Submission struct {
	Source  string
	Target  string
	JobID   string
	Created bool
	Err     error
}

// EnsureAll submits every pull job (remote to local) and then every push job
// (local to remote), pausing after each. A failed submission is logged and
// the rest still run; the failures are joined into the returned error.
func (m *Manager) EnsureAll(ctx context.Context, p Plan) ([]Submission, error) {
	remoteNS := p.RemoteNamespace
	if remoteNS == "" {
		remoteNS = p.LocalNamespace
	}
	local := func(db string) Endpoint { return Endpoint{Server: p.Local, DB: p.LocalNamespace + "-" + db} }
	remote := func(db string) Endpoint { return Endpoint{Server: p.Remote, DB: remoteNS + "-" + db} }

	m.logger.Info("setting up replication",
		"local", p.LocalNamespace, "local_url", p.Local.URL,
		"remote", remoteNS, "remote_url", p.Remote.URL)

	var (
		out  []Submission
		errs []error
	)
	submit := func(source, target Endpoint) error {
		id, created, err := m.EnsureReplication(ctx, source, target, p.Owner)
		out = append(out, Submission{Source: source.Location(), Target: target.Location(), JobID: id, Created: created, Err: err})
		if err != nil {
			m.logger.Error("replication job not submitted", "job", id, "error", err)
			errs = append(errs, err)
		}
		return m.sleeper.Sleep(ctx, m.pace)
	}

	for _, db := range p.Databases {
		if p.ResetLocal {
			name := local(db).DB
			if err := m.store.DropDatabases(ctx, true, name); err != nil {
				m.logger.Warn("could not delete local database", "db", name, "error", err)
			} else {
				m.logger.Info("deleted local database", "db", name)
			}
		}
		if err := submit(remote(db), local(db)); err != nil {
			return out, err
		}
	}
	for _, db := range p.Databases {
		if err := submit(local(db), remote(db)); err != nil {
			return out, err
		}
	}

	m.logger.Info("done setting up replication", "jobs", len(out), "failed", len(errs))
	return out, errors.Join(errs...)
}

// Jobs returns the job documents currently in _replicator, design documents
// excluded.
func (m *Manager) Jobs(ctx context.Context) ([]document.Doc, error) {
	docs, err := m.store.All(ctx, docstore.ReplicatorDB)
	if err != nil {
		return nil, fmt.Errorf("replication jobs: %w", err)
	}
	out := docs[:0]
	for _, d := range docs {
		if !strings.HasPrefix(d.ID(), "_design/") {
			out = append(out, d)
		}
	}
	return out, nil
}

// JobLocations returns the source and target URLs of a job document.
func JobLocations(job document.Doc) (source, target string) {
	url := func(key string) string {
		m, _ := job[key].(map[string]any)
		s, _ := m["url"].(string)
		return s
	}
	return url("source"), url("target")
}
