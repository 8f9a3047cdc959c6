package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dehc/internal/docstore"
	"github.com/roach88/dehc/internal/document"
	"github.com/roach88/dehc/internal/metrics"
	fixtures "github.com/roach88/dehc/internal/testutil"
)

var (
	siteA = Server{URL: "http://site-a:5984", User: "couch", Pass: "hunter2"}
	siteB = Server{URL: "https://site-b.example/", User: "admin", Pass: "secret"}
)

func newManager(t *testing.T, opts ...Option) (*Manager, *docstore.Store, *bytes.Buffer, *fixtures.RecordingSleeper) {
	t.Helper()
	var logs bytes.Buffer
	sleeper := &fixtures.RecordingSleeper{}
	store := docstore.New(docstore.NewMemory())
	base := []Option{WithLogger(slog.New(slog.NewTextHandler(&logs, nil))), WithSleeper(sleeper)}
	return New(store, append(base, opts...)...), store, &logs, sleeper
}

func TestJob_Golden(t *testing.T) {
	doc := Job("auto_fixed",
		Endpoint{Server: siteA, DB: "dehc-items"},
		Endpoint{Server: siteB, DB: "dehc-items"},
		"admin")

	got, err := document.MarshalCanonical(doc)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "job_document", got)
}

func TestEnsureReplication_SecondCallIsNotAnError(t *testing.T) {
	ctx := context.Background()
	m, store, logs, _ := newManager(t)
	source := Endpoint{Server: siteA, DB: "dehc-items"}
	target := Endpoint{Server: siteB, DB: "dehc-items"}

	id, created, err := m.EnsureReplication(ctx, source, target, "admin")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, strings.HasPrefix(id, "auto_"))

	again, created, err := m.EnsureReplication(ctx, source, target, "admin")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)
	assert.Contains(t, logs.String(), "already exists")

	jobs, err := m.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, true, jobs[0]["continuous"])

	stored, err := store.Get(ctx, docstore.ReplicatorDB, id)
	require.NoError(t, err)
	assert.Equal(t, "admin", stored.Str("owner"))
}

func TestEnsureReplication_RandomIDsDuplicateJobs(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := newManager(t, WithJobIDs(RandomJobID))
	source := Endpoint{Server: siteA, DB: "dehc-items"}
	target := Endpoint{Server: siteB, DB: "dehc-items"}

	for range 2 {
		_, created, err := m.EnsureReplication(ctx, source, target, "admin")
		require.NoError(t, err)
		assert.True(t, created)
	}
	jobs, err := m.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestRandomJobID_DiffersPerCall(t *testing.T) {
	e := Endpoint{Server: siteA, DB: "dehc-ids"}
	a, b := RandomJobID(e, e), RandomJobID(e, e)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "auto_"))
}

func TestStableJobID_DependsOnDirection(t *testing.T) {
	local := Endpoint{Server: siteA, DB: "dehc-ids"}
	remote := Endpoint{Server: siteB, DB: "dehc-ids"}
	assert.Equal(t, StableJobID(local, remote), StableJobID(local, remote))
	assert.NotEqual(t, StableJobID(local, remote), StableJobID(remote, local))
}

func TestEndpoint(t *testing.T) {
	e := Endpoint{Server: siteB, DB: "dehc-files"}
	assert.Equal(t, "https://site-b.example/dehc-files", e.Location())
	assert.Equal(t, "Basic YWRtaW46c2VjcmV0", e.Authorization())
}

func TestEnsureAll_PullsThenPushesWithPacing(t *testing.T) {
	ctx := context.Background()
	var order []string
	seq := 0
	ids := func(source, target Endpoint) string {
		seq++
		order = append(order, source.Location()+" -> "+target.Location())
		return fmt.Sprintf("auto_%02d", seq)
	}
	m, _, _, sleeper := newManager(t, WithJobIDs(ids), WithPace(250*time.Millisecond))

	subs, err := m.EnsureAll(ctx, Plan{
		Local:           siteA,
		Remote:          siteB,
		LocalNamespace:  "dehc",
		RemoteNamespace: "central",
		Databases:       []string{"items", "ids"},
		Owner:           "couch",
	})
	require.NoError(t, err)
	require.Len(t, subs, 4)

	assert.Equal(t, []string{
		"https://site-b.example/central-items -> http://site-a:5984/dehc-items",
		"https://site-b.example/central-ids -> http://site-a:5984/dehc-ids",
		"http://site-a:5984/dehc-items -> https://site-b.example/central-items",
		"http://site-a:5984/dehc-ids -> https://site-b.example/central-ids",
	}, order)
	for _, s := range subs {
		assert.True(t, s.Created)
	}
	assert.Equal(t, []time.Duration{
		250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond,
	}, sleeper.Slept())

	jobs, err := m.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 4)
}

func TestEnsureAll_RerunCreatesNoNewJobs(t *testing.T) {
	ctx := context.Background()
	m, _, logs, _ := newManager(t)
	plan := Plan{Local: siteA, Remote: siteB, LocalNamespace: "dehc", Databases: []string{"items"}, Owner: "couch"}

	first, err := m.EnsureAll(ctx, plan)
	require.NoError(t, err)
	second, err := m.EnsureAll(ctx, plan)
	require.NoError(t, err)

	require.Len(t, second, 2)
	for i, s := range second {
		assert.False(t, s.Created)
		assert.Equal(t, first[i].JobID, s.JobID)
	}
	assert.Contains(t, logs.String(), "already exists")

	jobs, err := m.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	source, target := JobLocations(jobs[0])
	assert.Contains(t, []string{"http://site-a:5984/dehc-items", "https://site-b.example/dehc-items"}, source)
	assert.NotEqual(t, source, target)
}

func TestEnsureAll_RemoteNamespaceDefaultsToLocal(t *testing.T) {
	m, _, _, _ := newManager(t)
	subs, err := m.EnsureAll(context.Background(), Plan{
		Local: siteA, Remote: siteB, LocalNamespace: "dehc", Databases: []string{"configs"}, Owner: "couch",
	})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "https://site-b.example/dehc-configs", subs[0].Source)
}

func TestEnsureAll_ResetLocalDropsBeforePull(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := newManager(t)
	require.NoError(t, store.EnsureDatabases(ctx, "dehc-items"))
	_, _, err := store.Create(ctx, "dehc-items", document.Doc{"category": "Person"}, "stale")
	require.NoError(t, err)

	_, err = m.EnsureAll(ctx, Plan{
		Local: siteA, Remote: siteB, LocalNamespace: "dehc",
		Databases: []string{"items", "files"}, Owner: "couch", ResetLocal: true,
	})
	require.NoError(t, err)

	_, err = store.All(ctx, "dehc-items")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

// failingBackend rejects writes to the replicator database.
type failingBackend struct {
	*docstore.Memory
	calls int
}

func (f *failingBackend) Put(ctx context.Context, db string, doc document.Doc) (string, error) {
	f.calls++
	if f.calls == 1 {
		return "", &docstore.TransportError{Op: "put", DB: db, Err: errors.New("connection reset")}
	}
	return f.Memory.Put(ctx, db, doc)
}

func TestEnsureAll_FailureDoesNotStopLaterJobs(t *testing.T) {
	backend := &failingBackend{Memory: docstore.NewMemory()}
	reg := metrics.New()
	m := New(docstore.New(backend),
		WithSleeper(&fixtures.RecordingSleeper{}),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
		WithMetrics(reg))

	subs, err := m.EnsureAll(context.Background(), Plan{
		Local: siteA, Remote: siteB, LocalNamespace: "dehc", Databases: []string{"items"}, Owner: "couch",
	})
	require.Error(t, err)
	assert.True(t, docstore.IsTransport(err))
	require.Len(t, subs, 2)
	assert.Error(t, subs[0].Err)
	assert.NoError(t, subs[1].Err)
	assert.True(t, subs[1].Created)

	expected := `
# HELP dehc_replication_submissions_total Replication job submissions by outcome.
# TYPE dehc_replication_submissions_total counter
dehc_replication_submissions_total{outcome="created"} 1
dehc_replication_submissions_total{outcome="error"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected), "dehc_replication_submissions_total"))
}

func TestEnsureAll_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sleeper := &fixtures.RecordingSleeper{OnCall: func(int) { cancel() }}
	m, _, _, _ := newManager(t, WithSleeper(sleeper))

	subs, err := m.EnsureAll(ctx, Plan{
		Local: siteA, Remote: siteB, LocalNamespace: "dehc", Databases: []string{"items", "ids"}, Owner: "couch",
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, subs, 1)
}
