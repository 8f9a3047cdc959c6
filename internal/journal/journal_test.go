package journal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Masterminds/squirrel"
)

// createTestJournal opens a SQLite journal in a temp directory with a fixed clock.
func createTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	j, err := Open(context.Background(), DriverSQLite, path, WithClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), DriverSQLite, path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("journal file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j, err := Open(ctx, DriverSQLite, path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		if err := j.SaveCheckpoint(ctx, "dehc-items", "1"); err != nil {
			t.Fatalf("SaveCheckpoint() iteration %d failed: %v", i, err)
		}
		j.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	if err := j.verifyPragma(ctx, "journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := j.verifyPragma(ctx, "user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Fatalf("Open() error = %v, want unsupported driver", err)
	}
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	if _, ok, err := j.LoadCheckpoint(ctx, "dehc-items"); err != nil || ok {
		t.Fatalf("LoadCheckpoint() on empty journal = ok %v, err %v", ok, err)
	}

	for _, seq := range []string{"5-abc", "9-def"} {
		if err := j.SaveCheckpoint(ctx, "dehc-items", seq); err != nil {
			t.Fatalf("SaveCheckpoint(%q) failed: %v", seq, err)
		}
	}
	if err := j.SaveCheckpoint(ctx, "dehc-ids", "2"); err != nil {
		t.Fatalf("SaveCheckpoint() failed: %v", err)
	}

	seq, ok, err := j.LoadCheckpoint(ctx, "dehc-items")
	if err != nil || !ok {
		t.Fatalf("LoadCheckpoint() = ok %v, err %v", ok, err)
	}
	if seq != "9-def" {
		t.Errorf("checkpoint = %q, want 9-def", seq)
	}

	all, err := j.Checkpoints(ctx)
	if err != nil {
		t.Fatalf("Checkpoints() failed: %v", err)
	}
	if len(all) != 2 || all["dehc-ids"] != "2" {
		t.Errorf("Checkpoints() = %v", all)
	}
}

func TestCheckpoint_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := Open(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := j.SaveCheckpoint(ctx, "dehc-files", "42"); err != nil {
		t.Fatalf("SaveCheckpoint() failed: %v", err)
	}
	j.Close()

	j, err = Open(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j.Close()

	seq, ok, err := j.LoadCheckpoint(ctx, "dehc-files")
	if err != nil || !ok || seq != "42" {
		t.Fatalf("LoadCheckpoint() = %q, %v, %v; want 42", seq, ok, err)
	}
}

func TestAppend_Idempotent(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	e := Entry{DB: "dehc-items", Seq: "3", DocID: "a", Rev: "1-x", Payload: []byte(`{"id":"a"}`)}
	inserted, err := j.Append(ctx, e)
	if err != nil || !inserted {
		t.Fatalf("first Append() = %v, %v; want inserted", inserted, err)
	}

	e.Seq = "7"
	inserted, err = j.Append(ctx, e)
	if err != nil {
		t.Fatalf("second Append() failed: %v", err)
	}
	if inserted {
		t.Error("second Append() of the same revision inserted a row")
	}

	n, err := j.Count(ctx, "dehc-items")
	if err != nil || n != 1 {
		t.Fatalf("Count() = %d, %v; want 1", n, err)
	}
}

func TestAppend_RequiresIdentity(t *testing.T) {
	j := createTestJournal(t)
	if _, err := j.Append(context.Background(), Entry{DB: "dehc-items"}); err == nil {
		t.Fatal("Append() without doc id succeeded")
	}
}

func TestEntries_OrderAndFilters(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	entries := []Entry{
		{DB: "dehc-items", Seq: "1", DocID: "b", Rev: "1-x"},
		{DB: "dehc-ids", Seq: "1", DocID: "m", Rev: "1-y"},
		{DB: "dehc-items", Seq: "2", DocID: "a", Rev: "1-z", Deleted: true},
	}
	for _, e := range entries {
		if _, err := j.Append(ctx, e); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}

	got, err := j.Entries(ctx, Query{DB: "dehc-items"})
	if err != nil {
		t.Fatalf("Entries() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Entries() returned %d records, want 2", len(got))
	}
	if got[0].DocID != "b" || got[1].DocID != "a" {
		t.Errorf("order = %s, %s; want b, a", got[0].DocID, got[1].DocID)
	}
	if !got[1].Deleted {
		t.Error("deleted flag lost")
	}
	if string(got[0].Payload) != "{}" {
		t.Errorf("empty payload stored as %q, want {}", got[0].Payload)
	}
	if got[0].RecordedAt != "2024-03-01T12:00:00Z" {
		t.Errorf("RecordedAt = %q", got[0].RecordedAt)
	}

	after, err := j.Entries(ctx, Query{AfterID: got[0].ID, Limit: 1})
	if err != nil {
		t.Fatalf("Entries() failed: %v", err)
	}
	if len(after) != 1 || after[0].DocID != "m" {
		t.Errorf("Entries(after, limit 1) = %+v", after)
	}
}

func TestPrune(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if _, err := j.Append(ctx, Entry{DB: "dehc-items", Seq: string(rune('1' + i)), DocID: id, Rev: "1-x"}); err != nil {
			t.Fatalf("Append() failed: %v", err)
		}
	}
	all, _ := j.Entries(ctx, Query{})
	n, err := j.Prune(ctx, "dehc-items", all[1].ID)
	if err != nil || n != 2 {
		t.Fatalf("Prune() = %d, %v; want 2", n, err)
	}
	left, _ := j.Count(ctx, "")
	if left != 1 {
		t.Errorf("Count() after prune = %d, want 1", left)
	}
}

func TestStatements_SplitsSchema(t *testing.T) {
	for name, schema := range map[string]string{"sqlite": sqliteSchema, "postgres": postgresSchema} {
		stmts := statements(schema)
		if len(stmts) != 3 {
			t.Errorf("%s: %d statements, want 3", name, len(stmts))
		}
		for _, s := range stmts {
			if strings.HasPrefix(s, "--") {
				t.Errorf("%s: comment leaked into statement %q", name, s)
			}
		}
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	sq := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	query, _, err := sq.Insert("checkpoints").Columns("db", "seq", "updated_at").Values("a", "b", "c").ToSql()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(query, "($1,$2,$3)") {
		t.Errorf("query = %q, want dollar placeholders", query)
	}
}

// TestPostgres runs against a real server when DEHC_TEST_PG_DSN is set.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("DEHC_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DEHC_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	j, err := Open(ctx, DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	if err := j.SaveCheckpoint(ctx, "dehc-test", "1"); err != nil {
		t.Fatalf("SaveCheckpoint() failed: %v", err)
	}
	if _, err := j.Append(ctx, Entry{DB: "dehc-test", Seq: "1", DocID: "a", Rev: time.Now().String()}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
}
