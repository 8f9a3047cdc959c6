package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
)

// LoadCheckpoint returns the stored checkpoint of db. ok is false when none
// has been saved.
func (j *Journal) LoadCheckpoint(ctx context.Context, db string) (seq string, ok bool, err error) {
	query, args, err := j.sq.Select("seq").
		From("checkpoints").
		Where(squirrel.Eq{"db": db}).
		ToSql()
	if err != nil {
		return "", false, fmt.Errorf("load checkpoint: %w", err)
	}
	err = j.db.QueryRowContext(ctx, query, args...).Scan(&seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("load checkpoint %s: %w", db, err)
	}
	return seq, true, nil
}

// Checkpoints returns every stored checkpoint keyed by database.
func (j *Journal) Checkpoints(ctx context.Context) (map[string]string, error) {
	query, args, err := j.sq.Select("db", "seq").From("checkpoints").OrderBy("db ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("checkpoints: %w", err)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoints: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var db, seq string
		if err := rows.Scan(&db, &seq); err != nil {
			return nil, fmt.Errorf("checkpoints: scan: %w", err)
		}
		out[db] = seq
	}
	return out, rows.Err()
}

// Query selects journaled records.
type Query struct {
	DB      string // empty means every database
	AfterID int64  // only records with a larger id
	Limit   uint64 // zero means no limit
}

// Entries returns the records matching q in insertion order.
func (j *Journal) Entries(ctx context.Context, q Query) ([]Entry, error) {
	sel := j.sq.Select("id", "db", "seq", "doc_id", "rev", "deleted", "payload", "recorded_at").
		From("change_records").
		Where(squirrel.Gt{"id": q.AfterID}).
		OrderBy("id ASC")
	if q.DB != "" {
		sel = sel.Where(squirrel.Eq{"db": q.DB})
	}
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("entries: %w", err)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			deleted int
			payload string
		)
		if err := rows.Scan(&e.ID, &e.DB, &e.Seq, &e.DocID, &e.Rev, &deleted, &payload, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("entries: scan: %w", err)
		}
		e.Deleted = deleted != 0
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of records for db, or for all databases when db
// is empty.
func (j *Journal) Count(ctx context.Context, db string) (int, error) {
	sel := j.sq.Select("COUNT(*)").From("change_records")
	if db != "" {
		sel = sel.Where(squirrel.Eq{"db": db})
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	var n int
	if err := j.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}
