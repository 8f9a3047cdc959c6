package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
)

// Entry is one journaled change record.
type Entry struct {
	ID         int64           // assigned on insert
	DB         string          // source database
	Seq        string          // change sequence token
	DocID      string
	Rev        string
	Deleted    bool
	Payload    json.RawMessage // the change row as received
	RecordedAt string          // RFC 3339, assigned on insert
}

// SaveCheckpoint stores seq as the checkpoint of db, replacing any earlier
// value. Callers are responsible for only moving checkpoints forward.
func (j *Journal) SaveCheckpoint(ctx context.Context, db, seq string) error {
	query, args, err := j.sq.Insert("checkpoints").
		Columns("db", "seq", "updated_at").
		Values(db, seq, j.timestamp()).
		Suffix("ON CONFLICT (db) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", db, err)
	}
	return nil
}

// Append writes e unless a record for the same (db, doc id, revision) is
// already present. Reports whether a row was inserted.
func (j *Journal) Append(ctx context.Context, e Entry) (bool, error) {
	if e.DB == "" || e.DocID == "" {
		return false, fmt.Errorf("append: db and doc id are required")
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	deleted := 0
	if e.Deleted {
		deleted = 1
	}

	query, args, err := j.sq.Insert("change_records").
		Columns("db", "seq", "doc_id", "rev", "deleted", "payload", "recorded_at").
		Values(e.DB, e.Seq, e.DocID, e.Rev, deleted, payload, j.timestamp()).
		Suffix("ON CONFLICT (db, doc_id, rev) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("append: %w", err)
	}
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("append %s/%s: %w", e.DB, e.DocID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append: rows affected: %w", err)
	}
	return n > 0, nil
}

// Prune deletes records of db with ids up to and including through.
func (j *Journal) Prune(ctx context.Context, db string, through int64) (int64, error) {
	query, args, err := j.sq.Delete("change_records").
		Where(squirrel.Eq{"db": db}).
		Where(squirrel.LtOrEq{"id": through}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", db, err)
	}
	return result.RowsAffected()
}
