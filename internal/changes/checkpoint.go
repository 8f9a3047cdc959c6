package changes

import (
	"context"
	"sync"
)

// CheckpointStore keeps the last consumed sequence token per database.
// *journal.Journal is the durable implementation.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, db string) (seq string, ok bool, err error)
	SaveCheckpoint(ctx context.Context, db, seq string) error
}

// MemoryCheckpoints keeps checkpoints for the life of the process, so a
// restart replays from "now".
type MemoryCheckpoints struct {
	mu   sync.Mutex
	seqs map[string]string
}

// NewMemoryCheckpoints creates an empty store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{seqs: map[string]string{}}
}

func (m *MemoryCheckpoints) LoadCheckpoint(_ context.Context, db string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.seqs[db]
	return seq, ok, nil
}

func (m *MemoryCheckpoints) SaveCheckpoint(_ context.Context, db, seq string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[db] = seq
	return nil
}
