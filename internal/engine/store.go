package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/juju/errors"

	"seqkv/internal/logging"
	"seqkv/internal/model"
)

// ErrNotFound is returned by Get for keys that are absent.
const ErrNotFound = errors.ConstError("key not found")

// Store is an in-memory table whose every change is first ordered in the
// commit log. Opening a Store replays the log to rebuild the table.
//
// Store is safe for concurrent use. Writers hold the table lock across the
// commit log append so table order matches log order.
type Store struct {
	mu     sync.RWMutex
	table  map[string][]byte
	log    *CommitLogManager
	logger *slog.Logger
	closed bool
}

// Open starts a commit log at cfg.Path and rebuilds the table from it.
func Open(ctx context.Context, cfg CommitLogCfg) (*Store, error) {
	mgr, _, err := NewCommitLogManager(ctx, cfg)
	if err != nil {
		return nil, errors.Annotatef(err, "open commit log %s", cfg.Path)
	}

	s := &Store{
		table:  make(map[string][]byte),
		log:    mgr,
		logger: logging.Component("engine"),
	}
	replayed := mgr.Load()
	for _, mut := range replayed {
		s.apply(mut)
	}
	s.logger.Info("store opened", "path", cfg.Path, "keys", len(s.table), "replayed", len(replayed))
	return s, nil
}

// Close flushes and closes the commit log.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.log.Close()
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.table[key]
	if !ok {
		return nil, errors.Annotatef(ErrNotFound, "%q", key)
	}
	return cloneBytes(v), nil
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.write(ctx, model.Mutation{Op: model.PUT, Key: []byte(key), Value: cloneBytes(value)})
}

// WriteBatch applies muts as one commit log record: after a crash either all
// of them are replayed or none. An empty batch is a no-op.
func (s *Store) WriteBatch(ctx context.Context, muts []model.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	batch := make([]model.Mutation, len(muts))
	for i, m := range muts {
		if m.Op != model.PUT && m.Op != model.DELETE {
			return errors.NotValidf("batch entry %d with op %s", i, m.Op)
		}
		batch[i] = model.Mutation{Op: m.Op, Key: cloneBytes(m.Key), Value: cloneBytes(m.Value)}
	}
	return s.write(ctx, model.Mutation{Op: model.BATCH, Batch: batch})
}

// Sync forces buffered commit log records to disk.
func (s *Store) Sync(ctx context.Context) error {
	return errors.Trace(s.log.Flush(ctx))
}

// Load returns the value under key or nil when the key is absent.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	v, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// Save stores value under key.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	return s.Put(ctx, key, value)
}

func (s *Store) write(ctx context.Context, mut model.Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	seq, err := s.log.Append(ctx, mut)
	if err != nil {
		return errors.Annotatef(err, "append %s", mut.Op)
	}
	mut.Sequence = seq
	s.apply(mut)
	return nil
}

// apply mutates the table; callers hold mu or own the Store exclusively.
func (s *Store) apply(mut model.Mutation) {
	switch mut.Op {
	case model.PUT:
		s.table[string(mut.Key)] = mut.Value
	case model.DELETE:
		delete(s.table, string(mut.Key))
	case model.BATCH:
		for _, m := range mut.Batch {
			s.apply(m)
		}
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
