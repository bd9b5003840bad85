// Package sequence implements a durable, uniquely keyed, ordered container of
// typed elements over a key-value storage collaborator.
//
// A Sequence materializes lazily on first access, mutates in memory and
// writes back only on Flush. It is not safe for concurrent use: callers own
// it for the duration of one invocation.
package sequence

import (
	"context"

	"github.com/juju/errors"
)

const (
	// ErrIndexOutOfRange is returned by Get for an index >= Len.
	ErrIndexOutOfRange = errors.ConstError("index out of range")
	// ErrEmptyContainer is returned by RemoveLast on an empty sequence.
	ErrEmptyContainer = errors.ConstError("container is empty")
)

// Storage is the key-value collaborator a Sequence loads from and saves to.
// Load returns nil, nil for a key that was never saved.
type Storage interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
}

// Sequence is a persistent sequence of T stored under Key.
type Sequence[T any] struct {
	key     string
	storage Storage
	codec   Codec[T]

	items  []T
	loaded bool
	dirty  bool
}

// New binds a sequence to key in storage. Nothing is read until first use.
func New[T any](key string, storage Storage, codec Codec[T]) *Sequence[T] {
	return &Sequence[T]{key: key, storage: storage, codec: codec}
}

// Dirty reports whether there are in-memory changes not yet flushed.
func (s *Sequence[T]) Dirty() bool { return s.dirty }

func (s *Sequence[T]) materialize(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	data, err := s.storage.Load(ctx, s.key)
	if err != nil {
		return errors.Annotatef(err, "loading sequence %q", s.key)
	}
	items, err := decode(s.codec, data)
	if err != nil {
		return errors.Annotatef(err, "decoding sequence %q", s.key)
	}
	s.items = items
	s.loaded = true
	return nil
}

// Append adds v at the end.
func (s *Sequence[T]) Append(ctx context.Context, v T) error {
	if err := s.materialize(ctx); err != nil {
		return err
	}
	s.items = append(s.items, v)
	s.dirty = true
	return nil
}

// InsertAfter places v right after the element at index, so that element
// keeps its position and the ones after it shift right. An index at or past
// the end appends.
func (s *Sequence[T]) InsertAfter(ctx context.Context, v T, index uint64) error {
	if err := s.materialize(ctx); err != nil {
		return err
	}
	if index >= uint64(len(s.items)) {
		s.items = append(s.items, v)
		s.dirty = true
		return nil
	}
	at := int(index) + 1
	var zero T
	s.items = append(s.items, zero)
	copy(s.items[at+1:], s.items[at:])
	s.items[at] = v
	s.dirty = true
	return nil
}

// RemoveLast drops the final element.
func (s *Sequence[T]) RemoveLast(ctx context.Context) error {
	if err := s.materialize(ctx); err != nil {
		return err
	}
	n := len(s.items)
	if n == 0 {
		return errors.Annotatef(ErrEmptyContainer, "remove last from %q", s.key)
	}
	var zero T
	s.items[n-1] = zero
	s.items = s.items[:n-1]
	s.dirty = true
	return nil
}

// Len returns the number of elements.
func (s *Sequence[T]) Len(ctx context.Context) (uint64, error) {
	if err := s.materialize(ctx); err != nil {
		return 0, err
	}
	return uint64(len(s.items)), nil
}

// Get returns the element at index.
func (s *Sequence[T]) Get(ctx context.Context, index uint64) (T, error) {
	var zero T
	if err := s.materialize(ctx); err != nil {
		return zero, err
	}
	if index >= uint64(len(s.items)) {
		return zero, errors.Annotatef(ErrIndexOutOfRange, "index %d of %q with length %d", index, s.key, len(s.items))
	}
	return s.items[index], nil
}

// Values returns a copy of all elements in order.
func (s *Sequence[T]) Values(ctx context.Context) ([]T, error) {
	if err := s.materialize(ctx); err != nil {
		return nil, err
	}
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out, nil
}

// Flush saves the sequence if it is dirty.
func (s *Sequence[T]) Flush(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	if err := s.storage.Save(ctx, s.key, encode(s.codec, s.items)); err != nil {
		return errors.Annotatef(err, "saving sequence %q", s.key)
	}
	s.dirty = false
	return nil
}

// Discard drops in-memory state, including unflushed changes. The next
// access reloads from storage.
func (s *Sequence[T]) Discard() {
	s.items = nil
	s.loaded = false
	s.dirty = false
}
