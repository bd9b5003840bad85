package contract

import (
	"context"

	"github.com/juju/errors"

	"seqkv/internal/model"
)

// Backend is the durable store contracts run against.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	WriteBatch(ctx context.Context, muts []model.Mutation) error
}

// ChangeSet overlays pending writes on a Backend. Reads see the overlay
// first; Commit hands every pending write to the backend as one batch.
type ChangeSet struct {
	base    Backend
	pending map[string][]byte
	order   []string
}

func NewChangeSet(base Backend) *ChangeSet {
	return &ChangeSet{base: base, pending: make(map[string][]byte)}
}

func (c *ChangeSet) Load(ctx context.Context, key string) ([]byte, error) {
	if v, ok := c.pending[key]; ok {
		return append([]byte(nil), v...), nil
	}
	v, err := c.base.Load(ctx, key)
	return v, errors.Trace(err)
}

func (c *ChangeSet) Save(_ context.Context, key string, value []byte) error {
	if _, ok := c.pending[key]; !ok {
		c.order = append(c.order, key)
	}
	c.pending[key] = append([]byte(nil), value...)
	return nil
}

// Len is the number of keys with pending writes.
func (c *ChangeSet) Len() int { return len(c.order) }

// Commit writes the pending set in first-write order and clears it.
func (c *ChangeSet) Commit(ctx context.Context) error {
	if len(c.order) == 0 {
		return nil
	}
	muts := make([]model.Mutation, 0, len(c.order))
	for _, key := range c.order {
		muts = append(muts, model.Mutation{Op: model.PUT, Key: []byte(key), Value: c.pending[key]})
	}
	if err := c.base.WriteBatch(ctx, muts); err != nil {
		return errors.Annotatef(err, "committing %d keys", len(muts))
	}
	c.Rollback()
	return nil
}

// Rollback forgets every pending write.
func (c *ChangeSet) Rollback() {
	c.pending = make(map[string][]byte)
	c.order = nil
}
