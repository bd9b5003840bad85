package engine

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"

	"seqkv/internal/model"
)

func openStore(t *testing.T, cfg CommitLogCfg) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func deleteKey(ctx context.Context, s *Store, key string) error {
	return s.write(ctx, model.Mutation{Op: model.DELETE, Key: []byte(key)})
}

func keysWithPrefix(s *Store, prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for k := range s.table {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func tableLen(s *Store) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

func TestStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testCfg(t))

	if _, err := s.Get("alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: got %v want ErrNotFound", err)
	}
	if err := s.Put(ctx, "alpha", []byte("one")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "alpha", []byte("two")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.Get("alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "two" {
		t.Fatalf("value: got %q want %q", got, "two")
	}

	// Returned slices are copies.
	got[0] = 'X'
	if again, _ := s.Get("alpha"); string(again) != "two" {
		t.Fatalf("store mutated through returned slice: %q", again)
	}

	if err := deleteKey(ctx, s, "alpha"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("alpha"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: got %v want ErrNotFound", err)
	}
	if err := deleteKey(ctx, s, "alpha"); err != nil {
		t.Fatalf("delete missing key: %v", err)
	}
}

func TestStoreLoadSave(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testCfg(t))

	v, err := s.Load(ctx, "absent")
	if err != nil || v != nil {
		t.Fatalf("load absent: got %v, %v want nil, nil", v, err)
	}
	if err := s.Save(ctx, "present", []byte{1, 2}); err != nil {
		t.Fatalf("save: %v", err)
	}
	v, err = s.Load(ctx, "present")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2}, v); diff != "" {
		t.Fatalf("load mismatch (-want +got):\n%s", diff)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Load(cancelled, "present"); !errors.Is(err, context.Canceled) {
		t.Fatalf("load with cancelled context: got %v", err)
	}
}

func TestStoreRecoversAfterRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg(t)

	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Put(ctx, "ns/a", []byte("1")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := s.Put(ctx, "ns/c", []byte("3")); err != nil {
		t.Fatalf("put c: %v", err)
	}
	err = s.WriteBatch(ctx, []model.Mutation{
		{Op: model.PUT, Key: []byte("ns/b"), Value: []byte("2")},
		{Op: model.DELETE, Key: []byte("ns/c")},
		{Op: model.PUT, Key: []byte("other/x"), Value: []byte("x")},
	})
	if err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Put(ctx, "ns/late", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("put after close: got %v want ErrClosed", err)
	}

	reopened := openStore(t, cfg)
	if diff := cmp.Diff([]string{"ns/a", "ns/b"}, keysWithPrefix(reopened, "ns/")); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	if got := tableLen(reopened); got != 3 {
		t.Fatalf("len: got %d want 3", got)
	}
	if v, _ := reopened.Get("ns/b"); string(v) != "2" {
		t.Fatalf("ns/b: got %q want %q", v, "2")
	}
}

func TestStoreWriteBatchValidation(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testCfg(t))

	if err := s.WriteBatch(ctx, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
	err := s.WriteBatch(ctx, []model.Mutation{{Op: model.BATCH}})
	if !errors.IsNotValid(err) {
		t.Fatalf("nested batch: got %v want NotValid", err)
	}
	if tableLen(s) != 0 {
		t.Fatalf("rejected batch changed the table")
	}
}

func TestStoreSync(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg(t)
	s := openStore(t, cfg)

	if err := s.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if size := walFileSize(cfg.Path); size != 0 {
		t.Fatalf("expected buffered record before sync, got size %d", size)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if size := walFileSize(cfg.Path); size == 0 {
		t.Fatal("expected record on disk after sync")
	}
}
