package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"

	"seqkv/internal/logging"
	"seqkv/internal/model"
)

func testCfg(t *testing.T) CommitLogCfg {
	t.Helper()
	return CommitLogCfg{
		Path:                 filepath.Join(t.TempDir(), "wal.log"),
		EnqueueTimeout:       500 * time.Millisecond,
		FlushInterval:        30 * time.Second, // avoid periodic flush interference
		MaxEnqueuingMutation: 16,
		BufferBytes:          1 << 20,
	}
}

func openManager(t *testing.T, cfg CommitLogCfg) *CommitLogManager {
	t.Helper()
	mgr, _, err := NewCommitLogManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("create commit log manager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func mustAppend(t *testing.T, mgr *CommitLogManager, mut model.Mutation) uint64 {
	t.Helper()
	seq, err := mgr.Append(context.Background(), mut)
	if err != nil {
		t.Fatalf("append %s %q: %v", mut.Op, mut.Key, err)
	}
	return seq
}

func TestCommitLogFlushOnBufferLimit(t *testing.T) {
	cfg := testCfg(t)
	cfg.BufferBytes = 128 // small to trigger flush by size with crafted payloads
	mgr := openManager(t, cfg)

	mustAppend(t, mgr, model.Mutation{Op: model.PUT, Key: []byte("k1"), Value: []byte("v1")})
	if size := walFileSize(cfg.Path); size != 0 {
		t.Fatalf("expected no flush after first append, got size %d", size)
	}

	// 105 byte record on top of the buffered 29 bytes overflows the buffer.
	mustAppend(t, mgr, model.Mutation{
		Op:    model.PUT,
		Key:   bytes.Repeat([]byte("a"), 60),
		Value: bytes.Repeat([]byte("b"), 20),
	})

	// Append blocks until the record is buffered, so the first one is on disk.
	if size := walFileSize(cfg.Path); size == 0 {
		t.Fatalf("expected flush on buffer limit, got size %d", size)
	}
}

func TestCommitLogRejectsOversizedEntry(t *testing.T) {
	cfg := testCfg(t)
	cfg.BufferBytes = 128
	mgr := openManager(t, cfg)

	_, err := mgr.Append(context.Background(), model.Mutation{Op: model.PUT, Key: []byte("k"), Value: bytes.Repeat([]byte("x"), 256)})
	if err == nil {
		t.Fatal("expected error for entry larger than the buffer")
	}
	// The sequence number is not consumed by a failed append.
	if seq := mustAppend(t, mgr, model.Mutation{Op: model.PUT, Key: []byte("k"), Value: []byte("v")}); seq != 0 {
		t.Fatalf("sequence after failed append: got %d want 0", seq)
	}
}

func TestCommitLogFlushOnShutdown(t *testing.T) {
	cfg := testCfg(t)
	mgr, cancel, err := NewCommitLogManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("create commit log manager: %v", err)
	}

	mustAppend(t, mgr, model.Mutation{Op: model.PUT, Key: []byte("k1"), Value: []byte("v1")})
	if size := walFileSize(cfg.Path); size != 0 {
		t.Fatalf("expected no flush after first append, got size %d", size)
	}

	cancel()
	if err := mgr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if size := walFileSize(cfg.Path); size == 0 {
		t.Fatal("expected flush after the context shutdown")
	}

	if _, err := mgr.Append(context.Background(), model.Mutation{Op: model.PUT, Key: []byte("k2")}); err != ErrClosed {
		t.Fatalf("append after close: got %v want %v", err, ErrClosed)
	}
}

func TestCommitLogFlushOnInterval(t *testing.T) {
	cfg := testCfg(t)
	cfg.FlushInterval = 20 * time.Millisecond
	mgr := openManager(t, cfg)

	mustAppend(t, mgr, model.Mutation{Op: model.PUT, Key: []byte("k1"), Value: []byte("v1")})

	deadline := time.Now().Add(2 * time.Second)
	for walFileSize(cfg.Path) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected periodic flush to write data")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommitLogExplicitFlush(t *testing.T) {
	cfg := testCfg(t)
	mgr := openManager(t, cfg)

	mustAppend(t, mgr, model.Mutation{Op: model.PUT, Key: []byte("k1"), Value: []byte("v1")})
	if err := mgr.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	onDisk, _, err := scanCommitLog(cfg.Path, mgr.log)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := len(onDisk); got != 1 {
		t.Fatalf("records visible after flush: got %d want 1", got)
	}
}

func TestCommitLogReplayAfterRestart(t *testing.T) {
	cfg := testCfg(t)
	mgr := openManager(t, cfg)

	written := []model.Mutation{
		{Op: model.PUT, Key: []byte("a"), Value: []byte("1")},
		{Op: model.DELETE, Key: []byte("a")},
		{Op: model.PUT, Key: []byte("b"), Value: []byte("2")},
	}
	for i, mut := range written {
		if seq := mustAppend(t, mgr, mut); seq != uint64(i) {
			t.Fatalf("sequence for record %d: got %d", i, seq)
		}
		written[i].Sequence = uint64(i)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openManager(t, cfg)
	if diff := cmp.Diff(written, reopened.Load()); diff != "" {
		t.Fatalf("replay mismatch (-want +got):\n%s", diff)
	}
	if seq := mustAppend(t, reopened, model.Mutation{Op: model.PUT, Key: []byte("c")}); seq != 3 {
		t.Fatalf("sequence after restart: got %d want 3", seq)
	}
}

func TestCommitLogTruncatesTornTail(t *testing.T) {
	cfg := testCfg(t)
	mgr := openManager(t, cfg)
	mustAppend(t, mgr, model.Mutation{Op: model.PUT, Key: []byte("a"), Value: []byte("1")})
	mustAppend(t, mgr, model.Mutation{Op: model.PUT, Key: []byte("b"), Value: []byte("2")})
	if err := mgr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	validSize := walFileSize(cfg.Path)

	// Half-written record: a length prefix promising more than is present.
	f, err := os.OpenFile(cfg.Path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for tearing: %v", err)
	}
	if _, err := f.Write([]byte{0, 0, 0, 40, 1, 2, 3}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	_ = f.Close()

	reopened := openManager(t, cfg)
	if got := len(reopened.Load()); got != 2 {
		t.Fatalf("recovered records: got %d want 2", got)
	}
	if size := walFileSize(cfg.Path); size != validSize {
		t.Fatalf("file size after truncation: got %d want %d", size, validSize)
	}

	mustAppend(t, reopened, model.Mutation{Op: model.PUT, Key: []byte("c"), Value: []byte("3")})
	if err := reopened.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	again := openManager(t, cfg)
	if got := len(again.Load()); got != 3 {
		t.Fatalf("records after append past torn tail: got %d want 3", got)
	}
}

func TestCommitLogStopsAtChecksumMismatch(t *testing.T) {
	cfg := testCfg(t)
	mgr := openManager(t, cfg)
	mustAppend(t, mgr, model.Mutation{Op: model.PUT, Key: []byte("a"), Value: []byte("1")})
	mustAppend(t, mgr, model.Mutation{Op: model.PUT, Key: []byte("b"), Value: []byte("2")})
	if err := mgr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(cfg.Path, data, 0o644); err != nil {
		t.Fatalf("write corrupted log: %v", err)
	}

	reopened := openManager(t, cfg)
	got := reopened.Load()
	if len(got) != 1 || string(got[0].Key) != "a" {
		t.Fatalf("expected only the first record, got %+v", got)
	}
}

func TestBatchRecordRoundTrip(t *testing.T) {
	mut := model.Mutation{
		Op:       model.BATCH,
		Sequence: 7,
		Batch: []model.Mutation{
			{Op: model.PUT, Key: []byte("ns/agevector"), Value: []byte{0, 0, 0, 1}},
			{Op: model.DELETE, Key: []byte("ns/old")},
		},
	}
	record, err := encodeMutation(mut)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodePayload(record[payloadLenBytes+checksumBytes:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(mut, got); diff != "" {
		t.Fatalf("batch mismatch (-want +got):\n%s", diff)
	}

	if _, err := encodeMutation(model.Mutation{Op: model.BATCH, Batch: []model.Mutation{{Op: model.BATCH}}}); err == nil {
		t.Fatal("expected nested batch to be rejected")
	}
}

// failingSegment writes only the first failAfter bytes of the next Write and
// then reports an error, leaving a torn record in the file.
type failingSegment struct {
	*os.File
	failAfter int
	failures  int
}

func (f *failingSegment) Write(p []byte) (int, error) {
	if f.failures == 0 {
		return f.File.Write(p)
	}
	f.failures--
	n, _ := f.File.Write(p[:f.failAfter])
	return n, errors.New("disk full")
}

func TestCommitLogFailedFlushLeavesNoTornBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	seg := &failingSegment{File: f}
	flusher := &CommitLogFlusher{activeSegment: seg, maxBufferBytes: 1 << 10}
	t.Cleanup(func() { _ = f.Close() })

	encode := func(seq uint64, key string) []byte {
		record, err := encodeMutation(model.Mutation{Op: model.PUT, Sequence: seq, Key: []byte(key), Value: []byte("v")})
		if err != nil {
			t.Fatalf("encode %s: %v", key, err)
		}
		return record
	}

	if err := flusher.write(encode(0, "a")); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := flusher.flush(); err != nil {
		t.Fatalf("flush a: %v", err)
	}
	committed := walFileSize(path)

	if err := flusher.write(encode(1, "b")); err != nil {
		t.Fatalf("write b: %v", err)
	}
	seg.failAfter, seg.failures = 5, 1
	if err := flusher.flush(); err == nil {
		t.Fatal("expected flush to fail")
	}
	if size := walFileSize(path); size != committed {
		t.Fatalf("size after failed flush: got %d want %d", size, committed)
	}

	// The retry writes the kept buffer right after the last good record.
	if err := flusher.flush(); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if err := flusher.write(encode(2, "c")); err != nil {
		t.Fatalf("write c: %v", err)
	}
	if err := flusher.flush(); err != nil {
		t.Fatalf("flush c: %v", err)
	}

	replayed, valid, err := scanCommitLog(path, logging.Component("test"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if valid != walFileSize(path) {
		t.Fatalf("valid bytes: got %d want %d", valid, walFileSize(path))
	}
	keys := make([]string, 0, len(replayed))
	for _, m := range replayed {
		keys = append(keys, string(m.Key))
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, keys); diff != "" {
		t.Fatalf("replayed keys (-want +got):\n%s", diff)
	}
}

func walFileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
