package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"

	"seqkv/internal/logging"
	"seqkv/internal/model"
	"seqkv/internal/storage"
)

const (
	// ErrEnqueueTimeout is returned when the writer queue stays full for
	// longer than CommitLogCfg.EnqueueTimeout.
	ErrEnqueueTimeout = errors.ConstError("timeout waiting for mutation to be added to commit log")
	// ErrClosed is returned by operations on a closed commit log or store.
	ErrClosed = errors.ConstError("commit log closed")
)

type CommitLogFlusher struct {
	activeSegment  storage.Segment
	size           int64 // bytes on disk in activeSegment
	failed         error // set once a failed write could not be rolled back
	nextSeq        uint64
	buffer         bytes.Buffer
	maxBufferBytes int
}

type commitLogMsg struct {
	mut  model.Mutation
	done chan appendResult
}

type appendResult struct {
	seq uint64
	err error
}

type CommitLogCfg struct {
	Path                 string
	EnqueueTimeout       time.Duration
	FlushInterval        time.Duration
	MaxEnqueuingMutation int
	BufferBytes          int
}

/*
CommitLogManager keeps a single writer goroutine in charge of the log file:
- Ordering: the channel preserves request order and the writer assigns sequence numbers.
- Backpressure: bounded channel plus enqueue timeout, callers fail fast.
- Handshake: each request waits on its own done channel until the record is buffered.
- Flush: when the buffer is full, on every FlushInterval tick, and on shutdown.
*/
type CommitLogManager struct {
	flusher CommitLogFlusher
	queue   chan commitLogMsg
	cfg     CommitLogCfg
	flushT  *time.Ticker
	log     *slog.Logger

	recovered []model.Mutation

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

const (
	payloadLenBytes                = 4
	checksumBytes                  = 4
	seqNumBytes                    = 8
	opTypeBytes                    = 1
	lenFieldSize                   = 4
	batchCountBytes                = 4
	defaultCommitLogBufferBytes    = 4 * 1024 * 1024
	minimalCommitLogBufferBytes    = 128
	defaultMaxEnqueuingMutationVal = 1024
	defaultEnqueueTimeout          = time.Second
	defaultFlushInterval           = time.Second
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NewCommitLogManager opens (or creates) the log at cfg.Path, replays it,
// truncates any torn tail left by a crash and starts the writer goroutine.
// The returned cancel func stops the writer; Close does the same and waits
// for the final flush.
func NewCommitLogManager(ctx context.Context, cfg CommitLogCfg) (*CommitLogManager, context.CancelFunc, error) {
	logger := logging.Component("commitlog")

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, errors.Annotate(err, "create commit log dir")
		}
	}

	recovered, validBytes, err := scanCommitLog(cfg.Path, logger)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, errors.Annotate(err, "open commit log")
	}
	size, err := storage.Size(cfg.Path)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if size > validBytes {
		logger.Warn("truncating torn commit log tail", "path", cfg.Path, "size", size, "valid", validBytes)
		if err := f.Truncate(validBytes); err != nil {
			_ = f.Close()
			return nil, nil, errors.Annotate(err, "truncate commit log")
		}
		size = validBytes
	}

	var nextSeq uint64
	if n := len(recovered); n > 0 {
		nextSeq = recovered[n-1].Sequence + 1
	}

	if cfg.BufferBytes <= 0 {
		cfg.BufferBytes = defaultCommitLogBufferBytes
	}
	if cfg.BufferBytes < minimalCommitLogBufferBytes {
		cfg.BufferBytes = minimalCommitLogBufferBytes
	}
	if cfg.MaxEnqueuingMutation <= 0 {
		cfg.MaxEnqueuingMutation = defaultMaxEnqueuingMutationVal
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	runCtx, cancel := context.WithCancel(ctx)
	m := &CommitLogManager{
		cfg:       cfg,
		queue:     make(chan commitLogMsg, cfg.MaxEnqueuingMutation),
		flushT:    time.NewTicker(cfg.FlushInterval),
		log:       logger,
		recovered: recovered,
		cancel:    cancel,
		done:      make(chan struct{}),
		flusher: CommitLogFlusher{
			activeSegment:  f,
			size:           size,
			nextSeq:        nextSeq,
			maxBufferBytes: cfg.BufferBytes,
		},
	}

	go func() {
		defer close(m.done)
		m.run(runCtx)
		m.flushT.Stop()
		if err := m.flusher.activeSegment.Close(); err != nil {
			m.log.Error("close commit log", "error", err)
		}
	}()
	return m, cancel, nil
}

// Append durably orders mut in the commit log and returns the sequence number
// the writer assigned to it. The record is buffered, not yet fsynced, when
// Append returns.
func (cm *CommitLogManager) Append(ctx context.Context, mut model.Mutation) (uint64, error) {
	msg := commitLogMsg{mut: mut, done: make(chan appendResult, 1)}

	timer := time.NewTimer(cm.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case cm.queue <- msg:
	case <-cm.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, errors.Trace(ctx.Err())
	case <-timer.C:
		return 0, ErrEnqueueTimeout
	}

	select {
	case res := <-msg.done:
		return res.seq, res.err
	case <-cm.done:
		// The writer drains its queue before exiting, so a result is pending
		// unless the message raced with shutdown.
		select {
		case res := <-msg.done:
			return res.seq, res.err
		default:
			return 0, ErrClosed
		}
	}
}

// Load returns the mutations replayed from disk when the log was opened, up
// to the first corrupted or truncated record.
func (cm *CommitLogManager) Load() []model.Mutation {
	return cm.recovered
}

// Flush forces the buffered records to disk.
func (cm *CommitLogManager) Flush(ctx context.Context) error {
	_, err := cm.Append(ctx, model.Mutation{Op: flushMarker})
	return err
}

// Close stops the writer, flushing outstanding data. Safe to call twice.
func (cm *CommitLogManager) Close() error {
	cm.closeOnce.Do(cm.cancel)
	<-cm.done
	return nil
}

// flushMarker is an in-process control message, never encoded.
const flushMarker model.OpsType = 0xff

func (cm *CommitLogManager) run(ctx context.Context) {
	for {
		select {
		case msg := <-cm.queue:
			cm.handle(msg)
		case <-cm.flushT.C:
			if err := cm.flusher.flush(); err != nil {
				cm.log.Error("periodic flush failed", "error", err)
			}
		case <-ctx.Done():
			cm.drain()
			cm.log.Info("commit log shutting down, flushing active segment")
			if err := cm.flusher.flush(); err != nil {
				cm.log.Error("shutdown flush failed", "error", err)
			}
			return
		}
	}
}

// drain handles requests that were enqueued before shutdown.
func (cm *CommitLogManager) drain() {
	for {
		select {
		case msg := <-cm.queue:
			cm.handle(msg)
		default:
			return
		}
	}
}

func (cm *CommitLogManager) handle(msg commitLogMsg) {
	if msg.mut.Op == flushMarker {
		msg.done <- appendResult{err: cm.flusher.flush()}
		return
	}
	mut := msg.mut
	mut.Sequence = cm.flusher.nextSeq
	encoded, err := encodeMutation(mut)
	if err == nil {
		err = cm.flusher.write(encoded)
	}
	if err != nil {
		msg.done <- appendResult{err: err}
		return
	}
	cm.flusher.nextSeq++
	msg.done <- appendResult{seq: mut.Sequence}
}

func (flusher *CommitLogFlusher) write(data []byte) error {
	if flusher.activeSegment == nil {
		return errors.New("no active segment")
	}

	if len(data) > flusher.maxBufferBytes {
		return errors.Errorf("commit log entry (%d bytes) exceeds buffer size (%d bytes)", len(data), flusher.maxBufferBytes)
	}

	if flusher.buffer.Len()+len(data) > flusher.maxBufferBytes {
		if err := flusher.flush(); err != nil {
			return err
		}
	}

	_, err := flusher.buffer.Write(data)
	return err
}

func (flusher *CommitLogFlusher) flush() error {
	if flusher.activeSegment == nil {
		return errors.New("no active segment")
	}
	if flusher.failed != nil {
		return flusher.failed
	}
	if flusher.buffer.Len() == 0 {
		return nil
	}

	// On error the buffer is kept for the next attempt; storage.Write has
	// already cut the segment back to flusher.size.
	if err := storage.Write(flusher.activeSegment, flusher.size, flusher.buffer.Bytes()); err != nil {
		if errors.Is(err, storage.ErrTornSegment) {
			flusher.failed = err
		}
		return err
	}
	flusher.size += int64(flusher.buffer.Len())
	flusher.buffer.Reset()
	return nil
}

// scanCommitLog replays the file at path and reports how many leading bytes
// hold valid records.
func scanCommitLog(path string, logger *slog.Logger) ([]model.Mutation, int64, error) {
	mutations := make([]model.Mutation, 0)

	readFile, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return mutations, 0, nil
	}
	if err != nil {
		return nil, 0, errors.Annotate(err, "open commit log for reading")
	}
	defer readFile.Close()

	fileInfo, err := readFile.Stat()
	if err != nil {
		return nil, 0, errors.Annotate(err, "stat commit log")
	}
	fileSize := fileInfo.Size()

	var offset int64
	recordNum := 0

	for offset < fileSize {
		header, err := storage.Read(readFile, offset, payloadLenBytes+checksumBytes)
		if err != nil {
			return nil, 0, err
		}
		if len(header) < payloadLenBytes+checksumBytes {
			logger.Warn("truncated record header", "record", recordNum, "offset", offset)
			break
		}
		payloadLen := binary.BigEndian.Uint32(header[:payloadLenBytes])
		expectedChecksum := binary.BigEndian.Uint32(header[payloadLenBytes:])

		payloadOffset := offset + payloadLenBytes + checksumBytes
		if payloadOffset+int64(payloadLen) > fileSize {
			logger.Warn("truncated record payload", "record", recordNum, "offset", payloadOffset, "expected", payloadLen)
			break
		}

		payload, err := storage.Read(readFile, payloadOffset, int(payloadLen))
		if err != nil {
			return nil, 0, err
		}

		if actual := crc32.Checksum(payload, castagnoli); actual != expectedChecksum {
			logger.Warn("checksum mismatch, stopping at corruption boundary",
				"record", recordNum, "expected", expectedChecksum, "actual", actual)
			break
		}

		mut, err := decodePayload(payload)
		if err != nil {
			logger.Warn("undecodable record, stopping", "record", recordNum, "error", err)
			break
		}

		mutations = append(mutations, mut)
		offset = payloadOffset + int64(payloadLen)
		recordNum++
	}

	logger.Info("replayed commit log", "path", path, "mutations", len(mutations), "bytes", offset)
	return mutations, offset, nil
}

/*
encodeMutation returns the commit log record for mut:

| PayloadLength | CRC32C | Sequence | OpType | KeyLen | Key      | ValueLen | Value    |
|--------------|--------|----------|--------|--------|----------|----------|----------|
| 4 bytes      | 4 bytes| 8 bytes  | 1 byte | 4 bytes| K bytes  | 4 bytes  | V bytes  |

For BATCH the key is empty and the value holds a 4-byte count followed by
| OpType | KeyLen | Key | ValueLen | Value | per entry. One CRC covers the
whole batch, so replay applies all of it or none.
*/
func encodeMutation(mut model.Mutation) ([]byte, error) {
	value := mut.Value
	if mut.Op == model.BATCH {
		var err error
		if value, err = encodeBatch(mut.Batch); err != nil {
			return nil, err
		}
	} else if mut.Op != model.PUT && mut.Op != model.DELETE {
		return nil, errors.Errorf("invalid operation type: %d", mut.Op)
	}

	payload := make([]byte, 0, seqNumBytes+opTypeBytes+lenFieldSize+len(mut.Key)+lenFieldSize+len(value))
	payload = binary.BigEndian.AppendUint64(payload, mut.Sequence)
	payload = append(payload, byte(mut.Op))
	payload = appendBytes(payload, mut.Key)
	payload = appendBytes(payload, value)

	record := make([]byte, 0, payloadLenBytes+checksumBytes+len(payload))
	record = binary.BigEndian.AppendUint32(record, uint32(len(payload)))
	record = binary.BigEndian.AppendUint32(record, crc32.Checksum(payload, castagnoli))
	record = append(record, payload...)
	return record, nil
}

func encodeBatch(batch []model.Mutation) ([]byte, error) {
	buf := binary.BigEndian.AppendUint32(nil, uint32(len(batch)))
	for i, m := range batch {
		if m.Op != model.PUT && m.Op != model.DELETE {
			return nil, errors.Errorf("batch entry %d: invalid operation type: %d", i, m.Op)
		}
		buf = append(buf, byte(m.Op))
		buf = appendBytes(buf, m.Key)
		buf = appendBytes(buf, m.Value)
	}
	return buf, nil
}

// decodePayload extracts the Mutation from the payload portion of a record,
// keeping the sequence number assigned at write time.
func decodePayload(payload []byte) (model.Mutation, error) {
	minSize := seqNumBytes + opTypeBytes + lenFieldSize + lenFieldSize
	if len(payload) < minSize {
		return model.Mutation{}, errors.Errorf("payload too short: %d bytes (minimum %d)", len(payload), minSize)
	}

	seqNum := binary.BigEndian.Uint64(payload[:seqNumBytes])
	pos := seqNumBytes

	opType := model.OpsType(payload[pos])
	pos += opTypeBytes

	key, pos, err := readBytes(payload, pos)
	if err != nil {
		return model.Mutation{}, errors.Annotate(err, "key")
	}
	value, pos, err := readBytes(payload, pos)
	if err != nil {
		return model.Mutation{}, errors.Annotate(err, "value")
	}
	if pos != len(payload) {
		return model.Mutation{}, errors.Errorf("%d trailing bytes after value", len(payload)-pos)
	}

	mut := model.Mutation{Op: opType, Key: key, Value: value, Sequence: seqNum}
	switch opType {
	case model.PUT, model.DELETE:
	case model.BATCH:
		if mut.Batch, err = decodeBatch(value); err != nil {
			return model.Mutation{}, err
		}
		mut.Value = nil
	default:
		return model.Mutation{}, errors.Errorf("invalid operation type: %d", opType)
	}
	return mut, nil
}

func decodeBatch(data []byte) ([]model.Mutation, error) {
	if len(data) < batchCountBytes {
		return nil, errors.New("batch too short for entry count")
	}
	count := binary.BigEndian.Uint32(data[:batchCountBytes])
	pos := batchCountBytes
	// Each entry needs at least op + two length fields.
	if uint64(count)*(opTypeBytes+2*lenFieldSize) > uint64(len(data)-pos) {
		return nil, errors.Errorf("batch count %d exceeds payload", count)
	}

	out := make([]model.Mutation, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos >= len(data) {
			return nil, errors.Errorf("batch entry %d: missing op type", i)
		}
		op := model.OpsType(data[pos])
		if op != model.PUT && op != model.DELETE {
			return nil, errors.Errorf("batch entry %d: invalid operation type: %d", i, op)
		}
		pos++
		var (
			key, value []byte
			err        error
		)
		if key, pos, err = readBytes(data, pos); err != nil {
			return nil, errors.Annotatef(err, "batch entry %d key", i)
		}
		if value, pos, err = readBytes(data, pos); err != nil {
			return nil, errors.Annotatef(err, "batch entry %d value", i)
		}
		out = append(out, model.Mutation{Op: op, Key: key, Value: value})
	}
	if pos != len(data) {
		return nil, errors.Errorf("%d trailing bytes after batch", len(data)-pos)
	}
	return out, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// readBytes reads a length-prefixed field; a zero length decodes to nil.
func readBytes(data []byte, pos int) ([]byte, int, error) {
	if pos+lenFieldSize > len(data) {
		return nil, pos, errors.New("length field exceeds payload bounds")
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+lenFieldSize]))
	pos += lenFieldSize
	if n < 0 || pos+n > len(data) {
		return nil, pos, errors.Errorf("length (%d) exceeds payload bounds", n)
	}
	if n == 0 {
		return nil, pos, nil
	}
	out := make([]byte, n)
	copy(out, data[pos:pos+n])
	return out, pos + n, nil
}
