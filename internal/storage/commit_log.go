package storage

import (
	"bufio"
	"io"
	"os"

	"github.com/juju/errors"
)

// ErrTornSegment reports a failed write whose partial bytes could not be
// removed. The segment must not be appended to again.
const ErrTornSegment = errors.ConstError("commit log segment holds a torn write")

// Note: a segment has a single writer (the commit log goroutine). Readers open
// their own handle and only run during recovery, so nothing here locks.

// Segment is an append-only commit log file. *os.File opened with O_APPEND
// satisfies it.
type Segment interface {
	io.WriteCloser
	Sync() error
	Truncate(size int64) error
}

// Write appends data to a segment that currently holds size bytes and fsyncs
// it. On failure the segment is truncated back to size, so a retry never
// lands behind torn bytes. Caller owns file lifecycle.
func Write(seg Segment, size int64, data []byte) error {
	err := write(seg, data)
	if err == nil {
		return nil
	}
	if terr := seg.Truncate(size); terr != nil {
		return errors.Annotatef(ErrTornSegment, "%v; rollback to %d bytes: %v", err, size, terr)
	}
	return err
}

func write(seg Segment, data []byte) error {
	writer := bufio.NewWriterSize(seg, len(data))
	if _, err := writer.Write(data); err != nil {
		return errors.Annotate(err, "write")
	}
	if err := writer.Flush(); err != nil {
		return errors.Annotate(err, "flush")
	}
	if err := seg.Sync(); err != nil {
		return errors.Annotate(err, "fsync")
	}
	return nil
}

// Read returns up to length bytes starting at offset. A short slice means the
// segment ends before offset+length.
func Read(file io.ReaderAt, offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Annotatef(err, "read at %d", offset)
	}
	return buf[:n], nil
}

// Size reports the current size of the segment at path; a missing file is empty.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotatef(err, "stat %s", path)
	}
	return info.Size(), nil
}
