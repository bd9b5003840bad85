package sequence

import (
	"encoding/binary"

	"github.com/juju/errors"
)

// Codec converts one element to and from bytes. Decode returns the number of
// bytes it consumed.
type Codec[T any] interface {
	Append(buf []byte, v T) []byte
	Decode(data []byte) (T, int, error)
}

// Uint64Codec stores elements as 8 big-endian bytes.
type Uint64Codec struct{}

func (Uint64Codec) Append(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func (Uint64Codec) Decode(data []byte) (uint64, int, error) {
	if len(data) < 8 {
		return 0, 0, errors.NotValidf("uint64 element of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), 8, nil
}

// StringCodec stores elements as a 4-byte big-endian length and the raw bytes.
type StringCodec struct{}

func (StringCodec) Append(buf []byte, v string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func (StringCodec) Decode(data []byte) (string, int, error) {
	if len(data) < 4 {
		return "", 0, errors.NotValidf("string length prefix of %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data)
	if uint64(n) > uint64(len(data)-4) {
		return "", 0, errors.NotValidf("string of %d bytes with %d remaining", n, len(data)-4)
	}
	return string(data[4 : 4+n]), 4 + int(n), nil
}

// encode writes a 4-byte big-endian count followed by every element.
func encode[T any](codec Codec[T], items []T) []byte {
	buf := binary.BigEndian.AppendUint32(make([]byte, 0, 4+8*len(items)), uint32(len(items)))
	for _, v := range items {
		buf = codec.Append(buf, v)
	}
	return buf
}

// decode is the inverse of encode. Empty input is an empty sequence.
func decode[T any](codec Codec[T], data []byte) ([]T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, errors.NotValidf("sequence header of %d bytes", len(data))
	}
	count := binary.BigEndian.Uint32(data)
	pos := 4
	// Every element takes at least one byte; refuse counts the data cannot hold.
	if uint64(count) > uint64(len(data)-pos) {
		return nil, errors.NotValidf("sequence count %d for %d bytes", count, len(data)-pos)
	}
	items := make([]T, 0, count)
	for i := uint32(0); i < count; i++ {
		v, n, err := codec.Decode(data[pos:])
		if err != nil {
			return nil, errors.Annotatef(err, "element %d", i)
		}
		pos += n
		items = append(items, v)
	}
	if pos != len(data) {
		return nil, errors.NotValidf("%d trailing bytes after %d elements", len(data)-pos, count)
	}
	return items, nil
}
