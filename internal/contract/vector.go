package contract

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"

	"seqkv/internal/sequence"
)

// Field names, also the last segment of their storage keys.
const (
	AgeVectorField = "agevector"
	StrVectorField = "strvector"
)

// Vector is a contract holding a sequence of ages and a sequence of strings.
type Vector struct{}

func ageVector(inv *Invocation) *sequence.Sequence[uint64] {
	return Bind[uint64](inv, AgeVectorField, sequence.Uint64Codec{})
}

func strVector(inv *Invocation) *sequence.Sequence[string] {
	return Bind[string](inv, StrVectorField, sequence.StringCodec{})
}

func (Vector) Methods() []Method {
	return []Method{
		{Name: "init", Kind: Action, Handler: vectorInit},
		{Name: "add_vector", Kind: Action, Handler: addVector},
		{Name: "get_vector_size", Kind: Const, Handler: getVectorSize},
		{Name: "get_vector", Kind: Const, Handler: getVector},
		{Name: "vector_push_back_element", Kind: Action, Handler: pushBackElement},
		{Name: "vector_insert_element", Kind: Action, Handler: insertElement},
		{Name: "vector_pop_back_element", Kind: Action, Handler: popBackElement},
		{Name: "get_strvector_size", Kind: Const, Handler: getStrVectorSize},
		{Name: "get_vector_element_by_position", Kind: Const, Handler: getElementByPosition},
	}
}

func (Vector) Fields() []Field {
	return []Field{
		{Name: AgeVectorField, Read: func(ctx context.Context, inv *Invocation, offset, limit uint64) (uint64, []any, error) {
			return readPage(ctx, ageVector(inv), offset, limit)
		}},
		{Name: StrVectorField, Read: func(ctx context.Context, inv *Invocation, offset, limit uint64) (uint64, []any, error) {
			return readPage(ctx, strVector(inv), offset, limit)
		}},
	}
}

func readPage[T any](ctx context.Context, s *sequence.Sequence[T], offset, limit uint64) (uint64, []any, error) {
	items, err := s.Values(ctx)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	return uint64(len(items)), Page(items, offset, limit), nil
}

type indexArgs struct {
	Index *uint8 `json:"index"`
}

func (a indexArgs) index() (uint64, error) {
	if a.Index == nil {
		return 0, errors.Annotate(ErrInvalidArguments, "index is required")
	}
	return uint64(*a.Index), nil
}

func vectorInit(ctx context.Context, inv *Invocation, raw json.RawMessage) (any, error) {
	var args struct {
		Age *uint16 `json:"age"`
	}
	if err := DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Age == nil {
		return nil, errors.Annotate(ErrInvalidArguments, "age is required")
	}
	return nil, ageVector(inv).Append(ctx, uint64(*args.Age))
}

func addVector(ctx context.Context, inv *Invocation, raw json.RawMessage) (any, error) {
	var args struct {
		OneAge *uint64 `json:"one_age"`
	}
	if err := DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.OneAge == nil {
		return nil, errors.Annotate(ErrInvalidArguments, "one_age is required")
	}
	return nil, ageVector(inv).Append(ctx, *args.OneAge)
}

func getVectorSize(ctx context.Context, inv *Invocation, raw json.RawMessage) (any, error) {
	if err := DecodeArgs(raw, &struct{}{}); err != nil {
		return nil, err
	}
	return ageVector(inv).Len(ctx)
}

func getVector(ctx context.Context, inv *Invocation, raw json.RawMessage) (any, error) {
	var args indexArgs
	if err := DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	index, err := args.index()
	if err != nil {
		return nil, err
	}
	return ageVector(inv).Get(ctx, index)
}

func pushBackElement(ctx context.Context, inv *Invocation, raw json.RawMessage) (any, error) {
	var args struct {
		Value *string `json:"value"`
	}
	if err := DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Value == nil {
		return nil, errors.Annotate(ErrInvalidArguments, "value is required")
	}
	return nil, strVector(inv).Append(ctx, *args.Value)
}

func insertElement(ctx context.Context, inv *Invocation, raw json.RawMessage) (any, error) {
	var args struct {
		Value *string `json:"value"`
		Index *uint8  `json:"index"`
	}
	if err := DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Value == nil {
		return nil, errors.Annotate(ErrInvalidArguments, "value is required")
	}
	index, err := indexArgs{Index: args.Index}.index()
	if err != nil {
		return nil, err
	}
	return nil, strVector(inv).InsertAfter(ctx, *args.Value, index)
}

func popBackElement(ctx context.Context, inv *Invocation, raw json.RawMessage) (any, error) {
	if err := DecodeArgs(raw, &struct{}{}); err != nil {
		return nil, err
	}
	return nil, strVector(inv).RemoveLast(ctx)
}

func getStrVectorSize(ctx context.Context, inv *Invocation, raw json.RawMessage) (any, error) {
	if err := DecodeArgs(raw, &struct{}{}); err != nil {
		return nil, err
	}
	return strVector(inv).Len(ctx)
}

func getElementByPosition(ctx context.Context, inv *Invocation, raw json.RawMessage) (any, error) {
	var args indexArgs
	if err := DecodeArgs(raw, &args); err != nil {
		return nil, err
	}
	index, err := args.index()
	if err != nil {
		return nil, err
	}
	return strVector(inv).Get(ctx, index)
}
