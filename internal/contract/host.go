// Package contract hosts contract instances: it maps method names to
// handlers, runs one invocation at a time and persists the sequences an
// action changed as a single batch.
package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"seqkv/internal/logging"
	"seqkv/internal/sequence"
)

const (
	ErrUnknownMethod    = errors.ConstError("unknown method")
	ErrUnknownField     = errors.ConstError("unknown field")
	ErrInvalidArguments = errors.ConstError("invalid arguments")
	ErrInvalidInstance  = errors.ConstError("invalid instance")
)

// Kind tells the host whether a method may persist state.
type Kind int

const (
	// Action methods persist their changes when they succeed.
	Action Kind = iota
	// Const methods only read; their changes are never persisted.
	Const
)

func (k Kind) String() string {
	if k == Const {
		return "const"
	}
	return "action"
}

// Handler runs one method. args is the raw JSON argument object.
type Handler func(ctx context.Context, inv *Invocation, args json.RawMessage) (any, error)

type Method struct {
	Name    string
	Kind    Kind
	Handler Handler
}

// Field exposes a persisted sequence for paged reads.
type Field struct {
	Name string
	Read func(ctx context.Context, inv *Invocation, offset, limit uint64) (length uint64, items []any, err error)
}

// Contract describes the methods and fields a contract declares.
type Contract interface {
	Methods() []Method
	Fields() []Field
}

// Dispatcher is the name to method table, built once at startup.
type Dispatcher struct {
	methods map[string]Method
	order   []string
}

func NewDispatcher(methods ...Method) (*Dispatcher, error) {
	d := &Dispatcher{methods: make(map[string]Method, len(methods))}
	for _, m := range methods {
		if m.Name == "" || m.Handler == nil {
			return nil, errors.NotValidf("method %q without name or handler", m.Name)
		}
		if _, dup := d.methods[m.Name]; dup {
			return nil, errors.AlreadyExistsf("method %q", m.Name)
		}
		d.methods[m.Name] = m
		d.order = append(d.order, m.Name)
	}
	return d, nil
}

func (d *Dispatcher) Lookup(name string) (Method, bool) {
	m, ok := d.methods[name]
	return m, ok
}

// Methods lists the table in registration order.
func (d *Dispatcher) Methods() []Method {
	out := make([]Method, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.methods[name])
	}
	return out
}

// Invocation is the environment of one method call.
type Invocation struct {
	ID       string
	Instance string

	changes *ChangeSet
	bound   map[string]flushable
	order   []string
}

type flushable interface {
	Flush(ctx context.Context) error
}

// Bind returns the sequence called name in the invocation's instance. Binding
// the same name twice returns the same sequence.
func Bind[T any](inv *Invocation, name string, codec sequence.Codec[T]) *sequence.Sequence[T] {
	if s, ok := inv.bound[name]; ok {
		if typed, ok := s.(*sequence.Sequence[T]); ok {
			return typed
		}
		panic("contract: field " + name + " bound with two element types")
	}
	s := sequence.New[T](inv.Instance+"/"+name, inv.changes, codec)
	inv.bound[name] = s
	inv.order = append(inv.order, name)
	return s
}

func (inv *Invocation) flush(ctx context.Context) error {
	for _, name := range inv.order {
		if err := inv.bound[name].Flush(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Host runs invocations against a Backend, one at a time.
type Host struct {
	mu         sync.Mutex
	backend    Backend
	dispatcher *Dispatcher
	fields     map[string]Field
	log        *slog.Logger
}

func NewHost(backend Backend, c Contract) (*Host, error) {
	d, err := NewDispatcher(c.Methods()...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fields := make(map[string]Field)
	for _, f := range c.Fields() {
		fields[f.Name] = f
	}
	return &Host{
		backend:    backend,
		dispatcher: d,
		fields:     fields,
		log:        logging.Component("host"),
	}, nil
}

// Methods lists the dispatch table.
func (h *Host) Methods() []Method {
	return h.dispatcher.Methods()
}

// Invoke runs method on instance. A failed invocation persists nothing; a
// successful Action persists every sequence it changed in one batch.
func (h *Host) Invoke(ctx context.Context, instance, method string, args json.RawMessage) (any, error) {
	if err := validInstance(instance); err != nil {
		return nil, err
	}
	m, ok := h.dispatcher.Lookup(method)
	if !ok {
		return nil, errors.Annotatef(ErrUnknownMethod, "%q", method)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	inv := h.newInvocation(instance)
	ctx = logging.ContextWithInvocation(ctx, inv.ID, instance)
	log := logging.FromContext(ctx, h.log).With("method", method, "kind", m.Kind.String())

	result, err := m.Handler(ctx, inv, args)
	if err != nil {
		log.Debug("invocation rejected", "error", err)
		return nil, err
	}
	if m.Kind == Const {
		log.Debug("query served")
		return result, nil
	}

	if err := inv.flush(ctx); err != nil {
		return nil, errors.Annotatef(err, "flushing %s", method)
	}
	keys := inv.changes.Len()
	if err := inv.changes.Commit(ctx); err != nil {
		log.Error("commit failed", "error", err)
		return nil, errors.Trace(err)
	}
	log.Info("action committed", "keys", keys)
	return result, nil
}

// ReadField returns length and the items in [offset, offset+limit) of a
// declared field. A zero limit means everything after offset.
func (h *Host) ReadField(ctx context.Context, instance, field string, offset, limit uint64) (uint64, []any, error) {
	if err := validInstance(instance); err != nil {
		return 0, nil, err
	}
	f, ok := h.fields[field]
	if !ok {
		return 0, nil, errors.Annotatef(ErrUnknownField, "%q", field)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	inv := h.newInvocation(instance)
	return f.Read(logging.ContextWithInvocation(ctx, inv.ID, instance), inv, offset, limit)
}

func (h *Host) newInvocation(instance string) *Invocation {
	return &Invocation{
		ID:       uuid.NewString(),
		Instance: instance,
		changes:  NewChangeSet(h.backend),
		bound:    make(map[string]flushable),
	}
}

func validInstance(instance string) error {
	if instance == "" || strings.ContainsAny(instance, "/\x00") {
		return errors.Annotatef(ErrInvalidInstance, "%q", instance)
	}
	return nil
}

// DecodeArgs unmarshals a JSON argument object into dst. Empty input means
// no arguments; unknown fields, out-of-range numbers and trailing data are
// rejected.
func DecodeArgs(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Annotate(ErrInvalidArguments, err.Error())
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.Annotate(ErrInvalidArguments, "trailing data after argument object")
	}
	return nil
}

// Page slices items to [offset, offset+limit); limit 0 means no limit.
func Page[T any](items []T, offset, limit uint64) []any {
	n := uint64(len(items))
	if offset >= n {
		return []any{}
	}
	end := n
	if limit > 0 && limit < n-offset {
		end = offset + limit
	}
	out := make([]any, 0, end-offset)
	for _, v := range items[offset:end] {
		out = append(out, v)
	}
	return out
}
