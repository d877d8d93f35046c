package statemachine

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/coordkv/coordstore/utils/codec"
	"github.com/coordkv/coordstore/utils/io"
)

// CompactionPolicy decides which compaction pass consults a command's
// filter. Minor-policy commands are filterable in any pass; major-policy
// commands are only filterable during major compaction.
type CompactionPolicy int8

const (
	PolicyMinor CompactionPolicy = iota
	PolicyMajor
)

// ApplyFunc executes one committed operation and returns its result.
type ApplyFunc func(c *Commit) (interface{}, error)

// FilterFunc reports whether the commit is still needed. Filters must be
// pure: they may read state-machine data but never mutate it.
type FilterFunc func(c *Commit, ctx Compaction) bool

// Compaction is the context handed to filter functions.
type Compaction struct {
	Major bool
	// Index is the major-compaction watermark; zero during minor passes.
	Index int64
}

// CommandSpec is the plain configuration record describing one command
// type. Prototype is a zero value (or pointer to one) of the operation
// body type; payload bodies decode into a fresh instance of it.
type CommandSpec struct {
	ID        uint32
	Name      string
	Prototype interface{}
	Apply     ApplyFunc
	Filter    FilterFunc
	Policy    CompactionPolicy
}

type command struct {
	id        uint32
	name      string
	prototype reflect.Type
	apply     ApplyFunc
	filter    FilterFunc
	policy    CompactionPolicy
}

// Registry maps stable 32-bit command type ids to their handlers.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint32]*command
	byName map[string]*command
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   map[uint32]*command{},
		byName: map[string]*command{},
	}
}

func (r *Registry) Register(spec CommandSpec) error {
	if spec.ID == 0 {
		return errors.New("command id 0 is reserved")
	}
	if spec.Name == "" {
		return errors.New("command name is required")
	}
	if spec.Apply == nil {
		return errors.Errorf("command %q has no apply handler", spec.Name)
	}
	t := reflect.TypeOf(spec.Prototype)
	if t == nil {
		return errors.Errorf("command %q has no prototype", spec.Name)
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[spec.ID]; ok {
		return errors.Errorf("command id %d is already registered", spec.ID)
	}
	if _, ok := r.byName[spec.Name]; ok {
		return errors.Errorf("command name %q is already registered", spec.Name)
	}
	cmd := &command{
		id:        spec.ID,
		name:      spec.Name,
		prototype: t,
		apply:     spec.Apply,
		filter:    spec.Filter,
		policy:    spec.Policy,
	}
	r.byID[spec.ID] = cmd
	r.byName[spec.Name] = cmd
	return nil
}

func (r *Registry) lookup(id uint32) (*command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.byID[id]
	return cmd, ok
}

// Operation is a client-side description of one command invocation,
// the plain record replacing the source system's fluent builders.
type Operation struct {
	Type      uint32
	Session   int64
	TTLMillis int64
	Mode      Mode
	Body      interface{}
}

// envelope is the serialized form of everything but the command type id,
// which prefixes the payload as 4 little-endian bytes.
type envelope struct {
	Session int64  `msgpack:"session"`
	TTL     int64  `msgpack:"ttl"`
	Mode    int8   `msgpack:"mode"`
	Body    []byte `msgpack:"body"`
}

const typeIDLen = 4

// EncodeOperation serializes an operation into a log entry payload.
func EncodeOperation(c codec.Codec, op Operation) ([]byte, error) {
	body, err := c.Marshal(op.Body)
	if err != nil {
		return nil, errors.Wrap(err, "encode operation body")
	}
	env, err := c.Marshal(envelope{
		Session: op.Session,
		TTL:     op.TTLMillis,
		Mode:    int8(op.Mode),
		Body:    body,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode operation envelope")
	}
	payload := io.AppendUInt32(make([]byte, 0, typeIDLen+len(env)), op.Type)
	return append(payload, env...), nil
}

// decodeOperation parses a payload back into its command, envelope and
// operation body.
func decodeOperation(c codec.Codec, reg *Registry, payload []byte) (*command, envelope, interface{}, error) {
	var env envelope
	if len(payload) < typeIDLen {
		return nil, env, nil, errors.New("payload shorter than command type id")
	}
	typeID := io.ToUInt32(payload[:typeIDLen])
	cmd, ok := reg.lookup(typeID)
	if !ok {
		return nil, env, nil, errors.Errorf("unknown command type id %d", typeID)
	}
	if err := c.Unmarshal(payload[typeIDLen:], &env); err != nil {
		return nil, env, nil, errors.Wrapf(err, "decode %s envelope", cmd.name)
	}
	body := reflect.New(cmd.prototype).Interface()
	if err := c.Unmarshal(env.Body, body); err != nil {
		return nil, env, nil, errors.Wrapf(err, "decode %s body", cmd.name)
	}
	return cmd, env, body, nil
}
