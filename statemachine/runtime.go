package statemachine

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/coordkv/coordstore/journal"
	"github.com/coordkv/coordstore/metrics"
	"github.com/coordkv/coordstore/utils/codec"
	"github.com/coordkv/coordstore/utils/log"
)

// Result is the recorded outcome of one applied commit, returned to the
// client that proposed it.
type Result struct {
	Index int64
	Value interface{}
	Err   error
}

// AppliedFunc observes every applied commit, after its handler ran.
type AppliedFunc func(c *Commit, res Result)

// Runtime drives committed entries into the registered command handlers,
// exactly once per index in strictly increasing order, and owns the session
// set, the logical clock and the pinned-commit table the compactor consults.
//
// All apply handler and listener invocations happen on the single apply
// goroutine; filter handlers run on the compactor's goroutine through
// FilterEntry. The wall clock is never read here: the authoritative "now" is
// the logical clock advanced by commit timestamps.
type Runtime struct {
	log      *journal.Log
	codec    codec.Codec
	registry *Registry
	listener SessionListener
	applied  AppliedFunc

	mu       sync.Mutex
	sessions map[int64]*Session
	clock    int64
	waiters  map[int64]chan Result
	pins     map[int64]int
	handles  map[Handle]bool
	nextGen  int64

	lastApplied int64 // apply goroutine only
	events      chan func()
	stopC       chan struct{}
}

func NewRuntime(l *journal.Log, c codec.Codec, reg *Registry) *Runtime {
	return &Runtime{
		log:      l,
		codec:    c,
		registry: reg,
		sessions: map[int64]*Session{},
		waiters:  map[int64]chan Result{},
		pins:     map[int64]int{},
		handles:  map[Handle]bool{},
		events:   make(chan func(), 64),
		stopC:    make(chan struct{}),
	}
}

// SetSessionListener installs the lifecycle callbacks. Must be called
// before Run.
func (r *Runtime) SetSessionListener(l SessionListener) {
	r.listener = l
}

// SetAppliedFunc installs an observer for applied commits (e.g. the commit
// stream). Must be called before Run.
func (r *Runtime) SetAppliedFunc(f AppliedFunc) {
	r.applied = f
}

// Run executes the apply loop until the context is cancelled or a fatal
// error halts the runtime. A deserialization failure of a committed entry
// is fatal; apply handler failures are recorded as operation results and
// the loop advances.
func (r *Runtime) Run(ctx context.Context) error {
	defer close(r.stopC)

	r.lastApplied = r.log.FirstIndex() - 1
	for {
		notify := r.log.CommitNotify()
		commit := r.log.CommitIndex()
		if r.lastApplied >= commit {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-r.events:
				ev()
			case <-notify:
			}
			continue
		}
		if err := r.applyTo(ctx, commit); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Error("state machine runtime halted: %v", err)
			return err
		}
	}
}

func (r *Runtime) applyTo(ctx context.Context, commit int64) error {
	for r.lastApplied < commit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			ev()
			continue
		default:
		}

		next := r.lastApplied + 1
		e, err := r.log.Read(next)
		switch err.(type) {
		case nil:
			if err := r.applyEntry(e); err != nil {
				return err
			}
			r.lastApplied = next
		case journal.EntryCompactedError:
			// removed by compaction, hence already reflected in state
			r.lastApplied = next
		case journal.OutOfBoundsError:
			if first := r.log.FirstIndex(); first > next {
				r.lastApplied = first - 1
				continue
			}
			return errors.Wrapf(err, "apply read of index %d", next)
		default:
			return errors.Wrapf(err, "apply read of index %d", next)
		}
	}
	return nil
}

func (r *Runtime) applyEntry(e journal.Entry) error {
	cmd, env, body, err := decodeOperation(r.codec, r.registry, e.Payload)
	if err != nil {
		// committed entries must decode; anything else is corruption
		return errors.Wrapf(err, "decode committed entry %d", e.Index)
	}

	r.mu.Lock()
	if e.Timestamp > r.clock {
		r.clock = e.Timestamp
	}
	var (
		s     *Session
		isNew bool
	)
	if env.Session != 0 {
		s, isNew = r.sessionLocked(env.Session)
	}
	r.mu.Unlock()

	if isNew && r.listener != nil {
		r.listener.Register(s)
	}

	c := &Commit{
		index:     e.Index,
		term:      e.Term,
		timestamp: e.Timestamp,
		session:   s,
		mode:      Mode(env.Mode),
		ttl:       env.TTL,
		name:      cmd.name,
		op:        body,
	}

	value, applyErr := r.invokeApply(cmd, c)
	if applyErr != nil {
		metrics.ApplyErrorsTotal.Inc()
		log.Warn("apply %s at index %d failed: %v", cmd.name, e.Index, applyErr)
	}
	metrics.AppliedEntriesTotal.Inc()

	res := Result{Index: e.Index, Value: value, Err: applyErr}
	if r.applied != nil {
		r.applied(c, res)
	}
	r.mu.Lock()
	waiter := r.waiters[e.Index]
	delete(r.waiters, e.Index)
	r.mu.Unlock()
	if waiter != nil {
		waiter <- res
	}
	return nil
}

func (r *Runtime) invokeApply(cmd *command, c *Commit) (value interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("apply %s at index %d panicked: %v", cmd.name, c.index, rec)
		}
	}()
	return cmd.apply(c)
}

// sessionLocked returns the session with the given id, creating it in the
// Active state on first observation. Callers hold r.mu.
func (r *Runtime) sessionLocked(id int64) (s *Session, isNew bool) {
	if s = r.sessions[id]; s != nil {
		return s, false
	}
	s = &Session{id: id, state: Active}
	r.sessions[id] = s
	metrics.SessionsActive.Inc()
	return s, true
}

// Propose encodes the operation, appends it through the log writer and
// returns the assigned index together with a channel that receives the
// operation result once the entry commits and applies.
func (r *Runtime) Propose(term int64, op Operation) (int64, <-chan Result, error) {
	return r.propose(op, func(payload []byte) (int64, error) {
		return r.log.Writer().Append(term, payload)
	})
}

// ProposeAt is Propose with a caller-supplied timestamp, for appends
// relayed from a leader that already stamped the entry.
func (r *Runtime) ProposeAt(term, timestamp int64, op Operation) (int64, <-chan Result, error) {
	return r.propose(op, func(payload []byte) (int64, error) {
		return r.log.Writer().AppendAt(term, timestamp, payload)
	})
}

func (r *Runtime) propose(op Operation, appendFn func([]byte) (int64, error)) (int64, <-chan Result, error) {
	payload, err := EncodeOperation(r.codec, op)
	if err != nil {
		return 0, nil, err
	}
	index, err := appendFn(payload)
	if err != nil {
		return 0, nil, err
	}
	ch := make(chan Result, 1)
	r.mu.Lock()
	r.waiters[index] = ch
	r.mu.Unlock()
	return index, ch, nil
}

// RegisterSession makes the session live ahead of its first command. The
// call blocks until the apply goroutine has processed it, so it must not be
// invoked from an apply handler.
func (r *Runtime) RegisterSession(id int64) {
	r.runEvent(func() {
		r.mu.Lock()
		s, isNew := r.sessionLocked(id)
		r.mu.Unlock()
		if isNew && r.listener != nil {
			r.listener.Register(s)
		}
	})
}

// ExpireSession transitions the session to Expired. Invoked by the external
// session layer when keep-alives stop.
func (r *Runtime) ExpireSession(id int64) {
	r.runEvent(func() {
		r.mu.Lock()
		s := r.sessions[id]
		if s == nil || s.state != Active {
			r.mu.Unlock()
			return
		}
		s.state = Expired
		r.mu.Unlock()
		metrics.SessionsActive.Dec()
		if r.listener != nil {
			r.listener.Expire(s)
		}
	})
}

// CloseSession transitions the session to Closed on explicit client close.
func (r *Runtime) CloseSession(id int64) {
	r.runEvent(func() {
		r.mu.Lock()
		s := r.sessions[id]
		if s == nil || s.state != Active {
			r.mu.Unlock()
			return
		}
		s.state = Closed
		r.mu.Unlock()
		metrics.SessionsActive.Dec()
		if r.listener != nil {
			r.listener.Close(s)
		}
	})
}

// runEvent executes fn on the apply goroutine and waits for it.
func (r *Runtime) runEvent(fn func()) {
	done := make(chan struct{})
	select {
	case r.events <- func() { fn(); close(done) }:
	case <-r.stopC:
		return
	}
	select {
	case <-done:
	case <-r.stopC:
	}
}

// Session returns the tracked session with the given id, or nil.
func (r *Runtime) Session(id int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Now returns the logical clock in milliseconds.
func (r *Runtime) Now() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock
}

// Live reports whether a retained commit is still active: its ttl has not
// elapsed on the logical clock and, for ephemeral commits, its originating
// session is alive. Handlers treat non-live prior commits as absent.
//
// The ttl boundary is inclusive: a commit whose age equals its ttl exactly
// is still live.
func (r *Runtime) Live(c *Commit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ttl > 0 && r.clock-c.timestamp > c.ttl {
		return false
	}
	if c.mode == Ephemeral {
		return c.session != nil && c.session.state == Active
	}
	return true
}

// Pin keeps the commit's underlying entry out of compaction until the
// returned handle is released.
func (r *Runtime) Pin(c *Commit) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextGen++
	h := Handle{Index: c.index, Generation: r.nextGen}
	r.handles[h] = true
	r.pins[c.index]++
	return h
}

// Release drops a pin. Releasing an unknown or already-released handle is a
// no-op.
func (r *Runtime) Release(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.handles[h] {
		return
	}
	delete(r.handles, h)
	if r.pins[h.Index]--; r.pins[h.Index] <= 0 {
		delete(r.pins, h.Index)
	}
}

// Pinned reports whether any outstanding handle pins the given index.
// It is the compactor's PinnedFunc.
func (r *Runtime) Pinned(index int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pins[index] > 0
}

// FilterEntry adapts the registered per-command filters to the compactor.
// Decode failures and handler panics keep the entry; commands whose policy
// is PolicyMajor are only consulted during major passes.
func (r *Runtime) FilterEntry(e journal.Entry, ctx journal.CompactionContext) (keep bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn("filter for entry %d panicked, keeping it: %v", e.Index, rec)
			keep = true
		}
	}()

	cmd, env, body, err := decodeOperation(r.codec, r.registry, e.Payload)
	if err != nil {
		return true
	}
	if !ctx.Major && cmd.policy == PolicyMajor {
		return true
	}
	if cmd.filter == nil {
		return true
	}

	r.mu.Lock()
	s := r.sessions[env.Session]
	r.mu.Unlock()

	c := &Commit{
		index:     e.Index,
		term:      e.Term,
		timestamp: e.Timestamp,
		session:   s,
		mode:      Mode(env.Mode),
		ttl:       env.TTL,
		name:      cmd.name,
		op:        body,
	}
	return cmd.filter(c, Compaction{Major: ctx.Major, Index: ctx.CompactionIndex})
}
