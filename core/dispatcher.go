package core

import (
	"errors"
	"sync"
	"time"
)

// StateChange reports an engine moving between states
type StateChange struct {
	Engine string
	From   EngineState
	To     EngineState
	Err    error
}

// EngineStatus is a snapshot of one registered engine
type EngineStatus struct {
	Name     string
	Priority int
	State    EngineState
	Stats    EngineStats
}

// DispatchStats counts routing decisions
type DispatchStats struct {
	Submitted  uint32
	Routed     uint32
	Unroutable uint32 // no capable engine, or the capable one is in error
	Rejected   uint32 // the chosen engine refused (queue full, request in use)
	Flushes    uint32
	Engines    []EngineStatus
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithFallThrough lets requests skip engines in the error state and reach
// the next capable one
func WithFallThrough(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.fallThrough = enabled
	}
}

// WithStateHook is called after every observed engine state change
func WithStateHook(hook func(StateChange)) DispatcherOption {
	return func(d *Dispatcher) {
		d.stateHook = hook
	}
}

// WithDropHook is called for every request the dispatcher could not place
func WithDropHook(hook func(req *Request, err error)) DispatcherOption {
	return func(d *Dispatcher) {
		d.dropHook = hook
	}
}

// WithDispatchLogger sets the dispatcher logger
func WithDispatchLogger(log Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.log = loggerOrNop(log)
	}
}

type entry struct {
	engine Engine
	last   EngineState
}

// Dispatcher routes requests to the highest priority engine that can take
// them and drives all engines from the control loop
type Dispatcher struct {
	mu sync.Mutex

	engines     []*entry
	fallThrough bool
	log         Logger
	stateHook   func(StateChange)
	dropHook    func(*Request, error)

	submitted  uint32
	routed     uint32
	unroutable uint32
	rejected   uint32
	flushes    uint32
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{log: NopLogger{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds an engine. Engines are kept in descending priority; equal
// priorities keep registration order.
func (d *Dispatcher) Register(e Engine) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pos := len(d.engines)
	for i, en := range d.engines {
		if en.engine.Priority() < e.Priority() {
			pos = i
			break
		}
	}
	d.engines = append(d.engines, nil)
	copy(d.engines[pos+1:], d.engines[pos:])
	d.engines[pos] = &entry{engine: e, last: e.State()}
	d.log.Debug("engine registered", "engine", e.Name(), "priority", e.Priority(), "position", pos)
}

// Engines returns the registered engines in routing order
func (d *Dispatcher) Engines() []Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Engine, len(d.engines))
	for i, en := range d.engines {
		out[i] = en.engine
	}
	return out
}

// Submit routes a request to the first capable engine
func (d *Dispatcher) Submit(req *Request) error {
	err := d.route(req)
	if err != nil && d.dropHook != nil {
		d.dropHook(req, err)
	}
	return err
}

func (d *Dispatcher) route(req *Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.submitted++
	for _, en := range d.engines {
		e := en.engine
		if !e.CanHandle(req) {
			continue
		}
		if e.State() == StateError {
			if d.fallThrough {
				continue
			}
			d.unroutable++
			d.log.Warn("request blocked by engine error", "engine", e.Name(), "line", req.Line)
			return withCause(ErrUnsupportedProtocol, ErrEngineUnavailable)
		}
		if err := e.Enqueue(req); err != nil {
			if errors.Is(err, ErrEngineUnavailable) && d.fallThrough {
				continue
			}
			d.rejected++
			d.log.Warn("request rejected", "engine", e.Name(), "line", req.Line, "err", err)
			return err
		}
		d.routed++
		return nil
	}
	d.unroutable++
	if req != nil {
		d.log.Warn("request unroutable", "line", req.Line, "family", req.Family)
	}
	return ErrUnsupportedProtocol
}

// Flush starts queued work on every engine, then polls them once
func (d *Dispatcher) Flush() []EngineStatus {
	d.mu.Lock()
	d.flushes++
	for _, en := range d.engines {
		if err := en.engine.Start(); err != nil {
			d.log.Debug("engine start", "engine", en.engine.Name(), "err", err)
		}
	}
	d.mu.Unlock()
	return d.Poll()
}

// Poll advances every engine and returns their states
func (d *Dispatcher) Poll() []EngineStatus {
	d.mu.Lock()
	statuses := make([]EngineStatus, len(d.engines))
	var changes []StateChange
	for i, en := range d.engines {
		st := en.engine.Poll()
		if st != en.last {
			change := StateChange{Engine: en.engine.Name(), From: en.last, To: st}
			if st == StateError {
				change.Err = en.engine.Err()
			}
			changes = append(changes, change)
			en.last = st
		}
		statuses[i] = status(en.engine, st)
	}
	hook := d.stateHook
	d.mu.Unlock()

	for _, change := range changes {
		d.log.Debug("engine state", "engine", change.Engine, "from", change.From, "to", change.To)
		if hook != nil {
			hook(change)
		}
	}
	return statuses
}

// States returns engine states without advancing them
func (d *Dispatcher) States() []EngineStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	statuses := make([]EngineStatus, len(d.engines))
	for i, en := range d.engines {
		statuses[i] = status(en.engine, en.engine.State())
	}
	return statuses
}

// Busy reports whether any engine is still streaming
func (d *Dispatcher) Busy() bool {
	for _, st := range d.States() {
		if st.State == StateBusy || st.State == StateDraining {
			return true
		}
	}
	return false
}

// Stats returns routing counters and a snapshot of every engine
func (d *Dispatcher) Stats() DispatchStats {
	engines := d.States()
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatchStats{
		Submitted:  d.submitted,
		Routed:     d.routed,
		Unroutable: d.unroutable,
		Rejected:   d.rejected,
		Flushes:    d.flushes,
		Engines:    engines,
	}
}

// Close shuts every engine down within one shared timeout
func (d *Dispatcher) Close(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var errs []error
	for _, e := range d.Engines() {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if err := e.Close(remaining); err != nil {
			errs = append(errs, withCause(err, errors.New(e.Name())))
		}
	}
	d.Poll()
	return errors.Join(errs...)
}

func status(e Engine, st EngineState) EngineStatus {
	return EngineStatus{
		Name:     e.Name(),
		Priority: e.Priority(),
		State:    st,
		Stats:    e.Stats(),
	}
}
