// Package events broadcasts engine state changes and dropped requests to
// any number of subscribers
package events

import (
	"time"

	"github.com/kelindar/event"

	"pixelbus/core"
)

// Event type constants for kelindar/event
const (
	TypeEngineStateChanged uint32 = iota + 1
	TypeRequestDropped
)

// Event interface required by kelindar/event
type Event interface {
	Type() uint32
}

// EngineStateChanged is published when an engine moves between states
type EngineStateChanged struct {
	Engine string
	From   core.EngineState
	To     core.EngineState
	Err    error
	At     time.Time
}

func (e EngineStateChanged) Type() uint32 { return TypeEngineStateChanged }

// RequestDropped is published when the dispatcher could not place a request
type RequestDropped struct {
	Line   core.LineID
	Family core.ProtocolFamily
	Bytes  int
	Err    error
	At     time.Time
}

func (e RequestDropped) Type() uint32 { return TypeRequestDropped }

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case EngineStateChanged:
		event.Publish(b.dispatcher, e)
	case RequestDropped:
		event.Publish(b.dispatcher, e)
	}
}

// OnStateChange subscribes to engine state changes; call the result to unsubscribe
func (b *Bus) OnStateChange(handler func(EngineStateChanged)) func() {
	return event.Subscribe(b.dispatcher, handler)
}

// OnDrop subscribes to dropped requests; call the result to unsubscribe
func (b *Bus) OnDrop(handler func(RequestDropped)) func() {
	return event.Subscribe(b.dispatcher, handler)
}

// DispatcherOptions wires the bus into a dispatcher's state and drop hooks
func (b *Bus) DispatcherOptions() []core.DispatcherOption {
	return []core.DispatcherOption{
		core.WithStateHook(func(sc core.StateChange) {
			b.Publish(EngineStateChanged{
				Engine: sc.Engine,
				From:   sc.From,
				To:     sc.To,
				Err:    sc.Err,
				At:     time.Now(),
			})
		}),
		core.WithDropHook(func(req *core.Request, err error) {
			b.Publish(RequestDropped{
				Line:   req.Line,
				Family: req.Family,
				Bytes:  len(req.Payload),
				Err:    err,
				At:     time.Now(),
			})
		}),
	}
}
