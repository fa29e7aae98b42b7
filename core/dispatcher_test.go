package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelbus/core"
	"pixelbus/sim"
)

// stubEngine accepts everything its family filter allows and records it
type stubEngine struct {
	name     string
	priority int
	family   core.ProtocolFamily
	state    core.EngineState
	err      error
	queued   []*core.Request
	starts   int
	closed   bool
}

func (s *stubEngine) Name() string { return s.name }
func (s *stubEngine) Priority() int { return s.priority }
func (s *stubEngine) CanHandle(req *core.Request) bool {
	return req.Family == s.family
}
func (s *stubEngine) Enqueue(req *core.Request) error {
	s.queued = append(s.queued, req)
	return nil
}
func (s *stubEngine) Start() error {
	s.starts++
	return nil
}
func (s *stubEngine) Poll() core.EngineState { return s.state }
func (s *stubEngine) State() core.EngineState { return s.state }
func (s *stubEngine) Err() error { return s.err }
func (s *stubEngine) Reset() { s.state, s.err = core.StateReady, nil }
func (s *stubEngine) Close(time.Duration) error {
	s.closed = true
	return nil
}
func (s *stubEngine) Stats() core.EngineStats {
	return core.EngineStats{Accepted: uint32(len(s.queued))}
}

func TestDispatcherPriorityOrder(t *testing.T) {
	d := core.NewDispatcher()
	low := &stubEngine{name: "p5", priority: 5}
	high := &stubEngine{name: "p9", priority: 9}
	lowest := &stubEngine{name: "p2", priority: 2}
	d.Register(low)
	d.Register(high)
	d.Register(lowest)

	require.NoError(t, d.Submit(clockless(1, 1)))
	if len(high.queued) != 1 {
		t.Fatalf("Expected priority 9 engine to receive the request, got %d", len(high.queued))
	}
	assert.Empty(t, low.queued)
	assert.Empty(t, lowest.queued)

	names := []string{}
	for _, e := range d.Engines() {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"p9", "p5", "p2"}, names)
}

func TestDispatcherTiesKeepRegistrationOrder(t *testing.T) {
	d := core.NewDispatcher()
	first := &stubEngine{name: "first", priority: 3}
	second := &stubEngine{name: "second", priority: 3}
	d.Register(first)
	d.Register(second)

	require.NoError(t, d.Submit(clockless(1, 1)))
	assert.Len(t, first.queued, 1)
	assert.Empty(t, second.queued)
}

func TestDispatcherUnroutable(t *testing.T) {
	var dropped []error
	d := core.NewDispatcher(core.WithDropHook(func(req *core.Request, err error) {
		dropped = append(dropped, err)
	}))
	d.Register(&stubEngine{name: "clocked", family: core.FamilyClocked})

	err := d.Submit(clockless(1, 1))
	assert.ErrorIs(t, err, core.ErrUnsupportedProtocol)
	assert.Len(t, dropped, 1)

	stats := d.Stats()
	assert.Equal(t, uint32(1), stats.Submitted)
	assert.Equal(t, uint32(1), stats.Unroutable)
	assert.Equal(t, uint32(0), stats.Routed)
}

func TestDispatcherErrorEngineBlocksWithoutFallThrough(t *testing.T) {
	d := core.NewDispatcher()
	broken := &stubEngine{name: "broken", priority: 9, state: core.StateError}
	backup := &stubEngine{name: "backup", priority: 1}
	d.Register(broken)
	d.Register(backup)

	err := d.Submit(clockless(1, 1))
	assert.ErrorIs(t, err, core.ErrUnsupportedProtocol)
	assert.ErrorIs(t, err, core.ErrEngineUnavailable)
	assert.Empty(t, backup.queued)
	assert.Equal(t, uint32(1), d.Stats().Unroutable)
}

func TestDispatcherFallThrough(t *testing.T) {
	d := core.NewDispatcher(core.WithFallThrough(true))
	broken := &stubEngine{name: "broken", priority: 9, state: core.StateError}
	backup := &stubEngine{name: "backup", priority: 1}
	d.Register(broken)
	d.Register(backup)

	require.NoError(t, d.Submit(clockless(1, 1)))
	assert.Empty(t, broken.queued)
	assert.Len(t, backup.queued, 1)
}

func TestDispatcherErrorIsolatedPerFamily(t *testing.T) {
	d := core.NewDispatcher()
	broken := &stubEngine{name: "pio", priority: 9, state: core.StateError}
	spi := &stubEngine{name: "spi", priority: 1, family: core.FamilyClocked}
	d.Register(broken)
	d.Register(spi)

	req := &core.Request{Line: 2, Payload: []byte{1}, Family: core.FamilyClocked}
	require.NoError(t, d.Submit(req))
	assert.Len(t, spi.queued, 1)
}

func TestDispatcherFlushAndStateHook(t *testing.T) {
	var changes []core.StateChange
	d := core.NewDispatcher(core.WithStateHook(func(c core.StateChange) {
		changes = append(changes, c)
	}))
	e := &stubEngine{name: "a"}
	d.Register(e)

	e.state = core.StateBusy
	statuses := d.Flush()
	assert.Equal(t, 1, e.starts)
	require.Len(t, statuses, 1)
	assert.Equal(t, core.StateBusy, statuses[0].State)

	e.state = core.StateError
	e.err = errors.New("boom")
	d.Poll()
	d.Poll()

	require.Len(t, changes, 2)
	assert.Equal(t, core.StateChange{Engine: "a", From: core.StateReady, To: core.StateBusy}, changes[0])
	assert.Equal(t, core.StateError, changes[1].To)
	assert.EqualError(t, changes[1].Err, "boom")
	assert.Equal(t, uint32(1), d.Stats().Flushes)
}

func TestDispatcherClose(t *testing.T) {
	d := core.NewDispatcher()
	a, b := &stubEngine{name: "a"}, &stubEngine{name: "b"}
	d.Register(a)
	d.Register(b)

	require.NoError(t, d.Close(time.Second))
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestSystemEndToEnd(t *testing.T) {
	sys := core.NewSystem(core.LedgerConfig{TXWords: 4096, WordsPerUnit: 256}, nil, core.WithFallThrough(true))

	pio := sim.New("pio")
	bitbang := sim.New("bitbang", sim.WithAutoComplete())
	_, err := sys.AddEngine(core.EngineConfig{Name: "pio", Priority: 10}, []core.Capability{pio})
	require.NoError(t, err)
	_, err = sys.AddEngine(core.EngineConfig{
		Name:     "bitbang",
		Priority: 1,
		Encoding: core.EncodingRaw,
		UnitBase: 8,
	}, []core.Capability{bitbang.Polled()})
	require.NoError(t, err)

	first := clockless(1, 0xFF, 0x00)
	require.NoError(t, sys.Dispatcher.Submit(first))
	sys.Dispatcher.Flush()
	assert.True(t, sys.Dispatcher.Busy())

	// break the PIO engine mid-stream; later work falls through to bit-bang
	pio.SetTransmitError(errors.New("fifo stall"))
	require.NoError(t, sys.Dispatcher.Submit(clockless(1, 0xAA)))
	pio.Drain()
	sys.Dispatcher.Poll() // retires the first stream, the queued one faults on submit
	sys.Dispatcher.Poll() // settles the fault

	second := clockless(2, 0x0F)
	require.NoError(t, sys.Dispatcher.Submit(second))
	sys.Dispatcher.Flush()
	assert.Equal(t, []byte{0x0F}, bitbang.Wire())
	assert.False(t, second.InUse())

	stats := sys.Dispatcher.Stats()
	assert.Equal(t, uint32(3), stats.Routed)
	require.Len(t, stats.Engines, 2)
	assert.Equal(t, "pio", stats.Engines[0].Name)
	assert.Equal(t, core.StateError, stats.Engines[0].State)
	assert.Equal(t, core.StateReady, stats.Engines[1].State)

	var events [core.TraceRingSize]core.TraceEvent
	assert.NotZero(t, sys.Trace.Snapshot(events[:]))
}
