package core_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelbus/core"
	"pixelbus/protocol"
	"pixelbus/sim"
)

var ws2812 = protocol.Timing{T1: 250, T2: 625, T3: 375}

func bigLedger() *core.Ledger {
	return core.NewLedger(core.LedgerConfig{TXWords: 1 << 16, WordsPerUnit: 64})
}

func clockless(line core.LineID, payload ...byte) *core.Request {
	return &core.Request{Line: line, Timing: ws2812, Payload: payload, Family: core.FamilyClockless}
}

func newEngine(t *testing.T, cfg core.EngineConfig, ledger *core.Ledger, caps ...core.Capability) *core.StreamEngine {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	e, err := core.NewStreamEngine(cfg, ledger, caps)
	require.NoError(t, err)
	return e
}

func encoded(t *testing.T, payload []byte) []byte {
	t.Helper()
	table, err := protocol.BuildExpansionTable(ws2812)
	require.NoError(t, err)
	out := make([]byte, len(payload)*protocol.SubPulses)
	_, err = protocol.EncodeBytes(out, payload, table)
	require.NoError(t, err)
	return out
}

func TestEnginePolledStream(t *testing.T) {
	hw := sim.New("pio0", sim.WithAutoComplete())
	e := newEngine(t, core.EngineConfig{ChunkBytes: 4}, bigLedger(), hw.Polled())

	req := clockless(1, 0x00, 0xFF, 0xA5, 0x5A, 0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC)
	require.NoError(t, e.Enqueue(req))
	assert.True(t, req.InUse())
	assert.Equal(t, core.StateReady, e.State())

	require.NoError(t, e.Start())
	state := e.Poll()
	if state != core.StateReady {
		t.Fatalf("Expected ready after drain, got %v", state)
	}
	assert.False(t, req.InUse())
	assert.Equal(t, encoded(t, req.Payload), hw.Wire())
	assert.Len(t, hw.Transmissions(), 3)
	assert.Equal(t, uint32(1), e.Stats().Completed)
	assert.Equal(t, 2, hw.Acquired(), "both buffers come from the capability")
}

func TestEngineNotifiedStream(t *testing.T) {
	hw := sim.New("pio0")
	ledger := bigLedger()
	e := newEngine(t, core.EngineConfig{ChunkBytes: 2}, ledger, hw)

	req := clockless(1, 1, 2, 3, 4, 5)
	require.NoError(t, e.Enqueue(req))
	require.NoError(t, e.Start())
	assert.Equal(t, core.StateBusy, e.State())
	assert.Equal(t, 128, ledger.Used(core.DirectionTX))
	assert.Equal(t, core.CapabilityConfig{Line: 1, Lanes: 1, Timing: ws2812}, hw.Config())

	// nothing moves until the hardware completes
	assert.Equal(t, core.StateBusy, e.Poll())
	assert.True(t, req.InUse())

	assert.Equal(t, 3, hw.Drain())
	assert.Equal(t, core.StateReady, e.Poll())
	assert.False(t, req.InUse())
	assert.Equal(t, 0, ledger.Used(core.DirectionTX))
	assert.Equal(t, encoded(t, req.Payload), hw.Wire())
}

func TestEngineDrainingRestartsPending(t *testing.T) {
	hw := sim.New("pio0")
	e := newEngine(t, core.EngineConfig{}, bigLedger(), hw)

	first := clockless(1, 0xFF)
	second := clockless(1, 0x00)
	require.NoError(t, e.Enqueue(first))
	require.NoError(t, e.Start())
	require.NoError(t, e.Enqueue(second))
	assert.Equal(t, core.StateDraining, e.State())

	hw.Drain()
	assert.Equal(t, core.StateBusy, e.Poll(), "pending request starts once the line is free")
	assert.False(t, first.InUse())
	assert.True(t, second.InUse())

	hw.Drain()
	assert.Equal(t, core.StateReady, e.Poll())
	assert.False(t, second.InUse())

	want := append(encoded(t, first.Payload), encoded(t, second.Payload)...)
	assert.Equal(t, want, hw.Wire())
	assert.Equal(t, 1, hw.Begins(), "unchanged configuration is not begun again")
}

func TestEngineSameLineWaitsForFreeController(t *testing.T) {
	a, b := sim.New("a"), sim.New("b")
	e := newEngine(t, core.EngineConfig{}, bigLedger(), a, b)

	require.NoError(t, e.Enqueue(clockless(1, 1)))
	require.NoError(t, e.Enqueue(clockless(1, 2)))
	require.NoError(t, e.Enqueue(clockless(2, 3)))
	require.NoError(t, e.Start())

	// line 1 streams on a, its second request waits, line 2 takes b
	assert.Len(t, a.Transmissions(), 1)
	assert.Len(t, b.Transmissions(), 1)
	assert.Equal(t, core.LineID(2), b.Config().Line)
	assert.Equal(t, 1, e.Pending())
}

func TestEngineGroupsParallelLanes(t *testing.T) {
	hw := sim.New("pio0", sim.WithAutoComplete())
	e := newEngine(t, core.EngineConfig{Lanes: 4, Grouping: core.GroupByTiming}, bigLedger(), hw.Polled())

	reqs := []*core.Request{
		clockless(1, 0xFF, 0x00),
		clockless(2, 0x00, 0xFF),
		clockless(3, 0xF0, 0x0F),
	}
	for _, r := range reqs {
		require.NoError(t, e.Enqueue(r))
	}
	require.NoError(t, e.Start())
	assert.Equal(t, core.StateReady, e.Poll())

	assert.Equal(t, 3, hw.Config().Lanes)
	table, err := protocol.BuildExpansionTable(ws2812)
	require.NoError(t, err)
	want := make([]byte, protocol.TransposedLen(3, 2))
	_, err = protocol.TransposeLanes(want, [][]byte{reqs[0].Payload, reqs[1].Payload, reqs[2].Payload}, table)
	require.NoError(t, err)
	assert.Equal(t, want, hw.Wire())
	for _, r := range reqs {
		assert.False(t, r.InUse())
	}
}

func transposed(t *testing.T, lanes ...[]byte) []byte {
	t.Helper()
	table, err := protocol.BuildExpansionTable(ws2812)
	require.NoError(t, err)
	out := make([]byte, protocol.TransposedLen(len(lanes), len(lanes[0])))
	_, err = protocol.TransposeLanes(out, lanes, table)
	require.NoError(t, err)
	return out
}

func TestEngineGroupsOnlyConsecutiveLines(t *testing.T) {
	hw := sim.New("pio0", sim.WithAutoComplete())
	e := newEngine(t, core.EngineConfig{Lanes: 4, Grouping: core.GroupByTiming}, bigLedger(), hw.Polled())

	l9, l6, l11, l10 := clockless(9, 0xFF), clockless(6, 0x00), clockless(11, 0xF0), clockless(10, 0x0F)
	for _, r := range []*core.Request{l9, l6, l11, l10} {
		require.NoError(t, e.Enqueue(r))
	}
	require.NoError(t, e.Start())

	// 9, 10 and 11 form a run based at 9; 6 is not adjacent and waits
	assert.Equal(t, core.CapabilityConfig{Line: 9, Lanes: 3, Timing: ws2812}, hw.Config())
	assert.Equal(t, 1, e.Pending())
	assert.True(t, l6.InUse())

	assert.Equal(t, core.StateBusy, e.Poll())
	assert.Equal(t, core.CapabilityConfig{Line: 6, Lanes: 1, Timing: ws2812}, hw.Config())
	assert.Equal(t, core.StateReady, e.Poll())

	want := append(transposed(t, l9.Payload, l10.Payload, l11.Payload), encoded(t, l6.Payload)...)
	assert.Equal(t, want, hw.Wire())
}

func TestEngineGroupExtendsBelowLead(t *testing.T) {
	hw := sim.New("pio0", sim.WithAutoComplete())
	e := newEngine(t, core.EngineConfig{Lanes: 4, Grouping: core.GroupByTiming}, bigLedger(), hw.Polled())

	l5, l3, l4 := clockless(5, 0xAA), clockless(3, 0x0F), clockless(4, 0xF0)
	for _, r := range []*core.Request{l5, l3, l4} {
		require.NoError(t, e.Enqueue(r))
	}
	require.NoError(t, e.Start())
	assert.Equal(t, core.StateReady, e.Poll())

	assert.Equal(t, core.CapabilityConfig{Line: 3, Lanes: 3, Timing: ws2812}, hw.Config())
	assert.Equal(t, transposed(t, l3.Payload, l4.Payload, l5.Payload), hw.Wire())
}

// Two-lane words carry lane 0 on the higher pin
func TestEngineTwoLaneGroupFollowsPins(t *testing.T) {
	hw := sim.New("pio0", sim.WithAutoComplete())
	e := newEngine(t, core.EngineConfig{Lanes: 2, Grouping: core.GroupByTiming}, bigLedger(), hw.Polled())

	low, high := clockless(4, 0x00), clockless(5, 0xFF)
	require.NoError(t, e.Enqueue(low))
	require.NoError(t, e.Enqueue(high))
	require.NoError(t, e.Start())
	assert.Equal(t, core.StateReady, e.Poll())

	assert.Equal(t, core.CapabilityConfig{Line: 4, Lanes: 2, Timing: ws2812}, hw.Config())
	assert.Equal(t, transposed(t, high.Payload, low.Payload), hw.Wire())
}

func TestEngineLedgerExhaustedKeepsPending(t *testing.T) {
	a, b := sim.New("a"), sim.New("b")
	ledger := core.NewLedger(core.LedgerConfig{TXWords: 20, WordsPerUnit: 10})
	e := newEngine(t, core.EngineConfig{}, ledger, a, b)

	r1, r2 := clockless(1, 1), clockless(2, 2)
	require.NoError(t, e.Enqueue(r1))
	require.NoError(t, e.Enqueue(r2))
	require.NoError(t, e.Start())

	assert.Len(t, a.Transmissions(), 1)
	assert.Empty(t, b.Transmissions())
	assert.Equal(t, 1, e.Pending())
	assert.True(t, r2.InUse())

	a.Drain()
	assert.Equal(t, core.StateBusy, e.Poll())
	assert.Len(t, a.Transmissions(), 2, "second stream starts once the first returned its words")
	assert.Empty(t, b.Transmissions())
	a.Drain()
	assert.Equal(t, core.StateReady, e.Poll())
	assert.False(t, r2.InUse())
}

func TestEngineExternalSlotSerializesControllers(t *testing.T) {
	a, b := sim.New("a"), sim.New("b")
	ledger := bigLedger()
	e := newEngine(t, core.EngineConfig{External: true, UnitBase: 4}, ledger, a, b)

	first, second := clockless(1, 0x11), clockless(2, 0x22)
	require.NoError(t, e.Enqueue(first))
	require.NoError(t, e.Enqueue(second))
	require.NoError(t, e.Start())

	// one slot: the second line waits although b is idle
	id, _, held := ledger.ExternalHolder()
	require.True(t, held)
	assert.Equal(t, core.UnitID(4), id)
	assert.Equal(t, 0, ledger.Used(core.DirectionTX), "the slot takes no pool words")
	assert.Len(t, a.Transmissions(), 1)
	assert.Empty(t, b.Transmissions())
	assert.Equal(t, 1, e.Pending())
	assert.True(t, second.InUse())
	assert.NoError(t, e.Err())

	a.Drain()
	assert.Equal(t, core.StateBusy, e.Poll(), "released slot lets the waiting line start")
	assert.False(t, first.InUse())
	assert.Equal(t, 0, e.Pending())
	_, _, held = ledger.ExternalHolder()
	assert.True(t, held)

	a.Drain()
	b.Drain()
	assert.Equal(t, core.StateReady, e.Poll())
	assert.False(t, second.InUse())
	_, _, held = ledger.ExternalHolder()
	assert.False(t, held)

	wire := append(a.Wire(), b.Wire()...)
	assert.Equal(t, append(encoded(t, first.Payload), encoded(t, second.Payload)...), wire)
	assert.Equal(t, uint32(2), e.Stats().Completed)
}

func TestEngineContentionGrantsExtraBuffer(t *testing.T) {
	hw := sim.New("a")
	ledger := core.NewLedger(core.LedgerConfig{TXWords: 100, WordsPerUnit: 10})
	e, err := core.NewStreamEngine(core.EngineConfig{Name: "c"}, ledger, []core.Capability{hw},
		core.WithContention(func() bool { return true }))
	require.NoError(t, err)

	require.NoError(t, e.Enqueue(clockless(1, 1)))
	require.NoError(t, e.Start())
	assert.Equal(t, 30, ledger.Used(core.DirectionTX))
}

func TestEngineBeginFailureMarksLine(t *testing.T) {
	hw := sim.New("a", sim.WithAutoComplete())
	hw.SetBeginError(errors.New("no state machine"))
	e := newEngine(t, core.EngineConfig{}, bigLedger(), hw.Polled())

	req := clockless(3, 1)
	require.NoError(t, e.Enqueue(req))
	require.NoError(t, e.Start())

	assert.False(t, req.InUse(), "dropped request is released")
	assert.NotEqual(t, core.StateError, e.State())
	assert.False(t, e.CanHandle(clockless(3, 1)))
	assert.True(t, e.CanHandle(clockless(4, 1)))
	assert.Equal(t, uint32(1), e.Stats().Failed)

	hw.SetBeginError(nil)
	e.RetryLine(3)
	require.True(t, e.CanHandle(req))
	require.NoError(t, e.Enqueue(req))
	require.NoError(t, e.Start())
	assert.Equal(t, core.StateReady, e.Poll())
	assert.Equal(t, uint32(1), e.Stats().Completed)
}

func TestEngineTransmitFault(t *testing.T) {
	hw := sim.New("a")
	e := newEngine(t, core.EngineConfig{ChunkBytes: 1}, bigLedger(), hw)

	first, queued := clockless(1, 1, 2, 3), clockless(1, 4)
	require.NoError(t, e.Enqueue(first))
	require.NoError(t, e.Start())
	require.NoError(t, e.Enqueue(queued))

	hw.SetTransmitError(errors.New("dma error"))
	// the first chunk is still in flight; completing it forces the next submit to fail
	hw.Drain()
	assert.Equal(t, core.StateError, e.Poll())
	assert.ErrorIs(t, e.Err(), core.ErrTransmitFault)
	assert.False(t, first.InUse())
	assert.False(t, queued.InUse(), "fatal errors drop queued work")
	assert.ErrorIs(t, e.Start(), core.ErrTransmitFault)
	assert.ErrorIs(t, e.Enqueue(clockless(1, 9)), core.ErrEngineUnavailable)

	hw.SetTransmitError(nil)
	e.Reset()
	assert.Equal(t, core.StateReady, e.State())
	assert.NoError(t, e.Err())
}

// racingCap completes a transfer from inside Transmit, the way an interrupt
// that fires before the refill finished would
type racingCap struct {
	*sim.Capability
	race bool
}

func (r *racingCap) Transmit(buf []byte) error {
	if err := r.Capability.Transmit(buf); err != nil {
		return err
	}
	if r.race {
		r.Complete()
	}
	return nil
}

func TestEngineOverrunClearsOnStart(t *testing.T) {
	hw := &racingCap{Capability: sim.New("a"), race: true}
	e := newEngine(t, core.EngineConfig{ChunkBytes: 1}, bigLedger(), hw)

	first, queued := clockless(1, 1, 2, 3), clockless(1, 4)
	require.NoError(t, e.Enqueue(first))
	require.NoError(t, e.Enqueue(queued))
	require.NoError(t, e.Start())

	assert.Equal(t, core.StateError, e.Poll())
	assert.ErrorIs(t, e.Err(), core.ErrStreamOverrun)
	assert.False(t, first.InUse())
	assert.True(t, queued.InUse(), "overrun keeps queued work")

	hw.race = false
	require.NoError(t, e.Start())
	assert.Equal(t, core.StateBusy, e.State())
	hw.Drain()
	assert.Equal(t, core.StateReady, e.Poll())
	assert.False(t, queued.InUse())

	stats := e.Stats()
	assert.Equal(t, uint32(1), stats.Overruns)
	assert.Equal(t, uint32(1), stats.Completed)
	assert.Equal(t, uint32(1), stats.Failed)
}

func TestEngineStarvedWireIsOverrun(t *testing.T) {
	hw := sim.New("pio0")
	e := newEngine(t, core.EngineConfig{ChunkBytes: 1}, bigLedger(), hw)

	req, queued := clockless(1, 1, 2, 3), clockless(1, 4)
	require.NoError(t, e.Enqueue(req))
	require.NoError(t, e.Enqueue(queued))
	require.NoError(t, e.Start())

	// the hardware notices it idled before the second buffer arrived
	hw.SetTransmitError(fmt.Errorf("tx fifo stalled: %w", core.ErrStreamOverrun))
	hw.Drain()
	assert.Equal(t, core.StateError, e.Poll())
	assert.ErrorIs(t, e.Err(), core.ErrStreamOverrun)
	assert.True(t, queued.InUse(), "overrun keeps queued work")

	stats := e.Stats()
	assert.Equal(t, uint32(1), stats.Overruns)
	assert.Zero(t, stats.Faults)

	hw.SetTransmitError(nil)
	require.NoError(t, e.Start())
	hw.Drain()
	assert.Equal(t, core.StateReady, e.Poll())
	assert.False(t, queued.InUse())
}

func TestEngineQueueLimits(t *testing.T) {
	e := newEngine(t, core.EngineConfig{QueueSize: 2}, bigLedger(), sim.New("a"))

	req := clockless(1, 1)
	require.NoError(t, e.Enqueue(req))
	assert.ErrorIs(t, e.Enqueue(req), core.ErrRequestInUse)
	require.NoError(t, e.Enqueue(clockless(2, 1)))
	assert.ErrorIs(t, e.Enqueue(clockless(3, 1)), core.ErrQueueFull)
}

func TestEngineCanHandle(t *testing.T) {
	e := newEngine(t, core.EngineConfig{}, bigLedger(), sim.New("a"))

	assert.True(t, e.CanHandle(clockless(1, 1)))
	assert.False(t, e.CanHandle(clockless(1)), "empty payload")
	assert.False(t, e.CanHandle(&core.Request{Line: 1, Payload: []byte{1}}), "degenerate timing")
	assert.False(t, e.CanHandle(&core.Request{Line: 1, Timing: ws2812, Payload: []byte{1}, Family: core.FamilyClocked}))
	assert.ErrorIs(t, e.Enqueue(clockless(1)), core.ErrUnsupportedProtocol)
}

func TestEngineClockLineSerializes(t *testing.T) {
	a, b := sim.New("a", sim.WithAutoComplete()), sim.New("b", sim.WithAutoComplete())
	e := newEngine(t, core.EngineConfig{
		Families: []core.ProtocolFamily{core.FamilyClocked},
		Encoding: core.EncodingRaw,
		Grouping: core.GroupByClockLine,
	}, bigLedger(), a.Polled(), b.Polled())

	r1 := &core.Request{Line: 1, ClockLine: 9, Payload: []byte{0xE0, 1, 2, 3}, Family: core.FamilyClocked}
	r2 := &core.Request{Line: 2, ClockLine: 9, Payload: []byte{0xE0, 4, 5, 6}, Family: core.FamilyClocked}
	require.NoError(t, e.Enqueue(r1))
	require.NoError(t, e.Enqueue(r2))
	require.NoError(t, e.Start())

	assert.Equal(t, r1.Payload, a.Wire())
	assert.Empty(t, b.Wire(), "requests sharing a clock line never overlap")

	// the first poll retires r1 and launches r2, the second retires r2
	assert.Equal(t, core.StateBusy, e.Poll())
	assert.Equal(t, core.StateReady, e.Poll())
	assert.Empty(t, b.Wire())
	assert.Equal(t, append(append([]byte(nil), r1.Payload...), r2.Payload...), a.Wire())
}

func TestEngineClose(t *testing.T) {
	hw := sim.New("a", sim.WithLatency(time.Millisecond))
	e := newEngine(t, core.EngineConfig{ChunkBytes: 1}, bigLedger(), hw)

	req := clockless(1, 1, 2, 3)
	require.NoError(t, e.Enqueue(req))
	require.NoError(t, e.Start())

	require.NoError(t, e.Close(time.Second))
	assert.False(t, req.InUse())
	assert.True(t, hw.Closed())
	assert.Equal(t, core.StateReady, e.State())
}

func TestEngineCloseTimeout(t *testing.T) {
	hw := sim.New("a")
	e := newEngine(t, core.EngineConfig{}, bigLedger(), hw)

	stuck, queued := clockless(1, 1), clockless(1, 2)
	require.NoError(t, e.Enqueue(stuck))
	require.NoError(t, e.Enqueue(queued))
	require.NoError(t, e.Start())

	assert.ErrorIs(t, e.Close(5*time.Millisecond), core.ErrCloseTimeout)
	assert.True(t, stuck.InUse(), "hardware still owns the running stream")
	assert.False(t, queued.InUse())
	assert.False(t, hw.Closed())
}

func TestNewStreamEngineErrors(t *testing.T) {
	_, err := core.NewStreamEngine(core.EngineConfig{}, bigLedger(), nil)
	assert.ErrorIs(t, err, core.ErrNoControllers)

	_, err = core.NewStreamEngine(core.EngineConfig{Lanes: 17}, bigLedger(), []core.Capability{sim.New("a")})
	assert.ErrorIs(t, err, protocol.ErrLaneCount)
}
