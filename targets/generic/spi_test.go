package generic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/drivers"

	"pixelbus/core"
	"pixelbus/protocol"
)

// fakeSPI records MOSI traffic
type fakeSPI struct {
	mosi []byte
	err  error
}

func (f *fakeSPI) Tx(w, r []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mosi = append(f.mosi, w...)
	return nil
}

func (f *fakeSPI) Transfer(b byte) (byte, error) {
	f.mosi = append(f.mosi, b)
	return 0, f.err
}

var ws2812 = protocol.Timing{T1: 250, T2: 625, T3: 375}

func TestSubPulseRate(t *testing.T) {
	// 1.25us bit, 8 sub-pulses: 6.4MHz
	if rate := SubPulseRate(ws2812); rate != 6400000 {
		t.Errorf("Expected 6400000, got %d", rate)
	}
	assert.Equal(t, uint32(0), SubPulseRate(protocol.Timing{}))
}

func TestSPICapabilityBegin(t *testing.T) {
	var rates []uint32
	c := NewSPICapability("spi0", &fakeSPI{}, WithRateSetter(func(hz uint32) error {
		rates = append(rates, hz)
		return nil
	}))

	assert.ErrorIs(t, c.Transmit([]byte{1}), ErrNotBegun)
	assert.ErrorIs(t, c.Begin(core.CapabilityConfig{Lanes: 2, Timing: ws2812}), ErrLanes)

	require.NoError(t, c.Begin(core.CapabilityConfig{Lanes: 1, Timing: ws2812}))
	require.NoError(t, c.Begin(core.CapabilityConfig{Lanes: 1, Line: 2, Timing: ws2812}))
	require.NoError(t, c.Begin(core.CapabilityConfig{Lanes: 1, Family: core.FamilyClocked}))
	assert.Equal(t, []uint32{6400000, DefaultClockedRate}, rates, "unchanged rate is not reprogrammed")
}

func TestSPICapabilityRateLimit(t *testing.T) {
	c := NewSPICapability("spi0", &fakeSPI{}, WithMaxRate(1000000))
	assert.ErrorIs(t, c.Begin(core.CapabilityConfig{Lanes: 1, Timing: ws2812}), ErrRate)
}

func TestClocklessEngineOverSPI(t *testing.T) {
	bus := &fakeSPI{}
	sys := core.NewSystem(core.LedgerConfig{TXWords: 1024, WordsPerUnit: 128}, nil)
	e, err := AddEngine(sys, ClocklessConfig("spi", 3, 0), []drivers.SPI{bus})
	require.NoError(t, err)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	req := &core.Request{Line: 1, Timing: ws2812, Payload: payload}
	require.NoError(t, sys.Dispatcher.Submit(req))
	sys.Dispatcher.Flush()

	assert.Equal(t, core.StateReady, e.State())
	assert.False(t, req.InUse())

	table, err := protocol.BuildExpansionTable(ws2812)
	require.NoError(t, err)
	want := make([]byte, len(payload)*protocol.SubPulses)
	_, err = protocol.EncodeBytes(want, payload, table)
	require.NoError(t, err)
	assert.Equal(t, want, bus.mosi)
}

func TestClockedEngineOverSPI(t *testing.T) {
	bus := &fakeSPI{}
	sys := core.NewSystem(core.LedgerConfig{TXWords: 1024, WordsPerUnit: 128}, nil)
	_, err := AddEngine(sys, ClockedConfig("apa102", 2, 4), []drivers.SPI{bus})
	require.NoError(t, err)

	frame := []byte{0, 0, 0, 0, 0xFF, 1, 2, 3, 0xFF, 0xFF, 0xFF, 0xFF}
	req := &core.Request{Line: 5, ClockLine: 6, Payload: frame, Family: core.FamilyClocked}
	require.NoError(t, sys.Dispatcher.Submit(req))
	sys.Dispatcher.Flush()

	assert.Equal(t, frame, bus.mosi)
	assert.False(t, req.InUse())
}

func TestSPIFaultPutsEngineInError(t *testing.T) {
	bus := &fakeSPI{err: errors.New("bus stuck")}
	sys := core.NewSystem(core.LedgerConfig{TXWords: 1024, WordsPerUnit: 128}, nil)
	e, err := AddEngine(sys, ClocklessConfig("spi", 3, 0), []drivers.SPI{bus})
	require.NoError(t, err)

	require.NoError(t, sys.Dispatcher.Submit(&core.Request{Line: 1, Timing: ws2812, Payload: []byte{1}}))
	sys.Dispatcher.Flush()

	assert.Equal(t, core.StateError, e.State())
	assert.ErrorIs(t, e.Err(), core.ErrTransmitFault)
}
