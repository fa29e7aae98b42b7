package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelbus/core"
	"pixelbus/protocol"
	"pixelbus/sim"
)

func testSystem(t *testing.T) (*core.System, *sim.Capability) {
	t.Helper()
	sys := core.NewSystem(core.LedgerConfig{TXWords: 4096, WordsPerUnit: 64}, nil)
	hw := sim.New("pio0", sim.WithAutoComplete())
	_, err := sys.AddEngine(core.EngineConfig{Name: "pio"}, []core.Capability{hw.Polled()})
	require.NoError(t, err)
	return sys, hw
}

func TestCollectorAfterStream(t *testing.T) {
	sys, _ := testSystem(t)
	req := &core.Request{
		Line:    1,
		Timing:  protocol.Timing{T1: 250, T2: 625, T3: 375},
		Payload: []byte{1, 2, 3},
		Family:  core.FamilyClockless,
	}
	require.NoError(t, sys.Dispatcher.Submit(req))
	sys.Dispatcher.Flush()
	require.False(t, req.InUse())

	c := NewCollector(sys)
	expected := `
# HELP pixelbus_dispatch_routed_total Requests accepted by an engine
# TYPE pixelbus_dispatch_routed_total counter
pixelbus_dispatch_routed_total 1
# HELP pixelbus_engine_completed_total Requests fully drained
# TYPE pixelbus_engine_completed_total counter
pixelbus_engine_completed_total{engine="pio"} 1
# HELP pixelbus_engine_state 1 for the state the engine is in
# TYPE pixelbus_engine_state gauge
pixelbus_engine_state{engine="pio",state="busy"} 0
pixelbus_engine_state{engine="pio",state="draining"} 0
pixelbus_engine_state{engine="pio",state="error"} 0
pixelbus_engine_state{engine="pio",state="ready"} 1
# HELP pixelbus_ledger_free_words Buffer words still available
# TYPE pixelbus_ledger_free_words gauge
pixelbus_ledger_free_words{direction="tx"} 4096
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"pixelbus_dispatch_routed_total",
		"pixelbus_engine_completed_total",
		"pixelbus_engine_state",
		"pixelbus_ledger_free_words")
	assert.NoError(t, err)
}

func TestCollectorRegisters(t *testing.T) {
	sys, _ := testSystem(t)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(sys)))

	// 4 dispatch + 5 engine counters + 4 states + 2 ledger gauges
	if n := testutil.CollectAndCount(NewCollector(sys)); n != 15 {
		t.Errorf("Expected 15 metrics, got %d", n)
	}
}

func TestCollectorSplitLedger(t *testing.T) {
	sys := core.NewSystem(core.LedgerConfig{Topology: core.TopologySplit, TXWords: 100, RXWords: 50, WordsPerUnit: 10}, nil)
	expected := `
# HELP pixelbus_ledger_used_words Buffer words granted
# TYPE pixelbus_ledger_used_words gauge
pixelbus_ledger_used_words{direction="rx"} 0
pixelbus_ledger_used_words{direction="tx"} 0
`
	err := testutil.CollectAndCompare(NewCollector(sys), strings.NewReader(expected), "pixelbus_ledger_used_words")
	assert.NoError(t, err)
}
