package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// TraceEvent captures a streaming event for post-mortem analysis
type TraceEvent struct {
	EventType uint8  // Event type code
	Unit      uint8  // Ledger unit of the controller
	Clock     uint32 // System clock at event
	Value1    uint32 // Context-dependent value
	Value2    uint32 // Context-dependent value
}

// Event type codes
const (
	EvtStreamStart = 1 // BeginStream accepted; v1 = payload bytes, v2 = lanes
	EvtSubmit      = 2 // buffer handed to hardware; v1 = buffer index, v2 = bytes
	EvtRefill      = 3 // buffer refilled; v1 = buffer index, v2 = duration ticks
	EvtComplete    = 4 // stream finished; v1 = submissions
	EvtOverrun     = 5 // completion raced a refill
	EvtDrop        = 6 // request dropped; v1 = line
	EvtFault       = 7 // transmit or init fault
)

const (
	TraceRingSize = 32 // Keep last 32 events for post-mortem
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {}

	// debugEnabled controls whether debug output is active
	debugEnabled bool = false
)

// SetDebugWriter sets the platform-specific debug output function
// This allows platforms to redirect debug output to UART, USB, etc.
func SetDebugWriter(writer DebugWriter) {
	if writer == nil {
		writer = func(string) {}
	}
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled {
		debugPrintln(msg)
	}
}

// Trace is a fixed-size ring of streaming events. Recording never blocks
// and never allocates, so it is safe from completion handlers.
type Trace struct {
	ring    [TraceRingSize]TraceEvent
	head    uint8
	enabled bool
}

// NewTrace returns an enabled trace ring
func NewTrace() *Trace {
	return &Trace{enabled: true}
}

// SetEnabled turns recording on or off
func (t *Trace) SetEnabled(enabled bool) {
	if t == nil {
		return
	}
	state := disableInterrupts()
	t.enabled = enabled
	restoreInterrupts(state)
}

// Record captures an event. A nil trace records nothing.
func (t *Trace) Record(eventType, unit uint8, value1, value2 uint32) {
	if t == nil {
		return
	}
	clock := GetTime()
	state := disableInterrupts()
	if t.enabled {
		idx := t.head
		t.ring[idx] = TraceEvent{
			EventType: eventType,
			Unit:      unit,
			Clock:     clock,
			Value1:    value1,
			Value2:    value2,
		}
		t.head = (idx + 1) % TraceRingSize
	}
	restoreInterrupts(state)
}

// Snapshot copies recorded events oldest first into dst and returns the count
func (t *Trace) Snapshot(dst []TraceEvent) int {
	if t == nil {
		return 0
	}
	state := disableInterrupts()
	n := 0
	start := t.head
	for i := uint8(0); i < TraceRingSize && n < len(dst); i++ {
		evt := t.ring[(start+i)%TraceRingSize]
		if evt.EventType == 0 {
			continue // Empty slot
		}
		dst[n] = evt
		n++
	}
	restoreInterrupts(state)
	return n
}

// Clear empties the ring
func (t *Trace) Clear() {
	if t == nil {
		return
	}
	state := disableInterrupts()
	t.ring = [TraceRingSize]TraceEvent{}
	t.head = 0
	restoreInterrupts(state)
}

// Dump writes the ring through the debug writer (call on shutdown/error)
func (t *Trace) Dump() {
	var events [TraceRingSize]TraceEvent
	n := t.Snapshot(events[:])

	debugPrintln("[TRACE] === Trace Ring Dump ===")
	for i := 0; i < n; i++ {
		evt := &events[i]
		debugPrintln("[TRACE] " + EventName(evt.EventType) +
			" unit=" + itoa(int(evt.Unit)) +
			" clock=" + utoa(evt.Clock) +
			" v1=" + utoa(evt.Value1) +
			" v2=" + utoa(evt.Value2))
	}
	debugPrintln("[TRACE] === End Dump ===")
}

// EventName returns the dump label of an event type
func EventName(eventType uint8) string {
	switch eventType {
	case EvtStreamStart:
		return "STREAM_START"
	case EvtSubmit:
		return "SUBMIT"
	case EvtRefill:
		return "REFILL"
	case EvtComplete:
		return "COMPLETE"
	case EvtOverrun:
		return "OVERRUN!"
	case EvtDrop:
		return "DROP"
	case EvtFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}
