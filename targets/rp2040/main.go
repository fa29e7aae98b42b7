//go:build rp2040

package main

import (
	"machine"
	"time"

	"pixelbus/core"
	"pixelbus/protocol"
	piobackend "pixelbus/targets/pio"
)

const (
	bridgeLine  = 2 // GPIO2..GPIO5 carry the bridge lanes
	bridgeLanes = 4
	pioLanes    = 4
	pioEngines  = 2 // state machines given to the local PIO engine
)

// Local strips driven in standalone mode, consecutive pins so the PIO
// engine can group them
var localLines = [...]core.LineID{6, 7, 8, 9}

var ws2812Timing = protocol.Timing{T1: 250, T2: 625, T3: 375}

var (
	// Buffers for communication
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	scanner      *protocol.FrameScanner
	bridge       *bridgeReceiver

	// Debug counters
	messagesReceived uint32
	messagesSent     uint32
	msgerrors        uint32

	// USB connection state tracking
	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

func main() {
	// Disable watchdog on boot to clear any previous state
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	initUSB()
	InitDebugUART()
	syncClock()

	sys, err := buildSystem()
	if err != nil {
		core.DebugPrintln("[MAIN] engine setup failed: " + err.Error())
		for {
			ledBlink(5)
		}
	}

	if selectMode() == ModeStandalone {
		RunStandaloneMode(sys)
		return
	}

	hw, err := piobackend.NewLEDCapability(bridgeLanes)
	if err != nil {
		core.DebugPrintln("[MAIN] no state machine for bridge: " + err.Error())
		for {
			ledBlink(4)
		}
	}

	inputBuffer = protocol.NewFifoBuffer(1024)
	outputBuffer = protocol.NewScratchOutput()
	bridge, err = newBridgeReceiver(hw, outputBuffer)
	if err != nil {
		core.DebugPrintln("[MAIN] no bridge buffers: " + err.Error())
		for {
			ledBlink(4)
		}
	}
	scanner = protocol.NewFrameScanner(bridge.HandleFrame)

	go usbReaderLoop()

	for {
		// Recover from panics in the main loop to prevent a firmware crash
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgerrors++
					inputBuffer.Reset()
					outputBuffer.Reset()
					bridge.Reset()
				}
			}()

			syncClock()

			if inputBuffer.Available() > 0 {
				scanner.Scan(inputBuffer)
				messagesReceived++
			}

			if len(outputBuffer.Result()) > 0 {
				writeUSB()
				messagesSent++
			}

			sys.Dispatcher.Poll()
		}()

		// Yield to other goroutines
		time.Sleep(10 * time.Microsecond)
	}
}

// buildSystem registers the PIO engine and the bit-bang fallback
func buildSystem() (*core.System, error) {
	log := core.WriterLogger{Level: core.LevelInfo}
	sys := core.NewSystem(core.LedgerConfig{
		Topology:     core.TopologyShared,
		TXWords:      4096,
		WordsPerUnit: protocol.TransposedLen(pioLanes, core.DefaultChunkBytes) / 4,
	}, log, core.WithFallThrough(true))

	caps := make([]core.Capability, 0, pioEngines)
	for i := 0; i < pioEngines; i++ {
		hw, err := piobackend.NewLEDCapability(pioLanes)
		if err != nil {
			return nil, err
		}
		caps = append(caps, hw)
	}
	_, err := sys.AddEngine(core.EngineConfig{
		Name:     "pio",
		Priority: 10,
		Families: []core.ProtocolFamily{core.FamilyClockless},
		Encoding: core.EncodingWave,
		Grouping: core.GroupByTiming,
		Lanes:    pioLanes,
		UnitBase: 0,
	}, caps)
	if err != nil {
		return nil, err
	}

	_, err = sys.AddEngine(core.EngineConfig{
		Name:     "bitbang",
		Priority: 1,
		Families: []core.ProtocolFamily{core.FamilyClockless},
		Encoding: core.EncodingRaw,
		Grouping: core.GroupByLine,
		UnitBase: pioEngines,
	}, []core.Capability{NewBitbangCapability()})
	if err != nil {
		return nil, err
	}
	return sys, nil
}

// usbReaderLoop runs in a goroutine to continuously read USB data
func usbReaderLoop() {
	// Recover from panics to prevent a firmware crash
	defer func() {
		if r := recover(); r != nil {
			msgerrors++
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	var chunk [64]byte
	var pending []byte
	for {
		if len(pending) == 0 {
			n, err := usbReadInto(chunk[:])
			if err != nil {
				msgerrors++
			}
			pending = chunk[:n]

			// Fresh connection after a disconnect: drop stale state
			if n > 0 && usbWasDisconnected {
				usbWasDisconnected = false
				inputBuffer.Reset()
				outputBuffer.Reset()
				bridge.Reset()
				messagesReceived = 0
				messagesSent = 0
				consecutiveWriteFailures = 0
			}
		}

		if len(pending) > 0 {
			w := inputBuffer.Write(pending)
			pending = pending[w:]
			if w == 0 {
				// the main loop has not scanned yet; keep the bytes
				msgerrors++
				time.Sleep(time.Millisecond)
				continue
			}
		}
		// Yield to avoid a busy loop
		time.Sleep(100 * time.Microsecond)
	}
}

// writeUSB writes available data from output buffer to USB
func writeUSB() {
	result := outputBuffer.Result()
	written := 0
	for written < len(result) {
		n, err := usbWrite(result[written:])
		if err != nil || n == 0 {
			// Likely disconnect
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
				// Don't keep trying to send stale data
				outputBuffer.Reset()
				inputBuffer.Reset()
			}
			return
		}
		written += n
	}
	consecutiveWriteFailures = 0
	outputBuffer.Reset()
}

// ledBlink blinks the LED a specific number of times for diagnostics
func ledBlink(count int) {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for i := 0; i < count; i++ {
		led.High()
		time.Sleep(150 * time.Millisecond)
		led.Low()
		time.Sleep(150 * time.Millisecond)
	}
	time.Sleep(500 * time.Millisecond)
}
