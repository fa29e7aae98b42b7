//go:build rp2040

package main

import (
	"time"

	"pixelbus/core"
)

const (
	standalonePixels = 60
	standaloneFrame  = 20 * time.Millisecond
)

// RunStandaloneMode animates the local strips through the dispatcher
// (no host required)
func RunStandaloneMode(sys *core.System) {
	var payloads [len(localLines)][standalonePixels * 3]byte
	var reqs [len(localLines)]core.Request
	for i, line := range localLines {
		reqs[i] = core.Request{
			Line:    line,
			Timing:  ws2812Timing,
			Payload: payloads[i][:],
			Family:  core.FamilyClockless,
		}
	}

	// Flash LED 3 times to indicate standalone mode started
	ledBlink(3)

	var frame uint32
	for {
		syncClock()

		for i := range reqs {
			if reqs[i].InUse() {
				continue
			}
			fillChase(payloads[i][:], frame+uint32(i)*8)
			if err := sys.Dispatcher.Submit(&reqs[i]); err != nil {
				core.DebugPrintln("[STANDALONE] submit failed: " + err.Error())
			}
		}
		sys.Dispatcher.Flush()

		deadline := time.Now().Add(standaloneFrame)
		for time.Now().Before(deadline) {
			sys.Dispatcher.Poll()
			time.Sleep(100 * time.Microsecond)
		}
		frame++
	}
}

// fillChase writes a single green pixel chasing along the strip (GRB order)
func fillChase(buf []byte, frame uint32) {
	for i := range buf {
		buf[i] = 0
	}
	pos := int(frame%uint32(len(buf)/3)) * 3
	buf[pos] = 0x40
}
