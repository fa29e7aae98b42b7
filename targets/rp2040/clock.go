//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"pixelbus/core"
)

// The 1 MHz TIMER block at 0x40054000. The raw registers read without
// latching, so a wrap of the low word has to be caught by rereading high.
var (
	timerRawHigh = (*volatile.Register32)(unsafe.Pointer(uintptr(0x40054008)))
	timerRawLow  = (*volatile.Register32)(unsafe.Pointer(uintptr(0x4005400C)))
)

// uptimeMicros reads the 64-bit microsecond counter
func uptimeMicros() uint64 {
	for {
		hi := timerRawHigh.Get()
		lo := timerRawLow.Get()
		if timerRawHigh.Get() == hi {
			return uint64(hi)<<32 | uint64(lo)
		}
	}
}

// syncClock moves the core clock, which the engines stamp refill times
// with, onto the hardware counter
func syncClock() {
	core.SetTime(uint32(uptimeMicros() * (core.TimerFreq / 1000000)))
}
