package core

import (
	"sync/atomic"
	"time"

	"pixelbus/protocol"
)

// Timer frequencies for common MCUs
const (
	TimerFreq = 12000000 // 12MHz default timer frequency
)

var (
	bootTime   = time.Now()
	tickOffset uint32
)

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return getSystemTicks()
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	setSystemTicks(ticks)
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32((uint64(us) * TimerFreq) / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return uint32((uint64(ticks) * 1000000) / TimerFreq)
}

// TimerFromNS converts nanoseconds to timer ticks, rounding up
func TimerFromNS(ns uint64) uint32 {
	return uint32((ns*TimerFreq + 999999999) / 1000000000)
}

// DrainTicks returns how long the wire needs for n payload bytes per lane at
// the given timing. Lanes run in parallel so the lane count does not matter.
func DrainTicks(t protocol.Timing, n int) uint32 {
	if n <= 0 {
		return 0
	}
	return TimerFromNS(uint64(t.Period()) * 8 * uint64(n))
}

// getSystemTicks derives ticks from the monotonic clock
func getSystemTicks() uint32 {
	return monotonicTicks() + atomic.LoadUint32(&tickOffset)
}

// setSystemTicks shifts the clock so the current time reads ticks
func setSystemTicks(ticks uint32) {
	atomic.StoreUint32(&tickOffset, ticks-monotonicTicks())
}

func monotonicTicks() uint32 {
	return uint32(uint64(time.Since(bootTime)/time.Microsecond) * (TimerFreq / 1000000))
}
