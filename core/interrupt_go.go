//go:build !tinygo

package core

import "sync"

// State mirrors the saved interrupt mask of TinyGo builds
type State uintptr

// hostCritical stands in for masked interrupts: completion handlers on the
// host run on goroutines, so critical sections need real exclusion.
// Sections must not nest.
var hostCritical sync.Mutex

// disableInterrupts enters the critical section
func disableInterrupts() State {
	hostCritical.Lock()
	return 0
}

// restoreInterrupts leaves the critical section
func restoreInterrupts(state State) {
	hostCritical.Unlock()
}
