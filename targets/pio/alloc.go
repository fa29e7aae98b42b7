//go:build rp2040 || rp2350

package pio

import (
	"errors"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"pixelbus/protocol"
)

var ErrNoStateMachine = errors.New("pio: no free state machine")

var (
	// PIO allocation tracking
	// RP2040 has 2 PIO blocks (PIO0, PIO1) with 4 state machines each
	pioAllocations = [2][4]bool{} // [pioNum][smNum]
	nextPIONum     = uint8(0)
	nextSMNum      = uint8(0)

	// Offset of the loaded "out pins, N" program per block and lane count
	programLoaded  [2][protocol.MaxLanes + 1]bool
	programOffsets [2][protocol.MaxLanes + 1]uint8
)

// allocatePIO allocates a PIO state machine
// Returns (pioNum, smNum, ok)
func allocatePIO() (uint8, uint8, bool) {
	// Round-robin allocation across PIO blocks and state machines
	for i := 0; i < 8; i++ { // 2 PIO × 4 SM = 8 total
		pioNum := nextPIONum
		smNum := nextSMNum

		// Advance to next slot
		nextSMNum++
		if nextSMNum >= 4 {
			nextSMNum = 0
			nextPIONum = (nextPIONum + 1) % 2
		}

		if !pioAllocations[pioNum][smNum] {
			pioAllocations[pioNum][smNum] = true
			return pioNum, smNum, true
		}
	}

	return 0, 0, false
}

// releasePIO returns a state machine to the pool
func releasePIO(pioNum, smNum uint8) {
	pioAllocations[pioNum][smNum] = false
}

// pioBlock returns the hardware block for pioNum
func pioBlock(pioNum uint8) *rp2pio.PIO {
	if pioNum == 0 {
		return rp2pio.PIO0
	}
	return rp2pio.PIO1
}

// loadProgram loads the single instruction shifter for a lane count once per
// block and returns its offset. State machines of one block share it.
func loadProgram(pioNum uint8, lanes int) (uint8, error) {
	if programLoaded[pioNum][lanes] {
		return programOffsets[pioNum][lanes], nil
	}
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	program := []uint16{
		asm.Out(rp2pio.OutDestPins, uint8(lanes)).Encode(), // out pins, N
	}
	offset, err := pioBlock(pioNum).AddProgram(program, -1)
	if err != nil {
		return 0, err
	}
	programLoaded[pioNum][lanes] = true
	programOffsets[pioNum][lanes] = offset
	return offset, nil
}

// GetPIOAllocationStatus returns PIO allocation status for debugging
func GetPIOAllocationStatus() [2][4]bool {
	return pioAllocations
}

// ResetPIOAllocations forgets all allocations and loaded programs
func ResetPIOAllocations() {
	pioAllocations = [2][4]bool{}
	programLoaded = [2][protocol.MaxLanes + 1]bool{}
	nextPIONum = 0
	nextSMNum = 0
}
