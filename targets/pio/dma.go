//go:build rp2040 || rp2350

package pio

import (
	"device/rp"
	"errors"
	"runtime/interrupt"
	"runtime/volatile"
	"unsafe"
)

var ErrNoDMAChannel = errors.New("pio: no free DMA channel")

const dmaChannels = 12

// dmaChannelRegs overlays the first four registers of one DMA channel
type dmaChannelRegs struct {
	READ_ADDR   volatile.Register32
	WRITE_ADDR  volatile.Register32
	TRANS_COUNT volatile.Register32
	CTRL_TRIG   volatile.Register32
}

var (
	dmaClaimed [dmaChannels]bool
	dmaOwners  [dmaChannels]*LEDCapability
	dmaIRQOn   bool
)

func dmaChannelAt(ch uint8) *dmaChannelRegs {
	return (*dmaChannelRegs)(unsafe.Pointer(uintptr(unsafe.Pointer(&rp.DMA.CH0_READ_ADDR)) + uintptr(ch)*0x40))
}

// claimDMA takes a channel for owner, highest first so channels other code
// claims from 0 stay free, and routes its completion to DMA_IRQ_1
func claimDMA(owner *LEDCapability) (uint8, error) {
	for ch := dmaChannels - 1; ch >= 0; ch-- {
		if dmaClaimed[ch] {
			continue
		}
		dmaClaimed[ch] = true
		dmaOwners[ch] = owner
		if !dmaIRQOn {
			irq := interrupt.New(rp.IRQ_DMA_IRQ_1, handleDMAIRQ)
			irq.SetPriority(0x00)
			irq.Enable()
			dmaIRQOn = true
		}
		rp.DMA.INTE1.SetBits(1 << ch)
		return uint8(ch), nil
	}
	return 0, ErrNoDMAChannel
}

// releaseDMA aborts any transfer on ch and returns it to the pool
func releaseDMA(ch uint8) {
	rp.DMA.INTE1.ClearBits(1 << ch)
	regs := dmaChannelAt(ch)
	regs.CTRL_TRIG.ClearBits(rp.DMA_CH0_CTRL_TRIG_EN)
	rp.DMA.CHAN_ABORT.Set(1 << ch)
	for rp.DMA.CHAN_ABORT.Get() != 0 {
	}
	rp.DMA.INTS1.Set(1 << ch)
	dmaOwners[ch] = nil
	dmaClaimed[ch] = false
}

// txDREQ is the transfer request a state machine's TX FIFO raises
func txDREQ(pioNum, smNum uint8) uint32 {
	return uint32(pioNum)*8 + uint32(smNum)
}

func handleDMAIRQ(interrupt.Interrupt) {
	status := rp.DMA.INTS1.Get()
	rp.DMA.INTS1.Set(status)
	for ch := 0; ch < dmaChannels; ch++ {
		if status&(1<<ch) != 0 && dmaOwners[ch] != nil {
			dmaOwners[ch].transferDone()
		}
	}
}
