//go:build rp2040

package main

import (
	"time"

	"pixelbus/core"
	"pixelbus/protocol"
)

const (
	bridgeBufferSize = 4096 // largest pulse buffer a host may send
	bridgeDrainWait  = 50 * time.Millisecond
)

// bridgeReceiver shows pulse buffers a host streams over USB. The host
// already encoded them, so they go to the capability unchanged. It fills one
// buffer while the hardware reads the other.
type bridgeReceiver struct {
	hw     core.Capability
	output *protocol.ScratchOutput
	reply  *protocol.ScratchOutput

	cfg   core.CapabilityConfig
	begun bool

	pulses [2][]byte
	fill   int
	n      int
	shown  uint32
	faults uint32
	seq    uint8
}

func newBridgeReceiver(hw core.Capability, output *protocol.ScratchOutput) (*bridgeReceiver, error) {
	b := &bridgeReceiver{
		hw:     hw,
		output: output,
		reply:  protocol.NewScratchOutput(),
	}
	for i := range b.pulses {
		buf, err := hw.AcquireBuffer(bridgeBufferSize)
		if err != nil {
			return nil, err
		}
		b.pulses[i] = buf
	}
	return b, nil
}

// Reset drops partial buffers after a reconnect
func (b *bridgeReceiver) Reset() {
	b.n = 0
	b.begun = false
	b.seq = 0
}

// HandleFrame is the frame scanner callback
func (b *bridgeReceiver) HandleFrame(seq uint8, payload []byte) {
	b.seq = protocol.NextSeq(seq)
	if len(payload) == 0 {
		return
	}
	cmd, body, err := protocol.SplitPayload(payload)
	if err != nil {
		b.fault(protocol.FaultSequence)
		return
	}

	switch cmd {
	case protocol.CmdConfigure:
		b.configure(body)
	case protocol.CmdPulses, protocol.CmdPulsesEnd:
		b.accumulate(body, cmd == protocol.CmdPulsesEnd)
	}
}

func (b *bridgeReceiver) configure(body []byte) {
	lc, err := protocol.DecodeConfigure(body)
	if err != nil {
		b.fault(protocol.FaultSequence)
		return
	}
	cfg := core.CapabilityConfig{
		Line:      core.LineID(lc.Line),
		ClockLine: core.LineID(lc.ClockLine),
		Lanes:     int(lc.Lanes),
		Timing:    lc.Timing,
		Family:    core.ProtocolFamily(lc.Family),
	}
	b.n = 0
	if b.begun && cfg == b.cfg {
		return
	}
	b.begun = false
	if err := b.hw.Begin(cfg); err != nil {
		core.DebugPrintln("[BRIDGE] begin failed: " + err.Error())
		b.fault(protocol.FaultBegin)
		return
	}
	b.cfg = cfg
	b.begun = true
}

func (b *bridgeReceiver) accumulate(body []byte, last bool) {
	line, lanes, pulses, err := protocol.DecodePulses(body)
	if err != nil || !b.begun || core.LineID(line) != b.cfg.Line || int(lanes) != b.cfg.Lanes {
		b.n = 0
		b.fault(protocol.FaultSequence)
		return
	}
	fill := b.pulses[b.fill]
	if b.n+len(pulses) > len(fill) {
		b.n = 0
		b.fault(protocol.FaultOverflow)
		return
	}
	b.n += copy(fill[b.n:], pulses)
	if !last {
		return
	}

	// The previous buffer must leave the FIFO before this one queues
	if err := b.hw.WaitComplete(bridgeDrainWait); err != nil {
		b.n = 0
		b.fault(protocol.FaultTransmit)
		return
	}
	err = b.hw.Transmit(fill[:b.n])
	b.n = 0
	b.fill = 1 - b.fill
	if err != nil {
		core.DebugPrintln("[BRIDGE] transmit failed: " + err.Error())
		b.fault(protocol.FaultTransmit)
		return
	}
	b.shown++
	b.reply.Reset()
	protocol.EncodeAck(b.reply, b.shown)
	b.send()
}

func (b *bridgeReceiver) fault(code uint32) {
	b.faults++
	b.reply.Reset()
	protocol.EncodeFault(b.reply, code)
	b.send()
}

func (b *bridgeReceiver) send() {
	if err := protocol.EncodeFrame(b.output, b.seq, b.reply.Result()); err != nil {
		b.faults++
	}
}
