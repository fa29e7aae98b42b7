//go:build rp2040 || rp2350

package pio

// PIO LED backend
//
// One state machine runs a single "out pins, N" instruction at the sub-pulse
// rate. Autopull refills the OSR from the joined 8-word TX FIFO, shifting
// left so the first sub-pulse of a buffer leaves first. Each instruction puts
// one sub-pulse of every lane on pins base..base+N-1, lane k on pin
// base+protocol.LaneOffset(N, k).
//
// A DMA channel paced by the TX DREQ feeds the FIFO, so Transmit returns as
// soon as the transfer is armed. Lane counts that divide 32 stream straight
// from the encoded buffer with the DMA swapping bytes into MSB-first words.
// Other counts pull after the largest multiple of N bits, so Transmit repacks
// them into a word buffer first.

import (
	"device/rp"
	"errors"
	"machine"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"pixelbus/core"
	"pixelbus/protocol"
	"pixelbus/targets/generic"
)

var (
	ErrLanes       = errors.New("pio: lane count out of range")
	ErrFamily      = errors.New("pio: clockless strips only")
	ErrNotBegun    = errors.New("pio: transmit before begin")
	ErrBusy        = errors.New("pio: transfer still running")
	ErrWaitTimeout = errors.New("pio: wait timed out")

	// ErrWireStarved matches core.ErrStreamOverrun
	ErrWireStarved error = starvedError{}
)

type starvedError struct{}

func (starvedError) Error() string {
	return "pio: TX FIFO ran dry between buffers"
}

func (starvedError) Unwrap() error {
	return core.ErrStreamOverrun
}

// beginDrainWait bounds how long Begin waits for the last stream to leave
// the pins before it reconfigures them
const beginDrainWait = 50 * time.Millisecond

// LEDCapability drives up to MaxLanes parallel clockless strips from one
// state machine fed by one DMA channel
type LEDCapability struct {
	pio      *rp2pio.PIO
	sm       rp2pio.StateMachine
	pioNum   uint8
	smNum    uint8
	dma      uint8
	maxLanes int

	cfg    core.CapabilityConfig
	thresh int // bits shifted out per pulled word
	begun  bool

	words      []uint32 // repack target for lane counts that do not divide 32
	inflight   []byte
	dmaActive  uint32
	completing uint32
	onComplete func()
}

// NewLEDCapability claims the next free state machine and a DMA channel
func NewLEDCapability(maxLanes int) (*LEDCapability, error) {
	if maxLanes <= 0 || maxLanes > protocol.MaxLanes {
		return nil, ErrLanes
	}
	pioNum, smNum, ok := allocatePIO()
	if !ok {
		return nil, ErrNoStateMachine
	}
	block := pioBlock(pioNum)
	c := &LEDCapability{
		pio:      block,
		sm:       block.StateMachine(smNum),
		pioNum:   pioNum,
		smNum:    smNum,
		maxLanes: maxLanes,
	}
	ch, err := claimDMA(c)
	if err != nil {
		releasePIO(pioNum, smNum)
		return nil, err
	}
	c.dma = ch
	dmaChannelAt(ch).WRITE_ADDR.Set(uint32(uintptr(unsafe.Pointer(c.sm.TxReg()))))
	c.sm.TryClaim()
	return c, nil
}

// Begin loads the shifter for the lane count and retunes the clock divider
func (c *LEDCapability) Begin(cfg core.CapabilityConfig) error {
	if cfg.Lanes <= 0 || cfg.Lanes > c.maxLanes {
		return ErrLanes
	}
	if cfg.Family != core.FamilyClockless {
		return ErrFamily
	}
	if c.begun {
		if err := c.WaitComplete(beginDrainWait); err != nil {
			return err
		}
	}
	whole, frac, err := rp2pio.ClkDivFromFrequency(generic.SubPulseRate(cfg.Timing), machine.CPUFrequency())
	if err != nil {
		return err
	}
	offset, err := loadProgram(c.pioNum, cfg.Lanes)
	if err != nil {
		return err
	}

	c.sm.SetEnabled(false)

	base := machine.Pin(cfg.Line)
	count := uint8(cfg.Lanes)
	pinCfg := machine.PinConfig{Mode: c.pio.PinMode()}
	for i := 0; i < cfg.Lanes; i++ {
		(base + machine.Pin(i)).Configure(pinCfg)
	}

	smCfg := rp2pio.DefaultStateMachineConfig()
	smCfg.SetOutPins(base, count)
	thresh := 32 - 32%cfg.Lanes
	smCfg.SetOutShift(false, true, uint16(thresh))
	smCfg.SetWrap(offset, offset)
	smCfg.SetClkDivIntFrac(whole, frac)
	smCfg.SetFIFOJoin(rp2pio.FifoJoinTx)

	// Init before pin directions
	c.sm.Init(offset, smCfg)
	c.sm.SetPindirsConsecutive(base, count, true)
	c.sm.SetPinsConsecutive(base, count, false)
	c.sm.SetEnabled(true)

	c.cfg = cfg
	c.thresh = thresh
	c.begun = true
	return nil
}

// IsBusy reports whether the DMA channel or the state machine still has
// words to move
func (c *LEDCapability) IsBusy() bool {
	return c.begun && (atomic.LoadUint32(&c.dmaActive) != 0 || !c.sm.HasTxStalled())
}

// SetCompletionHandler registers fn to run from the DMA interrupt once a
// buffer is in the FIFO
func (c *LEDCapability) SetCompletionHandler(fn func()) {
	c.onComplete = fn
}

// Transmit arms the DMA channel with buf. Called from the completion
// handler it continues a stream, and a stall since the previous buffer means
// the strip already saw a latch gap.
func (c *LEDCapability) Transmit(buf []byte) error {
	if !c.begun {
		return ErrNotBegun
	}
	if atomic.LoadUint32(&c.dmaActive) != 0 {
		return ErrBusy
	}
	if atomic.LoadUint32(&c.completing) != 0 && c.sm.HasTxStalled() {
		return ErrWireStarved
	}
	if len(buf) == 0 {
		return nil
	}

	ctrl := rp.DMA_CH0_CTRL_TRIG_INCR_READ |
		rp.DMA_CH0_CTRL_TRIG_DATA_SIZE_SIZE_WORD<<rp.DMA_CH0_CTRL_TRIG_DATA_SIZE_Pos |
		uint32(c.dma)<<rp.DMA_CH0_CTRL_TRIG_CHAIN_TO_Pos |
		txDREQ(c.pioNum, c.smNum)<<rp.DMA_CH0_CTRL_TRIG_TREQ_SEL_Pos |
		rp.DMA_CH0_CTRL_TRIG_HIGH_PRIORITY |
		rp.DMA_CH0_CTRL_TRIG_EN

	var addr uintptr
	var count int
	if words, ok := c.direct(buf); ok {
		addr = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
		count = words
		ctrl |= rp.DMA_CH0_CTRL_TRIG_BSWAP
	} else {
		count = c.repack(buf)
		addr = uintptr(unsafe.Pointer(unsafe.SliceData(c.words)))
	}

	c.inflight = buf
	atomic.StoreUint32(&c.dmaActive, 1)
	c.sm.ClearTxStalled()
	regs := dmaChannelAt(c.dma)
	regs.READ_ADDR.Set(uint32(addr))
	regs.TRANS_COUNT.Set(uint32(count))
	regs.CTRL_TRIG.Set(ctrl)
	return nil
}

// direct reports whether buf can stream without a copy: whole words shifted
// out, word aligned, with room to zero-pad the last word
func (c *LEDCapability) direct(buf []byte) (int, bool) {
	if c.thresh != 32 || uintptr(unsafe.Pointer(unsafe.SliceData(buf)))&3 != 0 {
		return 0, false
	}
	padded := (len(buf) + 3) &^ 3
	if padded > cap(buf) {
		return 0, false
	}
	clear(buf[len(buf):padded])
	return padded / 4, true
}

// repack packs buf into c.words, thresh bits per word with the first bit in
// the MSB, and returns the word count
func (c *LEDCapability) repack(buf []byte) int {
	var word uint32
	n, w := 0, 0
	for _, b := range buf {
		for bit := 7; bit >= 0; bit-- {
			word = word<<1 | uint32(b>>uint(bit))&1
			n++
			if n == c.thresh {
				c.words[w] = word << uint(32-n)
				w++
				word, n = 0, 0
			}
		}
	}
	if n > 0 {
		c.words[w] = word << uint(32-n)
		w++
	}
	return w
}

// transferDone runs in the DMA interrupt after the last word entered the FIFO
func (c *LEDCapability) transferDone() {
	atomic.StoreUint32(&c.dmaActive, 0)
	c.inflight = nil
	// the FIFO still holds words; a stall from here on is a real gap
	c.sm.ClearTxStalled()
	if c.onComplete == nil {
		return
	}
	atomic.StoreUint32(&c.completing, 1)
	c.onComplete()
	atomic.StoreUint32(&c.completing, 0)
}

func (c *LEDCapability) WaitComplete(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for c.IsBusy() {
		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		runtime.Gosched()
	}
	return nil
}

// AcquireBuffer returns word-aligned memory padded to whole words so the
// DMA can read it directly, and sizes the repack buffer for it
func (c *LEDCapability) AcquireBuffer(size int) ([]byte, error) {
	backing := make([]uint32, (size+3)/4)
	// fewest bits per pulled word over the lane counts this capability runs
	minThresh := 32
	for n := 1; n <= c.maxLanes; n++ {
		minThresh = min(minThresh, 32-32%n)
	}
	if need := (size*8 + minThresh - 1) / minThresh; need > len(c.words) {
		c.words = make([]uint32, need)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(backing))), len(backing)*4)[:size], nil
}

// Info returns backend performance information
func (c *LEDCapability) Info() core.EngineInfo {
	return core.EngineInfo{
		Name:       "pio",
		Lanes:      c.maxLanes,
		MaxBitRate: machine.CPUFrequency() / protocol.SubPulses,
		DMA:        true,
	}
}

// Close stops the DMA channel and the state machine and returns both to
// their pools
func (c *LEDCapability) Close() error {
	releaseDMA(c.dma)
	atomic.StoreUint32(&c.dmaActive, 0)
	c.inflight = nil
	c.sm.SetEnabled(false)
	c.sm.ClearFIFOs()
	releasePIO(c.pioNum, c.smNum)
	c.begun = false
	return nil
}
