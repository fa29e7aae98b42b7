// Package sim provides a simulated transmit capability. It records what
// would have gone out on the wire and lets a test harness decide when the
// "hardware" finishes each buffer, standing in for the completion interrupt.
package sim

import (
	"errors"
	"sync"
	"time"

	"pixelbus/core"
)

var ErrWaitTimeout = errors.New("sim: wait timed out")

// Option configures a simulated capability
type Option func(*Capability)

// WithLanes sets the lane count reported by Info
func WithLanes(n int) Option {
	return func(c *Capability) {
		c.lanes = n
	}
}

// WithAutoComplete makes every transfer finish instantly. Suits polled
// engines: the capability never reports busy.
func WithAutoComplete() Option {
	return func(c *Capability) {
		c.auto = true
	}
}

// WithLatency completes each transfer d after it was submitted, from a
// timer goroutine, the way an interrupt would
func WithLatency(d time.Duration) Option {
	return func(c *Capability) {
		c.latency = d
	}
}

// WithBitRate sets the bit rate reported by Info
func WithBitRate(bps uint32) Option {
	return func(c *Capability) {
		c.bitRate = bps
	}
}

// WithDMA makes Info report DMA support
func WithDMA(dma bool) Option {
	return func(c *Capability) {
		c.dma = dma
	}
}

// Capability is a simulated transmit controller
type Capability struct {
	mu sync.Mutex

	name    string
	lanes   int
	bitRate uint32
	auto    bool
	dma     bool
	latency time.Duration

	busy        bool
	handler     func()
	beginErr    error
	transmitErr error

	cfg      core.CapabilityConfig
	begins   int
	sent     [][]byte
	acquired int
	closed   bool
}

// New creates a simulated capability
func New(name string, opts ...Option) *Capability {
	c := &Capability{name: name, lanes: 1, bitRate: 800000}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Capability) Begin(cfg core.CapabilityConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.begins++
	if c.beginErr != nil {
		return c.beginErr
	}
	c.cfg = cfg
	c.closed = false
	return nil
}

func (c *Capability) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *Capability) Transmit(buf []byte) error {
	c.mu.Lock()
	if c.transmitErr != nil {
		err := c.transmitErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, append([]byte(nil), buf...))
	if c.auto {
		c.mu.Unlock()
		return nil
	}
	c.busy = true
	latency := c.latency
	c.mu.Unlock()

	if latency > 0 {
		time.AfterFunc(latency, func() { c.Complete() })
	}
	return nil
}

func (c *Capability) WaitComplete(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for c.IsBusy() {
		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		time.Sleep(50 * time.Microsecond)
	}
	return nil
}

func (c *Capability) AcquireBuffer(size int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired++
	return make([]byte, size), nil
}

func (c *Capability) SetCompletionHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *Capability) Info() core.EngineInfo {
	return core.EngineInfo{Name: c.name, Lanes: c.lanes, MaxBitRate: c.bitRate, DMA: c.dma}
}

// Close marks the capability closed; Begin reopens it
func (c *Capability) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Complete finishes the buffer in flight and runs the completion handler.
// Returns false when nothing was in flight.
func (c *Capability) Complete() bool {
	c.mu.Lock()
	if !c.busy {
		c.mu.Unlock()
		return false
	}
	c.busy = false
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler()
	}
	return true
}

// Drain completes buffers until the capability stays idle and returns how
// many it completed
func (c *Capability) Drain() int {
	n := 0
	for c.Complete() {
		n++
	}
	return n
}

// SetBeginError makes subsequent Begin calls fail with err (nil clears)
func (c *Capability) SetBeginError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginErr = err
}

// SetTransmitError makes subsequent Transmit calls fail with err (nil clears)
func (c *Capability) SetTransmitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transmitErr = err
}

// Transmissions returns copies of every submitted buffer in order
func (c *Capability) Transmissions() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Wire returns every submitted byte concatenated
func (c *Capability) Wire() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, b := range c.sent {
		out = append(out, b...)
	}
	return out
}

// Config returns the configuration of the last successful Begin
func (c *Capability) Config() core.CapabilityConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Begins returns how many times Begin was called
func (c *Capability) Begins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begins
}

// Acquired returns how many buffers were handed out
func (c *Capability) Acquired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

// Closed reports whether Close was called since the last Begin
func (c *Capability) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Reset forgets recorded transfers
func (c *Capability) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
	c.busy = false
}

// Polled returns a view of c without completion notifications, so engines
// drive it by polling IsBusy
func (c *Capability) Polled() core.Capability {
	return polled{c}
}

type polled struct {
	c *Capability
}

func (p polled) Begin(cfg core.CapabilityConfig) error { return p.c.Begin(cfg) }
func (p polled) IsBusy() bool { return p.c.IsBusy() }
func (p polled) Transmit(buf []byte) error { return p.c.Transmit(buf) }
func (p polled) WaitComplete(timeout time.Duration) error { return p.c.WaitComplete(timeout) }
func (p polled) AcquireBuffer(size int) ([]byte, error) { return p.c.AcquireBuffer(size) }
func (p polled) Info() core.EngineInfo { return p.c.Info() }
