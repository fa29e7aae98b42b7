// Package bridge streams encoded pulse buffers to a remote controller over a
// serial link. Each buffer travels as one or more message blocks; the remote
// answers with an ack once the buffer is on the wire, and a reader goroutine
// turns that ack into a completion callback.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pixelbus/core"
	"pixelbus/host/serial"
	"pixelbus/protocol"
)

var (
	ErrNotBegun    = errors.New("bridge: transmit before begin")
	ErrBusy        = errors.New("bridge: previous buffer not acknowledged")
	ErrLanes       = errors.New("bridge: lane count out of range")
	ErrClosed      = errors.New("bridge: closed")
	ErrWaitTimeout = errors.New("bridge: wait timed out")
	ErrRemoteFault = errors.New("bridge: remote fault")
)

// DefaultLanes matches the four-lane firmware receiver
const DefaultLanes = 4

// Option configures a Capability
type Option func(*Capability)

// WithLogger sets the logger
func WithLogger(log core.Logger) Option {
	return func(c *Capability) {
		if log != nil {
			c.log = log
		}
	}
}

// WithEnableLine asserts the level-shifter enable on Begin and releases it on Close
func WithEnableLine(line EnableLine) Option {
	return func(c *Capability) {
		c.enable = line
	}
}

// WithLanes sets how many lanes the remote can drive
func WithLanes(n int) Option {
	return func(c *Capability) {
		c.lanes = n
	}
}

// Capability is a core.Capability and core.CompletionNotifier backed by a
// remote controller
type Capability struct {
	port   serial.Port
	log    core.Logger
	enable EnableLine
	lanes  int
	name   string

	wmu     sync.Mutex // serializes writes to the port
	frame   *protocol.ScratchOutput
	payload *protocol.ScratchOutput
	seq     uint8

	mu      sync.Mutex
	cfg     core.CapabilityConfig
	begun   bool
	enabled bool
	busy    bool
	fault   error
	handler func()
	acks    uint32
	faults  uint32

	idle      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wraps an open port and starts the ack reader
func New(name string, port serial.Port, opts ...Option) *Capability {
	c := &Capability{
		port:    port,
		log:     core.NopLogger{},
		lanes:   DefaultLanes,
		name:    name,
		frame:   protocol.NewScratchOutput(),
		payload: protocol.NewScratchOutput(),
		seq:     protocol.MessageDest,
		idle:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.readLoop()
	return c
}

// Begin sends the stream configuration to the remote
func (c *Capability) Begin(cfg core.CapabilityConfig) error {
	if cfg.Lanes <= 0 || cfg.Lanes > c.lanes {
		return ErrLanes
	}
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.Lock()
	enable := c.enable != nil && !c.enabled
	c.mu.Unlock()
	if enable {
		if err := c.enable.SetValue(1); err != nil {
			return fmt.Errorf("bridge: output enable: %w", err)
		}
	}

	c.wmu.Lock()
	c.payload.Reset()
	protocol.EncodeConfigure(c.payload, protocol.LinkConfig{
		Line:      uint32(cfg.Line),
		ClockLine: uint32(cfg.ClockLine),
		Lanes:     uint32(cfg.Lanes),
		Family:    uint32(cfg.Family),
		Timing:    cfg.Timing,
	})
	err := c.writeFrame()
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cfg = cfg
	c.begun = true
	c.enabled = c.enabled || enable
	c.fault = nil
	c.mu.Unlock()

	c.log.Debug("bridge configured", "bridge", c.name, "line", cfg.Line, "lanes", cfg.Lanes)
	return nil
}

// IsBusy reports whether a buffer waits for its ack
func (c *Capability) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Transmit splits buf into message blocks and writes them. A fault the
// remote reported since the last buffer is returned instead.
func (c *Capability) Transmit(buf []byte) error {
	c.mu.Lock()
	switch {
	case !c.begun:
		c.mu.Unlock()
		return ErrNotBegun
	case c.fault != nil:
		err := c.fault
		c.fault = nil
		c.mu.Unlock()
		return err
	case c.busy:
		c.mu.Unlock()
		return ErrBusy
	}
	c.busy = true
	line, lanes := uint32(c.cfg.Line), uint32(c.cfg.Lanes)
	c.mu.Unlock()

	c.wmu.Lock()
	err := c.writePulses(line, lanes, buf)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Capability) writePulses(line, lanes uint32, buf []byte) error {
	for {
		n := len(buf)
		if n > protocol.MaxPulseBytes {
			n = protocol.MaxPulseBytes
		}
		last := n == len(buf)

		c.payload.Reset()
		if err := protocol.EncodePulses(c.payload, line, lanes, buf[:n], last); err != nil {
			return err
		}
		if err := c.writeFrame(); err != nil {
			return err
		}
		if last {
			return nil
		}
		buf = buf[n:]
	}
}

// writeFrame wraps the payload scratch in a message block and writes it.
// Callers hold wmu.
func (c *Capability) writeFrame() error {
	c.frame.Reset()
	if err := protocol.EncodeFrame(c.frame, c.seq, c.payload.Result()); err != nil {
		return err
	}
	c.seq = protocol.NextSeq(c.seq)

	data := c.frame.Result()
	for len(data) > 0 {
		n, err := c.port.Write(data)
		if err != nil {
			return fmt.Errorf("bridge: write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// WaitComplete blocks until the outstanding buffer is acknowledged
func (c *Capability) WaitComplete(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for c.IsBusy() {
		select {
		case <-c.idle:
		case <-c.closed:
			return ErrClosed
		case <-timer.C:
			return ErrWaitTimeout
		}
	}
	return nil
}

func (c *Capability) AcquireBuffer(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// SetCompletionHandler sets the callback fired from the reader goroutine
func (c *Capability) SetCompletionHandler(fn func()) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

func (c *Capability) Info() core.EngineInfo {
	return core.EngineInfo{
		Name:  c.name,
		Lanes: c.lanes,
	}
}

// Stats returns acknowledged buffers and remote faults
func (c *Capability) Stats() (acks, faults uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acks, c.faults
}

// Close stops the reader, closes the port and releases the enable line
func (c *Capability) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.port.Close(); err != nil {
			errs = append(errs, err)
		}
		c.wg.Wait()
		if c.enable != nil {
			if err := c.enable.SetValue(0); err != nil {
				errs = append(errs, err)
			}
			if err := c.enable.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (c *Capability) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// readLoop scans acks and faults until the port closes
func (c *Capability) readLoop() {
	defer c.wg.Done()

	fifo := protocol.NewFifoBuffer(1024)
	scanner := protocol.NewFrameScanner(c.handleFrame)
	buf := make([]byte, 256)

	for {
		n, err := c.port.Read(buf)
		data := buf[:n]
		for len(data) > 0 {
			w := fifo.Write(data)
			data = data[w:]

			before := fifo.Available()
			scanner.Scan(fifo)
			if w == 0 && fifo.Available() == before {
				// full of garbage the scanner cannot use
				fifo.Reset()
			}
		}

		if c.isClosed() {
			return
		}
		if err != nil && !errors.Is(err, io.EOF) {
			c.log.Error("bridge read failed", "bridge", c.name, "err", err)
			c.complete(fmt.Errorf("%w: %w", ErrRemoteFault, err))
			return
		}
	}
}

func (c *Capability) handleFrame(seq uint8, payload []byte) {
	if len(payload) == 0 {
		return
	}
	cmd, body, err := protocol.SplitPayload(payload)
	if err != nil {
		c.log.Warn("bridge dropped message", "bridge", c.name, "err", err)
		return
	}
	switch cmd {
	case protocol.CmdAck:
		c.complete(nil)
	case protocol.CmdFault:
		code, err := protocol.DecodeValue(body)
		if err != nil {
			code = 0
		}
		c.log.Warn("bridge remote fault", "bridge", c.name, "code", code)
		c.complete(faultError(code))
	}
}

// complete ends the outstanding buffer and fires the handler outside the lock
func (c *Capability) complete(fault error) {
	c.mu.Lock()
	wasBusy := c.busy
	c.busy = false
	if fault != nil {
		c.fault = fault
		c.faults++
	} else {
		c.acks++
	}
	h := c.handler
	c.mu.Unlock()

	select {
	case c.idle <- struct{}{}:
	default:
	}
	if wasBusy && h != nil {
		h()
	}
}

func faultError(code uint32) error {
	switch code {
	case protocol.FaultBegin:
		return fmt.Errorf("%w: begin failed", ErrRemoteFault)
	case protocol.FaultTransmit:
		return fmt.Errorf("%w: transmit failed", ErrRemoteFault)
	case protocol.FaultOverflow:
		return fmt.Errorf("%w: buffer overflow", ErrRemoteFault)
	case protocol.FaultSequence:
		return fmt.Errorf("%w: out of sequence", ErrRemoteFault)
	}
	return fmt.Errorf("%w: code %d", ErrRemoteFault, code)
}
