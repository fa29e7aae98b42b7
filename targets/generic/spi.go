// Package generic drives LED strips from any SPI bus that implements
// tinygo.org/x/drivers.SPI. Clockless strips get the sub-pulse waveform on
// MOSI with the bus clocked at eight times the LED bit rate; clocked strips
// get their payload byte exact with SCK as the strip clock.
package generic

import (
	"errors"
	"time"

	"tinygo.org/x/drivers"

	"pixelbus/core"
	"pixelbus/protocol"
)

var (
	ErrLanes    = errors.New("spi: single lane only")
	ErrRate     = errors.New("spi: timing needs an unreachable clock rate")
	ErrNotBegun = errors.New("spi: transmit before begin")
)

// DefaultClockedRate is the SCK frequency used for clocked strips
const DefaultClockedRate = 4000000

// RateSetter retunes the bus clock; platform code wires it to the SPI peripheral
type RateSetter func(hz uint32) error

// Option configures an SPICapability
type Option func(*SPICapability)

// WithRateSetter lets Begin retune the bus for each timing
func WithRateSetter(set RateSetter) Option {
	return func(c *SPICapability) {
		c.setRate = set
	}
}

// WithMaxRate caps the bus clock the peripheral supports
func WithMaxRate(hz uint32) Option {
	return func(c *SPICapability) {
		c.maxRate = hz
	}
}

// WithClockedRate sets the SCK frequency for clocked strips
func WithClockedRate(hz uint32) Option {
	return func(c *SPICapability) {
		c.clockedRate = hz
	}
}

// SPICapability sends transfers through a blocking SPI Tx. A transfer has
// drained when Tx returns, so the capability is never busy between calls.
type SPICapability struct {
	bus         drivers.SPI
	name        string
	setRate     RateSetter
	maxRate     uint32
	clockedRate uint32

	rate  uint32
	begun bool
}

// NewSPICapability wraps an SPI bus
func NewSPICapability(name string, bus drivers.SPI, opts ...Option) *SPICapability {
	c := &SPICapability{
		bus:         bus,
		name:        name,
		maxRate:     62500000,
		clockedRate: DefaultClockedRate,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubPulseRate returns the bus clock that shifts one sub-pulse per SPI bit
func SubPulseRate(t protocol.Timing) uint32 {
	period := uint64(t.Period())
	if period == 0 {
		return 0
	}
	return uint32((uint64(protocol.SubPulses)*1000000000 + period/2) / period)
}

func (c *SPICapability) Begin(cfg core.CapabilityConfig) error {
	if cfg.Lanes != 1 {
		return ErrLanes
	}
	rate := c.clockedRate
	if cfg.Family == core.FamilyClockless {
		rate = SubPulseRate(cfg.Timing)
	}
	if rate == 0 || rate > c.maxRate {
		return ErrRate
	}
	if c.setRate != nil && rate != c.rate {
		if err := c.setRate(rate); err != nil {
			return err
		}
	}
	c.rate = rate
	c.begun = true
	return nil
}

func (c *SPICapability) IsBusy() bool {
	return false
}

func (c *SPICapability) Transmit(buf []byte) error {
	if !c.begun {
		return ErrNotBegun
	}
	return c.bus.Tx(buf, nil)
}

func (c *SPICapability) WaitComplete(timeout time.Duration) error {
	return nil
}

func (c *SPICapability) AcquireBuffer(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Rate returns the bus clock chosen by the last Begin
func (c *SPICapability) Rate() uint32 {
	return c.rate
}

func (c *SPICapability) Info() core.EngineInfo {
	return core.EngineInfo{
		Name:       c.name,
		Lanes:      1,
		MaxBitRate: c.maxRate / protocol.SubPulses,
	}
}
