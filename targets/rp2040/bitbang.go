//go:build rp2040

package main

import (
	"errors"
	"machine"
	"time"

	"tinygo.org/x/drivers/ws2812"

	"pixelbus/core"
)

var (
	errBitbangLanes  = errors.New("bitbang: single lane only")
	errBitbangFamily = errors.New("bitbang: clockless strips only")
	errBitbangBegin  = errors.New("bitbang: transmit before begin")
)

// BitbangCapability writes payload bytes with the ws2812 driver's cycle
// counted GPIO loop. The driver fixes the WS2812 timing and holds the CPU
// for the whole transfer, so it only serves as the last resort engine.
type BitbangCapability struct {
	dev   ws2812.Device
	pin   machine.Pin
	begun bool
}

// NewBitbangCapability creates an unbound bit-bang controller
func NewBitbangCapability() *BitbangCapability {
	return &BitbangCapability{}
}

func (c *BitbangCapability) Begin(cfg core.CapabilityConfig) error {
	if cfg.Lanes != 1 {
		return errBitbangLanes
	}
	if cfg.Family != core.FamilyClockless {
		return errBitbangFamily
	}
	pin := machine.Pin(cfg.Line)
	if !c.begun || pin != c.pin {
		pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
		pin.Low()
		c.dev = ws2812.New(pin)
		c.pin = pin
	}
	c.begun = true
	return nil
}

func (c *BitbangCapability) IsBusy() bool {
	return false
}

func (c *BitbangCapability) Transmit(buf []byte) error {
	if !c.begun {
		return errBitbangBegin
	}
	_, err := c.dev.Write(buf)
	return err
}

func (c *BitbangCapability) WaitComplete(timeout time.Duration) error {
	return nil
}

func (c *BitbangCapability) AcquireBuffer(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (c *BitbangCapability) Info() core.EngineInfo {
	return core.EngineInfo{
		Name:       "bitbang",
		Lanes:      1,
		MaxBitRate: 800000,
	}
}
