// Package serial opens the link to a board running the bridge firmware
package serial

import (
	"errors"
	"io"
	"time"
)

// Link defaults for a USB CDC bridge
const (
	DefaultBaud        = 921600
	DefaultReadTimeout = 100 * time.Millisecond
)

var (
	ErrNilConfig = errors.New("serial: config cannot be nil")
	ErrNoDevice  = errors.New("serial: no device path")
)

// Port is an open link. With a read timeout, Read returns empty-handed once
// the timeout passes so a reader goroutine can notice Close.
type Port interface {
	io.ReadWriteCloser

	// Flush discards data received but not yet read
	Flush() error
}

// Config describes the link
type Config struct {
	Device      string        // e.g. /dev/ttyACM0 or COM3
	Baud        int           // USB CDC bridges ignore it
	ReadTimeout time.Duration // 0 blocks
}

// DefaultConfig returns the link settings the bridge firmware expects
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: DefaultReadTimeout,
	}
}

func (c *Config) validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.Device == "" {
		return ErrNoDevice
	}
	return nil
}
