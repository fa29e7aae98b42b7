package serial

import (
	"fmt"

	"github.com/tarm/serial"
)

// NativePort is a Port on an operating system serial device
type NativePort struct {
	port   *serial.Port
	device string
}

// Open opens the device named by cfg and drops anything the board sent
// before we were listening
func Open(cfg *Config) (*NativePort, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	p := &NativePort{port: port, device: cfg.Device}
	if err := p.Flush(); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: flush %s: %w", cfg.Device, err)
	}
	return p, nil
}

func (p *NativePort) Read(b []byte) (int, error) { return p.port.Read(b) }

func (p *NativePort) Write(b []byte) (int, error) { return p.port.Write(b) }

func (p *NativePort) Close() error { return p.port.Close() }

// Flush drops received bytes nobody read yet
func (p *NativePort) Flush() error { return p.port.Flush() }

// Device returns the path the port was opened with
func (p *NativePort) Device() string {
	return p.device
}
