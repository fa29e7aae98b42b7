//go:build rp2040

package main

import "machine"

// Holding modePin low at reset selects standalone mode
const modePin = machine.GPIO22

// Mode is what the board does after boot
type Mode uint8

const (
	ModeBridge     Mode = iota // show pulse buffers a host streams over USB
	ModeStandalone             // animate the local strips without a host
)

// selectMode samples the strap pin once
func selectMode() Mode {
	modePin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	if !modePin.Get() {
		return ModeStandalone
	}
	return ModeBridge
}

// initUSB configures the CDC-ACM serial TinyGo puts on the USB port
func initUSB() {
	machine.Serial.Configure(machine.UARTConfig{})
}

// usbReadInto moves whatever the USB stack buffered into buf
func usbReadInto(buf []byte) (int, error) {
	n := 0
	for n < len(buf) && machine.Serial.Buffered() > 0 {
		b, err := machine.Serial.ReadByte()
		if err != nil {
			return n, err
		}
		buf[n] = b
		n++
	}
	return n, nil
}

func usbWrite(data []byte) (int, error) {
	return machine.Serial.Write(data)
}
