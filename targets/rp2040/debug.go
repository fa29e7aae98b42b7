//go:build rp2040

package main

import (
	"machine"

	"pixelbus/core"
)

var debugUART *machine.UART

// InitDebugUART initializes UART0 on GPIO0 (TX) and GPIO1 (RX) and routes
// core debug output to it. Baud rate: 115200
func InitDebugUART() {
	debugUART = machine.UART0

	err := debugUART.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GPIO0, // UART0 TX
		RX:       machine.GPIO1, // UART0 RX
	})
	if err != nil {
		debugUART = nil
		return
	}

	core.SetDebugWriter(debugPrintln)
	core.SetDebugEnabled(true)

	core.DebugPrintln("=== pixelbus debug UART ===")
}

// debugPrintln writes a line to the debug UART
func debugPrintln(s string) {
	if debugUART == nil {
		return
	}
	debugUART.Write([]byte(s))
	debugUART.Write([]byte("\r\n"))
}
