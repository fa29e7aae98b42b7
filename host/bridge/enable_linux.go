//go:build linux

package bridge

import (
	"github.com/warthog618/go-gpiocdev"
)

// RequestEnableLine claims a GPIO line as the level-shifter output enable.
// The line starts low so the strips stay undriven until Begin.
func RequestEnableLine(chip string, offset int) (EnableLine, error) {
	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsOutput(0), gpiocdev.WithConsumer("pixelbus-bridge"))
	if err != nil {
		return nil, err
	}
	return line, nil
}
