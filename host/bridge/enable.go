package bridge

import "errors"

var ErrNoGPIO = errors.New("bridge: GPIO character device not supported on this platform")

// EnableLine drives the output-enable input of a level shifter between the
// bridge and the strips
type EnableLine interface {
	SetValue(value int) error
	Close() error
}
