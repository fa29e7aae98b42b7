//go:build !linux

package bridge

// RequestEnableLine is only available on Linux
func RequestEnableLine(chip string, offset int) (EnableLine, error) {
	return nil, ErrNoGPIO
}
