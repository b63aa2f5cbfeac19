//go:build !linux

package bus

import (
	"context"
	"errors"
)

var errGPIOUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// GPIO is not available on non-Linux platforms.
type GPIO struct{}

// NewGPIO returns an error on non-Linux platforms.
func NewGPIO(GPIOConfig) (*GPIO, error) {
	return nil, errGPIOUnsupported
}

func (g *GPIO) Write(context.Context, int, bool) error { return errGPIOUnsupported }

func (g *GPIO) Read(context.Context, int) (bool, error) { return false, errGPIOUnsupported }

func (g *GPIO) ReadAll(context.Context) ([]bool, error) { return nil, errGPIOUnsupported }

func (g *GPIO) Close() error { return nil }
