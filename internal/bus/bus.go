// Package bus drives the relay board. The Modbus and GPIO drivers talk to
// real hardware; the in-memory driver backs simulation mode and tests.
package bus

import (
	"context"
	"errors"
	"fmt"
)

// ErrIndex is returned for a channel index the board does not have.
var ErrIndex = errors.New("bus: channel index out of range")

// Driver writes and reads relay outputs by channel index.
type Driver interface {
	// Write sets one output. on = energised.
	Write(ctx context.Context, index int, on bool) error

	// Read returns the current state of one output.
	Read(ctx context.Context, index int) (bool, error)

	// ReadAll returns every output, indexed by channel index.
	ReadAll(ctx context.Context) ([]bool, error)

	// Close releases the bus.
	Close() error
}

// Kind names a driver implementation for configuration.
type Kind string

const (
	KindModbus Kind = "modbus"
	KindGPIO   Kind = "gpio"
	KindSim    Kind = "sim"
)

// ParseKind validates a -bus flag value.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindModbus, KindGPIO, KindSim:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown bus driver %q (want modbus, gpio or sim)", s)
}

func checkIndex(index, n int) error {
	if index < 0 || index >= n {
		return fmt.Errorf("%w: %d", ErrIndex, index)
	}
	return nil
}
