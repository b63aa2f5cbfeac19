package bus

// GPIOConfig maps channel indices onto BCM line offsets.
type GPIOConfig struct {
	Chip string // e.g. gpiochip0
	Pins []int  // Pins[i] drives channel i
	// ActiveLow inverts the outputs, as on most opto-isolated relay boards.
	ActiveLow bool
}

// DefaultGPIOPins is the wiring of an 8-channel Raspberry Pi relay HAT.
var DefaultGPIOPins = []int{5, 6, 13, 16, 19, 20, 21, 26}
