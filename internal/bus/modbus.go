package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// ModbusConfig describes a serial Modbus RTU relay board.
type ModbusConfig struct {
	Port     string // e.g. /dev/ttyUSB0
	BaudRate int
	DataBits int
	Parity   string // "N", "E" or "O"
	StopBits int
	SlaveID  byte
	Timeout  time.Duration
	Channels int
}

// DefaultModbusConfig matches the common 16-channel RS485 relay boards.
func DefaultModbusConfig() ModbusConfig {
	return ModbusConfig{
		Port:     "/dev/ttyUSB0",
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		SlaveID:  1,
		Timeout:  3 * time.Second,
		Channels: 16,
	}
}

// coilClient is the subset of modbus.Client the driver uses.
type coilClient interface {
	WriteSingleCoil(address, value uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
}

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// Modbus drives relays as coils 0..n-1 over Modbus RTU.
// The serial line is shared, so requests are serialised.
type Modbus struct {
	mu       sync.Mutex
	client   coilClient
	closer   func() error
	channels int
}

// NewModbus opens the serial port and connects to the board.
func NewModbus(cfg ModbusConfig) (*Modbus, error) {
	switch cfg.Parity {
	case "N", "E", "O":
	default:
		return nil, fmt.Errorf("modbus: invalid parity %q", cfg.Parity)
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("modbus: channel count must be positive")
	}

	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.BaudRate
	handler.DataBits = cfg.DataBits
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.SlaveId = cfg.SlaveID
	handler.Timeout = cfg.Timeout

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("modbus: connect %s: %w", cfg.Port, err)
	}

	return &Modbus{
		client:   modbus.NewClient(handler),
		closer:   handler.Close,
		channels: cfg.Channels,
	}, nil
}

func newModbusWithClient(c coilClient, channels int) *Modbus {
	return &Modbus{client: c, closer: func() error { return nil }, channels: channels}
}

func (m *Modbus) Write(ctx context.Context, index int, on bool) error {
	if err := checkIndex(index, m.channels); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// the deadline may have passed while queued behind another request
	if err := ctx.Err(); err != nil {
		return err
	}

	value := coilOff
	if on {
		value = coilOn
	}
	if _, err := m.client.WriteSingleCoil(uint16(index), value); err != nil {
		return fmt.Errorf("modbus: write coil %d: %w", index, err)
	}
	return nil
}

func (m *Modbus) Read(ctx context.Context, index int) (bool, error) {
	if err := checkIndex(index, m.channels); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.client.ReadCoils(uint16(index), 1)
	if err != nil {
		return false, fmt.Errorf("modbus: read coil %d: %w", index, err)
	}
	if len(res) < 1 {
		return false, fmt.Errorf("modbus: read coil %d: empty response", index)
	}
	return res[0]&1 != 0, nil
}

func (m *Modbus) ReadAll(ctx context.Context) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.client.ReadCoils(0, uint16(m.channels))
	if err != nil {
		return nil, fmt.Errorf("modbus: read coils: %w", err)
	}
	return unpackCoils(res, m.channels)
}

// Close releases the serial port.
func (m *Modbus) Close() error {
	return m.closer()
}

// unpackCoils expands a coil status response, LSB of the first byte = coil 0.
func unpackCoils(b []byte, n int) ([]bool, error) {
	if len(b)*8 < n {
		return nil, fmt.Errorf("modbus: short coil response: %d bytes for %d coils", len(b), n)
	}
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = b[i/8]&(1<<uint(i%8)) != 0
	}
	return out, nil
}
