package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, s := range []string{"modbus", "gpio", "sim"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, Kind(s), k)
	}
	_, err := ParseKind("serial")
	assert.Error(t, err)
}

func TestMemoryWriteRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(4)

	require.NoError(t, m.Write(ctx, 2, true))
	on, err := m.Read(ctx, 2)
	require.NoError(t, err)
	assert.True(t, on)

	all, err := m.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true, false}, all)
	assert.Equal(t, []Write{{Index: 2, On: true}}, m.Writes())
}

func TestMemoryIndexOutOfRange(t *testing.T) {
	m := NewMemory(2)
	err := m.Write(context.Background(), 2, true)
	assert.True(t, errors.Is(err, ErrIndex))
	_, err = m.Read(context.Background(), -1)
	assert.True(t, errors.Is(err, ErrIndex))
}

func TestMemoryFailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	m.FailNext(1, 2)

	assert.Error(t, m.Write(ctx, 1, true))
	assert.Error(t, m.Write(ctx, 1, true))
	assert.NoError(t, m.Write(ctx, 1, true))
	assert.True(t, m.State(1))
	assert.Len(t, m.WritesTo(1), 1)
}

func TestMemoryDelayHonoursContext(t *testing.T) {
	m := NewMemory(1)
	m.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := m.Write(ctx, 0, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, m.State(0))
}

type fakeCoils struct {
	coils    []bool
	writeErr error
	readErr  error
}

func (f *fakeCoils) WriteSingleCoil(address, value uint16) ([]byte, error) {
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.coils[address] = value == coilOn
	return []byte{byte(address >> 8), byte(address), byte(value >> 8), byte(value)}, nil
}

func (f *fakeCoils) ReadCoils(address, quantity uint16) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]byte, (quantity+7)/8)
	for i := uint16(0); i < quantity; i++ {
		if f.coils[address+i] {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out, nil
}

func TestModbusWriteAndReadAll(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCoils{coils: make([]bool, 16)}
	m := newModbusWithClient(fc, 16)

	require.NoError(t, m.Write(ctx, 0, true))
	require.NoError(t, m.Write(ctx, 9, true))
	require.NoError(t, m.Write(ctx, 15, true))
	require.NoError(t, m.Write(ctx, 15, false))

	on, err := m.Read(ctx, 9)
	require.NoError(t, err)
	assert.True(t, on)

	all, err := m.ReadAll(ctx)
	require.NoError(t, err)
	want := make([]bool, 16)
	want[0], want[9] = true, true
	assert.Equal(t, want, all)
}

func TestModbusWrapsErrors(t *testing.T) {
	ctx := context.Background()
	fc := &fakeCoils{coils: make([]bool, 4), writeErr: errors.New("crc error")}
	m := newModbusWithClient(fc, 4)

	err := m.Write(ctx, 1, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write coil 1")
	assert.Contains(t, err.Error(), "crc error")

	assert.ErrorIs(t, m.Write(ctx, 4, true), ErrIndex)
}

func TestModbusCancelledContext(t *testing.T) {
	fc := &fakeCoils{coils: make([]bool, 4)}
	m := newModbusWithClient(fc, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Write(ctx, 0, true), context.Canceled)
	assert.False(t, fc.coils[0])
}

func TestModbusWriteExpiresWhileQueued(t *testing.T) {
	fc := &fakeCoils{coils: make([]bool, 4)}
	m := newModbusWithClient(fc, 4)
	ctx, cancel := context.WithCancel(context.Background())

	// another request owns the line
	m.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- m.Write(ctx, 0, true) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	m.mu.Unlock()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, fc.coils[0])
}

func TestUnpackCoils(t *testing.T) {
	got, err := unpackCoils([]byte{0x05, 0x80}, 16)
	require.NoError(t, err)
	assert.True(t, got[0])
	assert.False(t, got[1])
	assert.True(t, got[2])
	assert.True(t, got[15])

	_, err = unpackCoils([]byte{0x01}, 16)
	assert.Error(t, err)
}
