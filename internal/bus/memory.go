package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Write is one recorded output change.
type Write struct {
	Index int
	On    bool
}

// Memory is an in-memory relay board. It backs simulation mode and lets
// tests script failures and latency.
type Memory struct {
	mu     sync.Mutex
	states []bool
	writes []Write
	fails  map[int]int
	closed bool

	// Delay, if set, is applied to every Write (honours ctx).
	Delay time.Duration
	// FailAlways, if set, is returned by every Write.
	FailAlways error
}

// NewMemory creates a board with n outputs, all off.
func NewMemory(n int) *Memory {
	return &Memory{
		states: make([]bool, n),
		fails:  make(map[int]int),
	}
}

// FailNext makes the next count writes to index fail.
func (m *Memory) FailNext(index, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[index] = count
}

// Set changes an output without recording a write, as if switched by hand.
func (m *Memory) Set(index int, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.states) {
		m.states[index] = on
	}
}

// Writes returns a copy of the write log.
func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

// WritesTo returns the writes recorded for one index.
func (m *Memory) WritesTo(index int) []Write {
	var out []Write
	for _, w := range m.Writes() {
		if w.Index == index {
			out = append(out, w)
		}
	}
	return out
}

// State returns the current state of an output.
func (m *Memory) State(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.states) {
		return false
	}
	return m.states[index]
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) Write(ctx context.Context, index int, on bool) error {
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkIndex(index, len(m.states)); err != nil {
		return err
	}
	if m.FailAlways != nil {
		return m.FailAlways
	}
	if m.fails[index] > 0 {
		m.fails[index]--
		return errors.New("bus: simulated write failure")
	}
	m.states[index] = on
	m.writes = append(m.writes, Write{Index: index, On: on})
	return nil
}

func (m *Memory) Read(_ context.Context, index int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkIndex(index, len(m.states)); err != nil {
		return false, err
	}
	return m.states[index], nil
}

func (m *Memory) ReadAll(_ context.Context) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.states))
	copy(out, m.states)
	return out, nil
}

// Close marks the board as closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
