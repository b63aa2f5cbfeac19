package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusFillsDefaults(t *testing.T) {
	b := NewBus(zap.NewNop(), 10)
	fixed := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)
	b.nowFunc = func() time.Time { return fixed }

	b.Emit(Record{Type: TypeRelayControl, Message: "channel 1 on"})

	got := b.Recent(0)
	require.Len(t, got, 1)
	assert.Equal(t, fixed, got[0].Timestamp)
	assert.Equal(t, LevelInfo, got[0].Level)
}

func TestBusSubscribe(t *testing.T) {
	b := NewBus(zap.NewNop(), 10)
	ch, cancel := b.Subscribe(4)

	b.Emit(Record{Type: TypeAlert, Level: LevelWarning, Message: "too hot"})

	select {
	case r := <-ch:
		assert.Equal(t, "too hot", r.Message)
	case <-time.After(time.Second):
		t.Fatal("no record delivered")
	}

	cancel()
	cancel() // idempotent
	_, open := <-ch
	assert.False(t, open)

	// emitting after cancel must not panic
	b.Emit(Record{Message: "after"})
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(zap.NewNop(), 10)
	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Emit(Record{Message: fmt.Sprintf("r%d", i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full subscriber")
	}
}

func TestRecentKeepsNewest(t *testing.T) {
	b := NewBus(zap.NewNop(), 3)
	for i := 0; i < 5; i++ {
		b.Emit(Record{Message: fmt.Sprintf("r%d", i)})
	}

	got := b.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "r2", got[0].Message)
	assert.Equal(t, "r4", got[2].Message)

	got = b.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "r3", got[0].Message)
}
