package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdmitRespectsLimit(t *testing.T) {
	cfg := DefaultConfig(1)
	c := New(cfg)

	require.NoError(t, c.Admit(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Admit(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.Release()
	require.NoError(t, c.Admit(context.Background()))
}

func TestEvaluateDecrementsUnderLatencyPressure(t *testing.T) {
	cfg := DefaultConfig(4)
	c := New(cfg)
	for i := 0; i < 10; i++ {
		c.RecordLatency(time.Minute)
	}
	got := c.Evaluate(Signals{})
	require.Equal(t, 3, got)
}

func TestEvaluateIncrementsWithHeadroom(t *testing.T) {
	cfg := DefaultConfig(4)
	c := New(cfg)
	c.current = 2
	got := c.Evaluate(Signals{MemoryPercent: 10})
	require.Equal(t, 3, got)
}

func TestEvaluateFloorsOnBreakerTrip(t *testing.T) {
	cfg := DefaultConfig(10)
	c := New(cfg)
	for i := 0; i < 10; i++ {
		c.RecordLatency(time.Minute)
	}

	// Three consecutive pressure samples trip ReadyToTrip's threshold;
	// each one still only costs the usual one-step AIMD decrement since
	// the breaker is Closed while running them.
	var got int
	for i := 0; i < 3; i++ {
		got = c.Evaluate(Signals{})
	}
	require.Equal(t, 7, got)

	// The breaker is now Open: Execute refuses the call outright, and
	// Evaluate floors the limit instead of decrementing it one more step.
	got = c.Evaluate(Signals{})
	require.Equal(t, 1, got)
}

func TestEvaluateFloorsAtOne(t *testing.T) {
	cfg := DefaultConfig(4)
	c := New(cfg)
	c.current = 1
	for i := 0; i < 10; i++ {
		c.RecordLatency(time.Minute)
	}
	got := c.Evaluate(Signals{})
	require.Equal(t, 1, got)
}
