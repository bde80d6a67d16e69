package meter

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func replaceGlobals(t *testing.T, logger *zap.Logger) {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	original := zap.L()
	zap.ReplaceGlobals(logger)
	t.Cleanup(func() {
		zap.ReplaceGlobals(original)
	})
}

func TestSource_ReadingsWithinBounds(t *testing.T) {
	replaceGlobals(t, nil)

	readings := make(chan Reading, 64)
	src := NewSource("Load", 0.001, 0.002, func(r Reading) {
		select {
		case readings <- r:
		default:
		}
	})
	src.Start()

	for i := 0; i < 20; i++ {
		select {
		case r := <-readings:
			assert.GreaterOrEqual(t, r.Voltage, 210.0)
			assert.LessOrEqual(t, r.Voltage, 240.0)
			assert.GreaterOrEqual(t, r.Current, 0.1)
			assert.LessOrEqual(t, r.Current, 10.0)
			assert.InDelta(t, math.Round(r.Voltage*r.Current*100)/100, r.Power, 1e-9)
			assert.NotEmpty(t, r.IPAddr)
			_, err := time.Parse("2006-01-02 15:04:05", r.Timestamp)
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for readings")
		}
	}
}

func TestSource_PauseStopsDeliveryAndResumeRestartsIt(t *testing.T) {
	replaceGlobals(t, nil)

	var count atomic.Int64
	src := NewSource("Load", 0.001, 0.002, func(Reading) {
		count.Add(1)
	})
	src.Start()

	require.Eventually(t, func() bool {
		return count.Load() > 0
	}, 2*time.Second, time.Millisecond)

	src.Pause()
	// Let any in-flight iteration drain, then confirm production stays flat.
	time.Sleep(20 * time.Millisecond)
	paused := count.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused, count.Load(), "no readings may be delivered while paused")

	// The loop is still alive: resume promptly yields a reading.
	src.Resume()
	require.Eventually(t, func() bool {
		return count.Load() > paused
	}, 2*time.Second, time.Millisecond)
}

func TestSource_StartIsIdempotent(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	replaceGlobals(t, zap.New(core))

	src := NewSource("Generator", 0.001, 0.002, nil)
	src.Start()
	src.Start()

	found := false
	for _, entry := range logs.All() {
		if entry.Message == "source already started" {
			found = true
		}
	}
	assert.True(t, found, "second Start must be a warned no-op")
}

func TestSource_SwappedBoundsDoNotCrashLoop(t *testing.T) {
	replaceGlobals(t, nil)

	var count atomic.Int64
	src := NewSource("Load", 0.005, 0.001, func(Reading) { // lower > upper
		count.Add(1)
	})
	src.Start()

	require.Eventually(t, func() bool {
		return count.Load() > 2
	}, 2*time.Second, time.Millisecond)
}

func TestSource_DeliveryPanicDoesNotStopLoop(t *testing.T) {
	replaceGlobals(t, nil)

	var count atomic.Int64
	src := NewSource("Load", 0.001, 0.002, func(Reading) {
		if count.Add(1) == 1 {
			panic("downstream failure")
		}
	})
	src.Start()

	require.Eventually(t, func() bool {
		return count.Load() > 3
	}, 2*time.Second, time.Millisecond)
}

func TestSource_IntervalUpdateTakesEffectWithoutRestart(t *testing.T) {
	replaceGlobals(t, nil)

	var count atomic.Int64
	src := NewSource("Load", 0.05, 0.05, func(Reading) {
		count.Add(1)
	})
	src.Start()

	require.Eventually(t, func() bool {
		return count.Load() >= 2
	}, 2*time.Second, time.Millisecond)

	// Tighten the bounds while the loop is running; the next sample uses
	// them and the cadence jumps without a restart.
	src.SetIntervalBounds(0.001, 0.002)
	before := count.Load()
	require.Eventually(t, func() bool {
		return count.Load() >= before+20
	}, 2*time.Second, time.Millisecond)
}
