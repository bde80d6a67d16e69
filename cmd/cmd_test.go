package cmd

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/anicoll/metersim/internal/pkg/config"
	"github.com/anicoll/metersim/internal/pkg/coordinator"
	"github.com/anicoll/metersim/internal/pkg/meter"
)

type recordingBroadcast struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (b *recordingBroadcast) Emit(event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	b.data = append(b.data, payload)
}

func (b *recordingBroadcast) countReadings(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for i, event := range b.events {
		if event != coordinator.EventReading {
			continue
		}
		if _, ok := b.data[i].(map[string]meter.Reading)[channel]; ok {
			count++
		}
	}
	return count
}

func (b *recordingBroadcast) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []string{}
	for i, event := range b.events {
		if event == coordinator.EventMessage {
			out = append(out, b.data[i].(map[string]string)["message"])
		}
	}
	return out
}

type recordingBus struct {
	mu      sync.Mutex
	started []config.Config
	stops   int
}

func (b *recordingBus) StartClient(cfg config.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, cfg)
}

func (b *recordingBus) StopClient() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
}

func (b *recordingBus) SafePublish(payload any) {}

func (b *recordingBus) IsConnected() bool { return false }

func replaceGlobals(t *testing.T) {
	t.Helper()
	original := zap.L()
	zap.ReplaceGlobals(zaptest.NewLogger(t))
	t.Cleanup(func() {
		zap.ReplaceGlobals(original)
	})
}

// wire replicates run()'s composition with a fake bus and a recording
// broadcast sink, fast enough for tests.
func wire(t *testing.T, consumedLower, consumedUpper, generatedLower, generatedUpper float64) (*config.Store, *coordinator.Coordinator, *recordingBroadcast, *recordingBus) {
	t.Helper()
	replaceGlobals(t)

	dir := t.TempDir()
	store := config.NewStore(filepath.Join(dir, "config.json"), filepath.Join(dir, "certs"))
	store.Load()
	store.Update(config.Partial{
		IntervalConsumedLower:  &consumedLower,
		IntervalConsumedUpper:  &consumedUpper,
		IntervalGeneratedLower: &generatedLower,
		IntervalGeneratedUpper: &generatedUpper,
	})
	cfg := store.All()

	broadcast := &recordingBroadcast{}
	bus := &recordingBus{}

	var coord *coordinator.Coordinator
	consumer := meter.NewSource("Load", cfg.IntervalConsumedLower, cfg.IntervalConsumedUpper, func(r meter.Reading) {
		coord.HandleReading(coordinator.ChannelConsumed, r)
	})
	generator := meter.NewSource("Generator", cfg.IntervalGeneratedLower, cfg.IntervalGeneratedUpper, func(r meter.Reading) {
		coord.HandleReading(coordinator.ChannelGenerated, r)
	})
	coord = coordinator.New(consumer, generator, bus, broadcast)
	store.OnChange(coord.ApplyConfig)

	consumer.Start()
	generator.Start()
	return store, coord, broadcast, bus
}

func TestEndToEnd_IntervalReconfigurationChangesOneChannelOnly(t *testing.T) {
	// Load ticks every 200ms, Generator is effectively silent after its
	// first immediate reading.
	store, _, broadcast, bus := wire(t, 0.2, 0.2, 60, 60)

	require.Eventually(t, func() bool {
		return broadcast.countReadings(coordinator.ChannelConsumed) >= 2
	}, 3*time.Second, 5*time.Millisecond)

	// Tighten only the consumed interval at runtime.
	store.Update(config.Partial{
		IntervalConsumedLower: lo.ToPtr(0.01),
		IntervalConsumedUpper: lo.ToPtr(0.01),
	})

	// The config change restarts the bus client with the new snapshot.
	bus.mu.Lock()
	require.NotEmpty(t, bus.started)
	assert.Equal(t, 0.01, bus.started[len(bus.started)-1].IntervalConsumedLower)
	bus.mu.Unlock()

	// The Load channel speeds up without a restart.
	before := broadcast.countReadings(coordinator.ChannelConsumed)
	require.Eventually(t, func() bool {
		return broadcast.countReadings(coordinator.ChannelConsumed) >= before+10
	}, 3*time.Second, 5*time.Millisecond)

	// The Generator channel stays on its prior cadence: at most the one
	// reading produced immediately at startup.
	assert.LessOrEqual(t, broadcast.countReadings(coordinator.ChannelGenerated), 1)
}

func TestEndToEnd_PauseAndResumeFromUI(t *testing.T) {
	_, coord, broadcast, _ := wire(t, 0.005, 0.01, 0.005, 0.01)

	require.Eventually(t, func() bool {
		return broadcast.countReadings(coordinator.ChannelConsumed) > 0 &&
			broadcast.countReadings(coordinator.ChannelGenerated) > 0
	}, 3*time.Second, time.Millisecond)

	coord.ApplyAction("PAUSE", coordinator.OriginUI)
	assert.Contains(t, broadcast.messages(), "Action: PAUSE (UI)")

	// Let in-flight iterations drain, then verify both channels are quiet.
	time.Sleep(50 * time.Millisecond)
	consumed := broadcast.countReadings(coordinator.ChannelConsumed)
	generated := broadcast.countReadings(coordinator.ChannelGenerated)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, consumed, broadcast.countReadings(coordinator.ChannelConsumed))
	assert.Equal(t, generated, broadcast.countReadings(coordinator.ChannelGenerated))

	coord.ApplyAction("resume", coordinator.OriginUI)
	assert.Contains(t, broadcast.messages(), "Action: RESUME (UI)")

	require.Eventually(t, func() bool {
		return broadcast.countReadings(coordinator.ChannelConsumed) > consumed &&
			broadcast.countReadings(coordinator.ChannelGenerated) > generated
	}, 3*time.Second, time.Millisecond)
}

func TestBusWatchdog_ReconnectsWhenHostConfigured(t *testing.T) {
	replaceGlobals(t)

	dir := t.TempDir()
	store := config.NewStore(filepath.Join(dir, "config.json"), filepath.Join(dir, "certs"))
	store.Load()
	store.Update(config.Partial{MqttHost: lo.ToPtr("broker.local")})

	bus := &recordingBus{}
	go func() {
		_ = busWatchdog("@every 10ms", store, bus)
	}()

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		for _, cfg := range bus.started {
			if strings.Contains(cfg.MqttHost, "broker.local") {
				return true
			}
		}
		return false
	}, 3*time.Second, time.Millisecond)
}

func TestBusWatchdog_NoopWithoutHost(t *testing.T) {
	replaceGlobals(t)

	dir := t.TempDir()
	store := config.NewStore(filepath.Join(dir, "config.json"), filepath.Join(dir, "certs"))
	store.Load()

	bus := &recordingBus{}
	go func() {
		_ = busWatchdog("@every 10ms", store, bus)
	}()

	time.Sleep(100 * time.Millisecond)
	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Empty(t, bus.started)
}
