package coordinator

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/anicoll/metersim/internal/pkg/config"
	"github.com/anicoll/metersim/internal/pkg/meter"
	"github.com/anicoll/metersim/internal/pkg/metrics"
)

const (
	// OriginUI tags actions arriving from the live-broadcast channel.
	OriginUI = "UI"
	// OriginBus tags actions arriving from the message bus.
	OriginBus = "MQTT"

	// ChannelConsumed and ChannelGenerated are the wrap keys readings are
	// published and broadcast under.
	ChannelConsumed  = "consumed"
	ChannelGenerated = "generated"

	// EventReading and EventMessage are the broadcast event names.
	EventReading = "meter_reading"
	EventMessage = "mqtt_message"

	ActionPause  = "PAUSE"
	ActionResume = "RESUME"
)

type meterSource interface {
	Pause()
	Resume()
	SetIntervalBounds(lower, upper float64)
}

type busClient interface {
	StartClient(cfg config.Config)
	StopClient()
	SafePublish(payload any)
}

type broadcaster interface {
	Emit(event string, payload any)
}

// Coordinator is the composition point of the runtime: it fans readings out
// to the bus and the live broadcast, applies config changes to the sources
// and the bus client, and normalizes control actions from either side.
type Coordinator struct {
	consumer  meterSource
	generator meterSource
	bus       busClient
	broadcast broadcaster
	logger    *zap.Logger

	// fanoutMu keeps each reading's publish/broadcast pair contiguous:
	// reading B's pair can never interleave with reading A's.
	fanoutMu sync.Mutex
}

func New(consumer, generator meterSource, bus busClient, broadcast broadcaster) *Coordinator {
	return &Coordinator{
		consumer:  consumer,
		generator: generator,
		bus:       bus,
		broadcast: broadcast,
		logger:    zap.L(),
	}
}

// HandleReading wraps the reading under its channel key and delivers it to
// both sinks under the shared fan-out lock.
func (c *Coordinator) HandleReading(channel string, reading meter.Reading) {
	metrics.ReadingsGenerated.WithLabelValues(channel).Inc()
	payload := map[string]meter.Reading{channel: reading}

	c.fanoutMu.Lock()
	defer c.fanoutMu.Unlock()
	c.bus.SafePublish(payload)
	c.broadcast.Emit(EventReading, payload)
}

// ApplyAction normalizes a PAUSE/RESUME token (case-insensitive), applies it
// to both channels uniformly and announces it to broadcast listeners tagged
// with its origin. Unknown actions are warn-logged and ignored.
func (c *Coordinator) ApplyAction(action, origin string) {
	normalized := strings.ToUpper(strings.TrimSpace(action))
	switch normalized {
	case ActionResume:
		c.consumer.Resume()
		c.generator.Resume()
	case ActionPause:
		c.consumer.Pause()
		c.generator.Pause()
	default:
		c.logger.Warn("unknown control action", zap.String("action", action), zap.String("origin", origin))
		return
	}

	c.logger.Info("control action executed", zap.String("action", normalized), zap.String("origin", origin))
	metrics.ControlActions.WithLabelValues(normalized, origin).Inc()
	c.broadcast.Emit(EventMessage, map[string]string{
		"message": fmt.Sprintf("Action: %s (%s)", normalized, origin),
	})
}

// ApplyConfig pushes new interval bounds to both channels and restarts the
// bus client with the new settings. The bus session has no incremental
// update path, it is always replaced wholesale.
func (c *Coordinator) ApplyConfig(cfg config.Config) {
	c.logger.Info("applying new configuration")
	c.consumer.SetIntervalBounds(cfg.IntervalConsumedLower, cfg.IntervalConsumedUpper)
	c.generator.SetIntervalBounds(cfg.IntervalGeneratedLower, cfg.IntervalGeneratedUpper)
	c.bus.StopClient()
	c.bus.StartClient(cfg)
}
