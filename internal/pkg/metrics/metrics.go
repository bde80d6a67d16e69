package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReadingsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metersim_readings_total",
		Help: "The total number of readings generated per channel",
	}, []string{"channel"})

	BusPublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metersim_bus_publishes_total",
		Help: "The total number of readings published to the message bus",
	})

	BusPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metersim_bus_publish_failures_total",
		Help: "The total number of failed message bus publishes",
	})

	BusConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metersim_bus_connects_total",
		Help: "The total number of established message bus connections",
	})

	ControlActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metersim_control_actions_total",
		Help: "The total number of control actions applied",
	}, []string{"action", "origin"})

	BroadcastClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metersim_broadcast_clients",
		Help: "The number of connected live-broadcast clients",
	})
)
