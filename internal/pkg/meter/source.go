package meter

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source simulates one meter channel ("Load" or "Generator"). Once started
// its generation loop runs for the lifetime of the process; pausing only
// skips the production step, it never stops the loop.
type Source struct {
	name    string
	deliver func(Reading)
	ipAddr  string
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
	running bool
	lower   float64
	upper   float64
}

// NewSource creates a channel producing readings every [lower, upper]
// seconds. The delivery callback is invoked once per reading; its failures
// are contained and never stop the loop.
func NewSource(name string, lower, upper float64, deliver func(Reading)) *Source {
	return &Source{
		name:    name,
		deliver: deliver,
		ipAddr:  localIP(),
		logger:  zap.L().With(zap.String("channel", name)),
		running: true,
		lower:   lower,
		upper:   upper,
	}
}

func (s *Source) Name() string {
	return s.name
}

// Start spawns the generation loop. Idempotent: a second call is a warned
// no-op.
func (s *Source) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.logger.Warn("source already started")
		return
	}
	s.started = true
	go s.run()
	s.logger.Info("source started")
}

// Pause stops reading production without stopping the loop.
func (s *Source) Pause() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("source paused")
}

// Resume restarts reading production.
func (s *Source) Resume() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.logger.Info("source resumed")
}

// SetIntervalBounds updates the sleep interval range. The new bounds take
// effect on the next loop iteration without a restart.
func (s *Source) SetIntervalBounds(lower, upper float64) {
	s.mu.Lock()
	s.lower, s.upper = lower, upper
	s.mu.Unlock()
	s.logger.Info("interval bounds updated", zap.Float64("lower", lower), zap.Float64("upper", upper))
}

func (s *Source) run() {
	for {
		if s.isRunning() {
			s.produce()
		}
		time.Sleep(s.sampleInterval())
	}
}

func (s *Source) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// produce generates one reading and hands it to the delivery callback. Any
// failure, including a panicking callback, is logged and swallowed so the
// loop keeps going.
func (s *Source) produce() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("delivery callback error", zap.Any("panic", r))
		}
	}()

	reading := Reading{
		Voltage:   round2(210 + rand.Float64()*(240-210)),
		Current:   round2(0.1 + rand.Float64()*(10.0-0.1)),
		IPAddr:    s.ipAddr,
		Timestamp: time.Now().Format(timestampLayout),
	}
	reading.Power = round2(reading.Voltage * reading.Current)

	s.logger.Debug("reading generated",
		zap.Float64("voltage", reading.Voltage),
		zap.Float64("current", reading.Current),
		zap.Float64("power", reading.Power))

	if s.deliver != nil {
		s.deliver(reading)
	}
}

// sampleInterval draws the next sleep duration from the current bounds,
// re-read fresh each iteration. Inverted bounds are swapped rather than
// crashing the loop.
func (s *Source) sampleInterval() time.Duration {
	s.mu.Lock()
	lower, upper := s.lower, s.upper
	s.mu.Unlock()

	if lower > upper {
		lower, upper = upper, lower
	}
	secs := lower + rand.Float64()*(upper-lower)
	return time.Duration(secs * float64(time.Second))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
