package network

import (
	"context"
	"sync"
	"time"

	"migranthub/internal/events"

	"github.com/rs/zerolog"
)

// Prober is the connectivity primitive the monitor polls.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

type Config struct {
	PollInterval time.Duration
	// StabilityWindow is how long a raw online signal must hold before the monitor goes online.
	StabilityWindow time.Duration
	// OfflineStabilityWindow is the same for going offline; zero reports drops immediately.
	OfflineStabilityWindow time.Duration
	Clock                  func() time.Time
}

// Monitor turns a noisy connectivity signal into debounced online/offline edges.
type Monitor struct {
	cfg    Config
	prober Prober
	logger *zerolog.Logger
	bus    *events.EventBus

	// emitMu is held across a state change and its emit so listeners see edges
	// in the order they happened. Listeners must not call Set or Observe.
	emitMu sync.Mutex

	mu             sync.Mutex
	online         bool
	candidate      *bool
	candidateSince time.Time
}

// NewMonitor builds a monitor starting in the given state. prober may be nil when
// signals are pushed through Observe.
func NewMonitor(cfg Config, prober Prober, initial bool, logger *zerolog.Logger) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Monitor{
		cfg:    cfg,
		prober: prober,
		logger: logger,
		bus:    events.NewEventBus(),
		online: initial,
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange subscribes to edges. The listener receives the new state only when it differs from the previous one.
func (m *Monitor) OnChange(listener func(online bool)) func() {
	return m.bus.Subscribe(events.EventNetworkChanged, func(e *events.Event) {
		listener(e.Payload.(bool))
	})
}

// Observe feeds one raw connectivity sample taken at the monitor's clock.
func (m *Monitor) Observe(raw bool) {
	now := m.cfg.Clock()

	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if raw == m.online {
		m.candidate = nil
		m.mu.Unlock()
		return
	}

	window := m.cfg.StabilityWindow
	if !raw {
		window = m.cfg.OfflineStabilityWindow
	}

	if m.candidate == nil || *m.candidate != raw {
		v := raw
		m.candidate = &v
		m.candidateSince = now
	}
	if now.Sub(m.candidateSince) < window {
		m.mu.Unlock()
		return
	}

	m.online = raw
	m.candidate = nil
	m.mu.Unlock()

	m.logger.Info().Bool("online", raw).Msg("network state changed")
	m.bus.Emit(events.EventNetworkChanged, raw)
}

// Set forces the state without debouncing, e.g. when an operator toggles offline mode.
func (m *Monitor) Set(online bool) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.candidate = nil
	m.mu.Unlock()

	if changed {
		m.bus.Emit(events.EventNetworkChanged, online)
	}
}

// Run polls the prober until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.Observe(m.prober.Probe(ctx))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
