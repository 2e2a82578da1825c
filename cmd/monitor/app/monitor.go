package app

import (
	"context"
	"io"
	"log/slog"

	"github.com/roman-kulish/fleet-monitor/internal/fleet"
	"github.com/roman-kulish/fleet-monitor/internal/metrics"
	"github.com/roman-kulish/fleet-monitor/internal/stream"
	"github.com/roman-kulish/fleet-monitor/internal/telemetry"
)

// WithMonitorLogger sets the logger for the monitor
func WithMonitorLogger(logger *slog.Logger) func(*Monitor) {
	return func(m *Monitor) {
		m.logger = logger.With(slog.String("component", "monitor"))
	}
}

// WithMonitorMetrics enables pipeline metrics
func WithMonitorMetrics(metrics *metrics.Metrics) func(*Monitor) {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// Monitor is the single consumer of the telemetry stream. Each frame is
// decoded and applied to the fleet state before the next one is read, so
// events take effect in arrival order.
type Monitor struct {
	reconciler *fleet.Reconciler
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewMonitor creates a new Monitor feeding the reconciler
func NewMonitor(reconciler *fleet.Reconciler, options ...func(*Monitor)) *Monitor {
	m := Monitor{
		reconciler: reconciler,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&m)
	}

	return &m
}

// Run consumes messages until ctx is cancelled or messages is closed
func (m *Monitor) Run(ctx context.Context, messages <-chan stream.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			m.handle(msg)
		}
	}
}

func (m *Monitor) handle(msg stream.Message) {
	switch msg.Kind {
	case stream.Connected:
		m.logger.Info("telemetry stream connected")
		if m.metrics != nil {
			m.metrics.StreamConnected.Set(1)
		}

	case stream.Disconnected:
		// fleet state is kept, drones reappear with their next telemetry
		m.logger.Warn("telemetry stream lost", slog.Any("error", msg.Err))
		if m.metrics != nil {
			m.metrics.StreamConnected.Set(0)
			m.metrics.StreamDisconnects.Inc()
		}

	case stream.Data:
		m.handleFrame(msg.Payload)
	}
}

func (m *Monitor) handleFrame(payload []byte) {
	if m.metrics != nil {
		m.metrics.FramesReceived.Inc()
	}

	ev, err := telemetry.Decode(payload)
	if err != nil {
		m.logger.Warn("dropping malformed event", slog.Any("error", err), slog.Int("size", len(payload)))
		if m.metrics != nil {
			m.metrics.EventsMalformed.Inc()
		}
		return
	}

	snap := m.reconciler.Apply(ev)

	switch e := ev.(type) {
	case *telemetry.Alert:
		m.logger.Warn("anomaly alert",
			slog.String("droneID", e.ID),
			slog.String("anomalyType", e.AnomalyType),
			slog.Time("timestamp", e.Timestamp),
		)

	case *telemetry.Telemetry:
		m.logger.Debug("telemetry applied",
			slog.String("droneID", e.ID),
			slog.Bool("isAnomaly", e.IsAnomaly),
			slog.Uint64("version", snap.Version()),
		)
	}

	if m.metrics != nil {
		m.metrics.EventsApplied.WithLabelValues(string(ev.Kind())).Inc()
		m.metrics.ObserveSnapshot(snap)
	}
}
