package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roman-kulish/fleet-monitor/internal/api"
	"github.com/roman-kulish/fleet-monitor/internal/command"
	"github.com/roman-kulish/fleet-monitor/internal/fleet"
	"github.com/roman-kulish/fleet-monitor/internal/metrics"
	"github.com/roman-kulish/fleet-monitor/internal/stream"
)

// Run starts the monitor and blocks until ctx is cancelled or one of its
// parts fails
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	m := metrics.New()

	reconciler, err := fleet.NewReconciler(
		fleet.WithHistorySize(config.Fleet.HistorySize),
		fleet.WithAlertLogSize(config.Fleet.AlertLogSize),
	)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	dispatcher, err := command.NewDispatcher(config.Commands.BaseURL,
		command.WithLogger(logger),
		command.WithTimeout(config.Commands.Timeout.Duration()),
		command.WithOutcomeCacheSize(config.Commands.OutcomeCacheSize),
		command.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("failed to create command dispatcher: %w", err)
	}
	defer dispatcher.Wait()

	client, err := stream.NewClient(config.Stream.URL,
		stream.WithLogger(logger),
		stream.WithHandshakeTimeout(config.Stream.HandshakeTimeout.Duration()),
		stream.WithReconnect(config.Stream.ReconnectMin.Duration(), config.Stream.ReconnectMax.Duration()),
	)
	if err != nil {
		return fmt.Errorf("failed to create stream client: %w", err)
	}

	monitor := NewMonitor(reconciler, WithMonitorLogger(logger), WithMonitorMetrics(m))

	logger.Info("starting fleet monitor",
		slog.String("stream", config.Stream.URL),
		slog.String("commands", config.Commands.BaseURL),
		slog.Bool("api", config.API.Enabled),
	)

	g, ctx := errgroup.WithContext(ctx)
	messages := make(chan stream.Message, 16)

	g.Go(func() error {
		defer close(messages)
		return client.Run(ctx, messages)
	})

	g.Go(func() error {
		return monitor.Run(ctx, messages)
	})

	if config.API.Enabled {
		server := api.NewServer(reconciler, dispatcher,
			api.WithLogger(logger),
			api.WithMetricsHandler(m.Handler()),
		)

		g.Go(func() error {
			return server.ListenAndServe(ctx, config.API.Listen)
		})
	}

	if interval := config.Settings.SummaryInterval.Duration(); interval > 0 {
		g.Go(func() error {
			return runSummary(ctx, interval, reconciler, logger)
		})
	}

	if err = g.Wait(); err != nil {
		return err
	}

	logger.Info("fleet monitor stopped", slog.Uint64("version", reconciler.Snapshot().Version()))
	return nil
}
