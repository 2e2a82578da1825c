package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/fleet-monitor/internal/fleet"
)

// runSummary periodically logs an overview of the fleet until ctx is cancelled
func runSummary(ctx context.Context, interval time.Duration, reconciler *fleet.Reconciler, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			logger.Info("fleet summary", summarize(reconciler.Snapshot(), now)...)
		}
	}
}

func summarize(snap *fleet.Snapshot, now time.Time) []any {
	attrs := []any{
		slog.String("events", humanize.Comma(int64(snap.Version()))),
		slog.Int("drones", snap.Len()),
		slog.Int("anomalous", snap.Anomalous()),
	}

	var lowest *fleet.DroneState
	drones := snap.Drones()
	for i := range drones {
		if lowest == nil || drones[i].BatteryLevel < lowest.BatteryLevel {
			lowest = &drones[i]
		}
	}
	if lowest != nil {
		attrs = append(attrs, slog.String("lowestBattery",
			lowest.ID+" "+humanize.FtoaWithDigits(lowest.BatteryLevel, 1)+"%"))
	}

	alerts := snap.Alerts()
	attrs = append(attrs, slog.String("alerts", humanize.Comma(int64(len(alerts)))))
	if n := len(alerts); n > 0 {
		last := alerts[n-1]
		attrs = append(attrs, slog.String("lastAlert",
			last.AnomalyType+" on "+last.DroneID+" "+humanize.RelTime(last.Timestamp, now, "ago", "from now")))
	}
	if dropped := snap.AlertsDropped(); dropped > 0 {
		attrs = append(attrs, slog.String("alertsDropped", humanize.Comma(int64(dropped))))
	}

	return attrs
}
