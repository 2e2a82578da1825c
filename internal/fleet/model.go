package fleet

import (
	"encoding/json"
	"slices"
	"sort"
	"time"

	"github.com/roman-kulish/fleet-monitor/internal/telemetry"
)

const (
	// DefaultHistorySize is the number of reconstruction error samples kept per drone
	DefaultHistorySize = 50

	// DefaultAlertLogSize is the number of alerts kept before the oldest are evicted
	DefaultAlertLogSize = 1000
)

// HistoryEntry is a single reconstruction error sample
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Error     float64   `json:"error"`
}

// DroneState is the reconciled state of one drone. Values handed out by a
// Snapshot are copies, changing them has no effect on the reconciler.
type DroneState struct {
	ID                  string             `json:"drone_id"`
	Location            telemetry.Location `json:"location"`
	BatteryLevel        float64            `json:"battery_level"`
	ReconstructionError float64            `json:"reconstruction_error"`
	Threshold           float64            `json:"threshold"`
	IsAnomaly           bool               `json:"is_anomaly"`
	AnomalyType         *string            `json:"anomaly_type"`
	Status              string             `json:"status,omitempty"`
	Heading             float64            `json:"heading"` // Degrees in (-180, 180], 0 is east
	History             []HistoryEntry     `json:"history"`
	UpdatedAt           time.Time          `json:"updated_at"`
	Updates             uint64             `json:"updates"`
}

func (d *DroneState) clone() DroneState {
	c := *d
	c.History = slices.Clone(d.History)
	if d.AnomalyType != nil {
		v := *d.AnomalyType
		c.AnomalyType = &v
	}
	return c
}

// AlertEvent is an entry of the alert log
type AlertEvent struct {
	DroneID     string    `json:"drone_id"`
	AnomalyType string    `json:"anomaly_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// Snapshot is an immutable view of the fleet at one point of the event
// stream. Snapshots are never modified after they are published, so they can
// be read from any goroutine without locking.
type Snapshot struct {
	version       uint64
	drones        map[string]*DroneState
	alerts        []AlertEvent
	alertsDropped uint64
}

func emptySnapshot() *Snapshot {
	return &Snapshot{drones: make(map[string]*DroneState)}
}

// Version is the number of events applied to produce this snapshot
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Len returns the number of known drones
func (s *Snapshot) Len() int {
	return len(s.drones)
}

// Anomalous returns the number of drones whose last telemetry was flagged
func (s *Snapshot) Anomalous() int {
	var n int
	for _, d := range s.drones {
		if d.IsAnomaly {
			n++
		}
	}
	return n
}

// Drone returns the state of the drone with the given id
func (s *Snapshot) Drone(id string) (DroneState, bool) {
	d, ok := s.drones[id]
	if !ok {
		return DroneState{}, false
	}
	return d.clone(), true
}

// Drones returns the state of all known drones sorted by id
func (s *Snapshot) Drones() []DroneState {
	drones := make([]DroneState, 0, len(s.drones))
	for _, d := range s.drones {
		drones = append(drones, d.clone())
	}

	sort.Slice(drones, func(i, j int) bool {
		return drones[i].ID < drones[j].ID
	})
	return drones
}

// Alerts returns the retained alert log, oldest first
func (s *Snapshot) Alerts() []AlertEvent {
	return slices.Clone(s.alerts)
}

// AlertCount returns the number of alerts held in the log
func (s *Snapshot) AlertCount() int {
	return len(s.alerts)
}

// AlertsDropped is the number of alerts evicted from the log so far
func (s *Snapshot) AlertsDropped() uint64 {
	return s.alertsDropped
}

// MarshalJSON encodes the snapshot for view consumers
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version       uint64       `json:"version"`
		Drones        []DroneState `json:"drones"`
		Alerts        []AlertEvent `json:"alerts"`
		AlertsDropped uint64       `json:"alerts_dropped"`
	}{
		Version:       s.version,
		Drones:        s.Drones(),
		Alerts:        s.Alerts(),
		AlertsDropped: s.alertsDropped,
	})
}

// withDrone returns a copy of the snapshot with one drone replaced. The
// states of all other drones are shared with s.
func (s *Snapshot) withDrone(d *DroneState) *Snapshot {
	drones := make(map[string]*DroneState, len(s.drones)+1)
	for id, state := range s.drones {
		drones[id] = state
	}
	drones[d.ID] = d

	return &Snapshot{
		version:       s.version + 1,
		drones:        drones,
		alerts:        s.alerts,
		alertsDropped: s.alertsDropped,
	}
}

// withAlert returns a copy of the snapshot with an alert appended to the
// log, evicting the oldest entries beyond limit.
func (s *Snapshot) withAlert(a AlertEvent, limit int) *Snapshot {
	dropped := s.alertsDropped
	kept := s.alerts
	if over := len(kept) + 1 - limit; over > 0 {
		kept = kept[over:]
		dropped += uint64(over)
	}

	alerts := make([]AlertEvent, len(kept), len(kept)+1)
	copy(alerts, kept)
	alerts = append(alerts, a)

	return &Snapshot{
		version:       s.version + 1,
		drones:        s.drones,
		alerts:        alerts,
		alertsDropped: dropped,
	}
}
