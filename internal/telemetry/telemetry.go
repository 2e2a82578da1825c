package telemetry

import (
	"time"
)

const (
	KindTelemetry Kind = "telemetry"
	KindAlert     Kind = "alert"
)

// Kind is the value of the "type" discriminant of an inbound message
type Kind string

// Event is one decoded message of the dashboard stream. The set of
// implementations is closed: *Telemetry and *Alert.
type Event interface {
	Kind() Kind
	DroneID() string

	event()
}

// Location is the reported position of a drone
type Location struct {
	Lat      float64 `json:"lat"`      // Latitude in degrees
	Lon      float64 `json:"lon"`      // Longitude in degrees
	Altitude float64 `json:"altitude"` // Altitude in meters
}

// Telemetry is a periodic state report of a single drone, enriched by the
// backend with the anomaly detector verdict.
type Telemetry struct {
	ID                  string     `json:"drone_id"`
	Location            Location   `json:"location"`
	BatteryLevel        float64    `json:"battery_level"`        // Battery charge in percent
	ReconstructionError float64    `json:"reconstruction_error"` // Anomaly score
	Threshold           float64    `json:"threshold"`            // Anomaly decision boundary
	IsAnomaly           bool       `json:"is_anomaly"`
	AnomalyType         *string    `json:"anomaly_type,omitempty"`
	Status              string     `json:"status,omitempty"`    // Producer status, e.g. "Active"
	Timestamp           *time.Time `json:"timestamp,omitempty"` // Producer clock, informational only
}

func (t *Telemetry) Kind() Kind      { return KindTelemetry }
func (t *Telemetry) DroneID() string { return t.ID }
func (t *Telemetry) event()          {}

// Alert is raised by the backend when a drone is classified as anomalous
type Alert struct {
	ID          string    `json:"drone_id"`
	AnomalyType string    `json:"anomaly_type"`
	Timestamp   time.Time `json:"timestamp"`
}

func (a *Alert) Kind() Kind      { return KindAlert }
func (a *Alert) DroneID() string { return a.ID }
func (a *Alert) event()          {}
