package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedEvent is returned for any message that cannot be turned into an Event
var ErrMalformedEvent = errors.New("malformed event")

// Layouts accepted for alert timestamps. The backend emits naive ISO-8601
// timestamps in UTC, other producers use RFC 3339.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

type envelope struct {
	Type *string `json:"type"`
}

type rawLocation struct {
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Altitude *float64 `json:"altitude"`
}

type rawTelemetry struct {
	DroneID             *string      `json:"drone_id"`
	Location            *rawLocation `json:"location"`
	BatteryLevel        *float64     `json:"battery_level"`
	ReconstructionError *float64     `json:"reconstruction_error"`
	Threshold           *float64     `json:"threshold"`
	IsAnomaly           *bool        `json:"is_anomaly"`
	AnomalyType         *string      `json:"anomaly_type"`
	Status              *string      `json:"status"`
	Timestamp           *string      `json:"timestamp"`
}

type rawAlert struct {
	DroneID     *string `json:"drone_id"`
	AnomalyType *string `json:"anomaly_type"`
	Timestamp   *string `json:"timestamp"`
}

// Decode validates a raw stream message and returns the typed event it
// carries. Every failure wraps ErrMalformedEvent.
func Decode(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if env.Type == nil {
		return nil, missingField("type")
	}

	var ev Event
	var err error
	switch Kind(*env.Type) {
	case KindTelemetry:
		ev, err = decodeTelemetry(payload)

	case KindAlert:
		ev, err = decodeAlert(payload)

	default:
		err = fmt.Errorf("%w: unknown type '%s'", ErrMalformedEvent, *env.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeTelemetry(payload []byte) (*Telemetry, error) {
	var raw rawTelemetry
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: telemetry: %w", ErrMalformedEvent, err)
	}

	if err := requireID(raw.DroneID); err != nil {
		return nil, err
	}
	if raw.Location == nil {
		return nil, missingField("location")
	}

	required := []struct {
		name  string
		value *float64
	}{
		{"location.lat", raw.Location.Lat},
		{"location.lon", raw.Location.Lon},
		{"location.altitude", raw.Location.Altitude},
		{"battery_level", raw.BatteryLevel},
		{"reconstruction_error", raw.ReconstructionError},
		{"threshold", raw.Threshold},
	}
	for _, f := range required {
		if f.value == nil {
			return nil, missingField(f.name)
		}
	}
	if raw.IsAnomaly == nil {
		return nil, missingField("is_anomaly")
	}

	t := Telemetry{
		ID: *raw.DroneID,
		Location: Location{
			Lat:      *raw.Location.Lat,
			Lon:      *raw.Location.Lon,
			Altitude: *raw.Location.Altitude,
		},
		BatteryLevel:        *raw.BatteryLevel,
		ReconstructionError: *raw.ReconstructionError,
		Threshold:           *raw.Threshold,
		IsAnomaly:           *raw.IsAnomaly,
		AnomalyType:         raw.AnomalyType,
	}
	if raw.Status != nil {
		t.Status = *raw.Status
	}

	// the producer clock is informational, a bad value is not worth dropping the report
	if raw.Timestamp != nil {
		if ts, err := parseTimestamp(*raw.Timestamp); err == nil {
			t.Timestamp = &ts
		}
	}

	return &t, nil
}

func decodeAlert(payload []byte) (*Alert, error) {
	var raw rawAlert
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: alert: %w", ErrMalformedEvent, err)
	}

	if err := requireID(raw.DroneID); err != nil {
		return nil, err
	}
	if raw.AnomalyType == nil {
		return nil, missingField("anomaly_type")
	}
	if raw.Timestamp == nil {
		return nil, missingField("timestamp")
	}

	ts, err := parseTimestamp(*raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: field 'timestamp': %w", ErrMalformedEvent, err)
	}

	return &Alert{
		ID:          *raw.DroneID,
		AnomalyType: *raw.AnomalyType,
		Timestamp:   ts,
	}, nil
}

func requireID(id *string) error {
	if id == nil {
		return missingField("drone_id")
	}
	if strings.TrimSpace(*id) == "" {
		return fmt.Errorf("%w: field 'drone_id' is empty", ErrMalformedEvent)
	}
	return nil
}

func missingField(name string) error {
	return fmt.Errorf("%w: missing field '%s'", ErrMalformedEvent, name)
}

func parseTimestamp(value string) (time.Time, error) {
	var firstErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
