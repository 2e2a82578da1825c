package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownDroneReference is returned when a command targets a drone the
	// remote system does not know, or the drone id is empty
	ErrUnknownDroneReference = errors.New("unknown drone reference")

	// ErrCommandTransport is returned when the command could not be delivered
	// or the remote system answered with an unexpected response
	ErrCommandTransport = errors.New("command transport error")

	// ErrUnsupportedCommand is returned for commands outside the supported set
	ErrUnsupportedCommand = errors.New("unsupported command")
)

// Command is an instruction addressed to a single drone
type Command string

const (
	// RTB orders the drone to return to base
	RTB Command = "RTB"
)

// ParseCommand converts a string to a supported Command
func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case RTB:
		return c, nil
	default:
		return "", fmt.Errorf("%w: '%s'", ErrUnsupportedCommand, s)
	}
}

// Outcome is the result of a single command request
type Outcome struct {
	RequestID  uuid.UUID
	DroneID    string
	Command    Command
	StatusCode int // HTTP status, 0 when no response was received
	Response   any // Decoded JSON response body, if any
	SentAt     time.Time
	Duration   time.Duration
	Err        error
}

// OK reports whether the remote system accepted the command
func (o Outcome) OK() bool {
	return o.Err == nil
}

// MarshalJSON encodes the outcome for operators
func (o Outcome) MarshalJSON() ([]byte, error) {
	var errMsg string
	if o.Err != nil {
		errMsg = o.Err.Error()
	}

	return json.Marshal(struct {
		RequestID  uuid.UUID `json:"request_id"`
		DroneID    string    `json:"drone_id"`
		Command    Command   `json:"command"`
		OK         bool      `json:"ok"`
		StatusCode int       `json:"status_code,omitempty"`
		Response   any       `json:"response,omitempty"`
		SentAt     time.Time `json:"sent_at"`
		Duration   string    `json:"duration"`
		Error      string    `json:"error,omitempty"`
	}{
		RequestID:  o.RequestID,
		DroneID:    o.DroneID,
		Command:    o.Command,
		OK:         o.OK(),
		StatusCode: o.StatusCode,
		Response:   o.Response,
		SentAt:     o.SentAt,
		Duration:   o.Duration.String(),
		Error:      errMsg,
	})
}
