package fleet

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/fleet-monitor/internal/geo"
	"github.com/roman-kulish/fleet-monitor/internal/telemetry"
)

// WithHistorySize sets the number of history entries kept per drone
func WithHistorySize(size int) func(*Reconciler) {
	return func(r *Reconciler) {
		r.historySize = size
	}
}

// WithAlertLogSize sets the number of alerts kept in the alert log
func WithAlertLogSize(size int) func(*Reconciler) {
	return func(r *Reconciler) {
		r.alertLogSize = size
	}
}

// WithClock sets the time source used to stamp history entries
func WithClock(now func() time.Time) func(*Reconciler) {
	return func(r *Reconciler) {
		r.now = now
	}
}

// Reconciler merges the event stream into the canonical fleet state.
//
// Every applied event publishes exactly one new Snapshot. Writers are
// serialized, so events are applied strictly in call order; readers load the
// current snapshot without locking and may keep using any snapshot they hold.
type Reconciler struct {
	historySize  int
	alertLogSize int
	now          func() time.Time

	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]

	subsMu sync.Mutex
	subs   map[*subscription]struct{}
}

// NewReconciler creates a Reconciler holding an empty snapshot
func NewReconciler(options ...func(*Reconciler)) (*Reconciler, error) {
	r := Reconciler{
		historySize:  DefaultHistorySize,
		alertLogSize: DefaultAlertLogSize,
		now:          time.Now,
		subs:         make(map[*subscription]struct{}),
	}

	for _, option := range options {
		option(&r)
	}

	if r.historySize <= 0 || r.alertLogSize <= 0 {
		return nil, fmt.Errorf("invalid reconciler parameters: historySize=%d, alertLogSize=%d", r.historySize, r.alertLogSize)
	}

	r.current.Store(emptySnapshot())
	return &r, nil
}

// Snapshot returns the most recently published snapshot
func (r *Reconciler) Snapshot() *Snapshot {
	return r.current.Load()
}

// Apply merges any decoded event into the fleet state. A nil event changes
// nothing and returns the current snapshot.
func (r *Reconciler) Apply(ev telemetry.Event) *Snapshot {
	switch e := ev.(type) {
	case nil:
		return r.Snapshot()

	case *telemetry.Telemetry:
		if e == nil {
			return r.Snapshot()
		}
		return r.ApplyTelemetry(e)

	case *telemetry.Alert:
		if e == nil {
			return r.Snapshot()
		}
		return r.ApplyAlert(e)

	default:
		panic(fmt.Sprintf("fleet: unhandled event type %T", ev))
	}
}

// ApplyTelemetry replaces the reported fields of a drone, derives its heading
// from the previous position and appends the reconstruction error to its
// history. A drone seen for the first time is created.
func (r *Reconciler) ApplyTelemetry(t *telemetry.Telemetry) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	now := r.now()

	next := DroneState{
		ID:                  t.ID,
		Location:            t.Location,
		BatteryLevel:        t.BatteryLevel,
		ReconstructionError: t.ReconstructionError,
		Threshold:           t.Threshold,
		IsAnomaly:           t.IsAnomaly,
		AnomalyType:         copyString(t.AnomalyType),
		Status:              t.Status,
		UpdatedAt:           now,
		Updates:             1,
	}

	var history []HistoryEntry
	if old, ok := prev.drones[t.ID]; ok {
		next.Heading = old.Heading
		next.Updates = old.Updates + 1
		history = old.History

		from := geo.Point{Lat: old.Location.Lat, Lon: old.Location.Lon}
		to := geo.Point{Lat: t.Location.Lat, Lon: t.Location.Lon}
		if !from.Equal(to) {
			next.Heading = geo.Bearing(from, to)
		}
	}
	next.History = appendHistory(history, HistoryEntry{Timestamp: now, Error: t.ReconstructionError}, r.historySize)

	snap := prev.withDrone(&next)
	r.publish(snap)
	return snap
}

// ApplyAlert appends an alert to the log. Alerts never create or change
// drone state.
func (r *Reconciler) ApplyAlert(a *telemetry.Alert) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.current.Load().withAlert(AlertEvent{
		DroneID:     a.ID,
		AnomalyType: a.AnomalyType,
		Timestamp:   a.Timestamp,
	}, r.alertLogSize)

	r.publish(snap)
	return snap
}

func (r *Reconciler) publish(snap *Snapshot) {
	r.current.Store(snap)
	r.notify(snap)
}

// appendHistory returns a new slice holding the last limit entries of
// history followed by e. The input slice is never modified.
func appendHistory(history []HistoryEntry, e HistoryEntry, limit int) []HistoryEntry {
	if over := len(history) + 1 - limit; over > 0 {
		history = history[over:]
	}

	next := make([]HistoryEntry, len(history), len(history)+1)
	copy(next, history)
	return append(next, e)
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
