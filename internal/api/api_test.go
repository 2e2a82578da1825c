package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roman-kulish/fleet-monitor/internal/command"
	"github.com/roman-kulish/fleet-monitor/internal/fleet"
	"github.com/roman-kulish/fleet-monitor/internal/metrics"
	"github.com/roman-kulish/fleet-monitor/internal/telemetry"
)

type dispatched struct {
	droneID string
	cmd     command.Command
	ctxErr  error
}

type fakeCommander struct {
	mu       sync.Mutex
	calls    []dispatched
	outcomes map[string]command.Outcome
}

func (f *fakeCommander) Dispatch(ctx context.Context, droneID string, cmd command.Command) (uuid.UUID, <-chan command.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, dispatched{droneID: droneID, cmd: cmd, ctxErr: ctx.Err()})

	id := uuid.New()
	ch := make(chan command.Outcome, 1)
	ch <- command.Outcome{RequestID: id, DroneID: droneID, Command: cmd}
	close(ch)
	return id, ch
}

func (f *fakeCommander) LastOutcome(droneID string) (command.Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.outcomes[droneID]
	return o, ok
}

func newTestServer(t *testing.T) (*Server, *fleet.Reconciler, *fakeCommander) {
	t.Helper()

	r, err := fleet.NewReconciler()
	if err != nil {
		t.Fatalf("Failed to create reconciler: %v", err)
	}

	c := &fakeCommander{outcomes: make(map[string]command.Outcome)}
	return NewServer(r, c, WithMetricsHandler(metrics.New().Handler())), r, c
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestServer_Health(t *testing.T) {
	s, r, _ := newTestServer(t)
	r.ApplyTelemetry(&telemetry.Telemetry{ID: "d1"})

	rec := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["drones"] != float64(1) || body["version"] != float64(1) {
		t.Errorf("Unexpected health response: %v", body)
	}
}

func TestServer_Drones(t *testing.T) {
	s, r, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/drones", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("Expected empty list, got %d %s", rec.Code, rec.Body.String())
	}

	r.ApplyTelemetry(&telemetry.Telemetry{ID: "b", Location: telemetry.Location{Lat: 10, Lon: 10}})
	r.ApplyTelemetry(&telemetry.Telemetry{ID: "a"})
	r.ApplyTelemetry(&telemetry.Telemetry{ID: "b", Location: telemetry.Location{Lat: 10.1, Lon: 10}})

	drones := decode[[]fleet.DroneState](t, do(t, s, http.MethodGet, "/api/drones", ""))
	if len(drones) != 2 || drones[0].ID != "a" || drones[1].ID != "b" {
		t.Fatalf("Unexpected drones: %+v", drones)
	}
	if math.Abs(drones[1].Heading-90) > 1e-9 || len(drones[1].History) != 2 {
		t.Errorf("Unexpected state of b: %+v", drones[1])
	}
}

func TestServer_Drone(t *testing.T) {
	s, r, _ := newTestServer(t)
	r.ApplyTelemetry(&telemetry.Telemetry{ID: "d1", BatteryLevel: 77, Status: "Active"})

	rec := do(t, s, http.MethodGet, "/api/drones/d1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	d := decode[fleet.DroneState](t, rec)
	if d.ID != "d1" || d.BatteryLevel != 77 || d.Status != "Active" {
		t.Errorf("Unexpected drone: %+v", d)
	}

	if rec := do(t, s, http.MethodGet, "/api/drones/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestServer_Alerts(t *testing.T) {
	s, r, _ := newTestServer(t)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.ApplyAlert(&telemetry.Alert{ID: "d1", AnomalyType: "GPS Spoofing", Timestamp: ts})

	body := decode[struct {
		Alerts  []fleet.AlertEvent `json:"alerts"`
		Dropped uint64             `json:"dropped"`
	}](t, do(t, s, http.MethodGet, "/api/alerts", ""))

	if len(body.Alerts) != 1 || body.Alerts[0].AnomalyType != "GPS Spoofing" || !body.Alerts[0].Timestamp.Equal(ts) {
		t.Errorf("Unexpected alerts: %+v", body.Alerts)
	}
	if body.Dropped != 0 {
		t.Errorf("Expected 0 dropped, got %d", body.Dropped)
	}
}

func TestServer_SendCommand(t *testing.T) {
	testCases := []struct {
		name     string
		path     string
		body     string
		expected int
		calls    int
	}{
		{"rtb", "/api/drones/d1/command", `{"command":"RTB"}`, http.StatusAccepted, 1},
		{"unknown drone is still dispatched", "/api/drones/ghost/command", `{"command":"RTB"}`, http.StatusAccepted, 1},
		{"unsupported command", "/api/drones/d1/command", `{"command":"LAND"}`, http.StatusBadRequest, 0},
		{"missing command", "/api/drones/d1/command", `{}`, http.StatusBadRequest, 0},
		{"invalid JSON", "/api/drones/d1/command", `{`, http.StatusBadRequest, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, c := newTestServer(t)

			rec := do(t, s, http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.expected {
				t.Fatalf("Expected %d, got %d: %s", tc.expected, rec.Code, rec.Body.String())
			}
			if len(c.calls) != tc.calls {
				t.Fatalf("Expected %d dispatches, got %d", tc.calls, len(c.calls))
			}
			if tc.calls == 0 {
				return
			}

			body := decode[map[string]string](t, rec)
			if _, err := uuid.Parse(body["request_id"]); err != nil {
				t.Errorf("Expected a request id, got %q", body["request_id"])
			}
			if body["command"] != "RTB" || c.calls[0].cmd != command.RTB {
				t.Errorf("Unexpected command: %v", body)
			}
			if c.calls[0].ctxErr != nil {
				t.Errorf("Expected a live dispatch context, got %v", c.calls[0].ctxErr)
			}
		})
	}
}

func TestServer_LastCommand(t *testing.T) {
	s, _, c := newTestServer(t)

	if rec := do(t, s, http.MethodGet, "/api/drones/d1/command", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}

	o := command.Outcome{RequestID: uuid.New(), DroneID: "d1", Command: command.RTB, StatusCode: 200}
	c.outcomes["d1"] = o

	rec := do(t, s, http.MethodGet, "/api/drones/d1/command", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := decode[map[string]any](t, rec)
	if body["request_id"] != o.RequestID.String() || body["ok"] != true {
		t.Errorf("Unexpected outcome: %v", body)
	}
}

func TestServer_Metrics(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "fleet_monitor_fleet_drones") {
		t.Errorf("Expected metrics exposition, got %d", rec.Code)
	}
}

func TestServer_Feed(t *testing.T) {
	s, r, _ := newTestServer(t)
	r.ApplyTelemetry(&telemetry.Telemetry{ID: "d1"})

	srv := httptest.NewServer(s)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect feed: %v", err)
	}
	defer conn.Close()

	type frame struct {
		Version uint64             `json:"version"`
		Drones  []fleet.DroneState `json:"drones"`
		Alerts  []fleet.AlertEvent `json:"alerts"`
	}

	read := func() frame {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("Failed to read frame: %v", err)
		}
		return f
	}

	if f := read(); f.Version != 1 || len(f.Drones) != 1 {
		t.Fatalf("Expected initial snapshot at version 1, got %+v", f)
	}

	r.ApplyAlert(&telemetry.Alert{ID: "d1", AnomalyType: "X"})

	f := read()
	if f.Version != 2 || len(f.Alerts) != 1 {
		t.Errorf("Expected snapshot at version 2 with one alert, got %+v", f)
	}
}

func TestServer_ListenAndServe(t *testing.T) {
	s, _, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not shut down")
	}
}
