package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roman-kulish/fleet-monitor/internal/metrics"
)

const (
	// DefaultTimeout bounds a single command request
	DefaultTimeout = 10 * time.Second

	// DefaultOutcomeCacheSize is the number of drones whose last outcome is kept
	DefaultOutcomeCacheSize = 256

	maxResponseSize = 1 << 20
)

// WithLogger sets the logger for the dispatcher
func WithLogger(logger *slog.Logger) func(d *Dispatcher) {
	return func(d *Dispatcher) {
		d.logger = logger.With(slog.String("component", "command"))
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) func(d *Dispatcher) {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithHTTPClient sets the HTTP client used to deliver commands
func WithHTTPClient(client *http.Client) func(d *Dispatcher) {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithOutcomeCacheSize sets the number of drones whose last outcome is kept
func WithOutcomeCacheSize(size int) func(d *Dispatcher) {
	return func(d *Dispatcher) {
		d.cacheSize = size
	}
}

// WithMetrics enables command metrics
func WithMetrics(m *metrics.Metrics) func(d *Dispatcher) {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher delivers commands to the remote system. Every command is sent
// once on its own goroutine, failures are reported through the Outcome and
// are never retried.
type Dispatcher struct {
	baseURL   *url.URL
	client    *http.Client
	timeout   time.Duration
	cacheSize int

	outcomes *lru.Cache[string, Outcome]
	wg       sync.WaitGroup

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher sending commands to the API at baseURL
func NewDispatcher(baseURL string, options ...func(d *Dispatcher)) (*Dispatcher, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL '%s': scheme must be http or https", baseURL)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	d := Dispatcher{
		baseURL:   u,
		client:    http.DefaultClient,
		timeout:   DefaultTimeout,
		cacheSize: DefaultOutcomeCacheSize,
		logger:    logger,
	}

	for _, option := range options {
		option(&d)
	}

	if d.timeout <= 0 {
		return nil, fmt.Errorf("invalid timeout: %s", d.timeout)
	}

	if d.outcomes, err = lru.New[string, Outcome](d.cacheSize); err != nil {
		return nil, fmt.Errorf("error creating outcome cache: %w", err)
	}

	return &d, nil
}

// Send dispatches cmd to the drone and returns immediately. The returned
// channel receives exactly one Outcome and is then closed.
func (d *Dispatcher) Send(ctx context.Context, droneID string, cmd Command) <-chan Outcome {
	_, outcome := d.Dispatch(ctx, droneID, cmd)
	return outcome
}

// Dispatch is like Send but also returns the id of the request
func (d *Dispatcher) Dispatch(ctx context.Context, droneID string, cmd Command) (uuid.UUID, <-chan Outcome) {
	o := Outcome{
		RequestID: uuid.New(),
		DroneID:   droneID,
		Command:   cmd,
		SentAt:    time.Now(),
	}

	outcome := make(chan Outcome, 1)

	if _, err := ParseCommand(string(cmd)); err != nil {
		o.Err = err
		d.complete(o, outcome)
		return o.RequestID, outcome
	}

	if strings.TrimSpace(droneID) == "" {
		o.Err = fmt.Errorf("%w: empty drone id", ErrUnknownDroneReference)
		d.complete(o, outcome)
		return o.RequestID, outcome
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.deliver(ctx, &o)
		d.complete(o, outcome)
	}()

	return o.RequestID, outcome
}

// LastOutcome returns the outcome of the most recent command sent to the drone
func (d *Dispatcher) LastOutcome(droneID string) (Outcome, bool) {
	return d.outcomes.Get(droneID)
}

// Wait blocks until all in-flight requests have completed
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, o *Outcome) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		o.Duration = time.Since(o.SentAt)
	}()

	body, err := json.Marshal(map[string]string{"command": string(o.Command)})
	if err != nil {
		o.Err = fmt.Errorf("%w: error encoding request: %w", ErrCommandTransport, err)
		return
	}

	endpoint, err := d.endpoint(o.DroneID)
	if err != nil {
		o.Err = fmt.Errorf("%w: %w", ErrCommandTransport, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		o.Err = fmt.Errorf("%w: error creating request: %w", ErrCommandTransport, err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", o.RequestID.String())

	res, err := d.client.Do(req)
	if err != nil {
		o.Err = fmt.Errorf("%w: %w", ErrCommandTransport, err)
		return
	}
	defer res.Body.Close()

	o.StatusCode = res.StatusCode

	payload, err := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		o.Err = fmt.Errorf("%w: error reading response: %w", ErrCommandTransport, err)
		return
	}

	var decoded any
	decodeErr := json.Unmarshal(payload, &decoded)
	if decodeErr == nil {
		o.Response = decoded
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		o.Err = fmt.Errorf("%w: '%s' (%s)", ErrUnknownDroneReference, o.DroneID, detail(decoded, res.Status))

	case res.StatusCode < 200 || res.StatusCode > 299:
		o.Err = fmt.Errorf("%w: unexpected status %s", ErrCommandTransport, detail(decoded, res.Status))

	case decodeErr != nil:
		o.Err = fmt.Errorf("%w: invalid response body: %w", ErrCommandTransport, decodeErr)
	}
}

func (d *Dispatcher) complete(o Outcome, outcome chan<- Outcome) {
	if o.DroneID != "" {
		d.outcomes.Add(o.DroneID, o)
	}

	logger := d.logger.With(
		slog.String("requestID", o.RequestID.String()),
		slog.String("droneID", o.DroneID),
		slog.String("command", string(o.Command)),
	)

	if o.Err != nil {
		logger.Warn("command failed", slog.Int("status", o.StatusCode), slog.Any("error", o.Err))
	} else {
		logger.Info("command accepted", slog.Int("status", o.StatusCode), slog.Duration("duration", o.Duration))
	}

	if d.metrics != nil {
		d.metrics.CommandsSent.WithLabelValues(string(o.Command), result(o.Err)).Inc()
		if o.StatusCode != 0 {
			d.metrics.CommandDuration.Observe(o.Duration.Seconds())
		}
	}

	outcome <- o
	close(outcome)
}

// endpoint returns the command URL of the drone. The id always forms a single
// path segment.
func (d *Dispatcher) endpoint(droneID string) (string, error) {
	segment := url.PathEscape(droneID)
	if droneID == "." || droneID == ".." {
		segment = strings.ReplaceAll(droneID, ".", "%2E")
	}

	escaped := strings.TrimSuffix(d.baseURL.EscapedPath(), "/") + "/api/drones/" + segment + "/command"
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("error building command URL: %w", err)
	}

	u := *d.baseURL
	u.Path, u.RawPath = unescaped, escaped
	return u.String(), nil
}

// detail returns the server supplied error detail, falling back to status
func detail(decoded any, status string) string {
	body, _ := decoded.(map[string]any)
	for _, key := range []string{"detail", "message", "error"} {
		if v, ok := body[key].(string); ok && v != "" {
			return fmt.Sprintf("%s: %s", status, v)
		}
	}
	return status
}

func result(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrUnknownDroneReference):
		return metrics.ResultUnknown
	case errors.Is(err, ErrUnsupportedCommand):
		return metrics.ResultRejected
	default:
		return metrics.ResultTransport
	}
}
