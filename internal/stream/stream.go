package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultHandshakeTimeout bounds the websocket opening handshake
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultReconnectMin is the delay before the first reconnect attempt
	DefaultReconnectMin = 500 * time.Millisecond

	// DefaultReconnectMax caps the delay between reconnect attempts
	DefaultReconnectMax = 30 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// ErrHandshake is returned when the websocket connection cannot be opened
var ErrHandshake = errors.New("websocket handshake failed")

// MessageKind identifies what a Message carries
type MessageKind int

const (
	// Data carries one frame received from the stream
	Data MessageKind = iota

	// Connected reports that the stream has been (re)established
	Connected

	// Disconnected reports that the stream was lost; Err holds the cause
	Disconnected
)

func (k MessageKind) String() string {
	switch k {
	case Data:
		return "data"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// Message is delivered by the Client for every received frame and every
// change of the connection state
type Message struct {
	Kind    MessageKind
	Payload []byte
	Err     error
}

// WithLogger sets the logger for the client
func WithLogger(logger *slog.Logger) func(c *Client) {
	return func(c *Client) {
		c.logger = logger.With(slog.String("component", "stream"), slog.String("url", c.url))
	}
}

// WithHandshakeTimeout sets the websocket handshake timeout
func WithHandshakeTimeout(timeout time.Duration) func(c *Client) {
	return func(c *Client) {
		c.dialer.HandshakeTimeout = timeout
	}
}

// WithReconnect sets the bounds of the exponential reconnect delay
func WithReconnect(min, max time.Duration) func(c *Client) {
	return func(c *Client) {
		c.reconnectMin = min
		c.reconnectMax = max
	}
}

// Client consumes a websocket stream and keeps reconnecting to it until its
// context is cancelled
type Client struct {
	url    string
	dialer *websocket.Dialer

	reconnectMin time.Duration
	reconnectMax time.Duration

	logger *slog.Logger
}

// NewClient creates a Client for a ws:// or wss:// URL
func NewClient(rawURL string, options ...func(c *Client)) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid stream URL '%s': scheme must be ws or wss", rawURL)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	c := Client{
		url: rawURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		reconnectMin: DefaultReconnectMin,
		reconnectMax: DefaultReconnectMax,
		logger:       logger,
	}

	for _, option := range options {
		option(&c)
	}

	if c.reconnectMin <= 0 || c.reconnectMax < c.reconnectMin {
		return nil, fmt.Errorf("invalid reconnect delays: min=%s, max=%s", c.reconnectMin, c.reconnectMax)
	}

	return &c, nil
}

// Run connects to the stream and delivers messages to out in arrival order
// until ctx is cancelled. A lost connection is reported with a Disconnected
// message and re-established with exponential backoff.
func (c *Client) Run(ctx context.Context, out chan<- Message) error {
	delay := c.reconnectMin

	for {
		conn, err := c.connect(ctx)
		if err == nil {
			delay = c.reconnectMin

			if !send(ctx, out, Message{Kind: Connected}) {
				_ = conn.Close()
				return nil
			}

			err = c.read(ctx, conn, out)
			c.logger.Warn("stream disconnected", slog.Any("error", err))

			if !send(ctx, out, Message{Kind: Disconnected, Err: err}) {
				return nil
			}
		} else {
			c.logger.Warn("error connecting to stream", slog.Any("error", err), slog.Duration("retryIn", delay))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay = min(delay*2, c.reconnectMax)
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, res, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrHandshake, res.Status, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	c.logger.Info("stream connected")
	return conn, nil
}

// read pumps frames from conn to out until the connection fails or ctx is
// cancelled. The connection is always closed on return.
func (c *Client) read(ctx context.Context, conn *websocket.Conn, out chan<- Message) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		defer conn.Close()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					c.logger.Debug("error sending ping", slog.Any("error", err))
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			var cerr *websocket.CloseError
			if errors.As(err, &cerr) {
				return fmt.Errorf("stream closed by peer: %w", err)
			}
			return fmt.Errorf("error reading from stream: %w", err)
		}

		// any traffic proves the peer is alive
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if !send(ctx, out, Message{Kind: Data, Payload: payload}) {
			return ctx.Err()
		}
	}
}

func send(ctx context.Context, out chan<- Message, m Message) bool {
	select {
	case out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}
