package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roman-kulish/fleet-monitor/internal/fleet"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleFeed pushes the current snapshot to the client and then every newer
// one. A slow client skips intermediate versions.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", slog.Any("error", err))
		return
	}
	defer conn.Close()

	logger := s.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	logger.Info("feed client connected")
	defer logger.Info("feed client disconnected")

	snapshots, cancel := s.fleet.Subscribe(1)
	defer cancel()

	// the feed is one way, reading only handles control frames and detects
	// the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("feed read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	current := s.fleet.Snapshot()
	if err = s.writeSnapshot(conn, current); err != nil {
		return
	}
	sent := current.Version()

	for {
		select {
		case <-gone:
			return

		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
			return

		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			// may have been published before the initial write
			if snap.Version() <= sent {
				continue
			}
			if err = s.writeSnapshot(conn, snap); err != nil {
				logger.Debug("feed write error", slog.Any("error", err))
				return
			}
			sent = snap.Version()

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(conn *websocket.Conn, snap *fleet.Snapshot) error {
	payload, err := snap.MarshalJSON()
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
