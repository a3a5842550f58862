package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/events"
	"github.com/llmos/llmosd/internal/metrics"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPingInterval   = 30 * time.Second
	wsPongWait       = 60 * time.Second
	wsSendBufferSize = 256
)

// defaultOrigins are the development origins accepted when no allow list
// is configured.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// newUpgrader builds an upgrader whose origin check enforces the allow
// list. Requests without an Origin header (CLI clients, local agents) are
// always admitted; "*" admits everything.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[strings.ToLower(o)] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if wildcard {
				return true
			}
			return allowed[strings.ToLower(origin)]
		},
	}
}

// handleEventsWS upgrades the connection and streams bus events to the
// client until it disconnects. An optional topics query parameter narrows
// the subscription to a comma-separated subset of the standard topics.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	upgrader := newUpgrader(s.deps.Config.Server.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	topics := events.AllTopics
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}

	ch, cancel := s.deps.Bus.Subscribe(topics, wsSendBufferSize)
	metrics.WebSocketConnections.Inc()

	done := make(chan struct{})

	// Reader goroutine: the client sends nothing we act on, but reading is
	// required to process control frames and notice disconnects.
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			_ = conn.Close()
			metrics.WebSocketConnections.Dec()
		}()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			case <-done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
