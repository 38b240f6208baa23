package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyzno1/llm-eduhub/internal/chat"
	"github.com/lyzno1/llm-eduhub/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	snapshotBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The web front end is served from a different origin in development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the connection and pushes a snapshot to the client for
// every store mutation, starting with the current state. A client that
// cannot keep up loses intermediate snapshots but always receives the
// latest one eventually.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Subscribe delivers the current snapshot synchronously, so the
	// client's first frame and all subsequent mutations arrive through
	// the same ordered path with no gap between them.
	send := make(chan chat.Snapshot, snapshotBuffer)
	unsubscribe := s.store.Subscribe(func(snap chat.Snapshot) {
		select {
		case send <- snap:
		default:
			// Buffer full: drop the oldest pending snapshot so the
			// newest state still gets through.
			select {
			case <-send:
			default:
			}
			select {
			case send <- snap:
			default:
			}
		}
	})

	done := make(chan struct{})

	// Read pump: the client sends nothing we care about, but reading is
	// required to notice the close handshake.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			unsubscribe()
			if cerr := conn.Close(); cerr != nil {
				logger.L.Debug("websocket close error", "error", cerr)
			}
		}()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case snap := <-send:
				if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(snap); err != nil {
					logger.L.Debug("websocket write failed", "error", err)
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
