package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"suitedeck/internal/protocol"
	"suitedeck/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufCap    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// handleWebSocket upgrades an HTTP connection to WebSocket and starts the
// status feed for the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufCap),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Send the current session state to the new client.
	s.sendSessionList(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList pushes one update per live session to a client.
func (s *Server) sendSessionList(c *client) {
	for _, sess := range s.sessions.List() {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, s.updatePayload(sess))
		if err != nil {
			continue
		}
		c.trySend(msg)
	}
}

// readPump reads control messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", "err", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes queued messages and keepalive pings to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) trySend(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, drop the message.
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.clientsMu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionRun:
		var p protocol.SessionRunPayload
		json.Unmarshal(msg.Payload, &p)
		if err := s.runSession(p.SessionID, p.Config); err != nil {
			switch {
			case errors.Is(err, session.ErrNotFound):
				s.sendError(c, protocol.ErrSessionNotFound, err.Error())
			case errors.Is(err, ErrAlreadyRunning):
				s.sendError(c, protocol.ErrAlreadyRunning, err.Error())
			default:
				s.sendError(c, protocol.ErrInvalidConfig, err.Error())
			}
		}

	case protocol.TypeSessionStop:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		s.stopSession(p.SessionID)

	case protocol.TypeSessionClose:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if !s.closeSession(p.SessionID) {
			s.sendError(c, protocol.ErrSessionNotFound, "session not found: "+p.SessionID)
		}
	}
}

// onStatusChange is the session registry observer: every status transition
// is pushed to all connected clients.
func (s *Server) onStatusChange(id string, status session.Status) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return // closed concurrently
	}
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, s.updatePayload(sess))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func (s *Server) updatePayload(sess *session.Session) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:               sess.ID,
		Status:           string(sess.Status),
		StatusLine:       composeStatusLine(sess),
		Current:          sess.Progress.Current,
		Total:            sess.Progress.Total,
		Percentage:       sess.Progress.Percentage(),
		CurrentTest:      sess.CurrentTest,
		RecoveryAttempts: sess.RecoveryAttempts,
	}
}

func (s *Server) broadcastSessionClosed(id string) {
	msg, err := protocol.NewMessage(protocol.TypeSessionClosed, protocol.SessionClosedPayload{SessionID: id})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.trySend(msg)
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.trySend(msg)
}
