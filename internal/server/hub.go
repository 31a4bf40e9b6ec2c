package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/corepower/pmcoord/internal/errors"
	"github.com/corepower/pmcoord/internal/power"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one WebSocket subscriber.
type Client struct {
	server *Server
	conn   *websocket.Conn
	send   chan Message

	// done is closed exactly once to stop writePump.
	done     chan struct{}
	sendOnce sync.Once
}

// Publish implements power.EventSink. It never blocks: the coordinator
// calls it while holding a core lock.
func (s *Server) Publish(ev power.Event) {
	s.Broadcast(NewEventMessage(ev))
}

// Broadcast queues msg for every connected client. If the server has
// stopped or the queue is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	// RLock through the send so Stop cannot close the channel underneath us.
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return
	}

	select {
	case s.broadcast <- msg:
	default:
		s.log.Warn().Str("type", string(msg.Type)).Msg("broadcast channel full, dropping message")
	}
}

func (s *Server) runBroadcaster() {
	for msg := range s.broadcast {
		s.mu.RLock()
		for client := range s.clients {
			select {
			case <-client.done:
			case client.send <- msg:
			default:
				s.log.Warn().Msg("client send buffer full, dropping message")
			}
		}
		s.mu.RUnlock()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Warn().Err(err).Str("code", apperrors.CodeServerUpgradeFailed).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan Message, channelBufferSize),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	count := len(s.clients)
	co := s.co
	s.mu.Unlock()

	s.log.Info().Int("clients", count).Str("remote", r.RemoteAddr).Msg("client connected")

	if co != nil {
		client.send <- NewStatusMessage(co.Status())
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// writePump serialises queued messages onto the connection and pings it.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				c.server.log.Error().Err(err).Msg("failed to marshal message")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.log.Debug().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only watches for the client going away; the stream is
// server-to-client.
func (c *Client) readPump() {
	defer func() {
		c.server.mu.Lock()
		delete(c.server.clients, c)
		remaining := len(c.server.clients)
		c.server.mu.Unlock()

		c.closeSend()
		c.server.log.Info().Int("clients", remaining).Msg("client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
	}
}
